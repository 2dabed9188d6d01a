package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
)

// Fingerprint derives the cache key for a query and its options. The query is
// trimmed and lowercased; options are serialized with sorted keys, so two maps
// with the same contents always produce the same key.
func Fingerprint(query string, options map[string]any) string {
	h := sha256.New()
	h.Write([]byte(strings.ToLower(strings.TrimSpace(query))))
	h.Write([]byte{0})
	if len(options) > 0 {
		// encoding/json sorts map keys, nested maps included.
		b, err := json.Marshal(options)
		if err != nil {
			// fmt also prints maps in key order.
			b = []byte(fmt.Sprintf("%v", options))
		}
		h.Write(b)
	}
	return hex.EncodeToString(h.Sum(nil))
}
