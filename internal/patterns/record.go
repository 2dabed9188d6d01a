// Package patterns holds the precomputed answer catalogue the matcher scores
// queries against. The catalogue is published as immutable snapshots that are
// swapped atomically on reload, so readers never lock and never observe a
// partially loaded set.
package patterns

import (
	"sort"
	"strings"
	"time"
)

// Record is one precomputed candidate answer.
type Record struct {
	ID          string    `json:"id" yaml:"id"`
	Category    string    `json:"category" yaml:"category"`
	Keywords    []string  `json:"keywords" yaml:"keywords"`
	Description string    `json:"description" yaml:"description"`
	PayloadRef  string    `json:"payload_ref" yaml:"payload_ref"`
	DataSize    int64     `json:"data_size" yaml:"data_size"`
	LastUpdated time.Time `json:"last_updated" yaml:"last_updated"`
}

// normalized returns a copy of r with keywords lowercased, trimmed, deduplicated
// and sorted. The copy shares nothing with r.
func (r Record) normalized() Record {
	seen := make(map[string]struct{}, len(r.Keywords))
	kws := make([]string, 0, len(r.Keywords))
	for _, k := range r.Keywords {
		k = strings.ToLower(strings.TrimSpace(k))
		if k == "" {
			continue
		}
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		kws = append(kws, k)
	}
	sort.Strings(kws)
	r.Keywords = kws
	r.ID = strings.TrimSpace(r.ID)
	return r
}
