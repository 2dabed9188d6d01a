package patterns

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// catalogue is the on-disk document shape; a bare list is accepted as well.
type catalogue struct {
	Patterns []Record `json:"patterns" yaml:"patterns"`
}

// LoadFile reads a pattern catalogue from a JSON (.json) or YAML file.
func LoadFile(path string) ([]Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading pattern file: %w", err)
	}
	return Decode(data, strings.EqualFold(filepath.Ext(path), ".json"))
}

// Decode parses a catalogue document. JSON is a subset of YAML, but JSON input
// goes through encoding/json so timestamps and numbers decode identically to
// what the pattern builder wrote.
func Decode(data []byte, isJSON bool) ([]Record, error) {
	unmarshal := yaml.Unmarshal
	if isJSON {
		unmarshal = json.Unmarshal
	}

	if isList(data) {
		var list []Record
		if err := unmarshal(data, &list); err != nil {
			return nil, fmt.Errorf("parsing pattern list: %w", err)
		}
		return list, nil
	}

	var doc catalogue
	if err := unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing pattern catalogue: %w", err)
	}
	return doc.Patterns, nil
}

// isList reports whether the first content line opens a sequence. Blank
// lines, comments and the YAML document marker are skipped.
func isList(data []byte) bool {
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") || line == "---" {
			continue
		}
		if rest, ok := strings.CutPrefix(line, "---"); ok && (rest[0] == ' ' || rest[0] == '\t') {
			line = strings.TrimSpace(rest)
		}
		return strings.HasPrefix(line, "[") || line == "-" || strings.HasPrefix(line, "- ")
	}
	return false
}
