package versioning

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Kind is the closed set of artifact types. Each kind has exactly one
// renderer.
type Kind int

const (
	KindTable Kind = iota
	KindBar
	KindLine
	KindPie
	KindScatter
	KindMetric
)

var kindNames = [...]string{
	KindTable:   "table",
	KindBar:     "bar",
	KindLine:    "line",
	KindPie:     "pie",
	KindScatter: "scatter",
	KindMetric:  "metric",
}

func (k Kind) String() string {
	if k < 0 || int(k) >= len(kindNames) {
		return fmt.Sprintf("kind(%d)", int(k))
	}
	return kindNames[k]
}

// ParseKind maps a name such as "bar" to its Kind.
func ParseKind(s string) (Kind, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for k, name := range kindNames {
		if name == s {
			return Kind(k), nil
		}
	}
	return KindTable, fmt.Errorf("unknown artifact kind %q", s)
}

func (k Kind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

func (k *Kind) UnmarshalText(b []byte) error {
	parsed, err := ParseKind(string(b))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// Row is one record of source data.
type Row = map[string]any

// maxPieSlices is the largest label count still drawn as a pie.
const maxPieSlices = 6

var timeColumnNames = map[string]bool{
	"date": true, "day": true, "week": true, "month": true,
	"quarter": true, "year": true, "period": true, "time": true,
}

var timeLayouts = []string{time.RFC3339, "2006-01-02", "2006-01", "2006"}

// shape describes the columns of a data set.
type shape struct {
	dimensions []string // non-numeric columns, sorted
	measures   []string // numeric columns, sorted
	timeDim    string   // first dimension that looks like time, if any
}

func analyzeShape(rows []Row) shape {
	numeric := make(map[string]bool)
	for _, r := range rows {
		for col, v := range r {
			if v == nil {
				continue
			}
			_, isNum := toFloat(v)
			if prev, seen := numeric[col]; seen {
				numeric[col] = prev && isNum
			} else {
				numeric[col] = isNum
			}
		}
	}
	var s shape
	for col, isNum := range numeric {
		if isNum {
			s.measures = append(s.measures, col)
		} else {
			s.dimensions = append(s.dimensions, col)
		}
	}
	sort.Strings(s.measures)
	sort.Strings(s.dimensions)
	for _, d := range s.dimensions {
		if looksLikeTime(d, rows) {
			s.timeDim = d
			break
		}
	}
	return s
}

func looksLikeTime(col string, rows []Row) bool {
	if timeColumnNames[strings.ToLower(col)] {
		return true
	}
	for _, r := range rows {
		v, ok := r[col].(string)
		if !ok {
			continue
		}
		for _, layout := range timeLayouts {
			if _, err := time.Parse(layout, v); err == nil {
				return true
			}
		}
		return false
	}
	return false
}

// Classify picks the artifact kind that best fits rows.
func Classify(rows []Row) Kind {
	if len(rows) == 0 {
		return KindTable
	}
	s := analyzeShape(rows)
	switch {
	case len(rows) == 1 && len(s.dimensions) == 0 && len(s.measures) == 1:
		return KindMetric
	case len(s.measures) == 0:
		return KindTable
	case s.timeDim != "":
		return KindLine
	case len(s.dimensions) == 0:
		return KindScatter
	case len(s.dimensions) == 1 && len(s.measures) == 1 &&
		distinctValues(rows, s.dimensions[0]) <= maxPieSlices && allNonNegative(rows, s.measures[0]):
		return KindPie
	case len(s.dimensions) >= 1:
		return KindBar
	default:
		return KindTable
	}
}

func distinctValues(rows []Row, col string) int {
	seen := make(map[string]bool)
	for _, r := range rows {
		seen[cellString(r[col])] = true
	}
	return len(seen)
}

func allNonNegative(rows []Row, col string) bool {
	for _, r := range rows {
		if f, ok := toFloat(r[col]); ok && f < 0 {
			return false
		}
	}
	return true
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint64:
		return float64(n), true
	case interface{ Float64() (float64, error) }:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

func cellString(v any) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}
