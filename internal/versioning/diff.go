package versioning

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// HashData returns a stable content hash of rows. Map keys are serialized in
// sorted order, so equal data always hashes the same.
func HashData(rows []Row) string {
	h := sha256.New()
	b, err := json.Marshal(rows)
	if err != nil {
		b = []byte(fmt.Sprintf("%v", rows))
	}
	h.Write(b)
	return hex.EncodeToString(h.Sum(nil))
}

// Change describes how one config differs from another.
type Change struct {
	KindChanged   bool     `json:"kind_changed"`
	AddedLabels   []string `json:"added_labels,omitempty"`
	RemovedLabels []string `json:"removed_labels,omitempty"`
	SeriesDelta   int      `json:"series_delta"`
	ChangedPoints int      `json:"changed_points"`
	TotalPoints   int      `json:"total_points"`
}

// Structural reports whether the shape changed: kind, label set or series
// count.
func (c Change) Structural() bool {
	return c.KindChanged || len(c.AddedLabels) > 0 || len(c.RemovedLabels) > 0 || c.SeriesDelta != 0
}

// Diff compares two configs. It is pure and does not look at storage.
func Diff(old, next Config) Change {
	var c Change
	c.KindChanged = old.Kind != next.Kind

	oldSet := make(map[string]bool, len(old.Labels))
	for _, l := range old.Labels {
		oldSet[l] = true
	}
	newSet := make(map[string]bool, len(next.Labels))
	for _, l := range next.Labels {
		newSet[l] = true
		if !oldSet[l] {
			c.AddedLabels = append(c.AddedLabels, l)
		}
	}
	for _, l := range old.Labels {
		if !newSet[l] {
			c.RemovedLabels = append(c.RemovedLabels, l)
		}
	}
	c.SeriesDelta = len(next.Series) - len(old.Series)

	for i, s := range next.Series {
		c.TotalPoints += len(s.Values)
		if i >= len(old.Series) {
			c.ChangedPoints += len(s.Values)
			continue
		}
		prev := old.Series[i].Values
		for j, v := range s.Values {
			if j >= len(prev) || prev[j] != v {
				c.ChangedPoints++
			}
		}
	}
	for i, r := range next.Rows {
		c.TotalPoints += len(r)
		for j, cell := range r {
			if i >= len(old.Rows) || j >= len(old.Rows[i]) || old.Rows[i][j] != cell {
				c.ChangedPoints++
			}
		}
	}
	return c
}

// performanceGain estimates the share of work avoided by an update, in
// [0,100]. Structural changes regenerate everything.
func performanceGain(t UpdateType, c Change) float64 {
	switch t {
	case UpdateNoChange:
		return 100
	case UpdateIncremental:
		if c.TotalPoints == 0 {
			return 100
		}
		g := 100 * float64(c.TotalPoints-c.ChangedPoints) / float64(c.TotalPoints)
		return clamp(round2(g), 0, 100)
	default:
		return 0
	}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
