// Package matcher scores natural-language queries against the pattern
// catalogue using keyword overlap blended with character-level sequence
// similarity.
package matcher

import (
	"sort"
	"strings"

	"github.com/pmezard/go-difflib/difflib"

	"github.com/kalambet/qroute/internal/patterns"
)

const (
	keywordWeight = 0.7
	fuzzyWeight   = 0.3

	multiMatchBoost = 1.2
	coverageWeight  = 0.1

	// minSubstringLen guards against two-letter keywords matching everything.
	minSubstringLen = 3

	DefaultFuzzyThreshold   = 0.6
	DefaultRoutingThreshold = 0.75
	DefaultMaxResults       = 5
)

// MatchResult is one scored candidate. It is recomputed per query.
type MatchResult struct {
	PatternID       string   `json:"pattern_id"`
	Category        string   `json:"category"`
	Description     string   `json:"description"`
	PayloadRef      string   `json:"payload_ref"`
	KeywordScore    float64  `json:"keyword_score"`
	FuzzyScore      float64  `json:"fuzzy_score"`
	CombinedScore   float64  `json:"combined_score"`
	MatchedKeywords []string `json:"matched_keywords"`
	Generation      uint64   `json:"generation"`
}

// Options configures score thresholds.
type Options struct {
	FuzzyThreshold   float64
	RoutingThreshold float64
	MaxResults       int
}

// Matcher reads the current pattern snapshot on every call and keeps no other
// state, so it is safe for concurrent use.
type Matcher struct {
	store            *patterns.Store
	fuzzyThreshold   float64
	routingThreshold float64
	maxResults       int
}

// New creates a Matcher. Zero thresholds take the package defaults and the
// routing threshold is raised to the fuzzy threshold if configured below it.
func New(store *patterns.Store, opts Options) *Matcher {
	m := &Matcher{
		store:            store,
		fuzzyThreshold:   opts.FuzzyThreshold,
		routingThreshold: opts.RoutingThreshold,
		maxResults:       opts.MaxResults,
	}
	if m.fuzzyThreshold <= 0 {
		m.fuzzyThreshold = DefaultFuzzyThreshold
	}
	if m.routingThreshold <= 0 {
		m.routingThreshold = DefaultRoutingThreshold
	}
	if m.routingThreshold < m.fuzzyThreshold {
		m.routingThreshold = m.fuzzyThreshold
	}
	if m.maxResults <= 0 {
		m.maxResults = DefaultMaxResults
	}
	return m
}

// RoutingThreshold is the minimum combined score Route accepts.
func (m *Matcher) RoutingThreshold() float64 { return m.routingThreshold }

// Snapshot exposes the catalogue snapshot currently in effect.
func (m *Matcher) Snapshot() *patterns.Snapshot { return m.store.Current() }

// FindBestMatches returns up to maxResults candidates scoring at or above the
// fuzzy threshold, best first. maxResults <= 0 uses the configured default.
// A query with no usable keywords yields an empty result.
func (m *Matcher) FindBestMatches(query string, maxResults int) []MatchResult {
	if maxResults <= 0 {
		maxResults = m.maxResults
	}
	a, err := analyze(query)
	if err != nil {
		return nil
	}

	snap := m.store.Current()
	var results []MatchResult
	for _, rec := range snap.Records() {
		res := score(a, rec)
		if res.CombinedScore < m.fuzzyThreshold {
			continue
		}
		res.Generation = snap.Generation()
		results = append(results, res)
	}

	sort.SliceStable(results, func(i, j int) bool {
		if results[i].CombinedScore != results[j].CombinedScore {
			return results[i].CombinedScore > results[j].CombinedScore
		}
		return results[i].PatternID < results[j].PatternID
	})
	if len(results) > maxResults {
		results = results[:maxResults]
	}
	return results
}

// Route returns the single best candidate if it clears the routing threshold.
// A false return means the caller should take the fallback path.
func (m *Matcher) Route(query string) (MatchResult, bool) {
	best := m.FindBestMatches(query, 1)
	if len(best) == 0 || best[0].CombinedScore < m.routingThreshold {
		return MatchResult{}, false
	}
	return best[0], true
}

// Explain returns the normalized keywords the matcher would use for query.
func (m *Matcher) Explain(query string) []string {
	return Keywords(query)
}

func score(a analysis, rec patterns.Record) MatchResult {
	kw, matched := keywordScore(a.keywords, rec.Keywords)
	fz := fuzzyScore(a.text, rec.Description)
	return MatchResult{
		PatternID:       rec.ID,
		Category:        rec.Category,
		Description:     rec.Description,
		PayloadRef:      rec.PayloadRef,
		KeywordScore:    kw,
		FuzzyScore:      fz,
		CombinedScore:   keywordWeight*kw + fuzzyWeight*fz,
		MatchedKeywords: matched,
	}
}

// keywordScore is the share of pattern keywords hit by query keywords, boosted
// when several keywords hit, plus a small bonus for query coverage, capped at 1.
func keywordScore(queryKWs, patternKWs []string) (float64, []string) {
	if len(patternKWs) == 0 || len(queryKWs) == 0 {
		return 0, nil
	}
	stemmed := make([]string, len(patternKWs))
	for i, pk := range patternKWs {
		stemmed[i] = stem(pk)
	}

	var matched []string
	for _, qk := range queryKWs {
		for i, pk := range patternKWs {
			if keywordHit(qk, pk) || keywordHit(qk, stemmed[i]) {
				matched = append(matched, qk)
				break
			}
		}
	}
	if len(matched) == 0 {
		return 0, nil
	}

	s := float64(len(matched)) / float64(len(patternKWs))
	if len(matched) > 1 {
		s *= multiMatchBoost
	}
	s += coverageWeight * float64(len(matched)) / float64(len(queryKWs))
	if s > 1 {
		s = 1
	}
	return s, matched
}

func keywordHit(qk, pk string) bool {
	if qk == pk {
		return true
	}
	if len(qk) < minSubstringLen || len(pk) < minSubstringLen {
		return false
	}
	return strings.Contains(pk, qk) || strings.Contains(qk, pk)
}

// fuzzyScore is the difflib similarity ratio between the cleaned query text and
// the cleaned description, compared character by character.
func fuzzyScore(queryText, description string) float64 {
	desc := cleanText(description)
	if queryText == "" || desc == "" {
		return 0
	}
	if queryText == desc {
		return 1
	}
	sm := difflib.NewMatcherWithJunk(strings.Split(queryText, ""), strings.Split(desc, ""), false, nil)
	return sm.Ratio()
}
