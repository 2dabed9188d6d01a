package matcher

import (
	"errors"
	"strings"
	"unicode"
)

// ErrMalformedQuery is reported when a query has no usable keywords after
// normalization. The public matching API turns it into an empty result.
var ErrMalformedQuery = errors.New("malformed query")

var stopWords = map[string]struct{}{
	"a": {}, "an": {}, "the": {}, "and": {}, "or": {}, "but": {}, "of": {}, "to": {},
	"in": {}, "on": {}, "at": {}, "by": {}, "for": {}, "with": {}, "from": {}, "as": {},
	"is": {}, "are": {}, "was": {}, "were": {}, "be": {}, "been": {}, "being": {},
	"do": {}, "does": {}, "did": {}, "have": {}, "has": {}, "had": {},
	"what": {}, "which": {}, "who": {}, "whom": {}, "how": {}, "when": {}, "where": {},
	"me": {}, "my": {}, "we": {}, "our": {}, "you": {}, "your": {}, "i": {}, "it": {}, "its": {},
	"this": {}, "that": {}, "these": {}, "those": {}, "there": {}, "their": {},
	"show": {}, "give": {}, "tell": {}, "list": {}, "please": {}, "can": {}, "could": {},
	"would": {}, "should": {}, "all": {}, "any": {}, "some": {}, "about": {}, "into": {},
}

// cleanText lowercases s, replaces punctuation with spaces and collapses runs
// of whitespace. It is the form used for fuzzy comparison.
func cleanText(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	space := true
	for _, r := range strings.ToLower(s) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			space = false
			continue
		}
		if !space {
			b.WriteByte(' ')
			space = true
		}
	}
	return strings.TrimSpace(b.String())
}

// stem strips a handful of common English suffixes. It is deliberately light:
// over-stemming costs more precision than it buys recall for short queries.
func stem(w string) string {
	if len(w) <= 4 {
		return w
	}
	switch {
	case strings.HasSuffix(w, "ies"):
		return w[:len(w)-3] + "y"
	case strings.HasSuffix(w, "ing") && len(w) > 5:
		return w[:len(w)-3]
	case strings.HasSuffix(w, "ed"):
		return w[:len(w)-2]
	case strings.HasSuffix(w, "ly"):
		return w[:len(w)-2]
	case strings.HasSuffix(w, "s") && !strings.HasSuffix(w, "ss"):
		return w[:len(w)-1]
	}
	return w
}

// Keywords normalizes a query into its deduplicated keyword list, in first
// occurrence order.
func Keywords(query string) []string {
	fields := strings.Fields(cleanText(query))
	seen := make(map[string]struct{}, len(fields))
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if _, stop := stopWords[f]; stop {
			continue
		}
		k := stem(f)
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	return out
}

// analysis is a normalized query, computed once per call and shared across
// every pattern scored against it.
type analysis struct {
	text     string
	keywords []string
}

func analyze(query string) (analysis, error) {
	kws := Keywords(query)
	if len(kws) == 0 {
		return analysis{}, ErrMalformedQuery
	}
	return analysis{text: cleanText(query), keywords: kws}, nil
}
