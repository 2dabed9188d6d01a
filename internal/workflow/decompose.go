// Package workflow splits analytic queries into dependent components and runs
// them against the cache, the pattern matcher and the budget-gated fallback.
package workflow

import (
	"strings"
	"unicode"

	"github.com/google/uuid"

	"github.com/kalambet/qroute/internal/cache"
)

// ComponentType says how a component is answered.
type ComponentType string

const (
	Cacheable ComponentType = "cacheable"
	Dynamic   ComponentType = "dynamic"
)

// Strategy labels. They describe a workflow and never change how it runs.
const (
	StrategyCacheHeavy     = "cache_heavy"
	StrategyBalancedHybrid = "balanced_hybrid"
	StrategyAIHeavy        = "ai_heavy"
	StrategyFullAI         = "full_ai"
)

// PatternGeneric names the fallback decomposition used below the confidence
// floor.
const PatternGeneric = "generic"

// confidenceFloor is the minimum keyword density for a named pattern.
const confidenceFloor = 0.1

// Component is one step of a workflow.
type Component struct {
	ID              string        `json:"id"`
	Role            string        `json:"role"`
	Type            ComponentType `json:"type"`
	Query           string        `json:"query"`
	DependsOn       []string      `json:"depends_on,omitempty"`
	EstimatedTokens int64         `json:"estimated_tokens"`
	CacheKey        string        `json:"cache_key,omitempty"`
}

// Workflow is a decomposed query.
type Workflow struct {
	ID                string      `json:"id"`
	Query             string      `json:"query"`
	Pattern           string      `json:"pattern"`
	Confidence        float64     `json:"confidence"`
	Components        []Component `json:"components"`
	ExecutionOrder    []string    `json:"execution_order"`
	EstimatedTokens   int64       `json:"estimated_tokens"`
	CacheHitPotential float64     `json:"cache_hit_potential"`
	Strategy          string      `json:"strategy"`
}

// Component returns the component with id.
func (w *Workflow) Component(id string) (Component, bool) {
	for _, c := range w.Components {
		if c.ID == id {
			return c, true
		}
	}
	return Component{}, false
}

type analysisPattern struct {
	name     string
	keywords []string
	roles    []string
}

// analysisPatterns is ordered by precedence; on equal confidence the earlier
// pattern wins.
var analysisPatterns = []analysisPattern{
	{
		name:     "causal",
		keywords: []string{"why", "cause", "caused", "causes", "because", "reason", "reasons", "driver", "drivers", "drop", "dropped", "decline", "declined", "impact", "effect", "led"},
		roles:    []string{"symptom_data", "correlation_analysis", "causal_inference"},
	},
	{
		name:     "predictive",
		keywords: []string{"forecast", "predict", "prediction", "projection", "project", "next", "future", "expect", "expected", "will", "estimate", "outlook"},
		roles:    []string{"historical_data", "forecast_model"},
	},
	{
		name:     "comparative",
		keywords: []string{"compare", "compared", "comparison", "vs", "versus", "difference", "between", "than", "relative", "benchmark", "against"},
		roles:    []string{"baseline_data", "comparison_data", "comparative_analysis"},
	},
	{
		name:     "temporal",
		keywords: []string{"trend", "trends", "over", "time", "monthly", "weekly", "daily", "quarterly", "yearly", "annual", "q1", "q2", "q3", "q4", "year", "month", "growth", "seasonal", "since", "history"},
		roles:    []string{"historical_data", "trend_analysis"},
	},
	{
		name:     "drill_down",
		keywords: []string{"breakdown", "drill", "detail", "details", "detailed", "segment", "segments", "per", "each", "by", "split"},
		roles:    []string{"summary_data", "segment_data", "detail_analysis"},
	},
}

type roleSpec struct {
	typ  ComponentType
	cost int64
}

// roleTable assigns every role its type and, for dynamic roles, a fixed token
// estimate.
var roleTable = map[string]roleSpec{
	"data_retrieval":       {Cacheable, 0},
	"historical_data":      {Cacheable, 0},
	"baseline_data":        {Cacheable, 0},
	"comparison_data":      {Cacheable, 0},
	"symptom_data":         {Cacheable, 0},
	"summary_data":         {Cacheable, 0},
	"segment_data":         {Cacheable, 0},
	"analysis":             {Dynamic, 1000},
	"trend_analysis":       {Dynamic, 800},
	"forecast_model":       {Dynamic, 1500},
	"comparative_analysis": {Dynamic, 1000},
	"correlation_analysis": {Dynamic, 1200},
	"causal_inference":     {Dynamic, 2000},
	"detail_analysis":      {Dynamic, 900},
}

var analyticalWords = map[string]bool{
	"analyze": true, "analyse": true, "analysis": true, "insight": true, "insights": true,
	"explain": true, "why": true, "how": true, "trend": true, "compare": true,
	"correlate": true, "correlation": true, "predict": true, "forecast": true,
	"impact": true, "evaluate": true, "assess": true, "recommend": true,
}

func tokenize(query string) []string {
	return strings.FieldsFunc(strings.ToLower(query), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// classify returns the best named pattern and its keyword density. ok is false
// when no pattern reaches the confidence floor.
func classify(tokens []string) (analysisPattern, float64, bool) {
	if len(tokens) == 0 {
		return analysisPattern{}, 0, false
	}
	var best analysisPattern
	bestConf := -1.0
	for _, p := range analysisPatterns {
		kw := make(map[string]bool, len(p.keywords))
		for _, k := range p.keywords {
			kw[k] = true
		}
		hits := 0
		for _, t := range tokens {
			if kw[t] {
				hits++
			}
		}
		conf := float64(hits) / float64(len(tokens))
		if conf > bestConf {
			best, bestConf = p, conf
		}
	}
	return best, bestConf, bestConf >= confidenceFloor
}

func hasAnalyticalLanguage(tokens []string) bool {
	for _, t := range tokens {
		if analyticalWords[t] {
			return true
		}
	}
	return false
}

// Decompose splits query into components with a dependency-respecting
// execution order.
func Decompose(query string) Workflow {
	tokens := tokenize(query)
	w := Workflow{ID: uuid.New().String(), Query: query}

	var roles []string
	if p, conf, ok := classify(tokens); ok {
		w.Pattern, w.Confidence, roles = p.name, conf, p.roles
	} else {
		w.Pattern, w.Confidence = PatternGeneric, conf
		roles = []string{"data_retrieval"}
		if hasAnalyticalLanguage(tokens) {
			roles = append(roles, "analysis")
		}
	}

	var cacheableIDs []string
	for _, role := range roles {
		spec := roleTable[role]
		c := Component{
			ID:    uuid.New().String(),
			Role:  role,
			Type:  spec.typ,
			Query: query,
		}
		if spec.typ == Cacheable {
			c.CacheKey = cache.Fingerprint(query, map[string]any{"role": role})
			cacheableIDs = append(cacheableIDs, c.ID)
		} else {
			c.EstimatedTokens = spec.cost
			c.DependsOn = append([]string(nil), cacheableIDs...)
		}
		w.Components = append(w.Components, c)
		w.EstimatedTokens += c.EstimatedTokens
	}

	// Components are built acyclic, so ordering cannot fail here.
	w.ExecutionOrder, _ = topoOrder(w.Components)

	if n := len(w.Components); n > 0 {
		w.CacheHitPotential = float64(len(cacheableIDs)) / float64(n) * 100
	}
	w.Strategy = strategyFor(w.CacheHitPotential)
	return w
}

func strategyFor(potential float64) string {
	switch {
	case potential >= 80:
		return StrategyCacheHeavy
	case potential >= 50:
		return StrategyBalancedHybrid
	case potential >= 20:
		return StrategyAIHeavy
	default:
		return StrategyFullAI
	}
}
