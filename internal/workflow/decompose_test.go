package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecomposeCausalComparison(t *testing.T) {
	w := Decompose("Why did sales drop in Q3 compared to Q2?")

	require.GreaterOrEqual(t, len(w.Components), 2)
	assert.Equal(t, "causal", w.Pattern)

	var dynamic, cacheable bool
	for _, c := range w.Components {
		switch c.Type {
		case Dynamic:
			dynamic = dynamic || c.EstimatedTokens > 0
		case Cacheable:
			cacheable = cacheable || (c.EstimatedTokens == 0 && c.CacheKey != "")
		}
	}
	assert.True(t, dynamic, "a dynamic component with a cost")
	assert.True(t, cacheable, "a free cacheable component")
	assert.True(t, ValidOrder(w.Components, w.ExecutionOrder))
	assert.EqualValues(t, 3200, w.EstimatedTokens)
}

func TestDecomposePatterns(t *testing.T) {
	tests := []struct {
		query   string
		pattern string
		roles   []string
	}{
		{"forecast revenue for next quarter", "predictive", []string{"historical_data", "forecast_model"}},
		{"compare north versus south", "comparative", []string{"baseline_data", "comparison_data", "comparative_analysis"}},
		{"monthly revenue trend", "temporal", []string{"historical_data", "trend_analysis"}},
		{"revenue breakdown by segment", "drill_down", []string{"summary_data", "segment_data", "detail_analysis"}},
		{"list all customers", PatternGeneric, []string{"data_retrieval"}},
		{"analyze customer list", PatternGeneric, []string{"data_retrieval", "analysis"}},
		{"", PatternGeneric, []string{"data_retrieval"}},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			w := Decompose(tt.query)
			assert.Equal(t, tt.pattern, w.Pattern)
			var roles []string
			for _, c := range w.Components {
				roles = append(roles, c.Role)
			}
			assert.Equal(t, tt.roles, roles)
			assert.True(t, ValidOrder(w.Components, w.ExecutionOrder))
		})
	}
}

func TestDynamicDependsOnPrecedingCacheable(t *testing.T) {
	w := Decompose("compare north versus south")
	require.Len(t, w.Components, 3)
	base, cmp, analysis := w.Components[0], w.Components[1], w.Components[2]

	assert.Empty(t, base.DependsOn)
	assert.Empty(t, cmp.DependsOn)
	assert.Equal(t, []string{base.ID, cmp.ID}, analysis.DependsOn)
	assert.Equal(t, []string{base.ID, cmp.ID, analysis.ID}, w.ExecutionOrder)
}

func TestStrategyLabels(t *testing.T) {
	assert.Equal(t, StrategyCacheHeavy, strategyFor(100))
	assert.Equal(t, StrategyCacheHeavy, strategyFor(80))
	assert.Equal(t, StrategyBalancedHybrid, strategyFor(66.7))
	assert.Equal(t, StrategyAIHeavy, strategyFor(33.3))
	assert.Equal(t, StrategyFullAI, strategyFor(0))

	w := Decompose("list all customers")
	assert.Equal(t, 100.0, w.CacheHitPotential)
	assert.Equal(t, StrategyCacheHeavy, w.Strategy)
}

func TestTopoOrder(t *testing.T) {
	comps := []Component{
		{ID: "c", DependsOn: []string{"a", "b"}},
		{ID: "a"},
		{ID: "b", DependsOn: []string{"a"}},
	}
	order, err := topoOrder(comps)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, order)
	assert.True(t, ValidOrder(comps, order))
	assert.False(t, ValidOrder(comps, []string{"c", "a", "b"}))

	_, err = topoOrder([]Component{{ID: "x", DependsOn: []string{"y"}}, {ID: "y", DependsOn: []string{"x"}}})
	var cycle *CycleError
	assert.ErrorAs(t, err, &cycle)

	_, err = topoOrder([]Component{{ID: "x", DependsOn: []string{"missing"}}})
	assert.Error(t, err)
}

func TestDecomposeOrderAlwaysValid(t *testing.T) {
	queries := []string{
		"why", "why why why compared forecast", "by by by", "sales", "q1 q2 q3 q4 trend",
		"Why did churn increase after the price change, and how does it compare to last year?",
	}
	for _, q := range queries {
		w := Decompose(q)
		assert.True(t, ValidOrder(w.Components, w.ExecutionOrder), q)
		assert.NotEmpty(t, w.ID)
	}
}
