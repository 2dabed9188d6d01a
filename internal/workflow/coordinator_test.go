package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/kalambet/qroute/internal/budget"
	"github.com/kalambet/qroute/internal/cache"
	"github.com/kalambet/qroute/internal/fallback"
	"github.com/kalambet/qroute/internal/matcher"
	"github.com/kalambet/qroute/internal/versioning"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type routerFunc func(string) (matcher.MatchResult, bool)

func (f routerFunc) Route(q string) (matcher.MatchResult, bool) { return f(q) }

var noRoute = routerFunc(func(string) (matcher.MatchResult, bool) { return matcher.MatchResult{}, false })

type recorderFunc func(context.Context, Run) error

func (f recorderFunc) RecordRun(ctx context.Context, r Run) error { return f(ctx, r) }

func newCache(t *testing.T) *cache.ResponseCache {
	t.Helper()
	c, err := cache.New(cache.Options{Dir: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func answering(msg string, tokens int64) fallback.Func {
	return func(context.Context, fallback.Request) (fallback.Answer, error) {
		return fallback.Answer{Message: msg, TokensUsed: tokens, Confidence: 0.9}, nil
	}
}

func TestExecuteAllFallbackThenCached(t *testing.T) {
	rc := newCache(t)
	b := budget.New(budget.Options{DailyLimit: 100000})
	var calls int
	var mu sync.Mutex
	fb := fallback.Func(func(ctx context.Context, r fallback.Request) (fallback.Answer, error) {
		mu.Lock()
		calls++
		mu.Unlock()
		return fallback.Answer{Message: "answer for " + r.Role, TokensUsed: 100}, nil
	})
	c := NewCoordinator(Options{Router: noRoute, Cache: rc, Budget: b, Fallback: fb})

	first, err := c.Process(context.Background(), Request{Query: "Why did sales drop in Q3 compared to Q2?"})
	require.NoError(t, err)
	require.Len(t, first.Components, 3)
	assert.False(t, first.Metadata.CacheHit)
	assert.True(t, first.Metadata.FallbackUsed)
	assert.Equal(t, 3, calls)
	for _, cr := range first.Components {
		assert.False(t, cr.CacheHit)
		assert.Equal(t, SourceFallback, cr.Source)
	}

	second, err := c.Process(context.Background(), Request{Query: "Why did sales drop in Q3 compared to Q2?"})
	require.NoError(t, err)
	assert.True(t, second.Components[0].CacheHit, "cacheable answer was written back")
	assert.Equal(t, SourceCache, second.Components[0].Source)
	assert.Equal(t, 1, second.Metadata.CacheHits)
	assert.Equal(t, 100.0, second.Metadata.CacheHitRate)
	assert.Equal(t, 5, calls)
}

func TestExecuteRoutedPatternPayload(t *testing.T) {
	rc := newCache(t)
	require.True(t, rc.PutKey(PayloadKey("payloads/top-models"), []byte(`[{"model":"A","units":10}]`), time.Hour))

	router := routerFunc(func(q string) (matcher.MatchResult, bool) {
		return matcher.MatchResult{PatternID: "p1", PayloadRef: "payloads/top-models", CombinedScore: 0.9}, true
	})
	c := NewCoordinator(Options{
		Router:    router,
		Cache:     rc,
		Budget:    budget.New(budget.Options{DailyLimit: 10}),
		Versioner: versioning.NewEngine(nil, nil),
	})

	res, err := c.Process(context.Background(), Request{Query: "top selling models", ArtifactID: "chart1"})
	require.NoError(t, err)
	require.Len(t, res.Components, 1)
	cr := res.Components[0]
	assert.True(t, cr.CacheHit)
	assert.Equal(t, "p1", cr.PatternID)
	assert.JSONEq(t, `[{"model":"A","units":10}]`, string(cr.Payload))
	assert.Zero(t, res.Metadata.TokensUsed)

	require.NotNil(t, res.Artifact)
	assert.Equal(t, 1, res.Artifact.Version)
	assert.Equal(t, versioning.UpdateCreated, res.Artifact.UpdateType)
}

func TestExecuteBudgetExceededContinues(t *testing.T) {
	b := budget.New(budget.Options{DailyLimit: 1500})
	var roles []string
	fb := fallback.Func(func(_ context.Context, r fallback.Request) (fallback.Answer, error) {
		roles = append(roles, r.Role)
		return fallback.Answer{Message: "ok"}, nil
	})
	c := NewCoordinator(Options{Router: noRoute, Cache: newCache(t), Budget: b, Fallback: fb})

	// symptom_data reserves 500, correlation_analysis 1200 does not fit,
	// causal_inference 2000 does not fit either.
	res, err := c.Process(context.Background(), Request{Query: "Why did sales drop?"})
	require.NoError(t, err)
	require.Len(t, res.Components, 3)

	assert.Equal(t, SourceFallback, res.Components[0].Source)
	assert.True(t, res.Components[1].BudgetExceeded)
	assert.Equal(t, SourceBudgetExceeded, res.Components[1].Source)
	assert.True(t, res.Components[2].BudgetExceeded)
	assert.True(t, res.Metadata.BudgetExceeded)
	assert.Equal(t, []string{"symptom_data"}, roles)
	assert.LessOrEqual(t, b.UsageStats().Used, int64(1500))
}

func TestExecuteFallbackErrorIsReported(t *testing.T) {
	boom := errors.New("upstream down")
	fb := fallback.Func(func(context.Context, fallback.Request) (fallback.Answer, error) {
		return fallback.Answer{}, boom
	})
	b := budget.New(budget.Options{DailyLimit: 10000})
	c := NewCoordinator(Options{Router: noRoute, Cache: newCache(t), Budget: b, Fallback: fb})

	res, err := c.Process(context.Background(), Request{Query: "monthly revenue trend"})
	require.NoError(t, err)
	for _, cr := range res.Components {
		assert.Equal(t, SourceError, cr.Source)
		assert.Contains(t, cr.Error, "upstream down")
		assert.Zero(t, cr.TokensUsed)
	}
	assert.Zero(t, res.Metadata.TokensUsed)
	assert.Zero(t, b.UsageStats().Used, "failed calls release their reservation")
}

func TestExecuteDisabledFallbackSpendsNothing(t *testing.T) {
	b := budget.New(budget.Options{DailyLimit: 5000})
	c := NewCoordinator(Options{Router: noRoute, Cache: newCache(t), Budget: b, Fallback: fallback.Disabled})

	for i := 0; i < 3; i++ {
		res, err := c.Process(context.Background(), Request{Query: "monthly revenue trend"})
		require.NoError(t, err)
		for _, cr := range res.Components {
			assert.Equal(t, SourceError, cr.Source)
		}
	}
	assert.Zero(t, b.UsageStats().Used)
}

func TestExecuteReleasesUnderrun(t *testing.T) {
	b := budget.New(budget.Options{DailyLimit: 5000})
	c := NewCoordinator(Options{Router: noRoute, Cache: newCache(t), Budget: b, Fallback: answering("x", 10)})

	res, err := c.Process(context.Background(), Request{Query: "monthly revenue trend"})
	require.NoError(t, err)
	for _, cr := range res.Components {
		assert.EqualValues(t, 10, cr.TokensUsed)
	}
	assert.EqualValues(t, 20, res.Metadata.TokensUsed)
	assert.EqualValues(t, 20, b.UsageStats().Used)
	assert.EqualValues(t, 800, res.Metadata.TokensEstimated)
}

func TestExecuteChargesOverrun(t *testing.T) {
	b := budget.New(budget.Options{DailyLimit: 100000})
	c := NewCoordinator(Options{Router: noRoute, Cache: newCache(t), Budget: b, Fallback: answering("x", 3000)})

	res, err := c.Process(context.Background(), Request{Query: "monthly revenue trend"})
	require.NoError(t, err)
	// historical_data reserves 500, trend_analysis 800; both report 3000.
	assert.EqualValues(t, 6000, res.Metadata.TokensUsed)
	assert.EqualValues(t, 6000, b.UsageStats().Used)
	assert.EqualValues(t, 800, res.Metadata.TokensEstimated)
}

func TestExecuteCancelledBetweenComponents(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	fb := fallback.Func(func(context.Context, fallback.Request) (fallback.Answer, error) {
		cancel()
		return fallback.Answer{Message: "first"}, nil
	})
	var recorded Run
	c := NewCoordinator(Options{
		Router:   noRoute,
		Cache:    newCache(t),
		Budget:   budget.New(budget.Options{DailyLimit: 100000}),
		Fallback: fb,
		Recorder: recorderFunc(func(_ context.Context, r Run) error { recorded = r; return nil }),
	})

	res, err := c.Process(ctx, Request{Query: "Why did sales drop?"})
	assert.ErrorIs(t, err, context.Canceled)
	require.Len(t, res.Components, 3)
	assert.Equal(t, SourceFallback, res.Components[0].Source)
	assert.Equal(t, SourceSkipped, res.Components[1].Source)
	assert.Equal(t, SourceSkipped, res.Components[2].Source)
	assert.True(t, res.Metadata.Cancelled)
	assert.True(t, recorded.Cancelled)
	assert.Equal(t, res.WorkflowID, recorded.ID)
}

func TestExecuteConcurrentWorkflows(t *testing.T) {
	b := budget.New(budget.Options{DailyLimit: 20000})
	c := NewCoordinator(Options{Router: noRoute, Cache: newCache(t), Budget: b, Fallback: answering("x", 0)})

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.Process(context.Background(), Request{Query: "Why did sales drop?"})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.LessOrEqual(t, b.UsageStats().Used, int64(20000))
}

func TestTabular(t *testing.T) {
	rows, ok := tabular(json.RawMessage(`{"rows":[{"a":1}]}`))
	assert.True(t, ok)
	assert.Len(t, rows, 1)

	_, ok = tabular(json.RawMessage(`{"message":"hi"}`))
	assert.False(t, ok)
	_, ok = tabular(nil)
	assert.False(t, ok)
}
