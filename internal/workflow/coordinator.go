package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/kalambet/qroute/internal/budget"
	"github.com/kalambet/qroute/internal/cache"
	"github.com/kalambet/qroute/internal/fallback"
	"github.com/kalambet/qroute/internal/matcher"
	"github.com/kalambet/qroute/internal/versioning"
)

// Component result sources.
const (
	SourceCache          = "cache"
	SourceFallback       = "fallback"
	SourceBudgetExceeded = "budget_exceeded"
	SourceError          = "error"
	SourceSkipped        = "skipped"
)

// defaultMissEstimate is the token estimate used to gate a cacheable component
// that missed the cache and must go to the fallback.
const defaultMissEstimate = 500

// Router finds the precomputed pattern for a query.
type Router interface {
	Route(query string) (matcher.MatchResult, bool)
}

// Cache is the subset of the response cache the coordinator uses.
type Cache interface {
	GetKey(key string) (*cache.Entry, bool)
	PutKey(key string, payload []byte, ttl time.Duration) bool
}

// Budget gates fallback calls.
type Budget interface {
	Charge(tokens int64, note string) bool
	Release(tokens int64, note string)
}

// Versioner records artifacts produced by a workflow.
type Versioner interface {
	GenerateOrUpdate(ctx context.Context, artifactID string, hint versioning.Hint, rows []versioning.Row) (versioning.Result, error)
}

// RunRecorder stores a summary of every executed workflow.
type RunRecorder interface {
	RecordRun(ctx context.Context, run Run) error
}

// Run is the persisted summary of one execution.
type Run struct {
	ID             string        `json:"id"`
	Query          string        `json:"query"`
	Pattern        string        `json:"pattern"`
	Strategy       string        `json:"strategy"`
	Components     int           `json:"components"`
	CacheHits      int           `json:"cache_hits"`
	TokensUsed     int64         `json:"tokens_used"`
	BudgetExceeded bool          `json:"budget_exceeded"`
	Cancelled      bool          `json:"cancelled"`
	StartedAt      time.Time     `json:"started_at"`
	Duration       time.Duration `json:"duration_ns"`
}

// ComponentResult is the outcome of one component.
type ComponentResult struct {
	ComponentID     string          `json:"component_id"`
	Role            string          `json:"role"`
	Type            ComponentType   `json:"type"`
	Source          string          `json:"source"`
	CacheHit        bool            `json:"cache_hit"`
	PatternID       string          `json:"pattern_id,omitempty"`
	Payload         json.RawMessage `json:"payload,omitempty"`
	Message         string          `json:"message,omitempty"`
	Suggestions     []string        `json:"suggestions,omitempty"`
	Confidence      float64         `json:"confidence,omitempty"`
	EstimatedTokens int64           `json:"estimated_tokens"`
	TokensUsed      int64           `json:"tokens_used"`
	BudgetExceeded  bool            `json:"budget_exceeded"`
	FallbackUsed    bool            `json:"fallback_used"`
	Error           string          `json:"error,omitempty"`
	Duration        time.Duration   `json:"duration_ns"`
}

// Metadata summarizes an execution.
type Metadata struct {
	CacheHit        bool          `json:"cache_hit"`
	CacheHits       int           `json:"cache_hits"`
	CacheMisses     int           `json:"cache_misses"`
	CacheHitRate    float64       `json:"cache_hit_rate"`
	TokensUsed      int64         `json:"tokens_used"`
	TokensEstimated int64         `json:"tokens_estimated"`
	BudgetExceeded  bool          `json:"budget_exceeded"`
	FallbackUsed    bool          `json:"fallback_used"`
	Cancelled       bool          `json:"cancelled"`
	Duration        time.Duration `json:"duration_ns"`
}

// Result is the merged output of a workflow.
type Result struct {
	WorkflowID string             `json:"workflow_id"`
	Query      string             `json:"query"`
	Pattern    string             `json:"pattern"`
	Strategy   string             `json:"strategy"`
	Answer     string             `json:"answer,omitempty"`
	Components []ComponentResult  `json:"components"`
	Artifact   *versioning.Result `json:"artifact,omitempty"`
	Metadata   Metadata           `json:"metadata"`
}

// Request is one query to process.
type Request struct {
	Query string `json:"query"`
	// ArtifactID, when set, versions any tabular payload the workflow
	// produced under this id.
	ArtifactID string `json:"artifact_id,omitempty"`
	Title      string `json:"title,omitempty"`
}

// Options configures a Coordinator. Router, Cache, Budget and Fallback are
// required.
type Options struct {
	Router       Router
	Cache        Cache
	Budget       Budget
	Fallback     fallback.Fallback
	Descriptions func() []string
	Versioner    Versioner
	Recorder     RunRecorder
	// WriteBackTTL is how long fallback answers for cacheable components are
	// cached. Zero uses the cache default.
	WriteBackTTL time.Duration
	MissEstimate int64
	Logger       *zap.Logger
}

// Coordinator executes workflows. It holds no per-workflow state and is safe
// for concurrent use.
type Coordinator struct {
	opts   Options
	logger *zap.Logger
}

func NewCoordinator(opts Options) *Coordinator {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Fallback == nil {
		opts.Fallback = fallback.Disabled
	}
	if opts.Descriptions == nil {
		opts.Descriptions = func() []string { return nil }
	}
	if opts.MissEstimate <= 0 {
		opts.MissEstimate = defaultMissEstimate
	}
	return &Coordinator{opts: opts, logger: opts.Logger}
}

// Process decomposes and executes req.
func (c *Coordinator) Process(ctx context.Context, req Request) (Result, error) {
	w := Decompose(req.Query)
	return c.Execute(ctx, w, req)
}

// Execute runs the components of w strictly in execution order. Component
// failures are reported in the result and do not stop the workflow. If ctx is
// cancelled between components the remaining ones are skipped and the partial
// result is returned with ctx's error.
func (c *Coordinator) Execute(ctx context.Context, w Workflow, req Request) (Result, error) {
	start := time.Now()
	res := Result{
		WorkflowID: w.ID,
		Query:      w.Query,
		Pattern:    w.Pattern,
		Strategy:   w.Strategy,
	}
	log := c.logger.With(zap.String("workflow", w.ID))

	var ctxErr error
	for _, id := range w.ExecutionOrder {
		comp, ok := w.Component(id)
		if !ok {
			continue
		}
		if ctxErr == nil {
			ctxErr = ctx.Err()
		}
		if ctxErr != nil {
			res.Components = append(res.Components, ComponentResult{
				ComponentID:     comp.ID,
				Role:            comp.Role,
				Type:            comp.Type,
				Source:          SourceSkipped,
				EstimatedTokens: comp.EstimatedTokens,
			})
			res.Metadata.Cancelled = true
			continue
		}
		cr := c.runComponent(ctx, comp)
		log.Debug("workflow: component done",
			zap.String("role", comp.Role),
			zap.String("source", cr.Source),
			zap.Bool("cache_hit", cr.CacheHit))
		res.Components = append(res.Components, cr)
	}

	c.merge(&res)
	if req.ArtifactID != "" && c.opts.Versioner != nil && !res.Metadata.Cancelled {
		c.versionArtifact(ctx, &res, req)
	}
	res.Metadata.Duration = time.Since(start)
	c.record(ctx, w, res, start)
	return res, ctxErr
}

func (c *Coordinator) runComponent(ctx context.Context, comp Component) ComponentResult {
	start := time.Now()
	cr := ComponentResult{
		ComponentID:     comp.ID,
		Role:            comp.Role,
		Type:            comp.Type,
		EstimatedTokens: comp.EstimatedTokens,
	}

	if comp.Type == Cacheable {
		payload, patternID, ok := c.lookup(comp)
		cr.PatternID = patternID
		if ok {
			cr.Source = SourceCache
			cr.CacheHit = true
			cr.Payload = payload
			cr.Duration = time.Since(start)
			return cr
		}
	}

	c.callFallback(ctx, comp, &cr)
	cr.Duration = time.Since(start)
	return cr
}

// lookup tries the component's own cache key, then the payload of the pattern
// the router picks for its query.
func (c *Coordinator) lookup(comp Component) (json.RawMessage, string, bool) {
	if e, ok := c.opts.Cache.GetKey(comp.CacheKey); ok {
		return asJSON(e.Payload), "", true
	}
	m, ok := c.opts.Router.Route(comp.Query)
	if !ok || m.PayloadRef == "" {
		return nil, "", false
	}
	if e, ok := c.opts.Cache.GetKey(PayloadKey(m.PayloadRef)); ok {
		return asJSON(e.Payload), m.PatternID, true
	}
	return nil, m.PatternID, false
}

// PayloadKey is the cache key under which a pattern's precomputed payload is
// stored.
func PayloadKey(payloadRef string) string {
	return cache.Fingerprint(payloadRef, nil)
}

// callFallback reserves the estimate, asks the fallback and settles the
// reservation against the reported usage. A failed call releases the whole
// reservation. An answer that reports no usage keeps the estimate.
func (c *Coordinator) callFallback(ctx context.Context, comp Component, cr *ComponentResult) {
	estimate := comp.EstimatedTokens
	if estimate <= 0 {
		estimate = c.opts.MissEstimate
	}
	if !c.opts.Budget.Charge(estimate, comp.Role+": "+comp.Query) {
		cr.Source = SourceBudgetExceeded
		cr.BudgetExceeded = true
		cr.Error = budget.ErrBudgetExceeded.Error()
		return
	}

	cr.FallbackUsed = true
	ans, err := c.opts.Fallback.Answer(ctx, fallback.Request{
		Query:        comp.Query,
		Role:         comp.Role,
		Descriptions: c.opts.Descriptions(),
	})
	if err != nil {
		c.opts.Budget.Release(estimate, comp.Role+": fallback failed")
		cr.Source = SourceError
		cr.Error = err.Error()
		if !errors.Is(err, fallback.ErrUnavailable) {
			c.logger.Warn("workflow: fallback failed", zap.String("role", comp.Role), zap.Error(err))
		}
		return
	}

	cr.TokensUsed = c.settle(comp, estimate, ans.TokensUsed)

	cr.Source = SourceFallback
	cr.Message = ans.Message
	cr.Suggestions = ans.Suggestions
	cr.Confidence = ans.Confidence
	payload, _ := json.Marshal(ans)
	cr.Payload = payload

	if comp.Type == Cacheable && comp.CacheKey != "" {
		if !c.opts.Cache.PutKey(comp.CacheKey, payload, c.opts.WriteBackTTL) {
			c.logger.Debug("workflow: write-back skipped", zap.String("role", comp.Role))
		}
	}
}

// settle reconciles a reservation with the tokens the fallback reported and
// returns the figure charged.
func (c *Coordinator) settle(comp Component, estimate, actual int64) int64 {
	switch {
	case actual <= 0:
		return estimate
	case actual < estimate:
		c.opts.Budget.Release(estimate-actual, comp.Role+": unused reservation")
		return actual
	case actual > estimate:
		if c.opts.Budget.Charge(actual-estimate, comp.Role+": overrun") {
			return actual
		}
		c.logger.Warn("workflow: fallback overran its estimate past the budget",
			zap.String("role", comp.Role), zap.Int64("extra", actual-estimate))
		return estimate
	default:
		return actual
	}
}

func (c *Coordinator) merge(res *Result) {
	var answers []string
	md := &res.Metadata
	for _, cr := range res.Components {
		if cr.Source == SourceSkipped {
			continue
		}
		if cr.CacheHit {
			md.CacheHits++
		} else if cr.Type == Cacheable {
			md.CacheMisses++
		}
		md.TokensUsed += cr.TokensUsed
		md.TokensEstimated += cr.EstimatedTokens
		md.BudgetExceeded = md.BudgetExceeded || cr.BudgetExceeded
		md.FallbackUsed = md.FallbackUsed || cr.FallbackUsed
		if cr.Message != "" {
			answers = append(answers, cr.Message)
		}
	}
	if lookups := md.CacheHits + md.CacheMisses; lookups > 0 {
		md.CacheHitRate = float64(md.CacheHits) / float64(lookups) * 100
	}
	md.CacheHit = md.CacheHits > 0 && md.CacheMisses == 0
	res.Answer = strings.Join(answers, "\n\n")
}

// versionArtifact feeds the first tabular payload into the versioning engine.
// Failures are logged; the workflow result stands without an artifact.
func (c *Coordinator) versionArtifact(ctx context.Context, res *Result, req Request) {
	for _, cr := range res.Components {
		rows, ok := tabular(cr.Payload)
		if !ok {
			continue
		}
		art, err := c.opts.Versioner.GenerateOrUpdate(ctx, req.ArtifactID, versioning.Hint{Title: req.Title}, rows)
		if err != nil {
			c.logger.Warn("workflow: versioning artifact", zap.String("artifact", req.ArtifactID), zap.Error(err))
			return
		}
		res.Artifact = &art
		return
	}
}

// tabular extracts rows from a payload that is either a JSON array of objects
// or an object with a "rows" array.
func tabular(payload json.RawMessage) ([]versioning.Row, bool) {
	if len(payload) == 0 {
		return nil, false
	}
	var rows []versioning.Row
	if err := json.Unmarshal(payload, &rows); err == nil && len(rows) > 0 {
		return rows, true
	}
	var wrapped struct {
		Rows []versioning.Row `json:"rows"`
	}
	if err := json.Unmarshal(payload, &wrapped); err == nil && len(wrapped.Rows) > 0 {
		return wrapped.Rows, true
	}
	return nil, false
}

func (c *Coordinator) record(ctx context.Context, w Workflow, res Result, start time.Time) {
	if c.opts.Recorder == nil {
		return
	}
	run := Run{
		ID:             w.ID,
		Query:          w.Query,
		Pattern:        w.Pattern,
		Strategy:       w.Strategy,
		Components:     len(w.Components),
		CacheHits:      res.Metadata.CacheHits,
		TokensUsed:     res.Metadata.TokensUsed,
		BudgetExceeded: res.Metadata.BudgetExceeded,
		Cancelled:      res.Metadata.Cancelled,
		StartedAt:      start,
		Duration:       res.Metadata.Duration,
	}
	// The run is recorded even when the caller's context is done.
	if err := c.opts.Recorder.RecordRun(context.WithoutCancel(ctx), run); err != nil {
		c.logger.Warn("workflow: recording run", zap.Error(err))
	}
}

func asJSON(b []byte) json.RawMessage {
	if json.Valid(b) {
		return append(json.RawMessage(nil), b...)
	}
	s, _ := json.Marshal(string(b))
	return s
}
