package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/kalambet/qroute/internal/budget"
	"github.com/kalambet/qroute/internal/cache"
	"github.com/kalambet/qroute/internal/logging"
	"github.com/kalambet/qroute/internal/matcher"
	"github.com/kalambet/qroute/internal/patterns"
	"github.com/kalambet/qroute/internal/versioning"
	"github.com/kalambet/qroute/internal/workflow"
)

const maxRequestBodySize = 1 << 20

// Sweeper runs one cache expiry pass.
type Sweeper interface {
	RunOnce(ctx context.Context) (cache.SweepStats, error)
}

// PatternReloader rebuilds the pattern snapshot from its source.
type PatternReloader interface {
	ReloadNow() (*patterns.Snapshot, error)
}

// ReloadFunc adapts a function to PatternReloader.
type ReloadFunc func() (*patterns.Snapshot, error)

func (f ReloadFunc) ReloadNow() (*patterns.Snapshot, error) { return f() }

// PatternSink persists an imported pattern catalogue.
type PatternSink interface {
	ReplacePatterns(ctx context.Context, records []patterns.Record) error
}

// RunLister returns recently executed workflows.
type RunLister interface {
	RecentRuns(ctx context.Context, limit int) ([]workflow.Run, error)
}

// Deps holds dependencies for the HTTP handler and the MCP server.
type Deps struct {
	Matcher     *matcher.Matcher
	Cache       *cache.ResponseCache
	Budget      *budget.Manager
	Versions    *versioning.Engine
	Coordinator *workflow.Coordinator
	Sweeper     Sweeper         // optional; falls back to Cache.EvictExpired
	Reloader    PatternReloader // optional; reload returns 409 when nil
	PatternSink PatternSink     // optional; import returns 409 when nil
	Runs        RunLister       // optional
	Token       string
	Logger      *zap.Logger
}

// NewHandler creates the chi router. Everything except /health requires the
// bearer token.
func NewHandler(deps Deps) http.Handler {
	deps.Logger = logging.OrNop(deps.Logger)

	r := chi.NewRouter()
	r.Get("/health", handleHealth)

	r.Route("/v1", func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Post("/query", handleQuery(deps))
		r.Post("/route", handleRoute(deps))

		r.Get("/cache/stats", handleCacheStats(deps))
		r.Post("/cache/sweep", handleCacheSweep(deps))
		r.Post("/cache", handleCachePut(deps))

		r.Get("/budget", handleBudget(deps))
		r.Post("/budget/reset", handleBudgetReset(deps))

		r.Post("/artifacts/{id}", handleArtifactUpdate(deps))
		r.Get("/artifacts/{id}/history", handleArtifactHistory(deps))
		r.Post("/artifacts/{id}/rollback", handleArtifactRollback(deps))

		r.Get("/patterns", handleListPatterns(deps))
		r.Post("/patterns", handleImportPatterns(deps))
		r.Post("/patterns/reload", handleReloadPatterns(deps))

		r.Get("/runs", handleListRuns(deps))
	})
	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func handleQuery(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req workflow.Request
		if !decodeBody(w, r, &req) {
			return
		}
		if strings.TrimSpace(req.Query) == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "query is required")
			return
		}

		res, err := deps.Coordinator.Process(r.Context(), req)
		if err != nil {
			deps.Logger.Warn("api: query interrupted", zap.String("workflow_id", res.WorkflowID), zap.Error(err))
			httpError(w, http.StatusServiceUnavailable, "cancelled_error", "query interrupted: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

type routeRequest struct {
	Query      string `json:"query"`
	MaxResults int    `json:"max_results"`
}

type routeResponse struct {
	Routed     bool                  `json:"routed"`
	Best       *matcher.MatchResult  `json:"best,omitempty"`
	Matches    []matcher.MatchResult `json:"matches"`
	Keywords   []string              `json:"keywords"`
	Threshold  float64               `json:"routing_threshold"`
	Generation uint64                `json:"generation"`
}

func handleRoute(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req routeRequest
		if !decodeBody(w, r, &req) {
			return
		}
		writeJSON(w, http.StatusOK, routeQuery(deps.Matcher, req.Query, req.MaxResults))
	}
}

func routeQuery(m *matcher.Matcher, query string, maxResults int) routeResponse {
	resp := routeResponse{
		Matches:    m.FindBestMatches(query, maxResults),
		Keywords:   m.Explain(query),
		Threshold:  m.RoutingThreshold(),
		Generation: m.Snapshot().Generation(),
	}
	if resp.Matches == nil {
		resp.Matches = []matcher.MatchResult{}
	}
	if resp.Keywords == nil {
		resp.Keywords = []string{}
	}
	if best, ok := m.Route(query); ok {
		resp.Routed = true
		resp.Best = &best
	}
	return resp
}

type cacheStatsResponse struct {
	cache.Stats
	HitRate float64 `json:"hit_rate"`
}

func handleCacheStats(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st := deps.Cache.Stats()
		writeJSON(w, http.StatusOK, cacheStatsResponse{Stats: st, HitRate: st.HitRate()})
	}
}

func handleCacheSweep(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var (
			st  cache.SweepStats
			err error
		)
		if deps.Sweeper != nil {
			st, err = deps.Sweeper.RunOnce(r.Context())
		} else {
			st, err = deps.Cache.EvictExpired(r.Context())
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "server_error", "sweep failed: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, st)
	}
}

// cachePutRequest stores a payload either under a pattern's payload reference,
// which is where routed queries look, or under a query fingerprint.
type cachePutRequest struct {
	PayloadRef string          `json:"payload_ref"`
	Query      string          `json:"query"`
	Options    map[string]any  `json:"options"`
	Payload    json.RawMessage `json:"payload"`
	TTLSeconds int             `json:"ttl_seconds"`
}

func handleCachePut(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req cachePutRequest
		if !decodeBody(w, r, &req) {
			return
		}
		if len(req.Payload) == 0 {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "payload is required")
			return
		}
		var key string
		switch {
		case req.PayloadRef != "":
			key = workflow.PayloadKey(req.PayloadRef)
		case strings.TrimSpace(req.Query) != "":
			key = cache.Fingerprint(req.Query, req.Options)
		default:
			httpError(w, http.StatusBadRequest, "invalid_request_error", "payload_ref or query is required")
			return
		}
		ttl := time.Duration(req.TTLSeconds) * time.Second
		if !deps.Cache.PutKey(key, req.Payload, ttl) {
			httpError(w, http.StatusInternalServerError, "server_error", "cache write failed")
			return
		}
		writeJSON(w, http.StatusCreated, map[string]string{"key": key, "status": "stored"})
	}
}

type budgetResponse struct {
	budget.Stats
	Log []budget.Usage `json:"log,omitempty"`
}

func handleBudget(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := budgetResponse{Stats: deps.Budget.UsageStats()}
		if r.URL.Query().Get("log") == "true" {
			resp.Log = deps.Budget.Log()
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func handleBudgetReset(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		deps.Budget.Reset()
		deps.Logger.Info("api: budget reset")
		writeJSON(w, http.StatusOK, deps.Budget.UsageStats())
	}
}

type artifactRequest struct {
	versioning.Hint
	Rows []versioning.Row `json:"rows"`
}

func handleArtifactUpdate(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		var req artifactRequest
		if !decodeBody(w, r, &req) {
			return
		}
		res, err := deps.Versions.GenerateOrUpdate(r.Context(), id, req.Hint, req.Rows)
		if err != nil {
			versioningError(w, err)
			return
		}
		code := http.StatusOK
		if res.UpdateType == versioning.UpdateCreated {
			code = http.StatusCreated
		}
		writeJSON(w, code, res)
	}
}

func handleArtifactHistory(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		history, err := deps.Versions.History(r.Context(), id)
		if err != nil {
			versioningError(w, err)
			return
		}
		if len(history) == 0 {
			httpError(w, http.StatusNotFound, "not_found_error", "artifact %q not found", id)
			return
		}
		writeJSON(w, http.StatusOK, history)
	}
}

type rollbackRequest struct {
	Version int `json:"version"`
}

func handleArtifactRollback(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		// An empty body rolls back to the previous version.
		var req rollbackRequest
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid JSON: %v", err)
			return
		}
		res, err := deps.Versions.Rollback(r.Context(), id, req.Version)
		if err != nil {
			versioningError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

func versioningError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, versioning.ErrUnknownVersion):
		httpError(w, http.StatusNotFound, "not_found_error", "%v", err)
	case errors.Is(err, versioning.ErrNoPreviousVersion):
		httpError(w, http.StatusConflict, "conflict_error", "%v", err)
	case errors.Is(err, versioning.ErrVersionConflict):
		httpError(w, http.StatusConflict, "conflict_error", "%v", err)
	default:
		httpError(w, http.StatusInternalServerError, "server_error", "%v", err)
	}
}

type patternsResponse struct {
	Generation uint64            `json:"generation"`
	LoadedAt   time.Time         `json:"loaded_at"`
	Count      int               `json:"count"`
	Patterns   []patterns.Record `json:"patterns"`
}

func snapshotResponse(snap *patterns.Snapshot) patternsResponse {
	recs := snap.Records()
	if recs == nil {
		recs = []patterns.Record{}
	}
	return patternsResponse{
		Generation: snap.Generation(),
		LoadedAt:   snap.LoadedAt(),
		Count:      snap.Len(),
		Patterns:   recs,
	}
}

func handleListPatterns(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, snapshotResponse(deps.Matcher.Snapshot()))
	}
}

func handleImportPatterns(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.PatternSink == nil || deps.Reloader == nil {
			httpError(w, http.StatusConflict, "conflict_error", "patterns are loaded from a file; edit the file instead")
			return
		}
		var records []patterns.Record
		if !decodeBody(w, r, &records) {
			return
		}
		if err := deps.PatternSink.ReplacePatterns(r.Context(), records); err != nil {
			httpError(w, http.StatusInternalServerError, "server_error", "storing patterns: %v", err)
			return
		}
		snap, err := deps.Reloader.ReloadNow()
		if err != nil {
			httpError(w, http.StatusInternalServerError, "server_error", "reloading patterns: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, snapshotResponse(snap))
	}
}

func handleReloadPatterns(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Reloader == nil {
			httpError(w, http.StatusConflict, "conflict_error", "no pattern source configured")
			return
		}
		snap, err := deps.Reloader.ReloadNow()
		if err != nil {
			// The previous snapshot stays in effect.
			httpError(w, http.StatusUnprocessableEntity, "invalid_request_error", "reloading patterns: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, snapshotResponse(snap))
	}
}

func handleListRuns(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Runs == nil {
			writeJSON(w, http.StatusOK, []workflow.Run{})
			return
		}
		runs, err := deps.Runs.RecentRuns(r.Context(), parseIntParam(r, "limit", 20, 200))
		if err != nil {
			httpError(w, http.StatusInternalServerError, "server_error", "listing runs: %v", err)
			return
		}
		if runs == nil {
			runs = []workflow.Run{}
		}
		writeJSON(w, http.StatusOK, runs)
	}
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	v, err := strconv.Atoi(r.URL.Query().Get(key))
	if err != nil || v <= 0 {
		return defaultVal
	}
	if v > maxVal {
		return maxVal
	}
	return v
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid JSON: %v", err)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	writeJSON(w, code, map[string]any{
		"error": map[string]string{
			"message": fmt.Sprintf(format, args...),
			"type":    errType,
		},
	})
}
