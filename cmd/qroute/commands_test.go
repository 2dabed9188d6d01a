package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/kalambet/qroute/internal/config"
	"github.com/kalambet/qroute/internal/storage"
)

type recordedRequest struct {
	Method string
	Path   string
	Body   string
	Auth   string
}

type testServer struct {
	server   *httptest.Server
	requests []recordedRequest
}

func newTestServer(t *testing.T, responses map[string]string) *testServer {
	t.Helper()
	ts := &testServer{}

	ts.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body bytes.Buffer
		body.ReadFrom(r.Body)

		ts.requests = append(ts.requests, recordedRequest{
			Method: r.Method,
			Path:   r.URL.RequestURI(),
			Body:   body.String(),
			Auth:   r.Header.Get("Authorization"),
		})

		key := r.Method + " " + r.URL.Path
		if resp, ok := responses[key]; ok {
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(resp))
			return
		}

		w.WriteHeader(404)
		w.Write([]byte(`{"error":{"message":"not found","type":"not_found_error"}}`))
	}))

	t.Cleanup(ts.server.Close)
	return ts
}

func (ts *testServer) client() *apiClient {
	return &apiClient{
		baseURL:    ts.server.URL,
		token:      "test-token",
		httpClient: ts.server.Client(),
	}
}

// runCLI executes the root command against ts and returns what it printed.
func runCLI(t *testing.T, ts *testServer, args ...string) (string, error) {
	t.Helper()
	oldClient, oldOut, oldColor := newAPIClient, stdout, noColor
	var out bytes.Buffer
	newAPIClient = func() (*apiClient, error) { return ts.client(), nil }
	stdout = &out
	t.Cleanup(func() {
		newAPIClient, stdout, noColor = oldClient, oldOut, oldColor
		rootCmd.SetArgs(nil)
	})

	rootCmd.SetArgs(append(args, "--no-color"))
	err := rootCmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestAPIClientAuth(t *testing.T) {
	ts := newTestServer(t, map[string]string{"GET /v1/budget": `{}`})

	var v map[string]any
	if err := ts.client().getJSON(context.Background(), "/v1/budget", &v); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ts.requests[0].Auth != "Bearer test-token" {
		t.Errorf("auth = %q, want Bearer test-token", ts.requests[0].Auth)
	}
}

func TestDecodeJSON_ErrorResponse(t *testing.T) {
	ts := newTestServer(t, nil)

	var v map[string]any
	err := ts.client().getJSON(context.Background(), "/v1/missing", &v)
	if err == nil {
		t.Fatal("expected error for 404")
	}
	if !strings.Contains(err.Error(), "404") || !strings.Contains(err.Error(), "not found") {
		t.Errorf("error = %q, want status and server message", err)
	}
}

func TestQueryCommand(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /v1/query": `{
			"workflow_id":"w1","pattern":"generic","strategy":"cache_heavy",
			"answer":"EU leads with 20 units",
			"components":[{"role":"data_retrieval","type":"cacheable","source":"cache","cache_hit":true,"pattern_id":"top_models","tokens_used":0}],
			"artifact":{"artifact_id":"chart","version":2,"update_type":"incremental","config":{"kind":"bar"}},
			"metadata":{"cache_hits":1,"cache_hit_rate":100}
		}`,
	})

	out, err := runCLI(t, ts, "query", "top", "selling", "models", "--artifact", "chart")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var body map[string]any
	if err := json.Unmarshal([]byte(ts.requests[0].Body), &body); err != nil {
		t.Fatalf("body parse error: %v", err)
	}
	if body["query"] != "top selling models" {
		t.Errorf("query = %v, want joined args", body["query"])
	}
	if body["artifact_id"] != "chart" {
		t.Errorf("artifact_id = %v, want chart", body["artifact_id"])
	}
	for _, want := range []string{"top_models", "chart v2 (incremental)", "EU leads with 20 units"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestRouteCommand(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /v1/route": `{
			"routed":true,
			"best":{"pattern_id":"sales_total","combined_score":0.93},
			"matches":[{"pattern_id":"sales_total","combined_score":0.93,"keyword_score":1,"fuzzy_score":0.77,"matched_keywords":["sales"]}],
			"keywords":["sales","total"],
			"routing_threshold":0.75
		}`,
	})

	out, err := runCLI(t, ts, "route", "total", "sales", "--limit", "3")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(ts.requests[0].Body, `"max_results":3`) {
		t.Errorf("request body = %s, want max_results 3", ts.requests[0].Body)
	}
	if !strings.Contains(out, "sales_total") || !strings.Contains(out, "0.930") {
		t.Errorf("unexpected output:\n%s", out)
	}
}

func TestArtifactRollbackEscapesID(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /v1/artifacts/q3 sales/rollback": `{"artifact_id":"q3 sales","version":4,"update_type":"rollback"}`,
	})

	if _, err := runCLI(t, ts, "artifact", "rollback", "q3 sales", "--to", "2"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	r := ts.requests[0]
	if r.Path != "/v1/artifacts/q3%20sales/rollback" {
		t.Errorf("path = %q, want escaped id", r.Path)
	}
	if r.Body != `{"version":2}`+"\n" && r.Body != `{"version":2}` {
		t.Errorf("body = %q, want version 2", r.Body)
	}
}

func TestCachePutCommand(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /v1/cache": `{"key":"abc","status":"stored"}`,
	})
	path := filepath.Join(t.TempDir(), "payload.json")
	if err := os.WriteFile(path, []byte(`[{"model":"A","units":10}]`), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := runCLI(t, ts, "cache", "put", "payloads/top-models", path, "--ttl", "2h"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var body struct {
		PayloadRef string          `json:"payload_ref"`
		Payload    json.RawMessage `json:"payload"`
		TTLSeconds int             `json:"ttl_seconds"`
	}
	if err := json.Unmarshal([]byte(ts.requests[0].Body), &body); err != nil {
		t.Fatal(err)
	}
	if body.PayloadRef != "payloads/top-models" || body.TTLSeconds != 7200 {
		t.Errorf("unexpected body: %+v", body)
	}
}

func TestCachePutRejectsInvalidJSON(t *testing.T) {
	ts := newTestServer(t, nil)
	path := filepath.Join(t.TempDir(), "payload.json")
	os.WriteFile(path, []byte(`{not json`), 0o644)

	if _, err := runCLI(t, ts, "cache", "put", "ref", path); err == nil {
		t.Fatal("expected error for invalid JSON payload")
	}
	if len(ts.requests) != 0 {
		t.Errorf("expected no request, got %d", len(ts.requests))
	}
}

func TestPatternsImportCommand(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /v1/patterns": `{"generation":3,"count":1,"patterns":[]}`,
	})
	path := filepath.Join(t.TempDir(), "patterns.yaml")
	yaml := "patterns:\n  - id: orders\n    keywords: [orders, open]\n    description: open orders\n    payload_ref: payloads/orders\n"
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := runCLI(t, ts, "patterns", "import", path); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var sent []map[string]any
	if err := json.Unmarshal([]byte(ts.requests[0].Body), &sent); err != nil {
		t.Fatal(err)
	}
	if len(sent) != 1 || sent[0]["id"] != "orders" {
		t.Errorf("unexpected import body: %v", sent)
	}
}

func TestBudgetCommandWithLog(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /v1/budget": `{"limit":1000,"used":250,"remaining":750,"percent":25,"day":"2026-10-15","entries":1,
			"log":[{"id":"u1","timestamp":"2026-10-15T10:00:00Z","tokens":250,"note":"analysis: why"}]}`,
	})

	out, err := runCLI(t, ts, "budget", "--log")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ts.requests[0].Path != "/v1/budget?log=true" {
		t.Errorf("path = %q", ts.requests[0].Path)
	}
	if !strings.Contains(out, "250 of 1000") || !strings.Contains(out, "analysis: why") {
		t.Errorf("unexpected output:\n%s", out)
	}
}

func TestNoColorFlag(t *testing.T) {
	old := noColor
	defer func() { noColor = old }()

	noColor = true
	if result := colorize(colorRed, "test"); strings.Contains(result, "\033[") {
		t.Errorf("colorize with noColor=true should not contain ANSI codes, got %q", result)
	}

	noColor = false
	if result := colorize(colorRed, "test"); !strings.Contains(result, "\033[") {
		t.Errorf("colorize with noColor=false should contain ANSI codes, got %q", result)
	}
}

func TestBar(t *testing.T) {
	cases := map[float64]string{
		0:    "[..........]",
		0.5:  "[#####.....]",
		1:    "[##########]",
		1.7:  "[##########]",
		-0.2: "[..........]",
	}
	for in, want := range cases {
		if got := bar(in, 10); got != want {
			t.Errorf("bar(%v) = %q, want %q", in, got, want)
		}
	}
}

func TestTruncateQuery(t *testing.T) {
	if got := truncateQuery("short", 10); got != "short" {
		t.Errorf("got %q", got)
	}
	if got := truncateQuery("ünïcödé query text", 6); got != "ünïcö…" {
		t.Errorf("got %q", got)
	}
}

func TestBuildAppServesHealthAndImport(t *testing.T) {
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	cfg := config.Config{
		Storage: config.StorageConfig{DataDir: t.TempDir()},
		Matcher: config.MatcherConfig{FuzzyThreshold: 0.6, RoutingThreshold: 0.75, MaxResults: 5},
		Cache:   config.CacheConfig{MemoryBytes: 1 << 20, DefaultTTLHours: 1, Policy: "fifo", SweepInterval: "not-a-duration"},
		Budget:  config.BudgetConfig{DailyLimit: 1000},
	}
	a, err := buildApp(context.Background(), cfg, store, "tok", zap.NewNop())
	if err != nil {
		t.Fatalf("buildApp: %v", err)
	}
	t.Cleanup(func() { a.cache.Close() })

	if a.watcher != nil {
		t.Error("no pattern file configured, watcher should be nil")
	}
	if got := a.cache.Stats().Policy; got != "fifo" {
		t.Errorf("policy = %q, want fifo", got)
	}

	srv := httptest.NewServer(a.handler)
	t.Cleanup(srv.Close)
	c := &apiClient{baseURL: srv.URL, token: "tok", httpClient: srv.Client()}

	resp, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health = %d", resp.StatusCode)
	}

	records := []map[string]any{{"id": "orders", "keywords": []string{"orders"}, "description": "open orders", "payload_ref": "p/orders"}}
	var list patternList
	if err := c.postJSON(context.Background(), "/v1/patterns", records, &list); err != nil {
		t.Fatalf("import: %v", err)
	}
	if list.Count != 1 || list.Generation != 2 {
		t.Errorf("unexpected snapshot after import: %+v", list)
	}

	stored, err := store.LoadPatterns(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(stored) != 1 {
		t.Errorf("expected pattern persisted, got %d", len(stored))
	}
}

func TestBuildAppRejectsMissingPatternFile(t *testing.T) {
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	cfg := config.Config{
		Storage:  config.StorageConfig{DataDir: t.TempDir()},
		Patterns: config.PatternsConfig{File: filepath.Join(t.TempDir(), "missing.yaml")},
		Cache:    config.CacheConfig{DefaultTTLHours: 1, Policy: "lru"},
	}
	if _, err := buildApp(context.Background(), cfg, store, "tok", zap.NewNop()); err == nil {
		t.Fatal("expected error for missing pattern file")
	}
}
