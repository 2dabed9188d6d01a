package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kalambet/qroute/internal/api"
	"github.com/kalambet/qroute/internal/budget"
	"github.com/kalambet/qroute/internal/cache"
	"github.com/kalambet/qroute/internal/config"
	"github.com/kalambet/qroute/internal/fallback"
	"github.com/kalambet/qroute/internal/logging"
	"github.com/kalambet/qroute/internal/matcher"
	"github.com/kalambet/qroute/internal/patterns"
	"github.com/kalambet/qroute/internal/storage"
	"github.com/kalambet/qroute/internal/sweep"
	"github.com/kalambet/qroute/internal/versioning"
	"github.com/kalambet/qroute/internal/workflow"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the qroute server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		mcpStdio, _ := cmd.Flags().GetBool("mcp")
		return runServer(cmd.Context(), mcpStdio)
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running qroute server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show qroute system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus(cmd.Context())
	},
}

func init() {
	startCmd.Flags().Bool("mcp", false, "also serve MCP over stdio")
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "qroute.pid")
}

func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func removePIDFile(path string) {
	os.Remove(path)
}

func runServer(ctx context.Context, mcpStdio bool) error {
	fmt.Fprintf(os.Stderr, "qroute version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger, err := logging.New(cfg.Log.Level)
	if err != nil {
		return err
	}
	defer logger.Sync()

	apiToken, err := config.GetAPIToken(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("initializing API token: %w", err)
	}

	// Refuse to start twice on the same port.
	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Warn("closing storage", zap.Error(err))
		}
	}()

	app, err := buildApp(ctx, cfg, store, apiToken, logger)
	if err != nil {
		return err
	}
	defer app.cache.Close()

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           app.handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		app.sweeper.Run(gctx)
		return nil
	})
	if app.watcher != nil && cfg.Patterns.Watch {
		g.Go(func() error {
			if err := app.watcher.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Warn("patterns: watcher stopped", zap.Error(err))
			}
			return nil
		})
	}
	if mcpStdio {
		stdio := server.NewStdioServer(api.NewMCPServer(app.deps, version))
		g.Go(func() error {
			if err := stdio.Listen(gctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("mcp: stdio server error", zap.Error(err))
			}
			return nil
		})
		logger.Info("mcp: stdio transport started")
	}
	g.Go(func() error {
		logger.Info("listening", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		fmt.Fprintln(os.Stderr, "shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

type app struct {
	deps    api.Deps
	handler http.Handler
	cache   *cache.ResponseCache
	sweeper *sweep.Worker
	watcher *patterns.Watcher
}

// buildApp wires the core components from cfg.
func buildApp(ctx context.Context, cfg config.Config, store *storage.Store, token string, logger *zap.Logger) (*app, error) {
	a := &app{}
	pstore := patterns.NewStore()

	var (
		reloader api.PatternReloader
		sink     api.PatternSink
	)
	if cfg.Patterns.File != "" {
		a.watcher = patterns.NewWatcher(cfg.Patterns.File, pstore, 0, logger.Named("patterns"))
		if _, err := a.watcher.ReloadNow(); err != nil {
			return nil, fmt.Errorf("loading patterns: %w", err)
		}
		reloader = a.watcher
	} else {
		reload := api.ReloadFunc(func() (*patterns.Snapshot, error) {
			records, err := store.LoadPatterns(context.WithoutCancel(ctx))
			if err != nil {
				return nil, err
			}
			return pstore.Reload(records), nil
		})
		if _, err := reload(); err != nil {
			return nil, fmt.Errorf("loading patterns: %w", err)
		}
		reloader, sink = reload, store
	}
	snap := pstore.Current()
	logger.Info("patterns loaded", zap.Int("records", snap.Len()), zap.Uint64("generation", snap.Generation()))

	m := matcher.New(pstore, matcher.Options{
		FuzzyThreshold:   cfg.Matcher.FuzzyThreshold,
		RoutingThreshold: cfg.Matcher.RoutingThreshold,
		MaxResults:       cfg.Matcher.MaxResults,
	})

	policy, err := cache.NewPolicy(cfg.Cache.Policy)
	if err != nil {
		return nil, err
	}
	rc, err := cache.New(cache.Options{
		Dir:         filepath.Join(cfg.Storage.DataDir, "cache"),
		MemoryBytes: int64(cfg.Cache.MemoryBytes),
		DefaultTTL:  time.Duration(cfg.Cache.DefaultTTLHours) * time.Hour,
		Policy:      policy,
		Logger:      logger.Named("cache"),
	})
	if err != nil {
		return nil, fmt.Errorf("opening cache: %w", err)
	}
	a.cache = rc

	bm := budget.New(budget.Options{
		DailyLimit: int64(cfg.Budget.DailyLimit),
		Persister:  store,
		Logger:     logger.Named("budget"),
	})
	if err := bm.Restore(ctx); err != nil {
		logger.Warn("budget: restore failed, starting from zero", zap.Error(err))
	}

	versions := versioning.NewEngine(store.VersionLog(), logger.Named("versioning"))

	fb := newFallback(ctx, cfg.Fallback, logger.Named("fallback"))

	coord := workflow.NewCoordinator(workflow.Options{
		Router:       m,
		Cache:        rc,
		Budget:       bm,
		Fallback:     fb,
		Descriptions: func() []string { return m.Snapshot().Descriptions() },
		Versioner:    versions,
		Recorder:     store,
		Logger:       logger.Named("workflow"),
	})

	interval, err := time.ParseDuration(cfg.Cache.SweepInterval)
	if err != nil {
		logger.Warn("sweep: invalid interval, using default", zap.String("value", cfg.Cache.SweepInterval), zap.Error(err))
		interval = 0
	}
	a.sweeper = sweep.NewWorker(rc, store, interval, logger.Named("sweep"))

	a.deps = api.Deps{
		Matcher:     m,
		Cache:       rc,
		Budget:      bm,
		Versions:    versions,
		Coordinator: coord,
		Sweeper:     a.sweeper,
		Reloader:    reloader,
		PatternSink: sink,
		Runs:        store,
		Token:       token,
		Logger:      logger.Named("api"),
	}
	a.handler = api.NewHandler(a.deps)
	return a, nil
}

// newFallback picks the configured provider. Without an API key the
// OpenRouter provider is disabled.
func newFallback(ctx context.Context, fc config.FallbackConfig, logger *zap.Logger) fallback.Fallback {
	if fc.Provider == "ollama" {
		o := fallback.NewOllama(fc.OllamaURL, fc.OllamaModel, logger)
		probeCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if !o.IsRunning(probeCtx) {
			logger.Warn("fallback: ollama not reachable, requests will fail until it starts", zap.String("url", fc.OllamaURL))
		}
		return o
	}
	if fc.APIKey == "" {
		logger.Warn("fallback: no API key configured, unmatched queries will not be answered")
		return fallback.Disabled
	}
	return fallback.NewClient(fc.APIKey, fc.BaseURL, fc.Model, logger)
}

func stopServer() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		return fmt.Errorf("qroute is not running (no PID file): %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("finding process %d: %w", pid, err)
	}
	if err := process.Signal(syscall.SIGTERM); err != nil {
		removePIDFile(pidPath)
		return fmt.Errorf("stopping qroute (PID %d): %w", pid, err)
	}

	printSuccess("Sent stop signal to qroute (PID %d)", pid)
	return nil
}

func showStatus(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	serverURL := fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port)
	client := &http.Client{Timeout: 2 * time.Second}

	running := false
	resp, err := client.Get(serverURL + "/health")
	switch {
	case err != nil:
		printStatus("Server", "stopped")
	case resp.StatusCode == http.StatusOK:
		resp.Body.Close()
		running = true
		printStatus("Server", "running on port %d", cfg.Server.Port)
	default:
		resp.Body.Close()
		printStatus("Server", "error (HTTP %d)", resp.StatusCode)
	}

	switch {
	case cfg.Fallback.Provider == "ollama":
		printStatus("Fallback", "%s via ollama at %s", cfg.Fallback.OllamaModel, cfg.Fallback.OllamaURL)
	case cfg.Fallback.APIKey != "":
		printStatus("Fallback", "%s via %s", cfg.Fallback.Model, cfg.Fallback.BaseURL)
	default:
		printStatus("Fallback", "disabled (no API key)")
	}

	if running {
		token, err := config.GetAPIToken(cfg.Storage.DataDir)
		if err == nil {
			c := &apiClient{baseURL: serverURL, token: token, httpClient: client}
			printServerStatus(ctx, c)
		}
	}

	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}

func printServerStatus(ctx context.Context, c *apiClient) {
	var pats struct {
		Generation uint64 `json:"generation"`
		Count      int    `json:"count"`
	}
	if c.getJSON(ctx, "/v1/patterns", &pats) == nil {
		printStatus("Patterns", "%d (generation %d)", pats.Count, pats.Generation)
	}

	var cs struct {
		Hits          int64   `json:"hits"`
		Misses        int64   `json:"misses"`
		MemoryEntries int     `json:"memory_entries"`
		HitRate       float64 `json:"hit_rate"`
	}
	if c.getJSON(ctx, "/v1/cache/stats", &cs) == nil {
		printStatus("Cache", "%.1f%% hit rate, %d in memory", cs.HitRate*100, cs.MemoryEntries)
	}

	var bs budget.Stats
	if c.getJSON(ctx, "/v1/budget", &bs) == nil {
		printStatus("Budget", "%s %d/%d tokens", bar(bs.Percent/100, 20), bs.Used, bs.Limit)
	}
}
