package main

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/kalambet/qroute/internal/budget"
	"github.com/kalambet/qroute/internal/cache"
	"github.com/kalambet/qroute/internal/config"
	"github.com/kalambet/qroute/internal/matcher"
	"github.com/kalambet/qroute/internal/patterns"
	"github.com/kalambet/qroute/internal/versioning"
	"github.com/kalambet/qroute/internal/workflow"
)

// --- query ---

var queryCmd = &cobra.Command{
	Use:   "query <text>",
	Short: "Answer a query through patterns, cache and fallback",
	Long: `Answer a query through patterns, cache and fallback.

Examples:
  qroute query "top selling models this month"
  qroute query "why did sales drop in Q3" --json
  qroute query "revenue by region" --artifact revenue-chart --title "Revenue"`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		artifact, _ := cmd.Flags().GetString("artifact")
		title, _ := cmd.Flags().GetString("title")
		asJSON, _ := cmd.Flags().GetBool("json")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		var res workflow.Result
		req := workflow.Request{Query: strings.Join(args, " "), ArtifactID: artifact, Title: title}
		if err := client.postJSON(cmd.Context(), "/v1/query", req, &res); err != nil {
			return err
		}
		if asJSON {
			return printJSON(res)
		}
		printQueryResult(res)
		return nil
	},
}

func init() {
	queryCmd.Flags().String("artifact", "", "version tabular results under this artifact id")
	queryCmd.Flags().String("title", "", "artifact title")
	queryCmd.Flags().Bool("json", false, "print the full result as JSON")
}

func printQueryResult(res workflow.Result) {
	printStatus("Pattern", "%s (%s)", res.Pattern, res.Strategy)
	rows := make([][]string, 0, len(res.Components))
	for _, c := range res.Components {
		detail := c.PatternID
		if c.Error != "" {
			detail = c.Error
		}
		rows = append(rows, []string{c.Role, string(c.Type), c.Source, strconv.FormatInt(c.TokensUsed, 10), detail})
	}
	printTable([]string{"ROLE", "TYPE", "SOURCE", "TOKENS", "DETAIL"}, rows)

	md := res.Metadata
	printStatus("Cache", "%d hit, %d miss (%.0f%%)", md.CacheHits, md.CacheMisses, md.CacheHitRate)
	printStatus("Tokens", "%d used, %d estimated", md.TokensUsed, md.TokensEstimated)
	if md.BudgetExceeded {
		printWarning("daily token budget exhausted; some components were not answered")
	}
	if res.Artifact != nil {
		printStatus("Artifact", "%s v%d (%s)", res.Artifact.ArtifactID, res.Artifact.Version, res.Artifact.UpdateType)
	}
	if res.Answer != "" {
		fmt.Fprintln(stdout)
		fmt.Fprintln(stdout, res.Answer)
	}
}

// --- route ---

type routeResult struct {
	Routed    bool                  `json:"routed"`
	Best      *matcher.MatchResult  `json:"best"`
	Matches   []matcher.MatchResult `json:"matches"`
	Keywords  []string              `json:"keywords"`
	Threshold float64               `json:"routing_threshold"`
}

var routeCmd = &cobra.Command{
	Use:   "route <text>",
	Short: "Show which precomputed patterns a query matches",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		var res routeResult
		body := map[string]any{"query": strings.Join(args, " "), "max_results": limit}
		if err := client.postJSON(cmd.Context(), "/v1/route", body, &res); err != nil {
			return err
		}

		printStatus("Keywords", "%s", strings.Join(res.Keywords, ", "))
		if len(res.Matches) == 0 {
			printWarning("no pattern matched")
			return nil
		}
		rows := make([][]string, 0, len(res.Matches))
		for _, m := range res.Matches {
			rows = append(rows, []string{
				m.PatternID,
				fmt.Sprintf("%.3f", m.CombinedScore),
				fmt.Sprintf("%.3f", m.KeywordScore),
				fmt.Sprintf("%.3f", m.FuzzyScore),
				strings.Join(m.MatchedKeywords, ","),
			})
		}
		printTable([]string{"PATTERN", "SCORE", "KEYWORD", "FUZZY", "MATCHED"}, rows)
		if res.Routed {
			printSuccess("Routes to %s", res.Best.PatternID)
		} else {
			printWarning("best score below routing threshold %.2f; query would go to fallback", res.Threshold)
		}
		return nil
	},
}

func init() {
	routeCmd.Flags().Int("limit", 0, "maximum number of matches (server default when 0)")
}

// --- runs ---

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "List recently executed workflows",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		var runs []workflow.Run
		if err := client.getJSON(cmd.Context(), fmt.Sprintf("/v1/runs?limit=%d", limit), &runs); err != nil {
			return err
		}
		if len(runs) == 0 {
			fmt.Fprintln(stdout, "No runs recorded.")
			return nil
		}
		rows := make([][]string, 0, len(runs))
		for _, r := range runs {
			rows = append(rows, []string{
				r.StartedAt.Local().Format("2006-01-02 15:04:05"),
				r.Pattern,
				fmt.Sprintf("%d/%d", r.CacheHits, r.Components),
				strconv.FormatInt(r.TokensUsed, 10),
				truncateQuery(r.Query, 50),
			})
		}
		printTable([]string{"STARTED", "PATTERN", "HITS", "TOKENS", "QUERY"}, rows)
		return nil
	},
}

func init() {
	runsCmd.Flags().Int("limit", 20, "number of runs to show")
}

func truncateQuery(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

// --- cache ---

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect and maintain the response cache",
}

var cacheStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show cache counters",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		var st struct {
			cache.Stats
			HitRate float64 `json:"hit_rate"`
		}
		if err := client.getJSON(cmd.Context(), "/v1/cache/stats", &st); err != nil {
			return err
		}
		printStatus("Hit rate", "%s %.1f%% (%d hits, %d misses)", bar(st.HitRate, 20), st.HitRate*100, st.Hits, st.Misses)
		printStatus("Tiers", "%d memory hits, %d disk hits", st.MemoryHits, st.DiskHits)
		printStatus("Memory", "%d entries, %d of %d bytes", st.MemoryEntries, st.MemoryBytes, st.MemoryBudget)
		printStatus("Policy", "%s, %d evictions", st.Policy, st.Evictions)
		printStatus("Writes", "%d stored, %d failed", st.Puts, st.PutFailures)
		printStatus("Latency", "%s average", st.AvgLatency)
		return nil
	},
}

var cacheSweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Remove expired cache entries now",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		var st cache.SweepStats
		if err := client.postJSON(cmd.Context(), "/v1/cache/sweep", nil, &st); err != nil {
			return err
		}
		printSuccess("Swept %d shards in %s: %d scanned, %d removed (%d corrupt), %d bytes freed, %d expired in memory",
			st.Shards, st.Duration, st.Scanned, st.Removed, st.Corrupt, st.BytesFreed, st.MemoryExpired)
		return nil
	},
}

var cachePutCmd = &cobra.Command{
	Use:   "put <payload-ref> <file>",
	Short: "Store a precomputed JSON payload for a pattern",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ttl, _ := cmd.Flags().GetDuration("ttl")

		data, err := os.ReadFile(args[1])
		if err != nil {
			return fmt.Errorf("reading payload: %w", err)
		}
		if !json.Valid(data) {
			return fmt.Errorf("%s is not valid JSON", args[1])
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		body := map[string]any{
			"payload_ref": args[0],
			"payload":     json.RawMessage(data),
			"ttl_seconds": int(ttl / time.Second),
		}
		var res map[string]string
		if err := client.postJSON(cmd.Context(), "/v1/cache", body, &res); err != nil {
			return err
		}
		printSuccess("Stored %s under %s", args[0], res["key"])
		return nil
	},
}

func init() {
	cachePutCmd.Flags().Duration("ttl", 0, "entry lifetime (server default when 0)")
	cacheCmd.AddCommand(cacheStatsCmd, cacheSweepCmd, cachePutCmd)
}

// --- budget ---

var budgetCmd = &cobra.Command{
	Use:   "budget",
	Short: "Show today's token budget",
	RunE: func(cmd *cobra.Command, args []string) error {
		showLog, _ := cmd.Flags().GetBool("log")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		path := "/v1/budget"
		if showLog {
			path += "?log=true"
		}
		var st struct {
			budget.Stats
			Log []budget.Usage `json:"log"`
		}
		if err := client.getJSON(cmd.Context(), path, &st); err != nil {
			return err
		}

		printStatus("Day", "%s", st.Day)
		printStatus("Used", "%s %d of %d tokens (%.1f%%)", bar(st.Percent/100, 20), st.Used, st.Limit, st.Percent)
		printStatus("Remaining", "%d", st.Remaining)
		printStatus("Charges", "%d", st.Entries)
		if showLog && len(st.Log) > 0 {
			rows := make([][]string, 0, len(st.Log))
			for _, u := range st.Log {
				rows = append(rows, []string{u.Timestamp.Local().Format("15:04:05"), strconv.FormatInt(u.Tokens, 10), u.Note})
			}
			printTable([]string{"TIME", "TOKENS", "NOTE"}, rows)
		}
		return nil
	},
}

var budgetResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Reset today's usage to zero",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		var st budget.Stats
		if err := client.postJSON(cmd.Context(), "/v1/budget/reset", nil, &st); err != nil {
			return err
		}
		printSuccess("Budget reset, %d tokens available", st.Remaining)
		return nil
	},
}

func init() {
	budgetCmd.Flags().Bool("log", false, "include today's usage log")
	budgetCmd.AddCommand(budgetResetCmd)
}

// --- artifact ---

var artifactCmd = &cobra.Command{
	Use:   "artifact",
	Short: "Manage versioned visualization artifacts",
}

var artifactHistoryCmd = &cobra.Command{
	Use:   "history <id>",
	Short: "Show every version of an artifact",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		var history []versioning.Version
		if err := client.getJSON(cmd.Context(), "/v1/artifacts/"+url.PathEscape(args[0])+"/history", &history); err != nil {
			return err
		}
		rows := make([][]string, 0, len(history))
		for _, v := range history {
			note := ""
			if v.UpdateType == versioning.UpdateRollback {
				note = fmt.Sprintf("restored v%d", v.RestoredFrom)
			}
			rows = append(rows, []string{
				"v" + strconv.Itoa(v.Version),
				v.CreatedAt.Local().Format("2006-01-02 15:04:05"),
				string(v.UpdateType),
				v.Config.Kind.String(),
				fmt.Sprintf("%.0f%%", v.PerformanceGain),
				note,
			})
		}
		printTable([]string{"VERSION", "CREATED", "UPDATE", "KIND", "REUSED", "NOTE"}, rows)
		return nil
	},
}

var artifactRollbackCmd = &cobra.Command{
	Use:   "rollback <id>",
	Short: "Restore an earlier version of an artifact",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		target, _ := cmd.Flags().GetInt("to")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		var res versioning.Result
		path := "/v1/artifacts/" + url.PathEscape(args[0]) + "/rollback"
		if err := client.postJSON(cmd.Context(), path, map[string]int{"version": target}, &res); err != nil {
			return err
		}
		printSuccess("%s is now v%d (%s)", res.ArtifactID, res.Version, res.UpdateType)
		return nil
	},
}

var artifactUpdateCmd = &cobra.Command{
	Use:   "update <id> <rows.json>",
	Short: "Create or update an artifact from a JSON array of rows",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		title, _ := cmd.Flags().GetString("title")
		kind, _ := cmd.Flags().GetString("kind")

		data, err := os.ReadFile(args[1])
		if err != nil {
			return fmt.Errorf("reading rows: %w", err)
		}
		var rows []versioning.Row
		if err := json.Unmarshal(data, &rows); err != nil {
			return fmt.Errorf("parsing rows: %w", err)
		}

		body := map[string]any{"title": title, "rows": rows}
		if kind != "" {
			if _, err := versioning.ParseKind(kind); err != nil {
				return err
			}
			body["kind"] = kind
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		var res versioning.Result
		if err := client.postJSON(cmd.Context(), "/v1/artifacts/"+url.PathEscape(args[0]), body, &res); err != nil {
			return err
		}
		printSuccess("%s v%d: %s, %s chart, %.0f%% reused", res.ArtifactID, res.Version, res.UpdateType, res.Config.Kind, res.PerformanceGain)
		return nil
	},
}

func init() {
	artifactRollbackCmd.Flags().Int("to", 0, "version to restore (previous when 0)")
	artifactUpdateCmd.Flags().String("title", "", "chart title")
	artifactUpdateCmd.Flags().String("kind", "", "force chart kind: table, bar, line, pie, scatter, metric")
	artifactCmd.AddCommand(artifactHistoryCmd, artifactRollbackCmd, artifactUpdateCmd)
}

// --- patterns ---

type patternList struct {
	Generation uint64            `json:"generation"`
	LoadedAt   time.Time         `json:"loaded_at"`
	Count      int               `json:"count"`
	Patterns   []patterns.Record `json:"patterns"`
}

var patternsCmd = &cobra.Command{
	Use:   "patterns",
	Short: "Inspect and reload the pattern catalogue",
}

var patternsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List loaded patterns",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		var list patternList
		if err := client.getJSON(cmd.Context(), "/v1/patterns", &list); err != nil {
			return err
		}
		printPatternList(list)
		return nil
	},
}

func printPatternList(list patternList) {
	printStatus("Generation", "%d, loaded %s", list.Generation, list.LoadedAt.Local().Format(time.RFC3339))
	rows := make([][]string, 0, len(list.Patterns))
	for _, p := range list.Patterns {
		rows = append(rows, []string{p.ID, p.Category, strings.Join(p.Keywords, ","), p.PayloadRef})
	}
	printTable([]string{"ID", "CATEGORY", "KEYWORDS", "PAYLOAD"}, rows)
}

var patternsReloadCmd = &cobra.Command{
	Use:   "reload",
	Short: "Reload patterns from their source",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		var list patternList
		if err := client.postJSON(cmd.Context(), "/v1/patterns/reload", nil, &list); err != nil {
			return err
		}
		printSuccess("Loaded %d patterns (generation %d)", list.Count, list.Generation)
		return nil
	},
}

var patternsImportCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Replace the stored catalogue with a YAML or JSON pattern file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		printStep("Reading %s", args[0])
		records, err := patterns.LoadFile(args[0])
		if err != nil {
			return err
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		var list patternList
		if err := client.postJSON(cmd.Context(), "/v1/patterns", records, &list); err != nil {
			return err
		}
		printSuccess("Imported %d patterns (generation %d)", list.Count, list.Generation)
		return nil
	},
}

func init() {
	patternsCmd.AddCommand(patternsListCmd, patternsReloadCmd, patternsImportCmd)
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		for _, k := range config.ShowAll(cfg) {
			fmt.Fprintf(stdout, "  %s = %s  %s\n", colorize(colorBold, k.Key), k.Value, colorize(colorCyan, "("+k.EnvVar+")"))
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return fmt.Errorf("%w (valid keys: %s)", err, strings.Join(config.ValidKeys(), ", "))
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd, configSetCmd)
}
