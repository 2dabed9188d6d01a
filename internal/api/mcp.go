package api

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/qroute/internal/versioning"
	"github.com/kalambet/qroute/internal/workflow"
)

// NewMCPServer creates an MCP server with the qroute tools and resources
// registered.
func NewMCPServer(deps Deps, version string) *server.MCPServer {
	s := server.NewMCPServer(
		"qroute",
		version,
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("qroute answers analytic questions from precomputed patterns and cached results, falling back to a language model within a daily token budget."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("route_query",
			mcp.WithDescription("Score a query against the precomputed pattern catalogue and report the best matches."),
			mcp.WithString("query", mcp.Description("Natural-language query"), mcp.Required()),
			mcp.WithNumber("limit", mcp.Description("Maximum number of matches (default 5)")),
		),
		mcpRouteQuery(deps),
	)

	s.AddTool(
		mcp.NewTool("run_query",
			mcp.WithDescription("Decompose a query into components and execute it against cache, patterns and fallback."),
			mcp.WithString("query", mcp.Description("Natural-language query"), mcp.Required()),
			mcp.WithString("artifact_id", mcp.Description("Optional artifact id to version tabular results under")),
			mcp.WithString("title", mcp.Description("Optional artifact title")),
		),
		mcpRunQuery(deps),
	)

	s.AddTool(
		mcp.NewTool("budget_status",
			mcp.WithDescription("Report today's token budget usage."),
		),
		mcpBudgetStatus(deps),
	)

	s.AddTool(
		mcp.NewTool("artifact_history",
			mcp.WithDescription("List every recorded version of an artifact, oldest first."),
			mcp.WithString("artifact_id", mcp.Description("Artifact id"), mcp.Required()),
		),
		mcpArtifactHistory(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"qroute://cache/stats",
			"Cache Statistics",
			mcp.WithResourceDescription("Response cache counters as JSON"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceCacheStats(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"qroute://patterns",
			"Pattern Catalogue",
			mcp.WithResourceDescription("Pattern snapshot currently in effect"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourcePatterns(deps),
	)

	return s
}

func mcpRouteQuery(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		query, err := req.RequireString("query")
		if err != nil || strings.TrimSpace(query) == "" {
			return mcpError("query is required"), nil
		}
		limit := req.GetInt("limit", 0)
		return mcpJSON(routeQuery(deps.Matcher, query, limit))
	}
}

func mcpRunQuery(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		query, err := req.RequireString("query")
		if err != nil || strings.TrimSpace(query) == "" {
			return mcpError("query is required"), nil
		}
		res, err := deps.Coordinator.Process(ctx, workflow.Request{
			Query:      query,
			ArtifactID: req.GetString("artifact_id", ""),
			Title:      req.GetString("title", ""),
		})
		if err != nil {
			return mcpError(fmt.Sprintf("query interrupted: %v", err)), nil
		}
		return mcpJSON(res)
	}
}

func mcpBudgetStatus(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		st := deps.Budget.UsageStats()
		return mcpText(fmt.Sprintf("%d of %d tokens used today (%.1f%%), %d remaining, %d charges on %s.",
			st.Used, st.Limit, st.Percent, st.Remaining, st.Entries, st.Day)), nil
	}
}

func mcpArtifactHistory(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("artifact_id")
		if err != nil || id == "" {
			return mcpError("artifact_id is required"), nil
		}
		history, err := deps.Versions.History(ctx, id)
		if err != nil {
			return mcpError(fmt.Sprintf("loading history: %v", err)), nil
		}
		if len(history) == 0 {
			return mcpError(fmt.Sprintf("artifact %q not found", id)), nil
		}

		var sb strings.Builder
		for _, v := range history {
			fmt.Fprintf(&sb, "v%d %s %s %s", v.Version, v.CreatedAt.Format("2006-01-02 15:04:05"), v.UpdateType, v.Config.Kind)
			if v.UpdateType == versioning.UpdateRollback {
				fmt.Fprintf(&sb, " (restored v%d)", v.RestoredFrom)
			}
			sb.WriteString("\n")
		}
		return mcpText(sb.String()), nil
	}
}

func mcpResourceCacheStats(deps Deps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		st := deps.Cache.Stats()
		data, err := json.Marshal(cacheStatsResponse{Stats: st, HitRate: st.HitRate()})
		if err != nil {
			return nil, fmt.Errorf("marshalling cache stats: %w", err)
		}
		return jsonResource(req.Params.URI, data), nil
	}
}

func mcpResourcePatterns(deps Deps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		data, err := json.Marshal(snapshotResponse(deps.Matcher.Snapshot()))
		if err != nil {
			return nil, fmt.Errorf("marshalling patterns: %w", err)
		}
		return jsonResource(req.Params.URI, data), nil
	}
}

func jsonResource(uri string, data []byte) []mcp.ResourceContents {
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}
}

func mcpJSON(v any) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshalling tool result: %w", err)
	}
	return mcpText(string(data)), nil
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
