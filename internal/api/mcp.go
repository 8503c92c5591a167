package api

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/shelf-app/shelfd/internal/index"
	"github.com/shelf-app/shelfd/internal/search"
	"github.com/shelf-app/shelfd/internal/storage"
)

// MCPSearcher abstracts semantic search for the MCP layer.
type MCPSearcher interface {
	Search(ctx context.Context, req search.Request) ([]search.Hit, error)
}

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Store    *storage.Store
	Index    index.Index
	Searcher MCPSearcher
	Model    string
}

// NewMCPServer creates an MCP server exposing the archive to local
// assistants: semantic search, recent move history, and archive stats.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"shelfd",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("shelfd is a local semantic file archive. Search archived files by meaning and review recent moves."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("search_archive",
			mcp.WithDescription("Semantically search the file archive and return matching files with their categories and paths."),
			mcp.WithString("query", mcp.Description("Natural-language search query"), mcp.Required()),
			mcp.WithString("category", mcp.Description("Restrict to one archive category")),
			mcp.WithString("type", mcp.Description("Restrict to one file type, e.g. pdf")),
			mcp.WithNumber("limit", mcp.Description("Maximum number of results (default 10)")),
		),
		mcpSearchArchive(deps),
	)

	s.AddTool(
		mcp.NewTool("recent_moves",
			mcp.WithDescription("List recent archive moves, successes and failures, newest window first."),
			mcp.WithNumber("hours", mcp.Description("Hours of history to return (default 24)")),
			mcp.WithNumber("limit", mcp.Description("Maximum number of records (default 50)")),
		),
		mcpRecentMoves(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"archive://stats",
			"Archive Statistics",
			mcp.WithResourceDescription("File counts per category and index size as JSON"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceStats(deps),
	)

	return s
}

func mcpSearchArchive(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		query, err := req.RequireString("query")
		if err != nil {
			return mcpError("query is required"), nil
		}

		limit := req.GetInt("limit", 10)
		if limit <= 0 {
			limit = 10
		}
		if limit > 50 {
			limit = 50
		}

		hits, err := deps.Searcher.Search(ctx, search.Request{
			Query:    query,
			Category: req.GetString("category", ""),
			FileType: req.GetString("type", ""),
			Limit:    limit,
		})
		if err != nil {
			return mcpError(fmt.Sprintf("search failed: %v", err)), nil
		}
		if len(hits) == 0 {
			return mcpText("[]"), nil
		}

		type hitResult struct {
			Path     string  `json:"path"`
			Name     string  `json:"name"`
			Category string  `json:"category"`
			FileType string  `json:"file_type"`
			MovedAt  string  `json:"moved_at"`
			Score    float32 `json:"score"`
		}

		results := make([]hitResult, len(hits))
		for i, h := range hits {
			results[i] = hitResult{
				Path:     h.Entry.RelativePath,
				Name:     h.Entry.OriginalName,
				Category: h.Entry.Category,
				FileType: h.Entry.FileType,
				MovedAt:  h.Entry.MovedAt.Format(time.RFC3339),
				Score:    h.Score,
			}
		}

		b, err := json.Marshal(results)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal results: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpRecentMoves(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		hours := req.GetInt("hours", 24)
		if hours <= 0 {
			hours = 24
		}
		limit := req.GetInt("limit", 50)
		if limit <= 0 {
			limit = 50
		}

		to := time.Now().UTC()
		from := to.Add(-time.Duration(hours) * time.Hour)
		records, err := deps.Store.MoveLogsBetween(from, to, limit)
		if err != nil {
			return mcpError(fmt.Sprintf("listing moves failed: %v", err)), nil
		}

		out := make([]moveLogJSON, len(records))
		for i, rec := range records {
			out[i] = toMoveLogJSON(rec)
		}
		b, err := json.Marshal(out)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal records: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpResourceStats(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		entries, err := deps.Store.CountArchiveEntries()
		if err != nil {
			return nil, fmt.Errorf("counting entries: %w", err)
		}
		categories, err := deps.Store.CategoryCounts()
		if err != nil {
			return nil, fmt.Errorf("counting categories: %w", err)
		}
		vectors, err := deps.Index.Count()
		if err != nil {
			return nil, fmt.Errorf("counting vectors: %w", err)
		}

		b, err := json.Marshal(map[string]any{
			"archived_files":  entries,
			"categories":      categories,
			"vectors":         vectors,
			"embedding_model": deps.Model,
		})
		if err != nil {
			return nil, fmt.Errorf("marshaling stats: %w", err)
		}

		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
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
