package api

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/vellumlab/vellum/internal/ingest"
	"github.com/vellumlab/vellum/internal/storage"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Ingestor Ingestor
	Searcher Searcher
}

// NewMCPServer creates an MCP server exposing ingestion and retrieval as
// tools for agent callers.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"vellum",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithInstructions("vellum — document ingestion and semantic retrieval over a local index."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("ingest_document",
			mcp.WithDescription("Submit a document for asynchronous ingestion into the search index. Returns a job id to poll with job_status."),
			mcp.WithString("name", mcp.Description("Display name for the document")),
			mcp.WithString("format", mcp.Description("Document format: txt, md, html, or pdf (default txt)")),
			mcp.WithString("content", mcp.Description("Document text content"), mcp.Required()),
			mcp.WithBoolean("base64", mcp.Description("Set when content is base64-encoded binary (required for pdf)")),
		),
		mcpIngestDocument(deps),
	)

	s.AddTool(
		mcp.NewTool("job_status",
			mcp.WithDescription("Look up the state of an ingestion job."),
			mcp.WithString("job_id", mcp.Description("Job id returned by ingest_document"), mcp.Required()),
		),
		mcpJobStatus(deps),
	)

	s.AddTool(
		mcp.NewTool("search",
			mcp.WithDescription("Semantically search ingested documents and return the most relevant chunks."),
			mcp.WithString("query", mcp.Description("Search query"), mcp.Required()),
			mcp.WithNumber("limit", mcp.Description("Maximum number of results (default 5)")),
			mcp.WithArray("document_ids", mcp.Description("Optional document ids to restrict the search to")),
		),
		mcpSearch(deps),
	)

	return s
}

func mcpIngestDocument(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		content, err := req.RequireString("content")
		if err != nil {
			return mcpError("content is required"), nil
		}

		name := req.GetString("name", "")
		format := req.GetString("format", "txt")

		raw := []byte(content)
		if req.GetBool("base64", false) {
			decoded, err := base64.StdEncoding.DecodeString(content)
			if err != nil {
				return mcpError("invalid base64 content"), nil
			}
			raw = decoded
		}

		result, err := deps.Ingestor.Submit(ingest.SubmitRequest{
			Name:    name,
			Format:  format,
			Content: raw,
			Caller:  "mcp",
		})
		if err != nil {
			return mcpError(fmt.Sprintf("failed to submit: %v", err)), nil
		}

		b, err := json.Marshal(map[string]any{
			"job_id":       result.JobID,
			"document_id":  result.DocumentID,
			"deduplicated": result.Deduplicated,
		})
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal result: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpJobStatus(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		jobID, err := req.RequireString("job_id")
		if err != nil {
			return mcpError("job_id is required"), nil
		}

		job, err := deps.Ingestor.Status(jobID)
		if errors.Is(err, storage.ErrNotFound) {
			return mcpError("job not found"), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("failed to get job: %v", err)), nil
		}

		b, err := json.Marshal(viewJob(job))
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal job: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpSearch(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		query, err := req.RequireString("query")
		if err != nil {
			return mcpError("query is required"), nil
		}

		limit := req.GetInt("limit", 5)
		if limit <= 0 {
			limit = 5
		}
		if limit > 50 {
			limit = 50
		}
		docIDs := req.GetStringSlice("document_ids", nil)

		results, err := deps.Searcher.Retrieve(ctx, query, limit, docIDs)
		if err != nil {
			return mcpError(fmt.Sprintf("search failed: %v", err)), nil
		}

		if len(results) == 0 {
			return mcpText("[]"), nil
		}

		b, err := json.Marshal(results)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal results: %v", err)), nil
		}
		return mcpText(string(b)), nil
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
