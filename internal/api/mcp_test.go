package api

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/vellumlab/vellum/internal/ingest"
	"github.com/vellumlab/vellum/internal/retrieval"
	"github.com/vellumlab/vellum/internal/storage"
)

// --- helpers ---

func newTestMCPDeps() MCPDeps {
	return MCPDeps{
		Ingestor: &mockIngestor{},
		Searcher: &mockSearcher{},
	}
}

func toolText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	if len(result.Content) == 0 {
		t.Fatal("no content in result")
	}
	tc, ok := result.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatalf("expected TextContent, got %T", result.Content[0])
	}
	return tc.Text
}

func makeCallToolRequest(name string, args map[string]interface{}) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	}
}

// --- tests ---

func TestMCPTool_IngestDocument(t *testing.T) {
	deps := newTestMCPDeps()

	var got ingest.SubmitRequest
	deps.Ingestor.(*mockIngestor).submitFn = func(req ingest.SubmitRequest) (ingest.SubmitResult, error) {
		got = req
		return ingest.SubmitResult{JobID: "job-1", DocumentID: "doc-1"}, nil
	}
	handler := mcpIngestDocument(deps)

	req := makeCallToolRequest("ingest_document", map[string]interface{}{
		"name":    "meeting notes",
		"format":  "md",
		"content": "# Agenda\n\nShip it.",
	})

	result, err := handler(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected tool error: %s", toolText(t, result))
	}

	var resp map[string]any
	if err := json.Unmarshal([]byte(toolText(t, result)), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if resp["job_id"] != "job-1" || resp["document_id"] != "doc-1" {
		t.Errorf("response = %v, want job-1/doc-1", resp)
	}
	if got.Name != "meeting notes" || got.Format != "md" || got.Caller != "mcp" {
		t.Errorf("submitted %+v, want the tool arguments with caller mcp", got)
	}
}

func TestMCPTool_IngestDocument_Base64(t *testing.T) {
	deps := newTestMCPDeps()

	var got []byte
	deps.Ingestor.(*mockIngestor).submitFn = func(req ingest.SubmitRequest) (ingest.SubmitResult, error) {
		got = req.Content
		return ingest.SubmitResult{JobID: "job-1", DocumentID: "doc-1"}, nil
	}
	handler := mcpIngestDocument(deps)

	// "hello" base64-encoded.
	req := makeCallToolRequest("ingest_document", map[string]interface{}{
		"content": "aGVsbG8=",
		"format":  "pdf",
		"base64":  true,
	})

	result, err := handler(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected tool error: %s", toolText(t, result))
	}
	if string(got) != "hello" {
		t.Errorf("submitted content %q, want decoded %q", got, "hello")
	}
}

func TestMCPTool_IngestDocument_MissingContent(t *testing.T) {
	deps := newTestMCPDeps()
	handler := mcpIngestDocument(deps)

	result, err := handler(context.Background(), makeCallToolRequest("ingest_document", map[string]interface{}{}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.IsError {
		t.Error("missing content accepted, want tool error")
	}
}

func TestMCPTool_JobStatus(t *testing.T) {
	deps := newTestMCPDeps()
	deps.Ingestor.(*mockIngestor).statusFn = func(jobID string) (storage.Job, error) {
		if jobID == "job-1" {
			return testJob("job-1"), nil
		}
		return storage.Job{}, storage.ErrNotFound
	}
	handler := mcpJobStatus(deps)

	result, err := handler(context.Background(), makeCallToolRequest("job_status", map[string]interface{}{
		"job_id": "job-1",
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected tool error: %s", toolText(t, result))
	}

	var view jobView
	if err := json.Unmarshal([]byte(toolText(t, result)), &view); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if view.ID != "job-1" || view.State != "embedding" {
		t.Errorf("view = %+v, want job-1/embedding", view)
	}
}

func TestMCPTool_JobStatus_NotFound(t *testing.T) {
	deps := newTestMCPDeps()
	handler := mcpJobStatus(deps)

	result, err := handler(context.Background(), makeCallToolRequest("job_status", map[string]interface{}{
		"job_id": "missing",
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.IsError {
		t.Error("missing job accepted, want tool error")
	}
	if text := toolText(t, result); text != "job not found" {
		t.Errorf("error text = %q, want %q", text, "job not found")
	}
}

func TestMCPTool_Search(t *testing.T) {
	deps := newTestMCPDeps()
	deps.Searcher = &mockSearcher{results: []retrieval.Result{
		{ChunkID: "c1", DocumentID: "doc-1", DocumentName: "notes", Seq: 0, Text: "Go is great", Score: 0.95},
		{ChunkID: "c2", DocumentID: "doc-1", DocumentName: "notes", Seq: 1, Text: "Channels compose", Score: 0.8},
	}}
	handler := mcpSearch(deps)

	result, err := handler(context.Background(), makeCallToolRequest("search", map[string]interface{}{
		"query": "go concurrency",
		"limit": 5,
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected tool error: %s", toolText(t, result))
	}

	var results []retrieval.Result
	if err := json.Unmarshal([]byte(toolText(t, result)), &results); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if len(results) != 2 || results[0].ChunkID != "c1" {
		t.Errorf("results = %+v, want [c1 c2]", results)
	}
}

func TestMCPTool_Search_EmptyResult(t *testing.T) {
	deps := newTestMCPDeps()
	handler := mcpSearch(deps)

	result, err := handler(context.Background(), makeCallToolRequest("search", map[string]interface{}{
		"query": "nothing indexed yet",
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected tool error: %s", toolText(t, result))
	}
	if text := toolText(t, result); text != "[]" {
		t.Errorf("text = %q, want an empty JSON array", text)
	}
}

func TestMCPTool_Search_MissingQuery(t *testing.T) {
	deps := newTestMCPDeps()
	handler := mcpSearch(deps)

	result, err := handler(context.Background(), makeCallToolRequest("search", map[string]interface{}{}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.IsError {
		t.Error("missing query accepted, want tool error")
	}
}
