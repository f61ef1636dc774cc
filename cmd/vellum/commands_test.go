package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
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
		w.Write([]byte(`{"error":{"message":"not found","type":"not_found"}}`))
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

var ctx = context.Background()

func TestClient_Ingest(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /ingest": `{"job_id":"job-123","document_id":"doc-456","deduplicated":false}`,
	})
	client := ts.client()

	req := map[string]any{
		"name":    "note",
		"format":  "txt",
		"content": "hello world",
		"caller":  "cli",
	}
	resp, err := client.post(ctx, "/ingest", req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var result struct {
		JobID      string `json:"job_id"`
		DocumentID string `json:"document_id"`
	}
	if err := decodeJSON(resp, &result); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if result.JobID != "job-123" || result.DocumentID != "doc-456" {
		t.Errorf("result = %+v, want job-123/doc-456", result)
	}

	if len(ts.requests) != 1 {
		t.Fatalf("got %d requests, want 1", len(ts.requests))
	}
	got := ts.requests[0]
	if got.Auth != "Bearer test-token" {
		t.Errorf("Authorization = %q, want bearer token", got.Auth)
	}
	if !strings.Contains(got.Body, `"content":"hello world"`) {
		t.Errorf("body = %s, missing content field", got.Body)
	}
}

func TestClient_JobStatus(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /jobs/job-123": `{"id":"job-123","state":"embedding","attempts":1,"max_attempts":3}`,
	})
	client := ts.client()

	resp, err := client.get(ctx, "/jobs/job-123")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var job jobRecord
	if err := decodeJSON(resp, &job); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if job.State != "embedding" || job.Attempts != 1 {
		t.Errorf("job = %+v, want embedding/1", job)
	}
}

func TestClient_Search(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /search": `{"results":[{"chunk_id":"c1","document_id":"d1","document_name":"notes","seq":0,"text":"Go is great","score":0.9}]}`,
	})
	client := ts.client()

	resp, err := client.post(ctx, "/search", map[string]any{"query": "go", "top_k": 5})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var result struct {
		Results []json.RawMessage `json:"results"`
	}
	if err := decodeJSON(resp, &result); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if len(result.Results) != 1 {
		t.Errorf("got %d results, want 1", len(result.Results))
	}

	if !strings.Contains(ts.requests[0].Body, `"query":"go"`) {
		t.Errorf("body = %s, missing query field", ts.requests[0].Body)
	}
}

func TestClient_ErrorStatus(t *testing.T) {
	ts := newTestServer(t, map[string]string{})
	client := ts.client()

	resp, err := client.get(ctx, "/jobs/missing")
	if err != nil {
		t.Fatalf("unexpected transport error: %v", err)
	}

	var v map[string]any
	err = decodeJSON(resp, &v)
	if err == nil {
		t.Fatal("404 response decoded without error")
	}
	if !strings.Contains(err.Error(), "404") {
		t.Errorf("error = %v, want the status code included", err)
	}
}

func TestClient_DeleteDocument(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"DELETE /documents/doc-1": `{"status":"deleted"}`,
	})
	client := ts.client()

	resp, err := client.delete(ctx, "/documents/doc-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var result map[string]string
	if err := decodeJSON(resp, &result); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if result["status"] != "deleted" {
		t.Errorf("status = %q, want deleted", result["status"])
	}
	if ts.requests[0].Method != http.MethodDelete {
		t.Errorf("method = %s, want DELETE", ts.requests[0].Method)
	}
}
