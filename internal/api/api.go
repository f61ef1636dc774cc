package api

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/vellumlab/vellum/internal/ingest"
	"github.com/vellumlab/vellum/internal/retrieval"
	"github.com/vellumlab/vellum/internal/storage"
)

const maxIngestBodySize = 10 << 20 // 10MB
const maxRequestBodySize = 1 << 20 // 1MB

// Ingestor abstracts job submission and tracking for the API layer.
type Ingestor interface {
	Submit(req ingest.SubmitRequest) (ingest.SubmitResult, error)
	Status(jobID string) (storage.Job, error)
	Cancel(jobID string) (storage.Job, error)
}

// Searcher abstracts semantic retrieval for the API layer.
type Searcher interface {
	Retrieve(ctx context.Context, query string, k int, documentIDs []string) ([]retrieval.Result, error)
}

// IndexCleaner abstracts index-entry cleanup on document deletion.
type IndexCleaner interface {
	DeleteByDocument(documentID string) error
	CountByDocument(documentID string) (int, error)
}

type AppDeps struct {
	Store    *storage.Store
	Ingestor Ingestor
	Searcher Searcher
	Index    IndexCleaner
	Token    string
}

func NewAppHandler(deps AppDeps) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Post("/ingest", handleIngest(deps))
		r.Get("/jobs", handleListJobs(deps))
		r.Get("/jobs/{id}", handleGetJob(deps))
		r.Post("/jobs/{id}/cancel", handleCancelJob(deps))
		r.Post("/search", handleSearch(deps))
		r.Get("/documents", handleListDocuments(deps))
		r.Delete("/documents/{id}", handleDeleteDocument(deps))
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

type IngestRequest struct {
	Name          string `json:"name"`
	Format        string `json:"format"`
	Content       string `json:"content"`
	ContentBase64 string `json:"content_base64"`
	Caller        string `json:"caller"`
}

func handleIngest(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxIngestBodySize)
		defer r.Body.Close()

		var req IngestRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		if req.Content == "" && req.ContentBase64 == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "one of content or content_base64 is required")
			return
		}
		if req.Content != "" && req.ContentBase64 != "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "content and content_base64 are mutually exclusive")
			return
		}
		if req.Format == "" {
			req.Format = "txt"
		}

		var content []byte
		if req.ContentBase64 != "" {
			decoded, err := base64.StdEncoding.DecodeString(req.ContentBase64)
			if err != nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid base64 content")
				return
			}
			content = decoded
		} else {
			content = []byte(req.Content)
		}

		result, err := deps.Ingestor.Submit(ingest.SubmitRequest{
			Name:    req.Name,
			Format:  req.Format,
			Content: content,
			Caller:  req.Caller,
		})
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to submit document: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(map[string]any{
			"job_id":       result.JobID,
			"document_id":  result.DocumentID,
			"deduplicated": result.Deduplicated,
		})
	}
}

// jobView is the wire shape of a job record.
type jobView struct {
	ID              string `json:"id"`
	DocumentID      string `json:"document_id"`
	State           string `json:"state"`
	Attempts        int    `json:"attempts"`
	MaxAttempts     int    `json:"max_attempts"`
	ErrorKind       string `json:"error_kind,omitempty"`
	ErrorDetail     string `json:"error_detail,omitempty"`
	CancelRequested bool   `json:"cancel_requested,omitempty"`
	CreatedAt       string `json:"created_at"`
	UpdatedAt       string `json:"updated_at"`
}

func viewJob(j storage.Job) jobView {
	return jobView{
		ID:              j.ID,
		DocumentID:      j.DocumentID,
		State:           string(j.State),
		Attempts:        j.Attempts,
		MaxAttempts:     j.MaxAttempts,
		ErrorKind:       string(j.ErrorKind),
		ErrorDetail:     j.ErrorDetail,
		CancelRequested: j.CancelRequested,
		CreatedAt:       j.CreatedAt.Format(time.RFC3339),
		UpdatedAt:       j.UpdatedAt.Format(time.RFC3339),
	}
}

func handleGetJob(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		job, err := deps.Ingestor.Status(id)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "job not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get job: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(viewJob(job))
	}
}

func handleListJobs(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := parseIntParam(r, "limit", 20, 100)
		offset := parseIntParam(r, "offset", 0, 0)

		jobList, err := deps.Store.ListJobs(limit, offset)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list jobs: %v", err)
			return
		}

		views := make([]jobView, len(jobList))
		for i, j := range jobList {
			views[i] = viewJob(j)
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(views)
	}
}

func handleCancelJob(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		job, err := deps.Ingestor.Cancel(id)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "job not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to cancel job: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(viewJob(job))
	}
}

type SearchRequest struct {
	Query       string   `json:"query"`
	TopK        int      `json:"top_k"`
	DocumentIDs []string `json:"document_ids"`
}

func handleSearch(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req SearchRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.Query == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "query is required")
			return
		}
		if req.TopK > 50 {
			req.TopK = 50
		}

		results, err := deps.Searcher.Retrieve(r.Context(), req.Query, req.TopK, req.DocumentIDs)
		if err != nil {
			httpError(w, http.StatusBadGateway, "api_error", "search failed: %v", err)
			return
		}

		if results == nil {
			results = []retrieval.Result{}
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"results": results})
	}
}

type documentView struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Format      string `json:"format"`
	ContentHash string `json:"content_hash"`
	Caller      string `json:"caller,omitempty"`
	Chunks      int    `json:"chunks"`
	CreatedAt   string `json:"created_at"`
}

func handleListDocuments(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := parseIntParam(r, "limit", 20, 100)
		offset := parseIntParam(r, "offset", 0, 0)

		docs, err := deps.Store.ListDocuments(limit, offset)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list documents: %v", err)
			return
		}

		views := make([]documentView, len(docs))
		for i, d := range docs {
			chunks, err := deps.Index.CountByDocument(d.ID)
			if err != nil {
				httpError(w, http.StatusInternalServerError, "api_error", "failed to count chunks: %v", err)
				return
			}
			views[i] = documentView{
				ID:          d.ID,
				Name:        d.Name,
				Format:      d.Format,
				ContentHash: d.ContentHash,
				Caller:      d.Caller,
				Chunks:      chunks,
				CreatedAt:   d.CreatedAt.Format(time.RFC3339),
			}
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(views)
	}
}

func handleDeleteDocument(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		if _, err := deps.Store.GetDocument(id); errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "document not found")
			return
		} else if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get document: %v", err)
			return
		}

		// An in-flight job would re-index the document right after we delete
		// it; make the caller cancel the job first.
		if active, err := deps.Store.ActiveJobForDocument(id); err == nil {
			httpError(w, http.StatusConflict, "conflict", "document has active job %s; cancel it first", active.ID)
			return
		} else if !errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to check active jobs: %v", err)
			return
		}

		if err := deps.Index.DeleteByDocument(id); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to delete index entries: %v", err)
			return
		}
		if err := deps.Store.DeleteDocument(id); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to delete document: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "deleted"})
	}
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}
