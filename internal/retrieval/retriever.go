package retrieval

import (
	"context"
	"fmt"
	"strings"

	"github.com/vellumlab/vellum/internal/embed"
	"github.com/vellumlab/vellum/internal/index"
	"github.com/vellumlab/vellum/internal/storage"
)

// Embedder embeds a query with the same model the index was built with.
type Embedder interface {
	Embed(ctx context.Context, text string) (embed.Embedding, error)
	Model() string
}

// Index answers nearest-neighbor queries over stored chunk vectors.
type Index interface {
	Query(vector []float32, k int, f Filter) ([]index.ScoredEntry, error)
}

// Filter is re-exported so callers don't import the index package for it.
type Filter = index.Filter

// DocumentStore resolves document metadata for provenance.
type DocumentStore interface {
	GetDocument(id string) (storage.Document, error)
}

// Result is one retrieved chunk with its provenance.
type Result struct {
	ChunkID      string  `json:"chunk_id"`
	DocumentID   string  `json:"document_id"`
	DocumentName string  `json:"document_name"`
	Seq          int     `json:"seq"`
	Text         string  `json:"text"`
	Score        float64 `json:"score"`
}

// Retriever answers search queries: it embeds the query text and ranks index
// entries by cosine similarity. Only entries stamped with the retriever's
// current model are considered, so chunks embedded under a since-replaced
// model never mix into results.
type Retriever struct {
	embedder Embedder
	index    Index
	docs     DocumentStore
	defaultK int
}

func NewRetriever(embedder Embedder, idx Index, docs DocumentStore, defaultK int) *Retriever {
	if defaultK <= 0 {
		defaultK = 5
	}
	return &Retriever{embedder: embedder, index: idx, docs: docs, defaultK: defaultK}
}

// Retrieve returns the top-k chunks for the query, optionally restricted to
// the given document IDs. k <= 0 uses the configured default. An empty index
// (or one with no entries for the current model) yields an empty, non-nil
// slice.
func (r *Retriever) Retrieve(ctx context.Context, query string, k int, documentIDs []string) ([]Result, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, fmt.Errorf("empty query")
	}
	if k <= 0 {
		k = r.defaultK
	}

	emb, err := r.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}

	scored, err := r.index.Query(emb.Vector, k, Filter{
		Model:       r.embedder.Model(),
		DocumentIDs: documentIDs,
	})
	if err != nil {
		return nil, fmt.Errorf("querying index: %w", err)
	}

	results := make([]Result, 0, len(scored))
	names := map[string]string{}
	for _, s := range scored {
		name, ok := names[s.DocumentID]
		if !ok {
			doc, err := r.docs.GetDocument(s.DocumentID)
			if err != nil {
				return nil, fmt.Errorf("resolving document %s: %w", s.DocumentID, err)
			}
			name = doc.Name
			names[s.DocumentID] = name
		}
		results = append(results, Result{
			ChunkID:      s.ChunkID,
			DocumentID:   s.DocumentID,
			DocumentName: name,
			Seq:          s.Seq,
			Text:         s.Text,
			Score:        float64(s.Score),
		})
	}
	return results, nil
}
