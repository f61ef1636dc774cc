// Package embed maps chunk text to fixed-length vectors via an external
// embedding backend speaking the Ollama-style /api/embed protocol.
package embed

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
)

// ErrUnavailable indicates a backend failure. It is retryable: the
// orchestrator re-runs the job with backoff.
var ErrUnavailable = errors.New("embedding backend unavailable")

// DefaultMaxBatch is the largest number of texts sent in a single request.
const DefaultMaxBatch = 32

// maxConcurrentBatches bounds parallel requests to the backend.
const maxConcurrentBatches = 4

// Embedding is one vector stamped with the model that produced it. Entries
// indexed under a different model identifier are invalid for querying and
// must be re-embedded.
type Embedding struct {
	Vector []float32
	Model  string
	Dim    int
}

// Client calls the embedding backend over HTTP, splitting oversized batches
// transparently.
type Client struct {
	baseURL    string
	model      string
	dim        int
	maxBatch   int
	httpClient *http.Client
}

// NewClient creates a Client for the backend at baseURL. dim is the expected
// vector dimension; responses with a different dimension are rejected.
func NewClient(baseURL, model string, dim, maxBatch int) *Client {
	if maxBatch <= 0 {
		maxBatch = DefaultMaxBatch
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		model:      model,
		dim:        dim,
		maxBatch:   maxBatch,
		httpClient: &http.Client{Timeout: 2 * time.Minute},
	}
}

// Model returns the configured model identifier.
func (c *Client) Model() string {
	return c.model
}

// Dim returns the configured vector dimension.
func (c *Client) Dim() int {
	return c.dim
}

// Embed returns the embedding for a single text (a one-item batch).
func (c *Client) Embed(ctx context.Context, text string) (Embedding, error) {
	embs, err := c.EmbedBatch(ctx, []string{text})
	if err != nil {
		return Embedding{}, err
	}
	return embs[0], nil
}

// EmbedBatch embeds texts in order, splitting them into backend-sized
// batches issued with bounded concurrency. The result is aligned with the
// input: result[i] embeds texts[i]. Returns nil for empty input.
func (c *Client) EmbedBatch(ctx context.Context, texts []string) ([]Embedding, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	results := make([]Embedding, len(texts))
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentBatches)

	for offset := 0; offset < len(texts); offset += c.maxBatch {
		hi := offset + c.maxBatch
		if hi > len(texts) {
			hi = len(texts)
		}
		offset, batch := offset, texts[offset:hi]
		g.Go(func() error {
			vectors, err := c.embedRequest(gCtx, batch)
			if err != nil {
				return err
			}
			for i, vec := range vectors {
				results[offset+i] = Embedding{Vector: vec, Model: c.model, Dim: len(vec)}
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

type embedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

func (c *Client) embedRequest(ctx context.Context, texts []string) ([][]float32, error) {
	body, err := json.Marshal(embedRequest{Model: c.model, Input: texts})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/embed", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating embed request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("embed request: %v: %w", err, ErrUnavailable)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("embed: unexpected status %d: %w", resp.StatusCode, ErrUnavailable)
	}

	var result embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decoding embed response: %v: %w", err, ErrUnavailable)
	}

	if len(result.Embeddings) != len(texts) {
		return nil, fmt.Errorf("embed: got %d vectors for %d texts: %w",
			len(result.Embeddings), len(texts), ErrUnavailable)
	}
	for i, vec := range result.Embeddings {
		if c.dim > 0 && len(vec) != c.dim {
			return nil, fmt.Errorf("embed: vector %d has dimension %d, expected %d", i, len(vec), c.dim)
		}
	}
	return result.Embeddings, nil
}
