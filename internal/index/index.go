// Package index stores (chunk, vector, metadata) tuples and answers
// nearest-neighbor queries by brute-force cosine similarity over SQLite.
package index

import (
	"time"
)

// Entry is one indexed chunk with its vector and provenance metadata.
type Entry struct {
	ChunkID    string
	DocumentID string
	Seq        int
	Text       string
	Start      int
	End        int
	Vector     []float32
	Model      string
	Dim        int
	CreatedAt  time.Time
}

// ScoredEntry is an Entry with its similarity to the query vector.
type ScoredEntry struct {
	Entry
	Score float32
}

// Filter narrows a query. Model is always set by the retrieval layer so
// entries stamped with a stale model identifier never rank; DocumentIDs is
// optional.
type Filter struct {
	DocumentIDs []string
	Model       string
}
