package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// JobState is the lifecycle state of an ingestion job.
type JobState string

const (
	StateQueued     JobState = "queued"
	StateExtracting JobState = "extracting"
	StateChunking   JobState = "chunking"
	StateEmbedding  JobState = "embedding"
	StateIndexing   JobState = "indexing"
	StateCompleted  JobState = "completed"
	StateFailed     JobState = "failed"
	StateCancelled  JobState = "cancelled"
)

// Terminal reports whether a job in this state will never progress again.
func (s JobState) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// ErrorKind classifies why a stage failed. Empty string means no error.
type ErrorKind string

const (
	ErrKindNone                 ErrorKind = ""
	ErrKindMalformedInput       ErrorKind = "malformed_input"
	ErrKindUnsupportedFeature   ErrorKind = "unsupported_feature"
	ErrKindTimeout              ErrorKind = "timeout"
	ErrKindEmbeddingUnavailable ErrorKind = "embedding_unavailable"
	ErrKindExtractionExhausted  ErrorKind = "extraction_exhausted"
	ErrKindCancelled            ErrorKind = "cancelled"
	ErrKindInternal             ErrorKind = "internal"
)

// Retryable reports whether a failure of this kind may succeed on a later
// attempt. Only stage-level transient failures qualify.
func (k ErrorKind) Retryable() bool {
	return k == ErrKindTimeout || k == ErrKindEmbeddingUnavailable
}

// Document is an immutable ingested source. Identity is the content hash:
// re-submitting identical bytes resolves to the existing row.
type Document struct {
	ID          string
	ContentHash string
	Name        string
	Format      string
	Content     []byte
	Caller      string
	CreatedAt   time.Time
}

// Job is one tracked attempt to drive a document through the pipeline.
type Job struct {
	ID              string
	DocumentID      string
	State           JobState
	Attempts        int
	MaxAttempts     int
	ErrorKind       ErrorKind
	ErrorDetail     string
	CancelRequested bool
	RunAfter        time.Time
	LeaseExpiresAt  time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}
