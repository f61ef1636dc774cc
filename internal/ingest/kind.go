package ingest

import (
	"context"
	"errors"

	"github.com/vellumlab/vellum/internal/embed"
	"github.com/vellumlab/vellum/internal/extract"
	"github.com/vellumlab/vellum/internal/storage"
)

// classify maps pipeline errors onto the job error taxonomy. The kind
// decides retry behavior: timeouts and backend outages are retried with
// backoff, everything else fails the job immediately.
func classify(err error) storage.ErrorKind {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return storage.ErrKindTimeout
	case errors.Is(err, embed.ErrUnavailable):
		return storage.ErrKindEmbeddingUnavailable
	case errors.Is(err, extract.ErrExhausted):
		return storage.ErrKindExtractionExhausted
	case errors.Is(err, extract.ErrMalformedInput):
		return storage.ErrKindMalformedInput
	case errors.Is(err, extract.ErrUnsupportedFeature):
		return storage.ErrKindUnsupportedFeature
	case errors.Is(err, context.Canceled):
		return storage.ErrKindCancelled
	default:
		return storage.ErrKindInternal
	}
}
