package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/vellumlab/vellum/internal/chunk"
	"github.com/vellumlab/vellum/internal/embed"
	"github.com/vellumlab/vellum/internal/extract"
	"github.com/vellumlab/vellum/internal/index"
	"github.com/vellumlab/vellum/internal/jobs"
	"github.com/vellumlab/vellum/internal/storage"
)

// Embedder generates stamped embeddings for chunk texts.
type Embedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([]embed.Embedding, error)
	Model() string
}

// IndexWriter persists and deletes index entries.
type IndexWriter interface {
	Upsert(entries []index.Entry) error
	DeleteByDocument(documentID string) error
}

// Extractor runs the extraction fallback chain.
type Extractor interface {
	Extract(ctx context.Context, format string, content []byte) (extract.Result, error)
}

// Pipeline executes the stages of one ingestion job: extract, chunk, embed,
// index. It reports every stage boundary to the Tracker and checks for
// cancellation at each one.
type Pipeline struct {
	store        *storage.Store
	tracker      *jobs.Tracker
	extractor    Extractor
	chunkCfg     chunk.Config
	embedder     Embedder
	idx          IndexWriter
	stageTimeout time.Duration
	logger       *slog.Logger
}

// NewPipeline wires a Pipeline. stageTimeout bounds each external stage
// (extraction, embedding, indexing) independently; <= 0 disables it.
func NewPipeline(store *storage.Store, tracker *jobs.Tracker, extractor Extractor,
	chunkCfg chunk.Config, embedder Embedder, idx IndexWriter, stageTimeout time.Duration) *Pipeline {
	chunkCfg.Model = embedder.Model()
	return &Pipeline{
		store:        store,
		tracker:      tracker,
		extractor:    extractor,
		chunkCfg:     chunkCfg,
		embedder:     embedder,
		idx:          idx,
		stageTimeout: stageTimeout,
		logger:       slog.Default(),
	}
}

// Run drives one claimed job (already in the extracting state) to a terminal
// or requeue-worthy outcome. A nil return means the job reached completed or
// cancelled; a non-nil return is classified and fed to FailJob by the
// caller. jobs.ErrLostOwnership means the lease expired mid-run and the job
// belongs to someone else now.
func (p *Pipeline) Run(ctx context.Context, job *storage.Job) error {
	doc, err := p.store.GetDocument(job.DocumentID)
	if err != nil {
		return fmt.Errorf("loading document %s: %w", job.DocumentID, err)
	}

	// Stage: extracting (the claim already put us here).
	if cancelled, err := p.cancelIfRequested(job, storage.StateExtracting, doc.ID); cancelled || err != nil {
		return err
	}
	result, err := p.runExtract(ctx, doc)
	if err != nil {
		return fmt.Errorf("extracting document %s: %w", doc.ID, err)
	}
	p.logger.Debug("extraction complete", "job_id", job.ID, "strategy", result.Strategy, "chars", len(result.Text))

	// Stage: chunking.
	if err := p.tracker.Advance(job.ID, storage.StateExtracting, storage.StateChunking); err != nil {
		return err
	}
	if cancelled, err := p.cancelIfRequested(job, storage.StateChunking, doc.ID); cancelled || err != nil {
		return err
	}
	chunks := chunk.Split(doc.ContentHash, result.Text, p.chunkCfg)
	p.logger.Debug("chunking complete", "job_id", job.ID, "chunks", len(chunks))

	// Stage: embedding.
	if err := p.tracker.Advance(job.ID, storage.StateChunking, storage.StateEmbedding); err != nil {
		return err
	}
	if cancelled, err := p.cancelIfRequested(job, storage.StateEmbedding, doc.ID); cancelled || err != nil {
		return err
	}
	embeddings, err := p.runEmbed(ctx, chunks)
	if err != nil {
		return fmt.Errorf("embedding document %s: %w", doc.ID, err)
	}

	// Stage: indexing.
	if err := p.tracker.Advance(job.ID, storage.StateEmbedding, storage.StateIndexing); err != nil {
		return err
	}
	if cancelled, err := p.cancelIfRequested(job, storage.StateIndexing, doc.ID); cancelled || err != nil {
		return err
	}
	if err := p.runIndex(doc, chunks, embeddings); err != nil {
		return fmt.Errorf("indexing document %s: %w", doc.ID, err)
	}

	if err := p.tracker.Advance(job.ID, storage.StateIndexing, storage.StateCompleted); err != nil {
		return err
	}
	p.logger.Info("job completed", "job_id", job.ID, "document_id", doc.ID, "chunks", len(chunks))
	return nil
}

func (p *Pipeline) stageContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if p.stageTimeout > 0 {
		return context.WithTimeout(ctx, p.stageTimeout)
	}
	return context.WithCancel(ctx)
}

func (p *Pipeline) runExtract(ctx context.Context, doc storage.Document) (extract.Result, error) {
	sctx, cancel := p.stageContext(ctx)
	defer cancel()
	return p.extractor.Extract(sctx, doc.Format, doc.Content)
}

func (p *Pipeline) runEmbed(ctx context.Context, chunks []chunk.Chunk) ([]embed.Embedding, error) {
	if len(chunks) == 0 {
		return nil, nil
	}
	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Text
	}
	sctx, cancel := p.stageContext(ctx)
	defer cancel()
	return p.embedder.EmbedBatch(sctx, texts)
}

// runIndex clears the document's previous entries and writes the new set in
// one pass. The delete handles shrinking chunk counts on re-ingestion; the
// upsert is idempotent by chunk id, so replaying this stage is safe.
func (p *Pipeline) runIndex(doc storage.Document, chunks []chunk.Chunk, embeddings []embed.Embedding) error {
	if err := p.idx.DeleteByDocument(doc.ID); err != nil {
		return err
	}
	if len(chunks) == 0 {
		return nil
	}
	entries := make([]index.Entry, len(chunks))
	for i, c := range chunks {
		entries[i] = index.Entry{
			ChunkID:    c.ID,
			DocumentID: doc.ID,
			Seq:        c.Seq,
			Text:       c.Text,
			Start:      c.Start,
			End:        c.End,
			Vector:     embeddings[i].Vector,
			Model:      embeddings[i].Model,
			Dim:        embeddings[i].Dim,
		}
	}
	return p.idx.Upsert(entries)
}

// cancelIfRequested is the stage-boundary cancellation check. When the flag
// is set it rolls back any partial index writes for the document and moves
// the job to the cancelled terminal state.
func (p *Pipeline) cancelIfRequested(job *storage.Job, current storage.JobState, documentID string) (bool, error) {
	fresh, err := p.tracker.Get(job.ID)
	if err != nil {
		return false, err
	}
	if !fresh.CancelRequested {
		return false, nil
	}

	if err := p.idx.DeleteByDocument(documentID); err != nil {
		return false, fmt.Errorf("cleaning up cancelled job %s: %w", job.ID, err)
	}
	if err := p.tracker.Cancel(job.ID, current); err != nil {
		return false, err
	}
	p.logger.Info("job cancelled", "job_id", job.ID, "stage", current)
	return true, nil
}
