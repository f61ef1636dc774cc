package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/vellumlab/vellum/internal/jobs"
	"github.com/vellumlab/vellum/internal/storage"
)

// SubmitRequest describes a document handed to the orchestrator.
type SubmitRequest struct {
	Name    string
	Format  string
	Content []byte
	Caller  string
}

// SubmitResult reports the job created (or found) for a submission.
type SubmitResult struct {
	JobID      string
	DocumentID string
	// Deduplicated is true when an active job for the same content already
	// existed and was returned instead of a new one.
	Deduplicated bool
}

// Options tune the orchestrator's worker pool and retry behavior.
type Options struct {
	Workers      int
	MaxAttempts  int
	PollInterval time.Duration
	LeaseTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.Workers <= 0 {
		o.Workers = 2
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 250 * time.Millisecond
	}
	if o.LeaseTimeout <= 0 {
		o.LeaseTimeout = 2 * time.Minute
	}
	return o
}

// Orchestrator accepts document submissions, persists them as queued jobs,
// and runs a worker pool that claims jobs and drives them through the
// Pipeline. Crash recovery relies on leases: a worker that dies mid-job
// leaves a lease to expire, and the reaper requeues the job for another
// delivery attempt.
type Orchestrator struct {
	store    *storage.Store
	tracker  *jobs.Tracker
	pipeline *Pipeline
	opts     Options
	logger   *slog.Logger
}

func NewOrchestrator(store *storage.Store, tracker *jobs.Tracker, pipeline *Pipeline, opts Options) *Orchestrator {
	return &Orchestrator{
		store:    store,
		tracker:  tracker,
		pipeline: pipeline,
		opts:     opts.withDefaults(),
		logger:   slog.Default(),
	}
}

// Submit registers a document and enqueues an ingestion job for it. Content
// is deduplicated by hash: resubmitting identical bytes while a job for them
// is still active returns that job instead of creating a second one.
// Resubmitting after the prior job finished creates a fresh job for the
// existing document, which re-runs the pipeline idempotently.
func (o *Orchestrator) Submit(req SubmitRequest) (SubmitResult, error) {
	if len(req.Content) == 0 {
		return SubmitResult{}, errors.New("empty document content")
	}

	sum := sha256.Sum256(req.Content)
	hash := hex.EncodeToString(sum[:])

	doc, err := o.store.GetDocumentByHash(hash)
	switch {
	case err == nil:
		// Known content; reuse the document row.
	case errors.Is(err, storage.ErrNotFound):
		doc = storage.Document{
			ID:          uuid.NewString(),
			ContentHash: hash,
			Name:        req.Name,
			Format:      req.Format,
			Content:     req.Content,
			Caller:      req.Caller,
		}
		if err := o.store.SaveDocument(doc); err != nil {
			// A concurrent submission of the same bytes can win the race on
			// the content_hash unique index; continue with its document row.
			existing, herr := o.store.GetDocumentByHash(hash)
			if herr != nil {
				return SubmitResult{}, fmt.Errorf("saving document: %w", err)
			}
			doc = existing
		}
	default:
		return SubmitResult{}, fmt.Errorf("looking up document by hash: %w", err)
	}

	if active, err := o.store.ActiveJobForDocument(doc.ID); err == nil {
		return SubmitResult{JobID: active.ID, DocumentID: doc.ID, Deduplicated: true}, nil
	} else if !errors.Is(err, storage.ErrNotFound) {
		return SubmitResult{}, fmt.Errorf("checking active job: %w", err)
	}

	job := storage.Job{
		ID:          uuid.NewString(),
		DocumentID:  doc.ID,
		State:       storage.StateQueued,
		MaxAttempts: o.opts.MaxAttempts,
	}
	if err := o.store.CreateJob(job); err != nil {
		// A concurrent submission of the same content can win the race on
		// the active-job unique index; surface its job instead of failing.
		if active, aerr := o.store.ActiveJobForDocument(doc.ID); aerr == nil {
			return SubmitResult{JobID: active.ID, DocumentID: doc.ID, Deduplicated: true}, nil
		}
		return SubmitResult{}, fmt.Errorf("creating job: %w", err)
	}

	o.logger.Info("job queued", "job_id", job.ID, "document_id", doc.ID, "name", req.Name, "format", req.Format)
	return SubmitResult{JobID: job.ID, DocumentID: doc.ID}, nil
}

// Status returns the current job record.
func (o *Orchestrator) Status(jobID string) (storage.Job, error) {
	return o.store.GetJob(jobID)
}

// Cancel requests cancellation of a job. Queued jobs are cancelled
// immediately; running jobs get a flag the pipeline honors at the next stage
// boundary. Terminal jobs are returned unchanged.
func (o *Orchestrator) Cancel(jobID string) (storage.Job, error) {
	return o.store.RequestCancel(jobID)
}

// Run blocks, operating the worker pool and the lease reaper until ctx is
// cancelled. It always returns ctx.Err()'s cause via the errgroup.
func (o *Orchestrator) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	for i := 0; i < o.opts.Workers; i++ {
		worker := i
		g.Go(func() error {
			return o.workerLoop(ctx, worker)
		})
	}
	g.Go(func() error {
		return o.reaperLoop(ctx)
	})

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (o *Orchestrator) workerLoop(ctx context.Context, worker int) error {
	ticker := time.NewTicker(o.opts.PollInterval)
	defer ticker.Stop()

	for {
		// Drain everything that is due before going back to sleep.
		for {
			worked, err := o.runOnce(ctx)
			if err != nil {
				return err
			}
			if !worked {
				break
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
		}

		select {
		case <-ctx.Done():
			o.logger.Debug("worker stopping", "worker", worker)
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// runOnce claims at most one job and runs it to an outcome. The bool reports
// whether a job was available. Errors from the pipeline are classified and
// recorded on the job, never returned; only context cancellation stops the
// worker.
func (o *Orchestrator) runOnce(ctx context.Context) (bool, error) {
	job, err := o.store.ClaimNextJob(o.opts.LeaseTimeout)
	if err != nil {
		return false, fmt.Errorf("claiming job: %w", err)
	}
	if job == nil {
		return false, nil
	}

	o.logger.Debug("job claimed", "job_id", job.ID, "attempt", job.Attempts+1, "max_attempts", job.MaxAttempts)

	runErr := o.pipeline.Run(ctx, job)
	switch {
	case runErr == nil:
		return true, nil
	case errors.Is(runErr, jobs.ErrLostOwnership):
		// The lease expired and the reaper requeued (or failed) the job;
		// whatever we did past that point belongs to the next delivery.
		o.logger.Warn("job lost ownership", "job_id", job.ID)
		return true, nil
	case errors.Is(runErr, context.Canceled) && ctx.Err() != nil:
		// Shutdown interrupted the job; leave the lease to expire so the
		// reaper redelivers it instead of burning an attempt here.
		return true, ctx.Err()
	default:
		kind := classify(runErr)
		o.logger.Error("job failed", "job_id", job.ID, "kind", kind, "error", runErr)
		if err := o.store.FailJob(job.ID, kind, runErr.Error()); err != nil {
			o.logger.Error("recording job failure", "job_id", job.ID, "error", err)
		}
		if ctx.Err() != nil {
			return true, ctx.Err()
		}
		return true, nil
	}
}

func (o *Orchestrator) reaperLoop(ctx context.Context) error {
	interval := o.opts.LeaseTimeout / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			n, err := o.store.RequeueExpiredLeases()
			if err != nil {
				o.logger.Error("requeueing expired leases", "error", err)
				continue
			}
			if n > 0 {
				o.logger.Warn("requeued expired leases", "count", n)
			}
		}
	}
}
