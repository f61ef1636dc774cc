package storage

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func saveTestDocument(t *testing.T, s *Store, id string) Document {
	t.Helper()
	doc := Document{
		ID:          id,
		ContentHash: "hash-" + id,
		Name:        "Test " + id,
		Format:      "txt",
		Content:     []byte("content of " + id),
		Caller:      "test",
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.SaveDocument(doc); err != nil {
		t.Fatalf("SaveDocument(%s): %v", id, err)
	}
	return doc
}

func createTestJob(t *testing.T, s *Store, id, docID string) {
	t.Helper()
	if err := s.CreateJob(Job{ID: id, DocumentID: docID, MaxAttempts: 3}); err != nil {
		t.Fatalf("CreateJob(%s): %v", id, err)
	}
}

// resetRunAfter clears retry backoff so the job is immediately claimable.
func resetRunAfter(t *testing.T, s *Store, jobID string) {
	t.Helper()
	now := time.Now().UTC().Format(time.RFC3339)
	if _, err := s.DB().Exec(`UPDATE jobs SET run_after = ? WHERE id = ?`, now, jobID); err != nil {
		t.Fatalf("resetRunAfter: %v", err)
	}
}

func TestMigrations_Applied(t *testing.T) {
	s := openTestStore(t)

	versions, err := s.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	if len(versions) == 0 || versions[0] != 1 {
		t.Errorf("versions = %v, want [1, ...]", versions)
	}
}

func TestDocument_RoundTrip(t *testing.T) {
	s := openTestStore(t)
	saved := saveTestDocument(t, s, "doc-1")

	got, err := s.GetDocument("doc-1")
	if err != nil {
		t.Fatalf("GetDocument: %v", err)
	}
	if got.ContentHash != saved.ContentHash || got.Name != saved.Name || got.Format != saved.Format {
		t.Errorf("got %+v, want %+v", got, saved)
	}
	if string(got.Content) != string(saved.Content) {
		t.Errorf("Content = %q, want %q", got.Content, saved.Content)
	}

	byHash, err := s.GetDocumentByHash(saved.ContentHash)
	if err != nil {
		t.Fatalf("GetDocumentByHash: %v", err)
	}
	if byHash.ID != "doc-1" {
		t.Errorf("GetDocumentByHash ID = %q, want doc-1", byHash.ID)
	}

	if _, err := s.GetDocument("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetDocument(missing) = %v, want ErrNotFound", err)
	}
}

func TestDocument_DuplicateHashRejected(t *testing.T) {
	s := openTestStore(t)
	saveTestDocument(t, s, "doc-1")

	dup := Document{ID: "doc-2", ContentHash: "hash-doc-1", Name: "dup", Format: "txt", CreatedAt: time.Now().UTC()}
	if err := s.SaveDocument(dup); err == nil {
		t.Error("expected unique constraint error for duplicate content hash")
	}
}

func TestDocument_Delete(t *testing.T) {
	s := openTestStore(t)
	saveTestDocument(t, s, "doc-1")

	if err := s.DeleteDocument("doc-1"); err != nil {
		t.Fatalf("DeleteDocument: %v", err)
	}
	if err := s.DeleteDocument("doc-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("second DeleteDocument = %v, want ErrNotFound", err)
	}
}

func TestJob_CreateAndGet(t *testing.T) {
	s := openTestStore(t)
	saveTestDocument(t, s, "doc-1")
	createTestJob(t, s, "job-1", "doc-1")

	j, err := s.GetJob("job-1")
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if j.State != StateQueued {
		t.Errorf("State = %q, want queued", j.State)
	}
	if j.Attempts != 0 || j.MaxAttempts != 3 {
		t.Errorf("Attempts = %d/%d, want 0/3", j.Attempts, j.MaxAttempts)
	}
}

func TestJob_OneActivePerDocument(t *testing.T) {
	s := openTestStore(t)
	saveTestDocument(t, s, "doc-1")
	createTestJob(t, s, "job-1", "doc-1")

	// A second active job for the same document violates the partial index.
	if err := s.CreateJob(Job{ID: "job-2", DocumentID: "doc-1"}); err == nil {
		t.Fatal("expected unique constraint error for second active job")
	}

	active, err := s.ActiveJobForDocument("doc-1")
	if err != nil {
		t.Fatalf("ActiveJobForDocument: %v", err)
	}
	if active.ID != "job-1" {
		t.Errorf("active job = %q, want job-1", active.ID)
	}

	// Once the first job is terminal, a new one is allowed.
	if err := s.TransitionJob("job-1", StateQueued, StateCancelled); err != nil {
		t.Fatalf("TransitionJob: %v", err)
	}
	if err := s.CreateJob(Job{ID: "job-3", DocumentID: "doc-1"}); err != nil {
		t.Fatalf("CreateJob after terminal: %v", err)
	}
	if _, err := s.ActiveJobForDocument("doc-2"); !errors.Is(err, ErrNotFound) {
		t.Errorf("ActiveJobForDocument(no jobs) = %v, want ErrNotFound", err)
	}
}

func TestClaimNextJob(t *testing.T) {
	s := openTestStore(t)
	saveTestDocument(t, s, "doc-1")
	createTestJob(t, s, "job-1", "doc-1")

	j, err := s.ClaimNextJob(time.Minute)
	if err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}
	if j == nil {
		t.Fatal("ClaimNextJob returned nil, want job-1")
	}
	if j.State != StateExtracting {
		t.Errorf("claimed State = %q, want extracting", j.State)
	}
	if j.LeaseExpiresAt.IsZero() {
		t.Error("claimed job has no lease")
	}

	// Nothing left to claim.
	j2, err := s.ClaimNextJob(time.Minute)
	if err != nil {
		t.Fatalf("second ClaimNextJob: %v", err)
	}
	if j2 != nil {
		t.Errorf("second claim returned %q, want nil", j2.ID)
	}
}

func TestClaimNextJob_OldestFirst(t *testing.T) {
	s := openTestStore(t)
	saveTestDocument(t, s, "doc-1")
	saveTestDocument(t, s, "doc-2")

	early := time.Now().UTC().Add(-time.Hour)
	if err := s.CreateJob(Job{ID: "job-new", DocumentID: "doc-2"}); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if err := s.CreateJob(Job{ID: "job-old", DocumentID: "doc-1", RunAfter: early}); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	j, err := s.ClaimNextJob(time.Minute)
	if err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}
	if j == nil || j.ID != "job-old" {
		t.Errorf("claimed %v, want job-old (earliest run_after)", j)
	}
}

func TestClaimNextJob_RespectsBackoff(t *testing.T) {
	s := openTestStore(t)
	saveTestDocument(t, s, "doc-1")
	future := time.Now().UTC().Add(time.Hour)
	if err := s.CreateJob(Job{ID: "job-1", DocumentID: "doc-1", RunAfter: future}); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	j, err := s.ClaimNextJob(time.Minute)
	if err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}
	if j != nil {
		t.Errorf("claimed %q before run_after, want nil", j.ID)
	}
}

func TestTransitionJob(t *testing.T) {
	s := openTestStore(t)
	saveTestDocument(t, s, "doc-1")
	createTestJob(t, s, "job-1", "doc-1")

	if _, err := s.ClaimNextJob(time.Minute); err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}

	if err := s.TransitionJob("job-1", StateExtracting, StateChunking); err != nil {
		t.Fatalf("TransitionJob: %v", err)
	}

	// Wrong from-state means someone else owns the job now.
	if err := s.TransitionJob("job-1", StateExtracting, StateChunking); !errors.Is(err, ErrNotFound) {
		t.Errorf("stale transition = %v, want ErrNotFound", err)
	}

	j, err := s.GetJob("job-1")
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if j.State != StateChunking {
		t.Errorf("State = %q, want chunking", j.State)
	}
}

func TestTransitionJob_TerminalClearsLease(t *testing.T) {
	s := openTestStore(t)
	saveTestDocument(t, s, "doc-1")
	createTestJob(t, s, "job-1", "doc-1")
	if _, err := s.ClaimNextJob(time.Minute); err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}

	for _, step := range []struct{ from, to JobState }{
		{StateExtracting, StateChunking},
		{StateChunking, StateEmbedding},
		{StateEmbedding, StateIndexing},
		{StateIndexing, StateCompleted},
	} {
		if err := s.TransitionJob("job-1", step.from, step.to); err != nil {
			t.Fatalf("TransitionJob(%s -> %s): %v", step.from, step.to, err)
		}
	}

	j, err := s.GetJob("job-1")
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if j.State != StateCompleted {
		t.Errorf("State = %q, want completed", j.State)
	}
	if !j.LeaseExpiresAt.IsZero() {
		t.Error("terminal job still holds a lease")
	}
}

func TestFailJob_RetryableBackoff(t *testing.T) {
	s := openTestStore(t)
	saveTestDocument(t, s, "doc-1")
	createTestJob(t, s, "job-1", "doc-1")
	if _, err := s.ClaimNextJob(time.Minute); err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}

	before := time.Now().UTC()
	if err := s.FailJob("job-1", ErrKindTimeout, "stage timed out"); err != nil {
		t.Fatalf("FailJob: %v", err)
	}

	j, err := s.GetJob("job-1")
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if j.State != StateQueued {
		t.Errorf("State = %q, want queued (retryable)", j.State)
	}
	if j.Attempts != 1 {
		t.Errorf("Attempts = %d, want 1", j.Attempts)
	}
	if j.ErrorKind != ErrKindTimeout {
		t.Errorf("ErrorKind = %q, want timeout", j.ErrorKind)
	}
	// 2^1 seconds of backoff.
	if j.RunAfter.Before(before.Add(time.Second)) {
		t.Errorf("RunAfter = %v, want at least 2s after failure", j.RunAfter)
	}
}

func TestFailJob_NonRetryableTerminal(t *testing.T) {
	s := openTestStore(t)
	saveTestDocument(t, s, "doc-1")
	createTestJob(t, s, "job-1", "doc-1")
	if _, err := s.ClaimNextJob(time.Minute); err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}

	if err := s.FailJob("job-1", ErrKindMalformedInput, "garbage in"); err != nil {
		t.Fatalf("FailJob: %v", err)
	}

	j, err := s.GetJob("job-1")
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if j.State != StateFailed {
		t.Errorf("State = %q, want failed: malformed input is not retryable", j.State)
	}
	if j.Attempts != 1 {
		t.Errorf("Attempts = %d, want 1", j.Attempts)
	}
}

func TestFailJob_ExhaustsAttempts(t *testing.T) {
	s := openTestStore(t)
	saveTestDocument(t, s, "doc-1")
	createTestJob(t, s, "job-1", "doc-1")

	for i := 1; i <= 3; i++ {
		resetRunAfter(t, s, "job-1")
		j, err := s.ClaimNextJob(time.Minute)
		if err != nil {
			t.Fatalf("ClaimNextJob %d: %v", i, err)
		}
		if j == nil {
			t.Fatalf("claim %d returned nil", i)
		}
		if err := s.FailJob("job-1", ErrKindEmbeddingUnavailable, fmt.Sprintf("outage %d", i)); err != nil {
			t.Fatalf("FailJob %d: %v", i, err)
		}
	}

	j, err := s.GetJob("job-1")
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if j.State != StateFailed {
		t.Errorf("State = %q after %d attempts, want failed", j.State, j.Attempts)
	}
	if j.Attempts != 3 {
		t.Errorf("Attempts = %d, want exactly 3", j.Attempts)
	}
}

func TestRequeueExpiredLeases(t *testing.T) {
	s := openTestStore(t)
	saveTestDocument(t, s, "doc-1")
	createTestJob(t, s, "job-1", "doc-1")

	// Claim with an already-expired lease to simulate a dead worker.
	if _, err := s.ClaimNextJob(-time.Second); err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}

	n, err := s.RequeueExpiredLeases()
	if err != nil {
		t.Fatalf("RequeueExpiredLeases: %v", err)
	}
	if n != 1 {
		t.Fatalf("requeued %d jobs, want 1", n)
	}

	j, err := s.GetJob("job-1")
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if j.State != StateQueued {
		t.Errorf("State = %q, want queued", j.State)
	}
	if j.Attempts != 1 {
		t.Errorf("Attempts = %d, want 1: the lost delivery counts", j.Attempts)
	}
	if !j.LeaseExpiresAt.IsZero() {
		t.Error("requeued job still holds a lease")
	}
}

func TestRequeueExpiredLeases_FailsAtMaxAttempts(t *testing.T) {
	s := openTestStore(t)
	saveTestDocument(t, s, "doc-1")
	if err := s.CreateJob(Job{ID: "job-1", DocumentID: "doc-1", MaxAttempts: 1}); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if _, err := s.ClaimNextJob(-time.Second); err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}

	if _, err := s.RequeueExpiredLeases(); err != nil {
		t.Fatalf("RequeueExpiredLeases: %v", err)
	}

	j, err := s.GetJob("job-1")
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if j.State != StateFailed {
		t.Errorf("State = %q, want failed at max attempts", j.State)
	}
	if j.ErrorKind != ErrKindTimeout {
		t.Errorf("ErrorKind = %q, want timeout", j.ErrorKind)
	}
}

func TestRequeueExpiredLeases_IgnoresLiveLeases(t *testing.T) {
	s := openTestStore(t)
	saveTestDocument(t, s, "doc-1")
	createTestJob(t, s, "job-1", "doc-1")
	if _, err := s.ClaimNextJob(time.Hour); err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}

	n, err := s.RequeueExpiredLeases()
	if err != nil {
		t.Fatalf("RequeueExpiredLeases: %v", err)
	}
	if n != 0 {
		t.Errorf("requeued %d jobs with live leases, want 0", n)
	}
}

func TestRequestCancel_QueuedImmediate(t *testing.T) {
	s := openTestStore(t)
	saveTestDocument(t, s, "doc-1")
	createTestJob(t, s, "job-1", "doc-1")

	j, err := s.RequestCancel("job-1")
	if err != nil {
		t.Fatalf("RequestCancel: %v", err)
	}
	if j.State != StateCancelled {
		t.Errorf("State = %q, want cancelled: queued jobs cancel immediately", j.State)
	}

	stored, err := s.GetJob("job-1")
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if stored.State != StateCancelled || stored.ErrorKind != ErrKindCancelled {
		t.Errorf("stored job = %q/%q, want cancelled/cancelled", stored.State, stored.ErrorKind)
	}
}

func TestRequestCancel_RunningSetsFlag(t *testing.T) {
	s := openTestStore(t)
	saveTestDocument(t, s, "doc-1")
	createTestJob(t, s, "job-1", "doc-1")
	if _, err := s.ClaimNextJob(time.Minute); err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}

	j, err := s.RequestCancel("job-1")
	if err != nil {
		t.Fatalf("RequestCancel: %v", err)
	}
	if j.State != StateExtracting {
		t.Errorf("State = %q, want extracting: running jobs keep their state", j.State)
	}
	if !j.CancelRequested {
		t.Error("CancelRequested not set")
	}
}

func TestRequestCancel_TerminalUnchanged(t *testing.T) {
	s := openTestStore(t)
	saveTestDocument(t, s, "doc-1")
	createTestJob(t, s, "job-1", "doc-1")
	if err := s.TransitionJob("job-1", StateQueued, StateCancelled); err != nil {
		t.Fatalf("TransitionJob: %v", err)
	}

	j, err := s.RequestCancel("job-1")
	if err != nil {
		t.Fatalf("RequestCancel on terminal: %v", err)
	}
	if j.State != StateCancelled {
		t.Errorf("State = %q, want cancelled unchanged", j.State)
	}

	if _, err := s.RequestCancel("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("RequestCancel(missing) = %v, want ErrNotFound", err)
	}
}

func TestListJobs(t *testing.T) {
	s := openTestStore(t)
	for i := 0; i < 5; i++ {
		docID := fmt.Sprintf("doc-%d", i)
		saveTestDocument(t, s, docID)
		createTestJob(t, s, fmt.Sprintf("job-%d", i), docID)
	}

	jobs, err := s.ListJobs(3, 0)
	if err != nil {
		t.Fatalf("ListJobs: %v", err)
	}
	if len(jobs) != 3 {
		t.Errorf("got %d jobs, want 3", len(jobs))
	}

	rest, err := s.ListJobs(10, 3)
	if err != nil {
		t.Fatalf("ListJobs offset: %v", err)
	}
	if len(rest) != 2 {
		t.Errorf("got %d jobs at offset 3, want 2", len(rest))
	}
}
