// Package jobs owns the ingestion job state machine. All state mutation goes
// through the Tracker; pipeline code reports outcomes and the Tracker applies
// transitions atomically, so a status reader never observes a half-updated
// job.
package jobs

import (
	"fmt"

	"github.com/vellumlab/vellum/internal/storage"
)

// stageRank orders the pipeline states. Transitions may only advance by
// exactly one rank; terminal states are handled separately.
var stageRank = map[storage.JobState]int{
	storage.StateQueued:     0,
	storage.StateExtracting: 1,
	storage.StateChunking:   2,
	storage.StateEmbedding:  3,
	storage.StateIndexing:   4,
	storage.StateCompleted:  5,
}

// ErrLostOwnership is returned when a transition finds the job no longer in
// the expected state — the worker's lease expired and the job was
// re-delivered elsewhere. The losing worker must abandon the job without
// touching its state further.
var ErrLostOwnership = fmt.Errorf("job ownership lost")

// Tracker applies and validates job state transitions.
type Tracker struct {
	store *storage.Store
}

func NewTracker(store *storage.Store) *Tracker {
	return &Tracker{store: store}
}

// Get returns a coherent snapshot of a job.
func (t *Tracker) Get(jobID string) (storage.Job, error) {
	return t.store.GetJob(jobID)
}

// Advance moves a job forward one pipeline stage. Backward moves and stage
// skips are programming errors and are rejected before touching storage.
func (t *Tracker) Advance(jobID string, from, to storage.JobState) error {
	fromRank, ok := stageRank[from]
	if !ok {
		return fmt.Errorf("cannot advance from terminal state %q", from)
	}
	toRank, ok := stageRank[to]
	if !ok {
		return fmt.Errorf("%q is not a pipeline state", to)
	}
	if toRank != fromRank+1 {
		return fmt.Errorf("illegal transition %s -> %s", from, to)
	}

	err := t.store.TransitionJob(jobID, from, to)
	if err == storage.ErrNotFound {
		return ErrLostOwnership
	}
	return err
}

// Fail records a stage failure. Retryable kinds are requeued with backoff by
// the store until the attempt budget is spent; everything else is terminal.
func (t *Tracker) Fail(jobID string, kind storage.ErrorKind, detail string) error {
	return t.store.FailJob(jobID, kind, detail)
}

// Cancel moves a job from a known active state to the cancelled terminal
// state.
func (t *Tracker) Cancel(jobID string, from storage.JobState) error {
	if from.Terminal() {
		return fmt.Errorf("cannot cancel terminal state %q", from)
	}
	err := t.store.TransitionJob(jobID, from, storage.StateCancelled)
	if err == storage.ErrNotFound {
		return ErrLostOwnership
	}
	return err
}
