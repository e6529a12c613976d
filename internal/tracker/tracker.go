// Package tracker records the lifecycle and progress of indexing runs, one
// job per collection.
package tracker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/seanblong/semindex/pkg/models"
)

// DefaultStaleAfter is how long an in_progress job may run before status
// readers flag it as stale.
const DefaultStaleAfter = 30 * time.Minute

// JobStore persists one IndexingJob row per collection.
type JobStore interface {
	GetJob(ctx context.Context, collectionKey string) (models.IndexingJob, bool, error)
	SaveJob(ctx context.Context, job models.IndexingJob) error
	DeleteJob(ctx context.Context, collectionKey string) error
}

// Tracker drives the job state machine:
// pending -> in_progress -> completed | failed.
// Only Initialize leaves a terminal state.
type Tracker struct {
	Store      JobStore
	StaleAfter time.Duration
	Now        func() time.Time

	mu sync.Mutex
}

// New creates a Tracker with the default stale timeout.
func New(s JobStore) *Tracker {
	return &Tracker{Store: s, StaleAfter: DefaultStaleAfter, Now: time.Now}
}

func (t *Tracker) now() time.Time {
	if t.Now != nil {
		return t.Now().UTC()
	}
	return time.Now().UTC()
}

// Initialize starts a new run for the collection: status in_progress,
// counters zeroed and a fresh RunID.
func (t *Tracker) Initialize(ctx context.Context, collectionKey string, total int) (models.IndexingJob, error) {
	if err := models.ValidateCollectionKey(collectionKey); err != nil {
		return models.IndexingJob{}, err
	}
	if total < 0 {
		return models.IndexingJob{}, &models.ValidationError{Field: "total_units", Reason: "must not be negative"}
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	job := models.IndexingJob{
		CollectionKey: collectionKey,
		RunID:         uuid.NewString(),
		Status:        models.JobInProgress,
		TotalUnits:    total,
		StartedAt:     now,
		UpdatedAt:     now,
	}
	if err := t.Store.SaveJob(ctx, job); err != nil {
		return models.IndexingJob{}, fmt.Errorf("initialize job: %w", err)
	}
	log.Debug().Str("collection", collectionKey).Str("run_id", job.RunID).Int("total", total).Msg("indexing job started")
	return job, nil
}

// UpdateProgress merges u into the stored job. Updates that name a RunID
// other than the current one are rejected with ErrStaleRun.
func (t *Tracker) UpdateProgress(ctx context.Context, collectionKey string, u models.JobUpdate) (models.IndexingJob, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	job, err := t.load(ctx, collectionKey, u.RunID)
	if err != nil {
		return models.IndexingJob{}, err
	}
	job = u.Apply(job)
	job.UpdatedAt = t.now()
	if err := t.Store.SaveJob(ctx, job); err != nil {
		return models.IndexingJob{}, fmt.Errorf("update job: %w", err)
	}
	return job, nil
}

// Finalize moves the job to a terminal status. Only completed and failed
// are accepted, and a run is finalized once.
func (t *Tracker) Finalize(ctx context.Context, collectionKey string, status models.JobStatus, errMsg string) (models.IndexingJob, error) {
	return t.FinalizeRun(ctx, collectionKey, models.JobUpdate{}, status, errMsg)
}

// FinalizeRun is Finalize guarded by u.RunID (empty skips the check). The
// counters in u are merged before the terminal write so the stored job
// matches the run's result even when an earlier progress save was lost.
func (t *Tracker) FinalizeRun(ctx context.Context, collectionKey string, u models.JobUpdate, status models.JobStatus, errMsg string) (models.IndexingJob, error) {
	if !status.Terminal() {
		return models.IndexingJob{}, &models.ValidationError{Field: "status", Reason: fmt.Sprintf("%q is not a terminal status", status)}
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	job, err := t.load(ctx, collectionKey, u.RunID)
	if err != nil {
		return models.IndexingJob{}, err
	}
	if job.Status.Terminal() {
		return models.IndexingJob{}, fmt.Errorf("run %s is %s: %w", job.RunID, job.Status, models.ErrJobFinalized)
	}
	job = u.Apply(job)
	now := t.now()
	job.Status = status
	job.ErrorMessage = models.Truncate(errMsg, models.MaxErrorMessage)
	job.CompletedAt = &now
	job.DurationMS = now.Sub(job.StartedAt).Milliseconds()
	job.UpdatedAt = now
	if err := t.Store.SaveJob(ctx, job); err != nil {
		return models.IndexingJob{}, fmt.Errorf("finalize job: %w", err)
	}
	log.Debug().Str("collection", collectionKey).Str("status", string(status)).Int64("duration_ms", job.DurationMS).Msg("indexing job finished")
	return job, nil
}

// Status returns the current job snapshot. A collection that was never
// indexed reports Exists=false with status pending.
func (t *Tracker) Status(ctx context.Context, collectionKey string) (models.JobSnapshot, error) {
	if err := models.ValidateCollectionKey(collectionKey); err != nil {
		return models.JobSnapshot{}, err
	}
	job, ok, err := t.Store.GetJob(ctx, collectionKey)
	if err != nil {
		return models.JobSnapshot{}, fmt.Errorf("get job: %w", err)
	}
	if !ok {
		return models.JobSnapshot{
			IndexingJob: models.IndexingJob{CollectionKey: collectionKey, Status: models.JobPending},
		}, nil
	}
	snap := models.JobSnapshot{IndexingJob: job, Exists: true}
	staleAfter := t.StaleAfter
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	if job.Status == models.JobInProgress && t.now().Sub(job.StartedAt) > staleAfter {
		snap.Stale = true
	}
	return snap, nil
}

// Reset forgets the job of a collection.
func (t *Tracker) Reset(ctx context.Context, collectionKey string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.Store.DeleteJob(ctx, collectionKey)
}

func (t *Tracker) load(ctx context.Context, collectionKey, runID string) (models.IndexingJob, error) {
	job, ok, err := t.Store.GetJob(ctx, collectionKey)
	if err != nil {
		return models.IndexingJob{}, fmt.Errorf("get job: %w", err)
	}
	if !ok {
		return models.IndexingJob{}, fmt.Errorf("%s: %w", collectionKey, models.ErrJobNotFound)
	}
	if runID != "" && runID != job.RunID {
		return models.IndexingJob{}, fmt.Errorf("run %s superseded by %s: %w", runID, job.RunID, models.ErrStaleRun)
	}
	return job, nil
}
