package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/seanblong/semindex/pkg/models"
)

// GetJob loads the indexing job row for a collection.
func (s *Store) GetJob(ctx context.Context, collectionKey string) (models.IndexingJob, bool, error) {
	var (
		j           models.IndexingJob
		status      string
		startedAt   int64
		completedAt sql.NullInt64
		updatedAt   int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT collection_key, run_id, status, total_units, indexed_units, failed_units,
		       progress_percentage, current_unit, started_at, completed_at, duration_ms,
		       error_message, updated_at
		FROM indexing_jobs
		WHERE collection_key = ?`, collectionKey).Scan(
		&j.CollectionKey, &j.RunID, &status, &j.TotalUnits, &j.IndexedUnits, &j.FailedUnits,
		&j.ProgressPercentage, &j.CurrentUnit, &startedAt, &completedAt, &j.DurationMS,
		&j.ErrorMessage, &updatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.IndexingJob{}, false, nil
		}
		return models.IndexingJob{}, false, fmt.Errorf("getting job: %w", err)
	}
	j.Status = models.JobStatus(status)
	j.StartedAt = time.Unix(0, startedAt).UTC()
	j.UpdatedAt = time.Unix(0, updatedAt).UTC()
	if completedAt.Valid {
		t := time.Unix(0, completedAt.Int64).UTC()
		j.CompletedAt = &t
	}
	return j, true, nil
}

// SaveJob writes the full job row, creating it on first use.
func (s *Store) SaveJob(ctx context.Context, j models.IndexingJob) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO indexing_jobs (
			collection_key, run_id, status, total_units, indexed_units, failed_units,
			progress_percentage, current_unit, started_at, completed_at, duration_ms,
			error_message, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(collection_key) DO UPDATE SET
			run_id = excluded.run_id,
			status = excluded.status,
			total_units = excluded.total_units,
			indexed_units = excluded.indexed_units,
			failed_units = excluded.failed_units,
			progress_percentage = excluded.progress_percentage,
			current_unit = excluded.current_unit,
			started_at = excluded.started_at,
			completed_at = excluded.completed_at,
			duration_ms = excluded.duration_ms,
			error_message = excluded.error_message,
			updated_at = excluded.updated_at
	`, j.CollectionKey, j.RunID, string(j.Status), j.TotalUnits, j.IndexedUnits, j.FailedUnits,
		j.ProgressPercentage, j.CurrentUnit, j.StartedAt.UnixNano(), nullNanos(j.CompletedAt), j.DurationMS,
		j.ErrorMessage, j.UpdatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("saving job: %w", err)
	}
	return nil
}

// DeleteJob removes the job row of a collection.
func (s *Store) DeleteJob(ctx context.Context, collectionKey string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM indexing_jobs WHERE collection_key = ?`, collectionKey); err != nil {
		return fmt.Errorf("deleting job: %w", err)
	}
	return nil
}
