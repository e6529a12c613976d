package store

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/seanblong/semindex/pkg/models"
)

// GetJob loads the indexing job row for a collection.
func (s *Store) GetJob(ctx context.Context, collectionKey string) (models.IndexingJob, bool, error) {
	const q = `
      SELECT collection_key, run_id, status, total_units, indexed_units, failed_units,
             progress_percentage, current_unit, started_at, completed_at, duration_ms,
             error_message, updated_at
      FROM indexing_jobs
      WHERE collection_key = $1`
	var (
		j      models.IndexingJob
		status string
	)
	err := s.pool.QueryRow(ctx, q, collectionKey).Scan(
		&j.CollectionKey, &j.RunID, &status, &j.TotalUnits, &j.IndexedUnits, &j.FailedUnits,
		&j.ProgressPercentage, &j.CurrentUnit, &j.StartedAt, &j.CompletedAt, &j.DurationMS,
		&j.ErrorMessage, &j.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.IndexingJob{}, false, nil
		}
		return models.IndexingJob{}, false, err
	}
	j.Status = models.JobStatus(status)
	return j, true, nil
}

// SaveJob writes the full job row, creating it on first use.
func (s *Store) SaveJob(ctx context.Context, j models.IndexingJob) error {
	const q = `
		INSERT INTO indexing_jobs (
			collection_key, run_id, status, total_units, indexed_units, failed_units,
			progress_percentage, current_unit, started_at, completed_at, duration_ms,
			error_message, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		ON CONFLICT (collection_key) DO UPDATE SET
			run_id              = EXCLUDED.run_id,
			status              = EXCLUDED.status,
			total_units         = EXCLUDED.total_units,
			indexed_units       = EXCLUDED.indexed_units,
			failed_units        = EXCLUDED.failed_units,
			progress_percentage = EXCLUDED.progress_percentage,
			current_unit        = EXCLUDED.current_unit,
			started_at          = EXCLUDED.started_at,
			completed_at        = EXCLUDED.completed_at,
			duration_ms         = EXCLUDED.duration_ms,
			error_message       = EXCLUDED.error_message,
			updated_at          = EXCLUDED.updated_at;`
	_, err := s.pool.Exec(ctx, q,
		j.CollectionKey, j.RunID, string(j.Status), j.TotalUnits, j.IndexedUnits, j.FailedUnits,
		j.ProgressPercentage, j.CurrentUnit, j.StartedAt, j.CompletedAt, j.DurationMS,
		j.ErrorMessage, j.UpdatedAt,
	)
	return err
}

// DeleteJob removes the job row of a collection; used on teardown.
func (s *Store) DeleteJob(ctx context.Context, collectionKey string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM indexing_jobs WHERE collection_key = $1`, collectionKey)
	return err
}
