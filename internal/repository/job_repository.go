package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"chatrelay/internal/models"
)

type jobRepository struct {
	db *sql.DB
}

// NewJobRepository creates a new Job repository
func NewJobRepository(db *sql.DB) JobRepository {
	return &jobRepository{db: db}
}

const jobColumns = `
	id, kind, payload, run_at, status, attempts, last_error, schedule_id, created_at, updated_at
`

func scanJob(scan func(dest ...interface{}) error) (*models.Job, error) {
	job := &models.Job{}
	err := scan(
		&job.ID, &job.Kind, &job.Payload, &job.RunAt, &job.Status,
		&job.Attempts, &job.LastError, &job.ScheduleID, &job.CreatedAt, &job.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return job, nil
}

// GetByID fetches a job row by id. Returns ErrNotFound if no such job
// exists (a tombstone: evicted or never created).
func (r *jobRepository) GetByID(ctx context.Context, id string) (*models.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE id = $1`
	job, err := scanJob(r.db.QueryRowContext(ctx, query, id).Scan)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return job, nil
}

// Upsert creates or replaces a delayed job, the primitive AddDelayed and
// Reschedule both build on.
func (r *jobRepository) Upsert(ctx context.Context, job *models.Job) error {
	query := `
		INSERT INTO jobs (id, kind, payload, run_at, status, attempts, last_error, schedule_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			kind = EXCLUDED.kind,
			payload = EXCLUDED.payload,
			run_at = EXCLUDED.run_at,
			status = EXCLUDED.status,
			schedule_id = EXCLUDED.schedule_id,
			updated_at = CURRENT_TIMESTAMP
		RETURNING created_at, updated_at
	`
	err := r.db.QueryRowContext(
		ctx, query, job.ID, job.Kind, job.Payload, job.RunAt, job.Status,
		job.Attempts, job.LastError, job.ScheduleID,
	).Scan(&job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert job: %w", err)
	}
	return nil
}

// Cancel marks a pending/claimed job cancelled. A job already running or
// terminal is left untouched (ok is false).
func (r *jobRepository) Cancel(ctx context.Context, id string) (bool, error) {
	query := `
		UPDATE jobs
		SET status = 'cancelled', updated_at = CURRENT_TIMESTAMP
		WHERE id = $1 AND status IN ('pending', 'claimed')
	`
	result, err := r.db.ExecContext(ctx, query, id)
	if err != nil {
		return false, fmt.Errorf("failed to cancel job: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rows > 0, nil
}

// ClaimDue atomically claims up to limit pending jobs with run_at <= now,
// using SELECT ... FOR UPDATE SKIP LOCKED so multiple dispatch workers never
// double-claim the same row, then transitions them to claimed.
func (r *jobRepository) ClaimDue(ctx context.Context, now time.Time, limit int) ([]*models.Job, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin claim transaction: %w", err)
	}
	defer tx.Rollback()

	selectQuery := `
		SELECT id FROM jobs
		WHERE status = 'pending' AND run_at <= $1
		ORDER BY run_at ASC
		LIMIT $2
		FOR UPDATE SKIP LOCKED
	`
	rows, err := tx.QueryContext(ctx, selectQuery, now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to select due jobs: %w", err)
	}
	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan job id: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate due jobs: %w", err)
	}

	if len(ids) == 0 {
		return []*models.Job{}, nil
	}

	claimed := make([]*models.Job, 0, len(ids))
	for _, id := range ids {
		updateQuery := `
			UPDATE jobs SET status = 'claimed', updated_at = CURRENT_TIMESTAMP
			WHERE id = $1
			RETURNING ` + jobColumns
		job, err := scanJob(tx.QueryRowContext(ctx, updateQuery, id).Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to claim job %s: %w", id, err)
		}
		claimed = append(claimed, job)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit claim transaction: %w", err)
	}
	return claimed, nil
}

// MarkRunning transitions a claimed job to running
func (r *jobRepository) MarkRunning(ctx context.Context, id string) error {
	query := `UPDATE jobs SET status = 'running', updated_at = CURRENT_TIMESTAMP WHERE id = $1`
	_, err := r.db.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("failed to mark job running: %w", err)
	}
	return nil
}

// MarkCompleted transitions a job to completed
func (r *jobRepository) MarkCompleted(ctx context.Context, id string) error {
	query := `UPDATE jobs SET status = 'completed', updated_at = CURRENT_TIMESTAMP WHERE id = $1`
	_, err := r.db.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("failed to mark job completed: %w", err)
	}
	return nil
}

// MarkFailed transitions a job to failed and records the last error
func (r *jobRepository) MarkFailed(ctx context.Context, id string, reason string) error {
	query := `
		UPDATE jobs SET status = 'failed', last_error = $1, updated_at = CURRENT_TIMESTAMP
		WHERE id = $2
	`
	_, err := r.db.ExecContext(ctx, query, reason, id)
	if err != nil {
		return fmt.Errorf("failed to mark job failed: %w", err)
	}
	return nil
}

// IncrementAttempts bumps the retry counter and returns the new count
func (r *jobRepository) IncrementAttempts(ctx context.Context, id string) (int, error) {
	query := `UPDATE jobs SET attempts = attempts + 1, updated_at = CURRENT_TIMESTAMP WHERE id = $1 RETURNING attempts`
	var attempts int
	err := r.db.QueryRowContext(ctx, query, id).Scan(&attempts)
	if err != nil {
		return 0, fmt.Errorf("failed to increment job attempts: %w", err)
	}
	return attempts, nil
}

// EvictCompletedOlderThan deletes completed jobs updated before cutoff
func (r *jobRepository) EvictCompletedOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	query := `DELETE FROM jobs WHERE status = 'completed' AND updated_at < $1`
	result, err := r.db.ExecContext(ctx, query, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to evict completed jobs: %w", err)
	}
	return result.RowsAffected()
}

// EvictFailedOlderThan deletes failed jobs updated before cutoff
func (r *jobRepository) EvictFailedOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	query := `DELETE FROM jobs WHERE status = 'failed' AND updated_at < $1`
	result, err := r.db.ExecContext(ctx, query, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to evict failed jobs: %w", err)
	}
	return result.RowsAffected()
}

// RequeueWithBackoff moves a job back to pending at runAt, preserving its
// kind/payload, and records lastError. Used after a transient dispatch
// failure with attempts remaining.
func (r *jobRepository) RequeueWithBackoff(ctx context.Context, id string, runAt time.Time, lastError string) error {
	query := `
		UPDATE jobs
		SET status = 'pending', run_at = $1, last_error = $2, updated_at = CURRENT_TIMESTAMP
		WHERE id = $3
	`
	_, err := r.db.ExecContext(ctx, query, runAt, lastError, id)
	if err != nil {
		return fmt.Errorf("failed to requeue job: %w", err)
	}
	return nil
}
