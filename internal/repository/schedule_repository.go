package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"chatrelay/internal/models"
)

type scheduleRepository struct {
	db *sql.DB
}

// NewScheduleRepository creates a new Schedule repository
func NewScheduleRepository(db *sql.DB) ScheduleRepository {
	return &scheduleRepository{db: db}
}

const scheduleColumns = `
	id, cron_expression, every_ms, end_date, max_occurrences, fire_count,
	template_kind, template_payload, next_run_at, created_at, updated_at
`

func scanSchedule(scan func(dest ...interface{}) error) (*models.Schedule, error) {
	schedule := &models.Schedule{}
	err := scan(
		&schedule.ID, &schedule.CronExpression, &schedule.EveryMS, &schedule.EndDate,
		&schedule.MaxOccurrences, &schedule.FireCount, &schedule.TemplateKind,
		&schedule.TemplatePayload, &schedule.NextRunAt, &schedule.CreatedAt, &schedule.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return schedule, nil
}

// Upsert creates or replaces a recurring schedule
func (r *scheduleRepository) Upsert(ctx context.Context, schedule *models.Schedule) error {
	query := `
		INSERT INTO schedules (
			id, cron_expression, every_ms, end_date, max_occurrences, fire_count,
			template_kind, template_payload, next_run_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			cron_expression = EXCLUDED.cron_expression,
			every_ms = EXCLUDED.every_ms,
			end_date = EXCLUDED.end_date,
			max_occurrences = EXCLUDED.max_occurrences,
			template_kind = EXCLUDED.template_kind,
			template_payload = EXCLUDED.template_payload,
			next_run_at = EXCLUDED.next_run_at,
			updated_at = CURRENT_TIMESTAMP
		RETURNING created_at, updated_at
	`
	err := r.db.QueryRowContext(
		ctx, query, schedule.ID, schedule.CronExpression, schedule.EveryMS, schedule.EndDate,
		schedule.MaxOccurrences, schedule.FireCount, schedule.TemplateKind,
		schedule.TemplatePayload, schedule.NextRunAt,
	).Scan(&schedule.CreatedAt, &schedule.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert schedule: %w", err)
	}
	return nil
}

// Remove deletes a schedule
func (r *scheduleRepository) Remove(ctx context.Context, id string) error {
	query := `DELETE FROM schedules WHERE id = $1`
	_, err := r.db.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("failed to remove schedule: %w", err)
	}
	return nil
}

// DueSchedules returns schedules with nextRunAt <= now
func (r *scheduleRepository) DueSchedules(ctx context.Context, now time.Time) ([]*models.Schedule, error) {
	query := `SELECT ` + scheduleColumns + ` FROM schedules WHERE next_run_at <= $1 ORDER BY next_run_at ASC`
	rows, err := r.db.QueryContext(ctx, query, now)
	if err != nil {
		return nil, fmt.Errorf("failed to list due schedules: %w", err)
	}
	defer rows.Close()

	schedules := []*models.Schedule{}
	for rows.Next() {
		schedule, err := scanSchedule(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan schedule: %w", err)
		}
		schedules = append(schedules, schedule)
	}
	return schedules, nil
}

// AdvanceNextRun bumps a schedule's nextRunAt and increments fire_count
// after it has produced a job
func (r *scheduleRepository) AdvanceNextRun(ctx context.Context, id string, nextRunAt time.Time) error {
	query := `
		UPDATE schedules
		SET next_run_at = $1, fire_count = fire_count + 1, updated_at = CURRENT_TIMESTAMP
		WHERE id = $2
	`
	_, err := r.db.ExecContext(ctx, query, nextRunAt, id)
	if err != nil {
		return fmt.Errorf("failed to advance schedule: %w", err)
	}
	return nil
}
