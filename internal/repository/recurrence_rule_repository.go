package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"chatrelay/internal/models"
)

type recurrenceRuleRepository struct {
	db *sql.DB
}

// NewRecurrenceRuleRepository creates a new RecurrenceRule repository
func NewRecurrenceRuleRepository(db *sql.DB) RecurrenceRuleRepository {
	return &recurrenceRuleRepository{db: db}
}

const recurrenceRuleColumns = `
	id, contact_id, kind, content, media_url, media_kind, cron_expression,
	every_n_days, end_date, max_occurrences, occurrence_count, enabled,
	last_fired_at, created_at, updated_at
`

func scanRecurrenceRule(scan func(dest ...interface{}) error) (*models.RecurrenceRule, error) {
	rule := &models.RecurrenceRule{}
	var mediaURL, mediaKind sql.NullString

	err := scan(
		&rule.ID, &rule.ContactID, &rule.Kind, &rule.Content, &mediaURL, &mediaKind,
		&rule.CronExpression, &rule.EveryNDays, &rule.EndDate, &rule.MaxOccurrences,
		&rule.OccurrenceCount, &rule.Enabled, &rule.LastFiredAt, &rule.CreatedAt, &rule.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if mediaURL.Valid && mediaKind.Valid {
		rule.Media = &models.Media{URL: mediaURL.String, Kind: models.MediaKind(mediaKind.String)}
	}
	return rule, nil
}

// Create creates a new RecurrenceRule
func (r *recurrenceRuleRepository) Create(ctx context.Context, rule *models.RecurrenceRule) error {
	query := `
		INSERT INTO recurrence_rules (
			contact_id, kind, content, media_url, media_kind, cron_expression,
			every_n_days, end_date, max_occurrences, occurrence_count, enabled
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id, created_at, updated_at
	`
	var mediaURL, mediaKind sql.NullString
	if rule.Media != nil {
		mediaURL = sql.NullString{String: rule.Media.URL, Valid: true}
		mediaKind = sql.NullString{String: string(rule.Media.Kind), Valid: true}
	}

	err := r.db.QueryRowContext(
		ctx, query,
		rule.ContactID, rule.Kind, rule.Content, mediaURL, mediaKind, rule.CronExpression,
		rule.EveryNDays, rule.EndDate, rule.MaxOccurrences, rule.OccurrenceCount, rule.Enabled,
	).Scan(&rule.ID, &rule.CreatedAt, &rule.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create recurrence rule: %w", err)
	}
	return nil
}

// GetByID retrieves a RecurrenceRule by id
func (r *recurrenceRuleRepository) GetByID(ctx context.Context, id int64) (*models.RecurrenceRule, error) {
	query := `SELECT ` + recurrenceRuleColumns + ` FROM recurrence_rules WHERE id = $1`
	rule, err := scanRecurrenceRule(r.db.QueryRowContext(ctx, query, id).Scan)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get recurrence rule: %w", err)
	}
	return rule, nil
}

// Update persists edits to a RecurrenceRule
func (r *recurrenceRuleRepository) Update(ctx context.Context, rule *models.RecurrenceRule) error {
	query := `
		UPDATE recurrence_rules
		SET content = $1, media_url = $2, media_kind = $3, cron_expression = $4,
		    every_n_days = $5, end_date = $6, max_occurrences = $7, enabled = $8,
		    updated_at = CURRENT_TIMESTAMP
		WHERE id = $9
	`
	var mediaURL, mediaKind sql.NullString
	if rule.Media != nil {
		mediaURL = sql.NullString{String: rule.Media.URL, Valid: true}
		mediaKind = sql.NullString{String: string(rule.Media.Kind), Valid: true}
	}

	result, err := r.db.ExecContext(
		ctx, query,
		rule.Content, mediaURL, mediaKind, rule.CronExpression,
		rule.EveryNDays, rule.EndDate, rule.MaxOccurrences, rule.Enabled, rule.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update recurrence rule: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("recurrence rule not found")
	}
	return nil
}

// List retrieves RecurrenceRules, optionally filtered by contact and kind
func (r *recurrenceRuleRepository) List(ctx context.Context, contactID *int64, kind *models.RecurrenceKind) ([]*models.RecurrenceRule, error) {
	queryBuilder := strings.Builder{}
	queryBuilder.WriteString(`SELECT ` + recurrenceRuleColumns + ` FROM recurrence_rules WHERE 1=1`)

	args := []interface{}{}
	argPos := 1

	if contactID != nil {
		queryBuilder.WriteString(fmt.Sprintf(" AND contact_id = $%d", argPos))
		args = append(args, *contactID)
		argPos++
	}
	if kind != nil {
		queryBuilder.WriteString(fmt.Sprintf(" AND kind = $%d", argPos))
		args = append(args, *kind)
		argPos++
	}
	queryBuilder.WriteString(" ORDER BY id ASC")

	rows, err := r.db.QueryContext(ctx, queryBuilder.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list recurrence rules: %w", err)
	}
	defer rows.Close()

	rules := []*models.RecurrenceRule{}
	for rows.Next() {
		rule, err := scanRecurrenceRule(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan recurrence rule: %w", err)
		}
		rules = append(rules, rule)
	}
	return rules, nil
}

// GetBirthdayRuleForContact returns the at-most-one birthday rule for a contact
func (r *recurrenceRuleRepository) GetBirthdayRuleForContact(ctx context.Context, contactID int64) (*models.RecurrenceRule, error) {
	query := `SELECT ` + recurrenceRuleColumns + ` FROM recurrence_rules WHERE contact_id = $1 AND kind = 'birthday' LIMIT 1`
	rule, err := scanRecurrenceRule(r.db.QueryRowContext(ctx, query, contactID).Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get birthday rule: %w", err)
	}
	return rule, nil
}

// Disable turns off a RecurrenceRule
func (r *recurrenceRuleRepository) Disable(ctx context.Context, id int64) error {
	query := `UPDATE recurrence_rules SET enabled = false, updated_at = CURRENT_TIMESTAMP WHERE id = $1`
	_, err := r.db.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("failed to disable recurrence rule: %w", err)
	}
	return nil
}

// RecordFiring atomically increments occurrenceCount, sets lastFiredAt, and
// auto-disables when maxOccurrences is reached.
func (r *recurrenceRuleRepository) RecordFiring(ctx context.Context, id int64, at time.Time) error {
	query := `
		UPDATE recurrence_rules
		SET occurrence_count = occurrence_count + 1,
		    last_fired_at = $1,
		    updated_at = CURRENT_TIMESTAMP,
		    enabled = CASE
		        WHEN max_occurrences IS NOT NULL AND occurrence_count + 1 >= max_occurrences THEN false
		        ELSE enabled
		    END
		WHERE id = $2
	`
	_, err := r.db.ExecContext(ctx, query, at, id)
	if err != nil {
		return fmt.Errorf("failed to record recurrence rule firing: %w", err)
	}
	return nil
}
