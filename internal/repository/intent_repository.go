package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"chatrelay/internal/models"
)

type intentRepository struct {
	db *sql.DB
}

// NewIntentRepository creates a new Intent repository
func NewIntentRepository(db *sql.DB) IntentRepository {
	return &intentRepository{db: db}
}

// Create creates a new Intent
func (r *intentRepository) Create(ctx context.Context, intent *models.Intent) error {
	query := `
		INSERT INTO intents (
			recipient_kind, contact_id, group_id, content, media_url, media_kind,
			scheduled_at, status, recurrence_rule_id
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id, created_at, updated_at
	`

	var mediaURL, mediaKind sql.NullString
	if intent.Media != nil {
		mediaURL = sql.NullString{String: intent.Media.URL, Valid: true}
		mediaKind = sql.NullString{String: string(intent.Media.Kind), Valid: true}
	}

	err := r.db.QueryRowContext(
		ctx, query,
		intent.Recipient.Kind, intent.Recipient.ContactID, intent.Recipient.GroupID,
		intent.Content, mediaURL, mediaKind,
		intent.ScheduledAt, intent.Status, intent.RecurrenceRuleID,
	).Scan(&intent.ID, &intent.CreatedAt, &intent.UpdatedAt)

	if err != nil {
		return fmt.Errorf("failed to create intent: %w", err)
	}
	return nil
}

const intentColumns = `
	id, recipient_kind, contact_id, group_id, content, media_url, media_kind,
	scheduled_at, status, provider_message_id, sent_at, delivered_at, failed_at,
	failure_reason, attempts, recurrence_rule_id, created_at, updated_at
`

func scanIntent(scan func(dest ...interface{}) error) (*models.Intent, error) {
	intent := &models.Intent{}
	var mediaURL, mediaKind sql.NullString

	err := scan(
		&intent.ID, &intent.Recipient.Kind, &intent.Recipient.ContactID, &intent.Recipient.GroupID,
		&intent.Content, &mediaURL, &mediaKind,
		&intent.ScheduledAt, &intent.Status, &intent.ProviderMessageID, &intent.SentAt,
		&intent.DeliveredAt, &intent.FailedAt, &intent.FailureReason, &intent.Attempts,
		&intent.RecurrenceRuleID, &intent.CreatedAt, &intent.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if mediaURL.Valid && mediaKind.Valid {
		intent.Media = &models.Media{URL: mediaURL.String, Kind: models.MediaKind(mediaKind.String)}
	}
	return intent, nil
}

// FindIntent retrieves an Intent by id
func (r *intentRepository) FindIntent(ctx context.Context, id int64) (*models.Intent, error) {
	query := `SELECT ` + intentColumns + ` FROM intents WHERE id = $1`

	intent, err := scanIntent(r.db.QueryRowContext(ctx, query, id).Scan)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find intent: %w", err)
	}
	return intent, nil
}

// UpdateIntentStatus atomically transitions status on a single row,
// conditioned on the current status not already being terminal. Two
// targets carry their own condition: pending (retry from failed) applies
// to any row, and delivered applies only to a row that is sent.
// This is the "first committer wins" primitive Cancel-vs-Dispatch races on.
func (r *intentRepository) UpdateIntentStatus(ctx context.Context, id int64, newStatus models.IntentStatus, fields IntentStatusUpdate) (bool, error) {
	setClauses := []string{"status = $1", "updated_at = CURRENT_TIMESTAMP"}
	args := []interface{}{newStatus}
	pos := 2

	if fields.ProviderMessageID != nil {
		setClauses = append(setClauses, fmt.Sprintf("provider_message_id = $%d", pos))
		args = append(args, *fields.ProviderMessageID)
		pos++
	}
	if fields.SentAt != nil {
		setClauses = append(setClauses, fmt.Sprintf("sent_at = $%d", pos))
		args = append(args, *fields.SentAt)
		pos++
	}
	if fields.DeliveredAt != nil {
		setClauses = append(setClauses, fmt.Sprintf("delivered_at = $%d", pos))
		args = append(args, *fields.DeliveredAt)
		pos++
	}
	if fields.FailedAt != nil {
		setClauses = append(setClauses, fmt.Sprintf("failed_at = $%d", pos))
		args = append(args, *fields.FailedAt)
		pos++
	}
	if fields.FailureReason != nil {
		setClauses = append(setClauses, fmt.Sprintf("failure_reason = $%d", pos))
		args = append(args, *fields.FailureReason)
		pos++
	}
	if fields.ClearFailure {
		setClauses = append(setClauses, "failed_at = NULL", "failure_reason = NULL")
	}
	if fields.ResetAttempts {
		setClauses = append(setClauses, "attempts = 0")
	} else if fields.IncrementAttempts {
		setClauses = append(setClauses, "attempts = attempts + 1")
	}
	if fields.ScheduledAt != nil {
		setClauses = append(setClauses, fmt.Sprintf("scheduled_at = $%d", pos))
		args = append(args, *fields.ScheduledAt)
		pos++
	}

	query := fmt.Sprintf(`
		UPDATE intents
		SET %s
		WHERE id = $%d AND status NOT IN ('sent', 'delivered', 'failed', 'cancelled')
	`, strings.Join(setClauses, ", "), pos)
	args = append(args, id)

	// Retry and edit-of-failed operations move out of a terminal state
	// deliberately, so a move to pending carries no status filter; a
	// delivery ack promotes only a sent row.
	if newStatus == models.IntentStatusPending {
		query = fmt.Sprintf(`
			UPDATE intents
			SET %s
			WHERE id = $%d
		`, strings.Join(setClauses, ", "), pos)
	}
	if newStatus == models.IntentStatusDelivered {
		query = fmt.Sprintf(`
			UPDATE intents
			SET %s
			WHERE id = $%d AND status = 'sent'
		`, strings.Join(setClauses, ", "), pos)
	}

	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("failed to update intent status: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rows > 0, nil
}

// Update persists an edited pending Intent's content/scheduledAt/media.
func (r *intentRepository) Update(ctx context.Context, intent *models.Intent) error {
	query := `
		UPDATE intents
		SET content = $1, media_url = $2, media_kind = $3, scheduled_at = $4, updated_at = CURRENT_TIMESTAMP
		WHERE id = $5 AND status = 'pending'
	`
	var mediaURL, mediaKind sql.NullString
	if intent.Media != nil {
		mediaURL = sql.NullString{String: intent.Media.URL, Valid: true}
		mediaKind = sql.NullString{String: string(intent.Media.Kind), Valid: true}
	}

	result, err := r.db.ExecContext(ctx, query, intent.Content, mediaURL, mediaKind, intent.ScheduledAt, intent.ID)
	if err != nil {
		return fmt.Errorf("failed to update intent: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("intent not found or not pending")
	}
	return nil
}

// List retrieves Intents with filters and pagination
func (r *intentRepository) List(ctx context.Context, filters IntentFilters) ([]*models.Intent, error) {
	queryBuilder := strings.Builder{}
	queryBuilder.WriteString(`SELECT ` + intentColumns + ` FROM intents i WHERE 1=1`)

	args := []interface{}{}
	argPos := 1

	if filters.Status != nil {
		queryBuilder.WriteString(fmt.Sprintf(" AND i.status = $%d", argPos))
		args = append(args, *filters.Status)
		argPos++
	}
	if filters.ContactID != nil {
		queryBuilder.WriteString(fmt.Sprintf(" AND i.contact_id = $%d", argPos))
		args = append(args, *filters.ContactID)
		argPos++
	}
	if filters.Phone != nil {
		join := " AND i.contact_id IN (SELECT id FROM contacts WHERE phone = $%d)"
		if filters.PhoneMode == "exclude" {
			join = " AND i.contact_id NOT IN (SELECT id FROM contacts WHERE phone = $%d)"
		}
		queryBuilder.WriteString(fmt.Sprintf(join, argPos))
		args = append(args, *filters.Phone)
		argPos++
	}

	queryBuilder.WriteString(" ORDER BY i.scheduled_at ASC")

	limit := filters.Limit
	if limit <= 0 || limit > 200 {
		limit = 200
	}
	offset := filters.Offset
	if offset < 0 {
		offset = 0
	}
	queryBuilder.WriteString(fmt.Sprintf(" LIMIT $%d OFFSET $%d", argPos, argPos+1))
	args = append(args, limit, offset)

	rows, err := r.db.QueryContext(ctx, queryBuilder.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list intents: %w", err)
	}
	defer rows.Close()

	intents := []*models.Intent{}
	for rows.Next() {
		intent, err := scanIntent(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan intent: %w", err)
		}
		intents = append(intents, intent)
	}
	return intents, nil
}

// CountTerminalSuccessIn counts intents whose sentAt falls within
// [windowStart, windowEnd) and whose status is sent or delivered. Computed
// fresh from the store every call per the Rate Limiter's no-in-memory-counter
// requirement.
func (r *intentRepository) CountTerminalSuccessIn(ctx context.Context, windowStart, windowEnd time.Time) (int, error) {
	query := `
		SELECT COUNT(*) FROM intents
		WHERE status IN ('sent', 'delivered') AND sent_at >= $1 AND sent_at < $2
	`
	var count int
	err := r.db.QueryRowContext(ctx, query, windowStart, windowEnd).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count terminal-success intents: %w", err)
	}
	return count, nil
}

// ListByProviderMessageID finds intents matching a provider message id
func (r *intentRepository) ListByProviderMessageID(ctx context.Context, providerMessageID string) ([]*models.Intent, error) {
	query := `SELECT ` + intentColumns + ` FROM intents WHERE provider_message_id = $1`

	rows, err := r.db.QueryContext(ctx, query, providerMessageID)
	if err != nil {
		return nil, fmt.Errorf("failed to list intents by provider message id: %w", err)
	}
	defer rows.Close()

	intents := []*models.Intent{}
	for rows.Next() {
		intent, err := scanIntent(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan intent: %w", err)
		}
		intents = append(intents, intent)
	}
	return intents, nil
}

// DeleteTerminalOlderThan deletes terminal intents with sentAt older than
// cutoff. pending and cancelled are never swept (callers pass only
// sent/delivered/failed in statuses).
func (r *intentRepository) DeleteTerminalOlderThan(ctx context.Context, cutoff time.Time, statuses []models.IntentStatus) (int64, error) {
	if len(statuses) == 0 {
		return 0, nil
	}
	placeholders := make([]string, len(statuses))
	args := make([]interface{}, 0, len(statuses)+1)
	args = append(args, cutoff)
	for i, s := range statuses {
		placeholders[i] = fmt.Sprintf("$%d", i+2)
		args = append(args, s)
	}

	query := fmt.Sprintf(`
		DELETE FROM intents
		WHERE sent_at < $1 AND status IN (%s)
	`, strings.Join(placeholders, ", "))

	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to delete terminal intents: %w", err)
	}
	return result.RowsAffected()
}
