// Package repository is the State Store: a durable, transactional
// relational store owning the Intent, RecurrenceRule, and CredentialVault
// tables, plus the Job Runtime's job and schedule rows. Writers serialize
// through a single transaction mechanism; readers may proceed concurrently.
package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"chatrelay/internal/models"
)

// ErrNotFound is returned by single-row lookups (FindIntent, GetByID,
// ...) when no row matches. Callers use errors.Is to distinguish a
// tombstoned reference from an infrastructure failure.
var ErrNotFound = errors.New("repository: not found")

// DB is a wrapper around *sql.DB to allow passing in a transaction
type DB interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// IntentFilters narrows a List call.
type IntentFilters struct {
	Status    *models.IntentStatus
	ContactID *int64
	Phone     *string
	PhoneMode string // "include" | "exclude"
	Limit     int
	Offset    int
}

// IntentStatusUpdate carries the optional fields an UpdateIntentStatus call
// may set alongside the new status.
type IntentStatusUpdate struct {
	ProviderMessageID *string
	SentAt            *time.Time
	DeliveredAt       *time.Time
	FailedAt          *time.Time
	FailureReason     *string
	IncrementAttempts bool
	ClearFailure      bool
	ResetAttempts     bool
	ScheduledAt       *time.Time
}

// IntentRepository defines Intent data access operations
type IntentRepository interface {
	Create(ctx context.Context, intent *models.Intent) error
	FindIntent(ctx context.Context, id int64) (*models.Intent, error)
	// UpdateIntentStatus atomically transitions status on a single row,
	// conditioned on the row not already being in a terminal status
	// (first-committer-wins); a move to pending applies to any row and a
	// move to delivered only to a sent row. ok is false if no row matched.
	UpdateIntentStatus(ctx context.Context, id int64, newStatus models.IntentStatus, fields IntentStatusUpdate) (ok bool, err error)
	Update(ctx context.Context, intent *models.Intent) error
	List(ctx context.Context, filters IntentFilters) ([]*models.Intent, error)
	// CountTerminalSuccessIn counts intents with sentAt in [windowStart,
	// windowEnd) and status in {sent, delivered}. Used by the Rate Limiter.
	CountTerminalSuccessIn(ctx context.Context, windowStart, windowEnd time.Time) (int, error)
	// ListByProviderMessageID finds intents matching a provider message id.
	// Used by the Delivery Listener.
	ListByProviderMessageID(ctx context.Context, providerMessageID string) ([]*models.Intent, error)
	// DeleteTerminalOlderThan deletes terminal intents with sentAt older
	// than cutoff. Used by the Retention Sweeper. Returns rows deleted.
	DeleteTerminalOlderThan(ctx context.Context, cutoff time.Time, statuses []models.IntentStatus) (int64, error)
}

// RecurrenceRuleRepository defines RecurrenceRule data access operations
type RecurrenceRuleRepository interface {
	Create(ctx context.Context, rule *models.RecurrenceRule) error
	GetByID(ctx context.Context, id int64) (*models.RecurrenceRule, error)
	Update(ctx context.Context, rule *models.RecurrenceRule) error
	List(ctx context.Context, contactID *int64, kind *models.RecurrenceKind) ([]*models.RecurrenceRule, error)
	// GetBirthdayRuleForContact returns the at-most-one birthday rule for a
	// contact, or nil if none exists.
	GetBirthdayRuleForContact(ctx context.Context, contactID int64) (*models.RecurrenceRule, error)
	Disable(ctx context.Context, id int64) error
	// RecordFiring atomically increments occurrenceCount, sets
	// lastFiredAt, and auto-disables when maxOccurrences is reached.
	RecordFiring(ctx context.Context, id int64, at time.Time) error
}

// CredentialVaultRepository is the typed CredentialVaultTable:
// key/value of {"creds"} union {"<category>-<id>"}
type CredentialVaultRepository interface {
	Get(ctx context.Context, key string) (ciphertext string, ok bool, err error)
	Put(ctx context.Context, key, ciphertext string) error
	Delete(ctx context.Context, key string) error
	DeleteAll(ctx context.Context) error
}

// ContactRepository defines Contact data access operations for the default
// Postgres-backed ContactStore
type ContactRepository interface {
	Create(ctx context.Context, contact *models.Contact) error
	GetByID(ctx context.Context, id int64) (*models.Contact, error)
	GetByPhone(ctx context.Context, phone string) (*models.Contact, error)
	Update(ctx context.Context, contact *models.Contact) error
}

// JobRepository backs the Job Runtime's delayed-job persistence
type JobRepository interface {
	// GetByID fetches a job row by id, ErrNotFound if absent.
	GetByID(ctx context.Context, id string) (*models.Job, error)
	Upsert(ctx context.Context, job *models.Job) error
	Cancel(ctx context.Context, id string) (ok bool, err error)
	// ClaimDue atomically claims up to limit pending jobs with run_at <=
	// now, transitioning them to claimed, and returns them.
	ClaimDue(ctx context.Context, now time.Time, limit int) ([]*models.Job, error)
	MarkRunning(ctx context.Context, id string) error
	MarkCompleted(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id string, reason string) error
	IncrementAttempts(ctx context.Context, id string) (attempts int, err error)
	// RequeueWithBackoff moves a job back to pending at a later runAt,
	// preserving its kind/payload, for retry after a transient failure.
	RequeueWithBackoff(ctx context.Context, id string, runAt time.Time, lastError string) error
	EvictCompletedOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
	EvictFailedOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// ScheduleRepository backs the Job Runtime's recurring-schedule persistence
type ScheduleRepository interface {
	Upsert(ctx context.Context, schedule *models.Schedule) error
	Remove(ctx context.Context, id string) error
	// DueSchedules returns schedules with nextRunAt <= now.
	DueSchedules(ctx context.Context, now time.Time) ([]*models.Schedule, error)
	AdvanceNextRun(ctx context.Context, id string, nextRunAt time.Time) error
}
