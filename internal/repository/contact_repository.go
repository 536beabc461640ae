package repository

import (
	"context"
	"database/sql"
	"fmt"

	"chatrelay/internal/models"
)

type contactRepository struct {
	db *sql.DB
}

// NewContactRepository creates a new Contact repository
func NewContactRepository(db *sql.DB) ContactRepository {
	return &contactRepository{db: db}
}

const contactColumns = `
	id, phone, name, birthday_mmdd, birthday_reminder_enabled, created_at, updated_at, deleted_at
`

func scanContact(scan func(dest ...interface{}) error) (*models.Contact, error) {
	contact := &models.Contact{}
	err := scan(
		&contact.ID, &contact.Phone, &contact.Name, &contact.BirthdayMMDD,
		&contact.BirthdayReminderEnabled, &contact.CreatedAt, &contact.UpdatedAt, &contact.DeletedAt,
	)
	if err != nil {
		return nil, err
	}
	return contact, nil
}

// Create creates a new Contact
func (r *contactRepository) Create(ctx context.Context, contact *models.Contact) error {
	query := `
		INSERT INTO contacts (phone, name, birthday_mmdd, birthday_reminder_enabled)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (phone) DO UPDATE SET name = EXCLUDED.name
		RETURNING id, created_at, updated_at
	`
	err := r.db.QueryRowContext(
		ctx, query, contact.Phone, contact.Name, contact.BirthdayMMDD, contact.BirthdayReminderEnabled,
	).Scan(&contact.ID, &contact.CreatedAt, &contact.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create contact: %w", err)
	}
	return nil
}

// GetByID retrieves a Contact by id
func (r *contactRepository) GetByID(ctx context.Context, id int64) (*models.Contact, error) {
	query := `SELECT ` + contactColumns + ` FROM contacts WHERE id = $1 AND deleted_at IS NULL`
	contact, err := scanContact(r.db.QueryRowContext(ctx, query, id).Scan)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get contact: %w", err)
	}
	return contact, nil
}

// GetByPhone retrieves a Contact by phone number, the resolve-by-phone path
// the Scheduling Service uses to auto-create contacts on first reference.
func (r *contactRepository) GetByPhone(ctx context.Context, phone string) (*models.Contact, error) {
	query := `SELECT ` + contactColumns + ` FROM contacts WHERE phone = $1 AND deleted_at IS NULL`
	contact, err := scanContact(r.db.QueryRowContext(ctx, query, phone).Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get contact by phone: %w", err)
	}
	return contact, nil
}

// Update persists edits to a Contact
func (r *contactRepository) Update(ctx context.Context, contact *models.Contact) error {
	query := `
		UPDATE contacts
		SET name = $1, birthday_mmdd = $2, birthday_reminder_enabled = $3, updated_at = CURRENT_TIMESTAMP
		WHERE id = $4
	`
	result, err := r.db.ExecContext(ctx, query, contact.Name, contact.BirthdayMMDD, contact.BirthdayReminderEnabled, contact.ID)
	if err != nil {
		return fmt.Errorf("failed to update contact: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("contact not found")
	}
	return nil
}
