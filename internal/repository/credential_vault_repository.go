package repository

import (
	"context"
	"database/sql"
	"fmt"
)

type credentialVaultRepository struct {
	db *sql.DB
}

// NewCredentialVaultRepository creates a repository over the encrypted
// key/value credential_vault table. Values are opaque ciphertext wire
// strings produced by the vault package; this repository never sees
// plaintext.
func NewCredentialVaultRepository(db *sql.DB) CredentialVaultRepository {
	return &credentialVaultRepository{db: db}
}

// Get retrieves the ciphertext stored under key
func (r *credentialVaultRepository) Get(ctx context.Context, key string) (string, bool, error) {
	query := `SELECT ciphertext FROM credential_vault WHERE key = $1`
	var ciphertext string
	err := r.db.QueryRowContext(ctx, query, key).Scan(&ciphertext)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to get credential: %w", err)
	}
	return ciphertext, true, nil
}

// Put upserts the ciphertext stored under key
func (r *credentialVaultRepository) Put(ctx context.Context, key, ciphertext string) error {
	query := `
		INSERT INTO credential_vault (key, ciphertext, updated_at)
		VALUES ($1, $2, CURRENT_TIMESTAMP)
		ON CONFLICT (key) DO UPDATE SET ciphertext = EXCLUDED.ciphertext, updated_at = CURRENT_TIMESTAMP
	`
	_, err := r.db.ExecContext(ctx, query, key, ciphertext)
	if err != nil {
		return fmt.Errorf("failed to put credential: %w", err)
	}
	return nil
}

// Delete removes the entry stored under key
func (r *credentialVaultRepository) Delete(ctx context.Context, key string) error {
	query := `DELETE FROM credential_vault WHERE key = $1`
	_, err := r.db.ExecContext(ctx, query, key)
	if err != nil {
		return fmt.Errorf("failed to delete credential: %w", err)
	}
	return nil
}

// DeleteAll wipes the entire vault table. Used by logout/de-link.
func (r *credentialVaultRepository) DeleteAll(ctx context.Context) error {
	query := `DELETE FROM credential_vault`
	_, err := r.db.ExecContext(ctx, query)
	if err != nil {
		return fmt.Errorf("failed to delete all credentials: %w", err)
	}
	return nil
}
