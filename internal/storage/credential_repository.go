package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/gravixrdp/yt-automation/internal/models"
)

type credentialRow struct {
	DestinationID string `db:"destination_id"`
	AccessToken   string `db:"access_token"`
	RefreshToken  string `db:"refresh_token"`
	ExpiresAt     int64  `db:"expires_at"`
	UpdatedAt     int64  `db:"updated_at"`
}

func (r *credentialRow) toModel() *models.Credential {
	c := &models.Credential{
		DestinationID: r.DestinationID,
		AccessToken:   r.AccessToken,
		RefreshToken:  r.RefreshToken,
		UpdatedAt:     fromMillis(r.UpdatedAt),
	}
	if r.ExpiresAt > 0 {
		c.ExpiresAt = fromMillis(r.ExpiresAt)
	}
	return c
}

// CredentialRepository stores per-destination OAuth tokens
type CredentialRepository struct {
	db *SQLiteDB
}

// NewCredentialRepository creates a new credential repository
func NewCredentialRepository(db *SQLiteDB) *CredentialRepository {
	return &CredentialRepository{db: db}
}

// Get returns the credential for dest
func (r *CredentialRepository) Get(ctx context.Context, dest string) (*models.Credential, error) {
	var row credentialRow
	err := r.db.db.GetContext(ctx, &row, `
		SELECT destination_id, access_token, refresh_token, expires_at, updated_at
		FROM credentials WHERE destination_id = ?
	`, dest)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("credential %s: %w", dest, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get credential: %w", err)
	}
	return row.toModel(), nil
}

// Save inserts or replaces a credential
func (r *CredentialRepository) Save(ctx context.Context, cred *models.Credential) error {
	var expires int64
	if !cred.ExpiresAt.IsZero() {
		expires = toMillis(cred.ExpiresAt)
	}
	_, err := r.db.db.ExecContext(ctx, `
		INSERT INTO credentials (destination_id, access_token, refresh_token, expires_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (destination_id) DO UPDATE SET
			access_token = excluded.access_token,
			refresh_token = CASE WHEN excluded.refresh_token = '' THEN refresh_token ELSE excluded.refresh_token END,
			expires_at = excluded.expires_at,
			updated_at = excluded.updated_at
	`, cred.DestinationID, cred.AccessToken, cred.RefreshToken, expires, toMillis(r.db.Now()))
	if err != nil {
		return fmt.Errorf("failed to save credential: %w", err)
	}
	return nil
}

// ExpiringBefore lists credentials whose access token expires before t
func (r *CredentialRepository) ExpiringBefore(ctx context.Context, t time.Time) ([]*models.Credential, error) {
	var rows []credentialRow
	err := r.db.db.SelectContext(ctx, &rows, `
		SELECT destination_id, access_token, refresh_token, expires_at, updated_at
		FROM credentials
		WHERE refresh_token != '' AND expires_at < ?
		ORDER BY expires_at ASC
	`, toMillis(t))
	if err != nil {
		return nil, fmt.Errorf("failed to list expiring credentials: %w", err)
	}
	creds := make([]*models.Credential, 0, len(rows))
	for i := range rows {
		creds = append(creds, rows[i].toModel())
	}
	return creds, nil
}
