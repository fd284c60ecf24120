package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	apperrors "github.com/gravixrdp/yt-automation/internal/errors"
	"github.com/gravixrdp/yt-automation/internal/models"
)

const candidateColumns = `collection, position, row_id, status, priority_score, scraped_at,
	source_url, source_title, content_hash, dest_mapping, manual_flag, upload_attempts,
	scheduled_at, title, description, tags, hashtags, category, transform_hint, notes`

// CandidateRepository reads and updates candidate rows in Postgres
type CandidateRepository struct {
	db *PostgresDB
}

// NewCandidateRepository creates a new candidate repository
func NewCandidateRepository(db *PostgresDB) *CandidateRepository {
	return &CandidateRepository{db: db}
}

func scanCandidate(row pgx.Row) (*models.Candidate, error) {
	var c models.Candidate
	err := row.Scan(
		&c.Collection, &c.Position, &c.RowID, &c.Status, &c.PriorityScore, &c.ScrapedAt,
		&c.SourceURL, &c.SourceTitle, &c.Fingerprint, &c.DestinationID, &c.ManualFlag, &c.UploadAttempts,
		&c.ScheduledAt, &c.Title, &c.Description, &c.Tags, &c.Hashtags, &c.Category, &c.TransformHint, &c.Notes,
	)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// ReadReadyCandidates returns every READY_TO_UPLOAD row, best first
func (r *CandidateRepository) ReadReadyCandidates(ctx context.Context) ([]*models.Candidate, error) {
	query := `
		SELECT ` + candidateColumns + `
		FROM candidates
		WHERE status = $1
		ORDER BY priority_score DESC, scraped_at ASC
	`
	rows, err := r.db.pool.Query(ctx, query, models.RowReadyToUpload)
	if err != nil {
		return nil, fmt.Errorf("failed to query candidates: %w", err)
	}
	defer rows.Close()

	var candidates []*models.Candidate
	for rows.Next() {
		c, err := scanCandidate(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan candidate: %w", err)
		}
		candidates = append(candidates, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating candidates: %w", err)
	}
	return candidates, nil
}

// ReadOne returns the row at (collection, position), or nil when it does not exist
func (r *CandidateRepository) ReadOne(ctx context.Context, collection string, position int) (*models.Candidate, error) {
	query := `SELECT ` + candidateColumns + ` FROM candidates WHERE collection = $1 AND position = $2`
	c, err := scanCandidate(r.db.pool.QueryRow(ctx, query, collection, position))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read candidate: %w", err)
	}
	return c, nil
}

// UpdateStatus sets the row's status and any extra fields. When expected is
// non-empty the write only applies if the row still has that status;
// otherwise a conflict error carrying both statuses is returned.
func (r *CandidateRepository) UpdateStatus(ctx context.Context, collection string, position int, status string, fields *models.RowUpdate, expected string) error {
	if fields == nil {
		fields = &models.RowUpdate{}
	}
	var attempts *int
	if fields.UploadAttempts != nil {
		attempts = fields.UploadAttempts
	}

	query := `
		UPDATE candidates SET
			status = $3,
			upload_attempts = COALESCE($4, upload_attempts),
			uploaded_url = CASE WHEN $5 = '' THEN uploaded_url ELSE $5 END,
			error_log = CASE WHEN $6 = '' THEN error_log ELSE $6 END,
			notes = CASE WHEN $7 = '' THEN notes ELSE $7 END,
			manual_flag = CASE WHEN $8 = '' THEN manual_flag ELSE $8 END,
			last_attempt_at = NOW()
		WHERE collection = $1 AND position = $2 AND ($9 = '' OR status = $9)
	`
	tag, err := r.db.pool.Exec(ctx, query, collection, position, status, attempts,
		fields.UploadedURL, fields.ErrorLog, fields.Notes, fields.ManualFlag, expected)
	if err != nil {
		return fmt.Errorf("failed to update candidate status: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	var actual string
	err = r.db.pool.QueryRow(ctx, `SELECT status FROM candidates WHERE collection = $1 AND position = $2`, collection, position).Scan(&actual)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("candidate %s/%d: %w", collection, position, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to read candidate status: %w", err)
	}
	return apperrors.NewConflictError(expected, actual)
}

// AppendNote adds a line to the row's notes
func (r *CandidateRepository) AppendNote(ctx context.Context, collection string, position int, text string) error {
	_, err := r.db.pool.Exec(ctx, `
		UPDATE candidates
		SET notes = CASE WHEN notes = '' THEN $3 ELSE notes || E'\n' || $3 END
		WHERE collection = $1 AND position = $2
	`, collection, position, text)
	if err != nil {
		return fmt.Errorf("failed to append note: %w", err)
	}
	return nil
}

// UploadedFingerprints returns fingerprints of rows uploaded to dest since the given time
func (r *CandidateRepository) UploadedFingerprints(ctx context.Context, dest string, since time.Time) ([]string, error) {
	rows, err := r.db.pool.Query(ctx, `
		SELECT DISTINCT content_hash FROM candidates
		WHERE dest_mapping = $1 AND status = $2 AND content_hash != '' AND last_attempt_at >= $3
	`, dest, models.RowUploaded, since)
	if err != nil {
		return nil, fmt.Errorf("failed to query uploaded fingerprints: %w", err)
	}
	defer rows.Close()

	var hashes []string
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, fmt.Errorf("failed to scan fingerprint: %w", err)
		}
		hashes = append(hashes, h)
	}
	return hashes, rows.Err()
}

// ClearDestinationTags removes dest from rows that have not been uploaded yet
func (r *CandidateRepository) ClearDestinationTags(ctx context.Context, dest string) (int, error) {
	tag, err := r.db.pool.Exec(ctx, `
		UPDATE candidates SET dest_mapping = ''
		WHERE dest_mapping = $1 AND status != $2
	`, dest, models.RowUploaded)
	if err != nil {
		return 0, fmt.Errorf("failed to clear destination tags: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// DestinationRepository reads destinations and collection routing from Postgres
type DestinationRepository struct {
	db *PostgresDB
}

// NewDestinationRepository creates a new destination repository
func NewDestinationRepository(db *PostgresDB) *DestinationRepository {
	return &DestinationRepository{db: db}
}

// Mappings returns active collection -> destination routes
func (r *DestinationRepository) Mappings(ctx context.Context) (map[string]string, error) {
	rows, err := r.db.pool.Query(ctx, `
		SELECT collection, destination_id FROM destination_mappings
		WHERE active ORDER BY updated_at ASC, id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query mappings: %w", err)
	}
	defer rows.Close()

	mappings := make(map[string]string)
	for rows.Next() {
		var collection, dest string
		if err := rows.Scan(&collection, &dest); err != nil {
			return nil, fmt.Errorf("failed to scan mapping: %w", err)
		}
		// newest mapping wins
		mappings[collection] = dest
	}
	return mappings, rows.Err()
}

// Destination returns one destination by id
func (r *DestinationRepository) Destination(ctx context.Context, id string) (*models.Destination, error) {
	var d models.Destination
	err := r.db.pool.QueryRow(ctx, `
		SELECT id, platform, quota_pool, active FROM destinations WHERE id = $1
	`, id).Scan(&d.ID, &d.Platform, &d.QuotaPool, &d.Active)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("destination %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get destination: %w", err)
	}
	return &d, nil
}

// UpsertDestination inserts or updates a destination
func (r *DestinationRepository) UpsertDestination(ctx context.Context, d *models.Destination) error {
	_, err := r.db.pool.Exec(ctx, `
		INSERT INTO destinations (id, platform, quota_pool, active) VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET
			platform = EXCLUDED.platform,
			quota_pool = EXCLUDED.quota_pool,
			active = EXCLUDED.active
	`, d.ID, d.Platform, d.QuotaPool, d.Active)
	if err != nil {
		return fmt.Errorf("failed to upsert destination: %w", err)
	}
	return nil
}

// DisableMappings deactivates every active mapping that routes to dest
func (r *DestinationRepository) DisableMappings(ctx context.Context, dest string) (int, error) {
	tag, err := r.db.pool.Exec(ctx, `
		UPDATE destination_mappings SET active = FALSE, updated_at = NOW()
		WHERE destination_id = $1 AND active
	`, dest)
	if err != nil {
		return 0, fmt.Errorf("failed to disable mappings: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// RemoveDestination deletes the destination record. Removing a missing destination is not an error.
func (r *DestinationRepository) RemoveDestination(ctx context.Context, dest string) error {
	if _, err := r.db.pool.Exec(ctx, `DELETE FROM destinations WHERE id = $1`, dest); err != nil {
		return fmt.Errorf("failed to remove destination: %w", err)
	}
	return nil
}
