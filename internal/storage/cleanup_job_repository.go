package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/gravixrdp/yt-automation/internal/models"
)

const cleanupJobColumns = `id, destination_id, status, attempt_count, next_attempt_after, last_error,
	rows_cleared_total, mappings_disabled_total, queue_canceled_total, remove_destination_after,
	created_at, updated_at`

type cleanupJobRow struct {
	ID                     int64         `db:"id"`
	DestinationID          string        `db:"destination_id"`
	Status                 string        `db:"status"`
	AttemptCount           int           `db:"attempt_count"`
	NextAttemptAfter       sql.NullInt64 `db:"next_attempt_after"`
	LastError              string        `db:"last_error"`
	RowsClearedTotal       int           `db:"rows_cleared_total"`
	MappingsDisabledTotal  int           `db:"mappings_disabled_total"`
	QueueCanceledTotal     int           `db:"queue_canceled_total"`
	RemoveDestinationAfter bool          `db:"remove_destination_after"`
	CreatedAt              int64         `db:"created_at"`
	UpdatedAt              int64         `db:"updated_at"`
}

func (r *cleanupJobRow) toModel() *models.DestinationCleanupJob {
	return &models.DestinationCleanupJob{
		ID:                     r.ID,
		DestinationID:          r.DestinationID,
		Status:                 models.JobStatus(r.Status),
		AttemptCount:           r.AttemptCount,
		NextAttemptAfter:       fromNullMillis(r.NextAttemptAfter),
		LastError:              r.LastError,
		RowsClearedTotal:       r.RowsClearedTotal,
		MappingsDisabledTotal:  r.MappingsDisabledTotal,
		QueueCanceledTotal:     r.QueueCanceledTotal,
		RemoveDestinationAfter: r.RemoveDestinationAfter,
		CreatedAt:              fromMillis(r.CreatedAt),
		UpdatedAt:              fromMillis(r.UpdatedAt),
	}
}

// CleanupJobRepository persists destination cleanup jobs
type CleanupJobRepository struct {
	db *SQLiteDB
}

// NewCleanupJobRepository creates a new cleanup job repository
func NewCleanupJobRepository(db *SQLiteDB) *CleanupJobRepository {
	return &CleanupJobRepository{db: db}
}

// Enqueue creates a QUEUED cleanup job for dest unless one is already active.
// It reports whether a job was created.
func (r *CleanupJobRepository) Enqueue(ctx context.Context, dest string, removeDestination bool) (bool, error) {
	now := toMillis(r.db.Now())
	res, err := r.db.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO destination_cleanup_jobs (
			destination_id, status, attempt_count, remove_destination_after, created_at, updated_at
		)
		SELECT ?, 'QUEUED', 0, ?, ?, ?
		WHERE NOT EXISTS (
			SELECT 1 FROM destination_cleanup_jobs
			WHERE destination_id = ? AND status IN ('QUEUED', 'IN_PROGRESS')
		)
	`, dest, removeDestination, now, now, dest)
	if err != nil {
		return false, fmt.Errorf("failed to enqueue cleanup job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read enqueue result: %w", err)
	}
	return n > 0, nil
}

// NextDue returns the oldest due QUEUED cleanup job, or nil when none is due
func (r *CleanupJobRepository) NextDue(ctx context.Context) (*models.DestinationCleanupJob, error) {
	var row cleanupJobRow
	err := r.db.db.GetContext(ctx, &row, `
		SELECT `+cleanupJobColumns+`
		FROM destination_cleanup_jobs
		WHERE status = 'QUEUED' AND (next_attempt_after IS NULL OR next_attempt_after <= ?)
		ORDER BY created_at ASC, id ASC
		LIMIT 1
	`, toMillis(r.db.Now()))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get next cleanup job: %w", err)
	}
	return row.toModel(), nil
}

// GetByID retrieves a cleanup job by id
func (r *CleanupJobRepository) GetByID(ctx context.Context, id int64) (*models.DestinationCleanupJob, error) {
	var row cleanupJobRow
	err := r.db.db.GetContext(ctx, &row, `SELECT `+cleanupJobColumns+` FROM destination_cleanup_jobs WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("cleanup job %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get cleanup job: %w", err)
	}
	return row.toModel(), nil
}

// List returns the most recently updated cleanup jobs
func (r *CleanupJobRepository) List(ctx context.Context, limit int) ([]*models.DestinationCleanupJob, error) {
	if limit <= 0 {
		limit = 20
	}
	var rows []cleanupJobRow
	err := r.db.db.SelectContext(ctx, &rows, `
		SELECT `+cleanupJobColumns+` FROM destination_cleanup_jobs
		ORDER BY updated_at DESC, id DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list cleanup jobs: %w", err)
	}
	jobs := make([]*models.DestinationCleanupJob, 0, len(rows))
	for i := range rows {
		jobs = append(jobs, rows[i].toModel())
	}
	return jobs, nil
}

// MarkInProgress claims a QUEUED cleanup job and counts the attempt
func (r *CleanupJobRepository) MarkInProgress(ctx context.Context, id int64) error {
	res, err := r.db.db.ExecContext(ctx, `
		UPDATE destination_cleanup_jobs
		SET status = 'IN_PROGRESS', attempt_count = attempt_count + 1, updated_at = ?
		WHERE id = ? AND status = 'QUEUED'
	`, toMillis(r.db.Now()), id)
	if err != nil {
		return fmt.Errorf("failed to claim cleanup job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read claim result: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("cleanup job %d: %w", id, ErrUnexpectedStatus)
	}
	return nil
}

// Complete finishes a cleanup job, adding the final attempt's progress
func (r *CleanupJobRepository) Complete(ctx context.Context, id int64, progress models.CleanupProgress) error {
	return r.finish(ctx, id, models.StatusCompleted, nil, "", progress)
}

// Reschedule returns a cleanup job to QUEUED at next, keeping partial progress
func (r *CleanupJobRepository) Reschedule(ctx context.Context, id int64, next time.Time, errMsg string, progress models.CleanupProgress) error {
	return r.finish(ctx, id, models.StatusQueued, &next, errMsg, progress)
}

// Fail marks a cleanup job terminally FAILED, keeping partial progress
func (r *CleanupJobRepository) Fail(ctx context.Context, id int64, errMsg string, progress models.CleanupProgress) error {
	return r.finish(ctx, id, models.StatusFailed, nil, errMsg, progress)
}

// finish adds progress to the cumulative counters. Counters only grow.
func (r *CleanupJobRepository) finish(ctx context.Context, id int64, status models.JobStatus, next *time.Time, errMsg string, progress models.CleanupProgress) error {
	return r.db.inTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE destination_cleanup_jobs
			SET status = ?,
				next_attempt_after = ?,
				last_error = ?,
				rows_cleared_total = rows_cleared_total + ?,
				mappings_disabled_total = mappings_disabled_total + ?,
				queue_canceled_total = queue_canceled_total + ?,
				updated_at = ?
			WHERE id = ?
		`, string(status), nullMillis(next), truncateError(errMsg),
			max(progress.RowsCleared, 0), max(progress.MappingsDisabled, 0), max(progress.QueueCanceled, 0),
			toMillis(r.db.Now()), id)
		if err != nil {
			return fmt.Errorf("failed to update cleanup job: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to read update result: %w", err)
		}
		if n == 0 {
			return fmt.Errorf("cleanup job %d: %w", id, ErrNotFound)
		}
		return nil
	})
}

// ResetStale returns IN_PROGRESS cleanup jobs untouched for longer than window to QUEUED
func (r *CleanupJobRepository) ResetStale(ctx context.Context, window time.Duration) (int64, error) {
	now := r.db.Now()
	res, err := r.db.db.ExecContext(ctx, `
		UPDATE destination_cleanup_jobs
		SET status = 'QUEUED', next_attempt_after = NULL, updated_at = ?
		WHERE status = 'IN_PROGRESS' AND updated_at < ?
	`, toMillis(now), toMillis(now.Add(-window)))
	if err != nil {
		return 0, fmt.Errorf("failed to reset stale cleanup jobs: %w", err)
	}
	return res.RowsAffected()
}
