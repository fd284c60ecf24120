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

// LedgerRepository tracks daily upload counts, spacing timestamps and
// idempotency keys. Every write is an insert-or-ignore or an upsert so
// concurrent workers never read-modify-write a counter.
type LedgerRepository struct {
	db *SQLiteDB
}

// NewLedgerRepository creates a new ledger repository
func NewLedgerRepository(db *SQLiteDB) *LedgerRepository {
	return &LedgerRepository{db: db}
}

// UploadsToday returns the number of uploads recorded for dest on the current day
func (r *LedgerRepository) UploadsToday(ctx context.Context, dest string) (int, error) {
	return r.UploadsOn(ctx, dest, r.db.Today())
}

// UploadsOn returns the number of uploads recorded for dest on date (YYYY-MM-DD)
func (r *LedgerRepository) UploadsOn(ctx context.Context, dest, date string) (int, error) {
	var count int
	err := r.db.db.GetContext(ctx, &count, `
		SELECT COUNT(*) FROM daily_uploads WHERE destination_id = ? AND upload_date = ?
	`, dest, date)
	if err != nil {
		return 0, fmt.Errorf("failed to count uploads: %w", err)
	}
	return count, nil
}

// RecordUpload counts rowID against dest's cap for today. Recording the same
// row twice is a no-op. When limit is positive the row is only recorded while
// the day's count is below limit. It reports whether a new record was written.
func (r *LedgerRepository) RecordUpload(ctx context.Context, dest string, rowID int64, limit int) (bool, error) {
	now := r.db.Now()
	return insertDailyUpload(ctx, r.db.db, dest, r.db.DateKey(now), rowID, now, limit)
}

func insertDailyUpload(ctx context.Context, ext sqlx.ExecerContext, dest, date string, rowID int64, at time.Time, limit int) (bool, error) {
	var (
		res sql.Result
		err error
	)
	if limit > 0 {
		res, err = ext.ExecContext(ctx, `
			INSERT OR IGNORE INTO daily_uploads (destination_id, upload_date, row_id, uploaded_at)
			SELECT ?, ?, ?, ?
			WHERE (SELECT COUNT(*) FROM daily_uploads WHERE destination_id = ? AND upload_date = ?) < ?
		`, dest, date, rowID, toMillis(at), dest, date, limit)
	} else {
		res, err = ext.ExecContext(ctx, `
			INSERT OR IGNORE INTO daily_uploads (destination_id, upload_date, row_id, uploaded_at)
			VALUES (?, ?, ?, ?)
		`, dest, date, rowID, toMillis(at))
	}
	if err != nil {
		return false, fmt.Errorf("failed to record upload: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read record result: %w", err)
	}
	return n > 0, nil
}

// ReserveOutcome is the result of a destination reservation attempt
type ReserveOutcome int

// Reservation outcomes
const (
	ReserveOK ReserveOutcome = iota
	ReserveBusy
	ReserveCapReached
)

// Reserve claims dest's upload slot for jobID. Only one job holds a
// destination at a time, and a claim is only granted while today's count is
// below dailyCap. A claim older than ttl is taken over. Re-reserving a
// destination the job already holds refreshes the claim.
func (r *LedgerRepository) Reserve(ctx context.Context, dest string, jobID int64, dailyCap int, ttl time.Duration) (ReserveOutcome, error) {
	now := r.db.Now()
	date := r.db.DateKey(now)
	res, err := r.db.db.ExecContext(ctx, `
		INSERT INTO upload_reservations (destination_id, job_id, reserved_at)
		SELECT ?, ?, ?
		WHERE (SELECT COUNT(*) FROM daily_uploads WHERE destination_id = ? AND upload_date = ?) < ?
		ON CONFLICT (destination_id) DO UPDATE SET
			job_id = excluded.job_id,
			reserved_at = excluded.reserved_at
		WHERE upload_reservations.job_id = excluded.job_id OR upload_reservations.reserved_at < ?
	`, dest, jobID, toMillis(now), dest, date, dailyCap, toMillis(now.Add(-ttl)))
	if err != nil {
		return ReserveBusy, fmt.Errorf("failed to reserve destination: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return ReserveBusy, fmt.Errorf("failed to read reservation result: %w", err)
	}
	if n > 0 {
		return ReserveOK, nil
	}

	count, err := r.UploadsOn(ctx, dest, date)
	if err != nil {
		return ReserveBusy, err
	}
	if count >= dailyCap {
		return ReserveCapReached, nil
	}
	return ReserveBusy, nil
}

// Release drops jobID's claim on dest. A claim held by another job is kept.
func (r *LedgerRepository) Release(ctx context.Context, dest string, jobID int64) error {
	return deleteReservation(ctx, r.db.db, dest, jobID)
}

func deleteReservation(ctx context.Context, ext sqlx.ExecerContext, dest string, jobID int64) error {
	_, err := ext.ExecContext(ctx, `DELETE FROM upload_reservations WHERE destination_id = ? AND job_id = ?`, dest, jobID)
	if err != nil {
		return fmt.Errorf("failed to release destination: %w", err)
	}
	return nil
}

// ReleaseStale drops claims taken before cutoff and reports how many were removed
func (r *LedgerRepository) ReleaseStale(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.db.ExecContext(ctx, `DELETE FROM upload_reservations WHERE reserved_at < ?`, toMillis(cutoff))
	if err != nil {
		return 0, fmt.Errorf("failed to release stale reservations: %w", err)
	}
	return res.RowsAffected()
}

// LastUploadTime returns the most recent successful upload to dest, or nil
func (r *LedgerRepository) LastUploadTime(ctx context.Context, dest string) (*time.Time, error) {
	var ms int64
	err := r.db.db.GetContext(ctx, &ms, `SELECT uploaded_at FROM last_upload_time WHERE destination_id = ?`, dest)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get last upload time: %w", err)
	}
	t := fromMillis(ms)
	return &t, nil
}

// SetLastUploadTime stores at as dest's latest upload unless a later one is already recorded
func (r *LedgerRepository) SetLastUploadTime(ctx context.Context, dest string, at time.Time) error {
	return upsertLastUpload(ctx, r.db.db, dest, at)
}

func upsertLastUpload(ctx context.Context, ext sqlx.ExecerContext, dest string, at time.Time) error {
	_, err := ext.ExecContext(ctx, `
		INSERT INTO last_upload_time (destination_id, uploaded_at) VALUES (?, ?)
		ON CONFLICT (destination_id) DO UPDATE SET uploaded_at = MAX(uploaded_at, excluded.uploaded_at)
	`, dest, toMillis(at))
	if err != nil {
		return fmt.Errorf("failed to set last upload time: %w", err)
	}
	return nil
}

// HasCompleted reports whether an upload with this idempotency key succeeded
func (r *LedgerRepository) HasCompleted(ctx context.Context, key string) (bool, error) {
	var exists bool
	err := r.db.db.GetContext(ctx, &exists, `SELECT EXISTS(SELECT 1 FROM idempotency_keys WHERE idem_key = ?)`, key)
	if err != nil {
		return false, fmt.Errorf("failed to check idempotency key: %w", err)
	}
	return exists, nil
}

// RecordCompleted stores key for jobID. An existing key is left unchanged.
func (r *LedgerRepository) RecordCompleted(ctx context.Context, key string, jobID int64) error {
	return insertIdempotencyKey(ctx, r.db.db, key, jobID, r.db.Now())
}

func insertIdempotencyKey(ctx context.Context, ext sqlx.ExecerContext, key string, jobID int64, at time.Time) error {
	_, err := ext.ExecContext(ctx, `
		INSERT OR IGNORE INTO idempotency_keys (idem_key, job_id, completed_at) VALUES (?, ?, ?)
	`, key, jobID, toMillis(at))
	if err != nil {
		return fmt.Errorf("failed to record idempotency key: %w", err)
	}
	return nil
}

// GetCompleted returns the record stored for key
func (r *LedgerRepository) GetCompleted(ctx context.Context, key string) (*models.IdempotencyRecord, error) {
	var row struct {
		Key         string `db:"idem_key"`
		JobID       int64  `db:"job_id"`
		CompletedAt int64  `db:"completed_at"`
	}
	err := r.db.db.GetContext(ctx, &row, `SELECT idem_key, job_id, completed_at FROM idempotency_keys WHERE idem_key = ?`, key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("idempotency key %s: %w", key, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get idempotency key: %w", err)
	}
	return &models.IdempotencyRecord{Key: row.Key, JobID: row.JobID, CompletedAt: fromMillis(row.CompletedAt)}, nil
}

// PerDestinationToday returns today's upload count for every destination with at least one upload
func (r *LedgerRepository) PerDestinationToday(ctx context.Context) (map[string]int, error) {
	var rows []struct {
		DestinationID string `db:"destination_id"`
		Count         int    `db:"cnt"`
	}
	err := r.db.db.SelectContext(ctx, &rows, `
		SELECT destination_id, COUNT(*) AS cnt FROM daily_uploads
		WHERE upload_date = ?
		GROUP BY destination_id
	`, r.db.Today())
	if err != nil {
		return nil, fmt.Errorf("failed to count uploads per destination: %w", err)
	}
	counts := make(map[string]int, len(rows))
	for _, row := range rows {
		counts[row.DestinationID] = row.Count
	}
	return counts, nil
}

// PruneBefore deletes daily records older than cutoff. Idempotency keys are
// never pruned.
func (r *LedgerRepository) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.db.ExecContext(ctx, `DELETE FROM daily_uploads WHERE upload_date < ?`, r.db.DateKey(cutoff))
	if err != nil {
		return 0, fmt.Errorf("failed to prune daily uploads: %w", err)
	}
	return res.RowsAffected()
}
