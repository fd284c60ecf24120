package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/gravixrdp/yt-automation/internal/models"
)

// QuotaRepository accumulates consumed units per cost pool and UTC day
type QuotaRepository struct {
	db *SQLiteDB
}

// NewQuotaRepository creates a new quota repository
func NewQuotaRepository(db *SQLiteDB) *QuotaRepository {
	return &QuotaRepository{db: db}
}

// Consume adds units to pool's usage for the current quota day
func (r *QuotaRepository) Consume(ctx context.Context, pool string, units int) error {
	return consumeQuota(ctx, r.db.db, pool, units, r.db.Now())
}

func consumeQuota(ctx context.Context, ext sqlx.ExecerContext, pool string, units int, at time.Time) error {
	_, err := ext.ExecContext(ctx, `
		INSERT INTO quota_usage (pool_id, quota_date, units_used, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT (pool_id, quota_date) DO UPDATE SET
			units_used = units_used + excluded.units_used,
			updated_at = excluded.updated_at
	`, pool, QuotaDateKey(at), units, toMillis(at))
	if err != nil {
		return fmt.Errorf("failed to consume quota: %w", err)
	}
	return nil
}

// Reserve consumes units from pool only if the day's total stays within
// budget. It reports whether the units were taken.
func (r *QuotaRepository) Reserve(ctx context.Context, pool string, units, budget int) (bool, error) {
	now := r.db.Now()
	res, err := r.db.db.ExecContext(ctx, `
		INSERT INTO quota_usage (pool_id, quota_date, units_used, updated_at)
		SELECT ?, ?, ?, ? WHERE ? <= ?
		ON CONFLICT (pool_id, quota_date) DO UPDATE SET
			units_used = units_used + excluded.units_used,
			updated_at = excluded.updated_at
		WHERE quota_usage.units_used + excluded.units_used <= ?
	`, pool, QuotaDateKey(now), units, toMillis(now), units, budget, budget)
	if err != nil {
		return false, fmt.Errorf("failed to reserve quota: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read quota reservation result: %w", err)
	}
	return n > 0, nil
}

// Release returns units reserved at to pool. Usage never drops below zero.
func (r *QuotaRepository) Release(ctx context.Context, pool string, units int, at time.Time) error {
	_, err := r.db.db.ExecContext(ctx, `
		UPDATE quota_usage SET units_used = MAX(0, units_used - ?), updated_at = ?
		WHERE pool_id = ? AND quota_date = ?
	`, units, toMillis(r.db.Now()), pool, QuotaDateKey(at))
	if err != nil {
		return fmt.Errorf("failed to release quota: %w", err)
	}
	return nil
}

// Used returns units consumed by pool during the current quota day
func (r *QuotaRepository) Used(ctx context.Context, pool string) (int, error) {
	var used int
	err := r.db.db.GetContext(ctx, &used, `
		SELECT COALESCE(SUM(units_used), 0) FROM quota_usage WHERE pool_id = ? AND quota_date = ?
	`, pool, QuotaDateKey(r.db.Now()))
	if err != nil {
		return 0, fmt.Errorf("failed to get quota usage: %w", err)
	}
	return used, nil
}

// UsageToday lists every pool's usage for the current quota day
func (r *QuotaRepository) UsageToday(ctx context.Context) ([]*models.QuotaUsage, error) {
	var rows []struct {
		PoolID    string `db:"pool_id"`
		QuotaDate string `db:"quota_date"`
		UnitsUsed int    `db:"units_used"`
		UpdatedAt int64  `db:"updated_at"`
	}
	err := r.db.db.SelectContext(ctx, &rows, `
		SELECT pool_id, quota_date, units_used, updated_at FROM quota_usage
		WHERE quota_date = ? ORDER BY pool_id
	`, QuotaDateKey(r.db.Now()))
	if err != nil {
		return nil, fmt.Errorf("failed to list quota usage: %w", err)
	}
	usage := make([]*models.QuotaUsage, 0, len(rows))
	for _, row := range rows {
		usage = append(usage, &models.QuotaUsage{
			PoolID:    row.PoolID,
			QuotaDate: row.QuotaDate,
			UnitsUsed: row.UnitsUsed,
			UpdatedAt: fromMillis(row.UpdatedAt),
		})
	}
	return usage, nil
}

// NextReset returns the start of the next quota day
func (r *QuotaRepository) NextReset() time.Time {
	return NextQuotaReset(r.db.Now())
}

// NextQuotaReset returns the UTC midnight following t
func NextQuotaReset(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d+1, 0, 0, 0, 0, time.UTC)
}

// PruneBefore deletes usage rows for quota days before cutoff
func (r *QuotaRepository) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.db.ExecContext(ctx, `DELETE FROM quota_usage WHERE quota_date < ?`, QuotaDateKey(cutoff))
	if err != nil {
		return 0, fmt.Errorf("failed to prune quota usage: %w", err)
	}
	return res.RowsAffected()
}
