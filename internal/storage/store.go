package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/gravixrdp/yt-automation/internal/models"
	"github.com/gravixrdp/yt-automation/internal/retry"
)

// Store is the job store: every persisted queue, ledger and quota mutation
// goes through one of its repositories.
type Store struct {
	db          *SQLiteDB
	Jobs        *UploadJobRepository
	Ledger      *LedgerRepository
	Quota       *QuotaRepository
	Cleanup     *CleanupJobRepository
	Credentials *CredentialRepository
}

// NewStore builds the repositories over db. backoff schedules retryable job failures.
func NewStore(db *SQLiteDB, backoff *retry.RetryConfig) *Store {
	if backoff == nil {
		backoff = retry.JobBackoff(2*time.Minute, 3)
	}
	return &Store{
		db:          db,
		Jobs:        NewUploadJobRepository(db, backoff),
		Ledger:      NewLedgerRepository(db),
		Quota:       NewQuotaRepository(db),
		Cleanup:     NewCleanupJobRepository(db),
		Credentials: NewCredentialRepository(db),
	}
}

// DB returns the underlying store connection
func (s *Store) DB() *SQLiteDB {
	return s.db
}

// Now returns the store's clock reading
func (s *Store) Now() time.Time {
	return s.db.Now()
}

// Close closes the store
func (s *Store) Close() error {
	return s.db.Close()
}

// CompleteUpload records a confirmed upload in one transaction: the job
// becomes COMPLETED, the row is counted against today's cap, the destination's
// last upload time advances, its reservation is released, the idempotency key
// is stored and quota units are consumed.
func (s *Store) CompleteUpload(ctx context.Context, rec *models.CompletionRecord) error {
	at := rec.CompletedAt
	if at.IsZero() {
		at = s.db.Now()
	}
	return s.db.inTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE upload_jobs
			SET status = 'COMPLETED', next_attempt_after = NULL, last_error = '', updated_at = ?
			WHERE id = ?
		`, toMillis(at), rec.JobID)
		if err != nil {
			return fmt.Errorf("failed to mark job completed: %w", err)
		}
		if err := expectOneRow(res, rec.JobID); err != nil {
			return err
		}

		if rec.DestinationID != "" {
			if _, err := insertDailyUpload(ctx, tx, rec.DestinationID, s.db.DateKey(at), rec.RowID, at, 0); err != nil {
				return err
			}
			if err := upsertLastUpload(ctx, tx, rec.DestinationID, at); err != nil {
				return err
			}
			if err := deleteReservation(ctx, tx, rec.DestinationID, rec.JobID); err != nil {
				return err
			}
		}
		if rec.IdempotencyKey != "" {
			if err := insertIdempotencyKey(ctx, tx, rec.IdempotencyKey, rec.JobID, at); err != nil {
				return err
			}
		}
		if rec.QuotaPool != "" && rec.QuotaUnits > 0 {
			if err := consumeQuota(ctx, tx, rec.QuotaPool, rec.QuotaUnits, at); err != nil {
				return err
			}
		}
		return nil
	})
}

// Stats returns job counts per status, today's uploads and recent cleanup jobs
func (s *Store) Stats(ctx context.Context) (*models.QueueStats, error) {
	counts, err := s.Jobs.CountByStatus(ctx)
	if err != nil {
		return nil, err
	}
	perDest, err := s.Ledger.PerDestinationToday(ctx)
	if err != nil {
		return nil, err
	}
	cleanup, err := s.Cleanup.List(ctx, 10)
	if err != nil {
		return nil, err
	}

	stats := &models.QueueStats{
		ByStatus:     counts,
		PerDestToday: perDest,
		Cleanup:      cleanup,
		GeneratedAt:  s.db.Now(),
	}
	for _, n := range counts {
		stats.Total += n
	}
	for _, n := range perDest {
		stats.UploadedToday += n
	}
	return stats, nil
}

// PruneResult counts rows deleted by PruneOldRecords
type PruneResult struct {
	Jobs         int64
	DailyUploads int64
	QuotaUsage   int64
}

// PruneOldRecords deletes terminal jobs and ledger rows older than days
func (s *Store) PruneOldRecords(ctx context.Context, days int) (*PruneResult, error) {
	if days <= 0 {
		return &PruneResult{}, nil
	}
	cutoff := s.db.Now().AddDate(0, 0, -days)

	var (
		result PruneResult
		err    error
	)
	if result.Jobs, err = s.Jobs.PruneTerminal(ctx, cutoff); err != nil {
		return nil, err
	}
	if result.DailyUploads, err = s.Ledger.PruneBefore(ctx, cutoff); err != nil {
		return nil, err
	}
	if result.QuotaUsage, err = s.Quota.PruneBefore(ctx, cutoff); err != nil {
		return nil, err
	}
	return &result, nil
}
