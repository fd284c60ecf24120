package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/jmoiron/sqlx"

	"github.com/gravixrdp/yt-automation/internal/models"
	"github.com/gravixrdp/yt-automation/internal/retry"
)

var (
	// ErrNotFound is returned when a row does not exist
	ErrNotFound = errors.New("not found")
	// ErrUnexpectedStatus is returned when a guarded transition finds the row in another status
	ErrUnexpectedStatus = errors.New("job is not in the expected status")
)

// DestRemovedError is the last_error written when a destination's jobs are canceled
const DestRemovedError = "dest_removed"

const uploadJobColumns = `id, source_collection, source_position, row_id, priority_score, candidate_at,
	destination_id, status, retry_count, next_attempt_after, last_error, created_at, updated_at`

type uploadJobRow struct {
	ID               int64         `db:"id"`
	SourceCollection string        `db:"source_collection"`
	SourcePosition   int           `db:"source_position"`
	RowID            int64         `db:"row_id"`
	PriorityScore    int           `db:"priority_score"`
	CandidateAt      int64         `db:"candidate_at"`
	DestinationID    string        `db:"destination_id"`
	Status           string        `db:"status"`
	RetryCount       int           `db:"retry_count"`
	NextAttemptAfter sql.NullInt64 `db:"next_attempt_after"`
	LastError        string        `db:"last_error"`
	CreatedAt        int64         `db:"created_at"`
	UpdatedAt        int64         `db:"updated_at"`
}

func (r *uploadJobRow) toModel() *models.UploadJob {
	return &models.UploadJob{
		ID:               r.ID,
		SourceCollection: r.SourceCollection,
		SourcePosition:   r.SourcePosition,
		RowID:            r.RowID,
		PriorityScore:    r.PriorityScore,
		CandidateAt:      fromMillis(r.CandidateAt),
		DestinationID:    r.DestinationID,
		Status:           models.JobStatus(r.Status),
		RetryCount:       r.RetryCount,
		NextAttemptAfter: fromNullMillis(r.NextAttemptAfter),
		LastError:        r.LastError,
		CreatedAt:        fromMillis(r.CreatedAt),
		UpdatedAt:        fromMillis(r.UpdatedAt),
	}
}

func rowsToJobs(rows []uploadJobRow) []*models.UploadJob {
	jobs := make([]*models.UploadJob, 0, len(rows))
	for i := range rows {
		jobs = append(jobs, rows[i].toModel())
	}
	return jobs
}

// UploadJobRepository handles upload queue persistence
type UploadJobRepository struct {
	db      *SQLiteDB
	backoff *retry.RetryConfig
}

// NewUploadJobRepository creates a new upload job repository. backoff
// computes next_attempt_after for retryable failures.
func NewUploadJobRepository(db *SQLiteDB, backoff *retry.RetryConfig) *UploadJobRepository {
	return &UploadJobRepository{db: db, backoff: backoff}
}

// Enqueue inserts a QUEUED job. It returns false when a job for the same
// (collection, row id) already exists.
func (r *UploadJobRepository) Enqueue(ctx context.Context, job *models.NewJob) (bool, error) {
	now := toMillis(r.db.Now())
	query := `
		INSERT INTO upload_jobs (
			source_collection, source_position, row_id, priority_score, candidate_at,
			destination_id, status, retry_count, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, 'QUEUED', 0, ?, ?)
		ON CONFLICT (source_collection, row_id) DO NOTHING
	`
	res, err := r.db.db.ExecContext(ctx, query,
		job.SourceCollection, job.SourcePosition, job.RowID, job.PriorityScore,
		toMillis(job.CandidateAt), job.DestinationID, now, now,
	)
	if err != nil {
		return false, fmt.Errorf("failed to enqueue job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read enqueue result: %w", err)
	}
	return n > 0, nil
}

// NextDueJobs returns up to limit QUEUED jobs that are due, highest priority
// first and oldest candidate first among equals.
func (r *UploadJobRepository) NextDueJobs(ctx context.Context, limit int) ([]*models.UploadJob, error) {
	query := `
		SELECT ` + uploadJobColumns + `
		FROM upload_jobs
		WHERE status = 'QUEUED'
		  AND (next_attempt_after IS NULL OR next_attempt_after <= ?)
		ORDER BY priority_score DESC, candidate_at ASC, id ASC
		LIMIT ?
	`
	var rows []uploadJobRow
	if err := r.db.db.SelectContext(ctx, &rows, query, toMillis(r.db.Now()), limit); err != nil {
		return nil, fmt.Errorf("failed to query due jobs: %w", err)
	}
	return rowsToJobs(rows), nil
}

// GetByID retrieves a job by id
func (r *UploadJobRepository) GetByID(ctx context.Context, id int64) (*models.UploadJob, error) {
	return getJob(ctx, r.db.db, id)
}

func getJob(ctx context.Context, q sqlx.QueryerContext, id int64) (*models.UploadJob, error) {
	var row uploadJobRow
	err := sqlx.GetContext(ctx, q, &row, `SELECT `+uploadJobColumns+` FROM upload_jobs WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("job %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return row.toModel(), nil
}

// List returns jobs filtered by status (all when empty), most recently updated first
func (r *UploadJobRepository) List(ctx context.Context, status models.JobStatus, limit int) ([]*models.UploadJob, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + uploadJobColumns + ` FROM upload_jobs`
	args := []interface{}{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY updated_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	var rows []uploadJobRow
	if err := r.db.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	return rowsToJobs(rows), nil
}

// MarkInProgress claims a QUEUED job. A job in any other status returns
// ErrUnexpectedStatus so two dispatchers cannot run the same job.
func (r *UploadJobRepository) MarkInProgress(ctx context.Context, id int64) error {
	return r.transition(ctx, id, models.StatusQueued, models.StatusInProgress)
}

// MarkCompleted sets a job COMPLETED unconditionally
func (r *UploadJobRepository) MarkCompleted(ctx context.Context, id int64) error {
	res, err := r.db.db.ExecContext(ctx, `
		UPDATE upload_jobs
		SET status = 'COMPLETED', next_attempt_after = NULL, last_error = '', updated_at = ?
		WHERE id = ?
	`, toMillis(r.db.Now()), id)
	if err != nil {
		return fmt.Errorf("failed to mark job completed: %w", err)
	}
	return expectOneRow(res, id)
}

func (r *UploadJobRepository) transition(ctx context.Context, id int64, from, to models.JobStatus) error {
	res, err := r.db.db.ExecContext(ctx, `
		UPDATE upload_jobs SET status = ?, updated_at = ?
		WHERE id = ? AND status = ?
	`, string(to), toMillis(r.db.Now()), id, string(from))
	if err != nil {
		return fmt.Errorf("failed to update job status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read update result: %w", err)
	}
	if n == 0 {
		if _, err := r.GetByID(ctx, id); err != nil {
			return err
		}
		return fmt.Errorf("job %d %s -> %s: %w", id, from, to, ErrUnexpectedStatus)
	}
	return nil
}

// MarkFailed records a failure. retry_count is incremented; below maxRetries
// the job is re-queued after an exponential backoff, otherwise it becomes
// FAILED. Completed jobs and jobs canceled for a removed destination are left
// untouched.
func (r *UploadJobRepository) MarkFailed(ctx context.Context, id int64, errMsg string, maxRetries int) (*models.FailOutcome, error) {
	var outcome *models.FailOutcome
	err := r.db.inTx(ctx, func(tx *sqlx.Tx) error {
		job, err := getJob(ctx, tx, id)
		if err != nil {
			return err
		}
		if job.Status == models.StatusCompleted || isCanceled(job) {
			outcome = &models.FailOutcome{JobID: id, RetryCount: job.RetryCount, Status: job.Status}
			return nil
		}

		now := r.db.Now()
		retryCount := job.RetryCount + 1
		outcome = &models.FailOutcome{JobID: id, RetryCount: retryCount}
		var next sql.NullInt64
		if retryCount < maxRetries {
			at := now.Add(r.backoff.Delay(retryCount))
			next = nullMillis(&at)
			outcome.Status = models.StatusQueued
			outcome.NextAttemptAfter = &at
		} else {
			outcome.Status = models.StatusFailed
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE upload_jobs
			SET status = ?, retry_count = ?, next_attempt_after = ?, last_error = ?, updated_at = ?
			WHERE id = ?
		`, string(outcome.Status), retryCount, next, truncateError(errMsg), toMillis(now), id)
		if err != nil {
			return fmt.Errorf("failed to mark job failed: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return outcome, nil
}

// RequeueAt defers a QUEUED or IN_PROGRESS job until at without touching retry_count
func (r *UploadJobRepository) RequeueAt(ctx context.Context, id int64, at time.Time, reason string) error {
	res, err := r.db.db.ExecContext(ctx, `
		UPDATE upload_jobs
		SET status = 'QUEUED', next_attempt_after = ?, last_error = ?, updated_at = ?
		WHERE id = ? AND status IN ('QUEUED', 'IN_PROGRESS')
	`, toMillis(at), truncateError(reason), toMillis(r.db.Now()), id)
	if err != nil {
		return fmt.Errorf("failed to requeue job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read requeue result: %w", err)
	}
	if n == 0 {
		if _, err := r.GetByID(ctx, id); err != nil {
			return err
		}
		return fmt.Errorf("job %d requeue: %w", id, ErrUnexpectedStatus)
	}
	return nil
}

// CancelForDestination force-fails every QUEUED or IN_PROGRESS job for dest
func (r *UploadJobRepository) CancelForDestination(ctx context.Context, dest string) (int64, error) {
	res, err := r.db.db.ExecContext(ctx, `
		UPDATE upload_jobs
		SET status = 'FAILED', last_error = ?, next_attempt_after = NULL, updated_at = ?
		WHERE destination_id = ? AND status IN ('QUEUED', 'IN_PROGRESS')
	`, DestRemovedError, toMillis(r.db.Now()), dest)
	if err != nil {
		return 0, fmt.Errorf("failed to cancel jobs for destination: %w", err)
	}
	return res.RowsAffected()
}

// ResetStale returns IN_PROGRESS jobs untouched for longer than window to QUEUED.
// retry_count is preserved.
func (r *UploadJobRepository) ResetStale(ctx context.Context, window time.Duration) (int64, error) {
	now := r.db.Now()
	res, err := r.db.db.ExecContext(ctx, `
		UPDATE upload_jobs
		SET status = 'QUEUED', next_attempt_after = NULL, updated_at = ?
		WHERE status = 'IN_PROGRESS' AND updated_at < ?
	`, toMillis(now), toMillis(now.Add(-window)))
	if err != nil {
		return 0, fmt.Errorf("failed to reset stale jobs: %w", err)
	}
	return res.RowsAffected()
}

// RequeueStatusConflicts re-queues jobs that failed only on an optimistic lock conflict
func (r *UploadJobRepository) RequeueStatusConflicts(ctx context.Context) (int64, error) {
	res, err := r.db.db.ExecContext(ctx, `
		UPDATE upload_jobs
		SET status = 'QUEUED', retry_count = 0, next_attempt_after = NULL, last_error = '', updated_at = ?
		WHERE status = 'FAILED' AND last_error LIKE 'status_conflict:%'
	`, toMillis(r.db.Now()))
	if err != nil {
		return 0, fmt.Errorf("failed to requeue status conflicts: %w", err)
	}
	return res.RowsAffected()
}

// PruneTerminal deletes COMPLETED and FAILED jobs last updated before cutoff
func (r *UploadJobRepository) PruneTerminal(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.db.ExecContext(ctx, `
		DELETE FROM upload_jobs
		WHERE status IN ('COMPLETED', 'FAILED') AND updated_at < ?
	`, toMillis(cutoff))
	if err != nil {
		return 0, fmt.Errorf("failed to prune jobs: %w", err)
	}
	return res.RowsAffected()
}

// CountByStatus returns the number of jobs per status
func (r *UploadJobRepository) CountByStatus(ctx context.Context) (map[models.JobStatus]int, error) {
	var rows []struct {
		Status string `db:"status"`
		Count  int    `db:"cnt"`
	}
	if err := r.db.db.SelectContext(ctx, &rows, `SELECT status, COUNT(*) AS cnt FROM upload_jobs GROUP BY status`); err != nil {
		return nil, fmt.Errorf("failed to count jobs: %w", err)
	}
	counts := make(map[models.JobStatus]int, len(models.AllJobStatuses))
	for _, st := range models.AllJobStatuses {
		counts[st] = 0
	}
	for _, row := range rows {
		counts[models.JobStatus(row.Status)] = row.Count
	}
	return counts, nil
}

// DestinationsWithJobs returns distinct destinations that have jobs in the given statuses
func (r *UploadJobRepository) DestinationsWithJobs(ctx context.Context, statuses ...models.JobStatus) ([]string, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	names := make([]string, len(statuses))
	for i, st := range statuses {
		names[i] = string(st)
	}
	query, args, err := sqlx.In(`
		SELECT DISTINCT destination_id FROM upload_jobs
		WHERE destination_id != '' AND status IN (?)
		ORDER BY destination_id
	`, names)
	if err != nil {
		return nil, fmt.Errorf("failed to build query: %w", err)
	}
	var dests []string
	if err := r.db.db.SelectContext(ctx, &dests, r.db.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to list destinations: %w", err)
	}
	return dests, nil
}

func isCanceled(job *models.UploadJob) bool {
	return job.Status == models.StatusFailed && job.LastError == DestRemovedError
}

func expectOneRow(res sql.Result, id int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read update result: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("job %d: %w", id, ErrNotFound)
	}
	return nil
}

const maxErrorLength = 1000

// truncateError keeps at most maxErrorLength runes of msg
func truncateError(msg string) string {
	if utf8.RuneCountInString(msg) <= maxErrorLength {
		return msg
	}
	return string([]rune(msg)[:maxErrorLength])
}
