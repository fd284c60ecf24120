package job

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gravixrdp/yt-automation/internal/adapter"
	"github.com/gravixrdp/yt-automation/internal/events"
	"github.com/gravixrdp/yt-automation/internal/logging"
	"github.com/gravixrdp/yt-automation/internal/models"
	"github.com/gravixrdp/yt-automation/internal/notify"
	"github.com/gravixrdp/yt-automation/internal/retry"
	"github.com/gravixrdp/yt-automation/internal/storage"
)

// CleanupQueueConfig holds configuration for a CleanupQueue
type CleanupQueueConfig struct {
	Store       *storage.Store
	Source      adapter.CandidateSource
	Directory   adapter.DestinationDirectory
	Notifier    notify.Notifier // optional
	Recorder    events.Recorder // optional
	Backoff     *retry.RetryConfig
	MaxAttempts int
	CallTimeout time.Duration
	InstanceID  string
}

// CleanupQueue unwinds removed destinations: queued uploads are canceled,
// mappings disabled, row tags cleared and the account optionally deleted.
// Each step is idempotent so a partially failed attempt is simply rerun.
type CleanupQueue struct {
	store       *storage.Store
	source      adapter.CandidateSource
	directory   adapter.DestinationDirectory
	notifier    notify.Notifier
	recorder    events.Recorder
	backoff     *retry.RetryConfig
	maxAttempts int
	callTimeout time.Duration
	instanceID  string
}

// NewCleanupQueue creates a new cleanup queue
func NewCleanupQueue(cfg *CleanupQueueConfig) (*CleanupQueue, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if cfg.Source == nil {
		return nil, fmt.Errorf("candidate source cannot be nil")
	}
	if cfg.Directory == nil {
		return nil, fmt.Errorf("destination directory cannot be nil")
	}

	backoff := cfg.Backoff
	if backoff == nil {
		backoff = &retry.RetryConfig{InitialDelay: time.Minute, MaxDelay: time.Hour, Multiplier: 2}
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 10
	}
	callTimeout := cfg.CallTimeout
	if callTimeout <= 0 {
		callTimeout = 30 * time.Second
	}
	notifier := cfg.Notifier
	if notifier == nil {
		notifier = notify.NewLogNotifier(nil)
	}
	recorder := cfg.Recorder
	if recorder == nil {
		recorder = events.LogRecorder{}
	}

	return &CleanupQueue{
		store:       cfg.Store,
		source:      cfg.Source,
		directory:   cfg.Directory,
		notifier:    notifier,
		recorder:    recorder,
		backoff:     backoff,
		maxAttempts: maxAttempts,
		callTimeout: callTimeout,
		instanceID:  cfg.InstanceID,
	}, nil
}

// Enqueue schedules cleanup for dest. It reports false when a cleanup for
// dest is already queued or running.
func (q *CleanupQueue) Enqueue(ctx context.Context, dest string, removeDestination bool) (bool, error) {
	if dest == "" {
		return false, fmt.Errorf("destination is required")
	}
	added, err := q.store.Cleanup.Enqueue(ctx, dest, removeDestination)
	if err != nil {
		return false, err
	}
	logging.FromContext(ctx).WithFields(map[string]interface{}{
		"destination": dest,
		"remove":      removeDestination,
		"created":     added,
	}).Info("Destination cleanup requested")
	return added, nil
}

// RunOnce runs the next due cleanup job, if any. It returns the job as it
// stands afterwards, or nil when nothing was due.
func (q *CleanupQueue) RunOnce(ctx context.Context) (*models.DestinationCleanupJob, error) {
	job, err := q.store.Cleanup.NextDue(ctx)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, nil
	}
	if err := q.store.Cleanup.MarkInProgress(ctx, job.ID); err != nil {
		if errors.Is(err, storage.ErrUnexpectedStatus) {
			return nil, nil
		}
		return nil, err
	}
	attempt := job.AttemptCount + 1

	logger := logging.FromContext(ctx).WithFields(map[string]interface{}{
		"cleanupJobId": job.ID,
		"destination":  job.DestinationID,
		"attempt":      attempt,
	})
	started := time.Now()

	progress, runErr := q.execute(ctx, job)

	switch {
	case runErr == nil:
		if err := q.store.Cleanup.Complete(ctx, job.ID, progress); err != nil {
			return nil, err
		}
		logger.WithFields(progressFields(progress)).Info("Destination cleanup completed")
	case attempt >= q.maxAttempts:
		if err := q.store.Cleanup.Fail(ctx, job.ID, runErr.Error(), progress); err != nil {
			return nil, err
		}
		logger.WithError(runErr).Error("Destination cleanup failed permanently")
		alert := &notify.Alert{
			Kind:          notify.KindCleanupFailed,
			DestinationID: job.DestinationID,
			Message:       fmt.Sprintf("Cleanup for %s gave up after %d attempts: %v", job.DestinationID, attempt, runErr),
			InstanceID:    q.instanceID,
		}
		if err := q.notifier.Notify(ctx, alert); err != nil {
			logger.WithError(err).Warn("Failed to send admin alert")
		}
	default:
		next := q.store.Now().Add(q.backoff.Delay(attempt))
		if err := q.store.Cleanup.Reschedule(ctx, job.ID, next, runErr.Error(), progress); err != nil {
			return nil, err
		}
		logger.WithError(runErr).WithField("nextAttempt", next.UTC().Format(time.RFC3339)).Warn("Destination cleanup will retry")
	}

	outcome := "completed"
	event := &models.UploadEvent{
		Event:         models.EventCleanup,
		InstanceID:    q.instanceID,
		DestinationID: job.DestinationID,
		DurationMs:    time.Since(started).Milliseconds(),
		Attributes: map[string]string{
			"attempt":           fmt.Sprint(attempt),
			"rows_cleared":      fmt.Sprint(progress.RowsCleared),
			"mappings_disabled": fmt.Sprint(progress.MappingsDisabled),
			"queue_canceled":    fmt.Sprint(progress.QueueCanceled),
		},
	}
	if runErr != nil {
		outcome = "retry"
		if attempt >= q.maxAttempts {
			outcome = "failed"
		}
		event.Error = runErr.Error()
	}
	event.Outcome = outcome
	q.recorder.Record(ctx, event)

	return q.store.Cleanup.GetByID(ctx, job.ID)
}

// execute runs every step and joins their errors. The destination record is
// only removed once everything pointing at it is gone.
func (q *CleanupQueue) execute(ctx context.Context, job *models.DestinationCleanupJob) (models.CleanupProgress, error) {
	var progress models.CleanupProgress
	var errs []error
	dest := job.DestinationID

	canceled, err := q.store.Jobs.CancelForDestination(ctx, dest)
	if err != nil {
		errs = append(errs, fmt.Errorf("cancel queue: %w", err))
	}
	progress.QueueCanceled = int(canceled)

	err = q.call(ctx, func(ctx context.Context) error {
		n, err := q.directory.DisableMappings(ctx, dest)
		progress.MappingsDisabled = n
		return err
	})
	if err != nil {
		errs = append(errs, fmt.Errorf("disable mappings: %w", err))
	}

	err = q.call(ctx, func(ctx context.Context) error {
		n, err := q.source.ClearDestinationTags(ctx, dest)
		progress.RowsCleared = n
		return err
	})
	if err != nil {
		errs = append(errs, fmt.Errorf("clear row tags: %w", err))
	}

	if job.RemoveDestinationAfter && len(errs) == 0 {
		err = q.call(ctx, func(ctx context.Context) error {
			return q.directory.RemoveDestination(ctx, dest)
		})
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			errs = append(errs, fmt.Errorf("remove destination: %w", err))
		}
	}
	return progress, errors.Join(errs...)
}

func (q *CleanupQueue) call(ctx context.Context, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, q.callTimeout)
	defer cancel()
	return fn(ctx)
}

func progressFields(p models.CleanupProgress) map[string]interface{} {
	return map[string]interface{}{
		"rowsCleared":      p.RowsCleared,
		"mappingsDisabled": p.MappingsDisabled,
		"queueCanceled":    p.QueueCanceled,
	}
}
