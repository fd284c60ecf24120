package job

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"

	"golang.org/x/sync/errgroup"

	apperrors "github.com/gravixrdp/yt-automation/internal/errors"
	"github.com/gravixrdp/yt-automation/internal/logging"
	"github.com/gravixrdp/yt-automation/internal/models"
	"github.com/gravixrdp/yt-automation/internal/storage"
)

// Processor runs one claimed job
type Processor interface {
	Process(ctx context.Context, job *models.UploadJob) *Result
}

// DispatchSummary counts the outcomes of one dispatch cycle
type DispatchSummary struct {
	Due      int             `json:"due"`
	Claimed  int             `json:"claimed"`
	Outcomes map[Outcome]int `json:"outcomes"`
}

// Dispatcher pulls due jobs and runs them on a bounded worker pool
type Dispatcher struct {
	store       *storage.Store
	processor   Processor
	workers     int
	maxAttempts int
}

// NewDispatcher creates a dispatcher running at most workers jobs at once
func NewDispatcher(store *storage.Store, processor Processor, workers, maxAttempts int) (*Dispatcher, error) {
	if store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if processor == nil {
		return nil, fmt.Errorf("processor cannot be nil")
	}
	if workers <= 0 {
		workers = 2
	}
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &Dispatcher{store: store, processor: processor, workers: workers, maxAttempts: maxAttempts}, nil
}

// RunOnce dispatches up to one batch of due jobs and waits for them.
// A failing or panicking job never stops its siblings.
func (d *Dispatcher) RunOnce(ctx context.Context) (*DispatchSummary, error) {
	jobs, err := d.store.Jobs.NextDueJobs(ctx, d.workers)
	if err != nil {
		return nil, fmt.Errorf("failed to load due jobs: %w", err)
	}
	summary := &DispatchSummary{Due: len(jobs), Outcomes: make(map[Outcome]int)}
	if len(jobs) == 0 {
		return summary, nil
	}

	logger := logging.FromContext(ctx)
	var mu sync.Mutex
	g := new(errgroup.Group)
	g.SetLimit(d.workers)

	for _, job := range jobs {
		job := job
		if err := d.store.Jobs.MarkInProgress(ctx, job.ID); err != nil {
			if errors.Is(err, storage.ErrUnexpectedStatus) || errors.Is(err, storage.ErrNotFound) {
				logger.WithField("jobId", job.ID).Debug("Job claimed elsewhere, skipping")
				continue
			}
			logger.WithError(err).WithField("jobId", job.ID).Error("Failed to claim job")
			continue
		}
		job.Status = models.StatusInProgress
		summary.Claimed++

		g.Go(func() error {
			res := d.runJob(ctx, job)
			mu.Lock()
			summary.Outcomes[res.Outcome]++
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	logger.WithFields(map[string]interface{}{
		"due":      summary.Due,
		"claimed":  summary.Claimed,
		"outcomes": summary.Outcomes,
	}).Info("Dispatch cycle complete")
	return summary, nil
}

// runJob shields the pool from a panicking job and records it as a failure
func (d *Dispatcher) runJob(ctx context.Context, job *models.UploadJob) (res *Result) {
	logger := logging.FromContext(ctx).WithField("jobId", job.ID)
	defer func() {
		if rec := recover(); rec != nil {
			logger.WithFields(map[string]interface{}{
				"panic": fmt.Sprint(rec),
				"stack": string(debug.Stack()),
			}).Error("Upload job panicked")

			catErr := apperrors.NewTransientError("unexpected_error", fmt.Errorf("panic: %v", rec))
			res = &Result{JobID: job.ID, Outcome: OutcomeFailed, Err: catErr}
			outcome, err := d.store.Jobs.MarkFailed(context.WithoutCancel(ctx), job.ID, catErr.JobError(), d.maxAttempts)
			if err != nil {
				logger.WithError(err).Error("Failed to record panicked job")
				return
			}
			if outcome.Requeued() {
				res.Outcome = OutcomeRetry
				res.NextAttempt = outcome.NextAttemptAfter
			}
		}
	}()

	res = d.processor.Process(ctx, job)
	if res == nil {
		res = &Result{JobID: job.ID, Outcome: OutcomeFailed}
	}
	return res
}
