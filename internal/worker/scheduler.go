package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/gravixrdp/yt-automation/internal/job"
	"github.com/gravixrdp/yt-automation/internal/logging"
	"github.com/gravixrdp/yt-automation/internal/models"
)

// Poller admits ready candidates into the queue
type Poller interface {
	Poll(ctx context.Context) (*job.PollResult, error)
}

// Dispatcher runs one batch of due jobs
type Dispatcher interface {
	RunOnce(ctx context.Context) (*job.DispatchSummary, error)
}

// CleanupRunner runs the next due destination cleanup job
type CleanupRunner interface {
	RunOnce(ctx context.Context) (*models.DestinationCleanupJob, error)
}

// Reconciler repairs queue state
type Reconciler interface {
	Run(ctx context.Context) (*job.ReconcileReport, error)
}

// maxCleanupsPerTick bounds how many cleanup jobs one cron tick drains
const maxCleanupsPerTick = 10

// Scheduler drives the upload loop: every poll interval it admits new
// candidates and dispatches due jobs. Reconcile and cleanup run on their own
// cron schedules.
type Scheduler struct {
	poller     Poller
	dispatcher Dispatcher
	cleanup    CleanupRunner
	reconciler Reconciler
	instanceID string

	pollInterval time.Duration
	cron         *cron.Cron

	mu        sync.RWMutex
	running   bool
	baseCtx   context.Context
	stopCh    chan struct{}
	doneCh    chan struct{}
	lastCycle time.Time
	cycles    int
	lastError string
}

// SchedulerConfig holds configuration for a Scheduler
type SchedulerConfig struct {
	Poller            Poller
	Dispatcher        Dispatcher
	Cleanup           CleanupRunner // optional
	Reconciler        Reconciler    // optional
	InstanceID        string
	PollInterval      time.Duration
	ReconcileSchedule string // cron expression, empty disables
	CleanupSchedule   string // cron expression, empty disables
	Location          *time.Location
}

// SchedulerStatus is a point-in-time view of the loop
type SchedulerStatus struct {
	InstanceID          string    `json:"instanceId"`
	Running             bool      `json:"running"`
	Cycles              int       `json:"cycles"`
	LastCycle           time.Time `json:"lastCycle,omitempty"`
	LastError           string    `json:"lastError,omitempty"`
	PollIntervalSeconds int       `json:"pollIntervalSeconds"`
	NextMaintenance     time.Time `json:"nextMaintenance,omitempty"`
}

// CycleResult holds what one poll-and-dispatch cycle did
type CycleResult struct {
	Poll     *job.PollResult      `json:"poll,omitempty"`
	Dispatch *job.DispatchSummary `json:"dispatch,omitempty"`
}

// NewScheduler creates a new scheduler
func NewScheduler(cfg *SchedulerConfig) (*Scheduler, error) {
	if cfg.Poller == nil {
		return nil, fmt.Errorf("poller cannot be nil")
	}
	if cfg.Dispatcher == nil {
		return nil, fmt.Errorf("dispatcher cannot be nil")
	}

	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = 60 * time.Second
	}
	loc := cfg.Location
	if loc == nil {
		loc = time.UTC
	}

	s := &Scheduler{
		poller:       cfg.Poller,
		dispatcher:   cfg.Dispatcher,
		cleanup:      cfg.Cleanup,
		reconciler:   cfg.Reconciler,
		instanceID:   cfg.InstanceID,
		pollInterval: pollInterval,
		cron:         cron.New(cron.WithLocation(loc), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
	}

	if cfg.Reconciler != nil && cfg.ReconcileSchedule != "" {
		if _, err := s.cron.AddFunc(cfg.ReconcileSchedule, s.runReconcile); err != nil {
			return nil, fmt.Errorf("invalid reconcile schedule %q: %w", cfg.ReconcileSchedule, err)
		}
	}
	if cfg.Cleanup != nil && cfg.CleanupSchedule != "" {
		if _, err := s.cron.AddFunc(cfg.CleanupSchedule, s.runCleanup); err != nil {
			return nil, fmt.Errorf("invalid cleanup schedule %q: %w", cfg.CleanupSchedule, err)
		}
	}
	return s, nil
}

// RunCycle admits new candidates, then dispatches due jobs. A failed poll
// does not stop jobs that are already queued from running.
func (s *Scheduler) RunCycle(ctx context.Context) (*CycleResult, error) {
	logger := logging.FromContext(ctx)
	result := &CycleResult{}

	poll, pollErr := s.poller.Poll(ctx)
	if pollErr != nil {
		logger.WithError(pollErr).Error("Candidate poll failed")
	}
	result.Poll = poll

	dispatch, err := s.dispatcher.RunOnce(ctx)
	if err != nil {
		s.recordCycle(err)
		return result, fmt.Errorf("dispatch failed: %w", err)
	}
	result.Dispatch = dispatch

	s.recordCycle(pollErr)
	if pollErr != nil {
		return result, fmt.Errorf("poll failed: %w", pollErr)
	}
	return result, nil
}

// Reconcile runs one reconcile pass, if a reconciler is configured
func (s *Scheduler) Reconcile(ctx context.Context) (*job.ReconcileReport, error) {
	if s.reconciler == nil {
		return &job.ReconcileReport{}, nil
	}
	return s.reconciler.Run(ctx)
}

// DrainCleanup runs due cleanup jobs until none is due or the per-call
// bound is hit. It returns how many jobs ran.
func (s *Scheduler) DrainCleanup(ctx context.Context) (int, error) {
	if s.cleanup == nil {
		return 0, nil
	}
	ran := 0
	for ran < maxCleanupsPerTick {
		if ctx.Err() != nil {
			return ran, ctx.Err()
		}
		cj, err := s.cleanup.RunOnce(ctx)
		if err != nil {
			return ran, err
		}
		if cj == nil {
			break
		}
		ran++
	}
	return ran, nil
}

// Start reconciles once, then begins the poll loop and the cron schedules.
// Work started by the loop runs on a context detached from ctx's
// cancellation, so canceling ctx stops new cycles without aborting uploads.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("scheduler %s is already running", s.instanceID)
	}
	s.running = true
	s.baseCtx = context.WithoutCancel(ctx)
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	s.mu.Unlock()

	logger := logging.FromContext(ctx).WithFields(map[string]interface{}{
		"instanceId":   s.instanceID,
		"pollInterval": s.pollInterval.String(),
	})
	logger.Info("Starting scheduler")

	if _, err := s.Reconcile(s.baseCtx); err != nil {
		logger.WithError(err).Warn("Startup reconcile finished with errors")
	}

	s.cron.Start()
	go s.loop(ctx)
	return nil
}

// Stop stops new cycles and waits for the in-flight cycle and cron jobs to
// finish, or for ctx to expire.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return fmt.Errorf("scheduler %s is not running", s.instanceID)
	}
	stopCh, doneCh := s.stopCh, s.doneCh
	s.mu.Unlock()

	logger := logging.FromContext(ctx).WithField("instanceId", s.instanceID)
	logger.Info("Stopping scheduler")

	close(stopCh)
	cronDone := s.cron.Stop()

	for _, done := range []<-chan struct{}{doneCh, cronDone.Done()} {
		select {
		case <-done:
		case <-ctx.Done():
			logger.Warn("Scheduler stop timed out, in-flight work will be reclaimed by reconcile")
			return ctx.Err()
		}
	}

	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
	logger.Info("Scheduler stopped gracefully")
	return nil
}

// Status returns current scheduler status
func (s *Scheduler) Status() *SchedulerStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	status := &SchedulerStatus{
		InstanceID:          s.instanceID,
		Running:             s.running,
		Cycles:              s.cycles,
		LastCycle:           s.lastCycle,
		LastError:           s.lastError,
		PollIntervalSeconds: int(s.pollInterval.Seconds()),
	}
	for _, entry := range s.cron.Entries() {
		if status.NextMaintenance.IsZero() || entry.Next.Before(status.NextMaintenance) {
			status.NextMaintenance = entry.Next
		}
	}
	return status
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.doneCh)

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	logger := logging.FromContext(ctx)
	s.cycle()

	for {
		select {
		case <-ctx.Done():
			logger.Info("Scheduler context canceled")
			return
		case <-s.stopCh:
			logger.Debug("Scheduler stop signal received")
			return
		case <-ticker.C:
			s.cycle()
		}
	}
}

func (s *Scheduler) cycle() {
	if _, err := s.RunCycle(s.baseCtx); err != nil {
		logging.FromContext(s.baseCtx).WithError(err).Warn("Scheduler cycle finished with errors")
	}
}

func (s *Scheduler) runReconcile() {
	if _, err := s.Reconcile(s.baseCtx); err != nil {
		logging.FromContext(s.baseCtx).WithError(err).Warn("Scheduled reconcile finished with errors")
	}
}

func (s *Scheduler) runCleanup() {
	ran, err := s.DrainCleanup(s.baseCtx)
	logger := logging.FromContext(s.baseCtx).WithField("cleanupJobsRun", ran)
	if err != nil {
		logger.WithError(err).Warn("Cleanup tick failed")
		return
	}
	if ran > 0 {
		logger.Info("Cleanup tick complete")
	}
}

func (s *Scheduler) recordCycle(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cycles++
	s.lastCycle = time.Now()
	s.lastError = ""
	if err != nil {
		s.lastError = err.Error()
	}
}
