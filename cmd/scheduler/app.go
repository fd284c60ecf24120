package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/gravixrdp/yt-automation/internal/adapter"
	"github.com/gravixrdp/yt-automation/internal/circuitbreaker"
	"github.com/gravixrdp/yt-automation/internal/config"
	"github.com/gravixrdp/yt-automation/internal/credentials"
	"github.com/gravixrdp/yt-automation/internal/events"
	"github.com/gravixrdp/yt-automation/internal/job"
	"github.com/gravixrdp/yt-automation/internal/lock"
	"github.com/gravixrdp/yt-automation/internal/logging"
	"github.com/gravixrdp/yt-automation/internal/models"
	"github.com/gravixrdp/yt-automation/internal/notify"
	"github.com/gravixrdp/yt-automation/internal/quota"
	"github.com/gravixrdp/yt-automation/internal/retry"
	"github.com/gravixrdp/yt-automation/internal/storage"
	"github.com/gravixrdp/yt-automation/internal/worker"
)

// app holds every wired component. Fields are filled in stages so that
// --stats only needs the local job store.
type app struct {
	cfg     *config.Config
	store   *storage.Store
	closers []func()

	allocator   *quota.Allocator
	credentials *credentials.Provider
	reconciler  *job.Reconciler

	registry  *adapter.Registry
	cleanup   *job.CleanupQueue
	scheduler *worker.Scheduler
}

// openStore opens and migrates the job store
func openStore(cfg *config.Config) (*app, error) {
	db, err := storage.NewSQLiteDB(&cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("failed to open job store: %w", err)
	}
	if err := storage.RunSQLiteMigrations(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to migrate job store: %w", err)
	}
	db.SetLocation(cfg.Location())

	backoff := retry.JobBackoff(cfg.Scheduler.RetryBackoffBase, cfg.Scheduler.RetryBackoffGrowth)
	a := &app{cfg: cfg, store: storage.NewStore(db, backoff)}
	a.closers = append(a.closers, func() { _ = a.store.Close() })

	a.allocator, err = quota.NewAllocator(&quota.AllocatorConfig{
		Store:            a.store.Quota,
		Pools:            cfg.Quota.Pools,
		DailyLimit:       cfg.Quota.DailyLimit,
		SafetyMargin:     cfg.Quota.SafetyMargin,
		UnitsPerUpload:   cfg.Quota.UnitsPerUpload,
		MeteredPlatforms: cfg.Quota.MeteredPlatforms,
	})
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("invalid quota configuration: %w", err)
	}
	return a, nil
}

// wireMaintenance builds the credential provider and reconciler
func (a *app) wireMaintenance(ctx context.Context) error {
	logger := logging.FromContext(ctx)
	cfg := a.cfg

	var locker lock.Locker = lock.NewLocalLocker()
	if cfg.Database.Redis.Enabled() {
		rc, err := storage.NewRedisClient(&cfg.Database.Redis)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, func() { _ = rc.Close() })
		rl, err := lock.NewRedisLocker(&lock.RedisLockerConfig{Redis: rc.Client(), KeyPrefix: "scheduler:lock:"})
		if err != nil {
			return err
		}
		locker = rl
		logger.Info("Credential refresh serialized through Redis")
	}

	var refresher credentials.Refresher
	if cfg.OAuth.TokenURL != "" {
		refresher = credentials.NewOAuthRefresher(cfg.OAuth.TokenURL, cfg.OAuth.ClientID, cfg.OAuth.ClientSecret, cfg.Scheduler.ExternalCallTimeout)
	}
	a.credentials = credentials.NewProvider(a.store.Credentials, locker, refresher, cfg.Scheduler.CredentialRefreshAhead)

	var err error
	a.reconciler, err = job.NewReconciler(a.store, a.credentials, cfg.Scheduler.StaleInProgress, cfg.Scheduler.RecordRetentionDays)
	return err
}

// wireEngine connects the candidate database, media tools, uploaders and
// sinks, and builds the queue components on top of them
func (a *app) wireEngine(ctx context.Context) error {
	logger := logging.FromContext(ctx)
	cfg := a.cfg
	sc := cfg.Scheduler

	pg, err := storage.NewPostgresDB(&cfg.Database.Postgres)
	if err != nil {
		return err
	}
	a.closers = append(a.closers, pg.Close)

	source := adapter.NewRateLimitedSource(storage.NewCandidateRepository(pg), sc.SourceRequestsPerSec)
	directory := storage.NewDestinationRepository(pg)
	staticDests := make(map[string]models.Destination, len(cfg.Destinations))
	for _, d := range cfg.Destinations {
		staticDests[d.ID] = d
		if err := directory.UpsertDestination(ctx, &d); err != nil {
			return fmt.Errorf("failed to register destination %s: %w", d.ID, err)
		}
	}

	var notifier notify.Notifier = notify.NewLogNotifier(nil)
	if cfg.Notify.AMQPURL != "" {
		n, err := notify.NewAMQPNotifier(&cfg.Notify)
		if err != nil {
			return err
		}
		notifier = n
	}
	a.closers = append(a.closers, func() { _ = notifier.Close() })

	var recorder events.Recorder = events.LogRecorder{}
	if cfg.Database.ClickHouse.Enabled() {
		ch, err := storage.NewClickHouseDB(&cfg.Database.ClickHouse)
		if err != nil {
			return err
		}
		br := events.NewBatchRecorder(storage.NewEventRepository(ch), events.BatchConfig{InstanceID: sc.InstanceID})
		recorder = br
		a.closers = append(a.closers, func() { _ = ch.Close() })
		logger.Info("Upload events are written to ClickHouse")
	}
	// closers run in reverse, so the recorder flushes before ClickHouse closes
	a.closers = append(a.closers, func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = recorder.Close(flushCtx)
	})

	media, err := adapter.NewExecMediaPipeline(adapter.ExecMediaConfig{
		WorkDir:     cfg.Media.WorkDir,
		YtDlpPath:   cfg.Media.YtDlpPath,
		FFmpegPath:  cfg.Media.FFmpegPath,
		FFprobePath: cfg.Media.FFprobePath,
		Timeout:     sc.UploadTimeout,
	})
	if err != nil {
		return err
	}

	a.registry = adapter.NewRegistry(circuitbreaker.NewManager(nil))
	for platform, command := range cfg.UploaderCommands {
		u, err := adapter.NewExecUploader(platform, strings.Fields(command), sc.UploadTimeout)
		if err != nil {
			return fmt.Errorf("uploader for %s: %w", platform, err)
		}
		a.registry.Register(u)
	}
	if len(a.registry.Platforms()) == 0 {
		logger.Warn("No uploader commands configured, every upload will fail with no_uploader")
	}

	slots, err := job.NewSlotClock(cfg.Location(), sc.UploadSlots, sc.UploadsPerDayPerDest)
	if err != nil {
		return err
	}

	enqueuer, err := job.NewEnqueuer(&job.EnqueuerConfig{
		Store:          a.store,
		Source:         source,
		Directory:      directory,
		Recorder:       recorder,
		StaticMappings: cfg.StaticMappings,
		DailyCap:       sc.UploadsPerDayPerDest,
		MaxAttempts:    sc.MaxUploadAttempts,
	})
	if err != nil {
		return err
	}

	pipeline, err := job.NewPipeline(&job.PipelineConfig{
		Store:               a.store,
		Source:              source,
		Directory:           directory,
		Media:               media,
		Uploaders:           a.registry,
		Credentials:         a.credentials,
		Allocator:           a.allocator,
		Notifier:            notifier,
		Recorder:            recorder,
		Slots:               slots,
		Destinations:        staticDests,
		InstanceID:          sc.InstanceID,
		DailyCap:            sc.UploadsPerDayPerDest,
		MaxAttempts:         sc.MaxUploadAttempts,
		DuplicateLookback:   sc.DuplicateLookback,
		Spacing:             sc.UploadSpacing,
		SpacingMaxWait:      sc.SpacingMaxWait,
		ExternalCallTimeout: sc.ExternalCallTimeout,
		UploadTimeout:       sc.UploadTimeout,
	})
	if err != nil {
		return err
	}

	dispatcher, err := job.NewDispatcher(a.store, pipeline, sc.MaxWorkers, sc.MaxUploadAttempts)
	if err != nil {
		return err
	}

	a.cleanup, err = job.NewCleanupQueue(&job.CleanupQueueConfig{
		Store:       a.store,
		Source:      source,
		Directory:   directory,
		Notifier:    notifier,
		Recorder:    recorder,
		MaxAttempts: sc.CleanupMaxAttempts,
		CallTimeout: sc.ExternalCallTimeout,
		InstanceID:  sc.InstanceID,
	})
	if err != nil {
		return err
	}

	a.scheduler, err = worker.NewScheduler(&worker.SchedulerConfig{
		Poller:            enqueuer,
		Dispatcher:        dispatcher,
		Cleanup:           a.cleanup,
		Reconciler:        a.reconciler,
		InstanceID:        sc.InstanceID,
		PollInterval:      sc.PollInterval,
		ReconcileSchedule: sc.ReconcileSchedule,
		CleanupSchedule:   sc.CleanupSchedule,
		Location:          cfg.Location(),
	})
	return err
}

// Close releases resources in reverse order of acquisition
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
