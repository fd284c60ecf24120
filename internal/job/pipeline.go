package job

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gravixrdp/yt-automation/internal/adapter"
	apperrors "github.com/gravixrdp/yt-automation/internal/errors"
	"github.com/gravixrdp/yt-automation/internal/events"
	"github.com/gravixrdp/yt-automation/internal/logging"
	"github.com/gravixrdp/yt-automation/internal/models"
	"github.com/gravixrdp/yt-automation/internal/notify"
	"github.com/gravixrdp/yt-automation/internal/quota"
	"github.com/gravixrdp/yt-automation/internal/storage"
)

// Outcome is how a single pipeline run ended
type Outcome string

const (
	OutcomeUploaded           Outcome = "uploaded"
	OutcomeSkippedIdempotency Outcome = "skipped_idempotency"
	OutcomeSkippedDuplicate   Outcome = "skipped_duplicate"
	OutcomeDeferred           Outcome = "deferred"
	OutcomeRetry              Outcome = "retry"
	OutcomeFailed             Outcome = "failed"
)

// Result describes the outcome of processing one job
type Result struct {
	JobID       int64
	Outcome     Outcome
	UploadedURL string
	NextAttempt *time.Time
	Err         error
}

// UploaderSource hands out the uploader for a platform
type UploaderSource interface {
	Get(platform string) (adapter.Uploader, error)
}

// PipelineConfig holds configuration for a Pipeline
type PipelineConfig struct {
	Store       *storage.Store
	Source      adapter.CandidateSource
	Directory   adapter.DestinationDirectory // optional
	Media       adapter.MediaPipeline
	Uploaders   UploaderSource
	Credentials adapter.CredentialProvider // optional
	Allocator   *quota.Allocator
	Notifier    notify.Notifier // optional; alerts are logged when nil
	Recorder    events.Recorder // optional
	Slots       *SlotClock

	// Destinations known from static configuration, used when the
	// directory has no record of an account
	Destinations map[string]models.Destination

	InstanceID          string
	DailyCap            int
	MaxAttempts         int
	DuplicateLookback   time.Duration
	Spacing             time.Duration
	SpacingMaxWait      time.Duration // longer spacing waits requeue the job instead
	ExternalCallTimeout time.Duration
	UploadTimeout       time.Duration // covers download, transform and upload

	// Sleep waits out short spacing gaps. Defaults to a context-aware timer.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Pipeline runs one claimed upload job end to end
type Pipeline struct {
	store        *storage.Store
	source       adapter.CandidateSource
	directory    adapter.DestinationDirectory
	media        adapter.MediaPipeline
	uploaders    UploaderSource
	credentials  adapter.CredentialProvider
	allocator    *quota.Allocator
	notifier     notify.Notifier
	recorder     events.Recorder
	slots        *SlotClock
	destinations map[string]models.Destination

	instanceID     string
	dailyCap       int
	maxAttempts    int
	lookback       time.Duration
	spacing        time.Duration
	spacingMaxWait time.Duration
	callTimeout    time.Duration
	uploadTimeout  time.Duration
	sleep          func(ctx context.Context, d time.Duration) error
}

// NewPipeline creates a new upload pipeline
func NewPipeline(cfg *PipelineConfig) (*Pipeline, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if cfg.Source == nil {
		return nil, fmt.Errorf("candidate source cannot be nil")
	}
	if cfg.Media == nil {
		return nil, fmt.Errorf("media pipeline cannot be nil")
	}
	if cfg.Uploaders == nil {
		return nil, fmt.Errorf("uploader source cannot be nil")
	}
	if cfg.Allocator == nil {
		return nil, fmt.Errorf("quota allocator cannot be nil")
	}
	if cfg.Slots == nil {
		return nil, fmt.Errorf("slot clock cannot be nil")
	}
	if cfg.DailyCap < 1 {
		return nil, fmt.Errorf("daily cap must be at least 1, got %d", cfg.DailyCap)
	}
	if cfg.MaxAttempts < 1 {
		return nil, fmt.Errorf("max attempts must be at least 1, got %d", cfg.MaxAttempts)
	}

	notifier := cfg.Notifier
	if notifier == nil {
		notifier = notify.NewLogNotifier(nil)
	}
	recorder := cfg.Recorder
	if recorder == nil {
		recorder = events.LogRecorder{}
	}
	sleep := cfg.Sleep
	if sleep == nil {
		sleep = sleepContext
	}
	callTimeout := cfg.ExternalCallTimeout
	if callTimeout <= 0 {
		callTimeout = 30 * time.Second
	}
	uploadTimeout := cfg.UploadTimeout
	if uploadTimeout <= 0 {
		uploadTimeout = 15 * time.Minute
	}

	return &Pipeline{
		store:          cfg.Store,
		source:         cfg.Source,
		directory:      cfg.Directory,
		media:          cfg.Media,
		uploaders:      cfg.Uploaders,
		credentials:    cfg.Credentials,
		allocator:      cfg.Allocator,
		notifier:       notifier,
		recorder:       recorder,
		slots:          cfg.Slots,
		destinations:   cfg.Destinations,
		instanceID:     cfg.InstanceID,
		dailyCap:       cfg.DailyCap,
		maxAttempts:    cfg.MaxAttempts,
		lookback:       cfg.DuplicateLookback,
		spacing:        cfg.Spacing,
		spacingMaxWait: cfg.SpacingMaxWait,
		callTimeout:    callTimeout,
		uploadTimeout:  uploadTimeout,
		sleep:          sleep,
	}, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// IdempotencyKey identifies one piece of content on one destination
func IdempotencyKey(fingerprint, dest string) string {
	sum := sha256.Sum256([]byte(fingerprint + ":" + dest))
	return hex.EncodeToString(sum[:])
}

// run is the state carried through one Process call
type run struct {
	job       *models.UploadJob
	cand      *models.Candidate
	dest      string
	platform  string
	started   time.Time
	logger    *logging.Logger
	rowLocked bool

	// quota units held for the upload, refunded unless it completes
	quotaPool string
	quotaAt   time.Time
	completed bool
}

// Process runs a job the dispatcher has already claimed. Every outcome is
// written to the job store before Process returns.
func (p *Pipeline) Process(ctx context.Context, job *models.UploadJob) *Result {
	r := &run{
		job:     job,
		dest:    job.DestinationID,
		started: time.Now(),
		logger: logging.FromContext(ctx).WithFields(map[string]interface{}{
			"jobId":       job.ID,
			"rowId":       job.RowID,
			"collection":  job.SourceCollection,
			"destination": job.DestinationID,
		}),
	}
	r.logger.Info("Processing upload job")
	p.record(ctx, r, models.EventJobStart, "started", nil)

	// 1. optimistic lock on the candidate row
	err := p.withTimeout(ctx, func(ctx context.Context) error {
		return p.source.UpdateStatus(ctx, job.SourceCollection, job.SourcePosition,
			models.RowInProgress, nil, models.RowReadyToUpload)
	})
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			err = apperrors.NewPreconditionError("row_not_found", fmt.Sprintf("%s/%d", job.SourceCollection, job.SourcePosition))
		}
		return p.fail(ctx, r, err)
	}
	r.rowLocked = true
	p.note(ctx, r, fmt.Sprintf("scheduler: upload started (dest=%s)", r.dest))

	// 2. preconditions
	cand, err := p.readRow(ctx, job)
	if err != nil {
		return p.fail(ctx, r, err)
	}
	if cand == nil {
		r.rowLocked = false
		return p.fail(ctx, r, apperrors.NewPreconditionError("row_not_found", fmt.Sprintf("%s/%d", job.SourceCollection, job.SourcePosition)))
	}
	r.cand = cand
	if r.dest == "" {
		r.dest = strings.TrimSpace(cand.DestinationID)
	}
	if strings.TrimSpace(cand.SourceURL) == "" {
		return p.fail(ctx, r, apperrors.NewPreconditionError("no_source_url", ""))
	}
	if r.dest == "" {
		return p.fail(ctx, r, apperrors.NewPreconditionError("no_destination_mapped", ""))
	}
	if cand.UploadAttempts >= p.maxAttempts {
		return p.fail(ctx, r, apperrors.NewPreconditionError(fmt.Sprintf("max_attempts_reached:%d", cand.UploadAttempts), ""))
	}

	// 3. idempotency and same-destination duplicates
	fingerprint := strings.TrimSpace(cand.Fingerprint)
	if fingerprint != "" {
		if res := p.checkDuplicate(ctx, r, fingerprint); res != nil {
			return res
		}
	}

	// 4. one upload per destination at a time, below the daily cap
	reservation, err := p.store.Ledger.Reserve(ctx, r.dest, job.ID, p.dailyCap, p.reservationTTL())
	if err != nil {
		return p.fail(ctx, r, apperrors.NewTransientError("store_error", err))
	}
	switch reservation {
	case storage.ReserveBusy:
		return p.postpone(ctx, r, p.store.Now().Add(max(p.spacing, time.Minute)), "destination_busy", "")
	case storage.ReserveOK:
		defer p.release(ctx, r)
	}

	// 5. spacing between uploads to one destination
	if res := p.enforceSpacing(ctx, r); res != nil {
		return res
	}

	// 6. daily slots and cap
	uploadsToday, err := p.store.Ledger.UploadsToday(ctx, r.dest)
	if err != nil {
		return p.fail(ctx, r, apperrors.NewTransientError("store_error", err))
	}
	now := p.store.Now()
	slot := p.slots.Next(now, uploadsToday)
	if uploadsToday >= p.dailyCap || now.Before(slot) {
		reason := fmt.Sprintf("waiting_for_slot:%s", slot.In(p.slots.loc).Format("2006-01-02 15:04 MST"))
		return p.postpone(ctx, r, slot, reason,
			fmt.Sprintf("scheduler: waiting for slot %s", slot.In(p.slots.loc).Format("15:04 MST")))
	}

	destination := p.lookupDestination(ctx, r.dest)
	r.platform = destination.Platform
	r.logger = r.logger.WithField("platform", r.platform)

	// 7. acquire and transform
	var discard []string
	defer func() { p.media.Discard(discard...) }()

	mediaCtx, cancel := context.WithTimeout(ctx, p.uploadTimeout)
	defer cancel()

	media, err := p.media.Acquire(mediaCtx, cand.SourceURL)
	if err != nil {
		return p.fail(ctx, r, mediaError("download_failed", err))
	}
	discard = append(discard, media.Path)
	if fingerprint == "" && media.Fingerprint != "" {
		fingerprint = media.Fingerprint
		if res := p.checkDuplicate(ctx, r, fingerprint); res != nil {
			return res
		}
	} else if media.Fingerprint != "" && media.Fingerprint != fingerprint {
		p.note(ctx, r, fmt.Sprintf("scheduler: hash updated: %s", shortFingerprint(media.Fingerprint)))
	}

	uploadPath, err := p.media.Transform(mediaCtx, media.Path, cand.TransformHint, r.dest)
	if err != nil {
		return p.fail(ctx, r, mediaError("transform_failed", err))
	}
	if uploadPath != media.Path {
		discard = append(discard, uploadPath)
	}

	// 8. validate for the platform
	check, err := p.media.Validate(mediaCtx, uploadPath, r.platform)
	if err != nil {
		return p.fail(ctx, r, mediaError("validation_error", err))
	}
	if !check.Valid {
		return p.fail(ctx, r, apperrors.NewInvalidContentError(check.Reason))
	}

	// 9. quota
	if p.allocator.IsMetered(r.platform) {
		pool, ok, err := p.allocator.Reserve(ctx, destination)
		if err != nil {
			return p.fail(ctx, r, apperrors.NewTransientError("store_error", err))
		}
		if !ok {
			return p.fail(ctx, r, apperrors.NewQuotaExhaustedError(r.platform))
		}
		r.quotaPool, r.quotaAt = pool, p.store.Now()
		defer p.refundQuota(ctx, r)
	}

	// 10. upload
	meta := ResolveMetadata(cand)
	if meta.Source != MetadataFromRow {
		p.note(ctx, r, "scheduler: metadata source="+meta.Source)
	}
	uploader, err := p.uploaders.Get(r.platform)
	if err != nil {
		return p.fail(ctx, r, apperrors.NewPreconditionError("no_uploader_for_"+r.platform, err.Error()))
	}
	token, err := p.accessToken(ctx, r.dest)
	if err != nil {
		return p.fail(ctx, r, err)
	}

	uploadCtx, cancelUpload := context.WithTimeout(ctx, p.uploadTimeout)
	defer cancelUpload()
	result, err := uploader.Upload(uploadCtx, &adapter.UploadRequest{
		DestinationID: r.dest,
		Platform:      r.platform,
		Path:          uploadPath,
		Title:         meta.Title,
		Description:   meta.Description,
		Tags:          meta.Tags,
		Hashtags:      meta.Hashtags,
		Category:      meta.CategoryID(),
		AccessToken:   token,
	})
	if err != nil {
		if errors.Is(err, adapter.ErrToolMissing) {
			return p.fail(ctx, r, apperrors.NewPreconditionError("uploader_missing", err.Error()))
		}
		return p.fail(ctx, r, apperrors.Classify(err))
	}
	if err := result.Err(r.platform); err != nil {
		return p.fail(ctx, r, err)
	}

	return p.complete(ctx, r, result, fingerprint)
}

// checkDuplicate stops the run when fingerprint was already uploaded to the
// destination or appears in its lookback window
func (p *Pipeline) checkDuplicate(ctx context.Context, r *run, fingerprint string) *Result {
	done, err := p.store.Ledger.HasCompleted(ctx, IdempotencyKey(fingerprint, r.dest))
	if err != nil {
		return p.fail(ctx, r, apperrors.NewTransientError("store_error", err))
	}
	if done {
		return p.skipIdempotent(ctx, r)
	}
	if p.lookback > 0 {
		return p.checkLookback(ctx, r, fingerprint)
	}
	return nil
}

// reservationTTL bounds how long a crashed run can hold its destination
func (p *Pipeline) reservationTTL() time.Duration {
	return 2*p.uploadTimeout + p.spacingMaxWait + time.Minute
}

func (p *Pipeline) release(ctx context.Context, r *run) {
	if err := p.store.Ledger.Release(context.WithoutCancel(ctx), r.dest, r.job.ID); err != nil {
		r.logger.WithError(err).Warn("Failed to release destination")
	}
}

func (p *Pipeline) refundQuota(ctx context.Context, r *run) {
	if r.completed || r.quotaPool == "" {
		return
	}
	if err := p.allocator.Release(context.WithoutCancel(ctx), r.quotaPool, r.quotaAt); err != nil {
		r.logger.WithError(err).WithField("pool", r.quotaPool).Warn("Failed to refund quota")
	}
}

func (p *Pipeline) readRow(ctx context.Context, job *models.UploadJob) (*models.Candidate, error) {
	var cand *models.Candidate
	err := p.withTimeout(ctx, func(ctx context.Context) error {
		var err error
		cand, err = p.source.ReadOne(ctx, job.SourceCollection, job.SourcePosition)
		return err
	})
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.NewTransientError("source_error", err)
	}
	return cand, nil
}

func (p *Pipeline) skipIdempotent(ctx context.Context, r *run) *Result {
	if err := p.store.Jobs.MarkCompleted(ctx, r.job.ID); err != nil {
		r.logger.WithError(err).Error("Failed to mark idempotent job completed")
	}
	p.updateRow(ctx, r, models.RowSkippedDuplicate, &models.RowUpdate{
		Notes: fmt.Sprintf("idempotency: already uploaded to %s", r.dest),
	})
	r.logger.Info("Idempotency hit, upload skipped")
	p.record(ctx, r, models.EventJobSkipped, string(OutcomeSkippedIdempotency), nil)
	return &Result{JobID: r.job.ID, Outcome: OutcomeSkippedIdempotency}
}

func (p *Pipeline) checkLookback(ctx context.Context, r *run, fingerprint string) *Result {
	var recent []string
	err := p.withTimeout(ctx, func(ctx context.Context) error {
		var err error
		recent, err = p.source.UploadedFingerprints(ctx, r.dest, p.store.Now().Add(-p.lookback))
		return err
	})
	if err != nil {
		// the idempotency ledger still guards exact repeats
		r.logger.WithError(err).Warn("Duplicate check failed")
		return nil
	}
	for _, fp := range recent {
		if fp != fingerprint {
			continue
		}
		days := int(p.lookback.Hours() / 24)
		dup := apperrors.NewDuplicateError("duplicate_for_destination",
			fmt.Sprintf("already uploaded to %s in past %d days", r.dest, days))
		if _, err := p.store.Jobs.MarkFailed(ctx, r.job.ID, dup.JobError(), 0); err != nil {
			r.logger.WithError(err).Error("Failed to mark duplicate job")
		}
		p.updateRow(ctx, r, models.RowSkippedDuplicate, &models.RowUpdate{Notes: dup.Message})
		p.record(ctx, r, models.EventJobSkipped, string(OutcomeSkippedDuplicate), dup)
		return &Result{JobID: r.job.ID, Outcome: OutcomeSkippedDuplicate, Err: dup}
	}
	return nil
}

func (p *Pipeline) enforceSpacing(ctx context.Context, r *run) *Result {
	if p.spacing <= 0 {
		return nil
	}
	last, err := p.store.Ledger.LastUploadTime(ctx, r.dest)
	if err != nil {
		return p.fail(ctx, r, apperrors.NewTransientError("store_error", err))
	}
	if last == nil {
		return nil
	}
	wait := p.spacing - p.store.Now().Sub(*last)
	if wait <= 0 {
		return nil
	}
	if wait > p.spacingMaxWait {
		next := last.Add(p.spacing)
		return p.postpone(ctx, r, next, "waiting_for_spacing", "")
	}

	r.logger.WithField("wait", wait.String()).Info("Waiting for upload spacing")
	if err := p.sleep(ctx, wait); err != nil {
		return p.postpone(ctx, r, last.Add(p.spacing), "waiting_for_spacing", "")
	}
	return nil
}

func (p *Pipeline) lookupDestination(ctx context.Context, id string) *models.Destination {
	if p.directory != nil {
		var dest *models.Destination
		err := p.withTimeout(ctx, func(ctx context.Context) error {
			var err error
			dest, err = p.directory.Destination(ctx, id)
			return err
		})
		if err == nil && dest != nil {
			if dest.Platform == "" {
				dest.Platform = models.PlatformYouTube
			}
			return dest
		}
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			logging.FromContext(ctx).WithError(err).WithField("destination", id).Warn("Destination lookup failed")
		}
	}
	if d, ok := p.destinations[id]; ok {
		if d.Platform == "" {
			d.Platform = models.PlatformYouTube
		}
		return &d
	}
	return &models.Destination{ID: id, Platform: models.PlatformYouTube, Active: true}
}

// accessToken returns the destination token. A destination without stored
// credentials gets an empty token and the uploader decides what that means.
func (p *Pipeline) accessToken(ctx context.Context, dest string) (string, error) {
	if p.credentials == nil {
		return "", nil
	}
	var token string
	err := p.withTimeout(ctx, func(ctx context.Context) error {
		var err error
		token, err = p.credentials.AccessToken(ctx, dest)
		return err
	})
	if err == nil {
		return token, nil
	}
	if apperrors.Categorize(err) == apperrors.CategoryPrecondition {
		return "", nil
	}
	return "", apperrors.Classify(err)
}

func (p *Pipeline) complete(ctx context.Context, r *run, result *adapter.UploadResult, fingerprint string) *Result {
	// the quota units were taken by the reservation
	r.completed = true
	rec := &models.CompletionRecord{
		JobID:         r.job.ID,
		DestinationID: r.dest,
		RowID:         r.job.RowID,
		QuotaPool:     r.quotaPool,
		CompletedAt:   p.store.Now(),
	}
	if fingerprint != "" {
		rec.IdempotencyKey = IdempotencyKey(fingerprint, r.dest)
	}

	// the upload happened: nothing below may turn it into a retry
	if err := p.store.CompleteUpload(ctx, rec); err != nil {
		r.logger.WithError(err).Error("Failed to record completed upload")
		if err := p.store.Jobs.MarkCompleted(ctx, r.job.ID); err != nil {
			r.logger.WithError(err).Error("Failed to mark job completed")
		}
		if rec.IdempotencyKey != "" {
			if err := p.store.Ledger.RecordCompleted(ctx, rec.IdempotencyKey, r.job.ID); err != nil {
				r.logger.WithError(err).Error("Failed to record idempotency key")
			}
		}
	}

	attempts := r.cand.UploadAttempts + 1
	p.updateRow(ctx, r, models.RowUploaded, &models.RowUpdate{
		UploadAttempts: &attempts,
		UploadedURL:    result.UploadedURL,
		Notes:          fmt.Sprintf("uploaded to %s %s: %s", r.platform, r.dest, result.UploadedURL),
	})
	p.note(ctx, r, fmt.Sprintf("uploader: uploaded to %s %s", r.platform, r.dest))

	r.logger.WithField("url", result.UploadedURL).Info("Upload completed")
	p.record(ctx, r, models.EventJobCompleted, string(OutcomeUploaded), nil)
	return &Result{JobID: r.job.ID, Outcome: OutcomeUploaded, UploadedURL: result.UploadedURL}
}

// postpone requeues the job for at without using a retry and hands the row
// back to the enqueue side.
func (p *Pipeline) postpone(ctx context.Context, r *run, at time.Time, reason, note string) *Result {
	if err := p.store.Jobs.RequeueAt(ctx, r.job.ID, at, reason); err != nil {
		r.logger.WithError(err).Error("Failed to requeue job")
	}
	if r.rowLocked {
		p.updateRow(ctx, r, models.RowReadyToUpload, nil)
	}
	if note != "" {
		p.note(ctx, r, note)
	}
	r.logger.WithFields(map[string]interface{}{
		"reason": reason,
		"until":  at.UTC().Format(time.RFC3339),
	}).Info("Upload deferred")
	p.record(ctx, r, models.EventJobDeferred, reason, nil)
	return &Result{JobID: r.job.ID, Outcome: OutcomeDeferred, NextAttempt: &at}
}

// fail records err against the job and the row. Quota exhaustion is a
// deferral to the next quota window, not a failure.
func (p *Pipeline) fail(ctx context.Context, r *run, err error) *Result {
	catErr := apperrors.Classify(err)
	if catErr.Category == apperrors.CategoryQuotaExhausted {
		next := storage.NextQuotaReset(p.store.Now())
		return p.postpone(ctx, r, next, catErr.JobError(), "scheduler: "+catErr.Code)
	}

	retryable := apperrors.IsRetryable(catErr)
	maxRetries := 0
	if retryable {
		maxRetries = p.maxAttempts
	}
	logger := r.logger.WithFields(map[string]interface{}{
		"category": string(catErr.Category),
		"code":     catErr.Code,
	})

	res := &Result{JobID: r.job.ID, Outcome: OutcomeFailed, Err: catErr}
	outcome, ferr := p.store.Jobs.MarkFailed(ctx, r.job.ID, catErr.JobError(), maxRetries)
	if ferr != nil {
		logger.WithError(ferr).Error("Failed to record job failure")
	} else if outcome.Requeued() {
		res.Outcome = OutcomeRetry
		res.NextAttempt = outcome.NextAttemptAfter
	}

	attention := apperrors.NeedsOperatorAttention(catErr)
	if r.rowLocked && r.cand != nil {
		attempts := r.cand.UploadAttempts + 1
		status := models.RowError
		if retryable && attempts < p.maxAttempts {
			status = models.RowReadyToUpload
		}
		update := &models.RowUpdate{UploadAttempts: &attempts, ErrorLog: catErr.JobError()}
		if attention {
			update.ManualFlag = models.ReviewFlag
		}
		p.updateRow(ctx, r, status, update)
		p.note(ctx, r, "uploader error: "+truncateRunes(catErr.JobError(), 100))
	} else if r.rowLocked {
		status := models.RowError
		if retryable {
			status = models.RowReadyToUpload
		}
		p.updateRow(ctx, r, status, &models.RowUpdate{ErrorLog: catErr.JobError()})
	}

	if attention {
		alert := &notify.Alert{
			Kind:          notify.KindDestinationBlocked,
			DestinationID: r.dest,
			JobID:         r.job.ID,
			Message:       fmt.Sprintf("Upload blocked for %s: %s", r.dest, catErr.JobError()),
			Fields:        map[string]string{"platform": r.platform},
			InstanceID:    p.instanceID,
		}
		if err := p.notifier.Notify(ctx, alert); err != nil {
			logger.WithError(err).Warn("Failed to send admin alert")
		}
	}

	if res.Outcome == OutcomeRetry {
		logger.WithError(catErr).Warn("Upload failed, will retry")
	} else {
		logger.WithError(catErr).Error("Upload failed")
	}
	p.record(ctx, r, models.EventJobFailed, string(res.Outcome), catErr)
	return res
}

// updateRow writes a status to a row this run holds in IN_PROGRESS
func (p *Pipeline) updateRow(ctx context.Context, r *run, status string, fields *models.RowUpdate) {
	err := p.withTimeout(ctx, func(ctx context.Context) error {
		return p.source.UpdateStatus(ctx, r.job.SourceCollection, r.job.SourcePosition, status, fields, models.RowInProgress)
	})
	if err != nil {
		r.logger.WithError(err).WithField("status", status).Warn("Failed to update candidate row")
		return
	}
	r.rowLocked = status == models.RowInProgress
}

// note appends an audit line; failures are only logged
func (p *Pipeline) note(ctx context.Context, r *run, text string) {
	err := p.withTimeout(ctx, func(ctx context.Context) error {
		return p.source.AppendNote(ctx, r.job.SourceCollection, r.job.SourcePosition, text)
	})
	if err != nil {
		r.logger.WithError(err).Debug("Failed to append audit note")
	}
}

func (p *Pipeline) record(ctx context.Context, r *run, event, outcome string, err *apperrors.CategorizedError) {
	e := &models.UploadEvent{
		Event:         event,
		InstanceID:    p.instanceID,
		JobID:         r.job.ID,
		DestinationID: r.dest,
		Platform:      r.platform,
		Outcome:       outcome,
		DurationMs:    time.Since(r.started).Milliseconds(),
	}
	if err != nil {
		e.ErrorCategory = string(err.Category)
		e.Error = err.JobError()
	}
	p.recorder.Record(ctx, e)
}

func (p *Pipeline) withTimeout(ctx context.Context, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, p.callTimeout)
	defer cancel()
	return fn(ctx)
}

// mediaError classifies a media tool failure. A missing binary will not fix
// itself on retry.
func mediaError(code string, err error) error {
	if errors.Is(err, adapter.ErrToolMissing) {
		return apperrors.NewPreconditionError(code, err.Error())
	}
	if apperrors.Categorize(err) != "" {
		return err
	}
	return apperrors.NewTransientError(code, err)
}

func shortFingerprint(fp string) string {
	if len(fp) > 16 {
		return fp[:16]
	}
	return fp
}
