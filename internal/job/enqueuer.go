package job

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/gravixrdp/yt-automation/internal/adapter"
	"github.com/gravixrdp/yt-automation/internal/events"
	"github.com/gravixrdp/yt-automation/internal/logging"
	"github.com/gravixrdp/yt-automation/internal/models"
	"github.com/gravixrdp/yt-automation/internal/storage"
)

// PollResult counts what one enqueue cycle did with the ready candidates
type PollResult struct {
	Ready           int `json:"ready"`
	Enqueued        int `json:"enqueued"`
	Duplicates      int `json:"duplicates"`
	SkippedCap      int `json:"skippedCap"`
	SkippedFlag     int `json:"skippedFlag"`
	SkippedSchedule int `json:"skippedSchedule"`
	SkippedAttempts int `json:"skippedAttempts"`
}

// EnqueuerConfig holds configuration for an Enqueuer
type EnqueuerConfig struct {
	Store          *storage.Store
	Source         adapter.CandidateSource
	Directory      adapter.DestinationDirectory // optional; nil disables dynamic mappings
	Recorder       events.Recorder              // optional
	StaticMappings map[string]string
	DailyCap       int
	MaxAttempts    int
}

// Enqueuer admits ready candidates into the job queue
type Enqueuer struct {
	store     *storage.Store
	source    adapter.CandidateSource
	directory adapter.DestinationDirectory
	recorder  events.Recorder
	static    map[string]string
	dailyCap  int
	maxTries  int
}

// NewEnqueuer creates a new enqueuer
func NewEnqueuer(cfg *EnqueuerConfig) (*Enqueuer, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if cfg.Source == nil {
		return nil, fmt.Errorf("candidate source cannot be nil")
	}
	if cfg.DailyCap < 1 {
		return nil, fmt.Errorf("daily cap must be at least 1, got %d", cfg.DailyCap)
	}
	if cfg.MaxAttempts < 1 {
		return nil, fmt.Errorf("max attempts must be at least 1, got %d", cfg.MaxAttempts)
	}

	recorder := cfg.Recorder
	if recorder == nil {
		recorder = events.LogRecorder{}
	}
	return &Enqueuer{
		store:     cfg.Store,
		source:    cfg.Source,
		directory: cfg.Directory,
		recorder:  recorder,
		static:    cfg.StaticMappings,
		dailyCap:  cfg.DailyCap,
		maxTries:  cfg.MaxAttempts,
	}, nil
}

// Poll reads every ready candidate and enqueues the eligible ones.
// Failures on a single candidate are logged and do not stop the cycle.
func (e *Enqueuer) Poll(ctx context.Context) (*PollResult, error) {
	logger := logging.FromContext(ctx)
	started := time.Now()

	candidates, err := e.source.ReadReadyCandidates(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read ready candidates: %w", err)
	}

	mappings := map[string]string{}
	if e.directory != nil {
		m, err := e.directory.Mappings(ctx)
		if err != nil {
			// static routing still works without the directory
			logger.WithError(err).Warn("Failed to load destination mappings")
		} else {
			mappings = m
		}
	}

	result := &PollResult{Ready: len(candidates)}
	now := e.store.Now()
	capReached := make(map[string]bool)

	for _, c := range candidates {
		if c.FlaggedForReview() {
			result.SkippedFlag++
			continue
		}
		if c.UploadAttempts >= e.maxTries {
			result.SkippedAttempts++
			continue
		}
		if at := c.ScheduledFor(); at != nil && at.After(now) {
			result.SkippedSchedule++
			continue
		}

		dest := e.resolveDestination(c, mappings)
		if dest != "" {
			full, seen := capReached[dest]
			if !seen {
				count, err := e.store.Ledger.UploadsToday(ctx, dest)
				if err != nil {
					logger.WithError(err).WithField("destination", dest).Warn("Failed to read daily uploads")
					continue
				}
				full = count >= e.dailyCap
				capReached[dest] = full
			}
			if full {
				note := fmt.Sprintf("scheduler: quota_reached_today for %s", dest)
				if err := e.source.AppendNote(ctx, c.Collection, c.Position, note); err != nil {
					logger.WithError(err).WithField("rowId", c.RowID).Debug("Failed to append audit note")
				}
				result.SkippedCap++
				continue
			}
		}

		added, err := e.store.Jobs.Enqueue(ctx, &models.NewJob{
			SourceCollection: c.Collection,
			SourcePosition:   c.Position,
			RowID:            c.RowID,
			PriorityScore:    c.PriorityScore,
			CandidateAt:      c.ScrapedAt,
			DestinationID:    dest,
		})
		if err != nil {
			logger.WithError(err).WithField("rowId", c.RowID).Error("Failed to enqueue candidate")
			continue
		}
		if added {
			result.Enqueued++
		} else {
			result.Duplicates++
		}
	}

	logger.WithFields(map[string]interface{}{
		"ready":           result.Ready,
		"enqueued":        result.Enqueued,
		"duplicates":      result.Duplicates,
		"skippedCap":      result.SkippedCap,
		"skippedFlag":     result.SkippedFlag,
		"skippedSchedule": result.SkippedSchedule,
		"skippedAttempts": result.SkippedAttempts,
	}).Info("Poll complete")

	e.recorder.Record(ctx, &models.UploadEvent{
		Event:      models.EventPollComplete,
		Outcome:    "ok",
		DurationMs: time.Since(started).Milliseconds(),
		Attributes: map[string]string{
			"ready":            fmt.Sprint(result.Ready),
			"enqueued":         fmt.Sprint(result.Enqueued),
			"duplicates":       fmt.Sprint(result.Duplicates),
			"skipped_cap":      fmt.Sprint(result.SkippedCap),
			"skipped_flag":     fmt.Sprint(result.SkippedFlag),
			"skipped_schedule": fmt.Sprint(result.SkippedSchedule),
			"skipped_attempts": fmt.Sprint(result.SkippedAttempts),
		},
	})
	return result, nil
}

// resolveDestination applies routing precedence: the row's own mapping, then
// the collection's dynamic mapping, then the static fallback.
func (e *Enqueuer) resolveDestination(c *models.Candidate, dynamic map[string]string) string {
	if dest := strings.TrimSpace(c.DestinationID); dest != "" {
		return dest
	}
	if dest := dynamic[c.Collection]; dest != "" {
		return dest
	}
	return e.static[c.Collection]
}
