package storage

import (
	"context"
	"fmt"

	"github.com/gravixrdp/yt-automation/internal/models"
)

// EventRepository writes pipeline events to ClickHouse
type EventRepository struct {
	db *ClickHouseDB
}

// NewEventRepository creates a new event repository
func NewEventRepository(db *ClickHouseDB) *EventRepository {
	return &EventRepository{db: db}
}

// InsertBatch inserts events in a single batch
func (r *EventRepository) InsertBatch(ctx context.Context, events []*models.UploadEvent) error {
	if len(events) == 0 {
		return nil
	}

	batch, err := r.db.conn.PrepareBatch(ctx, `
		INSERT INTO upload_events (
			event_time, event, instance_id, job_id, destination_id, platform,
			outcome, error_category, error, duration_ms, attributes
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare batch: %w", err)
	}

	for _, e := range events {
		attrs := e.Attributes
		if attrs == nil {
			attrs = map[string]string{}
		}
		err := batch.Append(
			e.EventTime,
			e.Event,
			e.InstanceID,
			e.JobID,
			e.DestinationID,
			e.Platform,
			e.Outcome,
			e.ErrorCategory,
			e.Error,
			e.DurationMs,
			attrs,
		)
		if err != nil {
			_ = batch.Abort()
			return fmt.Errorf("failed to append event to batch: %w", err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("failed to send batch: %w", err)
	}
	return nil
}
