// Package events records structured pipeline events for analytics.
package events

import (
	"context"
	"sync"
	"time"

	"github.com/gravixrdp/yt-automation/internal/logging"
	"github.com/gravixrdp/yt-automation/internal/models"
)

// Recorder accepts pipeline events. Record never blocks on the sink.
type Recorder interface {
	Record(ctx context.Context, event *models.UploadEvent)
	Close(ctx context.Context) error
}

// Sink persists a batch of events
type Sink interface {
	InsertBatch(ctx context.Context, events []*models.UploadEvent) error
}

// LogRecorder writes events to the debug log only
type LogRecorder struct{}

// Record logs the event
func (LogRecorder) Record(ctx context.Context, e *models.UploadEvent) {
	logging.FromContext(ctx).WithFields(map[string]interface{}{
		"event":       e.Event,
		"jobId":       e.JobID,
		"destination": e.DestinationID,
		"outcome":     e.Outcome,
	}).Debug("Pipeline event")
}

// Close is a no-op
func (LogRecorder) Close(context.Context) error { return nil }

// BatchConfig tunes a BatchRecorder
type BatchConfig struct {
	InstanceID    string
	BatchSize     int           // flush when this many events are buffered
	FlushInterval time.Duration // flush at least this often
	BufferLimit   int           // events beyond this are dropped while the sink is down
}

// BatchRecorder buffers events and writes them to a Sink in batches
type BatchRecorder struct {
	sink Sink
	cfg  BatchConfig

	mu      sync.Mutex
	buf     []*models.UploadEvent
	dropped int

	flushCh chan struct{}
	done    chan struct{}
	stopped chan struct{}
	once    sync.Once
}

// NewBatchRecorder starts a recorder that flushes in the background
func NewBatchRecorder(sink Sink, cfg BatchConfig) *BatchRecorder {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 5 * time.Second
	}
	if cfg.BufferLimit < cfg.BatchSize {
		cfg.BufferLimit = cfg.BatchSize * 10
	}
	r := &BatchRecorder{
		sink:    sink,
		cfg:     cfg,
		flushCh: make(chan struct{}, 1),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	go r.loop()
	return r
}

// Record buffers e, stamping the instance id and time when unset
func (r *BatchRecorder) Record(_ context.Context, e *models.UploadEvent) {
	if e.EventTime.IsZero() {
		e.EventTime = time.Now().UTC()
	}
	if e.InstanceID == "" {
		e.InstanceID = r.cfg.InstanceID
	}

	r.mu.Lock()
	if len(r.buf) >= r.cfg.BufferLimit {
		r.dropped++
		r.mu.Unlock()
		return
	}
	r.buf = append(r.buf, e)
	full := len(r.buf) >= r.cfg.BatchSize
	r.mu.Unlock()

	if full {
		select {
		case r.flushCh <- struct{}{}:
		default:
		}
	}
}

func (r *BatchRecorder) loop() {
	defer close(r.stopped)
	ticker := time.NewTicker(r.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.done:
			return
		case <-ticker.C:
		case <-r.flushCh:
		}
		ctx, cancel := context.WithTimeout(context.Background(), r.cfg.FlushInterval)
		_ = r.Flush(ctx)
		cancel()
	}
}

// Flush writes everything buffered. Events are put back on failure.
func (r *BatchRecorder) Flush(ctx context.Context) error {
	r.mu.Lock()
	batch := r.buf
	r.buf = nil
	dropped := r.dropped
	r.dropped = 0
	r.mu.Unlock()

	if dropped > 0 {
		logging.FromContext(ctx).WithField("dropped", dropped).Warn("Event buffer full, events dropped")
	}
	if len(batch) == 0 {
		return nil
	}

	if err := r.sink.InsertBatch(ctx, batch); err != nil {
		logging.FromContext(ctx).WithError(err).WithField("events", len(batch)).Warn("Failed to write event batch")
		r.mu.Lock()
		room := r.cfg.BufferLimit - len(r.buf)
		if room > len(batch) {
			room = len(batch)
		}
		if room > 0 {
			r.buf = append(batch[:room:room], r.buf...)
		}
		r.dropped += len(batch) - max(room, 0)
		r.mu.Unlock()
		return err
	}
	return nil
}

// Close stops the background loop and flushes what is left
func (r *BatchRecorder) Close(ctx context.Context) error {
	r.once.Do(func() { close(r.done) })
	<-r.stopped
	return r.Flush(ctx)
}
