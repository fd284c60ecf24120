package models

import "time"

// Event names written to the analytics sink
const (
	EventPollComplete = "poll_complete"
	EventJobStart     = "job_start"
	EventJobCompleted = "job_completed"
	EventJobSkipped   = "job_skipped"
	EventJobDeferred  = "job_deferred"
	EventJobFailed    = "job_failed"
	EventCleanup      = "cleanup"
)

// UploadEvent is one structured pipeline event
type UploadEvent struct {
	EventTime     time.Time         `json:"eventTime"`
	Event         string            `json:"event"`
	InstanceID    string            `json:"instanceId"`
	JobID         int64             `json:"jobId"`
	DestinationID string            `json:"destinationId"`
	Platform      string            `json:"platform"`
	Outcome       string            `json:"outcome"`
	ErrorCategory string            `json:"errorCategory,omitempty"`
	Error         string            `json:"error,omitempty"`
	DurationMs    int64             `json:"durationMs"`
	Attributes    map[string]string `json:"attributes,omitempty"`
}
