package models

import (
	"strings"
	"time"
)

// Row statuses on the external candidate store
const (
	RowReadyToUpload    = "READY_TO_UPLOAD"
	RowInProgress       = "IN_PROGRESS"
	RowUploaded         = "UPLOADED"
	RowError            = "ERROR"
	RowSkippedDuplicate = "SKIPPED_DUPLICATE"
)

// ReviewFlag marks a row an operator must look at before it is uploaded
const ReviewFlag = "review"

// Candidate is an externally sourced item eligible for upload
type Candidate struct {
	Collection     string     `json:"collection"`
	Position       int        `json:"position"`
	RowID          int64      `json:"rowId"`
	Status         string     `json:"status"`
	PriorityScore  int        `json:"priorityScore"`
	ScrapedAt      time.Time  `json:"scrapedAt"`
	SourceURL      string     `json:"sourceUrl"`
	SourceTitle    string     `json:"sourceTitle,omitempty"`
	Fingerprint    string     `json:"fingerprint,omitempty"`
	DestinationID  string     `json:"destinationId,omitempty"`
	ManualFlag     string     `json:"manualFlag,omitempty"`
	UploadAttempts int        `json:"uploadAttempts"`
	ScheduledAt    *time.Time `json:"scheduledAt,omitempty"`
	Title          string     `json:"title,omitempty"`
	Description    string     `json:"description,omitempty"`
	Tags           []string   `json:"tags,omitempty"`
	Hashtags       []string   `json:"hashtags,omitempty"`
	Category       string     `json:"category,omitempty"`
	TransformHint  string     `json:"transformHint,omitempty"`
	Notes          string     `json:"notes,omitempty"`
}

// FlaggedForReview reports whether an operator hold is set
func (c *Candidate) FlaggedForReview() bool {
	return strings.EqualFold(strings.TrimSpace(c.ManualFlag), ReviewFlag)
}

// scheduleToken is how notes carry a deferred schedule
const scheduleToken = "schedule_at_utc="

// ScheduledFor returns the explicit schedule, falling back to a
// schedule_at_utc=<RFC3339> token in the notes.
func (c *Candidate) ScheduledFor() *time.Time {
	if c.ScheduledAt != nil {
		return c.ScheduledAt
	}
	idx := strings.Index(c.Notes, scheduleToken)
	if idx < 0 {
		return nil
	}
	raw := c.Notes[idx+len(scheduleToken):]
	if end := strings.IndexAny(raw, " ;,\n"); end >= 0 {
		raw = raw[:end]
	}
	t, err := time.Parse(time.RFC3339, strings.TrimSpace(raw))
	if err != nil {
		return nil
	}
	t = t.UTC()
	return &t
}

// RowUpdate carries extra fields written with a status change
type RowUpdate struct {
	UploadAttempts *int
	UploadedURL    string
	ErrorLog       string
	Notes          string
	ManualFlag     string
}
