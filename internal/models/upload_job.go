package models

import "time"

// JobStatus is the lifecycle state of an upload or cleanup job
type JobStatus string

const (
	StatusQueued     JobStatus = "QUEUED"
	StatusInProgress JobStatus = "IN_PROGRESS"
	StatusCompleted  JobStatus = "COMPLETED"
	StatusFailed     JobStatus = "FAILED"
)

// AllJobStatuses lists every status in display order
var AllJobStatuses = []JobStatus{
	StatusQueued,
	StatusInProgress,
	StatusCompleted,
	StatusFailed,
}

func (s JobStatus) String() string {
	return string(s)
}

// IsTerminal reports whether no further transition is expected
func (s JobStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// ParseJobStatus validates a status name
func ParseJobStatus(s string) (JobStatus, bool) {
	for _, st := range AllJobStatuses {
		if string(st) == s {
			return st, true
		}
	}
	return "", false
}

// Transition is one allowed status change
type Transition struct {
	From JobStatus
	To   JobStatus
}

// ValidJobTransitions is the upload job state machine.
// FAILED -> QUEUED only happens through the reconciler's status-conflict requeue.
var ValidJobTransitions = []Transition{
	{From: StatusQueued, To: StatusInProgress},
	{From: StatusQueued, To: StatusFailed},
	{From: StatusInProgress, To: StatusCompleted},
	{From: StatusInProgress, To: StatusQueued},
	{From: StatusInProgress, To: StatusFailed},
	{From: StatusFailed, To: StatusQueued},
}

// IsValidTransition reports whether from -> to is part of the state machine
func IsValidTransition(from, to JobStatus) bool {
	for _, t := range ValidJobTransitions {
		if t.From == from && t.To == to {
			return true
		}
	}
	return false
}

// UploadJob is one admitted candidate awaiting or undergoing upload
type UploadJob struct {
	ID               int64      `json:"id"`
	SourceCollection string     `json:"sourceCollection"`
	SourcePosition   int        `json:"sourcePosition"`
	RowID            int64      `json:"rowId"`
	PriorityScore    int        `json:"priorityScore"`
	CandidateAt      time.Time  `json:"candidateAt"`
	DestinationID    string     `json:"destinationId,omitempty"`
	Status           JobStatus  `json:"status"`
	RetryCount       int        `json:"retryCount"`
	NextAttemptAfter *time.Time `json:"nextAttemptAfter,omitempty"`
	LastError        string     `json:"lastError,omitempty"`
	CreatedAt        time.Time  `json:"createdAt"`
	UpdatedAt        time.Time  `json:"updatedAt"`
}

// IsDue reports whether the job may be dispatched at now
func (j *UploadJob) IsDue(now time.Time) bool {
	if j.Status != StatusQueued {
		return false
	}
	return j.NextAttemptAfter == nil || !j.NextAttemptAfter.After(now)
}

// NewJob is the input for admitting a candidate into the queue
type NewJob struct {
	SourceCollection string
	SourcePosition   int
	RowID            int64
	PriorityScore    int
	CandidateAt      time.Time
	DestinationID    string
}

// FailOutcome describes what MarkFailed did with a job
type FailOutcome struct {
	JobID            int64
	RetryCount       int
	Status           JobStatus
	NextAttemptAfter *time.Time
}

// Requeued reports whether the failure was retried rather than terminal
func (o *FailOutcome) Requeued() bool {
	return o.Status == StatusQueued
}

// CompletionRecord is everything written when an upload succeeds
type CompletionRecord struct {
	JobID          int64
	DestinationID  string
	RowID          int64
	IdempotencyKey string // empty when the content has no fingerprint
	QuotaPool      string // empty for platforms without metered quota
	QuotaUnits     int
	CompletedAt    time.Time
}
