package models

import "time"

// DestinationCleanupJob unwinds a removed destination. Progress counters are
// cumulative across attempts.
type DestinationCleanupJob struct {
	ID                     int64      `json:"id"`
	DestinationID          string     `json:"destinationId"`
	Status                 JobStatus  `json:"status"`
	AttemptCount           int        `json:"attemptCount"`
	NextAttemptAfter       *time.Time `json:"nextAttemptAfter,omitempty"`
	LastError              string     `json:"lastError,omitempty"`
	RowsClearedTotal       int        `json:"rowsClearedTotal"`
	MappingsDisabledTotal  int        `json:"mappingsDisabledTotal"`
	QueueCanceledTotal     int        `json:"queueCanceledTotal"`
	RemoveDestinationAfter bool       `json:"removeDestinationAfter"`
	CreatedAt              time.Time  `json:"createdAt"`
	UpdatedAt              time.Time  `json:"updatedAt"`
}

// CleanupProgress is what a single cleanup attempt managed to do
type CleanupProgress struct {
	RowsCleared      int `json:"rowsCleared"`
	MappingsDisabled int `json:"mappingsDisabled"`
	QueueCanceled    int `json:"queueCanceled"`
}

// Add merges another attempt's progress
func (p CleanupProgress) Add(o CleanupProgress) CleanupProgress {
	return CleanupProgress{
		RowsCleared:      p.RowsCleared + o.RowsCleared,
		MappingsDisabled: p.MappingsDisabled + o.MappingsDisabled,
		QueueCanceled:    p.QueueCanceled + o.QueueCanceled,
	}
}
