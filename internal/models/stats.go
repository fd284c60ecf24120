package models

import "time"

// QueueStats is the stats-dump view of the queue
type QueueStats struct {
	ByStatus      map[JobStatus]int        `json:"byStatus"`
	Total         int                      `json:"total"`
	UploadedToday int                      `json:"uploadedToday"`
	PerDestToday  map[string]int           `json:"perDestinationToday"`
	Cleanup       []*DestinationCleanupJob `json:"cleanupJobs,omitempty"`
	GeneratedAt   time.Time                `json:"generatedAt"`
}

// Count returns the number of jobs in a status
func (s *QueueStats) Count(status JobStatus) int {
	if s.ByStatus == nil {
		return 0
	}
	return s.ByStatus[status]
}
