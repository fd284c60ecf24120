package models

import "time"

// DailyUploadRecord counts one successful upload against a destination's daily cap
type DailyUploadRecord struct {
	DestinationID string    `json:"destinationId"`
	UploadDate    string    `json:"uploadDate"` // YYYY-MM-DD
	RowID         int64     `json:"rowId"`
	UploadedAt    time.Time `json:"uploadedAt"`
}

// LastUploadTime holds the latest successful upload per destination
type LastUploadTime struct {
	DestinationID string    `json:"destinationId"`
	UploadedAt    time.Time `json:"uploadedAt"`
}

// QuotaUsage accumulates consumed units for a cost pool on one date
type QuotaUsage struct {
	PoolID    string    `json:"poolId"`
	QuotaDate string    `json:"quotaDate"`
	UnitsUsed int       `json:"unitsUsed"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// IdempotencyRecord proves an upload for (fingerprint, destination) succeeded
type IdempotencyRecord struct {
	Key         string    `json:"key"`
	JobID       int64     `json:"jobId"`
	CompletedAt time.Time `json:"completedAt"`
}
