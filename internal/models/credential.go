package models

import "time"

// Credential is the stored OAuth state for one destination account
type Credential struct {
	DestinationID string    `json:"destinationId"`
	AccessToken   string    `json:"-"`
	RefreshToken  string    `json:"-"`
	ExpiresAt     time.Time `json:"expiresAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// ExpiresWithin reports whether the token needs a refresh within d of now
func (c *Credential) ExpiresWithin(now time.Time, d time.Duration) bool {
	return c.ExpiresAt.IsZero() || c.ExpiresAt.Before(now.Add(d))
}
