package models

// Platforms with a registered upload adapter
const (
	PlatformYouTube   = "youtube"
	PlatformInstagram = "instagram"
	PlatformTikTok    = "tiktok"
)

// Destination is an account that receives uploads
type Destination struct {
	ID        string `json:"id" yaml:"id"`
	Platform  string `json:"platform" yaml:"platform"`
	QuotaPool string `json:"quotaPool,omitempty" yaml:"quota_pool"`
	Active    bool   `json:"active" yaml:"active"`
}

// DestinationMapping routes a whole source collection to a destination
type DestinationMapping struct {
	Collection    string `json:"collection"`
	DestinationID string `json:"destinationId"`
	Platform      string `json:"platform"`
	Active        bool   `json:"active"`
}
