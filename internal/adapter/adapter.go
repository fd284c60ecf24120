// Package adapter defines the boundaries between the scheduler and the
// systems it drives: the candidate row store, the destination directory,
// the media toolchain and the per-platform uploaders.
package adapter

import (
	"context"
	"time"

	"github.com/gravixrdp/yt-automation/internal/models"
)

// CandidateSource is the external row store that holds upload candidates
type CandidateSource interface {
	// ReadReadyCandidates returns every row in READY_TO_UPLOAD, best first
	ReadReadyCandidates(ctx context.Context) ([]*models.Candidate, error)

	// ReadOne returns the row at (collection, position), or nil when it is gone
	ReadOne(ctx context.Context, collection string, position int) (*models.Candidate, error)

	// UpdateStatus moves a row to status only while its current status equals
	// expected. A mismatch returns a conflict error.
	UpdateStatus(ctx context.Context, collection string, position int, status string, fields *models.RowUpdate, expected string) error

	// AppendNote appends an audit line to the row's notes
	AppendNote(ctx context.Context, collection string, position int, text string) error

	// UploadedFingerprints returns content fingerprints already uploaded to
	// dest since the given time
	UploadedFingerprints(ctx context.Context, dest string, since time.Time) ([]string, error)

	// ClearDestinationTags removes dest from every row that names it and
	// returns how many rows changed
	ClearDestinationTags(ctx context.Context, dest string) (int, error)
}

// DestinationDirectory resolves destinations and their collection mappings
type DestinationDirectory interface {
	// Mappings returns the active collection -> destination routing
	Mappings(ctx context.Context) (map[string]string, error)

	// Destination returns one destination account
	Destination(ctx context.Context, id string) (*models.Destination, error)

	// DisableMappings deactivates every mapping that targets dest
	DisableMappings(ctx context.Context, dest string) (int, error)

	// RemoveDestination deletes the destination account record
	RemoveDestination(ctx context.Context, dest string) error
}

// AcquiredMedia is a downloaded source file
type AcquiredMedia struct {
	Path        string
	Fingerprint string
	Method      string // how the fingerprint was computed
	SizeBytes   int64
}

// MediaCheck is the outcome of validating a file for a platform
type MediaCheck struct {
	Valid    bool
	Duration time.Duration
	Width    int
	Height   int
	Reason   string
}

// MediaPipeline fetches, transforms and checks media files
type MediaPipeline interface {
	// Acquire downloads sourceURL into the work directory
	Acquire(ctx context.Context, sourceURL string) (*AcquiredMedia, error)

	// Transform produces the upload-ready file and returns its path. It may
	// return the input path unchanged.
	Transform(ctx context.Context, path, hint, dest string) (string, error)

	// Validate checks that the file is acceptable to the platform
	Validate(ctx context.Context, path, platform string) (*MediaCheck, error)

	// Discard removes local files. Missing files are ignored.
	Discard(paths ...string)
}

// CredentialProvider hands out destination access tokens
type CredentialProvider interface {
	AccessToken(ctx context.Context, dest string) (string, error)
}
