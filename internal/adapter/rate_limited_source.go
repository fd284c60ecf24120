package adapter

import (
	"context"
	"time"

	"golang.org/x/time/rate"

	"github.com/gravixrdp/yt-automation/internal/models"
)

// rateLimitedSource throttles every call to the underlying row store
type rateLimitedSource struct {
	inner   CandidateSource
	limiter *rate.Limiter
}

var _ CandidateSource = (*rateLimitedSource)(nil)

// NewRateLimitedSource wraps src so it sees at most rps calls per second.
// A non-positive rps returns src unchanged.
func NewRateLimitedSource(src CandidateSource, rps float64) CandidateSource {
	if rps <= 0 {
		return src
	}
	burst := int(rps)
	if burst < 1 {
		burst = 1
	}
	return &rateLimitedSource{inner: src, limiter: rate.NewLimiter(rate.Limit(rps), burst)}
}

func (s *rateLimitedSource) ReadReadyCandidates(ctx context.Context) ([]*models.Candidate, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return s.inner.ReadReadyCandidates(ctx)
}

func (s *rateLimitedSource) ReadOne(ctx context.Context, collection string, position int) (*models.Candidate, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return s.inner.ReadOne(ctx, collection, position)
}

func (s *rateLimitedSource) UpdateStatus(ctx context.Context, collection string, position int, status string, fields *models.RowUpdate, expected string) error {
	if err := s.limiter.Wait(ctx); err != nil {
		return err
	}
	return s.inner.UpdateStatus(ctx, collection, position, status, fields, expected)
}

func (s *rateLimitedSource) AppendNote(ctx context.Context, collection string, position int, text string) error {
	if err := s.limiter.Wait(ctx); err != nil {
		return err
	}
	return s.inner.AppendNote(ctx, collection, position, text)
}

func (s *rateLimitedSource) UploadedFingerprints(ctx context.Context, dest string, since time.Time) ([]string, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return s.inner.UploadedFingerprints(ctx, dest, since)
}

func (s *rateLimitedSource) ClearDestinationTags(ctx context.Context, dest string) (int, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return 0, err
	}
	return s.inner.ClearDestinationTags(ctx, dest)
}
