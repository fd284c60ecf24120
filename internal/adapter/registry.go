package adapter

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/gravixrdp/yt-automation/internal/circuitbreaker"
	apperrors "github.com/gravixrdp/yt-automation/internal/errors"
)

// Registry selects the uploader for a platform. Every uploader it hands out
// is guarded by that platform's circuit breaker.
type Registry struct {
	mu        sync.RWMutex
	uploaders map[string]Uploader
	breakers  *circuitbreaker.Manager
}

// NewRegistry creates a registry. breakers may be nil to use defaults.
func NewRegistry(breakers *circuitbreaker.Manager, uploaders ...Uploader) *Registry {
	if breakers == nil {
		breakers = circuitbreaker.NewManager(nil)
	}
	r := &Registry{
		uploaders: make(map[string]Uploader),
		breakers:  breakers,
	}
	for _, u := range uploaders {
		r.Register(u)
	}
	return r
}

// Register adds or replaces the uploader for u.Platform()
func (r *Registry) Register(u Uploader) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.uploaders[u.Platform()] = u
}

// Get returns the guarded uploader for platform
func (r *Registry) Get(platform string) (Uploader, error) {
	r.mu.RLock()
	u, ok := r.uploaders[platform]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w for platform %q", ErrNoUploader, platform)
	}
	return &guardedUploader{inner: u, breaker: r.breakers.Get(platform)}, nil
}

// Platforms lists registered platforms
func (r *Registry) Platforms() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.uploaders))
	for p := range r.uploaders {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Breakers exposes breaker state for the inspection API
func (r *Registry) Breakers() []*circuitbreaker.Stats {
	return r.breakers.AllStats()
}

// errRetryableResult marks a retryable platform failure so the breaker counts it
var errRetryableResult = errors.New("retryable upload failure")

type guardedUploader struct {
	inner   Uploader
	breaker *circuitbreaker.CircuitBreaker
}

func (g *guardedUploader) Platform() string {
	return g.inner.Platform()
}

func (g *guardedUploader) Upload(ctx context.Context, req *UploadRequest) (*UploadResult, error) {
	var result *UploadResult
	err := g.breaker.Execute(ctx, func() error {
		res, err := g.inner.Upload(ctx, req)
		if err != nil {
			return err
		}
		result = res
		if !res.Success && res.Retryable {
			return errRetryableResult
		}
		return nil
	})

	switch {
	case errors.Is(err, circuitbreaker.ErrCircuitOpen), errors.Is(err, circuitbreaker.ErrTooManyRequests):
		return nil, apperrors.NewTransientError("circuit_open", NewAdapterError(g.inner.Platform(), "upload", err))
	case errors.Is(err, errRetryableResult):
		return result, nil
	case err != nil:
		return nil, NewAdapterError(g.inner.Platform(), "upload", err)
	}
	return result, nil
}
