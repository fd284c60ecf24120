// Package credentials serves destination access tokens and refreshes them
// ahead of expiry under a per-account lock.
package credentials

import (
	"context"
	"errors"
	"fmt"
	"time"

	apperrors "github.com/gravixrdp/yt-automation/internal/errors"
	"github.com/gravixrdp/yt-automation/internal/lock"
	"github.com/gravixrdp/yt-automation/internal/logging"
	"github.com/gravixrdp/yt-automation/internal/models"
	"github.com/gravixrdp/yt-automation/internal/storage"
)

const lockTTL = time.Minute

// Store persists credentials
type Store interface {
	Get(ctx context.Context, dest string) (*models.Credential, error)
	Save(ctx context.Context, cred *models.Credential) error
	ExpiringBefore(ctx context.Context, t time.Time) ([]*models.Credential, error)
}

// Refresher exchanges a refresh token for a new access token
type Refresher interface {
	Refresh(ctx context.Context, cred *models.Credential) (*models.Credential, error)
}

// Provider hands out access tokens. It never refreshes inline; RefreshExpiring
// is driven by the reconciler.
type Provider struct {
	store     Store
	locker    lock.Locker
	refresher Refresher
	ahead     time.Duration
	now       func() time.Time
}

// NewProvider creates a provider. refresher may be nil, which disables refresh.
func NewProvider(store Store, locker lock.Locker, refresher Refresher, ahead time.Duration) *Provider {
	if locker == nil {
		locker = lock.NewLocalLocker()
	}
	return &Provider{
		store:     store,
		locker:    locker,
		refresher: refresher,
		ahead:     ahead,
		now:       time.Now,
	}
}

// AccessToken returns the current token for dest
func (p *Provider) AccessToken(ctx context.Context, dest string) (string, error) {
	cred, err := p.store.Get(ctx, dest)
	if errors.Is(err, storage.ErrNotFound) {
		return "", apperrors.NewPreconditionError("no_credentials", "no credentials stored for "+dest)
	}
	if err != nil {
		return "", apperrors.NewTransientError("credential_read_failed", err)
	}
	if cred.AccessToken == "" || (!cred.ExpiresAt.IsZero() && !cred.ExpiresAt.After(p.now())) {
		return "", apperrors.NewTransientError("token_expired", fmt.Errorf("access token for %s is expired", dest))
	}
	return cred.AccessToken, nil
}

// RefreshExpiring refreshes every credential expiring within the look-ahead
// window and returns how many were refreshed
func (p *Provider) RefreshExpiring(ctx context.Context) (int, error) {
	if p.refresher == nil {
		return 0, nil
	}
	creds, err := p.store.ExpiringBefore(ctx, p.now().Add(p.ahead))
	if err != nil {
		return 0, err
	}

	var (
		refreshed int
		errs      []error
	)
	for _, c := range creds {
		ok, err := p.Refresh(ctx, c.DestinationID)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", c.DestinationID, err))
			continue
		}
		if ok {
			refreshed++
		}
	}
	return refreshed, errors.Join(errs...)
}

// Refresh refreshes dest's token if it is still expiring once the lock is
// held. It reports whether a new token was stored.
func (p *Provider) Refresh(ctx context.Context, dest string) (bool, error) {
	if p.refresher == nil {
		return false, nil
	}
	unlock, err := p.locker.Acquire(ctx, "credential:"+dest, lockTTL)
	if err != nil {
		return false, err
	}
	defer func() {
		if err := unlock(context.WithoutCancel(ctx)); err != nil {
			logging.FromContext(ctx).WithError(err).WithField("destination", dest).Warn("Credential lock release failed")
		}
	}()

	// another process may have refreshed while we waited
	cred, err := p.store.Get(ctx, dest)
	if err != nil {
		return false, err
	}
	if !cred.ExpiresWithin(p.now(), p.ahead) {
		return false, nil
	}

	fresh, err := p.refresher.Refresh(ctx, cred)
	if err != nil {
		return false, fmt.Errorf("failed to refresh token: %w", err)
	}
	fresh.DestinationID = dest
	if err := p.store.Save(ctx, fresh); err != nil {
		return false, err
	}
	return true, nil
}
