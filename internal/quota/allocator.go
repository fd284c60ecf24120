// Package quota allocates upload cost units across daily platform quota pools.
package quota

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/gravixrdp/yt-automation/internal/models"
)

// Default allocator configuration values.
const (
	DefaultDailyLimit     = 10000 // units per pool per day
	DefaultUnitsPerUpload = 1600  // cost of one video insert
	DefaultSafetyMargin   = 0.8   // operate within 80% of the nominal limit
)

// UsageStore reports units already consumed today and takes units atomically.
type UsageStore interface {
	Used(ctx context.Context, pool string) (int, error)
	// Reserve consumes units only if the day's total stays within budget.
	Reserve(ctx context.Context, pool string, units, budget int) (bool, error)
	// Release returns units consumed at back to pool.
	Release(ctx context.Context, pool string, units int, at time.Time) error
}

// AllocatorConfig holds configuration for the allocator.
type AllocatorConfig struct {
	// Store reports consumed units per pool. Required.
	Store UsageStore

	// Pools are the named cost pools, in preference order for ties.
	Pools []string

	// DailyLimit is the nominal per-pool daily unit limit. Default: 10000.
	DailyLimit int

	// SafetyMargin is the usable fraction of DailyLimit, in (0, 1]. Default: 0.8.
	SafetyMargin float64

	// UnitsPerUpload is the cost charged for one upload. Default: 1600.
	UnitsPerUpload int

	// MeteredPlatforms lists the platforms whose uploads consume quota.
	MeteredPlatforms []string
}

// Validate checks if the configuration is valid.
func (c *AllocatorConfig) Validate() error {
	if c.Store == nil {
		return errors.New("usage store is required")
	}
	if len(c.Pools) == 0 {
		return errors.New("at least one pool is required")
	}
	if c.DailyLimit < 0 || c.UnitsPerUpload < 0 {
		return errors.New("limits cannot be negative")
	}
	if c.SafetyMargin < 0 || c.SafetyMargin > 1 {
		return fmt.Errorf("safety margin %.2f must be in (0, 1]", c.SafetyMargin)
	}
	return nil
}

// PoolStatus is a point-in-time view of one pool.
type PoolStatus struct {
	Pool      string `json:"pool"`
	Budget    int    `json:"budget"`
	Used      int    `json:"used"`
	Remaining int    `json:"remaining"`
}

// Allocator picks the pool an upload is charged to. Units are reserved
// before the upload and released again when the upload does not happen.
type Allocator struct {
	store    UsageStore
	pools    []string
	budget   int
	unitCost int
	metered  map[string]bool
}

// NewAllocator creates an allocator. Zero values take the package defaults.
func NewAllocator(cfg *AllocatorConfig) (*Allocator, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	limit := cfg.DailyLimit
	if limit == 0 {
		limit = DefaultDailyLimit
	}
	margin := cfg.SafetyMargin
	if margin == 0 {
		margin = DefaultSafetyMargin
	}
	unitCost := cfg.UnitsPerUpload
	if unitCost == 0 {
		unitCost = DefaultUnitsPerUpload
	}

	metered := make(map[string]bool, len(cfg.MeteredPlatforms))
	for _, p := range cfg.MeteredPlatforms {
		metered[strings.ToLower(strings.TrimSpace(p))] = true
	}

	return &Allocator{
		store:    cfg.Store,
		pools:    append([]string(nil), cfg.Pools...),
		budget:   int(float64(limit) * margin),
		unitCost: unitCost,
		metered:  metered,
	}, nil
}

// Budget returns the usable units per pool per day
func (a *Allocator) Budget() int {
	return a.budget
}

// UnitsPerUpload returns the cost of one upload
func (a *Allocator) UnitsPerUpload() int {
	return a.unitCost
}

// IsMetered reports whether uploads to platform consume quota
func (a *Allocator) IsMetered(platform string) bool {
	return a.metered[strings.ToLower(platform)]
}

// Remaining returns pool's unspent budget for today, never negative
func (a *Allocator) Remaining(ctx context.Context, pool string) (int, error) {
	used, err := a.store.Used(ctx, pool)
	if err != nil {
		return 0, fmt.Errorf("failed to read usage for pool %s: %w", pool, err)
	}
	return max(0, a.budget-used), nil
}

// CheapestPool returns the pool with the most remaining budget. ok is false
// when even the best pool cannot afford one upload.
func (a *Allocator) CheapestPool(ctx context.Context) (pool string, ok bool, err error) {
	ranked, err := a.affordable(ctx)
	if err != nil || len(ranked) == 0 {
		return "", false, err
	}
	return ranked[0], true, nil
}

// affordable lists the pools that can pay for one upload, most remaining
// first. Ties keep the configured order.
func (a *Allocator) affordable(ctx context.Context) ([]string, error) {
	remaining := make(map[string]int, len(a.pools))
	ranked := make([]string, 0, len(a.pools))
	for _, p := range a.pools {
		r, err := a.Remaining(ctx, p)
		if err != nil {
			return nil, err
		}
		if r < a.unitCost {
			continue
		}
		remaining[p] = r
		ranked = append(ranked, p)
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		return remaining[ranked[i]] > remaining[ranked[j]]
	})
	return ranked, nil
}

// Reserve takes one upload's units for dest and returns the pool charged. A
// destination pinned to a pool only ever uses that pool. ok is false when no
// eligible pool can afford the upload.
func (a *Allocator) Reserve(ctx context.Context, dest *models.Destination) (pool string, ok bool, err error) {
	if dest != nil && dest.QuotaPool != "" {
		reserved, err := a.store.Reserve(ctx, dest.QuotaPool, a.unitCost, a.budget)
		if err != nil {
			return "", false, fmt.Errorf("failed to reserve quota in pool %s: %w", dest.QuotaPool, err)
		}
		if !reserved {
			return "", false, nil
		}
		return dest.QuotaPool, true, nil
	}

	// a pool drained by another worker since the read is skipped
	ranked, err := a.affordable(ctx)
	if err != nil {
		return "", false, err
	}
	for _, p := range ranked {
		reserved, err := a.store.Reserve(ctx, p, a.unitCost, a.budget)
		if err != nil {
			return "", false, fmt.Errorf("failed to reserve quota in pool %s: %w", p, err)
		}
		if reserved {
			return p, true, nil
		}
	}
	return "", false, nil
}

// Release refunds one upload's units reserved in pool at the given time
func (a *Allocator) Release(ctx context.Context, pool string, at time.Time) error {
	if err := a.store.Release(ctx, pool, a.unitCost, at); err != nil {
		return fmt.Errorf("failed to release quota in pool %s: %w", pool, err)
	}
	return nil
}

// Snapshot returns the status of every configured pool
func (a *Allocator) Snapshot(ctx context.Context) ([]PoolStatus, error) {
	statuses := make([]PoolStatus, 0, len(a.pools))
	for _, p := range a.pools {
		used, err := a.store.Used(ctx, p)
		if err != nil {
			return nil, fmt.Errorf("failed to read usage for pool %s: %w", p, err)
		}
		statuses = append(statuses, PoolStatus{
			Pool:      p,
			Budget:    a.budget,
			Used:      used,
			Remaining: max(0, a.budget-used),
		})
	}
	return statuses, nil
}
