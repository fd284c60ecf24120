package quota

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gravixrdp/yt-automation/internal/models"
)

type mapUsage struct {
	mu   sync.Mutex
	used map[string]int
	err  error

	// beforeReserve runs ahead of every reservation, standing in for a
	// concurrent worker
	beforeReserve func(m *mapUsage, pool string)
}

func (m *mapUsage) Used(_ context.Context, pool string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return 0, m.err
	}
	return m.used[pool], nil
}

func (m *mapUsage) Reserve(_ context.Context, pool string, units, budget int) (bool, error) {
	if m.beforeReserve != nil {
		m.beforeReserve(m, pool)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return false, m.err
	}
	if m.used == nil {
		m.used = make(map[string]int)
	}
	if m.used[pool]+units > budget {
		return false, nil
	}
	m.used[pool] += units
	return true, nil
}

func (m *mapUsage) Release(_ context.Context, pool string, units int, _ time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.used[pool] = max(0, m.used[pool]-units)
	return nil
}

func newTestAllocator(t *testing.T, used map[string]int) *Allocator {
	t.Helper()
	a, err := NewAllocator(&AllocatorConfig{
		Store:            &mapUsage{used: used},
		Pools:            []string{"A", "B"},
		DailyLimit:       10000,
		SafetyMargin:     0.8,
		UnitsPerUpload:   1600,
		MeteredPlatforms: []string{"youtube"},
	})
	require.NoError(t, err)
	return a
}

func TestCheapestPool_PicksPoolWithBudget(t *testing.T) {
	a := newTestAllocator(t, map[string]int{"A": 8000, "B": 1600})

	pool, ok, err := a.CheapestPool(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "B", pool)
}

func TestCheapestPool_NoneWhenAllBelowUnitCost(t *testing.T) {
	a := newTestAllocator(t, map[string]int{"A": 7000, "B": 6500})

	pool, ok, err := a.CheapestPool(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, pool)
}

func TestRemaining_NeverNegative(t *testing.T) {
	a := newTestAllocator(t, map[string]int{"A": 9999})

	remaining, err := a.Remaining(context.Background(), "A")
	require.NoError(t, err)
	assert.Equal(t, 0, remaining)

	remaining, err = a.Remaining(context.Background(), "B")
	require.NoError(t, err)
	assert.Equal(t, 8000, remaining)
}

func TestReserve_PinnedDestination(t *testing.T) {
	a := newTestAllocator(t, map[string]int{"A": 7000, "B": 0})
	ctx := context.Background()

	pool, ok, err := a.Reserve(ctx, &models.Destination{ID: "yt_main", QuotaPool: "A"})
	require.NoError(t, err)
	assert.False(t, ok, "pinned pool is exhausted even though B has budget")
	assert.Empty(t, pool)

	pool, ok, err = a.Reserve(ctx, &models.Destination{ID: "yt_alt"})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "B", pool)

	remaining, err := a.Remaining(ctx, "B")
	require.NoError(t, err)
	assert.Equal(t, a.Budget()-a.UnitsPerUpload(), remaining)
}

func TestReserve_SkipsPoolDrainedConcurrently(t *testing.T) {
	store := &mapUsage{used: map[string]int{"A": 0, "B": 3200}}
	store.beforeReserve = func(m *mapUsage, pool string) {
		if pool != "A" {
			return
		}
		m.mu.Lock()
		m.used["A"] = 7000
		m.mu.Unlock()
	}
	a, err := NewAllocator(&AllocatorConfig{
		Store:        store,
		Pools:        []string{"A", "B"},
		DailyLimit:   10000,
		SafetyMargin: 0.8,
	})
	require.NoError(t, err)

	pool, ok, err := a.Reserve(context.Background(), &models.Destination{ID: "yt_main"})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "B", pool)
	assert.Equal(t, 4800, store.used["B"])
	assert.Equal(t, 7000, store.used["A"])
}

func TestReserve_ConcurrentNeverOverspends(t *testing.T) {
	a := newTestAllocator(t, map[string]int{"A": 0, "B": 0})
	ctx := context.Background()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		granted int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, ok, err := a.Reserve(ctx, &models.Destination{ID: "yt_main"})
			assert.NoError(t, err)
			if ok {
				mu.Lock()
				granted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	// 8000 / 1600 = 5 uploads per pool
	assert.Equal(t, 10, granted)
	statuses, err := a.Snapshot(ctx)
	require.NoError(t, err)
	for _, st := range statuses {
		assert.LessOrEqual(t, st.Used, st.Budget, st.Pool)
	}
}

func TestRelease_RefundsUnits(t *testing.T) {
	a := newTestAllocator(t, map[string]int{"A": 0, "B": 8000})
	ctx := context.Background()

	pool, ok, err := a.Reserve(ctx, nil)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "A", pool)

	require.NoError(t, a.Release(ctx, pool, time.Now()))
	remaining, err := a.Remaining(ctx, "A")
	require.NoError(t, err)
	assert.Equal(t, 8000, remaining)
}

func TestAllocator_StoreError(t *testing.T) {
	a, err := NewAllocator(&AllocatorConfig{
		Store: &mapUsage{err: errors.New("disk I/O error")},
		Pools: []string{"A"},
	})
	require.NoError(t, err)

	_, _, err = a.CheapestPool(context.Background())
	assert.Error(t, err)

	_, _, err = a.Reserve(context.Background(), &models.Destination{ID: "yt_main", QuotaPool: "A"})
	assert.Error(t, err)
}

func TestIsMetered(t *testing.T) {
	a := newTestAllocator(t, nil)
	assert.True(t, a.IsMetered("youtube"))
	assert.True(t, a.IsMetered("YouTube"))
	assert.False(t, a.IsMetered("instagram"))
}

func TestAllocatorConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     AllocatorConfig
		wantErr bool
	}{
		{name: "valid", cfg: AllocatorConfig{Store: &mapUsage{}, Pools: []string{"A"}}, wantErr: false},
		{name: "no store", cfg: AllocatorConfig{Pools: []string{"A"}}, wantErr: true},
		{name: "no pools", cfg: AllocatorConfig{Store: &mapUsage{}}, wantErr: true},
		{name: "margin above one", cfg: AllocatorConfig{Store: &mapUsage{}, Pools: []string{"A"}, SafetyMargin: 1.2}, wantErr: true},
		{name: "negative limit", cfg: AllocatorConfig{Store: &mapUsage{}, Pools: []string{"A"}, DailyLimit: -1}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestCheapestPool_Property(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("chosen pool has the most remaining budget and can afford one upload", prop.ForAll(
		func(usedA, usedB, usedC int) bool {
			store := &mapUsage{used: map[string]int{"A": usedA, "B": usedB, "C": usedC}}
			a, err := NewAllocator(&AllocatorConfig{
				Store:          store,
				Pools:          []string{"A", "B", "C"},
				DailyLimit:     10000,
				SafetyMargin:   0.8,
				UnitsPerUpload: 1600,
			})
			if err != nil {
				return false
			}
			pool, ok, err := a.CheapestPool(context.Background())
			if err != nil {
				return false
			}

			best := 0
			for _, used := range store.used {
				best = max(best, 8000-used)
			}
			if !ok {
				return best < 1600
			}
			return 8000-store.used[pool] == best && best >= 1600
		},
		gen.IntRange(0, 10000),
		gen.IntRange(0, 10000),
		gen.IntRange(0, 10000),
	))

	properties.TestingRun(t)
}
