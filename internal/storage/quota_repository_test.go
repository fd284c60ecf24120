package storage

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQuota_ConsumeAccumulatesPerDay(t *testing.T) {
	clock := newTestClock(testEpoch)
	store := newTestStore(t, clock)
	ctx := testContext(t)

	require.NoError(t, store.Quota.Consume(ctx, "project_a", 1600))
	require.NoError(t, store.Quota.Consume(ctx, "project_a", 1600))
	require.NoError(t, store.Quota.Consume(ctx, "project_b", 50))

	used, err := store.Quota.Used(ctx, "project_a")
	require.NoError(t, err)
	assert.Equal(t, 3200, used)

	usage, err := store.Quota.UsageToday(ctx)
	require.NoError(t, err)
	require.Len(t, usage, 2)
	assert.Equal(t, "project_a", usage[0].PoolID)

	clock.Advance(24 * time.Hour)
	used, err = store.Quota.Used(ctx, "project_a")
	require.NoError(t, err)
	assert.Equal(t, 0, used, "usage resets with the UTC day")
}

func TestNextQuotaReset(t *testing.T) {
	got := NextQuotaReset(time.Date(2026, 3, 10, 23, 59, 0, 0, time.UTC))
	assert.Equal(t, time.Date(2026, 3, 11, 0, 0, 0, 0, time.UTC), got)

	got = NextQuotaReset(time.Date(2026, 12, 31, 1, 0, 0, 0, time.UTC))
	assert.Equal(t, time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC), got)
}

func TestQuota_ReserveStaysWithinBudget(t *testing.T) {
	store := newTestStore(t, newTestClock(testEpoch))
	ctx := testContext(t)

	ok, err := store.Quota.Reserve(ctx, "project_a", 1600, 1000)
	require.NoError(t, err)
	assert.False(t, ok, "a single upload larger than the budget is refused")

	for i := 0; i < 5; i++ {
		ok, err = store.Quota.Reserve(ctx, "project_a", 1600, 8000)
		require.NoError(t, err)
		require.True(t, ok, "reservation %d", i+1)
	}
	ok, err = store.Quota.Reserve(ctx, "project_a", 1600, 8000)
	require.NoError(t, err)
	assert.False(t, ok)

	used, err := store.Quota.Used(ctx, "project_a")
	require.NoError(t, err)
	assert.Equal(t, 8000, used)
}

func TestQuota_ConcurrentReserveNeverOverspends(t *testing.T) {
	store := newTestStore(t, newTestClock(testEpoch))
	ctx := testContext(t)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		granted int
	)
	for i := 0; i < 12; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := store.Quota.Reserve(ctx, "project_a", 1600, 8000)
			assert.NoError(t, err)
			if ok {
				mu.Lock()
				granted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 5, granted)
	used, err := store.Quota.Used(ctx, "project_a")
	require.NoError(t, err)
	assert.Equal(t, 8000, used)
}

func TestQuota_ReleaseRefundsReservationDay(t *testing.T) {
	clock := newTestClock(testEpoch)
	store := newTestStore(t, clock)
	ctx := testContext(t)

	ok, err := store.Quota.Reserve(ctx, "project_a", 1600, 8000)
	require.NoError(t, err)
	require.True(t, ok)
	reservedAt := clock.Now()

	require.NoError(t, store.Quota.Release(ctx, "project_a", 1600, reservedAt))
	used, err := store.Quota.Used(ctx, "project_a")
	require.NoError(t, err)
	assert.Zero(t, used)

	require.NoError(t, store.Quota.Release(ctx, "project_a", 1600, reservedAt))
	used, err = store.Quota.Used(ctx, "project_a")
	require.NoError(t, err)
	assert.Zero(t, used, "usage never goes negative")
}
