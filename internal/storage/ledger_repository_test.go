package storage

import (
	"sync"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordUpload_SameRowCountedOnce(t *testing.T) {
	store := newTestStore(t, newTestClock(testEpoch))
	ctx := testContext(t)

	inserted, err := store.Ledger.RecordUpload(ctx, "yt_main", 42, 0)
	require.NoError(t, err)
	assert.True(t, inserted)

	inserted, err = store.Ledger.RecordUpload(ctx, "yt_main", 42, 0)
	require.NoError(t, err)
	assert.False(t, inserted)

	count, err := store.Ledger.UploadsToday(ctx, "yt_main")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestRecordUpload_ConcurrentNeverExceedsCap(t *testing.T) {
	store := newTestStore(t, newTestClock(testEpoch))
	ctx := testContext(t)
	const limit = 2

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(rowID int64) {
			defer wg.Done()
			_, err := store.Ledger.RecordUpload(ctx, "yt_main", rowID, limit)
			assert.NoError(t, err)
		}(int64(i % 7))
	}
	wg.Wait()

	count, err := store.Ledger.UploadsToday(ctx, "yt_main")
	require.NoError(t, err)
	assert.Equal(t, limit, count)
}

func TestRecordUpload_CapProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 30
	properties := gopter.NewProperties(parameters)

	properties.Property("uploads_today never exceeds the cap", prop.ForAll(
		func(rows []int, limit int) bool {
			store := newTestStore(t, newTestClock(testEpoch))
			ctx := testContext(t)

			for _, row := range rows {
				if _, err := store.Ledger.RecordUpload(ctx, "dest", int64(row), limit); err != nil {
					return false
				}
			}
			count, err := store.Ledger.UploadsToday(ctx, "dest")
			return err == nil && count <= limit
		},
		gen.SliceOf(gen.IntRange(1, 10)),
		gen.IntRange(1, 4),
	))

	properties.TestingRun(t)
}

func TestUploadsToday_RollsOverAtLocalMidnight(t *testing.T) {
	clock := newTestClock(time.Date(2026, 3, 10, 18, 0, 0, 0, time.UTC))
	store := newTestStore(t, clock)
	ctx := testContext(t)

	kolkata, err := time.LoadLocation("Asia/Kolkata")
	require.NoError(t, err)
	store.DB().SetLocation(kolkata)

	// 18:00 UTC is 23:30 in Kolkata
	_, err = store.Ledger.RecordUpload(ctx, "yt_main", 1, 0)
	require.NoError(t, err)

	clock.Advance(time.Hour)
	count, err := store.Ledger.UploadsToday(ctx, "yt_main")
	require.NoError(t, err)
	assert.Equal(t, 0, count, "a new local day has started")

	count, err = store.Ledger.UploadsOn(ctx, "yt_main", "2026-03-10")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestLastUploadTime_NeverMovesBackwards(t *testing.T) {
	store := newTestStore(t, newTestClock(testEpoch))
	ctx := testContext(t)

	last, err := store.Ledger.LastUploadTime(ctx, "yt_main")
	require.NoError(t, err)
	assert.Nil(t, last)

	later := testEpoch.Add(time.Hour)
	require.NoError(t, store.Ledger.SetLastUploadTime(ctx, "yt_main", later))
	require.NoError(t, store.Ledger.SetLastUploadTime(ctx, "yt_main", testEpoch))

	last, err = store.Ledger.LastUploadTime(ctx, "yt_main")
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.Equal(t, later, *last)
}

func TestIdempotencyKeys(t *testing.T) {
	store := newTestStore(t, newTestClock(testEpoch))
	ctx := testContext(t)

	done, err := store.Ledger.HasCompleted(ctx, "abc")
	require.NoError(t, err)
	assert.False(t, done)

	require.NoError(t, store.Ledger.RecordCompleted(ctx, "abc", 1))
	require.NoError(t, store.Ledger.RecordCompleted(ctx, "abc", 2))

	done, err = store.Ledger.HasCompleted(ctx, "abc")
	require.NoError(t, err)
	assert.True(t, done)

	rec, err := store.Ledger.GetCompleted(ctx, "abc")
	require.NoError(t, err)
	assert.Equal(t, int64(1), rec.JobID, "the first completion is kept")

	_, err = store.Ledger.GetCompleted(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestReserve_OneJobPerDestination(t *testing.T) {
	store := newTestStore(t, newTestClock(testEpoch))
	ctx := testContext(t)

	outcome, err := store.Ledger.Reserve(ctx, "yt_main", 1, 2, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, ReserveOK, outcome)

	outcome, err = store.Ledger.Reserve(ctx, "yt_main", 2, 2, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, ReserveBusy, outcome)

	outcome, err = store.Ledger.Reserve(ctx, "yt_main", 1, 2, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, ReserveOK, outcome, "the holder may reserve again")

	outcome, err = store.Ledger.Reserve(ctx, "yt_alt", 2, 2, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, ReserveOK, outcome)

	require.NoError(t, store.Ledger.Release(ctx, "yt_main", 2), "releasing another job's claim is a no-op")
	outcome, err = store.Ledger.Reserve(ctx, "yt_main", 2, 2, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, ReserveBusy, outcome)

	require.NoError(t, store.Ledger.Release(ctx, "yt_main", 1))
	outcome, err = store.Ledger.Reserve(ctx, "yt_main", 2, 2, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, ReserveOK, outcome)
}

func TestReserve_CapReached(t *testing.T) {
	store := newTestStore(t, newTestClock(testEpoch))
	ctx := testContext(t)
	for _, row := range []int64{100, 101} {
		_, err := store.Ledger.RecordUpload(ctx, "yt_main", row, 0)
		require.NoError(t, err)
	}

	outcome, err := store.Ledger.Reserve(ctx, "yt_main", 1, 2, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, ReserveCapReached, outcome)

	outcome, err = store.Ledger.Reserve(ctx, "yt_main", 1, 3, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, ReserveOK, outcome)
}

func TestReserve_StaleClaimIsTakenOver(t *testing.T) {
	clock := newTestClock(testEpoch)
	store := newTestStore(t, clock)
	ctx := testContext(t)

	outcome, err := store.Ledger.Reserve(ctx, "yt_main", 1, 2, time.Hour)
	require.NoError(t, err)
	require.Equal(t, ReserveOK, outcome)

	clock.Advance(30 * time.Minute)
	outcome, err = store.Ledger.Reserve(ctx, "yt_main", 2, 2, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, ReserveBusy, outcome)

	clock.Advance(31 * time.Minute)
	outcome, err = store.Ledger.Reserve(ctx, "yt_main", 2, 2, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, ReserveOK, outcome)
}

func TestReserve_ConcurrentSingleHolder(t *testing.T) {
	store := newTestStore(t, newTestClock(testEpoch))
	ctx := testContext(t)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		holders []int64
	)
	for i := int64(1); i <= 10; i++ {
		wg.Add(1)
		go func(jobID int64) {
			defer wg.Done()
			outcome, err := store.Ledger.Reserve(ctx, "yt_main", jobID, 2, time.Hour)
			assert.NoError(t, err)
			if outcome == ReserveOK {
				mu.Lock()
				holders = append(holders, jobID)
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	assert.Len(t, holders, 1)
}

func TestReleaseStale(t *testing.T) {
	clock := newTestClock(testEpoch)
	store := newTestStore(t, clock)
	ctx := testContext(t)

	_, err := store.Ledger.Reserve(ctx, "yt_main", 1, 2, time.Hour)
	require.NoError(t, err)
	clock.Advance(2 * time.Hour)
	_, err = store.Ledger.Reserve(ctx, "yt_alt", 2, 2, time.Hour)
	require.NoError(t, err)

	n, err := store.Ledger.ReleaseStale(ctx, clock.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	outcome, err := store.Ledger.Reserve(ctx, "yt_alt", 3, 2, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, ReserveBusy, outcome, "fresh claims survive")
}
