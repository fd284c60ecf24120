package storage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gravixrdp/yt-automation/internal/models"
)

func TestCompleteUpload_WritesEverythingAtomically(t *testing.T) {
	store := newTestStore(t, newTestClock(testEpoch))
	ctx := testContext(t)

	job := enqueueOne(t, store, newJob("shorts", 11, 70, "yt_main"))
	require.NoError(t, store.Jobs.MarkInProgress(ctx, job.ID))
	outcome, err := store.Ledger.Reserve(ctx, "yt_main", job.ID, 2, time.Hour)
	require.NoError(t, err)
	require.Equal(t, ReserveOK, outcome)

	err = store.CompleteUpload(ctx, &models.CompletionRecord{
		JobID:          job.ID,
		DestinationID:  "yt_main",
		RowID:          11,
		IdempotencyKey: "key-11",
		QuotaPool:      "default",
		QuotaUnits:     1600,
	})
	require.NoError(t, err)

	got, err := store.Jobs.GetByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, got.Status)

	count, err := store.Ledger.UploadsToday(ctx, "yt_main")
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	last, err := store.Ledger.LastUploadTime(ctx, "yt_main")
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.Equal(t, testEpoch, *last)

	done, err := store.Ledger.HasCompleted(ctx, "key-11")
	require.NoError(t, err)
	assert.True(t, done)

	used, err := store.Quota.Used(ctx, "default")
	require.NoError(t, err)
	assert.Equal(t, 1600, used)

	outcome, err = store.Ledger.Reserve(ctx, "yt_main", job.ID+1, 2, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, ReserveOK, outcome, "completion releases the destination")
}

func TestCompleteUpload_UnknownJobRollsBack(t *testing.T) {
	store := newTestStore(t, newTestClock(testEpoch))
	ctx := testContext(t)

	err := store.CompleteUpload(ctx, &models.CompletionRecord{
		JobID:          404,
		DestinationID:  "yt_main",
		RowID:          1,
		IdempotencyKey: "orphan",
		QuotaPool:      "default",
		QuotaUnits:     1600,
	})
	require.ErrorIs(t, err, ErrNotFound)

	done, err := store.Ledger.HasCompleted(ctx, "orphan")
	require.NoError(t, err)
	assert.False(t, done)

	used, err := store.Quota.Used(ctx, "default")
	require.NoError(t, err)
	assert.Equal(t, 0, used)
}

func TestStats(t *testing.T) {
	store := newTestStore(t, newTestClock(testEpoch))
	ctx := testContext(t)

	a := enqueueOne(t, store, newJob("shorts", 1, 50, "yt_main"))
	enqueueOne(t, store, newJob("shorts", 2, 50, "yt_main"))
	c := enqueueOne(t, store, newJob("shorts", 3, 50, "yt_alt"))
	require.NoError(t, store.CompleteUpload(ctx, &models.CompletionRecord{JobID: a.ID, DestinationID: "yt_main", RowID: 1}))
	_, err := store.Jobs.MarkFailed(ctx, c.ID, "no_source_url", 0)
	require.NoError(t, err)
	_, err = store.Cleanup.Enqueue(ctx, "yt_gone", true)
	require.NoError(t, err)

	stats, err := store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Total)
	assert.Equal(t, 1, stats.Count(models.StatusQueued))
	assert.Equal(t, 1, stats.Count(models.StatusCompleted))
	assert.Equal(t, 1, stats.Count(models.StatusFailed))
	assert.Equal(t, 0, stats.Count(models.StatusInProgress))
	assert.Equal(t, 1, stats.UploadedToday)
	assert.Equal(t, map[string]int{"yt_main": 1}, stats.PerDestToday)
	require.Len(t, stats.Cleanup, 1)
	assert.Equal(t, "yt_gone", stats.Cleanup[0].DestinationID)
}

func TestPruneOldRecords(t *testing.T) {
	clock := newTestClock(testEpoch)
	store := newTestStore(t, clock)
	ctx := testContext(t)

	old := enqueueOne(t, store, newJob("shorts", 1, 50, "yt_main"))
	require.NoError(t, store.CompleteUpload(ctx, &models.CompletionRecord{
		JobID: old.ID, DestinationID: "yt_main", RowID: 1, IdempotencyKey: "k1", QuotaPool: "default", QuotaUnits: 10,
	}))
	pending := enqueueOne(t, store, newJob("shorts", 2, 50, "yt_main"))

	clock.Advance(100 * 24 * time.Hour)
	recent := enqueueOne(t, store, newJob("shorts", 3, 50, "yt_main"))
	require.NoError(t, store.Jobs.MarkCompleted(ctx, recent.ID))

	result, err := store.PruneOldRecords(ctx, 90)
	require.NoError(t, err)
	assert.Equal(t, int64(1), result.Jobs)
	assert.Equal(t, int64(1), result.DailyUploads)
	assert.Equal(t, int64(1), result.QuotaUsage)

	_, err = store.Jobs.GetByID(ctx, old.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = store.Jobs.GetByID(ctx, pending.ID)
	assert.NoError(t, err, "non-terminal jobs are never pruned")

	done, err := store.Ledger.HasCompleted(ctx, "k1")
	require.NoError(t, err)
	assert.True(t, done, "idempotency keys outlive retention")
}

func TestSplitSQLStatements(t *testing.T) {
	content := `-- header
CREATE TABLE a (x Int8);

-- second
CREATE TABLE b (
    y String
);
`
	stmts := splitSQLStatements(content)
	require.Len(t, stmts, 2)
	assert.Equal(t, "CREATE TABLE a (x Int8)", stmts[0])
	assert.Contains(t, stmts[1], "y String")
}

func TestSQLiteMigrationVersion(t *testing.T) {
	store := newTestStore(t, nil)

	version, dirty, err := SQLiteMigrationVersion(store.DB())
	require.NoError(t, err)
	assert.False(t, dirty)
	assert.Equal(t, uint(3), version)
}
