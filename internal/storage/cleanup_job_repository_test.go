package storage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gravixrdp/yt-automation/internal/models"
)

func TestCleanupEnqueue_OneActivePerDestination(t *testing.T) {
	store := newTestStore(t, newTestClock(testEpoch))
	ctx := testContext(t)

	created, err := store.Cleanup.Enqueue(ctx, "yt_old", true)
	require.NoError(t, err)
	assert.True(t, created)

	created, err = store.Cleanup.Enqueue(ctx, "yt_old", false)
	require.NoError(t, err)
	assert.False(t, created)

	created, err = store.Cleanup.Enqueue(ctx, "yt_other", false)
	require.NoError(t, err)
	assert.True(t, created)

	job, err := store.Cleanup.NextDue(ctx)
	require.NoError(t, err)
	require.NotNil(t, job)
	require.NoError(t, store.Cleanup.MarkInProgress(ctx, job.ID))
	require.NoError(t, store.Cleanup.Complete(ctx, job.ID, models.CleanupProgress{}))

	created, err = store.Cleanup.Enqueue(ctx, job.DestinationID, false)
	require.NoError(t, err)
	assert.True(t, created, "a finished job does not block a new one")
}

func TestCleanup_CountersAccumulateAcrossAttempts(t *testing.T) {
	clock := newTestClock(testEpoch)
	store := newTestStore(t, clock)
	ctx := testContext(t)

	_, err := store.Cleanup.Enqueue(ctx, "yt_old", true)
	require.NoError(t, err)

	job, err := store.Cleanup.NextDue(ctx)
	require.NoError(t, err)
	require.NoError(t, store.Cleanup.MarkInProgress(ctx, job.ID))
	require.ErrorIs(t, store.Cleanup.MarkInProgress(ctx, job.ID), ErrUnexpectedStatus)

	next := testEpoch.Add(2 * time.Minute)
	require.NoError(t, store.Cleanup.Reschedule(ctx, job.ID, next, "disable mappings: timeout",
		models.CleanupProgress{QueueCanceled: 3}))

	due, err := store.Cleanup.NextDue(ctx)
	require.NoError(t, err)
	assert.Nil(t, due, "rescheduled job is not due yet")

	clock.Advance(2 * time.Minute)
	due, err = store.Cleanup.NextDue(ctx)
	require.NoError(t, err)
	require.NotNil(t, due)
	require.NoError(t, store.Cleanup.MarkInProgress(ctx, due.ID))
	require.NoError(t, store.Cleanup.Complete(ctx, due.ID,
		models.CleanupProgress{QueueCanceled: 2, MappingsDisabled: 1, RowsCleared: 4}))

	got, err := store.Cleanup.GetByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, got.Status)
	assert.Equal(t, 2, got.AttemptCount)
	assert.Equal(t, 5, got.QueueCanceledTotal)
	assert.Equal(t, 1, got.MappingsDisabledTotal)
	assert.Equal(t, 4, got.RowsClearedTotal)
	assert.True(t, got.RemoveDestinationAfter)
	assert.Nil(t, got.NextAttemptAfter)
}

func TestCleanup_FailKeepsProgress(t *testing.T) {
	store := newTestStore(t, newTestClock(testEpoch))
	ctx := testContext(t)

	_, err := store.Cleanup.Enqueue(ctx, "yt_old", false)
	require.NoError(t, err)
	job, err := store.Cleanup.NextDue(ctx)
	require.NoError(t, err)

	require.NoError(t, store.Cleanup.MarkInProgress(ctx, job.ID))
	require.NoError(t, store.Cleanup.Fail(ctx, job.ID, "giving up", models.CleanupProgress{RowsCleared: 2}))

	jobs, err := store.Cleanup.List(ctx, 10)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, models.StatusFailed, jobs[0].Status)
	assert.Equal(t, 2, jobs[0].RowsClearedTotal)
	assert.Equal(t, "giving up", jobs[0].LastError)
}

func TestCleanup_ResetStale(t *testing.T) {
	clock := newTestClock(testEpoch)
	store := newTestStore(t, clock)
	ctx := testContext(t)

	_, err := store.Cleanup.Enqueue(ctx, "yt_old", false)
	require.NoError(t, err)
	job, err := store.Cleanup.NextDue(ctx)
	require.NoError(t, err)
	require.NoError(t, store.Cleanup.MarkInProgress(ctx, job.ID))

	clock.Advance(3 * time.Hour)
	n, err := store.Cleanup.ResetStale(ctx, 2*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	due, err := store.Cleanup.NextDue(ctx)
	require.NoError(t, err)
	require.NotNil(t, due)
	assert.Equal(t, 1, due.AttemptCount)
}
