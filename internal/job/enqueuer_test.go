package job

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gravixrdp/yt-automation/internal/models"
)

func TestEnqueuer_Poll(t *testing.T) {
	clock := &testClock{now: testEpoch}
	store := newTestStore(t, clock)
	ctx := testContext(t)

	future := testEpoch.Add(2 * time.Hour)
	source := newFakeSource(
		&models.Candidate{Collection: "cooking", Position: 2, RowID: 1, DestinationID: "yt_main", PriorityScore: 80},
		&models.Candidate{Collection: "cooking", Position: 3, RowID: 2, ManualFlag: "Review"},
		&models.Candidate{Collection: "cooking", Position: 4, RowID: 3, UploadAttempts: 3},
		&models.Candidate{Collection: "cooking", Position: 5, RowID: 4, ScheduledAt: &future},
		&models.Candidate{Collection: "cooking", Position: 6, RowID: 5, Notes: "schedule_at_utc=2026-03-11T00:00:00Z"},
		&models.Candidate{Collection: "travel", Position: 2, RowID: 6},
		&models.Candidate{Collection: "pets", Position: 2, RowID: 7},
		&models.Candidate{Collection: "capped", Position: 2, RowID: 8, DestinationID: "yt_full"},
	)
	directory := &fakeDirectory{mappings: map[string]string{"travel": "yt_travel"}}

	// yt_full already hit its cap today
	for _, row := range []int64{100, 101} {
		_, err := store.Ledger.RecordUpload(ctx, "yt_full", row, 0)
		require.NoError(t, err)
	}

	e, err := NewEnqueuer(&EnqueuerConfig{
		Store:          store,
		Source:         source,
		Directory:      directory,
		StaticMappings: map[string]string{"pets": "yt_pets", "travel": "yt_static"},
		DailyCap:       2,
		MaxAttempts:    3,
	})
	require.NoError(t, err)

	res, err := e.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 8, res.Ready)
	assert.Equal(t, 3, res.Enqueued)
	assert.Equal(t, 1, res.SkippedFlag)
	assert.Equal(t, 1, res.SkippedAttempts)
	assert.Equal(t, 2, res.SkippedSchedule)
	assert.Equal(t, 1, res.SkippedCap)
	assert.Contains(t, source.notesFor("capped", 2), "scheduler: quota_reached_today for yt_full")

	jobs, err := store.Jobs.List(ctx, models.StatusQueued, 10)
	require.NoError(t, err)
	dests := map[string]string{}
	for _, j := range jobs {
		dests[j.SourceCollection] = j.DestinationID
	}
	assert.Equal(t, map[string]string{
		"cooking": "yt_main",
		"travel":  "yt_travel", // dynamic mapping wins over static
		"pets":    "yt_pets",
	}, dests)

	// a second cycle admits nothing new
	res, err = e.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Enqueued)
	assert.Equal(t, 3, res.Duplicates)
}

func TestNewEnqueuer_Validation(t *testing.T) {
	_, err := NewEnqueuer(&EnqueuerConfig{})
	assert.Error(t, err)

	store := newTestStore(t, &testClock{now: testEpoch})
	_, err = NewEnqueuer(&EnqueuerConfig{Store: store, Source: newFakeSource(), DailyCap: 0, MaxAttempts: 3})
	assert.Error(t, err)
}
