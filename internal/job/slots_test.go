package job

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSlotClock_Next(t *testing.T) {
	clock, err := NewSlotClock(kolkata, []string{"15:00", "09:00", "12:00", "18:00"}, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, clock.UsableToday())

	now := time.Date(2026, 3, 10, 10, 0, 0, 0, kolkata)
	tests := []struct {
		name         string
		uploadsToday int
		want         time.Time
	}{
		{"first slot", 0, time.Date(2026, 3, 10, 9, 0, 0, 0, kolkata)},
		{"second slot", 1, time.Date(2026, 3, 10, 12, 0, 0, 0, kolkata)},
		{"cap reached rolls to tomorrow", 2, time.Date(2026, 3, 11, 9, 0, 0, 0, kolkata)},
		{"over cap", 5, time.Date(2026, 3, 11, 9, 0, 0, 0, kolkata)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := clock.Next(now, tt.uploadsToday)
			assert.True(t, tt.want.Equal(got), "got %s want %s", got, tt.want)
		})
	}
}

func TestSlotClock_LocalDayBoundary(t *testing.T) {
	clock, err := NewSlotClock(kolkata, []string{"09:00", "12:00"}, 4)
	require.NoError(t, err)
	assert.Equal(t, 2, clock.UsableToday(), "usable slots are capped by the slot list")

	// 20:00 UTC on the 10th is already the 11th in Kolkata
	now := time.Date(2026, 3, 10, 20, 0, 0, 0, time.UTC)
	got := clock.Next(now, 0)
	assert.True(t, time.Date(2026, 3, 11, 9, 0, 0, 0, kolkata).Equal(got))
}

func TestSlotClock_NoSlots(t *testing.T) {
	clock, err := NewSlotClock(time.UTC, nil, 2)
	require.NoError(t, err)

	now := time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)
	assert.True(t, now.Equal(clock.Next(now, 1)))
	assert.True(t, time.Date(2026, 3, 11, 0, 0, 0, 0, time.UTC).Equal(clock.Next(now, 2)))
}

func TestNewSlotClock_InvalidSlot(t *testing.T) {
	_, err := NewSlotClock(time.UTC, []string{"25:99"}, 2)
	assert.Error(t, err)
}

func TestSlotClock_NextProperties(t *testing.T) {
	clock, err := NewSlotClock(kolkata, []string{"09:00", "12:00", "15:00", "18:00"}, 3)
	require.NoError(t, err)

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("next slot is today below the cap and tomorrow's first slot at or above it", prop.ForAll(
		func(minuteOfDay, uploads int) bool {
			now := time.Date(2026, 3, 10, 0, 0, 0, 0, kolkata).Add(time.Duration(minuteOfDay) * time.Minute)
			got := clock.Next(now, uploads).In(kolkata)
			if uploads < clock.UsableToday() {
				return got.YearDay() == now.YearDay()
			}
			return got.YearDay() == now.YearDay()+1 && got.Hour() == 9 && got.Minute() == 0
		},
		gen.IntRange(0, 24*60-1),
		gen.IntRange(0, 6),
	))

	properties.Property("more uploads never mean an earlier slot", prop.ForAll(
		func(uploads int) bool {
			now := time.Date(2026, 3, 10, 8, 0, 0, 0, kolkata)
			return !clock.Next(now, uploads+1).Before(clock.Next(now, uploads))
		},
		gen.IntRange(0, 6),
	))

	properties.TestingRun(t)
}
