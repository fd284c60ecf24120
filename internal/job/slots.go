package job

import (
	"fmt"
	"sort"
	"time"
)

// SlotClock is a schedule of fixed daily upload times in a local timezone.
// The Nth upload of a day may not start before the Nth slot of that day.
type SlotClock struct {
	loc   *time.Location
	slots []time.Duration // offsets from local midnight, ascending
	cap   int             // uploads per destination per day
}

// NewSlotClock parses HH:MM slot times. dailyCap limits how many of the day's
// slots can be used.
func NewSlotClock(loc *time.Location, slots []string, dailyCap int) (*SlotClock, error) {
	if loc == nil {
		loc = time.UTC
	}
	offsets := make([]time.Duration, 0, len(slots))
	for _, s := range slots {
		t, err := time.Parse("15:04", s)
		if err != nil {
			return nil, fmt.Errorf("invalid slot %q: %w", s, err)
		}
		offsets = append(offsets, time.Duration(t.Hour())*time.Hour+time.Duration(t.Minute())*time.Minute)
	}
	sort.Slice(offsets, func(i, j int) bool { return offsets[i] < offsets[j] })
	return &SlotClock{loc: loc, slots: offsets, cap: dailyCap}, nil
}

// slotsOn returns the slot instants for the local day containing t
func (c *SlotClock) slotsOn(t time.Time) []time.Time {
	local := t.In(c.loc)
	y, m, d := local.Date()
	out := make([]time.Time, 0, len(c.slots))
	for _, off := range c.slots {
		h := int(off / time.Hour)
		mm := int((off % time.Hour) / time.Minute)
		out = append(out, time.Date(y, m, d, h, mm, 0, 0, c.loc))
	}
	return out
}

// UsableToday is how many slots a destination gets per day
func (c *SlotClock) UsableToday() int {
	if c.cap <= 0 || c.cap > len(c.slots) {
		return len(c.slots)
	}
	return c.cap
}

// Next returns the earliest time the next upload may start, given how many
// uploads the destination already made today. Once the day's slots are used
// up it is the first slot of the next local day.
func (c *SlotClock) Next(now time.Time, uploadsToday int) time.Time {
	if len(c.slots) == 0 {
		if c.cap > 0 && uploadsToday >= c.cap {
			return c.tomorrowMidnight(now)
		}
		return now
	}

	today := c.slotsOn(now)
	if uploadsToday < c.UsableToday() {
		return today[max(uploadsToday, 0)]
	}
	return c.slotsOn(c.tomorrowMidnight(now))[0]
}

func (c *SlotClock) tomorrowMidnight(now time.Time) time.Time {
	local := now.In(c.loc)
	y, m, d := local.Date()
	return time.Date(y, m, d+1, 0, 0, 0, 0, c.loc)
}
