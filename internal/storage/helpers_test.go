package storage

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/gravixrdp/yt-automation/internal/retry"
)

// testContext creates a context with timeout for tests
func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// testClock is a settable clock for store tests
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock(start time.Time) *testClock {
	return &testClock{now: start}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// newTestStore opens a migrated in-memory store driven by clock
func newTestStore(t *testing.T, clock *testClock) *Store {
	t.Helper()

	db, err := OpenSQLite(":memory:")
	if err != nil {
		t.Fatalf("OpenSQLite() error = %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	if err := RunSQLiteMigrations(db); err != nil {
		t.Fatalf("RunSQLiteMigrations() error = %v", err)
	}
	if clock != nil {
		db.SetClock(clock.Now)
	}
	return NewStore(db, retry.JobBackoff(2*time.Minute, 3))
}
