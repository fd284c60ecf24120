package storage

import (
	"testing"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"

	"github.com/gravixrdp/yt-automation/internal/config"
	"github.com/gravixrdp/yt-automation/internal/models"
)

func TestNewClickHouseDB(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	cfg := &config.ClickHouseConfig{
		Host:     "localhost",
		Port:     "9000",
		Database: "yt_automation",
		User:     "default",
		Password: "clickhouse_dev_password",
	}

	db, err := NewClickHouseDB(cfg)
	if err != nil {
		t.Skipf("Skipping test - ClickHouse not available: %v", err)
		return
	}
	defer func() {
		if err := db.Close(); err != nil {
			t.Errorf("Close() error = %v", err)
		}
	}()

	ctx := testContext(t)
	if err := db.Ping(ctx); err != nil {
		t.Fatalf("Ping() error = %v", err)
	}
	if err := RunClickHouseMigrations(ctx, db); err != nil {
		t.Fatalf("RunClickHouseMigrations() error = %v", err)
	}

	repo := NewEventRepository(db)
	if err := repo.InsertBatch(ctx, nil); err != nil {
		t.Errorf("InsertBatch(nil) error = %v", err)
	}
	err = repo.InsertBatch(ctx, []*models.UploadEvent{{
		EventTime:     time.Now().UTC(),
		Event:         models.EventJobCompleted,
		InstanceID:    "clickhouse_test",
		JobID:         1,
		DestinationID: "yt_main",
		Platform:      "youtube",
		Outcome:       "success",
		DurationMs:    1200,
	}})
	if err != nil {
		t.Errorf("InsertBatch() error = %v", err)
	}
}

func TestSplitSQLStatements_ClickHouse(t *testing.T) {
	got := splitSQLStatements("-- header\nCREATE TABLE a (x Int8);\n\nCREATE TABLE b (y Int8);\n")
	if len(got) != 2 {
		t.Fatalf("splitSQLStatements() returned %d statements, want 2: %q", len(got), got)
	}
}

func TestEventSinkOptions(t *testing.T) {
	opts := eventSinkOptions(&config.ClickHouseConfig{Host: "ch.internal", Database: "events"})
	if got := opts.Addr; len(got) != 1 || got[0] != "ch.internal:9000" {
		t.Errorf("Addr = %v, want [ch.internal:9000]", got)
	}
	if opts.Auth.Database != "events" {
		t.Errorf("Auth.Database = %q, want events", opts.Auth.Database)
	}
	if opts.Settings["async_insert"] != 1 {
		t.Errorf("async_insert = %v, want 1", opts.Settings["async_insert"])
	}
	if opts.Compression == nil || opts.Compression.Method != clickhouse.CompressionLZ4 {
		t.Errorf("Compression = %+v, want LZ4", opts.Compression)
	}
}
