package storage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gravixrdp/yt-automation/internal/config"
	apperrors "github.com/gravixrdp/yt-automation/internal/errors"
	"github.com/gravixrdp/yt-automation/internal/models"
)

func testPostgresConfig() *config.PostgresConfig {
	return &config.PostgresConfig{
		Host:           "localhost",
		Port:           "5432",
		Database:       "yt_automation",
		User:           "scheduler",
		Password:       "scheduler_dev_password",
		MaxConnections: 4,
	}
}

// setupPostgres connects to a local Postgres and migrates it, skipping when none is running
func setupPostgres(t *testing.T) *PostgresDB {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	cfg := testPostgresConfig()
	db, err := NewPostgresDB(cfg)
	if err != nil {
		t.Skipf("Skipping test - Postgres not available: %v", err)
	}
	t.Cleanup(db.Close)

	require.NoError(t, RunPostgresMigrations(cfg.URL()))
	ctx := testContext(t)
	for _, table := range []string{"candidates", "destination_mappings", "destinations"} {
		_, err := db.Pool().Exec(ctx, "DELETE FROM "+table)
		require.NoError(t, err)
	}
	return db
}

func TestNewPostgresDB(t *testing.T) {
	db := setupPostgres(t)

	ctx := testContext(t)
	if err := db.Ping(ctx); err != nil {
		t.Errorf("Ping() error = %v", err)
	}
	if db.Pool() == nil {
		t.Error("Pool() returned nil")
	}
}

func TestCandidateRepository_Lifecycle(t *testing.T) {
	db := setupPostgres(t)
	ctx := testContext(t)
	repo := NewCandidateRepository(db)

	_, err := db.Pool().Exec(ctx, `
		INSERT INTO candidates (collection, position, row_id, status, priority_score, source_url, content_hash, dest_mapping, scraped_at)
		VALUES
			('cooking', 2, 1, $1, 10, 'https://example.com/a', 'hash-a', 'yt_main', NOW() - INTERVAL '2 hours'),
			('cooking', 3, 2, $1, 90, 'https://example.com/b', 'hash-b', 'yt_main', NOW() - INTERVAL '1 hour'),
			('cooking', 4, 3, $2, 50, 'https://example.com/c', 'hash-c', 'yt_main', NOW())
	`, models.RowReadyToUpload, models.RowUploaded)
	require.NoError(t, err)

	ready, err := repo.ReadReadyCandidates(ctx)
	require.NoError(t, err)
	require.Len(t, ready, 2)
	assert.Equal(t, int64(2), ready[0].RowID, "higher priority first")

	missing, err := repo.ReadOne(ctx, "cooking", 99)
	require.NoError(t, err)
	assert.Nil(t, missing)

	require.NoError(t, repo.UpdateStatus(ctx, "cooking", 2, models.RowInProgress, nil, models.RowReadyToUpload))

	err = repo.UpdateStatus(ctx, "cooking", 2, models.RowInProgress, nil, models.RowReadyToUpload)
	assert.True(t, apperrors.IsConflict(err), "stale expected status must conflict, got %v", err)

	err = repo.UpdateStatus(ctx, "cooking", 99, models.RowError, nil, "")
	assert.ErrorIs(t, err, ErrNotFound)

	attempts := 1
	require.NoError(t, repo.UpdateStatus(ctx, "cooking", 2, models.RowUploaded, &models.RowUpdate{
		UploadAttempts: &attempts,
		UploadedURL:    "https://youtu.be/abc",
	}, models.RowInProgress))
	require.NoError(t, repo.AppendNote(ctx, "cooking", 2, "first"))
	require.NoError(t, repo.AppendNote(ctx, "cooking", 2, "second"))

	row, err := repo.ReadOne(ctx, "cooking", 2)
	require.NoError(t, err)
	assert.Equal(t, models.RowUploaded, row.Status)
	assert.Equal(t, 1, row.UploadAttempts)
	assert.Equal(t, "first\nsecond", row.Notes)

	hashes, err := repo.UploadedFingerprints(ctx, "yt_main", time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, []string{"hash-a"}, hashes)

	cleared, err := repo.ClearDestinationTags(ctx, "yt_main")
	require.NoError(t, err)
	assert.Equal(t, 1, cleared, "uploaded rows keep their destination")
}

func TestDestinationRepository(t *testing.T) {
	db := setupPostgres(t)
	ctx := testContext(t)
	repo := NewDestinationRepository(db)

	require.NoError(t, repo.UpsertDestination(ctx, &models.Destination{ID: "yt_main", Platform: "youtube", QuotaPool: "project-a", Active: true}))
	require.NoError(t, repo.UpsertDestination(ctx, &models.Destination{ID: "yt_main", Platform: "youtube", QuotaPool: "project-b", Active: true}))

	d, err := repo.Destination(ctx, "yt_main")
	require.NoError(t, err)
	assert.Equal(t, "project-b", d.QuotaPool)

	_, err = db.Pool().Exec(ctx, `
		INSERT INTO destination_mappings (collection, destination_id, updated_at) VALUES
			('cooking', 'yt_old', NOW() - INTERVAL '1 day'),
			('cooking', 'yt_main', NOW()),
			('travel', 'yt_main', NOW())
	`)
	require.NoError(t, err)

	mappings, err := repo.Mappings(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"cooking": "yt_main", "travel": "yt_main"}, mappings)

	disabled, err := repo.DisableMappings(ctx, "yt_main")
	require.NoError(t, err)
	assert.Equal(t, 2, disabled)

	mappings, err = repo.Mappings(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"cooking": "yt_old"}, mappings)

	require.NoError(t, repo.RemoveDestination(ctx, "yt_main"))
	require.NoError(t, repo.RemoveDestination(ctx, "yt_main"))
	_, err = repo.Destination(ctx, "yt_main")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCandidatePoolConfig(t *testing.T) {
	cfg := testPostgresConfig()
	cfg.MaxConnections = 0

	pc, err := candidatePoolConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, int32(4), pc.MaxConns)
	assert.Equal(t, int32(0), pc.MinConns)
	assert.Equal(t, "yt_automation", pc.ConnConfig.Database)
	assert.Equal(t, "scheduler", pc.ConnConfig.User)
	assert.Equal(t, candidateDBAppName, pc.ConnConfig.RuntimeParams["application_name"])
	assert.Equal(t, "30000", pc.ConnConfig.RuntimeParams["statement_timeout"])
}
