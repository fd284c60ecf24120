// Package storage provides the embedded job store and the external database
// connections the scheduler consumes.
package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/gravixrdp/yt-automation/internal/config"
)

// PostgresDB wraps the pgxpool connection to the candidate database
type PostgresDB struct {
	pool *pgxpool.Pool
}

// candidateDBAppName tags scheduler sessions in pg_stat_activity
const candidateDBAppName = "yt-scheduler"

// NewPostgresDB connects to the candidate database and verifies it answers
func NewPostgresDB(cfg *config.PostgresConfig) (*PostgresDB, error) {
	poolConfig, err := candidatePoolConfig(cfg)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping candidate database: %w", err)
	}
	return &PostgresDB{pool: pool}, nil
}

// candidatePoolConfig sizes the pool for a poller: a handful of short
// queries per cycle, with idle connections released between polls.
func candidatePoolConfig(cfg *config.PostgresConfig) (*pgxpool.Config, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.URL())
	if err != nil {
		return nil, fmt.Errorf("unable to parse connection string: %w", err)
	}

	maxConns := cfg.MaxConnections
	if maxConns <= 0 {
		maxConns = 4
	}
	poolConfig.MaxConns = int32(maxConns) // #nosec G115 - operator supplied and small
	poolConfig.MinConns = 0
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 5 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute

	rp := poolConfig.ConnConfig.RuntimeParams
	rp["application_name"] = candidateDBAppName
	// a stuck row lock must surface as an error, not hang a worker
	rp["statement_timeout"] = "30000"
	return poolConfig, nil
}

// Close closes the database connection pool
func (db *PostgresDB) Close() {
	if db.pool != nil {
		db.pool.Close()
	}
}

// Pool returns the underlying connection pool
func (db *PostgresDB) Pool() *pgxpool.Pool {
	return db.pool
}

// Ping checks if the database is reachable
func (db *PostgresDB) Ping(ctx context.Context) error {
	return db.pool.Ping(ctx)
}
