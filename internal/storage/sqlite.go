package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/gravixrdp/yt-automation/internal/config"
)

func init() {
	sqlx.BindDriver("sqlite", sqlx.QUESTION)
}

// SQLiteDB wraps the embedded job store connection.
// It holds a single connection so writers are serialized by database/sql.
type SQLiteDB struct {
	db  *sqlx.DB
	now func() time.Time
	loc *time.Location
}

// NewSQLiteDB opens the job store configured in cfg
func NewSQLiteDB(cfg *config.StoreConfig) (*SQLiteDB, error) {
	return OpenSQLite(cfg.SQLitePath)
}

// OpenSQLite opens (creating if needed) a job store at path. ":memory:" is
// accepted for tests.
func OpenSQLite(path string) (*SQLiteDB, error) {
	inMemory := path == ":memory:" || strings.HasPrefix(path, "file::memory:")
	if !inMemory {
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o750); err != nil {
				return nil, fmt.Errorf("failed to create store directory: %w", err)
			}
		}
	}

	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite store: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pragmas := []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
		"PRAGMA synchronous = NORMAL",
	}
	if !inMemory {
		pragmas = append(pragmas, "PRAGMA journal_mode = WAL")
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", p, err)
		}
	}

	return &SQLiteDB{db: db, now: time.Now, loc: time.UTC}, nil
}

// Close closes the store
func (s *SQLiteDB) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// DB returns the underlying sqlx handle
func (s *SQLiteDB) DB() *sqlx.DB {
	return s.db
}

// Ping checks the store is reachable
func (s *SQLiteDB) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// SetClock replaces the time source, used by tests
func (s *SQLiteDB) SetClock(now func() time.Time) {
	s.now = now
}

// SetLocation sets the timezone whose calendar days bound daily caps
func (s *SQLiteDB) SetLocation(loc *time.Location) {
	if loc != nil {
		s.loc = loc
	}
}

// Now returns the store's current time in UTC
func (s *SQLiteDB) Now() time.Time {
	return s.now().UTC()
}

// Today returns the daily-cap date key for the current time
func (s *SQLiteDB) Today() string {
	return s.DateKey(s.Now())
}

// DateKey formats t as the daily-cap date in the store's location
func (s *SQLiteDB) DateKey(t time.Time) string {
	return t.In(s.loc).Format("2006-01-02")
}

// QuotaDateKey formats t as the quota window date. Quota windows roll over at UTC midnight.
func QuotaDateKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// inTx runs fn inside a transaction, rolling back on error
func (s *SQLiteDB) inTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func toMillis(t time.Time) int64 {
	return t.UTC().UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func nullMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: toMillis(*t), Valid: true}
}

func fromNullMillis(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromMillis(n.Int64)
	return &t
}
