// Package main provides a CLI tool for running database migrations.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"

	"github.com/gravixrdp/yt-automation/internal/config"
	"github.com/gravixrdp/yt-automation/internal/storage"
)

func main() {
	var (
		action = flag.String("action", "up", "Migration action: up, down, version")
		dbType = flag.String("db", "sqlite", "Database type: sqlite, postgres, clickhouse")
	)
	flag.Parse()

	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	switch *dbType {
	case "sqlite":
		if err := runSQLiteMigrations(cfg, *action); err != nil {
			log.Fatalf("SQLite migration failed: %v", err)
		}
	case "postgres":
		if err := runPostgresMigrations(cfg, *action); err != nil {
			log.Fatalf("Postgres migration failed: %v", err)
		}
	case "clickhouse":
		if err := runClickHouseMigrations(cfg, *action); err != nil {
			log.Fatalf("ClickHouse migration failed: %v", err)
		}
	default:
		log.Fatalf("Unknown database type: %s", *dbType)
	}
}

func runSQLiteMigrations(cfg *config.Config, action string) error {
	db, err := storage.NewSQLiteDB(&cfg.Store)
	if err != nil {
		return fmt.Errorf("failed to open job store: %w", err)
	}
	defer db.Close()

	switch action {
	case "up":
		log.Printf("Migrating job store at %s...", cfg.Store.SQLitePath)
		if err := storage.RunSQLiteMigrations(db); err != nil {
			return err
		}
		log.Println("Job store migrations completed successfully")

	case "down":
		log.Println("Rolling back job store migration...")
		if err := storage.RollbackSQLiteMigrations(db); err != nil {
			return err
		}
		log.Println("Job store migration rolled back successfully")

	case "version":
		version, dirty, err := storage.SQLiteMigrationVersion(db)
		if err != nil {
			return err
		}
		log.Printf("Current job store migration version: %d (dirty: %v)", version, dirty)

	default:
		return fmt.Errorf("unknown action: %s", action)
	}
	return nil
}

func runPostgresMigrations(cfg *config.Config, action string) error {
	databaseURL := cfg.Database.Postgres.URL()

	switch action {
	case "up":
		log.Println("Running Postgres migrations...")
		if err := storage.RunPostgresMigrations(databaseURL); err != nil {
			return err
		}
		log.Println("Postgres migrations completed successfully")

	case "down":
		log.Println("Rolling back Postgres migration...")
		if err := storage.RollbackPostgresMigrations(databaseURL); err != nil {
			return err
		}
		log.Println("Postgres migration rolled back successfully")

	case "version":
		version, dirty, err := storage.PostgresMigrationVersion(databaseURL)
		if err != nil {
			return err
		}
		log.Printf("Current Postgres migration version: %d (dirty: %v)", version, dirty)

	default:
		return fmt.Errorf("unknown action: %s", action)
	}

	return nil
}

func runClickHouseMigrations(cfg *config.Config, action string) error {
	if action != "up" {
		return fmt.Errorf("ClickHouse migrations only support 'up' action")
	}
	if !cfg.Database.ClickHouse.Enabled() {
		return fmt.Errorf("CLICKHOUSE_HOST is not set")
	}

	log.Println("Connecting to ClickHouse...")
	db, err := storage.NewClickHouseDB(&cfg.Database.ClickHouse)
	if err != nil {
		return fmt.Errorf("failed to connect to ClickHouse: %w", err)
	}
	defer func() {
		if err := db.Close(); err != nil {
			log.Printf("Error closing ClickHouse connection: %v", err)
		}
	}()

	log.Println("Running ClickHouse migrations...")
	if err := storage.RunClickHouseMigrations(context.Background(), db); err != nil {
		return err
	}

	log.Println("ClickHouse migrations completed successfully")
	return nil
}
