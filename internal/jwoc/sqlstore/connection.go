// Package sqlstore is the one concrete store implementation, backed by
// SQLite. Job, WorkItem, and Batch invariants are cross-table, so both
// store.JobStore and store.WorkStore are implemented inside this single
// package against one connection.
package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/quaero/internal/common"
)

// DB wraps the single *sql.DB connection shared by the job/work-item store
// and the goqite-backed queues.
type DB struct {
	db     *sql.DB
	logger arbor.ILogger
}

// Open opens (or creates) the SQLite database described by cfg, configures
// its connection pool and pragmas, and ensures the JWOC schema exists.
// modernc.org/sqlite is a pure-Go driver, registered under the "sqlite"
// name (not "sqlite3").
func Open(cfg common.StorageConfig, logger arbor.ILogger) (*DB, error) {
	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	if cfg.ResetOnStartup {
		if err := resetDatabase(cfg.Path); err != nil {
			return nil, fmt.Errorf("failed to reset database: %w", err)
		}
	}

	sqlDB, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite has no useful concurrent-writer story; cap the pool at one
	// connection so every transaction in the process is strictly
	// serialized against every other, avoiding SQLITE_BUSY storms.
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)

	d := &DB{db: sqlDB, logger: logger}

	if err := d.configure(cfg); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to configure database: %w", err)
	}

	if err := InitSchema(sqlDB); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	logger.Info().Str("path", cfg.Path).Msg("jwoc database initialized")
	return d, nil
}

func (d *DB) configure(cfg common.StorageConfig) error {
	pragmas := []string{
		fmt.Sprintf("PRAGMA cache_size = -%d", cfg.CacheSizeKB),
		fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeoutMS),
		"PRAGMA foreign_keys = ON",
		"PRAGMA synchronous = NORMAL",
	}
	if cfg.WAL {
		pragmas = append(pragmas, "PRAGMA journal_mode = WAL")
	}

	for _, pragma := range pragmas {
		if _, err := d.db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %s: %w", pragma, err)
		}
	}

	if cfg.WAL {
		var mode string
		if err := d.db.QueryRow("PRAGMA journal_mode").Scan(&mode); err != nil {
			d.logger.Warn().Err(err).Msg("failed to verify journal mode")
		} else {
			d.logger.Info().Str("journal_mode", mode).Msg("sqlite configuration applied")
		}
	}
	return nil
}

// Raw returns the underlying *sql.DB, for the queue package to build a
// queue.GoqiteProvider against the same connection.
func (d *DB) Raw() *sql.DB {
	return d.db
}

func (d *DB) Close() error {
	return d.db.Close()
}

func (d *DB) Ping(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

func resetDatabase(path string) error {
	for _, suffix := range []string{"", "-wal", "-shm"} {
		if err := os.Remove(path + suffix); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}
