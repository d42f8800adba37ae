// Package store opens the shared sqlite database and applies versioned
// schema migrations. All persistent components (auth, agent, memory, bus)
// share the single handle it owns.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// Store owns the process-wide database handle.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at dbPath, applies pending
// migrations and invalidates connection rows left over from a previous run.
// It refuses to open a database whose schema version is newer than this
// binary recognises.
func Open(dbPath string) (*Store, error) {
	if dir := filepath.Dir(dbPath); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", "file:"+dbPath+"?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	if err := s.invalidateStaleConnections(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// OpenExisting wraps an already-open handle, applying migrations. Used by
// tests that manage their own in-memory databases.
func OpenExisting(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	if err := s.invalidateStaleConnections(); err != nil {
		return nil, err
	}
	return s, nil
}

// DB exposes the underlying handle for component stores.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close closes the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version    INTEGER PRIMARY KEY,
		applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("create schema_version: %w", err)
	}

	var current sql.NullInt64
	if err := s.db.QueryRow(`SELECT MAX(version) FROM schema_version`).Scan(&current); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	known := migrations[len(migrations)-1].Version
	if current.Valid && int(current.Int64) > known {
		return fmt.Errorf("database schema version %d is newer than supported version %d", current.Int64, known)
	}

	for _, m := range migrations {
		if current.Valid && m.Version <= int(current.Int64) {
			continue
		}
		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", m.Version, err)
		}
		if _, err := tx.Exec(m.Script); err != nil {
			tx.Rollback()
			return fmt.Errorf("apply migration %d: %w", m.Version, err)
		}
		if _, err := tx.Exec(`INSERT INTO schema_version (version) VALUES (?)`, m.Version); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %d: %w", m.Version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.Version, err)
		}
		slog.Info("store: applied migration", "version", m.Version)
	}
	return nil
}

// Connection rows never survive a restart as live rows: the hub that owned
// them is gone with the process.
func (s *Store) invalidateStaleConnections() error {
	if _, err := s.db.Exec(`UPDATE connections SET is_active = 0 WHERE is_active = 1`); err != nil {
		return fmt.Errorf("invalidate stale connections: %w", err)
	}
	return nil
}
