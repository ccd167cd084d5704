// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package store implements the per-batch and station-wide embedded
// relational stores: execution results with their step rows, log entries,
// and the offline sync queue. Each batch gets its own SQLite file so a
// corrupt or locked batch database never blocks another batch's worker.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	stationerrors "github.com/Soochol/station-service/pkg/errors"
	_ "modernc.org/sqlite"
)

// Store wraps a single SQLite connection. SQLite serializes writers, so the
// pool is capped at one connection; readers interleave through the same
// connection because modernc.org/sqlite allows concurrent readers under WAL.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the SQLite file at path, configures
// WAL journaling and foreign-key enforcement, and runs migrations.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, &stationerrors.PersistenceError{Op: "open", Cause: err}
	}

	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, &stationerrors.PersistenceError{Op: "open", Cause: err}
	}

	s := &Store{db: db}

	if err := s.configurePragmas(ctx); err != nil {
		db.Close()
		return nil, &stationerrors.PersistenceError{Op: "configure", Cause: err}
	}

	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, &stationerrors.PersistenceError{Op: "migrate", Cause: err}
	}

	return s, nil
}

func (s *Store) configurePragmas(ctx context.Context) error {
	pragmas := []string{
		"PRAGMA foreign_keys=ON",
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	}
	for _, p := range pragmas {
		if _, err := s.db.ExecContext(ctx, p); err != nil {
			return fmt.Errorf("failed to execute %s: %w", p, err)
		}
	}
	return nil
}

func (s *Store) migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS execution_results (
			id TEXT PRIMARY KEY,
			batch_id TEXT NOT NULL,
			sequence_name TEXT NOT NULL,
			sequence_version TEXT NOT NULL,
			status TEXT NOT NULL,
			overall_pass INTEGER,
			started_at TEXT NOT NULL,
			completed_at TEXT,
			duration_ms INTEGER,
			parameters TEXT,
			synced_at TEXT,
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_execution_results_batch_id ON execution_results(batch_id)`,
		`CREATE INDEX IF NOT EXISTS idx_execution_results_status ON execution_results(status)`,
		`CREATE INDEX IF NOT EXISTS idx_execution_results_completed_at ON execution_results(completed_at)`,
		`CREATE TABLE IF NOT EXISTS step_results (
			execution_id TEXT NOT NULL,
			step_order INTEGER NOT NULL,
			name TEXT NOT NULL,
			status TEXT NOT NULL,
			pass_result INTEGER,
			duration_ms INTEGER,
			payload TEXT,
			error TEXT,
			PRIMARY KEY (execution_id, step_order),
			FOREIGN KEY (execution_id) REFERENCES execution_results(id) ON DELETE CASCADE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_step_results_execution_id ON step_results(execution_id)`,
		`CREATE TABLE IF NOT EXISTS log_entries (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			batch_id TEXT NOT NULL,
			execution_id TEXT,
			level TEXT NOT NULL,
			message TEXT NOT NULL,
			timestamp TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_log_entries_batch_id ON log_entries(batch_id)`,
		`CREATE INDEX IF NOT EXISTS idx_log_entries_execution_id ON log_entries(execution_id)`,
		`CREATE TABLE IF NOT EXISTS sync_queue (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			entity_type TEXT NOT NULL,
			entity_id TEXT NOT NULL,
			action TEXT NOT NULL,
			payload TEXT NOT NULL,
			retry_count INTEGER NOT NULL DEFAULT 0,
			last_error TEXT,
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sync_queue_retry_count ON sync_queue(retry_count)`,
		`CREATE INDEX IF NOT EXISTS idx_sync_queue_created_at ON sync_queue(created_at)`,
	}

	for _, m := range migrations {
		if _, err := s.db.ExecContext(ctx, m); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func formatTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(time.RFC3339Nano), Valid: true}
}

func parseTime(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, s.String)
	if err != nil {
		return nil
	}
	return &t
}
