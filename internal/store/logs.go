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

package store

import (
	"context"
	"database/sql"
	"time"

	stationerrors "github.com/Soochol/station-service/pkg/errors"
)

// LogLevel mirrors log_entries.level.
type LogLevel string

const (
	LogDebug   LogLevel = "debug"
	LogInfo    LogLevel = "info"
	LogWarning LogLevel = "warning"
	LogError   LogLevel = "error"
)

// LogEntry is a durable log_entries row.
type LogEntry struct {
	ID          int64
	BatchID     string
	ExecutionID string
	Level       LogLevel
	Message     string
	Timestamp   time.Time
}

// InsertLog appends a log entry. The id is assigned by SQLite and is
// monotonically increasing per store file.
func (s *Store) InsertLog(ctx context.Context, entry *LogEntry) error {
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO log_entries (batch_id, execution_id, level, message, timestamp)
		VALUES (?, ?, ?, ?, ?)`,
		entry.BatchID, nullString(entry.ExecutionID), string(entry.Level), entry.Message,
		entry.Timestamp.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return &stationerrors.PersistenceError{Op: "insert_log", Cause: err}
	}
	id, err := result.LastInsertId()
	if err != nil {
		return &stationerrors.PersistenceError{Op: "insert_log_id", Cause: err}
	}
	entry.ID = id
	return nil
}

// ListLogs returns log entries for a batch (optionally scoped to an
// execution), most recent first, capped at limit.
func (s *Store) ListLogs(ctx context.Context, batchID, executionID string, limit int) ([]LogEntry, error) {
	query := `SELECT id, batch_id, execution_id, level, message, timestamp FROM log_entries WHERE batch_id = ?`
	args := []interface{}{batchID}
	if executionID != "" {
		query += ` AND execution_id = ?`
		args = append(args, executionID)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, &stationerrors.PersistenceError{Op: "list_logs", Cause: err}
	}
	defer rows.Close()

	var out []LogEntry
	for rows.Next() {
		var e LogEntry
		var level, ts string
		var execID sql.NullString
		if err := rows.Scan(&e.ID, &e.BatchID, &execID, &level, &e.Message, &ts); err != nil {
			return nil, &stationerrors.PersistenceError{Op: "scan_log", Cause: err}
		}
		if execID.Valid {
			e.ExecutionID = execID.String
		}
		e.Level = LogLevel(level)
		e.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
		out = append(out, e)
	}
	return out, rows.Err()
}
