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
	"encoding/json"
	"fmt"
	"time"

	stationerrors "github.com/Soochol/station-service/pkg/errors"
)

// MaxSyncRetries bounds how many times the Sync Engine retries a queued
// item before it is left for operator inspection (spec §4.4).
const MaxSyncRetries = 5

// SyncQueueItem is a durable sync_queue row: one MES operation that failed
// while the backend was unreachable and is waiting to be retried.
type SyncQueueItem struct {
	ID         int64
	EntityType string // e.g. "wip_process", "execution"
	EntityID   string
	Action     string // e.g. "start_process", "complete_process", "convert_to_serial", "create", "update"
	Payload    map[string]interface{}
	RetryCount int
	LastError  string
	CreatedAt  time.Time
}

// Enqueue inserts a new pending sync queue item.
func (s *Store) Enqueue(ctx context.Context, item *SyncQueueItem) error {
	payloadJSON, err := json.Marshal(item.Payload)
	if err != nil {
		return fmt.Errorf("failed to marshal sync queue payload: %w", err)
	}

	now := time.Now().UTC()
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_queue (entity_type, entity_id, action, payload, retry_count, last_error, created_at)
		VALUES (?, ?, ?, ?, 0, NULL, ?)`,
		item.EntityType, item.EntityID, item.Action, string(payloadJSON), now.Format(time.RFC3339Nano),
	)
	if err != nil {
		return &stationerrors.PersistenceError{Op: "enqueue", Cause: err}
	}
	id, err := result.LastInsertId()
	if err != nil {
		return &stationerrors.PersistenceError{Op: "enqueue_id", Cause: err}
	}
	item.ID = id
	item.CreatedAt = now
	item.RetryCount = 0
	return nil
}

// Dequeue removes a sync queue item after it has been successfully
// delivered to the backend.
func (s *Store) Dequeue(ctx context.Context, id int64) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM sync_queue WHERE id = ?`, id)
	if err != nil {
		return &stationerrors.PersistenceError{Op: "dequeue", Cause: err}
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return &stationerrors.NotFoundError{Resource: "sync_queue_item", ID: fmt.Sprintf("%d", id)}
	}
	return nil
}

// MarkFailed increments an item's retry count and records the failure
// reason. Once retry_count reaches MaxSyncRetries the item is no longer
// returned by GetPendingItems, but it is not deleted automatically.
func (s *Store) MarkFailed(ctx context.Context, id int64, errMsg string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE sync_queue SET retry_count = retry_count + 1, last_error = ? WHERE id = ?`,
		errMsg, id,
	)
	if err != nil {
		return &stationerrors.PersistenceError{Op: "mark_failed", Cause: err}
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return &stationerrors.NotFoundError{Resource: "sync_queue_item", ID: fmt.Sprintf("%d", id)}
	}
	return nil
}

// CountPending returns the number of items with retry_count < maxRetries.
func (s *Store) CountPending(ctx context.Context, maxRetries int) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sync_queue WHERE retry_count < ?`, maxRetries).Scan(&count)
	if err != nil {
		return 0, &stationerrors.PersistenceError{Op: "count_pending", Cause: err}
	}
	return count, nil
}

// GetPendingItems returns up to limit items with retry_count < maxRetries,
// strictly FIFO by created_at (spec §4.4: "no priority queue").
func (s *Store) GetPendingItems(ctx context.Context, limit, maxRetries int) ([]SyncQueueItem, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, entity_type, entity_id, action, payload, retry_count, last_error, created_at
		FROM sync_queue WHERE retry_count < ? ORDER BY created_at ASC LIMIT ?`, maxRetries, limit)
	if err != nil {
		return nil, &stationerrors.PersistenceError{Op: "get_pending_items", Cause: err}
	}
	defer rows.Close()

	var out []SyncQueueItem
	for rows.Next() {
		item, err := scanSyncQueueItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	return out, rows.Err()
}

// CleanupOldItems deletes items older than olderThanDays whose retry_count
// has reached maxRetries — permanently-failed items past their TTL.
func (s *Store) CleanupOldItems(ctx context.Context, olderThanDays int, maxRetries int) (int64, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -olderThanDays).Format(time.RFC3339Nano)
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM sync_queue WHERE retry_count >= ? AND created_at < ?`, maxRetries, cutoff)
	if err != nil {
		return 0, &stationerrors.PersistenceError{Op: "cleanup_old_items", Cause: err}
	}
	return result.RowsAffected()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSyncQueueItem(rows rowScanner) (SyncQueueItem, error) {
	var item SyncQueueItem
	var payloadJSON string
	var lastError *string
	var createdAt string

	if err := rows.Scan(&item.ID, &item.EntityType, &item.EntityID, &item.Action,
		&payloadJSON, &item.RetryCount, &lastError, &createdAt); err != nil {
		return SyncQueueItem{}, &stationerrors.PersistenceError{Op: "scan_sync_queue_item", Cause: err}
	}
	if lastError != nil {
		item.LastError = *lastError
	}
	if payloadJSON != "" {
		_ = json.Unmarshal([]byte(payloadJSON), &item.Payload)
	}
	item.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	return item, nil
}
