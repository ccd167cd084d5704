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
	"encoding/json"
	"fmt"
	"time"

	stationerrors "github.com/Soochol/station-service/pkg/errors"
)

// ExecutionStatus mirrors the execution_results.status column.
type ExecutionStatus string

const (
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
	ExecutionStopped   ExecutionStatus = "stopped"
)

// StepStatus mirrors the step_results.status column.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

// Execution is a durable execution_results row.
type Execution struct {
	ID              string
	BatchID         string
	SequenceName    string
	SequenceVersion string
	Status          ExecutionStatus
	OverallPass     *bool
	StartedAt       time.Time
	CompletedAt     *time.Time
	Duration        time.Duration
	Parameters      map[string]interface{}
	SyncedAt        *time.Time
	CreatedAt       time.Time
}

// StepResult is a durable step_results row, ordered within its execution by StepOrder.
type StepResult struct {
	ExecutionID string
	StepOrder   int
	Name        string
	Status      StepStatus
	PassResult  *bool
	Duration    time.Duration
	Payload     map[string]interface{}
	Error       string
}

// CreateExecution inserts a new running execution row.
func (s *Store) CreateExecution(ctx context.Context, e *Execution) error {
	paramsJSON, err := json.Marshal(e.Parameters)
	if err != nil {
		return fmt.Errorf("failed to marshal parameters: %w", err)
	}

	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO execution_results
			(id, batch_id, sequence_name, sequence_version, status, overall_pass,
			 started_at, completed_at, duration_ms, parameters, synced_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.BatchID, e.SequenceName, e.SequenceVersion, string(ExecutionRunning),
		nullBool(e.OverallPass), e.StartedAt.UTC().Format(time.RFC3339Nano), formatTime(e.CompletedAt),
		nil, string(paramsJSON), formatTime(e.SyncedAt), now.Format(time.RFC3339Nano),
	)
	if err != nil {
		return &stationerrors.PersistenceError{Op: "create_execution", Cause: err}
	}
	e.CreatedAt = now
	return nil
}

// UpdateExecutionStatus transitions an execution to a terminal status and
// records overall pass/fail and completion time. status=running never
// reaches here; it is only set by CreateExecution.
func (s *Store) UpdateExecutionStatus(ctx context.Context, executionID string, status ExecutionStatus, overallPass *bool, completedAt time.Time, duration time.Duration) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE execution_results
		SET status = ?, overall_pass = ?, completed_at = ?, duration_ms = ?
		WHERE id = ?`,
		string(status), nullBool(overallPass), completedAt.UTC().Format(time.RFC3339Nano),
		duration.Milliseconds(), executionID,
	)
	if err != nil {
		return &stationerrors.PersistenceError{Op: "update_execution_status", Cause: err}
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return &stationerrors.NotFoundError{Resource: "execution", ID: executionID}
	}
	return nil
}

// MarkExecutionSynced records that a completed execution's result has been
// durably delivered to (or will never need) the MES backend.
func (s *Store) MarkExecutionSynced(ctx context.Context, executionID string, syncedAt time.Time) error {
	result, err := s.db.ExecContext(ctx, `UPDATE execution_results SET synced_at = ? WHERE id = ?`,
		syncedAt.UTC().Format(time.RFC3339Nano), executionID)
	if err != nil {
		return &stationerrors.PersistenceError{Op: "mark_execution_synced", Cause: err}
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return &stationerrors.NotFoundError{Resource: "execution", ID: executionID}
	}
	return nil
}

// AddStepResult inserts or replaces one step row of an execution.
func (s *Store) AddStepResult(ctx context.Context, step *StepResult) error {
	payloadJSON, err := json.Marshal(step.Payload)
	if err != nil {
		return fmt.Errorf("failed to marshal step payload: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO step_results (execution_id, step_order, name, status, pass_result, duration_ms, payload, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(execution_id, step_order) DO UPDATE SET
			name = excluded.name, status = excluded.status, pass_result = excluded.pass_result,
			duration_ms = excluded.duration_ms, payload = excluded.payload, error = excluded.error`,
		step.ExecutionID, step.StepOrder, step.Name, string(step.Status),
		nullBool(step.PassResult), step.Duration.Milliseconds(), string(payloadJSON), nullString(step.Error),
	)
	if err != nil {
		return &stationerrors.PersistenceError{Op: "add_step_result", Cause: err}
	}
	return nil
}

// GetExecutionWithSteps returns an execution and its steps in ascending step_order.
func (s *Store) GetExecutionWithSteps(ctx context.Context, executionID string) (*Execution, []StepResult, error) {
	e, err := s.getExecution(ctx, executionID)
	if err != nil {
		return nil, nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT execution_id, step_order, name, status, pass_result, duration_ms, payload, error
		FROM step_results WHERE execution_id = ? ORDER BY step_order ASC`, executionID)
	if err != nil {
		return nil, nil, &stationerrors.PersistenceError{Op: "get_execution_steps", Cause: err}
	}
	defer rows.Close()

	var steps []StepResult
	for rows.Next() {
		var st StepResult
		var status string
		var passResult sql.NullBool
		var durationMs sql.NullInt64
		var payloadJSON sql.NullString
		var errStr sql.NullString

		if err := rows.Scan(&st.ExecutionID, &st.StepOrder, &st.Name, &status, &passResult, &durationMs, &payloadJSON, &errStr); err != nil {
			return nil, nil, &stationerrors.PersistenceError{Op: "scan_step_result", Cause: err}
		}
		st.Status = StepStatus(status)
		if passResult.Valid {
			v := passResult.Bool
			st.PassResult = &v
		}
		st.Duration = time.Duration(durationMs.Int64) * time.Millisecond
		if errStr.Valid {
			st.Error = errStr.String
		}
		if payloadJSON.Valid && payloadJSON.String != "" {
			_ = json.Unmarshal([]byte(payloadJSON.String), &st.Payload)
		}
		steps = append(steps, st)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, &stationerrors.PersistenceError{Op: "iterate_step_results", Cause: err}
	}

	return e, steps, nil
}

func (s *Store) getExecution(ctx context.Context, executionID string) (*Execution, error) {
	var e Execution
	var status string
	var overallPass sql.NullBool
	var startedAt string
	var completedAt, syncedAt, paramsJSON sql.NullString
	var durationMs sql.NullInt64
	var createdAt string

	err := s.db.QueryRowContext(ctx, `
		SELECT id, batch_id, sequence_name, sequence_version, status, overall_pass,
			started_at, completed_at, duration_ms, parameters, synced_at, created_at
		FROM execution_results WHERE id = ?`, executionID,
	).Scan(&e.ID, &e.BatchID, &e.SequenceName, &e.SequenceVersion, &status, &overallPass,
		&startedAt, &completedAt, &durationMs, &paramsJSON, &syncedAt, &createdAt)

	if err == sql.ErrNoRows {
		return nil, &stationerrors.NotFoundError{Resource: "execution", ID: executionID}
	}
	if err != nil {
		return nil, &stationerrors.PersistenceError{Op: "get_execution", Cause: err}
	}

	e.Status = ExecutionStatus(status)
	if overallPass.Valid {
		v := overallPass.Bool
		e.OverallPass = &v
	}
	e.StartedAt, _ = time.Parse(time.RFC3339Nano, startedAt)
	e.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	e.CompletedAt = parseTime(completedAt)
	e.SyncedAt = parseTime(syncedAt)
	e.Duration = time.Duration(durationMs.Int64) * time.Millisecond
	if paramsJSON.Valid && paramsJSON.String != "" {
		_ = json.Unmarshal([]byte(paramsJSON.String), &e.Parameters)
	}

	return &e, nil
}

// ListExecutions returns executions for a batch, most recent first.
func (s *Store) ListExecutions(ctx context.Context, batchID string, limit int) ([]Execution, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, batch_id, sequence_name, sequence_version, status, overall_pass,
			started_at, completed_at, duration_ms, parameters, synced_at, created_at
		FROM execution_results WHERE batch_id = ? ORDER BY started_at DESC LIMIT ?`, batchID, limit)
	if err != nil {
		return nil, &stationerrors.PersistenceError{Op: "list_executions", Cause: err}
	}
	defer rows.Close()

	var out []Execution
	for rows.Next() {
		var e Execution
		var status string
		var overallPass sql.NullBool
		var startedAt string
		var completedAt, syncedAt, paramsJSON sql.NullString
		var durationMs sql.NullInt64
		var createdAt string

		if err := rows.Scan(&e.ID, &e.BatchID, &e.SequenceName, &e.SequenceVersion, &status, &overallPass,
			&startedAt, &completedAt, &durationMs, &paramsJSON, &syncedAt, &createdAt); err != nil {
			return nil, &stationerrors.PersistenceError{Op: "scan_execution", Cause: err}
		}
		e.Status = ExecutionStatus(status)
		if overallPass.Valid {
			v := overallPass.Bool
			e.OverallPass = &v
		}
		e.StartedAt, _ = time.Parse(time.RFC3339Nano, startedAt)
		e.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		e.CompletedAt = parseTime(completedAt)
		e.SyncedAt = parseTime(syncedAt)
		e.Duration = time.Duration(durationMs.Int64) * time.Millisecond
		if paramsJSON.Valid && paramsJSON.String != "" {
			_ = json.Unmarshal([]byte(paramsJSON.String), &e.Parameters)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// LastCompletedExecution returns the most recently completed execution and
// its steps for a batch, used to rehydrate last_run state after a worker
// restart (I3).
func (s *Store) LastCompletedExecution(ctx context.Context, batchID string) (*Execution, []StepResult, error) {
	var id string
	err := s.db.QueryRowContext(ctx, `
		SELECT id FROM execution_results
		WHERE batch_id = ? AND status != ?
		ORDER BY started_at DESC LIMIT 1`, batchID, string(ExecutionRunning),
	).Scan(&id)
	if err == sql.ErrNoRows {
		return nil, nil, &stationerrors.NotFoundError{Resource: "execution", ID: "last_completed:" + batchID}
	}
	if err != nil {
		return nil, nil, &stationerrors.PersistenceError{Op: "last_completed_execution", Cause: err}
	}
	return s.GetExecutionWithSteps(ctx, id)
}

func nullBool(b *bool) interface{} {
	if b == nil {
		return nil
	}
	return *b
}
