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

package batchworker

import (
	"context"
	"time"

	"github.com/Soochol/station-service/internal/backendclient"
	"github.com/Soochol/station-service/internal/cliworker"
	"github.com/Soochol/station-service/internal/ipc"
	"github.com/Soochol/station-service/internal/store"
	stationerrors "github.com/Soochol/station-service/pkg/errors"
)

// buildCallbacks wires the CLI Sequence Worker's typed stdout events into
// in-memory execution state plus IPC event fan-out.
func (w *Worker) buildCallbacks(exec *currentExecution) cliworker.Callbacks {
	return cliworker.Callbacks{
		OnStepStart: func(d cliworker.StepStartData) {
			w.mu.Lock()
			exec.CurrentStep = d.Step
			exec.StepIndex = d.Index
			w.mu.Unlock()
			_ = w.conn.PublishEvent(ipc.Event{Type: ipc.EventStepStart, Payload: map[string]interface{}{
				"step": d.Step, "index": d.Index, "total": d.Total, "execution_id": d.ExecutionID,
			}})
		},
		OnStepComplete: func(d cliworker.StepCompleteData) {
			status := store.StepCompleted
			if !d.Passed {
				status = store.StepFailed
			}
			pass := d.Passed
			w.mu.Lock()
			exec.Steps = append(exec.Steps, stepResult{
				Name: d.Step, Status: status, Pass: &pass,
				Duration: time.Duration(d.Duration * float64(time.Second)), Payload: d.Payload,
			})
			w.mu.Unlock()
			_ = w.conn.PublishEvent(ipc.Event{Type: ipc.EventStepComplete, Payload: map[string]interface{}{
				"step": d.Step, "index": d.Index, "passed": d.Passed, "execution_id": d.ExecutionID,
			}})
		},
		OnLog: func(d cliworker.LogData) {
			_ = w.conn.PublishEvent(ipc.Event{Type: ipc.EventLog, Payload: map[string]interface{}{
				"level": d.Level, "message": d.Message,
			}})
		},
		OnError: func(d cliworker.ErrorData) {
			_ = w.conn.PublishEvent(ipc.Event{Type: ipc.EventError, Payload: map[string]interface{}{
				"code": d.Code, "message": d.Message, "step": d.Step,
			}})
		},
		OnStatus: func(d cliworker.StatusData) {
			_ = w.conn.PublishEvent(ipc.Event{Type: ipc.EventStatusUpdate, Payload: map[string]interface{}{
				"status": d.Status, "progress": d.Progress, "current_step": d.CurrentStep,
			}})
		},
	}
}

// runCompletion drives the end-of-execution path once the CLI Sequence
// Worker's Wait() returns (spec §4.7 "Completion").
func (w *Worker) runCompletion(ctx context.Context, exec *currentExecution) {
	result := exec.cliWorker.Wait()

	w.mu.Lock()
	cancelled := exec.cancelled
	w.mu.Unlock()
	if cancelled {
		return
	}

	overallPass := result.OverallPass
	defects := flattenDefects(exec.Steps, result)

	if exec.MES != nil {
		completeErr := w.client.CompleteProcess(ctx, exec.MES.WIPIntID, exec.MES.ProcessID, exec.MES.OperatorID, backendclient.CompleteProcessRequest{
			Result:  passFailString(overallPass),
			Defects: defects,
		})
		if completeErr != nil {
			if be, ok := completeErr.(*stationerrors.BackendError); ok && be.IsRetryable {
				_ = w.store.Enqueue(ctx, enqueueItem("wip_process", exec.MES.WIPID, "complete_process", map[string]interface{}{
					"wip_int_id": exec.MES.WIPIntID, "process_id": exec.MES.ProcessID, "operator_id": exec.MES.OperatorID,
					"result": passFailString(overallPass),
				}))
			} else {
				_ = w.conn.PublishEvent(ipc.Event{Type: ipc.EventError, Payload: map[string]interface{}{
					"message": completeErr.Error(),
				}})
			}
		} else if overallPass {
			_ = w.conn.PublishEvent(ipc.Event{Type: ipc.EventWIPProcessComplete, Payload: map[string]interface{}{
				"wip_id": exec.MES.WIPID, "can_convert": true,
			}})
		}
	}

	_ = w.conn.PublishEvent(ipc.Event{Type: ipc.EventSequenceComplete, Payload: map[string]interface{}{
		"execution_id": exec.ID, "overall_pass": overallPass,
	}})

	w.persistExecution(ctx, exec, overallPass)

	w.mu.Lock()
	w.current = nil
	w.execStatus = ExecIdle
	w.phase = PhaseReady
	pass := overallPass
	w.lastRun = &lastRunState{ExecutionID: exec.ID, Pass: &pass, Steps: exec.Steps}
	w.mu.Unlock()
}

func (w *Worker) persistExecution(ctx context.Context, exec *currentExecution, overallPass bool) {
	status := store.ExecutionCompleted
	if !overallPass {
		status = store.ExecutionFailed
	}

	record := &store.Execution{
		ID: exec.ID, BatchID: w.cfg.BatchID, SequenceName: exec.SequenceName,
		SequenceVersion: exec.SequenceVersion, OverallPass: &overallPass,
		StartedAt: exec.StartedAt,
	}
	if err := w.store.CreateExecution(ctx, record); err != nil {
		w.logger.Error("failed to persist execution", "error", err)
	}

	completedAt := time.Now().UTC()
	if err := w.store.UpdateExecutionStatus(ctx, exec.ID, status, &overallPass, completedAt, completedAt.Sub(exec.StartedAt)); err != nil {
		w.logger.Error("failed to update execution status", "error", err)
	}

	for i, step := range exec.Steps {
		sr := &store.StepResult{
			ExecutionID: exec.ID, StepOrder: i, Name: step.Name, Status: step.Status,
			PassResult: step.Pass, Duration: step.Duration, Payload: step.Payload,
		}
		if err := w.store.AddStepResult(ctx, sr); err != nil {
			w.logger.Error("failed to persist step result", "error", err, "step", step.Name)
		}
	}
}

func flattenDefects(steps []stepResult, result cliworker.SequenceCompleteData) []backendclient.Defect {
	var defects []backendclient.Defect
	for _, s := range steps {
		if s.Pass != nil && !*s.Pass {
			defects = append(defects, backendclient.Defect{Code: s.Name, Description: "step failed"})
		}
	}
	if result.Error != "" {
		defects = append(defects, backendclient.Defect{Code: "SEQUENCE_ERROR", Description: result.Error})
	}
	return defects
}

func passFailString(pass bool) string {
	if pass {
		return "PASS"
	}
	return "FAIL"
}

func enqueueItem(entityType, entityID, action string, payload map[string]interface{}) *store.SyncQueueItem {
	return &store.SyncQueueItem{EntityType: entityType, EntityID: entityID, Action: action, Payload: payload}
}
