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
	"fmt"
	"time"

	"github.com/Soochol/station-service/internal/backendclient"
	"github.com/Soochol/station-service/internal/cliworker"
	"github.com/Soochol/station-service/internal/ipc"
	stationerrors "github.com/Soochol/station-service/pkg/errors"
)

// handleCommand dispatches one IPC command to its handler.
func (w *Worker) handleCommand(ctx context.Context, cmd ipc.Command) ipc.Response {
	var resp ipc.Response
	switch cmd.Type {
	case ipc.CmdStartSequence:
		resp = w.startSequence(ctx, cmd)
	case ipc.CmdStopSequence:
		resp = w.stopSequence(ctx, cmd)
	case ipc.CmdGetStatus:
		resp = w.getStatus(cmd)
	case ipc.CmdManualControl:
		resp = w.manualControl(ctx, cmd)
	case ipc.CmdShutdown:
		resp = w.shutdown(cmd)
	case ipc.CmdPing:
		resp = ipc.Response{Status: "ok", Payload: map[string]interface{}{"pong": true}}
	default:
		resp = ipc.Response{Status: "error", Message: fmt.Sprintf("unknown command type: %s", cmd.Type)}
	}
	resp.RequestID = cmd.RequestID
	return resp
}

func payloadInt(payload map[string]interface{}, key string) (int, bool) {
	v, ok := payload[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return int(n), true
	case int:
		return n, true
	}
	return 0, false
}

func payloadString(payload map[string]interface{}, key string) string {
	if v, ok := payload[key].(string); ok {
		return v
	}
	return ""
}

// startSequence implements the START_SEQUENCE command (spec §4.7).
func (w *Worker) startSequence(ctx context.Context, cmd ipc.Command) ipc.Response {
	w.mu.Lock()
	if w.execStatus != ExecIdle {
		w.mu.Unlock()
		return errResponse(&stationerrors.StateError{Resource: "execution", ID: w.cfg.BatchID, State: string(w.execStatus), Reason: "an execution is already in progress"})
	}
	manifest := w.manifest
	w.execStatus = ExecStarting
	w.mu.Unlock()

	mes := w.resolveMESContext(cmd.Payload)

	if mes != nil {
		if err := w.startProcessMES(ctx, mes); err != nil {
			w.mu.Lock()
			w.execStatus = ExecIdle
			w.mu.Unlock()
			if rejected, ok := err.(rejectedErr); ok {
				return errResponse(rejected.err)
			}
			// Non-rejecting (offline) path: continue with mes context set and
			// backend marked offline; fall through.
		}
	}

	execID := newExecutionID()
	totalSteps := 0
	if manifest != nil {
		totalSteps = len(manifest.Steps)
	}

	exec := &currentExecution{
		ID:              execID,
		SequenceName:    w.cfg.SequenceName,
		SequenceVersion: manifestVersion(manifest),
		StartedAt:       time.Now().UTC(),
		TotalSteps:      totalSteps,
		MES:             mes,
	}

	params := mergeParams(w.cfg.Parameters, cmd.Payload)
	hardware := w.cfg.HardwareMap
	if hardware == nil && manifest != nil {
		hardware = manifest.Hardware
	}

	cli, err := w.cfg.SpawnCLI(cliworker.Config{
		Module:         w.cfg.SequenceName,
		PythonBin:      w.cfg.CLIPythonBin,
		SequenceConfig: buildSequenceConfig(w.cfg.StationID, hardware, params),
	}, w.buildCallbacks(exec))
	if err != nil {
		w.mu.Lock()
		w.execStatus = ExecIdle
		w.mu.Unlock()
		return errResponse(&stationerrors.WorkerError{BatchID: w.cfg.BatchID, Cause: err})
	}
	exec.cliWorker = cli

	w.mu.Lock()
	w.current = exec
	w.execStatus = ExecRunning
	w.phase = PhaseRunning
	w.mu.Unlock()

	_ = w.conn.PublishEvent(ipc.Event{Type: ipc.EventStatusUpdate, Payload: map[string]interface{}{
		"status": string(ExecRunning), "execution_id": execID,
	}})

	go w.runCompletion(context.Background(), exec)

	return ipc.Response{Status: "ok", Payload: map[string]interface{}{"execution_id": execID}}
}

// rejectedErr marks a client-side (non-retryable) MES error that must abort
// the command rather than continue in degraded/offline mode.
type rejectedErr struct{ err error }

func (r rejectedErr) Error() string { return r.err.Error() }

// startProcessMES performs 착공. On a retryable backend error it marks the
// worker offline and enqueues the operation for later sync, returning nil
// (the caller continues). On a non-retryable error it returns a rejectedErr.
func (w *Worker) startProcessMES(ctx context.Context, mes *MESContext) error {
	if mes.WIPIntID == 0 {
		scan, err := w.client.ScanWIP(ctx, mes.WIPID)
		if err != nil {
			return rejectedErr{err}
		}
		mes.WIPIntID = scan.WIPIntID
	}

	_, err := w.client.StartProcess(ctx, mes.WIPIntID, mes.ProcessID)
	if err == nil {
		mes.ProcessStartAt = time.Now().UTC()
		return nil
	}

	if be, ok := err.(*stationerrors.BackendError); ok && be.IsRetryable {
		w.mu.Lock()
		w.online = false
		w.mu.Unlock()
		_ = w.store.Enqueue(ctx, enqueueItem("wip_process", mes.WIPID, "start_process", map[string]interface{}{
			"wip_int_id": mes.WIPIntID,
			"process_id": mes.ProcessID,
		}))
		return nil
	}
	return rejectedErr{err}
}

// stopSequence implements the STOP_SEQUENCE command.
func (w *Worker) stopSequence(ctx context.Context, cmd ipc.Command) ipc.Response {
	w.mu.Lock()
	exec := w.current
	if exec == nil || w.execStatus != ExecRunning {
		w.mu.Unlock()
		return errResponse(&stationerrors.StateError{Resource: "execution", ID: w.cfg.BatchID, State: string(w.execStatus), Reason: "no execution is running"})
	}
	exec.cancelled = true
	w.execStatus = ExecStopping
	w.mu.Unlock()

	if exec.cliWorker != nil {
		_ = exec.cliWorker.Stop()
	}

	sessionID := w.headerID(exec)
	if sessionID != 0 {
		closeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		_ = w.client.CloseSession(closeCtx, sessionID, backendclient.SessionCancelled)
		cancel()
	}

	w.mu.Lock()
	w.current = nil
	w.execStatus = ExecIdle
	w.phase = PhaseReady
	w.mu.Unlock()

	return ipc.Response{Status: "ok"}
}

func (w *Worker) headerID(exec *currentExecution) int {
	if exec.MES == nil {
		return 0
	}
	return exec.MES.HeaderID
}

// getStatus implements GET_STATUS.
func (w *Worker) getStatus(cmd ipc.Command) ipc.Response {
	w.mu.Lock()
	defer w.mu.Unlock()

	payload := map[string]interface{}{
		"phase":            string(w.phase),
		"execution_status": string(w.execStatus),
	}
	if w.current != nil {
		payload["execution"] = map[string]interface{}{
			"execution_id": w.current.ID,
			"step_index":   w.current.StepIndex,
			"total_steps":  w.current.TotalSteps,
			"current_step": w.current.CurrentStep,
		}
	} else if w.lastRun != nil {
		payload["last_run"] = map[string]interface{}{
			"execution_id": w.lastRun.ExecutionID,
			"pass":         w.lastRun.Pass,
		}
	}
	return ipc.Response{Status: "ok", Payload: payload}
}

// manualControl implements MANUAL_CONTROL: dispatch to a driver method by
// reflection, rejected outright while an execution is running.
func (w *Worker) manualControl(ctx context.Context, cmd ipc.Command) ipc.Response {
	w.mu.Lock()
	running := w.execStatus == ExecRunning
	w.mu.Unlock()
	if running {
		return errResponse(&stationerrors.StateError{Resource: "batch", ID: w.cfg.BatchID, State: string(ExecRunning), Reason: "manual control rejected while a sequence is running"})
	}
	if w.cfg.Driver == nil {
		return errResponse(&stationerrors.HardwareError{Device: payloadString(cmd.Payload, "device_id"), Op: payloadString(cmd.Payload, "method"), Cause: fmt.Errorf("no driver configured")})
	}

	deviceID := payloadString(cmd.Payload, "device_id")
	method := payloadString(cmd.Payload, "method")
	params, _ := cmd.Payload["params"].(map[string]interface{})

	result, err := w.cfg.Driver.Invoke(ctx, deviceID, method, params)
	if err != nil {
		return errResponse(&stationerrors.HardwareError{Device: deviceID, Op: method, Cause: err})
	}
	return ipc.Response{Status: "ok", Payload: result}
}

// shutdown implements SHUTDOWN: stops any active CLI worker and signals the
// Run loop to exit after replying.
func (w *Worker) shutdown(cmd ipc.Command) ipc.Response {
	w.mu.Lock()
	w.running = false
	cli := w.currentCLIWorkerLocked()
	w.phase = PhaseStopping
	w.mu.Unlock()

	if cli != nil {
		_ = cli.Stop()
	}
	return ipc.Response{Status: "ok"}
}

func errResponse(err error) ipc.Response {
	return ipc.Response{Status: "error", Message: err.Error()}
}

func manifestVersion(m *Manifest) string {
	if m == nil {
		return ""
	}
	return m.Version
}

func mergeParams(base, payload map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(base)+len(payload))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range payload {
		switch k {
		case "wip_id", "wip_int_id", "process_id", "operator_id", "equipment_id", "header_id":
			continue
		default:
			out[k] = v
		}
	}
	return out
}

func buildSequenceConfig(stationID string, hardware, params map[string]interface{}) map[string]interface{} {
	return map[string]interface{}{
		"station_id": stationID,
		"hardware":   hardware,
		"parameters": params,
	}
}

// resolveMESContext builds a MESContext from pre-supplied config plus
// command payload overrides, or nil if the tuple is incomplete.
func (w *Worker) resolveMESContext(payload map[string]interface{}) *MESContext {
	mes := &MESContext{}
	if w.cfg.MESParams != nil {
		*mes = *w.cfg.MESParams
	}
	if v := payloadString(payload, "wip_id"); v != "" {
		mes.WIPID = v
	}
	if v, ok := payloadInt(payload, "wip_int_id"); ok {
		mes.WIPIntID = v
	}
	if v, ok := payloadInt(payload, "process_id"); ok {
		mes.ProcessID = v
	}
	if v, ok := payloadInt(payload, "operator_id"); ok {
		mes.OperatorID = v
	}
	if v, ok := payloadInt(payload, "header_id"); ok {
		mes.HeaderID = v
	}

	if mes.WIPID == "" || mes.ProcessID == 0 || mes.OperatorID == 0 {
		return nil
	}
	return mes
}
