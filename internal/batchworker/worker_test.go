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
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/Soochol/station-service/internal/backendclient"
	"github.com/Soochol/station-service/internal/ipc"
	"github.com/Soochol/station-service/internal/store"
	"github.com/Soochol/station-service/internal/token"
)

// fakeConn is an in-memory IPCConn recording published events.
type fakeConn struct {
	mu     sync.Mutex
	events []ipc.Event
}

func (f *fakeConn) RecvCommand() (ipc.Command, error) { return ipc.Command{}, nil }
func (f *fakeConn) SendResponse(ipc.Response) error    { return nil }
func (f *fakeConn) PublishEvent(e ipc.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, e)
	return nil
}

func (f *fakeConn) eventsOfType(t string) []ipc.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []ipc.Event
	for _, e := range f.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

// fakeInterpreter writes a standalone shell script that ignores its argv
// and emits script as stdout, used as cliworker.Config.PythonBin so
// startSequence exercises the real subprocess pipeline end to end.
func fakeInterpreter(t *testing.T, script string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake-python")
	content := "#!/bin/sh\n" + script + "\n"
	if err := os.WriteFile(path, []byte(content), 0o755); err != nil {
		t.Fatalf("failed to write fake interpreter: %v", err)
	}
	return path
}

func newTestWorker(t *testing.T, mesHandler http.HandlerFunc) (*Worker, *store.Store) {
	t.Helper()

	st, err := store.Open(filepath.Join(t.TempDir(), "batch.db"))
	if err != nil {
		t.Fatalf("store.Open() error = %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	var client *backendclient.Client
	if mesHandler != nil {
		server := httptest.NewServer(mesHandler)
		t.Cleanup(server.Close)

		tm := token.New(nil, nil)
		tm.SetTokens("access-token", "refresh-token", time.Hour, "u1", "operator", "station-key")

		client, err = backendclient.New(backendclient.Config{BaseURL: server.URL}, tm)
		if err != nil {
			t.Fatalf("backendclient.New() error = %v", err)
		}
	}

	conn := &fakeConn{}
	w := New(Config{
		BatchID:      "batch_1",
		StationID:    "station_1",
		SequenceName: "thermal_cycle",
		LoadManifest: func(name string) (*Manifest, error) {
			return &Manifest{Name: name, Version: "1.0.0", Steps: []string{"warmup", "measure"}}, nil
		},
	}, conn, st, client, nil)

	if err := w.Init(); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	return w, st
}

func TestInit_TransitionsToReady(t *testing.T) {
	w, _ := newTestWorker(t, nil)
	if w.Phase() != PhaseReady {
		t.Errorf("Phase() = %v, want READY", w.Phase())
	}
}

func TestPing(t *testing.T) {
	w, _ := newTestWorker(t, nil)
	resp := w.handleCommand(context.Background(), ipc.Command{Type: ipc.CmdPing, RequestID: "r1"})
	if resp.Status != "ok" || resp.Payload["pong"] != true {
		t.Errorf("ping response = %+v", resp)
	}
	if resp.RequestID != "r1" {
		t.Errorf("RequestID = %q, want r1", resp.RequestID)
	}
}

func TestStartSequence_WithoutMESContext_RunsToCompletion(t *testing.T) {
	w, st := newTestWorker(t, nil)
	conn := w.conn.(*fakeConn)

	bin := fakeInterpreter(t, `echo '{"type":"step_start","data":{"step":"warmup","index":0,"total":2}}'
echo '{"type":"step_complete","data":{"step":"warmup","index":0,"passed":true}}'
echo '{"type":"sequence_complete","data":{"overall_pass":true}}'`)
	w.cfg.CLIPythonBin = bin

	resp := w.handleCommand(context.Background(), ipc.Command{Type: ipc.CmdStartSequence, RequestID: "r2"})
	if resp.Status != "ok" {
		t.Fatalf("start_sequence response = %+v", resp)
	}
	execID, _ := resp.Payload["execution_id"].(string)
	if execID == "" {
		t.Fatal("start_sequence did not return an execution_id")
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		w.mu.Lock()
		idle := w.execStatus == ExecIdle
		w.mu.Unlock()
		if idle {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	w.mu.Lock()
	lastRun := w.lastRun
	w.mu.Unlock()
	if lastRun == nil || lastRun.ExecutionID != execID {
		t.Fatalf("lastRun = %+v, want completed execution %s", lastRun, execID)
	}
	if lastRun.Pass == nil || !*lastRun.Pass {
		t.Errorf("lastRun.Pass = %v, want true", lastRun.Pass)
	}

	if len(conn.eventsOfType(ipc.EventSequenceComplete)) != 1 {
		t.Errorf("expected exactly one SEQUENCE_COMPLETE event, got %d", len(conn.eventsOfType(ipc.EventSequenceComplete)))
	}

	exec, _, err := st.GetExecutionWithSteps(context.Background(), execID)
	if err != nil {
		t.Fatalf("GetExecutionWithSteps() error = %v", err)
	}
	if exec.Status != store.ExecutionCompleted {
		t.Errorf("persisted execution status = %v, want completed", exec.Status)
	}
}

func TestStartSequence_RejectsWhileAlreadyRunning(t *testing.T) {
	w, _ := newTestWorker(t, nil)
	w.execStatus = ExecRunning

	resp := w.handleCommand(context.Background(), ipc.Command{Type: ipc.CmdStartSequence})
	if resp.Status != "error" {
		t.Errorf("expected rejection while an execution is running, got %+v", resp)
	}
}

func TestStartSequence_BackendRejectionAbortsCommand(t *testing.T) {
	w, _ := newTestWorker(t, func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(http.StatusNotFound)
		_, _ = rw.Write([]byte(`{"message":"no such wip"}`))
	})

	resp := w.handleCommand(context.Background(), ipc.Command{
		Type: ipc.CmdStartSequence,
		Payload: map[string]interface{}{
			"wip_id": "WIP-1", "wip_int_id": float64(7), "process_id": float64(3), "operator_id": float64(9),
		},
	})
	if resp.Status != "error" {
		t.Fatalf("expected start_sequence to be rejected on a 404 start-process, got %+v", resp)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.execStatus != ExecIdle {
		t.Errorf("execStatus = %v, want IDLE after rejection", w.execStatus)
	}
}

func TestStartSequence_BackendOfflineEnqueuesAndContinues(t *testing.T) {
	w, st := newTestWorker(t, func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(http.StatusServiceUnavailable)
	})
	bin := fakeInterpreter(t, `echo '{"type":"sequence_complete","data":{"overall_pass":true}}'`)
	w.cfg.CLIPythonBin = bin

	resp := w.handleCommand(context.Background(), ipc.Command{
		Type: ipc.CmdStartSequence,
		Payload: map[string]interface{}{
			"wip_id": "WIP-2", "wip_int_id": float64(7), "process_id": float64(3), "operator_id": float64(9),
		},
	})
	if resp.Status != "ok" {
		t.Fatalf("expected start_sequence to continue in degraded mode, got %+v", resp)
	}

	pending, err := st.CountPending(context.Background(), store.MaxSyncRetries)
	if err != nil {
		t.Fatalf("CountPending() error = %v", err)
	}
	if pending != 1 {
		t.Errorf("pending sync items = %d, want 1 (enqueued start_process)", pending)
	}

	w.mu.Lock()
	online := w.online
	w.mu.Unlock()
	if online {
		t.Error("online = true, want false after a retryable backend failure")
	}
}

func TestGetStatus_ReportsPhaseAndExecutionStatus(t *testing.T) {
	w, _ := newTestWorker(t, nil)
	resp := w.handleCommand(context.Background(), ipc.Command{Type: ipc.CmdGetStatus})
	if resp.Status != "ok" {
		t.Fatalf("get_status response = %+v", resp)
	}
	if resp.Payload["phase"] != string(PhaseReady) {
		t.Errorf("phase = %v, want READY", resp.Payload["phase"])
	}
}

func TestManualControl_RejectedWhileRunning(t *testing.T) {
	w, _ := newTestWorker(t, nil)
	w.execStatus = ExecRunning

	resp := w.handleCommand(context.Background(), ipc.Command{Type: ipc.CmdManualControl})
	if resp.Status != "error" {
		t.Errorf("expected manual_control to be rejected while running, got %+v", resp)
	}
}

type fakeDriver struct{ called bool }

func (d *fakeDriver) Invoke(ctx context.Context, deviceID, method string, params map[string]interface{}) (map[string]interface{}, error) {
	d.called = true
	return map[string]interface{}{"ok": true}, nil
}

func TestManualControl_DispatchesToDriver(t *testing.T) {
	w, _ := newTestWorker(t, nil)
	driver := &fakeDriver{}
	w.cfg.Driver = driver

	resp := w.handleCommand(context.Background(), ipc.Command{
		Type:    ipc.CmdManualControl,
		Payload: map[string]interface{}{"device_id": "scale_1", "method": "tare"},
	})
	if resp.Status != "ok" {
		t.Fatalf("manual_control response = %+v", resp)
	}
	if !driver.called {
		t.Error("driver.Invoke was never called")
	}
}

func TestShutdown_StopsRunLoop(t *testing.T) {
	w, _ := newTestWorker(t, nil)
	resp := w.handleCommand(context.Background(), ipc.Command{Type: ipc.CmdShutdown})
	if resp.Status != "ok" {
		t.Fatalf("shutdown response = %+v", resp)
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		t.Error("running = true after SHUTDOWN")
	}
}

func TestStopSequence_CancelsExecutionWithoutSavingLastRun(t *testing.T) {
	w, _ := newTestWorker(t, nil)

	bin := fakeInterpreter(t, `trap 'exit 0' TERM
read line
sleep 5`)
	w.cfg.CLIPythonBin = bin

	startResp := w.handleCommand(context.Background(), ipc.Command{Type: ipc.CmdStartSequence})
	if startResp.Status != "ok" {
		t.Fatalf("start_sequence response = %+v", startResp)
	}

	stopResp := w.handleCommand(context.Background(), ipc.Command{Type: ipc.CmdStopSequence})
	if stopResp.Status != "ok" {
		t.Fatalf("stop_sequence response = %+v", stopResp)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.execStatus != ExecIdle {
		t.Errorf("execStatus = %v, want IDLE after stop", w.execStatus)
	}
	if w.current != nil {
		t.Error("current execution not cleared after stop_sequence")
	}
	if w.lastRun != nil {
		t.Error("lastRun was set by stop_sequence, want nil (cancelled executions are not saved as last run)")
	}
}
