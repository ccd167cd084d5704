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

// Package batchworker implements the Batch Worker: a supervised per-batch
// process that loads a sequence package, drives the CLI Sequence Worker,
// and mediates with the MES backend over the Backend Client.
package batchworker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Soochol/station-service/internal/backendclient"
	"github.com/Soochol/station-service/internal/cliworker"
	"github.com/Soochol/station-service/internal/ipc"
	"github.com/Soochol/station-service/internal/store"
	stationerrors "github.com/Soochol/station-service/pkg/errors"
)

// Phase is the worker lifecycle phase (spec §3 "Worker state").
type Phase string

const (
	PhaseInitializing Phase = "INITIALIZING"
	PhaseReady        Phase = "READY"
	PhaseRunning      Phase = "RUNNING"
	PhaseStopping     Phase = "STOPPING"
	PhaseStopped      Phase = "STOPPED"
	PhaseError        Phase = "ERROR"
)

// ExecStatus is the execution sub-status, independent of Phase.
type ExecStatus string

const (
	ExecIdle     ExecStatus = "IDLE"
	ExecStarting ExecStatus = "STARTING"
	ExecRunning  ExecStatus = "RUNNING"
	ExecStopping ExecStatus = "STOPPING"
	ExecComplete ExecStatus = "COMPLETED"
	ExecError    ExecStatus = "ERROR"
)

// Manifest is the parsed sequence package manifest.
type Manifest struct {
	Name              string
	Version           string
	Steps             []string
	Hardware          map[string]interface{}
	ParameterDefaults map[string]interface{}
}

// ManifestLoader resolves a sequence package name to its manifest, e.g. by
// filesystem lookup in the configured sequences directory.
type ManifestLoader func(name string) (*Manifest, error)

// IPCConn is the worker-side half of the IPC fabric the Worker depends on.
// *ipc.WorkerConn satisfies it; tests substitute a fake.
type IPCConn interface {
	RecvCommand() (ipc.Command, error)
	SendResponse(ipc.Response) error
	PublishEvent(ipc.Event) error
}

// DriverDispatcher resolves a configured driver by device id and invokes a
// named method on it with keyword-style parameters, for MANUAL_CONTROL.
type DriverDispatcher interface {
	Invoke(ctx context.Context, deviceID, method string, params map[string]interface{}) (map[string]interface{}, error)
}

// MESContext carries the 着工/完工 tuple for one execution.
type MESContext struct {
	WIPID          string
	WIPIntID       int
	ProcessID      int
	OperatorID     int
	ProcessStartAt time.Time
	HeaderID       int
}

// stepResult is one in-memory step row for the current or last-run execution.
type stepResult struct {
	Name     string
	Status   store.StepStatus
	Pass     *bool
	Duration time.Duration
	Payload  map[string]interface{}
}

// currentExecution is the mutable record of an in-flight execution.
type currentExecution struct {
	ID              string
	SequenceName    string
	SequenceVersion string
	StartedAt       time.Time
	StepIndex       int
	TotalSteps      int
	CurrentStep     string
	Steps           []stepResult
	MES             *MESContext
	cliWorker       *cliworker.Worker
	cancelled       bool
}

// lastRunState is preserved after an execution ends, for UI display (I3).
type lastRunState struct {
	ExecutionID string
	Pass        *bool
	Steps       []stepResult
}

// SpawnCLI constructs and starts the CLI Sequence Worker subprocess for one
// execution. The default implementation spawns the real sequence package
// interpreter; tests substitute a fake child process.
type SpawnCLI func(cfg cliworker.Config, callbacks cliworker.Callbacks) (*cliworker.Worker, error)

func defaultSpawnCLI(cfg cliworker.Config, callbacks cliworker.Callbacks) (*cliworker.Worker, error) {
	w := cliworker.New(cfg, callbacks)
	if err := w.Start(); err != nil {
		return nil, err
	}
	return w, nil
}

// Config configures a Worker at construction time.
type Config struct {
	BatchID      string
	StationID    string
	SequenceName string
	Parameters   map[string]interface{}
	HardwareMap  map[string]interface{}
	MESParams    *MESContext // pre-supplied wip/process/operator tuple, if any
	LoadManifest ManifestLoader
	Driver       DriverDispatcher // optional
	SpawnCLI     SpawnCLI         // optional, defaults to spawning the real subprocess
	CLIPythonBin string           // overrides the sequence interpreter binary; tests only
}

// Worker is one Batch Worker process's state machine.
type Worker struct {
	cfg    Config
	conn   IPCConn
	store  *store.Store
	client *backendclient.Client
	logger *slog.Logger

	mu         sync.Mutex
	phase      Phase
	execStatus ExecStatus
	manifest   *Manifest
	current    *currentExecution
	lastRun    *lastRunState
	online     bool
	running    bool
}

// New constructs a Worker in phase INITIALIZING.
func New(cfg Config, conn IPCConn, st *store.Store, client *backendclient.Client, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.SpawnCLI == nil {
		cfg.SpawnCLI = defaultSpawnCLI
	}
	return &Worker{
		cfg:        cfg,
		conn:       conn,
		store:      st,
		client:     client,
		logger:     logger.With("batch_id", cfg.BatchID),
		phase:      PhaseInitializing,
		execStatus: ExecIdle,
		online:     true,
	}
}

// Init loads the sequence manifest and transitions to READY. Driver
// instantiation proper is deferred to the sequence subprocess; only
// configuration is validated here.
func (w *Worker) Init() error {
	if w.cfg.LoadManifest == nil {
		return &stationerrors.ConfigError{Key: "sequence_package", Reason: "no manifest loader configured"}
	}
	manifest, err := w.cfg.LoadManifest(w.cfg.SequenceName)
	if err != nil {
		return &stationerrors.WorkerError{BatchID: w.cfg.BatchID, Cause: err}
	}

	w.mu.Lock()
	w.manifest = manifest
	w.phase = PhaseReady
	w.mu.Unlock()
	return nil
}

// Run is the worker's main command loop: it blocks receiving IPC commands
// until SHUTDOWN is processed or ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	w.mu.Lock()
	w.running = true
	w.mu.Unlock()

	defer w.cleanup(ctx)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		cmd, err := w.conn.RecvCommand()
		if err != nil {
			w.logger.Error("ipc recv failed", "error", err)
			return err
		}

		resp := w.handleCommand(ctx, cmd)
		if err := w.conn.SendResponse(resp); err != nil {
			w.logger.Error("ipc send response failed", "error", err)
		}

		w.mu.Lock()
		stillRunning := w.running
		w.mu.Unlock()
		if !stillRunning {
			return nil
		}
	}
}

// Phase returns the current lifecycle phase.
func (w *Worker) Phase() Phase {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.phase
}

// cleanup runs close-on-cleanup semantics unconditionally: closes the MES
// process session (status CANCELLED, no-op if none open), tears down any
// active CLI worker, and closes the store.
func (w *Worker) cleanup(ctx context.Context) {
	w.mu.Lock()
	cli := w.currentCLIWorkerLocked()
	sessionID := 0
	if w.current != nil && w.current.MES != nil {
		sessionID = w.current.MES.HeaderID
	}
	w.phase = PhaseStopped
	w.mu.Unlock()

	if cli != nil {
		_ = cli.Stop()
	}

	if sessionID != 0 {
		closeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := w.client.CloseSession(closeCtx, sessionID, backendclient.SessionCancelled); err != nil {
			w.logger.Warn("failed to close process session during cleanup", "error", err)
		}
		cancel()
	}

	if err := w.store.Close(); err != nil {
		w.logger.Warn("failed to close store during cleanup", "error", err)
	}
}

func (w *Worker) currentCLIWorkerLocked() *cliworker.Worker {
	if w.current == nil {
		return nil
	}
	return w.current.cliWorker
}

func newExecutionID() string {
	return uuid.NewString()[:8]
}
