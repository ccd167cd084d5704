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

// Package batchmanager implements the Batch Manager: it owns the set of
// configured batches, starts and stops their worker processes, routes
// commands to them over the IPC fabric, and monitors their liveness.
package batchmanager

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/Soochol/station-service/internal/events"
	"github.com/Soochol/station-service/internal/ipc"
	"github.com/Soochol/station-service/internal/token"
	stationerrors "github.com/Soochol/station-service/pkg/errors"
)

// maxSlots bounds slot id allocation (spec: N=12).
const maxSlots = 12

const (
	registerTimeout     = 10 * time.Second
	slowInitThreshold   = 3 * time.Second
	defaultStopTimeout  = 5 * time.Second
	statusQueryTimeout  = 2 * time.Second
	registerPollInterval = 50 * time.Millisecond
)

// BatchConfig is one configured batch (spec §3 "Batch configuration").
type BatchConfig struct {
	ID              string
	Name            string
	SequencePackage string
	SlotID          int
	AutoStart       bool
	HardwareMap     map[string]interface{}
	Parameters      map[string]interface{}
	ProcessID       int
	HeaderID        int
	BarcodeScanner  map[string]interface{}
}

// BatchRuntimeStatus is the coarse status reported by get_batch_status when
// the worker itself hasn't been queried (not running, or not yet
// registered).
type BatchRuntimeStatus string

const (
	StatusStopped  BatchRuntimeStatus = "STOPPED"
	StatusStarting BatchRuntimeStatus = "STARTING"
	StatusRunning  BatchRuntimeStatus = "RUNNING"
)

// BatchStatus is the composite record returned by get_batch_status.
type BatchStatus struct {
	BatchID         string
	Status          BatchRuntimeStatus
	SequencePackage string
	Parameters      map[string]interface{}
	SlotID          int
	PID             int
	Worker          map[string]interface{} // present only if running and worker connected
}

// IPCRegistry is the subset of *ipc.Server the Manager depends on; tests
// substitute a fake.
type IPCRegistry interface {
	IsWorkerConnected(batchID string) bool
	Unregister(batchID string)
	WaitForWorker(ctx context.Context, batchID string, timeout, pollInterval time.Duration) error
	SendCommand(ctx context.Context, batchID string, cmd ipc.Command, timeout time.Duration) (ipc.Response, error)
}

// HardwareResolver resolves the hardware map declared by a sequence
// package's manifest, used to auto-merge hardware when a batch config
// doesn't specify one.
type HardwareResolver func(sequencePackage string) (map[string]interface{}, error)

// StatsReader reads durable per-batch statistics from that batch's own
// Persistent Store, since in-memory worker counters reset on restart and
// are therefore not authoritative.
type StatsReader func(ctx context.Context, batchID string) (map[string]interface{}, error)

// Manager owns the set of configured and running batches.
type Manager struct {
	mu      sync.RWMutex
	configs map[string]*BatchConfig
	batches map[string]*runtimeHandle

	ipc          IPCRegistry
	emitter      *events.Emitter
	spawnWorker  SpawnWorkerFunc
	hardware     HardwareResolver
	stats        StatsReader
	tokens       *token.Manager
	routerAddr   string
	subAddr      string
	workerBinary string
	logger       *slog.Logger

	// Worker process defaults, installed by SetWorkerDefaults and threaded
	// into every spawned worker's command line. dataDir is a directory, not
	// a file: each batch gets its own "<batch_id>.db" store file under it
	// (spec "Each batch gets its own SQLite file").
	sequencesDir  string
	dataDir       string
	backendURL    string
	backendAPIKey string
	stationID     string
	equipmentID   string
}

// New constructs a Manager. routerAddr/subAddr are the IPC Server's
// endpoints a spawned worker process dials into.
func New(ipcReg IPCRegistry, emitter *events.Emitter, workerBinary, routerAddr, subAddr string, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		configs:      make(map[string]*BatchConfig),
		batches:      make(map[string]*runtimeHandle),
		ipc:          ipcReg,
		emitter:      emitter,
		spawnWorker:  defaultSpawnWorker,
		routerAddr:   routerAddr,
		subAddr:      subAddr,
		workerBinary: workerBinary,
		logger:       logger.With("component", "batch_manager"),
	}
}

// SetHardwareResolver installs the manifest-hardware auto-merge hook.
func (m *Manager) SetHardwareResolver(r HardwareResolver) { m.hardware = r }

// SetStatsReader installs the durable-statistics lookup hook.
func (m *Manager) SetStatsReader(r StatsReader) { m.stats = r }

// SetTokenManager installs the station's singleton Token Manager. Spawned
// workers receive a frozen snapshot of its credentials at spawn time and
// manage their own refresh independently thereafter (spec REDESIGN FLAGS).
func (m *Manager) SetTokenManager(tm *token.Manager) { m.tokens = tm }

// SetWorkerDefaults installs the per-process paths and MES backend
// connection details every spawned worker needs but that have nothing to
// do with any one batch's configuration, so they are not part of
// BatchConfig. backendURL may be empty, in which case spawned workers are
// not passed backend flags at all and run with MES integration disabled.
func (m *Manager) SetWorkerDefaults(sequencesDir, dataDir, backendURL, backendAPIKey, stationID, equipmentID string) {
	m.sequencesDir = sequencesDir
	m.dataDir = dataDir
	m.backendURL = backendURL
	m.backendAPIKey = backendAPIKey
	m.stationID = stationID
	m.equipmentID = equipmentID
}

// RegisterConfig adds or replaces a batch's configuration. Used by the
// Batch Config Service after it has persisted the change.
func (m *Manager) RegisterConfig(cfg *BatchConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.configs[cfg.ID] = cfg
}

// RemoveConfig forgets a batch's configuration. The caller must ensure the
// batch is not running.
func (m *Manager) RemoveConfig(batchID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.configs, batchID)
}

// Config returns batchID's stored configuration (not a copy) and whether it
// is known.
func (m *Manager) Config(batchID string) (*BatchConfig, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cfg, ok := m.configs[batchID]
	return cfg, ok
}

// AllocateSlot returns the lowest unused slot id in [1..12], or an error if
// every slot is taken.
func (m *Manager) AllocateSlot() (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	used := make(map[int]bool, len(m.configs))
	for _, c := range m.configs {
		used[c.SlotID] = true
	}
	for slot := 1; slot <= maxSlots; slot++ {
		if !used[slot] {
			return slot, nil
		}
	}
	return 0, &stationerrors.ValidationError{Field: "slot_id", Message: "all slots are taken"}
}

// IsRunning reports whether batchID currently has a live runtime handle.
func (m *Manager) IsRunning(batchID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.batches[batchID]
	return ok
}

// StartBatch spawns batchID's worker process and waits for it to register
// over IPC (spec §4.8 start_batch).
func (m *Manager) StartBatch(ctx context.Context, batchID string) error {
	m.mu.Lock()
	cfg, ok := m.configs[batchID]
	if !ok {
		m.mu.Unlock()
		return &stationerrors.NotFoundError{Resource: "batch", ID: batchID}
	}
	if _, running := m.batches[batchID]; running {
		m.mu.Unlock()
		return &stationerrors.ConflictError{Resource: "batch", ID: batchID, Reason: "already running"}
	}
	m.mu.Unlock()

	// A previous failed start may have left a stale IPC identity behind.
	if m.ipc.IsWorkerConnected(batchID) {
		m.ipc.Unregister(batchID)
	}

	hardware := cfg.HardwareMap
	if len(hardware) == 0 && m.hardware != nil {
		resolved, err := m.hardware(cfg.SequencePackage)
		if err == nil {
			hardware = resolved
		}
	}

	params := spawnParams{
		BatchID:       batchID,
		WorkerBinary:  m.workerBinary,
		RouterAddr:    m.routerAddr,
		SubAddr:       m.subAddr,
		Config:        cfg,
		Hardware:      hardware,
		SequencesDir:  m.sequencesDir,
		DBPath:        filepath.Join(m.dataDir, batchID+".db"),
		BackendURL:    m.backendURL,
		BackendAPIKey: m.backendAPIKey,
		StationID:     m.stationID,
		EquipmentID:   m.equipmentID,
	}
	if m.tokens != nil {
		snapshot := m.tokens.Snapshot()
		params.TokenSnapshot = &snapshot
	}

	cmd, err := m.spawnWorker(params)
	if err != nil {
		return &stationerrors.WorkerError{BatchID: batchID, Cause: err}
	}

	handle := newRuntimeHandle(batchID, cmd)

	m.mu.Lock()
	m.batches[batchID] = handle
	m.mu.Unlock()

	waitStart := time.Now()
	waitErr := m.ipc.WaitForWorker(ctx, batchID, registerTimeout, registerPollInterval)
	elapsed := time.Since(waitStart)
	if elapsed > slowInitThreshold {
		m.logger.Warn("worker initialization slow", "batch_id", batchID, "elapsed", elapsed)
	}
	if waitErr != nil {
		_ = handle.stop(defaultStopTimeout)
		m.ipc.Unregister(batchID)
		m.mu.Lock()
		delete(m.batches, batchID)
		m.mu.Unlock()
		return &stationerrors.IPCError{Kind: stationerrors.IPCKindTimeout, BatchID: batchID, Cause: fmt.Errorf("worker did not register within %s", registerTimeout)}
	}

	m.emitter.Emit(events.Event{Type: events.BatchStarted, BatchID: batchID})
	return nil
}

// StopBatch sends SHUTDOWN (best effort), then stops the child process and
// unregisters its IPC identity (spec §4.8 stop_batch).
func (m *Manager) StopBatch(ctx context.Context, batchID string, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = defaultStopTimeout
	}

	m.mu.Lock()
	handle, ok := m.batches[batchID]
	if !ok {
		m.mu.Unlock()
		return &stationerrors.StateError{Resource: "batch", ID: batchID, State: string(StatusStopped), Reason: "not running"}
	}
	delete(m.batches, batchID)
	m.mu.Unlock()

	if m.ipc.IsWorkerConnected(batchID) {
		shutdownCtx, cancel := context.WithTimeout(ctx, timeout)
		_, _ = m.ipc.SendCommand(shutdownCtx, batchID, ipc.Command{Type: ipc.CmdShutdown}, timeout)
		cancel()
	}

	_ = handle.stop(timeout)
	m.ipc.Unregister(batchID)

	m.emitter.Emit(events.Event{Type: events.BatchStopped, BatchID: batchID})
	return nil
}

// RestartBatch stops then starts batchID.
func (m *Manager) RestartBatch(ctx context.Context, batchID string, stopTimeout time.Duration) error {
	if err := m.StopBatch(ctx, batchID, stopTimeout); err != nil {
		if _, isState := err.(*stationerrors.StateError); !isState {
			return err
		}
	}
	return m.StartBatch(ctx, batchID)
}

// SendCommand forwards a command to batchID's worker (spec §4.8
// send_command).
func (m *Manager) SendCommand(ctx context.Context, batchID, commandType string, params map[string]interface{}, timeout time.Duration) (map[string]interface{}, error) {
	if !m.IsRunning(batchID) {
		return nil, &stationerrors.StateError{Resource: "batch", ID: batchID, State: string(StatusStopped), Reason: "not running"}
	}

	if !m.ipc.IsWorkerConnected(batchID) {
		if err := m.ipc.WaitForWorker(ctx, batchID, registerTimeout, registerPollInterval); err != nil {
			return nil, fmt.Errorf("worker not ready, retry: %w", err)
		}
	}

	resp, err := m.ipc.SendCommand(ctx, batchID, ipc.Command{Type: commandType, Payload: params}, timeout)
	if err != nil {
		return nil, err
	}
	if resp.Status == "error" {
		return nil, &stationerrors.WorkerError{BatchID: batchID, Cause: fmt.Errorf("%s", resp.Message)}
	}
	return resp.Payload, nil
}

// GetBatchStatus returns batchID's composite status (spec §4.8
// get_batch_status).
func (m *Manager) GetBatchStatus(ctx context.Context, batchID string) (*BatchStatus, error) {
	cfg, ok := m.Config(batchID)
	if !ok {
		return nil, &stationerrors.NotFoundError{Resource: "batch", ID: batchID}
	}

	m.mu.RLock()
	handle, running := m.batches[batchID]
	m.mu.RUnlock()

	status := &BatchStatus{
		BatchID:         batchID,
		Status:          StatusStopped,
		SequencePackage: cfg.SequencePackage,
		Parameters:      cfg.Parameters,
		SlotID:          cfg.SlotID,
	}

	if !running {
		return status, nil
	}
	status.PID = handle.pid()

	if !m.ipc.IsWorkerConnected(batchID) {
		status.Status = StatusStarting
		return status, nil
	}
	status.Status = StatusRunning

	resp, err := m.ipc.SendCommand(ctx, batchID, ipc.Command{Type: ipc.CmdGetStatus}, statusQueryTimeout)
	if err == nil && resp.Status == "ok" {
		status.Worker = resp.Payload
	}

	if m.stats != nil {
		if stats, err := m.stats(ctx, batchID); err == nil {
			if status.Worker == nil {
				status.Worker = make(map[string]interface{})
			}
			status.Worker["statistics"] = stats
		}
	}

	return status, nil
}

// ForwardWorkerEvents subscribes to server's worker-published events and
// republishes them on the Manager's internal event bus, tagged by batch id,
// so Event Router subscribers observe them without depending on the IPC
// fabric directly.
func (m *Manager) ForwardWorkerEvents(server *ipc.Server) {
	forward := func(t events.Type) ipc.EventHandler {
		return func(e ipc.Event) {
			m.emitter.Emit(events.Event{Type: t, BatchID: e.BatchID, Data: e.Payload})
		}
	}
	server.OnEvent(ipc.EventStepStart, forward(events.StepStarted))
	server.OnEvent(ipc.EventStepComplete, forward(events.StepCompleted))
	server.OnEvent(ipc.EventSequenceComplete, forward(events.SequenceCompleted))
	server.OnEvent(ipc.EventLog, forward(events.Log))
	server.OnEvent(ipc.EventError, forward(events.Error))
	server.OnEvent(ipc.EventStatusUpdate, forward(events.BatchStatusChanged))
}

// GetAllBatchStatuses returns every configured batch's status. It snapshots
// the configured id set first to avoid mid-iteration mutation, and
// continues past individual failures.
func (m *Manager) GetAllBatchStatuses(ctx context.Context) map[string]*BatchStatus {
	m.mu.RLock()
	ids := make([]string, 0, len(m.configs))
	for id := range m.configs {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	out := make(map[string]*BatchStatus, len(ids))
	for _, id := range ids {
		status, err := m.GetBatchStatus(ctx, id)
		if err != nil {
			m.logger.Warn("failed to get batch status", "batch_id", id, "error", err)
			continue
		}
		out[id] = status
	}
	return out
}
