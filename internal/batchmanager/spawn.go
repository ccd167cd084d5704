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

package batchmanager

import (
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/Soochol/station-service/internal/token"
)

// spawnParams carries everything a SpawnWorkerFunc needs to build the child
// process command line for one batch.
type spawnParams struct {
	BatchID      string
	WorkerBinary string
	RouterAddr   string
	SubAddr      string
	Config       *BatchConfig
	Hardware     map[string]interface{}

	// SequencesDir and DBPath let the worker load its own manifest and open
	// its own store independently of the manager's copies.
	SequencesDir string
	DBPath       string

	// Backend* carry the MES backend connection details so the worker can
	// build its own Backend Client rather than share the manager's.
	BackendURL    string
	BackendAPIKey string
	StationID     string
	EquipmentID   string

	// TokenSnapshot is a frozen copy of the station's MES credentials at
	// spawn time, nil if no operator session has logged in yet. The worker
	// manages its own refresh independently after this (spec REDESIGN FLAGS).
	TokenSnapshot *token.Info
}

// SpawnWorkerFunc constructs (and starts) the Batch Worker child process
// for one batch. Tests substitute a fake binary.
type SpawnWorkerFunc func(p spawnParams) (*exec.Cmd, error)

// defaultSpawnWorker execs the configured worker binary in its own process
// group, the same detachment posture the teacher uses for background
// daemon spawning, minus session detachment since the manager supervises
// this child directly rather than releasing it.
func defaultSpawnWorker(p spawnParams) (*exec.Cmd, error) {
	hardwareJSON, err := json.Marshal(p.Hardware)
	if err != nil {
		return nil, fmt.Errorf("failed to encode hardware map: %w", err)
	}
	paramsJSON, err := json.Marshal(p.Config.Parameters)
	if err != nil {
		return nil, fmt.Errorf("failed to encode parameters: %w", err)
	}

	args := []string{
		"--batch-id", p.BatchID,
		"--router-addr", p.RouterAddr,
		"--sub-addr", p.SubAddr,
		"--sequence-package", p.Config.SequencePackage,
		"--hardware", string(hardwareJSON),
		"--parameters", string(paramsJSON),
		"--sequences-dir", p.SequencesDir,
		"--db-path", p.DBPath,
	}
	if p.BackendURL != "" {
		args = append(args,
			"--backend-url", p.BackendURL,
			"--backend-api-key", p.BackendAPIKey,
			"--station-id", p.StationID,
			"--equipment-id", p.EquipmentID,
		)
	}
	if p.TokenSnapshot != nil {
		tokenJSON, err := json.Marshal(p.TokenSnapshot)
		if err != nil {
			return nil, fmt.Errorf("failed to encode token snapshot: %w", err)
		}
		args = append(args, "--token-snapshot", string(tokenJSON))
	}

	cmd := exec.Command(p.WorkerBinary, args...)
	cmd.Env = os.Environ()
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start worker process: %w", err)
	}
	return cmd, nil
}

// runtimeHandle is the Batch Manager's exclusive record of a live worker
// child process (spec §3 "Batch runtime handle").
type runtimeHandle struct {
	batchID   string
	cmd       *exec.Cmd
	startedAt time.Time

	mu       sync.Mutex
	done     chan struct{}
	exitCode int
}

func newRuntimeHandle(batchID string, cmd *exec.Cmd) *runtimeHandle {
	h := &runtimeHandle{
		batchID:   batchID,
		cmd:       cmd,
		startedAt: time.Now(),
		done:      make(chan struct{}),
	}
	go h.awaitExit()
	return h
}

func (h *runtimeHandle) awaitExit() {
	err := h.cmd.Wait()
	h.mu.Lock()
	h.exitCode = exitCodeOf(err)
	h.mu.Unlock()
	close(h.done)
}

func exitCodeOf(err error) int {
	if err == nil {
		return 0
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		return exitErr.ExitCode()
	}
	return -1
}

// alive reports whether the child process has not yet exited.
func (h *runtimeHandle) alive() bool {
	select {
	case <-h.done:
		return false
	default:
		return true
	}
}

func (h *runtimeHandle) pid() int {
	if h.cmd.Process == nil {
		return 0
	}
	return h.cmd.Process.Pid
}

// stop performs graceful-join -> SIGTERM -> SIGKILL escalation, mirroring
// the teacher's GracefulShutdown: it waits up to timeout for the child to
// exit on its own, then up to timeout after SIGTERM, then up to 3s after
// SIGKILL.
func (h *runtimeHandle) stop(timeout time.Duration) error {
	if !h.alive() {
		return nil
	}

	select {
	case <-h.done:
		return nil
	case <-time.After(timeout):
	}

	if err := h.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("failed to send SIGTERM to batch %s: %w", h.batchID, err)
	}

	select {
	case <-h.done:
		return nil
	case <-time.After(timeout):
	}

	if err := h.cmd.Process.Signal(syscall.SIGKILL); err != nil {
		return fmt.Errorf("failed to send SIGKILL to batch %s: %w", h.batchID, err)
	}

	select {
	case <-h.done:
		return nil
	case <-time.After(3 * time.Second):
		return fmt.Errorf("batch %s did not exit after SIGKILL", h.batchID)
	}
}
