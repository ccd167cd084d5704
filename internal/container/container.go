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

// Package container wires the station service's components together in a
// deterministic order (spec §4.10) and holds the handles the (out-of-scope)
// REST layer needs as read-only accessors. It replaces the module-level
// singletons the original implementation used for the Token Manager and the
// service wiring itself (spec REDESIGN FLAGS) with one explicit struct
// constructed at startup.
package container

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Soochol/station-service/internal/backendclient"
	"github.com/Soochol/station-service/internal/batchconfig"
	"github.com/Soochol/station-service/internal/batchmanager"
	"github.com/Soochol/station-service/internal/config"
	"github.com/Soochol/station-service/internal/events"
	"github.com/Soochol/station-service/internal/ipc"
	"github.com/Soochol/station-service/internal/sequenceloader"
	"github.com/Soochol/station-service/internal/store"
	syncengine "github.com/Soochol/station-service/internal/sync"
	"github.com/Soochol/station-service/internal/token"
)

// shutdownDrain bounds how long Shutdown waits for running batches to stop
// gracefully before moving on to the next teardown step regardless.
const shutdownDrain = 10 * time.Second

// Container owns every top-level component and their init/teardown order.
// Initialize and Shutdown are idempotent; both are guarded by mu so they
// are safe to call from an admin HTTP handler concurrently with the
// daemon's own startup/signal-handling goroutine.
type Container struct {
	mu      sync.Mutex
	started bool
	logger  *slog.Logger

	cfg *config.Config

	store     *store.Store
	emitter   *events.Emitter
	ipcServer *ipc.Server
	loader    *sequenceloader.Loader
	manager   *batchmanager.Manager
	batchCfg  *batchconfig.Service
	tokens    *token.Manager
	backend   *backendclient.Client
	syncEng   *syncengine.Engine
}

// New constructs an empty, uninitialized Container.
func New(logger *slog.Logger) *Container {
	if logger == nil {
		logger = slog.Default()
	}
	return &Container{logger: logger.With(slog.String("component", "container"))}
}

// Initialize creates, in order, the Persistent Store, Event Emitter, IPC
// Server, Sequence Loader, Batch Manager (starting any auto_start batches)
// and the Batch Config Service that persists changes back to configPath,
// and, only if a backend URL is configured, the Sync Engine (spec §4.10).
// Calling Initialize twice without an intervening Shutdown is a no-op that
// logs a warning.
func (c *Container) Initialize(ctx context.Context, cfg *config.Config, dbPath, configPath, workerBinary string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.started {
		c.logger.Warn("container already initialized; ignoring duplicate Initialize call")
		return nil
	}
	c.cfg = cfg

	// 1. Persistent Store (station-wide: sync queue, station health/stats).
	st, err := store.Open(dbPath)
	if err != nil {
		return fmt.Errorf("failed to open station store: %w", err)
	}
	c.store = st

	// 2. Event Emitter.
	c.emitter = events.New()

	// 3. IPC Server, bound to the configured ports.
	routerBind := fmt.Sprintf("tcp://*:%d", cfg.IPC.RouterPort)
	subBind := fmt.Sprintf("tcp://*:%d", cfg.IPC.SubPort)
	c.ipcServer = ipc.New(routerBind, subBind)
	if err := c.ipcServer.Start(ctx); err != nil {
		st.Close()
		return fmt.Errorf("failed to start ipc server: %w", err)
	}

	// 4. Sequence Loader.
	loader, err := sequenceloader.New(cfg.Paths.SequencesDir, c.logger)
	if err != nil {
		c.ipcServer.Stop()
		st.Close()
		return fmt.Errorf("failed to construct sequence loader: %w", err)
	}
	if err := loader.Start(); err != nil {
		c.ipcServer.Stop()
		st.Close()
		return fmt.Errorf("failed to start sequence loader: %w", err)
	}
	c.loader = loader

	// The Token Manager is the one singleton this container still holds
	// directly (spec REDESIGN FLAGS). It is built without a refresh callback
	// and nothing below binds the Backend Client's Refresh to it, so a 401 on
	// a JWT call surfaces as TokenExpired instead of triggering a refresh.
	c.tokens = token.New(nil, nil)

	// Worker connect addresses are loopback TCP, since the manager and its
	// workers are separate processes on the same host.
	routerConnect := fmt.Sprintf("tcp://127.0.0.1:%d", cfg.IPC.RouterPort)
	subConnect := fmt.Sprintf("tcp://127.0.0.1:%d", cfg.IPC.SubPort)

	// 5. Batch Manager, started with every configured batch registered.
	c.manager = batchmanager.New(c.ipcServer, c.emitter, workerBinary, routerConnect, subConnect, c.logger)
	c.manager.SetHardwareResolver(loader.Hardware)
	c.manager.SetTokenManager(c.tokens)
	c.manager.ForwardWorkerEvents(c.ipcServer)
	c.manager.SetWorkerDefaults(cfg.Paths.SequencesDir, cfg.Paths.DataDir, cfg.Backend.URL, cfg.Backend.APIKey, cfg.Backend.StationID, cfg.Backend.EquipmentID)
	c.batchCfg = batchconfig.New(configPath, c.manager)

	for i := range cfg.Batches {
		bc := cfg.Batches[i]
		c.manager.RegisterConfig(&batchmanager.BatchConfig{
			ID:              bc.ID,
			Name:            bc.Name,
			SequencePackage: bc.SequencePackage,
			SlotID:          bc.SlotID,
			AutoStart:       bc.AutoStart,
			HardwareMap:     bc.Hardware,
			Parameters:      bc.Parameters,
			ProcessID:       bc.ProcessID,
			HeaderID:        bc.HeaderID,
		})
	}
	for i := range cfg.Batches {
		bc := cfg.Batches[i]
		if !bc.AutoStart {
			continue
		}
		if err := c.manager.StartBatch(ctx, bc.ID); err != nil {
			c.logger.Error("failed to auto-start batch", "batch_id", bc.ID, "error", err)
		}
	}
	go c.manager.RunMonitor(ctx)

	// 6. Sync Engine, only if a backend URL is configured.
	if cfg.Backend.URL != "" {
		backend, err := backendclient.New(backendclient.Config{
			BaseURL:      cfg.Backend.URL,
			StaticAPIKey: cfg.Backend.APIKey,
			StationID:    cfg.Backend.StationID,
			EquipmentID:  cfg.Backend.EquipmentID,
		}, c.tokens)
		if err != nil {
			c.logger.Error("failed to construct backend client; sync engine disabled", "error", err)
		} else {
			c.backend = backend
			c.syncEng = syncengine.New(syncengine.Config{
				StationID:    cfg.Backend.StationID,
				SyncInterval: cfg.Backend.SyncInterval,
			}, backend, st)
			c.syncEng.Start(ctx)
		}
	}

	c.started = true
	c.logger.Info("container initialized")
	return nil
}

// Shutdown reverses Initialize's order. Each step is wrapped independently
// so a failure in one does not skip the rest (spec §4.10). Calling
// Shutdown on an uninitialized or already-shut-down Container is a no-op.
func (c *Container) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.started {
		return nil
	}

	if c.syncEng != nil {
		c.syncEng.Stop()
	}

	if c.manager != nil {
		drainCtx, cancel := context.WithTimeout(ctx, shutdownDrain)
		for id, status := range c.manager.GetAllBatchStatuses(drainCtx) {
			if status.Status == batchmanager.StatusStopped {
				continue
			}
			if err := c.manager.StopBatch(drainCtx, id, 0); err != nil {
				c.logger.Error("failed to stop batch during shutdown", "batch_id", id, "error", err)
			}
		}
		cancel()
	}

	if c.loader != nil {
		if err := c.loader.Stop(); err != nil {
			c.logger.Error("failed to stop sequence loader", "error", err)
		}
	}

	if c.ipcServer != nil {
		c.ipcServer.Stop()
	}

	if c.store != nil {
		if err := c.store.Close(); err != nil {
			c.logger.Error("failed to close station store", "error", err)
		}
	}

	c.started = false
	c.logger.Info("container shut down")
	return nil
}

// Store exposes the station-wide Persistent Store.
func (c *Container) Store() *store.Store { return c.store }

// Emitter exposes the shared internal event bus.
func (c *Container) Emitter() *events.Emitter { return c.emitter }

// IPCServer exposes the IPC fabric's manager-side server.
func (c *Container) IPCServer() *ipc.Server { return c.ipcServer }

// SequenceLoader exposes the sequence package manifest cache.
func (c *Container) SequenceLoader() *sequenceloader.Loader { return c.loader }

// BatchManager exposes the Batch Manager.
func (c *Container) BatchManager() *batchmanager.Manager { return c.manager }

// BatchConfigService exposes the Batch Config Service, which persists
// create/update/delete operations back to the YAML file Initialize loaded
// cfg from.
func (c *Container) BatchConfigService() *batchconfig.Service { return c.batchCfg }

// Tokens exposes the station's singleton Token Manager.
func (c *Container) Tokens() *token.Manager { return c.tokens }

// Backend exposes the MES Backend Client, nil if no backend URL is configured.
func (c *Container) Backend() *backendclient.Client { return c.backend }

// SyncEngine exposes the Sync Engine, nil if no backend URL is configured.
func (c *Container) SyncEngine() *syncengine.Engine { return c.syncEng }
