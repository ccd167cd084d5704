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

// Package sync runs the background health, queue-drain, and heartbeat loops
// that keep the station's offline sync queue draining and its liveness
// visible to the MES backend without blocking any batch's control flow.
package sync

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Soochol/station-service/internal/backendclient"
	"github.com/Soochol/station-service/internal/store"
)

const (
	healthInterval    = 30 * time.Second
	heartbeatInterval = 15 * time.Second
	syncBatchSize     = 10
	maxSyncRetries    = store.MaxSyncRetries
)

// Config configures the Sync Engine.
type Config struct {
	StationID    string
	SyncInterval time.Duration
}

// Engine owns the three cooperative background loops: health, sync,
// heartbeat. Each runs on its own ticker and is joined on Stop.
type Engine struct {
	cfg    Config
	client *backendclient.Client
	store  *store.Store
	logger *slog.Logger

	connected atomic.Bool

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// New creates a Sync Engine bound to a Backend Client and Persistent Store.
func New(cfg Config, client *backendclient.Client, st *store.Store) *Engine {
	if cfg.SyncInterval <= 0 {
		cfg.SyncInterval = 60 * time.Second
	}
	return &Engine{
		cfg:    cfg,
		client: client,
		store:  st,
		logger: slog.Default().With(slog.String("component", "sync_engine")),
	}
}

// Connected reports the last-observed reachability of the MES backend.
func (e *Engine) Connected() bool {
	return e.connected.Load()
}

// Start launches the three loops. Calling Start twice without an
// intervening Stop is a no-op.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return
	}
	e.running = true
	e.stopCh = make(chan struct{})
	e.doneCh = make(chan struct{})
	e.mu.Unlock()

	var wg sync.WaitGroup
	wg.Add(3)
	go func() { defer wg.Done(); e.healthLoop(ctx) }()
	go func() { defer wg.Done(); e.syncLoop(ctx) }()
	go func() { defer wg.Done(); e.heartbeatLoop(ctx) }()

	go func() {
		wg.Wait()
		close(e.doneCh)
	}()
}

// Stop cancels all three loops and blocks until they have exited.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	close(e.stopCh)
	e.mu.Unlock()

	<-e.doneCh
}

func (e *Engine) healthLoop(ctx context.Context) {
	ticker := time.NewTicker(healthInterval)
	defer ticker.Stop()

	e.checkHealth(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stopCh:
			return
		case <-ticker.C:
			e.checkHealth(ctx)
		}
	}
}

func (e *Engine) checkHealth(ctx context.Context) {
	checkCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	_, err := e.client.Health(checkCtx)
	wasConnected := e.connected.Load()
	nowConnected := err == nil
	e.connected.Store(nowConnected)

	if wasConnected != nowConnected {
		if nowConnected {
			e.logger.Info("backend became reachable")
		} else {
			e.logger.Warn("backend became unreachable", slog.Any("error", err))
		}
	}
}

func (e *Engine) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stopCh:
			return
		case <-ticker.C:
			e.sendHeartbeat(ctx)
		}
	}
}

func (e *Engine) sendHeartbeat(ctx context.Context) {
	hbCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	err := e.client.Heartbeat(hbCtx, e.cfg.StationID, backendclient.HeartbeatRequest{})
	if err == backendclient.ErrStationNotRegistered {
		e.logger.Warn("station not registered with backend, re-registering")
		if _, regErr := e.client.RegisterStation(hbCtx, backendclient.RegisterStationRequest{StationID: e.cfg.StationID}); regErr != nil {
			e.logger.Error("station re-registration failed", slog.Any("error", regErr))
		}
		return
	}
	if err != nil {
		e.logger.Warn("heartbeat failed", slog.Any("error", err))
	}
}

func (e *Engine) syncLoop(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.SyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stopCh:
			return
		case <-ticker.C:
			if e.Connected() {
				e.drainQueue(ctx)
			}
		}
	}
}

// drainQueue dispatches up to syncBatchSize pending items, strictly FIFO by
// created_at (spec: "no priority queue").
func (e *Engine) drainQueue(ctx context.Context) {
	items, err := e.store.GetPendingItems(ctx, syncBatchSize, maxSyncRetries)
	if err != nil {
		e.logger.Error("failed to fetch pending sync queue items", slog.Any("error", err))
		return
	}

	for _, item := range items {
		if err := e.dispatch(ctx, item); err != nil {
			if isPermanentFailure(err) {
				e.logger.Error("sync item permanently failed, left for operator inspection",
					slog.Int64("id", item.ID), slog.String("entity_type", item.EntityType), slog.Any("error", err))
				// Use up the remaining retries so the item leaves the pending
				// set but stays in the queue table.
				for i := item.RetryCount; i < maxSyncRetries; i++ {
					if markErr := e.store.MarkFailed(ctx, item.ID, err.Error()); markErr != nil {
						e.logger.Error("failed to mark sync item failed", slog.Any("error", markErr))
						break
					}
				}
				continue
			}
			if markErr := e.store.MarkFailed(ctx, item.ID, err.Error()); markErr != nil {
				e.logger.Error("failed to mark sync item failed", slog.Any("error", markErr))
			}
			continue
		}
		if dqErr := e.store.Dequeue(ctx, item.ID); dqErr != nil {
			e.logger.Error("failed to dequeue synced item", slog.Any("error", dqErr))
		}
	}
}
