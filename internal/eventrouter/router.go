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

// Package eventrouter bridges internal batch/worker events to per-connection
// subscriptions (spec §4.9). The transport a Connection rides on (WebSocket
// or otherwise) is outside this package's concern, same as the REST layer
// it serves.
package eventrouter

import (
	"context"
	"log/slog"
	"sync"

	"github.com/Soochol/station-service/internal/batchmanager"
	"github.com/Soochol/station-service/internal/events"
)

// Connection is one subscriber. Implementations wrap whatever transport
// (WebSocket, SSE, a test channel) actually delivers the message.
type Connection interface {
	ID() string
	Send(message map[string]interface{}) error
}

// StatusProvider supplies the current status snapshot pushed to a
// connection immediately on subscribe, so clients never wait for the next
// event to learn a batch's state.
type StatusProvider interface {
	GetBatchStatus(ctx context.Context, batchID string) (*batchmanager.BatchStatus, error)
}

// bridgedTypes are the internal event types the Router forwards to
// per-batch subscribers (spec §4.9).
var bridgedTypes = []events.Type{
	events.BatchStatusChanged,
	events.StepStarted,
	events.StepCompleted,
	events.SequenceCompleted,
	events.Log,
	events.Error,
}

// globalTypes are broadcast to every connection regardless of subscription.
var globalTypes = []events.Type{events.BatchCreated, events.BatchDeleted}

// Router fans internal events out to subscribed connections.
type Router struct {
	mu   sync.Mutex
	subs map[Connection]map[string]bool

	status StatusProvider
	logger *slog.Logger
}

// New constructs an empty Router. status may be nil if no snapshot push on
// subscribe is wanted (e.g. in tests).
func New(status StatusProvider, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		subs:   make(map[Connection]map[string]bool),
		status: status,
		logger: logger.With("component", "event_router"),
	}
}

// Connect registers conn with an empty subscription set.
func (r *Router) Connect(conn Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subs[conn] = make(map[string]bool)
}

// Disconnect forgets conn entirely. Safe to call on an unknown connection.
func (r *Router) Disconnect(conn Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.subs, conn)
}

// Subscribe adds batchIDs to conn's subscription set and immediately pushes
// each batch's current status snapshot.
func (r *Router) Subscribe(ctx context.Context, conn Connection, batchIDs []string) {
	r.mu.Lock()
	set, ok := r.subs[conn]
	if !ok {
		set = make(map[string]bool)
		r.subs[conn] = set
	}
	for _, id := range batchIDs {
		set[id] = true
	}
	r.mu.Unlock()

	if r.status == nil {
		return
	}
	for _, id := range batchIDs {
		status, err := r.status.GetBatchStatus(ctx, id)
		if err != nil {
			r.logger.Warn("failed to snapshot batch status on subscribe", "batch_id", id, "error", err)
			continue
		}
		if err := conn.Send(statusSnapshotMessage(id, status)); err != nil {
			r.logger.Warn("failed to push status snapshot", "batch_id", id, "error", err)
		}
	}
}

// Unsubscribe removes batchIDs from conn's subscription set.
func (r *Router) Unsubscribe(conn Connection, batchIDs []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.subs[conn]
	if !ok {
		return
	}
	for _, id := range batchIDs {
		delete(set, id)
	}
}

// Broadcast pushes message to every connection subscribed to batchID. The
// subscriber set is snapshotted under the lock, then sends happen outside
// it (spec §5 Locking discipline).
func (r *Router) Broadcast(batchID string, message map[string]interface{}) {
	r.mu.Lock()
	var targets []Connection
	for conn, set := range r.subs {
		if set[batchID] {
			targets = append(targets, conn)
		}
	}
	r.mu.Unlock()

	for _, conn := range targets {
		if err := conn.Send(message); err != nil {
			r.logger.Warn("failed to deliver event to subscriber", "conn", conn.ID(), "error", err)
		}
	}
}

// BroadcastAll pushes message to every connected client, used only for
// global events (batch created, batch deleted).
func (r *Router) BroadcastAll(message map[string]interface{}) {
	r.mu.Lock()
	targets := make([]Connection, 0, len(r.subs))
	for conn := range r.subs {
		targets = append(targets, conn)
	}
	r.mu.Unlock()

	for _, conn := range targets {
		if err := conn.Send(message); err != nil {
			r.logger.Warn("failed to broadcast to connection", "conn", conn.ID(), "error", err)
		}
	}
}

// BridgeEvents subscribes the Router to emitter so that batch/worker events
// are forwarded to the per-connection subscriptions above.
func (r *Router) BridgeEvents(emitter *events.Emitter) {
	for _, t := range bridgedTypes {
		emitter.On(t, func(e events.Event) { r.Broadcast(e.BatchID, toMessage(e)) })
	}
	for _, t := range globalTypes {
		emitter.On(t, func(e events.Event) { r.BroadcastAll(toMessage(e)) })
	}
}

// toMessage renders an internal Event as the camelCase wire message clients
// expect (spec §4.9: "Keys in outbound messages use camelCase").
func toMessage(e events.Event) map[string]interface{} {
	return map[string]interface{}{
		"type":      string(e.Type),
		"batchId":   e.BatchID,
		"timestamp": e.Timestamp,
		"data":      e.Data,
	}
}

func statusSnapshotMessage(batchID string, status *batchmanager.BatchStatus) map[string]interface{} {
	return map[string]interface{}{
		"type":    "STATUS_SNAPSHOT",
		"batchId": batchID,
		"data": map[string]interface{}{
			"status":          string(status.Status),
			"sequencePackage": status.SequencePackage,
			"slotId":          status.SlotID,
			"pid":             status.PID,
			"worker":          status.Worker,
		},
	}
}
