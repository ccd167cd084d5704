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

// Package events is the internal pub/sub bus that sits between the Batch
// Manager (and, indirectly, Batch Workers over IPC) and the Event Router:
// batch lifecycle and worker-forwarded events are emitted here, and the
// Router subscribes to bridge them out to WebSocket clients.
package events

import (
	"sync"
	"time"
)

// Type identifies the kind of internal event.
type Type string

const (
	BatchStarted       Type = "BATCH_STARTED"
	BatchStopped       Type = "BATCH_STOPPED"
	BatchCrashed       Type = "BATCH_CRASHED"
	BatchCreated       Type = "BATCH_CREATED"
	BatchDeleted       Type = "BATCH_DELETED"
	BatchStatusChanged Type = "BATCH_STATUS_CHANGED"
	StepStarted        Type = "STEP_STARTED"
	StepCompleted      Type = "STEP_COMPLETED"
	SequenceCompleted  Type = "SEQUENCE_COMPLETED"
	Log                Type = "LOG"
	Error              Type = "ERROR"
)

// Event is one occurrence on the bus. BatchID is empty for global events
// (BatchCreated, BatchDeleted) that every connection receives regardless
// of subscription.
type Event struct {
	Type      Type
	BatchID   string
	Timestamp time.Time
	Data      map[string]interface{}
}

// Listener receives every Event of the Type it was registered against.
type Listener func(Event)

// Emitter is a typed, synchronous pub/sub bus. Listeners run in
// registration order on the emitting goroutine; a slow listener delays
// only that Emit call.
type Emitter struct {
	mu        sync.RWMutex
	listeners map[Type][]Listener
}

// New creates an empty Emitter.
func New() *Emitter {
	return &Emitter{listeners: make(map[Type][]Listener)}
}

// On registers a listener for eventType. Multiple listeners for the same
// type all run, in registration order.
func (e *Emitter) On(eventType Type, listener Listener) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners[eventType] = append(e.listeners[eventType], listener)
}

// Emit dispatches evt to every listener registered for evt.Type. Timestamp
// is filled in if zero.
func (e *Emitter) Emit(evt Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}

	e.mu.RLock()
	listeners := append([]Listener(nil), e.listeners[evt.Type]...)
	e.mu.RUnlock()

	for _, l := range listeners {
		l(evt)
	}
}

// ListenerCount returns the number of listeners registered for eventType.
func (e *Emitter) ListenerCount(eventType Type) int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.listeners[eventType])
}
