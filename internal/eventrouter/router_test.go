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

package eventrouter

import (
	"context"
	"sync"
	"testing"

	"github.com/Soochol/station-service/internal/batchmanager"
	"github.com/Soochol/station-service/internal/events"
)

type fakeConn struct {
	id       string
	mu       sync.Mutex
	received []map[string]interface{}
}

func (c *fakeConn) ID() string { return c.id }
func (c *fakeConn) Send(message map[string]interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.received = append(c.received, message)
	return nil
}

func (c *fakeConn) messages() []map[string]interface{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]map[string]interface{}(nil), c.received...)
}

type fakeStatusProvider struct{}

func (fakeStatusProvider) GetBatchStatus(ctx context.Context, batchID string) (*batchmanager.BatchStatus, error) {
	return &batchmanager.BatchStatus{BatchID: batchID, Status: batchmanager.StatusRunning}, nil
}

func TestSubscribe_PushesStatusSnapshotImmediately(t *testing.T) {
	r := New(fakeStatusProvider{}, nil)
	conn := &fakeConn{id: "c1"}
	r.Connect(conn)

	r.Subscribe(context.Background(), conn, []string{"batch_1"})

	msgs := conn.messages()
	if len(msgs) != 1 || msgs[0]["type"] != "STATUS_SNAPSHOT" {
		t.Fatalf("expected one STATUS_SNAPSHOT message, got %+v", msgs)
	}
}

func TestBroadcast_OnlyReachesSubscribers(t *testing.T) {
	r := New(nil, nil)
	subscribed := &fakeConn{id: "subscribed"}
	unrelated := &fakeConn{id: "unrelated"}
	r.Connect(subscribed)
	r.Connect(unrelated)
	r.Subscribe(context.Background(), subscribed, []string{"batch_1"})

	r.Broadcast("batch_1", map[string]interface{}{"type": "LOG"})

	if len(subscribed.messages()) != 1 {
		t.Errorf("subscribed connection got %d messages, want 1", len(subscribed.messages()))
	}
	if len(unrelated.messages()) != 0 {
		t.Errorf("unrelated connection got %d messages, want 0", len(unrelated.messages()))
	}
}

func TestUnsubscribe_StopsDelivery(t *testing.T) {
	r := New(nil, nil)
	conn := &fakeConn{id: "c1"}
	r.Connect(conn)
	r.Subscribe(context.Background(), conn, []string{"batch_1"})
	r.Unsubscribe(conn, []string{"batch_1"})

	r.Broadcast("batch_1", map[string]interface{}{"type": "LOG"})
	if len(conn.messages()) != 0 {
		t.Errorf("expected no messages after unsubscribe, got %d", len(conn.messages()))
	}
}

func TestBroadcastAll_ReachesEveryConnectionRegardlessOfSubscription(t *testing.T) {
	r := New(nil, nil)
	a := &fakeConn{id: "a"}
	b := &fakeConn{id: "b"}
	r.Connect(a)
	r.Connect(b)
	r.Subscribe(context.Background(), a, []string{"batch_1"})

	r.BroadcastAll(map[string]interface{}{"type": "BATCH_CREATED"})

	if len(a.messages()) != 1 || len(b.messages()) != 1 {
		t.Errorf("expected both connections to receive the global broadcast, got a=%d b=%d", len(a.messages()), len(b.messages()))
	}
}

func TestDisconnect_RemovesConnectionEntirely(t *testing.T) {
	r := New(nil, nil)
	conn := &fakeConn{id: "c1"}
	r.Connect(conn)
	r.Subscribe(context.Background(), conn, []string{"batch_1"})
	r.Disconnect(conn)

	r.Broadcast("batch_1", map[string]interface{}{"type": "LOG"})
	r.BroadcastAll(map[string]interface{}{"type": "BATCH_CREATED"})
	if len(conn.messages()) != 0 {
		t.Errorf("expected no messages after disconnect, got %d", len(conn.messages()))
	}
}

func TestBridgeEvents_ForwardsBatchScopedEventsToSubscribers(t *testing.T) {
	emitter := events.New()
	r := New(nil, nil)
	r.BridgeEvents(emitter)

	conn := &fakeConn{id: "c1"}
	r.Connect(conn)
	r.Subscribe(context.Background(), conn, []string{"batch_1"})

	emitter.Emit(events.Event{Type: events.StepStarted, BatchID: "batch_1", Data: map[string]interface{}{"step": "warmup"}})
	emitter.Emit(events.Event{Type: events.StepStarted, BatchID: "batch_2", Data: map[string]interface{}{"step": "warmup"}})

	msgs := conn.messages()
	if len(msgs) != 1 {
		t.Fatalf("expected exactly one forwarded event for batch_1, got %d: %+v", len(msgs), msgs)
	}
	if msgs[0]["batchId"] != "batch_1" {
		t.Errorf("batchId = %v, want batch_1", msgs[0]["batchId"])
	}
}

func TestBridgeEvents_ForwardsGlobalEventsToEveryConnection(t *testing.T) {
	emitter := events.New()
	r := New(nil, nil)
	r.BridgeEvents(emitter)

	a := &fakeConn{id: "a"}
	b := &fakeConn{id: "b"}
	r.Connect(a)
	r.Connect(b)

	emitter.Emit(events.Event{Type: events.BatchCreated, BatchID: "batch_1"})

	if len(a.messages()) != 1 || len(b.messages()) != 1 {
		t.Errorf("expected BATCH_CREATED to reach every connection, got a=%d b=%d", len(a.messages()), len(b.messages()))
	}
}
