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

package sync

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Soochol/station-service/internal/backendclient"
	"github.com/Soochol/station-service/internal/store"
)

func newTestEngine(t *testing.T, handler http.HandlerFunc) (*Engine, *store.Store) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := backendclient.New(backendclient.Config{BaseURL: server.URL, StaticAPIKey: "key", StationID: "station-1"}, nil)
	if err != nil {
		t.Fatalf("backendclient.New() error = %v", err)
	}

	st, err := store.Open(filepath.Join(t.TempDir(), "station.db"))
	if err != nil {
		t.Fatalf("store.Open() error = %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	eng := New(Config{StationID: "station-1", SyncInterval: 10 * time.Millisecond}, client, st)
	return eng, st
}

func TestCheckHealth_TracksConnectedFlag(t *testing.T) {
	var healthy atomic.Bool
	healthy.Store(true)
	eng, _ := newTestEngine(t, func(w http.ResponseWriter, r *http.Request) {
		if healthy.Load() {
			w.WriteHeader(http.StatusOK)
		} else {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
	})

	eng.checkHealth(context.Background())
	if !eng.Connected() {
		t.Fatal("Connected() = false after a healthy check")
	}

	healthy.Store(false)
	eng.checkHealth(context.Background())
	if eng.Connected() {
		t.Fatal("Connected() = true after an unhealthy check")
	}
}

func TestDrainQueue_DequeuesOnSuccess(t *testing.T) {
	eng, st := newTestEngine(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	item := &store.SyncQueueItem{
		EntityType: "wip_process",
		EntityID:   "42",
		Action:     "convert_to_serial",
		Payload:    map[string]interface{}{"wip_int_id": float64(42)},
	}
	if err := st.Enqueue(context.Background(), item); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	eng.drainQueue(context.Background())

	pending, err := st.GetPendingItems(context.Background(), 10, store.MaxSyncRetries)
	if err != nil {
		t.Fatalf("GetPendingItems() error = %v", err)
	}
	if len(pending) != 0 {
		t.Errorf("GetPendingItems() = %d items, want 0 after successful drain", len(pending))
	}
}

func TestDrainQueue_MarksFailedOnError(t *testing.T) {
	eng, st := newTestEngine(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	item := &store.SyncQueueItem{
		EntityType: "wip_process",
		EntityID:   "42",
		Action:     "convert_to_serial",
		Payload:    map[string]interface{}{"wip_int_id": float64(42)},
	}
	if err := st.Enqueue(context.Background(), item); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	eng.drainQueue(context.Background())

	pending, err := st.GetPendingItems(context.Background(), 10, store.MaxSyncRetries)
	if err != nil {
		t.Fatalf("GetPendingItems() error = %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("GetPendingItems() = %d items, want 1 (retry_count incremented, still pending)", len(pending))
	}
	if pending[0].RetryCount != 1 {
		t.Errorf("RetryCount = %d, want 1", pending[0].RetryCount)
	}
}

func TestStartStop_JoinsAllLoops(t *testing.T) {
	eng, _ := newTestEngine(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	eng.Start(ctx)
	time.Sleep(5 * time.Millisecond)
	eng.Stop()
}
