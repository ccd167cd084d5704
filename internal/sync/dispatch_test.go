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
	"errors"
	"net/http"
	"testing"

	"github.com/Soochol/station-service/internal/store"
	stationerrors "github.com/Soochol/station-service/pkg/errors"
)

func TestDispatch_UnknownEntityType(t *testing.T) {
	eng, _ := newTestEngine(t, func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })

	err := eng.dispatch(context.Background(), store.SyncQueueItem{ID: 1, EntityType: "unknown"})
	if err == nil {
		t.Fatal("dispatch() = nil, want error for unknown entity_type")
	}
}

func TestDispatchWIPProcess_StartProcess(t *testing.T) {
	var gotPath string
	eng, _ := newTestEngine(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusOK)
	})

	item := store.SyncQueueItem{
		EntityType: "wip_process",
		Action:     "start_process",
		Payload:    map[string]interface{}{"wip_int_id": float64(7), "process_id": float64(3)},
	}
	if err := eng.dispatch(context.Background(), item); err != nil {
		t.Fatalf("dispatch() error = %v", err)
	}
	if gotPath != "/api/v1/wip-items/7/start-process" {
		t.Errorf("request path = %q, want /api/v1/wip-items/7/start-process", gotPath)
	}
}

func TestDispatchWIPProcess_MissingPayloadField(t *testing.T) {
	eng, _ := newTestEngine(t, func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })

	item := store.SyncQueueItem{EntityType: "wip_process", Action: "start_process", Payload: map[string]interface{}{}}
	if err := eng.dispatch(context.Background(), item); err == nil {
		t.Fatal("dispatch() = nil, want error for missing wip_int_id")
	}
}

func TestIsPermanentFailure(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"duplicate pass", &stationerrors.DuplicatePassError{}, true},
		{"retryable backend error", &stationerrors.BackendError{IsRetryable: true}, false},
		{"non-retryable backend error", &stationerrors.BackendError{IsRetryable: false}, true},
		{"plain error", errors.New("connection reset"), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := isPermanentFailure(tc.err); got != tc.want {
				t.Errorf("isPermanentFailure(%v) = %v, want %v", tc.err, got, tc.want)
			}
		})
	}
}
