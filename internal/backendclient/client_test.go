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

package backendclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/Soochol/station-service/internal/token"
	stationerrors "github.com/Soochol/station-service/pkg/errors"
)

func newTestClient(t *testing.T, handler http.HandlerFunc, tokens *token.Manager) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	c, err := New(Config{BaseURL: server.URL, StaticAPIKey: "static-key", StationID: "station-1"}, tokens)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return c
}

func TestDoAPIKey_UsesDynamicKeyOverStatic(t *testing.T) {
	var gotKey string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("X-API-Key")
		w.WriteHeader(http.StatusOK)
	}, nil)
	c.tokens = token.New(nil, nil)
	c.tokens.SetTokens("a", "r", 0, "", "", "dynamic-key")

	if err := c.doAPIKey(context.Background(), http.MethodGet, "/health", nil, nil); err != nil {
		t.Fatalf("doAPIKey() error = %v", err)
	}
	if gotKey != "dynamic-key" {
		t.Errorf("X-API-Key = %q, want dynamic-key", gotKey)
	}
}

func TestDoAPIKey_FallsBackToStaticKey(t *testing.T) {
	var gotKey string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("X-API-Key")
		w.WriteHeader(http.StatusOK)
	}, nil)

	if err := c.doAPIKey(context.Background(), http.MethodGet, "/health", nil, nil); err != nil {
		t.Fatalf("doAPIKey() error = %v", err)
	}
	if gotKey != "static-key" {
		t.Errorf("X-API-Key = %q, want static-key", gotKey)
	}
}

func TestDoJWT_RetriesOnceAfterRefresh(t *testing.T) {
	var calls int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		if n == 1 {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if r.Header.Get("Authorization") != "Bearer access-2" {
			t.Errorf("retried request Authorization = %q, want Bearer access-2", r.Header.Get("Authorization"))
		}
		w.WriteHeader(http.StatusOK)
	}, nil)

	var refreshCalls int32
	tokens := token.New(func(string) (token.Info, error) {
		atomic.AddInt32(&refreshCalls, 1)
		return token.Info{AccessToken: "access-2"}, nil
	}, nil)
	tokens.SetTokens("access-1", "refresh-1", 0, "", "", "")
	c.tokens = tokens

	if err := c.doJWT(context.Background(), http.MethodGet, "/api/v1/auth/me", nil, nil); err != nil {
		t.Fatalf("doJWT() error = %v", err)
	}
	if got := atomic.LoadInt32(&calls); got != 2 {
		t.Errorf("backend called %d times, want exactly 2 (original + one retry)", got)
	}
	if got := atomic.LoadInt32(&refreshCalls); got != 1 {
		t.Errorf("refresh callback called %d times, want exactly 1", got)
	}
}

func TestDoJWT_NoTokenManagerReturnsTokenExpired(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("backend should not be called when no token manager is configured")
	}, nil)

	err := c.doJWT(context.Background(), http.MethodGet, "/api/v1/auth/me", nil, nil)
	var tokenExpired *stationerrors.TokenExpiredError
	if !errors.As(err, &tokenExpired) {
		t.Fatalf("doJWT() error = %v, want *TokenExpiredError", err)
	}
}

func TestMapErrorResponse(t *testing.T) {
	cases := []struct {
		name       string
		statusCode int
		body       string
		wantType   interface{}
		retryable  bool
	}{
		{"not found", http.StatusNotFound, `{}`, &stationerrors.BackendError{}, false},
		{"prerequisite not met", http.StatusBadRequest, `{"error_code":"PREREQUISITE_NOT_MET"}`, &stationerrors.PrerequisiteNotMetError{}, false},
		{"duplicate pass", http.StatusBadRequest, `{"error_code":"DUPLICATE_PASS"}`, &stationerrors.DuplicatePassError{}, false},
		{"invalid wip status", http.StatusBadRequest, `{"error_code":"INVALID_WIP_STATUS"}`, &stationerrors.InvalidWIPStatusError{}, false},
		{"server error", http.StatusInternalServerError, `{}`, &stationerrors.BackendError{}, true},
		{"other client error", http.StatusBadRequest, `{}`, &stationerrors.BackendError{}, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := mapErrorResponse(tc.statusCode, []byte(tc.body))
			switch want := tc.wantType.(type) {
			case *stationerrors.BackendError:
				var be *stationerrors.BackendError
				if !errors.As(err, &be) {
					t.Fatalf("mapErrorResponse() = %T, want *BackendError", err)
				}
				if be.IsRetryable != tc.retryable {
					t.Errorf("IsRetryable = %v, want %v", be.IsRetryable, tc.retryable)
				}
			default:
				_ = want
				if errVal := err; errVal == nil {
					t.Fatal("mapErrorResponse() = nil, want typed business error")
				}
			}
		})
	}
}

func TestDo_DecodesSuccessBody(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(HealthStatus{Status: "ok"})
	}, nil)

	resp, err := c.Health(context.Background())
	if err != nil {
		t.Fatalf("Health() error = %v", err)
	}
	if resp.Status != "ok" {
		t.Errorf("Status = %q, want ok", resp.Status)
	}
}
