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

package token

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	stationerrors "github.com/Soochol/station-service/pkg/errors"
)

func TestSetTokensAndGetters(t *testing.T) {
	m := New(nil, nil)
	m.SetTokens("access-1", "refresh-1", time.Hour, "user-5", "operator5", "station-key")

	if got := m.GetAccessToken(); got != "access-1" {
		t.Errorf("GetAccessToken() = %q, want access-1", got)
	}
	if got := m.GetRefreshToken(); got != "refresh-1" {
		t.Errorf("GetRefreshToken() = %q, want refresh-1", got)
	}
	if got := m.GetStationAPIKey(); got != "station-key" {
		t.Errorf("GetStationAPIKey() = %q, want station-key", got)
	}
}

func TestInfo_IsExpired(t *testing.T) {
	fresh := Info{ExpiresAt: time.Now().Add(time.Hour)}
	if fresh.IsExpired(0) {
		t.Error("IsExpired() = true for a token expiring in an hour")
	}

	stale := Info{ExpiresAt: time.Now().Add(-time.Minute)}
	if !stale.IsExpired(0) {
		t.Error("IsExpired() = false for an already-expired token")
	}

	noExpiry := Info{}
	if noExpiry.IsExpired(0) {
		t.Error("IsExpired() = true for a zero ExpiresAt, want false (treated as non-expiring)")
	}
}

func TestHandle401Error_SuccessfulRefresh(t *testing.T) {
	var updateCalled Info
	refresh := func(refreshToken string) (Info, error) {
		if refreshToken != "refresh-1" {
			t.Errorf("refresh callback got refreshToken = %q, want refresh-1", refreshToken)
		}
		return Info{AccessToken: "access-2", RefreshToken: "refresh-2"}, nil
	}
	m := New(refresh, func(i Info) { updateCalled = i })
	m.SetTokens("access-1", "refresh-1", time.Hour, "", "", "")

	ok, err := m.Handle401Error()
	if err != nil || !ok {
		t.Fatalf("Handle401Error() = (%v, %v), want (true, nil)", ok, err)
	}
	if m.GetAccessToken() != "access-2" {
		t.Errorf("GetAccessToken() after refresh = %q, want access-2", m.GetAccessToken())
	}
	if updateCalled.AccessToken != "access-2" {
		t.Error("tokenUpdateCallback was not invoked with the refreshed Info")
	}
}

func TestHandle401Error_FailedRefresh(t *testing.T) {
	refresh := func(string) (Info, error) { return Info{}, errors.New("refresh endpoint unreachable") }
	m := New(refresh, nil)
	m.SetTokens("access-1", "refresh-1", time.Hour, "", "", "")

	ok, err := m.Handle401Error()
	if ok {
		t.Error("Handle401Error() = true, want false on refresh failure")
	}
	var tokenExpired *stationerrors.TokenExpiredError
	if !errors.As(err, &tokenExpired) {
		t.Fatalf("Handle401Error() error = %v, want *TokenExpiredError", err)
	}
}

func TestHandle401Error_NoCallbackConfigured(t *testing.T) {
	m := New(nil, nil)

	ok, err := m.Handle401Error()
	if ok || err == nil {
		t.Fatalf("Handle401Error() = (%v, %v), want (false, error)", ok, err)
	}
}

func TestHandle401Error_CooldownSuppressesRepeatAttempts(t *testing.T) {
	var calls int32
	refresh := func(string) (Info, error) {
		atomic.AddInt32(&calls, 1)
		return Info{AccessToken: "access-2"}, nil
	}
	m := New(refresh, nil)
	m.SetTokens("access-1", "refresh-1", time.Hour, "", "", "")

	if _, err := m.Handle401Error(); err != nil {
		t.Fatalf("first Handle401Error() error = %v", err)
	}
	// A second caller arriving inside the cooldown window observes the
	// already-refreshed token rather than triggering a second refresh.
	ok, err := m.Handle401Error()
	if err != nil || !ok {
		t.Fatalf("second Handle401Error() = (%v, %v), want (true, nil)", ok, err)
	}

	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Errorf("refresh callback invoked %d times, want exactly 1", got)
	}
}

func TestHandle401Error_SingleFlightUnderConcurrency(t *testing.T) {
	var calls int32
	refresh := func(string) (Info, error) {
		atomic.AddInt32(&calls, 1)
		time.Sleep(10 * time.Millisecond)
		return Info{AccessToken: "access-2"}, nil
	}
	m := New(refresh, nil)
	m.SetTokens("access-1", "refresh-1", time.Hour, "", "", "")

	const n = 20
	var wg sync.WaitGroup
	results := make([]bool, n)
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			ok, _ := m.Handle401Error()
			results[i] = ok
		}(i)
	}
	wg.Wait()

	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Errorf("refresh callback invoked %d times under concurrency, want exactly 1", got)
	}
	for i, ok := range results {
		if !ok {
			t.Errorf("caller %d got ok=false, want true (refresh succeeded)", i)
		}
	}
}

func TestHandle401Error_FailureThenCooldownStillFails(t *testing.T) {
	refresh := func(string) (Info, error) { return Info{}, errors.New("unreachable") }
	m := New(refresh, nil)
	m.SetTokens("access-1", "refresh-1", time.Hour, "", "", "")

	if _, err := m.Handle401Error(); err == nil {
		t.Fatal("first Handle401Error() = nil error, want failure")
	}
	ok, err := m.Handle401Error()
	if ok || err == nil {
		t.Fatalf("second Handle401Error() = (%v, %v), want (false, error) within cooldown after a failure", ok, err)
	}
}

func TestSnapshot(t *testing.T) {
	m := New(nil, nil)
	m.SetTokens("access-1", "refresh-1", time.Hour, "user-5", "operator5", "station-key")

	snap := m.Snapshot()
	if snap.AccessToken != "access-1" || snap.UserID != "user-5" {
		t.Errorf("Snapshot() = %+v, unexpected contents", snap)
	}
}
