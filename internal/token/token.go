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

// Package token holds the Backend Client's current MES credentials and
// mediates reactive, single-flight refresh on 401. Callers never
// pre-validate expiry themselves; refresh happens only in response to an
// observed 401, which keeps the refresh logic in one place regardless of
// clock skew between the station and the backend.
package token

import (
	"sync"
	"time"

	stationerrors "github.com/Soochol/station-service/pkg/errors"
)

// RefreshCooldown bounds how often handle_401_error will actually attempt a
// refresh; concurrent callers within the cooldown window share the result of
// whichever caller is already refreshing, which suppresses a thundering herd
// of 401s from triggering N redundant refresh calls.
const RefreshCooldown = 5 * time.Second

// Info is a snapshot of the current credential set.
type Info struct {
	AccessToken   string
	RefreshToken  string
	ExpiresAt     time.Time
	UserID        string
	Username      string
	StationAPIKey string
}

// IsExpired reports whether ExpiresAt is within buffer of now. This is
// informational only: the backend is authoritative, and callers must still
// react to an observed 401 rather than relying on this check to pre-empt one.
func (i Info) IsExpired(buffer time.Duration) bool {
	if i.ExpiresAt.IsZero() {
		return false
	}
	return time.Now().Add(buffer).After(i.ExpiresAt)
}

// RefreshFunc exchanges the current refresh token for a new Info. The
// Managers built in cmd/stationworker and internal/container are constructed
// with a nil RefreshFunc, so Handle401Error there returns TokenExpired.
type RefreshFunc func(refreshToken string) (Info, error)

// UpdateFunc is notified whenever SetTokens or a successful refresh installs
// a new Info, so the REST layer can persist the new access token to the
// operator session.
type UpdateFunc func(Info)

// Manager holds a single Info and single-flights reactive refresh.
type Manager struct {
	mu                  sync.Mutex
	info                Info
	lastRefreshAttempt  time.Time
	lastRefreshOK       bool
	refreshCallback     RefreshFunc
	tokenUpdateCallback UpdateFunc
}

// New creates a Manager bound to a refresh callback. tokenUpdateCallback may
// be nil if nothing downstream needs to observe refreshed tokens.
func New(refresh RefreshFunc, update UpdateFunc) *Manager {
	return &Manager{
		refreshCallback:     refresh,
		tokenUpdateCallback: update,
	}
}

// SetTokens replaces the current credential set and resets the refresh
// cooldown, so the next 401 is retried immediately rather than suppressed.
func (m *Manager) SetTokens(access, refresh string, expiresIn time.Duration, userID, username, stationAPIKey string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.info = Info{
		AccessToken:   access,
		RefreshToken:  refresh,
		ExpiresAt:     time.Now().Add(expiresIn),
		UserID:        userID,
		Username:      username,
		StationAPIKey: stationAPIKey,
	}
	m.lastRefreshAttempt = time.Time{}
	m.lastRefreshOK = false
}

// GetAccessToken returns the current access token.
func (m *Manager) GetAccessToken() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.info.AccessToken
}

// GetRefreshToken returns the current refresh token.
func (m *Manager) GetRefreshToken() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.info.RefreshToken
}

// GetStationAPIKey returns the dynamic station API key issued at login, or
// the empty string if none has been set (callers fall back to the static
// config key in that case).
func (m *Manager) GetStationAPIKey() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.info.StationAPIKey
}

// Snapshot returns a copy of the current Info, for handing to a spawned
// Batch Worker process at startup.
func (m *Manager) Snapshot() Info {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.info
}

// Handle401Error is the only refresh entry point (I5: single-flight
// refresh). Concurrent callers block on the mutex and are served in
// arrival order. The first caller within a cooldown window performs the
// actual refresh; callers that arrive while that refresh is still within
// the cooldown window do not repeat it — they observe its outcome instead,
// so every caller either retries once against the refreshed token or
// receives TokenExpired, never a redundant backend round-trip.
func (m *Manager) Handle401Error() (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.refreshCallback == nil {
		return false, &stationerrors.TokenExpiredError{Reason: "no refresh callback configured"}
	}

	if !m.lastRefreshAttempt.IsZero() && time.Since(m.lastRefreshAttempt) < RefreshCooldown {
		if m.lastRefreshOK {
			return true, nil
		}
		return false, &stationerrors.TokenExpiredError{Reason: "refresh suppressed by cooldown after a recent failure"}
	}

	m.lastRefreshAttempt = time.Now()

	refreshed, err := m.refreshCallback(m.info.RefreshToken)
	if err != nil {
		m.lastRefreshOK = false
		return false, &stationerrors.TokenExpiredError{Reason: err.Error()}
	}

	m.info = refreshed
	m.lastRefreshOK = true
	if m.tokenUpdateCallback != nil {
		m.tokenUpdateCallback(refreshed)
	}

	return true, nil
}
