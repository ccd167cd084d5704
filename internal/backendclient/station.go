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
	"fmt"
	"net/http"

	stationerrors "github.com/Soochol/station-service/pkg/errors"
)

// HealthStatus is the response to a bare liveness check against the MES.
type HealthStatus struct {
	Status string `json:"status"`
}

// Health reports whether the MES is reachable. It deliberately does not
// surface typed business errors: a non-2xx or transport failure just means
// "not healthy" to the Sync Engine's health-check loop.
func (c *Client) Health(ctx context.Context) (*HealthStatus, error) {
	var resp HealthStatus
	if err := c.doAPIKey(ctx, http.MethodGet, "/health", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// RegisterStationRequest describes this station at registration time.
type RegisterStationRequest struct {
	StationID   string `json:"station_id"`
	Name        string `json:"name"`
	EquipmentID string `json:"equipment_id,omitempty"`
}

// RegisterStationResult is returned on successful registration.
type RegisterStationResult struct {
	StationID string `json:"station_id"`
}

// RegisterStation registers this station with the MES. Called both at
// startup and whenever a heartbeat comes back 404 (the backend has no
// record of this station, typically after a backend-side reset).
func (c *Client) RegisterStation(ctx context.Context, req RegisterStationRequest) (*RegisterStationResult, error) {
	var resp RegisterStationResult
	if err := c.doAPIKey(ctx, http.MethodPost, "/api/v1/stations/register", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// HeartbeatRequest carries health telemetry reported alongside the
// heartbeat ping.
type HeartbeatRequest struct {
	RunningBatches int    `json:"running_batches"`
	Status         string `json:"status,omitempty"`
}

// ErrStationNotRegistered is returned by Heartbeat when the backend has no
// record of this station; the caller (Sync Engine) should fall back to
// RegisterStation and retry.
var ErrStationNotRegistered = fmt.Errorf("station not registered with backend")

// Heartbeat reports this station's liveness. On a 404 it returns
// ErrStationNotRegistered rather than the raw BackendError, so the Sync
// Engine's heartbeat loop can distinguish "needs re-registration" from any
// other transport or server failure.
func (c *Client) Heartbeat(ctx context.Context, stationID string, req HeartbeatRequest) error {
	path := fmt.Sprintf("/api/v1/stations/%s/heartbeat", stationID)
	err := c.doAPIKey(ctx, http.MethodPost, path, req, nil)
	if be, ok := err.(*stationerrors.BackendError); ok && be.StatusCode == http.StatusNotFound {
		return ErrStationNotRegistered
	}
	return err
}

// SequencePackage is the versioned bundle returned by a sequence pull.
type SequencePackage struct {
	Name        string `json:"name"`
	Version     string `json:"version"`
	DownloadURL string `json:"download_url"`
	Checksum    string `json:"checksum,omitempty"`
}

// PullSequencePackage fetches the current version descriptor for a named
// sequence package, for the sequence loader to reconcile against its local
// install.
func (c *Client) PullSequencePackage(ctx context.Context, name string) (*SequencePackage, error) {
	var resp SequencePackage
	path := fmt.Sprintf("/api/v1/sequences/%s/pull", name)
	if err := c.doAPIKey(ctx, http.MethodPost, path, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}
