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
)

// OpenSessionRequest identifies the station/batch/process/slot tuple a
// process-header (process session) is opened against.
type OpenSessionRequest struct {
	StationID       string `json:"station_id"`
	BatchID         string `json:"batch_id"`
	ProcessID       int    `json:"process_id"`
	SlotID          int    `json:"slot_id"`
	SequenceName    string `json:"sequence_name"`
	SequenceVersion string `json:"sequence_version"`
}

// Session is a process-header record. If the backend already has a session
// open for the requested tuple it returns that existing record instead of
// creating a new one (Reused reports which happened).
type Session struct {
	ID     int  `json:"id"`
	Reused bool `json:"reused"`
}

// OpenSession opens (or reuses) a process-header for the given tuple.
func (c *Client) OpenSession(ctx context.Context, req OpenSessionRequest) (*Session, error) {
	var resp Session
	if err := c.doAPIKey(ctx, http.MethodPost, "/api/v1/process-headers/open", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// SessionStatus is the terminal state a process-header is closed with.
type SessionStatus string

const (
	SessionClosed    SessionStatus = "CLOSED"
	SessionCancelled SessionStatus = "CANCELLED"
)

// CloseSession closes a process-header. Idempotent on the backend: closing
// an already-CLOSED or already-CANCELLED session is not an error, since the
// Batch Worker calls this unconditionally on every cleanup path.
func (c *Client) CloseSession(ctx context.Context, headerID int, status SessionStatus) error {
	path := fmt.Sprintf("/api/v1/process-headers/%d/close?status=%s", headerID, status)
	return c.doAPIKey(ctx, http.MethodPost, path, nil, nil)
}
