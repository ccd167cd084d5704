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

// ScanResult is the response to a WIP scan: the string id resolved to the
// backend's internal integer id.
type ScanResult struct {
	WIPIntID int    `json:"wip_int_id"`
	Status   string `json:"status"`
}

// ScanWIP resolves a WIP string identifier (as read from a barcode or typed
// manually) to the backend's internal integer id.
func (c *Client) ScanWIP(ctx context.Context, wipID string) (*ScanResult, error) {
	var resp ScanResult
	path := fmt.Sprintf("/api/v1/wip-items/%s/scan", wipID)
	err := c.doJWT(ctx, http.MethodPost, path, nil, &resp)
	if err != nil {
		return nil, wrapWIPNotFound(err, wipID)
	}
	return &resp, nil
}

// StartProcessResult is the response to 착공 (start-process).
type StartProcessResult struct {
	ProcessStartTime string `json:"process_start_time"`
}

// StartProcess performs 착공: marks the WIP as entering processID. This is
// the prerequisite check point for BR-003 (PrerequisiteNotMet).
func (c *Client) StartProcess(ctx context.Context, wipIntID, processID int) (*StartProcessResult, error) {
	var resp StartProcessResult
	path := fmt.Sprintf("/api/v1/wip-items/%d/start-process", wipIntID)
	if err := c.doJWT(ctx, http.MethodPost, path, nil, &resp); err != nil {
		return nil, withWIPContext(err, wipIntID, processID)
	}
	return &resp, nil
}

// Defect is one recorded defect for a failed completion.
type Defect struct {
	Code        string `json:"code"`
	Description string `json:"description,omitempty"`
}

// CompleteProcessRequest is the 완공 (complete-process) request body.
type CompleteProcessRequest struct {
	Result       string                 `json:"result"` // "PASS" or "FAIL"
	Measurements map[string]interface{} `json:"measurements,omitempty"`
	Defects      []Defect               `json:"defects,omitempty"`
}

// CompleteProcess performs 완공: records the final pass/fail result and any
// measurements/defects for processID, attributed to operatorID. This is
// the BR-004 (DuplicatePass) check point.
func (c *Client) CompleteProcess(ctx context.Context, wipIntID, processID, operatorID int, body CompleteProcessRequest) error {
	path := fmt.Sprintf("/api/v1/wip-items/%d/complete-process?process_id=%d&operator_id=%d", wipIntID, processID, operatorID)
	if err := c.doJWT(ctx, http.MethodPost, path, body, nil); err != nil {
		return withWIPContext(err, wipIntID, processID)
	}
	return nil
}

// ConvertToSerialResult is the response to a serial conversion request.
type ConvertToSerialResult struct {
	SerialNumber string `json:"serial_number"`
}

// ConvertToSerial converts a WIP's tracking identity to a final serial number.
func (c *Client) ConvertToSerial(ctx context.Context, wipIntID int) (*ConvertToSerialResult, error) {
	var resp ConvertToSerialResult
	path := fmt.Sprintf("/api/v1/wip-items/%d/convert-to-serial", wipIntID)
	if err := c.doJWT(ctx, http.MethodPost, path, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ActiveProcess is one entry in the process catalog.
type ActiveProcess struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

// ActiveProcesses returns the catalog of processes the station may run against.
func (c *Client) ActiveProcesses(ctx context.Context) ([]ActiveProcess, error) {
	var resp []ActiveProcess
	if err := c.doJWT(ctx, http.MethodGet, "/api/v1/processes/active", nil, &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func wrapWIPNotFound(err error, wipID string) error {
	if be, ok := err.(*stationerrors.BackendError); ok && be.StatusCode == http.StatusNotFound {
		return &stationerrors.WIPNotFoundError{WIPID: wipID}
	}
	return err
}

// withWIPContext fills in the WIP/process identifiers that mapErrorResponse
// cannot know about, since it operates on the raw HTTP response alone.
func withWIPContext(err error, wipIntID, processID int) error {
	wipID := fmt.Sprintf("%d", wipIntID)
	switch e := err.(type) {
	case *stationerrors.PrerequisiteNotMetError:
		e.WIPID = wipID
		e.ProcessID = processID
		return e
	case *stationerrors.DuplicatePassError:
		e.WIPID = wipID
		e.ProcessID = processID
		return e
	case *stationerrors.InvalidWIPStatusError:
		e.WIPID = wipID
		return e
	case *stationerrors.BackendError:
		if e.StatusCode == http.StatusNotFound {
			return &stationerrors.WIPNotFoundError{WIPID: wipID}
		}
		return e
	default:
		return err
	}
}
