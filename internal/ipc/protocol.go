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

// Package ipc is the wire protocol and transport between the manager
// process and its batch worker processes: a ROUTER/DEALER pair for
// request/response commands, and a SUB/PUB pair for worker-emitted events.
// Worker DEALER sockets set their ZMQ identity to the batch id, which lets
// the manager's ROUTER address a specific worker without a side-channel
// lookup.
package ipc

import "encoding/json"

// Command types sent manager -> worker over the ROUTER/DEALER pair.
const (
	CmdRegister      = "REGISTER"
	CmdStartSequence = "START_SEQUENCE"
	CmdStopSequence  = "STOP_SEQUENCE"
	CmdGetStatus     = "GET_STATUS"
	CmdManualControl = "MANUAL_CONTROL"
	CmdShutdown      = "SHUTDOWN"
	CmdPing          = "PING"
)

// Event types published worker -> manager over the PUB/SUB pair.
const (
	EventStepStart          = "STEP_START"
	EventStepComplete       = "STEP_COMPLETE"
	EventSequenceComplete   = "SEQUENCE_COMPLETE"
	EventLog                = "LOG"
	EventError              = "ERROR"
	EventStatusUpdate       = "STATUS_UPDATE"
	EventPong               = "PONG"
	EventBarcodeScanned     = "BARCODE_SCANNED"
	EventWIPProcessComplete = "WIP_PROCESS_COMPLETE"
)

// Command is a manager -> worker request. RequestID correlates the
// eventual Response; workers echo it back unchanged.
type Command struct {
	Type      string                 `json:"type"`
	RequestID string                 `json:"request_id,omitempty"`
	BatchID   string                 `json:"batch_id,omitempty"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
}

// Response is a worker -> manager reply to a Command, matched by RequestID.
type Response struct {
	RequestID string                 `json:"request_id,omitempty"`
	Status    string                 `json:"status"`
	Message   string                 `json:"message,omitempty"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
}

// Event is a worker -> manager pub/sub message, unsolicited and
// unacknowledged.
type Event struct {
	Type    string                 `json:"type"`
	BatchID string                 `json:"batch_id"`
	Payload map[string]interface{} `json:"payload,omitempty"`
}

func encode(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

func decodeCommand(data []byte) (Command, error) {
	var cmd Command
	err := json.Unmarshal(data, &cmd)
	return cmd, err
}

func decodeResponse(data []byte) (Response, error) {
	var resp Response
	err := json.Unmarshal(data, &resp)
	return resp, err
}

func decodeEvent(data []byte) (Event, error) {
	var evt Event
	err := json.Unmarshal(data, &evt)
	return evt, err
}
