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

// Package cliworker wraps a spawned sequence subprocess: a line-oriented
// JSON stdin/stdout/stderr contract between the Batch Worker and the
// sequence package's entry module.
package cliworker

import (
	"encoding/json"
	"time"
)

// Recognized stdout event types (spec §4.6).
const (
	EventStepStart        = "step_start"
	EventStepComplete     = "step_complete"
	EventMeasurement      = "measurement"
	EventLog              = "log"
	EventError            = "error"
	EventStatus           = "status"
	EventInputRequest     = "input_request"
	EventSequenceComplete = "sequence_complete"
)

// Event is one parsed line of child stdout.
type Event struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
}

// StepStartData is Event.Data for a step_start event.
type StepStartData struct {
	Step        string `json:"step"`
	Index       int    `json:"index"`
	Total       int    `json:"total"`
	ExecutionID string `json:"execution_id"`
}

// StepCompleteData is Event.Data for a step_complete event.
type StepCompleteData struct {
	Step        string                 `json:"step"`
	Index       int                    `json:"index"`
	Passed      bool                   `json:"passed"`
	Duration    float64                `json:"duration"`
	Payload     map[string]interface{} `json:"payload,omitempty"`
	ExecutionID string                 `json:"execution_id"`
	Defects     []string               `json:"defects,omitempty"`
	Error       string                 `json:"error,omitempty"`
}

// MeasurementData is Event.Data for a measurement event.
type MeasurementData struct {
	Name   string                 `json:"name"`
	Value  interface{}            `json:"value"`
	Unit   string                 `json:"unit,omitempty"`
	Extras map[string]interface{} `json:"extras,omitempty"`
}

// LogData is Event.Data for a log event.
type LogData struct {
	Level   string `json:"level"`
	Message string `json:"message"`
}

// ErrorData is Event.Data for an error event.
type ErrorData struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Step    string `json:"step,omitempty"`
}

// StatusData is Event.Data for a status event.
type StatusData struct {
	Status      string  `json:"status"`
	Progress    float64 `json:"progress"`
	CurrentStep string  `json:"current_step,omitempty"`
	ExecutionID string  `json:"execution_id"`
}

// InputRequestData is Event.Data for an input_request event.
type InputRequestData struct {
	ID        string      `json:"id"`
	Prompt    string      `json:"prompt"`
	InputType string      `json:"input_type"`
	Options   []string    `json:"options,omitempty"`
	Default   interface{} `json:"default,omitempty"`
	Timeout   float64     `json:"timeout,omitempty"`
}

// SequenceCompleteData is Event.Data for a sequence_complete event.
type SequenceCompleteData struct {
	ExecutionID string                 `json:"execution_id"`
	OverallPass bool                   `json:"overall_pass"`
	Duration    float64                `json:"duration"`
	Result      map[string]interface{} `json:"result,omitempty"`
	Error       string                 `json:"error,omitempty"`
}

// Callbacks groups the typed handlers dispatched from parsed stdout events.
// A nil field is simply not invoked for its event type.
type Callbacks struct {
	OnStepStart        func(StepStartData)
	OnStepComplete     func(StepCompleteData)
	OnMeasurement      func(MeasurementData)
	OnLog              func(LogData)
	OnError            func(ErrorData)
	OnStatus           func(StatusData)
	OnInputRequest     func(InputRequestData)
	OnSequenceComplete func(SequenceCompleteData)

	// OnRawLog handles a non-JSON stdout line (treated as a debug log) or a
	// stderr line (treated as a warning log); isStderr distinguishes them.
	OnRawLog func(line string, isStderr bool)
}

func (c Callbacks) dispatch(evt Event) {
	var err error
	switch evt.Type {
	case EventStepStart:
		var d StepStartData
		if err = json.Unmarshal(evt.Data, &d); err == nil && c.OnStepStart != nil {
			c.OnStepStart(d)
		}
	case EventStepComplete:
		var d StepCompleteData
		if err = json.Unmarshal(evt.Data, &d); err == nil && c.OnStepComplete != nil {
			c.OnStepComplete(d)
		}
	case EventMeasurement:
		var d MeasurementData
		if err = json.Unmarshal(evt.Data, &d); err == nil && c.OnMeasurement != nil {
			c.OnMeasurement(d)
		}
	case EventLog:
		var d LogData
		if err = json.Unmarshal(evt.Data, &d); err == nil && c.OnLog != nil {
			c.OnLog(d)
		}
	case EventError:
		var d ErrorData
		if err = json.Unmarshal(evt.Data, &d); err == nil && c.OnError != nil {
			c.OnError(d)
		}
	case EventStatus:
		var d StatusData
		if err = json.Unmarshal(evt.Data, &d); err == nil && c.OnStatus != nil {
			c.OnStatus(d)
		}
	case EventInputRequest:
		var d InputRequestData
		if err = json.Unmarshal(evt.Data, &d); err == nil && c.OnInputRequest != nil {
			c.OnInputRequest(d)
		}
	case EventSequenceComplete:
		var d SequenceCompleteData
		if err = json.Unmarshal(evt.Data, &d); err == nil && c.OnSequenceComplete != nil {
			c.OnSequenceComplete(d)
		}
	}
}
