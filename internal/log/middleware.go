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

package log

import (
	"log/slog"
	"time"
)

// IPCCommand represents an inbound IPC command for logging purposes
// (e.g. START_BATCH, STOP_BATCH sent to a Batch Worker over the
// command/response socket).
type IPCCommand struct {
	// Command is the IPC command type (e.g. "START_BATCH", "GET_STATUS").
	Command string

	// CorrelationID is the correlation ID for tracing the request across
	// the manager/worker boundary.
	CorrelationID string

	// RequestID is the unique ID for this specific command.
	RequestID string

	// BatchID identifies which batch the command targets.
	BatchID string

	// Metadata contains additional command metadata.
	Metadata map[string]interface{}
}

// IPCResponse represents an IPC response for logging purposes.
type IPCResponse struct {
	// Success indicates whether the command was accepted/executed.
	Success bool

	// Error is the error message if the command failed.
	Error string

	// DurationMs is the time spent handling the command, in milliseconds.
	DurationMs int64

	// Metadata contains additional response metadata.
	Metadata map[string]interface{}
}

// LogIPCCommand logs an inbound IPC command.
func LogIPCCommand(logger *slog.Logger, req *IPCCommand) {
	attrs := []any{
		EventKey, "ipc_command",
		"command", req.Command,
		BatchIDKey, req.BatchID,
	}

	if req.CorrelationID != "" {
		attrs = append(attrs, "correlation_id", req.CorrelationID)
	}

	if req.RequestID != "" {
		attrs = append(attrs, "request_id", req.RequestID)
	}

	for k, v := range req.Metadata {
		attrs = append(attrs, k, v)
	}

	logger.Info("ipc command received", attrs...)
}

// LogIPCResponse logs the response to an IPC command.
func LogIPCResponse(logger *slog.Logger, req *IPCCommand, resp *IPCResponse) {
	attrs := []any{
		EventKey, "ipc_response",
		"command", req.Command,
		"success", resp.Success,
		DurationKey, resp.DurationMs,
		BatchIDKey, req.BatchID,
	}

	if req.CorrelationID != "" {
		attrs = append(attrs, "correlation_id", req.CorrelationID)
	}

	if req.RequestID != "" {
		attrs = append(attrs, "request_id", req.RequestID)
	}

	if resp.Error != "" {
		attrs = append(attrs, "error", resp.Error)
	}

	for k, v := range resp.Metadata {
		attrs = append(attrs, k, v)
	}

	level := slog.LevelInfo
	message := "ipc command completed"

	if !resp.Success {
		level = slog.LevelError
		message = "ipc command failed"
	}

	logger.Log(nil, level, message, attrs...)
}

// IPCMiddleware wraps an IPC command handler with logging. It logs the
// command when it arrives and the response once the handler returns.
type IPCMiddleware struct {
	logger *slog.Logger
}

// NewIPCMiddleware creates a new IPC logging middleware.
func NewIPCMiddleware(logger *slog.Logger) *IPCMiddleware {
	return &IPCMiddleware{
		logger: logger,
	}
}

// Handler wraps a function that processes an IPC command.
// It logs the command and response automatically.
func (m *IPCMiddleware) Handler(req *IPCCommand, handler func() error) error {
	start := time.Now()

	LogIPCCommand(m.logger, req)

	err := handler()

	duration := time.Since(start).Milliseconds()

	resp := &IPCResponse{
		Success:    err == nil,
		DurationMs: duration,
	}

	if err != nil {
		resp.Error = err.Error()
	}

	LogIPCResponse(m.logger, req, resp)

	return err
}

// HandlerWithMetadata wraps a function that processes an IPC command and
// returns response metadata (e.g. a GET_STATUS snapshot). It logs the
// command and response with the returned metadata.
func (m *IPCMiddleware) HandlerWithMetadata(req *IPCCommand, handler func() (map[string]interface{}, error)) (map[string]interface{}, error) {
	start := time.Now()

	LogIPCCommand(m.logger, req)

	metadata, err := handler()

	duration := time.Since(start).Milliseconds()

	resp := &IPCResponse{
		Success:    err == nil,
		DurationMs: duration,
		Metadata:   metadata,
	}

	if err != nil {
		resp.Error = err.Error()
	}

	LogIPCResponse(m.logger, req, resp)

	return metadata, err
}
