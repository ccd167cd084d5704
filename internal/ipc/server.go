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

package ipc

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-zeromq/zmq4"

	stationerrors "github.com/Soochol/station-service/pkg/errors"
)

// DefaultRegisterDeadline is a default bound for waiting on a worker's
// REGISTER. The Server does not apply it itself; WaitForWorker uses the
// timeout its caller passes.
const DefaultRegisterDeadline = 5 * time.Second

// DefaultCommandTimeout is a default value for SendCommand's timeout
// argument. SendCommand does not apply it itself; it always waits for the
// timeout its caller passes before raising an IPCError of kind Timeout.
const DefaultCommandTimeout = 5000 * time.Millisecond

// EventHandler is invoked sequentially, once per received Event, for every
// handler registered against that event's Type. Handlers run synchronously
// inside the SUB poll loop after the Event is fully received, so a slow
// handler delays the receipt of every later event; keep handlers fast or
// dispatch to a goroutine internally.
type EventHandler func(Event)

// Server is the manager-side half of the IPC fabric: a ROUTER bound for
// commands/registration and a SUB bound for worker-published events.
type Server struct {
	routerAddr string
	subAddr    string

	router zmq4.Socket
	sub    zmq4.Socket

	mu         sync.RWMutex
	identities map[string]string // batch_id -> zmq identity frame
	handlers   map[string][]EventHandler

	pendingMu sync.Mutex
	pending   map[string]chan Response // request_id -> waiter

	logger *slog.Logger

	stopCh chan struct{}
	doneCh chan struct{}
}

// New creates a Server bound to routerAddr (commands) and subAddr (events).
// Both must be ZeroMQ endpoint strings, e.g. "tcp://*:5555".
func New(routerAddr, subAddr string) *Server {
	return &Server{
		routerAddr: routerAddr,
		subAddr:    subAddr,
		identities: make(map[string]string),
		handlers:   make(map[string][]EventHandler),
		pending:    make(map[string]chan Response),
		logger:     slog.Default().With(slog.String("component", "ipc_server")),
	}
}

// OnEvent registers a handler invoked for every received Event of type
// eventType. Multiple handlers for the same type all run, in registration
// order.
func (s *Server) OnEvent(eventType string, handler EventHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[eventType] = append(s.handlers[eventType], handler)
}

// Start binds both sockets and launches the ROUTER and SUB poll loops.
func (s *Server) Start(ctx context.Context) error {
	s.router = zmq4.NewRouter(ctx)
	if err := s.router.Listen(s.routerAddr); err != nil {
		return &stationerrors.IPCError{Kind: stationerrors.IPCKindConnection, Cause: fmt.Errorf("router listen: %w", err)}
	}

	s.sub = zmq4.NewSub(ctx)
	if err := s.sub.Listen(s.subAddr); err != nil {
		_ = s.router.Close()
		return &stationerrors.IPCError{Kind: stationerrors.IPCKindConnection, Cause: fmt.Errorf("sub listen: %w", err)}
	}
	if err := s.sub.SetOption(zmq4.OptionSubscribe, ""); err != nil {
		_ = s.router.Close()
		_ = s.sub.Close()
		return &stationerrors.IPCError{Kind: stationerrors.IPCKindConnection, Cause: fmt.Errorf("sub subscribe: %w", err)}
	}

	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); s.routerLoop() }()
	go func() { defer wg.Done(); s.subLoop() }()

	go func() {
		wg.Wait()
		close(s.doneCh)
	}()

	return nil
}

// Stop closes both sockets and waits for the poll loops to exit.
func (s *Server) Stop() {
	if s.stopCh != nil {
		close(s.stopCh)
	}
	if s.router != nil {
		_ = s.router.Close()
	}
	if s.sub != nil {
		_ = s.sub.Close()
	}
	if s.doneCh != nil {
		<-s.doneCh
	}
}

func (s *Server) routerLoop() {
	for {
		select {
		case <-s.stopCh:
			return
		default:
		}

		msg, err := s.router.Recv()
		if err != nil {
			select {
			case <-s.stopCh:
				return
			default:
				s.logger.Warn("router recv failed", slog.Any("error", err))
				continue
			}
		}
		s.handleRouterMsg(msg)
	}
}

func (s *Server) handleRouterMsg(msg zmq4.Msg) {
	if len(msg.Frames) < 2 {
		s.logger.Warn("router message missing identity or body frame")
		return
	}
	identity := string(msg.Frames[0])
	body := msg.Frames[1]

	cmd, err := decodeCommand(body)
	if err == nil && cmd.Type == CmdRegister {
		s.registerWorker(cmd.BatchID, identity)
		return
	}

	resp, err := decodeResponse(body)
	if err != nil {
		s.logger.Warn("router message is neither a valid command nor a response", slog.Any("error", err))
		return
	}
	s.resolvePending(resp)
}

func (s *Server) registerWorker(batchID, identity string) {
	s.mu.Lock()
	s.identities[batchID] = identity
	s.mu.Unlock()

	ack := Response{Status: "ok", Message: "registered"}
	data, err := encode(ack)
	if err != nil {
		s.logger.Error("failed to encode register ack", slog.Any("error", err))
		return
	}
	if err := s.router.Send(zmq4.NewMsgFrom([]byte(identity), data)); err != nil {
		s.logger.Error("failed to send register ack", slog.Any("error", err))
	}
}

func (s *Server) resolvePending(resp Response) {
	s.pendingMu.Lock()
	ch, ok := s.pending[resp.RequestID]
	if ok {
		delete(s.pending, resp.RequestID)
	}
	s.pendingMu.Unlock()

	if ok {
		ch <- resp
	}
}

func (s *Server) subLoop() {
	for {
		select {
		case <-s.stopCh:
			return
		default:
		}

		msg, err := s.sub.Recv()
		if err != nil {
			select {
			case <-s.stopCh:
				return
			default:
				s.logger.Warn("sub recv failed", slog.Any("error", err))
				continue
			}
		}
		if len(msg.Frames) == 0 {
			continue
		}
		evt, err := decodeEvent(msg.Frames[0])
		if err != nil {
			s.logger.Warn("malformed event payload", slog.Any("error", err))
			continue
		}
		s.dispatchEvent(evt)
	}
}

func (s *Server) dispatchEvent(evt Event) {
	s.mu.RLock()
	handlers := append([]EventHandler(nil), s.handlers[evt.Type]...)
	s.mu.RUnlock()

	for _, h := range handlers {
		h(evt)
	}
}

// IsWorkerConnected reports whether batchID has a known ZMQ identity.
func (s *Server) IsWorkerConnected(batchID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.identities[batchID]
	return ok
}

// Unregister forgets batchID's identity, e.g. after the worker process has
// exited. Safe to call on an unknown batchID.
func (s *Server) Unregister(batchID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.identities, batchID)
}

// WaitForWorker polls IsWorkerConnected until batchID registers or timeout
// elapses.
func (s *Server) WaitForWorker(ctx context.Context, batchID string, timeout, pollInterval time.Duration) error {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		if s.IsWorkerConnected(batchID) {
			return nil
		}
		if time.Now().After(deadline) {
			return &stationerrors.IPCError{Kind: stationerrors.IPCKindTimeout, BatchID: batchID}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// SendCommand routes cmd to batchID's worker and blocks until a matching
// Response arrives or timeout elapses.
func (s *Server) SendCommand(ctx context.Context, batchID string, cmd Command, timeout time.Duration) (Response, error) {
	s.mu.RLock()
	identity, ok := s.identities[batchID]
	s.mu.RUnlock()
	if !ok {
		return Response{}, &stationerrors.IPCError{Kind: stationerrors.IPCKindConnection, BatchID: batchID}
	}

	cmd.BatchID = batchID
	data, err := encode(cmd)
	if err != nil {
		return Response{}, fmt.Errorf("failed to encode command: %w", err)
	}

	waiter := make(chan Response, 1)
	s.pendingMu.Lock()
	s.pending[cmd.RequestID] = waiter
	s.pendingMu.Unlock()
	defer func() {
		s.pendingMu.Lock()
		delete(s.pending, cmd.RequestID)
		s.pendingMu.Unlock()
	}()

	if err := s.router.Send(zmq4.NewMsgFrom([]byte(identity), data)); err != nil {
		return Response{}, &stationerrors.IPCError{Kind: stationerrors.IPCKindConnection, BatchID: batchID, Cause: err}
	}

	select {
	case resp := <-waiter:
		return resp, nil
	case <-time.After(timeout):
		return Response{}, &stationerrors.IPCError{Kind: stationerrors.IPCKindTimeout, BatchID: batchID}
	case <-ctx.Done():
		return Response{}, ctx.Err()
	}
}
