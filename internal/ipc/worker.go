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

	"github.com/go-zeromq/zmq4"

	stationerrors "github.com/Soochol/station-service/pkg/errors"
)

// WorkerConn is the worker-side half of the IPC fabric: a DEALER dialed to
// the manager's ROUTER (identity set to the batch id) and a PUB dialed to
// the manager's SUB.
type WorkerConn struct {
	batchID string
	dealer  zmq4.Socket
	pub     zmq4.Socket
}

// Dial connects a WorkerConn for batchID and sends the REGISTER handshake,
// blocking until the manager's ack arrives or ctx is cancelled.
func Dial(ctx context.Context, batchID, routerAddr, subAddr string) (*WorkerConn, error) {
	dealer := zmq4.NewDealer(ctx, zmq4.WithID(zmq4.SocketIdentity(batchID)))
	if err := dealer.Dial(routerAddr); err != nil {
		return nil, &stationerrors.IPCError{Kind: stationerrors.IPCKindConnection, BatchID: batchID, Cause: fmt.Errorf("dealer dial: %w", err)}
	}

	pub := zmq4.NewPub(ctx)
	if err := pub.Dial(subAddr); err != nil {
		_ = dealer.Close()
		return nil, &stationerrors.IPCError{Kind: stationerrors.IPCKindConnection, BatchID: batchID, Cause: fmt.Errorf("pub dial: %w", err)}
	}

	wc := &WorkerConn{batchID: batchID, dealer: dealer, pub: pub}

	regMsg := Command{Type: CmdRegister, BatchID: batchID}
	data, err := encode(regMsg)
	if err != nil {
		_ = wc.Close()
		return nil, fmt.Errorf("failed to encode register message: %w", err)
	}
	if err := dealer.Send(zmq4.NewMsg(data)); err != nil {
		_ = wc.Close()
		return nil, &stationerrors.IPCError{Kind: stationerrors.IPCKindConnection, BatchID: batchID, Cause: err}
	}

	ackMsg, err := dealer.Recv()
	if err != nil {
		_ = wc.Close()
		return nil, &stationerrors.IPCError{Kind: stationerrors.IPCKindConnection, BatchID: batchID, Cause: fmt.Errorf("register ack: %w", err)}
	}
	if len(ackMsg.Frames) == 0 {
		_ = wc.Close()
		return nil, &stationerrors.IPCError{Kind: stationerrors.IPCKindProtocol, BatchID: batchID, Cause: fmt.Errorf("empty register ack")}
	}
	ack, err := decodeResponse(ackMsg.Frames[0])
	if err != nil || ack.Status != "ok" {
		_ = wc.Close()
		return nil, &stationerrors.IPCError{Kind: stationerrors.IPCKindProtocol, BatchID: batchID, Cause: fmt.Errorf("registration rejected: %s", ack.Message)}
	}

	return wc, nil
}

// Close closes both sockets.
func (w *WorkerConn) Close() error {
	var firstErr error
	if w.dealer != nil {
		if err := w.dealer.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if w.pub != nil {
		if err := w.pub.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// RecvCommand blocks until a Command arrives from the manager over the
// DEALER socket.
func (w *WorkerConn) RecvCommand() (Command, error) {
	msg, err := w.dealer.Recv()
	if err != nil {
		return Command{}, &stationerrors.IPCError{Kind: stationerrors.IPCKindConnection, BatchID: w.batchID, Cause: err}
	}
	if len(msg.Frames) == 0 {
		return Command{}, &stationerrors.IPCError{Kind: stationerrors.IPCKindProtocol, BatchID: w.batchID, Cause: fmt.Errorf("empty command frame")}
	}
	return decodeCommand(msg.Frames[0])
}

// SendResponse replies to a Command over the DEALER socket, echoing its
// RequestID so the manager can resolve its pending future.
func (w *WorkerConn) SendResponse(resp Response) error {
	data, err := encode(resp)
	if err != nil {
		return fmt.Errorf("failed to encode response: %w", err)
	}
	if err := w.dealer.Send(zmq4.NewMsg(data)); err != nil {
		return &stationerrors.IPCError{Kind: stationerrors.IPCKindConnection, BatchID: w.batchID, Cause: err}
	}
	return nil
}

// PublishEvent emits evt over the PUB socket. BatchID is filled in
// automatically if unset.
func (w *WorkerConn) PublishEvent(evt Event) error {
	if evt.BatchID == "" {
		evt.BatchID = w.batchID
	}
	data, err := encode(evt)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}
	if err := w.pub.Send(zmq4.NewMsg(data)); err != nil {
		return &stationerrors.IPCError{Kind: stationerrors.IPCKindConnection, BatchID: w.batchID, Cause: err}
	}
	return nil
}
