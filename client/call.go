// Copyright 2026 The Drawbridge Authors
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/drawbridge-ai/drawbridge/lib/clock"
	"github.com/drawbridge-ai/drawbridge/lib/toolapi"
	"github.com/drawbridge-ai/drawbridge/wire"
)

// requestKind distinguishes command round trips from channel joins in
// the pending table. Both settle the same way; only the frame that
// resolves them differs (terminal payload vs system confirmation).
type requestKind int

const (
	requestCommand requestKind = iota
	requestJoin
)

// pendingRequest is one in-flight request. It is settled exactly once:
// the settle path deletes the entry from the table under the session
// lock before delivering, so a second terminal frame, a timer firing
// after removal, or a disconnect racing a response is a no-op.
type pendingRequest struct {
	id      string
	label   string
	kind    requestKind
	result  chan outcome
	timer   *clock.Timer
	started time.Time

	// lastActivity is refreshed by progress frames. Informational;
	// the timer itself carries the timeout state.
	lastActivity time.Time

	// onProgress, when set, is invoked from the read loop for each
	// progress frame correlated to this request.
	onProgress func(wire.ProgressUpdate)
}

// outcome is the terminal result of a pending request.
type outcome struct {
	result json.RawMessage
	err    error
}

// CallOption adjusts a single Call. The type and its constructors
// live in lib/toolapi so frontends can pass options through the
// Caller interface without importing this package.
type CallOption = toolapi.CallOption

// WithTimeout overrides the session's request timeout for this call.
func WithTimeout(d time.Duration) CallOption {
	return toolapi.WithTimeout(d)
}

// WithProgress registers a callback invoked for every progress frame
// correlated to this call. The callback runs on the session's read
// loop goroutine and must not block.
func WithProgress(fn func(wire.ProgressUpdate)) CallOption {
	return toolapi.WithProgress(fn)
}

// Session implements the frontend-facing calling interface.
var _ toolapi.Caller = (*Session)(nil)

// Call sends a command to the current channel and blocks until the
// terminal response arrives, the timeout expires, the connection
// drops, or ctx is cancelled.
//
// Preconditions are checked synchronously: with no live connection the
// call fails with ErrNotConnected, and with no channel joined it fails
// with ErrNoChannel — in both cases nothing is sent and no pending
// request is created.
//
// Concurrent calls are independent: each has its own correlation id,
// and responses may arrive in any order relative to send order.
func (s *Session) Call(ctx context.Context, command string, params map[string]any, opts ...CallOption) (json.RawMessage, error) {
	settings := toolapi.CallSettings{Timeout: s.requestTimeout}
	for _, opt := range opts {
		opt(&settings)
	}

	id := uuid.NewString()
	request, conn, err := s.register(id, requestCommand, command, settings.Timeout, settings.OnProgress)
	if err != nil {
		return nil, err
	}

	envelope, err := wire.NewCommandEnvelope(request.channelAtSend, id, command, params)
	if err != nil {
		s.fail(id, err)
		return nil, err
	}

	s.logger.Info("sending command", "command", command, "id", id, "channel", request.channelAtSend, "timeout", settings.Timeout)
	if err := s.write(conn, envelope); err != nil {
		s.fail(id, err)
		return nil, err
	}

	return s.await(ctx, id, request.pendingRequest)
}

// registered bundles a pending entry with the channel captured at
// registration, so the envelope targets the channel the precondition
// check saw.
type registered struct {
	*pendingRequest
	channelAtSend string
}

// register validates preconditions and inserts a pending entry under a
// single lock acquisition, so the membership check, the table insert,
// and the timer arm are atomic with respect to frames being dispatched
// and to the disconnect cascade.
func (s *Session) register(id string, kind requestKind, label string, timeout time.Duration, onProgress func(wire.ProgressUpdate)) (registered, *websocket.Conn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return registered{}, nil, ErrClosed
	}
	if s.conn == nil {
		return registered{}, nil, ErrNotConnected
	}
	if kind == requestCommand && s.channel == "" {
		return registered{}, nil, ErrNoChannel
	}

	now := s.clock.Now()
	request := &pendingRequest{
		id:           id,
		label:        label,
		kind:         kind,
		result:       make(chan outcome, 1),
		started:      now,
		lastActivity: now,
		onProgress:   onProgress,
	}
	request.timer = s.clock.AfterFunc(timeout, func() { s.expire(id, timeout) })
	s.pending[id] = request

	return registered{pendingRequest: request, channelAtSend: s.channel}, s.conn, nil
}

// await blocks until the request settles or ctx is cancelled.
// Cancellation removes the entry, so a response arriving afterwards is
// inert.
func (s *Session) await(ctx context.Context, id string, request *pendingRequest) (json.RawMessage, error) {
	select {
	case result := <-request.result:
		return result.result, result.err
	case <-ctx.Done():
		s.fail(id, ctx.Err())
		// The settle path may have delivered concurrently; prefer the
		// real outcome when one is already buffered.
		select {
		case result := <-request.result:
			return result.result, result.err
		default:
			return nil, ctx.Err()
		}
	}
}

// take removes and returns the pending entry for id. The caller owns
// delivery. Returns nil if the id is unknown — settled, timed out,
// rejected, or never ours — in which case the triggering frame or
// timer fire must have no effect.
func (s *Session) take(id string) *pendingRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	request, ok := s.pending[id]
	if !ok {
		return nil
	}
	delete(s.pending, id)
	request.timer.Stop()
	return request
}

// settleTerminal resolves or rejects the pending request named by a
// terminal payload. Unknown ids are dropped without effect.
func (s *Session) settleTerminal(payload wire.Payload) {
	request := s.take(payload.ID)
	if request == nil {
		s.logger.Debug("terminal frame for unknown id dropped", "id", payload.ID)
		return
	}
	if payload.Error != "" {
		s.logger.Info("command failed", "label", request.label, "id", request.id, "error", payload.Error)
		request.result <- outcome{err: &RemoteError{Command: request.label, Message: payload.Error}}
		return
	}
	s.logger.Debug("command resolved", "label", request.label, "id", request.id)
	request.result <- outcome{result: payload.Result}
}

// resolveJoin settles a pending join on its system confirmation.
func (s *Session) resolveJoin(envelope wire.Envelope) {
	s.mu.Lock()
	request, ok := s.pending[envelope.ID]
	if ok && request.kind != requestJoin {
		// A system frame must never settle a command request.
		ok = false
	}
	if ok {
		delete(s.pending, envelope.ID)
		request.timer.Stop()
	}
	s.mu.Unlock()

	if !ok {
		s.logger.Debug("system frame for unknown id dropped", "id", envelope.ID)
		return
	}
	request.result <- outcome{result: envelope.Message}
}

// noteProgress re-arms the timer of the request a progress frame
// refers to. The frame never settles the request, even when it reports
// completed/100%. Unknown ids are dropped.
func (s *Session) noteProgress(update wire.ProgressUpdate) {
	s.mu.Lock()
	request, ok := s.pending[update.CommandID]
	var onProgress func(wire.ProgressUpdate)
	if ok {
		request.timer.Reset(s.inactivityTimeout)
		request.lastActivity = s.clock.Now()
		onProgress = request.onProgress
	}
	s.mu.Unlock()

	if !ok {
		s.logger.Debug("progress frame for unknown id dropped", "id", update.CommandID)
		return
	}
	s.logger.Debug("progress",
		"id", update.CommandID, "status", update.Status, "percent", update.Progress,
		"processed", update.ProcessedItems, "total", update.TotalItems)
	if onProgress != nil {
		onProgress(update)
	}
}

// expire rejects a request whose timer fired. A fire that loses the
// race with a terminal response finds the table entry gone and does
// nothing.
func (s *Session) expire(id string, timeout time.Duration) {
	request := s.take(id)
	if request == nil {
		return
	}
	s.logger.Warn("request timed out", "label", request.label, "id", id, "timeout", timeout)
	request.result <- outcome{err: fmt.Errorf("%w: %s after %v", ErrTimeout, request.label, timeout)}
}

// fail rejects a request with the given error, if it is still pending.
func (s *Session) fail(id string, cause error) {
	request := s.take(id)
	if request == nil {
		return
	}
	request.result <- outcome{err: cause}
}

// drainLocked empties the pending table and returns the drained
// entries with their timers stopped. Caller holds s.mu and delivers
// rejections after releasing it.
func (s *Session) drainLocked() []*pendingRequest {
	drained := make([]*pendingRequest, 0, len(s.pending))
	for _, request := range s.pending {
		request.timer.Stop()
		drained = append(drained, request)
	}
	s.pending = make(map[string]*pendingRequest)
	return drained
}

// rejectAll delivers a uniform rejection to drained requests.
func (s *Session) rejectAll(drained []*pendingRequest, cause error) {
	for _, request := range drained {
		request.result <- outcome{err: cause}
	}
}
