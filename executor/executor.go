// Copyright 2026 The Drawbridge Authors
// SPDX-License-Identifier: Apache-2.0

// Package executor implements the plugin side of a relay channel: a
// process that joins a channel, waits for command requests, runs a
// registered handler for each, and reports progress and the terminal
// result back to the requester.
//
// The production executor is the design-tool plugin itself; this
// package exists for headless executors (test fixtures, the mock
// binary) that speak the same protocol.
package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/drawbridge-ai/drawbridge/wire"
)

// Handler runs a single command. params is the raw JSON params object
// from the request (including the injected commandId). progress may be
// called any number of times to stream intermediate state; the
// executor fills in the command id and forwards each update. The
// returned value is marshalled as the result payload; a non-nil error
// becomes an error response carrying err.Error() verbatim.
type Handler func(ctx context.Context, params json.RawMessage, progress func(wire.ProgressUpdate)) (any, error)

// Config configures an Executor. URL and Channel are required.
type Config struct {
	URL     string
	Channel string
	Logger  *slog.Logger
	Dialer  *websocket.Dialer

	// ReconnectDelay is the flat delay between redial attempts after
	// a dropped connection. Zero means wire.ReconnectDelay.
	ReconnectDelay time.Duration
}

// Executor joins a relay channel and serves commands until its context
// is cancelled. Register handlers with Handle before calling Run.
type Executor struct {
	url            string
	channel        string
	logger         *slog.Logger
	dialer         *websocket.Dialer
	reconnectDelay time.Duration

	handlers map[string]Handler

	// writeMu serializes frame writes; progress callbacks and
	// terminal responses come from concurrent handler goroutines.
	writeMu sync.Mutex
}

const writeTimeout = 10 * time.Second

// New builds an Executor from config.
func New(config Config) (*Executor, error) {
	if config.URL == "" {
		return nil, fmt.Errorf("executor: URL is required")
	}
	if config.Channel == "" {
		return nil, fmt.Errorf("executor: Channel is required")
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	dialer := config.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	delay := config.ReconnectDelay
	if delay == 0 {
		delay = wire.ReconnectDelay
	}
	return &Executor{
		url:            config.URL,
		channel:        config.Channel,
		logger:         logger,
		dialer:         dialer,
		reconnectDelay: delay,
		handlers:       make(map[string]Handler),
	}, nil
}

// Handle registers the handler for a command name. Must be called
// before Run; registration is not synchronized against a running
// executor.
func (e *Executor) Handle(command string, handler Handler) {
	e.handlers[command] = handler
}

// Run connects to the relay, joins the channel, and serves commands
// until ctx is cancelled. A dropped connection is redialed after the
// flat reconnect delay, rejoining the channel each time. Run returns
// nil on cancellation.
func (e *Executor) Run(ctx context.Context) error {
	for {
		err := e.serveOnce(ctx)
		if ctx.Err() != nil {
			return nil
		}
		e.logger.Warn("relay connection lost, reconnecting",
			"error", err,
			"delay", e.reconnectDelay)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(e.reconnectDelay):
		}
	}
}

// serveOnce runs a single connection lifetime: dial, join, serve until
// the connection drops or ctx is cancelled.
func (e *Executor) serveOnce(ctx context.Context) error {
	conn, _, err := e.dialer.DialContext(ctx, e.url, nil)
	if err != nil {
		return fmt.Errorf("executor: dial %s: %w", e.url, err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	if err := e.join(conn); err != nil {
		return err
	}
	e.logger.Info("executor serving channel",
		"channel", e.channel,
		"commands", len(e.handlers))

	// Handlers from this connection share a context cancelled when
	// the connection ends, so a mid-command disconnect stops work
	// whose result has nowhere to go.
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var handlers sync.WaitGroup
	defer handlers.Wait()

	for {
		kind, frame, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("executor: read: %w", err)
		}
		if kind != websocket.TextMessage {
			continue
		}
		envelope, err := wire.Decode(frame)
		if err != nil {
			e.logger.Warn("dropping malformed frame", "error", err)
			continue
		}
		if envelope.Type != wire.TypeMessage {
			continue
		}
		payload, err := wire.ParsePayload(envelope)
		if err != nil || payload.Command == "" {
			continue
		}
		handlers.Add(1)
		go func() {
			defer handlers.Done()
			e.dispatch(connCtx, conn, payload)
		}()
	}
}

// join sends the join request and waits for the relay's confirmation.
func (e *Executor) join(conn *websocket.Conn) error {
	if err := e.write(conn, wire.NewJoinEnvelope("executor-join", e.channel)); err != nil {
		return err
	}
	conn.SetReadDeadline(time.Now().Add(wire.DefaultRequestTimeout))
	defer conn.SetReadDeadline(time.Time{})
	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("executor: join %s: %w", e.channel, err)
		}
		envelope, err := wire.Decode(frame)
		if err != nil {
			continue
		}
		if envelope.Type == wire.TypeSystem {
			return nil
		}
	}
}

// dispatch runs the handler for one request and writes the terminal
// response. Unknown commands get an error response immediately.
func (e *Executor) dispatch(ctx context.Context, conn *websocket.Conn, payload wire.Payload) {
	logger := e.logger.With("command", payload.Command, "id", payload.ID)

	handler, ok := e.handlers[payload.Command]
	if !ok {
		logger.Warn("unknown command")
		e.respondError(conn, payload.ID, fmt.Sprintf("unknown command: %s", payload.Command))
		return
	}

	params, err := json.Marshal(payload.Params)
	if err != nil {
		e.respondError(conn, payload.ID, fmt.Sprintf("invalid params: %v", err))
		return
	}

	progress := func(update wire.ProgressUpdate) {
		envelope, err := wire.NewProgressEnvelope(e.channel, payload.ID, update)
		if err != nil {
			logger.Warn("dropping progress update", "error", err)
			return
		}
		if err := e.write(conn, envelope); err != nil {
			logger.Warn("progress write failed", "error", err)
		}
	}

	started := time.Now()
	result, err := handler(ctx, params, progress)
	if err != nil {
		logger.Info("command failed",
			"error", err,
			"elapsed", time.Since(started))
		e.respondError(conn, payload.ID, err.Error())
		return
	}
	logger.Debug("command completed", "elapsed", time.Since(started))

	envelope, err := wire.NewResultEnvelope(e.channel, payload.ID, result)
	if err != nil {
		e.respondError(conn, payload.ID, fmt.Sprintf("marshal result: %v", err))
		return
	}
	if err := e.write(conn, envelope); err != nil {
		logger.Warn("result write failed", "error", err)
	}
}

func (e *Executor) respondError(conn *websocket.Conn, id, text string) {
	envelope, err := wire.NewErrorEnvelope(e.channel, id, text)
	if err != nil {
		return
	}
	if err := e.write(conn, envelope); err != nil {
		e.logger.Warn("error response write failed", "id", id, "error", err)
	}
}

func (e *Executor) write(conn *websocket.Conn, envelope wire.Envelope) error {
	data, err := wire.Encode(envelope)
	if err != nil {
		return fmt.Errorf("executor: encode: %w", err)
	}
	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("executor: write: %w", err)
	}
	return nil
}
