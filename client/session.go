// Copyright 2026 The Drawbridge Authors
// SPDX-License-Identifier: Apache-2.0

// Package client implements the command client: the assistant-facing
// side of the drawbridge protocol. A Session owns one WebSocket
// connection to the relay, tracks at most one channel membership, and
// correlates asynchronous command round trips by unique id.
//
// The pending-request table is the single source of truth for call
// state. Every request lives in the table from send until exactly one
// of: a terminal response, a timeout, or connection loss. Progress
// frames re-arm a request's timer without settling it; frames bearing
// an id absent from the table are dropped without effect.
package client

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/drawbridge-ai/drawbridge/lib/clock"
	"github.com/drawbridge-ai/drawbridge/wire"
)

// writeTimeout bounds a single frame write to the relay.
const writeTimeout = 10 * time.Second

// defaultPingInterval is how often the client pings the relay to
// detect a dead transport. The relay's WebSocket stack answers pings
// automatically; a failed ping write closes the connection and lets
// the normal disconnect path run.
const defaultPingInterval = 30 * time.Second

// Config holds configuration for creating a Session.
type Config struct {
	// URL is the relay's WebSocket URL (e.g., "ws://localhost:3055").
	URL string

	// Logger is used for structured logging. If nil, slog.Default()
	// is used.
	Logger *slog.Logger

	// Clock drives timeouts and reconnect pacing. If nil, the real
	// clock is used. Tests inject clock.Fake.
	Clock clock.Clock

	// Dialer is used to open WebSocket connections. If nil,
	// websocket.DefaultDialer is used.
	Dialer *websocket.Dialer

	// RequestTimeout bounds a call that receives no frames at all.
	// Zero means wire.DefaultRequestTimeout.
	RequestTimeout time.Duration

	// InactivityTimeout bounds the gap between progress frames once a
	// command reports progress. Zero means
	// wire.ProgressInactivityTimeout.
	InactivityTimeout time.Duration

	// ReconnectDelay is the flat pause between reconnection attempts.
	// Zero means wire.ReconnectDelay.
	ReconnectDelay time.Duration

	// PingInterval is the keepalive ping period. Zero means the
	// default; negative disables pings.
	PingInterval time.Duration
}

// Session is a command client session. Safe for concurrent use.
type Session struct {
	url               string
	logger            *slog.Logger
	clock             clock.Clock
	dialer            *websocket.Dialer
	requestTimeout    time.Duration
	inactivityTimeout time.Duration
	reconnectDelay    time.Duration
	pingInterval      time.Duration

	// writeMu serializes frame writes so concurrent calls cannot
	// interleave fragments on the connection.
	writeMu sync.Mutex

	mu      sync.Mutex
	conn    *websocket.Conn
	channel string
	pending map[string]*pendingRequest
	closed  bool
	done    chan struct{}
}

// NewSession creates a Session. No connection is opened until Connect.
func NewSession(config Config) (*Session, error) {
	if config.URL == "" {
		return nil, fmt.Errorf("client: URL is required")
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clk := config.Clock
	if clk == nil {
		clk = clock.Real()
	}
	dialer := config.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	requestTimeout := config.RequestTimeout
	if requestTimeout == 0 {
		requestTimeout = wire.DefaultRequestTimeout
	}
	inactivityTimeout := config.InactivityTimeout
	if inactivityTimeout == 0 {
		inactivityTimeout = wire.ProgressInactivityTimeout
	}
	reconnectDelay := config.ReconnectDelay
	if reconnectDelay == 0 {
		reconnectDelay = wire.ReconnectDelay
	}
	pingInterval := config.PingInterval
	if pingInterval == 0 {
		pingInterval = defaultPingInterval
	}

	return &Session{
		url:               config.URL,
		logger:            logger,
		clock:             clk,
		dialer:            dialer,
		requestTimeout:    requestTimeout,
		inactivityTimeout: inactivityTimeout,
		reconnectDelay:    reconnectDelay,
		pingInterval:      pingInterval,
		pending:           make(map[string]*pendingRequest),
		done:              make(chan struct{}),
	}, nil
}

// Connect opens the WebSocket connection to the relay. After a
// successful Connect, a dropped connection is redialed automatically
// on a flat delay until Close; channel membership is NOT restored
// automatically — callers must Join again after a reconnect.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.conn != nil {
		s.mu.Unlock()
		return fmt.Errorf("client: already connected")
	}
	s.mu.Unlock()

	return s.dial(ctx)
}

// dial opens one connection attempt and installs it on success.
func (s *Session) dial(ctx context.Context) error {
	conn, _, err := s.dialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return fmt.Errorf("client: dial %s: %w", s.url, err)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		conn.Close()
		return ErrClosed
	}
	s.conn = conn
	// A fresh connection starts with no channel membership; any prior
	// membership belonged to the old connection.
	s.channel = ""
	s.mu.Unlock()

	s.logger.Info("connected to relay", "url", s.url)
	go s.readLoop(conn)
	if s.pingInterval > 0 {
		go s.pingLoop(conn)
	}
	return nil
}

// Join requests membership in the named channel and waits for the
// relay's confirmation. On success the channel becomes current; on
// failure session state is unchanged. Joining a new channel replaces
// any previous membership.
func (s *Session) Join(ctx context.Context, channel string) error {
	if channel == "" {
		return fmt.Errorf("client: channel name is required")
	}

	id := uuid.NewString()
	request, conn, err := s.register(id, requestJoin, "join:"+channel, s.requestTimeout, nil)
	if err != nil {
		return err
	}

	s.logger.Info("joining channel", "channel", channel, "id", id)
	if err := s.write(conn, wire.NewJoinEnvelope(id, channel)); err != nil {
		s.fail(id, err)
		return err
	}

	if _, err := s.await(ctx, id, request.pendingRequest); err != nil {
		return fmt.Errorf("client: join channel %q: %w", channel, err)
	}

	s.mu.Lock()
	if s.conn == conn {
		s.channel = channel
	}
	s.mu.Unlock()
	return nil
}

// Channel returns the current channel name, empty when none is joined.
func (s *Session) Channel() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.channel
}

// Connected reports whether a live connection exists.
func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil
}

// PendingCount returns the number of in-flight requests.
func (s *Session) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Close tears the session down: the connection is closed, every
// in-flight request is rejected, and no reconnection is attempted.
// Idempotent.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.done)
	conn := s.conn
	s.conn = nil
	s.channel = ""
	drained := s.drainLocked()
	s.mu.Unlock()

	s.rejectAll(drained, ErrClosed)
	if conn != nil {
		conn.Close()
	}
	s.logger.Info("session closed")
	return nil
}

// readLoop reads frames from one connection until it fails, then runs
// the disconnect cascade for that connection.
func (s *Session) readLoop(conn *websocket.Conn) {
	for {
		messageType, frame, err := conn.ReadMessage()
		if err != nil {
			s.connectionLost(conn, err)
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		s.dispatch(frame)
	}
}

// dispatch routes one received frame by envelope type. Malformed
// frames are logged and dropped; they never reach callers.
func (s *Session) dispatch(frame []byte) {
	envelope, err := wire.Decode(frame)
	if err != nil {
		s.logger.Warn("malformed frame dropped", "error", err)
		return
	}
	s.logger.Debug("frame received", "type", envelope.Type, "channel", envelope.Channel, "id", envelope.ID)

	switch envelope.Type {
	case wire.TypeProgress:
		update, err := wire.ParseProgress(envelope)
		if err != nil {
			s.logger.Warn("malformed progress frame dropped", "error", err)
			return
		}
		s.noteProgress(update)

	case wire.TypeSystem:
		// Join confirmation. An unknown id is a broadcast system
		// notice, dropped like any other uncorrelated frame.
		s.resolveJoin(envelope)

	default:
		// TypeMessage or untyped: a terminal response, or another
		// member's request fanned out to us.
		payload, err := wire.ParsePayload(envelope)
		if err != nil {
			s.logger.Warn("malformed message payload dropped", "error", err)
			return
		}
		if !payload.IsTerminal() {
			s.logger.Debug("non-terminal message ignored", "id", payload.ID, "command", payload.Command)
			return
		}
		s.settleTerminal(payload)
	}
}

// connectionLost runs the disconnect cascade: reject every pending
// request with a uniform connection-closed error, clear channel state,
// and schedule reconnection. Only the read loop of the CURRENT
// connection triggers the cascade; a stale loop whose connection was
// already replaced is a no-op.
func (s *Session) connectionLost(conn *websocket.Conn, cause error) {
	s.mu.Lock()
	if s.conn != conn {
		s.mu.Unlock()
		return
	}
	s.conn = nil
	s.channel = ""
	closed := s.closed
	drained := s.drainLocked()
	s.mu.Unlock()

	conn.Close()
	s.rejectAll(drained, ErrConnectionClosed)

	if closed {
		return
	}
	s.logger.Warn("connection lost, scheduling reconnect",
		"error", cause, "rejected_requests", len(drained), "delay", s.reconnectDelay)
	go s.reconnectLoop()
}

// reconnectLoop redials on a flat delay until it succeeds or the
// session closes. Channel membership is never restored here; the
// caller must Join explicitly after a reconnect.
func (s *Session) reconnectLoop() {
	for {
		select {
		case <-s.done:
			return
		case <-s.clock.After(s.reconnectDelay):
		}

		s.mu.Lock()
		if s.closed || s.conn != nil {
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()

		if err := s.dial(context.Background()); err != nil {
			s.logger.Warn("reconnect attempt failed", "error", err)
			continue
		}
		return
	}
}

// pingLoop sends keepalive pings on the connection until it is
// replaced or the session closes. A failed ping write closes the
// connection, which surfaces through the read loop as a disconnect.
func (s *Session) pingLoop(conn *websocket.Conn) {
	ticker := s.clock.NewTicker(s.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
		}

		s.mu.Lock()
		current := s.conn == conn
		s.mu.Unlock()
		if !current {
			return
		}

		if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
			s.logger.Warn("keepalive ping failed", "error", err)
			conn.Close()
			return
		}
	}
}

// write serializes and sends one envelope on the given connection.
func (s *Session) write(conn *websocket.Conn, envelope wire.Envelope) error {
	data, err := wire.Encode(envelope)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("client: write frame: %w", err)
	}
	return nil
}
