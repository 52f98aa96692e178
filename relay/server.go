// Copyright 2026 The Drawbridge Authors
// SPDX-License-Identifier: Apache-2.0

// Package relay implements the channel relay: a WebSocket rendezvous
// point that groups connections into named channels and fans each
// member's messages out to every other member of the same channel.
//
// The relay carries no command semantics. It interprets exactly two
// envelope fields — type (to detect joins) and channel (to pick the
// fan-out group) — and forwards everything else as the raw bytes it
// received. Membership is ephemeral: a channel exists only while it has
// members, and a disconnect silently removes the connection from its
// channel.
package relay

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/drawbridge-ai/drawbridge/wire"
)

// writeTimeout bounds a single frame write to a member. A member that
// cannot accept a frame within this window is dropped rather than
// allowed to stall fan-out to its channel-mates.
const writeTimeout = 10 * time.Second

// Config configures a relay Server.
type Config struct {
	// Logger receives structured relay logs. If nil, slog.Default()
	// is used.
	Logger *slog.Logger

	// ReadLimit caps the size of a single inbound frame in bytes.
	// Zero means the default of 1 MiB.
	ReadLimit int64
}

const defaultReadLimit = 1 << 20

// Server is the channel relay. It implements http.Handler: every
// request is upgraded to a WebSocket connection and served until the
// peer disconnects. The zero value is not usable; call New.
type Server struct {
	logger    *slog.Logger
	upgrader  websocket.Upgrader
	readLimit int64

	mu       sync.Mutex
	channels map[string]map[*member]struct{}
}

// member is one connected WebSocket peer. Writes are serialized by
// writeMu so concurrent fan-outs cannot interleave frame fragments.
type member struct {
	conn    *websocket.Conn
	remote  string
	writeMu sync.Mutex

	// channel is the member's current channel name, empty before the
	// first join. Guarded by the server mutex, not writeMu.
	channel string
}

// New creates a relay server.
func New(config Config) *Server {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	readLimit := config.ReadLimit
	if readLimit == 0 {
		readLimit = defaultReadLimit
	}
	return &Server{
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The relay is reached by local plugin sandboxes and
			// assistant processes, not by arbitrary browser pages;
			// origin enforcement belongs to a fronting proxy if one
			// is deployed.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		readLimit: readLimit,
		channels:  make(map[string]map[*member]struct{}),
	}
}

// ServeHTTP upgrades the request to a WebSocket connection and relays
// frames until the peer disconnects.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	s.serveConn(conn)
}

// Serve runs an HTTP server for the relay on the given listener,
// blocking until ctx is cancelled. The listener is closed on return.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	server := &http.Server{Handler: s}

	go func() {
		<-ctx.Done()
		server.Close()
	}()

	s.logger.Info("relay listening", "address", listener.Addr().String())
	err := server.Serve(listener)
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// serveConn runs the read loop for one connection. Invariants enforced
// here: a connection belongs to at most one channel, a forwarded
// message never returns to its sender, and a malformed frame never
// affects any other connection.
func (s *Server) serveConn(conn *websocket.Conn) {
	m := &member{conn: conn, remote: conn.RemoteAddr().String()}
	conn.SetReadLimit(s.readLimit)
	s.logger.Info("connection opened", "remote", m.remote)

	defer func() {
		channel := m.channel
		s.leave(m)
		conn.Close()
		s.logger.Info("connection closed", "remote", m.remote, "channel", channel)
	}()

	for {
		messageType, frame, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.TextMessage {
			s.logger.Warn("non-text frame dropped", "remote", m.remote)
			continue
		}

		envelope, err := wire.Decode(frame)
		if err != nil {
			// Malformed frames are logged and dropped; they must not
			// end the connection or disturb other channels.
			s.logger.Warn("malformed frame dropped", "remote", m.remote, "error", err)
			continue
		}

		if envelope.Type == wire.TypeJoin {
			s.join(m, envelope)
			continue
		}
		s.forward(m, envelope, frame)
	}
}

// join moves the member into the requested channel, leaving any
// previous one, and confirms with a system envelope.
func (s *Server) join(m *member, envelope wire.Envelope) {
	if envelope.Channel == "" {
		s.logger.Warn("join without channel dropped", "remote", m.remote)
		return
	}

	s.mu.Lock()
	if m.channel != "" {
		s.removeLocked(m)
	}
	set, ok := s.channels[envelope.Channel]
	if !ok {
		set = make(map[*member]struct{})
		s.channels[envelope.Channel] = set
	}
	set[m] = struct{}{}
	m.channel = envelope.Channel
	s.mu.Unlock()

	s.logger.Info("member joined channel", "remote", m.remote, "channel", envelope.Channel)

	confirmation, err := wire.NewSystemEnvelope(envelope.ID, envelope.Channel,
		fmt.Sprintf("joined channel %s", envelope.Channel))
	if err != nil {
		s.logger.Error("build join confirmation", "error", err)
		return
	}
	data, err := wire.Encode(confirmation)
	if err != nil {
		s.logger.Error("encode join confirmation", "error", err)
		return
	}
	if err := s.writeTo(m, data); err != nil {
		s.logger.Warn("join confirmation write failed", "remote", m.remote, "error", err)
	}
}

// forward sends the raw frame to every other member of the target
// channel. The target is the envelope's channel field when present,
// otherwise the sender's current channel (progress frames omit the
// channel field). A channel with no other members drops the frame
// silently: the sender is never told about zero-recipient delivery.
func (s *Server) forward(m *member, envelope wire.Envelope, frame []byte) {
	target := envelope.Channel
	if target == "" {
		target = m.channel
	}
	if target == "" {
		s.logger.Debug("frame without channel from channelless member dropped", "remote", m.remote)
		return
	}

	s.mu.Lock()
	recipients := make([]*member, 0, len(s.channels[target]))
	for peer := range s.channels[target] {
		if peer != m {
			recipients = append(recipients, peer)
		}
	}
	s.mu.Unlock()

	s.logger.Debug("forwarding frame",
		"remote", m.remote, "channel", target, "type", envelope.Type, "recipients", len(recipients))

	for _, peer := range recipients {
		if err := s.writeTo(peer, frame); err != nil {
			// A dead recipient is detached by its own read loop; the
			// sender and remaining recipients are unaffected.
			s.logger.Warn("forward write failed", "remote", peer.remote, "channel", target, "error", err)
		}
	}
}

// writeTo writes one text frame to a member with the write deadline
// applied, serialized against concurrent writers.
func (s *Server) writeTo(m *member, frame []byte) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	m.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return m.conn.WriteMessage(websocket.TextMessage, frame)
}

// leave removes the member from its channel, if any. Channel-mates are
// not notified.
func (s *Server) leave(m *member) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(m)
}

// removeLocked detaches m from its channel and drops the channel once
// empty. Caller holds s.mu.
func (s *Server) removeLocked(m *member) {
	if m.channel == "" {
		return
	}
	set := s.channels[m.channel]
	delete(set, m)
	if len(set) == 0 {
		delete(s.channels, m.channel)
	}
	m.channel = ""
}

// MemberCount returns the current number of members in the named
// channel. Zero for unknown channels.
func (s *Server) MemberCount(channel string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.channels[channel])
}
