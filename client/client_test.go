// Copyright 2026 The Drawbridge Authors
// SPDX-License-Identifier: Apache-2.0

package client_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/drawbridge-ai/drawbridge/client"
	"github.com/drawbridge-ai/drawbridge/lib/clock"
	"github.com/drawbridge-ai/drawbridge/lib/testutil"
	"github.com/drawbridge-ai/drawbridge/relay"
	"github.com/drawbridge-ai/drawbridge/wire"
)

const waitLong = 5 * time.Second

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// testRelay is a live relay on a loopback listener.
type testRelay struct {
	server *httptest.Server
	url    string
}

func startRelay(t *testing.T) *testRelay {
	t.Helper()
	server := httptest.NewServer(relay.New(relay.Config{Logger: discardLogger()}))
	t.Cleanup(server.Close)
	return &testRelay{server: server, url: "ws" + strings.TrimPrefix(server.URL, "http")}
}

// newSession builds a connected session with fast test settings.
// mutate, when non-nil, adjusts the config before NewSession.
func newSession(t *testing.T, url string, mutate func(*client.Config)) *client.Session {
	t.Helper()
	config := client.Config{
		URL:            url,
		Logger:         discardLogger(),
		ReconnectDelay: 20 * time.Millisecond,
		PingInterval:   -1,
	}
	if mutate != nil {
		mutate(&config)
	}
	session, err := client.NewSession(config)
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	t.Cleanup(func() { session.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), waitLong)
	defer cancel()
	if err := session.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	return session
}

// peer is a raw WebSocket connection standing in for the sandbox
// executor on the other side of the channel.
type peer struct {
	t    *testing.T
	conn *websocket.Conn
}

func dialPeer(t *testing.T, url, channel string) *peer {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial peer: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	p := &peer{t: t, conn: conn}
	p.send(wire.NewJoinEnvelope("peer-join", channel))
	if envelope := p.read(waitLong); envelope.Type != wire.TypeSystem {
		t.Fatalf("peer join reply type = %q", envelope.Type)
	}
	return p
}

func (p *peer) send(envelope wire.Envelope) {
	p.t.Helper()
	data, err := wire.Encode(envelope)
	if err != nil {
		p.t.Fatalf("peer encode: %v", err)
	}
	if err := p.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		p.t.Fatalf("peer write: %v", err)
	}
}

func (p *peer) read(timeout time.Duration) wire.Envelope {
	p.t.Helper()
	p.conn.SetReadDeadline(time.Now().Add(timeout))
	defer p.conn.SetReadDeadline(time.Time{})
	_, frame, err := p.conn.ReadMessage()
	if err != nil {
		p.t.Fatalf("peer read: %v", err)
	}
	envelope, err := wire.Decode(frame)
	if err != nil {
		p.t.Fatalf("peer decode: %v", err)
	}
	return envelope
}

// readCommand reads frames until a command request arrives.
func (p *peer) readCommand(timeout time.Duration) wire.Payload {
	p.t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		envelope := p.read(time.Until(deadline))
		if envelope.Type != wire.TypeMessage {
			continue
		}
		payload, err := wire.ParsePayload(envelope)
		if err != nil {
			p.t.Fatalf("peer parse payload: %v", err)
		}
		if payload.Command != "" {
			return payload
		}
	}
	p.t.Fatalf("no command within %v", timeout)
	return wire.Payload{}
}

func (p *peer) sendResult(channel, id string, result any) {
	p.t.Helper()
	envelope, err := wire.NewResultEnvelope(channel, id, result)
	if err != nil {
		p.t.Fatalf("peer build result: %v", err)
	}
	p.send(envelope)
}

func (p *peer) sendError(channel, id, text string) {
	p.t.Helper()
	envelope, err := wire.NewErrorEnvelope(channel, id, text)
	if err != nil {
		p.t.Fatalf("peer build error: %v", err)
	}
	p.send(envelope)
}

func (p *peer) sendProgress(channel, id string, update wire.ProgressUpdate) {
	p.t.Helper()
	envelope, err := wire.NewProgressEnvelope(channel, id, update)
	if err != nil {
		p.t.Fatalf("peer build progress: %v", err)
	}
	p.send(envelope)
}

func joinChannel(t *testing.T, session *client.Session, channel string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitLong)
	defer cancel()
	if err := session.Join(ctx, channel); err != nil {
		t.Fatalf("join %s: %v", channel, err)
	}
}

type callOutcome struct {
	result json.RawMessage
	err    error
}

// callAsync runs Call in a goroutine and returns its outcome channel.
func callAsync(session *client.Session, command string, params map[string]any, opts ...client.CallOption) chan callOutcome {
	outcome := make(chan callOutcome, 1)
	go func() {
		result, err := session.Call(context.Background(), command, params, opts...)
		outcome <- callOutcome{result: result, err: err}
	}()
	return outcome
}

func TestCallResolvesWithResult(t *testing.T) {
	t.Parallel()
	testRelay := startRelay(t)
	session := newSession(t, testRelay.url, nil)
	executor := dialPeer(t, testRelay.url, "design-1")
	joinChannel(t, session, "design-1")

	go func() {
		request := executor.readCommand(waitLong)
		if request.Command != "get_document_info" {
			t.Errorf("command = %q, want get_document_info", request.Command)
		}
		if request.Params["commandId"] != request.ID {
			t.Errorf("params commandId = %v, want %q", request.Params["commandId"], request.ID)
		}
		executor.sendResult("design-1", request.ID, map[string]string{"name": "Doc"})
	}()

	result, err := session.Call(context.Background(), "get_document_info", nil)
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	var decoded struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(result, &decoded); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if decoded.Name != "Doc" {
		t.Errorf("result name = %q, want Doc", decoded.Name)
	}
	if n := session.PendingCount(); n != 0 {
		t.Errorf("pending = %d after resolve, want 0", n)
	}
}

func TestCallRejectsWithRemoteError(t *testing.T) {
	t.Parallel()
	testRelay := startRelay(t)
	session := newSession(t, testRelay.url, nil)
	executor := dialPeer(t, testRelay.url, "design-1")
	joinChannel(t, session, "design-1")

	go func() {
		request := executor.readCommand(waitLong)
		executor.sendError("design-1", request.ID, "node not found: 99:99")
	}()

	_, err := session.Call(context.Background(), "get_node_info", map[string]any{"nodeId": "99:99"})
	var remote *client.RemoteError
	if !errors.As(err, &remote) {
		t.Fatalf("error = %v, want RemoteError", err)
	}
	if remote.Message != "node not found: 99:99" {
		t.Errorf("remote message = %q", remote.Message)
	}
	if n := session.PendingCount(); n != 0 {
		t.Errorf("pending = %d after reject, want 0", n)
	}
}

func TestCallWithoutConnection(t *testing.T) {
	t.Parallel()
	session, err := client.NewSession(client.Config{URL: "ws://localhost:1", Logger: discardLogger()})
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	if _, err := session.Call(context.Background(), "get_document_info", nil); !errors.Is(err, client.ErrNotConnected) {
		t.Errorf("error = %v, want ErrNotConnected", err)
	}
}

func TestCallBeforeJoinFailsImmediately(t *testing.T) {
	t.Parallel()
	testRelay := startRelay(t)
	session := newSession(t, testRelay.url, nil)

	start := time.Now()
	_, err := session.Call(context.Background(), "get_document_info", nil)
	if !errors.Is(err, client.ErrNoChannel) {
		t.Fatalf("error = %v, want ErrNoChannel", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("precondition failure took %v, want immediate", elapsed)
	}
	if n := session.PendingCount(); n != 0 {
		t.Errorf("pending = %d, want 0 (no request should be created)", n)
	}
}

func TestConcurrentCallsResolveIndependently(t *testing.T) {
	t.Parallel()
	testRelay := startRelay(t)
	session := newSession(t, testRelay.url, nil)
	executor := dialPeer(t, testRelay.url, "design-1")
	joinChannel(t, session, "design-1")

	first := callAsync(session, "first_command", nil)
	second := callAsync(session, "second_command", nil)

	// Collect both requests, then answer in REVERSE send order with
	// distinct results.
	requests := map[string]wire.Payload{}
	for i := 0; i < 2; i++ {
		request := executor.readCommand(waitLong)
		requests[request.Command] = request
	}
	executor.sendResult("design-1", requests["second_command"].ID, "result-two")
	executor.sendResult("design-1", requests["first_command"].ID, "result-one")

	firstOutcome := testutil.RequireReceive(t, first, waitLong, "first call")
	secondOutcome := testutil.RequireReceive(t, second, waitLong, "second call")
	if firstOutcome.err != nil || secondOutcome.err != nil {
		t.Fatalf("errors: first=%v second=%v", firstOutcome.err, secondOutcome.err)
	}
	if string(firstOutcome.result) != `"result-one"` {
		t.Errorf("first result = %s, want \"result-one\"", firstOutcome.result)
	}
	if string(secondOutcome.result) != `"result-two"` {
		t.Errorf("second result = %s, want \"result-two\"", secondOutcome.result)
	}
	if n := session.PendingCount(); n != 0 {
		t.Errorf("pending = %d, want 0", n)
	}
}

func TestFramesWithUnknownIDAreInert(t *testing.T) {
	t.Parallel()
	testRelay := startRelay(t)
	session := newSession(t, testRelay.url, nil)
	executor := dialPeer(t, testRelay.url, "design-1")
	joinChannel(t, session, "design-1")

	go func() {
		request := executor.readCommand(waitLong)
		// Noise first: a terminal and a progress frame for ids the
		// client never issued. Both must vanish without effect.
		executor.sendResult("design-1", "never-issued-1", "garbage")
		executor.sendProgress("design-1", "never-issued-2", wire.ProgressUpdate{Status: wire.StatusInProgress, Progress: 10})
		executor.sendResult("design-1", request.ID, "real")
	}()

	result, err := session.Call(context.Background(), "get_selection", nil)
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if string(result) != `"real"` {
		t.Errorf("result = %s, want \"real\"", result)
	}
	if n := session.PendingCount(); n != 0 {
		t.Errorf("pending = %d, want 0", n)
	}
}

func TestTimeoutRejectsAndLaterResponseIsIgnored(t *testing.T) {
	t.Parallel()
	testRelay := startRelay(t)
	fake := clock.Fake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	session := newSession(t, testRelay.url, func(config *client.Config) { config.Clock = fake })
	executor := dialPeer(t, testRelay.url, "design-1")
	joinChannel(t, session, "design-1")

	outcome := callAsync(session, "slow_command", nil, client.WithTimeout(5*time.Second))
	request := executor.readCommand(waitLong)

	fake.WaitForScheduled(1)
	fake.Advance(5 * time.Second)

	got := testutil.RequireReceive(t, outcome, waitLong, "timed-out call")
	if !errors.Is(got.err, client.ErrTimeout) {
		t.Fatalf("error = %v, want ErrTimeout", got.err)
	}
	if n := session.PendingCount(); n != 0 {
		t.Errorf("pending = %d after timeout, want 0", n)
	}

	// The orphaned response arrives after the table entry is gone:
	// it must be ignored, and the session must stay fully usable.
	executor.sendResult("design-1", request.ID, "too late")

	go func() {
		next := executor.readCommand(waitLong)
		executor.sendResult("design-1", next.ID, "fresh")
	}()
	result, err := session.Call(context.Background(), "ping", nil)
	if err != nil {
		t.Fatalf("call after orphan response: %v", err)
	}
	if string(result) != `"fresh"` {
		t.Errorf("result = %s, want \"fresh\"", result)
	}
}

func TestProgressFramesExtendTimeout(t *testing.T) {
	t.Parallel()
	testRelay := startRelay(t)
	fake := clock.Fake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	session := newSession(t, testRelay.url, func(config *client.Config) {
		config.Clock = fake
		config.InactivityTimeout = 10 * time.Second
	})
	executor := dialPeer(t, testRelay.url, "design-1")
	joinChannel(t, session, "design-1")

	seen := make(chan wire.ProgressUpdate, 8)
	outcome := callAsync(session, "scan_text_nodes", nil,
		client.WithTimeout(5*time.Second),
		client.WithProgress(func(update wire.ProgressUpdate) { seen <- update }))
	request := executor.readCommand(waitLong)
	fake.WaitForScheduled(1)

	// Progress keeps arriving inside the inactivity window: the call
	// must survive far past its 5s base timeout.
	for i := 1; i <= 3; i++ {
		fake.Advance(4 * time.Second)
		executor.sendProgress("design-1", request.ID, wire.ProgressUpdate{
			Status:         wire.StatusInProgress,
			Progress:       i * 25,
			TotalItems:     120,
			ProcessedItems: i * 30,
		})
		update := testutil.RequireReceive(t, seen, waitLong, "progress %d", i)
		if update.Progress != i*25 {
			t.Errorf("progress %d = %d%%, want %d%%", i, update.Progress, i*25)
		}
	}
	if n := session.PendingCount(); n != 1 {
		t.Fatalf("pending = %d mid-flight, want 1", n)
	}

	executor.sendResult("design-1", request.ID, map[string]int{"nodes": 120})
	got := testutil.RequireReceive(t, outcome, waitLong, "chunked call result")
	if got.err != nil {
		t.Fatalf("call: %v (progress frames should have held off the timeout)", got.err)
	}
}

func TestSilenceAfterProgressTimesOut(t *testing.T) {
	t.Parallel()
	testRelay := startRelay(t)
	fake := clock.Fake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	session := newSession(t, testRelay.url, func(config *client.Config) {
		config.Clock = fake
		config.InactivityTimeout = 10 * time.Second
	})
	executor := dialPeer(t, testRelay.url, "design-1")
	joinChannel(t, session, "design-1")

	seen := make(chan wire.ProgressUpdate, 1)
	outcome := callAsync(session, "export_node_as_image", nil,
		client.WithTimeout(5*time.Second),
		client.WithProgress(func(update wire.ProgressUpdate) { seen <- update }))
	request := executor.readCommand(waitLong)
	fake.WaitForScheduled(1)

	executor.sendProgress("design-1", request.ID, wire.ProgressUpdate{Status: wire.StatusStarted})
	testutil.RequireReceive(t, seen, waitLong, "first progress")

	// The executor goes quiet for longer than the inactivity window.
	fake.Advance(10 * time.Second)

	got := testutil.RequireReceive(t, outcome, waitLong, "stalled call")
	if !errors.Is(got.err, client.ErrTimeout) {
		t.Fatalf("error = %v, want ErrTimeout after inactivity window", got.err)
	}
}

func TestCompletedProgressDoesNotSettleCall(t *testing.T) {
	t.Parallel()
	testRelay := startRelay(t)
	session := newSession(t, testRelay.url, nil)
	executor := dialPeer(t, testRelay.url, "design-1")
	joinChannel(t, session, "design-1")

	seen := make(chan wire.ProgressUpdate, 1)
	outcome := callAsync(session, "set_multiple_text_contents", nil,
		client.WithProgress(func(update wire.ProgressUpdate) { seen <- update }))
	request := executor.readCommand(waitLong)

	// A progress frame claiming completion must not resolve the call.
	executor.sendProgress("design-1", request.ID, wire.ProgressUpdate{
		Status:   wire.StatusCompleted,
		Progress: 100,
	})
	testutil.RequireReceive(t, seen, waitLong, "completed progress")

	if n := session.PendingCount(); n != 1 {
		t.Fatalf("pending = %d after completed progress, want 1 (still in flight)", n)
	}
	select {
	case got := <-outcome:
		t.Fatalf("call settled by progress frame: %+v", got)
	default:
	}

	executor.sendResult("design-1", request.ID, "done")
	got := testutil.RequireReceive(t, outcome, waitLong, "terminal result")
	if got.err != nil || string(got.result) != `"done"` {
		t.Fatalf("outcome = %+v, want \"done\"", got)
	}
}

func TestDisconnectRejectsAllPendingUniformly(t *testing.T) {
	t.Parallel()
	testRelay := startRelay(t)
	session := newSession(t, testRelay.url, nil)
	executor := dialPeer(t, testRelay.url, "design-1")
	joinChannel(t, session, "design-1")

	const inFlight = 3
	outcomes := make([]chan callOutcome, inFlight)
	for i := range outcomes {
		outcomes[i] = callAsync(session, "hang_forever", map[string]any{"n": i})
	}
	for i := 0; i < inFlight; i++ {
		executor.readCommand(waitLong) // absorb, never answer
	}
	if n := session.PendingCount(); n != inFlight {
		t.Fatalf("pending = %d, want %d", n, inFlight)
	}

	testRelay.server.CloseClientConnections()

	for i, outcome := range outcomes {
		got := testutil.RequireReceive(t, outcome, waitLong, "pending call %d", i)
		if !errors.Is(got.err, client.ErrConnectionClosed) {
			t.Errorf("call %d error = %v, want ErrConnectionClosed", i, got.err)
		}
	}
	if n := session.PendingCount(); n != 0 {
		t.Errorf("pending = %d after cascade, want 0", n)
	}
}

func TestReconnectRequiresExplicitRejoin(t *testing.T) {
	t.Parallel()
	testRelay := startRelay(t)
	session := newSession(t, testRelay.url, nil)
	dialPeer(t, testRelay.url, "design-1")
	joinChannel(t, session, "design-1")

	testRelay.server.CloseClientConnections()

	// The session redials on its flat backoff.
	deadline := time.Now().Add(waitLong)
	for !session.Connected() {
		if time.Now().After(deadline) {
			t.Fatal("session did not reconnect")
		}
		time.Sleep(10 * time.Millisecond)
	}

	// Membership is NOT restored: commands fail until an explicit
	// rejoin.
	if channel := session.Channel(); channel != "" {
		t.Fatalf("channel = %q after reconnect, want empty", channel)
	}
	if _, err := session.Call(context.Background(), "get_document_info", nil); !errors.Is(err, client.ErrNoChannel) {
		t.Fatalf("error = %v, want ErrNoChannel before rejoin", err)
	}

	executor := dialPeer(t, testRelay.url, "design-1")
	joinChannel(t, session, "design-1")
	go func() {
		request := executor.readCommand(waitLong)
		executor.sendResult("design-1", request.ID, "after rejoin")
	}()
	result, err := session.Call(context.Background(), "get_document_info", nil)
	if err != nil {
		t.Fatalf("call after rejoin: %v", err)
	}
	if string(result) != `"after rejoin"` {
		t.Errorf("result = %s", result)
	}
}

func TestJoinTimeoutLeavesStateUnchanged(t *testing.T) {
	t.Parallel()
	// A server that upgrades but never confirms joins.
	mute := httptest.NewServer(muteWebSocketHandler())
	t.Cleanup(mute.Close)

	fake := clock.Fake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	session := newSession(t, "ws"+strings.TrimPrefix(mute.URL, "http"), func(config *client.Config) {
		config.Clock = fake
	})

	joinErr := make(chan error, 1)
	go func() { joinErr <- session.Join(context.Background(), "design-1") }()
	fake.WaitForScheduled(1)
	fake.Advance(wire.DefaultRequestTimeout)

	err := testutil.RequireReceive(t, joinErr, waitLong, "join against mute server")
	if !errors.Is(err, client.ErrTimeout) {
		t.Fatalf("join error = %v, want ErrTimeout", err)
	}
	if channel := session.Channel(); channel != "" {
		t.Errorf("channel = %q after failed join, want empty", channel)
	}
}

func TestCloseRejectsPendingAndIsIdempotent(t *testing.T) {
	t.Parallel()
	testRelay := startRelay(t)
	session := newSession(t, testRelay.url, nil)
	executor := dialPeer(t, testRelay.url, "design-1")
	joinChannel(t, session, "design-1")

	outcome := callAsync(session, "hang_forever", nil)
	executor.readCommand(waitLong)

	if err := session.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	got := testutil.RequireReceive(t, outcome, waitLong, "pending call at close")
	if !errors.Is(got.err, client.ErrClosed) {
		t.Errorf("error = %v, want ErrClosed", got.err)
	}
	if err := session.Close(); err != nil {
		t.Errorf("second close: %v", err)
	}
	if _, err := session.Call(context.Background(), "ping", nil); !errors.Is(err, client.ErrClosed) {
		t.Errorf("call after close = %v, want ErrClosed", err)
	}
}

// muteWebSocketHandler upgrades connections and discards everything.
func muteWebSocketHandler() http.Handler {
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		go func() {
			defer conn.Close()
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()
	})
}
