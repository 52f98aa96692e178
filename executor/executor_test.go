// Copyright 2026 The Drawbridge Authors
// SPDX-License-Identifier: Apache-2.0

package executor_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/drawbridge-ai/drawbridge/client"
	"github.com/drawbridge-ai/drawbridge/executor"
	"github.com/drawbridge-ai/drawbridge/lib/testutil"
	"github.com/drawbridge-ai/drawbridge/relay"
	"github.com/drawbridge-ai/drawbridge/wire"
)

const waitLong = 5 * time.Second

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// startStack brings up a relay, an executor with the given handlers,
// and a session joined to the same channel, all torn down with t.
func startStack(t *testing.T, handlers map[string]executor.Handler) *client.Session {
	t.Helper()
	relayServer := relay.New(relay.Config{Logger: discardLogger()})
	server := httptest.NewServer(relayServer)
	t.Cleanup(server.Close)
	url := "ws" + strings.TrimPrefix(server.URL, "http")

	exec, err := executor.New(executor.Config{
		URL:     url,
		Channel: "design-1",
		Logger:  discardLogger(),
	})
	if err != nil {
		t.Fatalf("new executor: %v", err)
	}
	for command, handler := range handlers {
		exec.Handle(command, handler)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	done := make(chan struct{})
	go func() {
		defer close(done)
		exec.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	// Wait for the executor's membership before issuing commands;
	// frames sent into a channel with no other members are dropped.
	deadline := time.Now().Add(waitLong)
	for relayServer.MemberCount("design-1") == 0 {
		if time.Now().After(deadline) {
			t.Fatal("executor never joined channel")
		}
		time.Sleep(5 * time.Millisecond)
	}

	session, err := client.NewSession(client.Config{
		URL:          url,
		Logger:       discardLogger(),
		PingInterval: -1,
	})
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	t.Cleanup(func() { session.Close() })

	connectCtx, connectCancel := context.WithTimeout(context.Background(), waitLong)
	defer connectCancel()
	if err := session.Connect(connectCtx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := session.Join(connectCtx, "design-1"); err != nil {
		t.Fatalf("join: %v", err)
	}
	return session
}

func TestRoundTripThroughRelay(t *testing.T) {
	t.Parallel()
	session := startStack(t, map[string]executor.Handler{
		"echo": func(_ context.Context, params json.RawMessage, _ func(wire.ProgressUpdate)) (any, error) {
			var decoded struct {
				Text string `json:"text"`
			}
			if err := json.Unmarshal(params, &decoded); err != nil {
				return nil, err
			}
			return map[string]string{"text": decoded.Text}, nil
		},
	})

	result, err := session.Call(context.Background(), "echo", map[string]any{"text": "hello"})
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	var decoded struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(result, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded.Text != "hello" {
		t.Errorf("echoed text = %q, want hello", decoded.Text)
	}
}

func TestHandlerErrorBecomesRemoteError(t *testing.T) {
	t.Parallel()
	session := startStack(t, map[string]executor.Handler{
		"delete_node": func(context.Context, json.RawMessage, func(wire.ProgressUpdate)) (any, error) {
			return nil, fmt.Errorf("node not found: 12:7")
		},
	})

	_, err := session.Call(context.Background(), "delete_node", map[string]any{"nodeId": "12:7"})
	var remote *client.RemoteError
	if !errors.As(err, &remote) {
		t.Fatalf("error = %v, want RemoteError", err)
	}
	if remote.Message != "node not found: 12:7" {
		t.Errorf("message = %q, want handler error text verbatim", remote.Message)
	}
}

func TestUnknownCommandRejected(t *testing.T) {
	t.Parallel()
	session := startStack(t, nil)

	_, err := session.Call(context.Background(), "no_such_command", nil)
	var remote *client.RemoteError
	if !errors.As(err, &remote) {
		t.Fatalf("error = %v, want RemoteError", err)
	}
	if !strings.Contains(remote.Message, "unknown command") {
		t.Errorf("message = %q, want unknown command rejection", remote.Message)
	}
}

func TestChunkedProgressStreamsToCaller(t *testing.T) {
	t.Parallel()
	const chunks = 3
	session := startStack(t, map[string]executor.Handler{
		"scan_text_nodes": func(_ context.Context, _ json.RawMessage, progress func(wire.ProgressUpdate)) (any, error) {
			progress(wire.ProgressUpdate{Status: wire.StatusStarted, Progress: 0, TotalItems: 30})
			for i := 1; i <= chunks; i++ {
				chunk, total := i, chunks
				progress(wire.ProgressUpdate{
					Status:         wire.StatusInProgress,
					Progress:       i * 100 / chunks,
					TotalItems:     30,
					ProcessedItems: i * 10,
					CurrentChunk:   &chunk,
					TotalChunks:    &total,
				})
			}
			return map[string]int{"nodes": 30}, nil
		},
	})

	seen := make(chan wire.ProgressUpdate, chunks+1)
	result, err := session.Call(context.Background(), "scan_text_nodes", nil,
		client.WithProgress(func(update wire.ProgressUpdate) { seen <- update }))
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	var decoded struct {
		Nodes int `json:"nodes"`
	}
	if err := json.Unmarshal(result, &decoded); err != nil || decoded.Nodes != 30 {
		t.Fatalf("result = %s (err %v), want 30 nodes", result, err)
	}

	first := testutil.RequireReceive(t, seen, waitLong, "started update")
	if first.Status != wire.StatusStarted {
		t.Errorf("first status = %q, want started", first.Status)
	}
	for i := 1; i <= chunks; i++ {
		update := testutil.RequireReceive(t, seen, waitLong, "chunk %d", i)
		if update.CurrentChunk == nil || *update.CurrentChunk != i {
			t.Errorf("chunk %d: currentChunk = %v", i, update.CurrentChunk)
		}
		if update.ProcessedItems != i*10 {
			t.Errorf("chunk %d: processedItems = %d, want %d", i, update.ProcessedItems, i*10)
		}
	}
}

func TestParamsCarryInjectedCommandID(t *testing.T) {
	t.Parallel()
	gotID := make(chan string, 1)
	session := startStack(t, map[string]executor.Handler{
		"inspect": func(_ context.Context, params json.RawMessage, _ func(wire.ProgressUpdate)) (any, error) {
			var decoded struct {
				CommandID string `json:"commandId"`
			}
			if err := json.Unmarshal(params, &decoded); err != nil {
				return nil, err
			}
			gotID <- decoded.CommandID
			return "ok", nil
		},
	})

	if _, err := session.Call(context.Background(), "inspect", map[string]any{"depth": 2}); err != nil {
		t.Fatalf("call: %v", err)
	}
	id := testutil.RequireReceive(t, gotID, waitLong, "commandId from params")
	if id == "" {
		t.Error("params carried no commandId")
	}
}
