// Copyright 2026 The Drawbridge Authors
// SPDX-License-Identifier: Apache-2.0

// Package toolapi defines the interface between tool frontends and
// the relay command client. A frontend (an MCP tool server, a CLI, a
// test harness) issues design-tool commands through [Caller] without
// depending on the WebSocket session in client/, so frontend code can
// be tested against a fake and the session can evolve independently.
//
// client.Session satisfies Caller directly.
package toolapi

import (
	"context"
	"encoding/json"
	"time"

	"github.com/drawbridge-ai/drawbridge/wire"
)

// CommandExport describes a design-tool command for frontends that
// build their own catalogs (an MCP tools/list response, CLI help
// text) from shared metadata.
type CommandExport struct {
	// Name is the wire-level command name (e.g., "get_document_info").
	Name string

	// Description is the human-readable summary shown to the caller.
	Description string

	// InputSchema is the JSON Schema for the command's params,
	// serialized as JSON.
	InputSchema json.RawMessage

	// Streams is true when the command reports chunked progress and
	// callers should expect a long run time.
	Streams bool
}

// Caller issues commands into a relay channel and reports the
// channel's state. All blocking methods honor ctx cancellation.
type Caller interface {
	// Call sends a command to the channel's executor and blocks until
	// the terminal response, a timeout, or ctx cancellation. result
	// is the raw JSON result payload on success.
	Call(ctx context.Context, command string, params map[string]any, opts ...CallOption) (json.RawMessage, error)

	// Join switches the session onto the named channel, leaving any
	// previous one. Commands fail until a join has succeeded.
	Join(ctx context.Context, channel string) error

	// Channel returns the currently joined channel, or "" when none
	// is joined (including after a reconnect, which never restores
	// membership on its own).
	Channel() string

	// Connected reports whether the underlying transport is up.
	Connected() bool
}

// CallSettings is the per-call state that options apply to. The
// session fills in defaults before applying options.
type CallSettings struct {
	// Timeout bounds the whole call, progress resets included.
	Timeout time.Duration

	// OnProgress receives streamed progress updates. It runs on the
	// session's read goroutine and must not block.
	OnProgress func(wire.ProgressUpdate)
}

// CallOption adjusts a single Call.
type CallOption func(*CallSettings)

// WithTimeout overrides the session's request timeout for this call.
func WithTimeout(d time.Duration) CallOption {
	return func(settings *CallSettings) { settings.Timeout = d }
}

// WithProgress registers a callback invoked for every progress update
// correlated to this call. The callback runs on the session's read
// goroutine and must not block.
func WithProgress(fn func(wire.ProgressUpdate)) CallOption {
	return func(settings *CallSettings) { settings.OnProgress = fn }
}
