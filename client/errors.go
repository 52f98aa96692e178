// Copyright 2026 The Drawbridge Authors
// SPDX-License-Identifier: Apache-2.0

package client

import "errors"

// Error taxonomy for Call and Join. Connection and precondition errors
// are returned synchronously without creating a pending request;
// timeout and connection-closed errors settle an in-flight request.
var (
	// ErrNotConnected: no live connection exists. The reconnect loop
	// retries the transport independently; Call itself never retries.
	ErrNotConnected = errors.New("client: not connected")

	// ErrNoChannel: a command was issued before any channel was
	// joined. Join is exempt from this precondition.
	ErrNoChannel = errors.New("client: no channel joined")

	// ErrTimeout: no terminal response arrived within the request
	// timeout, or within the inactivity window after the last
	// progress frame.
	ErrTimeout = errors.New("client: request timed out")

	// ErrConnectionClosed: the connection dropped while the request
	// was in flight. Every pending request is rejected with this
	// error in bulk when the transport closes.
	ErrConnectionClosed = errors.New("client: connection closed")

	// ErrClosed: the session was closed by its owner.
	ErrClosed = errors.New("client: session closed")
)

// RemoteError carries the error text supplied by the remote executor
// in a terminal response. The text is propagated verbatim.
type RemoteError struct {
	// Command is the command that failed.
	Command string

	// Message is the remote-supplied error text.
	Message string
}

func (e *RemoteError) Error() string { return e.Message }
