// Copyright 2026 The Drawbridge Authors
// SPDX-License-Identifier: Apache-2.0

// Package wire defines the envelope format carried between the command
// client, the channel relay, and the plugin sandbox executor. Frames are
// UTF-8 JSON text messages on a WebSocket connection.
//
// The package is organized around the three frame families:
//
//   - Envelope: the outer transport message (join, message, system,
//     progress_update)
//   - Payload: the nested command request / terminal response
//   - ProgressUpdate: non-terminal status for long chunked operations
//
// The relay treats envelopes as opaque apart from the type and channel
// fields; only the client and executor interpret the nested payload.
package wire

import (
	"encoding/json"
	"fmt"
	"time"
)

// Envelope type constants. An envelope with an unrecognized type is not
// a decode error: receivers skip frames they do not understand so the
// protocol can grow without breaking older peers.
const (
	// TypeJoin requests membership in a named channel. Client → relay
	// only. The relay answers with a system envelope.
	TypeJoin = "join"

	// TypeMessage carries a nested command request or terminal response
	// to every other member of the envelope's channel.
	TypeMessage = "message"

	// TypeSystem is a relay-originated notification, currently only the
	// join confirmation. The nested message is a JSON string.
	TypeSystem = "system"

	// TypeProgress carries a non-terminal progress update for an
	// in-flight command. The nested message holds a data object of type
	// "command_progress".
	TypeProgress = "progress_update"
)

// ProgressDataType is the discriminator carried inside a progress
// envelope's nested data object.
const ProgressDataType = "command_progress"

// DefaultPort is the relay's default listen port.
const DefaultPort = 3055

// Timing defaults shared by client and relay.
const (
	// DefaultRequestTimeout bounds a call that receives no frames at all.
	DefaultRequestTimeout = 30 * time.Second

	// ProgressInactivityTimeout bounds the gap between progress frames
	// once a command has started reporting progress. Each progress frame
	// re-arms the pending request's timer to this window.
	ProgressInactivityTimeout = 60 * time.Second

	// ReconnectDelay is the flat pause between reconnection attempts
	// after the client's connection drops.
	ReconnectDelay = 2 * time.Second
)

// Progress status values. A status of StatusCompleted in a progress
// frame does NOT settle the request; only a terminal response does.
type Status string

const (
	StatusStarted    Status = "started"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusError      Status = "error"
)

// Envelope is the outer transport message. Field presence varies by
// type; absent fields are omitted from the wire form.
type Envelope struct {
	// ID is the correlation identifier. Set on join requests and
	// progress frames; command envelopes carry the id inside the
	// nested payload instead.
	ID string `json:"id,omitempty"`

	// Type is one of the Type* constants. Terminal responses relayed
	// back from an executor use TypeMessage.
	Type string `json:"type,omitempty"`

	// Channel names the fan-out group this envelope targets. Required
	// for join and message envelopes.
	Channel string `json:"channel,omitempty"`

	// Message is the nested payload, left raw so the relay can forward
	// it without interpretation. For system envelopes it is a JSON
	// string; for progress envelopes it is a progressBody.
	Message json.RawMessage `json:"message,omitempty"`
}

// Payload is the nested request/response message inside a TypeMessage
// envelope. A request carries Command and Params; a terminal response
// carries Result or Error. The ID links the two.
type Payload struct {
	ID      string          `json:"id,omitempty"`
	Command string          `json:"command,omitempty"`
	Params  map[string]any  `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// IsTerminal reports whether the payload settles a pending request:
// either a result or an error is present. A payload with neither (for
// example a forwarded request seen by a non-executor peer) is not
// terminal.
func (p Payload) IsTerminal() bool {
	return p.Error != "" || len(p.Result) > 0
}

// ProgressUpdate is the data object nested inside a TypeProgress
// envelope. All fields are informational; none of them settle the
// pending request.
type ProgressUpdate struct {
	// Type is always ProgressDataType on the wire.
	Type string `json:"type"`

	// CommandID is the correlation id of the in-flight command.
	CommandID string `json:"commandId"`

	// Status is the executor's view of the operation. StatusCompleted
	// may precede or lag the terminal response and must not be
	// conflated with it.
	Status Status `json:"status"`

	// Progress is a percentage in [0, 100].
	Progress int `json:"progress"`

	// TotalItems and ProcessedItems count work units.
	TotalItems     int `json:"totalItems"`
	ProcessedItems int `json:"processedItems"`

	// CurrentChunk and TotalChunks are set by chunked operations.
	CurrentChunk *int `json:"currentChunk,omitempty"`
	TotalChunks  *int `json:"totalChunks,omitempty"`

	// Message is free-text status for humans.
	Message string `json:"message,omitempty"`
}

// progressBody is the nested message of a progress envelope.
type progressBody struct {
	Data ProgressUpdate `json:"data"`
}

// Encode serializes an envelope to its wire form.
func Encode(envelope Envelope) ([]byte, error) {
	data, err := json.Marshal(envelope)
	if err != nil {
		return nil, fmt.Errorf("wire: encode envelope: %w", err)
	}
	return data, nil
}

// Decode parses a wire frame into an Envelope. Unknown envelope types
// decode successfully; callers dispatch on Type and ignore what they do
// not recognize.
func Decode(data []byte) (Envelope, error) {
	var envelope Envelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		return Envelope{}, fmt.Errorf("wire: decode envelope: %w", err)
	}
	return envelope, nil
}

// NewJoinEnvelope builds a join request for the named channel.
func NewJoinEnvelope(id, channel string) Envelope {
	return Envelope{ID: id, Type: TypeJoin, Channel: channel}
}

// NewSystemEnvelope builds a relay notification. The id and channel
// echo the join request being confirmed.
func NewSystemEnvelope(id, channel, text string) (Envelope, error) {
	message, err := json.Marshal(text)
	if err != nil {
		return Envelope{}, fmt.Errorf("wire: encode system text: %w", err)
	}
	return Envelope{ID: id, Type: TypeSystem, Channel: channel, Message: message}, nil
}

// SystemText extracts the notification string from a system envelope.
func SystemText(envelope Envelope) (string, error) {
	var text string
	if err := json.Unmarshal(envelope.Message, &text); err != nil {
		return "", fmt.Errorf("wire: decode system text: %w", err)
	}
	return text, nil
}

// NewCommandEnvelope builds a command request envelope. The payload id
// is duplicated into params as "commandId" so executors that only see
// the params object can still correlate progress frames.
func NewCommandEnvelope(channel, id, command string, params map[string]any) (Envelope, error) {
	merged := make(map[string]any, len(params)+1)
	for key, value := range params {
		merged[key] = value
	}
	merged["commandId"] = id

	payload, err := json.Marshal(Payload{ID: id, Command: command, Params: merged})
	if err != nil {
		return Envelope{}, fmt.Errorf("wire: encode command payload: %w", err)
	}
	return Envelope{Type: TypeMessage, Channel: channel, Message: payload}, nil
}

// NewResultEnvelope builds a terminal success response for a request.
func NewResultEnvelope(channel, id string, result any) (Envelope, error) {
	encoded, err := json.Marshal(result)
	if err != nil {
		return Envelope{}, fmt.Errorf("wire: encode result: %w", err)
	}
	payload, err := json.Marshal(Payload{ID: id, Result: encoded})
	if err != nil {
		return Envelope{}, fmt.Errorf("wire: encode result payload: %w", err)
	}
	return Envelope{Type: TypeMessage, Channel: channel, Message: payload}, nil
}

// NewErrorEnvelope builds a terminal failure response for a request.
func NewErrorEnvelope(channel, id, errorText string) (Envelope, error) {
	payload, err := json.Marshal(Payload{ID: id, Error: errorText})
	if err != nil {
		return Envelope{}, fmt.Errorf("wire: encode error payload: %w", err)
	}
	return Envelope{Type: TypeMessage, Channel: channel, Message: payload}, nil
}

// NewProgressEnvelope builds a progress frame for an in-flight command.
// The update's Type and CommandID are overwritten with ProgressDataType
// and the given id to keep the frame self-consistent.
func NewProgressEnvelope(channel, id string, update ProgressUpdate) (Envelope, error) {
	update.Type = ProgressDataType
	update.CommandID = id
	body, err := json.Marshal(progressBody{Data: update})
	if err != nil {
		return Envelope{}, fmt.Errorf("wire: encode progress body: %w", err)
	}
	return Envelope{ID: id, Type: TypeProgress, Channel: channel, Message: body}, nil
}

// ParsePayload extracts the nested request/response payload from a
// message envelope.
func ParsePayload(envelope Envelope) (Payload, error) {
	var payload Payload
	if err := json.Unmarshal(envelope.Message, &payload); err != nil {
		return Payload{}, fmt.Errorf("wire: decode message payload: %w", err)
	}
	return payload, nil
}

// ParseProgress extracts the progress update from a progress envelope.
// Returns an error if the nested body is malformed or is not a
// command_progress object.
func ParseProgress(envelope Envelope) (ProgressUpdate, error) {
	var body progressBody
	if err := json.Unmarshal(envelope.Message, &body); err != nil {
		return ProgressUpdate{}, fmt.Errorf("wire: decode progress body: %w", err)
	}
	if body.Data.Type != ProgressDataType {
		return ProgressUpdate{}, fmt.Errorf("wire: progress data type %q, want %q", body.Data.Type, ProgressDataType)
	}
	if body.Data.CommandID == "" && envelope.ID != "" {
		body.Data.CommandID = envelope.ID
	}
	return body.Data, nil
}
