// Package protocol defines the wire contract between wrapper instances and
// the concentrator. Messages are JSON text frames, one message per frame,
// discriminated by the "type" field.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

type MessageType string

const (
	// Wrapper -> concentrator.
	TypeMeta      MessageType = "meta"
	TypeHook      MessageType = "hook"
	TypeHeartbeat MessageType = "heartbeat"
	TypeEnd       MessageType = "end"

	// Concentrator -> wrapper.
	TypeAck   MessageType = "ack"
	TypeError MessageType = "error"
	TypeInput MessageType = "input"

	// Dashboard -> concentrator, on the shared endpoint.
	TypeSubscribe MessageType = "subscribe"
)

// EventKind names a hook callback emitted by the wrapped tool.
type EventKind string

const (
	SessionStart       EventKind = "SessionStart"
	UserPromptSubmit   EventKind = "UserPromptSubmit"
	PreToolUse         EventKind = "PreToolUse"
	PostToolUse        EventKind = "PostToolUse"
	PostToolUseFailure EventKind = "PostToolUseFailure"
	Notification       EventKind = "Notification"
	Stop               EventKind = "Stop"
	SessionEnd         EventKind = "SessionEnd"
	SubagentStart      EventKind = "SubagentStart"
	SubagentStop       EventKind = "SubagentStop"
	PreCompact         EventKind = "PreCompact"
	PermissionRequest  EventKind = "PermissionRequest"
)

// EventKinds lists every hook kind the wrapper injects callbacks for.
var EventKinds = []EventKind{
	SessionStart,
	UserPromptSubmit,
	PreToolUse,
	PostToolUse,
	PostToolUseFailure,
	Notification,
	Stop,
	SessionEnd,
	SubagentStart,
	SubagentStop,
	PreCompact,
	PermissionRequest,
}

// Message is the single flat record for every frame on the wire. Which
// fields are meaningful depends on Type; unused fields are omitted from the
// encoded JSON. Event payloads stay as raw JSON so unknown hook kinds and
// fields pass through untouched.
type Message struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"sessionId,omitempty"`

	// meta
	Cwd       string   `json:"cwd,omitempty"`
	StartedAt int64    `json:"startedAt,omitempty"` // epoch ms
	Model     string   `json:"model,omitempty"`
	Args      []string `json:"args,omitempty"`

	// hook / heartbeat
	HookEvent EventKind       `json:"hookEvent,omitempty"`
	Timestamp int64           `json:"timestamp,omitempty"` // epoch ms
	Data      json.RawMessage `json:"data,omitempty"`

	// end
	Reason  string `json:"reason,omitempty"`
	EndedAt int64  `json:"endedAt,omitempty"` // epoch ms

	// ack
	EventID string `json:"eventId,omitempty"`

	// error
	Message string `json:"message,omitempty"`

	// input
	Input string `json:"input,omitempty"`
}

var knownTypes = map[MessageType]bool{
	TypeMeta:      true,
	TypeHook:      true,
	TypeHeartbeat: true,
	TypeEnd:       true,
	TypeAck:       true,
	TypeError:     true,
	TypeInput:     true,
	TypeSubscribe: true,
}

// Parse decodes a single frame. It rejects malformed JSON, missing or
// unknown message types, and hook messages without an event kind. The
// caller replies with an error message and keeps the connection open.
func Parse(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("decoding message: %w", err)
	}
	if msg.Type == "" {
		return nil, fmt.Errorf("message has no type")
	}
	if !knownTypes[msg.Type] {
		return nil, fmt.Errorf("unknown message type %q", msg.Type)
	}
	if msg.Type == TypeHook && msg.HookEvent == "" {
		return nil, fmt.Errorf("hook message has no event kind")
	}
	return &msg, nil
}

// Millis converts a time to the epoch-millisecond encoding used on the wire.
func Millis(t time.Time) int64 {
	return t.UnixMilli()
}

// FromMillis converts a wire timestamp back to a time. Zero stays zero.
func FromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

// Meta builds the session metadata message, sent exactly once per logical
// session, before anything else.
func Meta(sessionID, cwd, model string, args []string, startedAt time.Time) Message {
	return Message{
		Type:      TypeMeta,
		SessionID: sessionID,
		Cwd:       cwd,
		Model:     model,
		Args:      args,
		StartedAt: Millis(startedAt),
	}
}

// Hook builds a hook forwarding message.
func Hook(sessionID string, kind EventKind, ts time.Time, data json.RawMessage) Message {
	return Message{
		Type:      TypeHook,
		SessionID: sessionID,
		HookEvent: kind,
		Timestamp: Millis(ts),
		Data:      data,
	}
}

// Heartbeat builds a liveness message, sent periodically while the wrapper
// has no hook traffic.
func Heartbeat(sessionID string, ts time.Time) Message {
	return Message{Type: TypeHeartbeat, SessionID: sessionID, Timestamp: Millis(ts)}
}

// End builds the best-effort final message for a session.
func End(sessionID, reason string, endedAt time.Time) Message {
	return Message{Type: TypeEnd, SessionID: sessionID, Reason: reason, EndedAt: Millis(endedAt)}
}

// Ack acknowledges a meta message.
func Ack(eventID string) Message {
	return Message{Type: TypeAck, EventID: eventID}
}

// Error builds a non-fatal diagnostic reply.
func Error(text string) Message {
	return Message{Type: TypeError, Message: text}
}

// Input carries operator-supplied text destined for the wrapped tool's
// terminal.
func Input(sessionID, text string) Message {
	return Message{Type: TypeInput, SessionID: sessionID, Input: text}
}
