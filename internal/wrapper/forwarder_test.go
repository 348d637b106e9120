package wrapper

import (
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"github.com/agent-relay/relay/internal/protocol"
)

func TestForwarderBuffersUntilSessionStart(t *testing.T) {
	cs := newCaptureServer(t)

	var dials atomic.Int32
	var dialedID atomic.Value
	f := NewForwarder(func(sessionID string) *Client {
		dials.Add(1)
		dialedID.Store(sessionID)
		return NewClient(ClientOptions{URL: cs.url(), SessionID: sessionID})
	})
	defer f.Close()

	// Hooks before SessionStart must not trigger a connection.
	f.HandleHook(protocol.Notification, json.RawMessage(`{"message":"hi"}`))
	f.HandleHook(protocol.PreToolUse, json.RawMessage(`{"tool_name":"Bash"}`))
	if dials.Load() != 0 {
		t.Fatalf("dialed %d times before SessionStart", dials.Load())
	}

	f.HandleHook(protocol.SessionStart, json.RawMessage(`{"session_id":"real-id"}`))
	if dials.Load() != 1 {
		t.Fatalf("dialed %d times, want 1", dials.Load())
	}
	if got := dialedID.Load().(string); got != "real-id" {
		t.Errorf("dialed with id %q, want real-id", got)
	}
	if got := f.SessionID(); got != "real-id" {
		t.Errorf("SessionID() = %q", got)
	}

	// meta, then the buffered hooks in arrival order, then SessionStart.
	waitFor(t, func() bool { return len(cs.messages()) >= 4 })
	msgs := cs.messages()
	wantKinds := []protocol.EventKind{protocol.Notification, protocol.PreToolUse, protocol.SessionStart}
	for i, want := range wantKinds {
		got := msgs[i+1]
		if got.Type != protocol.TypeHook || got.HookEvent != want {
			t.Errorf("message %d = %q/%q, want hook/%q", i+1, got.Type, got.HookEvent, want)
		}
		if got.SessionID != "real-id" {
			t.Errorf("message %d session id = %q", i+1, got.SessionID)
		}
	}
}

func TestForwarderIgnoresSessionStartWithoutID(t *testing.T) {
	var dials atomic.Int32
	f := NewForwarder(func(string) *Client {
		dials.Add(1)
		return nil
	})
	defer f.Close()

	f.HandleHook(protocol.SessionStart, json.RawMessage(`{"cwd":"/p"}`))
	if dials.Load() != 0 {
		t.Errorf("dialed despite missing session_id")
	}
	if f.SessionID() != "" {
		t.Errorf("SessionID() = %q, want empty", f.SessionID())
	}
}

func TestForwarderNilClient(t *testing.T) {
	// A nil client (forwarding disabled) must swallow everything without
	// panicking.
	f := NewForwarder(func(string) *Client { return nil })
	defer f.Close()

	f.HandleHook(protocol.SessionStart, json.RawMessage(`{"session_id":"s1"}`))
	f.HandleHook(protocol.PreToolUse, nil)
	f.SendEnd("normal")
}

func TestForwarderForwardsAfterHandshake(t *testing.T) {
	cs := newCaptureServer(t)
	f := NewForwarder(func(sessionID string) *Client {
		return NewClient(ClientOptions{URL: cs.url(), SessionID: sessionID})
	})
	defer f.Close()

	f.HandleHook(protocol.SessionStart, json.RawMessage(`{"session_id":"s1"}`))
	f.HandleHook(protocol.PostToolUse, json.RawMessage(`{"tool_name":"Read"}`))

	waitFor(t, func() bool {
		for _, m := range cs.messages() {
			if m.HookEvent == protocol.PostToolUse {
				return true
			}
		}
		return false
	})
}

func TestForwarderSendEndAfterClose(t *testing.T) {
	f := NewForwarder(func(string) *Client { return nil })
	f.Close()
	f.SendEnd("normal")
	f.HandleHook(protocol.PreToolUse, nil)

	// Give any stray goroutine a moment to blow up if it is going to.
	time.Sleep(10 * time.Millisecond)
}
