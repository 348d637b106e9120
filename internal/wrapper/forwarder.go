package wrapper

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/agent-relay/relay/internal/protocol"
)

type pendingHook struct {
	kind protocol.EventKind
	ts   time.Time
	data json.RawMessage
}

// Forwarder bridges the local hook server and the concentrator client. The
// wrapped tool only reveals its session id in the first SessionStart payload,
// so hooks that arrive before it are buffered and flushed, in arrival order,
// once the id is known and the client exists.
type Forwarder struct {
	dial func(sessionID string) *Client

	mu        sync.Mutex
	sessionID string
	client    *Client
	pending   []pendingHook
	closed    bool
}

// NewForwarder creates a forwarder. dial is called exactly once, with the
// session id learned from SessionStart; it may return nil to disable
// forwarding entirely.
func NewForwarder(dial func(sessionID string) *Client) *Forwarder {
	return &Forwarder{dial: dial}
}

// HandleHook ingests one hook callback from the local server.
func (f *Forwarder) HandleHook(kind protocol.EventKind, data json.RawMessage) {
	now := time.Now()

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}

	if f.sessionID == "" {
		if kind == protocol.SessionStart {
			if d, ok := protocol.DecodeSessionStart(data); ok {
				f.sessionID = d.SessionID
				f.client = f.dial(d.SessionID)
				f.flushLocked(pendingHook{kind: kind, ts: now, data: data})
				return
			}
		}
		f.pending = append(f.pending, pendingHook{kind: kind, ts: now, data: data})
		return
	}

	if f.client != nil {
		f.client.SendHook(kind, now, data)
	}
}

// flushLocked drains the buffer plus the hook that revealed the session id.
// Caller holds mu.
func (f *Forwarder) flushLocked(last pendingHook) {
	if f.client == nil {
		f.pending = nil
		return
	}
	for _, h := range f.pending {
		f.client.SendHook(h.kind, h.ts, h.data)
	}
	f.pending = nil
	f.client.SendHook(last.kind, last.ts, last.data)
}

// SessionID returns the tool-reported session id, or empty before
// SessionStart has been seen.
func (f *Forwarder) SessionID() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sessionID
}

// SendEnd reports the session's end to the concentrator, if one was ever
// connected.
func (f *Forwarder) SendEnd(reason string) {
	f.mu.Lock()
	client := f.client
	f.mu.Unlock()
	if client != nil {
		client.SendEnd(reason)
	}
}

// Close tears down the concentrator connection and drops any buffer.
func (f *Forwarder) Close() {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.closed = true
	client := f.client
	f.pending = nil
	f.mu.Unlock()

	if client != nil {
		client.Close()
	}
}
