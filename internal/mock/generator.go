// Package mock feeds the session store with synthetic wrapper traffic so the
// concentrator's API and dashboard stream can be exercised without running
// any real tool.
package mock

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"time"

	"github.com/agent-relay/relay/internal/protocol"
	"github.com/agent-relay/relay/internal/session"

	"github.com/google/uuid"
)

type mockSession struct {
	id       string
	cwd      string
	model    string
	prompt   string
	tools    []string
	toolIdx  int
	endTick  int // tick at which the session ends (0 = runs forever)
	ended    bool
	notifyAt int // tick for a one-off notification (0 = none)
}

type Generator struct {
	store    *session.Store
	sessions []*mockSession
}

func NewGenerator(store *session.Store) *Generator {
	return &Generator{store: store}
}

// Start registers the scripted sessions and begins emitting hook traffic
// until ctx is cancelled.
func (g *Generator) Start(ctx context.Context) {
	g.sessions = []*mockSession{
		{
			id:     uuid.NewString(),
			cwd:    "/home/user/myproject",
			model:  "claude-opus-4-5",
			prompt: "refactor the storage layer",
			tools:  []string{"Read", "Grep", "Edit", "Write", "Bash"},
		},
		{
			id:      uuid.NewString(),
			cwd:     "/home/user/webapp",
			model:   "claude-sonnet-4-5",
			prompt:  "fix the failing tests",
			tools:   []string{"Read", "Bash", "Edit", "Bash"},
			endTick: 24,
		},
		{
			id:       uuid.NewString(),
			cwd:      "/home/user/api-server",
			model:    "claude-opus-4-5",
			prompt:   "add request tracing",
			tools:    []string{"Read", "Grep", "Read", "Edit"},
			endTick:  40,
			notifyAt: 10,
		},
	}

	for _, ms := range g.sessions {
		g.store.CreateSession(ms.id, ms.cwd, ms.model, nil)
		g.emit(ms, protocol.SessionStart, map[string]interface{}{
			"session_id":      ms.id,
			"cwd":             ms.cwd,
			"model":           ms.model,
			"source":          "startup",
			"transcript_path": fmt.Sprintf("/tmp/mock-transcript-%s.jsonl", ms.id),
		})
		g.emit(ms, protocol.UserPromptSubmit, map[string]interface{}{
			"session_id": ms.id,
			"prompt":     ms.prompt,
		})
	}

	go g.run(ctx)
}

func (g *Generator) run(ctx context.Context) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	tick := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			tick++
			for _, ms := range g.sessions {
				g.advance(ms, tick)
			}
		}
	}
}

func (g *Generator) advance(ms *mockSession, tick int) {
	if ms.ended {
		return
	}

	if ms.endTick > 0 && tick >= ms.endTick {
		g.emit(ms, protocol.Stop, map[string]interface{}{"session_id": ms.id})
		g.emit(ms, protocol.SessionEnd, map[string]interface{}{
			"session_id": ms.id,
			"reason":     "prompt_completed",
		})
		g.store.EndSession(ms.id, "normal")
		ms.ended = true
		return
	}

	if ms.notifyAt > 0 && tick == ms.notifyAt {
		g.emit(ms, protocol.Notification, map[string]interface{}{
			"session_id": ms.id,
			"message":    "Claude needs your permission to use Bash",
		})
		return
	}

	tool := ms.tools[ms.toolIdx%len(ms.tools)]
	ms.toolIdx++

	g.emit(ms, protocol.PreToolUse, map[string]interface{}{
		"session_id": ms.id,
		"tool_name":  tool,
	})

	// An occasional failure keeps the failure path visible downstream.
	if rand.Intn(12) == 0 {
		g.emit(ms, protocol.PostToolUseFailure, map[string]interface{}{
			"session_id": ms.id,
			"tool_name":  tool,
			"error":      "command exited with status 1",
		})
		return
	}

	g.emit(ms, protocol.PostToolUse, map[string]interface{}{
		"session_id": ms.id,
		"tool_name":  tool,
	})
}

func (g *Generator) emit(ms *mockSession, kind protocol.EventKind, payload map[string]interface{}) {
	data, _ := json.Marshal(payload)
	g.store.AddEvent(ms.id, session.Event{
		Kind:      kind,
		Timestamp: time.Now(),
		Data:      data,
	})
}
