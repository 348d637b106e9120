package wrapper

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"testing"

	"github.com/agent-relay/relay/internal/protocol"
)

type hookRecorder struct {
	mu    sync.Mutex
	kinds []protocol.EventKind
	data  []json.RawMessage
}

func (r *hookRecorder) handle(kind protocol.EventKind, data json.RawMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.kinds = append(r.kinds, kind)
	r.data = append(r.data, data)
}

func (r *hookRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.kinds)
}

func startTestHookServer(t *testing.T) (*HookServer, *hookRecorder) {
	t.Helper()
	rec := &hookRecorder{}
	hs, err := StartHookServer("internal-id", rec.handle)
	if err != nil {
		t.Fatalf("StartHookServer: %v", err)
	}
	t.Cleanup(func() { hs.Close() })
	return hs, rec
}

func hookURL(hs *HookServer, kind string) string {
	return fmt.Sprintf("http://127.0.0.1:%d/hook/%s", hs.Port(), kind)
}

func postHook(t *testing.T, url, sessionID, body string) *http.Response {
	t.Helper()
	req, _ := http.NewRequest(http.MethodPost, url, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	if sessionID != "" {
		req.Header.Set("X-Session-Id", sessionID)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestHookServerDeliversPayload(t *testing.T) {
	hs, rec := startTestHookServer(t)

	body := `{"session_id":"abc","tool_name":"Bash"}`
	resp := postHook(t, hookURL(hs, "PreToolUse"), "internal-id", body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if rec.count() != 1 {
		t.Fatalf("handler called %d times, want 1", rec.count())
	}
	if rec.kinds[0] != protocol.PreToolUse {
		t.Errorf("kind = %q", rec.kinds[0])
	}
	if string(rec.data[0]) != body {
		t.Errorf("payload = %s, want %s", rec.data[0], body)
	}
}

func TestHookServerRejectsWrongSessionID(t *testing.T) {
	hs, rec := startTestHookServer(t)

	resp := postHook(t, hookURL(hs, "PreToolUse"), "someone-else", `{}`)
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("status = %d, want 403", resp.StatusCode)
	}
	if rec.count() != 0 {
		t.Error("handler called for rejected request")
	}
}

func TestHookServerAllowsMissingSessionID(t *testing.T) {
	hs, rec := startTestHookServer(t)

	resp := postHook(t, hookURL(hs, "Stop"), "", `{}`)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
	if rec.count() != 1 {
		t.Error("handler not called without header")
	}
}

func TestHookServerSynthesizesEmptyBody(t *testing.T) {
	hs, rec := startTestHookServer(t)

	resp := postHook(t, hookURL(hs, "Stop"), "internal-id", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var payload map[string]string
	if err := json.Unmarshal(rec.data[0], &payload); err != nil {
		t.Fatalf("unmarshal synthesized payload: %v", err)
	}
	if payload["session_id"] != "internal-id" {
		t.Errorf("synthesized session_id = %q", payload["session_id"])
	}
}

func TestHookServerMethodAndPath(t *testing.T) {
	hs, _ := startTestHookServer(t)

	resp, err := http.Get(hookURL(hs, "PreToolUse"))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("GET hook status = %d, want 405", resp.StatusCode)
	}

	resp = postHook(t, fmt.Sprintf("http://127.0.0.1:%d/hook/", hs.Port()), "internal-id", `{}`)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("empty kind status = %d, want 404", resp.StatusCode)
	}
}

func TestHookServerHealth(t *testing.T) {
	hs, _ := startTestHookServer(t)

	resp, err := http.Get(fmt.Sprintf("http://127.0.0.1:%d/health", hs.Port()))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK || string(body) != "ok" {
		t.Errorf("health = %d %q", resp.StatusCode, body)
	}
}
