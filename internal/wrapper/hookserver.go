package wrapper

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"strings"

	"github.com/agent-relay/relay/internal/protocol"
)

// HookServer is the loopback HTTP endpoint the injected hook commands POST
// to. It binds an ephemeral port on 127.0.0.1 so concurrent wrappers never
// collide, and validates the per-wrapper session id so one wrapper's hooks
// cannot land in another's stream.
type HookServer struct {
	ln        net.Listener
	srv       *http.Server
	sessionID string
	handle    func(kind protocol.EventKind, data json.RawMessage)
}

// StartHookServer binds the local endpoint and begins serving. sessionID is
// the wrapper's internal id, not the tool's.
func StartHookServer(sessionID string, handle func(kind protocol.EventKind, data json.RawMessage)) (*HookServer, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, fmt.Errorf("binding hook listener: %w", err)
	}

	h := &HookServer{
		ln:        ln,
		sessionID: sessionID,
		handle:    handle,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", h.handleHealth)
	mux.HandleFunc("/hook/", h.handleHook)
	h.srv = &http.Server{Handler: mux}

	go func() {
		if err := h.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Printf("hook server: %v", err)
		}
	}()

	return h, nil
}

// Port returns the bound port, for hook command injection.
func (h *HookServer) Port() int {
	return h.ln.Addr().(*net.TCPAddr).Port
}

// Close stops the server immediately. In-flight hook posts may be dropped;
// the wrapped tool is exiting anyway.
func (h *HookServer) Close() error {
	return h.srv.Close()
}

func (h *HookServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	io.WriteString(w, "ok")
}

func (h *HookServer) handleHook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	kind := protocol.EventKind(strings.TrimPrefix(r.URL.Path, "/hook/"))
	if kind == "" {
		http.Error(w, "missing hook kind", http.StatusNotFound)
		return
	}

	// A populated header must match; an absent one is tolerated because not
	// every hook invocation carries it.
	if got := r.Header.Get("X-Session-Id"); got != "" && got != h.sessionID {
		http.Error(w, "session id mismatch", http.StatusForbidden)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "reading body", http.StatusInternalServerError)
		return
	}

	data := json.RawMessage(body)
	if len(strings.TrimSpace(string(body))) == 0 {
		data, _ = json.Marshal(map[string]string{"session_id": h.sessionID})
	}

	h.handle(kind, data)
	io.WriteString(w, "ok")
}
