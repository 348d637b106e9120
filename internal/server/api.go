package server

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/agent-relay/relay/internal/session"

	"github.com/shirou/gopsutil/v3/process"
)

type healthResponse struct {
	Status        string  `json:"status"`
	UptimeSeconds float64 `json:"uptimeSeconds"`
	Sessions      int     `json:"sessions"`
	Active        int     `json:"active"`
	Subscribers   int     `json:"subscribers"`
	RSSBytes      uint64  `json:"rssBytes,omitempty"`
	CPUPercent    float64 `json:"cpuPercent,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:        "ok",
		UptimeSeconds: time.Since(s.startedAt).Seconds(),
		Sessions:      len(s.store.GetAll()),
		Active:        len(s.store.Active()),
		Subscribers:   s.store.SubscriberCount(),
	}

	// Process stats are best effort; a probe failure never degrades health.
	if proc, err := process.NewProcess(int32(os.Getpid())); err == nil {
		if mem, err := proc.MemoryInfo(); err == nil {
			resp.RSSBytes = mem.RSS
		}
		if cpu, err := proc.CPUPercent(); err == nil {
			resp.CPUPercent = cpu
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var sessions []*session.Session
	if r.URL.Query().Get("active") == "true" {
		sessions = s.store.Active()
	} else {
		sessions = s.store.GetAll()
	}

	summaries := make([]session.Summary, 0, len(sessions))
	for _, sess := range sessions {
		summaries = append(summaries, sess.Summary())
	}
	sortSummaries(summaries)

	writeJSON(w, http.StatusOK, summaries)
}

// sortSummaries orders newest first, with the id as tiebreaker so the output
// is stable across requests.
func sortSummaries(summaries []session.Summary) {
	sort.Slice(summaries, func(i, j int) bool {
		if !summaries[i].StartedAt.Equal(summaries[j].StartedAt) {
			return summaries[i].StartedAt.After(summaries[j].StartedAt)
		}
		return summaries[i].ID < summaries[j].ID
	})
}

// handleSessionRoutes dispatches /api/sessions/{id} and its subresources:
// events, transcript, input.
func (s *Server) handleSessionRoutes(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/sessions/")
	parts := strings.SplitN(path, "/", 2)

	sessionID, err := url.PathUnescape(parts[0])
	if err != nil || sessionID == "" {
		http.Error(w, "invalid session id", http.StatusBadRequest)
		return
	}

	if len(parts) == 1 {
		switch r.Method {
		case http.MethodGet:
			s.handleSessionGet(w, r, sessionID)
		case http.MethodDelete:
			s.handleSessionDelete(w, r, sessionID)
		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
		return
	}

	switch parts[1] {
	case "events":
		s.handleSessionEvents(w, r, sessionID)
	case "transcript":
		s.handleSessionTranscript(w, r, sessionID)
	case "input":
		s.handleSessionInput(w, r, sessionID)
	default:
		http.Error(w, "not found", http.StatusNotFound)
	}
}

func (s *Server) handleSessionGet(w http.ResponseWriter, r *http.Request, sessionID string) {
	sess, ok := s.store.Get(sessionID)
	if !ok {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, sess.Summary())
}

func (s *Server) handleSessionDelete(w http.ResponseWriter, r *http.Request, sessionID string) {
	if _, ok := s.store.Get(sessionID); !ok {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}
	s.store.Remove(sessionID)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSessionEvents(w http.ResponseWriter, r *http.Request, sessionID string) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if _, ok := s.store.Get(sessionID); !ok {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}

	var limit int
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}

	var since time.Time
	if raw := r.URL.Query().Get("since"); raw != "" {
		ms, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			http.Error(w, "invalid since", http.StatusBadRequest)
			return
		}
		since = time.UnixMilli(ms)
	}

	events := s.store.Events(sessionID, limit, since)
	if events == nil {
		events = []session.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}

// handleSessionTranscript streams the transcript file the wrapped tool
// reported. The file lives on the concentrator host, so this only works for
// local wrappers.
func (s *Server) handleSessionTranscript(w http.ResponseWriter, r *http.Request, sessionID string) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	sess, ok := s.store.Get(sessionID)
	if !ok {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}
	if sess.TranscriptPath == "" {
		http.Error(w, "session has no transcript", http.StatusNotFound)
		return
	}

	f, err := os.Open(sess.TranscriptPath)
	if err != nil {
		http.Error(w, "transcript not readable", http.StatusNotFound)
		return
	}
	defer f.Close()

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	io.Copy(w, f)
}

type inputRequest struct {
	Input string `json:"input"`
}

func (s *Server) handleSessionInput(w http.ResponseWriter, r *http.Request, sessionID string) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req inputRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Input == "" {
		http.Error(w, "invalid input body", http.StatusBadRequest)
		return
	}

	if _, ok := s.store.Get(sessionID); !ok {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}

	sender, ok := s.store.Socket(sessionID)
	if !ok {
		http.Error(w, "session has no live connection", http.StatusConflict)
		return
	}
	if err := sender.SendInput(req.Input); err != nil {
		http.Error(w, fmt.Sprintf("input delivery failed: %v", err), http.StatusBadGateway)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStateSave(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := s.store.SaveState(); err != nil {
		http.Error(w, fmt.Sprintf("save failed: %v", err), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStateClear(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := s.store.ClearState(); err != nil {
		http.Error(w, fmt.Sprintf("clear failed: %v", err), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
