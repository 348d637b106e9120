// Package session holds the concentrator's in-memory registry: every
// wrapper-reported session, its hook event log, and the dashboard fanout
// that observes them.
package session

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/agent-relay/relay/internal/protocol"
)

// Status is a session's lifecycle state.
type Status int

const (
	Active Status = iota
	Idle
	Ended
)

var statusNames = map[Status]string{
	Active: "active",
	Idle:   "idle",
	Ended:  "ended",
}

var statusFromName = map[string]Status{
	"active": Active,
	"idle":   Idle,
	"ended":  Ended,
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return "unknown"
}

func (s Status) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *Status) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	status, ok := statusFromName[name]
	if !ok {
		return fmt.Errorf("unknown status %q", name)
	}
	*s = status
	return nil
}

// Event is one hook callback recorded against a session. Timestamp is the
// wrapper's clock; ReceivedAt is assigned by the store on arrival and is the
// authoritative ordering key.
type Event struct {
	Kind       protocol.EventKind `json:"kind"`
	Timestamp  time.Time          `json:"timestamp"`
	Data       json.RawMessage    `json:"data,omitempty"`
	ReceivedAt time.Time          `json:"receivedAt"`
}

// Session is one wrapped tool run.
type Session struct {
	ID             string    `json:"id"`
	Cwd            string    `json:"cwd"`
	Model          string    `json:"model,omitempty"`
	Args           []string  `json:"args,omitempty"`
	TranscriptPath string    `json:"transcriptPath,omitempty"`
	StartedAt      time.Time `json:"startedAt"`
	LastActivity   time.Time `json:"lastActivity"`
	Status         Status    `json:"status"`
	Events         []Event   `json:"events,omitempty"`
}

// Clone returns a deep copy safe to hand out after the store's lock is
// released.
func (s *Session) Clone() *Session {
	c := *s
	if s.Args != nil {
		c.Args = append([]string(nil), s.Args...)
	}
	if s.Events != nil {
		c.Events = append([]Event(nil), s.Events...)
	}
	return &c
}

// LastEventInfo describes the newest event for list views.
type LastEventInfo struct {
	Kind       protocol.EventKind `json:"kind"`
	ReceivedAt time.Time          `json:"receivedAt"`
}

// Summary is the event-free projection of a session used in list endpoints
// and broadcasts.
type Summary struct {
	ID             string         `json:"id"`
	Cwd            string         `json:"cwd"`
	Model          string         `json:"model,omitempty"`
	Args           []string       `json:"args,omitempty"`
	TranscriptPath string         `json:"transcriptPath,omitempty"`
	StartedAt      time.Time      `json:"startedAt"`
	LastActivity   time.Time      `json:"lastActivity"`
	Status         Status         `json:"status"`
	EventCount     int            `json:"eventCount"`
	LastEvent      *LastEventInfo `json:"lastEvent,omitempty"`
}

// Summary projects the session without its event bodies.
func (s *Session) Summary() Summary {
	sum := Summary{
		ID:             s.ID,
		Cwd:            s.Cwd,
		Model:          s.Model,
		Args:           append([]string(nil), s.Args...),
		TranscriptPath: s.TranscriptPath,
		StartedAt:      s.StartedAt,
		LastActivity:   s.LastActivity,
		Status:         s.Status,
		EventCount:     len(s.Events),
	}
	if n := len(s.Events); n > 0 {
		last := s.Events[n-1]
		sum.LastEvent = &LastEventInfo{Kind: last.Kind, ReceivedAt: last.ReceivedAt}
	}
	return sum
}
