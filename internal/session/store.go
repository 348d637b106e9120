package session

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/agent-relay/relay/internal/protocol"
)

const (
	defaultIdleTimeout   = 60 * time.Second
	defaultSweepInterval = 10 * time.Second
	defaultSaveInterval  = 30 * time.Second
)

// Options configures a Store. Zero values fall back to defaults; a nil
// Persist disables snapshotting entirely.
type Options struct {
	IdleTimeout   time.Duration
	SweepInterval time.Duration
	SaveInterval  time.Duration
	Persist       *Snapshotter
}

// Store owns all session state. One RWMutex guards the session map, the
// socket table, and the subscriber set together, so every mutation and the
// broadcasts it triggers are observed in a single order by all subscribers.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	sockets  map[string]InputSender
	subs     map[Subscriber]bool

	idleTimeout   time.Duration
	sweepInterval time.Duration
	saveInterval  time.Duration
	persist       *Snapshotter
}

func NewStore(opts Options) *Store {
	s := &Store{
		sessions:      make(map[string]*Session),
		sockets:       make(map[string]InputSender),
		subs:          make(map[Subscriber]bool),
		idleTimeout:   opts.IdleTimeout,
		sweepInterval: opts.SweepInterval,
		saveInterval:  opts.SaveInterval,
		persist:       opts.Persist,
	}
	if s.idleTimeout <= 0 {
		s.idleTimeout = defaultIdleTimeout
	}
	if s.sweepInterval <= 0 {
		s.sweepInterval = defaultSweepInterval
	}
	if s.saveInterval <= 0 {
		s.saveInterval = defaultSaveInterval
	}
	s.loadState()
	return s
}

// loadState restores sessions from the snapshot, if persistence is enabled
// and a usable snapshot exists. Liveness cannot be assumed across a restart,
// so every restored session is ended; a living wrapper re-registers with a
// fresh meta message. Read failures are logged and otherwise ignored.
func (s *Store) loadState() {
	if s.persist == nil {
		return
	}
	restored, err := s.persist.Load()
	if err != nil {
		log.Printf("session snapshot load failed: %v", err)
		return
	}
	for _, sess := range restored {
		sess.Status = Ended
		sess.Events = nil
		s.sessions[sess.ID] = sess
	}
	if len(restored) > 0 {
		log.Printf("restored %d session(s) from snapshot", len(restored))
	}
}

// Start runs the idle and persistence sweeps until ctx is cancelled.
func (s *Store) Start(ctx context.Context) {
	go func() {
		sweep := time.NewTicker(s.sweepInterval)
		save := time.NewTicker(s.saveInterval)
		defer sweep.Stop()
		defer save.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-sweep.C:
				s.sweepIdle(time.Now())
			case <-save.C:
				if err := s.SaveState(); err != nil {
					log.Printf("session snapshot save failed: %v", err)
				}
			}
		}
	}()
}

// CreateSession registers a session under the tool-assigned id. Creation is
// idempotent by id: a session surviving from a snapshot (or a duplicate
// meta) is re-activated in place rather than duplicated. Returns a copy.
func (s *Store) CreateSession(id, cwd, model string, args []string) *Session {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	sess, ok := s.sessions[id]
	if ok {
		sess.Status = Active
		sess.LastActivity = now
		if cwd != "" {
			sess.Cwd = cwd
		}
		if model != "" {
			sess.Model = model
		}
		if len(args) > 0 {
			sess.Args = append([]string(nil), args...)
		}
	} else {
		sess = &Session{
			ID:           id,
			Cwd:          cwd,
			Model:        model,
			Args:         append([]string(nil), args...),
			StartedAt:    now,
			LastActivity: now,
			Status:       Active,
		}
		s.sessions[id] = sess
	}

	s.broadcastLocked(Broadcast{Type: BroadcastSessionCreate, Payload: sess.Summary()})
	return sess.Clone()
}

// AddEvent appends a hook event to the session's log. Unknown sessions are a
// no-op (the caller must have sent meta first). The store assigns the
// event's position in the log; an idle session becomes active again, while
// an ended session keeps its events growing for audit without reviving.
func (s *Store) AddEvent(sessionID string, ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[sessionID]
	if !ok {
		return
	}

	now := time.Now()
	ev.ReceivedAt = now
	sess.Events = append(sess.Events, ev)
	sess.LastActivity = now
	if sess.Status == Idle {
		sess.Status = Active
	}

	if ev.Kind == protocol.SessionStart {
		if d, ok := protocol.DecodeSessionStart(ev.Data); ok {
			if d.TranscriptPath != "" {
				sess.TranscriptPath = d.TranscriptPath
			}
			if d.Model != "" {
				sess.Model = d.Model
			}
		}
	}

	s.broadcastLocked(Broadcast{Type: BroadcastEvent, Payload: EventPayload{SessionID: sessionID, Event: ev}})
	s.broadcastLocked(Broadcast{Type: BroadcastSessionUpdate, Payload: sess.Summary()})
}

// UpdateActivity bumps the session's last-activity clock without recording
// an event. Used for heartbeats.
func (s *Store) UpdateActivity(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[sessionID]
	if !ok {
		return
	}
	sess.LastActivity = time.Now()
	if sess.Status == Idle {
		sess.Status = Active
	}
}

// EndSession moves the session to its terminal status. Idempotent: ending an
// already-ended session changes nothing and broadcasts nothing. The session
// and its events are retained for inspection.
func (s *Store) EndSession(sessionID, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[sessionID]
	if !ok || sess.Status == Ended {
		return
	}
	sess.Status = Ended

	s.broadcastLocked(Broadcast{
		Type:    BroadcastSessionEnd,
		Payload: EndedPayload{SessionID: sessionID, Reason: reason, Session: sess.Summary()},
	})
}

// Remove purges a session and its connection handle. This is the only way a
// session ever leaves the registry (administrative purge).
func (s *Store) Remove(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sessionID)
	delete(s.sockets, sessionID)
}

func (s *Store) Get(id string) (*Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, false
	}
	return sess.Clone(), true
}

func (s *Store) GetAll() []*Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		result = append(result, sess.Clone())
	}
	return result
}

// Active returns sessions that are active or idle, never ended ones.
func (s *Store) Active() []*Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var result []*Session
	for _, sess := range s.sessions {
		if sess.Status != Ended {
			result = append(result, sess.Clone())
		}
	}
	return result
}

// Events returns the session's events in insertion order. A non-zero since
// keeps only events received strictly after it; limit then keeps the most
// recent n. An unknown session yields nil.
func (s *Store) Events(sessionID string, limit int, since time.Time) []Event {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[sessionID]
	if !ok {
		return nil
	}

	events := sess.Events
	if !since.IsZero() {
		idx := len(events)
		for i, ev := range events {
			if ev.ReceivedAt.After(since) {
				idx = i
				break
			}
		}
		events = events[idx:]
	}
	if limit > 0 && len(events) > limit {
		events = events[len(events)-limit:]
	}

	result := make([]Event, len(events))
	copy(result, events)
	return result
}

// SetSocket records the live connection handle for a session.
func (s *Store) SetSocket(sessionID string, sender InputSender) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sockets[sessionID] = sender
}

func (s *Store) Socket(sessionID string) (InputSender, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sender, ok := s.sockets[sessionID]
	return sender, ok
}

// RemoveSocket drops the connection handle if it still belongs to sender.
// A reconnected wrapper may have registered a fresh handle under the same
// session id; the stale connection's teardown must not remove it.
func (s *Store) RemoveSocket(sessionID string, sender InputSender) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if current, ok := s.sockets[sessionID]; ok && current == sender {
		delete(s.sockets, sessionID)
	}
}

// Subscribe registers a dashboard observer. The current full session list is
// delivered synchronously as a baseline before the subscriber can receive
// any incremental broadcast. A subscriber that fails the baseline send is
// never added.
func (s *Store) Subscribe(sub Subscriber) {
	s.mu.Lock()
	defer s.mu.Unlock()

	summaries := make([]Summary, 0, len(s.sessions))
	for _, sess := range s.sessions {
		summaries = append(summaries, sess.Summary())
	}
	if err := sub.Send(Broadcast{Type: BroadcastSessions, Payload: SessionsPayload{Sessions: summaries}}); err != nil {
		return
	}
	s.subs[sub] = true
}

func (s *Store) Unsubscribe(sub Subscriber) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subs, sub)
}

func (s *Store) SubscriberCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subs)
}

// broadcastLocked fans a message out to every subscriber. A failing
// subscriber is dropped silently; the mutation that triggered the broadcast
// and the remaining subscribers are unaffected. Caller must hold mu.
func (s *Store) broadcastLocked(b Broadcast) {
	var failed []Subscriber
	for sub := range s.subs {
		if err := sub.Send(b); err != nil {
			failed = append(failed, sub)
		}
	}
	for _, sub := range failed {
		delete(s.subs, sub)
	}
}

// sweepIdle transitions active sessions with no recent activity to idle.
func (s *Store) sweepIdle(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sess := range s.sessions {
		if sess.Status == Active && now.Sub(sess.LastActivity) > s.idleTimeout {
			sess.Status = Idle
			s.broadcastLocked(Broadcast{Type: BroadcastSessionUpdate, Payload: sess.Summary()})
		}
	}
}

// SaveState writes the metadata snapshot to disk. Event bodies are excluded
// to bound file size. With persistence disabled this is a no-op; I/O
// failures are returned for the caller to log, never fatal.
func (s *Store) SaveState() error {
	if s.persist == nil {
		return nil
	}
	s.mu.RLock()
	sessions := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess.Clone())
	}
	s.mu.RUnlock()
	return s.persist.Save(sessions)
}

// ClearState removes the on-disk snapshot.
func (s *Store) ClearState() error {
	if s.persist == nil {
		return nil
	}
	return s.persist.Clear()
}
