package session

import (
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/agent-relay/relay/internal/protocol"
)

// fakeSub records broadcasts; fail makes every Send error.
type fakeSub struct {
	mu   sync.Mutex
	got  []Broadcast
	fail bool
}

func (f *fakeSub) Send(b Broadcast) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return fmt.Errorf("send failed")
	}
	f.got = append(f.got, b)
	return nil
}

func (f *fakeSub) broadcasts() []Broadcast {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Broadcast(nil), f.got...)
}

type fakeSender struct{ inputs []string }

func (f *fakeSender) SendInput(text string) error {
	f.inputs = append(f.inputs, text)
	return nil
}

func TestCreateSession(t *testing.T) {
	s := NewStore(Options{})
	sess := s.CreateSession("s1", "/home/user/proj", "opus", []string{"-p", "hi"})

	if sess.ID != "s1" || sess.Cwd != "/home/user/proj" || sess.Model != "opus" {
		t.Errorf("CreateSession returned unexpected session: %+v", sess)
	}
	if sess.Status != Active {
		t.Errorf("new session status = %v, want Active", sess.Status)
	}
	if got := len(s.GetAll()); got != 1 {
		t.Errorf("store has %d sessions, want 1", got)
	}
}

func TestCreateSessionIdempotent(t *testing.T) {
	s := NewStore(Options{})
	s.CreateSession("s1", "/old", "", nil)
	s.EndSession("s1", "normal")

	sess := s.CreateSession("s1", "/new", "opus", nil)
	if sess.Status != Active {
		t.Errorf("re-created session status = %v, want Active", sess.Status)
	}
	if sess.Cwd != "/new" {
		t.Errorf("re-created session cwd = %q, want /new", sess.Cwd)
	}
	if got := len(s.GetAll()); got != 1 {
		t.Errorf("duplicate meta produced %d sessions, want 1", got)
	}
}

func TestAddEventUnknownSession(t *testing.T) {
	s := NewStore(Options{})
	s.AddEvent("ghost", Event{Kind: protocol.PreToolUse})
	if got := len(s.GetAll()); got != 0 {
		t.Errorf("event for unknown session created %d sessions, want 0", got)
	}
}

func TestAddEventAssignsReceivedAt(t *testing.T) {
	s := NewStore(Options{})
	s.CreateSession("s1", "/p", "", nil)

	before := time.Now()
	s.AddEvent("s1", Event{Kind: protocol.PreToolUse, Timestamp: time.Now().Add(-time.Hour)})
	after := time.Now()

	events := s.Events("s1", 0, time.Time{})
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1", len(events))
	}
	got := events[0].ReceivedAt
	if got.Before(before) || got.After(after) {
		t.Errorf("ReceivedAt = %v, want between %v and %v", got, before, after)
	}
}

func TestAddEventRevivesIdle(t *testing.T) {
	s := NewStore(Options{IdleTimeout: time.Millisecond})
	s.CreateSession("s1", "/p", "", nil)
	s.sweepIdle(time.Now().Add(time.Second))

	if sess, _ := s.Get("s1"); sess.Status != Idle {
		t.Fatalf("session status after sweep = %v, want Idle", sess.Status)
	}

	s.AddEvent("s1", Event{Kind: protocol.PreToolUse})
	if sess, _ := s.Get("s1"); sess.Status != Active {
		t.Errorf("session status after event = %v, want Active", sess.Status)
	}
}

func TestAddEventOnEndedSession(t *testing.T) {
	s := NewStore(Options{})
	s.CreateSession("s1", "/p", "", nil)
	s.EndSession("s1", "normal")

	s.AddEvent("s1", Event{Kind: protocol.SessionEnd})

	sess, _ := s.Get("s1")
	if sess.Status != Ended {
		t.Errorf("late event revived session: status = %v, want Ended", sess.Status)
	}
	if len(sess.Events) != 1 {
		t.Errorf("late event not recorded: got %d events, want 1", len(sess.Events))
	}
}

func TestSessionStartBackfillsTranscript(t *testing.T) {
	s := NewStore(Options{})
	s.CreateSession("s1", "/p", "", nil)

	data, _ := json.Marshal(map[string]string{
		"session_id":      "s1",
		"transcript_path": "/tmp/t.jsonl",
		"model":           "opus",
	})
	s.AddEvent("s1", Event{Kind: protocol.SessionStart, Data: data})

	sess, _ := s.Get("s1")
	if sess.TranscriptPath != "/tmp/t.jsonl" {
		t.Errorf("TranscriptPath = %q, want /tmp/t.jsonl", sess.TranscriptPath)
	}
	if sess.Model != "opus" {
		t.Errorf("Model = %q, want opus", sess.Model)
	}
}

func TestEndSessionIdempotent(t *testing.T) {
	s := NewStore(Options{})
	s.CreateSession("s1", "/p", "", nil)

	sub := &fakeSub{}
	s.Subscribe(sub)

	s.EndSession("s1", "normal")
	s.EndSession("s1", "connection_closed")

	var ends int
	for _, b := range sub.broadcasts() {
		if b.Type == BroadcastSessionEnd {
			ends++
		}
	}
	if ends != 1 {
		t.Errorf("got %d session_ended broadcasts, want 1", ends)
	}
}

func TestEventsSinceAndLimit(t *testing.T) {
	s := NewStore(Options{})
	s.CreateSession("s1", "/p", "", nil)

	for i := 0; i < 5; i++ {
		s.AddEvent("s1", Event{Kind: protocol.PreToolUse})
	}
	all := s.Events("s1", 0, time.Time{})
	if len(all) != 5 {
		t.Fatalf("got %d events, want 5", len(all))
	}

	// since is strictly-after: the cutoff event itself is excluded.
	since := all[2].ReceivedAt
	after := s.Events("s1", 0, since)
	if len(after) != 2 {
		t.Errorf("Events since third event returned %d, want 2", len(after))
	}

	// limit keeps the most recent n.
	limited := s.Events("s1", 2, time.Time{})
	if len(limited) != 2 {
		t.Fatalf("Events with limit 2 returned %d", len(limited))
	}
	if !limited[1].ReceivedAt.Equal(all[4].ReceivedAt) {
		t.Error("limit did not keep the most recent events")
	}

	// since then limit.
	both := s.Events("s1", 1, all[0].ReceivedAt)
	if len(both) != 1 || !both[0].ReceivedAt.Equal(all[4].ReceivedAt) {
		t.Error("since+limit did not keep the newest matching event")
	}
}

func TestGetReturnsCopy(t *testing.T) {
	s := NewStore(Options{})
	s.CreateSession("s1", "/p", "", nil)
	s.AddEvent("s1", Event{Kind: protocol.PreToolUse})

	got, _ := s.Get("s1")
	got.Cwd = "mutated"
	got.Events[0].Kind = "Mutated"

	got2, _ := s.Get("s1")
	if got2.Cwd != "/p" || got2.Events[0].Kind != protocol.PreToolUse {
		t.Error("Get did not return a copy; mutation leaked into store")
	}
}

func TestActiveExcludesEnded(t *testing.T) {
	s := NewStore(Options{})
	s.CreateSession("s1", "/a", "", nil)
	s.CreateSession("s2", "/b", "", nil)
	s.EndSession("s2", "normal")

	active := s.Active()
	if len(active) != 1 || active[0].ID != "s1" {
		t.Errorf("Active() = %v, want only s1", active)
	}
	if got := len(s.GetAll()); got != 2 {
		t.Errorf("GetAll() returned %d sessions, want 2", got)
	}
}

func TestRemovePurges(t *testing.T) {
	s := NewStore(Options{})
	s.CreateSession("s1", "/p", "", nil)
	s.SetSocket("s1", &fakeSender{})

	s.Remove("s1")

	if _, ok := s.Get("s1"); ok {
		t.Error("session still present after Remove")
	}
	if _, ok := s.Socket("s1"); ok {
		t.Error("socket still present after Remove")
	}
}

func TestRemoveSocketGuardsAgainstStaleConn(t *testing.T) {
	s := NewStore(Options{})
	s.CreateSession("s1", "/p", "", nil)

	old := &fakeSender{}
	fresh := &fakeSender{}
	s.SetSocket("s1", old)
	s.SetSocket("s1", fresh)

	// The stale connection's teardown must not evict the replacement.
	s.RemoveSocket("s1", old)
	if got, ok := s.Socket("s1"); !ok || got != InputSender(fresh) {
		t.Error("stale RemoveSocket evicted the fresh connection")
	}

	s.RemoveSocket("s1", fresh)
	if _, ok := s.Socket("s1"); ok {
		t.Error("socket still present after owner removed it")
	}
}

func TestSubscribeSendsBaseline(t *testing.T) {
	s := NewStore(Options{})
	s.CreateSession("s1", "/a", "", nil)
	s.CreateSession("s2", "/b", "", nil)

	sub := &fakeSub{}
	s.Subscribe(sub)

	got := sub.broadcasts()
	if len(got) != 1 {
		t.Fatalf("got %d broadcasts after subscribe, want 1", len(got))
	}
	if got[0].Type != BroadcastSessions {
		t.Errorf("baseline broadcast type = %q, want %q", got[0].Type, BroadcastSessions)
	}
	payload, ok := got[0].Payload.(SessionsPayload)
	if !ok {
		t.Fatalf("baseline payload type = %T", got[0].Payload)
	}
	if len(payload.Sessions) != 2 {
		t.Errorf("baseline has %d sessions, want 2", len(payload.Sessions))
	}
}

func TestSubscribeFailingBaseline(t *testing.T) {
	s := NewStore(Options{})
	sub := &fakeSub{fail: true}
	s.Subscribe(sub)
	if got := s.SubscriberCount(); got != 0 {
		t.Errorf("failing subscriber was added: count = %d, want 0", got)
	}
}

func TestBroadcastDropsFailingSubscriber(t *testing.T) {
	s := NewStore(Options{})
	good := &fakeSub{}
	bad := &fakeSub{}
	s.Subscribe(good)
	s.Subscribe(bad)
	bad.fail = true

	s.CreateSession("s1", "/p", "", nil)

	if got := s.SubscriberCount(); got != 1 {
		t.Errorf("subscriber count after failure = %d, want 1", got)
	}

	// The surviving subscriber keeps receiving.
	s.CreateSession("s2", "/q", "", nil)
	var creates int
	for _, b := range good.broadcasts() {
		if b.Type == BroadcastSessionCreate {
			creates++
		}
	}
	if creates != 2 {
		t.Errorf("surviving subscriber saw %d creates, want 2", creates)
	}
}

func TestUnsubscribeStopsBroadcasts(t *testing.T) {
	s := NewStore(Options{})
	sub := &fakeSub{}
	s.Subscribe(sub)
	s.Unsubscribe(sub)

	before := len(sub.broadcasts())
	s.CreateSession("s1", "/p", "", nil)
	if got := len(sub.broadcasts()); got != before {
		t.Errorf("removed subscriber received %d broadcasts", got-before)
	}
}

func TestSessionLifecycle(t *testing.T) {
	s := NewStore(Options{})
	s.CreateSession("s1", "/proj", "", nil)

	data, _ := json.Marshal(map[string]string{
		"session_id":      "s1",
		"transcript_path": "/tmp/t.jsonl",
	})
	s.AddEvent("s1", Event{Kind: protocol.SessionStart, Data: data})

	sess, _ := s.Get("s1")
	if sess.TranscriptPath != "/tmp/t.jsonl" {
		t.Errorf("TranscriptPath = %q, want /tmp/t.jsonl", sess.TranscriptPath)
	}

	events := s.Events("s1", 1, time.Time{})
	if len(events) != 1 || events[0].Kind != protocol.SessionStart {
		t.Errorf("Events limit 1 = %+v", events)
	}

	s.EndSession("s1", "normal")
	for _, sess := range s.Active() {
		if sess.ID == "s1" {
			t.Error("ended session still listed as active")
		}
	}
}

func TestBroadcastOrderEventBeforeUpdate(t *testing.T) {
	s := NewStore(Options{})
	s.CreateSession("s1", "/p", "", nil)

	sub := &fakeSub{}
	s.Subscribe(sub)
	s.AddEvent("s1", Event{Kind: protocol.PreToolUse})

	got := sub.broadcasts()
	// baseline, event, session_updated
	if len(got) != 3 {
		t.Fatalf("got %d broadcasts, want 3", len(got))
	}
	if got[1].Type != BroadcastEvent || got[2].Type != BroadcastSessionUpdate {
		t.Errorf("broadcast order = %q, %q; want event then session_updated", got[1].Type, got[2].Type)
	}
}

func TestSweepIdle(t *testing.T) {
	s := NewStore(Options{IdleTimeout: time.Minute})
	s.CreateSession("s1", "/p", "", nil)
	s.CreateSession("s2", "/q", "", nil)
	s.EndSession("s2", "normal")

	s.sweepIdle(time.Now().Add(2 * time.Minute))

	if sess, _ := s.Get("s1"); sess.Status != Idle {
		t.Errorf("stale active session status = %v, want Idle", sess.Status)
	}
	if sess, _ := s.Get("s2"); sess.Status != Ended {
		t.Errorf("sweep changed ended session to %v", sess.Status)
	}
}

func TestUpdateActivityRevives(t *testing.T) {
	s := NewStore(Options{IdleTimeout: time.Minute})
	s.CreateSession("s1", "/p", "", nil)
	s.sweepIdle(time.Now().Add(2 * time.Minute))

	s.UpdateActivity("s1")
	if sess, _ := s.Get("s1"); sess.Status != Active {
		t.Errorf("heartbeat did not revive idle session: status = %v", sess.Status)
	}
}

func TestConcurrentAccess(t *testing.T) {
	s := NewStore(Options{})
	s.CreateSession("s1", "/p", "", nil)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				s.AddEvent("s1", Event{Kind: protocol.PreToolUse})
				s.Get("s1")
				s.Events("s1", 10, time.Time{})
			}
		}(i)
	}
	wg.Wait()

	if got := len(s.Events("s1", 0, time.Time{})); got != 400 {
		t.Errorf("got %d events after concurrent writes, want 400", got)
	}
}
