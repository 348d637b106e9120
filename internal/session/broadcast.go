package session

// BroadcastType discriminates the messages fanned out to dashboards.
type BroadcastType string

const (
	// BroadcastSessions is the full baseline sent once on subscribe.
	BroadcastSessions BroadcastType = "sessions"

	BroadcastSessionCreate BroadcastType = "session_created"
	BroadcastSessionUpdate BroadcastType = "session_updated"
	BroadcastEvent         BroadcastType = "event"
	BroadcastSessionEnd    BroadcastType = "session_ended"
)

// Broadcast is one dashboard fanout message.
type Broadcast struct {
	Type    BroadcastType `json:"type"`
	Payload interface{}   `json:"payload"`
}

type SessionsPayload struct {
	Sessions []Summary `json:"sessions"`
}

type EventPayload struct {
	SessionID string `json:"sessionId"`
	Event     Event  `json:"event"`
}

type EndedPayload struct {
	SessionID string  `json:"sessionId"`
	Reason    string  `json:"reason,omitempty"`
	Session   Summary `json:"session"`
}

// Subscriber receives broadcasts. Send must not block; a subscriber that
// returns an error is dropped from the fanout.
type Subscriber interface {
	Send(Broadcast) error
}

// InputSender delivers operator input down a wrapper's connection.
type InputSender interface {
	SendInput(text string) error
}
