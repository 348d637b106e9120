// Package server exposes the concentrator's two surfaces: the WebSocket
// ingress wrappers and dashboards connect to, and the HTTP API for
// inspection and control.
package server

import (
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/agent-relay/relay/internal/protocol"
	"github.com/agent-relay/relay/internal/session"

	"github.com/gorilla/websocket"
)

type Server struct {
	store     *session.Store
	startedAt time.Time
}

func New(store *session.Store) *Server {
	return &Server{
		store:     store,
		startedAt: time.Now(),
	}
}

func (s *Server) SetupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/ws/dashboard", s.handleDashboard)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/api/sessions", s.handleSessions)
	mux.HandleFunc("/api/sessions/", s.handleSessionRoutes)
	mux.HandleFunc("/api/state/save", s.handleStateSave)
	mux.HandleFunc("/api/state", s.handleStateClear)
}

// handleWS is the wrapper ingress. One connection carries one session's
// traffic; a subscribe message converts the connection into a dashboard
// observer instead.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{CheckOrigin: checkOrigin}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("ws upgrade error: %v", err)
		return
	}

	log.Printf("wrapper connected: %s", r.RemoteAddr)
	c := newClient(conn)
	s.readLoop(c, r.RemoteAddr)
}

// handleDashboard serves observers that only want the broadcast stream.
func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{CheckOrigin: checkOrigin}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("ws upgrade error: %v", err)
		return
	}

	log.Printf("dashboard connected: %s", r.RemoteAddr)
	c := newClient(conn)
	s.store.Subscribe(c)

	defer func() {
		s.store.Unsubscribe(c)
		c.close()
		log.Printf("dashboard disconnected: %s", r.RemoteAddr)
	}()
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// readLoop dispatches inbound frames until the connection drops. Malformed
// frames get an error reply and the connection stays open; only a transport
// error ends the loop.
func (s *Server) readLoop(c *client, remote string) {
	var bound string    // session bound by the meta message
	var subscribed bool // connection converted to a dashboard

	defer func() {
		if subscribed {
			s.store.Unsubscribe(c)
		}
		if bound != "" {
			s.store.RemoveSocket(bound, c)
			if sess, ok := s.store.Get(bound); ok && sess.Status != session.Ended {
				s.store.EndSession(bound, "connection_closed")
			}
		}
		c.close()
		log.Printf("wrapper disconnected: %s", remote)
	}()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		msg, err := protocol.Parse(data)
		if err != nil {
			c.sendMessage(protocol.Error(err.Error()))
			continue
		}

		switch msg.Type {
		case protocol.TypeMeta:
			if msg.SessionID == "" {
				c.sendMessage(protocol.Error("meta message has no session id"))
				continue
			}
			if bound != "" && bound != msg.SessionID {
				// Rebinding to a new session; the old socket entry must not
				// keep routing input to this connection under the old id.
				s.store.RemoveSocket(bound, c)
			}
			bound = msg.SessionID
			c.bindSession(bound)
			s.store.CreateSession(bound, msg.Cwd, msg.Model, msg.Args)
			s.store.SetSocket(bound, c)
			c.sendMessage(protocol.Ack(bound))

		case protocol.TypeHook:
			id := resolveSession(msg.SessionID, bound)
			if id == "" {
				c.sendMessage(protocol.Error("hook message has no session id"))
				continue
			}
			s.store.AddEvent(id, session.Event{
				Kind:      msg.HookEvent,
				Timestamp: protocol.FromMillis(msg.Timestamp),
				Data:      msg.Data,
			})

		case protocol.TypeHeartbeat:
			if id := resolveSession(msg.SessionID, bound); id != "" {
				s.store.UpdateActivity(id)
			}

		case protocol.TypeEnd:
			id := resolveSession(msg.SessionID, bound)
			if id == "" {
				continue
			}
			reason := msg.Reason
			if reason == "" {
				reason = "normal"
			}
			s.store.EndSession(id, reason)

		case protocol.TypeSubscribe:
			if !subscribed {
				s.store.Subscribe(c)
				subscribed = true
			}

		default:
			// ack, error, input are server-to-wrapper only; ignore echoes.
		}
	}
}

// resolveSession picks the session a message applies to. An explicit id on
// the message wins over the connection's bound session, so one connection can
// relay for a session it did not announce.
func resolveSession(explicit, bound string) string {
	if explicit != "" {
		return explicit
	}
	return bound
}

func checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}

	parsed, err := url.Parse(origin)
	if err != nil {
		return false
	}

	host := parsed.Host
	if host == "" {
		return false
	}

	if host == r.Host {
		return true
	}

	if strings.HasPrefix(host, "localhost:") || host == "localhost" {
		return true
	}
	if strings.HasPrefix(host, "127.0.0.1:") || host == "127.0.0.1" {
		return true
	}
	if strings.HasPrefix(host, "[::1]:") || host == "::1" {
		return true
	}

	return false
}

func ListenAndServe(host string, port int, mux *http.ServeMux) error {
	addr := fmt.Sprintf("%s:%d", host, port)
	log.Printf("Concentrator listening on %s", addr)
	return http.ListenAndServe(addr, mux)
}
