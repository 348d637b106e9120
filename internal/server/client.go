package server

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/agent-relay/relay/internal/protocol"
	"github.com/agent-relay/relay/internal/session"

	"github.com/gorilla/websocket"
)

// client wraps one long-lived connection with a buffered send channel and a
// write pump, so replies, input delivery, and broadcast fanout never block
// the goroutine that triggered them. The same type serves both connection
// categories: it is the session store's InputSender for wrapper connections
// and its Subscriber for dashboard connections.
type client struct {
	conn *websocket.Conn

	// mu guards send/closed/sessionID. The API may hold an input handle to
	// a connection whose read loop is tearing down; sends after close must
	// fail with an error, never panic.
	mu        sync.Mutex
	send      chan []byte
	closed    bool
	sessionID string // session bound to a wrapper connection
}

func newClient(conn *websocket.Conn) *client {
	c := &client{
		conn: conn,
		send: make(chan []byte, 64),
	}
	go c.writePump()
	return c
}

func (c *client) writePump() {
	defer c.conn.Close()
	for msg := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
}

func (c *client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

func (c *client) bindSession(id string) {
	c.mu.Lock()
	c.sessionID = id
	c.mu.Unlock()
}

// trySend queues a frame without blocking. A closed connection or a full
// buffer yields an error; the caller decides whether that is fatal for the
// peer.
func (c *client) trySend(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("connection closed")
	}
	select {
	case c.send <- data:
		return nil
	default:
		return fmt.Errorf("send buffer full")
	}
}

func (c *client) sendMessage(msg protocol.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encoding message: %w", err)
	}
	return c.trySend(data)
}

// SendInput implements session.InputSender.
func (c *client) SendInput(text string) error {
	c.mu.Lock()
	id := c.sessionID
	c.mu.Unlock()
	return c.sendMessage(protocol.Input(id, text))
}

// Send implements session.Subscriber.
func (c *client) Send(b session.Broadcast) error {
	data, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("encoding broadcast: %w", err)
	}
	return c.trySend(data)
}
