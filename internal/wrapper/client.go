// Package wrapper implements the session wrapper: it runs the wrapped tool
// under a PTY, catches its hook callbacks on a local HTTP server, and relays
// them to the concentrator over WebSocket.
package wrapper

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/agent-relay/relay/internal/protocol"

	"github.com/gorilla/websocket"
)

const (
	defaultHeartbeatInterval = 30 * time.Second
	defaultReconnectBase     = time.Second
	defaultReconnectMax      = 30 * time.Second
	defaultMaxReconnects     = 10
)

// ClientOptions configures the concentrator connection for one session.
type ClientOptions struct {
	URL       string
	SessionID string
	Cwd       string
	Model     string
	Args      []string

	HeartbeatInterval    time.Duration
	ReconnectBase        time.Duration
	ReconnectMax         time.Duration
	MaxReconnectAttempts int

	OnConnected    func()
	OnDisconnected func()
	OnError        func(error)
	OnInput        func(text string)
}

// Client maintains the wrapper's connection to the concentrator. Messages
// sent while disconnected are queued and flushed, in order, after the meta
// message on the next successful connect. Reconnection backs off
// exponentially and gives up after MaxReconnectAttempts.
type Client struct {
	opts ClientOptions

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool
	closed    bool
	queue     []protocol.Message

	// writeMu serializes frame writes; gorilla allows one writer at a time.
	writeMu sync.Mutex

	done chan struct{}
}

// NewClient creates the client and starts connecting in the background.
func NewClient(opts ClientOptions) *Client {
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = defaultHeartbeatInterval
	}
	if opts.ReconnectBase <= 0 {
		opts.ReconnectBase = defaultReconnectBase
	}
	if opts.ReconnectMax <= 0 {
		opts.ReconnectMax = defaultReconnectMax
	}
	if opts.MaxReconnectAttempts <= 0 {
		opts.MaxReconnectAttempts = defaultMaxReconnects
	}

	c := &Client{
		opts: opts,
		done: make(chan struct{}),
	}
	go c.run()
	return c
}

// run is the connection loop: dial, serve the connection until it drops,
// back off, repeat.
func (c *Client) run() {
	attempts := 0
	for {
		if c.isClosed() {
			return
		}

		conn, _, err := websocket.DefaultDialer.Dial(c.opts.URL, nil)
		if err != nil {
			attempts++
			if attempts >= c.opts.MaxReconnectAttempts {
				c.reportError(fmt.Errorf("giving up after %d connection attempts: %w", attempts, err))
				return
			}
			if !c.sleep(c.backoff(attempts)) {
				return
			}
			continue
		}
		attempts = 0

		c.serveConn(conn)

		if c.isClosed() {
			return
		}
		if c.opts.OnDisconnected != nil {
			c.opts.OnDisconnected()
		}
		attempts++
		if !c.sleep(c.backoff(attempts)) {
			return
		}
	}
}

// serveConn announces the session, drains the offline queue, then reads
// until the connection drops. Returns with the connection closed and the
// client marked disconnected.
func (c *Client) serveConn(conn *websocket.Conn) {
	defer conn.Close()

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	meta := protocol.Meta(c.opts.SessionID, c.opts.Cwd, c.opts.Model, c.opts.Args, time.Now())
	if err := c.write(conn, meta); err != nil {
		c.clearConn()
		return
	}

	// Flush the queue before accepting new sends, looping because a send
	// racing the flush may append more.
	for {
		c.mu.Lock()
		if len(c.queue) == 0 {
			c.connected = true
			c.mu.Unlock()
			break
		}
		pending := c.queue
		c.queue = nil
		c.mu.Unlock()

		for i, msg := range pending {
			if err := c.write(conn, msg); err != nil {
				c.requeue(pending[i:])
				c.clearConn()
				return
			}
		}
	}

	if c.opts.OnConnected != nil {
		c.opts.OnConnected()
	}

	stopHeartbeat := make(chan struct{})
	go c.heartbeatLoop(conn, stopHeartbeat)
	defer close(stopHeartbeat)
	defer c.clearConn()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		msg, err := protocol.Parse(data)
		if err != nil {
			continue
		}
		switch msg.Type {
		case protocol.TypeInput:
			if c.opts.OnInput != nil {
				c.opts.OnInput(msg.Input)
			}
		case protocol.TypeError:
			c.reportError(fmt.Errorf("concentrator: %s", msg.Message))
		}
	}
}

func (c *Client) heartbeatLoop(conn *websocket.Conn, stop chan struct{}) {
	ticker := time.NewTicker(c.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			hb := protocol.Heartbeat(c.opts.SessionID, time.Now())
			if err := c.write(conn, hb); err != nil {
				return
			}
		}
	}
}

// Send delivers a message now if connected, otherwise queues it for the next
// connect. Order is preserved across the disconnect.
func (c *Client) Send(msg protocol.Message) {
	c.mu.Lock()
	if !c.connected || c.conn == nil {
		if !c.closed {
			c.queue = append(c.queue, msg)
		}
		c.mu.Unlock()
		return
	}
	conn := c.conn
	c.mu.Unlock()

	if err := c.write(conn, msg); err != nil {
		// Head of the queue, not the tail: a concurrent Send may already have
		// queued later messages, and this one was submitted before them.
		c.requeue([]protocol.Message{msg})
	}
}

// SendHook forwards one hook callback.
func (c *Client) SendHook(kind protocol.EventKind, ts time.Time, data json.RawMessage) {
	c.Send(protocol.Hook(c.opts.SessionID, kind, ts, data))
}

// SendEnd sends the best-effort final message.
func (c *Client) SendEnd(reason string) {
	c.Send(protocol.End(c.opts.SessionID, reason, time.Now()))
}

// Connected reports whether the client currently has a live connection.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Close stops reconnecting and drops the connection. Irreversible.
func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	conn := c.conn
	c.conn = nil
	c.connected = false
	c.mu.Unlock()

	close(c.done)
	if conn != nil {
		conn.Close()
	}
}

func (c *Client) write(conn *websocket.Conn, msg protocol.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encoding message: %w", err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (c *Client) requeue(msgs []protocol.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.queue = append(msgs, c.queue...)
}

func (c *Client) clearConn() {
	c.mu.Lock()
	c.conn = nil
	c.connected = false
	c.mu.Unlock()
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// backoff returns the delay before reconnect attempt n, doubling from the
// base and capped at the max.
func (c *Client) backoff(attempt int) time.Duration {
	d := c.opts.ReconnectBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= c.opts.ReconnectMax {
			return c.opts.ReconnectMax
		}
	}
	if d > c.opts.ReconnectMax {
		d = c.opts.ReconnectMax
	}
	return d
}

// sleep waits for d or until Close. Reports false when closed.
func (c *Client) sleep(d time.Duration) bool {
	select {
	case <-c.done:
		return false
	case <-time.After(d):
		return true
	}
}

func (c *Client) reportError(err error) {
	if c.opts.OnError != nil {
		c.opts.OnError(err)
		return
	}
	log.Printf("concentrator client: %v", err)
}
