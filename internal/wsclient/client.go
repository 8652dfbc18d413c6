// Package wsclient is a WebSocket client for the roulette gateway. The load
// test drives many of them; gateway tests use it to script conversations.
package wsclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/whisper/roulette/internal/protocol"
)

// Metrics tracks per-connection performance data.
type Metrics struct {
	ConnectLatency   time.Duration
	MessagesReceived int
	MessagesSent     int
	Errors           int
}

// Message is one server message: its type and the full raw JSON.
type Message struct {
	Type string
	Raw  json.RawMessage
}

// Decode unmarshals the raw message into v.
func (m Message) Decode(v any) error {
	return json.Unmarshal(m.Raw, v)
}

// Client is a single simulated user. Messages with a registered handler go
// to the handler; every other message is queued for Next.
type Client struct {
	conn    net.Conn
	userID  string
	ready   chan struct{}
	inbox   chan Message
	done    chan struct{}
	closeMu sync.Once
	closing atomic.Bool

	mu       sync.Mutex
	metrics  Metrics
	handlers map[string]func(Message)
}

// Dial connects to url and starts the read loop.
func Dial(ctx context.Context, url string) (*Client, error) {
	start := time.Now()
	conn, err := DialConn(ctx, url)
	if err != nil {
		return nil, err
	}

	c := &Client{
		conn:     conn,
		ready:    make(chan struct{}),
		inbox:    make(chan Message, 64),
		done:     make(chan struct{}),
		handlers: make(map[string]func(Message)),
	}
	c.metrics.ConnectLatency = time.Since(start)

	go c.readLoop()
	return c, nil
}

// DialConn performs the WebSocket handshake and returns the raw connection.
// Frames the server wrote right behind the handshake response (such as
// session_created) are read into the dialer's buffer; they are replayed
// before any further reads from the socket.
func DialConn(ctx context.Context, url string) (net.Conn, error) {
	conn, br, _, err := ws.Dial(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("wsclient: dial: %w", err)
	}
	if br == nil {
		return conn, nil
	}
	pending := make([]byte, br.Buffered())
	if _, err := io.ReadFull(br, pending); err != nil {
		conn.Close()
		return nil, fmt.Errorf("wsclient: drain handshake buffer: %w", err)
	}
	ws.PutReader(br)
	return &bufferedConn{Conn: conn, r: io.MultiReader(bytes.NewReader(pending), conn)}, nil
}

type bufferedConn struct {
	net.Conn
	r io.Reader
}

func (c *bufferedConn) Read(p []byte) (int, error) {
	return c.r.Read(p)
}

// Send marshals msg and writes it as a text frame. It is goroutine-safe.
func (c *Client) Send(msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("wsclient: marshal: %w", err)
	}
	return c.SendRaw(data)
}

// SendRaw writes data as a text frame.
func (c *Client) SendRaw(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.metrics.MessagesSent++
	return wsutil.WriteClientMessage(c.conn, ws.OpText, data)
}

// SendType sends a message that carries only its type.
func (c *Client) SendType(msgType string) error {
	return c.SendRaw(protocol.Simple(msgType))
}

// On registers a handler for a server message type, replacing any earlier
// one. Handlers run on the read goroutine.
func (c *Client) On(msgType string, handler func(Message)) {
	c.mu.Lock()
	c.handlers[msgType] = handler
	c.mu.Unlock()
}

// WaitForSession blocks until session_created has arrived.
func (c *Client) WaitForSession(ctx context.Context) error {
	select {
	case <-c.ready:
		return nil
	case <-c.done:
		return fmt.Errorf("wsclient: connection closed before session was created")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Next returns the next queued message.
func (c *Client) Next(ctx context.Context) (Message, error) {
	select {
	case m := <-c.inbox:
		return m, nil
	case <-c.done:
		select {
		case m := <-c.inbox:
			return m, nil
		default:
		}
		return Message{}, fmt.Errorf("wsclient: connection closed")
	case <-ctx.Done():
		return Message{}, ctx.Err()
	}
}

// Expect returns the next queued message and fails if its type differs.
func (c *Client) Expect(ctx context.Context, msgType string) (Message, error) {
	m, err := c.Next(ctx)
	if err != nil {
		return m, err
	}
	if m.Type != msgType {
		return m, fmt.Errorf("wsclient: expected %s, got %s: %s", msgType, m.Type, m.Raw)
	}
	return m, nil
}

// UserID returns the id assigned in session_created.
func (c *Client) UserID() string {
	select {
	case <-c.ready:
		return c.userID
	default:
		return ""
	}
}

// Done is closed when the read loop stops.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// GetMetrics returns a copy of the client's metrics.
func (c *Client) GetMetrics() Metrics {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.metrics
}

// Close closes the connection. It is safe to call more than once.
func (c *Client) Close() error {
	var err error
	c.closeMu.Do(func() {
		c.closing.Store(true)
		err = c.conn.Close()
	})
	return err
}

func (c *Client) readLoop() {
	defer close(c.done)

	for {
		data, err := wsutil.ReadServerText(c.conn)
		if err != nil {
			if !c.closing.Load() {
				c.mu.Lock()
				c.metrics.Errors++
				c.mu.Unlock()
			}
			return
		}

		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}
		msg := Message{Type: env.Type, Raw: env.Raw}

		c.mu.Lock()
		c.metrics.MessagesReceived++
		handler := c.handlers[env.Type]
		c.mu.Unlock()

		if env.Type == protocol.TypeSessionCreated && c.userID == "" {
			var created protocol.SessionCreatedMsg
			if err := msg.Decode(&created); err == nil {
				c.userID = created.UserID
				close(c.ready)
			}
			continue
		}

		if handler != nil {
			handler(msg)
			continue
		}
		select {
		case c.inbox <- msg:
		case <-time.After(time.Second):
			// Nobody is reading; drop rather than stall the socket.
		}
	}
}
