package ws

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// Connection is one WebSocket client. ID doubles as the anonymous user id
// for the lifetime of the socket.
type Connection struct {
	ID        string
	Conn      net.Conn
	CreatedAt time.Time

	lastSeen     atomic.Int64 // unix nanos of the last frame read
	writeMu      sync.Mutex   // serializes writes and their deadlines
	writeTimeout time.Duration
	closed       atomic.Bool
}

func newConnection(id string, conn net.Conn, now time.Time, writeTimeout time.Duration) *Connection {
	c := &Connection{ID: id, Conn: conn, CreatedAt: now, writeTimeout: writeTimeout}
	c.lastSeen.Store(now.UnixNano())
	return c
}

// Touch records client activity.
func (c *Connection) Touch(now time.Time) {
	c.lastSeen.Store(now.UnixNano())
}

// LastSeen returns when a frame was last read from the client.
func (c *Connection) LastSeen() time.Time {
	return time.Unix(0, c.lastSeen.Load())
}

// WriteMessage sends a text frame. Concurrent writers never interleave
// frame bytes, and each write is bounded by the connection's write timeout.
func (c *Connection) WriteMessage(data []byte) error {
	return c.write(func() error {
		return wsutil.WriteServerMessage(c.Conn, ws.OpText, data)
	})
}

// WritePing sends a protocol-level ping frame.
func (c *Connection) WritePing() error {
	return c.write(func() error {
		return ws.WriteFrame(c.Conn, ws.NewPingFrame(nil))
	})
}

func (c *Connection) writePong(payload []byte) error {
	return c.write(func() error {
		return ws.WriteFrame(c.Conn, ws.NewPongFrame(payload))
	})
}

// write runs fn under the write mutex with the deadline set and cleared
// inside the same critical section.
func (c *Connection) write(fn func() error) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.writeTimeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
		defer c.Conn.SetWriteDeadline(time.Time{})
	}
	return fn()
}

// Close closes the underlying network connection once.
func (c *Connection) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	return c.Conn.Close()
}

// ConnectionManager is a goroutine-safe registry of live connections.
type ConnectionManager struct {
	mu   sync.RWMutex
	byID map[string]*Connection
}

// NewConnectionManager creates an empty ConnectionManager ready for use.
func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{byID: make(map[string]*Connection)}
}

// Add registers a connection.
func (cm *ConnectionManager) Add(conn *Connection) {
	cm.mu.Lock()
	cm.byID[conn.ID] = conn
	cm.mu.Unlock()
}

// Remove unregisters and closes a connection. It reports whether the
// connection was present, so concurrent removers clean up exactly once.
func (cm *ConnectionManager) Remove(id string) bool {
	cm.mu.Lock()
	conn, ok := cm.byID[id]
	if ok {
		delete(cm.byID, id)
	}
	cm.mu.Unlock()

	if ok {
		conn.Close()
	}
	return ok
}

// Get returns the connection for id, or nil.
func (cm *ConnectionManager) Get(id string) *Connection {
	cm.mu.RLock()
	conn := cm.byID[id]
	cm.mu.RUnlock()
	return conn
}

// Count returns the current number of active connections.
func (cm *ConnectionManager) Count() int {
	cm.mu.RLock()
	n := len(cm.byID)
	cm.mu.RUnlock()
	return n
}

// All returns a snapshot of all current connections.
func (cm *ConnectionManager) All() []*Connection {
	cm.mu.RLock()
	conns := make([]*Connection, 0, len(cm.byID))
	for _, conn := range cm.byID {
		conns = append(conns, conn)
	}
	cm.mu.RUnlock()
	return conns
}
