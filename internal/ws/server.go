// Package ws handles WebSocket connection management: upgrading HTTP
// connections, tracking live clients, and dispatching incoming messages to
// handlers. Each connection gets its own read goroutine.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"

	"github.com/whisper/roulette/internal/metrics"
	"github.com/whisper/roulette/internal/protocol"
)

// ServerConfig holds tunable parameters for the WebSocket server.
type ServerConfig struct {
	ListenAddr      string        // address to listen on, e.g. ":8080"
	MaxConnections  int           // hard cap on total connections
	MaxMessageBytes int           // largest accepted client message
	ReadTimeout     time.Duration // a connection silent this long is dropped
	WriteTimeout    time.Duration // per-write deadline
}

// DefaultServerConfig returns a ServerConfig with production defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr:      ":8080",
		MaxConnections:  100000,
		MaxMessageBytes: 32 << 20,
		ReadTimeout:     60 * time.Second,
		WriteTimeout:    10 * time.Second,
	}
}

// Server upgrades HTTP requests to WebSocket connections and runs one read
// loop per connection.
type Server struct {
	config       ServerConfig
	conns        *ConnectionManager
	onConnect    func(conn *Connection) error
	onMessage    func(conn *Connection, data []byte)
	onDisconnect func(conn *Connection)
	httpServer   *http.Server
	logger       *slog.Logger
	done         chan struct{}
	doneOnce     sync.Once
	startedAt    time.Time
	newID        func() string
}

// NewServer creates a Server. onMessage is called from the connection's
// read goroutine for every complete text or binary message, so messages of
// one connection are handled in order.
func NewServer(config ServerConfig, onMessage func(conn *Connection, data []byte), logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if config.MaxMessageBytes <= 0 {
		config.MaxMessageBytes = DefaultServerConfig().MaxMessageBytes
	}
	return &Server{
		config:    config,
		conns:     NewConnectionManager(),
		onMessage: onMessage,
		logger:    logger.With("component", "gateway"),
		done:      make(chan struct{}),
		startedAt: time.Now(),
		newID:     uuid.NewString,
	}
}

// SetOnConnect registers a callback run after the upgrade and before the
// session_created message. Returning an error closes the connection.
func (s *Server) SetOnConnect(fn func(conn *Connection) error) {
	s.onConnect = fn
}

// SetOnDisconnect registers a callback invoked exactly once when a
// connection is removed (read error, heartbeat timeout, close frame or
// shutdown).
func (s *Server) SetOnDisconnect(fn func(conn *Connection)) {
	s.onDisconnect = fn
}

// Handler returns the HTTP routes: /ws, /health and /metrics.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleUpgrade)
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", metrics.Handler())
	return mux
}

// Start starts the heartbeat monitor and blocks serving HTTP.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:    s.config.ListenAddr,
		Handler: s.Handler(),
	}

	StartHeartbeat(s, DefaultHeartbeatConfig())

	s.logger.Info("listening", "addr", s.config.ListenAddr, "max_conns", s.config.MaxConnections)

	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("ws: http server error: %w", err)
	}
	return nil
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if s.config.MaxConnections > 0 && s.conns.Count() >= s.config.MaxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	netConn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		s.logger.Warn("upgrade failed", "error", err)
		return
	}

	c := newConnection(s.newID(), netConn, time.Now(), s.config.WriteTimeout)
	s.conns.Add(c)
	metrics.ConnectionsTotal.Inc()

	if s.onConnect != nil {
		if err := s.onConnect(c); err != nil {
			s.logger.Error("connect hook failed", "conn", c.ID, "error", err)
			s.RemoveConnection(c)
			return
		}
	}

	msg, err := protocol.NewServerMessage(protocol.TypeSessionCreated, protocol.SessionCreatedMsg{UserID: c.ID})
	if err == nil {
		err = s.SendMessage(c.ID, msg)
	}
	if err != nil {
		s.logger.Warn("send session_created failed", "conn", c.ID, "error", err)
	}

	s.logger.Debug("connection opened", "conn", c.ID, "total", s.conns.Count())
	go s.readLoop(c)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	resp := struct {
		Status      string `json:"status"`
		Connections int    `json:"connections"`
		Uptime      string `json:"uptime"`
	}{
		Status:      "ok",
		Connections: s.conns.Count(),
		Uptime:      time.Since(s.startedAt).Round(time.Second).String(),
	}
	_ = json.NewEncoder(w).Encode(resp)
}

// readLoop reads frames until the connection fails, closes, or sends an
// oversized message.
func (s *Server) readLoop(c *Connection) {
	defer s.RemoveConnection(c)

	for {
		if s.config.ReadTimeout > 0 {
			_ = c.Conn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
		}

		header, reader, err := wsutil.NextReader(c.Conn, ws.StateServerSide)
		if err != nil {
			return
		}
		c.Touch(time.Now())

		if header.OpCode.IsControl() {
			payload, err := io.ReadAll(reader)
			if err != nil {
				return
			}
			switch header.OpCode {
			case ws.OpClose:
				return
			case ws.OpPing:
				if err := c.writePong(payload); err != nil {
					return
				}
			}
			continue
		}

		limit := int64(s.config.MaxMessageBytes)
		data, err := io.ReadAll(io.LimitReader(reader, limit+1))
		if err != nil {
			return
		}
		if int64(len(data)) > limit {
			s.logger.Warn("message too large, closing", "conn", c.ID, "limit", limit)
			metrics.ConnectionsDropped.WithLabelValues("oversized").Inc()
			return
		}
		if len(data) == 0 || s.onMessage == nil {
			continue
		}
		s.onMessage(c, data)
	}
}

// RemoveConnection unregisters and closes c, running the disconnect hook the
// first time it is called for a connection.
func (s *Server) RemoveConnection(c *Connection) {
	if !s.conns.Remove(c.ID) {
		return
	}
	metrics.ConnectionsTotal.Dec()

	if s.onDisconnect != nil {
		s.onDisconnect(c)
	}
	s.logger.Debug("connection closed", "conn", c.ID, "total", s.conns.Count())
}

// SendMessage writes a text frame to the connection identified by connID.
func (s *Server) SendMessage(connID string, data []byte) error {
	c := s.conns.Get(connID)
	if c == nil {
		return fmt.Errorf("ws: connection %s not found", connID)
	}
	return c.WriteMessage(data)
}

// Connections returns the live connection registry.
func (s *Server) Connections() *ConnectionManager {
	return s.conns
}

// Shutdown stops accepting connections and removes every live one, which
// runs the disconnect hook for each.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down")
	s.doneOnce.Do(func() { close(s.done) })

	var err error
	if s.httpServer != nil {
		err = s.httpServer.Shutdown(ctx)
	}
	for _, c := range s.conns.All() {
		s.RemoveConnection(c)
	}
	s.logger.Info("stopped, all connections closed")
	return err
}
