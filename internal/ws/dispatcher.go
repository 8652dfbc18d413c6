package ws

import (
	"context"
	"log/slog"
	"time"

	"github.com/whisper/roulette/internal/protocol"
)

// MessageHandler handles one parsed client message. msg is the concrete
// struct returned by protocol.ParseClientMessage.
type MessageHandler func(ctx context.Context, conn *Connection, msg interface{})

// MessageDispatcher routes incoming messages to handlers by type. Ping is
// answered internally; malformed and unregistered messages get an error
// reply.
type MessageDispatcher struct {
	handlers map[string]MessageHandler
	timeout  time.Duration
	logger   *slog.Logger
}

// NewMessageDispatcher creates a dispatcher whose handlers each run under a
// context bounded by timeout.
func NewMessageDispatcher(timeout time.Duration, logger *slog.Logger) *MessageDispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &MessageDispatcher{
		handlers: make(map[string]MessageHandler),
		timeout:  timeout,
		logger:   logger.With("component", "dispatcher"),
	}
}

// Register associates a handler with a message type, replacing any earlier
// one.
func (d *MessageDispatcher) Register(msgType string, handler MessageHandler) {
	d.handlers[msgType] = handler
}

// Dispatch is the server's onMessage callback.
func (d *MessageDispatcher) Dispatch(conn *Connection, data []byte) {
	msgType, msg, err := protocol.ParseClientMessage(data)
	if err != nil {
		d.logger.Debug("parse error", "conn", conn.ID, "error", err)
		d.sendError(conn, protocol.CodeBadMessage, "invalid message format")
		return
	}

	if msgType == protocol.TypePing {
		d.send(conn, protocol.Simple(protocol.TypePong))
		return
	}

	handler, ok := d.handlers[msgType]
	if !ok {
		d.logger.Debug("unsupported message type", "type", msgType, "conn", conn.ID)
		d.sendError(conn, protocol.CodeBadMessage, "unsupported message type")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()
	handler(ctx, conn, msg)
}

func (d *MessageDispatcher) sendError(conn *Connection, code, message string) {
	data, err := protocol.NewServerMessage(protocol.TypeError, protocol.ErrorMsg{
		Code:    code,
		Message: message,
	})
	if err != nil {
		d.logger.Error("build error message", "conn", conn.ID, "error", err)
		return
	}
	d.send(conn, data)
}

func (d *MessageDispatcher) send(conn *Connection, data []byte) {
	if err := conn.WriteMessage(data); err != nil {
		d.logger.Debug("write failed", "conn", conn.ID, "error", err)
	}
}
