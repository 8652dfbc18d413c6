// Package messaging provides a NATS client wrapper for the roulette
// services. It owns connection lifecycle and keyed subscriptions, and knows
// the subjects used for matcher RPC, pairing events and relayed content.
package messaging

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// Request/reply subjects served by the matcher.
const (
	SubjectPairRequest = "pair.request"
	SubjectPairCancel  = "pair.cancel"
	SubjectPairEnd     = "pair.end"
	SubjectPairNext    = "pair.next"
	SubjectPairPeer    = "pair.peer"
	SubjectRelaySend   = "relay.send"
)

// Per-user fan-out subjects.
const (
	SubjectPairEvents   = "pair.events"   // + .<user token>
	SubjectRelayDeliver = "relay.deliver" // + .<user token>
)

// MatcherQueueGroup load-balances RPC subjects across matcher replicas.
const MatcherQueueGroup = "matcher"

// NATSClient wraps the NATS connection with helper methods for pub/sub and
// request/reply.
type NATSClient struct {
	conn    *nats.Conn
	timeout time.Duration
	logger  *slog.Logger
	mu      sync.Mutex
	subs    map[string]*nats.Subscription
}

// NATSConfig holds NATS connection settings.
type NATSConfig struct {
	URL            string        // nats://localhost:4222
	Name           string        // client name for identification
	ReconnectWait  time.Duration // time between reconnect attempts
	MaxReconnects  int           // max reconnect attempts (-1 for infinite)
	RequestTimeout time.Duration // default deadline for Request without one
}

// DefaultNATSConfig returns sensible defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:            nats.DefaultURL,
		Name:           "roulette",
		ReconnectWait:  2 * time.Second,
		MaxReconnects:  -1,
		RequestTimeout: 3 * time.Second,
	}
}

// NewNATSClient connects to NATS and returns a ready client. It fails if
// the initial connection cannot be established.
func NewNATSClient(config NATSConfig, logger *slog.Logger) (*NATSClient, error) {
	logger = logger.With("component", "nats")
	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("reconnected", "url", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			logger.Info("connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	logger.Info("connected", "url", nc.ConnectedUrl())

	timeout := config.RequestTimeout
	if timeout <= 0 {
		timeout = DefaultNATSConfig().RequestTimeout
	}
	return &NATSClient{
		conn:    nc,
		timeout: timeout,
		logger:  logger,
		subs:    make(map[string]*nats.Subscription),
	}, nil
}

// UserToken turns a user id into a single NATS subject token. Ids that are
// already safe are used verbatim, anything else is base64url encoded.
func UserToken(userID string) string {
	if userID != "" && !strings.ContainsAny(userID, ". *>\t\r\n") {
		return userID
	}
	return "b64_" + base64.RawURLEncoding.EncodeToString([]byte(userID))
}

// Publish sends data to the given subject.
func (c *NATSClient) Publish(subject string, data []byte) error {
	if err := c.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("nats publish %s: %w", subject, err)
	}
	return nil
}

// Subscribe registers handler for subject under key, replacing any earlier
// subscription stored under the same key.
func (c *NATSClient) Subscribe(key, subject string, handler func(data []byte)) error {
	sub, err := c.conn.Subscribe(subject, func(msg *nats.Msg) {
		handler(msg.Data)
	})
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", subject, err)
	}
	c.store(key, sub)
	return nil
}

// Respond serves request/reply traffic on subject within the matcher queue
// group. The handler's return value is sent as the reply.
func (c *NATSClient) Respond(subject string, handler func(data []byte) []byte) error {
	sub, err := c.conn.QueueSubscribe(subject, MatcherQueueGroup, func(msg *nats.Msg) {
		reply := handler(msg.Data)
		if msg.Reply == "" {
			return
		}
		if err := msg.Respond(reply); err != nil {
			c.logger.Error("respond failed", "subject", subject, "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("nats queue subscribe %s: %w", subject, err)
	}
	c.store(subject, sub)
	return nil
}

// Request sends data on subject and waits for a single reply. Without a
// deadline on ctx the client's RequestTimeout applies.
func (c *NATSClient) Request(ctx context.Context, subject string, data []byte) ([]byte, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	msg, err := c.conn.RequestWithContext(ctx, subject, data)
	if err != nil {
		return nil, fmt.Errorf("nats request %s: %w", subject, err)
	}
	return msg.Data, nil
}

// PublishEvent publishes a pairing event to one user.
func (c *NATSClient) PublishEvent(userID string, data []byte) error {
	return c.Publish(SubjectPairEvents+"."+UserToken(userID), data)
}

// SubscribeEvents subscribes to pairing events for one user.
func (c *NATSClient) SubscribeEvents(userID string, handler func(data []byte)) error {
	return c.Subscribe("events:"+userID, SubjectPairEvents+"."+UserToken(userID), handler)
}

// UnsubscribeEvents drops the user's pairing event subscription.
func (c *NATSClient) UnsubscribeEvents(userID string) error {
	return c.Unsubscribe("events:" + userID)
}

// PublishDelivery publishes relayed content to one user.
func (c *NATSClient) PublishDelivery(userID string, data []byte) error {
	return c.Publish(SubjectRelayDeliver+"."+UserToken(userID), data)
}

// SubscribeDeliveries subscribes to relayed content for one user.
func (c *NATSClient) SubscribeDeliveries(userID string, handler func(data []byte)) error {
	return c.Subscribe("deliver:"+userID, SubjectRelayDeliver+"."+UserToken(userID), handler)
}

// UnsubscribeDeliveries drops the user's delivery subscription.
func (c *NATSClient) UnsubscribeDeliveries(userID string) error {
	return c.Unsubscribe("deliver:" + userID)
}

// Unsubscribe removes the subscription stored under key.
func (c *NATSClient) Unsubscribe(key string) error {
	c.mu.Lock()
	sub, ok := c.subs[key]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("nats: no subscription for %s", key)
	}
	delete(c.subs, key)
	c.mu.Unlock()

	if err := sub.Unsubscribe(); err != nil {
		return fmt.Errorf("nats unsubscribe %s: %w", key, err)
	}
	return nil
}

// Close drains all subscriptions and the connection.
func (c *NATSClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for key, sub := range c.subs {
		if err := sub.Drain(); err != nil {
			c.logger.Warn("drain subscription", "key", key, "error", err)
		}
	}
	c.subs = make(map[string]*nats.Subscription)

	if err := c.conn.Drain(); err != nil {
		c.logger.Warn("connection drain", "error", err)
	}
	c.logger.Info("client closed")
}

func (c *NATSClient) store(key string, sub *nats.Subscription) {
	c.mu.Lock()
	old := c.subs[key]
	c.subs[key] = sub
	c.mu.Unlock()

	if old != nil {
		_ = old.Unsubscribe()
	}
}
