// Package gateway connects WebSocket clients to the pairing service. It
// translates client messages into session operations and forwards pairing
// events and relayed content back onto each client's socket.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"time"

	"github.com/whisper/roulette/internal/matching"
	"github.com/whisper/roulette/internal/metrics"
	"github.com/whisper/roulette/internal/profile"
	"github.com/whisper/roulette/internal/protocol"
	"github.com/whisper/roulette/internal/ratelimit"
	"github.com/whisper/roulette/internal/relay"
	"github.com/whisper/roulette/internal/session"
	"github.com/whisper/roulette/internal/ws"
)

// Subscriber is the part of messaging.NATSClient that feeds a connection.
type Subscriber interface {
	SubscribeEvents(userID string, handler func(data []byte)) error
	UnsubscribeEvents(userID string) error
	SubscribeDeliveries(userID string, handler func(data []byte)) error
	UnsubscribeDeliveries(userID string) error
}

// Presence records which users hold a live socket.
type Presence interface {
	Connect(ctx context.Context, userID string) error
	Touch(ctx context.Context, userID string) error
	Disconnect(ctx context.Context, userID string) error
}

// Limiter throttles match requests.
type Limiter interface {
	Allow(ctx context.Context, identifier string, rule ratelimit.Rule) (bool, error)
	RetryAfter(ctx context.Context, identifier string, rule ratelimit.Rule) time.Duration
}

// Options holds the optional collaborators. Nil fields switch the feature
// off.
type Options struct {
	Presence  Presence
	Limiter   Limiter
	MatchRule ratelimit.Rule
	Profiles  profile.Store
}

// Gateway is the per-process glue between ws.Server and session.Service.
type Gateway struct {
	svc    session.Service
	bus    Subscriber
	opts   Options
	send   func(connID string, data []byte) error
	conns  func() []*ws.Connection
	logger *slog.Logger
}

// New creates a gateway. Call Attach before serving.
func New(svc session.Service, bus Subscriber, opts Options, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		svc:    svc,
		bus:    bus,
		opts:   opts,
		logger: logger.With("component", "gateway"),
	}
}

// Attach registers the message handlers on d and the connection hooks on
// srv.
func (g *Gateway) Attach(srv *ws.Server, d *ws.MessageDispatcher) {
	g.send = srv.SendMessage
	g.conns = srv.Connections().All
	srv.SetOnConnect(g.onConnect)
	srv.SetOnDisconnect(g.onDisconnect)

	d.Register(protocol.TypeFindPartner, g.handleFind)
	d.Register(protocol.TypeNextPartner, g.handleNext)
	d.Register(protocol.TypeCancelSearch, g.handleCancel)
	d.Register(protocol.TypeEndChat, g.handleEnd)
	d.Register(protocol.TypeMessage, g.handleMessage)
	d.Register(protocol.TypeGetProfile, g.handleGetProfile)
	d.Register(protocol.TypeSetProfile, g.handleSetProfile)
}

// RefreshPresence keeps presence records of live sockets from expiring.
// It blocks until ctx is cancelled.
func (g *Gateway) RefreshPresence(ctx context.Context, interval time.Duration) {
	if g.opts.Presence == nil || g.conns == nil {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, c := range g.conns() {
				if err := g.opts.Presence.Touch(ctx, c.ID); err != nil {
					g.logger.Warn("presence touch failed", "user", c.ID, "error", err)
				}
			}
		}
	}
}

func (g *Gateway) onConnect(c *ws.Connection) error {
	uid := c.ID
	if g.opts.Presence != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := g.opts.Presence.Connect(ctx, uid); err != nil {
			return err
		}
	}
	if err := g.bus.SubscribeEvents(uid, func(data []byte) { g.forwardEvent(uid, data) }); err != nil {
		return err
	}
	return g.bus.SubscribeDeliveries(uid, func(data []byte) { g.forwardDelivery(uid, data) })
}

// onDisconnect ends whatever the user was doing. The partner, if any, gets
// partner_left through the normal event path.
func (g *Gateway) onDisconnect(c *ws.Connection) {
	uid := c.ID
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	if _, err := g.svc.Leave(ctx, uid); err != nil {
		g.logger.Error("leave on disconnect failed", "user", uid, "error", err)
	}
	_ = g.bus.UnsubscribeEvents(uid)
	_ = g.bus.UnsubscribeDeliveries(uid)
	if g.opts.Presence != nil {
		if err := g.opts.Presence.Disconnect(ctx, uid); err != nil {
			g.logger.Warn("presence disconnect failed", "user", uid, "error", err)
		}
	}
}

func (g *Gateway) handleFind(ctx context.Context, c *ws.Connection, _ interface{}) {
	if !g.allow(ctx, c, "find") {
		return
	}
	res, err := g.svc.RequestMatch(ctx, c.ID)
	g.replyMatch(c, res, err)
}

func (g *Gateway) handleNext(ctx context.Context, c *ws.Connection, _ interface{}) {
	if !g.allow(ctx, c, "next") {
		return
	}
	res, err := g.svc.SwapPartner(ctx, c.ID)
	g.replyMatch(c, res, err)
}

func (g *Gateway) handleCancel(ctx context.Context, c *ws.Connection, _ interface{}) {
	if err := g.svc.CancelSearch(ctx, c.ID); err != nil {
		g.fail(c, "cancel", err)
		return
	}
	g.reply(c, protocol.Simple(protocol.TypeSearchCancelled))
}

func (g *Gateway) handleEnd(ctx context.Context, c *ws.Connection, _ interface{}) {
	res, err := g.svc.EndSession(ctx, c.ID)
	if err != nil {
		g.fail(c, "end", err)
		return
	}
	switch {
	case res.Status == matching.EndDissolved:
		g.reply(c, protocol.Simple(protocol.TypeChatEnded))
	case res.WasSearching:
		g.reply(c, protocol.Simple(protocol.TypeSearchCancelled))
	default:
		g.reply(c, protocol.Simple(protocol.TypeNotChatting))
	}
}

func (g *Gateway) handleMessage(ctx context.Context, c *ws.Connection, msg interface{}) {
	m, ok := msg.(protocol.ContentMsg)
	if !ok {
		return
	}
	status, err := g.svc.Relay(ctx, c.ID, m.Content)
	switch {
	case errors.Is(err, relay.ErrInvalidContent):
		g.relayFailed(c, "invalid_content")
	case err != nil:
		g.fail(c, "relay", err)
	case status == relay.StatusNoActivePeer:
		g.reply(c, protocol.Simple(protocol.TypeNotChatting))
	case status == relay.StatusUnsupportedContentType:
		g.relayFailed(c, status.String())
	}
}

func (g *Gateway) handleGetProfile(ctx context.Context, c *ws.Connection, _ interface{}) {
	if g.opts.Profiles == nil {
		g.errorReply(c, protocol.CodeUnavailable, "profiles are disabled")
		return
	}
	p, err := g.opts.Profiles.Get(ctx, c.ID)
	if err != nil {
		g.fail(c, "get profile", err)
		return
	}
	g.replyProfile(c, p)
}

func (g *Gateway) handleSetProfile(ctx context.Context, c *ws.Connection, msg interface{}) {
	m, ok := msg.(protocol.SetProfileMsg)
	if !ok {
		return
	}
	if g.opts.Profiles == nil {
		g.errorReply(c, protocol.CodeUnavailable, "profiles are disabled")
		return
	}
	current, err := g.opts.Profiles.Get(ctx, c.ID)
	if err != nil {
		g.fail(c, "get profile", err)
		return
	}
	updated, err := current.Apply(m.Field, m.Value)
	if err != nil {
		g.errorReply(c, protocol.CodeInvalid, err.Error())
		return
	}
	if err := g.opts.Profiles.Set(ctx, c.ID, updated); err != nil {
		g.fail(c, "set profile", err)
		return
	}
	g.replyProfile(c, updated)
}

// allow applies the match rate limit. Limiter errors fail open.
func (g *Gateway) allow(ctx context.Context, c *ws.Connection, action string) bool {
	if g.opts.Limiter == nil {
		return true
	}
	ok, _ := g.opts.Limiter.Allow(ctx, c.ID, g.opts.MatchRule)
	if ok {
		return true
	}
	metrics.RateLimited.WithLabelValues(action).Inc()
	retry := g.opts.Limiter.RetryAfter(ctx, c.ID, g.opts.MatchRule)
	data, _ := protocol.NewServerMessage(protocol.TypeRateLimited, protocol.RateLimitedMsg{
		RetryAfter: int(math.Ceil(retry.Seconds())),
	})
	g.reply(c, data)
	return false
}

// replyMatch answers find/next. A match is announced by the matched event,
// which both sides receive, so it needs no direct reply.
func (g *Gateway) replyMatch(c *ws.Connection, res matching.MatchResult, err error) {
	if err != nil {
		g.fail(c, "match", err)
		return
	}
	switch res.Status {
	case matching.StatusSearching:
		g.reply(c, protocol.Simple(protocol.TypeSearching))
	case matching.StatusAlreadyPaired:
		g.reply(c, protocol.Simple(protocol.TypeAlreadyChatting))
	}
}

func (g *Gateway) replyProfile(c *ws.Connection, p profile.Profile) {
	data, _ := protocol.NewServerMessage(protocol.TypeProfile, protocol.ProfileMsg{
		Gender:   p.Gender,
		AgeRange: p.AgeRange,
		Complete: p.Complete(),
	})
	g.reply(c, data)
}

func (g *Gateway) relayFailed(c *ws.Connection, reason string) {
	data, _ := protocol.NewServerMessage(protocol.TypeRelayFailed, protocol.RelayFailedMsg{Reason: reason})
	g.reply(c, data)
}

func (g *Gateway) fail(c *ws.Connection, op string, err error) {
	g.logger.Error(op+" failed", "user", c.ID, "error", err)
	g.errorReply(c, protocol.CodeUnavailable, "service unavailable, try again")
}

func (g *Gateway) errorReply(c *ws.Connection, code, message string) {
	data, _ := protocol.NewServerMessage(protocol.TypeError, protocol.ErrorMsg{Code: code, Message: message})
	g.reply(c, data)
}

func (g *Gateway) reply(c *ws.Connection, data []byte) {
	if err := g.send(c.ID, data); err != nil {
		g.logger.Debug("reply failed", "user", c.ID, "error", err)
	}
}

func (g *Gateway) forwardEvent(uid string, data []byte) {
	var ev matching.Event
	if err := json.Unmarshal(data, &ev); err != nil {
		g.logger.Warn("bad event payload", "user", uid, "error", err)
		return
	}

	var out []byte
	switch ev.Type {
	case matching.EventMatched:
		out, _ = protocol.NewServerMessage(protocol.TypeMatched, protocol.MatchedMsg{PairID: ev.PairID})
	case matching.EventPartnerLeft:
		out, _ = protocol.NewServerMessage(protocol.TypePartnerLeft, protocol.PartnerLeftMsg{Requeued: ev.Requeued})
	case matching.EventSearchTimeout:
		out = protocol.Simple(protocol.TypeSearchTimeout)
	default:
		g.logger.Debug("ignoring event", "type", ev.Type, "user", uid)
		return
	}
	if err := g.send(uid, out); err != nil {
		g.logger.Debug("forward event failed", "type", ev.Type, "user", uid, "error", err)
	}
}

func (g *Gateway) forwardDelivery(uid string, data []byte) {
	var d relay.Delivery
	if err := json.Unmarshal(data, &d); err != nil {
		g.logger.Warn("bad delivery payload", "user", uid, "error", err)
		return
	}
	out, err := protocol.NewServerMessage(protocol.TypeMessage, protocol.ServerContentMsg{
		Content: d.Content,
		Ts:      d.At.Unix(),
	})
	if err != nil {
		g.logger.Error("build delivery", "user", uid, "error", err)
		return
	}
	if err := g.send(uid, out); err != nil {
		g.logger.Debug("forward delivery failed", "user", uid, "error", err)
	}
}
