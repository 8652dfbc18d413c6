package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/whisper/roulette/internal/matching"
	"github.com/whisper/roulette/internal/messaging"
	"github.com/whisper/roulette/internal/relay"
)

// Error codes carried in RPC replies.
const (
	codeInvalidUser    = "invalid_user"
	codeInvalidContent = "invalid_content"
	codeBadRequest     = "bad_request"
	codeInternal       = "internal"
)

// ReasonDisconnect on a pair.end request ends the session as a disconnect.
const ReasonDisconnect = "disconnect"

type rpcRequest struct {
	UserID  string         `json:"user_id"`
	Reason  string         `json:"reason,omitempty"`
	Content *relay.Content `json:"content,omitempty"`
}

type rpcReply struct {
	Status       string `json:"status,omitempty"`
	Peer         string `json:"peer,omitempty"`
	PairID       string `json:"pair_id,omitempty"`
	WasSearching bool   `json:"was_searching,omitempty"`
	Code         string `json:"code,omitempty"`
	Error        string `json:"error,omitempty"`
}

// Responder registers request/reply handlers.
type Responder interface {
	Respond(subject string, handler func(data []byte) []byte) error
}

// Requester performs a single request/reply exchange.
type Requester interface {
	Request(ctx context.Context, subject string, data []byte) ([]byte, error)
}

// Server exposes a Service on the matcher RPC subjects.
type Server struct {
	svc    Service
	bus    Responder
	logger *slog.Logger
}

// NewServer creates an RPC server for svc.
func NewServer(svc Service, bus Responder, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{svc: svc, bus: bus, logger: logger.With("component", "rpc")}
}

// Start subscribes every handler.
func (s *Server) Start() error {
	handlers := map[string]func(context.Context, rpcRequest) rpcReply{
		messaging.SubjectPairRequest: s.handleRequest,
		messaging.SubjectPairCancel:  s.handleCancel,
		messaging.SubjectPairEnd:     s.handleEnd,
		messaging.SubjectPairNext:    s.handleNext,
		messaging.SubjectPairPeer:    s.handlePeer,
		messaging.SubjectRelaySend:   s.handleRelay,
	}
	for subject, h := range handlers {
		if err := s.bus.Respond(subject, s.wrap(subject, h)); err != nil {
			return err
		}
	}
	s.logger.Info("rpc handlers registered", "subjects", len(handlers))
	return nil
}

func (s *Server) wrap(subject string, h func(context.Context, rpcRequest) rpcReply) func([]byte) []byte {
	return func(data []byte) []byte {
		var req rpcRequest
		var reply rpcReply
		if err := json.Unmarshal(data, &req); err != nil {
			reply = rpcReply{Code: codeBadRequest, Error: err.Error()}
		} else {
			reply = h(context.Background(), req)
		}
		if reply.Code == codeInternal {
			s.logger.Error("rpc failed", "subject", subject, "user", req.UserID, "error", reply.Error)
		}
		out, err := json.Marshal(reply)
		if err != nil {
			s.logger.Error("marshal reply", "subject", subject, "error", err)
			return []byte(`{"code":"internal","error":"marshal reply"}`)
		}
		return out
	}
}

func (s *Server) handleRequest(ctx context.Context, req rpcRequest) rpcReply {
	res, err := s.svc.RequestMatch(ctx, req.UserID)
	if err != nil {
		return errorReply(err)
	}
	return matchReply(res)
}

func (s *Server) handleNext(ctx context.Context, req rpcRequest) rpcReply {
	res, err := s.svc.SwapPartner(ctx, req.UserID)
	if err != nil {
		return errorReply(err)
	}
	return matchReply(res)
}

func (s *Server) handleCancel(ctx context.Context, req rpcRequest) rpcReply {
	if err := s.svc.CancelSearch(ctx, req.UserID); err != nil {
		return errorReply(err)
	}
	return rpcReply{Status: "ok"}
}

func (s *Server) handleEnd(ctx context.Context, req rpcRequest) rpcReply {
	end := s.svc.EndSession
	if req.Reason == ReasonDisconnect {
		end = s.svc.Leave
	}
	res, err := end(ctx, req.UserID)
	if err != nil {
		return errorReply(err)
	}
	return rpcReply{
		Status:       res.Status.String(),
		Peer:         res.FormerPeer,
		PairID:       res.Pair.ID,
		WasSearching: res.WasSearching,
	}
}

func (s *Server) handlePeer(ctx context.Context, req rpcRequest) rpcReply {
	peer, ok, err := s.svc.PeerOf(ctx, req.UserID)
	if err != nil {
		return errorReply(err)
	}
	if !ok {
		return rpcReply{Status: "none"}
	}
	return rpcReply{Status: "paired", Peer: peer}
}

func (s *Server) handleRelay(ctx context.Context, req rpcRequest) rpcReply {
	if req.Content == nil {
		return rpcReply{Code: codeInvalidContent, Error: "missing content"}
	}
	status, err := s.svc.Relay(ctx, req.UserID, *req.Content)
	if err != nil {
		return errorReply(err)
	}
	return rpcReply{Status: status.String()}
}

func matchReply(res matching.MatchResult) rpcReply {
	return rpcReply{Status: res.Status.String(), Peer: res.Peer, PairID: res.Pair.ID}
}

func errorReply(err error) rpcReply {
	switch {
	case errors.Is(err, matching.ErrInvalidUser):
		return rpcReply{Code: codeInvalidUser, Error: err.Error()}
	case errors.Is(err, relay.ErrInvalidContent):
		return rpcReply{Code: codeInvalidContent, Error: err.Error()}
	}
	return rpcReply{Code: codeInternal, Error: err.Error()}
}

// Client implements Service by calling a remote Server.
type Client struct {
	bus Requester
}

var _ Service = (*Client)(nil)

// NewClient creates an RPC client.
func NewClient(bus Requester) *Client {
	return &Client{bus: bus}
}

func (c *Client) RequestMatch(ctx context.Context, userID string) (matching.MatchResult, error) {
	return c.match(ctx, messaging.SubjectPairRequest, userID)
}

func (c *Client) SwapPartner(ctx context.Context, userID string) (matching.MatchResult, error) {
	return c.match(ctx, messaging.SubjectPairNext, userID)
}

func (c *Client) CancelSearch(ctx context.Context, userID string) error {
	_, err := c.call(ctx, messaging.SubjectPairCancel, rpcRequest{UserID: userID})
	return err
}

func (c *Client) EndSession(ctx context.Context, userID string) (matching.EndResult, error) {
	return c.end(ctx, rpcRequest{UserID: userID})
}

func (c *Client) Leave(ctx context.Context, userID string) (matching.EndResult, error) {
	return c.end(ctx, rpcRequest{UserID: userID, Reason: ReasonDisconnect})
}

func (c *Client) PeerOf(ctx context.Context, userID string) (string, bool, error) {
	reply, err := c.call(ctx, messaging.SubjectPairPeer, rpcRequest{UserID: userID})
	if err != nil {
		return "", false, err
	}
	return reply.Peer, reply.Status == "paired", nil
}

func (c *Client) Relay(ctx context.Context, from string, content relay.Content) (relay.Status, error) {
	reply, err := c.call(ctx, messaging.SubjectRelaySend, rpcRequest{UserID: from, Content: &content})
	if err != nil {
		return relay.StatusFailed, err
	}
	return relay.ParseStatus(reply.Status)
}

func (c *Client) match(ctx context.Context, subject, userID string) (matching.MatchResult, error) {
	reply, err := c.call(ctx, subject, rpcRequest{UserID: userID})
	if err != nil {
		return matching.MatchResult{}, err
	}
	status, err := matching.ParseMatchStatus(reply.Status)
	if err != nil {
		return matching.MatchResult{}, err
	}
	res := matching.MatchResult{Status: status, Peer: reply.Peer}
	if reply.Peer != "" {
		res.Pair = matching.Pair{ID: reply.PairID, UserA: userID, UserB: reply.Peer}
	}
	return res, nil
}

func (c *Client) end(ctx context.Context, req rpcRequest) (matching.EndResult, error) {
	reply, err := c.call(ctx, messaging.SubjectPairEnd, req)
	if err != nil {
		return matching.EndResult{}, err
	}
	status, err := matching.ParseEndStatus(reply.Status)
	if err != nil {
		return matching.EndResult{}, err
	}
	res := matching.EndResult{Status: status, FormerPeer: reply.Peer, WasSearching: reply.WasSearching}
	if reply.Peer != "" {
		res.Pair = matching.Pair{ID: reply.PairID, UserA: req.UserID, UserB: reply.Peer}
	}
	return res, nil
}

func (c *Client) call(ctx context.Context, subject string, req rpcRequest) (rpcReply, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return rpcReply{}, fmt.Errorf("session: marshal %s: %w", subject, err)
	}
	raw, err := c.bus.Request(ctx, subject, data)
	if err != nil {
		return rpcReply{}, err
	}
	var reply rpcReply
	if err := json.Unmarshal(raw, &reply); err != nil {
		return rpcReply{}, fmt.Errorf("session: decode %s reply: %w", subject, err)
	}
	switch reply.Code {
	case "":
		return reply, nil
	case codeInvalidUser:
		return reply, fmt.Errorf("%w: %s", matching.ErrInvalidUser, reply.Error)
	case codeInvalidContent:
		return reply, fmt.Errorf("%w: %s", relay.ErrInvalidContent, reply.Error)
	}
	return reply, fmt.Errorf("session: %s failed (%s): %s", subject, reply.Code, reply.Error)
}
