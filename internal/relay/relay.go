// Package relay forwards content between the two members of a live pair.
// The peer is looked up at the moment of each relay, so a pair dissolved
// concurrently by the other side yields NoActivePeer instead of a stale
// delivery.
package relay

//go:generate mockgen -source=relay.go -destination=mock_relay_test.go -package=relay PeerLookup,Transport

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/whisper/roulette/internal/metrics"
)

// Status is the outcome of a relay attempt.
type Status int

// The zero Status is StatusFailed, returned alongside every error.
const (
	StatusFailed Status = iota
	StatusDelivered
	StatusNoActivePeer
	StatusUnsupportedContentType
)

func (s Status) String() string {
	switch s {
	case StatusNoActivePeer:
		return "no_active_peer"
	case StatusUnsupportedContentType:
		return "unsupported_content_type"
	case StatusDelivered:
		return "delivered"
	default:
		return "failed"
	}
}

// ParseStatus parses the string form produced by Status.String.
func ParseStatus(s string) (Status, error) {
	switch s {
	case "delivered":
		return StatusDelivered, nil
	case "no_active_peer":
		return StatusNoActivePeer, nil
	case "unsupported_content_type":
		return StatusUnsupportedContentType, nil
	case "failed":
		return StatusFailed, nil
	}
	return StatusFailed, fmt.Errorf("relay: unknown status %q", s)
}

// PeerLookup resolves a user's current peer.
type PeerLookup interface {
	PeerOf(ctx context.Context, userID string) (string, bool, error)
}

// Transport hands a delivery to the recipient's connection.
type Transport interface {
	Deliver(ctx context.Context, d Delivery) error
}

// Delivery is what the recipient receives. The sender is deliberately
// absent; recipients only ever know "your partner".
type Delivery struct {
	ID      string    `json:"id"`
	To      string    `json:"to"`
	Content Content   `json:"content"`
	At      time.Time `json:"at"`
}

// DefaultBlockedKinds keeps contact cards from crossing an anonymous pair.
var DefaultBlockedKinds = []Kind{KindContact}

// Options configures a Relay.
type Options struct {
	BlockedKinds []Kind
	MaxTextChars int
}

// Relay forwards content from a user to its current peer.
type Relay struct {
	peers     PeerLookup
	transport Transport
	blocked   map[Kind]bool
	maxText   int
	delivered atomic.Uint64
	logger    *slog.Logger
	now       func() time.Time
}

// New creates a relay.
func New(peers PeerLookup, transport Transport, opts Options, logger *slog.Logger) *Relay {
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{
		peers:     peers,
		transport: transport,
		blocked:   lo.SliceToMap(opts.BlockedKinds, func(k Kind) (Kind, bool) { return k, true }),
		maxText:   opts.MaxTextChars,
		logger:    logger.With("component", "relay"),
		now:       time.Now,
	}
}

// Relay sends content from the given user to its peer. Invalid content is
// an error wrapping ErrInvalidContent; the other negative outcomes are
// statuses.
func (r *Relay) Relay(ctx context.Context, from string, content Content) (Status, error) {
	if err := content.Validate(r.maxText); err != nil {
		metrics.MessagesTotal.WithLabelValues(string(content.Kind), "invalid").Inc()
		return StatusFailed, err
	}
	if r.blocked[content.Kind] {
		metrics.MessagesTotal.WithLabelValues(string(content.Kind), StatusUnsupportedContentType.String()).Inc()
		r.logger.Debug("blocked content kind", "user", from, "kind", content.Kind)
		return StatusUnsupportedContentType, nil
	}

	peer, ok, err := r.peers.PeerOf(ctx, from)
	if err != nil {
		metrics.MessagesTotal.WithLabelValues(string(content.Kind), "error").Inc()
		return StatusFailed, fmt.Errorf("relay: peer of %s: %w", from, err)
	}
	if !ok {
		metrics.MessagesTotal.WithLabelValues(string(content.Kind), StatusNoActivePeer.String()).Inc()
		return StatusNoActivePeer, nil
	}

	content.Normalize()
	d := Delivery{ID: uuid.NewString(), To: peer, Content: content, At: r.now()}
	if err := r.transport.Deliver(ctx, d); err != nil {
		metrics.MessagesTotal.WithLabelValues(string(content.Kind), "error").Inc()
		return StatusFailed, fmt.Errorf("relay: deliver to %s: %w", peer, err)
	}

	r.delivered.Add(1)
	metrics.MessagesTotal.WithLabelValues(string(content.Kind), StatusDelivered.String()).Inc()
	return StatusDelivered, nil
}

// Delivered returns the number of messages delivered since start.
func (r *Relay) Delivered() uint64 {
	return r.delivered.Load()
}
