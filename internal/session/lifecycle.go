// Package session is the entry surface for pairing and relay. Lifecycle
// runs the operations in-process; Client runs the same operations against a
// remote matcher over NATS request/reply, and Server exposes a Lifecycle to
// such clients.
package session

import (
	"context"

	"github.com/whisper/roulette/internal/matching"
	"github.com/whisper/roulette/internal/relay"
)

// Service is the set of operations offered to hosts. Lifecycle and Client
// both implement it.
type Service interface {
	RequestMatch(ctx context.Context, userID string) (matching.MatchResult, error)
	CancelSearch(ctx context.Context, userID string) error
	EndSession(ctx context.Context, userID string) (matching.EndResult, error)
	Leave(ctx context.Context, userID string) (matching.EndResult, error)
	SwapPartner(ctx context.Context, userID string) (matching.MatchResult, error)
	Relay(ctx context.Context, from string, content relay.Content) (relay.Status, error)
	PeerOf(ctx context.Context, userID string) (string, bool, error)
}

// Lifecycle aggregates the matchmaker and the relay. It keeps no state of
// its own.
type Lifecycle struct {
	*matching.Matchmaker
	relay *relay.Relay
}

var _ Service = (*Lifecycle)(nil)

// NewLifecycle wires a façade over mm and r.
func NewLifecycle(mm *matching.Matchmaker, r *relay.Relay) *Lifecycle {
	return &Lifecycle{Matchmaker: mm, relay: r}
}

// Relay forwards content to the sender's current peer.
func (l *Lifecycle) Relay(ctx context.Context, from string, content relay.Content) (relay.Status, error) {
	return l.relay.Relay(ctx, from, content)
}
