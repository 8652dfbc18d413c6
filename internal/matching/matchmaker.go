package matching

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/whisper/roulette/internal/metrics"
)

// TierResolver resolves a user's priority tier. It is called before the
// store's atomic step, never inside it.
type TierResolver interface {
	TierOf(ctx context.Context, userID string) (Tier, error)
}

// TierResolverFunc adapts a function to the TierResolver interface.
type TierResolverFunc func(ctx context.Context, userID string) (Tier, error)

func (f TierResolverFunc) TierOf(ctx context.Context, userID string) (Tier, error) {
	return f(ctx, userID)
}

// Options tunes matchmaking policy.
type Options struct {
	// RequeueAbandoned re-enters the former peer into matchmaking when a
	// session is ended by the other side.
	RequeueAbandoned bool

	// PriorityAtHead places unmatched priority users at the queue head.
	PriorityAtHead bool
}

// End reasons recorded in metrics.
const (
	reasonEnd        = "end"
	reasonSwap       = "swap"
	reasonDisconnect = "disconnect"
)

// Matchmaker runs the pairing policy over a Store and emits events once the
// store has committed.
type Matchmaker struct {
	store    Store
	tiers    TierResolver
	notifier Notifier
	opts     Options
	logger   *slog.Logger

	now   func() time.Time
	newID func() string
}

// NewMatchmaker wires a matchmaker. A nil resolver treats everyone as
// standard tier and a nil notifier discards events.
func NewMatchmaker(store Store, tiers TierResolver, notifier Notifier, opts Options, logger *slog.Logger) *Matchmaker {
	if tiers == nil {
		tiers = TierResolverFunc(func(context.Context, string) (Tier, error) { return TierStandard, nil })
	}
	if notifier == nil {
		notifier = DiscardNotifier
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Matchmaker{
		store:    store,
		tiers:    tiers,
		notifier: notifier,
		opts:     opts,
		logger:   logger.With("component", "matcher"),
		now:      time.Now,
		newID:    uuid.NewString,
	}
}

// RequestMatch pairs userID with a waiting user or queues it. Both members
// of a new pair receive a matched event.
func (m *Matchmaker) RequestMatch(ctx context.Context, userID string) (MatchResult, error) {
	if err := validUserID(userID); err != nil {
		return MatchResult{}, err
	}

	peer, paired, err := m.store.PeerOf(ctx, userID)
	if err != nil {
		return MatchResult{}, fmt.Errorf("matching: request %s: %w", userID, err)
	}
	if paired {
		metrics.MatchRequests.WithLabelValues("unresolved", StatusAlreadyPaired.String()).Inc()
		return MatchResult{Status: StatusAlreadyPaired, Peer: peer}, nil
	}

	tier := m.tierOf(ctx, userID)
	now := m.now()
	res, err := m.store.Match(ctx, MatchRequest{
		UserID:         userID,
		Tier:           tier,
		At:             now,
		PairID:         m.newID(),
		PriorityAtHead: m.opts.PriorityAtHead,
	})
	if err != nil {
		metrics.MatchRequests.WithLabelValues(tier.String(), "error").Inc()
		return MatchResult{}, fmt.Errorf("matching: request %s: %w", userID, err)
	}
	metrics.MatchRequests.WithLabelValues(tier.String(), res.Status.String()).Inc()

	switch res.Status {
	case StatusMatched:
		if !res.PeerWaiting.EnqueuedAt.IsZero() {
			metrics.MatchWait.Observe(now.Sub(res.PeerWaiting.EnqueuedAt).Seconds())
		}
		m.logger.Info("pair formed", "pair", res.Pair.ID, "user", userID, "peer", res.Peer, "tier", tier)
		m.notify(ctx, Event{Type: EventMatched, UserID: userID, PeerID: res.Peer, PairID: res.Pair.ID})
		m.notify(ctx, Event{Type: EventMatched, UserID: res.Peer, PeerID: userID, PairID: res.Pair.ID})
	case StatusSearching:
		m.logger.Debug("searching", "user", userID, "tier", tier)
	}
	return res, nil
}

// CancelSearch removes userID from the queue. Users that are not queued are
// a no-op.
func (m *Matchmaker) CancelSearch(ctx context.Context, userID string) error {
	removed, err := m.store.Cancel(ctx, userID)
	if err != nil {
		return fmt.Errorf("matching: cancel %s: %w", userID, err)
	}
	if removed {
		m.logger.Debug("search cancelled", "user", userID)
	}
	return nil
}

// EndSession dissolves userID's pair and removes it from the queue. The
// former peer is told and, with RequeueAbandoned, searches again.
func (m *Matchmaker) EndSession(ctx context.Context, userID string) (EndResult, error) {
	return m.endSession(ctx, userID, reasonEnd)
}

// Leave ends the session of a user whose connection went away.
func (m *Matchmaker) Leave(ctx context.Context, userID string) (EndResult, error) {
	return m.endSession(ctx, userID, reasonDisconnect)
}

// SwapPartner ends the current session and immediately requests a new
// match. The end step is complete before the new request is evaluated.
//
// With RequeueAbandoned the former peer is requeued first, so when nobody
// else is waiting the swapper is matched straight back to the same peer.
func (m *Matchmaker) SwapPartner(ctx context.Context, userID string) (MatchResult, error) {
	if _, err := m.endSession(ctx, userID, reasonSwap); err != nil {
		return MatchResult{}, err
	}
	return m.RequestMatch(ctx, userID)
}

// PeerOf returns the user's current peer.
func (m *Matchmaker) PeerOf(ctx context.Context, userID string) (string, bool, error) {
	peer, ok, err := m.store.PeerOf(ctx, userID)
	if err != nil {
		return "", false, fmt.Errorf("matching: peer of %s: %w", userID, err)
	}
	return peer, ok, nil
}

// EvictStale removes users that have waited longer than maxWait and sends
// each a search_timeout event.
func (m *Matchmaker) EvictStale(ctx context.Context, maxWait time.Duration) ([]WaitingEntry, error) {
	evicted, err := m.store.Evict(ctx, m.now().Add(-maxWait))
	if err != nil {
		return nil, fmt.Errorf("matching: evict: %w", err)
	}
	for _, e := range evicted {
		m.notify(ctx, Event{Type: EventSearchTimeout, UserID: e.UserID})
	}
	if n := len(evicted); n > 0 {
		metrics.Evictions.Add(float64(n))
		m.logger.Info("evicted idle searchers", "count", n, "max_wait", maxWait)
	}
	return evicted, nil
}

// Waiting returns the queue in arrival order.
func (m *Matchmaker) Waiting(ctx context.Context) ([]WaitingEntry, error) {
	return m.store.Waiting(ctx)
}

// Stats returns the store's queue length and pair count.
func (m *Matchmaker) Stats(ctx context.Context) (Stats, error) {
	return m.store.Stats(ctx)
}

func (m *Matchmaker) endSession(ctx context.Context, userID, reason string) (EndResult, error) {
	if err := validUserID(userID); err != nil {
		return EndResult{}, err
	}
	out, err := m.store.End(ctx, userID)
	if err != nil {
		return EndResult{}, fmt.Errorf("matching: end %s: %w", userID, err)
	}

	res := EndResult{Status: EndNotPaired, WasSearching: out.WasQueued}
	if !out.Dissolved {
		return res, nil
	}

	peer := out.Pair.PeerOf(userID)
	res.Status, res.FormerPeer, res.Pair = EndDissolved, peer, out.Pair
	metrics.SessionsEnded.WithLabelValues(reason).Inc()
	m.logger.Info("pair dissolved", "pair", out.Pair.ID, "user", userID, "peer", peer, "reason", reason)

	m.notify(ctx, Event{
		Type:     EventPartnerLeft,
		UserID:   peer,
		PeerID:   userID,
		PairID:   out.Pair.ID,
		Requeued: m.opts.RequeueAbandoned,
	})

	if m.opts.RequeueAbandoned {
		// The caller's session is already over; a failed requeue only
		// leaves the peer idle.
		r, err := m.RequestMatch(ctx, peer)
		if err != nil {
			m.logger.Error("requeue abandoned peer", "peer", peer, "error", err)
		} else {
			res.PeerRequeue = &r
		}
	}
	return res, nil
}

func (m *Matchmaker) tierOf(ctx context.Context, userID string) Tier {
	tier, err := m.tiers.TierOf(ctx, userID)
	if err != nil {
		m.logger.Warn("tier lookup failed, using standard", "user", userID, "error", err)
		return TierStandard
	}
	return tier
}

func (m *Matchmaker) notify(ctx context.Context, ev Event) {
	ev.ID = m.newID()
	if ev.At.IsZero() {
		ev.At = m.now()
	}
	if err := m.notifier.Notify(ctx, ev); err != nil {
		metrics.NotificationsFailed.Inc()
		m.logger.Warn("notify failed", "type", ev.Type, "user", ev.UserID, "error", err)
	}
}
