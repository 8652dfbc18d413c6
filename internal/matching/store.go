package matching

import (
	"context"
	"time"
)

// MatchRequest carries everything the store needs to run one atomic match
// attempt. Tier, PairID and At are resolved by the caller beforehand so the
// store never performs external I/O inside its critical section.
type MatchRequest struct {
	UserID string
	Tier   Tier
	At     time.Time
	PairID string

	// PriorityAtHead inserts an unmatched priority user at the queue head
	// instead of the tail.
	PriorityAtHead bool
}

// EndOutcome is what End removed.
type EndOutcome struct {
	Pair      Pair
	Dissolved bool
	WasQueued bool
}

// Store is the single synchronization boundary around the waiting queue and
// the pair registry. Each method is one indivisible step: either all of its
// effects are applied or none are.
type Store interface {
	// Match runs candidate selection for req.UserID and either forms a pair
	// or enqueues the user. An already paired user gets
	// StatusAlreadyPaired and an already queued user gets StatusSearching,
	// both without state changes.
	Match(ctx context.Context, req MatchRequest) (MatchResult, error)

	// Cancel removes the user from the queue. Absent users are a no-op.
	Cancel(ctx context.Context, userID string) (bool, error)

	// End dissolves the user's pair, if any, and removes the user from the
	// queue.
	End(ctx context.Context, userID string) (EndOutcome, error)

	// PeerOf returns the user's current peer.
	PeerOf(ctx context.Context, userID string) (string, bool, error)

	// Waiting returns a consistent snapshot of the queue in arrival order.
	Waiting(ctx context.Context) ([]WaitingEntry, error)

	// Evict removes every queue entry enqueued before cutoff and returns
	// the removed entries.
	Evict(ctx context.Context, cutoff time.Time) ([]WaitingEntry, error)

	// Stats returns queue length and live pair count.
	Stats(ctx context.Context) (Stats, error)
}
