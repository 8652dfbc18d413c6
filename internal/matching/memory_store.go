package matching

import (
	"context"
	"errors"
	"sync"
	"time"
)

// MemoryStore keeps the queue and the registry in process memory behind one
// mutex. State does not survive a restart.
type MemoryStore struct {
	mu    sync.Mutex
	queue *WaitingQueue
	pairs *PairRegistry
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		queue: NewWaitingQueue(),
		pairs: NewPairRegistry(),
	}
}

var _ Store = (*MemoryStore)(nil)

func (s *MemoryStore) Match(_ context.Context, req MatchRequest) (MatchResult, error) {
	if err := validUserID(req.UserID); err != nil {
		return MatchResult{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	uid := req.UserID
	if p, ok := s.pairs.PairOf(uid); ok {
		return MatchResult{Status: StatusAlreadyPaired, Peer: p.PeerOf(uid), Pair: p}, nil
	}
	if s.queue.Contains(uid) {
		return MatchResult{Status: StatusSearching}, nil
	}

	if req.Tier == TierPriority {
		if res, ok, err := s.scanForPriority(req); ok || err != nil {
			return res, err
		}
	}

	if res, ok, err := s.drainHeads(req); ok || err != nil {
		return res, err
	}

	entry := WaitingEntry{UserID: uid, EnqueuedAt: req.At, Tier: req.Tier}
	if req.Tier == TierPriority && req.PriorityAtHead {
		s.queue.EnqueueFront(entry)
	} else {
		s.queue.Enqueue(entry)
	}
	return MatchResult{Status: StatusSearching}, nil
}

// scanForPriority pairs the requester with the earliest queued user that is
// still peer-free, regardless of its position.
func (s *MemoryStore) scanForPriority(req MatchRequest) (MatchResult, bool, error) {
	for _, other := range s.queue.Snapshot() {
		if other.UserID == req.UserID {
			continue
		}
		if _, paired := s.pairs.PeerOf(other.UserID); paired {
			continue
		}
		p := newPair(req, other.UserID)
		err := s.pairs.Form(p)
		if errors.Is(err, ErrAlreadyPaired) {
			continue
		}
		if err != nil {
			return MatchResult{}, false, err
		}
		// Form succeeded first, so the removal cannot leave a half-applied
		// state behind.
		s.queue.RemoveAny(other.UserID)
		return MatchResult{Status: StatusMatched, Peer: other.UserID, Pair: p, PeerWaiting: other}, true, nil
	}
	return MatchResult{}, false, nil
}

// drainHeads dequeues heads until one can be paired with the requester or the
// queue is exhausted. A head that already has a peer lost a race elsewhere and
// is dropped rather than re-enqueued.
func (s *MemoryStore) drainHeads(req MatchRequest) (MatchResult, bool, error) {
	for s.queue.Len() > 0 {
		head, _ := s.queue.DequeueHead()
		if head.UserID == req.UserID {
			continue
		}
		p := newPair(req, head.UserID)
		err := s.pairs.Form(p)
		if errors.Is(err, ErrAlreadyPaired) {
			if _, requesterPaired := s.pairs.PeerOf(req.UserID); requesterPaired {
				s.queue.EnqueueFront(head)
				return MatchResult{Status: StatusAlreadyPaired}, true, nil
			}
			continue
		}
		if err != nil {
			s.queue.EnqueueFront(head)
			return MatchResult{}, false, err
		}
		return MatchResult{Status: StatusMatched, Peer: head.UserID, Pair: p, PeerWaiting: head}, true, nil
	}
	return MatchResult{}, false, nil
}

func (s *MemoryStore) Cancel(_ context.Context, userID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue.RemoveAny(userID), nil
}

func (s *MemoryStore) End(_ context.Context, userID string) (EndOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := EndOutcome{WasQueued: s.queue.RemoveAny(userID)}
	out.Pair, out.Dissolved = s.pairs.Dissolve(userID)
	return out, nil
}

func (s *MemoryStore) PeerOf(_ context.Context, userID string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	peer, ok := s.pairs.PeerOf(userID)
	return peer, ok, nil
}

func (s *MemoryStore) Waiting(_ context.Context) ([]WaitingEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue.Snapshot(), nil
}

func (s *MemoryStore) Evict(_ context.Context, cutoff time.Time) ([]WaitingEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var evicted []WaitingEntry
	for _, e := range s.queue.Snapshot() {
		if e.EnqueuedAt.Before(cutoff) {
			s.queue.RemoveAny(e.UserID)
			evicted = append(evicted, e)
		}
	}
	return evicted, nil
}

func (s *MemoryStore) Stats(_ context.Context) (Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{Queued: s.queue.Len(), Pairs: s.pairs.Len()}, nil
}

// Pairs returns every live pair. Intended for diagnostics and tests.
func (s *MemoryStore) Pairs() []Pair {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pairs.Pairs()
}

func newPair(req MatchRequest, other string) Pair {
	return Pair{ID: req.PairID, UserA: req.UserID, UserB: other, FormedAt: req.At}
}
