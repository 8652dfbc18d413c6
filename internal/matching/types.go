package matching

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrAlreadyPaired is returned by PairRegistry.Form when either side
	// already has a live peer. It means a race was lost; the matcher
	// recovers by choosing another candidate and never surfaces it.
	ErrAlreadyPaired = errors.New("matching: user already paired")

	// ErrInvalidUser is returned for empty user ids and self-pairing.
	ErrInvalidUser = errors.New("matching: invalid user id")
)

// Tier is a user's priority class. It affects matching order, never
// matching eligibility.
type Tier int

const (
	TierStandard Tier = iota
	TierPriority
)

func (t Tier) String() string {
	if t == TierPriority {
		return "priority"
	}
	return "standard"
}

// ParseTier parses the string form produced by Tier.String.
func ParseTier(s string) (Tier, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "standard", "":
		return TierStandard, nil
	case "priority":
		return TierPriority, nil
	default:
		return TierStandard, fmt.Errorf("matching: unknown tier %q", s)
	}
}

// WaitingEntry is a user's membership in the waiting queue. The tier is
// resolved once, when the entry is created.
type WaitingEntry struct {
	UserID     string    `json:"user_id"`
	EnqueuedAt time.Time `json:"enqueued_at"`
	Tier       Tier      `json:"tier"`
}

// Pair is a live conversation between two users. UserA is the side whose
// request formed the pair.
type Pair struct {
	ID       string    `json:"id"`
	UserA    string    `json:"user_a"`
	UserB    string    `json:"user_b"`
	FormedAt time.Time `json:"formed_at"`
}

// PeerOf returns the other member of the pair, or "" if userID is not a
// member.
func (p Pair) PeerOf(userID string) string {
	switch userID {
	case p.UserA:
		return p.UserB
	case p.UserB:
		return p.UserA
	}
	return ""
}

// Has reports whether userID is a member of the pair.
func (p Pair) Has(userID string) bool {
	return userID != "" && (userID == p.UserA || userID == p.UserB)
}

// MatchStatus is the outcome of a match request.
type MatchStatus int

const (
	StatusSearching MatchStatus = iota
	StatusMatched
	StatusAlreadyPaired
)

func (s MatchStatus) String() string {
	switch s {
	case StatusMatched:
		return "matched"
	case StatusAlreadyPaired:
		return "already_paired"
	default:
		return "searching"
	}
}

// ParseMatchStatus parses the string form produced by MatchStatus.String.
func ParseMatchStatus(s string) (MatchStatus, error) {
	switch s {
	case "searching":
		return StatusSearching, nil
	case "matched":
		return StatusMatched, nil
	case "already_paired":
		return StatusAlreadyPaired, nil
	}
	return StatusSearching, fmt.Errorf("matching: unknown match status %q", s)
}

// MatchResult is returned by a match request. Peer and Pair are set for
// StatusMatched and StatusAlreadyPaired.
type MatchResult struct {
	Status MatchStatus
	Peer   string
	Pair   Pair

	// PeerWaiting is the queue entry the requester was paired with. It is
	// zero unless a new pair was formed.
	PeerWaiting WaitingEntry
}

// EndStatus is the outcome of ending a session.
type EndStatus int

const (
	EndNotPaired EndStatus = iota
	EndDissolved
)

func (s EndStatus) String() string {
	if s == EndDissolved {
		return "dissolved"
	}
	return "not_paired"
}

// ParseEndStatus parses the string form produced by EndStatus.String.
func ParseEndStatus(s string) (EndStatus, error) {
	switch s {
	case "dissolved":
		return EndDissolved, nil
	case "not_paired":
		return EndNotPaired, nil
	}
	return EndNotPaired, fmt.Errorf("matching: unknown end status %q", s)
}

// EndResult is returned by EndSession.
type EndResult struct {
	Status     EndStatus
	FormerPeer string
	Pair       Pair

	// WasSearching is true when the user was removed from the queue.
	WasSearching bool

	// PeerRequeue holds the outcome of re-entering the abandoned peer into
	// matchmaking. Nil when requeueing is disabled or nothing was dissolved.
	PeerRequeue *MatchResult
}

// Stats is a point-in-time summary of the store.
type Stats struct {
	Queued int
	Pairs  int
}

func validUserID(userID string) error {
	if strings.TrimSpace(userID) == "" {
		return ErrInvalidUser
	}
	return nil
}
