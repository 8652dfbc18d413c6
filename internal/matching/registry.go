package matching

// PairRegistry is the authoritative record of who is paired with whom.
// Every live pair is indexed under both members so lookups from either
// side are O(1).
//
// Like WaitingQueue it is not safe for concurrent use on its own.
type PairRegistry struct {
	byUser map[string]Pair
	count  int
}

// NewPairRegistry creates an empty registry.
func NewPairRegistry() *PairRegistry {
	return &PairRegistry{byUser: make(map[string]Pair)}
}

// Form records p in both directions. It fails with ErrAlreadyPaired,
// leaving the registry unchanged, if either member already has a peer.
func (r *PairRegistry) Form(p Pair) error {
	if err := validUserID(p.UserA); err != nil {
		return err
	}
	if err := validUserID(p.UserB); err != nil {
		return err
	}
	if p.UserA == p.UserB {
		return ErrInvalidUser
	}
	if _, ok := r.byUser[p.UserA]; ok {
		return ErrAlreadyPaired
	}
	if _, ok := r.byUser[p.UserB]; ok {
		return ErrAlreadyPaired
	}
	r.byUser[p.UserA] = p
	r.byUser[p.UserB] = p
	r.count++
	return nil
}

// PeerOf returns the user's current peer.
func (r *PairRegistry) PeerOf(userID string) (string, bool) {
	p, ok := r.byUser[userID]
	if !ok {
		return "", false
	}
	return p.PeerOf(userID), true
}

// PairOf returns the live pair the user belongs to.
func (r *PairRegistry) PairOf(userID string) (Pair, bool) {
	p, ok := r.byUser[userID]
	return p, ok
}

// Dissolve removes the user's pair from both directions and returns it.
func (r *PairRegistry) Dissolve(userID string) (Pair, bool) {
	p, ok := r.byUser[userID]
	if !ok {
		return Pair{}, false
	}
	delete(r.byUser, p.UserA)
	delete(r.byUser, p.UserB)
	r.count--
	return p, true
}

// Len returns the number of live pairs.
func (r *PairRegistry) Len() int {
	return r.count
}

// Pairs returns every live pair once.
func (r *PairRegistry) Pairs() []Pair {
	out := make([]Pair, 0, r.count)
	for uid, p := range r.byUser {
		if uid == p.UserA {
			out = append(out, p)
		}
	}
	return out
}
