package matching

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// storeHarness gives the shared tests a fresh store plus a way to seed the
// queue directly. Through Match alone the queue never holds more than one
// peer-free user, so ordering tests need seeding.
type storeHarness struct {
	store Store
	seed  func(t *testing.T, entries ...WaitingEntry)
}

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func req(uid string, tier Tier, at time.Time) MatchRequest {
	return MatchRequest{UserID: uid, Tier: tier, At: at, PairID: "pair-" + uid}
}

func runStoreSuite(t *testing.T, newHarness func(t *testing.T) storeHarness) {
	ctx := context.Background()

	t.Run("first request searches, second matches", func(t *testing.T) {
		h := newHarness(t)
		res, err := h.store.Match(ctx, req("u1", TierStandard, t0))
		require.NoError(t, err)
		require.Equal(t, StatusSearching, res.Status)

		res, err = h.store.Match(ctx, req("u2", TierStandard, t0.Add(3*time.Second)))
		require.NoError(t, err)
		require.Equal(t, StatusMatched, res.Status)
		require.Equal(t, "u1", res.Peer)
		require.Equal(t, "pair-u2", res.Pair.ID)
		require.Equal(t, "u1", res.PeerWaiting.UserID)
		require.True(t, t0.Equal(res.PeerWaiting.EnqueuedAt))

		peer, ok, err := h.store.PeerOf(ctx, "u1")
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, "u2", peer)

		stats, err := h.store.Stats(ctx)
		require.NoError(t, err)
		require.Equal(t, Stats{Queued: 0, Pairs: 1}, stats)
	})

	t.Run("repeat request while queued is a no-op", func(t *testing.T) {
		h := newHarness(t)
		_, err := h.store.Match(ctx, req("u1", TierStandard, t0))
		require.NoError(t, err)
		res, err := h.store.Match(ctx, req("u1", TierStandard, t0.Add(time.Second)))
		require.NoError(t, err)
		require.Equal(t, StatusSearching, res.Status)

		waiting, err := h.store.Waiting(ctx)
		require.NoError(t, err)
		require.Len(t, waiting, 1)
		require.True(t, t0.Equal(waiting[0].EnqueuedAt))
	})

	t.Run("already paired user is reported, not re-matched", func(t *testing.T) {
		h := newHarness(t)
		_, err := h.store.Match(ctx, req("u1", TierStandard, t0))
		require.NoError(t, err)
		_, err = h.store.Match(ctx, req("u2", TierStandard, t0))
		require.NoError(t, err)
		_, err = h.store.Match(ctx, req("u3", TierStandard, t0))
		require.NoError(t, err)

		res, err := h.store.Match(ctx, req("u1", TierPriority, t0))
		require.NoError(t, err)
		require.Equal(t, StatusAlreadyPaired, res.Status)
		require.Equal(t, "u2", res.Peer)
		require.Equal(t, "pair-u2", res.Pair.ID)

		waiting, err := h.store.Waiting(ctx)
		require.NoError(t, err)
		require.Equal(t, []string{"u3"}, ids(waiting))
	})

	t.Run("standard requester takes the queue head", func(t *testing.T) {
		h := newHarness(t)
		h.seed(t, WaitingEntry{UserID: "a", EnqueuedAt: t0}, WaitingEntry{UserID: "b", EnqueuedAt: t0.Add(time.Second)})

		res, err := h.store.Match(ctx, req("c", TierStandard, t0.Add(2*time.Second)))
		require.NoError(t, err)
		require.Equal(t, StatusMatched, res.Status)
		require.Equal(t, "a", res.Peer)

		waiting, err := h.store.Waiting(ctx)
		require.NoError(t, err)
		require.Equal(t, []string{"b"}, ids(waiting))
	})

	t.Run("priority requester takes the earliest eligible entry", func(t *testing.T) {
		h := newHarness(t)
		var seeded []WaitingEntry
		for i := 0; i < 10; i++ {
			seeded = append(seeded, WaitingEntry{UserID: fmt.Sprintf("s%d", i), EnqueuedAt: t0.Add(time.Duration(i) * time.Second)})
		}
		h.seed(t, seeded...)

		res, err := h.store.Match(ctx, req("p", TierPriority, t0.Add(time.Minute)))
		require.NoError(t, err)
		require.Equal(t, StatusMatched, res.Status)
		require.Equal(t, "s0", res.Peer)

		stats, err := h.store.Stats(ctx)
		require.NoError(t, err)
		require.Equal(t, 9, stats.Queued)
	})

	t.Run("cancel is idempotent", func(t *testing.T) {
		h := newHarness(t)
		removed, err := h.store.Cancel(ctx, "ghost")
		require.NoError(t, err)
		require.False(t, removed)

		_, err = h.store.Match(ctx, req("u1", TierStandard, t0))
		require.NoError(t, err)
		removed, err = h.store.Cancel(ctx, "u1")
		require.NoError(t, err)
		require.True(t, removed)
		removed, err = h.store.Cancel(ctx, "u1")
		require.NoError(t, err)
		require.False(t, removed)
	})

	t.Run("end dissolves the pair from either side", func(t *testing.T) {
		h := newHarness(t)
		_, err := h.store.Match(ctx, req("u1", TierStandard, t0))
		require.NoError(t, err)
		_, err = h.store.Match(ctx, req("u2", TierStandard, t0))
		require.NoError(t, err)

		out, err := h.store.End(ctx, "u1")
		require.NoError(t, err)
		require.True(t, out.Dissolved)
		require.False(t, out.WasQueued)
		require.Equal(t, "u2", out.Pair.PeerOf("u1"))
		require.Equal(t, "pair-u2", out.Pair.ID)

		_, ok, err := h.store.PeerOf(ctx, "u2")
		require.NoError(t, err)
		require.False(t, ok)

		out, err = h.store.End(ctx, "u2")
		require.NoError(t, err)
		require.False(t, out.Dissolved)
	})

	t.Run("end removes a searching user", func(t *testing.T) {
		h := newHarness(t)
		_, err := h.store.Match(ctx, req("u1", TierStandard, t0))
		require.NoError(t, err)

		out, err := h.store.End(ctx, "u1")
		require.NoError(t, err)
		require.True(t, out.WasQueued)
		require.False(t, out.Dissolved)

		stats, err := h.store.Stats(ctx)
		require.NoError(t, err)
		require.Zero(t, stats.Queued)
	})

	t.Run("evict removes only entries older than cutoff", func(t *testing.T) {
		h := newHarness(t)
		h.seed(t,
			WaitingEntry{UserID: "old", EnqueuedAt: t0},
			WaitingEntry{UserID: "new", EnqueuedAt: t0.Add(time.Hour)},
		)

		evicted, err := h.store.Evict(ctx, t0.Add(time.Minute))
		require.NoError(t, err)
		require.Equal(t, []string{"old"}, ids(evicted))

		waiting, err := h.store.Waiting(ctx)
		require.NoError(t, err)
		require.Equal(t, []string{"new"}, ids(waiting))
	})

	t.Run("queue holds at most one peer-free user", func(t *testing.T) {
		h := newHarness(t)
		for i := 0; i < 7; i++ {
			tier := TierStandard
			if i%3 == 0 {
				tier = TierPriority
			}
			_, err := h.store.Match(ctx, req(fmt.Sprintf("u%d", i), tier, t0.Add(time.Duration(i)*time.Second)))
			require.NoError(t, err)

			stats, err := h.store.Stats(ctx)
			require.NoError(t, err)
			require.LessOrEqual(t, stats.Queued, 1)
		}
		stats, err := h.store.Stats(ctx)
		require.NoError(t, err)
		require.Equal(t, Stats{Queued: 1, Pairs: 3}, stats)
	})

	t.Run("empty user id is rejected", func(t *testing.T) {
		h := newHarness(t)
		_, err := h.store.Match(ctx, req(" ", TierStandard, t0))
		require.ErrorIs(t, err, ErrInvalidUser)
	})
}
