package matching

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

// setupTestRedis connects to a test Redis instance on localhost:6379, DB 15.
// Tests are skipped if it is unavailable.
func setupTestRedis(t *testing.T) *redis.Client {
	t.Helper()

	rdb := redis.NewClient(&redis.Options{
		Addr: "localhost:6379",
		DB:   15,
	})

	ctx := context.Background()
	if err := rdb.Ping(ctx).Err(); err != nil {
		t.Skipf("skipping: Redis not available: %v", err)
	}
	rdb.FlushDB(ctx)

	t.Cleanup(func() {
		rdb.FlushDB(ctx)
		rdb.Close()
	})
	return rdb
}

func newRedisHarness(t *testing.T) storeHarness {
	rdb := setupTestRedis(t)
	return storeHarness{
		store: NewRedisStore(rdb),
		seed: func(t *testing.T, entries ...WaitingEntry) {
			t.Helper()
			ctx := context.Background()
			for _, e := range entries {
				score, err := rdb.Incr(ctx, keySeq).Result()
				require.NoError(t, err)
				require.NoError(t, rdb.ZAdd(ctx, keyQueue, redis.Z{Score: float64(score), Member: e.UserID}).Err())
				record := fmt.Sprintf("%s|%d", e.Tier, e.EnqueuedAt.UnixMilli())
				require.NoError(t, rdb.HSet(ctx, keyWaiting, e.UserID, record).Err())
			}
		},
	}
}

func TestRedisStore(t *testing.T) {
	runStoreSuite(t, newRedisHarness)
}

func TestRedisStore_StaleHeadDiscarded(t *testing.T) {
	h := newRedisHarness(t)
	rdb := h.store.(*RedisStore).rdb
	ctx := context.Background()

	h.seed(t, entry("x"), entry("y"))
	require.NoError(t, rdb.HSet(ctx, keyPeer, "x", "z", "z", "x").Err())

	res, err := h.store.Match(ctx, req("c", TierStandard, t0))
	require.NoError(t, err)
	require.Equal(t, StatusMatched, res.Status)
	require.Equal(t, "y", res.Peer)

	n, err := rdb.ZCard(ctx, keyQueue).Result()
	require.NoError(t, err)
	require.Zero(t, n)
	require.False(t, rdb.HExists(ctx, keyWaiting, "x").Val())
}

func TestRedisStore_PriorityAtHead(t *testing.T) {
	h := newRedisHarness(t)
	rdb := h.store.(*RedisStore).rdb
	ctx := context.Background()

	h.seed(t, entry("x"))
	require.NoError(t, rdb.HSet(ctx, keyPeer, "x", "z", "z", "x").Err())

	// The priority scan skips stale x without removing it, then the head
	// drain discards it, leaving p alone in the queue.
	r := req("p", TierPriority, t0)
	r.PriorityAtHead = true
	res, err := h.store.Match(ctx, r)
	require.NoError(t, err)
	require.Equal(t, StatusSearching, res.Status)

	h.seed(t, entry("s"))
	waiting, err := h.store.Waiting(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"p", "s"}, ids(waiting))
	require.Equal(t, TierPriority, waiting[0].Tier)
}

func TestDecodeMeta_PipesInUserIDs(t *testing.T) {
	formed := time.UnixMilli(1767225600000)
	raw := fmt.Sprintf("pid|a|b|%d", formed.UnixMilli())

	p, err := decodeMeta("a|b", "c", raw)
	require.NoError(t, err)
	require.Equal(t, Pair{ID: "pid", UserA: "a|b", UserB: "c", FormedAt: formed}, p)

	p, err = decodeMeta("c", "a|b", raw)
	require.NoError(t, err)
	require.Equal(t, "a|b", p.UserA)
	require.Equal(t, "c", p.UserB)
}

func TestDecodeMeta_Malformed(t *testing.T) {
	for _, raw := range []string{"", "pid", "pid|a", "pid|a|notanumber"} {
		_, err := decodeMeta("a", "b", raw)
		require.Error(t, err, raw)
	}
}

func TestDecodeWaiting(t *testing.T) {
	e, err := decodeWaiting("u", "priority|1000")
	require.NoError(t, err)
	require.Equal(t, TierPriority, e.Tier)
	require.Equal(t, int64(1000), e.EnqueuedAt.UnixMilli())

	_, err = decodeWaiting("u", "gold|1000")
	require.Error(t, err)
	_, err = decodeWaiting("u", "standard")
	require.Error(t, err)
}
