package session

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

// setupTestPresence connects to Redis on localhost:6379, DB 15. Tests are
// skipped if it is unavailable.
func setupTestPresence(t *testing.T) (*PresenceStore, *redis.Client) {
	t.Helper()

	rdb := redis.NewClient(&redis.Options{Addr: "localhost:6379", DB: 15})
	ctx := context.Background()
	if err := rdb.Ping(ctx).Err(); err != nil {
		t.Skipf("skipping: Redis not available: %v", err)
	}
	rdb.FlushDB(ctx)
	t.Cleanup(func() {
		rdb.FlushDB(ctx)
		rdb.Close()
	})
	return NewPresenceStore(rdb, "ws-test"), rdb
}

func TestPresence_Lifecycle(t *testing.T) {
	s, rdb := setupTestPresence(t)
	ctx := context.Background()
	s.now = func() time.Time { return time.Unix(1700000000, 0) }

	online, err := s.Online(ctx, "u1")
	require.NoError(t, err)
	require.False(t, online)

	require.NoError(t, s.Connect(ctx, "u1"))
	p, err := s.Get(ctx, "u1")
	require.NoError(t, err)
	require.NotNil(t, p)
	require.Equal(t, "ws-test", p.Server)
	require.Equal(t, int64(1700000000), p.ConnectedAt)

	ttl, err := rdb.TTL(ctx, PresencePrefix+"u1").Result()
	require.NoError(t, err)
	require.Greater(t, ttl, time.Duration(0))

	s.now = func() time.Time { return time.Unix(1700000060, 0) }
	require.NoError(t, s.Touch(ctx, "u1"))
	p, err = s.Get(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, int64(1700000060), p.LastActive)

	require.NoError(t, s.Disconnect(ctx, "u1"))
	p, err = s.Get(ctx, "u1")
	require.NoError(t, err)
	require.Nil(t, p)
}
