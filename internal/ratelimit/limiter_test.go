package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func setupTestLimiter(t *testing.T) *Limiter {
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
	return NewLimiter(rdb, nil)
}

func TestLimiter_AllowsUpToLimit(t *testing.T) {
	l := setupTestLimiter(t)
	ctx := context.Background()
	rule := MatchRule(3, time.Minute)

	for i := 0; i < 3; i++ {
		ok, err := l.Allow(ctx, "u1", rule)
		require.NoError(t, err)
		require.True(t, ok, "request %d", i+1)
	}
	ok, err := l.Allow(ctx, "u1", rule)
	require.NoError(t, err)
	require.False(t, ok)

	retry := l.RetryAfter(ctx, "u1", rule)
	require.Greater(t, retry, time.Duration(0))
	require.LessOrEqual(t, retry, time.Minute)

	// Other identifiers are independent.
	ok, err = l.Allow(ctx, "u2", rule)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestLimiter_WindowExpires(t *testing.T) {
	l := setupTestLimiter(t)
	ctx := context.Background()
	rule := MatchRule(1, 200*time.Millisecond)

	ok, _ := l.Allow(ctx, "u1", rule)
	require.True(t, ok)
	ok, _ = l.Allow(ctx, "u1", rule)
	require.False(t, ok)

	require.Eventually(t, func() bool {
		ok, _ := l.Allow(ctx, "u1", rule)
		return ok
	}, 2*time.Second, 50*time.Millisecond)
}

func TestLimiter_DisabledRule(t *testing.T) {
	l := NewLimiter(nil, nil)
	ok, err := l.Allow(context.Background(), "u1", MatchRule(0, time.Minute))
	require.NoError(t, err)
	require.True(t, ok)
}
