// Package ratelimit provides Redis-backed fixed-window rate limiting with
// INCR + EXPIRE. The gateway uses it to throttle match requests per user.
package ratelimit

import (
	"context"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// Rule defines a rate limiting policy: the Redis key prefix, maximum number of
// requests allowed in the window, and the window duration.
type Rule struct {
	Key    string        // Redis key prefix, e.g. "rl:match:"
	Limit  int           // max count in the window; zero disables the rule
	Window time.Duration // time window
}

// MatchRule throttles find_partner and next_partner.
func MatchRule(limit int, window time.Duration) Rule {
	return Rule{Key: "rl:match:", Limit: limit, Window: window}
}

// Limiter performs rate limiting checks against Redis.
type Limiter struct {
	client *redis.Client
	logger *slog.Logger
}

// NewLimiter creates a Limiter backed by the given Redis client.
func NewLimiter(client *redis.Client, logger *slog.Logger) *Limiter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Limiter{client: client, logger: logger.With("component", "ratelimit")}
}

// Allow counts one request for identifier under rule and reports whether it
// is within the limit. INCR and EXPIRE NX run in one transaction, so a key
// never outlives its window. On Redis errors it fails open.
func (l *Limiter) Allow(ctx context.Context, identifier string, rule Rule) (bool, error) {
	if rule.Limit <= 0 {
		return true, nil
	}
	key := rule.Key + identifier

	var incr *redis.IntCmd
	_, err := l.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, key)
		pipe.ExpireNX(ctx, key, rule.Window)
		return nil
	})
	if err != nil {
		l.logger.Warn("rate limit check failed, failing open", "key", key, "error", err)
		return true, err
	}
	return incr.Val() <= int64(rule.Limit), nil
}

// RetryAfter returns how long until the identifier's window resets.
func (l *Limiter) RetryAfter(ctx context.Context, identifier string, rule Rule) time.Duration {
	ttl, err := l.client.PTTL(ctx, rule.Key+identifier).Result()
	if err != nil || ttl < 0 {
		return 0
	}
	return ttl
}
