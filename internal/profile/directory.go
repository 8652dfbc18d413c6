package profile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/whisper/roulette/internal/matching"
)

const (
	tierPrefix = "tier:"

	// A standard verdict is cached briefly so a fresh grant shows up soon
	// even without an explicit Invalidate.
	standardCacheTTL = 30 * time.Second
	maxCacheTTL      = 10 * time.Minute
)

// Directory answers tier questions for the matchmaker. Lookups hit the
// grant store, optionally behind a Redis cache.
type Directory struct {
	grants GrantStore
	cache  *redis.Client
	logger *slog.Logger
	now    func() time.Time
}

var _ matching.TierResolver = (*Directory)(nil)

// NewDirectory creates a directory. cache may be nil.
func NewDirectory(grants GrantStore, cache *redis.Client, logger *slog.Logger) *Directory {
	if logger == nil {
		logger = slog.Default()
	}
	return &Directory{
		grants: grants,
		cache:  cache,
		logger: logger.With("component", "profile"),
		now:    time.Now,
	}
}

// TierOf returns priority iff the user holds an unexpired grant.
func (d *Directory) TierOf(ctx context.Context, userID string) (matching.Tier, error) {
	if tier, ok := d.cached(ctx, userID); ok {
		return tier, nil
	}

	now := d.now()
	until, ok, err := d.grants.ActiveUntil(ctx, userID, now)
	if err != nil {
		return matching.TierStandard, fmt.Errorf("profile: tier of %s: %w", userID, err)
	}

	tier, ttl := matching.TierStandard, standardCacheTTL
	if ok {
		tier, ttl = matching.TierPriority, min(until.Sub(now), maxCacheTTL)
	}
	d.store(ctx, userID, tier, ttl)
	return tier, nil
}

// Invalidate drops the cached tier so the next lookup reads the grants.
func (d *Directory) Invalidate(ctx context.Context, userID string) error {
	if d.cache == nil {
		return nil
	}
	if err := d.cache.Del(ctx, tierPrefix+userID).Err(); err != nil {
		return fmt.Errorf("profile: invalidate %s: %w", userID, err)
	}
	return nil
}

func (d *Directory) cached(ctx context.Context, userID string) (matching.Tier, bool) {
	if d.cache == nil {
		return matching.TierStandard, false
	}
	raw, err := d.cache.Get(ctx, tierPrefix+userID).Result()
	if errors.Is(err, redis.Nil) {
		return matching.TierStandard, false
	}
	if err != nil {
		d.logger.Warn("tier cache read failed", "user", userID, "error", err)
		return matching.TierStandard, false
	}
	tier, err := matching.ParseTier(raw)
	if err != nil {
		return matching.TierStandard, false
	}
	return tier, true
}

func (d *Directory) store(ctx context.Context, userID string, tier matching.Tier, ttl time.Duration) {
	if d.cache == nil || ttl <= 0 {
		return
	}
	if err := d.cache.Set(ctx, tierPrefix+userID, tier.String(), ttl).Err(); err != nil {
		d.logger.Warn("tier cache write failed", "user", userID, "error", err)
	}
}
