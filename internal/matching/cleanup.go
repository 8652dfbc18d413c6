package matching

import (
	"context"
	"log/slog"
	"time"

	"github.com/whisper/roulette/internal/metrics"
)

const defaultEvictInterval = 5 * time.Second

// OnlineChecker reports whether a user still holds a gateway connection.
type OnlineChecker interface {
	Online(ctx context.Context, userID string) (bool, error)
}

// Evictor is the background loop that removes idle and disconnected
// searchers and refreshes the queue and pair gauges.
type Evictor struct {
	mm       *Matchmaker
	maxWait  time.Duration
	interval time.Duration
	presence OnlineChecker
	logger   *slog.Logger
}

// NewEvictor creates an eviction loop. A zero maxWait disables eviction;
// the gauges are still refreshed on every tick.
func NewEvictor(mm *Matchmaker, maxWait, interval time.Duration, logger *slog.Logger) *Evictor {
	if interval <= 0 {
		interval = defaultEvictInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Evictor{
		mm:       mm,
		maxWait:  maxWait,
		interval: interval,
		logger:   logger.With("component", "evictor"),
	}
}

// WithPresence makes every tick drop queued users that are no longer
// online, such as those stranded by a crashed gateway.
func (e *Evictor) WithPresence(p OnlineChecker) *Evictor {
	e.presence = p
	return e
}

// Run blocks until ctx is cancelled.
func (e *Evictor) Run(ctx context.Context) {
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.logger.Info("eviction loop stopped")
			return
		case <-ticker.C:
			e.Tick(ctx)
		}
	}
}

// Tick runs one eviction pass and refreshes gauges.
func (e *Evictor) Tick(ctx context.Context) {
	if e.maxWait > 0 {
		if _, err := e.mm.EvictStale(ctx, e.maxWait); err != nil {
			e.logger.Error("eviction failed", "error", err)
		}
	}

	if e.presence != nil {
		e.sweepOffline(ctx)
	}

	stats, err := e.mm.Stats(ctx)
	if err != nil {
		e.logger.Error("stats failed", "error", err)
		return
	}
	metrics.QueueSize.Set(float64(stats.Queued))
	metrics.ActivePairs.Set(float64(stats.Pairs))
}

// sweepOffline removes queued users whose presence record is gone.
func (e *Evictor) sweepOffline(ctx context.Context) {
	waiting, err := e.mm.Waiting(ctx)
	if err != nil {
		e.logger.Error("sweep: list queue", "error", err)
		return
	}

	removed := 0
	for _, w := range waiting {
		online, err := e.presence.Online(ctx, w.UserID)
		if err != nil || online {
			continue
		}
		if err := e.mm.CancelSearch(ctx, w.UserID); err != nil {
			e.logger.Error("sweep: cancel", "user", w.UserID, "error", err)
			continue
		}
		removed++
	}
	if removed > 0 {
		e.logger.Info("sweep: removed offline searchers", "count", removed)
	}
}
