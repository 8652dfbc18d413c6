package main

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/whisper/roulette/internal/config"
	"github.com/whisper/roulette/internal/logging"
	"github.com/whisper/roulette/internal/matching"
	"github.com/whisper/roulette/internal/messaging"
	"github.com/whisper/roulette/internal/metrics"
	"github.com/whisper/roulette/internal/profile"
	"github.com/whisper/roulette/internal/relay"
	"github.com/whisper/roulette/internal/session"
)

func main() {
	if err := run(); err != nil {
		slog.Error("matcher exited", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger, err := logging.Setup("matcher", cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Redis backs the shared store, the tier cache and presence lookups.
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, DB: cfg.RedisDB})
	defer rdb.Close()
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	err = rdb.Ping(pingCtx).Err()
	cancel()
	if err != nil {
		return err
	}

	natsCfg := messaging.DefaultNATSConfig()
	natsCfg.URL = cfg.NATSURL
	natsCfg.Name = "roulette-matcher"
	natsCfg.RequestTimeout = cfg.RPCTimeout
	bus, err := messaging.NewNATSClient(natsCfg, logger)
	if err != nil {
		return err
	}
	defer bus.Close()

	var store matching.Store
	switch cfg.StoreBackend {
	case config.BackendMemory:
		store = matching.NewMemoryStore()
	default:
		store = matching.NewRedisStore(rdb)
	}

	grants, db, err := openGrants(ctx, cfg, logger)
	if err != nil {
		return err
	}
	if db != nil {
		defer db.Close()
	}
	directory := profile.NewDirectory(grants, rdb, logger)

	mm := matching.NewMatchmaker(store, directory, matching.NewNATSNotifier(bus), cfg.MatchingOptions(), logger)
	rl := relay.New(mm, relay.NewNATSTransport(bus), cfg.RelayOptions(), logger)
	if err := session.NewServer(session.NewLifecycle(mm, rl), bus, logger).Start(); err != nil {
		return err
	}

	evictor := matching.NewEvictor(mm, cfg.MaxWait, cfg.EvictInterval, logger).
		WithPresence(session.NewPresenceStore(rdb, cfg.ServerName))
	go evictor.Run(ctx)

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := rdb.Ping(r.Context()).Err(); err != nil {
			http.Error(w, "redis unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	httpSrv := &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", "error", err)
		}
	}()

	logger.Info("matcher running",
		"store", cfg.StoreBackend,
		"redis_addr", cfg.RedisAddr,
		"nats_url", cfg.NATSURL,
		"requeue_abandoned", cfg.RequeueAbandoned,
		"max_wait", cfg.MaxWait,
		"metrics_addr", cfg.MetricsAddr,
	)

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return httpSrv.Shutdown(shutdownCtx)
}

// openGrants uses Postgres when DATABASE_URL is set and an in-memory store
// otherwise.
func openGrants(ctx context.Context, cfg config.Config, logger *slog.Logger) (profile.GrantStore, *sql.DB, error) {
	if cfg.DatabaseURL == "" {
		logger.Warn("DATABASE_URL not set, priority grants are kept in memory")
		return profile.NewMemoryGrantStore(), nil, nil
	}
	db, err := profile.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	if cfg.AutoMigrate {
		if err := profile.MigrateUp(db); err != nil {
			db.Close()
			return nil, nil, err
		}
	}
	return profile.NewPostgresGrantStore(db), db, nil
}
