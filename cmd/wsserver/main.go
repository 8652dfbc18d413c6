package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/whisper/roulette/internal/config"
	"github.com/whisper/roulette/internal/gateway"
	"github.com/whisper/roulette/internal/logging"
	"github.com/whisper/roulette/internal/messaging"
	"github.com/whisper/roulette/internal/profile"
	"github.com/whisper/roulette/internal/ratelimit"
	"github.com/whisper/roulette/internal/session"
	"github.com/whisper/roulette/internal/ws"
)

func main() {
	if err := run(); err != nil {
		slog.Error("wsserver exited", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger, err := logging.Setup("wsserver", cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// --- NATS ---
	natsCfg := messaging.DefaultNATSConfig()
	natsCfg.URL = cfg.NATSURL
	natsCfg.Name = "roulette-ws-" + cfg.ServerName
	natsCfg.RequestTimeout = cfg.RPCTimeout
	bus, err := messaging.NewNATSClient(natsCfg, logger)
	if err != nil {
		return err
	}
	defer bus.Close()

	// --- Redis ---
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, DB: cfg.RedisDB})
	defer rdb.Close()
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	err = rdb.Ping(pingCtx).Err()
	cancel()
	if err != nil {
		return err
	}

	srvCfg := ws.DefaultServerConfig()
	srvCfg.ListenAddr = cfg.ListenAddr
	srvCfg.MaxConnections = cfg.MaxConnections

	dispatcher := ws.NewMessageDispatcher(cfg.RPCTimeout, logger)
	server := ws.NewServer(srvCfg, dispatcher.Dispatch, logger)

	gw := gateway.New(session.NewClient(bus), bus, gateway.Options{
		Presence:  session.NewPresenceStore(rdb, cfg.ServerName),
		Limiter:   ratelimit.NewLimiter(rdb, logger),
		MatchRule: ratelimit.MatchRule(cfg.MatchRateLimit, cfg.MatchRateWindow),
		Profiles:  profile.NewRedisStore(rdb, logger),
	}, logger)
	gw.Attach(server, dispatcher)
	go gw.RefreshPresence(ctx, session.PresenceTTL/3)

	logger.Info("wsserver starting",
		"listen_addr", srvCfg.ListenAddr,
		"max_connections", srvCfg.MaxConnections,
		"nats_url", cfg.NATSURL,
		"redis_addr", cfg.RedisAddr,
		"server_name", cfg.ServerName,
	)

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("received shutdown signal")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	// Removing every connection ends each user's session while NATS is
	// still up.
	return server.Shutdown(shutdownCtx)
}
