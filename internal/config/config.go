// Package config loads service settings from the environment, optionally
// preloaded from a .env file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	env "github.com/Netflix/go-env"
	"github.com/joho/godotenv"
	"github.com/samber/lo"

	"github.com/whisper/roulette/internal/matching"
	"github.com/whisper/roulette/internal/relay"
)

// Store backends.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

// Config is shared by every binary; each reads the keys it needs.
type Config struct {
	RedisAddr   string `env:"REDIS_ADDR,default=localhost:6379"`
	RedisDB     int    `env:"REDIS_DB,default=0"`
	NATSURL     string `env:"NATS_URL,default=nats://127.0.0.1:4222"`
	DatabaseURL string `env:"DATABASE_URL"`
	ListenAddr  string `env:"LISTEN_ADDR,default=:8080"`
	MetricsAddr string `env:"METRICS_ADDR,default=:9090"`
	ServerName  string `env:"SERVER_NAME"`
	AutoMigrate bool   `env:"AUTO_MIGRATE,default=true"`

	MaxConnections int           `env:"MAX_CONNECTIONS,default=100000"`
	RPCTimeout     time.Duration `env:"RPC_TIMEOUT,default=3s"`

	StoreBackend      string        `env:"STORE_BACKEND,default=redis"`
	RequeueAbandoned  bool          `env:"REQUEUE_ABANDONED,default=true"`
	PriorityQueueHead bool          `env:"PRIORITY_QUEUE_HEAD,default=false"`
	MaxWait           time.Duration `env:"MAX_WAIT,default=0s"`
	EvictInterval     time.Duration `env:"EVICT_INTERVAL,default=5s"`

	BlockedKinds string `env:"BLOCKED_KINDS,default=contact"`
	MaxTextChars int    `env:"MAX_TEXT_CHARS,default=2000"`

	MatchRateLimit  int           `env:"MATCH_RATE_LIMIT,default=10"`
	MatchRateWindow time.Duration `env:"MATCH_RATE_WINDOW,default=1m"`

	LogLevel  string `env:"LOG_LEVEL,default=info"`
	LogFormat string `env:"LOG_FORMAT,default=text"`
}

// Load reads an optional .env file and then the environment. Variables
// already set in the environment win over the file.
func Load(files ...string) (Config, error) {
	if err := godotenv.Load(files...); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("config: load env file: %w", err)
	}
	var c Config
	if _, err := env.UnmarshalFromEnviron(&c); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	if c.ServerName == "" {
		c.ServerName, _ = os.Hostname()
	}
	return c, nil
}

// Validate checks values go-env cannot.
func (c Config) Validate() error {
	if !lo.Contains([]string{BackendMemory, BackendRedis}, c.StoreBackend) {
		return fmt.Errorf("config: STORE_BACKEND must be memory or redis, got %q", c.StoreBackend)
	}
	if c.MaxWait < 0 {
		return fmt.Errorf("config: MAX_WAIT must not be negative")
	}
	if c.EvictInterval <= 0 {
		return fmt.Errorf("config: EVICT_INTERVAL must be positive")
	}
	if c.RPCTimeout <= 0 {
		return fmt.Errorf("config: RPC_TIMEOUT must be positive")
	}
	if c.MaxTextChars < 0 {
		return fmt.Errorf("config: MAX_TEXT_CHARS must not be negative")
	}
	if c.MatchRateLimit > 0 && c.MatchRateWindow <= 0 {
		return fmt.Errorf("config: MATCH_RATE_WINDOW must be positive when MATCH_RATE_LIMIT is set")
	}
	if _, err := c.BlockedKindList(); err != nil {
		return err
	}
	return nil
}

// BlockedKindList parses BLOCKED_KINDS. "none" or an empty value blocks
// nothing.
func (c Config) BlockedKindList() ([]relay.Kind, error) {
	raw := strings.TrimSpace(c.BlockedKinds)
	if raw == "" || strings.EqualFold(raw, "none") {
		return nil, nil
	}
	parts := lo.Compact(lo.Map(strings.Split(raw, ","), func(s string, _ int) string {
		return strings.TrimSpace(s)
	}))
	kinds := make([]relay.Kind, 0, len(parts))
	for _, p := range parts {
		k, err := relay.ParseKind(p)
		if err != nil {
			return nil, fmt.Errorf("config: BLOCKED_KINDS: %w", err)
		}
		kinds = append(kinds, k)
	}
	return lo.Uniq(kinds), nil
}

// MatchingOptions returns the matchmaker policy.
func (c Config) MatchingOptions() matching.Options {
	return matching.Options{
		RequeueAbandoned: c.RequeueAbandoned,
		PriorityAtHead:   c.PriorityQueueHead,
	}
}

// RelayOptions returns the relay policy. Validate has already checked the
// kind list.
func (c Config) RelayOptions() relay.Options {
	kinds, _ := c.BlockedKindList()
	return relay.Options{BlockedKinds: kinds, MaxTextChars: c.MaxTextChars}
}
