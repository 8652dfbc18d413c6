package profile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Store persists profiles. Get never fails for unknown users; it returns an
// empty profile.
type Store interface {
	Get(ctx context.Context, userID string) (Profile, error)
	Set(ctx context.Context, userID string, p Profile) error
	Reset(ctx context.Context, userID string) error
}

// MemoryStore keeps profiles in process memory.
type MemoryStore struct {
	mu       sync.RWMutex
	profiles map[string]Profile
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{profiles: make(map[string]Profile)}
}

func (s *MemoryStore) Get(_ context.Context, userID string) (Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.profiles[userID], nil
}

func (s *MemoryStore) Set(_ context.Context, userID string, p Profile) error {
	if err := p.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.profiles[userID] = p
	return nil
}

func (s *MemoryStore) Reset(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.profiles, userID)
	return nil
}

const profilePrefix = "profile:"

// RedisStore keeps each profile as a JSON string under profile:<uid>.
type RedisStore struct {
	rdb    *redis.Client
	logger *slog.Logger
}

func NewRedisStore(rdb *redis.Client, logger *slog.Logger) *RedisStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisStore{rdb: rdb, logger: logger.With("component", "profile")}
}

// Get returns an empty profile when the key is missing or holds something
// that does not decode.
func (s *RedisStore) Get(ctx context.Context, userID string) (Profile, error) {
	raw, err := s.rdb.Get(ctx, profilePrefix+userID).Bytes()
	if errors.Is(err, redis.Nil) {
		return Profile{}, nil
	}
	if err != nil {
		return Profile{}, fmt.Errorf("profile: get %s: %w", userID, err)
	}
	var p Profile
	if err := json.Unmarshal(raw, &p); err != nil {
		s.logger.Warn("undecodable profile, treating as empty", "user", userID, "error", err)
		return Profile{}, nil
	}
	return p, nil
}

func (s *RedisStore) Set(ctx context.Context, userID string, p Profile) error {
	if err := p.Validate(); err != nil {
		return err
	}
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("profile: marshal: %w", err)
	}
	if err := s.rdb.Set(ctx, profilePrefix+userID, data, 0).Err(); err != nil {
		return fmt.Errorf("profile: set %s: %w", userID, err)
	}
	return nil
}

func (s *RedisStore) Reset(ctx context.Context, userID string) error {
	if err := s.rdb.Del(ctx, profilePrefix+userID).Err(); err != nil {
		return fmt.Errorf("profile: reset %s: %w", userID, err)
	}
	return nil
}
