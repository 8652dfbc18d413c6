package session

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// PresencePrefix is the Redis key prefix for connection presence hashes.
	PresencePrefix = "presence:"

	// PresenceTTL bounds how long a record outlives its last heartbeat, so a
	// crashed gateway's users eventually read as offline.
	PresenceTTL = 2 * time.Minute
)

// Presence is a user's live gateway connection as stored in Redis.
type Presence struct {
	UserID      string `redis:"user_id"`
	Server      string `redis:"server"`       // which gateway instance holds the socket
	ConnectedAt int64  `redis:"connected_at"` // unix timestamp
	LastActive  int64  `redis:"last_active"`  // unix timestamp
}

// PresenceStore records which users have an open connection.
type PresenceStore struct {
	client     *redis.Client
	serverName string
	now        func() time.Time
}

// NewPresenceStore creates a presence store on an existing client.
func NewPresenceStore(client *redis.Client, serverName string) *PresenceStore {
	return &PresenceStore{client: client, serverName: serverName, now: time.Now}
}

// Connect records a new connection for userID on this server.
func (s *PresenceStore) Connect(ctx context.Context, userID string) error {
	key := PresencePrefix + userID
	now := s.now().Unix()

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, map[string]any{
		"user_id":      userID,
		"server":       s.serverName,
		"connected_at": now,
		"last_active":  now,
	})
	pipe.Expire(ctx, key, PresenceTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("session: presence connect %s: %w", userID, err)
	}
	return nil
}

// Touch refreshes last activity and the TTL.
func (s *PresenceStore) Touch(ctx context.Context, userID string) error {
	key := PresencePrefix + userID
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, "last_active", s.now().Unix())
	pipe.Expire(ctx, key, PresenceTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("session: presence touch %s: %w", userID, err)
	}
	return nil
}

// Get returns the user's presence record, or nil when offline.
func (s *PresenceStore) Get(ctx context.Context, userID string) (*Presence, error) {
	var p Presence
	if err := s.client.HGetAll(ctx, PresencePrefix+userID).Scan(&p); err != nil {
		return nil, fmt.Errorf("session: presence get %s: %w", userID, err)
	}
	if p.UserID == "" {
		return nil, nil
	}
	return &p, nil
}

// Online reports whether the user has a live presence record.
func (s *PresenceStore) Online(ctx context.Context, userID string) (bool, error) {
	n, err := s.client.Exists(ctx, PresencePrefix+userID).Result()
	if err != nil {
		return false, fmt.Errorf("session: presence exists %s: %w", userID, err)
	}
	return n > 0, nil
}

// Disconnect removes the user's presence record.
func (s *PresenceStore) Disconnect(ctx context.Context, userID string) error {
	if err := s.client.Del(ctx, PresencePrefix+userID).Err(); err != nil {
		return fmt.Errorf("session: presence delete %s: %w", userID, err)
	}
	return nil
}
