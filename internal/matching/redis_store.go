package matching

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis keys. All share the {pair} hash tag so the scripts stay single-slot
// on a cluster.
const (
	keyQueue   = "{pair}:queue"   // ZSET user id, score = arrival sequence
	keyWaiting = "{pair}:waiting" // HASH user id -> "<tier>|<enqueued ms>"
	keyPeer    = "{pair}:peer"    // HASH user id -> peer id (both directions)
	keyMeta    = "{pair}:meta"    // HASH user id -> "<pair id>|<user a>|<formed ms>"
	keySeq     = "{pair}:seq"     // INCR counter for queue scores
)

// RedisStore keeps the queue and the registry in Redis. Every compound
// operation is a Lua script, so Redis executes it as one atomic unit and a
// failed call leaves no partial state.
type RedisStore struct {
	rdb         *redis.Client
	matchScript *redis.Script
	endScript   *redis.Script
	evictScript *redis.Script
}

// NewRedisStore creates a store backed by the given client.
func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{
		rdb:         rdb,
		matchScript: redis.NewScript(matchLua),
		endScript:   redis.NewScript(endLua),
		evictScript: redis.NewScript(evictLua),
	}
}

var _ Store = (*RedisStore)(nil)

func (s *RedisStore) Match(ctx context.Context, req MatchRequest) (MatchResult, error) {
	if err := validUserID(req.UserID); err != nil {
		return MatchResult{}, err
	}

	head := "0"
	if req.PriorityAtHead {
		head = "1"
	}
	keys := []string{keyQueue, keyWaiting, keyPeer, keyMeta, keySeq}
	reply, err := s.matchScript.Run(ctx, s.rdb, keys,
		req.UserID, req.Tier.String(), req.At.UnixMilli(), req.PairID, head).StringSlice()
	if err != nil {
		return MatchResult{}, fmt.Errorf("matching: redis match %s: %w", req.UserID, err)
	}
	if len(reply) != 3 {
		return MatchResult{}, fmt.Errorf("matching: redis match %s: unexpected reply %v", req.UserID, reply)
	}

	status, peer, extra := reply[0], reply[1], reply[2]
	switch status {
	case "searching":
		return MatchResult{Status: StatusSearching}, nil
	case "paired":
		p, err := decodeMeta(req.UserID, peer, extra)
		if err != nil {
			return MatchResult{}, err
		}
		return MatchResult{Status: StatusAlreadyPaired, Peer: peer, Pair: p}, nil
	case "matched":
		// The pair is committed at this point; a damaged waiting record only
		// costs us the wait-time metric.
		waiting, err := decodeWaiting(peer, extra)
		if err != nil {
			waiting = WaitingEntry{UserID: peer}
		}
		return MatchResult{
			Status:      StatusMatched,
			Peer:        peer,
			Pair:        newPair(req, peer),
			PeerWaiting: waiting,
		}, nil
	}
	return MatchResult{}, fmt.Errorf("matching: redis match %s: unknown status %q", req.UserID, status)
}

func (s *RedisStore) Cancel(ctx context.Context, userID string) (bool, error) {
	var removed *redis.IntCmd
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		removed = pipe.ZRem(ctx, keyQueue, userID)
		pipe.HDel(ctx, keyWaiting, userID)
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("matching: redis cancel %s: %w", userID, err)
	}
	return removed.Val() > 0, nil
}

func (s *RedisStore) End(ctx context.Context, userID string) (EndOutcome, error) {
	keys := []string{keyQueue, keyWaiting, keyPeer, keyMeta}
	reply, err := s.endScript.Run(ctx, s.rdb, keys, userID).StringSlice()
	if err != nil {
		return EndOutcome{}, fmt.Errorf("matching: redis end %s: %w", userID, err)
	}
	if len(reply) != 3 {
		return EndOutcome{}, fmt.Errorf("matching: redis end %s: unexpected reply %v", userID, reply)
	}

	out := EndOutcome{WasQueued: reply[0] == "1"}
	if peer := reply[1]; peer != "" {
		p, err := decodeMeta(userID, peer, reply[2])
		if err != nil {
			p = Pair{UserA: userID, UserB: peer}
		}
		out.Pair, out.Dissolved = p, true
	}
	return out, nil
}

func (s *RedisStore) PeerOf(ctx context.Context, userID string) (string, bool, error) {
	peer, err := s.rdb.HGet(ctx, keyPeer, userID).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("matching: redis peer of %s: %w", userID, err)
	}
	return peer, true, nil
}

func (s *RedisStore) Waiting(ctx context.Context) ([]WaitingEntry, error) {
	var (
		ids  *redis.StringSliceCmd
		info *redis.MapStringStringCmd
	)
	// MULTI/EXEC gives both reads the same point in time.
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		ids = pipe.ZRange(ctx, keyQueue, 0, -1)
		info = pipe.HGetAll(ctx, keyWaiting)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("matching: redis waiting: %w", err)
	}

	byUser := info.Val()
	out := make([]WaitingEntry, 0, len(ids.Val()))
	for _, uid := range ids.Val() {
		e, err := decodeWaiting(uid, byUser[uid])
		if err != nil {
			e = WaitingEntry{UserID: uid}
		}
		out = append(out, e)
	}
	return out, nil
}

func (s *RedisStore) Evict(ctx context.Context, cutoff time.Time) ([]WaitingEntry, error) {
	reply, err := s.evictScript.Run(ctx, s.rdb, []string{keyQueue, keyWaiting}, cutoff.UnixMilli()).StringSlice()
	if err != nil {
		return nil, fmt.Errorf("matching: redis evict: %w", err)
	}
	if len(reply)%2 != 0 {
		return nil, fmt.Errorf("matching: redis evict: odd reply length %d", len(reply))
	}

	out := make([]WaitingEntry, 0, len(reply)/2)
	for i := 0; i < len(reply); i += 2 {
		e, err := decodeWaiting(reply[i], reply[i+1])
		if err != nil {
			e = WaitingEntry{UserID: reply[i]}
		}
		out = append(out, e)
	}
	return out, nil
}

func (s *RedisStore) Stats(ctx context.Context) (Stats, error) {
	var queued, peers *redis.IntCmd
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		queued = pipe.ZCard(ctx, keyQueue)
		peers = pipe.HLen(ctx, keyPeer)
		return nil
	})
	if err != nil {
		return Stats{}, fmt.Errorf("matching: redis stats: %w", err)
	}
	return Stats{Queued: int(queued.Val()), Pairs: int(peers.Val() / 2)}, nil
}

// decodeWaiting parses "<tier>|<enqueued ms>".
func decodeWaiting(userID, raw string) (WaitingEntry, error) {
	tierStr, msStr, ok := strings.Cut(raw, "|")
	if !ok {
		return WaitingEntry{}, fmt.Errorf("matching: malformed waiting record for %s: %q", userID, raw)
	}
	tier, err := ParseTier(tierStr)
	if err != nil {
		return WaitingEntry{}, err
	}
	ms, err := strconv.ParseInt(msStr, 10, 64)
	if err != nil {
		return WaitingEntry{}, fmt.Errorf("matching: malformed enqueue time for %s: %w", userID, err)
	}
	return WaitingEntry{UserID: userID, EnqueuedAt: time.UnixMilli(ms), Tier: tier}, nil
}

// decodeMeta parses "<pair id>|<user a>|<formed ms>" as seen from userID.
// User ids may themselves contain '|', so the outer fields are cut first.
func decodeMeta(userID, peer, raw string) (Pair, error) {
	first, last := strings.Index(raw, "|"), strings.LastIndex(raw, "|")
	if first < 0 || first == last {
		return Pair{}, fmt.Errorf("matching: malformed pair record for %s: %q", userID, raw)
	}
	ms, err := strconv.ParseInt(raw[last+1:], 10, 64)
	if err != nil {
		return Pair{}, fmt.Errorf("matching: malformed pair time for %s: %w", userID, err)
	}
	p := Pair{ID: raw[:first], UserA: raw[first+1 : last], FormedAt: time.UnixMilli(ms)}
	if p.UserA == userID {
		p.UserB = peer
	} else {
		p.UserB = userID
	}
	return p, nil
}

// matchLua runs one complete match attempt. Replies with
// {status, peer, extra}:
//
//	{"paired", peer, meta}      requester already has a peer
//	{"searching", "", ""}       requester is (now) queued
//	{"matched", peer, waiting}  pair formed with peer
const matchLua = `
local queue, waiting, peer, meta, seq = KEYS[1], KEYS[2], KEYS[3], KEYS[4], KEYS[5]
local uid, tier, now, pair_id, head = ARGV[1], ARGV[2], ARGV[3], ARGV[4], ARGV[5]

local current = redis.call('HGET', peer, uid)
if current then
    return {'paired', current, redis.call('HGET', meta, uid) or ''}
end
if redis.call('ZSCORE', queue, uid) then
    return {'searching', '', ''}
end

local function form(other)
    local record = redis.call('HGET', waiting, other) or ''
    redis.call('HDEL', waiting, other)
    redis.call('HSET', peer, uid, other, other, uid)
    local m = pair_id .. '|' .. uid .. '|' .. now
    redis.call('HSET', meta, uid, m, other, m)
    return {'matched', other, record}
end

if tier == 'priority' then
    local members = redis.call('ZRANGE', queue, 0, -1)
    for _, other in ipairs(members) do
        if other ~= uid and redis.call('HEXISTS', peer, other) == 0 then
            redis.call('ZREM', queue, other)
            return form(other)
        end
    end
end

while true do
    local popped = redis.call('ZPOPMIN', queue)
    if #popped == 0 then
        break
    end
    local other = popped[1]
    if other ~= uid then
        if redis.call('HEXISTS', peer, other) == 0 then
            return form(other)
        end
        redis.call('HDEL', waiting, other)
    end
end

local score
if tier == 'priority' and head == '1' then
    local first = redis.call('ZRANGE', queue, 0, 0, 'WITHSCORES')
    if #first > 0 then
        score = tonumber(first[2]) - 1
    end
end
if not score then
    score = redis.call('INCR', seq)
end
redis.call('ZADD', queue, score, uid)
redis.call('HSET', waiting, uid, tier .. '|' .. now)
return {'searching', '', ''}
`

// endLua removes the user from the queue and dissolves its pair.
// Replies with {queued ("0"|"1"), former peer, meta}.
const endLua = `
local queue, waiting, peer, meta = KEYS[1], KEYS[2], KEYS[3], KEYS[4]
local uid = ARGV[1]

local queued = redis.call('ZREM', queue, uid)
redis.call('HDEL', waiting, uid)

local other = redis.call('HGET', peer, uid)
if not other then
    return {tostring(queued), '', ''}
end
local m = redis.call('HGET', meta, uid) or ''
redis.call('HDEL', peer, uid, other)
redis.call('HDEL', meta, uid, other)
return {tostring(queued), other, m}
`

// evictLua removes entries enqueued before ARGV[1] (unix ms). Replies with
// a flat list of user id, waiting record pairs.
const evictLua = `
local queue, waiting = KEYS[1], KEYS[2]
local cutoff = tonumber(ARGV[1])

local out = {}
for _, uid in ipairs(redis.call('ZRANGE', queue, 0, -1)) do
    local record = redis.call('HGET', waiting, uid) or ''
    local ms = tonumber(string.match(record, '|(%d+)$') or '0')
    if ms < cutoff then
        redis.call('ZREM', queue, uid)
        redis.call('HDEL', waiting, uid)
        table.insert(out, uid)
        table.insert(out, record)
    end
end
return out
`
