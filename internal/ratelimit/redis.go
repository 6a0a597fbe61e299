package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const keyPrefix = "gaiagate:rl:"

func windowKey(clientID string) string { return keyPrefix + "win:" + clientID }
func blockKey(clientID string) string  { return keyPrefix + "block:" + clientID }

const blocksSetKey = keyPrefix + "blocks"

// admitScript atomically checks the block, purges the window, and either
// blocks the client or records the request.
// KEYS[1] = window sorted set
// KEYS[2] = block hash
// KEYS[3] = set of blocked client ids
// ARGV[1] = window start (unix micro, exclusive)
// ARGV[2] = now (unix micro)
// ARGV[3] = limit
// ARGV[4] = window TTL seconds
// ARGV[5] = block TTL seconds, 0 for no expiry
// ARGV[6] = block reason
// ARGV[7] = client id
// ARGV[8] = block expiry (unix micro), 0 for no expiry
// ARGV[9] = per-call nonce, keeps same-microsecond members distinct
// Returns: {status, count, reason, expires_at_micro}
// status: 1=allowed, 0=newly blocked, -1=already blocked
var admitScript = redis.NewScript(`
local win = KEYS[1]
local blk = KEYS[2]
local set = KEYS[3]
local now = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])
local block_ttl = tonumber(ARGV[5])

if redis.call('EXISTS', blk) == 1 then
    local reason = redis.call('HGET', blk, 'reason') or ''
    local expires = redis.call('HGET', blk, 'expires_at') or '0'
    return {-1, 0, reason, expires}
end

redis.call('ZREMRANGEBYSCORE', win, '-inf', '(' .. ARGV[1])
local count = redis.call('ZCARD', win)

if count >= limit then
    redis.call('HSET', blk, 'reason', ARGV[6], 'blocked_at', ARGV[2], 'expires_at', ARGV[8])
    if block_ttl > 0 then
        redis.call('EXPIRE', blk, block_ttl)
    end
    redis.call('SADD', set, ARGV[7])
    return {0, count, ARGV[6], ARGV[8]}
end

redis.call('ZADD', win, now, ARGV[2] .. ':' .. ARGV[9])
redis.call('EXPIRE', win, ttl)
local oldest = redis.call('ZRANGE', win, 0, 0, 'WITHSCORES')
return {1, count + 1, '', oldest[2]}
`)

// RedisGate runs the admission algorithm in Redis so several gateway replicas
// share windows and blocks.
type RedisGate struct {
	rdb           redis.UniversalClient
	limit         int
	window        time.Duration
	blockDuration time.Duration
	failOpen      bool
	now           func() time.Time
	onBlock       BlockHook
}

// NewRedisGate creates a redis-backed gate. With failOpen set, Redis errors
// admit the request; otherwise they deny it.
func NewRedisGate(rdb redis.UniversalClient, limit int, window, blockDuration time.Duration, failOpen bool, hook BlockHook) *RedisGate {
	return &RedisGate{
		rdb:           rdb,
		limit:         limit,
		window:        window,
		blockDuration: blockDuration,
		failOpen:      failOpen,
		now:           time.Now,
		onBlock:       hook,
	}
}

// Check implements Gate.
func (g *RedisGate) Check(ctx context.Context, clientID string) (Decision, error) {
	now := g.now()
	windowStart := now.Add(-g.window).UnixMicro()
	ttlSecs := int64(g.window.Seconds()) + 1
	blockTTL := int64(g.blockDuration / time.Second)
	if g.blockDuration > 0 && blockTTL == 0 {
		blockTTL = 1
	}
	reason := ExceededReason(g.limit, g.window)
	var expiresAt int64
	if blockTTL > 0 {
		expiresAt = now.Add(time.Duration(blockTTL) * time.Second).UnixMicro()
	}

	res, err := admitScript.Run(ctx, g.rdb,
		[]string{windowKey(clientID), blockKey(clientID), blocksSetKey},
		windowStart, now.UnixMicro(), g.limit, ttlSecs, blockTTL, reason, clientID, expiresAt, uuid.NewString(),
	).Slice()
	if err != nil {
		if g.failOpen {
			slog.Warn("rate gate redis error, admitting", "client_id", clientID, "error", err)
			return Decision{Allowed: true, Limit: g.limit, Remaining: g.limit, ResetAt: now.Add(g.window)}, nil
		}
		return Decision{Limit: g.limit}, fmt.Errorf("run admit script: %w", err)
	}
	if len(res) != 4 {
		return Decision{Limit: g.limit}, fmt.Errorf("unexpected admit script result length %d", len(res))
	}

	status, _ := res[0].(int64)
	count, _ := res[1].(int64)
	blockReason, _ := res[2].(string)
	micros := parseMicros(res[3])

	switch status {
	case 1:
		return Decision{
			Allowed:   true,
			Limit:     g.limit,
			Remaining: g.limit - int(count),
			ResetAt:   time.UnixMicro(micros).Add(g.window),
		}, nil
	case 0:
		entry := BlockEntry{ClientID: clientID, Reason: blockReason, BlockedAt: now}
		if micros > 0 {
			entry.ExpiresAt = time.UnixMicro(micros)
		}
		slog.Warn("client blocked", "client_id", clientID, "reason", blockReason)
		if g.onBlock != nil {
			g.onBlock(entry)
		}
		return Decision{Limit: g.limit, Blocked: true, Reason: blockReason, ResetAt: entry.ExpiresAt}, nil
	default:
		d := Decision{Limit: g.limit, Blocked: true, Reason: blockReason}
		if micros > 0 {
			d.ResetAt = time.UnixMicro(micros)
		}
		return d, nil
	}
}

func parseMicros(v any) int64 {
	switch x := v.(type) {
	case int64:
		return x
	case string:
		f, err := strconv.ParseFloat(x, 64)
		if err != nil {
			return 0
		}
		return int64(f)
	}
	return 0
}

// Unblock implements Gate.
func (g *RedisGate) Unblock(ctx context.Context, clientID string) error {
	pipe := g.rdb.TxPipeline()
	pipe.Del(ctx, blockKey(clientID), windowKey(clientID))
	pipe.SRem(ctx, blocksSetKey, clientID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("unblock client: %w", err)
	}
	return nil
}

// Restore writes previously recorded blocks into Redis, skipping expired ones.
func (g *RedisGate) Restore(ctx context.Context, entries []BlockEntry) (int, error) {
	now := g.now()
	n := 0
	for _, e := range entries {
		if e.Expired(now) {
			continue
		}
		var expires int64
		if !e.ExpiresAt.IsZero() {
			expires = e.ExpiresAt.UnixMicro()
		}
		pipe := g.rdb.TxPipeline()
		pipe.HSet(ctx, blockKey(e.ClientID),
			"reason", e.Reason,
			"blocked_at", e.BlockedAt.UnixMicro(),
			"expires_at", expires,
		)
		if expires > 0 {
			pipe.ExpireAt(ctx, blockKey(e.ClientID), e.ExpiresAt)
		}
		pipe.SAdd(ctx, blocksSetKey, e.ClientID)
		if _, err := pipe.Exec(ctx); err != nil {
			return n, fmt.Errorf("restore block %s: %w", e.ClientID, err)
		}
		n++
	}
	return n, nil
}

// Blocks implements Gate. Ids whose block hash has expired are pruned from the set.
func (g *RedisGate) Blocks(ctx context.Context) ([]BlockEntry, error) {
	ids, err := g.rdb.SMembers(ctx, blocksSetKey).Result()
	if err != nil {
		return nil, fmt.Errorf("list blocked clients: %w", err)
	}

	var out []BlockEntry
	for _, id := range ids {
		fields, err := g.rdb.HGetAll(ctx, blockKey(id)).Result()
		if err != nil {
			return nil, fmt.Errorf("read block %s: %w", id, err)
		}
		if len(fields) == 0 {
			g.rdb.SRem(ctx, blocksSetKey, id)
			continue
		}
		e := BlockEntry{ClientID: id, Reason: fields["reason"]}
		if v := parseMicros(fields["blocked_at"]); v > 0 {
			e.BlockedAt = time.UnixMicro(v)
		}
		if v := parseMicros(fields["expires_at"]); v > 0 {
			e.ExpiresAt = time.UnixMicro(v)
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BlockedAt.Before(out[j].BlockedAt) })
	return out, nil
}
