package idempotency

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// pendingMarker is the value held while an append is in flight. Committed
// keys store "eventID|sequence".
const pendingMarker = "__pending__"

// releaseScript deletes the key only while it still holds the pending
// marker, so a Release racing a concurrent Commit cannot drop a committed
// identity.
var releaseScript = redis.NewScript(`
local v = redis.call("GET", KEYS[1])
if v == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisGuard enforces idempotency across processes using SETNX
// reservations with the retention window as TTL.
type RedisGuard struct {
	client    redis.UniversalClient
	prefix    string
	retention time.Duration
}

// NewRedisGuard creates a guard over an existing Redis client. keyPrefix
// namespaces the reservation keys (default "creditledger:idem:").
func NewRedisGuard(client redis.UniversalClient, keyPrefix string, retention time.Duration) *RedisGuard {
	if keyPrefix == "" {
		keyPrefix = "creditledger:idem:"
	}
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &RedisGuard{client: client, prefix: keyPrefix, retention: retention}
}

func (g *RedisGuard) redisKey(key string) string { return g.prefix + key }

func (g *RedisGuard) Reserve(ctx context.Context, key string) (Reservation, error) {
	ok, err := g.client.SetNX(ctx, g.redisKey(key), pendingMarker, g.retention).Result()
	if err != nil {
		return nil, fmt.Errorf("reserve key in redis: %w", err)
	}
	if ok {
		return &redisReservation{guard: g, key: key}, nil
	}

	val, err := g.client.Get(ctx, g.redisKey(key)).Result()
	if err == redis.Nil {
		// Holder vanished between SETNX and GET; try once more.
		return g.Reserve(ctx, key)
	}
	if err != nil {
		return nil, fmt.Errorf("inspect existing reservation: %w", err)
	}
	if val == pendingMarker {
		return nil, &AlreadyReservedError{Key: key, Pending: true}
	}

	eventID, seq := parseCommitted(val)
	return nil, &AlreadyReservedError{Key: key, EventID: eventID, Sequence: seq}
}

func parseCommitted(val string) (string, uint64) {
	idx := strings.LastIndexByte(val, '|')
	if idx < 0 {
		return val, 0
	}
	seq, _ := strconv.ParseUint(val[idx+1:], 10, 64)
	return val[:idx], seq
}

type redisReservation struct {
	guard *RedisGuard
	key   string
}

func (r *redisReservation) Commit(ctx context.Context, eventID string, sequence uint64) error {
	val := fmt.Sprintf("%s|%d", eventID, sequence)
	if err := r.guard.client.Set(ctx, r.guard.redisKey(r.key), val, r.guard.retention).Err(); err != nil {
		return fmt.Errorf("commit reservation in redis: %w", err)
	}
	return nil
}

func (r *redisReservation) Release(ctx context.Context) error {
	err := releaseScript.Run(ctx, r.guard.client,
		[]string{r.guard.redisKey(r.key)}, pendingMarker).Err()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("release reservation in redis: %w", err)
	}
	return nil
}
