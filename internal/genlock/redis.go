package genlock

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/strandchat/strand-backend/internal/platform/logger"
)

const keyPrefix = "strand:genlock:"

// markDoneScript decrements expected atomically and deletes the key at zero.
// Returns 1 when the lock was released (or was already gone), 0 when it is
// still held, and -1 when the token belongs to a different acquisition.
var markDoneScript = goredis.NewScript(`
local v = redis.call('GET', KEYS[1])
if not v then
  return 1
end
local o = cjson.decode(v)
if o.token ~= ARGV[2] then
  return -1
end
o.expected = o.expected - 1
if o.expected <= 0 then
  redis.call('DEL', KEYS[1])
  return 1
end
redis.call('SET', KEYS[1], cjson.encode(o), 'PX', ARGV[1])
return 0
`)

type redisLock struct {
	rdb *goredis.Client
	log *logger.Logger
	ttl time.Duration
}

// NewRedisLock returns a Lock backed by a redis lease. The TTL is the liveness
// backstop: an expired lock is simply gone and the next Acquire takes it.
func NewRedisLock(rdb *goredis.Client, log *logger.Logger, ttl time.Duration) (Lock, error) {
	if rdb == nil {
		return nil, fmt.Errorf("redis client required")
	}
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &redisLock{rdb: rdb, log: log.With("component", "GenerationLock"), ttl: ttl}, nil
}

func lockKey(conversationID uuid.UUID) string {
	return keyPrefix + conversationID.String()
}

func (l *redisLock) Acquire(ctx context.Context, conversationID, holderUserID uuid.UUID, comparisonGroupID *uuid.UUID, expected int) (uuid.UUID, bool, error) {
	if conversationID == uuid.Nil {
		return uuid.Nil, false, fmt.Errorf("missing conversation_id")
	}
	if expected < 1 {
		expected = 1
	}
	token := uuid.New()
	raw, err := json.Marshal(State{
		Token:             token,
		HolderUserID:      holderUserID,
		ComparisonGroupID: comparisonGroupID,
		Expected:          expected,
		AcquiredAt:        time.Now().UTC(),
	})
	if err != nil {
		return uuid.Nil, false, err
	}
	ok, err := l.rdb.SetNX(ctx, lockKey(conversationID), raw, l.ttl).Result()
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("genlock acquire: %w", err)
	}
	if !ok {
		l.log.Debug("Lock contention", "conversation_id", conversationID)
		return uuid.Nil, false, nil
	}
	return token, true, nil
}

func (l *redisLock) MarkDone(ctx context.Context, conversationID, token uuid.UUID) (bool, error) {
	if conversationID == uuid.Nil {
		return false, fmt.Errorf("missing conversation_id")
	}
	n, err := markDoneScript.Run(ctx, l.rdb, []string{lockKey(conversationID)},
		l.ttl.Milliseconds(), token.String()).Int()
	if err != nil {
		return false, fmt.Errorf("genlock mark done: %w", err)
	}
	if n == -1 {
		l.log.Debug("Stale completion token ignored", "conversation_id", conversationID)
		return false, nil
	}
	return n == 1, nil
}

func (l *redisLock) ForceRelease(ctx context.Context, conversationID uuid.UUID) error {
	if conversationID == uuid.Nil {
		return fmt.Errorf("missing conversation_id")
	}
	if err := l.rdb.Del(ctx, lockKey(conversationID)).Err(); err != nil {
		return fmt.Errorf("genlock force release: %w", err)
	}
	return nil
}

func (l *redisLock) Holder(ctx context.Context, conversationID uuid.UUID) (*State, error) {
	raw, err := l.rdb.Get(ctx, lockKey(conversationID)).Bytes()
	if err == goredis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("genlock holder: %w", err)
	}
	var st State
	if err := json.Unmarshal(raw, &st); err != nil {
		return nil, err
	}
	return &st, nil
}
