package cooldown

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	appErrors "github.com/unclebandit/cartrecovery-backend/internal/errors"
	"github.com/unclebandit/cartrecovery-backend/internal/model"
)

// beginScript checks the sending lock and the cooldown window and takes the lock in one
// round trip, so two triggers racing on one key cannot both be admitted.
//
// KEYS[1] last successful send (unix ms), KEYS[2] sending lock
// ARGV[1] now (unix ms), ARGV[2] window (ms), ARGV[3] lock ttl (ms)
// returns {code, remaining ms}: 0 admitted, 1 in flight, 2 cooling down
var beginScript = redis.NewScript(`
local left = 0
local last = redis.call('GET', KEYS[1])
if last then
  left = tonumber(ARGV[2]) - (tonumber(ARGV[1]) - tonumber(last))
  if left < 0 then left = 0 end
end
if redis.call('EXISTS', KEYS[2]) == 1 then
  return {1, left}
end
if left > 0 then
  return {2, left}
end
redis.call('SET', KEYS[2], ARGV[1], 'PX', ARGV[3])
return {0, 0}
`)

// RedisLedger shares cooldowns between every process pointed at the same Redis.
type RedisLedger struct {
	rdb     redis.UniversalClient
	window  time.Duration
	lockTTL time.Duration
}

func NewRedisLedger(rdb redis.UniversalClient, window, lockTTL time.Duration) *RedisLedger {
	if window <= 0 {
		window = DefaultWindow
	}
	if lockTTL <= 0 {
		lockTTL = 2 * time.Minute
	}
	return &RedisLedger{rdb: rdb, window: window, lockTTL: lockTTL}
}

// keys share a hash tag so they land on one cluster slot.
func lastKey(customerID string, ch model.Channel) string {
	return fmt.Sprintf("cooldown:{%s:%s}:last", customerID, ch)
}

func lockKey(customerID string, ch model.Channel) string {
	return fmt.Sprintf("cooldown:{%s:%s}:sending", customerID, ch)
}

func (l *RedisLedger) lastSent(ctx context.Context, customerID string, ch model.Channel) (time.Time, error) {
	val, err := l.rdb.Get(ctx, lastKey(customerID, ch)).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("read cooldown: %w", err)
	}
	ms, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cooldown %q: %w", val, err)
	}
	return time.UnixMilli(ms), nil
}

func (l *RedisLedger) MayDispatch(ctx context.Context, customerID string, ch model.Channel, now time.Time) (bool, error) {
	n, err := l.rdb.Exists(ctx, lockKey(customerID, ch)).Result()
	if err != nil {
		return false, fmt.Errorf("read cooldown lock: %w", err)
	}
	if n > 0 {
		return false, nil
	}
	left, err := l.Remaining(ctx, customerID, ch, now)
	if err != nil {
		return false, err
	}
	return left == 0, nil
}

func (l *RedisLedger) RecordDispatch(ctx context.Context, customerID string, ch model.Channel, at time.Time) error {
	return l.rdb.Set(ctx, lastKey(customerID, ch), at.UnixMilli(), l.window).Err()
}

func (l *RedisLedger) Remaining(ctx context.Context, customerID string, ch model.Channel, now time.Time) (time.Duration, error) {
	last, err := l.lastSent(ctx, customerID, ch)
	if err != nil {
		return 0, err
	}
	return remaining(l.window, last, now), nil
}

func (l *RedisLedger) Begin(ctx context.Context, customerID string, ch model.Channel, now time.Time) error {
	res, err := beginScript.Run(ctx, l.rdb,
		[]string{lastKey(customerID, ch), lockKey(customerID, ch)},
		now.UnixMilli(), l.window.Milliseconds(), l.lockTTL.Milliseconds(),
	).Int64Slice()
	if err != nil {
		return fmt.Errorf("begin cooldown: %w", err)
	}
	if len(res) != 2 {
		return fmt.Errorf("begin cooldown: unexpected reply %v", res)
	}
	left := time.Duration(res[1]) * time.Millisecond
	switch res[0] {
	case 0:
		return nil
	case 1:
		return appErrors.NewCooldownBlocked(customerID, string(ch), left, true)
	default:
		return appErrors.NewCooldownBlocked(customerID, string(ch), left, false)
	}
}

func (l *RedisLedger) Finish(ctx context.Context, customerID string, ch model.Channel, success bool, at time.Time) error {
	pipe := l.rdb.TxPipeline()
	if success {
		pipe.Set(ctx, lastKey(customerID, ch), at.UnixMilli(), l.window)
	}
	pipe.Del(ctx, lockKey(customerID, ch))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("finish cooldown: %w", err)
	}
	return nil
}

var _ Ledger = (*RedisLedger)(nil)
