package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var slotAcquireScript = redis.NewScript(`
-- KEYS[1] = counter key
-- ARGV[1] = limit (int)
-- ARGV[2] = ttl_ms (int)
--
-- Returns:
--  1 if acquired
--  0 if rejected (limit reached)
local current = redis.call('INCR', KEYS[1])
if current == 1 or redis.call('PTTL', KEYS[1]) < 0 then
  redis.call('PEXPIRE', KEYS[1], ARGV[2])
end

if current > tonumber(ARGV[1]) then
  redis.call('DECR', KEYS[1])
  return 0
end
return 1
`)

var slotReleaseScript = redis.NewScript(`
local current = redis.call('DECR', KEYS[1])
if current <= 0 then
  redis.call('DEL', KEYS[1])
end
return 1
`)

// AcquireSlot takes one of limit fleet-wide slots under key. The TTL bounds
// how long a slot leaked by a crashed instance stays counted.
func (r *Redis) AcquireSlot(ctx context.Context, key string, limit int, ttl time.Duration) (bool, error) {
	if key == "" {
		return false, fmt.Errorf("slot key is required")
	}
	if limit <= 0 {
		return false, fmt.Errorf("slot limit must be > 0")
	}
	if ttl <= 0 {
		return false, fmt.Errorf("slot ttl must be > 0")
	}

	res, err := slotAcquireScript.Run(ctx, r.rdb, []string{key}, limit, ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("acquire slot %s: %w", key, err)
	}
	return res == 1, nil
}

// ReleaseSlot returns a slot taken by AcquireSlot.
func (r *Redis) ReleaseSlot(ctx context.Context, key string) error {
	if key == "" {
		return fmt.Errorf("slot key is required")
	}
	if _, err := slotReleaseScript.Run(ctx, r.rdb, []string{key}).Result(); err != nil {
		return fmt.Errorf("release slot %s: %w", key, err)
	}
	return nil
}
