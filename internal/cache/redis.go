package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis implements Store on a go-redis client.
type Redis struct {
	rdb *redis.Client
}

var _ Store = (*Redis)(nil)

func NewRedis(rdb *redis.Client) *Redis {
	return &Redis{rdb: rdb}
}

func (r *Redis) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := r.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("cache get %s: %w", key, err)
	}
	return v, true, nil
}

func (r *Redis) SetEx(ctx context.Context, key, value string, ttl time.Duration) error {
	if ttl <= 0 {
		return fmt.Errorf("cache setex %s: ttl must be > 0", key)
	}
	if err := r.rdb.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("cache setex %s: %w", key, err)
	}
	return nil
}

func (r *Redis) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := r.rdb.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("cache del: %w", err)
	}
	return nil
}

func (r *Redis) Exists(ctx context.Context, key string) (bool, error) {
	n, err := r.rdb.Exists(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("cache exists %s: %w", key, err)
	}
	return n > 0, nil
}

func (r *Redis) SAdd(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	if err := r.rdb.SAdd(ctx, key, toArgs(members)...).Err(); err != nil {
		return fmt.Errorf("cache sadd %s: %w", key, err)
	}
	return nil
}

func (r *Redis) SRem(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	if err := r.rdb.SRem(ctx, key, toArgs(members)...).Err(); err != nil {
		return fmt.Errorf("cache srem %s: %w", key, err)
	}
	return nil
}

func (r *Redis) SMembers(ctx context.Context, key string) ([]string, error) {
	out, err := r.rdb.SMembers(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("cache smembers %s: %w", key, err)
	}
	return out, nil
}

func (r *Redis) SIsMember(ctx context.Context, key, member string) (bool, error) {
	ok, err := r.rdb.SIsMember(ctx, key, member).Result()
	if err != nil {
		return false, fmt.Errorf("cache sismember %s: %w", key, err)
	}
	return ok, nil
}

func (r *Redis) SMIsMember(ctx context.Context, key string, members ...string) ([]bool, error) {
	if len(members) == 0 {
		return []bool{}, nil
	}
	out, err := r.rdb.SMIsMember(ctx, key, toArgs(members)...).Result()
	if err != nil {
		return nil, fmt.Errorf("cache smismember %s: %w", key, err)
	}
	return out, nil
}

func (r *Redis) ZAdd(ctx context.Context, key, member string, score float64) error {
	if err := r.rdb.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err(); err != nil {
		return fmt.Errorf("cache zadd %s: %w", key, err)
	}
	return nil
}

func (r *Redis) ZScore(ctx context.Context, key, member string) (float64, bool, error) {
	v, err := r.rdb.ZScore(ctx, key, member).Result()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("cache zscore %s: %w", key, err)
	}
	return v, true, nil
}

func (r *Redis) ZRem(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	if err := r.rdb.ZRem(ctx, key, toArgs(members)...).Err(); err != nil {
		return fmt.Errorf("cache zrem %s: %w", key, err)
	}
	return nil
}

func (r *Redis) ZRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	out, err := r.rdb.ZRange(ctx, key, start, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("cache zrange %s: %w", key, err)
	}
	return out, nil
}

func (r *Redis) ZRemRangeByScore(ctx context.Context, key, min, max string) (int64, error) {
	n, err := r.rdb.ZRemRangeByScore(ctx, key, min, max).Result()
	if err != nil {
		return 0, fmt.Errorf("cache zremrangebyscore %s: %w", key, err)
	}
	return n, nil
}

func (r *Redis) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := r.rdb.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("cache publish %s: %w", channel, err)
	}
	return nil
}

// Subscribe blocks until the server confirms the subscription so that
// messages published after it returns are not lost.
func (r *Redis) Subscribe(ctx context.Context, channel string) (*Subscription, error) {
	ps := r.rdb.Subscribe(ctx, channel)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("cache subscribe %s: %w", channel, err)
	}

	out := make(chan []byte, 256)
	msgs := ps.Channel()
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-msgs:
				if !ok {
					return
				}
				select {
				case out <- []byte(m.Payload):
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return &Subscription{C: out, close: ps.Close}, nil
}

func (r *Redis) Ping(ctx context.Context) error {
	return r.rdb.Ping(ctx).Err()
}

func toArgs(members []string) []any {
	out := make([]any, len(members))
	for i, m := range members {
		out[i] = m
	}
	return out
}
