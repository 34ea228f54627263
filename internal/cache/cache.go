// Package cache is the gateway's client view of the shared key-value store.
// Presence, revocation, sessions, internal tokens and cross-instance room
// propagation all go through Store; no other package talks to Redis directly.
package cache

import (
	"context"
	"time"
)

type Store interface {
	Get(ctx context.Context, key string) (string, bool, error)
	SetEx(ctx context.Context, key, value string, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
	Exists(ctx context.Context, key string) (bool, error)

	SAdd(ctx context.Context, key string, members ...string) error
	SRem(ctx context.Context, key string, members ...string) error
	SMembers(ctx context.Context, key string) ([]string, error)
	SIsMember(ctx context.Context, key, member string) (bool, error)
	SMIsMember(ctx context.Context, key string, members ...string) ([]bool, error)

	ZAdd(ctx context.Context, key, member string, score float64) error
	ZScore(ctx context.Context, key, member string) (float64, bool, error)
	ZRem(ctx context.Context, key string, members ...string) error
	ZRange(ctx context.Context, key string, start, stop int64) ([]string, error)
	ZRemRangeByScore(ctx context.Context, key, min, max string) (int64, error)

	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (*Subscription, error)

	Ping(ctx context.Context) error
}

// Subscription delivers raw pub/sub payloads until Close is called or the
// subscribing context ends.
type Subscription struct {
	C     <-chan []byte
	close func() error
}

func (s *Subscription) Close() error {
	if s == nil || s.close == nil {
		return nil
	}
	return s.close()
}
