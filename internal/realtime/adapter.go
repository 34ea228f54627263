package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"joblance-gateway/internal/cache"
)

// Channel is the pub/sub channel carrying room deliveries between gateway
// instances.
const Channel = "gateway:realtime"

// Envelope is one room delivery. An empty Room addresses the whole namespace.
type Envelope struct {
	Origin    string          `json:"origin"`
	Namespace string          `json:"ns"`
	Room      string          `json:"room,omitempty"`
	Frame     json.RawMessage `json:"frame"`
}

// Adapter propagates room deliveries to other instances.
type Adapter interface {
	Publish(ctx context.Context, env Envelope) error
	// Listen streams envelopes published by other instances until ctx ends
	// or the subscription is lost, then closes the channel.
	Listen(ctx context.Context) (<-chan Envelope, error)
}

// LocalAdapter is the single-instance adapter: nothing leaves the process.
type LocalAdapter struct{}

func (LocalAdapter) Publish(context.Context, Envelope) error { return nil }

func (LocalAdapter) Listen(ctx context.Context) (<-chan Envelope, error) {
	ch := make(chan Envelope)
	go func() {
		<-ctx.Done()
		close(ch)
	}()
	return ch, nil
}

type RedisAdapter struct {
	cache  cache.Store
	origin string
	log    *slog.Logger
}

func NewRedisAdapter(c cache.Store, origin string, log *slog.Logger) *RedisAdapter {
	if log == nil {
		log = slog.Default()
	}
	return &RedisAdapter{cache: c, origin: origin, log: log.With("component", "realtime-adapter")}
}

func (a *RedisAdapter) Publish(ctx context.Context, env Envelope) error {
	env.Origin = a.origin
	b, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	return a.cache.Publish(ctx, Channel, b)
}

func (a *RedisAdapter) Listen(ctx context.Context) (<-chan Envelope, error) {
	sub, err := a.cache.Subscribe(ctx, Channel)
	if err != nil {
		return nil, err
	}
	out := make(chan Envelope, 256)
	go func() {
		defer close(out)
		defer sub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case payload, ok := <-sub.C:
				if !ok {
					return
				}
				var env Envelope
				if err := json.Unmarshal(payload, &env); err != nil {
					a.log.Warn("dropping malformed envelope", "err", err)
					continue
				}
				if env.Origin == a.origin {
					continue
				}
				select {
				case out <- env:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}
