package utils

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig controls the shared cache client. Zero values take the
// defaults below.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int

	// PoolSize bounds command connections. Each pub/sub subscription holds
	// one extra connection outside the pool.
	PoolSize     int
	DialTimeout  time.Duration
	IOTimeout    time.Duration
	PingTimeout  time.Duration
	MaxRetries   int
	ConnIdleTime time.Duration
}

func (c RedisConfig) options() *redis.Options {
	o := &redis.Options{
		Addr:            c.Addr,
		Password:        c.Password,
		DB:              c.DB,
		PoolSize:        c.PoolSize,
		DialTimeout:     c.DialTimeout,
		ReadTimeout:     c.IOTimeout,
		WriteTimeout:    c.IOTimeout,
		MaxRetries:      c.MaxRetries,
		ConnMaxIdleTime: c.ConnIdleTime,
	}
	if o.PoolSize <= 0 {
		o.PoolSize = 32
	}
	if o.DialTimeout <= 0 {
		o.DialTimeout = 3 * time.Second
	}
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = 2 * time.Second
		o.WriteTimeout = 2 * time.Second
	}
	if o.MaxRetries == 0 {
		o.MaxRetries = 2
	}
	if o.ConnMaxIdleTime <= 0 {
		o.ConnMaxIdleTime = 5 * time.Minute
	}
	return o
}

// OpenRedis builds the client and fails fast when the server is unreachable.
func OpenRedis(ctx context.Context, cfg RedisConfig) (*redis.Client, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis addr is required")
	}
	rdb := redis.NewClient(cfg.options())

	timeout := cfg.PingTimeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping %s: %w", cfg.Addr, err)
	}
	return rdb, nil
}
