// Package jwks fetches and caches the Auth service's public signing keys.
package jwks

import (
	"context"
	"crypto"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
)

var (
	// ErrKeyNotFound means a freshly fetched key set has no usable key for the kid.
	ErrKeyNotFound = errors.New("jwks: key not found")
	// ErrUnavailable wraps transport and decoding failures of the key-set endpoint.
	ErrUnavailable = errors.New("jwks: endpoint unavailable")
	// ErrRateLimited means a cache miss could not refetch the key set because
	// the fetch budget is spent.
	ErrRateLimited = errors.New("jwks: fetch rate limited")
)

const maxBodyBytes = 1 << 20

type Options struct {
	URL        string
	MaxEntries int
	MaxAge     time.Duration
	// RequestsPerMinute bounds key-set fetches triggered by cache misses.
	RequestsPerMinute int
	HTTPClient        *http.Client
	Logger            *slog.Logger
}

// Provider resolves a kid to a public key, fetching the key set on a cache
// miss. Concurrent misses share one fetch and fetches are rate limited, so
// tokens naming unknown kids cannot hammer the key-set endpoint.
type Provider struct {
	url    string
	client *http.Client
	log    *slog.Logger

	cache   *ttlcache.Cache[string, crypto.PublicKey]
	group   singleflight.Group
	limiter *rate.Limiter
}

func NewProvider(opts Options) (*Provider, error) {
	if opts.URL == "" {
		return nil, errors.New("jwks: url is required")
	}
	if opts.MaxEntries <= 0 {
		opts.MaxEntries = 5
	}
	if opts.MaxAge <= 0 {
		opts.MaxAge = 10 * time.Minute
	}
	if opts.RequestsPerMinute <= 0 {
		opts.RequestsPerMinute = 10
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 5 * time.Second}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	c := ttlcache.New[string, crypto.PublicKey](
		ttlcache.WithTTL[string, crypto.PublicKey](opts.MaxAge),
		ttlcache.WithCapacity[string, crypto.PublicKey](uint64(opts.MaxEntries)),
		ttlcache.WithDisableTouchOnHit[string, crypto.PublicKey](),
	)
	go c.Start()

	return &Provider{
		url:     opts.URL,
		client:  opts.HTTPClient,
		log:     opts.Logger.With("component", "jwks"),
		cache:   c,
		limiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(opts.RequestsPerMinute)), opts.RequestsPerMinute),
	}, nil
}

// Close stops the cache's expiry loop.
func (p *Provider) Close() { p.cache.Stop() }

// Key returns the verification key for kid.
func (p *Provider) Key(ctx context.Context, kid string) (crypto.PublicKey, error) {
	if item := p.cache.Get(kid); item != nil {
		return item.Value(), nil
	}

	v, err, _ := p.group.Do(kid, func() (any, error) {
		if item := p.cache.Get(kid); item != nil {
			return item.Value(), nil
		}
		if !p.limiter.Allow() {
			p.log.Warn("jwks refetch rate limited", "kid", kid)
			return nil, fmt.Errorf("%w: kid %q", ErrRateLimited, kid)
		}
		set, err := p.fetch(ctx)
		if err != nil {
			return nil, err
		}
		return p.store(set, kid)
	})
	if err != nil {
		return nil, err
	}
	return v.(crypto.PublicKey), nil
}

// store caches the requested key. Only the requested kid is cached so the
// bounded cache is not churned by keys nobody asked for.
func (p *Provider) store(set Set, kid string) (crypto.PublicKey, error) {
	for _, j := range set.Keys {
		if j.Kid != kid {
			continue
		}
		if j.Use != "" && j.Use != "sig" {
			continue
		}
		key, err := j.PublicKey()
		if err != nil {
			p.log.Warn("skipping unusable jwk", "kid", j.Kid, "err", err)
			continue
		}
		p.cache.Set(kid, key, ttlcache.DefaultTTL)
		return key, nil
	}
	return nil, fmt.Errorf("%w: kid %q", ErrKeyNotFound, kid)
}

func (p *Provider) fetch(ctx context.Context) (Set, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return Set{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := p.client.Do(req)
	if err != nil {
		return Set{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Set{}, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}

	var set Set
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBodyBytes)).Decode(&set); err != nil {
		return Set{}, fmt.Errorf("%w: decode: %v", ErrUnavailable, err)
	}
	p.log.Debug("jwks fetched", "keys", len(set.Keys), "duration_ms", time.Since(start).Milliseconds())
	return set, nil
}
