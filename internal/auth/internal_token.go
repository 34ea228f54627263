package auth

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"joblance-gateway/internal/cache"
	"joblance-gateway/internal/metrics"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const internalTokenKeyPrefix = "internal_token:"

// InternalTokens mints, caches and verifies the HS256 tokens used on
// gateway→service calls. A cached token is never handed out past its own exp.
type InternalTokens struct {
	secret  []byte
	ttl     time.Duration
	cache   cache.Store
	now     func() time.Time
	log     *slog.Logger
	metrics *metrics.Metrics
}

type InternalTokenOptions struct {
	Secret  string
	TTL     time.Duration
	Cache   cache.Store
	Now     func() time.Time
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

func NewInternalTokens(opts InternalTokenOptions) (*InternalTokens, error) {
	if opts.Secret == "" {
		return nil, errors.New("GATEWAY_SECRET_KEY is required")
	}
	if opts.Cache == nil {
		return nil, errors.New("internal tokens: cache is required")
	}
	if opts.TTL <= 0 {
		opts.TTL = 5 * time.Minute
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &InternalTokens{
		secret:  []byte(opts.Secret),
		ttl:     opts.TTL,
		cache:   opts.Cache,
		now:     opts.Now,
		log:     opts.Logger.With("component", "internal_tokens"),
		metrics: opts.Metrics,
	}, nil
}

/* ===================== MINT ===================== */

// Mint returns the cached token for (subject, audience) or signs a new one.
// Cache failures are logged and fall through to signing.
func (t *InternalTokens) Mint(ctx context.Context, id Identity, audience string) (string, error) {
	key := internalTokenKey(id, audience)
	now := t.now()

	cached, found, err := t.cache.Get(ctx, key)
	if err != nil {
		t.log.Warn("internal token cache read failed", "key", key, "err", err)
	}
	if found {
		if claims, err := t.parse(cached, now, 0); err == nil && claims.ExpiresAt.After(now) {
			t.metrics.InternalToken(true)
			return cached, nil
		}
		t.evict(ctx, key)
	}
	t.metrics.InternalToken(false)

	subject := id.Subject
	if id.IsGuest() {
		subject = GuestSubject
	}
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    InternalIssuer,
			Subject:   subject,
			Audience:  audienceOrNil(audience),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(t.ttl)),
			ID:        uuid.NewString(),
		},
		Username: id.Username,
		Email:    id.Email,
		Roles:    id.Roles,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	if err != nil {
		return "", err
	}

	// exp is truncated to whole seconds; the cache entry must not outlive it.
	if ttl := claims.ExpiresAt.Sub(now); ttl > 0 {
		if err := t.cache.SetEx(ctx, key, signed, ttl); err != nil {
			t.log.Warn("internal token cache write failed", "key", key, "err", err)
		}
	}
	return signed, nil
}

// Invalidate evicts the cached token for (subject, audience). Callers use it
// after a backend rejects the token, before minting again.
func (t *InternalTokens) Invalidate(ctx context.Context, id Identity, audience string) error {
	return t.cache.Delete(ctx, internalTokenKey(id, audience))
}

func (t *InternalTokens) evict(ctx context.Context, key string) {
	if err := t.cache.Delete(ctx, key); err != nil {
		t.log.Warn("internal token cache evict failed", "key", key, "err", err)
	}
}

/* ===================== VERIFY ===================== */

// Verify validates an incoming x-internal-token.
func (t *InternalTokens) Verify(raw string) (Identity, error) {
	claims, err := t.parse(raw, t.now(), 5*time.Second)
	if err != nil {
		return Identity{}, err
	}
	return claims.identity(true), nil
}

func (t *InternalTokens) parse(raw string, now time.Time, leeway time.Duration) (Claims, error) {
	var claims Claims
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithIssuer(InternalIssuer),
		jwt.WithLeeway(leeway),
		jwt.WithTimeFunc(func() time.Time { return now }),
	)
	_, err := parser.ParseWithClaims(raw, &claims, func(*jwt.Token) (any, error) {
		return t.secret, nil
	})
	if err != nil {
		return Claims{}, err
	}
	return claims, nil
}

func internalTokenKey(id Identity, audience string) string {
	sub := id.Subject
	if id.IsGuest() {
		sub = GuestSubject
	}
	return internalTokenKeyPrefix + audience + ":" + sub
}

func audienceOrNil(aud string) jwt.ClaimStrings {
	if aud == "" {
		return nil
	}
	return jwt.ClaimStrings{aud}
}
