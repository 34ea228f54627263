package auth

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"joblance-gateway/internal/apperr"
	"joblance-gateway/internal/audit"
	"joblance-gateway/internal/cache"
	"joblance-gateway/internal/metrics"
	"joblance-gateway/internal/session"

	"github.com/golang-jwt/jwt/v5"
)

const refreshTokenKeyPrefix = "auth:refresh_token:user:"

// RefreshTokenKey is the cache key holding a user's current refresh token,
// used when the browser session no longer carries one.
func RefreshTokenKey(userID string) string { return refreshTokenKeyPrefix + userID }

// TokenPair is what the Auth service returns from sign-in and refresh.
// Expiry times are zero when the service does not report them.
type TokenPair struct {
	AccessToken      string
	AccessExpiresAt  time.Time
	RefreshToken     string
	RefreshExpiresAt time.Time
}

// RefreshClient exchanges a refresh token at the Auth service. The call is
// made on behalf of subject, which the client uses to mint its internal token.
type RefreshClient interface {
	Refresh(ctx context.Context, subject Identity, refreshToken string) (TokenPair, error)
}

// SessionTokens is the part of a browser session the refresh flow reads
// and rewrites. *session.Handle implements it.
type SessionTokens interface {
	Data() session.Data
	Set(ctx context.Context, d session.Data) error
}

type RefresherOptions struct {
	Validator *Validator
	Client    RefreshClient
	Cache     cache.Store
	Audit     *audit.Service
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
	Now       func() time.Time

	// FallbackTTL bounds the cached refresh token when the Auth service
	// does not report its expiry.
	FallbackTTL time.Duration
}

// Refresher recovers from an expired access token exactly once.
type Refresher struct {
	validator   *Validator
	client      RefreshClient
	cache       cache.Store
	audit       *audit.Service
	metrics     *metrics.Metrics
	log         *slog.Logger
	now         func() time.Time
	fallbackTTL time.Duration
}

func NewRefresher(opts RefresherOptions) (*Refresher, error) {
	if opts.Validator == nil || opts.Client == nil || opts.Cache == nil {
		return nil, errors.New("refresher: validator, client and cache are required")
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.FallbackTTL <= 0 {
		opts.FallbackTTL = 7 * 24 * time.Hour
	}
	return &Refresher{
		validator:   opts.Validator,
		client:      opts.Client,
		cache:       opts.Cache,
		audit:       opts.Audit,
		metrics:     opts.Metrics,
		log:         opts.Logger.With("component", "refresher"),
		now:         opts.Now,
		fallbackTTL: opts.FallbackTTL,
	}, nil
}

// Refresh exchanges the refresh token belonging to expiredToken's subject,
// stores the new pair and validates the new access token. Every failure is
// a terminal TOKEN_EXPIRED.
func (r *Refresher) Refresh(ctx context.Context, expiredToken string, sess SessionTokens, clientIP string) (Identity, string, error) {
	id, access, err := r.refresh(ctx, expiredToken, sess)
	r.metrics.Refresh(err == nil)
	if err != nil {
		r.log.Info("token refresh failed", "sub", id.Subject, "err", err)
		r.audit.RefreshFailed(ctx, id.Subject, clientIP, err.Error())
		return Identity{}, "", &apperr.Error{Code: apperr.CodeTokenExpired, Op: "auth:refresh", Terminal: true, Err: err}
	}
	r.audit.Refreshed(ctx, id.Subject, clientIP)
	return id, access, nil
}

func (r *Refresher) refresh(ctx context.Context, expiredToken string, sess SessionTokens) (Identity, string, error) {
	var claims Claims
	if _, _, err := jwt.NewParser().ParseUnverified(expiredToken, &claims); err != nil {
		return Identity{}, "", err
	}
	if claims.Subject == "" {
		return Identity{}, "", errors.New("expired token has no sub")
	}
	subject := claims.identity(false)

	refreshToken := ""
	if sess != nil {
		refreshToken = sess.Data().RefreshToken
	}
	if refreshToken == "" {
		v, found, err := r.cache.Get(ctx, RefreshTokenKey(claims.Subject))
		if err != nil {
			return subject, "", err
		}
		if found {
			refreshToken = v
		}
	}
	if refreshToken == "" {
		return subject, "", errors.New("no refresh token available")
	}

	pair, err := r.client.Refresh(ctx, subject, refreshToken)
	if err != nil {
		return subject, "", err
	}
	if pair.AccessToken == "" {
		return subject, "", errors.New("refresh returned no access token")
	}
	if pair.RefreshToken == "" {
		pair.RefreshToken = refreshToken
	}

	if err := r.StorePair(ctx, claims.Subject, pair, sess); err != nil {
		return subject, "", err
	}

	id, err := r.validator.ValidateExternal(ctx, pair.AccessToken)
	if err != nil {
		return subject, "", err
	}
	return id, pair.AccessToken, nil
}

// StorePair writes a fresh pair into the session and the per-user refresh
// token cache entry. Sign-in uses it too.
func (r *Refresher) StorePair(ctx context.Context, userID string, pair TokenPair, sess SessionTokens) error {
	if sess != nil {
		if err := sess.Set(ctx, session.Data{AccessToken: pair.AccessToken, RefreshToken: pair.RefreshToken}); err != nil {
			return err
		}
	}
	ttl := r.fallbackTTL
	if !pair.RefreshExpiresAt.IsZero() {
		ttl = pair.RefreshExpiresAt.Sub(r.now())
	}
	if ttl <= 0 || pair.RefreshToken == "" {
		return nil
	}
	return r.cache.SetEx(ctx, RefreshTokenKey(userID), pair.RefreshToken, ttl)
}
