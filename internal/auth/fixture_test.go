package auth

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"joblance-gateway/internal/cache"
	"joblance-gateway/internal/jwks"

	"github.com/alicebob/miniredis/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type fakeKeys struct {
	keys map[string]crypto.PublicKey
	err  error
}

func (f fakeKeys) Key(_ context.Context, kid string) (crypto.PublicKey, error) {
	if f.err != nil {
		return nil, f.err
	}
	if k, ok := f.keys[kid]; ok {
		return k, nil
	}
	return nil, fmt.Errorf("%w: kid %q", jwks.ErrKeyNotFound, kid)
}

type fixture struct {
	mr          *miniredis.Miniredis
	cache       *cache.Redis
	clock       *testClock
	key         *rsa.PrivateKey
	revocations *RevocationStore
	internal    *InternalTokens
	validator   *Validator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	c := cache.NewRedis(rdb)

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	clock := &testClock{t: time.Unix(1700000000, 0).UTC()}
	internal, err := NewInternalTokens(InternalTokenOptions{Secret: "gateway-secret", TTL: time.Minute, Cache: c, Now: clock.Now})
	require.NoError(t, err)

	f := &fixture{
		mr:          mr,
		cache:       c,
		clock:       clock,
		key:         key,
		revocations: NewRevocationStore(c),
		internal:    internal,
	}
	f.validator, err = NewValidator(ValidatorOptions{
		Keys:        fakeKeys{keys: map[string]crypto.PublicKey{"k1": &key.PublicKey}},
		Revocations: f.revocations,
		Internal:    internal,
		Now:         clock.Now,
	})
	require.NoError(t, err)
	return f
}

// sign issues an Auth-service style access token: the signature covers the
// header with the bare kid and the token is delivered with kid as given.
func (f *fixture) sign(t *testing.T, kid, sub, jti string, ttl time.Duration) string {
	t.Helper()
	now := f.clock.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sub,
			ID:        jti,
			Audience:  jwt.ClaimStrings{"joblance"},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Username: sub + "-name",
		Email:    sub + "@example.com",
		Roles:    []string{"buyer"},
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = stripKeyVersion(kid)
	s, err := tok.SignedString(f.key)
	require.NoError(t, err)
	return withHeaderKid(t, s, kid)
}

// withHeaderKid swaps the kid in a signed token's header, leaving the payload
// and signature untouched.
func withHeaderKid(t *testing.T, token, kid string) string {
	t.Helper()
	parts := strings.Split(token, ".")
	require.Len(t, parts, 3)
	hb, err := base64.RawURLEncoding.DecodeString(parts[0])
	require.NoError(t, err)
	var hdr map[string]any
	require.NoError(t, json.Unmarshal(hb, &hdr))
	hdr["kid"] = kid
	hb, err = json.Marshal(hdr)
	require.NoError(t, err)
	parts[0] = base64.RawURLEncoding.EncodeToString(hb)
	return strings.Join(parts, ".")
}

// advance moves both the token clock and the cache clock.
func (f *fixture) advance(d time.Duration) {
	f.clock.Advance(d)
	f.mr.FastForward(d)
}
