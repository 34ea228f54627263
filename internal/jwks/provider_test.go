package jwks

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func serveSet(t *testing.T, set Set) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(set)
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

func TestProvider_FetchesAndCachesByKid(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	srv, hits := serveSet(t, Set{Keys: []JWK{FromRSA("k1", &key.PublicKey)}})
	p, err := NewProvider(Options{URL: srv.URL})
	require.NoError(t, err)
	t.Cleanup(p.Close)

	got, err := p.Key(context.Background(), "k1")
	require.NoError(t, err)
	pub, ok := got.(*rsa.PublicKey)
	require.True(t, ok)
	assert.Equal(t, 0, pub.N.Cmp(key.PublicKey.N))

	_, err = p.Key(context.Background(), "k1")
	require.NoError(t, err)
	assert.EqualValues(t, 1, hits.Load())
}

func TestProvider_ConcurrentMissesShareOneFetch(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	srv, hits := serveSet(t, Set{Keys: []JWK{FromRSA("k1", &key.PublicKey)}})
	p, err := NewProvider(Options{URL: srv.URL})
	require.NoError(t, err)
	t.Cleanup(p.Close)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := p.Key(context.Background(), "k1")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.LessOrEqual(t, hits.Load(), int32(2))
}

func TestProvider_UnknownKid(t *testing.T) {
	srv, _ := serveSet(t, Set{})
	p, err := NewProvider(Options{URL: srv.URL})
	require.NoError(t, err)
	t.Cleanup(p.Close)

	_, err = p.Key(context.Background(), "nope")
	require.ErrorIs(t, err, ErrKeyNotFound)
}

func TestProvider_UnknownKidsRateLimitFetches(t *testing.T) {
	srv, hits := serveSet(t, Set{})
	p, err := NewProvider(Options{URL: srv.URL, RequestsPerMinute: 3})
	require.NoError(t, err)
	t.Cleanup(p.Close)

	for i := 0; i < 50; i++ {
		_, err := p.Key(context.Background(), fmt.Sprintf("bogus-%d", i))
		require.Error(t, err)
		if i >= 3 {
			assert.ErrorIs(t, err, ErrRateLimited)
		}
		assert.NotErrorIs(t, err, ErrUnavailable)
	}
	assert.EqualValues(t, 3, hits.Load())
}

func TestProvider_CachedKeysServedWhileRateLimited(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	srv, hits := serveSet(t, Set{Keys: []JWK{FromRSA("k1", &key.PublicKey)}})
	p, err := NewProvider(Options{URL: srv.URL, RequestsPerMinute: 1})
	require.NoError(t, err)
	t.Cleanup(p.Close)

	_, err = p.Key(context.Background(), "k1")
	require.NoError(t, err)
	_, err = p.Key(context.Background(), "k2")
	require.ErrorIs(t, err, ErrRateLimited)

	got, err := p.Key(context.Background(), "k1")
	require.NoError(t, err)
	assert.Equal(t, 0, got.(*rsa.PublicKey).N.Cmp(key.PublicKey.N))
	assert.EqualValues(t, 1, hits.Load())
}

func TestProvider_EndpointDown(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	t.Cleanup(srv.Close)

	p, err := NewProvider(Options{URL: srv.URL})
	require.NoError(t, err)
	t.Cleanup(p.Close)

	_, err = p.Key(context.Background(), "k1")
	require.ErrorIs(t, err, ErrUnavailable)
}

func TestJWK_RejectsUnsupportedKeyType(t *testing.T) {
	_, err := JWK{Kty: "oct", Kid: "x"}.PublicKey()
	require.Error(t, err)
}
