package httpapi

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"joblance-gateway/internal/apperr"
	"joblance-gateway/internal/audit"
	"joblance-gateway/internal/auth"
	"joblance-gateway/internal/cache"
	"joblance-gateway/internal/rbac"
	"joblance-gateway/internal/session"
	"joblance-gateway/internal/upstream"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticKeys struct{ key crypto.PublicKey }

func (s staticKeys) Key(context.Context, string) (crypto.PublicKey, error) { return s.key, nil }

type fakeBackend struct {
	mu   sync.Mutex
	reqs []upstream.Request
	resp *upstream.Response
	err  error
}

func (f *fakeBackend) Do(_ context.Context, req upstream.Request) (*upstream.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reqs = append(f.reqs, req)
	return f.resp, f.err
}

func (f *fakeBackend) last() upstream.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reqs[len(f.reqs)-1]
}

type noRefresh struct{}

func (noRefresh) Refresh(context.Context, auth.Identity, string) (auth.TokenPair, error) {
	return auth.TokenPair{}, errors.New("not used")
}

type env struct {
	mr       *miniredis.Miniredis
	cache    *cache.Redis
	key      *rsa.PrivateKey
	handlers Handlers
	authMW   *auth.Middleware
	sessions *session.Store
	audit    *audit.MemoryRepo
}

func newEnv(t *testing.T, backends map[string]Forwarder) *env {
	t.Helper()
	gin.SetMode(gin.TestMode)

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	c := cache.NewRedis(rdb)

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	internal, err := auth.NewInternalTokens(auth.InternalTokenOptions{Secret: "gateway-secret", TTL: time.Minute, Cache: c})
	require.NoError(t, err)
	revocations := auth.NewRevocationStore(c)
	validator, err := auth.NewValidator(auth.ValidatorOptions{
		Keys:        staticKeys{key: &key.PublicKey},
		Revocations: revocations,
		Internal:    internal,
	})
	require.NoError(t, err)

	repo := audit.NewMemoryRepo()
	auditSvc := audit.NewService(repo, nil)
	refresher, err := auth.NewRefresher(auth.RefresherOptions{Validator: validator, Client: noRefresh{}, Cache: c, Audit: auditSvc})
	require.NoError(t, err)

	return &env{
		mr:    mr,
		cache: c,
		key:   key,
		handlers: Handlers{
			Backends:    backends,
			Validator:   validator,
			Refresher:   refresher,
			Revocations: revocations,
			Cache:       c,
			Audit:       auditSvc,
		},
		authMW:   auth.NewMiddleware(validator, refresher, nil),
		sessions: session.NewStore(c, time.Hour),
		audit:    repo,
	}
}

func (e *env) sign(t *testing.T, sub, jti string, ttl time.Duration, roles ...string) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, auth.Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sub,
			ID:        jti,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
		},
		Roles: roles,
	})
	tok.Header["kid"] = "k1"
	s, err := tok.SignedString(e.key)
	require.NoError(t, err)
	return s
}

func (e *env) router() *gin.Engine {
	r := gin.New()
	r.Use(session.Middleware(e.sessions, session.CookieConfig{Name: "sid"}))
	r.GET("/api/v1/gateway-health", e.handlers.GatewayHealth)
	r.GET("/healthz", e.handlers.Healthz)
	s := r.Group("/api/v1/session")
	s.POST("/signin", e.handlers.SignIn)
	s.POST("/refresh", e.handlers.Refresh)
	s.POST("/logout", e.authMW.Require(), e.handlers.Logout)
	r.Any("/api/v1/gigs/*path", e.authMW.Optional(), e.handlers.Forward("gigs"))
	r.Any("/api/v1/missing/*path", e.authMW.Optional(), e.handlers.Forward("missing"))
	r.Any("/api/v1/admin/*path", e.authMW.Require(), rbac.RequireAnyRole(rbac.RoleAdmin), e.handlers.ForwardUnder("gigs", "/admin"))
	return r
}

func jsonResponse(status int, body string) *upstream.Response {
	return &upstream.Response{Status: status, Header: http.Header{"Content-Type": []string{"application/json"}}, Body: []byte(body)}
}

func TestForward_RelaysDownstreamUnchanged(t *testing.T) {
	gigs := &fakeBackend{resp: jsonResponse(http.StatusTeapot, `{"gig":"g1"}`)}
	e := newEnv(t, map[string]Forwarder{"gigs": gigs})
	r := e.router()

	token := e.sign(t, "u1", "j1", time.Hour)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/gigs/create?draft=1", strings.NewReader(`{"t":1}`))
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusTeapot, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"gig":"g1"}`, w.Body.String())

	got := gigs.last()
	assert.Equal(t, "/create", got.Path)
	assert.Equal(t, "draft=1", got.RawQuery)
	assert.Equal(t, `{"t":1}`, string(got.Body))
	assert.Equal(t, "u1", got.Identity.Subject)
	assert.Equal(t, token, got.AccessToken)
	assert.Equal(t, "application/json", got.Header.Get("Content-Type"))
}

func TestForward_GuestAndErrors(t *testing.T) {
	gigs := &fakeBackend{err: apperr.New(apperr.CodeDependencyUnavailable, "upstream:gigs:get", "gigs service unavailable", errors.New("dial"))}
	e := newEnv(t, map[string]Forwarder{"gigs": gigs})
	r := e.router()

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/gigs/list", nil))
	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.Contains(t, w.Body.String(), `"DEPENDENCY_UNAVAILABLE"`)
	assert.True(t, gigs.last().Identity.IsGuest())

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/missing/x", nil))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestForwardUnder_AdminOnly(t *testing.T) {
	gigs := &fakeBackend{resp: jsonResponse(http.StatusOK, `{}`)}
	e := newEnv(t, map[string]Forwarder{"gigs": gigs})
	r := e.router()

	req := httptest.NewRequest(http.MethodGet, "/api/v1/admin/users", nil)
	req.Header.Set("Authorization", "Bearer "+e.sign(t, "u1", "j1", time.Hour, "buyer"))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Empty(t, gigs.reqs)

	req = httptest.NewRequest(http.MethodGet, "/api/v1/admin/users", nil)
	req.Header.Set("Authorization", "Bearer "+e.sign(t, "a1", "j2", time.Hour, "admin"))
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "/admin/users", gigs.last().Path)
}

func TestSignIn_StoresSessionAndRefreshToken(t *testing.T) {
	authSvc := &fakeBackend{}
	e := newEnv(t, map[string]Forwarder{"auth": authSvc})
	access := e.sign(t, "u1", "j1", time.Hour)
	authSvc.resp = jsonResponse(http.StatusOK, `{"accessToken":"`+access+`","refreshToken":"r1","user":{"id":"u1"}}`)
	r := e.router()

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/v1/session/signin", strings.NewReader(`{"email":"a@b.c","password":"pw"}`)))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"r1"`)
	assert.Equal(t, "/signin", authSvc.last().Path)
	assert.True(t, authSvc.last().Identity.IsGuest())

	got, err := e.mr.Get(auth.RefreshTokenKey("u1"))
	require.NoError(t, err)
	assert.Equal(t, "r1", got)

	cookies := w.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.True(t, cookies[0].HttpOnly)
	d, found, err := e.sessions.Load(context.Background(), cookies[0].Value)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, access, d.AccessToken)

	events := e.audit.Events()
	require.Len(t, events, 1)
	assert.Equal(t, audit.EventTypeSignedIn, events[0].Type)
}

func TestSignIn_RejectionRelayed(t *testing.T) {
	authSvc := &fakeBackend{resp: jsonResponse(http.StatusUnauthorized, `{"message":"bad credentials"}`)}
	e := newEnv(t, map[string]Forwarder{"auth": authSvc})

	w := httptest.NewRecorder()
	e.router().ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/v1/session/signin", strings.NewReader(`{}`)))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.JSONEq(t, `{"message":"bad credentials"}`, w.Body.String())
	assert.Empty(t, w.Result().Cookies())
}

func TestLogout_RevokesAndClears(t *testing.T) {
	authSvc := &fakeBackend{resp: jsonResponse(http.StatusOK, `{"message":"bye"}`)}
	e := newEnv(t, map[string]Forwarder{"auth": authSvc})
	r := e.router()
	require.NoError(t, e.cache.SetEx(context.Background(), auth.RefreshTokenKey("u1"), "r1", time.Hour))

	token := e.sign(t, "u1", "jti-logout", 10*time.Minute)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/session/logout", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"message":"bye"}`, w.Body.String())
	assert.Equal(t, token, authSvc.last().AccessToken)

	ttl := e.mr.TTL("blacklist:access:jti-logout")
	assert.Greater(t, ttl, 9*time.Minute)
	assert.LessOrEqual(t, ttl, 10*time.Minute)
	assert.False(t, e.mr.Exists(auth.RefreshTokenKey("u1")))

	// The revoked token no longer authenticates.
	req = httptest.NewRequest(http.MethodPost, "/api/v1/session/logout", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), `"TOKEN_REVOKED"`)
}

func TestLogout_AuthServiceDownStillRevokes(t *testing.T) {
	authSvc := &fakeBackend{err: errors.New("connection refused")}
	e := newEnv(t, map[string]Forwarder{"auth": authSvc})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/session/logout", nil)
	req.Header.Set("Authorization", "Bearer "+e.sign(t, "u1", "j2", time.Minute))
	w := httptest.NewRecorder()
	e.router().ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.True(t, e.mr.Exists("blacklist:access:j2"))
}

func TestRefresh_MissingToken(t *testing.T) {
	e := newEnv(t, nil)
	w := httptest.NewRecorder()
	e.router().ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/v1/session/refresh", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), `"TOKEN_MISSING"`)
}

func TestHealth(t *testing.T) {
	e := newEnv(t, nil)
	r := e.router()

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/gateway-health", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "Gateway Service is healthy and OK", w.Body.String())

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	e.mr.Close()
	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}
