package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMiddleware_ClassifiedErrorCodes(t *testing.T) {
	gin.SetMode(gin.TestMode)
	f := newFixture(t)
	mw := NewMiddleware(f.validator, nil, nil)

	require.NoError(t, f.revocations.Revoke(context.Background(), "gone", time.Minute))

	r := gin.New()
	r.GET("/x", mw.Require(), func(c *gin.Context) { c.Status(http.StatusOK) })

	cases := []struct {
		name   string
		header string
		code   string
	}{
		{"missing", "", "TOKEN_MISSING"},
		{"not bearer", "Basic abc", "TOKEN_MISSING"},
		{"invalid", "Bearer nope", "TOKEN_INVALID"},
		{"expired", "Bearer " + f.sign(t, "k1", "u1", "j", -time.Minute), "TOKEN_EXPIRED"},
		{"revoked", "Bearer " + f.sign(t, "k1", "u1", "gone", time.Minute), "TOKEN_REVOKED"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodGet, "/x", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			r.ServeHTTP(w, req)

			require.Equal(t, http.StatusUnauthorized, w.Code)
			assert.Contains(t, w.Body.String(), `"errorCode":"`+tc.code+`"`)
		})
	}
}

func TestMiddleware_OptionalAllowsGuest(t *testing.T) {
	gin.SetMode(gin.TestMode)
	f := newFixture(t)
	mw := NewMiddleware(f.validator, nil, nil)

	r := gin.New()
	r.GET("/x", mw.Optional(), func(c *gin.Context) {
		c.String(http.StatusOK, IdentityFrom(c.Request.Context()).Subject)
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, GuestSubject, w.Body.String())

	w = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set("Authorization", "Bearer nope")
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code, "presented credentials must still be valid")
}

func TestMiddleware_InternalHeader(t *testing.T) {
	gin.SetMode(gin.TestMode)
	f := newFixture(t)
	mw := NewMiddleware(f.validator, nil, nil)

	tok, err := f.internal.Mint(context.Background(), Identity{Subject: "u5"}, "gateway")
	require.NoError(t, err)

	r := gin.New()
	r.GET("/x", mw.Require(), func(c *gin.Context) {
		id := IdentityFrom(c.Request.Context())
		assert.True(t, id.Internal)
		assert.Empty(t, AccessToken(c.Request.Context()))
		c.String(http.StatusOK, id.Subject)
	})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set(InternalTokenHeader, tok)
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "u5", w.Body.String())
}
