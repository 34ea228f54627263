package session

import (
	"context"
	"net/http"

	"joblance-gateway/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const ginHandleKey = "session"

type CookieConfig struct {
	Name   string
	Secure bool
}

// Handle is the request-scoped view of a session. Writes go straight to
// the store and set the cookie immediately, so they must happen before the
// handler writes the response body.
type Handle struct {
	c      *gin.Context
	store  *Store
	cookie CookieConfig

	id   string
	data Data
}

func (h *Handle) Data() Data { return h.data }

func (h *Handle) ID() string { return h.id }

// Set replaces the token pair, allocating a session id on first write.
func (h *Handle) Set(ctx context.Context, d Data) error {
	if h.id == "" {
		h.id = uuid.NewString()
	}
	if err := h.store.Save(ctx, h.id, d); err != nil {
		return err
	}
	h.data = d
	h.c.SetSameSite(http.SameSiteLaxMode)
	h.c.SetCookie(h.cookie.Name, h.id, int(h.store.TTL().Seconds()), "/", "", h.cookie.Secure, true)
	return nil
}

// Clear removes the stored pair and expires the cookie.
func (h *Handle) Clear(ctx context.Context) error {
	id := h.id
	h.id, h.data = "", Data{}
	h.c.SetSameSite(http.SameSiteLaxMode)
	h.c.SetCookie(h.cookie.Name, "", -1, "/", "", h.cookie.Secure, true)
	return h.store.Delete(ctx, id)
}

// Middleware loads the session named by the cookie, if any. A cache failure
// degrades to an empty session rather than failing the request.
func Middleware(store *Store, cookie CookieConfig) gin.HandlerFunc {
	if cookie.Name == "" {
		cookie.Name = "session"
	}
	return func(c *gin.Context) {
		h := &Handle{c: c, store: store, cookie: cookie}
		if id, err := c.Cookie(cookie.Name); err == nil && id != "" {
			d, found, err := store.Load(c.Request.Context(), id)
			switch {
			case err != nil:
				logger.FromGin(c).Warn("session load failed", "err", err)
			case found:
				h.id, h.data = id, d
			}
		}
		c.Set(ginHandleKey, h)
		c.Next()
	}
}

// FromGin returns the request's session handle, or nil when the session
// middleware is not installed on the route.
func FromGin(c *gin.Context) *Handle {
	if v, ok := c.Get(ginHandleKey); ok {
		if h, ok := v.(*Handle); ok {
			return h
		}
	}
	return nil
}
