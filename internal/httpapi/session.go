package httpapi

import (
	"net/http"
	"strings"

	"joblance-gateway/internal/apperr"
	"joblance-gateway/internal/auth"
	"joblance-gateway/internal/session"
	"joblance-gateway/internal/upstream"
	"joblance-gateway/pkg/logger"

	"github.com/gin-gonic/gin"
)

const authService = "auth"

// SignIn forwards credentials to the Auth service. A successful response
// stores the token pair in the session and the per-user refresh cache
// entry, then relays the downstream body.
func (h Handlers) SignIn(c *gin.Context) {
	logger.SetOperation(c, "gateway:session:signin")
	backend, ok := h.Backends[authService]
	if !ok || h.Refresher == nil {
		apperr.Abort(c, apperr.New(apperr.CodeServerFault, "session:signin", "", nil))
		return
	}

	resp, err := forward(c, backend, "/signin")
	if err != nil {
		apperr.Abort(c, err)
		return
	}
	if resp.Status < 200 || resp.Status > 299 {
		relay(c, resp)
		return
	}

	ctx := c.Request.Context()
	pair, userID, err := upstream.ParseTokenResponse(resp.Body)
	if err != nil {
		apperr.Abort(c, apperr.New(apperr.CodeDependencyUnavailable, "session:signin", "", err))
		return
	}
	if userID == "" {
		id, err := h.Validator.ValidateExternal(ctx, pair.AccessToken)
		if err != nil {
			apperr.Abort(c, err)
			return
		}
		userID = id.Subject
	}
	if err := h.Refresher.StorePair(ctx, userID, pair, sessionTokens(c)); err != nil {
		apperr.Abort(c, apperr.New(apperr.CodeDependencyUnavailable, "session:signin:store", "", err))
		return
	}
	h.Audit.SignedIn(ctx, userID, c.ClientIP())
	relay(c, resp)
}

// Refresh exchanges the presented access token (expired or not) for a new
// pair without forwarding anything else.
func (h Handlers) Refresh(c *gin.Context) {
	logger.SetOperation(c, "gateway:session:refresh")
	if h.Refresher == nil {
		apperr.Abort(c, apperr.New(apperr.CodeServerFault, "session:refresh", "", nil))
		return
	}
	sess := sessionTokens(c)
	token := ""
	if sess != nil {
		token = sess.Data().AccessToken
	}
	if token == "" {
		token = bearer(c)
	}
	if token == "" {
		apperr.Abort(c, apperr.New(apperr.CodeTokenMissing, "session:refresh", "", nil))
		return
	}

	id, access, err := h.Refresher.Refresh(c.Request.Context(), token, sess, c.ClientIP())
	if err != nil {
		apperr.Abort(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"accessToken": access,
		"user":        gin.H{"id": id.Subject, "username": id.Username, "email": id.Email},
	})
}

// Logout forwards to the Auth service, then blacklists the access token for
// its remaining lifetime, drops the cached refresh token and clears the
// session. Local cleanup runs even when the Auth service is unreachable.
func (h Handlers) Logout(c *gin.Context) {
	logger.SetOperation(c, "gateway:session:logout")
	ctx := c.Request.Context()
	id := auth.IdentityFrom(ctx)
	log := logger.FromGin(c)

	var resp *upstream.Response
	if backend, ok := h.Backends[authService]; ok {
		r, err := forward(c, backend, "/logout")
		if err != nil {
			log.Warn("auth logout forward failed", "err", err)
		} else {
			resp = r
		}
	}

	if !id.Internal && id.TokenID != "" && h.Revocations != nil {
		ttl := id.ExpiresAt.Sub(h.now())
		if err := h.Revocations.Revoke(ctx, id.TokenID, ttl); err != nil {
			apperr.Abort(c, apperr.New(apperr.CodeDependencyUnavailable, "session:logout:revoke", "", err))
			return
		}
		h.Audit.TokenRevoked(ctx, id.Subject, id.TokenID, c.ClientIP())
	}
	if h.Cache != nil && !id.IsGuest() {
		if err := h.Cache.Delete(ctx, auth.RefreshTokenKey(id.Subject)); err != nil {
			log.Warn("refresh token delete failed", "err", err)
		}
	}
	if sess := session.FromGin(c); sess != nil && sess.ID() != "" {
		if err := sess.Clear(ctx); err != nil {
			log.Warn("session clear failed", "err", err)
		}
	}

	if resp != nil && resp.Status < 500 {
		relay(c, resp)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "logged out"})
}

func bearer(c *gin.Context) string {
	raw := strings.TrimSpace(c.GetHeader("Authorization"))
	if !strings.HasPrefix(raw, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(raw, "Bearer "))
}
