package auth

import (
	"strings"

	"joblance-gateway/internal/apperr"
	"joblance-gateway/internal/metrics"
	"joblance-gateway/internal/session"
	"joblance-gateway/pkg/logger"

	"github.com/gin-gonic/gin"
)

const (
	authorizationHeader = "Authorization"
	bearerPrefix        = "Bearer "

	// InternalTokenHeader carries a gateway-minted token between services.
	InternalTokenHeader = "x-internal-token"
)

// Middleware resolves the request identity. It does not perform role
// checks; those belong to internal/rbac.
type Middleware struct {
	validator *Validator
	refresher *Refresher
	metrics   *metrics.Metrics
}

func NewMiddleware(v *Validator, r *Refresher, m *metrics.Metrics) *Middleware {
	return &Middleware{validator: v, refresher: r, metrics: m}
}

// Require rejects any request without a valid token. Expired tokens are
// not refreshed.
func (m *Middleware) Require() gin.HandlerFunc {
	return m.handler(false, false)
}

// RequireWithRefresh behaves like Require but recovers once from an expired
// external access token through the refresh flow.
func (m *Middleware) RequireWithRefresh() gin.HandlerFunc {
	return m.handler(true, false)
}

// Optional lets credential-less requests through as guest. Credentials that
// are present must still be valid; expired ones are refreshed.
func (m *Middleware) Optional() gin.HandlerFunc {
	return m.handler(true, true)
}

func (m *Middleware) handler(refresh, allowGuest bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		cr, sess := credentials(c)
		if allowGuest && cr.InternalToken == "" && cr.AccessToken == "" {
			setIdentity(c, Guest(), "")
			c.Next()
			return
		}

		id, err := m.validator.Validate(c.Request.Context(), cr)
		token := cr.AccessToken
		if err != nil && refresh && cr.InternalToken == "" && apperr.CodeOf(err) == apperr.CodeTokenExpired && m.refresher != nil {
			id, token, err = m.refresher.Refresh(c.Request.Context(), cr.AccessToken, sess, c.ClientIP())
		}
		if err != nil {
			m.metrics.AuthFailure(string(apperr.CodeOf(err)))
			logger.FromGin(c).Info("authentication failed",
				"code", apperr.CodeOf(err),
				"token", logger.Redact(cr.AccessToken),
				"internal", cr.InternalToken != "",
				"err", err,
			)
			apperr.Abort(c, err)
			return
		}

		if id.Internal {
			token = ""
		}
		setIdentity(c, id, token)
		c.Set("user_id", id.Subject)
		c.Next()
	}
}

// credentials collects the presented tokens: the internal header first,
// then the session's access token, then a bearer header.
func credentials(c *gin.Context) (Credentials, SessionTokens) {
	cr := Credentials{InternalToken: strings.TrimSpace(c.GetHeader(InternalTokenHeader))}

	var sess SessionTokens
	if h := session.FromGin(c); h != nil {
		sess = h
		cr.AccessToken = h.Data().AccessToken
	}
	if cr.AccessToken == "" {
		raw := strings.TrimSpace(c.GetHeader(authorizationHeader))
		if strings.HasPrefix(raw, bearerPrefix) {
			cr.AccessToken = strings.TrimSpace(strings.TrimPrefix(raw, bearerPrefix))
		}
	}
	return cr, sess
}
