package auth

import (
	"context"
	"errors"

	"github.com/gin-gonic/gin"
)

type ctxKey int

const (
	ctxIdentity ctxKey = iota
	ctxAccessToken
)

const ginIdentityKey = "identity"

func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, ctxIdentity, id)
}

// WithAccessToken records the external access token the request was
// authenticated with, so forwarders can pass it on.
func WithAccessToken(ctx context.Context, token string) context.Context {
	return context.WithValue(ctx, ctxAccessToken, token)
}

// IdentityFrom returns the request identity, or the guest identity when the
// request was not authenticated.
func IdentityFrom(ctx context.Context) Identity {
	if id, ok := ctx.Value(ctxIdentity).(Identity); ok {
		return id
	}
	return Guest()
}

func AccessToken(ctx context.Context) string {
	s, _ := ctx.Value(ctxAccessToken).(string)
	return s
}

func UserID(ctx context.Context) (string, error) {
	id := IdentityFrom(ctx)
	if id.IsGuest() {
		return "", errors.New("user_id not in context")
	}
	return id.Subject, nil
}

func setIdentity(c *gin.Context, id Identity, accessToken string) {
	ctx := WithIdentity(c.Request.Context(), id)
	if accessToken != "" {
		ctx = WithAccessToken(ctx, accessToken)
	}
	c.Request = c.Request.WithContext(ctx)
	c.Set(ginIdentityKey, id)
}
