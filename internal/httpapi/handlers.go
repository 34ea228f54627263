package httpapi

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"joblance-gateway/internal/apperr"
	"joblance-gateway/internal/audit"
	"joblance-gateway/internal/auth"
	"joblance-gateway/internal/cache"
	"joblance-gateway/internal/session"
	"joblance-gateway/internal/upstream"
	"joblance-gateway/pkg/logger"

	"github.com/gin-gonic/gin"
)

const maxRequestBytes = 10 << 20

// Forwarder sends a request to one backend. *upstream.Client implements it.
type Forwarder interface {
	Do(ctx context.Context, req upstream.Request) (*upstream.Response, error)
}

// Handlers groups HTTP handlers for dependency injection.
// Keep these thin: read input, call the pipeline, relay the result.
type Handlers struct {
	Backends    map[string]Forwarder
	Validator   *auth.Validator
	Refresher   *auth.Refresher
	Revocations *auth.RevocationStore
	Cache       cache.Store
	Audit       *audit.Service
	Log         *slog.Logger
	Now         func() time.Time
}

func (h Handlers) now() time.Time {
	if h.Now != nil {
		return h.Now()
	}
	return time.Now()
}

// forwardedHeaders are the client headers passed through to backends.
// Authorization and the internal token are set by the pipeline.
var forwardedHeaders = []string{"Content-Type", "Accept", "Accept-Language", "X-Request-Id"}

// Forward relays the request under /api/v1/{service}/*path to the named
// backend and writes its status, content type and body back unchanged.
func (h Handlers) Forward(service string) gin.HandlerFunc {
	return h.ForwardUnder(service, "")
}

// ForwardUnder is Forward with prefix prepended to the backend path, for
// routes mounted outside the service's own segment.
func (h Handlers) ForwardUnder(service, prefix string) gin.HandlerFunc {
	return func(c *gin.Context) {
		logger.SetOperation(c, service+":forward:"+strings.ToLower(c.Request.Method))
		backend, ok := h.Backends[service]
		if !ok {
			apperr.Abort(c, apperr.New(apperr.CodeServerFault, "forward:"+service, "", nil))
			return
		}
		resp, err := forward(c, backend, prefix+c.Param("path"))
		if err != nil {
			apperr.Abort(c, err)
			return
		}
		relay(c, resp)
	}
}

func forward(c *gin.Context, backend Forwarder, path string) (*upstream.Response, error) {
	var body []byte
	if c.Request.Body != nil {
		b, err := io.ReadAll(io.LimitReader(c.Request.Body, maxRequestBytes))
		if err != nil {
			return nil, apperr.New(apperr.CodeServerFault, "forward:read-body", "", err)
		}
		body = b
	}

	header := http.Header{}
	for _, k := range forwardedHeaders {
		if v := c.GetHeader(k); v != "" {
			header.Set(k, v)
		}
	}
	if rid := logger.RequestID(c); rid != "" {
		header.Set("X-Request-Id", rid)
	}

	ctx := c.Request.Context()
	return backend.Do(ctx, upstream.Request{
		Method:      c.Request.Method,
		Path:        path,
		RawQuery:    c.Request.URL.RawQuery,
		Header:      header,
		Body:        body,
		Identity:    auth.IdentityFrom(ctx),
		AccessToken: auth.AccessToken(ctx),
		ClientIP:    c.ClientIP(),
	})
}

func relay(c *gin.Context, resp *upstream.Response) {
	ct := resp.Header.Get("Content-Type")
	if ct == "" {
		ct = "application/octet-stream"
	}
	c.Data(resp.Status, ct, resp.Body)
}

// sessionTokens converts the request's session handle into the refresh
// flow's interface, keeping a missing session a true nil.
func sessionTokens(c *gin.Context) auth.SessionTokens {
	if h := session.FromGin(c); h != nil {
		return h
	}
	return nil
}
