// Package upstream forwards gateway requests to backend services. One
// Client exists per backend; each is parameterized by base URL, the
// audience its internal tokens are minted for, and the token supplier.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"joblance-gateway/internal/apperr"
	"joblance-gateway/internal/auth"
	"joblance-gateway/internal/metrics"
)

const maxResponseBytes = 10 << 20

// TokenMinter supplies internal tokens. *auth.InternalTokens implements it.
type TokenMinter interface {
	Mint(ctx context.Context, id auth.Identity, audience string) (string, error)
	Invalidate(ctx context.Context, id auth.Identity, audience string) error
}

type Options struct {
	Name     string
	BaseURL  string
	Audience string
	Tokens   TokenMinter

	HTTPClient *http.Client
	Logger     *slog.Logger
	Metrics    *metrics.Metrics
}

type Client struct {
	name     string
	base     *url.URL
	audience string
	tokens   TokenMinter
	http     *http.Client
	log      *slog.Logger
	metrics  *metrics.Metrics
}

func NewClient(opts Options) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(opts.BaseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("upstream %s: invalid base url %q", opts.Name, opts.BaseURL)
	}
	if opts.Tokens == nil {
		return nil, fmt.Errorf("upstream %s: token minter is required", opts.Name)
	}
	if opts.Audience == "" {
		opts.Audience = opts.Name
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Client{
		name:     opts.Name,
		base:     base,
		audience: opts.Audience,
		tokens:   opts.Tokens,
		http:     opts.HTTPClient,
		log:      opts.Logger.With("component", "upstream", "service", opts.Name),
		metrics:  opts.Metrics,
	}, nil
}

func (c *Client) Name() string { return c.name }

// Request is a forwarded call. Body is buffered so the request can be
// replayed once after an internal token rejection.
type Request struct {
	Method   string
	Path     string
	RawQuery string
	Header   http.Header
	Body     []byte

	Identity    auth.Identity
	AccessToken string
	ClientIP    string
}

type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// ErrorCode returns the errorCode field of a JSON error body, if any.
func (r *Response) ErrorCode() string {
	var body struct {
		ErrorCode string `json:"errorCode"`
	}
	if err := json.Unmarshal(r.Body, &body); err != nil {
		return ""
	}
	return body.ErrorCode
}

// Do forwards req. A 401 whose errorCode says the internal token was
// expired or invalid triggers exactly one evict, re-mint and retry. Every
// other response, 5xx included, is returned as is. Transport failures are
// DEPENDENCY_UNAVAILABLE.
func (c *Client) Do(ctx context.Context, req Request) (*Response, error) {
	op := "upstream:" + c.name + ":" + strings.ToLower(req.Method)
	start := time.Now()

	resp, err := c.send(ctx, req)
	if err == nil && rejectsInternalToken(resp) {
		c.metrics.UpstreamRetry(c.name)
		c.log.Info("internal token rejected, retrying once", "path", req.Path, "code", resp.ErrorCode())
		if ierr := c.tokens.Invalidate(ctx, req.Identity, c.audience); ierr != nil {
			c.log.Warn("internal token invalidate failed", "err", ierr)
		}
		resp, err = c.send(ctx, req)
	}

	if err != nil {
		c.metrics.UpstreamRequest(c.name, 0)
		c.log.Warn("upstream request failed", "operation", op, "path", req.Path,
			"duration_ms", time.Since(start).Milliseconds(), "err", err)
		var ae *apperr.Error
		if errors.As(err, &ae) {
			return nil, err
		}
		return nil, apperr.New(apperr.CodeDependencyUnavailable, op, c.name+" service unavailable", err)
	}
	c.metrics.UpstreamRequest(c.name, resp.Status)
	if resp.Status >= 500 {
		c.log.Warn("upstream returned server error", "operation", op, "path", req.Path, "status", resp.Status,
			"duration_ms", time.Since(start).Milliseconds())
	}
	return resp, nil
}

func (c *Client) send(ctx context.Context, req Request) (*Response, error) {
	token, err := c.tokens.Mint(ctx, req.Identity, c.audience)
	if err != nil {
		return nil, apperr.New(apperr.CodeServerFault, "upstream:"+c.name+":mint", "", err)
	}

	u := *c.base
	u.Path = c.base.Path + "/" + strings.TrimLeft(req.Path, "/")
	u.RawQuery = req.RawQuery

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, u.String(), body)
	if err != nil {
		return nil, err
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	httpReq.Header.Set(auth.InternalTokenHeader, token)
	if req.ClientIP != "" {
		httpReq.Header.Set("X-Forwarded-For", req.ClientIP)
	}
	if req.AccessToken != "" {
		httpReq.Header.Set("Authorization", "Bearer "+req.AccessToken)
	}

	httpResp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	b, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseBytes))
	if err != nil {
		return nil, err
	}
	return &Response{Status: httpResp.StatusCode, Header: httpResp.Header, Body: b}, nil
}

func rejectsInternalToken(r *Response) bool {
	if r.Status != http.StatusUnauthorized {
		return false
	}
	switch apperr.Code(r.ErrorCode()) {
	case apperr.CodeTokenExpired, apperr.CodeTokenInvalid:
		return true
	default:
		return false
	}
}
