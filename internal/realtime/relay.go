package realtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"joblance-gateway/internal/auth"
	"joblance-gateway/internal/metrics"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
)

// Minter supplies the internal token an outbound relay connects with.
type Minter interface {
	Mint(ctx context.Context, id auth.Identity, audience string) (string, error)
}

// Route maps a backend event to a client-facing room. The event's first
// argument is the room key, the second is the payload.
type Route struct {
	Namespace string
	Room      func(key string) string
}

type RelayOptions struct {
	Name     string
	URL      string
	Audience string
	Tokens   Minter
	Routes   map[string]Route
	Hub      *Hub

	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Dialer         *websocket.Dialer
	Logger         *slog.Logger
	Metrics        *metrics.Metrics
}

// Relay keeps a persistent outbound WebSocket to one backend service and
// re-emits its events into client rooms. It reconnects forever.
type Relay struct {
	opts RelayOptions
	log  *slog.Logger
}

func NewRelay(opts RelayOptions) (*Relay, error) {
	if opts.Hub == nil || opts.Tokens == nil || opts.URL == "" {
		return nil, errors.New("relay: hub, tokens and url are required")
	}
	if opts.Audience == "" {
		opts.Audience = opts.Name
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = 2 * time.Second
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = 10 * time.Second
	}
	if opts.Dialer == nil {
		opts.Dialer = &websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Relay{opts: opts, log: opts.Logger.With("component", "relay", "service", opts.Name)}, nil
}

// ChatsRelay relays message events from the chat service into conversation rooms.
func ChatsRelay(hub *Hub, baseURL string, tokens Minter, opts RelayOptions) (*Relay, error) {
	chat := Route{Namespace: NamespaceChats, Room: ChatRoom}
	opts.Name, opts.Hub, opts.Tokens = "chats", hub, tokens
	opts.URL = strings.TrimRight(baseURL, "/") + "/chats"
	opts.Routes = map[string]Route{"message:send": chat, "message:read": chat}
	return NewRelay(opts)
}

// NotificationsRelay relays notification events into recipient rooms.
func NotificationsRelay(hub *Hub, baseURL string, tokens Minter, opts RelayOptions) (*Relay, error) {
	n := Route{Namespace: NamespaceNotifications, Room: NotificationRoom}
	opts.Name, opts.Hub, opts.Tokens = "notifications", hub, tokens
	opts.URL = strings.TrimRight(baseURL, "/") + "/notifications"
	opts.Routes = map[string]Route{
		"notification:new":  n,
		"chat:alert":        n,
		"chat:list_update":  n,
		"conversation:read": n,
	}
	return NewRelay(opts)
}

func (r *Relay) Run(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.opts.InitialBackoff
	b.MaxInterval = r.opts.MaxBackoff
	b.MaxElapsedTime = 0

	for {
		err := r.session(ctx, b)
		if ctx.Err() != nil {
			return nil
		}
		wait := b.NextBackOff()
		r.log.Warn("relay disconnected", "err", err, "retry_in", wait)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
}

func (r *Relay) session(ctx context.Context, b backoff.BackOff) error {
	token, err := r.opts.Tokens.Mint(ctx, auth.Identity{Subject: auth.InternalIssuer}, r.opts.Audience)
	if err != nil {
		return fmt.Errorf("mint relay token: %w", err)
	}
	header := http.Header{}
	header.Set(auth.InternalTokenHeader, token)

	ws, resp, err := r.opts.Dialer.DialContext(ctx, wsURL(r.opts.URL), header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return fmt.Errorf("dial %s: %w", r.opts.URL, err)
	}
	b.Reset()
	r.opts.Metrics.RelayConnected(r.opts.Name, true)
	r.log.Info("relay connected", "url", r.opts.URL)
	defer r.opts.Metrics.RelayConnected(r.opts.Name, false)

	stop := context.AfterFunc(ctx, func() { _ = ws.Close() })
	defer stop()
	defer ws.Close()

	for {
		_, msg, err := ws.ReadMessage()
		if err != nil {
			return err
		}
		f, err := Decode(msg)
		if err != nil {
			r.log.Debug("malformed relay frame dropped", "err", err)
			continue
		}
		if err := r.dispatch(ctx, f); err != nil {
			r.log.Warn("relay dispatch failed", "event", f.Event, "err", err)
		}
	}
}

func (r *Relay) dispatch(ctx context.Context, f Frame) error {
	route, ok := r.opts.Routes[f.Event]
	if !ok {
		return nil
	}
	key, err := f.String(0)
	if err != nil {
		return err
	}
	r.opts.Metrics.RelayEvent(r.opts.Name, f.Event)
	return r.opts.Hub.EmitToRoom(ctx, route.Namespace, route.Room(key), f.Event, f.Raw(1))
}

func wsURL(u string) string {
	switch {
	case strings.HasPrefix(u, "https://"):
		return "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		return "ws://" + strings.TrimPrefix(u, "http://")
	default:
		return u
	}
}
