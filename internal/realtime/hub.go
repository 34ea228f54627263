package realtime

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"joblance-gateway/internal/auth"
	"joblance-gateway/internal/metrics"

	"github.com/cenkalti/backoff/v4"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

const (
	defaultPingInterval = 25 * time.Second
	slotTTL             = time.Hour
	slotKeyPrefix       = "ws:conns:"
)

// SlotLimiter bounds concurrent connections per client address across the
// fleet. *cache.Redis implements it.
type SlotLimiter interface {
	AcquireSlot(ctx context.Context, key string, limit int, ttl time.Duration) (bool, error)
	ReleaseSlot(ctx context.Context, key string) error
}

type HubOptions struct {
	Adapter Adapter
	// Origin identifies this instance in envelopes; a uuid when empty.
	Origin string

	AllowedOrigins  []string
	EventsPerSecond float64
	Slots           SlotLimiter
	MaxConnsPerIP   int
	PingInterval    time.Duration

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

type Hub struct {
	adapter       Adapter
	origin        string
	upgrader      websocket.Upgrader
	eventsPerSec  float64
	slots         SlotLimiter
	maxConnsPerIP int
	pingInterval  time.Duration
	log           *slog.Logger
	metrics       *metrics.Metrics

	mu         sync.RWMutex
	namespaces map[string]*Namespace

	ready     chan struct{}
	readyOnce sync.Once
}

func NewHub(opts HubOptions) *Hub {
	if opts.Adapter == nil {
		opts.Adapter = LocalAdapter{}
	}
	if opts.Origin == "" {
		opts.Origin = uuid.NewString()
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = defaultPingInterval
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	h := &Hub{
		adapter:       opts.Adapter,
		origin:        opts.Origin,
		eventsPerSec:  opts.EventsPerSecond,
		slots:         opts.Slots,
		maxConnsPerIP: opts.MaxConnsPerIP,
		pingInterval:  opts.PingInterval,
		log:           opts.Logger.With("component", "realtime"),
		metrics:       opts.Metrics,
		namespaces:    make(map[string]*Namespace),
		ready:         make(chan struct{}),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     originChecker(opts.AllowedOrigins),
	}
	return h
}

func (h *Hub) Origin() string { return h.origin }

// Namespace returns the named namespace, creating it on first use.
func (h *Hub) Namespace(name string) *Namespace {
	h.mu.Lock()
	defer h.mu.Unlock()
	ns, ok := h.namespaces[name]
	if !ok {
		ns = newNamespace(name, h)
		h.namespaces[name] = ns
	}
	return ns
}

func (h *Hub) lookup(name string) (*Namespace, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ns, ok := h.namespaces[name]
	return ns, ok
}

// EmitToRoom delivers event to room members on this instance and publishes
// it for every other instance. An empty room addresses the namespace.
func (h *Hub) EmitToRoom(ctx context.Context, namespace, room, event string, args ...any) error {
	frame, err := Encode(event, args...)
	if err != nil {
		return err
	}
	if ns, ok := h.lookup(namespace); ok {
		ns.deliver(room, frame)
	}
	if err := h.adapter.Publish(ctx, Envelope{Origin: h.origin, Namespace: namespace, Room: room, Frame: frame}); err != nil {
		return fmt.Errorf("publish %s %s: %w", namespace, room, err)
	}
	return nil
}

// Ready is closed once the first cross-instance subscription is live.
func (h *Hub) Ready() <-chan struct{} { return h.ready }

// Run delivers envelopes from other instances until ctx ends,
// resubscribing with backoff when the subscription drops.
func (h *Hub) Run(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 10 * time.Second
	b.MaxElapsedTime = 0

	for {
		envs, err := h.adapter.Listen(ctx)
		if err == nil {
			h.readyOnce.Do(func() { close(h.ready) })
			b.Reset()
			for env := range envs {
				if ns, ok := h.lookup(env.Namespace); ok {
					ns.deliver(env.Room, env.Frame)
				}
			}
		}
		if ctx.Err() != nil {
			return nil
		}
		wait := b.NextBackOff()
		h.log.Warn("realtime subscription lost, retrying", "err", err, "retry_in", wait)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
}

// ServeWS upgrades the request into a connection on the named namespace.
// A non-guest identity resolved by earlier middleware becomes the
// connection's user id.
func (h *Hub) ServeWS(namespace string) gin.HandlerFunc {
	return func(c *gin.Context) {
		h.serve(c, h.Namespace(namespace))
	}
}

// ServeNamespace resolves the namespace from the :namespace path parameter.
// Only namespaces with registered handlers are served.
func (h *Hub) ServeNamespace() gin.HandlerFunc {
	return func(c *gin.Context) {
		ns, ok := h.lookup("/" + strings.Trim(c.Param("namespace"), "/"))
		if !ok {
			c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"message": "unknown namespace"})
			return
		}
		h.serve(c, ns)
	}
}

func (h *Hub) serve(c *gin.Context, ns *Namespace) {
	ctx := c.Request.Context()
	slotKey := slotKeyPrefix + c.ClientIP()
	if h.slots != nil && h.maxConnsPerIP > 0 {
		ok, err := h.slots.AcquireSlot(ctx, slotKey, h.maxConnsPerIP, slotTTL)
		switch {
		case err != nil:
			h.log.Warn("connection slot check failed, admitting", "err", err)
			slotKey = ""
		case !ok:
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"message": "too many connections"})
			return
		}
	} else {
		slotKey = ""
	}

	ws, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Info("websocket upgrade failed", "namespace", ns.name, "err", err)
		h.releaseSlot(slotKey)
		return
	}

	conn := &Conn{
		id:   uuid.NewString(),
		ns:   ns,
		ws:   ws,
		send: make(chan []byte, sendBuffer),
		done: make(chan struct{}),
	}
	if h.eventsPerSec > 0 {
		conn.limiter = rate.NewLimiter(rate.Limit(h.eventsPerSec), max(1, int(2*h.eventsPerSec)))
	}
	ns.add(conn)
	if id := auth.IdentityFrom(ctx); !id.IsGuest() {
		conn.subject = id.Subject
		ns.SetUserID(conn, id.Subject)
	}
	h.metrics.ConnectionOpened(ns.name)
	h.log.Debug("websocket connected", "namespace", ns.name, "conn_id", conn.id)

	// The request context ends with the hijacked handler, so the pumps run
	// on a detached context.
	detached := context.WithoutCancel(ctx)
	connCtx, cancel := context.WithCancel(detached)
	go conn.writePump()
	go func() {
		defer func() {
			cancel()
			conn.close()
			ns.remove(detached, conn)
			h.releaseSlot(slotKey)
			h.metrics.ConnectionClosed(ns.name)
			h.log.Debug("websocket disconnected", "namespace", ns.name, "conn_id", conn.id)
		}()
		conn.readPump(connCtx)
	}()
}

func (h *Hub) releaseSlot(key string) {
	if key == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.slots.ReleaseSlot(ctx, key); err != nil {
		h.log.Warn("connection slot release failed", "err", err)
	}
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, ns := range h.namespaces {
		ns.mu.RLock()
		for _, c := range ns.conns {
			c.close()
		}
		ns.mu.RUnlock()
	}
}

// originChecker allows any origin when the list is empty or contains "*".
func originChecker(allowlist []string) func(*http.Request) bool {
	allowed := make(map[string]struct{}, len(allowlist))
	for _, origin := range allowlist {
		if origin == "*" {
			return func(*http.Request) bool { return true }
		}
		u, err := url.Parse(origin)
		if err != nil || u.Scheme == "" || u.Host == "" {
			continue
		}
		allowed[strings.ToLower(u.Scheme+"://"+u.Host)] = struct{}{}
	}
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil || u.Host == "" {
			return false
		}
		_, ok := allowed[strings.ToLower(u.Scheme+"://"+u.Host)]
		return ok
	}
}
