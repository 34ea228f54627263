package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"joblance-gateway/internal/auth"
	"joblance-gateway/internal/cache"
	"joblance-gateway/internal/presence"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stack struct {
	mr    *miniredis.Miniredis
	cache *cache.Redis
}

func newStack(t *testing.T) *stack {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return &stack{mr: mr, cache: cache.NewRedis(rdb)}
}

type instance struct {
	hub     *Hub
	tracker *presence.Tracker
	srv     *httptest.Server
}

func (s *stack) instance(t *testing.T, opts HubOptions) *instance {
	t.Helper()
	gin.SetMode(gin.TestMode)
	if opts.Adapter == nil {
		opts.Adapter = NewRedisAdapter(s.cache, opts.Origin, nil)
	}
	hub := NewHub(opts)

	tracker, err := presence.NewTracker(presence.Options{
		Store:       presence.NewStore(s.cache),
		Broadcaster: PresenceBroadcaster{Hub: hub},
		Timeout:     time.Hour,
	})
	require.NoError(t, err)
	t.Cleanup(tracker.Close)

	RegisterDefault(hub)
	RegisterPresence(hub, tracker)
	RegisterChats(hub, s.cache)
	RegisterNotifications(hub)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = hub.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	select {
	case <-hub.Ready():
	case <-time.After(2 * time.Second):
		t.Fatal("hub subscription not ready")
	}

	r := gin.New()
	r.GET("/ws", hub.ServeWS(NamespaceDefault))
	r.GET("/ws/:namespace", hub.ServeNamespace())
	srv := httptest.NewServer(r)
	t.Cleanup(func() {
		hub.Close()
		srv.Close()
	})
	return &instance{hub: hub, tracker: tracker, srv: srv}
}

type client struct {
	t  *testing.T
	ws *websocket.Conn
}

func (in *instance) dial(t *testing.T, path string) *client {
	t.Helper()
	url := "ws" + strings.TrimPrefix(in.srv.URL, "http") + path
	ws, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	_ = resp.Body.Close()
	t.Cleanup(func() { _ = ws.Close() })
	return &client{t: t, ws: ws}
}

func (c *client) send(event string, args ...any) {
	c.t.Helper()
	b, err := Encode(event, args...)
	require.NoError(c.t, err)
	require.NoError(c.t, c.ws.WriteMessage(websocket.TextMessage, b))
}

func (c *client) read() Frame {
	c.t.Helper()
	require.NoError(c.t, c.ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, msg, err := c.ws.ReadMessage()
	require.NoError(c.t, err)
	f, err := Decode(msg)
	require.NoError(c.t, err)
	return f
}

// silent asserts nothing arrives within a short window. The read deadline
// leaves the connection unusable for reads, so call it last.
func (c *client) silent() {
	c.t.Helper()
	require.NoError(c.t, c.ws.SetReadDeadline(time.Now().Add(100*time.Millisecond)))
	_, msg, err := c.ws.ReadMessage()
	require.Errorf(c.t, err, "unexpected frame %s", msg)
}

func roomSize(ns *Namespace, room string) int {
	ns.mu.RLock()
	defer ns.mu.RUnlock()
	return len(ns.rooms[room])
}

func waitRoom(t *testing.T, ns *Namespace, room string, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return roomSize(ns, room) == n }, 2*time.Second, 5*time.Millisecond)
}

func TestPresence_StatusChangesReachOnlySubscribers(t *testing.T) {
	s := newStack(t)
	in := s.instance(t, HubOptions{Origin: "one"})
	ns := in.hub.Namespace(NamespacePresence)

	watcher := in.dial(t, "/ws/presence")
	watcher.send("presence:join", "a")
	watcher.send("presence:subscribe", []string{"b"})
	waitRoom(t, ns, BroadcastRoom("b"), 1)

	bystander := in.dial(t, "/ws/presence")
	bystander.send("presence:join", "c")

	subject := in.dial(t, "/ws/presence")
	subject.send("presence:join", "b")

	f := watcher.read()
	assert.Equal(t, EventStatusChange, f.Event)
	var change presence.StatusChange
	require.NoError(t, json.Unmarshal(f.Raw(0), &change))
	assert.Equal(t, "b", change.UserID)
	assert.Equal(t, presence.StatusOnline, change.Status)

	// Status lookups answer the caller only.
	bystander.send("presence:get_status", []string{"b", "zz"})
	f = bystander.read()
	assert.Equal(t, "presence:status", f.Event)
	var statuses []presence.UserStatus
	require.NoError(t, json.Unmarshal(f.Raw(0), &statuses))
	require.Len(t, statuses, 2)
	assert.Equal(t, presence.StatusOnline, statuses[0].Status)
	assert.Equal(t, presence.StatusOffline, statuses[1].Status)
	bystander.silent()

	watcher.send("presence:unsubscribe", []string{"b"})
	waitRoom(t, ns, BroadcastRoom("b"), 0)
}

func TestPresence_LoggedInUsersGoToNamespace(t *testing.T) {
	s := newStack(t)
	in := s.instance(t, HubOptions{Origin: "one"})

	a := in.dial(t, "/ws/presence")
	a.send("presence:join", "a")
	b := in.dial(t, "/ws/presence")
	b.send("presence:join", "b")
	require.Eventually(t, func() bool {
		ok, _ := s.mr.SIsMember(presence.OnlineSetKey, "b")
		return ok
	}, 2*time.Second, 5*time.Millisecond)

	a.send("getLoggedInUsers")
	for _, c := range []*client{a, b} {
		f := c.read()
		require.Equal(t, "online", f.Event)
		ids, err := f.Strings(0)
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"a", "b"}, ids)
	}
}

func TestChats_JoinLeavesPreviousConversation(t *testing.T) {
	s := newStack(t)
	in := s.instance(t, HubOptions{Origin: "one"})
	ns := in.hub.Namespace(NamespaceChats)
	ctx := context.Background()

	c := in.dial(t, "/ws/chats")
	c.send("chat:join", "ignored-before-auth")
	c.send("chat:authenticate", "u1")
	c.send("chat:join", "conv1")
	waitRoom(t, ns, ChatRoom("conv1"), 1)
	assert.Zero(t, roomSize(ns, ChatRoom("ignored-before-auth")))

	c.send("chat:join", "conv2")
	waitRoom(t, ns, ChatRoom("conv2"), 1)
	assert.Zero(t, roomSize(ns, ChatRoom("conv1")))

	got, err := s.mr.Get(CurrentRoomKey("u1"))
	require.NoError(t, err)
	assert.Equal(t, "conv2", got)
	assert.Equal(t, time.Hour, s.mr.TTL(CurrentRoomKey("u1")))

	require.NoError(t, in.hub.EmitToRoom(ctx, NamespaceChats, ChatRoom("conv1"), "message:send", "old"))
	require.NoError(t, in.hub.EmitToRoom(ctx, NamespaceChats, ChatRoom("conv2"), "message:send", "new"))
	f := c.read()
	msg, err := f.String(0)
	require.NoError(t, err)
	assert.Equal(t, "new", msg)

	c.send("chat:leave", "conv2")
	waitRoom(t, ns, ChatRoom("conv2"), 0)
	require.Eventually(t, func() bool {
		v, _ := s.mr.Get(CurrentRoomKey("u1"))
		return v == "none"
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 60*time.Second, s.mr.TTL(CurrentRoomKey("u1")))
}

func TestChats_DisconnectMarksNoCurrentRoom(t *testing.T) {
	s := newStack(t)
	in := s.instance(t, HubOptions{Origin: "one"})
	ns := in.hub.Namespace(NamespaceChats)

	c := in.dial(t, "/ws/chats")
	c.send("chat:authenticate", "u1")
	c.send("chat:join", "conv1")
	waitRoom(t, ns, ChatRoom("conv1"), 1)

	_ = c.ws.Close()
	require.Eventually(t, func() bool {
		v, _ := s.mr.Get(CurrentRoomKey("u1"))
		return v == "none" && ns.ConnCount() == 0
	}, 2*time.Second, 5*time.Millisecond)
}

func TestEmitToRoom_CrossInstanceDeliveredOnce(t *testing.T) {
	s := newStack(t)
	one := s.instance(t, HubOptions{Origin: "one"})
	two := s.instance(t, HubOptions{Origin: "two"})

	local := one.dial(t, "/ws/notifications")
	local.send("notifications:join", "u1")
	remote := two.dial(t, "/ws/notifications")
	remote.send("notifications:join", "u1")
	other := two.dial(t, "/ws/notifications")
	other.send("notifications:join", "u2")
	waitRoom(t, one.hub.Namespace(NamespaceNotifications), NotificationRoom("u1"), 1)
	waitRoom(t, two.hub.Namespace(NamespaceNotifications), NotificationRoom("u1"), 1)
	waitRoom(t, two.hub.Namespace(NamespaceNotifications), NotificationRoom("u2"), 1)

	require.NoError(t, one.hub.EmitToRoom(context.Background(), NamespaceNotifications, NotificationRoom("u1"), "notification:new", map[string]string{"id": "n1"}))

	for _, c := range []*client{local, remote} {
		f := c.read()
		assert.Equal(t, "notification:new", f.Event)
		assert.JSONEq(t, `{"id":"n1"}`, string(f.Raw(0)))
	}
	local.silent()
	other.silent()
}

func TestServeNamespace_Unknown(t *testing.T) {
	s := newStack(t)
	in := s.instance(t, HubOptions{Origin: "one"})

	resp, err := http.Get(in.srv.URL + "/ws/nope")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestConnectionSlotsPerAddress(t *testing.T) {
	s := newStack(t)
	in := s.instance(t, HubOptions{Origin: "one", Slots: s.cache, MaxConnsPerIP: 1})

	first := in.dial(t, "/ws")

	url := "ws" + strings.TrimPrefix(in.srv.URL, "http") + "/ws"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)

	_ = first.ws.Close()
	require.Eventually(t, func() bool {
		ws, resp, err := websocket.DefaultDialer.Dial(url, nil)
		if err != nil {
			return false
		}
		_ = resp.Body.Close()
		_ = ws.Close()
		return true
	}, 2*time.Second, 20*time.Millisecond)
}

func TestServeWS_AuthenticatedIdentityBecomesUserID(t *testing.T) {
	gin.SetMode(gin.TestMode)
	hub := NewHub(HubOptions{})
	ns := hub.Namespace(NamespaceDefault)

	r := gin.New()
	r.GET("/ws", func(c *gin.Context) {
		c.Request = c.Request.WithContext(auth.WithIdentity(c.Request.Context(), auth.Identity{Subject: "u9"}))
		c.Next()
	}, hub.ServeWS(NamespaceDefault))
	srv := httptest.NewServer(r)
	defer srv.Close()
	defer hub.Close()

	ws, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	_ = resp.Body.Close()
	defer ws.Close()

	require.Eventually(t, func() bool {
		ns.mu.RLock()
		defer ns.mu.RUnlock()
		for _, uid := range ns.users {
			if uid == "u9" {
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)
}

type heartbeats struct {
	mu  sync.Mutex
	ids []string
}

func (h *heartbeats) Heartbeat(_ context.Context, userID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ids = append(h.ids, userID)
	return nil
}

func (h *heartbeats) StatusBatch(context.Context, []string) ([]presence.UserStatus, error) {
	return nil, nil
}

func (h *heartbeats) OnlineUsers(context.Context) ([]string, error) { return nil, nil }

func TestPresence_AuthenticatedConnectionCannotClaimOtherUser(t *testing.T) {
	hub := NewHub(HubOptions{})
	tracker := &heartbeats{}
	RegisterPresence(hub, tracker)
	ns := hub.Namespace(NamespacePresence)

	call := func(c *Conn, event string, args ...any) error {
		t.Helper()
		h, ok := ns.handler(event)
		require.True(t, ok)
		b, err := Encode(event, args...)
		require.NoError(t, err)
		f, err := Decode(b)
		require.NoError(t, err)
		return h(context.Background(), c, f)
	}

	authed := &Conn{id: "c1", ns: ns, done: make(chan struct{}), subject: "u9"}
	ns.add(authed)
	ns.SetUserID(authed, "u9")

	assert.Error(t, call(authed, "presence:join", "victim"))
	assert.Error(t, call(authed, "presence:heartbeat", "victim"))
	assert.Equal(t, "u9", authed.UserID())
	require.NoError(t, call(authed, "presence:join", "u9"))
	require.NoError(t, call(authed, "presence:heartbeat", "u9"))

	guest := &Conn{id: "c2", ns: ns, done: make(chan struct{})}
	ns.add(guest)
	require.NoError(t, call(guest, "presence:join", "g1"))
	assert.Equal(t, "g1", guest.UserID())

	tracker.mu.Lock()
	defer tracker.mu.Unlock()
	assert.Equal(t, []string{"u9", "u9", "g1"}, tracker.ids)
}

type fixedMinter struct {
	mu   sync.Mutex
	auds []string
}

func (m *fixedMinter) Mint(_ context.Context, id auth.Identity, aud string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.auds = append(m.auds, aud)
	return "internal-" + aud, nil
}
