package realtime

import (
	"context"
	"sort"
	"strings"
	"sync"
)

const (
	NamespaceDefault       = "/"
	NamespaceChats         = "/chats"
	NamespacePresence      = "/presence"
	NamespaceNotifications = "/notifications"
)

// HandlerFunc handles one inbound event on a connection. Returned errors
// are logged; the connection stays open.
type HandlerFunc func(ctx context.Context, c *Conn, f Frame) error

// Namespace holds the connections and rooms of one logical channel, plus
// the per-connection user id registry.
type Namespace struct {
	name string
	hub  *Hub

	mu       sync.RWMutex
	conns    map[string]*Conn
	rooms    map[string]map[string]*Conn
	users    map[string]string
	handlers map[string]HandlerFunc
	onClose  []func(ctx context.Context, c *Conn)
}

func newNamespace(name string, hub *Hub) *Namespace {
	return &Namespace{
		name:     name,
		hub:      hub,
		conns:    make(map[string]*Conn),
		rooms:    make(map[string]map[string]*Conn),
		users:    make(map[string]string),
		handlers: make(map[string]HandlerFunc),
	}
}

func (n *Namespace) Name() string { return n.name }

// On registers the handler for event, replacing any previous one.
func (n *Namespace) On(event string, h HandlerFunc) {
	n.mu.Lock()
	n.handlers[event] = h
	n.mu.Unlock()
}

// OnDisconnect runs fn when a connection closes, before its rooms and user
// id are dropped.
func (n *Namespace) OnDisconnect(fn func(ctx context.Context, c *Conn)) {
	n.mu.Lock()
	n.onClose = append(n.onClose, fn)
	n.mu.Unlock()
}

func (n *Namespace) Join(c *Conn, rooms ...string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.conns[c.id]; !ok {
		return
	}
	for _, room := range rooms {
		members, ok := n.rooms[room]
		if !ok {
			members = make(map[string]*Conn)
			n.rooms[room] = members
		}
		members[c.id] = c
	}
}

func (n *Namespace) Leave(c *Conn, rooms ...string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, room := range rooms {
		n.leaveLocked(c.id, room)
	}
}

// LeavePrefix removes c from every room whose name starts with prefix.
func (n *Namespace) LeavePrefix(c *Conn, prefix string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for room, members := range n.rooms {
		if _, ok := members[c.id]; ok && strings.HasPrefix(room, prefix) {
			n.leaveLocked(c.id, room)
		}
	}
}

func (n *Namespace) leaveLocked(connID, room string) {
	members, ok := n.rooms[room]
	if !ok {
		return
	}
	delete(members, connID)
	if len(members) == 0 {
		delete(n.rooms, room)
	}
}

// Rooms lists the rooms c belongs to, sorted.
func (n *Namespace) Rooms(c *Conn) []string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	var out []string
	for room, members := range n.rooms {
		if _, ok := members[c.id]; ok {
			out = append(out, room)
		}
	}
	sort.Strings(out)
	return out
}

func (n *Namespace) InRoom(c *Conn, room string) bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	_, ok := n.rooms[room][c.id]
	return ok
}

func (n *Namespace) SetUserID(c *Conn, userID string) {
	n.mu.Lock()
	n.users[c.id] = userID
	n.mu.Unlock()
}

// UserID returns the user the connection authenticated as, or "".
func (n *Namespace) UserID(c *Conn) string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.users[c.id]
}

func (n *Namespace) ConnCount() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.conns)
}

func (n *Namespace) add(c *Conn) {
	n.mu.Lock()
	n.conns[c.id] = c
	n.mu.Unlock()
}

func (n *Namespace) remove(ctx context.Context, c *Conn) {
	n.mu.RLock()
	hooks := make([]func(context.Context, *Conn), len(n.onClose))
	copy(hooks, n.onClose)
	n.mu.RUnlock()
	for _, fn := range hooks {
		fn(ctx, c)
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.conns, c.id)
	delete(n.users, c.id)
	for room := range n.rooms {
		n.leaveLocked(c.id, room)
	}
}

func (n *Namespace) handler(event string) (HandlerFunc, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	h, ok := n.handlers[event]
	return h, ok
}

// deliver hands frame to every local member of room, or to every
// connection when room is empty.
func (n *Namespace) deliver(room string, frame []byte) int {
	n.mu.RLock()
	var targets []*Conn
	if room == "" {
		targets = make([]*Conn, 0, len(n.conns))
		for _, c := range n.conns {
			targets = append(targets, c)
		}
	} else {
		targets = make([]*Conn, 0, len(n.rooms[room]))
		for _, c := range n.rooms[room] {
			targets = append(targets, c)
		}
	}
	n.mu.RUnlock()

	for _, c := range targets {
		c.enqueue(frame)
	}
	return len(targets)
}
