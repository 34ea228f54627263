package realtime

import (
	"context"
	"fmt"
	"time"

	"joblance-gateway/internal/cache"
	"joblance-gateway/internal/presence"
)

const (
	EventStatusChange = "presence:status:change"

	currentRoomKeyPrefix = "user:current_room:"
	currentRoomTTL       = time.Hour
	currentRoomNone      = "none"
	currentRoomNoneTTL   = 60 * time.Second
)

func BroadcastRoom(userID string) string    { return "broadcast:" + userID }
func ChatRoom(conversationID string) string { return "chat:" + conversationID }
func NotificationRoom(userID string) string { return "notifications:" + userID }
func CurrentRoomKey(userID string) string   { return currentRoomKeyPrefix + userID }

// PresenceTracker is the part of *presence.Tracker the presence namespace uses.
type PresenceTracker interface {
	Heartbeat(ctx context.Context, userID string) error
	StatusBatch(ctx context.Context, userIDs []string) ([]presence.UserStatus, error)
	OnlineUsers(ctx context.Context) ([]string, error)
}

// PresenceBroadcaster emits status changes only into the subject's
// broadcast room.
type PresenceBroadcaster struct {
	Hub *Hub
}

func (b PresenceBroadcaster) PublishStatus(ctx context.Context, ch presence.StatusChange) error {
	return b.Hub.EmitToRoom(ctx, NamespacePresence, BroadcastRoom(ch.UserID), EventStatusChange, ch)
}

// RegisterDefault wires the root namespace.
func RegisterDefault(h *Hub) {
	ns := h.Namespace(NamespaceDefault)
	ns.On("authenticate", authenticate)
}

func authenticate(_ context.Context, c *Conn, f Frame) error {
	userID, err := claimedUser(c, f)
	if err != nil {
		return err
	}
	c.SetUserID(userID)
	return nil
}

// claimedUser reads the user id an event names. A connection that
// authenticated at upgrade may only name its own identity.
func claimedUser(c *Conn, f Frame) (string, error) {
	userID, err := f.String(0)
	if err != nil {
		return "", err
	}
	if c.subject != "" && userID != c.subject {
		return "", fmt.Errorf("user id %q does not match the authenticated identity", userID)
	}
	return userID, nil
}

func RegisterPresence(h *Hub, tracker PresenceTracker) {
	ns := h.Namespace(NamespacePresence)

	ns.On("presence:join", func(ctx context.Context, c *Conn, f Frame) error {
		userID, err := claimedUser(c, f)
		if err != nil {
			return err
		}
		c.SetUserID(userID)
		return tracker.Heartbeat(ctx, userID)
	})

	ns.On("presence:heartbeat", func(ctx context.Context, c *Conn, f Frame) error {
		userID, err := claimedUser(c, f)
		if err != nil {
			return err
		}
		return tracker.Heartbeat(ctx, userID)
	})

	ns.On("presence:subscribe", func(_ context.Context, c *Conn, f Frame) error {
		if c.UserID() == "" {
			return fmt.Errorf("subscribe before join")
		}
		ids, err := f.Strings(0)
		if err != nil {
			return err
		}
		rooms := make([]string, 0, len(ids))
		for _, id := range ids {
			rooms = append(rooms, BroadcastRoom(id))
		}
		ns.Join(c, rooms...)
		return nil
	})

	ns.On("presence:unsubscribe", func(_ context.Context, c *Conn, f Frame) error {
		if c.UserID() == "" {
			return fmt.Errorf("unsubscribe before join")
		}
		ids, err := f.Strings(0)
		if err != nil {
			return err
		}
		for _, id := range ids {
			ns.Leave(c, BroadcastRoom(id))
		}
		return nil
	})

	ns.On("presence:get_status", func(ctx context.Context, c *Conn, f Frame) error {
		if c.UserID() == "" {
			return fmt.Errorf("get_status before join")
		}
		ids, err := f.Strings(0)
		if err != nil {
			return err
		}
		statuses, err := tracker.StatusBatch(ctx, ids)
		if err != nil {
			return err
		}
		return c.Emit("presence:status", statuses)
	})

	ns.On("getLoggedInUsers", func(ctx context.Context, c *Conn, _ Frame) error {
		ids, err := tracker.OnlineUsers(ctx)
		if err != nil {
			return err
		}
		if ids == nil {
			ids = []string{}
		}
		return h.EmitToRoom(ctx, NamespacePresence, "", "online", ids)
	})

	// Presence is heartbeat driven: a disconnect leaves the timer in charge.
	ns.OnDisconnect(func(_ context.Context, c *Conn) {
		if id := c.UserID(); id != "" {
			h.log.Debug("presence socket closed, timer decides offline", "user_id", id)
		}
	})
}

// RegisterChats wires the client-facing chat namespace. A connection views
// one conversation at a time; the current one is recorded for the chat
// service to read.
func RegisterChats(h *Hub, store cache.Store) {
	ns := h.Namespace(NamespaceChats)

	ns.On("chat:authenticate", authenticate)

	ns.On("chat:join", func(ctx context.Context, c *Conn, f Frame) error {
		userID := c.UserID()
		if userID == "" {
			return nil
		}
		conversationID, err := f.String(0)
		if err != nil {
			return err
		}
		ns.LeavePrefix(c, "chat:")
		ns.Join(c, ChatRoom(conversationID))
		return store.SetEx(ctx, CurrentRoomKey(userID), conversationID, currentRoomTTL)
	})

	ns.On("chat:leave", func(ctx context.Context, c *Conn, f Frame) error {
		userID := c.UserID()
		if userID == "" {
			return nil
		}
		conversationID, err := f.String(0)
		if err != nil {
			return err
		}
		ns.Leave(c, ChatRoom(conversationID))
		return store.SetEx(ctx, CurrentRoomKey(userID), currentRoomNone, currentRoomNoneTTL)
	})

	ns.OnDisconnect(func(ctx context.Context, c *Conn) {
		userID := c.UserID()
		if userID == "" {
			return
		}
		ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := store.SetEx(ctx, CurrentRoomKey(userID), currentRoomNone, currentRoomNoneTTL); err != nil {
			h.log.Warn("current room reset failed", "user_id", userID, "err", err)
		}
	})
}

func RegisterNotifications(h *Hub) {
	ns := h.Namespace(NamespaceNotifications)

	ns.On("notifications:join", func(_ context.Context, c *Conn, f Frame) error {
		userID, err := claimedUser(c, f)
		if err != nil {
			return err
		}
		c.SetUserID(userID)
		ns.Join(c, NotificationRoom(userID))
		return nil
	})

	ns.On("notifications:leave", func(_ context.Context, c *Conn, f Frame) error {
		userID, err := f.String(0)
		if err != nil {
			return err
		}
		ns.Leave(c, NotificationRoom(userID))
		return nil
	})
}
