package realtime

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

const (
	maxMessageSize = 64 << 10
	writeWait      = 10 * time.Second
	sendBuffer     = 256
)

// Conn is one client WebSocket within a namespace.
type Conn struct {
	id      string
	ns      *Namespace
	ws      *websocket.Conn
	send    chan []byte
	limiter *rate.Limiter
	// subject is the identity authenticated at upgrade, empty for guests.
	subject string

	closeOnce sync.Once
	done      chan struct{}
}

func (c *Conn) ID() string { return c.id }

func (c *Conn) Namespace() *Namespace { return c.ns }

func (c *Conn) UserID() string { return c.ns.UserID(c) }

func (c *Conn) SetUserID(userID string) { c.ns.SetUserID(c, userID) }

// Emit sends an event to this connection only.
func (c *Conn) Emit(event string, args ...any) error {
	b, err := Encode(event, args...)
	if err != nil {
		return err
	}
	if !c.enqueue(b) {
		return errors.New("connection closed")
	}
	return nil
}

// enqueue never blocks: a connection that cannot keep up is closed.
func (c *Conn) enqueue(frame []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- frame:
		return true
	default:
		c.ns.hub.log.Warn("slow websocket consumer closed", "namespace", c.ns.name, "conn_id", c.id)
		c.close()
		return false
	}
}

func (c *Conn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.ws.Close()
	})
}

func (c *Conn) readPump(ctx context.Context) {
	h := c.ns.hub
	log := h.log.With("namespace", c.ns.name, "conn_id", c.id)
	pongWait := 2 * h.pingInterval

	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, msg, err := c.ws.ReadMessage()
		if err != nil {
			var ne net.Error
			switch {
			case errors.As(err, &ne) && ne.Timeout():
				log.Info("websocket read deadline exceeded")
			case websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure):
				log.Info("websocket read error", "err", err)
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))

		if c.limiter != nil && !c.limiter.Allow() {
			log.Debug("websocket event rate limited")
			continue
		}
		f, err := Decode(msg)
		if err != nil {
			log.Debug("malformed frame dropped", "err", err)
			continue
		}
		handle, ok := c.ns.handler(f.Event)
		if !ok {
			log.Debug("unhandled event", "event", f.Event)
			continue
		}
		if err := handle(ctx, c, f); err != nil {
			log.Warn("event handler failed", "event", f.Event, "user_id", c.UserID(), "err", err)
		}
	}
}

func (c *Conn) writePump() {
	h := c.ns.hub
	ticker := time.NewTicker(h.pingInterval)
	defer func() {
		ticker.Stop()
		c.close()
	}()
	for {
		select {
		case <-c.done:
			_ = c.ws.WriteControl(websocket.CloseMessage, []byte{}, time.Now().Add(writeWait))
			return
		case msg := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				h.log.Info("websocket write failed", "namespace", c.ns.name, "conn_id", c.id, "err", err)
				return
			}
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				h.log.Info("websocket ping failed", "namespace", c.ns.name, "conn_id", c.id, "err", err)
				return
			}
		}
	}
}
