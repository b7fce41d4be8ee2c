package fanout

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/taskstream/project/internal/platform/auth"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	maxFrameSize   = 1024
	sendBufferSize = 256
)

var errSlowClient = errors.New("client send buffer full")

var localOriginPrefixes = []string{"http://localhost", "http://127.0.0.1", "https://localhost", "https://127.0.0.1"}

// clientFrame is what the browser sends: subscribe/unsubscribe plus the
// user it wants events for.
type clientFrame struct {
	Type   string `json:"type"`
	UserID string `json:"userId"`
}

type serverFrame struct {
	Event   string `json:"event"`
	UserID  string `json:"userId,omitempty"`
	Message string `json:"message,omitempty"`
}

// Hub upgrades HTTP requests to WebSocket connections and keeps the
// registry in sync with their lifecycle. Handshakes are accepted from
// AllowedOrigin and local development origins.
type Hub struct {
	Registry      *Registry
	Auth          auth.Manager
	AllowedOrigin string

	upgrader websocket.Upgrader
}

func NewHub(registry *Registry, tokenManager auth.Manager, allowedOrigin string) *Hub {
	h := &Hub{Registry: registry, Auth: tokenManager, AllowedOrigin: allowedOrigin}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true // same-origin requests carry no Origin header
	}
	if allowed := strings.TrimRight(h.AllowedOrigin, "/"); allowed != "" && strings.EqualFold(origin, allowed) {
		return true
	}
	for _, prefix := range localOriginPrefixes {
		if strings.HasPrefix(origin, prefix) {
			return true
		}
	}
	log.Printf("fanout: rejected websocket from origin %q", origin)
	return false
}

// HandleWebSocket authenticates the handshake, upgrades, and runs the
// connection's pumps. Subscriptions are only honored for the
// authenticated user.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	token := auth.BearerToken(r.Header.Get("Authorization"))
	if token == "" {
		token = strings.TrimSpace(r.URL.Query().Get("token"))
	}
	if token == "" {
		http.Error(w, "token is required", http.StatusUnauthorized)
		return
	}
	claims, err := h.Auth.Parse(token)
	if err != nil {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("fanout: websocket upgrade failed: %v", err)
		return
	}

	client := &wsConn{conn: conn, send: make(chan []byte, sendBufferSize)}
	h.Registry.Connect(client)

	go client.writePump()
	go h.readPump(client, claims.Subject)
}

func (h *Hub) readPump(c *wsConn, userID string) {
	defer func() {
		h.Registry.Disconnect(c)
		c.closeSend()
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxFrameSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		var frame clientFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			c.sendControl(serverFrame{Event: "error", Message: "malformed frame"})
			continue
		}

		switch frame.Type {
		case "subscribe":
			if frame.UserID == "" || frame.UserID != userID {
				c.sendControl(serverFrame{Event: "error", Message: "userId does not match the authenticated user"})
				continue
			}
			h.Registry.Subscribe(frame.UserID, c)
			c.sendControl(serverFrame{Event: "subscribed", UserID: frame.UserID})
		case "unsubscribe":
			h.Registry.Unsubscribe(frame.UserID, c)
			c.sendControl(serverFrame{Event: "unsubscribed", UserID: frame.UserID})
		default:
			c.sendControl(serverFrame{Event: "error", Message: "unknown frame type: " + frame.Type})
		}
	}
}

type wsConn struct {
	conn *websocket.Conn
	send chan []byte

	mu     sync.Mutex
	closed bool
}

// Send queues a frame without blocking the fan-out path.
func (c *wsConn) Send(frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("connection closed")
	}
	select {
	case c.send <- frame:
		return nil
	default:
		return errSlowClient
	}
}

func (c *wsConn) sendControl(frame serverFrame) {
	data, err := json.Marshal(frame)
	if err != nil {
		return
	}
	_ = c.Send(data)
}

func (c *wsConn) closeSend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

func (c *wsConn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
