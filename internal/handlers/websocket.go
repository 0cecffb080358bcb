package handlers

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"fairplay-backend/internal/fanout"
	"fairplay-backend/internal/middleware"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 30 * time.Second
	wsReadLimit  = 4096
	wsSendBuffer = 256
)

// Client message types.
const (
	MsgSubscribe   = "SUBSCRIBE"
	MsgUnsubscribe = "UNSUBSCRIBE"
	MsgAck         = "ACK"
	MsgPing        = "PING"
)

// Server message types.
const (
	MsgSnapshot = "SNAPSHOT"
	MsgEvent    = "EVENT"
	MsgPong     = "PONG"
	MsgError    = "ERROR"
)

const codeSubscriberDropped = "SUBSCRIBER_DROPPED"

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

type ClientMessage struct {
	Type string `json:"type"`
	Room string `json:"room,omitempty"`
	Seq  uint64 `json:"seq,omitempty"`
}

type ServerMessage struct {
	Type string `json:"type"`
	Room string `json:"room,omitempty"`
	Seq  uint64 `json:"seq,omitempty"`
	Data any    `json:"data,omitempty"`
}

type WebSocketHandler struct {
	hub    *fanout.Hub
	logger *slog.Logger
}

func NewWebSocketHandler(hub *fanout.Hub, logger *slog.Logger) *WebSocketHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebSocketHandler{hub: hub, logger: logger.With("component", "ws")}
}

type wsClient struct {
	id     string
	userID string
	conn   *websocket.Conn
	hub    *fanout.Hub
	logger *slog.Logger

	send chan []byte
	done chan struct{}

	mu   sync.Mutex
	subs map[string]*fanout.Subscription
}

func (h *WebSocketHandler) HandleWebSocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("failed to upgrade to websocket", "error", err)
		return
	}

	client := &wsClient{
		id:     uuid.NewString(),
		userID: c.GetString(middleware.KeyUserID),
		conn:   conn,
		hub:    h.hub,
		logger: h.logger,
		send:   make(chan []byte, wsSendBuffer),
		done:   make(chan struct{}),
		subs:   make(map[string]*fanout.Subscription),
	}
	h.logger.Debug("client connected", "client", client.id, "user", client.userID)

	go client.writePump()
	client.readPump()
}

func (c *wsClient) readPump() {
	defer func() {
		c.mu.Lock()
		for room, sub := range c.subs {
			delete(c.subs, room)
			sub.Close()
		}
		c.mu.Unlock()
		close(c.done)
		c.conn.Close()
		c.logger.Debug("client disconnected", "client", c.id, "user", c.userID)
	}()

	c.conn.SetReadLimit(wsReadLimit)
	_ = c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		var msg ClientMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn("websocket read failed", "client", c.id, "error", err)
			}
			return
		}
		c.handleMessage(msg)
	}
}

func (c *wsClient) handleMessage(msg ClientMessage) {
	switch msg.Type {
	case MsgPing:
		c.enqueue(ServerMessage{Type: MsgPong, Data: gin.H{"timestamp": time.Now().UnixMilli()}})
	case MsgSubscribe:
		c.subscribe(msg.Room)
	case MsgUnsubscribe:
		c.mu.Lock()
		sub, ok := c.subs[msg.Room]
		delete(c.subs, msg.Room)
		c.mu.Unlock()
		if ok {
			sub.Close()
		}
	case MsgAck:
		c.mu.Lock()
		sub, ok := c.subs[msg.Room]
		c.mu.Unlock()
		if ok {
			sub.Ack(msg.Seq)
		}
	default:
		c.sendError(msg.Room, "INVALID_INPUT", "unknown message type "+msg.Type)
	}
}

// subscribe joins room, sends its snapshot and starts forwarding events.
// Subscribing again replaces the old subscription with a fresh snapshot.
func (c *wsClient) subscribe(room string) {
	if room == "" {
		c.sendError("", "INVALID_INPUT", "room is required")
		return
	}
	sub, err := c.hub.Subscribe(room)
	if err != nil {
		c.sendError(room, "STORE_UNAVAILABLE", err.Error())
		return
	}

	c.mu.Lock()
	old := c.subs[room]
	c.subs[room] = sub
	c.mu.Unlock()
	if old != nil {
		old.Close()
	}

	c.enqueue(ServerMessage{Type: MsgSnapshot, Room: room, Seq: sub.Snapshot.Seq, Data: sub.Snapshot.State})
	go c.forward(room, sub)
}

func (c *wsClient) forward(room string, sub *fanout.Subscription) {
	for ev := range sub.C {
		if !c.enqueue(ServerMessage{Type: MsgEvent, Room: room, Seq: ev.Seq, Data: ev}) {
			return
		}
	}
	if !sub.Dropped() {
		return
	}

	c.mu.Lock()
	if c.subs[room] == sub {
		delete(c.subs, room)
	}
	c.mu.Unlock()
	c.sendError(room, codeSubscriberDropped, "fell behind, subscribe again for a fresh snapshot")
}

// enqueue blocks while the send buffer is full, which in turn stalls the
// subscription until the hub drops it.
func (c *wsClient) enqueue(msg ServerMessage) bool {
	data, err := json.Marshal(msg)
	if err != nil {
		c.logger.Error("failed to encode websocket message", "type", msg.Type, "error", err)
		return true
	}
	select {
	case c.send <- data:
		return true
	case <-c.done:
		return false
	}
}

func (c *wsClient) sendError(room, code, details string) {
	c.enqueue(ServerMessage{Type: MsgError, Room: room, Data: gin.H{"error": code, "details": details}})
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}
	}
}
