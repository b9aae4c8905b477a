package websocket

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"campus-chat/internal/config"
	"campus-chat/internal/room"
)

// Dispatcher consumes the frames a connection reads and learns about its
// departure.
type Dispatcher interface {
	// Dispatch handles one inbound text frame. Frames from one connection are
	// dispatched sequentially in arrival order.
	Dispatch(ctx context.Context, p Peer, frame []byte)
	// Disconnect is called once after the hub forgot the connection. rooms
	// are the memberships it still held.
	Disconnect(p Peer, rooms []room.Key)
}

// Client is a middleman between the websocket connection and the hub.
type Client struct {
	id     string
	userID string

	hub        *Hub
	dispatcher Dispatcher
	logger     *zap.Logger

	// The websocket connection.
	conn *websocket.Conn

	// Buffered channel of outbound frames, closed by Close.
	send chan []byte

	mu     sync.Mutex
	closed bool
}

// ID implements Peer.
func (c *Client) ID() string { return c.id }

// UserID implements Peer.
func (c *Client) UserID() string { return c.userID }

// Send implements Peer.
func (c *Client) Send(frame []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

// Close implements Peer. The write pump sends a close frame and hangs up.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// readPump pumps frames from the websocket connection to the dispatcher.
func (c *Client) readPump(ctx context.Context, wsCfg config.WebSocketConfig) {
	defer func() {
		rooms := c.hub.Unregister(c)
		c.dispatcher.Disconnect(c, rooms)
		c.Close()
		c.conn.Close()
	}()

	pongWait := time.Duration(wsCfg.PongWaitSeconds) * time.Second
	c.conn.SetReadLimit(int64(wsCfg.MaxMessageSizeBytes))
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		messageType, frame, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn("websocket read failed", zap.Error(err))
			} else {
				c.logger.Debug("websocket closed", zap.Error(err))
			}
			return
		}
		if messageType != websocket.TextMessage {
			c.logger.Debug("ignoring non-text frame", zap.Int("message_type", messageType))
			continue
		}
		c.dispatcher.Dispatch(ctx, c, frame)
	}
}

// writePump pumps frames from the send buffer to the websocket connection.
// One frame is written per websocket message.
func (c *Client) writePump(wsCfg config.WebSocketConfig) {
	writeWait := time.Duration(wsCfg.WriteWaitSeconds) * time.Second
	ticker := time.NewTicker(time.Duration(wsCfg.PingPeriodSeconds) * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case frame, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.logger.Debug("websocket write failed", zap.Error(err))
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// ServeWs upgrades the request and runs the connection for userID until it
// closes. The caller must have authenticated userID.
func ServeWs(hub *Hub, dispatcher Dispatcher, userID string, w http.ResponseWriter, r *http.Request,
	wsCfg config.WebSocketConfig, logger *zap.Logger) {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			// access is gated by the token, not the origin
			return true
		},
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("websocket upgrade failed", zap.String("user", userID), zap.Error(err))
		return
	}

	id := uuid.NewString()
	client := &Client{
		id:         id,
		userID:     userID,
		hub:        hub,
		dispatcher: dispatcher,
		logger:     logger.Named("client").With(zap.String("conn", id), zap.String("user", userID)),
		conn:       conn,
		send:       make(chan []byte, wsCfg.SendBuffer),
	}
	if !hub.Register(client) {
		logger.Warn("hub refused connection, shutting down?", zap.String("user", userID))
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
		conn.Close()
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	go client.writePump(wsCfg)
	go func() {
		defer cancel()
		client.readPump(ctx, wsCfg)
	}()

	client.logger.Info("client connected")
}
