// Package server manages individual chat connections: one Client per
// WebSocket, with a read pump feeding the session logic and a write pump
// draining the send queue.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/gorilla/websocket"
)

const (
	// writeWait bounds a single write to the peer.
	writeWait = 10 * time.Second
	// pongWait is how long to wait for a pong before considering the
	// transport dead; pings go out a little more often than that.
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second

	sendBufferSize = 256
	persistTimeout = 5 * time.Second
)

// Client is one live connection bound to one authenticated user and one
// room. It is owned by the hub entry it is filed under; nothing else
// keeps a long-lived reference.
type Client struct {
	conn     *websocket.Conn
	hub      *Hub
	send     chan []byte
	userID   int64
	username string
	roomID   int64
	addr     string
	joinedAt time.Time
	closed   bool

	store         MessageStore
	limiter       *rateLimiter
	maxMessageLen int
}

// NewClient builds a Client for an admitted connection. The send channel
// is buffered so a briefly slow peer does not stall broadcasts; a peer
// that stays behind long enough to fill it is treated as dead.
func NewClient(conn *websocket.Conn, hub *Hub, user User, roomID int64, store MessageStore, cfg Config, addr string) *Client {
	if conn != nil {
		conn.SetReadLimit(cfg.SocketReadLimit)
	}

	return &Client{
		conn:          conn,
		hub:           hub,
		send:          make(chan []byte, sendBufferSize),
		userID:        user.ID,
		username:      user.Username,
		roomID:        roomID,
		addr:          addr,
		joinedAt:      time.Now(),
		store:         store,
		limiter:       newRateLimiter(cfg.RateLimit.Burst, cfg.RateLimit.RefillInterval),
		maxMessageLen: cfg.MaxMessageLength,
	}
}

// start launches the read and write pumps, tracked by the hub so
// Shutdown can wait for them.
func (c *Client) start() {
	c.hub.wg.Add(2)
	go func() {
		defer c.hub.wg.Done()
		c.writePump()
	}()
	go func() {
		defer c.hub.wg.Done()
		c.readPump()
	}()
}

// readPump reads inbound payloads until the transport dies or the peer
// closes, then runs the leaving transition. The disconnect in the defer
// is idempotent, so it is safe even when a failed broadcast already
// pruned this client.
func (c *Client) readPump() {
	defer c.hub.disconnect(c)

	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		log.Printf("Error setting initial read deadline for %s: %v", c.addr, err)
	}
	c.conn.SetPongHandler(func(string) error {
		if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
			log.Printf("Error setting read deadline in pong handler for %s: %v", c.addr, err)
		}
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			c.logReadError(err)
			return
		}

		if !c.limiter.allow() {
			log.Printf("Rate limit exceeded for %s (%s); discarding message", c.username, c.addr)
			c.sendError("You are sending messages too quickly. Slow down.")
			continue
		}

		c.handleInbound(raw)
	}
}

// logReadError classifies the error that ended the read loop.
func (c *Client) logReadError(err error) {
	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		log.Printf("Frame from %s exceeded the socket read limit", c.addr)
	case websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure):
		log.Printf("Client %s disconnected: %v", c.username, err)
	case errors.Is(err, io.EOF), isExpectedCloseError(err):
		log.Printf("Client %s connection closed: %v", c.username, err)
	default:
		log.Printf("WebSocket read error from %s: %v", c.addr, err)
	}
}

// handleInbound validates an inbound payload, persists it, and echoes
// the stored message to the whole room, sender included. Validation and
// persistence problems are reported privately and leave the session
// joined; only transport death ends it.
func (c *Client) handleInbound(raw []byte) {
	var msg inboundMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		log.Printf("Invalid payload from %s: %v", c.username, err)
		c.sendError("Please send valid JSON data")
		return
	}

	content := strings.TrimSpace(msg.Content)
	if content == "" {
		c.sendError("Message cannot be empty")
		return
	}
	if utf8.RuneCountInString(content) > c.maxMessageLen {
		c.sendError(fmt.Sprintf("Message is too long (max %d characters)", c.maxMessageLen))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	stored, err := c.store.SaveMessage(ctx, c.roomID, c.userID, content)
	if err != nil {
		log.Printf("Failed to persist message from %s in room %d: %v", c.username, c.roomID, err)
		c.sendError("Failed to save message. Please try again.")
		return
	}

	c.hub.Broadcast(c.roomID, newChatMessage(stored, content, c), nil)
}

// sendError delivers a private error payload to this connection only.
// Delivery is best effort; a dead transport is reclaimed elsewhere.
func (c *Client) sendError(message string) {
	payload, err := json.Marshal(newErrorMessage(message))
	if err != nil {
		return
	}
	c.hub.safeSend(c, payload)
}

// writePump drains the send queue onto the transport and keeps the
// connection alive with pings. It exits when the send channel is closed
// by Unregister or when a write fails.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
			log.Printf("Error closing connection in writePump: %v", err)
		}
	}()

	for {
		select {
		case payload, ok := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				log.Printf("Error setting write deadline for %s: %v", c.addr, err)
				return
			}
			if !ok {
				if err := c.conn.WriteMessage(websocket.CloseMessage, []byte{}); err != nil && !isExpectedCloseError(err) {
					log.Printf("Error writing close message to %s: %v", c.addr, err)
				}
				return
			}
			if !c.writeMessage(payload) {
				return
			}

		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				log.Printf("Error setting write deadline for ping to %s: %v", c.addr, err)
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				if !isExpectedCloseError(err) {
					log.Printf("Error writing ping message to %s: %v", c.addr, err)
				}
				return
			}
		}
	}
}

// writeMessage writes one payload plus anything else already queued,
// coalescing them into a single frame separated by newlines.
func (c *Client) writeMessage(payload []byte) bool {
	w, err := c.conn.NextWriter(websocket.TextMessage)
	if err != nil {
		log.Printf("Error creating writer for %s: %v", c.addr, err)
		return false
	}

	if _, err := w.Write(payload); err != nil {
		log.Printf("Error writing message to %s: %v", c.addr, err)
		return false
	}

	queued := len(c.send)
	for i := 0; i < queued; i++ {
		if _, err := w.Write([]byte{'\n'}); err != nil {
			log.Printf("Error writing newline to %s: %v", c.addr, err)
			return false
		}
		if _, err := w.Write(<-c.send); err != nil {
			log.Printf("Error writing queued message to %s: %v", c.addr, err)
			return false
		}
	}

	if err := w.Close(); err != nil {
		log.Printf("Error closing writer for %s: %v", c.addr, err)
		return false
	}
	return true
}
