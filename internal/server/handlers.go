// Package server exposes the HTTP handlers, including the WebSocket
// upgrade that drives a connection through admission and into a room.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

// Application close codes sent when admission fails. Each admission
// failure cause gets its own code so clients can react without parsing
// reason text.
const (
	CloseInternalError   = 4000
	CloseInvalidToken    = 4001
	CloseUserUnavailable = 4002
	CloseRoomNotFound    = 4003
)

// Service wires the hub to its collaborators and serves the HTTP edge.
type Service struct {
	cfg      Config
	hub      *Hub
	tokens   TokenVerifier
	users    UserStore
	rooms    RoomStore
	messages MessageStore
	upgrader websocket.Upgrader
}

// NewService builds the transport-facing service around an existing hub.
func NewService(cfg Config, hub *Hub, tokens TokenVerifier, users UserStore, rooms RoomStore, messages MessageStore) *Service {
	policy := newOriginPolicy(cfg.AllowedOrigins)
	return &Service{
		cfg:      cfg,
		hub:      hub,
		tokens:   tokens,
		users:    users,
		rooms:    rooms,
		messages: messages,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     policy.checkOrigin,
		},
	}
}

// WebSocketHandler upgrades the connection and drives it from admission
// into the joined state. Identity comes from the token query parameter,
// the room from the URL path. Admission failures close the socket with a
// per-cause code and never touch the registry.
func (s *Service) WebSocketHandler(w http.ResponseWriter, r *http.Request) {
	roomID, err := strconv.ParseInt(mux.Vars(r)["roomID"], 10, 64)
	if err != nil {
		http.Error(w, "Invalid room id", http.StatusBadRequest)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	user, room, ok := s.admit(r.Context(), conn, roomID, r.URL.Query().Get("token"))
	if !ok {
		return
	}

	s.join(conn, user, room, r.RemoteAddr)
}

// admit validates the token, the account, and the room. On failure it
// closes the socket with the matching close code and reports false.
func (s *Service) admit(ctx context.Context, conn *websocket.Conn, roomID int64, token string) (User, Room, bool) {
	username, err := s.tokens.Verify(token)
	if err != nil {
		log.Printf("Rejected connection to room %d: %v", roomID, err)
		closeWithReason(conn, CloseInvalidToken, "Invalid or expired token")
		return User{}, Room{}, false
	}

	user, err := s.users.UserByUsername(ctx, username)
	switch {
	case errors.Is(err, ErrUserNotFound):
		closeWithReason(conn, CloseUserUnavailable, "User not found or account deactivated")
		return User{}, Room{}, false
	case err != nil:
		log.Printf("User lookup failed for %s: %v", username, err)
		closeWithReason(conn, CloseInternalError, "Internal server error")
		return User{}, Room{}, false
	case !user.Active:
		closeWithReason(conn, CloseUserUnavailable, "User not found or account deactivated")
		return User{}, Room{}, false
	}

	room, err := s.rooms.RoomByID(ctx, roomID)
	switch {
	case errors.Is(err, ErrRoomNotFound):
		closeWithReason(conn, CloseRoomNotFound, "Chat room not found")
		return User{}, Room{}, false
	case err != nil:
		log.Printf("Room lookup failed for %d: %v", roomID, err)
		closeWithReason(conn, CloseInternalError, "Internal server error")
		return User{}, Room{}, false
	}

	return user, room, true
}

// join registers the admitted connection, announces it to the room, and
// sends the private room snapshot. The snapshot is computed after
// registration, so a user joining an empty room sees itself online. The
// join notice and the private snapshot are independent sends; neither
// failing undoes registration.
func (s *Service) join(conn *websocket.Conn, user User, room Room, addr string) {
	client := NewClient(conn, s.hub, user, room.ID, s.messages, s.cfg, addr)

	if err := s.hub.Register(client); err != nil {
		closeWithReason(conn, websocket.CloseGoingAway, "Server is shutting down")
		return
	}
	client.start()

	joined := newUserJoined(user.Username, len(s.hub.OnlineUsers(room.ID)))
	s.hub.Broadcast(room.ID, joined, client)

	info := newRoomInfo(room, s.hub.OnlineUsers(room.ID), s.hub.ConnectionCount(room.ID))
	payload, err := json.Marshal(info)
	if err != nil {
		log.Printf("Error serializing room info for %s: %v", user.Username, err)
		return
	}
	if !s.hub.safeSend(client, payload) {
		log.Printf("Could not deliver room info to %s", user.Username)
	}
}

// closeWithReason sends a close frame with an application code, then
// drops the transport.
func closeWithReason(conn *websocket.Conn, code int, reason string) {
	deadline := time.Now().Add(writeWait)
	frame := websocket.FormatCloseMessage(code, reason)
	if err := conn.WriteControl(websocket.CloseMessage, frame, deadline); err != nil && !isExpectedCloseError(err) {
		log.Printf("Error sending close frame: %v", err)
	}
	if err := conn.Close(); err != nil && !isExpectedCloseError(err) {
		log.Printf("Error closing rejected connection: %v", err)
	}
}

// HealthHandler provides a simple health check endpoint that returns server status.
func (s *Service) HealthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprintf(w, "Nimbus chat server is running!")
}
