// Package server defines the domain records and collaborator contracts
// shared across the hub, session handling, and storage implementations.
package server

import (
	"context"
	"errors"
	"strings"
	"time"
)

// User identifies an authenticated chat participant.
type User struct {
	ID       int64
	Username string
	Active   bool
}

// Room describes a chat room loaded from storage.
type Room struct {
	ID          int64
	Name        string
	Description string
}

// StoredMessage carries the server-assigned fields of a persisted message.
type StoredMessage struct {
	ID        int64
	Timestamp time.Time
}

// Collaborator sentinel errors. Storage implementations return these so
// the session handler can map lookup failures to admission close codes.
var (
	ErrUserNotFound = errors.New("user not found")
	ErrRoomNotFound = errors.New("room not found")
)

// TokenVerifier validates an access token and returns the username it
// was issued to.
type TokenVerifier interface {
	Verify(token string) (string, error)
}

// UserStore resolves usernames to user records.
type UserStore interface {
	UserByUsername(ctx context.Context, username string) (User, error)
}

// RoomStore resolves room identifiers to room records.
type RoomStore interface {
	RoomByID(ctx context.Context, id int64) (Room, error)
}

// MessageStore persists chat messages and assigns their id and timestamp.
type MessageStore interface {
	SaveMessage(ctx context.Context, roomID, userID int64, content string) (StoredMessage, error)
}

// isExpectedCloseError checks if an error is expected during connection closure.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "websocket: close sent") ||
		strings.Contains(errStr, "broken pipe")
}
