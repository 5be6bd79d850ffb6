// Package server defines the JSON payloads exchanged with chat clients.
// Every outbound payload carries a "type" discriminator that recipients
// use to decode the rest of the record.
package server

import (
	"fmt"
	"time"
)

// Outbound payload discriminators.
const (
	kindRoomInfo    = "room_info"
	kindUserJoined  = "user_joined"
	kindUserLeft    = "user_left"
	kindChatMessage = "message"
	kindError       = "error"
)

// inboundMessage is the only payload clients send: the message text.
type inboundMessage struct {
	Content string `json:"content"`
}

// roomSummary is the room block embedded in a roomInfoMessage.
type roomSummary struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// roomInfoMessage is sent privately to a connection right after it joins.
type roomInfoMessage struct {
	Type            string      `json:"type"`
	Room            roomSummary `json:"room"`
	UsersOnline     []string    `json:"users_online"`
	ConnectionCount int         `json:"connection_count"`
	Message         string      `json:"message"`
}

// presenceMessage announces a user joining or leaving a room. UserCount
// is the de-duplicated number of users online, not the connection count.
type presenceMessage struct {
	Type      string `json:"type"`
	User      string `json:"user"`
	Message   string `json:"message"`
	UserCount int    `json:"user_count"`
}

// chatMessage echoes a persisted message to the room, including the
// sender, with the server-assigned id and timestamp.
type chatMessage struct {
	Type      string `json:"type"`
	ID        int64  `json:"id"`
	Content   string `json:"content"`
	Timestamp string `json:"timestamp"`
	Author    string `json:"author"`
	AuthorID  int64  `json:"author_id"`
	RoomID    int64  `json:"room_id"`
}

// errorMessage reports a recoverable problem privately to one connection.
type errorMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func newRoomInfo(room Room, usersOnline []string, connectionCount int) roomInfoMessage {
	if usersOnline == nil {
		usersOnline = []string{}
	}
	description := room.Description
	if description == "" {
		description = fmt.Sprintf("Welcome to %s!", room.Name)
	}
	return roomInfoMessage{
		Type: kindRoomInfo,
		Room: roomSummary{
			ID:          room.ID,
			Name:        room.Name,
			Description: description,
		},
		UsersOnline:     usersOnline,
		ConnectionCount: connectionCount,
		Message:         fmt.Sprintf("Connected to %s!", room.Name),
	}
}

func newUserJoined(username string, userCount int) presenceMessage {
	return presenceMessage{
		Type:      kindUserJoined,
		User:      username,
		Message:   fmt.Sprintf("%s joined the chat", username),
		UserCount: userCount,
	}
}

func newUserLeft(username string, userCount int) presenceMessage {
	return presenceMessage{
		Type:      kindUserLeft,
		User:      username,
		Message:   fmt.Sprintf("%s left the chat", username),
		UserCount: userCount,
	}
}

func newChatMessage(stored StoredMessage, content string, author *Client) chatMessage {
	return chatMessage{
		Type:      kindChatMessage,
		ID:        stored.ID,
		Content:   content,
		Timestamp: stored.Timestamp.UTC().Format(time.RFC3339),
		Author:    author.username,
		AuthorID:  author.userID,
		RoomID:    author.roomID,
	}
}

func newErrorMessage(message string) errorMessage {
	return errorMessage{Type: kindError, Message: message}
}
