// Package server coordinates connection registration, room-scoped message
// broadcast, and connection cleanup for the Nimbus chat system via the
// Hub type.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"sync"
	"time"
)

// ErrHubClosed is returned by Register once Shutdown has begun.
var ErrHubClosed = errors.New("hub is shut down")

// Hub is the in-memory registry mapping each room to its live client
// connections. All mutation goes through Register, Unregister, and the
// broadcast prune step; a room entry exists only while it has at least
// one connection. Membership is kept in join order so presence listings
// are stable for a given snapshot.
type Hub struct {
	mu     sync.RWMutex
	rooms  map[int64][]*Client
	closed bool
	wg     sync.WaitGroup
}

// NewHub creates an empty Hub ready to accept connections. Construct one
// per process at startup and tear it down with Shutdown; there is no
// ambient global instance.
func NewHub() *Hub {
	return &Hub{rooms: make(map[int64][]*Client)}
}

// Register files the client under its room, creating the room entry if
// absent. The client is visible to broadcasts as soon as Register
// returns. Registering against a hub that has begun shutdown fails with
// ErrHubClosed.
func (h *Hub) Register(client *Client) error {
	if client == nil {
		return errors.New("nil client")
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return ErrHubClosed
	}
	client.closed = false
	h.rooms[client.roomID] = append(h.rooms[client.roomID], client)
	log.Printf("Client %s registered in room %d. Connections in room: %d",
		client.username, client.roomID, len(h.rooms[client.roomID]))
	return nil
}

// Unregister removes the client from its room and deletes the room entry
// if it became empty. It reports whether the client was present;
// unregistering an absent client is a no-op, so racing disconnect paths
// are safe. The client's send channel is closed exactly once, when the
// removal actually happens.
func (h *Hub) Unregister(client *Client) bool {
	h.mu.Lock()

	members, ok := h.rooms[client.roomID]
	if !ok {
		h.mu.Unlock()
		return false
	}

	removed := false
	for i, member := range members {
		if member == client {
			h.rooms[client.roomID] = append(members[:i], members[i+1:]...)
			removed = true
			break
		}
	}
	if !removed {
		h.mu.Unlock()
		return false
	}

	client.closed = true
	remaining := len(h.rooms[client.roomID])
	if remaining == 0 {
		delete(h.rooms, client.roomID)
	}
	h.mu.Unlock()

	// Close the channel after releasing the lock.
	close(client.send)
	log.Printf("Client %s unregistered from room %d after %s. Connections in room: %d",
		client.username, client.roomID, time.Since(client.joinedAt).Round(time.Second), remaining)
	return true
}

// ConnectionsIn returns a snapshot of the room's membership in join
// order. The copy is safe to iterate while joins and leaves proceed
// concurrently.
func (h *Hub) ConnectionsIn(roomID int64) []*Client {
	h.mu.RLock()
	defer h.mu.RUnlock()

	members := h.rooms[roomID]
	snapshot := make([]*Client, len(members))
	copy(snapshot, members)
	return snapshot
}

// OnlineUsers returns the de-duplicated usernames of everyone joined to
// the room, ordered by each user's first-seen connection. A user holding
// several connections appears once.
func (h *Hub) OnlineUsers(roomID int64) []string {
	snapshot := h.ConnectionsIn(roomID)

	users := make([]string, 0, len(snapshot))
	seen := make(map[string]struct{}, len(snapshot))
	for _, client := range snapshot {
		if _, dup := seen[client.username]; dup {
			continue
		}
		seen[client.username] = struct{}{}
		users = append(users, client.username)
	}
	return users
}

// ConnectionCount returns the raw number of connections in the room,
// counting each tab or device separately.
func (h *Hub) ConnectionCount(roomID int64) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[roomID])
}

// Broadcast serializes the message once and delivers it to every
// connection in the room except the excluded one. A delivery failure for
// one connection never aborts delivery to the rest; every connection
// whose delivery failed is pruned from the registry before Broadcast
// returns.
func (h *Hub) Broadcast(roomID int64, message any, exclude *Client) {
	payload, err := json.Marshal(message)
	if err != nil {
		log.Printf("Error serializing broadcast for room %d: %v", roomID, err)
		return
	}
	h.broadcastPayload(roomID, payload, exclude)
}

func (h *Hub) broadcastPayload(roomID int64, payload []byte, exclude *Client) {
	var failed []*Client
	for _, client := range h.ConnectionsIn(roomID) {
		if client == exclude {
			continue
		}
		if !h.safeSend(client, payload) {
			failed = append(failed, client)
		}
	}

	for _, client := range failed {
		log.Printf("Client %s in room %d removed after failed delivery", client.username, roomID)
		h.disconnect(client)
	}
}

// safeSend queues the payload on the client's send channel without
// blocking. It returns false when the client is gone or its buffer is
// full, which callers treat as a dead transport.
func (h *Hub) safeSend(client *Client, payload []byte) bool {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("Recovered from panic in safeSend: %v", r)
		}
	}()

	// Hold the lock across the send so the channel cannot be closed
	// between the membership check and the queue attempt.
	h.mu.RLock()
	defer h.mu.RUnlock()

	if client.closed {
		return false
	}

	select {
	case client.send <- payload:
		return true
	default:
		return false
	}
}

// disconnect runs the leaving transition for a client: remove it from
// the registry and, if it was still present, tell the remaining room
// members. Safe to call from any path (explicit close, read error,
// failed delivery, shutdown) any number of times.
func (h *Hub) disconnect(client *Client) {
	if !h.Unregister(client) {
		return
	}

	if client.conn != nil {
		if err := client.conn.Close(); err != nil && !isExpectedCloseError(err) {
			log.Printf("Error closing connection for %s: %v", client.username, err)
		}
	}

	left := newUserLeft(client.username, len(h.OnlineUsers(client.roomID)))
	h.Broadcast(client.roomID, left, nil)
}

// shutdownClients closes every active transport so the per-connection
// pumps unwind through their normal disconnect path.
func (h *Hub) shutdownClients() {
	log.Println("Shutting down all client connections...")

	h.mu.Lock()
	var clients []*Client
	for _, members := range h.rooms {
		clients = append(clients, members...)
	}
	h.mu.Unlock()

	for _, client := range clients {
		if client.conn == nil {
			continue
		}
		if err := client.conn.Close(); err != nil && !isExpectedCloseError(err) {
			log.Printf("Error closing client connection for %s: %v", client.username, err)
		}
	}

	log.Printf("Closed %d client connections", len(clients))
}

// Shutdown stops accepting registrations, closes all client connections,
// and waits for the per-connection goroutines to finish. It returns
// context.DeadlineExceeded if they have not finished within the timeout.
func (h *Hub) Shutdown(timeout time.Duration) error {
	log.Println("Initiating hub shutdown...")

	h.mu.Lock()
	h.closed = true
	h.mu.Unlock()

	h.shutdownClients()

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Println("Hub shutdown completed successfully")
		return nil
	case <-time.After(timeout):
		log.Println("Hub shutdown timeout reached, some goroutines may still be running")
		return context.DeadlineExceeded
	}
}
