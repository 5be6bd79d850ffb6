package server

import (
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"
)

func newTestClient(hub *Hub, id int64, username string, roomID int64) *Client {
	return NewClient(nil, hub, User{ID: id, Username: username, Active: true}, roomID, nil, NewConfig(), "test-addr")
}

// drainPayloads empties a client's send queue without blocking.
func drainPayloads(t *testing.T, c *Client) [][]byte {
	t.Helper()
	var payloads [][]byte
	for {
		select {
		case p := <-c.send:
			payloads = append(payloads, p)
		default:
			return payloads
		}
	}
}

func mustRegister(t *testing.T, hub *Hub, c *Client) {
	t.Helper()
	if err := hub.Register(c); err != nil {
		t.Fatalf("Register(%s) failed: %v", c.username, err)
	}
}

func TestRegisterMakesConnectionVisible(t *testing.T) {
	hub := NewHub()
	client := newTestClient(hub, 1, "alice", 7)

	mustRegister(t, hub, client)

	snapshot := hub.ConnectionsIn(7)
	if len(snapshot) != 1 || snapshot[0] != client {
		t.Fatalf("ConnectionsIn(7) = %v, want exactly the registered client", snapshot)
	}
	if got := hub.ConnectionCount(7); got != 1 {
		t.Errorf("ConnectionCount(7) = %d, want 1", got)
	}
}

func TestUnregisterRemovesEmptyRoomEntry(t *testing.T) {
	hub := NewHub()
	client := newTestClient(hub, 1, "alice", 7)
	mustRegister(t, hub, client)

	if !hub.Unregister(client) {
		t.Fatal("Unregister returned false for a registered client")
	}

	if got := hub.ConnectionsIn(7); len(got) != 0 {
		t.Errorf("ConnectionsIn(7) = %v after last leave, want empty", got)
	}

	hub.mu.RLock()
	_, exists := hub.rooms[7]
	hub.mu.RUnlock()
	if exists {
		t.Error("room entry still present after its last connection left")
	}
}

func TestUnregisterIsIdempotent(t *testing.T) {
	hub := NewHub()
	client := newTestClient(hub, 1, "alice", 7)
	other := newTestClient(hub, 2, "bob", 7)
	mustRegister(t, hub, client)
	mustRegister(t, hub, other)

	if !hub.Unregister(client) {
		t.Fatal("first Unregister returned false")
	}
	if hub.Unregister(client) {
		t.Error("second Unregister returned true, want no-op")
	}
	if got := hub.ConnectionCount(7); got != 1 {
		t.Errorf("ConnectionCount(7) = %d after double unregister, want 1", got)
	}
}

func TestDisconnectTwiceLeavesSameState(t *testing.T) {
	hub := NewHub()
	client := newTestClient(hub, 1, "alice", 7)
	witness := newTestClient(hub, 2, "bob", 7)
	mustRegister(t, hub, client)
	mustRegister(t, hub, witness)

	hub.disconnect(client)
	hub.disconnect(client)

	if got := hub.ConnectionCount(7); got != 1 {
		t.Fatalf("ConnectionCount(7) = %d after racing disconnects, want 1", got)
	}

	// Exactly one user_left notice reaches the remaining member.
	var leftNotices int
	for _, payload := range drainPayloads(t, witness) {
		var msg presenceMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			t.Fatalf("unmarshal payload: %v", err)
		}
		if msg.Type == kindUserLeft {
			leftNotices++
			if msg.User != "alice" || msg.UserCount != 1 {
				t.Errorf("user_left = %+v, want user alice with user_count 1", msg)
			}
		}
	}
	if leftNotices != 1 {
		t.Errorf("got %d user_left notices, want 1", leftNotices)
	}
}

func TestOnlineUsersDeduplicatesMultipleConnections(t *testing.T) {
	hub := NewHub()
	mustRegister(t, hub, newTestClient(hub, 1, "alice", 7))
	mustRegister(t, hub, newTestClient(hub, 2, "bob", 7))
	mustRegister(t, hub, newTestClient(hub, 1, "alice", 7)) // second tab

	users := hub.OnlineUsers(7)
	want := []string{"alice", "bob"}
	if len(users) != len(want) {
		t.Fatalf("OnlineUsers(7) = %v, want %v", users, want)
	}
	for i, username := range want {
		if users[i] != username {
			t.Errorf("OnlineUsers(7)[%d] = %q, want %q", i, users[i], username)
		}
	}

	if got := hub.ConnectionCount(7); got != 3 {
		t.Errorf("ConnectionCount(7) = %d, want 3 raw connections", got)
	}
	if got := len(hub.ConnectionsIn(7)); got != hub.ConnectionCount(7) {
		t.Errorf("ConnectionCount(7) = %d but snapshot has %d entries", hub.ConnectionCount(7), got)
	}
}

func TestBroadcastSkipsExcludedConnection(t *testing.T) {
	hub := NewHub()
	sender := newTestClient(hub, 1, "alice", 7)
	receiver := newTestClient(hub, 2, "bob", 7)
	mustRegister(t, hub, sender)
	mustRegister(t, hub, receiver)

	hub.Broadcast(7, newErrorMessage("hello"), sender)

	if got := drainPayloads(t, sender); len(got) != 0 {
		t.Errorf("excluded sender received %d payloads, want 0", len(got))
	}
	if got := drainPayloads(t, receiver); len(got) != 1 {
		t.Errorf("receiver got %d payloads, want 1", len(got))
	}
}

func TestBroadcastIgnoresUnknownRoom(t *testing.T) {
	hub := NewHub()
	hub.Broadcast(99, newErrorMessage("nobody home"), nil)
}

func TestBroadcastPrunesFailedConnections(t *testing.T) {
	hub := NewHub()
	var healthy []*Client
	for i := 0; i < 3; i++ {
		c := newTestClient(hub, int64(i+1), fmt.Sprintf("user%d", i+1), 7)
		mustRegister(t, hub, c)
		healthy = append(healthy, c)
	}
	dead := newTestClient(hub, 9, "ghost", 7)
	mustRegister(t, hub, dead)
	for i := 0; i < cap(dead.send); i++ {
		dead.send <- []byte("backlog")
	}

	hub.Broadcast(7, newErrorMessage("first"), nil)

	if got := hub.ConnectionCount(7); got != 3 {
		t.Fatalf("ConnectionCount(7) = %d after prune, want 3", got)
	}
	for _, c := range healthy {
		payloads := drainPayloads(t, c)
		// The broadcast itself plus the user_left notice for the pruned peer.
		if len(payloads) != 2 {
			t.Errorf("healthy client %s got %d payloads, want 2", c.username, len(payloads))
		}
	}

	hub.Broadcast(7, newErrorMessage("second"), nil)
	for _, c := range healthy {
		if got := drainPayloads(t, c); len(got) != 1 {
			t.Errorf("healthy client %s got %d payloads on repeat broadcast, want 1", c.username, len(got))
		}
	}
}

func TestRegisterAfterShutdownFails(t *testing.T) {
	hub := NewHub()
	if err := hub.Shutdown(time.Second); err != nil {
		t.Fatalf("Shutdown of idle hub failed: %v", err)
	}

	err := hub.Register(newTestClient(hub, 1, "alice", 7))
	if err != ErrHubClosed {
		t.Errorf("Register after shutdown = %v, want ErrHubClosed", err)
	}
}

func TestConcurrentJoinLeaveAndBroadcast(t *testing.T) {
	hub := NewHub()

	var wg sync.WaitGroup
	for room := int64(1); room <= 4; room++ {
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func(room, id int64) {
				defer wg.Done()
				c := newTestClient(hub, id, fmt.Sprintf("user%d", id), room)
				if err := hub.Register(c); err != nil {
					t.Errorf("Register failed: %v", err)
					return
				}
				hub.Broadcast(room, newErrorMessage("ping"), c)
				hub.OnlineUsers(room)
				hub.disconnect(c)
			}(room, int64(i))
		}
	}
	wg.Wait()

	for room := int64(1); room <= 4; room++ {
		if got := hub.ConnectionCount(room); got != 0 {
			t.Errorf("ConnectionCount(%d) = %d after all leaves, want 0", room, got)
		}
	}
}
