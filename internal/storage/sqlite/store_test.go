package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/nimbuschat/server/internal/server"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "chat.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Errorf("Close: %v", err)
		}
	})
	return store
}

func TestOpenRequiresPath(t *testing.T) {
	if _, err := Open("  "); err == nil {
		t.Fatal("Open with blank path succeeded, want error")
	}
}

func TestUserRoundTrip(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	id, err := store.CreateUser(ctx, "alice", true)
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}

	user, err := store.UserByUsername(ctx, "alice")
	if err != nil {
		t.Fatalf("UserByUsername: %v", err)
	}
	if user.ID != id || user.Username != "alice" || !user.Active {
		t.Errorf("user = %+v, want active alice with id %d", user, id)
	}
}

func TestUserByUsernameNotFound(t *testing.T) {
	store := openTestStore(t)

	_, err := store.UserByUsername(context.Background(), "nobody")
	if !errors.Is(err, server.ErrUserNotFound) {
		t.Errorf("UserByUsername(nobody) = %v, want ErrUserNotFound", err)
	}
}

func TestDeactivatedUserFlag(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	if _, err := store.CreateUser(ctx, "mallory", false); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}

	user, err := store.UserByUsername(ctx, "mallory")
	if err != nil {
		t.Fatalf("UserByUsername: %v", err)
	}
	if user.Active {
		t.Error("deactivated user loaded as active")
	}
}

func TestRoomRoundTrip(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	id, err := store.CreateRoom(ctx, "general", "open discussion")
	if err != nil {
		t.Fatalf("CreateRoom: %v", err)
	}

	room, err := store.RoomByID(ctx, id)
	if err != nil {
		t.Fatalf("RoomByID: %v", err)
	}
	if room.Name != "general" || room.Description != "open discussion" {
		t.Errorf("room = %+v", room)
	}

	if _, err := store.RoomByID(ctx, id+1); !errors.Is(err, server.ErrRoomNotFound) {
		t.Errorf("RoomByID(missing) = %v, want ErrRoomNotFound", err)
	}
}

func TestSaveMessageAssignsIDAndTimestamp(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	userID, err := store.CreateUser(ctx, "alice", true)
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	roomID, err := store.CreateRoom(ctx, "general", "")
	if err != nil {
		t.Fatalf("CreateRoom: %v", err)
	}

	before := time.Now().UTC().Add(-time.Second)
	first, err := store.SaveMessage(ctx, roomID, userID, "hello")
	if err != nil {
		t.Fatalf("SaveMessage: %v", err)
	}
	second, err := store.SaveMessage(ctx, roomID, userID, "again")
	if err != nil {
		t.Fatalf("SaveMessage: %v", err)
	}

	if first.ID == 0 || second.ID <= first.ID {
		t.Errorf("ids = %d, %d; want increasing non-zero ids", first.ID, second.ID)
	}
	if first.Timestamp.Before(before) || first.Timestamp.After(time.Now().UTC().Add(time.Second)) {
		t.Errorf("timestamp = %v, want roughly now", first.Timestamp)
	}

	stored, content, err := store.MessageByID(ctx, first.ID)
	if err != nil {
		t.Fatalf("MessageByID: %v", err)
	}
	if content != "hello" {
		t.Errorf("content = %q, want hello", content)
	}
	if stored.Timestamp.Location() != time.UTC {
		t.Errorf("timestamp location = %v, want UTC", stored.Timestamp.Location())
	}
	if delta := stored.Timestamp.Sub(first.Timestamp); delta > time.Millisecond || delta < -time.Millisecond {
		t.Errorf("round-tripped timestamp drifted by %v", delta)
	}
}

func TestSaveMessageRejectsEmptyContent(t *testing.T) {
	store := openTestStore(t)

	if _, err := store.SaveMessage(context.Background(), 1, 1, "   "); err == nil {
		t.Fatal("SaveMessage with blank content succeeded, want error")
	}
}
