// Package sqlite provides the SQLite-backed storage collaborator for
// users, rooms, and message history.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/nimbuschat/server/internal/server"
)

const schema = `
CREATE TABLE IF NOT EXISTS users (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	username   TEXT NOT NULL UNIQUE,
	is_active  INTEGER NOT NULL DEFAULT 1,
	created_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS rooms (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	name        TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	created_at  INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS messages (
	id        INTEGER PRIMARY KEY AUTOINCREMENT,
	room_id   INTEGER NOT NULL REFERENCES rooms(id),
	user_id   INTEGER NOT NULL REFERENCES users(id),
	content   TEXT NOT NULL,
	timestamp INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_room ON messages(room_id, timestamp);
`

// Store persists chat state in SQLite.
type Store struct {
	sqlDB *sql.DB
}

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// Open opens a SQLite store at the given path and applies the schema.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	dsn := filepath.Clean(path) + "?_journal_mode=WAL&_foreign_keys=ON&_busy_timeout=5000&_synchronous=NORMAL"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := sqlDB.Exec(schema); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{sqlDB: sqlDB}, nil
}

// Close closes the SQLite handle.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// UserByUsername resolves a username to its account record.
func (s *Store) UserByUsername(ctx context.Context, username string) (server.User, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return server.User{}, fmt.Errorf("username is required")
	}

	var (
		user   server.User
		active int64
	)
	err := s.sqlDB.QueryRowContext(ctx,
		`SELECT id, username, is_active FROM users WHERE username = ?`, username,
	).Scan(&user.ID, &user.Username, &active)
	if errors.Is(err, sql.ErrNoRows) {
		return server.User{}, server.ErrUserNotFound
	}
	if err != nil {
		return server.User{}, fmt.Errorf("query user: %w", err)
	}
	user.Active = active != 0
	return user, nil
}

// RoomByID loads one room record.
func (s *Store) RoomByID(ctx context.Context, id int64) (server.Room, error) {
	var room server.Room
	err := s.sqlDB.QueryRowContext(ctx,
		`SELECT id, name, description FROM rooms WHERE id = ?`, id,
	).Scan(&room.ID, &room.Name, &room.Description)
	if errors.Is(err, sql.ErrNoRows) {
		return server.Room{}, server.ErrRoomNotFound
	}
	if err != nil {
		return server.Room{}, fmt.Errorf("query room: %w", err)
	}
	return room, nil
}

// SaveMessage inserts one chat message and returns the server-assigned
// id and timestamp.
func (s *Store) SaveMessage(ctx context.Context, roomID, userID int64, content string) (server.StoredMessage, error) {
	if strings.TrimSpace(content) == "" {
		return server.StoredMessage{}, fmt.Errorf("content is required")
	}

	now := time.Now().UTC()
	result, err := s.sqlDB.ExecContext(ctx,
		`INSERT INTO messages (room_id, user_id, content, timestamp) VALUES (?, ?, ?, ?)`,
		roomID, userID, content, toMillis(now),
	)
	if err != nil {
		return server.StoredMessage{}, fmt.Errorf("insert message: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return server.StoredMessage{}, fmt.Errorf("message id: %w", err)
	}
	return server.StoredMessage{ID: id, Timestamp: now}, nil
}

// CreateUser inserts an account record. Account management lives in a
// separate service; this exists for seeding and tests.
func (s *Store) CreateUser(ctx context.Context, username string, active bool) (int64, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return 0, fmt.Errorf("username is required")
	}
	activeVal := int64(0)
	if active {
		activeVal = 1
	}
	result, err := s.sqlDB.ExecContext(ctx,
		`INSERT INTO users (username, is_active, created_at) VALUES (?, ?, ?)`,
		username, activeVal, toMillis(time.Now()),
	)
	if err != nil {
		return 0, fmt.Errorf("insert user: %w", err)
	}
	return result.LastInsertId()
}

// CreateRoom inserts a room record. Room management lives in a separate
// service; this exists for seeding and tests.
func (s *Store) CreateRoom(ctx context.Context, name, description string) (int64, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return 0, fmt.Errorf("room name is required")
	}
	result, err := s.sqlDB.ExecContext(ctx,
		`INSERT INTO rooms (name, description, created_at) VALUES (?, ?, ?)`,
		name, strings.TrimSpace(description), toMillis(time.Now()),
	)
	if err != nil {
		return 0, fmt.Errorf("insert room: %w", err)
	}
	return result.LastInsertId()
}

// MessageByID loads one persisted message back out of storage.
func (s *Store) MessageByID(ctx context.Context, id int64) (server.StoredMessage, string, error) {
	var (
		stored  server.StoredMessage
		content string
		millis  int64
	)
	err := s.sqlDB.QueryRowContext(ctx,
		`SELECT id, content, timestamp FROM messages WHERE id = ?`, id,
	).Scan(&stored.ID, &content, &millis)
	if errors.Is(err, sql.ErrNoRows) {
		return server.StoredMessage{}, "", fmt.Errorf("message %d not found", id)
	}
	if err != nil {
		return server.StoredMessage{}, "", fmt.Errorf("query message: %w", err)
	}
	stored.Timestamp = fromMillis(millis)
	return stored, content, nil
}
