// Package testhelpers provides shared utilities for integration tests:
// a fully wired chat service over real SQLite storage and JWT
// verification, plus a WebSocket client wrapper for reading payloads.
package testhelpers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nimbuschat/server/internal/auth"
	"github.com/nimbuschat/server/internal/server"
	"github.com/nimbuschat/server/internal/storage/sqlite"
)

// Env is a running chat service with its collaborators, backed by a
// temporary database that is removed when the test finishes.
type Env struct {
	Server *httptest.Server
	Hub    *server.Hub
	Store  *sqlite.Store
	Tokens *auth.Verifier
	Config server.Config
}

// NewEnv starts a wired service that accepts any origin.
func NewEnv(t *testing.T) *Env {
	t.Helper()
	return NewEnvWithOrigins(t, "*")
}

// NewEnvWithOrigins starts a wired service restricted to the given origins.
func NewEnvWithOrigins(t *testing.T, origins ...string) *Env {
	t.Helper()

	cfg := server.NewConfig()
	cfg.AllowedOrigins = origins
	cfg.DatabasePath = filepath.Join(t.TempDir(), "chat.db")

	store, err := sqlite.Open(cfg.DatabasePath)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}

	tokens := auth.NewVerifier(cfg.JWTSecret)
	hub := server.NewHub()
	service := server.NewService(cfg, hub, tokens, store, store, store)
	ts := httptest.NewServer(service.Routes())

	t.Cleanup(func() {
		_ = hub.Shutdown(2 * time.Second)
		ts.Close()
		_ = store.Close()
	})

	return &Env{Server: ts, Hub: hub, Store: store, Tokens: tokens, Config: cfg}
}

// SeedUser inserts an account and returns its id.
func (e *Env) SeedUser(t *testing.T, username string, active bool) int64 {
	t.Helper()
	id, err := e.Store.CreateUser(context.Background(), username, active)
	if err != nil {
		t.Fatalf("seed user %s: %v", username, err)
	}
	return id
}

// SeedRoom inserts a room and returns its id.
func (e *Env) SeedRoom(t *testing.T, name, description string) int64 {
	t.Helper()
	id, err := e.Store.CreateRoom(context.Background(), name, description)
	if err != nil {
		t.Fatalf("seed room %s: %v", name, err)
	}
	return id
}

// Token mints a short-lived token for the username.
func (e *Env) Token(t *testing.T, username string) string {
	t.Helper()
	token, err := e.Tokens.Sign(username, time.Minute)
	if err != nil {
		t.Fatalf("mint token for %s: %v", username, err)
	}
	return token
}

// Dial opens a WebSocket connection to the given room.
func (e *Env) Dial(t *testing.T, roomID int64, token string) *Conn {
	t.Helper()
	conn, err := e.TryDial(roomID, token, "http://localhost:8080")
	if err != nil {
		t.Fatalf("dial room %d: %v", roomID, err)
	}
	t.Cleanup(func() { _ = conn.ws.Close() })
	conn.t = t
	return conn
}

// TryDial opens a WebSocket connection and surfaces the handshake error,
// for tests that expect the dial itself to fail.
func (e *Env) TryDial(roomID int64, token, origin string) (*Conn, error) {
	url := "ws" + strings.TrimPrefix(e.Server.URL, "http") + fmt.Sprintf("/ws/%d?token=%s", roomID, token)
	ws, _, err := websocket.DefaultDialer.Dial(url, http.Header{"Origin": {origin}})
	if err != nil {
		return nil, err
	}
	return &Conn{ws: ws}, nil
}

// Conn wraps a client connection, splitting coalesced frames back into
// individual JSON payloads.
type Conn struct {
	t     *testing.T
	ws    *websocket.Conn
	queue [][]byte
}

// Raw returns the underlying WebSocket connection.
func (c *Conn) Raw() *websocket.Conn {
	return c.ws
}

// SendContent sends one chat payload.
func (c *Conn) SendContent(content string) {
	c.t.Helper()
	if err := c.ws.WriteJSON(map[string]string{"content": content}); err != nil {
		c.t.Fatalf("send content: %v", err)
	}
}

// Next returns the next payload as decoded JSON.
func (c *Conn) Next() map[string]any {
	c.t.Helper()

	for len(c.queue) == 0 {
		_ = c.ws.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, frame, err := c.ws.ReadMessage()
		if err != nil {
			c.t.Fatalf("read payload: %v", err)
		}
		for _, part := range bytes.Split(frame, []byte{'\n'}) {
			if len(part) > 0 {
				c.queue = append(c.queue, part)
			}
		}
	}

	raw := c.queue[0]
	c.queue = c.queue[1:]

	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err != nil {
		c.t.Fatalf("unmarshal payload %s: %v", raw, err)
	}
	return payload
}

// NextOfType skips payloads until one with the given type arrives.
func (c *Conn) NextOfType(kind string) map[string]any {
	c.t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		payload := c.Next()
		if payload["type"] == kind {
			return payload
		}
	}
	c.t.Fatalf("no %q payload arrived in time", kind)
	return nil
}

// ExpectClose asserts that the server closes the connection with the
// given application close code.
func (c *Conn) ExpectClose(t *testing.T, code int) {
	t.Helper()
	c.t = t
	_ = c.ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := c.ws.ReadMessage()
	var closeErr *websocket.CloseError
	if !errors.As(err, &closeErr) {
		t.Fatalf("expected close error, got %v", err)
	}
	if closeErr.Code != code {
		t.Errorf("close code = %d, want %d", closeErr.Code, code)
	}
}
