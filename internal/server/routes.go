// Package server wires the HTTP handlers into a router.
package server

import (
	"net/http"

	"github.com/gorilla/mux"
)

// Routes configures and returns the application router: health check at
// the root and the WebSocket endpoint per room.
func (s *Service) Routes() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/", s.HealthHandler).Methods(http.MethodGet)
	r.HandleFunc("/ws/{roomID:[0-9]+}", s.WebSocketHandler).Methods(http.MethodGet)
	return r
}
