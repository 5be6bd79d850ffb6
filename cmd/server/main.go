package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/nimbuschat/server/internal/auth"
	"github.com/nimbuschat/server/internal/server"
	"github.com/nimbuschat/server/internal/storage/sqlite"
)

func main() {
	log.Println("Starting Nimbus Chat Server...")

	cfg, err := server.NewConfigFromEnv()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	store, err := sqlite.Open(cfg.DatabasePath)
	if err != nil {
		log.Fatalf("Failed to open storage: %v", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Printf("Error closing storage: %v", err)
		}
	}()

	hub := server.NewHub()
	service := server.NewService(cfg, hub, auth.NewVerifier(cfg.JWTSecret), store, store, store)
	httpServer := server.CreateServer(cfg.Port, service.Routes())

	errs := make(chan error, 1)
	go func() {
		errs <- server.StartServer(httpServer)
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case <-ctx.Done():
	case err := <-errs:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("HTTP server failed: %v", err)
		}
	}

	if err := server.ShutdownServer(httpServer, cfg.ShutdownTimeout); err != nil {
		log.Printf("HTTP shutdown error: %v", err)
	}
	if err := hub.Shutdown(cfg.ShutdownTimeout); err != nil {
		log.Printf("Hub shutdown error: %v", err)
	}
}
