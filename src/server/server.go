package server

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"time"

	"thingstore/src/store"
)

// Server is the HTTP lookup surface over the store.
type Server struct {
	logger *slog.Logger
	server *http.Server
	mux    *http.ServeMux
	port   int
	store  *store.Store
}

// NewServer creates a new server instance
func NewServer(
	logger *slog.Logger,
	port int,
	st *store.Store,
) *Server {
	server := &Server{
		mux:    http.NewServeMux(),
		port:   port,
		logger: logger,
		store:  st,
	}

	server.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      server.mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	server.mux.HandleFunc("GET /v1/things/{fullname}", server.GetThingByFullname)
	server.mux.HandleFunc("GET /v1/health", server.Health)

	return server
}

// Start runs the HTTP server
func (s *Server) Start() error {
	s.logger.Info("Server started", "port", s.port)

	return s.server.ListenAndServe()
}

// Shutdown stops the HTTP server gracefully
func (s *Server) Shutdown(ctx context.Context) error {
	log.Println("Shutting down server...")
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}
