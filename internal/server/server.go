// Package server exposes the supervisors over the HTTP/SSE surface. It is a
// thin adapter: requests translate into supervisor calls, subscriptions into
// event streams.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/graememel-kap/pageindex-web/internal/app"
	"github.com/graememel-kap/pageindex-web/internal/common"
	"github.com/graememel-kap/pageindex-web/internal/interfaces"
)

// Server wraps the HTTP server and application reference.
type Server struct {
	config *common.Config
	logger *common.Logger
	jobs   interfaces.JobService
	chat   interfaces.ChatService
	server *http.Server
}

// NewServer creates a new HTTP REST API server.
func NewServer(a *app.App) *Server {
	s := &Server{
		config: a.Config,
		logger: a.Logger,
		jobs:   a.JobManager,
		chat:   a.ChatManager,
	}

	mux := http.NewServeMux()
	s.registerRoutes(mux)

	handler := applyMiddleware(mux, a.Logger, a.Config)

	s.server = &http.Server{
		Addr:        fmt.Sprintf("%s:%d", a.Config.Server.Host, a.Config.Server.Port),
		Handler:     handler,
		ReadTimeout: 30 * time.Second,
		// No write timeout: SSE streams stay open until the client leaves.
		IdleTimeout: 60 * time.Second,
	}

	return s
}

// Handler returns the HTTP handler for testing.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Start starts the HTTP server (blocking).
func (s *Server) Start() error {
	s.logger.Info().
		Str("addr", s.server.Addr).
		Msg("Starting REST API server")
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
