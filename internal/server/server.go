// Package server assembles the HTTP + WebSocket API.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/openclob/marketsync/internal/server/handler"
	"github.com/openclob/marketsync/internal/server/middleware"
	"github.com/openclob/marketsync/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
	APIKey      string // empty disables authentication
}

// Handlers aggregates the HTTP handlers the server registers.
type Handlers struct {
	Health     *handler.HealthHandler
	MarketData *handler.MarketDataHandler
}

// Server is the read-only HTTP + WebSocket API over the sync engine.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer registers all routes on a ServeMux, wires the middleware chain
// (logging, CORS, auth), and attaches the WebSocket hub.
func NewServer(cfg Config, handlers Handlers, wsHub *ws.Hub, logger *slog.Logger) *Server {
	mux := http.NewServeMux()

	// Health check (no auth required; auth is applied below the mux, so it
	// covers everything — operators probing health set the key too).
	mux.HandleFunc("GET /api/health", handlers.Health.HealthCheck)

	mux.HandleFunc("GET /api/markets", handlers.MarketData.ListMarkets)
	mux.HandleFunc("GET /api/markets/{address}/depth", handlers.MarketData.GetDepth)
	mux.HandleFunc("GET /api/markets/{address}/history", handlers.MarketData.GetHistory)
	mux.HandleFunc("GET /api/markets/{address}/ticker", handlers.MarketData.GetTicker)

	if wsHub != nil {
		mux.HandleFunc("GET /ws", wsHub.HandleWS)
	}

	var h http.Handler = mux
	h = middleware.Auth(cfg.APIKey)(h)
	h = middleware.Logging(logger)(h)
	h = middleware.CORS(cfg.CORSOrigins)(h)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      h,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		httpServer: srv,
		logger:     logger.With(slog.String("component", "server")),
	}
}

// Start begins listening. It blocks until the server errors or is shut down.
func (s *Server) Start() error {
	s.logger.Info("starting", slog.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests within the context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
