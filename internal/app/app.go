// Package app provides the top-level application lifecycle for the
// market-data synchronization daemon. It wires the chain client, stores,
// caches, and blob storage together and starts the goroutines matching the
// configured operating mode.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/openclob/marketsync/internal/config"
	"github.com/openclob/marketsync/internal/domain"
)

// App is the root application object. It owns the configuration, logger,
// and the cleanup functions called in reverse order on shutdown.
type App struct {
	cfg     *config.Config
	logger  *slog.Logger
	closers []func()
}

// New creates an App from the given configuration and logger.
func New(cfg *config.Config, logger *slog.Logger) *App {
	return &App{
		cfg:    cfg,
		logger: logger.With(slog.String("component", "app")),
	}
}

// Run wires all dependencies, starts the goroutines for the configured mode,
// and blocks until the context is cancelled.
func (a *App) Run(ctx context.Context) error {
	a.logger.InfoContext(ctx, "starting",
		slog.String("mode", a.cfg.Mode),
		slog.Int("markets", len(a.cfg.Markets)),
	)

	deps, cleanup, err := Wire(ctx, a.cfg, a.logger)
	if err != nil {
		return fmt.Errorf("app: wire dependencies: %w", err)
	}
	a.closers = append(a.closers, cleanup)

	switch strings.ToLower(a.cfg.Mode) {
	case "sync":
		return a.SyncMode(ctx, deps)
	case "serve":
		return a.ServeMode(ctx, deps)
	case "full":
		return a.FullMode(ctx, deps)
	default:
		return fmt.Errorf("app: unsupported mode %q", a.cfg.Mode)
	}
}

// Close tears down all resources in reverse registration order. Safe to call
// multiple times.
func (a *App) Close() {
	a.logger.Info("shutting down")
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

// markets converts the configured market entries to domain values.
func (a *App) markets() []domain.Market {
	out := make([]domain.Market, 0, len(a.cfg.Markets))
	for _, m := range a.cfg.Markets {
		out = append(out, domain.Market{
			Address:      strings.ToLower(strings.TrimSpace(m.Address)),
			CreatedBlock: m.CreatedBlock,
			PriceScale:   m.PriceScale,
		})
	}
	return out
}
