package app

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/openclob/marketsync/internal/archive"
	"github.com/openclob/marketsync/internal/history"
	"github.com/openclob/marketsync/internal/market"
	"github.com/openclob/marketsync/internal/server"
	"github.com/openclob/marketsync/internal/server/handler"
	"github.com/openclob/marketsync/internal/server/ws"
	"github.com/openclob/marketsync/internal/source"
)

// shutdownTimeout bounds the HTTP server drain on shutdown.
const shutdownTimeout = 10 * time.Second

// SyncMode runs the poller, the view publisher, and (when enabled) the
// archiver. Consumers in other processes read from the bus and caches.
func (a *App) SyncMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting sync mode")

	g, ctx := errgroup.WithContext(ctx)

	eng, src := a.buildEngine(ctx, deps)
	g.Go(func() error {
		return src.Run(ctx)
	})

	pub := market.NewPublisher(eng, deps.SignalBus, deps.BarCache, deps.TickerCache, a.logger)
	g.Go(func() error {
		return pub.Run(ctx)
	})

	a.startArchiver(ctx, g, deps)

	return g.Wait()
}

// ServeMode runs the HTTP + WebSocket API. Views activate lazily as
// observers attach; the hub mirrors whatever a sync process publishes on
// the bus.
func (a *App) ServeMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting serve mode")

	g, ctx := errgroup.WithContext(ctx)

	eng, src := a.buildEngine(ctx, deps)
	g.Go(func() error {
		return src.Run(ctx)
	})

	a.startHTTPServer(ctx, g, deps, eng)

	return g.Wait()
}

// FullMode runs everything in one process: poller, publisher, archiver, and
// the HTTP + WebSocket API.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting full mode")

	g, ctx := errgroup.WithContext(ctx)

	eng, src := a.buildEngine(ctx, deps)
	g.Go(func() error {
		return src.Run(ctx)
	})

	pub := market.NewPublisher(eng, deps.SignalBus, deps.BarCache, deps.TickerCache, a.logger)
	g.Go(func() error {
		return pub.Run(ctx)
	})

	a.startArchiver(ctx, g, deps)
	a.startHTTPServer(ctx, g, deps, eng)

	return g.Wait()
}

// buildEngine assembles the shared poller, range cache, and view engine.
func (a *App) buildEngine(ctx context.Context, deps *Dependencies) (*market.Engine, *source.Source) {
	src := source.New(deps.Ledger, a.cfg.Chain.PollInterval.Duration, a.cfg.Sync.FeedBuffer, a.logger)
	cache := history.New(deps.TickStore, deps.RangeStore, deps.Ledger, a.logger)

	eng := market.NewEngine(ctx, src, cache, deps.Ledger, a.markets(), market.Config{
		Timeframes:    a.cfg.Timeframes(),
		DepthLimit:    a.cfg.Sync.DepthLimit,
		DepthPageSize: a.cfg.Chain.DepthPageSize,
		TickerWindow:  a.cfg.Sync.TickerWindow.Duration,
		ReplayWindow:  a.cfg.Sync.ReplayWindow,
	}, a.logger)

	return eng, src
}

func (a *App) startArchiver(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	if !a.cfg.Archive.Enabled || deps.BlobWriter == nil {
		return
	}
	arch := archive.New(deps.TickStore, deps.BlobWriter, a.markets(), archive.Config{
		Interval:   a.cfg.Archive.Interval.Duration,
		Retention:  time.Duration(a.cfg.Archive.RetentionDays) * 24 * time.Hour,
		PathPrefix: "ticks",
	}, a.logger)
	g.Go(func() error {
		return arch.Run(ctx)
	})
}

func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies, eng *market.Engine) {
	if !a.cfg.Server.Enabled {
		return
	}

	hub := ws.NewHub(deps.SignalBus, a.cfg.Mode, a.logger)
	g.Go(func() error {
		return hub.Run(ctx)
	})

	srv := server.NewServer(server.Config{
		Port:        a.cfg.Server.Port,
		CORSOrigins: a.cfg.Server.CORSOrigins,
		APIKey:      a.cfg.Server.APIKey,
	}, server.Handlers{
		Health:     handler.NewHealthHandler(deps.Probes, a.logger),
		MarketData: handler.NewMarketDataHandler(eng, a.logger),
	}, hub, a.logger)

	g.Go(func() error {
		return srv.Start()
	})
	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})
}
