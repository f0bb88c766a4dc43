package app

import (
	"context"
	"fmt"
	"log/slog"

	s3blob "github.com/openclob/marketsync/internal/blob/s3"
	"github.com/openclob/marketsync/internal/cache/redis"
	"github.com/openclob/marketsync/internal/chain"
	"github.com/openclob/marketsync/internal/config"
	"github.com/openclob/marketsync/internal/domain"
	"github.com/openclob/marketsync/internal/server/handler"
	"github.com/openclob/marketsync/internal/store/postgres"
)

// Dependencies bundles the domain-level dependencies the application modes
// need. It is constructed by Wire and torn down by the returned cleanup
// function.
type Dependencies struct {
	Ledger domain.Ledger

	TickStore  domain.TickStore
	RangeStore domain.RangeStore

	BarCache    domain.BarCache
	TickerCache domain.TickerCache
	SignalBus   domain.SignalBus

	// BlobWriter is nil unless archiving is enabled.
	BlobWriter domain.BlobWriter

	// Probes feed the health endpoint.
	Probes map[string]handler.Pinger
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them with a cleanup function to be called on
// shutdown.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{Probes: make(map[string]handler.Pinger)}

	// --- Chain client ---
	ledger, err := chain.New(ctx, chain.ClientConfig{
		RPCURL:     cfg.Chain.RPCURL,
		MaxLogSpan: cfg.Chain.MaxLogSpan,
	}, logger)
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: chain: %w", err)
	}
	closers = append(closers, ledger.Close)
	deps.Ledger = ledger

	// --- PostgreSQL ---
	pgClient, err := postgres.New(ctx, postgres.ClientConfig{
		DSN:      cfg.Postgres.DSN,
		Host:     cfg.Postgres.Host,
		Port:     cfg.Postgres.Port,
		Database: cfg.Postgres.Database,
		User:     cfg.Postgres.User,
		Password: cfg.Postgres.Password,
		SSLMode:  cfg.Postgres.SSLMode,
		MaxConns: cfg.Postgres.PoolMaxConns,
		MinConns: cfg.Postgres.PoolMinConns,
	})
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: postgres: %w", err)
	}
	closers = append(closers, pgClient.Close)

	if cfg.Postgres.RunMigrations {
		if err := pgClient.RunMigrations(ctx); err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
		}
	}

	pool := pgClient.Pool()
	deps.TickStore = postgres.NewTickStore(pool)
	deps.RangeStore = postgres.NewRangeStore(pool)
	deps.Probes["postgres"] = pgClient

	// --- Redis ---
	redisClient, err := redis.New(ctx, redis.ClientConfig{
		Addr:       cfg.Redis.Addr,
		Password:   cfg.Redis.Password,
		DB:         cfg.Redis.DB,
		PoolSize:   cfg.Redis.PoolSize,
		MaxRetries: cfg.Redis.MaxRetries,
		TLSEnabled: cfg.Redis.TLSEnabled,
	})
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: redis: %w", err)
	}
	closers = append(closers, func() { _ = redisClient.Close() })

	deps.BarCache = redis.NewBarCache(redisClient)
	deps.TickerCache = redis.NewTickerCache(redisClient)
	deps.SignalBus = redis.NewSignalBus(redisClient)
	deps.Probes["redis"] = redisClient

	// --- S3 (archiving only) ---
	if cfg.Archive.Enabled {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3: %w", err)
		}
		deps.BlobWriter = s3blob.NewWriter(s3Client)
	}

	return deps, cleanup, nil
}
