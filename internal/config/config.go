// Package config defines the top-level configuration for the market-data
// synchronization daemon and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by MKTSYNC_* environment variables.
type Config struct {
	Chain    ChainConfig    `toml:"chain"`
	Markets  []MarketConfig `toml:"markets"`
	Postgres PostgresConfig `toml:"postgres"`
	Redis    RedisConfig    `toml:"redis"`
	S3       S3Config       `toml:"s3"`
	Sync     SyncConfig     `toml:"sync"`
	Archive  ArchiveConfig  `toml:"archive"`
	Server   ServerConfig   `toml:"server"`
	Mode     string         `toml:"mode"`
	LogLevel string         `toml:"log_level"`
}

// ChainConfig holds JSON-RPC endpoint and polling parameters.
type ChainConfig struct {
	RPCURL       string   `toml:"rpc_url"`
	ChainID      int      `toml:"chain_id"`
	PollInterval duration `toml:"poll_interval"`
	// MaxLogSpan is the provider's maximum block span per eth_getLogs call.
	MaxLogSpan uint64 `toml:"max_log_span"`
	// DepthPageSize is the number of levels fetched per depth snapshot call.
	DepthPageSize int `toml:"depth_page_size"`
}

// MarketConfig registers one watched orderbook contract.
type MarketConfig struct {
	Address      string `toml:"address"`
	CreatedBlock uint64 `toml:"created_block"`
	PriceScale   int64  `toml:"price_scale"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
}

// S3Config holds S3-compatible object storage parameters for the archiver.
type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// SyncConfig holds parameters of the derived views.
type SyncConfig struct {
	// Timeframes are the bar bucket widths served over the API.
	Timeframes []duration `toml:"timeframes"`
	// DepthLimit bounds the number of levels per side in depth views.
	DepthLimit int `toml:"depth_limit"`
	// TickerWindow is the rolling ticker's sliding window width.
	TickerWindow duration `toml:"ticker_window"`
	// ReplayWindow is the block window size for backward history replay.
	ReplayWindow uint64 `toml:"replay_window"`
	// FeedBuffer is the initial capacity of per-feed event buffers.
	FeedBuffer int `toml:"feed_buffer"`
}

// ArchiveConfig holds cold-storage archival parameters.
type ArchiveConfig struct {
	Enabled       bool     `toml:"enabled"`
	RetentionDays int      `toml:"retention_days"`
	Interval      duration `toml:"interval"`
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Enabled     bool     `toml:"enabled"`
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
	// APIKey guards the API when set; empty disables authentication.
	APIKey string `toml:"api_key"`
}

// duration is a wrapper around time.Duration that supports TOML string
// decoding (e.g. "5s", "24h").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5s" or "15m".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config populated with reasonable default values.
func Defaults() Config {
	return Config{
		Chain: ChainConfig{
			RPCURL:        "http://localhost:8545",
			ChainID:       31337,
			PollInterval:  duration{5 * time.Second},
			MaxLogSpan:    10_000,
			DepthPageSize: 100,
		},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "marketsync",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			DB:         0,
			PoolSize:   20,
			MaxRetries: 3,
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "marketsync-archive",
			ForcePathStyle: true,
		},
		Sync: SyncConfig{
			Timeframes: []duration{
				{time.Minute},
				{15 * time.Minute},
				{time.Hour},
				{24 * time.Hour},
			},
			DepthLimit:   20,
			TickerWindow: duration{24 * time.Hour},
			ReplayWindow: 5_000,
			FeedBuffer:   256,
		},
		Archive: ArchiveConfig{
			Enabled:       false,
			RetentionDays: 90,
			Interval:      duration{24 * time.Hour},
		},
		Server: ServerConfig{
			Enabled:     true,
			Port:        8000,
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
		},
		Mode:     "full",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"sync":  true,
	"serve": true,
	"full":  true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: sync, serve, full)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Chain
	if c.Chain.RPCURL == "" {
		errs = append(errs, "chain: rpc_url must not be empty")
	}
	if c.Chain.PollInterval.Duration <= 0 {
		errs = append(errs, "chain: poll_interval must be positive")
	}
	if c.Chain.MaxLogSpan == 0 {
		errs = append(errs, "chain: max_log_span must be >= 1")
	}
	if c.Chain.DepthPageSize < 1 {
		errs = append(errs, "chain: depth_page_size must be >= 1")
	}

	// Markets
	if len(c.Markets) == 0 {
		errs = append(errs, "markets: at least one market must be configured")
	}
	seen := map[string]bool{}
	for i, m := range c.Markets {
		addr := strings.ToLower(strings.TrimSpace(m.Address))
		if addr == "" {
			errs = append(errs, fmt.Sprintf("markets[%d]: address must not be empty", i))
			continue
		}
		if seen[addr] {
			errs = append(errs, fmt.Sprintf("markets[%d]: duplicate address %s", i, m.Address))
		}
		seen[addr] = true
		if m.PriceScale <= 0 {
			errs = append(errs, fmt.Sprintf("markets[%d]: price_scale must be > 0", i))
		}
	}

	// Postgres
	if strings.TrimSpace(c.Postgres.DSN) == "" {
		if c.Postgres.Host == "" {
			errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
		}
		if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
			errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
		}
		if c.Postgres.Database == "" {
			errs = append(errs, "postgres: database must not be empty")
		}
	}
	if c.Postgres.PoolMaxConns < 1 {
		errs = append(errs, "postgres: pool_max_conns must be >= 1")
	}
	if c.Postgres.PoolMinConns < 0 {
		errs = append(errs, "postgres: pool_min_conns must be >= 0")
	}
	if c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
		errs = append(errs, "postgres: pool_min_conns must not exceed pool_max_conns")
	}

	// Redis
	if c.Redis.Addr == "" {
		errs = append(errs, "redis: addr must not be empty")
	}
	if c.Redis.PoolSize < 1 {
		errs = append(errs, "redis: pool_size must be >= 1")
	}

	// S3 — only required when archiving is on.
	if c.Archive.Enabled {
		if c.S3.Endpoint == "" {
			errs = append(errs, "s3: endpoint must not be empty when archiving is enabled")
		}
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty when archiving is enabled")
		}
		if c.Archive.RetentionDays < 1 {
			errs = append(errs, "archive: retention_days must be >= 1")
		}
		if c.Archive.Interval.Duration <= 0 {
			errs = append(errs, "archive: interval must be positive")
		}
	}

	// Sync
	if len(c.Sync.Timeframes) == 0 {
		errs = append(errs, "sync: at least one timeframe must be configured")
	}
	for i, tf := range c.Sync.Timeframes {
		if tf.Duration < time.Second {
			errs = append(errs, fmt.Sprintf("sync: timeframes[%d] must be >= 1s", i))
		}
	}
	if c.Sync.DepthLimit < 1 {
		errs = append(errs, "sync: depth_limit must be >= 1")
	}
	if c.Sync.TickerWindow.Duration <= 0 {
		errs = append(errs, "sync: ticker_window must be positive")
	}
	if c.Sync.ReplayWindow == 0 {
		errs = append(errs, "sync: replay_window must be >= 1")
	}
	if c.Sync.ReplayWindow > c.Chain.MaxLogSpan {
		errs = append(errs, "sync: replay_window must not exceed chain.max_log_span")
	}
	if c.Sync.FeedBuffer < 1 {
		errs = append(errs, "sync: feed_buffer must be >= 1")
	}

	// Server
	if c.Server.Enabled {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// Timeframes returns the configured bar widths as plain durations.
func (c *Config) Timeframes() []time.Duration {
	out := make([]time.Duration, len(c.Sync.Timeframes))
	for i, tf := range c.Sync.Timeframes {
		out[i] = tf.Duration
	}
	return out
}
