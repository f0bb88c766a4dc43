package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies MKTSYNC_* environment variable overrides, and
// returns the final Config. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known MKTSYNC_* environment variables and
// overwrites the corresponding Config fields when a variable is set. This lets
// operators inject secrets at deploy time without touching the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Chain ──
	setStr(&cfg.Chain.RPCURL, "MKTSYNC_CHAIN_RPC_URL")
	setInt(&cfg.Chain.ChainID, "MKTSYNC_CHAIN_ID")
	setDuration(&cfg.Chain.PollInterval, "MKTSYNC_CHAIN_POLL_INTERVAL")
	setUint64(&cfg.Chain.MaxLogSpan, "MKTSYNC_CHAIN_MAX_LOG_SPAN")
	setInt(&cfg.Chain.DepthPageSize, "MKTSYNC_CHAIN_DEPTH_PAGE_SIZE")

	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "MKTSYNC_POSTGRES_DSN")
	setStr(&cfg.Postgres.Host, "MKTSYNC_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "MKTSYNC_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "MKTSYNC_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "MKTSYNC_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "MKTSYNC_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "MKTSYNC_POSTGRES_SSLMODE")
	setInt(&cfg.Postgres.PoolMaxConns, "MKTSYNC_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "MKTSYNC_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "MKTSYNC_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "MKTSYNC_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "MKTSYNC_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "MKTSYNC_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "MKTSYNC_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "MKTSYNC_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "MKTSYNC_REDIS_TLS_ENABLED")

	// ── S3 ──
	setStr(&cfg.S3.Endpoint, "MKTSYNC_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "MKTSYNC_S3_REGION")
	setStr(&cfg.S3.Bucket, "MKTSYNC_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "MKTSYNC_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "MKTSYNC_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "MKTSYNC_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "MKTSYNC_S3_FORCE_PATH_STYLE")

	// ── Sync ──
	setInt(&cfg.Sync.DepthLimit, "MKTSYNC_SYNC_DEPTH_LIMIT")
	setDuration(&cfg.Sync.TickerWindow, "MKTSYNC_SYNC_TICKER_WINDOW")
	setUint64(&cfg.Sync.ReplayWindow, "MKTSYNC_SYNC_REPLAY_WINDOW")
	setInt(&cfg.Sync.FeedBuffer, "MKTSYNC_SYNC_FEED_BUFFER")

	// ── Archive ──
	setBool(&cfg.Archive.Enabled, "MKTSYNC_ARCHIVE_ENABLED")
	setInt(&cfg.Archive.RetentionDays, "MKTSYNC_ARCHIVE_RETENTION_DAYS")
	setDuration(&cfg.Archive.Interval, "MKTSYNC_ARCHIVE_INTERVAL")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "MKTSYNC_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "MKTSYNC_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "MKTSYNC_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.APIKey, "MKTSYNC_SERVER_API_KEY")

	// ── Top-level ──
	setStr(&cfg.Mode, "MKTSYNC_MODE")
	setStr(&cfg.LogLevel, "MKTSYNC_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setUint64(dst *uint64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
