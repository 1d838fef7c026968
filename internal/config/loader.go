package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies SETTLED_* environment variable overrides, and
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

// applyEnvOverrides reads well-known SETTLED_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Engine ──
	setStr(&cfg.Engine.Admin, "SETTLED_ENGINE_ADMIN")
	setStr(&cfg.Engine.Guardian, "SETTLED_ENGINE_GUARDIAN")
	setInt64(&cfg.Engine.CreationDeposit, "SETTLED_ENGINE_CREATION_DEPOSIT")
	setInt64(&cfg.Engine.BaseFeeBps, "SETTLED_ENGINE_BASE_FEE_BPS")
	setInt64(&cfg.Engine.AmmFeeBps, "SETTLED_ENGINE_AMM_FEE_BPS")
	setUint64(&cfg.Engine.DisputeWindow, "SETTLED_ENGINE_DISPUTE_WINDOW")
	setUint64(&cfg.Engine.VotingWindow, "SETTLED_ENGINE_VOTING_WINDOW")
	setUint64(&cfg.Engine.GCDelay, "SETTLED_ENGINE_GC_DELAY")
	setInt(&cfg.Engine.PushPayoutLimit, "SETTLED_ENGINE_PUSH_PAYOUT_LIMIT")
	setInt64(&cfg.Engine.GCReward, "SETTLED_ENGINE_GC_REWARD")
	setInt64(&cfg.Engine.QuorumBps, "SETTLED_ENGINE_QUORUM_BPS")
	setInt64(&cfg.Engine.SeedReserve, "SETTLED_ENGINE_SEED_RESERVE")
	setInt64(&cfg.Engine.SeedShares, "SETTLED_ENGINE_SEED_SHARES")

	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "SETTLED_POSTGRES_DSN")
	setStr(&cfg.Postgres.Host, "SETTLED_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "SETTLED_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "SETTLED_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "SETTLED_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "SETTLED_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "SETTLED_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "SETTLED_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "SETTLED_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "SETTLED_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "SETTLED_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "SETTLED_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "SETTLED_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "SETTLED_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "SETTLED_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "SETTLED_REDIS_TLS_ENABLED")

	// ── S3 ──
	setBool(&cfg.S3.Enabled, "SETTLED_S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "SETTLED_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "SETTLED_S3_REGION")
	setStr(&cfg.S3.Bucket, "SETTLED_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "SETTLED_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "SETTLED_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "SETTLED_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "SETTLED_S3_FORCE_PATH_STYLE")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "SETTLED_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "SETTLED_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "SETTLED_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.APIKey, "SETTLED_SERVER_API_KEY")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "SETTLED_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "SETTLED_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "SETTLED_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "SETTLED_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.LogLevel, "SETTLED_LOG_LEVEL")
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

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
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
