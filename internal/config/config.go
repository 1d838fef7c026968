// Package config defines the top-level configuration for the settlement
// service and provides validation helpers.
package config

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by SETTLED_* environment variables.
type Config struct {
	Engine   EngineConfig   `toml:"engine"`
	Postgres PostgresConfig `toml:"postgres"`
	Redis    RedisConfig    `toml:"redis"`
	S3       S3Config       `toml:"s3"`
	Server   ServerConfig   `toml:"server"`
	Notify   NotifyConfig   `toml:"notify"`
	LogLevel string         `toml:"log_level"`
}

// EngineConfig holds the settlement-engine tunables. Windows and delays are
// expressed in ledger sequence units.
type EngineConfig struct {
	Admin           string `toml:"admin"`
	Guardian        string `toml:"guardian"`
	CreationDeposit int64  `toml:"creation_deposit"`
	BaseFeeBps      int64  `toml:"base_fee_bps"`
	AmmFeeBps       int64  `toml:"amm_fee_bps"`
	DisputeWindow   uint64 `toml:"dispute_window"`
	VotingWindow    uint64 `toml:"voting_window"`
	GCDelay         uint64 `toml:"gc_delay"`
	PushPayoutLimit int    `toml:"push_payout_limit"`
	GCReward        int64  `toml:"gc_reward"`
	QuorumBps       int64  `toml:"quorum_bps"`
	SeedReserve     int64  `toml:"seed_reserve"`
	SeedShares      int64  `toml:"seed_shares"`
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

// S3Config holds S3-compatible object storage parameters for the market
// archive.
type S3Config struct {
	Enabled        bool   `toml:"enabled"`
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Enabled     bool     `toml:"enabled"`
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
	APIKey      string   `toml:"api_key"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// Defaults returns a Config populated with reasonable default values.
// These match the values in config.example.toml.
func Defaults() Config {
	return Config{
		Engine: EngineConfig{
			CreationDeposit: 50_000_000,
			BaseFeeBps:      200,
			AmmFeeBps:       30,
			DisputeWindow:   86_400,
			VotingWindow:    259_200,
			GCDelay:         15_552_000,
			PushPayoutLimit: 50,
			GCReward:        100_000,
			QuorumBps:       6_000,
			SeedReserve:     1_000_000_000,
			SeedShares:      1_000_000_000,
		},
		Postgres: PostgresConfig{
			DSN:           "",
			Host:          "localhost",
			Port:          5432,
			Database:      "settled",
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
			TLSEnabled: false,
		},
		S3: S3Config{
			Enabled:        false,
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "settled-archive",
			UseSSL:         false,
			ForcePathStyle: true,
		},
		Server: ServerConfig{
			Enabled:     true,
			Port:        8000,
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
		},
		Notify: NotifyConfig{
			Events: []string{"market.resolved", "market.cancelled", "breaker.changed"},
		},
		LogLevel: "info",
	}
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

	// LogLevel
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Engine
	if c.Engine.Admin == "" {
		errs = append(errs, "engine: admin address must be set")
	} else if !common.IsHexAddress(c.Engine.Admin) {
		errs = append(errs, fmt.Sprintf("engine: admin %q is not a valid address", c.Engine.Admin))
	}
	if c.Engine.Guardian != "" && !common.IsHexAddress(c.Engine.Guardian) {
		errs = append(errs, fmt.Sprintf("engine: guardian %q is not a valid address", c.Engine.Guardian))
	}
	if c.Engine.CreationDeposit < 0 {
		errs = append(errs, "engine: creation_deposit must be >= 0")
	}
	if c.Engine.BaseFeeBps < 0 || c.Engine.BaseFeeBps > 10_000 {
		errs = append(errs, fmt.Sprintf("engine: base_fee_bps must be 0-10000, got %d", c.Engine.BaseFeeBps))
	}
	if c.Engine.AmmFeeBps < 0 || c.Engine.AmmFeeBps > 10_000 {
		errs = append(errs, fmt.Sprintf("engine: amm_fee_bps must be 0-10000, got %d", c.Engine.AmmFeeBps))
	}
	if c.Engine.DisputeWindow == 0 {
		errs = append(errs, "engine: dispute_window must be > 0")
	}
	if c.Engine.VotingWindow == 0 {
		errs = append(errs, "engine: voting_window must be > 0")
	}
	if c.Engine.QuorumBps <= 5_000 || c.Engine.QuorumBps > 10_000 {
		errs = append(errs, fmt.Sprintf("engine: quorum_bps must be 5001-10000, got %d", c.Engine.QuorumBps))
	}
	if c.Engine.PushPayoutLimit < 0 {
		errs = append(errs, "engine: push_payout_limit must be >= 0")
	}
	if c.Engine.SeedReserve <= 0 || c.Engine.SeedShares <= 0 {
		errs = append(errs, "engine: seed_reserve and seed_shares must be > 0")
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

	// S3
	if c.S3.Enabled {
		if c.S3.Endpoint == "" {
			errs = append(errs, "s3: endpoint must not be empty when enabled")
		}
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty when enabled")
		}
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
