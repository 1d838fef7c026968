package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleTOML = `
log_level = "debug"

[engine]
admin = "0x00000000000000000000000000000000000000a1"
creation_deposit = 25000000
quorum_bps = 7000

[postgres]
host = "db.internal"
database = "settled"

[server]
port = 9100
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadMergesOverDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleTOML))
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, int64(25_000_000), cfg.Engine.CreationDeposit)
	assert.Equal(t, int64(7_000), cfg.Engine.QuorumBps)
	assert.Equal(t, "db.internal", cfg.Postgres.Host)
	assert.Equal(t, 9100, cfg.Server.Port)

	// Untouched fields keep their defaults.
	assert.Equal(t, int64(200), cfg.Engine.BaseFeeBps)
	assert.Equal(t, uint64(86_400), cfg.Engine.DisputeWindow)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)

	require.NoError(t, cfg.Validate())
}

func TestEnvOverridesWin(t *testing.T) {
	t.Setenv("SETTLED_REDIS_ADDR", "redis.internal:6380")
	t.Setenv("SETTLED_ENGINE_QUORUM_BPS", "8000")
	t.Setenv("SETTLED_SERVER_CORS_ORIGINS", "https://a.example, https://b.example")

	cfg, err := Load(writeConfig(t, sampleTOML))
	require.NoError(t, err)

	assert.Equal(t, "redis.internal:6380", cfg.Redis.Addr)
	assert.Equal(t, int64(8_000), cfg.Engine.QuorumBps)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.Server.CORSOrigins)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cfg := Defaults()
	cfg.Engine.Admin = "not-an-address"
	cfg.Engine.QuorumBps = 4_000
	cfg.Redis.Addr = ""

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "admin")
	assert.Contains(t, err.Error(), "quorum_bps")
	assert.Contains(t, err.Error(), "redis")
}

func TestRedactedConfigHidesSecrets(t *testing.T) {
	cfg := Defaults()
	cfg.Postgres.Password = "hunter2"
	cfg.S3.SecretKey = "s3cret"
	cfg.Server.APIKey = "key"

	red := RedactedConfig(&cfg)
	assert.Equal(t, "***", red.Postgres.Password)
	assert.Equal(t, "***", red.S3.SecretKey)
	assert.Equal(t, "***", red.Server.APIKey)

	// The original is untouched.
	assert.Equal(t, "hunter2", cfg.Postgres.Password)
}
