package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_YAMLThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "chat.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server_addr: \":9000\"\nworker_pool_size: 8\npresence_sweep: \"*/5 * * * *\"\n"), 0o600))

	t.Setenv("APP_ENV", "production")
	t.Setenv("CONFIG_PATH", path)
	t.Setenv("JWT_SECRET", "s3cret")
	t.Setenv("DATABASE_URL", "postgres://u:p@db:5432/chat")
	t.Setenv("WORKER_POOL_SIZE", "16")

	cfg := Load()
	assert.Equal(t, ":9000", cfg.ServerAddr)
	assert.Equal(t, int64(16), cfg.WorkerPoolSize, "env overrides yaml")
	assert.Equal(t, "*/5 * * * *", cfg.PresenceSweep)
	assert.Equal(t, "s3cret", cfg.JWTSecret)
	assert.Equal(t, 5*time.Second, cfg.PersistTimeout)
	assert.Equal(t, 20, cfg.DBMaxConnections())
}

func TestFromYAML_InvalidEnvFallsBack(t *testing.T) {
	t.Setenv("WS_EVENT_RATE", "fast")
	t.Setenv("WS_REQUIRE_TOKEN", "true")
	t.Setenv("WORKER_POOL_SIZE", "-1")

	cfg := fromYAML(defaults())
	assert.Equal(t, float64(20), cfg.WSEventRate)
	assert.True(t, cfg.WSRequireToken)
	assert.Equal(t, int64(64), cfg.WorkerPoolSize)
	assert.Equal(t, 24*time.Hour, cfg.IdempotencyTTL)
}
