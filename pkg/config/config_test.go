package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hamgam/exportd/pkg/signing"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()
	require.Equal(t, "8080", cfg.Port)
	require.Equal(t, "INFO", cfg.LogLevel)
	require.Equal(t, 4, cfg.Workers)
	require.Equal(t, 64, cfg.QueueDepth)
	require.Equal(t, 15*time.Minute, cfg.DownloadTTL)
	require.Equal(t, "./students.csv", cfg.SourceFile)
	require.Equal(t, 20, cfg.RateLimitRPS)
	require.Empty(t, cfg.RedisAddr)
	require.False(t, cfg.MetricsEnabled)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("EXPORT_WORKERS", "8")
	t.Setenv("DOWNLOAD_TOKEN_TTL", "1h")
	t.Setenv("METRICS_ENABLED", "true")
	t.Setenv("REDIS_ADDR", "localhost:6379")

	cfg := Load()
	require.Equal(t, "9090", cfg.Port)
	require.Equal(t, 8, cfg.Workers)
	require.Equal(t, time.Hour, cfg.DownloadTTL)
	require.True(t, cfg.MetricsEnabled)
	require.Equal(t, "localhost:6379", cfg.RedisAddr)
}

func TestLoadKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys.yaml")
	doc := `keys:
  - kid: k1
    secret: 0123456789abcdef0123456789abcdef
    state: retired
  - kid: k2
    secret: fedcba9876543210fedcba9876543210
    state: active
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))

	keys, err := LoadKeys(path)
	require.NoError(t, err)
	require.Len(t, keys, 2)

	// The parsed keys satisfy the ring invariants.
	ring, err := signing.NewKeyRing(keys)
	require.NoError(t, err)
	require.Equal(t, "k2", ring.Active().KID)
}

func TestLoadKeysMissingFile(t *testing.T) {
	_, err := LoadKeys(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}
