package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/couchcryptid/wx-cache-service/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "json", cfg.LogFormat)
	assert.Equal(t, 10*time.Second, cfg.ShutdownTimeout)
	assert.Equal(t, BackendRedis, cfg.StoreBackend)
	assert.Equal(t, "localhost:6379", cfg.RedisAddr)
	assert.Equal(t, 0, cfg.RedisDB)
	assert.False(t, cfg.RedisTLS)
	assert.Equal(t, 150*time.Millisecond, cfg.StoreReadTimeout)
	assert.Equal(t, 500, cfg.ApplyChunkSize)
	assert.Equal(t, 1000, cfg.RecentLimit)
	assert.Equal(t, 3, cfg.DownloadRetries)
	assert.Equal(t, "https://aviationweather.gov/api/data", cfg.FallbackBaseURL)
	assert.Equal(t, "cache-files", cfg.BackupPrefix)
	assert.True(t, cfg.SchedulerEnabled)
	assert.False(t, cfg.KafkaEnabled())
	assert.False(t, cfg.BackupEnabled())
	assert.Equal(t, domain.DefaultFeeds(), cfg.Feeds)
}

func TestLoad_CustomEnv(t *testing.T) {
	t.Setenv("HTTP_ADDR", ":9090")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("LOG_FORMAT", "text")
	t.Setenv("SHUTDOWN_TIMEOUT", "30s")
	t.Setenv("STORE_BACKEND", "memory")
	t.Setenv("REDIS_DB", "2")
	t.Setenv("REDIS_TLS", "true")
	t.Setenv("STORE_READ_TIMEOUT", "250ms")
	t.Setenv("APPLY_CHUNK_SIZE", "100")
	t.Setenv("BACKUP_BUCKET", "wx-backups")
	t.Setenv("KAFKA_BROKERS", "broker1:9092, broker2:9092")
	t.Setenv("KAFKA_GROUP_ID", "custom-group")
	t.Setenv("SCHEDULER_ENABLED", "false")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.HTTPAddr)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "text", cfg.LogFormat)
	assert.Equal(t, 30*time.Second, cfg.ShutdownTimeout)
	assert.Equal(t, BackendMemory, cfg.StoreBackend)
	assert.Equal(t, 2, cfg.RedisDB)
	assert.True(t, cfg.RedisTLS)
	assert.Equal(t, 250*time.Millisecond, cfg.StoreReadTimeout)
	assert.Equal(t, 100, cfg.ApplyChunkSize)
	assert.True(t, cfg.BackupEnabled())
	assert.Equal(t, []string{"broker1:9092", "broker2:9092"}, cfg.KafkaBrokers)
	assert.True(t, cfg.KafkaEnabled())
	assert.Equal(t, "custom-group", cfg.KafkaGroupID)
	assert.False(t, cfg.SchedulerEnabled)
}

func TestLoad_InvalidValues(t *testing.T) {
	tests := map[string]string{
		"SHUTDOWN_TIMEOUT":   "not-a-duration",
		"STORE_READ_TIMEOUT": "-1s",
		"APPLY_CHUNK_SIZE":   "0",
		"RECENT_LIMIT":       "lots",
		"REDIS_DB":           "99",
		"REDIS_TLS":          "sometimes",
		"STORE_BACKEND":      "postgres",
	}
	for key, value := range tests {
		t.Run(key, func(t *testing.T) {
			t.Setenv(key, value)
			_, err := Load()
			require.Error(t, err)
			assert.Contains(t, err.Error(), key)
		})
	}
}

func writeFeedsFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "feeds.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_FeedsFileOverrides(t *testing.T) {
	t.Setenv("FEEDS_FILE", writeFeedsFile(t, `
[feeds.metars]
source_url = "http://mirror.local/metars.cache.csv.gz"
ttl = "5m"

[feeds.station]
update_interval = "12h"
`))

	cfg, err := Load()
	require.NoError(t, err)

	obs := cfg.Feeds[domain.KindObservation]
	assert.Equal(t, "http://mirror.local/metars.cache.csv.gz", obs.SourceURL)
	assert.Equal(t, 5*time.Minute, obs.TTL)
	assert.Equal(t, time.Minute, obs.UpdateInterval)
	assert.Equal(t, 12*time.Hour, cfg.Feeds[domain.KindStation].UpdateInterval)
	assert.Equal(t, domain.DefaultFeeds()[domain.KindForecast], cfg.Feeds[domain.KindForecast])
}

func TestLoad_FeedsFileRejectsTTLBelowInterval(t *testing.T) {
	t.Setenv("FEEDS_FILE", writeFeedsFile(t, `
[feeds.taf]
ttl = "5m"
`))
	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "FEEDS_FILE")
	assert.Contains(t, err.Error(), "must exceed")
}

func TestLoad_FeedsFileUnknownKind(t *testing.T) {
	t.Setenv("FEEDS_FILE", writeFeedsFile(t, `
[feeds.volcano]
ttl = "5m"
`))
	_, err := Load()
	require.ErrorIs(t, err, domain.ErrUnknownKind)
}

func TestLoad_FeedsFileMissing(t *testing.T) {
	t.Setenv("FEEDS_FILE", filepath.Join(t.TempDir(), "absent.toml"))
	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "FEEDS_FILE")
}
