package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/couchcryptid/wx-cache-service/internal/domain"
	"github.com/joho/godotenv"
)

// Store backends.
const (
	BackendRedis  = "redis"
	BackendMemory = "memory"
)

// Config holds all service settings, populated from environment variables.
type Config struct {
	HTTPAddr        string
	LogLevel        string
	LogFormat       string
	ShutdownTimeout time.Duration

	// Store.
	StoreBackend      string
	RedisAddr         string
	RedisPassword     string
	RedisDB           int
	RedisTLS          bool
	StoreReadTimeout  time.Duration
	StoreWriteTimeout time.Duration
	ApplyChunkSize    int
	RecentLimit       int

	// Upstream source.
	DownloadTimeout time.Duration
	DownloadRetries int
	FallbackBaseURL string
	FallbackTimeout time.Duration

	// Raw payload backup. Disabled when BackupBucket is empty.
	BackupBucket   string
	BackupPrefix   string
	BackupEndpoint string
	AWSRegion      string
	BackupTimeout  time.Duration

	// Triggers. Kafka is disabled when KafkaBrokers is empty.
	SchedulerEnabled  bool
	KafkaBrokers      []string
	KafkaTriggerTopic string
	KafkaSummaryTopic string
	KafkaGroupID      string

	Feeds map[domain.Kind]domain.Feed
}

// Load reads configuration from environment variables, applying defaults where
// unset. A .env file in the working directory is loaded first if present.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	p := &parser{}
	cfg := &Config{
		HTTPAddr:        envOrDefault("HTTP_ADDR", ":8080"),
		LogLevel:        envOrDefault("LOG_LEVEL", "info"),
		LogFormat:       envOrDefault("LOG_FORMAT", "json"),
		ShutdownTimeout: p.duration("SHUTDOWN_TIMEOUT", 10*time.Second),

		StoreBackend:      strings.ToLower(envOrDefault("STORE_BACKEND", BackendRedis)),
		RedisAddr:         envOrDefault("REDIS_ADDR", "localhost:6379"),
		RedisPassword:     os.Getenv("REDIS_PASSWORD"),
		RedisDB:           p.integer("REDIS_DB", 0, 0, 15),
		RedisTLS:          p.boolean("REDIS_TLS", false),
		StoreReadTimeout:  p.duration("STORE_READ_TIMEOUT", 150*time.Millisecond),
		StoreWriteTimeout: p.duration("STORE_WRITE_TIMEOUT", 2*time.Second),
		ApplyChunkSize:    p.integer("APPLY_CHUNK_SIZE", 500, 1, 10000),
		RecentLimit:       p.integer("RECENT_LIMIT", 1000, 1, 1000000),

		DownloadTimeout: p.duration("DOWNLOAD_TIMEOUT", 30*time.Second),
		DownloadRetries: p.integer("DOWNLOAD_RETRIES", 3, 0, 10),
		FallbackBaseURL: envOrDefault("FALLBACK_BASE_URL", "https://aviationweather.gov/api/data"),
		FallbackTimeout: p.duration("FALLBACK_TIMEOUT", 5*time.Second),

		BackupBucket:   os.Getenv("BACKUP_BUCKET"),
		BackupPrefix:   envOrDefault("BACKUP_PREFIX", "cache-files"),
		BackupEndpoint: os.Getenv("BACKUP_ENDPOINT"),
		AWSRegion:      envOrDefault("AWS_REGION", "us-east-1"),
		BackupTimeout:  p.duration("BACKUP_TIMEOUT", 10*time.Second),

		SchedulerEnabled:  p.boolean("SCHEDULER_ENABLED", true),
		KafkaBrokers:      parseBrokers(os.Getenv("KAFKA_BROKERS")),
		KafkaTriggerTopic: envOrDefault("KAFKA_TRIGGER_TOPIC", "wx-ingest-triggers"),
		KafkaSummaryTopic: envOrDefault("KAFKA_SUMMARY_TOPIC", "wx-ingest-summaries"),
		KafkaGroupID:      envOrDefault("KAFKA_GROUP_ID", "wx-cache"),
	}
	if p.err != nil {
		return nil, p.err
	}

	feeds, err := loadFeeds(os.Getenv("FEEDS_FILE"))
	if err != nil {
		return nil, err
	}
	cfg.Feeds = feeds

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.StoreBackend {
	case BackendRedis:
		if c.RedisAddr == "" {
			return errors.New("REDIS_ADDR is required")
		}
	case BackendMemory:
	default:
		return fmt.Errorf("invalid STORE_BACKEND %q: want redis or memory", c.StoreBackend)
	}
	if c.FallbackBaseURL == "" {
		return errors.New("FALLBACK_BASE_URL is required")
	}
	if len(c.KafkaBrokers) > 0 && c.KafkaTriggerTopic == "" {
		return errors.New("KAFKA_TRIGGER_TOPIC is required when KAFKA_BROKERS is set")
	}
	return nil
}

// KafkaEnabled reports whether the event trigger and summary topics are in use.
func (c *Config) KafkaEnabled() bool {
	return len(c.KafkaBrokers) > 0
}

// BackupEnabled reports whether raw payloads are copied to object storage.
func (c *Config) BackupEnabled() bool {
	return c.BackupBucket != ""
}

// feedsFile is the TOML shape of FEEDS_FILE:
//
//	[feeds.observation]
//	source_url = "https://mirror.example/metars.cache.csv.gz"
//	update_interval = "1m"
//	ttl = "3m"
type feedsFile struct {
	Feeds map[string]feedEntry `toml:"feeds"`
}

type feedEntry struct {
	SourceURL      string `toml:"source_url"`
	UpdateInterval string `toml:"update_interval"`
	TTL            string `toml:"ttl"`
}

// loadFeeds starts from the default feeds and applies any overrides from path.
// Every resulting feed must keep its TTL above its update interval.
func loadFeeds(path string) (map[domain.Kind]domain.Feed, error) {
	feeds := domain.DefaultFeeds()
	if path != "" {
		var file feedsFile
		if _, err := toml.DecodeFile(path, &file); err != nil {
			return nil, fmt.Errorf("invalid FEEDS_FILE: %w", err)
		}
		for name, entry := range file.Feeds {
			kind, err := domain.ParseKind(name)
			if err != nil {
				return nil, fmt.Errorf("invalid FEEDS_FILE: %w", err)
			}
			feed := feeds[kind]
			if entry.SourceURL != "" {
				feed.SourceURL = entry.SourceURL
			}
			if entry.UpdateInterval != "" {
				if feed.UpdateInterval, err = time.ParseDuration(entry.UpdateInterval); err != nil {
					return nil, fmt.Errorf("invalid FEEDS_FILE: feeds.%s.update_interval: %w", name, err)
				}
			}
			if entry.TTL != "" {
				if feed.TTL, err = time.ParseDuration(entry.TTL); err != nil {
					return nil, fmt.Errorf("invalid FEEDS_FILE: feeds.%s.ttl: %w", name, err)
				}
			}
			feeds[kind] = feed
		}
	}
	for _, feed := range feeds {
		if err := feed.Validate(); err != nil {
			return nil, fmt.Errorf("invalid FEEDS_FILE: %w", err)
		}
	}
	return feeds, nil
}

// parser collects the first invalid variable so Load can read every setting
// in one pass.
type parser struct {
	err error
}

func (p *parser) fail(err error) {
	if p.err == nil {
		p.err = err
	}
}

func (p *parser) duration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		p.fail(fmt.Errorf("invalid %s %q: must be a positive duration", key, v))
		return def
	}
	return d
}

func (p *parser) integer(key string, def, lo, hi int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < lo || n > hi {
		p.fail(fmt.Errorf("invalid %s %q: must be an integer in [%d, %d]", key, v, lo, hi))
		return def
	}
	return n
}

func (p *parser) boolean(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		p.fail(fmt.Errorf("invalid %s %q: must be true or false", key, v))
		return def
	}
	return b
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func parseBrokers(s string) []string {
	var out []string
	for _, b := range strings.Split(s, ",") {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	return out
}
