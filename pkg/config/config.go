// Package config loads server configuration from environment variables and
// the signing key file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hamgam/exportd/pkg/signing"
)

// Config holds server configuration.
type Config struct {
	Port          string
	LogLevel      string
	WorkspaceRoot string

	// RedisAddr empty selects the in-memory job store.
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	KeyFile string

	// SourceFile is the CSV the reference exporter reads rows from.
	SourceFile string

	Workers     int
	QueueDepth  int
	DownloadTTL time.Duration

	RateLimitRPS   int
	RateLimitBurst int

	MetricsEnabled bool
	OTLPEndpoint   string
}

// Load reads configuration from environment variables.
func Load() *Config {
	cfg := &Config{
		Port:           envOr("PORT", "8080"),
		LogLevel:       envOr("LOG_LEVEL", "INFO"),
		WorkspaceRoot:  envOr("EXPORT_WORKSPACE", "./workspace"),
		RedisAddr:      os.Getenv("REDIS_ADDR"),
		RedisPassword:  os.Getenv("REDIS_PASSWORD"),
		RedisDB:        envInt("REDIS_DB", 0),
		KeyFile:        envOr("SIGNING_KEY_FILE", "./signing_keys.yaml"),
		SourceFile:     envOr("EXPORT_SOURCE_FILE", "./students.csv"),
		Workers:        envInt("EXPORT_WORKERS", 4),
		QueueDepth:     envInt("EXPORT_QUEUE_DEPTH", 64),
		DownloadTTL:    envDuration("DOWNLOAD_TOKEN_TTL", 15*time.Minute),
		RateLimitRPS:   envInt("RATE_LIMIT_RPS", 20),
		RateLimitBurst: envInt("RATE_LIMIT_BURST", 40),
		OTLPEndpoint:   envOr("OTLP_ENDPOINT", "localhost:4317"),
	}
	cfg.MetricsEnabled = os.Getenv("METRICS_ENABLED") == "true"
	return cfg
}

// keyFile is the YAML document holding the ring.
type keyFile struct {
	Keys []signing.Key `yaml:"keys"`
}

// LoadKeys parses the signing key file. Ring invariants (one active key,
// secret length) are enforced by signing.NewKeyRing.
func LoadKeys(path string) ([]signing.Key, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read key file: %w", err)
	}
	var kf keyFile
	if err := yaml.Unmarshal(data, &kf); err != nil {
		return nil, fmt.Errorf("parse key file: %w", err)
	}
	return kf.Keys, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
