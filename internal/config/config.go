// Package config loads configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"github.com/torevar615/URL-UploadV1/internal/delivery"
)

// Config holds all server configuration.
type Config struct {
	// Server
	ListenAddr  string
	MetricsAddr string
	APIToken    string // optional bearer token for /api/*

	// Logging
	LogLevel      string
	LogFormat     string
	LogFile       string
	LogMaxSizeMB  int
	LogMaxBackups int

	// Database (optional; empty disables record keeping)
	DatabaseURL string

	// Primary transport (Bot API)
	BotToken          string
	BotAPIEndpoint    string
	BotPolling        bool
	PrimaryMaxSize    int64
	PrimaryRatePerSec float64

	// Secondary transport (MTProto)
	TelegramAPIID       int
	TelegramAPIHash     string
	MTProtoSessionFile  string
	RateLimitMaxRetries int

	// Pipeline
	ScratchParent      string
	ChunkSize          int64
	HardMaxFileSize    int64
	DefaultMaxFileSize int64
	DownloadTimeout    time.Duration
	DownloadBufferSize int
	UserAgent          string
	MaxConcurrent      int

	// S3 fetch source (s3://bucket/key URLs)
	S3SourceEnabled bool
	S3Endpoint      string
	S3Region        string
	S3AccessKey     string
	S3SecretKey     string
}

// Load reads configuration from environment variables with defaults.
// A .env file in the working directory is loaded first if present.
func Load() (*Config, error) {
	_ = godotenv.Load() // ignore error if .env not found

	scratchParent := envOr("SCRATCH_PARENT", os.TempDir())

	cfg := &Config{
		ListenAddr:          envOr("LISTEN_ADDR", ":8080"),
		MetricsAddr:         envOr("METRICS_ADDR", ":9090"),
		APIToken:            envOr("API_TOKEN", ""),
		LogLevel:            envOr("LOG_LEVEL", "info"),
		LogFormat:           envOr("LOG_FORMAT", "json"),
		LogFile:             envOr("LOG_FILE", ""),
		LogMaxSizeMB:        envInt("LOG_MAX_SIZE_MB", 10),
		LogMaxBackups:       envInt("LOG_MAX_BACKUPS", 3),
		DatabaseURL:         envOr("DATABASE_URL", ""),
		BotToken:            envOr("BOT_TOKEN", ""),
		BotAPIEndpoint:      envOr("BOT_API_ENDPOINT", "https://api.telegram.org/bot%s/%s"),
		BotPolling:          envBool("BOT_POLLING", true),
		PrimaryMaxSize:      envInt64("PRIMARY_MAX_FILE_SIZE", delivery.PrimaryMaxFileSize),
		PrimaryRatePerSec:   envFloat("PRIMARY_REQUESTS_PER_SECOND", 30),
		TelegramAPIID:       envInt("TELEGRAM_API_ID", 0),
		TelegramAPIHash:     envOr("TELEGRAM_API_HASH", ""),
		MTProtoSessionFile:  envOr("MTPROTO_SESSION_FILE", filepath.Join(scratchParent, "urlupload-session.json")),
		RateLimitMaxRetries: envInt("RATE_LIMIT_MAX_RETRIES", 5),
		ScratchParent:       scratchParent,
		ChunkSize:           envInt64("CHUNK_SIZE", delivery.DefaultChunkSize),
		HardMaxFileSize:     envInt64("HARD_MAX_FILE_SIZE", delivery.HardMaxFileSize),
		DefaultMaxFileSize:  envInt64("MAX_FILE_SIZE", delivery.HardMaxFileSize),
		DownloadTimeout:     envDuration("DOWNLOAD_TIMEOUT", 300*time.Second),
		DownloadBufferSize:  envInt("DOWNLOAD_BUFFER_SIZE", 64*1024),
		UserAgent:           envOr("USER_AGENT", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36"),
		MaxConcurrent:       envInt("MAX_CONCURRENT_DELIVERIES", 8),
		S3SourceEnabled:     envBool("S3_SOURCE_ENABLED", false),
		S3Endpoint:          envOr("S3_ENDPOINT", ""),
		S3Region:            envOr("S3_REGION", "us-east-1"),
		S3AccessKey:         envOr("S3_ACCESS_KEY", ""),
		S3SecretKey:         envOr("S3_SECRET_KEY", ""),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks required fields and the relationships between limits.
func (c *Config) Validate() error {
	if c.BotToken == "" {
		return fmt.Errorf("BOT_TOKEN is required")
	}
	if c.PrimaryMaxSize <= 0 {
		return fmt.Errorf("PRIMARY_MAX_FILE_SIZE must be positive")
	}
	if c.ChunkSize <= 0 || c.ChunkSize > c.PrimaryMaxSize {
		return fmt.Errorf("CHUNK_SIZE (%d) must be in (0, PRIMARY_MAX_FILE_SIZE=%d]", c.ChunkSize, c.PrimaryMaxSize)
	}
	if c.PrimaryMaxSize > c.HardMaxFileSize {
		return fmt.Errorf("PRIMARY_MAX_FILE_SIZE (%d) exceeds HARD_MAX_FILE_SIZE (%d)", c.PrimaryMaxSize, c.HardMaxFileSize)
	}
	if c.DefaultMaxFileSize <= 0 || c.DefaultMaxFileSize > c.HardMaxFileSize {
		c.DefaultMaxFileSize = c.HardMaxFileSize
	}
	if c.DownloadBufferSize <= 0 {
		return fmt.Errorf("DOWNLOAD_BUFFER_SIZE must be positive")
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 1
	}
	if c.RateLimitMaxRetries < 0 {
		c.RateLimitMaxRetries = 0
	}
	return nil
}

// SecondaryConfigured reports whether MTProto credentials are present.
func (c *Config) SecondaryConfigured() bool {
	return c.TelegramAPIID != 0 && c.TelegramAPIHash != ""
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return i
}

func envInt64(key string, fallback int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fallback
	}
	return i
}

func envFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}

// envDuration accepts Go durations ("90s") or bare seconds ("300").
func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	return fallback
}
