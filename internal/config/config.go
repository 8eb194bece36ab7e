package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL string

	// Server
	ServerPort string
	Env        string
	LogLevel   string

	// Trigger auth
	IngestSecret string

	// Scheduler
	IngestCron   string
	SyncInterval time.Duration

	// Batch
	MaxAppsPerRun     int
	WorkerConcurrency int
	RunTimeout        time.Duration

	// Fetch
	MaxPagesPerSource int
	FetchTimeout      time.Duration
	PageDelay         time.Duration
	SourceDelay       time.Duration
	FeedFormat        string

	// Workspace rate limit
	RateLimitMax      int
	RateLimitWindow   time.Duration
	RateLimitDisabled bool

	// API rate limit
	APIRateLimitRPS   int
	APIRateLimitBurst int

	// CORS
	CORSAllowedOrigin string
}

// フィード形式の指定値。iTunes RSSはJSONとAtom(XML)の両形式を提供する。
const (
	FeedFormatJSON = "json"
	FeedFormatAtom = "atom"
)

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合はエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}

	// Required fields
	var missing []string

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	// Optional fields with defaults
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.Env = getEnvString("ENV", "development")
	cfg.LogLevel = getEnvString("LOG_LEVEL", "info")
	cfg.IngestSecret = getEnvString("INGEST_SECRET", "")
	cfg.IngestCron = getEnvString("INGEST_CRON", "")
	cfg.SyncInterval = getEnvDuration("SYNC_INTERVAL", 6*time.Hour)
	cfg.MaxAppsPerRun = getEnvInt("MAX_APPS_PER_RUN", 10)
	cfg.WorkerConcurrency = getEnvInt("WORKER_CONCURRENCY", 3)
	cfg.RunTimeout = getEnvDuration("RUN_TIMEOUT", 5*time.Minute)
	cfg.MaxPagesPerSource = getEnvInt("MAX_PAGES_PER_SOURCE", 10)
	cfg.FetchTimeout = getEnvDuration("FETCH_TIMEOUT", 15*time.Second)
	cfg.PageDelay = getEnvDuration("PAGE_DELAY", 1*time.Second)
	cfg.SourceDelay = getEnvDuration("SOURCE_DELAY", 3*time.Second)
	cfg.FeedFormat = getEnvString("FEED_FORMAT", FeedFormatJSON)
	cfg.RateLimitMax = getEnvInt("RATE_LIMIT_MAX", 10)
	cfg.RateLimitWindow = getEnvDuration("RATE_LIMIT_WINDOW", 60*time.Second)
	cfg.RateLimitDisabled = getEnvBool("RATE_LIMIT_DISABLED", false)
	cfg.APIRateLimitRPS = getEnvInt("API_RATE_LIMIT_RPS", 5)
	cfg.APIRateLimitBurst = getEnvInt("API_RATE_LIMIT_BURST", 10)
	cfg.CORSAllowedOrigin = getEnvString("CORS_ALLOWED_ORIGIN", "http://localhost:3000")

	if cfg.FeedFormat != FeedFormatJSON && cfg.FeedFormat != FeedFormatAtom {
		return nil, fmt.Errorf("FEED_FORMAT must be %q or %q, got %q", FeedFormatJSON, FeedFormatAtom, cfg.FeedFormat)
	}

	return cfg, nil
}

// IsProduction は本番環境かどうかを返す。
// シークレット未設定時のトリガー許可判定に使う。
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
