package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/text/language"

	"github.com/MimeLyc/slide-translator/pkg/icron"
	"github.com/MimeLyc/slide-translator/pkg/log"
)

// Config holds all application configuration, read from environment
// variables with sensible defaults.
//
// Environment Variables:
// Provider:
// - LLM_PROVIDER: openai or echo (default: openai)
// - LLM_API_KEY: API key for the provider (required for openai)
// - LLM_API_URL: OpenAI-compatible endpoint (default: https://api.openai.com/v1)
// - LLM_MODEL: default model (default: gpt-4o-mini)
// - LLM_TEMPERATURE: sampling temperature (default: 0.3)
// - LLM_TIMEOUT: per-request timeout in seconds (default: 60)
// - LLM_REQUESTS_PER_SECOND: client-side rate limit, 0 disables (default: 0)
// - LLM_BURST: rate limiter burst (default: 1)
// - LLM_BREAKER_THRESHOLD: consecutive failures that open the breaker (default: 5)
// - LLM_BREAKER_TIMEOUT: seconds the breaker stays open (default: 30)
//
// Cache:
// - CACHE_MAX_SIZE (default: 1000)
// - CACHE_TTL: Go duration (default: 24h)
//
// Translation:
// - TRANSLATE_CONCURRENCY (default: 5)
// - TRANSLATE_BATCH_SIZE (default: 10)
// - TRANSLATE_MAX_RETRIES (default: 3)
// - TARGET_LANGUAGE: default target for submissions (default: zh)
//
// Worker:
// - WORKER_POLL_INTERVAL: Go duration (default: 5s)
// - WORKER_STALL_THRESHOLD: Go duration (default: 30m)
// - WORKER_SWEEP_CRON: stall sweep schedule (default: @every 1m)
//
// Store:
// - STORE_DRIVER: sqlite, postgres or memory (default: sqlite)
// - DATA_DIR: directory of the sqlite database (default: /app/data)
// - POSTGRES_DSN: required for postgres
//
// Extraction:
// - EXTRACT_COMMAND: external extractor for non-JSON files (optional)
// - EXTRACT_ARGS: extra arguments placed before the file path
// - EXTRACT_TIMEOUT: Go duration (default: 2m)
// - OUTPUT_DIR: default output directory, empty writes next to the input
//
// Server:
// - HTTP_ADDR: listen address of the HTTP API (default: :8080)
//
// Logging:
// - LOG_LEVEL (default: INFO)
// - LOG_FORMAT: console or json (default: console)
type Config struct {
	Provider  ProviderConfig  `json:"provider"`
	Cache     CacheConfig     `json:"cache"`
	Translate TranslateConfig `json:"translate"`
	Worker    WorkerConfig    `json:"worker"`
	Store     StoreConfig     `json:"store"`
	Extract   ExtractConfig   `json:"extract"`
	Server    ServerConfig    `json:"server"`
	Log       LogConfig       `json:"log"`
}

const (
	ProviderOpenAI = "openai"
	ProviderEcho   = "echo"

	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"
	StoreMemory   = "memory"
)

type ProviderConfig struct {
	Kind              string        `json:"kind"`
	APIKey            string        `json:"-"`
	APIURL            string        `json:"api_url"`
	Model             string        `json:"model"`
	Temperature       float64       `json:"temperature"`
	Timeout           time.Duration `json:"timeout"`
	RequestsPerSecond float64       `json:"requests_per_second"`
	Burst             int           `json:"burst"`
	BreakerThreshold  int           `json:"breaker_threshold"`
	BreakerTimeout    time.Duration `json:"breaker_timeout"`
}

type CacheConfig struct {
	MaxSize int           `json:"max_size"`
	TTL     time.Duration `json:"ttl"`
}

type TranslateConfig struct {
	Concurrency    int          `json:"concurrency"`
	BatchSize      int          `json:"batch_size"`
	MaxRetries     int          `json:"max_retries"`
	TargetLanguage language.Tag `json:"target_language"`
}

type WorkerConfig struct {
	PollInterval   time.Duration `json:"poll_interval"`
	StallThreshold time.Duration `json:"stall_threshold"`
	SweepCron      string        `json:"sweep_cron"`
}

type StoreConfig struct {
	Driver      string `json:"driver"`
	DataDir     string `json:"data_dir"`
	PostgresDSN string `json:"-"`
}

// DBPath is the sqlite database location.
func (c StoreConfig) DBPath() string {
	return filepath.Join(c.DataDir, "slides.db")
}

type ExtractConfig struct {
	Command   string        `json:"command"`
	Args      []string      `json:"args"`
	Timeout   time.Duration `json:"timeout"`
	OutputDir string        `json:"output_dir"`
}

type ServerConfig struct {
	Addr string `json:"addr"`
}

type LogConfig struct {
	Level log.LogLevel `json:"level"`
	JSON  bool         `json:"json"`
}

// Option is a function type for configuring Config
type Option func(*Config)

// LoadDotEnv loads .env style files into the process environment. Missing
// files are skipped and variables already set win.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, path := range paths {
		if _, err := os.Stat(path); err != nil {
			continue
		}
		if err := godotenv.Load(path); err != nil {
			return fmt.Errorf("load %s: %w", path, err)
		}
	}
	return nil
}

// NewFromEnv creates a new Config instance with values from environment variables and options
func NewFromEnv(opts ...Option) (*Config, error) {
	config := &Config{
		Provider: ProviderConfig{
			Kind:              strings.ToLower(getEnvString("LLM_PROVIDER", ProviderOpenAI)),
			APIKey:            getEnvString("LLM_API_KEY", ""),
			APIURL:            getEnvString("LLM_API_URL", "https://api.openai.com/v1"),
			Model:             getEnvString("LLM_MODEL", "gpt-4o-mini"),
			Temperature:       getEnvFloat("LLM_TEMPERATURE", 0.3),
			Timeout:           time.Duration(getEnvInt("LLM_TIMEOUT", 60)) * time.Second,
			RequestsPerSecond: getEnvFloat("LLM_REQUESTS_PER_SECOND", 0),
			Burst:             getEnvInt("LLM_BURST", 1),
			BreakerThreshold:  getEnvInt("LLM_BREAKER_THRESHOLD", 5),
			BreakerTimeout:    time.Duration(getEnvInt("LLM_BREAKER_TIMEOUT", 30)) * time.Second,
		},
		Cache: CacheConfig{
			MaxSize: getEnvInt("CACHE_MAX_SIZE", 1000),
			TTL:     getEnvDuration("CACHE_TTL", 24*time.Hour),
		},
		Translate: TranslateConfig{
			Concurrency:    getEnvInt("TRANSLATE_CONCURRENCY", 5),
			BatchSize:      getEnvInt("TRANSLATE_BATCH_SIZE", 10),
			MaxRetries:     getEnvInt("TRANSLATE_MAX_RETRIES", 3),
			TargetLanguage: getEnvLanguage("TARGET_LANGUAGE", language.Chinese),
		},
		Worker: WorkerConfig{
			PollInterval:   getEnvDuration("WORKER_POLL_INTERVAL", 5*time.Second),
			StallThreshold: getEnvDuration("WORKER_STALL_THRESHOLD", 30*time.Minute),
			SweepCron:      getEnvString("WORKER_SWEEP_CRON", "@every 1m"),
		},
		Store: StoreConfig{
			Driver:      strings.ToLower(getEnvString("STORE_DRIVER", StoreSQLite)),
			DataDir:     getEnvString("DATA_DIR", "/app/data"),
			PostgresDSN: getEnvString("POSTGRES_DSN", ""),
		},
		Extract: ExtractConfig{
			Command:   getEnvString("EXTRACT_COMMAND", ""),
			Args:      strings.Fields(getEnvString("EXTRACT_ARGS", "")),
			Timeout:   getEnvDuration("EXTRACT_TIMEOUT", 2*time.Minute),
			OutputDir: getEnvString("OUTPUT_DIR", ""),
		},
		Server: ServerConfig{
			Addr: getEnvString("HTTP_ADDR", ":8080"),
		},
		Log: LogConfig{
			Level: log.ParseLevel(getEnvString("LOG_LEVEL", "INFO")),
			JSON:  strings.EqualFold(getEnvString("LOG_FORMAT", "console"), "json"),
		},
	}

	// Apply custom options
	for _, opt := range opts {
		opt(config)
	}

	log.Debug("Config: provider=%s model=%s store=%s worker=%+v translate=%+v",
		config.Provider.Kind, config.Provider.Model, config.Store.Driver, config.Worker, config.Translate)

	if err := config.validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// validate checks if all required configuration is properly set
func (c *Config) validate() error {
	switch c.Provider.Kind {
	case ProviderOpenAI:
		if c.Provider.APIKey == "" {
			return fmt.Errorf("LLM_API_KEY is required")
		}
	case ProviderEcho:
	default:
		return fmt.Errorf("unsupported LLM_PROVIDER %q", c.Provider.Kind)
	}

	switch c.Store.Driver {
	case StoreSQLite:
		if c.Store.DataDir == "" {
			return fmt.Errorf("DATA_DIR is required for the sqlite store")
		}
	case StorePostgres:
		if c.Store.PostgresDSN == "" {
			return fmt.Errorf("POSTGRES_DSN is required for the postgres store")
		}
	case StoreMemory:
	default:
		return fmt.Errorf("unsupported STORE_DRIVER %q", c.Store.Driver)
	}

	if c.Cache.MaxSize <= 0 {
		return fmt.Errorf("CACHE_MAX_SIZE must be positive")
	}
	if c.Cache.TTL <= 0 {
		return fmt.Errorf("CACHE_TTL must be positive")
	}
	if c.Translate.Concurrency <= 0 {
		return fmt.Errorf("TRANSLATE_CONCURRENCY must be positive")
	}
	if c.Worker.PollInterval <= 0 {
		return fmt.Errorf("WORKER_POLL_INTERVAL must be positive")
	}
	if _, err := icron.Parse(c.Worker.SweepCron); err != nil {
		return fmt.Errorf("invalid WORKER_SWEEP_CRON: %w", err)
	}
	return nil
}

// getEnvString gets a string value from environment variables with default
func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt gets an integer value from environment variables with default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getEnvFloat gets a float value from environment variables with default
func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvLanguage(key string, defaultValue language.Tag) language.Tag {
	if value := os.Getenv(key); value != "" {
		if tag, err := language.Parse(value); err == nil {
			return tag
		}
	}
	return defaultValue
}
