package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/text/language"

	"github.com/MimeLyc/slide-translator/pkg/log"
)

func TestNewFromEnv_Defaults(t *testing.T) {
	t.Setenv("LLM_API_KEY", "test-key")
	t.Setenv("DATA_DIR", "")

	cfg, err := NewFromEnv()
	require.NoError(t, err)

	assert.Equal(t, ProviderOpenAI, cfg.Provider.Kind)
	assert.Equal(t, "gpt-4o-mini", cfg.Provider.Model)
	assert.Equal(t, 60*time.Second, cfg.Provider.Timeout)
	assert.Equal(t, 1000, cfg.Cache.MaxSize)
	assert.Equal(t, 24*time.Hour, cfg.Cache.TTL)
	assert.Equal(t, 5, cfg.Translate.Concurrency)
	assert.Equal(t, 10, cfg.Translate.BatchSize)
	assert.Equal(t, 3, cfg.Translate.MaxRetries)
	assert.Equal(t, language.Chinese, cfg.Translate.TargetLanguage)
	assert.Equal(t, 5*time.Second, cfg.Worker.PollInterval)
	assert.Equal(t, 30*time.Minute, cfg.Worker.StallThreshold)
	assert.Equal(t, "@every 1m", cfg.Worker.SweepCron)
	assert.Equal(t, StoreSQLite, cfg.Store.Driver)
	assert.Equal(t, filepath.Join("/app/data", "slides.db"), cfg.Store.DBPath())
	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, log.LevelInfo, cfg.Log.Level)
	assert.False(t, cfg.Log.JSON)
}

func TestNewFromEnv_Overrides(t *testing.T) {
	t.Setenv("LLM_PROVIDER", "ECHO")
	t.Setenv("LLM_TIMEOUT", "15")
	t.Setenv("LLM_REQUESTS_PER_SECOND", "2.5")
	t.Setenv("CACHE_TTL", "90m")
	t.Setenv("TRANSLATE_CONCURRENCY", "12")
	t.Setenv("TARGET_LANGUAGE", "pt-BR")
	t.Setenv("WORKER_POLL_INTERVAL", "250ms")
	t.Setenv("WORKER_SWEEP_CRON", "*/2 * * * *")
	t.Setenv("STORE_DRIVER", "memory")
	t.Setenv("EXTRACT_COMMAND", "slide-text")
	t.Setenv("EXTRACT_ARGS", "--json  --notes")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("LOG_FORMAT", "JSON")
	t.Setenv("HTTP_ADDR", "127.0.0.1:9000")

	cfg, err := NewFromEnv()
	require.NoError(t, err)

	assert.Equal(t, ProviderEcho, cfg.Provider.Kind)
	assert.Equal(t, 15*time.Second, cfg.Provider.Timeout)
	assert.InDelta(t, 2.5, cfg.Provider.RequestsPerSecond, 1e-9)
	assert.Equal(t, 90*time.Minute, cfg.Cache.TTL)
	assert.Equal(t, 12, cfg.Translate.Concurrency)
	assert.Equal(t, "pt-BR", cfg.Translate.TargetLanguage.String())
	assert.Equal(t, 250*time.Millisecond, cfg.Worker.PollInterval)
	assert.Equal(t, StoreMemory, cfg.Store.Driver)
	assert.Equal(t, []string{"--json", "--notes"}, cfg.Extract.Args)
	assert.Equal(t, "127.0.0.1:9000", cfg.Server.Addr)
	assert.Equal(t, log.LevelDebug, cfg.Log.Level)
	assert.True(t, cfg.Log.JSON)
}

func TestNewFromEnv_InvalidValuesFallBack(t *testing.T) {
	t.Setenv("LLM_PROVIDER", "echo")
	t.Setenv("TRANSLATE_BATCH_SIZE", "many")
	t.Setenv("CACHE_TTL", "forever")

	cfg, err := NewFromEnv()
	require.NoError(t, err)
	assert.Equal(t, 10, cfg.Translate.BatchSize)
	assert.Equal(t, 24*time.Hour, cfg.Cache.TTL)
}

func TestNewFromEnv_Validation(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		want string
	}{
		{name: "missing api key", env: map[string]string{"LLM_API_KEY": ""}, want: "LLM_API_KEY is required"},
		{name: "unknown provider", env: map[string]string{"LLM_PROVIDER": "carrier-pigeon"}, want: "unsupported LLM_PROVIDER"},
		{name: "postgres without dsn", env: map[string]string{"LLM_PROVIDER": "echo", "STORE_DRIVER": "postgres"}, want: "POSTGRES_DSN is required"},
		{name: "unknown store", env: map[string]string{"LLM_PROVIDER": "echo", "STORE_DRIVER": "mysql"}, want: "unsupported STORE_DRIVER"},
		{name: "bad sweep cron", env: map[string]string{"LLM_PROVIDER": "echo", "WORKER_SWEEP_CRON": "whenever"}, want: "invalid WORKER_SWEEP_CRON"},
		{name: "zero concurrency", env: map[string]string{"LLM_PROVIDER": "echo", "TRANSLATE_CONCURRENCY": "0"}, want: "TRANSLATE_CONCURRENCY"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("LLM_API_KEY", "")
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := NewFromEnv()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestNewFromEnv_OptionsApplyBeforeValidation(t *testing.T) {
	t.Setenv("LLM_API_KEY", "")
	cfg, err := NewFromEnv(func(c *Config) { c.Provider.Kind = ProviderEcho })
	require.NoError(t, err)
	assert.Equal(t, ProviderEcho, cfg.Provider.Kind)
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	envPath := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(envPath, []byte("SLIDES_TEST_FROM_FILE=file\nSLIDES_TEST_PRESET=file\n"), 0o600))

	t.Setenv("SLIDES_TEST_PRESET", "env")
	t.Cleanup(func() { _ = os.Unsetenv("SLIDES_TEST_FROM_FILE") })

	require.NoError(t, LoadDotEnv(filepath.Join(dir, "missing.env"), envPath))
	assert.Equal(t, "file", os.Getenv("SLIDES_TEST_FROM_FILE"))
	assert.Equal(t, "env", os.Getenv("SLIDES_TEST_PRESET"))
}
