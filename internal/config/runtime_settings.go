package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/text/language"

	"github.com/MimeLyc/slide-translator/pkg/icron"
)

const DefaultRuntimeSettingsFile = "/app/config/settings.json"

// RuntimeSettings are the operator-editable overrides persisted next to the
// data directory. Empty fields leave the environment value in place.
type RuntimeSettings struct {
	LLMAPIURL      string `json:"llm_api_url,omitempty"`
	LLMAPIKey      string `json:"llm_api_key,omitempty"`
	LLMModel       string `json:"llm_model,omitempty"`
	SweepCron      string `json:"sweep_cron,omitempty"`
	TargetLanguage string `json:"target_language,omitempty"`
	Concurrency    int    `json:"concurrency,omitempty"`
}

func RuntimeSettingsFilePath() string {
	return getEnvString("SETTINGS_FILE", DefaultRuntimeSettingsFile)
}

func (s RuntimeSettings) Validate() error {
	if strings.TrimSpace(s.SweepCron) != "" {
		if _, err := icron.Parse(s.SweepCron); err != nil {
			return fmt.Errorf("invalid sweep_cron: %w", err)
		}
	}
	if strings.TrimSpace(s.TargetLanguage) != "" {
		if _, err := language.Parse(s.TargetLanguage); err != nil {
			return fmt.Errorf("invalid target_language: %w", err)
		}
	}
	if s.Concurrency < 0 {
		return fmt.Errorf("concurrency must not be negative")
	}
	return nil
}

func (c *Config) RuntimeSettings() RuntimeSettings {
	return RuntimeSettings{
		LLMAPIURL:      c.Provider.APIURL,
		LLMAPIKey:      c.Provider.APIKey,
		LLMModel:       c.Provider.Model,
		SweepCron:      c.Worker.SweepCron,
		TargetLanguage: c.Translate.TargetLanguage.String(),
		Concurrency:    c.Translate.Concurrency,
	}
}

func WithRuntimeSettings(settings RuntimeSettings) Option {
	return func(c *Config) {
		if strings.TrimSpace(settings.LLMAPIURL) != "" {
			c.Provider.APIURL = settings.LLMAPIURL
		}
		if strings.TrimSpace(settings.LLMAPIKey) != "" {
			c.Provider.APIKey = settings.LLMAPIKey
		}
		if strings.TrimSpace(settings.LLMModel) != "" {
			c.Provider.Model = settings.LLMModel
		}
		if strings.TrimSpace(settings.SweepCron) != "" {
			c.Worker.SweepCron = settings.SweepCron
		}
		if tag, err := language.Parse(settings.TargetLanguage); err == nil {
			c.Translate.TargetLanguage = tag
		}
		if settings.Concurrency > 0 {
			c.Translate.Concurrency = settings.Concurrency
		}
	}
}

// WithRuntimeSettingsFile applies the settings file at path when it exists.
func WithRuntimeSettingsFile(path string) (Option, error) {
	settings, err := LoadRuntimeSettingsFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return func(*Config) {}, nil
	}
	if err != nil {
		return nil, err
	}
	if err := settings.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return WithRuntimeSettings(settings), nil
}

func LoadRuntimeSettingsFile(path string) (RuntimeSettings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return RuntimeSettings{}, err
	}
	var settings RuntimeSettings
	if err := json.Unmarshal(data, &settings); err != nil {
		return RuntimeSettings{}, fmt.Errorf("invalid settings file: %w", err)
	}
	return settings, nil
}

func WriteRuntimeSettingsFile(path string, settings RuntimeSettings) error {
	if err := settings.Validate(); err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}

	content, err := json.MarshalIndent(settings, "", "  ")
	if err != nil {
		return err
	}
	content = append(content, '\n')

	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, content, 0o600); err != nil {
		return err
	}
	return os.Rename(tmpPath, path)
}
