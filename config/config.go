// Package config loads the notifier configuration from a YAML file with
// environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultPath is used when no --config flag is given.
const DefaultPath = "config.yaml"

// Provider names.
const (
	ProviderTelegram = "telegram"
	ProviderShoutrrr = "shoutrrr"
	ProviderMock     = "mock"
)

var (
	// ErrNotFound is returned when the config file does not exist.
	ErrNotFound = errors.New("config file not found")
	// ErrInvalid is returned when the config fails validation.
	ErrInvalid = errors.New("invalid config")
)

// Config is the full notifier configuration.
type Config struct {
	Icons                 map[string]string `yaml:"icons"`
	BotToken              string            `yaml:"bot_token"`
	SiteRoot              string            `yaml:"site_root"`
	UserAgent             string            `yaml:"user_agent"`
	AcceptLanguage        string            `yaml:"accept_language"`
	Provider              string            `yaml:"provider"`
	ShoutrrrURL           string            `yaml:"shoutrrr_url"`
	ParseMode             string            `yaml:"parse_mode"`
	TelegramAPIURL        string            `yaml:"telegram_api_url"`
	StateDir              string            `yaml:"state_dir"`
	StorageBucket         string            `yaml:"storage_bucket"`
	GoogleCredentialsJSON string            `yaml:"google_credentials_json"`
	SessionKey            string            `yaml:"session_key"`
	LogFile               string            `yaml:"log_file"`
	LogLevel              string            `yaml:"log_level"`
	LogFormat             string            `yaml:"log_format"`
	Schedule              string            `yaml:"schedule"`
	Port                  string            `yaml:"port"`
	URLs                  []string          `yaml:"urls"`
	ChatIDs               []string          `yaml:"chat_ids"`
	AllowedSeatTypes      []string          `yaml:"allowed_seat_types"`
	HTTPTimeout           time.Duration     `yaml:"http_timeout"`
	MaxBodyBytes          int64             `yaml:"max_body_bytes"`
	NotifyWhenEmpty       bool              `yaml:"notify_when_empty"`
}

// Default returns a config with every optional field set.
func Default() *Config {
	return &Config{
		SiteRoot:         "https://grandtrain.ru/",
		AcceptLanguage:   "ru-RU,ru;q=0.9",
		Provider:         ProviderTelegram,
		LogLevel:         "info",
		LogFormat:        "json",
		Schedule:         "*/10 * * * *",
		Port:             "8080",
		AllowedSeatTypes: []string{"Плацкарт", "Купе"},
		HTTPTimeout:      30 * time.Second,
		MaxBodyBytes:     5 << 20,
	}
}

// Load reads path, applies environment overrides, and validates the result.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultPath
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	applyEnv(cfg, os.LookupEnv)

	if err := cfg.Validate(); err != nil {
		if legacy := legacyKeys(data); len(legacy) > 0 {
			return nil, fmt.Errorf("%w (keys are lowercase, found %s)", err, strings.Join(legacy, ", "))
		}
		return nil, err
	}
	return cfg, nil
}

// legacyKeys returns the uppercase keys of older config files that are
// present in data.
func legacyKeys(data []byte) []string {
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil
	}
	var found []string
	for _, k := range []string{"URLS", "BOT_TOKEN", "CHAT_IDS"} {
		if _, ok := raw[k]; ok {
			found = append(found, k)
		}
	}
	return found
}

// applyEnv overrides file values with the deployment environment variables.
func applyEnv(cfg *Config, lookup func(string) (string, bool)) {
	set := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	set("BOT_TOKEN", &cfg.BotToken)
	set("STORAGE_BUCKET", &cfg.StorageBucket)
	set("LOCAL_STORAGE", &cfg.StateDir)
	set("GOOGLE_CREDENTIALS_JSON", &cfg.GoogleCredentialsJSON)
	set("LOG_LEVEL", &cfg.LogLevel)
	set("PORT", &cfg.Port)
}

// Validate checks required fields and value ranges.
func (c *Config) Validate() error {
	var errs []error

	if len(c.URLs) == 0 {
		errs = append(errs, errors.New("urls must not be empty"))
	}

	switch c.Provider {
	case ProviderTelegram:
		if c.BotToken == "" {
			errs = append(errs, errors.New("bot_token is required"))
		}
	case ProviderShoutrrr:
		if c.BotToken == "" && c.ShoutrrrURL == "" {
			errs = append(errs, errors.New("bot_token or shoutrrr_url is required"))
		}
		if c.ShoutrrrURL != "" && !strings.Contains(c.ShoutrrrURL, "{recipient}") {
			errs = append(errs, errors.New("shoutrrr_url must contain {recipient}"))
		}
	case ProviderMock:
	default:
		errs = append(errs, fmt.Errorf("unknown provider %q", c.Provider))
	}

	if c.HTTPTimeout <= 0 {
		errs = append(errs, errors.New("http_timeout must be positive"))
	}
	if c.MaxBodyBytes <= 0 {
		errs = append(errs, errors.New("max_body_bytes must be positive"))
	}
	if _, err := strconv.Atoi(c.Port); err != nil {
		errs = append(errs, fmt.Errorf("port %q is not a number", c.Port))
	}

	switch strings.ToLower(c.LogFormat) {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("unknown log_format %q", c.LogFormat))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
	}
	return nil
}
