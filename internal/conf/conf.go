package conf

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/exastris/exastris/internal/errors"
)

// Config represents application configuration
type Config struct {
	// Bootstrap YAML path; empty searches the default locations
	ConfigPath string `env:"EXASTRIS_CONFIG"`

	// Document store
	DBPath string `env:"EXASTRIS_DB_PATH"`

	// Feishu transport (optional)
	FeishuAppID     string `env:"FEISHU_APP_ID"`
	FeishuAppSecret string `env:"FEISHU_APP_SECRET"`

	// Discord transport (optional)
	DiscordToken string `env:"DISCORD_TOKEN"`

	// Bluesky feed
	BlueskyAPIHost      string `env:"BLUESKY_API_HOST" envDefault:"https://public.api.bsky.app"`
	BlueskyJetstreamURL string `env:"BLUESKY_JETSTREAM_URL" envDefault:"wss://jetstream2.us-east.bsky.network/subscribe"`

	// Chatter (optional)
	OpenAIAPIKey  string `env:"OPENAI_API_KEY"`
	OpenAIBaseURL string `env:"OPENAI_BASE_URL"`
	OpenAIModel   string `env:"OPENAI_MODEL"`

	// Logging
	LogJSON  bool   `env:"LOG_JSON"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	// Bootstrap configuration (loaded from YAML)
	Bootstrap *BootstrapConfig `env:"-"`
}

// Load reads .env (if present), the environment and the bootstrap YAML
func Load() (*Config, error) {
	// .env is optional
	_ = godotenv.Load()

	cfg, err := LoadFromEnv()
	if err != nil {
		return nil, err
	}

	bootstrap, err := LoadBootstrapConfig(cfg.ConfigPath)
	if err != nil {
		return nil, err
	}
	cfg.Bootstrap = bootstrap
	return cfg, nil
}

// LoadFromEnv loads configuration from environment variables
func LoadFromEnv() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, errors.Wrap(err, "failed to parse environment")
	}

	if cfg.DBPath == "" {
		homeDir, _ := os.UserHomeDir()
		cfg.DBPath = filepath.Join(homeDir, ".exastris", "exastris.db")
	}
	cfg.LogLevel = strings.ToLower(cfg.LogLevel)
	return &cfg, nil
}

// FeishuEnabled reports whether Feishu credentials are configured
func (c *Config) FeishuEnabled() bool {
	return c.FeishuAppID != "" && c.FeishuAppSecret != ""
}

// DiscordEnabled reports whether a Discord token is configured
func (c *Config) DiscordEnabled() bool {
	return c.DiscordToken != ""
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if (c.FeishuAppID == "") != (c.FeishuAppSecret == "") {
		return &ConfigError{Field: "FEISHU_APP_ID/FEISHU_APP_SECRET", Message: "both or neither must be set"}
	}
	if !c.FeishuEnabled() && !c.DiscordEnabled() {
		return &ConfigError{Field: "FEISHU_APP_ID/DISCORD_TOKEN", Message: "at least one chat transport is required"}
	}
	if c.BlueskyAPIHost == "" {
		return &ConfigError{Field: "BLUESKY_API_HOST", Message: "required"}
	}
	if c.BlueskyJetstreamURL == "" {
		return &ConfigError{Field: "BLUESKY_JETSTREAM_URL", Message: "required"}
	}
	switch c.LogLevel {
	case "trace", "debug", "info", "warn", "error":
	default:
		return &ConfigError{Field: "LOG_LEVEL", Message: "must be one of trace, debug, info, warn, error"}
	}
	if c.Bootstrap != nil {
		if err := c.Bootstrap.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// ConfigError represents a configuration error
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return e.Field + ": " + e.Message
}
