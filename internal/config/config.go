package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config holds all configuration for the speech relay service
type Config struct {
	// Server configuration
	Port string `envconfig:"PORT" default:"8080"`

	// OpenAI synthesis API configuration
	OpenAIAPIKey  string `envconfig:"OPENAI_API_KEY" required:"true"`
	OpenAIBaseURL string `envconfig:"OPENAI_BASE_URL" default:"https://api.openai.com/v1"`
	DefaultVoice  string `envconfig:"DEFAULT_VOICE" default:"alloy"`
	DefaultModel  string `envconfig:"DEFAULT_MODEL" default:"gpt-4o-mini-tts"`
	DefaultFormat string `envconfig:"DEFAULT_FORMAT" default:"mp3"` // mp3, opus, wav

	// Pull-mode session server configuration
	SessionTTLSeconds      int `envconfig:"SESSION_TTL_SECONDS" default:"60"`      // Never-started sessions older than this are reaped
	JanitorIntervalSeconds int `envconfig:"JANITOR_INTERVAL_SECONDS" default:"60"` // How often the janitor wakes

	// Event bus configuration
	BusEmbedded bool   `envconfig:"BUS_EMBEDDED" default:"true"` // Run an in-process NATS server
	BusPort     int    `envconfig:"BUS_PORT" default:"0"`        // 0 picks an ephemeral port
	BusURL      string `envconfig:"BUS_URL" default:""`          // External NATS URL when BUS_EMBEDDED=false

	// Temp file housekeeping
	TempFileMaxAgeMinutes int `envconfig:"TEMP_FILE_MAX_AGE_MINUTES" default:"240"`

	// Observability configuration
	LogLevel       string `envconfig:"LOG_LEVEL" default:"info"`       // Log level: debug, info, warn, error
	LogPretty      bool   `envconfig:"LOG_PRETTY" default:"false"`     // Pretty print logs (for development)
	MetricsEnabled bool   `envconfig:"METRICS_ENABLED" default:"true"` // Enable Prometheus metrics
}

// Load reads configuration from environment variables
// It first attempts to load from .env file if it exists, then from environment
func Load() (*Config, error) {
	// Try to load .env file (ignore error if it doesn't exist)
	_ = godotenv.Load()

	return LoadFromEnv()
}

// LoadFromEnv loads configuration directly from environment variables
// without attempting to load .env file (useful for containerized deployments)
func LoadFromEnv() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if cfg.OpenAIAPIKey == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY is required")
	}
	switch cfg.DefaultFormat {
	case "mp3", "opus", "wav":
	default:
		return nil, fmt.Errorf("DEFAULT_FORMAT must be one of mp3, opus, wav (got %q)", cfg.DefaultFormat)
	}
	if cfg.SessionTTLSeconds <= 0 {
		return nil, fmt.Errorf("SESSION_TTL_SECONDS must be positive")
	}
	if cfg.JanitorIntervalSeconds <= 0 {
		return nil, fmt.Errorf("JANITOR_INTERVAL_SECONDS must be positive")
	}
	if !cfg.BusEmbedded && cfg.BusURL == "" {
		return nil, fmt.Errorf("BUS_URL is required when BUS_EMBEDDED=false")
	}

	return &cfg, nil
}

// SessionTTL returns the idle-session TTL as a duration.
func (c *Config) SessionTTL() time.Duration {
	return time.Duration(c.SessionTTLSeconds) * time.Second
}

// JanitorInterval returns the janitor wake interval as a duration.
func (c *Config) JanitorInterval() time.Duration {
	return time.Duration(c.JanitorIntervalSeconds) * time.Second
}

// GetEnv returns the value of an environment variable or a default value
func GetEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
