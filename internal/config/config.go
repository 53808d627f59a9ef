// Package config provides application configuration management with
// multi-source priority.
//
// Configuration sources (highest to lowest priority):
//  1. Environment variables (runtime override)
//  2. Config file (~/.spenser/config.yaml or ./config.yaml)
//  3. Default values
//
// Main configuration categories:
//   - LLM: API key, base URL, model selection, temperature, max tokens
//   - Storage: PostgreSQL connection (see storage.go)
//   - HTTP: listen address, upload size limit
//
// Sensitive values (API key, database password) are never logged; they are
// masked in MarshalJSON and String. Validation is fail-fast: Load returns an
// error at startup rather than deferring a missing credential to the first
// request.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/viper"
)

// Sentinel errors for configuration validation. Check with errors.Is.
var (
	// ErrMissingAPIKey indicates the LLM API key is missing.
	ErrMissingAPIKey = errors.New("missing API key")

	// ErrInvalidModelName indicates the model name is empty or malformed.
	ErrInvalidModelName = errors.New("invalid model name")

	// ErrInvalidTemperature indicates the temperature value is out of range.
	ErrInvalidTemperature = errors.New("invalid temperature")

	// ErrInvalidMaxTokens indicates the max tokens value is out of range.
	ErrInvalidMaxTokens = errors.New("invalid max tokens")

	// ErrInvalidPostgresHost indicates the PostgreSQL host is invalid.
	ErrInvalidPostgresHost = errors.New("invalid PostgreSQL host")

	// ErrInvalidPostgresPort indicates the PostgreSQL port is out of range.
	ErrInvalidPostgresPort = errors.New("invalid PostgreSQL port")

	// ErrInvalidPostgresDBName indicates the PostgreSQL database name is invalid.
	ErrInvalidPostgresDBName = errors.New("invalid PostgreSQL database name")

	// ErrInvalidPostgresSSLMode indicates the PostgreSQL SSL mode is invalid.
	ErrInvalidPostgresSSLMode = errors.New("invalid PostgreSQL SSL mode")
)

const (
	// DefaultLLMBaseURL is the Groq OpenAI-compatible endpoint.
	DefaultLLMBaseURL = "https://api.groq.com/openai/v1"

	// DefaultModelName is the default chat completion model.
	DefaultModelName = "llama-3.3-70b-versatile"

	// DefaultMaxHistoryMessages is the default number of messages replayed
	// to the completion client per turn.
	DefaultMaxHistoryMessages int32 = 50

	// DefaultMaxUploadBytes caps uploaded document size (50 MiB).
	DefaultMaxUploadBytes int64 = 50 << 20
)

// Config stores application configuration.
// SECURITY: sensitive fields are explicitly masked in MarshalJSON. When
// adding a new secret field, update MarshalJSON as well.
type Config struct {
	// HTTP server
	Addr string `mapstructure:"addr" json:"addr"`

	// LLM configuration
	LLMAPIKey   string  `mapstructure:"llm_api_key" json:"llm_api_key"` // SENSITIVE: masked in MarshalJSON
	LLMBaseURL  string  `mapstructure:"llm_base_url" json:"llm_base_url"`
	ModelName   string  `mapstructure:"model_name" json:"model_name"`
	Temperature float32 `mapstructure:"temperature" json:"temperature"`
	MaxTokens   int     `mapstructure:"max_tokens" json:"max_tokens"`

	// Conversation history configuration
	MaxHistoryMessages int32 `mapstructure:"max_history_messages" json:"max_history_messages"`

	// Upload boundary
	MaxUploadBytes int64 `mapstructure:"max_upload_bytes" json:"max_upload_bytes"`

	// Storage configuration (see storage.go)
	PostgresHost     string `mapstructure:"postgres_host" json:"postgres_host"`
	PostgresPort     int    `mapstructure:"postgres_port" json:"postgres_port"`
	PostgresUser     string `mapstructure:"postgres_user" json:"postgres_user"`
	PostgresPassword string `mapstructure:"postgres_password" json:"postgres_password"` // SENSITIVE: masked in MarshalJSON
	PostgresDBName   string `mapstructure:"postgres_db_name" json:"postgres_db_name"`
	PostgresSSLMode  string `mapstructure:"postgres_ssl_mode" json:"postgres_ssl_mode"`

	// Database startup retry policy (see internal/database)
	ConnectAttempts  int `mapstructure:"connect_attempts" json:"connect_attempts"`
	ConnectDelaySecs int `mapstructure:"connect_delay_secs" json:"connect_delay_secs"`
}

// Load loads configuration.
// Priority: environment variables > configuration file > default values.
func Load() (*Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("getting user home directory: %w", err)
	}

	configDir := filepath.Join(home, ".spenser")
	if err := os.MkdirAll(configDir, 0o750); err != nil {
		return nil, fmt.Errorf("creating config directory: %w", err)
	}

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(configDir)
	v.AddConfigPath(".") // Also support current directory

	setDefaults(v)
	bindEnvVariables(v)

	if err := v.ReadInConfig(); err != nil {
		// Configuration file not found is not an error, use default values
		var configNotFound viper.ConfigFileNotFoundError
		if !errors.As(err, &configNotFound) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		slog.Debug("configuration file not found, using default values",
			"search_paths", []string{configDir, "."})
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing configuration: %w", err)
	}

	// DATABASE_URL, if set, overrides individual postgres_* settings
	if err := cfg.parseDatabaseURL(); err != nil {
		return nil, fmt.Errorf("parsing DATABASE_URL: %w", err)
	}

	// Fail fast: a missing credential is a startup failure, not a deferred one
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating configuration: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets all default configuration values.
func setDefaults(v *viper.Viper) {
	v.SetDefault("addr", "127.0.0.1:8080")

	// LLM defaults
	v.SetDefault("llm_base_url", DefaultLLMBaseURL)
	v.SetDefault("model_name", DefaultModelName)
	v.SetDefault("temperature", 0.7)
	v.SetDefault("max_tokens", 4096)
	v.SetDefault("max_history_messages", DefaultMaxHistoryMessages)

	// Upload defaults
	v.SetDefault("max_upload_bytes", DefaultMaxUploadBytes)

	// PostgreSQL defaults (matching docker-compose.yml)
	v.SetDefault("postgres_host", "localhost")
	v.SetDefault("postgres_port", 5432)
	v.SetDefault("postgres_user", "spenser")
	v.SetDefault("postgres_password", "spenser_dev_password")
	v.SetDefault("postgres_db_name", "spenser")
	v.SetDefault("postgres_ssl_mode", "disable")

	// Startup retry defaults
	v.SetDefault("connect_attempts", 3)
	v.SetDefault("connect_delay_secs", 1)
}

// bindEnvVariables binds environment variables explicitly.
func bindEnvVariables(v *viper.Viper) {
	// Hardcoded keys cannot fail to bind; a panic here is a bug, not a
	// runtime error.
	mustBind := func(key, envVar string) {
		if err := v.BindEnv(key, envVar); err != nil {
			panic(fmt.Sprintf("BUG: failed to bind %q to %q: %v", key, envVar, err))
		}
	}

	mustBind("llm_api_key", "GROQ_API_KEY")
	mustBind("llm_base_url", "SPENSER_LLM_BASE_URL")
	mustBind("model_name", "SPENSER_MODEL_NAME")
	mustBind("addr", "SPENSER_ADDR")

	// NOTE: DATABASE_URL is parsed separately in parseDatabaseURL because it
	// expands into several postgres_* fields.
}

// maskedValue is the placeholder for masked sensitive data.
const maskedValue = "████████"

// maskSecret masks a secret string for safe logging.
// Secrets of 8 characters or fewer are fully masked; longer secrets keep the
// first and last 2 characters for debug utility.
func maskSecret(s string) string {
	if s == "" {
		return ""
	}
	if len(s) <= 8 {
		return maskedValue
	}
	return s[:2] + "<" + maskedValue + ">" + s[len(s)-2:]
}

// MarshalJSON implements json.Marshaler with explicit sensitive field masking.
func (c Config) MarshalJSON() ([]byte, error) {
	type alias Config
	a := alias(c)
	a.LLMAPIKey = maskSecret(a.LLMAPIKey)
	a.PostgresPassword = maskSecret(a.PostgresPassword)
	data, err := json.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	return data, nil
}

// String implements Stringer to prevent accidental printing of secrets.
func (c Config) String() string {
	data, err := c.MarshalJSON()
	if err != nil {
		return fmt.Sprintf("Config{error: %v}", err)
	}
	return string(data)
}
