package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// AlertsConfig holds rotor alert tuning and webhook delivery targets.
type AlertsConfig struct {
	// Cooldown suppresses re-fires of the same rotor alert for this duration
	// after it fires. Defaults to 24h.
	Cooldown time.Duration `yaml:"cooldown" env:"ROTORTRACK_ALERT_COOLDOWN"`

	Webhooks []WebhookConfig `yaml:"webhooks"`
}

// WebhookConfig defines one webhook delivery target.
type WebhookConfig struct {
	// Type is one of: teams | slack | http.
	Type string `yaml:"type"`

	// URLEnv is the name of the environment variable that holds the webhook URL.
	URLEnv string `yaml:"url_env"`
}

// URL returns the webhook URL resolved from the environment.
func (w WebhookConfig) URL() string {
	if w.URLEnv == "" {
		return ""
	}
	return os.Getenv(w.URLEnv)
}

// Storage drivers.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Default values for the server configuration.
const (
	DefaultHTTPPort      = 8080
	DefaultDriver        = DriverSQLite
	DefaultSQLitePath    = "data/rotortrack.db"
	DefaultAlertCooldown = 24 * time.Hour
	DefaultLogLevel      = "info"
)

// Config holds the rotortrack server configuration.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Storage StorageConfig `yaml:"storage"`
	Alerts  AlertsConfig  `yaml:"alerts"`
	Log     LogConfig     `yaml:"log"`
}

// ServerConfig holds HTTP listener settings.
type ServerConfig struct {
	// HTTPPort is the port the REST API and /metrics listen on (default 8080).
	HTTPPort int `yaml:"http_port" env:"ROTORTRACK_HTTP_PORT"`

	// Auth configures how mutating API requests are authenticated.
	Auth AuthConfig `yaml:"auth"`
}

// AuthConfig controls client authentication on the server side.
type AuthConfig struct {
	// Mode is one of: apikey | none.
	Mode string `yaml:"mode" env:"ROTORTRACK_AUTH_MODE"`

	// KeyEnv is the name of the environment variable that holds the expected API key.
	// Used when Mode == "apikey".
	KeyEnv string `yaml:"key_env"`

	// Header is the HTTP header name to read the key from.
	// Defaults to "x-api-key" if empty.
	Header string `yaml:"header"`
}

// Key returns the expected API key resolved from the environment.
func (a AuthConfig) Key() string {
	if a.KeyEnv == "" {
		return ""
	}
	return os.Getenv(a.KeyEnv)
}

// EffectiveHeader returns the configured header name, or the default "x-api-key".
func (a AuthConfig) EffectiveHeader() string {
	if a.Header != "" {
		return a.Header
	}
	return "x-api-key"
}

// StorageConfig selects and configures the persistence backend.
type StorageConfig struct {
	// Driver is one of: memory | sqlite | postgres (default sqlite).
	Driver string `yaml:"driver" env:"ROTORTRACK_STORAGE_DRIVER"`

	// Path is the SQLite database file (default data/rotortrack.db).
	Path string `yaml:"path" env:"ROTORTRACK_SQLITE_PATH"`

	// DSNEnv names the environment variable holding the PostgreSQL DSN.
	DSNEnv string `yaml:"dsn_env"`
}

// DSN returns the PostgreSQL connection string resolved from the environment.
func (s StorageConfig) DSN() string {
	if s.DSNEnv == "" {
		return ""
	}
	return os.Getenv(s.DSNEnv)
}

// LogConfig controls the process logger.
type LogConfig struct {
	// Level is one of: debug | info | warn | error (default info).
	Level string `yaml:"level" env:"ROTORTRACK_LOG_LEVEL"`
}

// SlogLevel maps Level onto a slog.Level. Unknown values map to info.
func (l LogConfig) SlogLevel() slog.Level {
	switch strings.ToLower(l.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Load reads the config file at path, then applies ROTORTRACK_* environment
// overrides. An empty path skips the file and uses defaults plus environment.
// Missing fields are filled with defaults before validation.
func Load(path string) (*Config, error) {
	cfg := defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("server config: read %q: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("server config: parse yaml: %w", err)
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("server config: parse env: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("server config: %w", err)
	}

	return cfg, nil
}

// defaults returns a Config pre-populated with default values.
func defaults() *Config {
	return &Config{
		Server: ServerConfig{
			HTTPPort: DefaultHTTPPort,
		},
		Storage: StorageConfig{
			Driver: DefaultDriver,
			Path:   DefaultSQLitePath,
		},
		Alerts: AlertsConfig{
			Cooldown: DefaultAlertCooldown,
		},
		Log: LogConfig{
			Level: DefaultLogLevel,
		},
	}
}

// validate checks structural constraints on the parsed configuration.
func validate(cfg *Config) error {
	if cfg.Server.HTTPPort <= 0 || cfg.Server.HTTPPort > 65535 {
		return fmt.Errorf("server.http_port %d is out of range [1, 65535]", cfg.Server.HTTPPort)
	}
	switch cfg.Server.Auth.Mode {
	case "apikey", "none", "":
	default:
		return fmt.Errorf("server.auth.mode %q unknown: want apikey|none", cfg.Server.Auth.Mode)
	}
	if cfg.Server.Auth.Mode == "apikey" && cfg.Server.Auth.KeyEnv == "" {
		return fmt.Errorf("server.auth.key_env is required when mode is apikey")
	}

	switch cfg.Storage.Driver {
	case DriverMemory:
	case DriverSQLite:
		if cfg.Storage.Path == "" {
			return fmt.Errorf("storage.path is required for the sqlite driver")
		}
	case DriverPostgres:
		if cfg.Storage.DSNEnv == "" {
			return fmt.Errorf("storage.dsn_env is required for the postgres driver")
		}
	default:
		return fmt.Errorf("storage.driver %q unknown: want memory|sqlite|postgres", cfg.Storage.Driver)
	}

	if cfg.Alerts.Cooldown < 0 {
		return fmt.Errorf("alerts.cooldown must not be negative")
	}
	for i, wh := range cfg.Alerts.Webhooks {
		switch wh.Type {
		case "slack", "teams", "http":
		default:
			return fmt.Errorf("alerts.webhooks[%d].type %q unknown: want slack|teams|http", i, wh.Type)
		}
		if wh.URLEnv == "" {
			return fmt.Errorf("alerts.webhooks[%d].url_env is required", i)
		}
	}

	switch strings.ToLower(cfg.Log.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("log.level %q unknown: want debug|info|warn|error", cfg.Log.Level)
	}
	return nil
}
