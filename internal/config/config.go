// Package config loads sessiongate settings from a YAML file overlaid with
// environment variables.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

// DefaultFile is read from the working directory when no path is given.
const DefaultFile = "sessiongate.yaml"

// Config is the root configuration. Sources, highest priority first:
//  1. cobra flags (applied by the caller);
//  2. environment variables;
//  3. the YAML file from --config, SESSIONGATE_CONFIG or ./sessiongate.yaml;
//  4. env-default tags.
type Config struct {
	Env     string        `yaml:"env" env:"SESSIONGATE_ENV" env-default:"local"`
	Server  ServerConfig  `yaml:"server"`
	Refresh RefreshConfig `yaml:"refresh"`
	Store   StoreConfig   `yaml:"store"`
	Log     LogConfig     `yaml:"log"`
	Serve   ServeConfig   `yaml:"serve"`
}

// ServerConfig describes the identity service the client talks to.
type ServerConfig struct {
	BaseURL        string        `yaml:"base_url" env:"SESSIONGATE_SERVER_URL" env-default:"http://127.0.0.1:8000"`
	RequestTimeout time.Duration `yaml:"request_timeout" env:"SESSIONGATE_REQUEST_TIMEOUT" env-default:"15s"`
}

// RefreshConfig bounds the token refresh call.
type RefreshConfig struct {
	Timeout time.Duration `yaml:"timeout" env:"SESSIONGATE_REFRESH_TIMEOUT" env-default:"10s"`
}

// StoreConfig selects the credential store backend.
type StoreConfig struct {
	Driver  string `yaml:"driver" env:"SESSIONGATE_STORE_DRIVER" env-default:"bolt"`
	Path    string `yaml:"path" env:"SESSIONGATE_STORE_PATH"`
	Profile string `yaml:"profile" env:"SESSIONGATE_PROFILE" env-default:"default"`
}

// LogConfig controls the slog handler.
type LogConfig struct {
	Level  string `yaml:"level" env:"SESSIONGATE_LOG_LEVEL" env-default:"warn"`
	Format string `yaml:"format" env:"SESSIONGATE_LOG_FORMAT" env-default:"text"`
}

// ServeConfig configures the development identity service.
type ServeConfig struct {
	Addr          string        `yaml:"addr" env:"SESSIONGATE_SERVE_ADDR" env-default:"127.0.0.1:8000"`
	JWTSecret     string        `yaml:"jwt_secret" env:"SESSIONGATE_JWT_SECRET"`
	Issuer        string        `yaml:"issuer" env:"SESSIONGATE_ISSUER" env-default:"sessiongate"`
	AccessTTL     time.Duration `yaml:"access_ttl" env:"SESSIONGATE_ACCESS_TTL" env-default:"5m"`
	RefreshTTL    time.Duration `yaml:"refresh_ttl" env:"SESSIONGATE_REFRESH_TTL" env-default:"24h"`
	AdminEmail    string        `yaml:"admin_email" env:"SESSIONGATE_ADMIN_EMAIL"`
	AdminPassword string        `yaml:"admin_password" env:"SESSIONGATE_ADMIN_PASSWORD"`
	// AutoVerify skips email verification for new registrations.
	AutoVerify bool `yaml:"auto_verify" env:"SESSIONGATE_AUTO_VERIFY"`
	// SessionDB persists login sessions in a bbolt file. Empty keeps them
	// in memory.
	SessionDB        string        `yaml:"session_db" env:"SESSIONGATE_SESSION_DB"`
	TrustedProxies   []string      `yaml:"trusted_proxies" env:"SESSIONGATE_TRUSTED_PROXIES" env-separator:","`
	AuditWebhookURL  string        `yaml:"audit_webhook_url" env:"SESSIONGATE_AUDIT_WEBHOOK_URL"`
	AuditWebhookAuth string        `yaml:"audit_webhook_auth" env:"SESSIONGATE_AUDIT_WEBHOOK_AUTH"`
	SweepInterval    time.Duration `yaml:"sweep_interval" env:"SESSIONGATE_SWEEP_INTERVAL" env-default:"1m"`
}

// Load reads configuration from path, SESSIONGATE_CONFIG, ./sessiongate.yaml
// or the environment alone, in that order.
func Load(path string) (*Config, error) {
	var cfg Config

	if path == "" {
		path = os.Getenv("SESSIONGATE_CONFIG")
	}
	if path == "" {
		if _, err := os.Stat(DefaultFile); err == nil {
			path = DefaultFile
		}
	}

	if path != "" {
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("config file %q stat failed: %w", path, err)
		}
		// ReadConfig overlays the environment after parsing the file.
		if err := cleanenv.ReadConfig(path, &cfg); err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	} else if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, fmt.Errorf("failed to read env: %w", err)
	}

	if cfg.Store.Path == "" {
		cfg.Store.Path = DefaultStorePath(cfg.Store.Driver)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// MustLoad is Load that panics on error.
func MustLoad(path string) *Config {
	cfg, err := Load(path)
	if err != nil {
		panic(err)
	}
	return cfg
}

// Validate rejects settings no component can run with.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case "bolt", "sqlite", "memory":
	default:
		return fmt.Errorf("unknown store driver %q (want bolt, sqlite or memory)", c.Store.Driver)
	}
	if c.Refresh.Timeout <= 0 {
		return fmt.Errorf("refresh timeout must be positive")
	}
	if !strings.HasPrefix(c.Server.BaseURL, "http://") && !strings.HasPrefix(c.Server.BaseURL, "https://") {
		return fmt.Errorf("server base_url must be an http(s) URL, got %q", c.Server.BaseURL)
	}
	if c.Serve.AccessTTL <= 0 || c.Serve.RefreshTTL < c.Serve.AccessTTL {
		return fmt.Errorf("serve access_ttl must be positive and no longer than refresh_ttl")
	}
	if c.Serve.SweepInterval <= 0 {
		return fmt.Errorf("serve sweep_interval must be positive")
	}
	return nil
}

// DefaultStorePath is the credential store file used when none is configured.
func DefaultStorePath(driver string) string {
	dir, err := os.UserConfigDir()
	if err != nil {
		dir = os.TempDir()
	}
	name := "credentials.db"
	if driver == "sqlite" {
		name = "credentials.sqlite"
	}
	return filepath.Join(dir, "sessiongate", name)
}

// Logger builds the process logger described by the log section.
func (l LogConfig) Logger() *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(l.Level)); err != nil {
		level = slog.LevelWarn
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(l.Format, "json") {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}
