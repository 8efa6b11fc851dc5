package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/Nano112/polymerase-sub001/internal/auth"
)

// Config holds the top-level application configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	Runs     RunsConfig     `yaml:"runs"`
	Worker   WorkerConfig   `yaml:"worker"`
	Auth     AuthConfig     `yaml:"auth"`
	Storage  StorageConfig  `yaml:"storage"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	// BaseURL is the externally visible origin used in generated OpenAPI
	// documents and run status URLs. Derived from host/port when empty.
	BaseURL string `yaml:"base_url"`
}

// DatabaseConfig holds database connection settings. An empty URL runs the
// server on in-memory stores only.
type DatabaseConfig struct {
	URL string `yaml:"url"`
	// EncryptionKey seals webhook secrets at rest. Plaintext when empty.
	EncryptionKey string `yaml:"encryption_key"`
}

// RedisConfig holds Redis connection settings for rate-limit windows. An
// empty address falls back to in-process counters.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// RunsConfig tunes the run lifecycle.
type RunsConfig struct {
	DefaultTTL    int   `yaml:"default_ttl"`    // seconds (default: 3600)
	MaxTTL        int   `yaml:"max_ttl"`        // seconds (default: 86400)
	SweepInterval int   `yaml:"sweep_interval"` // seconds (default: 60)
	InlineLimit   int64 `yaml:"inline_limit"`   // bytes before artifacts spill to blob storage
	NodeTimeout   int   `yaml:"node_timeout"`   // seconds per node (0 uses the scheduler default)
}

// WorkerConfig controls script worker placement.
type WorkerConfig struct {
	// Isolate spawns each worker as a child process of this binary's
	// worker subcommand instead of an in-process goroutine.
	Isolate bool `yaml:"isolate"`
}

// AuthConfig holds API credentials and access policy.
type AuthConfig struct {
	// PublicAccess lets unauthenticated callers in with full scopes.
	PublicAccess bool          `yaml:"public_access"`
	JWTSecret    string        `yaml:"jwt_secret"`
	APIKeys      []auth.APIKey `yaml:"api_keys"`
	// DefaultRateLimit is the per-minute quota for credentials without one.
	DefaultRateLimit int `yaml:"default_rate_limit"`
}

// StorageConfig holds blob storage settings.
type StorageConfig struct {
	Dir string `yaml:"dir"`
}

// defaults returns a Config populated with sensible default values.
func defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		Runs: RunsConfig{
			DefaultTTL:    3600,
			MaxTTL:        86400,
			SweepInterval: 60,
		},
		Auth: AuthConfig{
			PublicAccess: true,
		},
		Storage: StorageConfig{
			Dir: "data/blobs",
		},
	}
}

// Load reads a YAML configuration file at path and returns a Config.
// A .env file in the working directory and process environment variables
// override file values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	cfg.applyEnv()
	return cfg, nil
}

// LoadDefault tries to load "config.yaml" from the current directory.
// If the file does not exist, it returns defaults with environment
// overrides applied. Any other error is returned.
func LoadDefault() (*Config, error) {
	cfg, err := Load("config.yaml")
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			cfg = defaults()
			cfg.applyEnv()
			return cfg, nil
		}
		return nil, err
	}
	return cfg, nil
}

// applyEnv layers .env and process environment over the file values.
func (c *Config) applyEnv() {
	// Missing .env is fine; it only seeds os.Environ.
	_ = godotenv.Load()

	if v := os.Getenv("PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			c.Server.Port = p
		}
	}
	if v := os.Getenv("HOST"); v != "" {
		c.Server.Host = v
	}
	if v := os.Getenv("BASE_URL"); v != "" {
		c.Server.BaseURL = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.Database.URL = v
	}
	if v := os.Getenv("ENCRYPTION_KEY"); v != "" {
		c.Database.EncryptionKey = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}
	if v := os.Getenv("JWT_SECRET"); v != "" {
		c.Auth.JWTSecret = v
	}
	if v := os.Getenv("STORAGE_DIR"); v != "" {
		c.Storage.Dir = v
	}
	if v := os.Getenv("PUBLIC_ACCESS"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Auth.PublicAccess = b
		}
	}
}

// BaseURL returns the configured external origin, derived from the bind
// address when unset.
func (c *Config) BaseURL() string {
	if c.Server.BaseURL != "" {
		return c.Server.BaseURL
	}
	host := c.Server.Host
	if host == "0.0.0.0" || host == "" {
		host = "localhost"
	}
	return fmt.Sprintf("http://%s:%d", host, c.Server.Port)
}
