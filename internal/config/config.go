// Package config loads process configuration from the environment.
package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config holds the runtime configuration for the keymint server.
// Values come from KEYMINT_* environment variables, optionally seeded
// from a .env file in the working directory.
type Config struct {
	DataDir       string        `envconfig:"DATA_DIR" default:"/var/lib/keymint"`
	ListenAddr    string        `envconfig:"LISTEN_ADDR" default:"127.0.0.1:7655"`
	CatalogPath   string        `envconfig:"CATALOG_PATH"`
	AdminToken    string        `envconfig:"ADMIN_TOKEN"`
	LogLevel      string        `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat     string        `envconfig:"LOG_FORMAT" default:"auto"`
	SweepInterval time.Duration `envconfig:"SWEEP_INTERVAL" default:"10m"`
	WatchCatalog  bool          `envconfig:"WATCH_CATALOG" default:"true"`
}

// Load reads .env (if present) and the KEYMINT_* environment.
func Load() (*Config, error) {
	// Missing .env is the normal production case.
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("keymint", &cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}

	if strings.TrimSpace(cfg.DataDir) == "" {
		return nil, fmt.Errorf("KEYMINT_DATA_DIR must not be empty")
	}
	cfg.DataDir = filepath.Clean(cfg.DataDir)

	if cfg.CatalogPath == "" {
		cfg.CatalogPath = filepath.Join(cfg.DataDir, "catalog.yaml")
	}
	if cfg.SweepInterval < time.Minute {
		cfg.SweepInterval = time.Minute
	}

	return &cfg, nil
}

// KeysDir returns the directory holding per-product key pool files.
func (c *Config) KeysDir() string {
	return filepath.Join(c.DataDir, "keys")
}
