// Package config loads service settings from the environment.
package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/caarlos0/env/v11"
)

// Config holds every setting the service reads at startup.
type Config struct {
	Addr            string        `env:"LOATODO_ADDR"             envDefault:":8080"`
	DBDriver        string        `env:"LOATODO_DB_DRIVER"        envDefault:"sqlite3"`
	DBPath          string        `env:"LOATODO_DB_PATH"          envDefault:"data/loatodo.db"`
	DBMaxConns      int           `env:"LOATODO_DB_MAX_CONNS"     envDefault:"4"`
	CatalogPath     string        `env:"LOATODO_CATALOG_PATH"`
	ResetTZ         string        `env:"LOATODO_RESET_TZ"         envDefault:"Asia/Seoul"`
	JWTSecret       string        `env:"LOATODO_JWT_SECRET"`
	StoreTimeout    time.Duration `env:"LOATODO_STORE_TIMEOUT"    envDefault:"2s"`
	MutationTimeout time.Duration `env:"LOATODO_MUTATION_TIMEOUT" envDefault:"5s"`
	RetryAttempts   uint          `env:"LOATODO_RETRY_ATTEMPTS"   envDefault:"3"`
	NotifyBuffer    int           `env:"LOATODO_NOTIFY_BUFFER"    envDefault:"64"`
	LogLevel        string        `env:"LOATODO_LOG_LEVEL"        envDefault:"info"`
}

// ParseEnv loads configuration from environment variables.
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// Load parses and validates the service configuration.
func Load() (Config, error) {
	var cfg Config
	if err := ParseEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks values the environment parser cannot.
func (c Config) Validate() error {
	switch c.DBDriver {
	case "sqlite3", "sqlite":
	default:
		return fmt.Errorf("config: unsupported db driver %q", c.DBDriver)
	}
	if c.DBMaxConns < 1 {
		return fmt.Errorf("config: db max conns must be positive")
	}
	if c.RetryAttempts < 1 {
		return fmt.Errorf("config: retry attempts must be positive")
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	if _, err := c.SlogLevel(); err != nil {
		return err
	}
	return nil
}

// Location resolves the time zone reset anchors are expressed in.
func (c Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.ResetTZ)
	if err != nil {
		return nil, fmt.Errorf("config: reset tz: %w", err)
	}
	return loc, nil
}

// SlogLevel maps LogLevel to a slog level.
func (c Config) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(c.LogLevel))); err != nil {
		return 0, fmt.Errorf("config: log level: %w", err)
	}
	return level, nil
}
