package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"github.com/srg/espsense/internal/devicefactory"
	"github.com/srg/espsense/internal/protocol"
	"github.com/srg/espsense/internal/session"
	"gopkg.in/yaml.v3"
)

// Config holds application configuration
type Config struct {
	LogLevel             string           `yaml:"log_level"` // empty: library default (info), CLI stays quiet
	Backend              string           `yaml:"backend" default:"go-ble"`
	ConnectTimeout       time.Duration    `yaml:"connect_timeout" default:"30s"`
	OperationTimeout     time.Duration    `yaml:"operation_timeout" default:"10s"`
	DisconnectTimeout    time.Duration    `yaml:"disconnect_timeout" default:"5s"`
	WriteWithoutResponse bool             `yaml:"write_without_response" default:"false"`
	Profile              protocol.Profile `yaml:"profile"`
}

// DefaultConfig returns default configuration values
func DefaultConfig() *Config {
	cfg := &Config{}
	defaults.SetDefaults(cfg)
	return cfg
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "espsense", "config.yaml")
}

// Load reads and parses a YAML config file. Missing fields keep their defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// LoadOrDefault loads path when given. Without a path it loads the default
// config file if one exists and falls back to defaults otherwise.
func LoadOrDefault(path string) (*Config, error) {
	if path != "" {
		return Load(path)
	}
	if p := DefaultConfigPath(); p != "" {
		if _, err := os.Stat(p); err == nil {
			return Load(p)
		} else if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("checking config file: %w", err)
		}
	}
	return DefaultConfig(), nil
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	if c.LogLevel != "" {
		if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
			return fmt.Errorf("log_level: %w", err)
		}
	}
	if !slices.Contains(devicefactory.Backends(), c.Backend) {
		return fmt.Errorf("backend must be one of %v, got %q", devicefactory.Backends(), c.Backend)
	}
	if c.ConnectTimeout <= 0 {
		return fmt.Errorf("connect_timeout must be > 0")
	}
	if c.OperationTimeout <= 0 {
		return fmt.Errorf("operation_timeout must be > 0")
	}
	if c.DisconnectTimeout <= 0 {
		return fmt.Errorf("disconnect_timeout must be > 0")
	}
	return c.Profile.Validate()
}

// Level returns the parsed log level, InfoLevel if unset or unparsable.
func (c *Config) Level() logrus.Level {
	lvl, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return logrus.InfoLevel
	}
	return lvl
}

// NewLogger creates a configured logger instance
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(c.Level())

	// Use structured logging format
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	return logger
}

// SessionOptions maps the configuration onto session options.
func (c *Config) SessionOptions(logger *logrus.Logger) session.Options {
	return session.Options{
		Profile:              c.Profile,
		OperationTimeout:     c.OperationTimeout,
		ConnectTimeout:       c.ConnectTimeout,
		DisconnectTimeout:    c.DisconnectTimeout,
		WriteWithoutResponse: c.WriteWithoutResponse,
		Logger:               logger,
	}
}
