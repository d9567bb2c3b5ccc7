// Package config manages both kinds of configuration the gateway needs:
// process-level settings (this file — environment variables, 12-factor
// style) and the hot-reloadable tier/user/credential document (snapshot.go,
// loader.go — a YAML file on disk).
//
// Process settings change only at process start; the snapshot changes at
// runtime without a restart. Keeping them as separate types mirrors the
// teacher's own split between env-var process config and database-backed
// routing config.
package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"

	"github.com/saidutt46/tollbooth/internal/logging"
)

// ProcessConfig holds ambient process settings loaded from the environment.
type ProcessConfig struct {
	Environment string `envconfig:"ENVIRONMENT" default:"development"`

	ServerHost string `envconfig:"GATEWAY_HOST" default:"0.0.0.0"`
	ServerPort int    `envconfig:"GATEWAY_PORT" default:"8080"`

	ConfigPath string `envconfig:"CONFIG_PATH" default:"./gateway.yaml"`
	AdminKey   string `envconfig:"ADMIN_KEY"`

	StoreHost           string        `envconfig:"STORE_HOST" default:"localhost"`
	StorePort           int           `envconfig:"STORE_PORT" default:"6379"`
	StoreDB             int           `envconfig:"STORE_DB" default:"0"`
	StoreTimeout        time.Duration `envconfig:"STORE_TIMEOUT" default:"5ms"`
	StoreMaxConnections int           `envconfig:"STORE_MAX_CONNECTIONS" default:"50"`

	KafkaBrokers string `envconfig:"KAFKA_BROKERS"`
	AuditDSN     string `envconfig:"AUDIT_DSN"`

	LogLevel  string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat string `envconfig:"LOG_FORMAT" default:"json"`

	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"30s"`
}

// LoadProcessConfig reads ambient settings from the environment.
func LoadProcessConfig() (*ProcessConfig, error) {
	var cfg ProcessConfig
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("config: failed to load process configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: process configuration validation failed: %w", err)
	}

	logging.WithComponent("config").Info().
		Str("environment", cfg.Environment).
		Str("server_host", cfg.ServerHost).
		Int("server_port", cfg.ServerPort).
		Str("config_path", cfg.ConfigPath).
		Str("log_level", cfg.LogLevel).
		Msg("process configuration loaded")

	return &cfg, nil
}

// Validate checks process-level settings.
func (c *ProcessConfig) Validate() error {
	validEnvironments := map[string]bool{
		"development": true, "staging": true, "production": true, "test": true,
	}
	if !validEnvironments[c.Environment] {
		return fmt.Errorf("invalid environment: %s", c.Environment)
	}

	if c.ServerPort < 1 || c.ServerPort > 65535 {
		return fmt.Errorf("invalid server port: %d", c.ServerPort)
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("invalid log level: %s", c.LogLevel)
	}

	if c.LogFormat != "json" && c.LogFormat != "console" {
		return fmt.Errorf("invalid log format: %s", c.LogFormat)
	}

	if c.ConfigPath == "" {
		return fmt.Errorf("config path is required")
	}

	return nil
}

// IsDevelopment reports whether the process is running in development mode.
func (c *ProcessConfig) IsDevelopment() bool {
	return c.Environment == "development"
}

// IsProduction reports whether the process is running in production mode.
func (c *ProcessConfig) IsProduction() bool {
	return c.Environment == "production"
}

// ServerAddress returns the host:port the gateway should listen on.
func (c *ProcessConfig) ServerAddress() string {
	return fmt.Sprintf("%s:%d", c.ServerHost, c.ServerPort)
}

// StoreURL builds the Redis connection string from the discrete store
// settings, matching spec.md 4.8's store.host/port/db options.
func (c *ProcessConfig) StoreURL() string {
	return fmt.Sprintf("redis://%s:%d/%d", c.StoreHost, c.StorePort, c.StoreDB)
}
