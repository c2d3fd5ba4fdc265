// Package config loads and validates the Agentum configuration directory.
//
// The directory contains:
//   - api.yaml          server, database, sessions and event limits (required)
//   - permissions.yaml  tool permission profile (loaded by pkg/permissions)
//   - security.yaml     sandbox configuration (loaded by pkg/sandbox)
//   - secrets.yaml      auto-generated JWT secret (managed by pkg/services)
//
// YAML files support {{.VAR}} environment expansion before parsing.
package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// apiConfigFile is the main configuration file inside the config directory.
const apiConfigFile = "api.yaml"

// requiredAPIFields must be explicitly defined in api.yaml; there are no
// implicit defaults for them.
var requiredAPIFields = []string{"host", "port", "cors_origins"}

// APIConfig holds the HTTP server settings from api.yaml.
type APIConfig struct {
	Host         string   `yaml:"host"`
	Port         int      `yaml:"port"`
	ExternalPort int      `yaml:"external_port"`
	CORSOrigins  []string `yaml:"cors_origins"`
}

// WebConfig holds front-end facing settings (consumed by deploy tooling).
type WebConfig struct {
	ExternalPort int `yaml:"external_port"`
}

// DatabaseConfig holds the embedded database settings.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// SessionsConfig holds session runtime settings.
type SessionsConfig struct {
	Root                  string `yaml:"root"`
	SkillsDir             string `yaml:"skills_dir"`
	MaxConcurrent         int    `yaml:"max_concurrent"`
	DefaultTimeoutSeconds int    `yaml:"default_timeout_seconds"`
	GracePeriodSeconds    int    `yaml:"grace_period_seconds"`
	DefaultMaxTurns       int    `yaml:"default_max_turns"`
	DefaultModel          string `yaml:"default_model"`
	AgentCommand          string `yaml:"agent_command"`
}

// EventsConfig holds event pipeline limits.
type EventsConfig struct {
	SubscriberBuffer         int `yaml:"subscriber_buffer"`
	HeartbeatIntervalSeconds int `yaml:"heartbeat_interval_seconds"`
	MaxLineBytes             int `yaml:"max_line_bytes"`
}

// apiYAMLConfig mirrors the full api.yaml file structure.
type apiYAMLConfig struct {
	API      *APIConfig      `yaml:"api"`
	Web      *WebConfig      `yaml:"web"`
	Database *DatabaseConfig `yaml:"database"`
	Sessions *SessionsConfig `yaml:"sessions"`
	Events   *EventsConfig   `yaml:"events"`
}

// Config is the resolved application configuration.
type Config struct {
	configDir string

	API      APIConfig
	Web      WebConfig
	Database DatabaseConfig
	Sessions SessionsConfig
	Events   EventsConfig
}

// ConfigDir returns the directory the configuration was loaded from.
func (c *Config) ConfigDir() string {
	return c.configDir
}

// PermissionsFile returns the path of the permission profile document.
func (c *Config) PermissionsFile() string {
	return filepath.Join(c.configDir, "permissions.yaml")
}

// SecurityFile returns the path of the sandbox configuration document.
func (c *Config) SecurityFile() string {
	return filepath.Join(c.configDir, "security.yaml")
}

// SecretsFile returns the path of the auto-generated secrets document.
func (c *Config) SecretsFile() string {
	return filepath.Join(c.configDir, "secrets.yaml")
}

// SessionTimeout returns the default wall-clock timeout for a run.
func (c *Config) SessionTimeout() time.Duration {
	return time.Duration(c.Sessions.DefaultTimeoutSeconds) * time.Second
}

// GracePeriod returns the SIGTERM-to-SIGKILL grace window.
func (c *Config) GracePeriod() time.Duration {
	return time.Duration(c.Sessions.GracePeriodSeconds) * time.Second
}

// HeartbeatInterval returns the SSE idle heartbeat interval.
func (c *Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.Events.HeartbeatIntervalSeconds) * time.Second
}

// defaultConfig returns built-in defaults merged under user YAML values.
// api.host, api.port and api.cors_origins intentionally have no defaults.
func defaultConfig() *apiYAMLConfig {
	return &apiYAMLConfig{
		Web: &WebConfig{},
		Database: &DatabaseConfig{
			Path: "data/agentum.db",
		},
		Sessions: &SessionsConfig{
			Root:                  "sessions",
			SkillsDir:             "skills",
			MaxConcurrent:         16,
			DefaultTimeoutSeconds: 3600,
			GracePeriodSeconds:    10,
			DefaultMaxTurns:       50,
			DefaultModel:          "default",
			AgentCommand:          "agentum-agent",
		},
		Events: &EventsConfig{
			SubscriberBuffer:         256,
			HeartbeatIntervalSeconds: 30,
			MaxLineBytes:             1 << 20,
		},
	}
}

// Initialize loads, validates, and returns ready-to-use configuration.
// This is the primary entry point for configuration loading.
//
// Steps performed:
//  1. Read api.yaml from configDir
//  2. Expand environment variables
//  3. Parse YAML into structs
//  4. Merge built-in defaults for unset values
//  5. Validate required fields
//  6. Log the effective configuration with sensitive values masked
func Initialize(_ context.Context, configDir string) (*Config, error) {
	log := slog.With("config_dir", configDir)
	log.Info("Initializing configuration")

	raw, err := loadAPIYAML(configDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	merged := defaultConfig()
	if err := mergo.Merge(merged, raw, mergo.WithOverride); err != nil {
		return nil, fmt.Errorf("failed to merge configuration defaults: %w", err)
	}

	if err := validate(merged); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	cfg := &Config{
		configDir: configDir,
		API:       *merged.API,
		Web:       *merged.Web,
		Database:  *merged.Database,
		Sessions:  *merged.Sessions,
		Events:    *merged.Events,
	}

	logConfiguration(cfg)
	return cfg, nil
}

func loadAPIYAML(configDir string) (*apiYAMLConfig, error) {
	path := filepath.Join(configDir, apiConfigFile)

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, NewLoadError(apiConfigFile, fmt.Errorf("%w: %s", ErrConfigNotFound, path))
		}
		return nil, NewLoadError(apiConfigFile, err)
	}

	data = ExpandEnv(data)

	var cfg apiYAMLConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, NewLoadError(apiConfigFile, fmt.Errorf("%w: %v", ErrInvalidYAML, err))
	}

	return &cfg, nil
}

func validate(cfg *apiYAMLConfig) error {
	if cfg.API == nil {
		return NewValidationError(apiConfigFile, "api", ErrMissingRequiredField)
	}
	if cfg.API.Host == "" {
		return NewValidationError(apiConfigFile, "api.host", ErrMissingRequiredField)
	}
	if cfg.API.Port <= 0 {
		return NewValidationError(apiConfigFile, "api.port", ErrMissingRequiredField)
	}
	if len(cfg.API.CORSOrigins) == 0 {
		return NewValidationError(apiConfigFile, "api.cors_origins", ErrMissingRequiredField)
	}
	if cfg.Database.Path == "" {
		return NewValidationError(apiConfigFile, "database.path", ErrMissingRequiredField)
	}
	if cfg.Sessions.MaxConcurrent <= 0 {
		return NewValidationError(apiConfigFile, "sessions.max_concurrent", ErrInvalidValue)
	}
	if cfg.Events.SubscriberBuffer <= 0 {
		return NewValidationError(apiConfigFile, "events.subscriber_buffer", ErrInvalidValue)
	}
	if cfg.Events.HeartbeatIntervalSeconds <= 0 {
		return NewValidationError(apiConfigFile, "events.heartbeat_interval_seconds", ErrInvalidValue)
	}
	return nil
}
