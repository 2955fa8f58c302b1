package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"dario.cat/mergo"
	"github.com/pelletier/go-toml/v2"
)

// ConfigFileName is the instance configuration file, relative to the
// directory passed to Initialize.
const ConfigFileName = "config.toml"

// Initialize loads, validates, and returns ready-to-use configuration.
// This is the primary entry point for configuration loading.
//
// Steps performed:
//  1. Read config.toml from configDir
//  2. Expand environment variables ({{.VAR}} template syntax)
//  3. Parse TOML into the Config struct
//  4. Merge built-in defaults for unset values
//  5. Validate everything
func Initialize(ctx context.Context, configDir string) (*Config, error) {
	log := slog.With("config_dir", configDir)
	log.Info("Initializing configuration")

	cfg, err := load(ctx, configDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	log.Info("Configuration initialized successfully",
		"tokens", len(cfg.Tokens),
		"users", len(cfg.Users),
		"data_dir", cfg.Paths.DataDir)

	return cfg, nil
}

func load(_ context.Context, configDir string) (*Config, error) {
	path := filepath.Join(configDir, ConfigFileName)

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrConfigNotFound, path)
		}
		return nil, err
	}

	data = ExpandEnv(data)

	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTOML, err)
	}

	// Merge built-in defaults; user-provided non-zero values win.
	defaults := Config{
		Server: DefaultServer(),
		LLM:    DefaultLLM(),
		Limits: DefaultLimits(),
		Paths:  Paths{DataDir: configDir},
	}
	if err := mergo.Merge(&cfg, defaults); err != nil {
		return nil, fmt.Errorf("failed to merge defaults: %w", err)
	}

	if cfg.Tokens == nil {
		cfg.Tokens = make(map[string]Token)
	}
	if cfg.Users == nil {
		cfg.Users = make(map[string]User)
	}

	return &cfg, nil
}

func validate(cfg *Config) error {
	return NewValidator(cfg).ValidateAll()
}
