// Copyright 2026 The branchlens Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package config provides configuration management for the branchlens server.
// It handles loading and parsing YAML configuration files, and provides
// structured access to application settings including the completion
// provider credentials, model identifiers, sampling parameters, and server
// options.
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	// DefaultPort is the port the API server listens on when the config
	// does not name one.
	DefaultPort = 8753

	// DefaultAlternativeBudget is how many alternative tokens are explored
	// per inspected position.
	DefaultAlternativeBudget = 4

	// DefaultResampleCandidates is how many continuations are sampled when
	// regenerating the text after a token substitution.
	DefaultResampleCandidates = 10

	// DefaultResampleTemperature is the sampling temperature for
	// regeneration after a substitution. Low but nonzero: the candidates
	// must differ from each other.
	DefaultResampleTemperature = 0.2

	// DefaultResampleTopK restricts regeneration sampling to the most
	// likely tokens.
	DefaultResampleTopK = 5

	// DefaultContextWindow is the assumed model context size in tokens,
	// used to clamp max_tokens on outgoing requests.
	DefaultContextWindow = 16384

	// DefaultMaxTokens bounds the length of a requested completion.
	DefaultMaxTokens = 256
)

// Config represents the application's configuration, loaded from a YAML file.
type Config struct {
	// Host is the network host/interface on which the API server will bind.
	// Default is empty ("") to bind all interfaces. Use "127.0.0.1" for
	// local-only access.
	Host string `yaml:"host"`
	// Port is the network port on which the API server will listen.
	Port int `yaml:"port"`

	// APIKey authenticates against the completion provider. Falls back to
	// the BRANCHLENS_API_KEY environment variable when empty.
	APIKey string `yaml:"api-key"`

	// BaseURL overrides the completion provider endpoint. Empty selects the
	// built-in default.
	BaseURL string `yaml:"base-url"`

	// ModelID is the completion model whose token distributions are
	// explored.
	ModelID string `yaml:"model-id"`

	// ExplanationModelID is the chat model used to describe what an
	// alternative token would change. Defaults to ModelID.
	ExplanationModelID string `yaml:"explanation-model-id"`

	// MaxTokens bounds the length of requested completions.
	MaxTokens int `yaml:"max-tokens"`

	// ContextWindow is the model's context size in tokens; max_tokens is
	// clamped so prompt plus completion fit inside it.
	ContextWindow int `yaml:"context-window"`

	// AlternativeBudget is how many alternatives besides the original token
	// get previews when a token is inspected.
	AlternativeBudget int `yaml:"alternative-budget"`

	// ResampleCandidates is the number of continuations sampled when a
	// token substitution forces the following text to be regenerated.
	ResampleCandidates int `yaml:"resample-candidates"`

	// ResampleTemperature is the sampling temperature for regeneration.
	ResampleTemperature float64 `yaml:"resample-temperature"`

	// ResampleTopK restricts regeneration sampling to the K most likely
	// tokens at each step.
	ResampleTopK int `yaml:"resample-top-k"`

	// Debug enables or disables debug-level logging.
	Debug bool `yaml:"debug"`

	// LoggingToFile controls whether application logs are written to
	// rotating files or stdout.
	LoggingToFile bool `yaml:"logging-to-file"`

	// LogsMaxTotalSizeMB limits the total size (in MB) of log files under
	// the logs directory. When exceeded, the oldest log files are deleted
	// until within the limit. Set to 0 to disable.
	LogsMaxTotalSizeMB int `yaml:"logs-max-total-size-mb"`
}

// LoadConfig loads the application configuration from the YAML file at
// configFile and validates it.
//
// Parameters:
//   - configFile: The path to the YAML configuration file
//
// Returns:
//   - *Config: The loaded configuration
//   - error: An error if the configuration could not be loaded
func LoadConfig(configFile string) (*Config, error) {
	data, err := os.ReadFile(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Set defaults before unmarshal so that absent keys keep defaults.
	cfg := Config{
		Port:                DefaultPort,
		MaxTokens:           DefaultMaxTokens,
		ContextWindow:       DefaultContextWindow,
		AlternativeBudget:   DefaultAlternativeBudget,
		ResampleCandidates:  DefaultResampleCandidates,
		ResampleTemperature: DefaultResampleTemperature,
		ResampleTopK:        DefaultResampleTopK,
	}
	if err = yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv("BRANCHLENS_API_KEY")
	}

	if err = cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the configuration for values the server cannot start
// without. Misconfiguration is reported here, at startup, not on the first
// completion request.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.APIKey) == "" {
		return fmt.Errorf("config: api-key is required (or set BRANCHLENS_API_KEY)")
	}
	if strings.TrimSpace(c.ModelID) == "" {
		return fmt.Errorf("config: model-id is required")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("config: port %d out of range", c.Port)
	}
	if c.MaxTokens <= 0 {
		return fmt.Errorf("config: max-tokens must be positive")
	}
	if c.ContextWindow <= 0 {
		return fmt.Errorf("config: context-window must be positive")
	}
	if c.AlternativeBudget < 0 {
		return fmt.Errorf("config: alternative-budget cannot be negative")
	}
	if c.ResampleCandidates <= 0 {
		return fmt.Errorf("config: resample-candidates must be positive")
	}
	if c.ResampleTemperature < 0 {
		return fmt.Errorf("config: resample-temperature cannot be negative")
	}
	if c.ResampleTopK <= 0 {
		return fmt.Errorf("config: resample-top-k must be positive")
	}
	return nil
}

// ExplanationModel returns the chat model for explanations, falling back to
// the completion model.
func (c *Config) ExplanationModel() string {
	if c.ExplanationModelID != "" {
		return c.ExplanationModelID
	}
	return c.ModelID
}
