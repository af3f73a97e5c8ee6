// Copyright 2026 OpenCircle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads the loupe configuration from a YAML file and
// LOUPE_-prefixed environment variables. A single Config record is
// threaded through the engines; there are no mutable globals.
package config

import (
	"fmt"
	"math"
	"strings"

	"github.com/spf13/viper"
)

// Process exit codes.
const (
	ExitOK                  = 0
	ExitConfigInvalid       = 64
	ExitStorageUnavailable  = 74
	ExitProviderUnavailable = 75
	ExitOther               = 1
)

// ProviderConfig holds per-provider transport overrides.
type ProviderConfig struct {
	BaseURL          string `mapstructure:"base_url"`
	RequestTimeoutMS int    `mapstructure:"request_timeout_ms"`
	MaxRetries       int    `mapstructure:"max_retries"`
}

// Config is the loupe configuration record.
type Config struct {
	// Logging: level "debug"/"info"/"warn"/"error", format
	// "console"/"json".
	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`

	// Storage: "sqlite" (default) or "postgres".
	DatabaseDriver string `mapstructure:"database_driver"`
	DatabasePath   string `mapstructure:"database_path"`
	PostgresDSN    string `mapstructure:"postgres_dsn"`

	// Catalog: empty path means the embedded default model set.
	CatalogPath    string `mapstructure:"catalog_path"`
	CatalogRefresh string `mapstructure:"catalog_refresh"` // cron spec, optional
	CatalogWatch   bool   `mapstructure:"catalog_watch"`

	CredentialEncryptionKey string `mapstructure:"credential_encryption_key"`

	JudgeDefaultModel       string  `mapstructure:"judge_default_model"`
	JudgeDefaultTemperature float64 `mapstructure:"judge_default_temperature"`

	PipelineStageWeights []float64 `mapstructure:"pipeline_stage_weights"`

	Providers map[string]ProviderConfig `mapstructure:"providers"`
}

// Load reads configuration from the given YAML file (optional) and the
// environment. Environment keys use the LOUPE_ prefix with underscores,
// e.g. LOUPE_CREDENTIAL_ENCRYPTION_KEY, LOUPE_JUDGE_DEFAULT_MODEL.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("LOUPE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "console")
	v.SetDefault("database_driver", "sqlite")
	v.SetDefault("database_path", "loupe.db")
	v.SetDefault("judge_default_temperature", 0.0)
	v.SetDefault("pipeline_stage_weights", []float64{0.30, 0.35, 0.35})

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}

// StageWeights returns the configured weights as a fixed-size array.
// Call Validate first.
func (c *Config) StageWeights() [3]float64 {
	var w [3]float64
	copy(w[:], c.PipelineStageWeights)
	return w
}

// Validate checks the configuration. Failures map to exit code 64.
func (c *Config) Validate() error {
	switch c.DatabaseDriver {
	case "sqlite":
		if c.DatabasePath == "" {
			return fmt.Errorf("database_path required for sqlite")
		}
	case "postgres":
		if c.PostgresDSN == "" {
			return fmt.Errorf("postgres_dsn required for postgres")
		}
	default:
		return fmt.Errorf("unknown database_driver: %q", c.DatabaseDriver)
	}

	if c.CredentialEncryptionKey == "" {
		return fmt.Errorf("credential_encryption_key required")
	}
	if c.JudgeDefaultTemperature < 0 || c.JudgeDefaultTemperature > 2 {
		return fmt.Errorf("judge_default_temperature must be in [0, 2]")
	}

	if len(c.PipelineStageWeights) != 3 {
		return fmt.Errorf("pipeline_stage_weights must have exactly 3 entries")
	}
	var sum float64
	for i, w := range c.PipelineStageWeights {
		if w <= 0 {
			return fmt.Errorf("pipeline_stage_weights[%d] must be > 0", i)
		}
		sum += w
	}
	if math.Abs(sum-1.0) > 1e-9 {
		return fmt.Errorf("pipeline_stage_weights must sum to 1.0, got %g", sum)
	}

	for name, p := range c.Providers {
		if p.RequestTimeoutMS < 0 {
			return fmt.Errorf("provider %s: request_timeout_ms must be >= 0", name)
		}
		if p.MaxRetries < 0 {
			return fmt.Errorf("provider %s: max_retries must be >= 0", name)
		}
	}
	return nil
}
