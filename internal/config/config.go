// Package config loads pigdo's runtime configuration: worker counts, the
// mirror set, and logging. Unlike a long-running server, pigdo performs one
// reconstruction per invocation, so there is no hot-reload story here -
// configuration is loaded once at startup and handed to the scheduler.
package config

import (
	"fmt"
	"os"

	"github.com/spf13/viper"
)

// LogConfig configures slog output and optional file rotation.
type LogConfig struct {
	File       string `yaml:"file" mapstructure:"file"`
	Level      string `yaml:"level" mapstructure:"level"`
	MaxSize    int    `yaml:"max_size" mapstructure:"max_size"`
	MaxAge     int    `yaml:"max_age" mapstructure:"max_age"`
	MaxBackups int    `yaml:"max_backups" mapstructure:"max_backups"`
	Compress   bool   `yaml:"compress" mapstructure:"compress"`
}

// FetchConfig controls the scheduler's concurrency and retry policy.
type FetchConfig struct {
	Threads          int `yaml:"threads" mapstructure:"threads"`
	MaxAttempts      int `yaml:"max_attempts" mapstructure:"max_attempts"`
	BlacklistSize    int `yaml:"blacklist_size" mapstructure:"blacklist_size"`
	PollIntervalMs   int `yaml:"poll_interval_ms" mapstructure:"poll_interval_ms"`
}

// Config is the full set of pigdo settings. Most fields are also
// overridable from the command line; CLI flags win when set explicitly.
type Config struct {
	Output  string      `yaml:"output" mapstructure:"output"`
	Template string     `yaml:"template" mapstructure:"template"`
	Mirrors []string    `yaml:"mirrors" mapstructure:"mirrors"`
	Fetch   FetchConfig `yaml:"fetch" mapstructure:"fetch"`
	Log     LogConfig   `yaml:"log" mapstructure:"log"`
}

// DefaultConfig returns a Config populated with pigdo's defaults.
func DefaultConfig() *Config {
	return &Config{
		Fetch: FetchConfig{
			Threads:        16,
			MaxAttempts:    5,
			BlacklistSize:  256,
			PollIntervalMs: 10,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// GetThreads returns the configured worker count, falling back to the
// default when unset or invalid.
func (c *Config) GetThreads() int {
	if c.Fetch.Threads <= 0 {
		return 16
	}
	return c.Fetch.Threads
}

// GetMaxAttempts returns the bounded per-file retry budget, defaulting to 5.
func (c *Config) GetMaxAttempts() int {
	if c.Fetch.MaxAttempts <= 0 {
		return 5
	}
	return c.Fetch.MaxAttempts
}

// GetPollIntervalMs returns the scheduler's poll sleep in milliseconds,
// defaulting to 10.
func (c *Config) GetPollIntervalMs() int {
	if c.Fetch.PollIntervalMs <= 0 {
		return 10
	}
	return c.Fetch.PollIntervalMs
}

// Validate checks the configuration for internally inconsistent values.
// It does not require Output/Template to be set, since those are commonly
// supplied as CLI positional/flag arguments rather than config file keys.
func (c *Config) Validate() error {
	if c.Fetch.Threads < 0 {
		return fmt.Errorf("fetch.threads must be non-negative")
	}
	if c.Fetch.MaxAttempts < 0 {
		return fmt.Errorf("fetch.max_attempts must be non-negative")
	}
	switch c.Log.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be one of: debug, info, warn, error")
	}
	return nil
}

// LoadConfig loads configuration from configFile if it exists, merging
// onto DefaultConfig. A missing config file is not an error: pigdo is
// usable purely from CLI flags.
func LoadConfig(configFile string) (*Config, error) {
	config := DefaultConfig()

	if configFile == "" {
		return config, nil
	}

	if _, err := os.Stat(configFile); err != nil {
		if os.IsNotExist(err) {
			return config, nil
		}
		return nil, fmt.Errorf("error accessing config file %s: %w", configFile, err)
	}

	viper.SetConfigFile(configFile)
	if err := viper.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("error reading config file %s: %w", configFile, err)
	}

	if err := viper.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}
