// Copyright 2026 The n6 Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ConfigurationError is a configuration the daemon refuses to start
// on. It wraps every individual violation found during validation.
type ConfigurationError struct {
	Err error
}

func (e *ConfigurationError) Error() string {
	return "invalid configuration: " + e.Err.Error()
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// Config is the authorization daemon's configuration.
type Config struct {
	// Directory configures the directory-graph backend.
	Directory DirectoryConfig `yaml:"directory"`

	// Prefetcher tunes the background snapshot refresh loop.
	Prefetcher PrefetcherConfig `yaml:"prefetcher"`

	// Cache configures the signed on-disk snapshot cache shared
	// between cooperating processes.
	Cache CacheConfig `yaml:"cache"`

	// Compiler tunes condition compilation.
	Compiler CompilerConfig `yaml:"compiler"`

	// Matching tunes the inside-criteria matcher.
	Matching MatchingConfig `yaml:"matching"`
}

// DirectoryConfig locates the directory-graph source.
type DirectoryConfig struct {
	// GraphFile is the JSONC directory-graph file served by the file
	// backend.
	GraphFile string `yaml:"graph_file"`
}

// PrefetcherConfig tunes the refresh loop. All intervals are whole
// seconds, matching how operators reason about them.
type PrefetcherConfig struct {
	// MaxSleepSeconds caps the pause between refresh cycles.
	MaxSleepSeconds int `yaml:"max_sleep_seconds"`

	// MaxStalenessSeconds is the acceptable age of served snapshot
	// data.
	MaxStalenessSeconds int `yaml:"max_staleness_seconds"`

	// ErrorToleranceSeconds extends the staleness window when refresh
	// cycles fail; exhausting the extended window is fatal.
	ErrorToleranceSeconds int `yaml:"error_tolerance_seconds"`
}

// MaxSleep returns the configured cap as a duration.
func (c PrefetcherConfig) MaxSleep() time.Duration {
	return time.Duration(c.MaxSleepSeconds) * time.Second
}

// MaxStaleness returns the configured window as a duration.
func (c PrefetcherConfig) MaxStaleness() time.Duration {
	return time.Duration(c.MaxStalenessSeconds) * time.Second
}

// ErrorTolerance returns the configured extension as a duration.
func (c PrefetcherConfig) ErrorTolerance() time.Duration {
	return time.Duration(c.ErrorToleranceSeconds) * time.Second
}

// CacheConfig configures the on-disk snapshot cache.
type CacheConfig struct {
	// Enabled turns the cache on. When false the other fields are
	// ignored.
	Enabled bool `yaml:"enabled"`

	// Path is the cache payload file; the metadata sidecar and lock
	// files live next to it.
	Path string `yaml:"path"`

	// Secret keys the cache-file signature. Every process sharing the
	// cache must configure the same secret.
	Secret string `yaml:"secret"`

	// Coordinate enables the cross-process rebuild coordination
	// locks. Only meaningful when several processes share Path.
	Coordinate bool `yaml:"coordinate"`
}

// CompilerConfig tunes condition compilation.
type CompilerConfig struct {
	// SkipOptimization disables the condition-tree optimizer, for
	// debugging compiled output.
	SkipOptimization bool `yaml:"skip_optimization"`

	// LegacyNegation keeps negations as NOT nodes instead of
	// rewriting them into negated comparisons.
	LegacyNegation bool `yaml:"legacy_negation"`
}

// MatchingConfig tunes the inside-criteria matcher.
type MatchingConfig struct {
	// FQDNOnlyCategories lists event categories matched solely on
	// FQDN criteria.
	FQDNOnlyCategories []string `yaml:"fqdn_only_categories"`
}

// Default returns the configuration defaults. GraphFile has no
// default: the operator must point the daemon at a directory graph.
func Default() *Config {
	return &Config{
		Prefetcher: PrefetcherConfig{
			MaxSleepSeconds:       60,
			MaxStalenessSeconds:   300,
			ErrorToleranceSeconds: 300,
		},
		Matching: MatchingConfig{
			FQDNOnlyCategories: []string{"leak"},
		},
	}
}

// Load loads configuration from the N6_AUTH_CONFIG environment
// variable. There are no fallbacks: if the variable is not set, this
// fails.
func Load() (*Config, error) {
	path := os.Getenv("N6_AUTH_CONFIG")
	if path == "" {
		return nil, fmt.Errorf("N6_AUTH_CONFIG environment variable not set; " +
			"set it to the path of the daemon's YAML config file, or use --config")
	}
	return LoadFile(path)
}

// LoadFile loads and validates configuration from a specific path.
func LoadFile(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, &ConfigurationError{Err: fmt.Errorf("parsing %s: %w", path, err)}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration, collecting every violation.
func (c *Config) Validate() error {
	var errs []error

	if c.Directory.GraphFile == "" {
		errs = append(errs, fmt.Errorf("directory.graph_file is required"))
	}
	if c.Prefetcher.MaxSleepSeconds <= 0 {
		errs = append(errs, fmt.Errorf("prefetcher.max_sleep_seconds must be positive"))
	}
	if c.Prefetcher.MaxStalenessSeconds <= 0 {
		errs = append(errs, fmt.Errorf("prefetcher.max_staleness_seconds must be positive"))
	}
	if c.Prefetcher.ErrorToleranceSeconds < 0 {
		errs = append(errs, fmt.Errorf("prefetcher.error_tolerance_seconds must not be negative"))
	}
	if c.Cache.Enabled {
		if c.Cache.Path == "" {
			errs = append(errs, fmt.Errorf("cache.path is required when the cache is enabled"))
		}
		if c.Cache.Secret == "" {
			errs = append(errs, fmt.Errorf("cache.secret is required when the cache is enabled"))
		}
	}
	if c.Cache.Coordinate && !c.Cache.Enabled {
		errs = append(errs, fmt.Errorf("cache.coordinate requires cache.enabled"))
	}
	for _, category := range c.Matching.FQDNOnlyCategories {
		if category == "" {
			errs = append(errs, fmt.Errorf("matching.fqdn_only_categories must not contain empty entries"))
			break
		}
	}

	if len(errs) > 0 {
		return &ConfigurationError{Err: errors.Join(errs...)}
	}
	return nil
}
