// Copyright 2026 The n6 Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "auth.yaml")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Prefetcher.MaxSleepSeconds != 60 {
		t.Errorf("max sleep default = %d, want 60", cfg.Prefetcher.MaxSleepSeconds)
	}
	if cfg.Prefetcher.MaxStalenessSeconds != 300 {
		t.Errorf("max staleness default = %d, want 300", cfg.Prefetcher.MaxStalenessSeconds)
	}
	if len(cfg.Matching.FQDNOnlyCategories) != 1 || cfg.Matching.FQDNOnlyCategories[0] != "leak" {
		t.Errorf("fqdn-only default = %v, want [leak]", cfg.Matching.FQDNOnlyCategories)
	}
	if cfg.Cache.Enabled {
		t.Error("cache should be disabled by default")
	}
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
directory:
  graph_file: /etc/n6/directory.jsonc
prefetcher:
  max_sleep_seconds: 30
cache:
  enabled: true
  path: /var/cache/n6/auth.cache
  secret: hunter2
  coordinate: true
matching:
  fqdn_only_categories: [leak, flow]
`)
	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if cfg.Directory.GraphFile != "/etc/n6/directory.jsonc" {
		t.Errorf("graph file = %q", cfg.Directory.GraphFile)
	}
	if cfg.Prefetcher.MaxSleepSeconds != 30 {
		t.Errorf("max sleep = %d, want 30 (file overrides default)", cfg.Prefetcher.MaxSleepSeconds)
	}
	if cfg.Prefetcher.MaxStalenessSeconds != 300 {
		t.Errorf("max staleness = %d, want default 300", cfg.Prefetcher.MaxStalenessSeconds)
	}
	if !cfg.Cache.Coordinate {
		t.Error("cache.coordinate not loaded")
	}
	if len(cfg.Matching.FQDNOnlyCategories) != 2 {
		t.Errorf("fqdn-only categories = %v", cfg.Matching.FQDNOnlyCategories)
	}
}

func TestValidateCollectsEveryViolation(t *testing.T) {
	cfg := Default()
	cfg.Prefetcher.MaxSleepSeconds = 0
	cfg.Cache.Coordinate = true

	err := cfg.Validate()
	var confErr *ConfigurationError
	if !errors.As(err, &confErr) {
		t.Fatalf("Validate: %v, want ConfigurationError", err)
	}
	for _, fragment := range []string{
		"directory.graph_file",
		"prefetcher.max_sleep_seconds",
		"cache.coordinate",
	} {
		if !strings.Contains(err.Error(), fragment) {
			t.Errorf("error does not mention %q: %v", fragment, err)
		}
	}
}

func TestValidateCacheRequirements(t *testing.T) {
	cfg := Default()
	cfg.Directory.GraphFile = "/etc/n6/directory.jsonc"
	cfg.Cache.Enabled = true

	err := cfg.Validate()
	if err == nil {
		t.Fatal("enabled cache without path and secret validated")
	}
	if !strings.Contains(err.Error(), "cache.path") || !strings.Contains(err.Error(), "cache.secret") {
		t.Errorf("error = %v", err)
	}
}

func TestLoadFileRejectsMalformedYAML(t *testing.T) {
	path := writeConfig(t, "directory: [not a mapping")
	if _, err := LoadFile(path); err == nil {
		t.Fatal("malformed YAML loaded without error")
	}
}

func TestLoadRequiresEnvironmentVariable(t *testing.T) {
	t.Setenv("N6_AUTH_CONFIG", "")
	if _, err := Load(); err == nil {
		t.Fatal("Load succeeded without N6_AUTH_CONFIG")
	}
}

func TestDurationAccessors(t *testing.T) {
	cfg := PrefetcherConfig{MaxSleepSeconds: 30, MaxStalenessSeconds: 300, ErrorToleranceSeconds: 60}
	if cfg.MaxSleep().Seconds() != 30 || cfg.MaxStaleness().Seconds() != 300 || cfg.ErrorTolerance().Seconds() != 60 {
		t.Errorf("duration accessors = %v %v %v", cfg.MaxSleep(), cfg.MaxStaleness(), cfg.ErrorTolerance())
	}
}
