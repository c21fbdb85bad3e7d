// Copyright 2026 The n6 Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/CERT-Polska/n6-sub002/lib/access"
	"github.com/CERT-Polska/n6-sub002/lib/authapi"
	"github.com/CERT-Polska/n6-sub002/lib/cond"
	"github.com/CERT-Polska/n6-sub002/lib/config"
	"github.com/CERT-Polska/n6-sub002/lib/directory"
	"github.com/CERT-Polska/n6-sub002/lib/snapcache"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var configPath string
	var dump bool
	var logLevel string

	flagSet := pflag.NewFlagSet("n6-authd", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", "",
		"path to the YAML config file (default: $N6_AUTH_CONFIG)")
	flagSet.BoolVar(&dump, "dump", false,
		"resolve the directory once, print derived access info as JSON, exit")
	flagSet.StringVar(&logLevel, "log-level", "info",
		"log level: debug, info, warn, error")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		return err
	}

	logger, err := newLogger(logLevel)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	backend := directory.NewFileBackend(cfg.Directory.GraphFile, logger)
	compiler := cond.NewCompiler(cond.Options{
		SkipOptimize:   cfg.Compiler.SkipOptimization,
		LegacyNegation: cfg.Compiler.LegacyNegation,
	})

	var cache *snapcache.DiskCache
	var coordinator *snapcache.Coordinator
	if cfg.Cache.Enabled {
		cache = snapcache.NewDiskCache(cfg.Cache.Path, []byte(cfg.Cache.Secret), processStamp(), nil)
		if cfg.Cache.Coordinate {
			coordinator, err = snapcache.NewCoordinator(cfg.Cache.Path)
			if err != nil {
				return fmt.Errorf("setting up cache coordination: %w", err)
			}
			defer coordinator.Close()
		}
	}

	// The warm hook and the snapshot source reference each other:
	// the prefetcher warms snapshots through the center, the center
	// reads snapshots from the prefetcher. The indirection below
	// breaks the construction cycle; Run starts only after both
	// exist.
	var center *authapi.Center
	prefetcher, err := snapcache.NewPrefetcher(snapcache.Options{
		Backend:     backend,
		Cache:       cache,
		Coordinator: coordinator,
		Warm:        func(s *directory.Snapshot) error { return center.Warm(s) },
		Logger:      logger,
		Config: snapcache.Config{
			MaxSleep:       cfg.Prefetcher.MaxSleep(),
			MaxStaleness:   cfg.Prefetcher.MaxStaleness(),
			ErrorTolerance: cfg.Prefetcher.ErrorTolerance(),
		},
	})
	if err != nil {
		return err
	}
	center, err = authapi.NewCenter(authapi.Options{
		Source:             prefetcher,
		Compiler:           compiler,
		FQDNOnlyCategories: cfg.Matching.FQDNOnlyCategories,
		Logger:             logger,
	})
	if err != nil {
		return err
	}

	done := make(chan error, 1)
	go func() { done <- prefetcher.Run(ctx) }()

	if dump {
		if err := dumpAccessInfo(ctx, center, os.Stdout); err != nil {
			return err
		}
		stop()
		<-done
		return nil
	}

	logger.Info("authorization daemon running",
		"graph_file", cfg.Directory.GraphFile,
		"cache_enabled", cfg.Cache.Enabled,
		"max_sleep", cfg.Prefetcher.MaxSleep(),
		"max_staleness", cfg.Prefetcher.MaxStaleness(),
	)

	err = <-done
	if errors.Is(err, context.Canceled) {
		logger.Info("shutting down")
		return nil
	}
	return err
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFile(path)
	}
	return config.Load()
}

func newLogger(level string) (*slog.Logger, error) {
	var slogLevel slog.Level
	switch level {
	case "debug":
		slogLevel = slog.LevelDebug
	case "info":
		slogLevel = slog.LevelInfo
	case "warn":
		slogLevel = slog.LevelWarn
	case "error":
		slogLevel = slog.LevelError
	default:
		return nil, fmt.Errorf("unknown log level %q", level)
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slogLevel,
	})), nil
}

// processStamp identifies this process in cache-file headers.
func processStamp() string {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	return fmt.Sprintf("n6-authd@%s#%d", hostname, os.Getpid())
}

// dumpDoc is the top-level JSON shape of --dump output.
type dumpDoc struct {
	Version int                `json:"version"`
	Orgs    map[string]orgDump `json:"orgs"`
}

// orgDump is one organization's derived access information.
type orgDump struct {
	FullAccess bool                             `json:"full_access"`
	Conditions map[string]string                `json:"conditions"`
	Resources  map[string]access.ResourceLimits `json:"resources"`
}

func dumpAccessInfo(ctx context.Context, center *authapi.Center, out io.Writer) error {
	waitCtx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()
	session, err := center.Begin(waitCtx)
	if err != nil {
		return fmt.Errorf("waiting for first snapshot: %w", err)
	}
	defer session.End()

	infos, err := session.OrgIDsToAccessInfos()
	if err != nil {
		return err
	}

	doc := dumpDoc{
		Version: session.Version().Version,
		Orgs:    make(map[string]orgDump, len(infos)),
	}
	for orgID, info := range infos {
		entry := orgDump{
			FullAccess: info.FullAccess,
			Conditions: make(map[string]string, len(info.Conditions)),
			Resources:  info.ResourceLimits,
		}
		for zone, compiled := range info.Conditions {
			entry.Conditions[string(zone)] = compiled.SQL
		}
		doc.Orgs[string(orgID)] = entry
	}

	encoder := json.NewEncoder(out)
	encoder.SetIndent("", "  ")
	// Map keys are sorted by the encoder, so successive dumps diff
	// cleanly.
	return encoder.Encode(doc)
}
