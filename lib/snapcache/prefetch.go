// Copyright 2026 The n6 Authors
// SPDX-License-Identifier: Apache-2.0

package snapcache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/CERT-Polska/n6-sub002/lib/clock"
	"github.com/CERT-Polska/n6-sub002/lib/directory"
)

// Config tunes the refresh loop.
type Config struct {
	// MaxSleep caps the pause between refresh cycles.
	MaxSleep time.Duration

	// MaxStaleness is the acceptable age of served snapshot data. An
	// on-disk cache within this window (extended by the last observed
	// rebuild duration) is loaded instead of rebuilding.
	MaxStaleness time.Duration

	// ErrorTolerance extends MaxStaleness when refresh cycles fail:
	// the last published snapshot keeps being served until
	// MaxStaleness+ErrorTolerance, after which the condition is
	// fatal. Serving arbitrarily stale authorization data silently is
	// worse than crashing.
	ErrorTolerance time.Duration
}

// StalenessError is the fatal outcome of exhausting the extended
// error-tolerance window without a successful refresh.
type StalenessError struct {
	Age time.Duration
	Err error
}

func (e *StalenessError) Error() string {
	return fmt.Sprintf("snapshot staleness unrecoverable (age %v): %v", e.Age, e.Err)
}

func (e *StalenessError) Unwrap() error { return e.Err }

// WarmFunc eagerly computes the expensive derived views of a snapshot
// so they are memoized before publication. Wired by the façade
// (lib/authapi) to keep this package free of a dependency on the
// derivation code.
type WarmFunc func(*directory.Snapshot) error

// Options configures a Prefetcher.
type Options struct {
	// Backend is required.
	Backend directory.Backend

	// Cache enables the signed on-disk cache; nil disables it.
	Cache *DiskCache

	// Coordinator enables cross-process rebuild coordination; only
	// meaningful when Cache is shared between processes.
	Coordinator *Coordinator

	// Warm pre-computes derived views before publication; nil skips
	// warming.
	Warm WarmFunc

	// Clock defaults to clock.Real().
	Clock clock.Clock

	// Logger defaults to slog.Default().
	Logger *slog.Logger

	Config Config
}

// Prefetcher runs the background refresh loop and owns the published
// snapshot. All consumer reads go through Current or WaitFirst; the
// published pointer is swapped atomically and a snapshot is never
// mutated after publication.
type Prefetcher struct {
	backend     directory.Backend
	cache       *DiskCache
	coordinator *Coordinator
	warm        WarmFunc
	clock       clock.Clock
	logger      *slog.Logger
	config      Config

	current    atomic.Pointer[directory.Snapshot]
	firstReady chan struct{}
	firstOnce  sync.Once

	// Loop-private state, touched only by the Run goroutine.
	haveSeenVersion     bool
	lastSeenVersion     int
	lastRebuildDuration time.Duration
	lastPublish         time.Time
}

// NewPrefetcher validates options and builds a Prefetcher. Run must
// be started by the caller.
func NewPrefetcher(options Options) (*Prefetcher, error) {
	if options.Backend == nil {
		return nil, errors.New("snapcache: backend is required")
	}
	if options.Config.MaxSleep <= 0 || options.Config.MaxStaleness <= 0 {
		return nil, errors.New("snapcache: MaxSleep and MaxStaleness must be positive")
	}
	if options.Coordinator != nil && options.Cache == nil {
		return nil, errors.New("snapcache: a coordinator requires a shared cache")
	}
	if options.Clock == nil {
		options.Clock = clock.Real()
	}
	if options.Logger == nil {
		options.Logger = slog.Default()
	}
	return &Prefetcher{
		backend:     options.Backend,
		cache:       options.Cache,
		coordinator: options.Coordinator,
		warm:        options.Warm,
		clock:       options.Clock,
		logger:      options.Logger,
		config:      options.Config,
		firstReady:  make(chan struct{}),
	}, nil
}

// Current returns the last published snapshot, nil before the first
// publication.
func (p *Prefetcher) Current() *directory.Snapshot {
	return p.current.Load()
}

// WaitFirst blocks until the first snapshot is published or the
// context is canceled.
func (p *Prefetcher) WaitFirst(ctx context.Context) (*directory.Snapshot, error) {
	select {
	case <-p.firstReady:
		return p.current.Load(), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Run loops refresh cycles until the context is canceled or staleness
// becomes unrecoverable. It is the only goroutine that mutates the
// loop state; consumers never block against it except for the first
// snapshot.
func (p *Prefetcher) Run(ctx context.Context) error {
	for {
		if err := p.cycle(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			age := p.clock.Now().Sub(p.lastPublish)
			if p.current.Load() != nil && age <= p.config.MaxStaleness+p.config.ErrorTolerance {
				p.logger.Error("snapshot refresh failed, keeping last snapshot",
					"error", err, "age", age)
			} else {
				return &StalenessError{Age: age, Err: err}
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.clock.After(p.sleepInterval()):
		}
	}
}

// sleepInterval is the minimum of MaxSleep and the time remaining
// before staleness becomes unacceptable, recomputed every cycle.
func (p *Prefetcher) sleepInterval() time.Duration {
	interval := p.config.MaxSleep
	if !p.lastPublish.IsZero() {
		remaining := p.lastPublish.Add(p.config.MaxStaleness).Sub(p.clock.Now())
		if remaining < interval {
			interval = remaining
		}
	}
	if interval < time.Second {
		interval = time.Second
	}
	return interval
}

// cycle is one pass of the CHECK → {REUSE_LAST | REUSE_PICKLE |
// REBUILD} → PUBLISH state machine.
func (p *Prefetcher) cycle(ctx context.Context) error {
	info, err := p.backend.Peek(ctx)
	if err != nil {
		return fmt.Errorf("checking backend version: %w", err)
	}

	if p.haveSeenVersion && info.Version < p.lastSeenVersion {
		// A backward-moving version means the backend was reset or
		// restored from a backup. Discard the stale comparison data
		// and rebuild from scratch.
		p.logger.Error("backend version moved backward, assuming backend reset",
			"last_seen", p.lastSeenVersion, "current", info.Version)
		p.haveSeenVersion = false
		return p.rebuild(ctx)
	}
	p.haveSeenVersion = true
	p.lastSeenVersion = info.Version

	// REUSE_LAST: the published snapshot still matches the backend.
	if current := p.current.Load(); current != nil && current.Info.Version == info.Version {
		p.publish(current)
		return nil
	}

	// REUSE_PICKLE: the on-disk cache matches, or is recent enough.
	if p.cache != nil && p.tryLoadCache(info) {
		return nil
	}

	return p.rebuild(ctx)
}

// tryLoadCache publishes the on-disk cache if it matches the backend
// version or is within the acceptable-staleness window (discounted by
// the rebuild duration recorded in the metadata, to avoid rebuild
// thrash). Integrity failures are cache misses.
func (p *Prefetcher) tryLoadCache(info directory.VersionInfo) bool {
	metadata, err := p.cache.PeekMetadata()
	if err != nil {
		p.logger.Debug("snapshot cache metadata unusable", "error", err)
		return false
	}

	if metadata.Version != info.Version {
		age := p.clock.Now().Sub(time.Unix(0, int64(metadata.Timestamp*float64(time.Second))))
		discount := time.Duration(metadata.JobDuration * float64(time.Second))
		if age > p.config.MaxStaleness+discount {
			return false
		}
	}

	return p.loadAndPublishCache()
}

// loadAndPublishCache loads, warms and publishes the cached snapshot,
// holding the shared ACTIVITY lock while reading when a coordinator
// is configured.
func (p *Prefetcher) loadAndPublishCache() bool {
	if p.coordinator != nil {
		if err := p.coordinator.EnterActivity(); err != nil {
			p.logger.Warn("cache coordination failed", "error", err)
			return false
		}
		defer p.coordinator.LeaveActivity()
	}

	snapshot, err := p.cache.Load()
	if err != nil {
		p.logger.Warn("snapshot cache unusable, will rebuild", "error", err)
		return false
	}
	if err := p.warmSnapshot(snapshot); err != nil {
		p.logger.Warn("warming cached snapshot failed, will rebuild", "error", err)
		return false
	}
	p.haveSeenVersion = true
	p.lastSeenVersion = snapshot.Info.Version
	p.publish(snapshot)
	return true
}

// rebuild fetches a fresh graph, eagerly warms the derived views,
// persists the result and publishes it. With a coordinator, only the
// designated process rebuilds; the others wait for it and consume its
// cache file.
func (p *Prefetcher) rebuild(ctx context.Context) error {
	if p.coordinator != nil {
		leader, err := p.coordinator.DesignateRebuild()
		if err != nil {
			return fmt.Errorf("designating rebuild job: %w", err)
		}
		if !leader {
			return p.followRebuild(ctx)
		}
		defer p.coordinator.FinishRebuild()
	}

	started := p.clock.Now()
	graph, info, err := p.backend.FetchGraph(ctx)
	if err != nil {
		return fmt.Errorf("fetching directory graph: %w", err)
	}
	snapshot := directory.NewSnapshot(graph, info)
	if err := p.warmSnapshot(snapshot); err != nil {
		return fmt.Errorf("warming snapshot: %w", err)
	}
	duration := p.clock.Now().Sub(started)
	p.lastRebuildDuration = duration

	if p.cache != nil {
		p.storeCache(snapshot, duration)
	}

	p.haveSeenVersion = true
	p.lastSeenVersion = info.Version
	p.publish(snapshot)
	return nil
}

// followRebuild is the non-leader path: wait for the leader to finish
// and consume its cache file. Falls back to an uncoordinated local
// rebuild if the leader's cache is unusable (leader crash).
func (p *Prefetcher) followRebuild(ctx context.Context) error {
	if err := p.coordinator.BeginConsuming(); err != nil {
		return fmt.Errorf("taking outcome lock: %w", err)
	}
	defer p.coordinator.DoneConsuming()

	if err := p.coordinator.WaitForRebuild(); err != nil {
		return fmt.Errorf("waiting for rebuild: %w", err)
	}
	if p.loadAndPublishCache() {
		return nil
	}

	p.logger.Warn("rebuilder's cache unusable, rebuilding locally")
	started := p.clock.Now()
	graph, info, err := p.backend.FetchGraph(ctx)
	if err != nil {
		return fmt.Errorf("fetching directory graph: %w", err)
	}
	snapshot := directory.NewSnapshot(graph, info)
	if err := p.warmSnapshot(snapshot); err != nil {
		return fmt.Errorf("warming snapshot: %w", err)
	}
	p.lastRebuildDuration = p.clock.Now().Sub(started)
	p.haveSeenVersion = true
	p.lastSeenVersion = info.Version
	p.publish(snapshot)
	return nil
}

// storeCache persists a snapshot, waiting out concurrent readers when
// coordinated. A store failure is logged, not fatal: the cache is an
// optimization.
func (p *Prefetcher) storeCache(snapshot *directory.Snapshot, duration time.Duration) {
	if p.coordinator != nil {
		if err := p.coordinator.EnterActivity(); err != nil {
			p.logger.Warn("cache coordination failed, skipping cache store", "error", err)
			return
		}
		defer p.coordinator.LeaveActivity()
		if err := p.coordinator.AwaitExclusiveActivity(); err != nil {
			p.logger.Warn("cache coordination failed, skipping cache store", "error", err)
			return
		}
	}
	if err := p.cache.Store(snapshot, duration); err != nil {
		p.logger.Warn("persisting snapshot cache failed", "error", err)
	}
}

func (p *Prefetcher) warmSnapshot(snapshot *directory.Snapshot) error {
	if p.warm == nil {
		return nil
	}
	return p.warm(snapshot)
}

// publish makes a snapshot the current one. Republishing the same
// snapshot only refreshes the staleness bookkeeping.
func (p *Prefetcher) publish(snapshot *directory.Snapshot) {
	p.current.Store(snapshot)
	p.lastPublish = p.clock.Now()
	p.firstOnce.Do(func() { close(p.firstReady) })
	p.logger.Info("snapshot published",
		"version", snapshot.Info.Version, "timestamp", snapshot.Info.Timestamp)
}
