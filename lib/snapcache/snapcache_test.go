// Copyright 2026 The n6 Authors
// SPDX-License-Identifier: Apache-2.0

package snapcache

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/CERT-Polska/n6-sub002/lib/access"
	"github.com/CERT-Polska/n6-sub002/lib/clock"
	"github.com/CERT-Polska/n6-sub002/lib/cond"
	"github.com/CERT-Polska/n6-sub002/lib/directory"
	"github.com/CERT-Polska/n6-sub002/lib/testutil"
)

func testGraph(version int) (*directory.Graph, directory.VersionInfo) {
	graph := &directory.Graph{
		Orgs: map[directory.OrgID]*directory.Org{
			"o1": {
				ID:         "o1",
				FullAccess: true,
				Channels: map[directory.Zone]*directory.Channel{
					directory.ZoneThreats: {
						Inclusion: directory.EdgeSet{Subsources: []string{"p1"}},
					},
				},
			},
		},
		Subsources: map[string]*directory.Subsource{
			"p1": {ID: "p1", Source: "source.one", Inclusions: []string{"c1"}},
		},
		Criteria: map[string]*directory.CriteriaContainer{
			"c1": {ID: "c1", ASNs: []int{1, 2, 3}},
		},
	}
	return graph, directory.VersionInfo{Version: version, Timestamp: float64(1000 + version)}
}

func newTestCache(t *testing.T, clk clock.Clock) *DiskCache {
	t.Helper()
	path := filepath.Join(t.TempDir(), "snapshot.cache")
	return NewDiskCache(path, []byte("test-secret"), "test-process", clk)
}

func TestCacheRoundTrip(t *testing.T) {
	graph, info := testGraph(7)
	snapshot := directory.NewSnapshot(graph, info)

	cache := newTestCache(t, nil)
	if err := cache.Store(snapshot, 2*time.Second); err != nil {
		t.Fatalf("Store: %v", err)
	}

	loaded, err := cache.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.Info != info {
		t.Errorf("loaded info = %+v, want %+v", loaded.Info, info)
	}
	original := snapshot.Graph.Subsources["p1"]
	restored := loaded.Graph.Subsources["p1"]
	if restored == nil || restored.Source != original.Source {
		t.Errorf("restored subsource = %+v, want %+v", restored, original)
	}
	if got := loaded.Graph.Criteria["c1"]; got == nil || len(got.ASNs) != 3 {
		t.Errorf("restored criteria = %+v", loaded.Graph.Criteria["c1"])
	}

	// The loaded snapshot must compile to the same access information
	// as the original, condition for condition.
	compiler := cond.NewCompiler(cond.Options{})
	originalInfos := access.CompileAccessInfo(snapshot, compiler, nil)
	restoredInfos := access.CompileAccessInfo(loaded, compiler, nil)
	if len(restoredInfos) != len(originalInfos) {
		t.Fatalf("restored %d access infos, want %d", len(restoredInfos), len(originalInfos))
	}
	for orgID, originalInfo := range originalInfos {
		restoredInfo := restoredInfos[orgID]
		if restoredInfo == nil {
			t.Errorf("org %s missing from restored access infos", orgID)
			continue
		}
		if restoredInfo.FullAccess != originalInfo.FullAccess {
			t.Errorf("org %s full access = %v, want %v", orgID, restoredInfo.FullAccess, originalInfo.FullAccess)
		}
		if !reflect.DeepEqual(restoredInfo.ResourceLimits, originalInfo.ResourceLimits) {
			t.Errorf("org %s limits = %+v, want %+v", orgID, restoredInfo.ResourceLimits, originalInfo.ResourceLimits)
		}
		if len(restoredInfo.Conditions) != len(originalInfo.Conditions) {
			t.Errorf("org %s has %d conditions, want %d", orgID, len(restoredInfo.Conditions), len(originalInfo.Conditions))
			continue
		}
		for zone, originalCompiled := range originalInfo.Conditions {
			if got, want := restoredInfo.Conditions[zone].SQL, originalCompiled.SQL; got != want {
				t.Errorf("org %s zone %s condition = %q, want %q", orgID, zone, got, want)
			}
		}
	}

	metadata, err := cache.PeekMetadata()
	if err != nil {
		t.Fatalf("PeekMetadata: %v", err)
	}
	if metadata.Version != 7 || metadata.JobDuration != 2 {
		t.Errorf("metadata = %+v", metadata)
	}
}

func TestCacheRejectsTampering(t *testing.T) {
	graph, info := testGraph(1)
	cache := newTestCache(t, nil)
	if err := cache.Store(directory.NewSnapshot(graph, info), time.Second); err != nil {
		t.Fatalf("Store: %v", err)
	}

	payload, err := os.ReadFile(cache.payloadPath)
	if err != nil {
		t.Fatal(err)
	}
	tampered := append([]byte(nil), payload...)
	tampered[len(tampered)-1] ^= 0xFF
	if err := os.WriteFile(cache.payloadPath, tampered, 0600); err != nil {
		t.Fatal(err)
	}

	var integrity *IntegrityError
	if _, err := cache.Load(); !errors.As(err, &integrity) {
		t.Fatalf("Load after tamper: %v, want IntegrityError", err)
	}
}

func TestCacheRejectsTruncation(t *testing.T) {
	graph, info := testGraph(1)
	cache := newTestCache(t, nil)
	if err := cache.Store(directory.NewSnapshot(graph, info), time.Second); err != nil {
		t.Fatalf("Store: %v", err)
	}
	if err := os.WriteFile(cache.payloadPath, []byte("short"), 0600); err != nil {
		t.Fatal(err)
	}

	var integrity *IntegrityError
	if _, err := cache.Load(); !errors.As(err, &integrity) {
		t.Fatalf("Load after truncation: %v, want IntegrityError", err)
	}
}

func TestCacheRejectsStaleHeader(t *testing.T) {
	fake := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	graph, info := testGraph(1)
	cache := newTestCache(t, fake)
	if err := cache.Store(directory.NewSnapshot(graph, info), time.Second); err != nil {
		t.Fatalf("Store: %v", err)
	}

	// A signature-valid file older than the hard ceiling is refused.
	fake.Advance(MaxHeaderAge + time.Hour)
	var integrity *IntegrityError
	if _, err := cache.Load(); !errors.As(err, &integrity) {
		t.Fatalf("Load of stale file: %v, want IntegrityError", err)
	}
}

func TestDesignateRebuildExactlyOneLeader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snapshot.cache")

	first, err := NewCoordinator(path)
	if err != nil {
		t.Fatal(err)
	}
	defer first.Close()
	second, err := NewCoordinator(path)
	if err != nil {
		t.Fatal(err)
	}
	defer second.Close()

	results := make(chan bool, 2)
	var wg sync.WaitGroup
	for _, coordinator := range []*Coordinator{first, second} {
		wg.Add(1)
		go func(c *Coordinator) {
			defer wg.Done()
			leader, err := c.DesignateRebuild()
			if err != nil {
				t.Errorf("DesignateRebuild: %v", err)
			}
			results <- leader
		}(coordinator)
	}
	wg.Wait()
	close(results)

	leaders := 0
	for leader := range results {
		if leader {
			leaders++
		}
	}
	if leaders != 1 {
		t.Errorf("leaders = %d, want exactly 1", leaders)
	}
}

func TestDesignateRebuildAfterFinish(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snapshot.cache")
	first, err := NewCoordinator(path)
	if err != nil {
		t.Fatal(err)
	}
	defer first.Close()
	second, err := NewCoordinator(path)
	if err != nil {
		t.Fatal(err)
	}
	defer second.Close()

	if leader, _ := first.DesignateRebuild(); !leader {
		t.Fatal("first coordinator should lead on an idle cache")
	}
	if leader, _ := second.DesignateRebuild(); leader {
		t.Fatal("second coordinator led while the first held the job")
	}
	if err := first.FinishRebuild(); err != nil {
		t.Fatal(err)
	}
	if leader, _ := second.DesignateRebuild(); !leader {
		t.Fatal("second coordinator should lead once the job is released")
	}
}

// fakeBackend is an in-memory directory.Backend with adjustable
// version and failure injection.
type fakeBackend struct {
	mu         sync.Mutex
	graph      *directory.Graph
	info       directory.VersionInfo
	peekErr    error
	fetchErr   error
	fetchCalls int
}

func newFakeBackend(version int) *fakeBackend {
	graph, info := testGraph(version)
	return &fakeBackend{graph: graph, info: info}
}

func (b *fakeBackend) setVersion(version int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.graph, b.info = testGraph(version)
}

func (b *fakeBackend) fetchCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.fetchCalls
}

func (b *fakeBackend) Peek(ctx context.Context) (directory.VersionInfo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.peekErr != nil {
		return directory.VersionInfo{}, b.peekErr
	}
	return b.info, nil
}

func (b *fakeBackend) FetchGraph(ctx context.Context) (*directory.Graph, directory.VersionInfo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.fetchErr != nil {
		return nil, directory.VersionInfo{}, b.fetchErr
	}
	b.fetchCalls++
	return b.graph, b.info, nil
}

// waitForSleeper polls until the Run goroutine has registered its
// cycle pause on the fake clock.
func waitForSleeper(t *testing.T, fake *clock.FakeClock) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if fake.WaiterCount() > 0 {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("prefetcher never reached its cycle sleep")
}

func waitForFetchCount(t *testing.T, backend *fakeBackend, want int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if backend.fetchCount() >= want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("fetch count never reached %d (got %d)", want, backend.fetchCount())
}

func testConfig() Config {
	return Config{
		MaxSleep:       10 * time.Second,
		MaxStaleness:   time.Minute,
		ErrorTolerance: time.Minute,
	}
}

func TestPrefetcherPublishesAndReusesLast(t *testing.T) {
	backend := newFakeBackend(1)
	fake := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	prefetcher, err := NewPrefetcher(Options{
		Backend: backend,
		Clock:   fake,
		Config:  testConfig(),
	})
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- prefetcher.Run(ctx) }()

	snapshot, err := prefetcher.WaitFirst(context.Background())
	if err != nil {
		t.Fatalf("WaitFirst: %v", err)
	}
	if snapshot.Info.Version != 1 {
		t.Errorf("first snapshot version = %d, want 1", snapshot.Info.Version)
	}
	if backend.fetchCount() != 1 {
		t.Errorf("fetch count = %d, want 1", backend.fetchCount())
	}

	// Same backend version: the next cycle republishes without a
	// fetch (REUSE_LAST).
	waitForSleeper(t, fake)
	fake.Advance(10 * time.Second)
	waitForSleeper(t, fake)
	if backend.fetchCount() != 1 {
		t.Errorf("fetch count after REUSE_LAST cycle = %d, want 1", backend.fetchCount())
	}

	// New backend version: the next cycle rebuilds.
	backend.setVersion(2)
	fake.Advance(10 * time.Second)
	waitForFetchCount(t, backend, 2)

	deadline := time.Now().Add(5 * time.Second)
	for prefetcher.Current().Info.Version != 2 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if got := prefetcher.Current().Info.Version; got != 2 {
		t.Errorf("published version = %d, want 2", got)
	}

	cancel()
	runErr := testutil.RequireReceive(t, done, 5*time.Second, "Run join")
	if !errors.Is(runErr, context.Canceled) {
		t.Errorf("Run returned %v, want context.Canceled", runErr)
	}
}

func TestPrefetcherBackwardVersionRebuilds(t *testing.T) {
	backend := newFakeBackend(5)
	fake := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	prefetcher, err := NewPrefetcher(Options{
		Backend: backend,
		Clock:   fake,
		Config:  testConfig(),
	})
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- prefetcher.Run(ctx) }()

	if _, err := prefetcher.WaitFirst(context.Background()); err != nil {
		t.Fatal(err)
	}

	// Backend reset: version drops from 5 to 3. The prefetcher must
	// rebuild rather than trust any stale comparison data.
	backend.setVersion(3)
	waitForSleeper(t, fake)
	fake.Advance(10 * time.Second)
	waitForFetchCount(t, backend, 2)

	deadline := time.Now().Add(5 * time.Second)
	for prefetcher.Current().Info.Version != 3 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if got := prefetcher.Current().Info.Version; got != 3 {
		t.Errorf("published version = %d, want 3", got)
	}

	cancel()
	testutil.RequireReceive(t, done, 5*time.Second, "Run join")
}

func TestPrefetcherFatalWhenNeverPublished(t *testing.T) {
	backend := newFakeBackend(1)
	backend.peekErr = &directory.CommunicationError{Op: "peek", Err: errors.New("down")}

	prefetcher, err := NewPrefetcher(Options{
		Backend: backend,
		Clock:   clock.Fake(time.Unix(1000, 0)),
		Config:  testConfig(),
	})
	if err != nil {
		t.Fatal(err)
	}

	runErr := prefetcher.Run(context.Background())
	var staleness *StalenessError
	if !errors.As(runErr, &staleness) {
		t.Fatalf("Run returned %v, want StalenessError", runErr)
	}
}

func TestPrefetcherLoadsFreshCacheInsteadOfFetching(t *testing.T) {
	backend := newFakeBackend(4)
	fake := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	cache := newTestCache(t, fake)

	// Another process already cached exactly the backend's version.
	graph, info := testGraph(4)
	if err := cache.Store(directory.NewSnapshot(graph, info), time.Second); err != nil {
		t.Fatal(err)
	}

	prefetcher, err := NewPrefetcher(Options{
		Backend: backend,
		Cache:   cache,
		Clock:   fake,
		Config:  testConfig(),
	})
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- prefetcher.Run(ctx) }()

	snapshot, err := prefetcher.WaitFirst(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if snapshot.Info.Version != 4 {
		t.Errorf("published version = %d, want 4", snapshot.Info.Version)
	}
	if backend.fetchCount() != 0 {
		t.Errorf("fetch count = %d, want 0 (cache should have served)", backend.fetchCount())
	}

	cancel()
	testutil.RequireReceive(t, done, 5*time.Second, "Run join")
}

func TestPrefetcherRebuildPersistsCache(t *testing.T) {
	backend := newFakeBackend(9)
	fake := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	cache := newTestCache(t, fake)

	warmed := 0
	prefetcher, err := NewPrefetcher(Options{
		Backend: backend,
		Cache:   cache,
		Clock:   fake,
		Config:  testConfig(),
		Warm: func(snapshot *directory.Snapshot) error {
			warmed++
			_, err := snapshot.Memoize("warmed", func() (any, error) { return true, nil })
			return err
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- prefetcher.Run(ctx) }()

	snapshot, err := prefetcher.WaitFirst(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if warmed == 0 {
		t.Error("derived views were not eagerly warmed before publication")
	}
	if keys := snapshot.MemoizedKeys(); len(keys) != 1 || keys[0] != "warmed" {
		t.Errorf("memoized keys = %v, want [warmed]", keys)
	}

	metadata, err := cache.PeekMetadata()
	if err != nil {
		t.Fatalf("cache was not persisted after rebuild: %v", err)
	}
	if metadata.Version != 9 {
		t.Errorf("cached version = %d, want 9", metadata.Version)
	}

	cancel()
	testutil.RequireReceive(t, done, 5*time.Second, "Run join")
}
