// Copyright 2026 The n6 Authors
// SPDX-License-Identifier: Apache-2.0

package directory

import (
	"context"
	"sync"
)

// VersionInfo is the backend's monotonic version marker together with
// its wall-clock timestamp. Version is unique per distinct data state;
// the timestamp need not be.
type VersionInfo struct {
	Version   int     `json:"version"`
	Timestamp float64 `json:"timestamp"`
}

// Backend is the directory/store the snapshots are fetched from.
// Implementations must surface transport failures as
// *CommunicationError.
type Backend interface {
	// FetchGraph returns a full point-in-time copy of the directory
	// graph and its version marker.
	FetchGraph(ctx context.Context) (*Graph, VersionInfo, error)

	// Peek returns the backend's current version marker without
	// fetching the graph.
	Peek(ctx context.Context) (VersionInfo, error)
}

// Snapshot is one immutable, versioned in-memory copy of the whole
// directory graph plus a memoization table for the expensive derived
// views. The graph must never be mutated after the snapshot is
// constructed; derived views memoized on the snapshot are read-only
// once computed.
type Snapshot struct {
	Graph *Graph
	Info  VersionInfo

	mu   sync.Mutex
	memo map[string]any
}

// NewSnapshot wraps a fetched graph in a snapshot. The caller hands
// over ownership of the graph.
func NewSnapshot(graph *Graph, info VersionInfo) *Snapshot {
	return &Snapshot{
		Graph: graph,
		Info:  info,
		memo:  make(map[string]any),
	}
}

// Memoize returns the value cached under key, computing it with
// compute on first access. The mutex guarantees at-most-once
// computation under concurrent first access; a compute error is not
// cached, so a later call retries.
func (s *Snapshot) Memoize(key string, compute func() (any, error)) (any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if value, ok := s.memo[key]; ok {
		return value, nil
	}
	value, err := compute()
	if err != nil {
		return nil, err
	}
	s.memo[key] = value
	return value, nil
}

// MemoizedKeys reports which derivations are already cached. Used by
// the prefetcher's tests to confirm eager warming before publication.
func (s *Snapshot) MemoizedKeys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys := make([]string, 0, len(s.memo))
	for key := range s.memo {
		keys = append(keys, key)
	}
	return keys
}
