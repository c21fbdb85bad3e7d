// Copyright 2026 The n6 Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/CERT-Polska/n6-sub002/lib/authapi"
	"github.com/CERT-Polska/n6-sub002/lib/directory"
	"github.com/CERT-Polska/n6-sub002/lib/snapcache"
)

const testDirectoryDoc = `{
	"version": 3,
	"timestamp": 1700000000.0,
	"orgs": {
		"o1": {
			"actual_name": "Org One",
			"channels": {
				"inside": {"inclusion": {"subsources": ["p1"]}},
			},
			"resources": {
				"/report/inside": {"window": 7200},
			},
		},
	},
	"subsources": {
		"p1": {"source": "provider.alpha", "inclusions": ["c1"]},
	},
	"criteria": {
		"c1": {"asns": [64496]},
	},
}`

func TestDumpAccessInfo(t *testing.T) {
	path := filepath.Join(t.TempDir(), "directory.jsonc")
	if err := os.WriteFile(path, []byte(testDirectoryDoc), 0600); err != nil {
		t.Fatal(err)
	}

	prefetcher, err := snapcache.NewPrefetcher(snapcache.Options{
		Backend: directory.NewFileBackend(path, nil),
		Config: snapcache.Config{
			MaxSleep:       30 * time.Second,
			MaxStaleness:   5 * time.Minute,
			ErrorTolerance: 5 * time.Minute,
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	center, err := authapi.NewCenter(authapi.Options{Source: prefetcher})
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- prefetcher.Run(ctx) }()

	var out bytes.Buffer
	if err := dumpAccessInfo(ctx, center, &out); err != nil {
		t.Fatalf("dumpAccessInfo: %v", err)
	}
	cancel()
	<-done

	var doc dumpDoc
	if err := json.Unmarshal(out.Bytes(), &doc); err != nil {
		t.Fatalf("dump output is not JSON: %v\n%s", err, out.String())
	}
	if doc.Version != 3 {
		t.Errorf("dumped version = %d, want 3", doc.Version)
	}
	entry, ok := doc.Orgs["o1"]
	if !ok {
		t.Fatalf("o1 missing from dump: %s", out.String())
	}
	condition, ok := entry.Conditions["inside"]
	if !ok || !strings.Contains(condition, "source = 'provider.alpha'") {
		t.Errorf("o1 inside condition = %q", condition)
	}
	limits, ok := entry.Resources["/report/inside"]
	if !ok || limits.Window != 7200 {
		t.Errorf("o1 /report/inside limits = %+v", entry.Resources)
	}
}

func TestNewLogger(t *testing.T) {
	for _, level := range []string{"debug", "info", "warn", "error"} {
		if _, err := newLogger(level); err != nil {
			t.Errorf("newLogger(%q): %v", level, err)
		}
	}
	if _, err := newLogger("loud"); err == nil {
		t.Error("newLogger accepted an unknown level")
	}
}

func TestProcessStamp(t *testing.T) {
	stamp := processStamp()
	if !strings.HasPrefix(stamp, "n6-authd@") {
		t.Errorf("process stamp = %q", stamp)
	}
}
