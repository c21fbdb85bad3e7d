// Copyright 2026 The n6 Authors
// SPDX-License-Identifier: Apache-2.0

package directory

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
)

func TestCoerceBool(t *testing.T) {
	tests := []struct {
		value   any
		want    bool
		wantErr bool
	}{
		{nil, false, false},
		{true, true, false},
		{false, false, false},
		{float64(1), true, false},
		{float64(0), false, false},
		{float64(2), false, true},
		{"TRUE", true, false},
		{"yes", true, false},
		{"1", true, false},
		{" false ", false, false},
		{"no", false, false},
		{"", false, false},
		{"maybe", false, true},
		{[]any{}, false, true},
	}
	for _, test := range tests {
		got, err := CoerceBool(test.value)
		if (err != nil) != test.wantErr {
			t.Errorf("CoerceBool(%#v) error = %v, wantErr %v", test.value, err, test.wantErr)
			continue
		}
		if got != test.want {
			t.Errorf("CoerceBool(%#v) = %v, want %v", test.value, got, test.want)
		}
	}
}

func TestCoerceInt(t *testing.T) {
	if got, err := CoerceInt(nil); err != nil || got != nil {
		t.Errorf("CoerceInt(nil) = %v, %v, want nil, nil", got, err)
	}
	if got, err := CoerceInt(float64(42)); err != nil || got == nil || *got != 42 {
		t.Errorf("CoerceInt(42) = %v, %v", got, err)
	}
	if got, err := CoerceInt(" 17 "); err != nil || got == nil || *got != 17 {
		t.Errorf("CoerceInt(\" 17 \") = %v, %v", got, err)
	}
	if _, err := CoerceInt(float64(1.5)); err == nil {
		t.Error("CoerceInt(1.5) accepted a fractional value")
	}
	if _, err := CoerceInt("many"); err == nil {
		t.Error("CoerceInt(\"many\") accepted a non-number")
	}
}

func TestIPv4Range(t *testing.T) {
	tests := []struct {
		cidr      string
		low, high uint32
		wantErr   bool
	}{
		{"10.0.0.0/8", 0x0A000000, 0x0AFFFFFF, false},
		{"192.168.1.0/24", 0xC0A80100, 0xC0A801FF, false},
		{"1.2.3.4/32", 0x01020304, 0x01020304, false},
		{"0.0.0.0/0", 0, 1<<32 - 1, false},
		{"10.0.0.0/33", 0, 0, true},
		{"not-a-cidr", 0, 0, true},
		{"2001:db8::/32", 0, 0, true},
	}
	for _, test := range tests {
		low, high, err := IPv4Range(test.cidr)
		if (err != nil) != test.wantErr {
			t.Errorf("IPv4Range(%q) error = %v, wantErr %v", test.cidr, err, test.wantErr)
			continue
		}
		if low != test.low || high != test.high {
			t.Errorf("IPv4Range(%q) = (%#x, %#x), want (%#x, %#x)",
				test.cidr, low, high, test.low, test.high)
		}
	}
}

func TestSnapshotMemoizeAtMostOnce(t *testing.T) {
	snapshot := NewSnapshot(&Graph{}, VersionInfo{Version: 1})

	var computed int
	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			value, err := snapshot.Memoize("view", func() (any, error) {
				computed++
				return "derived", nil
			})
			if err != nil || value != "derived" {
				t.Errorf("Memoize = %v, %v", value, err)
			}
		}()
	}
	wg.Wait()

	if computed != 1 {
		t.Errorf("compute ran %d times, want 1", computed)
	}
}

func TestSnapshotMemoizeRetriesAfterError(t *testing.T) {
	snapshot := NewSnapshot(&Graph{}, VersionInfo{Version: 1})
	boom := errors.New("boom")

	if _, err := snapshot.Memoize("view", func() (any, error) { return nil, boom }); !errors.Is(err, boom) {
		t.Fatalf("first Memoize error = %v, want boom", err)
	}
	value, err := snapshot.Memoize("view", func() (any, error) { return 7, nil })
	if err != nil || value != 7 {
		t.Errorf("retry Memoize = %v, %v, want 7 (errors must not be cached)", value, err)
	}
}

func TestResourceForZone(t *testing.T) {
	if got := ResourceForZone(ZoneInside); got != "/report/inside" {
		t.Errorf("inside resource = %q", got)
	}
	if got := ResourceForZone(ZoneThreats); got != "/report/threats" {
		t.Errorf("threats resource = %q", got)
	}
	if got := ResourceForZone(ZoneSearch); got != "/search/events" {
		t.Errorf("search resource = %q", got)
	}
	defer func() {
		if recover() == nil {
			t.Error("unknown zone did not panic")
		}
	}()
	ResourceForZone(Zone("bogus"))
}

const fixtureDoc = `{
	// Directory fixture with deliberately sloppy scalar types.
	"version": 12,
	"timestamp": 1700000000.25,
	"orgs": {
		"o1": {
			"actual_name": "Org One",
			"full_access": "TRUE",
			"email_enabled": 1,
			"users": ["alice@o1.example"],
			"channels": {
				"inside": {"inclusion": {"subsources": ["p1"]}},
				"bogus-zone": {"inclusion": {"subsources": ["p1"]}},
			},
			"resources": {
				"/report/inside": {
					"window": "7200",
					"queries_limit": 20,
					"results_limit": "lots", // data error: default applies
				},
			},
		},
		"o2": {
			"full_access": "maybe", // data error: flag stays unset
		},
	},
	"subsources": {
		"p1": {"source": "provider.alpha"},
	},
	"criteria": {
		"c1": {"asns": [64496]},
	},
	"sources": {
		"provider.alpha": {"anonymized_id": "hidden.a1"},
	},
}`

func writeFixture(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "directory.jsonc")
	if err := os.WriteFile(path, []byte(fixtureDoc), 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestFileBackendPeek(t *testing.T) {
	backend := NewFileBackend(writeFixture(t), slog.Default())
	info, err := backend.Peek(context.Background())
	if err != nil {
		t.Fatalf("Peek: %v", err)
	}
	if info.Version != 12 || info.Timestamp != 1700000000.25 {
		t.Errorf("version info = %+v", info)
	}
}

func TestFileBackendFetchGraph(t *testing.T) {
	backend := NewFileBackend(writeFixture(t), slog.Default())
	graph, info, err := backend.FetchGraph(context.Background())
	if err != nil {
		t.Fatalf("FetchGraph: %v", err)
	}
	if info.Version != 12 {
		t.Errorf("version = %d, want 12", info.Version)
	}

	o1 := graph.Orgs["o1"]
	if o1 == nil {
		t.Fatal("o1 missing")
	}
	if !o1.FullAccess || !o1.EmailEnabled {
		t.Errorf("o1 flags = full_access %v, email_enabled %v, want both true (string/number coercion)",
			o1.FullAccess, o1.EmailEnabled)
	}
	if _, ok := o1.Channels[ZoneInside]; !ok {
		t.Error("o1 inside channel missing")
	}
	if _, ok := o1.Channels[Zone("bogus-zone")]; ok {
		t.Error("unknown zone was kept instead of skipped")
	}

	props := o1.Resources["/report/inside"]
	if props == nil {
		t.Fatal("o1 /report/inside resource missing")
	}
	if props.Window == nil || *props.Window != 7200 {
		t.Errorf("window = %v, want 7200 (digit-string coercion)", props.Window)
	}
	if props.QueriesLimit == nil || *props.QueriesLimit != 20 {
		t.Errorf("queries limit = %v, want 20", props.QueriesLimit)
	}
	if props.ResultsLimit != nil {
		t.Errorf("results limit = %v, want nil (malformed value falls back to default)", *props.ResultsLimit)
	}

	if o2 := graph.Orgs["o2"]; o2 == nil || o2.FullAccess {
		t.Errorf("o2 = %+v, want present with full_access false", o2)
	}

	if graph.Subsources["p1"].ID != "p1" || graph.Criteria["c1"].ID != "c1" {
		t.Error("node ids were not back-filled from map keys")
	}
}

func TestFileBackendMissingFile(t *testing.T) {
	backend := NewFileBackend(filepath.Join(t.TempDir(), "absent.jsonc"), slog.Default())
	_, err := backend.Peek(context.Background())
	var comm *CommunicationError
	if !errors.As(err, &comm) {
		t.Fatalf("Peek on missing file: %v, want CommunicationError", err)
	}
}

func TestFileBackendMalformedDocument(t *testing.T) {
	path := filepath.Join(t.TempDir(), "directory.jsonc")
	if err := os.WriteFile(path, []byte(`{"version": ]`), 0600); err != nil {
		t.Fatal(err)
	}
	backend := NewFileBackend(path, slog.Default())
	_, err := backend.Peek(context.Background())
	if err == nil {
		t.Fatal("malformed document parsed without error")
	}
	var comm *CommunicationError
	if errors.As(err, &comm) {
		t.Error("structural error misreported as a communication error")
	}
}

func TestFileBackendNullEntries(t *testing.T) {
	// A store export can carry null placeholders for deleted entries.
	// Every one of them is a data error to log and drop, never a
	// reason to abort the build.
	const doc = `{
	"version": 3,
	"timestamp": 1700000001.0,
	"orgs": {
		"o1": null,
		"o2": {
			"actual_name": "Org Two",
			"channels": {"inside": null},
			"resources": {"/report/inside": null},
		},
	},
	"org_groups": {"g1": null},
	"subsources": {
		"p0": null,
		"p1": {"source": "provider.alpha"},
	},
	"subsource_groups": {"sg1": null},
	"criteria": {"c1": null},
	"sources": {"provider.alpha": null},
}`
	path := filepath.Join(t.TempDir(), "directory.jsonc")
	if err := os.WriteFile(path, []byte(doc), 0600); err != nil {
		t.Fatal(err)
	}

	backend := NewFileBackend(path, slog.Default())
	graph, info, err := backend.FetchGraph(context.Background())
	if err != nil {
		t.Fatalf("FetchGraph: %v", err)
	}
	if info.Version != 3 {
		t.Errorf("version = %d, want 3", info.Version)
	}

	if _, ok := graph.Orgs["o1"]; ok {
		t.Error("null organization was kept instead of dropped")
	}
	o2 := graph.Orgs["o2"]
	if o2 == nil {
		t.Fatal("o2 missing")
	}
	if len(o2.Channels) != 0 {
		t.Errorf("o2 channels = %+v, want null entry dropped", o2.Channels)
	}
	if len(o2.Resources) != 0 {
		t.Errorf("o2 resources = %+v, want null entry dropped", o2.Resources)
	}

	if _, ok := graph.OrgGroups["g1"]; ok {
		t.Error("null org group was kept")
	}
	if _, ok := graph.Subsources["p0"]; ok {
		t.Error("null subsource was kept")
	}
	if p1 := graph.Subsources["p1"]; p1 == nil || p1.ID != "p1" {
		t.Errorf("p1 = %+v, want kept with back-filled id", graph.Subsources["p1"])
	}
	if _, ok := graph.SubsourceGroups["sg1"]; ok {
		t.Error("null subsource group was kept")
	}
	if _, ok := graph.Criteria["c1"]; ok {
		t.Error("null criteria container was kept")
	}
	if _, ok := graph.Sources["provider.alpha"]; ok {
		t.Error("null source was kept")
	}
}
