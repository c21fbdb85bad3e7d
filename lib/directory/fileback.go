// Copyright 2026 The n6 Authors
// SPDX-License-Identifier: Apache-2.0

package directory

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/tidwall/jsonc"
)

// FileBackend serves the directory graph from a JSONC file. It exists
// for the daemon's file-driven deployments and for test fixtures; the
// production backend is the directory service itself.
//
// The file carries its own version marker. Peek parses only the
// marker; FetchGraph parses and normalizes the whole document. A
// malformed flag or limit is logged and replaced with its safe
// default, a null entry is logged and dropped, and neither ever
// aborts the build.
type FileBackend struct {
	Path   string
	Logger *slog.Logger
}

// NewFileBackend returns a backend reading from path. A nil logger
// falls back to slog.Default().
func NewFileBackend(path string, logger *slog.Logger) *FileBackend {
	if logger == nil {
		logger = slog.Default()
	}
	return &FileBackend{Path: path, Logger: logger}
}

// wireDoc is the top-level file layout. Scalars that the store does
// not guarantee types for are declared as any and coerced.
type wireDoc struct {
	Version           int                           `json:"version"`
	Timestamp         float64                       `json:"timestamp"`
	IgnoredIPNetworks []string                      `json:"ignored_ip_networks"`
	Orgs              map[string]*wireOrg           `json:"orgs"`
	OrgGroups         map[string]*OrgGroup          `json:"org_groups"`
	Subsources        map[string]*Subsource         `json:"subsources"`
	SubsourceGroups   map[string]*SubsourceGroup    `json:"subsource_groups"`
	Criteria          map[string]*CriteriaContainer `json:"criteria"`
	Sources           map[string]*Source            `json:"sources"`
}

type wireOrg struct {
	ActualName    string                   `json:"actual_name"`
	FullAccess    any                      `json:"full_access"`
	StreamEnabled any                      `json:"stream_enabled"`
	EmailEnabled  any                      `json:"email_enabled"`
	Channels      map[string]*Channel      `json:"channels"`
	Groups        []string                 `json:"groups"`
	Users         []string                 `json:"users"`
	Resources     map[string]*wireResource `json:"resources"`
	Inside        *InsideCriteria          `json:"inside_criteria"`
	Notifications *NotificationConfig      `json:"notifications"`
}

type wireResource struct {
	Window         any      `json:"window"`
	QueriesLimit   any      `json:"queries_limit"`
	ResultsLimit   any      `json:"results_limit"`
	MaxDaysOld     any      `json:"max_days_old"`
	AllowedParams  []string `json:"allowed_params"`
	RequiredParams []string `json:"required_params"`
}

// Peek returns the file's version marker.
func (b *FileBackend) Peek(ctx context.Context) (VersionInfo, error) {
	doc, err := b.load()
	if err != nil {
		return VersionInfo{}, err
	}
	return VersionInfo{Version: doc.Version, Timestamp: doc.Timestamp}, nil
}

// FetchGraph parses and normalizes the whole directory file.
func (b *FileBackend) FetchGraph(ctx context.Context) (*Graph, VersionInfo, error) {
	doc, err := b.load()
	if err != nil {
		return nil, VersionInfo{}, err
	}

	graph := &Graph{
		Orgs:              make(map[OrgID]*Org, len(doc.Orgs)),
		OrgGroups:         doc.OrgGroups,
		Subsources:        doc.Subsources,
		SubsourceGroups:   doc.SubsourceGroups,
		Criteria:          doc.Criteria,
		Sources:           doc.Sources,
		IgnoredIPNetworks: doc.IgnoredIPNetworks,
	}
	if graph.OrgGroups == nil {
		graph.OrgGroups = map[string]*OrgGroup{}
	}
	if graph.Subsources == nil {
		graph.Subsources = map[string]*Subsource{}
	}
	if graph.SubsourceGroups == nil {
		graph.SubsourceGroups = map[string]*SubsourceGroup{}
	}
	if graph.Criteria == nil {
		graph.Criteria = map[string]*CriteriaContainer{}
	}
	if graph.Sources == nil {
		graph.Sources = map[string]*Source{}
	}

	for id, raw := range doc.Orgs {
		if raw == nil {
			b.dataError(id, "null organization entry")
			continue
		}
		graph.Orgs[OrgID(id)] = b.normalizeOrg(id, raw)
	}

	// Back-fill reference ids so nodes know their own name. A null
	// entry is a data error: logged and dropped.
	for id, group := range graph.OrgGroups {
		if group == nil {
			b.dataError(id, "null org group entry")
			delete(graph.OrgGroups, id)
			continue
		}
		group.ID = id
	}
	for id, subsource := range graph.Subsources {
		if subsource == nil {
			b.dataError(id, "null subsource entry")
			delete(graph.Subsources, id)
			continue
		}
		subsource.ID = id
	}
	for id, group := range graph.SubsourceGroups {
		if group == nil {
			b.dataError(id, "null subsource group entry")
			delete(graph.SubsourceGroups, id)
			continue
		}
		group.ID = id
	}
	for id, container := range graph.Criteria {
		if container == nil {
			b.dataError(id, "null criteria entry")
			delete(graph.Criteria, id)
			continue
		}
		container.ID = id
	}
	for id, source := range graph.Sources {
		if source == nil {
			b.dataError(id, "null source entry")
			delete(graph.Sources, id)
			continue
		}
		source.ID = id
	}

	return graph, VersionInfo{Version: doc.Version, Timestamp: doc.Timestamp}, nil
}

// normalizeOrg coerces one organization's scalars, logging data errors
// and substituting safe defaults (flags: false, limits: absent).
func (b *FileBackend) normalizeOrg(id string, raw *wireOrg) *Org {
	org := &Org{
		ID:            OrgID(id),
		ActualName:    raw.ActualName,
		Groups:        raw.Groups,
		Users:         raw.Users,
		Inside:        raw.Inside,
		Notifications: raw.Notifications,
	}

	org.FullAccess = b.coerceFlag(id, "full_access", raw.FullAccess)
	org.StreamEnabled = b.coerceFlag(id, "stream_enabled", raw.StreamEnabled)
	org.EmailEnabled = b.coerceFlag(id, "email_enabled", raw.EmailEnabled)

	if len(raw.Channels) > 0 {
		org.Channels = make(map[Zone]*Channel, len(raw.Channels))
		for zoneName, channel := range raw.Channels {
			zone := Zone(zoneName)
			if _, ok := zoneResources[zone]; !ok {
				b.dataError(id, fmt.Sprintf("unknown access zone %q", zoneName))
				continue
			}
			if channel == nil {
				b.dataError(id, fmt.Sprintf("null channel entry %q", zoneName))
				continue
			}
			org.Channels[zone] = channel
		}
	}

	if len(raw.Resources) > 0 {
		org.Resources = make(map[string]*ResourceProps, len(raw.Resources))
		for resource, props := range raw.Resources {
			if props == nil {
				b.dataError(id, fmt.Sprintf("null resource entry %q", resource))
				continue
			}
			org.Resources[resource] = b.normalizeResource(id, resource, props)
		}
	}

	return org
}

func (b *FileBackend) normalizeResource(orgID, resource string, raw *wireResource) *ResourceProps {
	props := &ResourceProps{
		AllowedParams:  raw.AllowedParams,
		RequiredParams: raw.RequiredParams,
	}
	props.Window = b.coerceLimit(orgID, resource, "window", raw.Window)
	props.QueriesLimit = b.coerceLimit(orgID, resource, "queries_limit", raw.QueriesLimit)
	props.ResultsLimit = b.coerceLimit(orgID, resource, "results_limit", raw.ResultsLimit)
	props.MaxDaysOld = b.coerceLimit(orgID, resource, "max_days_old", raw.MaxDaysOld)
	return props
}

func (b *FileBackend) coerceFlag(orgID, field string, value any) bool {
	flag, err := CoerceBool(value)
	if err != nil {
		b.dataError(orgID, fmt.Sprintf("flag %s: %v", field, err))
		return false
	}
	return flag
}

func (b *FileBackend) coerceLimit(orgID, resource, field string, value any) *int {
	limit, err := CoerceInt(value)
	if err != nil {
		b.dataError(orgID, fmt.Sprintf("resource %s limit %s: %v", resource, field, err))
		return nil
	}
	return limit
}

func (b *FileBackend) dataError(node, detail string) {
	err := &DataError{Node: node, Detail: detail}
	b.Logger.Warn("directory data error, using safe default", "node", node, "error", err)
}

// load reads and parses the JSONC document. A read failure is a
// communication error; a malformed document is structural and
// propagates as-is.
func (b *FileBackend) load() (*wireDoc, error) {
	data, err := os.ReadFile(b.Path)
	if err != nil {
		return nil, &CommunicationError{Op: "fetch", Err: err}
	}
	var doc wireDoc
	if err := json.Unmarshal(jsonc.ToJSON(data), &doc); err != nil {
		return nil, fmt.Errorf("parsing directory file %s: %w", b.Path, err)
	}
	return &doc, nil
}
