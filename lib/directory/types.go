// Copyright 2026 The n6 Authors
// SPDX-License-Identifier: Apache-2.0

// Package directory defines the in-memory model of the organization
// directory: organizations, organization groups, data subsources,
// subsource groups and reusable criteria containers, plus the
// immutable versioned Snapshot that the rest of the system derives
// access views from.
//
// The directory backend is authoritative for all of this data. This
// package only models it; nothing here is persisted except through the
// snapshot cache (lib/snapcache).
package directory

import (
	"fmt"
)

// OrgID identifies an organization (tenant) in the directory.
type OrgID string

// Zone is one of the three access zones an organization consumes data
// through. Each zone maps 1:1 to a resource id used for rate limiting.
type Zone string

const (
	// ZoneInside covers events matched to the organization's own
	// network ("inside" criteria).
	ZoneInside Zone = "inside"

	// ZoneThreats covers the general threat feed.
	ZoneThreats Zone = "threats"

	// ZoneSearch covers ad-hoc event search.
	ZoneSearch Zone = "search"
)

// Zones returns all access zones in their canonical order. The order
// is fixed so that derived views iterate deterministically.
func Zones() []Zone {
	return []Zone{ZoneInside, ZoneThreats, ZoneSearch}
}

// zoneResources maps each access zone to its resource id.
var zoneResources = map[Zone]string{
	ZoneInside:  "/report/inside",
	ZoneThreats: "/report/threats",
	ZoneSearch:  "/search/events",
}

// ResourceForZone returns the resource id a zone is rate-limited
// under. Panics on an unknown zone; zones are a closed set.
func ResourceForZone(zone Zone) string {
	resource, ok := zoneResources[zone]
	if !ok {
		panic(fmt.Sprintf("directory: unknown access zone %q", zone))
	}
	return resource
}

// EdgeSet is one half of a channel: references to subsources and
// subsource groups. Subsource groups are a single level of
// indirection; groups never contain other groups.
type EdgeSet struct {
	Subsources      []string `json:"subsources"`
	SubsourceGroups []string `json:"subsource_groups"`
}

// Channel holds the inclusion and exclusion edge sets an organization
// or organization group carries for one access zone.
type Channel struct {
	Inclusion EdgeSet `json:"inclusion"`
	Exclusion EdgeSet `json:"exclusion"`
}

// ResourceProps is the raw per-resource entry on an organization.
// Presence of the entry enables the resource for the organization;
// absent numeric values fall back to fixed defaults during
// resolution (lib/access).
type ResourceProps struct {
	// Window is the rate-limit window in seconds.
	Window *int `json:"window"`

	// QueriesLimit is the number of requests allowed per window.
	QueriesLimit *int `json:"queries_limit"`

	// ResultsLimit caps the number of records per response.
	ResultsLimit *int `json:"results_limit"`

	// MaxDaysOld caps how far back queries may reach.
	MaxDaysOld *int `json:"max_days_old"`

	// AllowedParams is the optional request-parameter whitelist. Nil
	// means every parameter is allowed.
	AllowedParams []string `json:"allowed_params"`

	// RequiredParams lists parameters the client must always send.
	// Must be a subset of AllowedParams when a whitelist is present.
	RequiredParams []string `json:"required_params"`
}

// InsideCriteria are the per-organization matching rules used to tag
// which organizations own an inbound event.
type InsideCriteria struct {
	FQDNs      []string `json:"fqdns"`
	ASNs       []int    `json:"asns"`
	CCs        []string `json:"ccs"`
	IPNetworks []string `json:"ip_networks"`
	URLs       []string `json:"urls"`
}

// Empty reports whether no criterion is set.
func (c *InsideCriteria) Empty() bool {
	if c == nil {
		return true
	}
	return len(c.FQDNs) == 0 && len(c.ASNs) == 0 && len(c.CCs) == 0 &&
		len(c.IPNetworks) == 0 && len(c.URLs) == 0
}

// NotificationConfig holds an organization's email notification
// settings.
type NotificationConfig struct {
	Enabled          bool     `json:"enabled"`
	Addresses        []string `json:"addresses"`
	Times            []string `json:"times"`
	Language         string   `json:"language"`
	BusinessDaysOnly bool     `json:"business_days_only"`
}

// Org is an organization: a tenant with authorization scope.
type Org struct {
	ID OrgID `json:"id"`

	// ActualName is the organization's display name.
	ActualName string `json:"actual_name"`

	// FullAccess exempts the organization from the
	// restriction-internal and ignored-event filters.
	FullAccess bool `json:"full_access"`

	// StreamEnabled gates the push/streaming gateway.
	StreamEnabled bool `json:"stream_enabled"`

	// EmailEnabled gates the email-notification generator.
	EmailEnabled bool `json:"email_enabled"`

	// Channels are the organization's own per-zone edge sets.
	Channels map[Zone]*Channel `json:"channels"`

	// Groups lists the organization groups this organization belongs
	// to; their channels contribute access on top of the direct ones.
	Groups []string `json:"groups"`

	// Users are the login names assigned to this organization.
	Users []string `json:"users"`

	// Resources gates and tunes the per-zone resources. A zone whose
	// resource id has no entry here is disabled for the query/report
	// gateway even when access facts exist for that zone.
	Resources map[string]*ResourceProps `json:"resources"`

	// Inside are the organization's inside-criteria matching rules.
	Inside *InsideCriteria `json:"inside_criteria"`

	// Notifications are the email notification settings, nil when the
	// organization has none configured.
	Notifications *NotificationConfig `json:"notifications"`
}

// OrgGroup is a named group of organizations carrying shared channels.
type OrgGroup struct {
	ID       string            `json:"id"`
	Channels map[Zone]*Channel `json:"channels"`
}

// Subsource is the finest-grained unit of data a source is split into
// for access control.
type Subsource struct {
	ID string `json:"id"`

	// Source is the source id this subsource belongs to, e.g.
	// "provider.channel".
	Source string `json:"source"`

	// Inclusions and Exclusions reference criteria containers that
	// narrow (or carve out of) the subsource's data.
	Inclusions []string `json:"inclusions"`
	Exclusions []string `json:"exclusions"`
}

// SubsourceGroup is a named set of subsources. One level only:
// groups reference subsources, never other groups.
type SubsourceGroup struct {
	ID         string   `json:"id"`
	Subsources []string `json:"subsources"`
}

// CriteriaContainer is a reusable named bundle of field criteria
// attachable to subsources as inclusion or exclusion.
type CriteriaContainer struct {
	ID         string   `json:"id"`
	ASNs       []int    `json:"asns"`
	CCs        []string `json:"ccs"`
	IPNetworks []string `json:"ip_networks"`
	Categories []string `json:"categories"`
	Names      []string `json:"names"`
}

// Source is a data source; subsources reference it by id. The
// anonymized id is what external consumers see in place of the real
// source id.
type Source struct {
	ID           string `json:"id"`
	AnonymizedID string `json:"anonymized_id"`
}

// Graph is one point-in-time copy of the whole directory.
type Graph struct {
	Orgs            map[OrgID]*Org                `json:"orgs"`
	OrgGroups       map[string]*OrgGroup          `json:"org_groups"`
	Subsources      map[string]*Subsource         `json:"subsources"`
	SubsourceGroups map[string]*SubsourceGroup    `json:"subsource_groups"`
	Criteria        map[string]*CriteriaContainer `json:"criteria"`
	Sources         map[string]*Source            `json:"sources"`

	// IgnoredIPNetworks are CIDR ranges whose events are flagged
	// ignored at ingestion; non-full-access conditions filter them
	// out.
	IgnoredIPNetworks []string `json:"ignored_ip_networks"`
}
