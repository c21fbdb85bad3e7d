// Copyright 2026 The n6 Authors
// SPDX-License-Identifier: Apache-2.0

// Package access derives per-organization authorization views from a
// directory snapshot: the access-fact set (which subsources an
// organization may see per zone), the per-resource request limits,
// and the compiled filter conditions bundled into AccessInfo.
//
// Everything here is a pure function of the snapshot. Data errors in
// individual directory entries are logged and the entry falls back to
// its safe default; a single bad entry never aborts the build.
package access

import (
	"log/slog"
	"sort"

	"github.com/CERT-Polska/n6-sub002/lib/directory"
)

// Fact states that an organization may see one subsource through one
// access zone.
type Fact struct {
	Org       directory.OrgID
	Subsource string
	Zone      directory.Zone
}

// ResolveFacts computes the access-fact set of a snapshot. The result
// is sorted by organization id, then subsource ref, then zone, and
// contains no duplicates — the deterministic order is what makes
// compiled conditions reproducible.
//
// For every organization the walk covers its own channels and the
// channels of every organization group it belongs to. Inclusion edges
// add subsources, exclusion edges remove them, and exclusion from any
// path unconditionally wins regardless of how many inclusion paths
// reach the same subsource.
func ResolveFacts(snapshot *directory.Snapshot, logger *slog.Logger) []Fact {
	if logger == nil {
		logger = slog.Default()
	}
	graph := snapshot.Graph

	orgIDs := make([]directory.OrgID, 0, len(graph.Orgs))
	for orgID := range graph.Orgs {
		orgIDs = append(orgIDs, orgID)
	}
	sort.Slice(orgIDs, func(i, j int) bool { return orgIDs[i] < orgIDs[j] })

	var facts []Fact
	for _, orgID := range orgIDs {
		org := graph.Orgs[orgID]
		channels := orgChannels(graph, org, logger)

		for _, zone := range directory.Zones() {
			included := make(map[string]bool)
			excluded := make(map[string]bool)
			for _, channel := range channels {
				zoneChannel := channel[zone]
				if zoneChannel == nil {
					continue
				}
				collectRefs(graph, org.ID, &zoneChannel.Inclusion, included, logger)
				collectRefs(graph, org.ID, &zoneChannel.Exclusion, excluded, logger)
			}

			subsources := make([]string, 0, len(included))
			for subsource := range included {
				if excluded[subsource] {
					continue
				}
				subsources = append(subsources, subsource)
			}
			sort.Strings(subsources)
			for _, subsource := range subsources {
				facts = append(facts, Fact{Org: orgID, Subsource: subsource, Zone: zone})
			}
		}
	}
	return facts
}

// orgChannels gathers the organization's own channel map and those of
// its organization groups. A dangling group reference is a data error:
// logged, skipped.
func orgChannels(graph *directory.Graph, org *directory.Org, logger *slog.Logger) []map[directory.Zone]*directory.Channel {
	channels := make([]map[directory.Zone]*directory.Channel, 0, 1+len(org.Groups))
	if org.Channels != nil {
		channels = append(channels, org.Channels)
	}
	for _, groupRef := range org.Groups {
		group := graph.OrgGroups[groupRef]
		if group == nil {
			logger.Warn("directory data error, skipping entry",
				"error", &directory.DataError{
					Node:   string(org.ID),
					Detail: "unknown org group " + groupRef,
				})
			continue
		}
		if group.Channels != nil {
			channels = append(channels, group.Channels)
		}
	}
	return channels
}

// collectRefs expands one edge set into the target set: direct
// subsource references, plus subsource-group references expanded one
// level (groups never nest). Dangling references are data errors:
// logged, skipped.
func collectRefs(graph *directory.Graph, orgID directory.OrgID, edges *directory.EdgeSet, target map[string]bool, logger *slog.Logger) {
	report := func(detail string) {
		logger.Warn("directory data error, skipping entry",
			"error", &directory.DataError{Node: string(orgID), Detail: detail})
	}

	for _, subsourceRef := range edges.Subsources {
		if graph.Subsources[subsourceRef] == nil {
			report("unknown subsource " + subsourceRef)
			continue
		}
		target[subsourceRef] = true
	}
	for _, groupRef := range edges.SubsourceGroups {
		group := graph.SubsourceGroups[groupRef]
		if group == nil {
			report("unknown subsource group " + groupRef)
			continue
		}
		for _, subsourceRef := range group.Subsources {
			if graph.Subsources[subsourceRef] == nil {
				report("unknown subsource " + subsourceRef + " in group " + groupRef)
				continue
			}
			target[subsourceRef] = true
		}
	}
}
