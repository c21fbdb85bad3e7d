// Copyright 2026 The n6 Authors
// SPDX-License-Identifier: Apache-2.0

package access

import (
	"log/slog"

	"github.com/CERT-Polska/n6-sub002/lib/cond"
	"github.com/CERT-Polska/n6-sub002/lib/directory"
)

// AccessInfo is the resolved authorization view of one organization.
// Built once per snapshot; read-only thereafter.
type AccessInfo struct {
	// Conditions holds one fully optimized, hardened, compiled
	// condition per zone the organization has any access facts in.
	Conditions map[directory.Zone]cond.Compiled

	// ResourceLimits maps enabled resource ids to their limits. A
	// zone whose resource id is absent here is disabled for the
	// query/report gateway even when Conditions has an entry for it.
	ResourceLimits map[string]ResourceLimits

	// FullAccess exempts the organization from the
	// restriction-internal and ignored-event filters.
	FullAccess bool
}

// CompileAccessInfo builds the per-organization AccessInfo map from a
// snapshot. Iteration over ResolveFacts output is fully deterministic
// (sorted by org id, then subsource ref, then zone), so the compiled
// conditions are reproducible across processes.
//
// Every organization in the graph gets an entry, including ones with
// no facts at all — their Conditions map is simply empty. This keeps
// the façade's map lookups total over known organizations.
func CompileAccessInfo(snapshot *directory.Snapshot, compiler *cond.Compiler, logger *slog.Logger) map[directory.OrgID]*AccessInfo {
	if logger == nil {
		logger = slog.Default()
	}
	graph := snapshot.Graph
	facts := ResolveFacts(snapshot, logger)

	infos := make(map[directory.OrgID]*AccessInfo, len(graph.Orgs))
	for orgID, org := range graph.Orgs {
		infos[orgID] = &AccessInfo{
			Conditions:     make(map[directory.Zone]cond.Compiled),
			ResourceLimits: resolveLimits(org, logger),
			FullAccess:     org.FullAccess,
		}
	}

	// Group the sorted facts into per-org, per-zone subsource runs.
	type zoneKey struct {
		org  directory.OrgID
		zone directory.Zone
	}
	zoneSubsources := make(map[zoneKey][]string)
	var keyOrder []zoneKey
	for _, fact := range facts {
		key := zoneKey{fact.Org, fact.Zone}
		if _, seen := zoneSubsources[key]; !seen {
			keyOrder = append(keyOrder, key)
		}
		zoneSubsources[key] = append(zoneSubsources[key], fact.Subsource)
	}

	for _, key := range keyOrder {
		org := graph.Orgs[key.org]
		branches := make([]cond.Node, 0, len(zoneSubsources[key]))
		for _, subsourceRef := range zoneSubsources[key] {
			branches = append(branches,
				subsourceCondition(graph, subsourceRef, logger))
		}

		zoneCondition := cond.Or(branches...)
		if !org.FullAccess {
			zoneCondition = cond.And(zoneCondition,
				cond.Not(cond.Equal("restriction", "internal")),
				cond.Not(cond.IsTrue("ignored")),
			)
		}
		infos[key.org].Conditions[key.zone] = compiler.Process(zoneCondition)
	}

	return infos
}

// subsourceCondition builds the raw (pre-pipeline) condition matching
// one subsource's records: the source equality, each inclusion
// container as a conjunct, and each exclusion container negated.
func subsourceCondition(graph *directory.Graph, subsourceRef string, logger *slog.Logger) cond.Node {
	subsource := graph.Subsources[subsourceRef]
	conjuncts := []cond.Node{cond.Equal("source", subsource.Source)}

	for _, containerRef := range subsource.Inclusions {
		container := graph.Criteria[containerRef]
		if container == nil {
			reportDataError(logger, subsourceRef, "unknown criteria container "+containerRef)
			continue
		}
		conjuncts = append(conjuncts, containerCondition(container, logger))
	}
	for _, containerRef := range subsource.Exclusions {
		container := graph.Criteria[containerRef]
		if container == nil {
			reportDataError(logger, subsourceRef, "unknown criteria container "+containerRef)
			continue
		}
		conjuncts = append(conjuncts, cond.Not(containerCondition(container, logger)))
	}
	return cond.And(conjuncts...)
}

// containerCondition compiles a criteria container to the disjunction
// of its non-empty field criteria. IP networks become one inclusive
// BETWEEN clause each; the reserved address 0 means "no IP" and is
// excluded from every range.
func containerCondition(container *directory.CriteriaContainer, logger *slog.Logger) cond.Node {
	var branches []cond.Node
	if len(container.ASNs) > 0 {
		branches = append(branches, cond.In("asn", intValues(container.ASNs)...))
	}
	if len(container.CCs) > 0 {
		branches = append(branches, cond.In("cc", stringValues(container.CCs)...))
	}
	if len(container.Names) > 0 {
		branches = append(branches, cond.In("name", stringValues(container.Names)...))
	}
	if len(container.Categories) > 0 {
		branches = append(branches, cond.In("category", stringValues(container.Categories)...))
	}
	for _, network := range container.IPNetworks {
		low, high, err := directory.IPv4Range(network)
		if err != nil {
			reportDataError(logger, container.ID, err.Error())
			continue
		}
		if low == 0 {
			low = 1
		}
		branches = append(branches, cond.Between("ip", int(low), int(high)))
	}
	return cond.Or(branches...)
}

func reportDataError(logger *slog.Logger, node, detail string) {
	logger.Warn("directory data error, skipping entry",
		"error", &directory.DataError{Node: node, Detail: detail})
}

func intValues(values []int) []any {
	result := make([]any, len(values))
	for i, value := range values {
		result[i] = value
	}
	return result
}

func stringValues(values []string) []any {
	result := make([]any, len(values))
	for i, value := range values {
		result[i] = value
	}
	return result
}
