// Copyright 2026 The n6 Authors
// SPDX-License-Identifier: Apache-2.0

// Package insidecrit builds and queries the inside-criteria index:
// the interval and set structures used to tag inbound events with the
// organizations whose criteria (IP ranges, FQDN suffixes, ASNs,
// country codes, URL patterns) they match.
//
// The index is derived from one snapshot, built once, and then
// queried concurrently without locking — it is read-only after Build
// returns.
package insidecrit

import (
	"fmt"
	"log/slog"
	"sort"

	"github.com/CERT-Polska/n6-sub002/lib/directory"
)

// Criteria are one organization's inside-matching rules with IP
// networks already decomposed into inclusive [low, high] ranges.
type Criteria struct {
	Org      directory.OrgID
	FQDNs    []string
	ASNs     []int
	CCs      []string
	IPRanges [][2]uint32
	URLs     []string
}

// FromSnapshot extracts the criteria of every organization that has
// any inside rules configured, in org-id order. Unparseable IP
// networks are data errors: logged, skipped.
func FromSnapshot(snapshot *directory.Snapshot, logger *slog.Logger) []Criteria {
	if logger == nil {
		logger = slog.Default()
	}

	orgIDs := make([]directory.OrgID, 0, len(snapshot.Graph.Orgs))
	for orgID := range snapshot.Graph.Orgs {
		orgIDs = append(orgIDs, orgID)
	}
	sort.Slice(orgIDs, func(i, j int) bool { return orgIDs[i] < orgIDs[j] })

	var criteria []Criteria
	for _, orgID := range orgIDs {
		org := snapshot.Graph.Orgs[orgID]
		if org.Inside.Empty() {
			continue
		}
		entry := Criteria{
			Org:   orgID,
			FQDNs: org.Inside.FQDNs,
			ASNs:  org.Inside.ASNs,
			CCs:   org.Inside.CCs,
			URLs:  org.Inside.URLs,
		}
		for _, network := range org.Inside.IPNetworks {
			low, high, err := directory.IPv4Range(network)
			if err != nil {
				logger.Warn("directory data error, skipping entry",
					"error", &directory.DataError{Node: string(orgID), Detail: err.Error()})
				continue
			}
			entry.IPRanges = append(entry.IPRanges, [2]uint32{low, high})
		}
		criteria = append(criteria, entry)
	}
	return criteria
}

// Index is the derived, read-only inside-criteria structure.
type Index struct {
	// borderIPs is the sorted half-open-interval decomposition of all
	// IP ranges, with sentinels at -1 and 2^32. orgSets[i] is the set
	// of organizations active on [borderIPs[i], borderIPs[i+1]).
	borderIPs []int64
	orgSets   [][]directory.OrgID

	fqdnToOrgs map[string][]directory.OrgID
	asnToOrgs  map[int][]directory.OrgID
	ccToOrgs   map[string][]directory.OrgID

	urlPatterns []orgURLPatterns

	// fqdnOnly lists event categories matched solely on FQDN;
	// IP/ASN/CC/URL checks are skipped for them.
	fqdnOnly map[string]bool
}

// sweepEvent is one endpoint of an IP range: +1 opens a range at its
// low address, -1 closes it one past its high address (exclusive
// upper bound).
type sweepEvent struct {
	ip    int64
	delta int
	org   directory.OrgID
}

// Build constructs the index from per-organization criteria.
// fqdnOnlyCategories sets the categories matched on FQDN alone.
//
// The balanced-interval invariant — the active set is empty before
// the first real border and after the last — is checked as a
// postcondition; a violation reports a bug in the sweep, not bad
// data.
func Build(criteria []Criteria, fqdnOnlyCategories []string, logger *slog.Logger) (*Index, error) {
	if logger == nil {
		logger = slog.Default()
	}

	index := &Index{
		fqdnToOrgs: make(map[string][]directory.OrgID),
		asnToOrgs:  make(map[int][]directory.OrgID),
		ccToOrgs:   make(map[string][]directory.OrgID),
		fqdnOnly:   make(map[string]bool, len(fqdnOnlyCategories)),
	}
	for _, category := range fqdnOnlyCategories {
		index.fqdnOnly[category] = true
	}

	var events []sweepEvent
	for _, entry := range criteria {
		for _, fqdn := range entry.FQDNs {
			index.fqdnToOrgs[fqdn] = appendOrg(index.fqdnToOrgs[fqdn], entry.Org)
		}
		for _, asn := range entry.ASNs {
			index.asnToOrgs[asn] = appendOrg(index.asnToOrgs[asn], entry.Org)
		}
		for _, cc := range entry.CCs {
			index.ccToOrgs[cc] = appendOrg(index.ccToOrgs[cc], entry.Org)
		}
		for _, ipRange := range entry.IPRanges {
			events = append(events,
				sweepEvent{ip: int64(ipRange[0]), delta: +1, org: entry.Org},
				sweepEvent{ip: int64(ipRange[1]) + 1, delta: -1, org: entry.Org},
			)
		}
		if len(entry.URLs) > 0 {
			index.urlPatterns = append(index.urlPatterns,
				compileURLPatterns(entry.Org, entry.URLs, logger))
		}
	}

	// Sentinel borders: binary search can never run off either end,
	// and the active set is provably empty outside all real ranges.
	events = append(events,
		sweepEvent{ip: -1},
		sweepEvent{ip: 1 << 32},
	)

	sort.SliceStable(events, func(i, j int) bool { return events[i].ip < events[j].ip })

	active := make(map[directory.OrgID]int)
	for i := 0; i < len(events); {
		ip := events[i].ip
		for i < len(events) && events[i].ip == ip {
			event := events[i]
			if event.delta != 0 {
				active[event.org] += event.delta
				if active[event.org] == 0 {
					delete(active, event.org)
				}
			}
			i++
		}
		index.borderIPs = append(index.borderIPs, ip)
		index.orgSets = append(index.orgSets, sortedOrgs(active))
	}

	if len(index.orgSets[0]) != 0 || len(index.orgSets[len(index.orgSets)-1]) != 0 {
		return nil, fmt.Errorf("insidecrit: interval balance invariant violated "+
			"(first active set %v, last active set %v)",
			index.orgSets[0], index.orgSets[len(index.orgSets)-1])
	}

	return index, nil
}

// appendOrg adds org to a set slice, keeping it sorted and free of
// duplicates.
func appendOrg(orgs []directory.OrgID, org directory.OrgID) []directory.OrgID {
	position := sort.Search(len(orgs), func(i int) bool { return orgs[i] >= org })
	if position < len(orgs) && orgs[position] == org {
		return orgs
	}
	orgs = append(orgs, "")
	copy(orgs[position+1:], orgs[position:])
	orgs[position] = org
	return orgs
}

func sortedOrgs(active map[directory.OrgID]int) []directory.OrgID {
	orgs := make([]directory.OrgID, 0, len(active))
	for org := range active {
		orgs = append(orgs, org)
	}
	sort.Slice(orgs, func(i, j int) bool { return orgs[i] < orgs[j] })
	return orgs
}

// BorderCount reports the number of borders including sentinels.
// Exposed for the balance-invariant tests.
func (x *Index) BorderCount() int { return len(x.borderIPs) }

// ActiveSetAt returns the active org set of border i. Exposed for the
// balance-invariant tests.
func (x *Index) ActiveSetAt(i int) []directory.OrgID { return x.orgSets[i] }
