// Copyright 2026 The n6 Authors
// SPDX-License-Identifier: Apache-2.0

package insidecrit

import (
	"sort"
	"strings"

	"github.com/CERT-Polska/n6-sub002/lib/directory"
)

// Event is the slice of an inbound event record the matcher looks at.
// Zero values mean the field is absent: IP 0 is the reserved "no IP"
// address and never matches any range.
type Event struct {
	FQDN     string
	IP       uint32
	ASN      int
	CC       string
	URL      string
	Category string
}

// Match classifies an event: the set of organizations whose criteria
// it matches, and per organization the sorted, de-duplicated list of
// URL patterns that matched its URL.
//
// Categories flagged fqdn-only skip the IP, ASN, CC and URL checks
// entirely.
func (x *Index) Match(event Event) (map[directory.OrgID]bool, map[directory.OrgID][]string) {
	matched := make(map[directory.OrgID]bool)

	if event.FQDN != "" {
		for _, suffix := range dotSuffixes(event.FQDN) {
			for _, org := range x.fqdnToOrgs[suffix] {
				matched[org] = true
			}
		}
	}

	if x.fqdnOnly[event.Category] {
		return matched, nil
	}

	if event.IP != 0 {
		for _, org := range x.orgSetForIP(event.IP) {
			matched[org] = true
		}
	}
	if event.ASN != 0 {
		for _, org := range x.asnToOrgs[event.ASN] {
			matched[org] = true
		}
	}
	if event.CC != "" {
		for _, org := range x.ccToOrgs[event.CC] {
			matched[org] = true
		}
	}

	var matchedURLs map[directory.OrgID][]string
	if event.URL != "" {
		for _, patterns := range x.urlPatterns {
			urls := patterns.match(event.URL)
			if len(urls) == 0 {
				continue
			}
			if matchedURLs == nil {
				matchedURLs = make(map[directory.OrgID][]string)
			}
			matchedURLs[patterns.org] = urls
		}
	}

	return matched, matchedURLs
}

// orgSetForIP finds the active org set of the interval containing ip:
// the rightmost border <= ip. The sentinels guarantee the search
// always lands on a valid interval.
func (x *Index) orgSetForIP(ip uint32) []directory.OrgID {
	target := int64(ip)
	// bisect_right(borderIPs, ip) - 1
	position := sort.Search(len(x.borderIPs), func(i int) bool {
		return x.borderIPs[i] > target
	})
	return x.orgSets[position-1]
}

// dotSuffixes generates every dot-suffix of an FQDN:
// "a.b.c" → "a.b.c", "b.c", "c".
func dotSuffixes(fqdn string) []string {
	labels := strings.Split(fqdn, ".")
	suffixes := make([]string, len(labels))
	for i := range labels {
		suffixes[i] = strings.Join(labels[i:], ".")
	}
	return suffixes
}
