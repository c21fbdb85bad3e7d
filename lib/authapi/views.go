// Copyright 2026 The n6 Authors
// SPDX-License-Identifier: Apache-2.0

package authapi

import (
	"sort"

	"github.com/CERT-Polska/n6-sub002/lib/access"
	"github.com/CERT-Polska/n6-sub002/lib/directory"
	"github.com/CERT-Polska/n6-sub002/lib/insidecrit"
)

// Memoization keys for the derived views cached on a snapshot.
const (
	memoAccessInfos     = "authapi.accessInfos"
	memoInsideIndex     = "authapi.insideIndex"
	memoUserIndex       = "authapi.userIndex"
	memoCombinedConfigs = "authapi.combinedConfigs"
	memoSourceMapping   = "authapi.sourceMapping"
)

// CombinedConfig is the per-organization view the stream and
// notification components consume: matching rules plus delivery
// settings in one lookup.
type CombinedConfig struct {
	Inside        *directory.InsideCriteria
	Notifications *directory.NotificationConfig
	StreamEnabled bool
	EmailEnabled  bool
}

// SourceMapping translates between real source ids and their
// anonymized aliases. Both maps are read-only.
type SourceMapping struct {
	Forward map[string]string
	Reverse map[string]string
}

// userIndex resolves user logins to their organization. Logins the
// directory assigns to more than one organization land in ambiguous
// and are refused during authentication.
type userIndex struct {
	byLogin   map[string]directory.OrgID
	ambiguous map[string]bool
}

func (c *Center) accessInfos(snapshot *directory.Snapshot) (map[directory.OrgID]*access.AccessInfo, error) {
	value, err := snapshot.Memoize(memoAccessInfos, func() (any, error) {
		return access.CompileAccessInfo(snapshot, c.compiler, c.logger), nil
	})
	if err != nil {
		return nil, err
	}
	return value.(map[directory.OrgID]*access.AccessInfo), nil
}

func (c *Center) insideIndex(snapshot *directory.Snapshot) (*insidecrit.Index, error) {
	value, err := snapshot.Memoize(memoInsideIndex, func() (any, error) {
		return insidecrit.Build(
			insidecrit.FromSnapshot(snapshot, c.logger),
			c.fqdnOnlyCategories, c.logger)
	})
	if err != nil {
		return nil, err
	}
	return value.(*insidecrit.Index), nil
}

func (c *Center) userIndex(snapshot *directory.Snapshot) (*userIndex, error) {
	value, err := snapshot.Memoize(memoUserIndex, func() (any, error) {
		index := &userIndex{
			byLogin:   make(map[string]directory.OrgID),
			ambiguous: make(map[string]bool),
		}
		for _, orgID := range sortedOrgIDs(snapshot.Graph) {
			for _, login := range snapshot.Graph.Orgs[orgID].Users {
				if previous, ok := index.byLogin[login]; ok && previous != orgID {
					index.ambiguous[login] = true
					c.logger.Warn("directory data problem",
						"node", "org "+string(orgID),
						"detail", "user login assigned to more than one organization")
					continue
				}
				index.byLogin[login] = orgID
			}
		}
		return index, nil
	})
	if err != nil {
		return nil, err
	}
	return value.(*userIndex), nil
}

func (c *Center) combinedConfigs(snapshot *directory.Snapshot) (map[directory.OrgID]*CombinedConfig, error) {
	value, err := snapshot.Memoize(memoCombinedConfigs, func() (any, error) {
		configs := make(map[directory.OrgID]*CombinedConfig, len(snapshot.Graph.Orgs))
		for orgID, org := range snapshot.Graph.Orgs {
			configs[orgID] = &CombinedConfig{
				Inside:        org.Inside,
				Notifications: org.Notifications,
				StreamEnabled: org.StreamEnabled,
				EmailEnabled:  org.EmailEnabled,
			}
		}
		return configs, nil
	})
	if err != nil {
		return nil, err
	}
	return value.(map[directory.OrgID]*CombinedConfig), nil
}

func (c *Center) sourceMapping(snapshot *directory.Snapshot) (*SourceMapping, error) {
	value, err := snapshot.Memoize(memoSourceMapping, func() (any, error) {
		mapping := &SourceMapping{
			Forward: make(map[string]string),
			Reverse: make(map[string]string),
		}
		sourceIDs := make([]string, 0, len(snapshot.Graph.Sources))
		for id := range snapshot.Graph.Sources {
			sourceIDs = append(sourceIDs, id)
		}
		sort.Strings(sourceIDs)
		for _, id := range sourceIDs {
			anonymized := snapshot.Graph.Sources[id].AnonymizedID
			if anonymized == "" {
				c.logger.Warn("directory data problem",
					"node", "source "+id, "detail", "missing anonymized id")
				continue
			}
			if existing, ok := mapping.Reverse[anonymized]; ok {
				c.logger.Warn("directory data problem",
					"node", "source "+id,
					"detail", "anonymized id already used by source "+existing)
				continue
			}
			mapping.Forward[id] = anonymized
			mapping.Reverse[anonymized] = id
		}
		return mapping, nil
	})
	if err != nil {
		return nil, err
	}
	return value.(*SourceMapping), nil
}

// OrgIDsToNotificationConfigs returns the notification settings of
// every organization with email notifications enabled and configured.
func (s *Session) OrgIDsToNotificationConfigs() map[directory.OrgID]*directory.NotificationConfig {
	snapshot := s.snap()
	configs := make(map[directory.OrgID]*directory.NotificationConfig)
	for orgID, org := range snapshot.Graph.Orgs {
		if org.EmailEnabled && org.Notifications != nil {
			configs[orgID] = org.Notifications
		}
	}
	return configs
}

// OrgIDsToCombinedConfigs returns the shared combined-config view.
func (s *Session) OrgIDsToCombinedConfigs() (map[directory.OrgID]*CombinedConfig, error) {
	return s.center.combinedConfigs(s.snap())
}

// OrgIDsToActualNames maps organization ids to display names,
// skipping organizations without one.
func (s *Session) OrgIDsToActualNames() map[directory.OrgID]string {
	snapshot := s.snap()
	names := make(map[directory.OrgID]string)
	for orgID, org := range snapshot.Graph.Orgs {
		if org.ActualName != "" {
			names[orgID] = org.ActualName
		}
	}
	return names
}

// AnonymizedSourceMapping returns the source-id anonymization mapping
// in both directions.
func (s *Session) AnonymizedSourceMapping() (*SourceMapping, error) {
	return s.center.sourceMapping(s.snap())
}

func sortedOrgIDs(graph *directory.Graph) []directory.OrgID {
	ids := make([]directory.OrgID, 0, len(graph.Orgs))
	for id := range graph.Orgs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
