// Copyright 2026 The n6 Authors
// SPDX-License-Identifier: Apache-2.0

package access

import (
	"fmt"
	"log/slog"

	"github.com/CERT-Polska/n6-sub002/lib/directory"
)

// Fixed defaults applied when a resource entry is present but a
// numeric limit is absent.
const (
	DefaultWindow       = 3600
	DefaultQueriesLimit = 10
	DefaultResultsLimit = 1000
	DefaultMaxDaysOld   = 100
)

// ResourceLimits are the resolved request limits of one resource for
// one organization.
type ResourceLimits struct {
	// Window is the rate-limit window in seconds.
	Window int `json:"window"`

	// QueriesLimit is the number of requests allowed per window.
	QueriesLimit int `json:"queries_limit"`

	// ResultsLimit caps the number of records per response.
	ResultsLimit int `json:"results_limit"`

	// MaxDaysOld caps how far back queries may reach.
	MaxDaysOld int `json:"max_days_old"`

	// RequestParameters maps each allowed parameter to whether the
	// client must always send it. Nil means every parameter is
	// allowed and none is required.
	RequestParameters map[string]bool `json:"request_parameters"`
}

// resolveLimits resolves the per-resource limits of one organization.
// A resource is enabled iff the organization's directory entry has a
// sub-entry for it; absent numerics take the fixed defaults. A
// required-parameter set that is not a subset of the allowed set is a
// data error: logged, resource skipped.
func resolveLimits(org *directory.Org, logger *slog.Logger) map[string]ResourceLimits {
	if len(org.Resources) == 0 {
		return nil
	}
	if logger == nil {
		logger = slog.Default()
	}

	limits := make(map[string]ResourceLimits, len(org.Resources))
	for resource, props := range org.Resources {
		if props == nil {
			logger.Warn("directory data error, skipping resource",
				"error", &directory.DataError{
					Node:   string(org.ID),
					Detail: fmt.Sprintf("resource %s: null properties", resource),
				})
			continue
		}
		parameters, err := resolveParameters(props)
		if err != nil {
			logger.Warn("directory data error, skipping resource",
				"error", &directory.DataError{
					Node:   string(org.ID),
					Detail: fmt.Sprintf("resource %s: %v", resource, err),
				})
			continue
		}
		limits[resource] = ResourceLimits{
			Window:            valueOrDefault(props.Window, DefaultWindow),
			QueriesLimit:      valueOrDefault(props.QueriesLimit, DefaultQueriesLimit),
			ResultsLimit:      valueOrDefault(props.ResultsLimit, DefaultResultsLimit),
			MaxDaysOld:        valueOrDefault(props.MaxDaysOld, DefaultMaxDaysOld),
			RequestParameters: parameters,
		}
	}
	return limits
}

// resolveParameters merges the allowed and required parameter lists
// into one map, validating required ⊆ allowed.
func resolveParameters(props *directory.ResourceProps) (map[string]bool, error) {
	if props.AllowedParams == nil {
		if len(props.RequiredParams) > 0 {
			return nil, fmt.Errorf("required parameters %v without a whitelist", props.RequiredParams)
		}
		return nil, nil
	}

	parameters := make(map[string]bool, len(props.AllowedParams))
	for _, parameter := range props.AllowedParams {
		parameters[parameter] = false
	}
	for _, parameter := range props.RequiredParams {
		if _, allowed := parameters[parameter]; !allowed {
			return nil, fmt.Errorf("required parameter %q is not in the allowed set", parameter)
		}
		parameters[parameter] = true
	}
	return parameters, nil
}

func valueOrDefault(value *int, fallback int) int {
	if value == nil {
		return fallback
	}
	return *value
}
