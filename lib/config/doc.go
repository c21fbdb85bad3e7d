// Copyright 2026 The n6 Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides YAML configuration loading for the
// authorization daemon.
//
// Configuration is loaded from a single file specified by either the
// N6_AUTH_CONFIG environment variable (via [Load]) or a --config flag
// (via [LoadFile]). There are no fallbacks, no ~/.config discovery,
// and no automatic file search. The file is the single source of
// truth; environment variables never override its values.
//
// Validation is fail-fast: a daemon never starts on a configuration
// it cannot fully honor. Every violation is collected into a single
// [ConfigurationError] so an operator fixes the whole file in one
// pass.
package config
