// Copyright 2026 The n6 Authors
// SPDX-License-Identifier: Apache-2.0

// n6-authd is the authorization-resolution daemon. It watches a
// directory-graph file, keeps a warm in-memory snapshot of the
// resolved per-organization access information, and persists it to a
// signed on-disk cache shared with cooperating processes.
//
// With --dump the daemon instead resolves the directory once, prints
// the derived access information as JSON on stdout, and exits. This
// is the operator's way to inspect what a directory change actually
// grants before deploying it.
package main
