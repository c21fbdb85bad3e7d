// Copyright 2026 The n6 Authors
// SPDX-License-Identifier: Apache-2.0

package directory

import "fmt"

// CommunicationError reports that the directory backend could not be
// reached or did not answer. It is distinct from any authorization
// outcome so callers never confuse "deny" with "cannot decide".
type CommunicationError struct {
	// Op names the backend operation that failed ("fetch", "peek").
	Op string

	Err error
}

func (e *CommunicationError) Error() string {
	return fmt.Sprintf("directory backend %s failed: %v", e.Op, e.Err)
}

func (e *CommunicationError) Unwrap() error { return e.Err }

// DataError reports a malformed value inside an otherwise parseable
// graph: a bad boolean flag, an unparseable limit, a duplicate
// user-to-org assignment. Data errors are logged at the smallest
// possible scope and the offending value falls back to its safe
// default; a single bad entry never aborts a snapshot build.
type DataError struct {
	// Node identifies the directory entry the bad value lives on.
	Node string

	// Detail describes the problem.
	Detail string
}

func (e *DataError) Error() string {
	return fmt.Sprintf("directory data error at %s: %s", e.Node, e.Detail)
}
