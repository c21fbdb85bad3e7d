// Copyright 2026 The n6 Authors
// SPDX-License-Identifier: Apache-2.0

package directory

import (
	"fmt"
	"strconv"
	"strings"
)

// The directory store is schema-less about scalar values: booleans
// arrive as native bools, "TRUE"/"false" strings or 0/1 numbers, and
// numeric limits arrive as numbers or digit strings. Coercion is
// centralized here so every backend normalizes identically.

// CoerceBool normalizes a flag value. Unrecognized values are an
// error; per the fail-open-to-restrictive policy the caller logs it
// and treats the flag as unset.
func CoerceBool(value any) (bool, error) {
	switch v := value.(type) {
	case nil:
		return false, nil
	case bool:
		return v, nil
	case float64:
		if v == 0 {
			return false, nil
		}
		if v == 1 {
			return true, nil
		}
	case string:
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "true", "yes", "1":
			return true, nil
		case "false", "no", "0", "":
			return false, nil
		}
	}
	return false, fmt.Errorf("not a boolean flag: %v", value)
}

// CoerceInt normalizes a numeric limit value. Nil yields (nil, nil):
// the limit is absent and the resolver applies its default.
func CoerceInt(value any) (*int, error) {
	switch v := value.(type) {
	case nil:
		return nil, nil
	case float64:
		n := int(v)
		if float64(n) != v {
			return nil, fmt.Errorf("not an integral value: %v", v)
		}
		return &n, nil
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return nil, fmt.Errorf("not an integer: %q", v)
		}
		return &n, nil
	}
	return nil, fmt.Errorf("not an integer: %v", value)
}
