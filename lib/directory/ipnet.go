// Copyright 2026 The n6 Authors
// SPDX-License-Identifier: Apache-2.0

package directory

import (
	"fmt"
	"net/netip"
)

// IPv4Range returns the inclusive [low, high] address range of an
// IPv4 CIDR network as host-order integers. The directory only
// carries IPv4 criteria; an IPv6 prefix is a data error.
func IPv4Range(cidr string) (low, high uint32, err error) {
	prefix, err := netip.ParsePrefix(cidr)
	if err != nil {
		return 0, 0, fmt.Errorf("parsing IP network %q: %w", cidr, err)
	}
	if !prefix.Addr().Is4() {
		return 0, 0, fmt.Errorf("IP network %q is not IPv4", cidr)
	}

	bytes := prefix.Masked().Addr().As4()
	low = uint32(bytes[0])<<24 | uint32(bytes[1])<<16 | uint32(bytes[2])<<8 | uint32(bytes[3])
	if prefix.Bits() == 0 {
		return 0, 1<<32 - 1, nil
	}
	size := uint32(1) << (32 - prefix.Bits())
	high = low + size - 1
	return low, high, nil
}
