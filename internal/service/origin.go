package service

import (
	"fmt"
	"net/netip"
)

const (
	OriginExact  = "exact"
	OriginSubnet = "subnet"
)

// OriginPolicy decides how much of the client address a binding pins.
// Subnet mode has no default prefix width; both widths must be configured.
type OriginPolicy struct {
	mode     string
	ipv4Bits int
	ipv6Bits int
}

func NewOriginPolicy(mode string, ipv4Bits, ipv6Bits int) (OriginPolicy, error) {
	switch mode {
	case OriginExact:
		return OriginPolicy{mode: OriginExact}, nil
	case OriginSubnet:
		if ipv4Bits < 1 || ipv4Bits > 32 {
			return OriginPolicy{}, fmt.Errorf("subnet policy: ipv4 prefix %d out of range", ipv4Bits)
		}
		if ipv6Bits < 1 || ipv6Bits > 128 {
			return OriginPolicy{}, fmt.Errorf("subnet policy: ipv6 prefix %d out of range", ipv6Bits)
		}
		return OriginPolicy{mode: OriginSubnet, ipv4Bits: ipv4Bits, ipv6Bits: ipv6Bits}, nil
	}
	return OriginPolicy{}, fmt.Errorf("unknown origin policy %q", mode)
}

func (p OriginPolicy) Mode() string {
	return p.mode
}

// Key reduces an address to the part the policy compares: the address itself
// under exact, the masked network under subnet.
func (p OriginPolicy) Key(ip string) (string, error) {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return "", fmt.Errorf("parse client address: %w", err)
	}
	addr = addr.Unmap().WithZone("")

	if p.mode != OriginSubnet {
		return addr.String(), nil
	}

	bits := p.ipv6Bits
	if addr.Is4() {
		bits = p.ipv4Bits
	}
	prefix, err := addr.Prefix(bits)
	if err != nil {
		return "", fmt.Errorf("mask client address: %w", err)
	}
	return prefix.String(), nil
}

func (p OriginPolicy) Match(bound, current string) bool {
	return bound != "" && bound == current
}
