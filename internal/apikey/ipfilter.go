// ipfilter.go

// Caller IP checks against a key's whitelist of exact addresses and CIDR blocks.
package apikey

import (
	"encoding/binary"
	"fmt"
	"net/netip"
	"strings"

	"github.com/MGallo-Code/aegis/internal/apperr"
)

// validateWhitelist rejects any entry that is not an IPv4/IPv6 address or CIDR block,
// and returns the entries trimmed.
func validateWhitelist(entries []string) ([]string, error) {
	out := make([]string, 0, len(entries))
	for i, raw := range entries {
		e := strings.TrimSpace(raw)
		var err error
		if strings.Contains(e, "/") {
			_, err = netip.ParsePrefix(e)
		} else {
			_, err = netip.ParseAddr(e)
		}
		if err != nil {
			return nil, apperr.Validation(fmt.Sprintf("ip_whitelist[%d]", i), fmt.Sprintf("%q is not an IP address or CIDR block", raw))
		}
		out = append(out, e)
	}
	return out, nil
}

// ipAllowed reports whether callerIP matches the whitelist. An empty whitelist allows everyone;
// an unparseable caller IP matches nothing.
func ipAllowed(whitelist []string, callerIP string) bool {
	if len(whitelist) == 0 {
		return true
	}
	ip, err := netip.ParseAddr(strings.TrimSpace(callerIP))
	if err != nil {
		return false
	}
	ip = ip.Unmap()

	for _, entry := range whitelist {
		if !strings.Contains(entry, "/") {
			allowed, err := netip.ParseAddr(entry)
			if err == nil && allowed.Unmap() == ip {
				return true
			}
			continue
		}
		prefix, err := netip.ParsePrefix(entry)
		if err != nil {
			continue
		}
		if inCIDR(prefix, ip) {
			return true
		}
	}
	return false
}

// inCIDR tests containment. IPv4 uses (ip & mask) == (network & mask) over the
// 32-bit form; IPv6 uses prefix containment.
func inCIDR(prefix netip.Prefix, ip netip.Addr) bool {
	network := prefix.Addr()
	if !network.Is4() {
		// IPv6 block; an IPv4 caller can only match through its mapped form.
		if ip.Is4() {
			return prefix.Contains(netip.AddrFrom16(ip.As16()))
		}
		return prefix.Contains(ip)
	}
	if !ip.Is4() {
		return false
	}

	bits := prefix.Bits()
	var mask uint32
	if bits > 0 {
		mask = ^uint32(0) << (32 - bits)
	}
	n4, a4 := network.As4(), ip.As4()
	return binary.BigEndian.Uint32(a4[:])&mask == binary.BigEndian.Uint32(n4[:])&mask
}
