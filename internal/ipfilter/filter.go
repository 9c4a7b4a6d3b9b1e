// Package ipfilter implements CIDR allow/deny decisions with
// specificity-aware precedence.
package ipfilter

import (
	"net/netip"
	"strings"
)

// Check decides whether ip passes the allow/deny lists.
//
// The most specific (longest prefix) matching network is selected from
// each list, considering only entries of the address's family. An
// unparseable address is denied. The decision table:
//
//	allow match, no deny match          -> allow
//	allow and deny match                -> allow iff allow is at least as specific
//	deny match only                     -> deny
//	no match, allow list empty          -> allow (deny-list-only mode)
//	no match, allow list non-empty      -> deny
func Check(ip string, allow, deny []string) bool {
	addr, err := netip.ParseAddr(strings.TrimSpace(ip))
	if err != nil {
		return false
	}
	addr = addr.Unmap()

	allowBits, allowMatched := mostSpecificMatch(addr, allow)
	denyBits, denyMatched := mostSpecificMatch(addr, deny)

	switch {
	case allowMatched && !denyMatched:
		return true
	case allowMatched && denyMatched:
		// Specificity tie goes to allow.
		return allowBits >= denyBits
	case denyMatched:
		return false
	default:
		return len(allow) == 0
	}
}

// mostSpecificMatch returns the longest prefix length among entries
// containing addr, and whether any entry matched. Invalid entries are
// skipped.
func mostSpecificMatch(addr netip.Addr, entries []string) (int, bool) {
	best := -1
	for _, entry := range entries {
		for _, prefix := range parseEntry(entry) {
			if prefix.Addr().Is4() != addr.Is4() {
				continue
			}
			if prefix.Contains(addr) && prefix.Bits() > best {
				best = prefix.Bits()
			}
		}
	}
	return best, best >= 0
}

// parseEntry expands a list entry into prefixes. "*" covers both
// families; a bare address becomes a /32 or /128.
func parseEntry(entry string) []netip.Prefix {
	entry = strings.TrimSpace(entry)
	if entry == "*" {
		return []netip.Prefix{
			netip.PrefixFrom(netip.IPv4Unspecified(), 0),
			netip.PrefixFrom(netip.IPv6Unspecified(), 0),
		}
	}
	if prefix, err := netip.ParsePrefix(entry); err == nil {
		return []netip.Prefix{prefix.Masked()}
	}
	if addr, err := netip.ParseAddr(entry); err == nil {
		addr = addr.Unmap()
		return []netip.Prefix{netip.PrefixFrom(addr, addr.BitLen())}
	}
	return nil
}

// IsLoopback reports whether ip parses to a loopback address.
func IsLoopback(ip string) bool {
	addr, err := netip.ParseAddr(strings.TrimSpace(ip))
	if err != nil {
		return false
	}
	return addr.Unmap().IsLoopback()
}
