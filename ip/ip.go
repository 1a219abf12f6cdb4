// Package ip expands address patterns used in inventories: single
// addresses, CIDR blocks, inclusive ranges and comma separated lists of
// those.
package ip

import (
	"net/netip"
	"strings"

	"github.com/pkg/errors"
)

// MaxAddresses caps the expansion of a single range or block.
const MaxAddresses = 1 << 16

// Expand returns the addresses matched by pattern in order, without
// duplicates. IPv4 blocks larger than /31 exclude the network and
// broadcast addresses.
func Expand(pattern string) ([]string, error) {
	var out []string
	seen := make(map[netip.Addr]struct{})
	add := func(a netip.Addr) {
		if _, ok := seen[a]; !ok {
			seen[a] = struct{}{}
			out = append(out, a.String())
		}
	}

	for _, part := range strings.Split(pattern, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		var (
			addrs []netip.Addr
			err   error
		)
		switch {
		case strings.Contains(part, "/"):
			addrs, err = expandPrefix(part)
		case strings.Contains(part, "-"):
			start, end, _ := strings.Cut(part, "-")
			addrs, err = expandRange(strings.TrimSpace(start), strings.TrimSpace(end))
		default:
			var a netip.Addr
			a, err = netip.ParseAddr(part)
			addrs = []netip.Addr{a}
		}
		if err != nil {
			return nil, errors.Wrapf(err, "invalid address pattern %q", part)
		}
		for _, a := range addrs {
			add(a)
		}
	}
	if len(out) == 0 {
		return nil, errors.Errorf("no addresses in %q", pattern)
	}
	return out, nil
}

// IsPattern reports whether s names more than a single address.
func IsPattern(s string) bool {
	if strings.ContainsAny(s, ",/") {
		return true
	}
	start, end, ok := strings.Cut(s, "-")
	if !ok {
		return false
	}
	_, errStart := netip.ParseAddr(strings.TrimSpace(start))
	_, errEnd := netip.ParseAddr(strings.TrimSpace(end))
	return errStart == nil && errEnd == nil
}

func expandRange(start, end string) ([]netip.Addr, error) {
	first, err := netip.ParseAddr(start)
	if err != nil {
		return nil, err
	}
	last, err := netip.ParseAddr(end)
	if err != nil {
		return nil, err
	}
	if first.Is4() != last.Is4() {
		return nil, errors.New("start and end must be of the same family")
	}
	if first.Compare(last) > 0 {
		return nil, errors.Errorf("%s is after %s", first, last)
	}

	var addrs []netip.Addr
	for a := first; a.IsValid() && a.Compare(last) <= 0; a = a.Next() {
		if len(addrs) == MaxAddresses {
			return nil, errors.Errorf("range has more than %d addresses", MaxAddresses)
		}
		addrs = append(addrs, a)
	}
	return addrs, nil
}

func expandPrefix(s string) ([]netip.Addr, error) {
	prefix, err := netip.ParsePrefix(s)
	if err != nil {
		return nil, err
	}
	prefix = prefix.Masked()
	hostBits := prefix.Addr().BitLen() - prefix.Bits()
	if hostBits > 16 {
		return nil, errors.Errorf("block has more than %d addresses", MaxAddresses)
	}

	var addrs []netip.Addr
	for a := prefix.Addr(); a.IsValid() && prefix.Contains(a); a = a.Next() {
		addrs = append(addrs, a)
	}
	if prefix.Addr().Is4() && len(addrs) > 2 {
		addrs = addrs[1 : len(addrs)-1]
	}
	return addrs, nil
}
