package spf

import "net"

// reservedIP4Nets and reservedIP6Nets are the IANA special-purpose address
// ranges (RFC 6890 and its IPv6 counterpart) an ip4/ip6 mechanism is never
// allowed to cover. A published record claiming one of these as "mine" is
// almost always a copy-pasted example or a misconfiguration, not policy
// (spec.md section 4.1, testable property 6: "ip4:10.0.0.0/8 never matches
// any non-LAN IP"); such directives are dropped before evaluation rather
// than allowed to match.
var (
	reservedIP4Nets = mustParseNets(
		"0.0.0.0/8",
		"10.0.0.0/8",
		"100.64.0.0/10",
		"127.0.0.0/8",
		"169.254.0.0/16",
		"172.16.0.0/12",
		"192.0.0.0/24",
		"192.0.2.0/24",
		"192.88.99.0/24",
		"192.168.0.0/16",
		"198.18.0.0/15",
		"198.51.100.0/24",
		"203.0.113.0/24",
		"224.0.0.0/4",
		"240.0.0.0/4",
		"255.255.255.255/32",
	)

	reservedIP6Nets = mustParseNets(
		"::1/128",
		"::/128",
		"::ffff:0:0/96",
		"64:ff9b::/96",
		"100::/64",
		"2001::/23",
		"2001:db8::/32",
		"2002::/16",
		"3fff::/20",
		"5f00::/16",
		"fc00::/7",
		"fe80::/10",
	)
)

func mustParseNets(cidrs ...string) []*net.IPNet {
	nets := make([]*net.IPNet, len(cidrs))
	for i, s := range cidrs {
		_, n, err := net.ParseCIDR(s)
		if err != nil {
			panic(err)
		}
		nets[i] = n
	}
	return nets
}

// directiveOverlapsReserved reports whether d (an ip4 or ip6 directive)
// overlaps any IANA-reserved range, checking both directions: the
// directive's network containing a reserved network, or vice versa.
func directiveOverlapsReserved(d Directive) bool {
	if d.IP == nil {
		return false
	}
	var nets []*net.IPNet
	var ones, bits int
	switch d.Mechanism {
	case "ip4":
		nets = reservedIP4Nets
		bits = 32
		ones = 32
		if d.IP4CIDRLen != nil {
			ones = *d.IP4CIDRLen
		}
	case "ip6":
		nets = reservedIP6Nets
		bits = 128
		ones = 128
		if d.IP6CIDRLen != nil {
			ones = *d.IP6CIDRLen
		}
	default:
		return false
	}
	dn := &net.IPNet{IP: d.IP.Mask(net.CIDRMask(ones, bits)), Mask: net.CIDRMask(ones, bits)}
	for _, rn := range nets {
		if netsOverlap(dn, rn) {
			return true
		}
	}
	return false
}

func netsOverlap(a, b *net.IPNet) bool {
	return a.Contains(b.IP) || b.Contains(a.IP)
}
