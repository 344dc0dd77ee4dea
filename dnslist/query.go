package dnslist

import (
	"net"
	"strconv"
	"strings"

	"github.com/spfbl-go/spfbl/dns"
)

// matchZone finds the configured zone whose suffix matches name (a fully
// qualified query name, no trailing dot), preferring the longest suffix, and
// returns the remaining labels to the left of the suffix.
func matchZone(name string, zones []Zone) (rest string, zone Zone, ok bool) {
	name = strings.ToLower(strings.TrimSuffix(name, "."))
	bestLen := -1
	for _, z := range zones {
		suffix := z.Suffix.ASCII
		switch {
		case name == suffix:
			if len(suffix) > bestLen {
				zone, rest, ok, bestLen = z, "", true, len(suffix)
			}
		case strings.HasSuffix(name, "."+suffix):
			if len(suffix) > bestLen {
				zone, rest, ok, bestLen = z, strings.TrimSuffix(name, "."+suffix), true, len(suffix)
			}
		}
	}
	return rest, zone, ok
}

// parseReversedIPv4 inverts the "d.c.b.a" labeling of RFC 5782 section 2.1
// (the same convention package dnsbl writes when querying as a client) back
// into a.b.c.d.
func parseReversedIPv4(labels []string) (net.IP, bool) {
	if len(labels) != 4 {
		return nil, false
	}
	var addr [4]byte
	for j := 0; j < 4; j++ {
		n, err := strconv.Atoi(labels[3-j])
		if err != nil || n < 0 || n > 255 {
			return nil, false
		}
		addr[j] = byte(n)
	}
	return net.IPv4(addr[0], addr[1], addr[2], addr[3]).To4(), true
}

// parseReversedIPv6 inverts the nibble-per-label convention of RFC 5782
// section 2.4 (low nibble then high nibble of the last byte first, as
// dnsbl.Lookup writes it).
func parseReversedIPv6(labels []string) (net.IP, bool) {
	if len(labels) != 32 {
		return nil, false
	}
	var addr [16]byte
	for k := 0; k < 16; k++ {
		low, ok1 := hexNibble(labels[2*k])
		high, ok2 := hexNibble(labels[2*k+1])
		if !ok1 || !ok2 {
			return nil, false
		}
		addr[15-k] = high<<4 | low
	}
	return net.IP(addr[:]), true
}

func hexNibble(label string) (byte, bool) {
	if len(label) != 1 {
		return 0, false
	}
	c := label[0]
	switch {
	case c >= '0' && c <= '9':
		return c - '0', true
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, true
	default:
		return 0, false
	}
}

// parseReversedIP tries the IPv4, then the IPv6, labeling of rest.
func parseReversedIP(rest string) (net.IP, bool) {
	if rest == "" {
		return nil, false
	}
	labels := strings.Split(rest, ".")
	if ip, ok := parseReversedIPv4(labels); ok {
		return ip, true
	}
	return parseReversedIPv6(labels)
}

// parseReversedHost reverses rest's labels back into normal reading order,
// the URIBL/SCORE convention for hostname lookups (mirrored from spec.md
// section 4.6; no RFC governs this one since it is not IP-shaped).
func parseReversedHost(rest string) (dns.Domain, bool) {
	if rest == "" {
		return dns.Domain{}, false
	}
	labels := strings.Split(rest, ".")
	for i, j := 0, len(labels)-1; i < j; i, j = i+1, j-1 {
		labels[i], labels[j] = labels[j], labels[i]
	}
	d, err := dns.ParseDomainLax(strings.Join(labels, "."))
	if err != nil {
		return dns.Domain{}, false
	}
	return d, true
}
