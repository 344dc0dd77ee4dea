package dnslist

import (
	"context"
	"net"
	"time"

	"github.com/spfbl-go/spfbl/reputation"
	"github.com/spfbl-go/spfbl/token"
)

// Response codes of spec.md section 4.6. TTLs encode confidence: the
// longer the TTL, the less likely the answer is to flip soon.
var (
	ipDNSBLHot  = net.IPv4(127, 0, 0, 2).To4()
	ipDNSBLCold = net.IPv4(127, 0, 0, 3).To4()
	ipURIHref   = net.IPv4(127, 0, 0, 2).To4()
	ipURIExec   = net.IPv4(127, 0, 0, 3).To4()
	ipWLGood    = net.IPv4(127, 0, 0, 2).To4()
	ipWLIgnore  = net.IPv4(127, 0, 0, 3).To4()
	ipWLWhite   = net.IPv4(127, 0, 0, 4).To4()
	ipALExists  = net.IPv4(127, 0, 0, 2).To4()
)

const (
	ttlDefault = 86400 * time.Second
	ttlMedium  = 259200 * time.Second
	ttlHigh    = 432000 * time.Second
)

// hotWindow bounds how recently a token must have drawn a complaint for the
// DNSBL zone to report it "hot-red" (127.0.0.2) rather than "cold"
// (127.0.0.3). spec.md section 4.6 names the two tiers without defining the
// boundary; one day matches the default TTL.
const hotWindow = 24 * time.Hour

// answer computes the A-record answer for a query, given the zone it
// resolved against and the rest of the name that preceded the zone suffix.
// ok is false for NXDOMAIN (no record).
func (s *Server) answer(ctx context.Context, zone Zone, rest string) (ip net.IP, ttl time.Duration, ok bool) {
	switch zone.Kind {
	case KindDNSBL:
		return s.answerDNSBL(rest)
	case KindDNSWL:
		return s.answerDNSWL(rest)
	case KindURIBL:
		return s.answerURIBL(rest)
	case KindSCORE:
		return s.answerSCORE(rest)
	case KindDNSAL:
		return s.answerDNSAL(ctx, rest)
	default:
		return nil, 0, false
	}
}

func (s *Server) answerDNSBL(rest string) (net.IP, time.Duration, bool) {
	ip, ok := parseReversedIP(rest)
	if !ok {
		return nil, 0, false
	}
	tok := token.IP(ip)
	status := s.rep.Status(tok)
	blocked := s.policy.Block.Contains(tok)
	if status != reputation.StatusBlack && status != reputation.StatusBlock && !blocked {
		return nil, 0, false
	}
	if d, ok := s.rep.Peek(tok); ok {
		if last := d.LastComplaintAt(); !last.IsZero() && time.Since(last) < hotWindow {
			return ipDNSBLHot, ttlHigh, true
		}
	}
	return ipDNSBLCold, ttlDefault, true
}

func (s *Server) answerDNSWL(rest string) (net.IP, time.Duration, bool) {
	ip, isIP := parseReversedIP(rest)
	var tok token.Token
	if isIP {
		tok = token.IP(ip)
	} else {
		d, ok := parseReversedHost(rest)
		if !ok {
			return nil, 0, false
		}
		tok = token.Host(d)
	}

	switch {
	case s.policy.Provider.Contains(tok):
		return ipWLGood, ttlHigh, true
	case s.policy.Ignore.Contains(tok):
		return ipWLIgnore, ttlMedium, true
	case s.policy.White.Contains(tok):
		return ipWLWhite, ttlDefault, true
	default:
		return nil, 0, false
	}
}

// answerURIBL distinguishes a plain Block match (the common case, a
// malicious href/landing page) from a Generic-pattern match (a dynamic or
// templated hostname, the shape typically used to host a downloaded
// executable payload rather than a phishing page): spec.md section 4.6
// names the two tiers without defining what separates them; this reuses the
// two hostname-shaped lists already available rather than inventing a
// payload classifier.
func (s *Server) answerURIBL(rest string) (net.IP, time.Duration, bool) {
	d, ok := parseReversedHost(rest)
	if !ok {
		return nil, 0, false
	}
	tok := token.Host(d)
	switch {
	case s.policy.Generic.Contains(tok):
		return ipURIExec, ttlHigh, true
	case s.policy.Block.Contains(tok):
		return ipURIHref, ttlDefault, true
	default:
		return nil, 0, false
	}
}

func (s *Server) answerSCORE(rest string) (net.IP, time.Duration, bool) {
	var tok token.Token
	if ip, isIP := parseReversedIP(rest); isIP {
		tok = token.IP(ip)
	} else if d, ok := parseReversedHost(rest); ok {
		tok = token.Host(d)
	} else {
		return nil, 0, false
	}

	var p float64
	if d, ok := s.rep.Peek(tok); ok {
		p = d.Probability()
	}
	n := 100 - int(100*p)
	if n < 0 {
		n = 0
	} else if n > 255 {
		n = 255
	}
	return net.IPv4(127, 0, 1, byte(n)).To4(), ttlDefault, true
}

// answerDNSAL reports whether an abuse contact is known for rest, per
// spec.md section 4.6: a raw WHOIS "abuse" attribute lookup (via
// Policy.Block's configured client), independent of whether rest is itself
// Blocked.
func (s *Server) answerDNSAL(ctx context.Context, rest string) (net.IP, time.Duration, bool) {
	var key string
	if ip, isIP := parseReversedIP(rest); isIP {
		key = ip.String()
	} else if d, ok := parseReversedHost(rest); ok {
		key = d.Name()
	} else {
		return nil, 0, false
	}

	_, found, err := s.policy.Block.WHOISAttr(ctx, key, "abuse")
	if err != nil || !found {
		return nil, 0, false
	}
	return ipALExists, ttlMedium, true
}
