package token

import (
	"context"
	"net"

	"github.com/spfbl-go/spfbl/dns"
	"github.com/spfbl-go/spfbl/iprev"
	"github.com/spfbl-go/spfbl/publicsuffix"
	"github.com/spfbl-go/spfbl/smtp"
)

// Request carries the fields of an SMTP transaction needed to expand it
// into a token set (spec.md section 4.2).
type Request struct {
	IP                net.IP
	MailFromLocalpart smtp.Localpart
	MailFromDomain    dns.Domain // Zero for a null/empty MAIL FROM.
	HasMailFrom       bool
	Helo              dns.IPDomain
	Client            string // Tenant id, empty if none.
	Recipient         string // Full recipient address, empty if none/invalid.

	SPFPass bool // Whether SPF evaluation for MailFromDomain returned Pass.
}

// ProviderChecker reports whether domain is a registered freemail/webmail
// provider (policy.Provider, C5), so Expand can decide between adding the
// full mailbox or just the sender's domain (spec.md section 4.2 step 4).
// Kept as an interface here, rather than importing package policy, to avoid
// a dependency cycle: the decision pipeline wires policy.Provider in.
type ProviderChecker interface {
	Contains(domain dns.Domain) bool
}

// Result is the outcome of Expand: the token set plus the forward-confirmed
// HELO hostname, if any, which the decision pipeline needs directly (spec.md
// section 4.4 rule 7, "no sender and HELO does not forward-confirm").
type Result struct {
	Tokens            []Token
	Hostname          dns.Domain
	HostnameConfirmed bool
}

// Expand derives the token set for req, per spec.md section 4.2, then
// augments it with the registered (public-suffix-aware) domain of every
// hostname or sender token it contains ("Expanded set", GLOSSARY).
func Expand(ctx context.Context, resolver dns.Resolver, providers ProviderChecker, req Request) Result {
	var tokens []Token
	add := func(t Token) { tokens = append(tokens, t) }

	// 1. Always add the normalised IP.
	if req.IP != nil {
		add(IP(req.IP))
	}

	// 2. Forward-confirm HELO, or fall back to PTR.
	hostname, hostnameOK := confirmHostname(ctx, resolver, req.IP, req.Helo)

	// 3. Add the rooted hostname, and its dual-stack address sibling.
	if hostnameOK {
		add(Host(hostname))
		if other, ok := dualStackSibling(ctx, resolver, req.IP, hostname); ok {
			add(IP(other))
		}
	}

	// 4. Sender accountability, if SPF passed or the sender is a known provider
	// for this IP/HELO.
	if req.HasMailFrom && (req.SPFPass || (providers != nil && providers.Contains(req.MailFromDomain))) {
		if providers != nil && providers.Contains(req.MailFromDomain) {
			add(Email(req.MailFromLocalpart, req.MailFromDomain))
		} else {
			add(SenderDomain(req.MailFromDomain))
		}
	}

	// 5. Recipient tag.
	if req.Recipient != "" {
		add(Recipient(req.Recipient))
	}

	// 6. Client tag.
	if req.Client != "" {
		add(Client(req.Client))
	}

	return Result{
		Tokens:            expandRegisteredDomains(tokens),
		Hostname:          hostname,
		HostnameConfirmed: hostnameOK,
	}
}

// confirmHostname implements spec.md section 4.2 step 2: if HELO resolves
// (A/AAAA) to ip, use it; otherwise fall back to PTR, keeping only rDNS
// names that forward-confirm.
func confirmHostname(ctx context.Context, resolver dns.Resolver, ip net.IP, helo dns.IPDomain) (dns.Domain, bool) {
	if helo.IsDomain() {
		ips, _, err := resolver.LookupIP(ctx, "ip", dns.EnsureAbs(helo.Domain.ASCII))
		if err == nil {
			for _, a := range ips {
				if a.Equal(ip) {
					return helo.Domain, true
				}
			}
		}
	}
	if ip == nil {
		return dns.Domain{}, false
	}
	status, name, _, _, err := iprev.Lookup(ctx, resolver, ip)
	if err != nil || status != iprev.StatusPass || name == "" {
		return dns.Domain{}, false
	}
	d, err := dns.ParseDomainLax(name)
	if err != nil {
		return dns.Domain{}, false
	}
	return d, true
}

// dualStackSibling implements spec.md section 4.2 step 3: if hostname's
// domain has exactly one A and one AAAA record, the address not equal to ip
// is added too (invariant 7, "dual-stack equivalence").
func dualStackSibling(ctx context.Context, resolver dns.Resolver, ip net.IP, hostname dns.Domain) (net.IP, bool) {
	name := dns.EnsureAbs(hostname.ASCII)
	v4s, _, err4 := resolver.LookupIP(ctx, "ip4", name)
	v6s, _, err6 := resolver.LookupIP(ctx, "ip6", name)
	if err4 != nil && err6 != nil {
		return nil, false
	}
	if len(v4s) != 1 || len(v6s) != 1 {
		return nil, false
	}
	if v4s[0].Equal(ip) {
		return v6s[0], true
	}
	if v6s[0].Equal(ip) {
		return v4s[0], true
	}
	return nil, false
}

// expandRegisteredDomains implements the GLOSSARY "Expanded set": for every
// ".a.b.c" or "@a.b.c" token, also add the registered ".domain" key,
// public-suffix aware.
func expandRegisteredDomains(tokens []Token) []Token {
	seen := map[Token]bool{}
	var out []Token
	emit := func(t Token) {
		if !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}
	for _, t := range tokens {
		emit(t)
		name, ok := t.Domain()
		if !ok {
			continue
		}
		d, err := dns.ParseDomainLax(name)
		if err != nil {
			continue
		}
		org := publicsuffix.Lookup(d)
		if org.Name() == d.Name() {
			continue
		}
		switch {
		case t.IsHost():
			emit(Host(org))
		case t.IsSenderDomain(), t.IsEmail():
			emit(Host(org))
		}
	}
	return out
}
