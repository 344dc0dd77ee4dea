// Package publicsuffix looks up the organizational (registered) domain for a
// given host name, needed when expanding a hostname or sender domain into an
// accountable token (spec C4 "Expand"): registering a token under the
// organizational domain as well as the full name means a provider that hosts
// many subdomains or mailboxes does not escape accountability by rotating
// the leaf label.
//
// Example.com has a public suffix ".com", and example.co.uk has a public
// suffix ".co.uk". The organizational domain of sub.example.com is
// example.com, and the organizational domain of sub.example.co.uk is
// example.co.uk.
package publicsuffix

import (
	"strings"

	xpublicsuffix "golang.org/x/net/publicsuffix"

	"github.com/spfbl-go/spfbl/dns"
)

// Lookup returns the organizational domain for domain. If domain is already
// an organizational domain, or a public suffix itself, domain is returned
// unchanged.
func Lookup(domain dns.Domain) (orgDomain dns.Domain) {
	name := domain.Name()
	orgName, err := xpublicsuffix.EffectiveTLDPlusOne(name)
	if err != nil {
		// Unknown suffix (e.g. a bare TLD, or not found in the list): nothing more
		// specific to attribute to, keep the original domain.
		return domain
	}
	if orgName == name {
		return domain
	}
	t := strings.Split(domain.ASCII, ".")
	n := len(strings.Split(orgName, "."))
	if n > len(t) {
		return domain
	}
	ascii := strings.Join(t[len(t)-n:], ".")
	if domain.Unicode == "" {
		return dns.Domain{ASCII: ascii}
	}
	ut := strings.Split(domain.Unicode, ".")
	if n > len(ut) {
		return dns.Domain{ASCII: ascii}
	}
	unicode := strings.Join(ut[len(ut)-n:], ".")
	if unicode == ascii {
		unicode = ""
	}
	return dns.Domain{ASCII: ascii, Unicode: unicode}
}
