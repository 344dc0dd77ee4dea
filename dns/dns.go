// Package dns provides domain name parsing (IDNA-aware) and a strict,
// metrics-keeping DNS resolver used by spf, iprev, dnsbl and token
// expansion.
package dns

import (
	"errors"
	"fmt"
	"strings"

	"github.com/mjl-/adns"
	"golang.org/x/net/idna"
)

var errTrailingDot = errors.New("dns name has trailing dot")

// Domain is a domain name, with one or more labels, with at least an ASCII
// representation, and for IDNA non-ASCII domains a unicode representation.
// The ASCII string must be used for DNS lookups.
type Domain struct {
	// A non-unicode domain, e.g. with A-labels (xn--...) or NR-LDH (non-reserved
	// letters/digits/hyphens) labels. Always in lower case.
	ASCII string

	// Name as U-labels. Empty if this is an ASCII-only domain.
	Unicode string
}

// Name returns the unicode name if set, otherwise the ASCII name.
func (d Domain) Name() string {
	if d.Unicode != "" {
		return d.Unicode
	}
	return d.ASCII
}

// String returns a human-readable string. For IDNA names, the string
// contains both the unicode and ASCII name.
func (d Domain) String() string {
	if d.Unicode == "" {
		return d.ASCII
	}
	return d.Unicode + "/" + d.ASCII
}

// IsZero returns if this is an empty Domain.
func (d Domain) IsZero() bool {
	return d == Domain{}
}

// ParseDomain parses a domain name that can consist of ASCII-only labels or
// U labels (unicode). Names are IDN-canonicalized and lower-cased.
func ParseDomain(s string) (Domain, error) {
	if strings.HasSuffix(s, ".") {
		return Domain{}, errTrailingDot
	}
	ascii, err := idna.Lookup.ToASCII(s)
	if err != nil {
		return Domain{}, fmt.Errorf("to ascii: %w", err)
	}
	unicode, err := idna.Lookup.ToUnicode(s)
	if err != nil {
		return Domain{}, fmt.Errorf("to unicode: %w", err)
	}
	if ascii == unicode {
		return Domain{ascii, ""}, nil
	}
	return Domain{ascii, unicode}, nil
}

// ParseDomainLax is like ParseDomain but falls back to a lower-cased literal
// instead of returning an error, for inputs seen in the wild (MX/PTR
// targets with underscores) that are used only for comparison, never for
// policy decisions.
func ParseDomainLax(s string) (Domain, error) {
	s = strings.TrimSuffix(s, ".")
	ascii, err := idna.Lookup.ToASCII(s)
	if err != nil {
		return Domain{ASCII: strings.ToLower(s)}, nil
	}
	return Domain{ASCII: ascii}, nil
}

// EnsureAbs appends a trailing dot if s does not already have one, for
// passing to the absolute-name lookups required by StrictResolver.
func EnsureAbs(s string) string {
	if !strings.HasSuffix(s, ".") {
		return s + "."
	}
	return s
}

// IsNotFound returns whether an error is a DNSError with IsNotFound set,
// meaning the requested type does not exist for the name (nodata or
// nxdomain). The caller never needs to separately check for zero records.
func IsNotFound(err error) bool {
	var dnsErr *adns.DNSError
	return err != nil && errors.As(err, &dnsErr) && dnsErr.IsNotFound
}
