// Package policy implements the membership lists of spec.md component C5:
// Block, White, Ignore, Provider, Generic, Trap and NoReply. Each exposes
// exact-token, CIDR, suffix, regex and (for Block) WHOIS-attribute
// membership tests, dispatched at lookup time on a tagged variant per entry
// rather than by pattern-matching every token against every entry (spec.md
// section 9, "Static flood/white/block lookup").
package policy

import (
	"context"
	"fmt"
	"net"
	"regexp"
	"strings"
	"sync"

	"github.com/spfbl-go/spfbl/dns"
	"github.com/spfbl-go/spfbl/stub"
	"github.com/spfbl-go/spfbl/token"
)

// Name identifies which of the seven lists an entry belongs to, for
// persistence and diagnostics (CHECK verb output).
type Name string

const (
	Block    Name = "block"
	White    Name = "white"
	Ignore   Name = "ignore"
	Provider Name = "provider"
	Generic  Name = "generic"
	Trap     Name = "trap"
	NoReply  Name = "noreply"
)

// List holds one membership family. Mutation is rare; reads are frequent
// and take the read lock (spec.md section 5, "Policy lists are read under
// fine-grained locks and mutated rarely").
type List struct {
	name  Name
	whois stub.WHOIS

	mu       sync.RWMutex
	exact    map[token.Token]bool
	suffix   map[string]bool // hostname suffix, without leading dot, e.g. "example.com".
	cidrs    []*net.IPNet
	regexes  []*regexp.Regexp
	whoisEnt []whoisEntry
}

type whoisEntry struct {
	field string
	value string
}

// New constructs an empty list of the given name. whois may be nil for
// lists other than Block, or in tests; stub.WHOISIgnore{} is used then.
func New(name Name, whois stub.WHOIS) *List {
	if whois == nil {
		whois = stub.WHOISIgnore{}
	}
	return &List{
		name:   name,
		whois:  whois,
		exact:  map[token.Token]bool{},
		suffix: map[string]bool{},
	}
}

// Name returns the list's identity.
func (l *List) Name() Name { return l.name }

// Add inserts pattern, dispatching on its syntactic shape (spec.md section
// 3, "pattern tokens used only in policy lists"):
//
//   - "CIDR=prefix/len" — IP range membership.
//   - "WHOIS/field=value" — WHOIS attribute membership (Block only).
//   - "REGEX=pattern" — regular expression over the token's string form.
//   - ".hostname" — suffix membership, matches the name and any subdomain.
//   - anything else — exact token membership.
func (l *List) Add(pattern string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.addLocked(pattern)
}

func (l *List) addLocked(pattern string) error {
	switch {
	case strings.HasPrefix(pattern, "CIDR="):
		_, ipnet, err := net.ParseCIDR(strings.TrimPrefix(pattern, "CIDR="))
		if err != nil {
			return fmt.Errorf("parsing CIDR pattern %q: %w", pattern, err)
		}
		l.cidrs = append(l.cidrs, ipnet)
	case strings.HasPrefix(pattern, "WHOIS/"):
		rest := strings.TrimPrefix(pattern, "WHOIS/")
		field, value, ok := strings.Cut(rest, "=")
		if !ok {
			return fmt.Errorf("parsing WHOIS pattern %q: missing '='", pattern)
		}
		l.whoisEnt = append(l.whoisEnt, whoisEntry{field, value})
	case strings.HasPrefix(pattern, "REGEX="):
		re, err := regexp.Compile(strings.TrimPrefix(pattern, "REGEX="))
		if err != nil {
			return fmt.Errorf("compiling REGEX pattern %q: %w", pattern, err)
		}
		l.regexes = append(l.regexes, re)
	case strings.HasPrefix(pattern, "DNSBL="):
		// DNSBL=zone;ip — an external block list reference, membership is
		// resolved by consulting the zone, not stored locally. Recorded as an
		// exact token so Contains/Remove/iteration still see it.
		l.exact[token.Token(pattern)] = true
	case strings.HasPrefix(pattern, "."):
		l.suffix[strings.TrimPrefix(pattern, ".")] = true
	default:
		l.exact[token.Token(pattern)] = true
	}
	return nil
}

// Remove deletes pattern if present, mirroring Add's dispatch. Used by the
// decision pipeline's "clear any false-positive Block" (rule 2, spec.md
// section 4.4).
func (l *List) Remove(pattern string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	switch {
	case strings.HasPrefix(pattern, "CIDR="):
		_, ipnet, err := net.ParseCIDR(strings.TrimPrefix(pattern, "CIDR="))
		if err != nil {
			return
		}
		for i, c := range l.cidrs {
			if c.String() == ipnet.String() {
				l.cidrs = append(l.cidrs[:i], l.cidrs[i+1:]...)
				break
			}
		}
	case strings.HasPrefix(pattern, "WHOIS/"):
		rest := strings.TrimPrefix(pattern, "WHOIS/")
		field, value, _ := strings.Cut(rest, "=")
		for i, w := range l.whoisEnt {
			if w.field == field && w.value == value {
				l.whoisEnt = append(l.whoisEnt[:i], l.whoisEnt[i+1:]...)
				break
			}
		}
	case strings.HasPrefix(pattern, "REGEX="):
		pat := strings.TrimPrefix(pattern, "REGEX=")
		for i, re := range l.regexes {
			if re.String() == pat {
				l.regexes = append(l.regexes[:i], l.regexes[i+1:]...)
				break
			}
		}
	case strings.HasPrefix(pattern, "."):
		delete(l.suffix, strings.TrimPrefix(pattern, "."))
	default:
		delete(l.exact, token.Token(pattern))
	}
}

// Contains reports whether t matches any exact, suffix, CIDR or regex entry.
// WHOIS membership is not checked here; call ContainsWHOIS separately once
// attributes are available, since the lookup itself is external I/O.
func (l *List) Contains(t token.Token) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.exact[t] {
		return true
	}
	if name, ok := t.Domain(); ok && l.matchesSuffix(name) {
		return true
	}
	if t.IsIP() {
		ip := net.ParseIP(string(t))
		for _, c := range l.cidrs {
			if c.Contains(ip) {
				return true
			}
		}
	}
	s := string(t)
	for _, re := range l.regexes {
		if re.MatchString(s) {
			return true
		}
	}
	return false
}

func (l *List) matchesSuffix(name string) bool {
	for {
		if l.suffix[name] {
			return true
		}
		i := strings.IndexByte(name, '.')
		if i < 0 {
			return false
		}
		name = name[i+1:]
	}
}

// ContainsDomain reports whether d matches by suffix, for callers that have
// a dns.Domain rather than a token (e.g. the sender/HELO domain directly).
func (l *List) ContainsDomain(d dns.Domain) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.matchesSuffix(d.Name())
}

// ContainsWHOIS reports whether any WHOIS=field/value entry matches attrs,
// looked up by the caller via the configured stub.WHOIS client (spec.md
// section 4, "Policy list membership... WHOIS attribute").
func (l *List) ContainsWHOIS(attrs map[string]string) bool {
	if len(attrs) == 0 {
		return false
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, w := range l.whoisEnt {
		if v, ok := attrs[w.field]; ok && v == w.value {
			return true
		}
	}
	return false
}

// LookupWHOIS fetches attrs for key via the configured client and checks
// them against ContainsWHOIS in one call.
func (l *List) LookupWHOIS(ctx context.Context, key string) (bool, error) {
	attrs, err := l.whois.Lookup(ctx, key)
	if err != nil {
		return false, err
	}
	return l.ContainsWHOIS(attrs), nil
}

// WHOISAttr fetches a single attribute for key via the configured WHOIS
// client, bypassing the configured WHOIS=field/value membership entries.
// Used by the DNSAL zone (spec.md section 4.6) to answer "does an abuse
// contact exist for this key", independent of whether key is itself listed.
func (l *List) WHOISAttr(ctx context.Context, key, field string) (string, bool, error) {
	attrs, err := l.whois.Lookup(ctx, key)
	if err != nil {
		return "", false, err
	}
	v, ok := attrs[field]
	return v, ok && v != "", nil
}

// Snapshot returns every pattern currently in the list, for persistence.
// Copy-on-read: safe to iterate without holding the list's lock afterward.
func (l *List) Snapshot() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]string, 0, len(l.exact)+len(l.suffix)+len(l.cidrs)+len(l.regexes)+len(l.whoisEnt))
	for t := range l.exact {
		out = append(out, string(t))
	}
	for s := range l.suffix {
		out = append(out, "."+s)
	}
	for _, c := range l.cidrs {
		out = append(out, "CIDR="+c.String())
	}
	for _, re := range l.regexes {
		out = append(out, "REGEX="+re.String())
	}
	for _, w := range l.whoisEnt {
		out = append(out, "WHOIS/"+w.field+"="+w.value)
	}
	return out
}
