package spf

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/spfbl-go/spfbl/dns"
	"github.com/spfbl-go/spfbl/mlog"
	"github.com/spfbl-go/spfbl/moxio"
)

// Expiration constants from spec.md section 9. Encoded as constants, not
// scattered literals.
const (
	RefreshAge  = 7 * 24 * time.Hour  // Refresh a cached record older than this, even without query pressure.
	EvictIdle   = 14 * 24 * time.Hour // Evict a record unused for this long.
	NXDOMAINMin = 4                   // >3 NXDOMAIN lookups...
	QueryMin    = 32                  // ...and >32 queries marks a domain definitely inexistent.
	refreshHits = 4                   // More than 4 queries since last refresh triggers a background re-resolve.
)

// Entry is a cached, refreshable SPF record for one domain, as described by
// spec.md section 3 ("SPF record"). The zero value is not meaningful; use
// Registry.Lookup to obtain one.
type Entry struct {
	Domain      dns.Domain
	Record      *Record // nil if the domain publishes no parseable record and BestGuess is disabled.
	BestGuess   bool    // Record is a fallback, not what the domain actually published.
	SyntaxError bool

	mu            sync.Mutex
	queries       int
	nxdomains     int
	lastRefresh   time.Time
	lastUse       time.Time
	queriesAtLast int
}

// Inexistent reports whether the domain should be treated as definitely not
// existing: spec.md section 3, "marked definitely inexistent after
// NXDOMAIN>3 AND queries>32".
func (e *Entry) Inexistent() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.nxdomains >= NXDOMAINMin && e.queries > QueryMin
}

// Stale reports whether the entry has gone unused for longer than
// EvictIdle (14 days), the age at which it is evicted.
func (e *Entry) Stale(now time.Time) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return now.Sub(e.lastUse) > EvictIdle
}

// Registry caches and refreshes SPF records, component C2. It owns its
// name-indexed map, mutated only from request-processing goroutines and a
// single background refresh loop, per spec.md section 5.
type Registry struct {
	log      mlog.Log
	resolver dns.Resolver

	allDefault           string // "neutral" or "rfc" (open question, spec.md section 9).
	syntaxErrorPermerror bool   // whether a syntax error falls through to PermError instead of SoftFail.
	bestGuessEnabled     bool

	mu      sync.RWMutex
	entries map[string]*Entry // keyed by domain ASCII name.
}

// NewRegistry constructs a Registry. allDefault is "neutral" (the
// ground-truth source's choice: a bare/"+"-qualified "all" never
// permissively grants Pass) or "rfc" (RFC 7208's default).
func NewRegistry(resolver dns.Resolver, allDefault string, syntaxErrorPermerror, bestGuessEnabled bool) *Registry {
	return &Registry{
		log:                  mlog.New("spf", nil),
		resolver:             resolver,
		allDefault:           allDefault,
		syntaxErrorPermerror: syntaxErrorPermerror,
		bestGuessEnabled:     bestGuessEnabled,
		entries:              map[string]*Entry{},
	}
}

// AllDefault is the status Evaluate returns for a bare or "+"-qualified
// "all" mechanism: "neutral" or "rfc" (spec.md section 9's open question on
// the "all" qualifier default).
func (g *Registry) AllDefault() string {
	return g.allDefault
}

// SyntaxErrorPermerror reports whether a record flagged with a retained
// syntax error should evaluate to the RFC-mandated PermError on fallthrough
// rather than the ground-truth source's SoftFail (spec.md section 9's open
// question on this behaviour).
func (g *Registry) SyntaxErrorPermerror() bool {
	return g.syntaxErrorPermerror
}

// bestGuessRecord is the fallback record used when a domain publishes no SPF
// record at all (spec.md GLOSSARY "Best-guess record").
func bestGuessRecord() *Record {
	r, _, err := ParseRecord("v=spf1 a/24//48 mx/24//48 ptr ?all")
	if err != nil {
		panic(fmt.Errorf("parsing built-in best-guess record: %v", err))
	}
	return r
}

// Lookup returns the cached Entry for domain, resolving and caching it on
// first use. A copy-on-read snapshot (the returned pointer's non-mutex
// fields) is safe to read without holding Registry's lock once returned;
// only the embedded counters are separately synchronized.
func (g *Registry) Lookup(ctx context.Context, elog *slog.Logger, domain dns.Domain) (*Entry, error) {
	key := domain.ASCII

	g.mu.RLock()
	e, ok := g.entries[key]
	g.mu.RUnlock()
	if ok {
		e.mu.Lock()
		e.queries++
		e.lastUse = time.Now()
		e.mu.Unlock()
		return e, nil
	}

	status, _, record, _, err := Lookup(ctx, elog, g.resolver, domain)
	now := time.Now()
	e = &Entry{Domain: domain, lastRefresh: now, lastUse: now, queries: 1}

	switch {
	case err == nil && record != nil:
		e.Record = record
		e.SyntaxError = record.SyntaxError
	case dns.IsNotFound(err) || status == StatusNone:
		e.nxdomains = 1
		if g.bestGuessEnabled {
			e.Record = bestGuessRecord()
			e.BestGuess = true
		}
	case err != nil:
		return nil, err
	}

	g.mu.Lock()
	if existing, ok := g.entries[key]; ok {
		g.mu.Unlock()
		existing.mu.Lock()
		existing.queries++
		existing.lastUse = now
		existing.mu.Unlock()
		return existing, nil
	}
	g.entries[key] = e
	g.mu.Unlock()
	return e, nil
}

// refresh re-resolves domain unconditionally, replacing the cached record in
// place so concurrently held *Entry pointers observe the update.
func (g *Registry) refresh(ctx context.Context, e *Entry) {
	status, _, record, _, err := Lookup(ctx, nil, g.resolver, e.Domain)

	e.mu.Lock()
	defer e.mu.Unlock()
	e.lastRefresh = time.Now()
	e.queriesAtLast = e.queries
	switch {
	case err == nil && record != nil:
		e.Record = record
		e.SyntaxError = record.SyntaxError
		e.BestGuess = false
	case dns.IsNotFound(err) || status == StatusNone:
		e.nxdomains++
		if e.nxdomains == 1 {
			// Keep serving the stale record if we had one; no best-guess record is
			// substituted on refresh.
		}
	case err != nil:
		// DNS outage: keep the stale record, per spec.md section 4.1 "On DNS outage,
		// keep the stale record."
	}
}

// RefreshOnce runs one pass of the background refresh loop (spec.md section
// 4.1): it picks entries with more than refreshHits queries since their last
// refresh and re-resolves them concurrently through a bounded worker pool,
// matching the "bounded worker pool for background refresh" resource model
// of spec.md section 5.
func (g *Registry) RefreshOnce(ctx context.Context, workers int) {
	type job struct{ e *Entry }
	process := func(j job, _ struct{}) error { return nil }
	wq := moxio.NewWorkQueue(workers, 2*workers, func(in, out chan moxio.Work[job, struct{}]) {
		for w := range in {
			g.refresh(ctx, w.In.e)
			w.Out = struct{}{}
			out <- w
		}
	}, process)

	g.mu.RLock()
	candidates := make([]*Entry, 0, len(g.entries))
	for _, e := range g.entries {
		candidates = append(candidates, e)
	}
	g.mu.RUnlock()

	for _, e := range candidates {
		e.mu.Lock()
		due := e.queries-e.queriesAtLast > refreshHits || time.Since(e.lastRefresh) > RefreshAge
		e.mu.Unlock()
		if due {
			if err := wq.Add(job{e}); err != nil {
				g.log.Errorx("spf background refresh", err)
			}
		}
	}
	if err := wq.Finish(); err != nil {
		g.log.Errorx("spf background refresh", err)
	}
	wq.Stop()
}

// EvictIdleOnce drops entries unused for EvictIdle, per spec.md section 3
// ("evicted after 14 days of no use").
func (g *Registry) EvictIdleOnce() int {
	now := time.Now()
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for k, e := range g.entries {
		e.mu.Lock()
		idle := now.Sub(e.lastUse) > EvictIdle
		e.mu.Unlock()
		if idle {
			delete(g.entries, k)
			n++
		}
	}
	return n
}

// RefreshDomain forces an unconditional re-resolve of domain's cached entry,
// for the REFRESH control-protocol verb (spec.md section 6). It reports
// whether an entry existed to refresh; a domain never looked up returns
// false rather than creating one, matching REFRESH's "NOT LOADED" reply.
func (g *Registry) RefreshDomain(ctx context.Context, domain dns.Domain) bool {
	g.mu.RLock()
	e, ok := g.entries[domain.ASCII]
	g.mu.RUnlock()
	if !ok {
		return false
	}
	g.refresh(ctx, e)
	return true
}

// Len returns the number of cached entries, for diagnostics/metrics.
func (g *Registry) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.entries)
}

// CacheEntry is a point-in-time copy of one cached SPF record, for
// persistence (package store, spec.md section 2.3). The parsed Record is
// carried as its reconstructable text form (Record.Record) rather than the
// parsed tree, since that's the form ParseRecord round-trips from.
type CacheEntry struct {
	Domain      string
	RecordText  string
	BestGuess   bool
	SyntaxError bool
	NXDomains   int
	Queries     int
	LastRefresh time.Time
	LastUse     time.Time
}

// Snapshot returns a copy of every cached entry, for persistence.
// Copy-on-read per spec.md section 5.
func (g *Registry) Snapshot() []CacheEntry {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]CacheEntry, 0, len(g.entries))
	for _, e := range g.entries {
		e.mu.Lock()
		ce := CacheEntry{
			Domain:      e.Domain.ASCII,
			BestGuess:   e.BestGuess,
			SyntaxError: e.SyntaxError,
			NXDomains:   e.nxdomains,
			Queries:     e.queries,
			LastRefresh: e.lastRefresh,
			LastUse:     e.lastUse,
		}
		if e.Record != nil {
			if text, err := e.Record.Record(); err == nil {
				ce.RecordText = text
			}
		}
		e.mu.Unlock()
		out = append(out, ce)
	}
	return out
}

// Restore repopulates the cache from entries previously returned by
// Snapshot, e.g. on startup after loading from disk. Entries whose domain
// or record text no longer parses are skipped; they'll simply be
// re-resolved on next use.
func (g *Registry) Restore(entries []CacheEntry) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, in := range entries {
		d, err := dns.ParseDomain(in.Domain)
		if err != nil {
			continue
		}
		e := &Entry{
			Domain:      d,
			BestGuess:   in.BestGuess,
			SyntaxError: in.SyntaxError,
			nxdomains:   in.NXDomains,
			queries:     in.Queries,
			lastRefresh: in.LastRefresh,
			lastUse:     in.LastUse,
		}
		if in.RecordText != "" {
			if rec, _, err := ParseRecord(in.RecordText); err == nil {
				e.Record = rec
			}
		}
		g.entries[d.ASCII] = e
	}
}
