package reputation

import (
	"sync"
	"time"

	"github.com/spfbl-go/spfbl/token"
)

// DistributionEvict is the idle eviction age of spec.md section 9
// ("DISTRIBUTION_EVICT=14d"): a distribution with no query in this long is
// droppable.
const DistributionEvict = 14 * 24 * time.Hour

// Notifier receives every mutating Store operation, so component C12 (peer
// gossip) can push a snapshot without the Store importing the gossip
// package (spec.md section 4.7: "On every AddSpam, RemoveSpam, Drop, a
// snapshot (token, distribution|null) is pushed to every peer").
type Notifier interface {
	Notify(t token.Token, d *Distribution) // d is nil for Drop.
}

type noopNotifier struct{}

func (noopNotifier) Notify(token.Token, *Distribution) {}

// FloodClassTimes configures the minimum inter-arrival time per token class
// below which AddQuery reports a flood (spec.md section 4.3).
type FloodClassTimes struct {
	IP     time.Duration
	Sender time.Duration
	HELO   time.Duration
}

func (f FloodClassTimes) forClass(c token.Class) time.Duration {
	switch c {
	case token.ClassIP:
		return f.IP
	case token.ClassSender:
		return f.Sender
	default:
		return f.HELO
	}
}

// Store is component C6: the per-token sliding-window reputation store. It
// owns its Distributions (spec.md section 3, "Ownership"); all mutation is
// serialized per key via the Distribution's own mutex, cross-token ordering
// is unspecified (spec.md section 5).
type Store struct {
	flood    FloodClassTimes
	notifier Notifier

	mu   sync.RWMutex
	dist map[token.Token]*Distribution
}

// NewStore constructs an empty Store. notifier may be nil.
func NewStore(flood FloodClassTimes, notifier Notifier) *Store {
	if notifier == nil {
		notifier = noopNotifier{}
	}
	return &Store{flood: flood, notifier: notifier, dist: map[token.Token]*Distribution{}}
}

// SetNotifier replaces the Store's notifier, for callers that must
// construct the Store before its notifier: package gossip's Gossiper is
// itself constructed with a reference to the Store, so the two are wired
// together with NewStore(flood, nil) followed by SetNotifier once the
// Gossiper exists.
func (s *Store) SetNotifier(notifier Notifier) {
	if notifier == nil {
		notifier = noopNotifier{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notifier = notifier
}

// get returns the Distribution for t, creating it if absent.
func (s *Store) get(t token.Token) *Distribution {
	s.mu.RLock()
	d, ok := s.dist[t]
	s.mu.RUnlock()
	if ok {
		return d
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if d, ok := s.dist[t]; ok {
		return d
	}
	d = &Distribution{Token: t, status: StatusWhite}
	s.dist[t] = d
	return d
}

// Peek returns the Distribution for t without creating an entry, and
// whether one exists.
func (s *Store) Peek(t token.Token) (*Distribution, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.dist[t]
	return d, ok
}

// AddQuery records a query for t and reports whether the inter-arrival
// since the previous query is below the flood threshold for t's class
// (spec.md section 4.3, isFlood).
func (s *Store) AddQuery(t token.Token) (flood bool) {
	d := s.get(t)
	now := time.Now()

	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.LastQuery.IsZero() {
		ia := now.Sub(d.LastQuery).Seconds()
		if ia > 0 {
			d.IACount++
			delta := ia - d.IAMean
			d.IAMean += delta / float64(d.IACount)
			d.IAVar += delta * (ia - d.IAMean)
			if d.IAMin == 0 || ia < d.IAMin {
				d.IAMin = ia
			}
		}
		threshold := s.flood.forClass(t.Class())
		if threshold > 0 && ia < threshold.Seconds() {
			flood = true
		}
	}
	d.LastQuery = now
	return flood
}

// AddSpam records a complaint against t, returning whether the derived
// Status changed as a result (spec.md section 4.3, AddSpam).
func (s *Store) AddSpam(t token.Token) (changed bool) {
	if !t.Scoreable() {
		return false
	}
	d := s.get(t)

	d.mu.Lock()
	before := d.status
	d.Complaints = clampComplaints(d.Complaints + 1)
	d.LastComplaint = time.Now()
	d.deriveStatus()
	after := d.status
	snapshot := *d
	d.mu.Unlock()

	s.notifier.Notify(t, &snapshot)
	return before != after
}

// RemoveSpam reverses a single complaint against t (spec.md invariant 3,
// "Ham reverses spam").
func (s *Store) RemoveSpam(t token.Token) {
	if !t.Scoreable() {
		return
	}
	d := s.get(t)

	d.mu.Lock()
	d.Complaints = clampComplaints(d.Complaints - 1)
	d.deriveStatus()
	snapshot := *d
	d.mu.Unlock()

	s.notifier.Notify(t, &snapshot)
}

// Clear resets t's complaint count and frequency statistics but preserves
// the entry if still queried (spec.md section 3 invariant).
func (s *Store) Clear(t token.Token) {
	d := s.get(t)
	d.mu.Lock()
	d.Complaints = 0
	d.LastComplaint = time.Time{}
	d.IAMean, d.IAVar, d.IACount, d.IAMin = 0, 0, 0, 0
	d.deriveStatus()
	snapshot := *d
	d.mu.Unlock()
	s.notifier.Notify(t, &snapshot)
}

// Status returns t's current derived status without creating an entry for
// it if none exists (an unknown token is WHITE).
func (s *Store) Status(t token.Token) Status {
	d, ok := s.Peek(t)
	if !ok {
		return StatusWhite
	}
	return d.Status()
}

// Drop removes t's Distribution entirely and notifies peers (spec.md
// section 4.3, "also clears Block entry and broadcasts to peers" — clearing
// any corresponding Block entry is the caller's/pipeline's responsibility,
// since Store does not hold policy lists).
func (s *Store) Drop(t token.Token) {
	s.mu.Lock()
	delete(s.dist, t)
	s.mu.Unlock()
	s.notifier.Notify(t, nil)
}

// ApplyDelta merges a Distribution snapshot received from a peer (spec.md
// section 4.7). Local and peer-contributed counts are summed per the
// "peer-weighted binomial merge" supplement (SPEC_FULL.md section 4): the
// peer's complaint count is added, weighted by confidence in [0,1], rather
// than overwriting the local value.
func (s *Store) ApplyDelta(t token.Token, peer *Distribution, weight float64) {
	if peer == nil {
		return
	}
	d := s.get(t)
	d.mu.Lock()
	defer d.mu.Unlock()
	add := int64(float64(peer.Complaints) * weight)
	d.Complaints = clampComplaints(d.Complaints + add)
	if peer.LastComplaint.After(d.LastComplaint) {
		d.LastComplaint = peer.LastComplaint
	}
	d.deriveStatus()
}

// EvictIdle drops every Distribution unused for DistributionEvict, per
// spec.md section 3. Returns the number of entries dropped.
func (s *Store) EvictIdle() int {
	now := time.Now()
	var stale []token.Token

	s.mu.RLock()
	for t, d := range s.dist {
		d.mu.Lock()
		last := d.LastQuery
		d.mu.Unlock()
		if now.Sub(last) > DistributionEvict {
			stale = append(stale, t)
		}
	}
	s.mu.RUnlock()

	s.mu.Lock()
	for _, t := range stale {
		delete(s.dist, t)
	}
	s.mu.Unlock()
	return len(stale)
}

// Len returns the number of tracked tokens.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.dist)
}

// Snapshot returns a shallow copy of every Distribution, for persistence.
// Copy-on-read per spec.md section 5.
func (s *Store) Snapshot() []Distribution {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Distribution, 0, len(s.dist))
	for _, d := range s.dist {
		d.mu.Lock()
		out = append(out, *d)
		d.mu.Unlock()
	}
	return out
}

// Restore loads a previously persisted Distribution back into the store,
// used on startup. Only the exported fields need to be set by the caller
// (package store's bstore record does not carry the private derived
// status); status is recomputed from them.
func (s *Store) Restore(d Distribution) {
	nd := d
	nd.deriveStatus()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dist[d.Token] = &nd
}
