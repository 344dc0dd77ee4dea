// Package defer_ implements the deferral controller of spec.md component
// C9: greylist, flood and blocklist deferral counters keyed by flow
// fingerprint, each with its own class TTL. Grounded on the windowed
// counter shape of package ratelimit, simplified to a single
// first-seen-plus-TTL window per (flow, class) rather than ratelimit's
// fixed calendar buckets, since greylisting needs "has enough time passed
// since first sight", not "how many in the last N".
package defer_

import (
	"sync"
	"time"

	"go.etcd.io/bbolt"
)

// Class identifies which deferral TTL applies, per spec.md section 4.4
// rules 12-15.
type Class string

const (
	ClassGreylist Class = "greylist"
	ClassFlood    Class = "flood"
	ClassBlack    Class = "black"
	ClassSoftfail Class = "softfail"
)

type key struct {
	flow  string
	class Class
}

type record struct {
	firstSeen time.Time
	lastSeen  time.Time
	count     int
}

// Controller tracks deferral state per flow (spec.md section 3, "Deferral
// record", keyed by `origin>recipient`).
type Controller struct {
	mu      sync.Mutex
	records map[key]*record
	db      *bbolt.DB // nil unless constructed with NewWithDB; see persist.go.
}

// New constructs an empty Controller.
func New() *Controller {
	return &Controller{records: map[key]*record{}}
}

// Defer reports whether flow should still be deferred under class, given
// ttl: true on the first sighting and on every retry before ttl has
// elapsed since first sighting; false once ttl has passed, at which point
// the record is cleared so a later retry starts a fresh window. count is
// the number of times this (flow, class) has been deferred so far,
// including this call.
func (c *Controller) Defer(flow string, class Class, ttl time.Duration) (shouldDefer bool, count int) {
	k := key{flow, class}
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	r, ok := c.records[k]
	if !ok {
		c.records[k] = &record{firstSeen: now, lastSeen: now, count: 1}
		return true, 1
	}

	r.count++
	r.lastSeen = now
	if now.Sub(r.firstSeen) < ttl {
		return true, r.count
	}
	delete(c.records, k)
	return false, r.count
}

// TotalCount sums the deferral count for flow across every class, used by
// the flood cap of spec.md section 8 testable property 8 ("more than
// FloodMaxRetry defers for one flow map to BLOCKED on the next request").
func (c *Controller) TotalCount(flow string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	var total int
	for k, r := range c.records {
		if k.flow == flow {
			total += r.count
		}
	}
	return total
}

// Clear drops every deferral record for flow, e.g. once a request for it
// is finally accepted.
func (c *Controller) Clear(flow string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k := range c.records {
		if k.flow == flow {
			delete(c.records, k)
		}
	}
}

// EvictIdle drops every record whose last activity is older than maxAge,
// bounding memory use for flows that never retry.
func (c *Controller) EvictIdle(maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)

	c.mu.Lock()
	defer c.mu.Unlock()

	var drop []key
	for k, r := range c.records {
		if r.lastSeen.Before(cutoff) {
			drop = append(drop, k)
		}
	}
	for _, k := range drop {
		delete(c.records, k)
	}
	return len(drop)
}

// Len returns the number of tracked (flow, class) records.
func (c *Controller) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.records)
}
