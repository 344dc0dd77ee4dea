// Package ledger implements the complaint ledger of spec.md component C7:
// an append-only, time-keyed record of ticketed decisions that makes
// AddComplaint and RemoveComplaint idempotent. See spec.md sections 3
// ("Ledger entry") and 8 (testable properties 2 and 3).
package ledger

import (
	"sync"
	"time"

	"github.com/spfbl-go/spfbl/token"
)

// TTL is the retention window of spec.md section 9 ("LEDGER_TTL=7d"):
// ledger entries older than this are evicted.
const TTL = 7 * 24 * time.Hour

// Result reports the outcome of a complaint mutation, mirroring the control
// protocol's HAM/SPAM replies (spec.md section 7).
type Result string

const (
	ResultOK             Result = "OK"
	ResultDuplicate      Result = "DUPLICATE COMPLAIN"
	ResultAlreadyRemoved Result = "ALREADY REMOVED"
)

type entry struct {
	ticket    string
	ts        int64 // unique microsecond timestamp, the ledger's ordering key.
	tokens    []token.Token
	recipient string
	removed   bool
}

// Ledger is the complaint ledger: keyed by ticket for idempotence checks,
// and by a uniquely-bumped microsecond timestamp for ordered expiry
// (spec.md section 5, "Ledger inserts are totally ordered by timestamp;
// duplicates (same ms) are re-tried with a monotonic bump").
type Ledger struct {
	mu       sync.Mutex
	byTicket map[string]*entry
	byTime   map[int64]*entry
}

// New constructs an empty Ledger.
func New() *Ledger {
	return &Ledger{
		byTicket: map[string]*entry{},
		byTime:   map[int64]*entry{},
	}
}

// uniqueKey returns a microsecond timestamp key not already present in
// l.byTime, bumping forward on collision. Caller holds l.mu.
func (l *Ledger) uniqueKey(ts time.Time) int64 {
	key := ts.UnixMicro()
	for {
		if _, ok := l.byTime[key]; !ok {
			return key
		}
		key++
	}
}

// AddComplaint records a spam complaint against ticket, identifying it by
// its decoded issue time, token set and optional recipient. A ticket seen
// before is rejected as a duplicate (spec.md testable property 2); a
// ticket whose complaint was since removed is rejected as already removed
// rather than re-added, since a SPAM after a HAM is not itself idempotent
// with the original complaint (spec.md section 7, HAM/SPAM replies).
func (l *Ledger) AddComplaint(ticket string, ts time.Time, tokens []token.Token, recipient string) (Result, []token.Token, string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if e, ok := l.byTicket[ticket]; ok {
		if e.removed {
			return ResultAlreadyRemoved, nil, ""
		}
		return ResultDuplicate, nil, ""
	}

	e := &entry{
		ticket:    ticket,
		ts:        l.uniqueKey(ts),
		tokens:    append([]token.Token(nil), tokens...),
		recipient: recipient,
	}
	l.byTicket[ticket] = e
	l.byTime[e.ts] = e
	return ResultOK, e.tokens, e.recipient
}

// RemoveComplaint reverses a previously recorded complaint (a HAM signal).
// A ticket with no recorded complaint, or one already removed, returns
// ALREADY REMOVED (spec.md testable property 3).
func (l *Ledger) RemoveComplaint(ticket string) (Result, []token.Token, string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.byTicket[ticket]
	if !ok || e.removed {
		return ResultAlreadyRemoved, nil, ""
	}
	e.removed = true
	return ResultOK, e.tokens, e.recipient
}

// Expire drops every entry older than TTL, returning the number removed.
func (l *Ledger) Expire(now time.Time) int {
	cutoff := now.Add(-TTL).UnixMicro()

	l.mu.Lock()
	defer l.mu.Unlock()

	var drop []int64
	for ts := range l.byTime {
		if ts < cutoff {
			drop = append(drop, ts)
		}
	}
	for _, ts := range drop {
		e := l.byTime[ts]
		delete(l.byTime, ts)
		delete(l.byTicket, e.ticket)
	}
	return len(drop)
}

// Len returns the number of tracked entries.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.byTicket)
}

// Entry is a point-in-time copy of one ledger record, for persistence
// (package store, spec.md section 2.3).
type Entry struct {
	Ticket    string
	Timestamp int64
	Tokens    []token.Token
	Recipient string
	Removed   bool
}

// Snapshot returns a copy of every tracked entry, for persistence.
// Copy-on-read per spec.md section 5.
func (l *Ledger) Snapshot() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Entry, 0, len(l.byTicket))
	for _, e := range l.byTicket {
		out = append(out, Entry{
			Ticket:    e.ticket,
			Timestamp: e.ts,
			Tokens:    append([]token.Token(nil), e.tokens...),
			Recipient: e.recipient,
			Removed:   e.removed,
		})
	}
	return out
}

// Restore repopulates the ledger from entries previously returned by
// Snapshot, e.g. on startup after loading from disk. It bypasses the
// duplicate/idempotence checks AddComplaint applies to new requests, since
// these are historical records being reloaded, not new events.
func (l *Ledger) Restore(entries []Entry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, in := range entries {
		e := &entry{
			ticket:    in.Ticket,
			ts:        in.Timestamp,
			tokens:    append([]token.Token(nil), in.Tokens...),
			recipient: in.Recipient,
			removed:   in.Removed,
		}
		l.byTicket[e.ticket] = e
		l.byTime[e.ts] = e
	}
}
