// Package store wires the structured, persistent side of the in-memory
// components (C2 SPF cache, C5 policy lists, C6 reputation, C7 ledger) to a
// single embedded database, grounded on the teacher's store/init.go
// ("global caches become an explicit Engine value", spec.md section 9
// Design Notes): one bstore.DB, opened once at startup, snapshotted
// periodically rather than written on every mutation, since the in-memory
// maps are themselves the hot-path source of truth (spec.md section 5,
// "Shared resources").
package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/mjl-/bstore"

	"github.com/spfbl-go/spfbl/ledger"
	"github.com/spfbl-go/spfbl/mlog"
	"github.com/spfbl-go/spfbl/policy"
	"github.com/spfbl-go/spfbl/reputation"
	"github.com/spfbl-go/spfbl/spf"
	"github.com/spfbl-go/spfbl/token"
)

// spfCacheRecord persists one spf.CacheEntry.
type spfCacheRecord struct {
	Domain      string // Primary key: ASCII domain name.
	RecordText  string
	BestGuess   bool
	SyntaxError bool
	NXDomains   int
	Queries     int
	LastRefresh time.Time
	LastUse     time.Time
}

// reputationRecord persists one reputation.Distribution.
type reputationRecord struct {
	Token         string // Primary key.
	Complaints    int64
	LastQuery     time.Time
	LastComplaint time.Time
	IAMean        float64
	IAVar         float64
	IACount       int64
	IAMin         float64
}

// ledgerRecord persists one ledger.Entry.
type ledgerRecord struct {
	Ticket    string // Primary key.
	Timestamp int64  `bstore:"index"`
	Tokens    string // Space-joined token.Token values.
	Recipient string
	Removed   bool
}

// policyRecord persists one entry of one policy.List, keyed by the list
// name and pattern together, since a pattern can legitimately be listed
// under several lists (e.g. the same host in both Block and Generic).
type policyRecord struct {
	ID      string // Primary key: List+"\x1f"+Pattern.
	List    string
	Pattern string
}

var dbTypes = []any{
	spfCacheRecord{},
	reputationRecord{},
	ledgerRecord{},
	policyRecord{},
}

// Engine is the open database handle plus the in-memory components it
// snapshots to and restores from.
type Engine struct {
	log mlog.Log
	db  *bstore.DB

	SPF        *spf.Registry
	Reputation *reputation.Store
	Ledger     *ledger.Ledger
	Policy     *policy.Engine
}

// Open opens (creating if absent) the bstore database at path and returns
// an Engine wrapping it. The in-memory components are not yet populated;
// call Restore to load persisted state into them.
func Open(ctx context.Context, path string, log mlog.Log, spfReg *spf.Registry, rep *reputation.Store, led *ledger.Ledger, pol *policy.Engine) (*Engine, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0770); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}
	opts := bstore.Options{Timeout: 5 * time.Second, Perm: 0660, RegisterLogger: RegisterLogger(path, log.Logger)}
	db, err := bstore.Open(ctx, path, &opts, dbTypes...)
	if err != nil {
		return nil, err
	}
	return &Engine{
		log:        log,
		db:         db,
		SPF:        spfReg,
		Reputation: rep,
		Ledger:     led,
		Policy:     pol,
	}, nil
}

// Close closes the underlying database.
func (e *Engine) Close() error {
	return e.db.Close()
}

// Save snapshots every in-memory component into the database in a single
// transaction: existing rows of each type are replaced wholesale by the
// component's current Snapshot, rather than diffed and upserted
// incrementally, since none of the components track per-record dirty
// state — only "the map as a whole may have changed since last save"
// (spec.md section 5, "each uses a dirty flag"). bstore's own
// transaction durability stands in for the "write atomically (temp file +
// rename)" persistence discipline of spec.md section 5 (see DESIGN.md).
func (e *Engine) Save(ctx context.Context) error {
	return e.db.Write(ctx, func(tx *bstore.Tx) error {
		if err := replaceAll(tx, spfRecordsFromCache(e.SPF.Snapshot())); err != nil {
			return fmt.Errorf("saving spf cache: %w", err)
		}
		if err := replaceAll(tx, reputationRecordsFromSnapshot(e.Reputation.Snapshot())); err != nil {
			return fmt.Errorf("saving reputation: %w", err)
		}
		if err := replaceAll(tx, ledgerRecordsFromSnapshot(e.Ledger.Snapshot())); err != nil {
			return fmt.Errorf("saving ledger: %w", err)
		}
		if err := replaceAll(tx, policyRecordsFromLists(e.Policy.Lists())); err != nil {
			return fmt.Errorf("saving policy lists: %w", err)
		}
		return nil
	})
}

// Restore loads every persisted record back into the in-memory components,
// used once at startup before serving any request.
func (e *Engine) Restore(ctx context.Context) error {
	return e.db.Read(ctx, func(tx *bstore.Tx) error {
		spfRecs, err := bstore.QueryTx[spfCacheRecord](tx).List()
		if err != nil {
			return fmt.Errorf("loading spf cache: %w", err)
		}
		e.SPF.Restore(cacheEntriesFromRecords(spfRecs))

		repRecs, err := bstore.QueryTx[reputationRecord](tx).List()
		if err != nil {
			return fmt.Errorf("loading reputation: %w", err)
		}
		for _, r := range repRecs {
			e.Reputation.Restore(distributionFromRecord(r))
		}

		ledgerRecs, err := bstore.QueryTx[ledgerRecord](tx).List()
		if err != nil {
			return fmt.Errorf("loading ledger: %w", err)
		}
		e.Ledger.Restore(ledgerEntriesFromRecords(ledgerRecs))

		policyRecs, err := bstore.QueryTx[policyRecord](tx).List()
		if err != nil {
			return fmt.Errorf("loading policy lists: %w", err)
		}
		lists := e.Policy.Lists()
		for _, r := range policyRecs {
			l, ok := lists[policy.Name(r.List)]
			if !ok {
				continue
			}
			if err := l.Add(r.Pattern); err != nil {
				e.log.Errorx("restoring policy list entry", err)
			}
		}
		return nil
	})
}

// replaceAll deletes every existing row of type T and inserts rows, inside
// the caller's transaction.
func replaceAll[T any](tx *bstore.Tx, rows []T) error {
	if _, err := bstore.QueryTx[T](tx).Delete(); err != nil {
		return err
	}
	for i := range rows {
		if err := tx.Insert(&rows[i]); err != nil {
			return err
		}
	}
	return nil
}

func spfRecordsFromCache(entries []spf.CacheEntry) []spfCacheRecord {
	out := make([]spfCacheRecord, len(entries))
	for i, e := range entries {
		out[i] = spfCacheRecord{
			Domain:      e.Domain,
			RecordText:  e.RecordText,
			BestGuess:   e.BestGuess,
			SyntaxError: e.SyntaxError,
			NXDomains:   e.NXDomains,
			Queries:     e.Queries,
			LastRefresh: e.LastRefresh,
			LastUse:     e.LastUse,
		}
	}
	return out
}

func cacheEntriesFromRecords(recs []spfCacheRecord) []spf.CacheEntry {
	out := make([]spf.CacheEntry, len(recs))
	for i, r := range recs {
		out[i] = spf.CacheEntry{
			Domain:      r.Domain,
			RecordText:  r.RecordText,
			BestGuess:   r.BestGuess,
			SyntaxError: r.SyntaxError,
			NXDomains:   r.NXDomains,
			Queries:     r.Queries,
			LastRefresh: r.LastRefresh,
			LastUse:     r.LastUse,
		}
	}
	return out
}

func reputationRecordsFromSnapshot(dists []reputation.Distribution) []reputationRecord {
	out := make([]reputationRecord, len(dists))
	for i, d := range dists {
		out[i] = reputationRecord{
			Token:         string(d.Token),
			Complaints:    d.Complaints,
			LastQuery:     d.LastQuery,
			LastComplaint: d.LastComplaint,
			IAMean:        d.IAMean,
			IAVar:         d.IAVar,
			IACount:       d.IACount,
			IAMin:         d.IAMin,
		}
	}
	return out
}

func distributionFromRecord(r reputationRecord) reputation.Distribution {
	return reputation.Distribution{
		Token:         token.Token(r.Token),
		Complaints:    r.Complaints,
		LastQuery:     r.LastQuery,
		LastComplaint: r.LastComplaint,
		IAMean:        r.IAMean,
		IAVar:         r.IAVar,
		IACount:       r.IACount,
		IAMin:         r.IAMin,
	}
}

func ledgerRecordsFromSnapshot(entries []ledger.Entry) []ledgerRecord {
	out := make([]ledgerRecord, len(entries))
	for i, e := range entries {
		out[i] = ledgerRecord{
			Ticket:    e.Ticket,
			Timestamp: e.Timestamp,
			Tokens:    joinTokens(e.Tokens),
			Recipient: e.Recipient,
			Removed:   e.Removed,
		}
	}
	return out
}

func ledgerEntriesFromRecords(recs []ledgerRecord) []ledger.Entry {
	out := make([]ledger.Entry, len(recs))
	for i, r := range recs {
		out[i] = ledger.Entry{
			Ticket:    r.Ticket,
			Timestamp: r.Timestamp,
			Tokens:    splitTokens(r.Tokens),
			Recipient: r.Recipient,
			Removed:   r.Removed,
		}
	}
	return out
}

func policyRecordsFromLists(lists map[policy.Name]*policy.List) []policyRecord {
	var out []policyRecord
	for name, l := range lists {
		for _, pattern := range l.Snapshot() {
			out = append(out, policyRecord{
				ID:      string(name) + "\x1f" + pattern,
				List:    string(name),
				Pattern: pattern,
			})
		}
	}
	return out
}

func joinTokens(tokens []token.Token) string {
	s := ""
	for i, t := range tokens {
		if i > 0 {
			s += " "
		}
		s += string(t)
	}
	return s
}

func splitTokens(s string) []token.Token {
	if s == "" {
		return nil
	}
	var out []token.Token
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ' ' {
			if i > start {
				out = append(out, token.Token(s[start:i]))
			}
			start = i + 1
		}
	}
	return out
}
