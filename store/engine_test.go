package store

import (
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/spfbl-go/spfbl/dns"
	"github.com/spfbl-go/spfbl/ledger"
	"github.com/spfbl-go/spfbl/mlog"
	"github.com/spfbl-go/spfbl/policy"
	"github.com/spfbl-go/spfbl/reputation"
	"github.com/spfbl-go/spfbl/spf"
	"github.com/spfbl-go/spfbl/token"
)

var ctxbg = context.Background()

func tcheck(t *testing.T, err error, msg string) {
	t.Helper()
	if err != nil {
		t.Fatalf("%s: %s", msg, err)
	}
}

func testDomain(t *testing.T, s string) dns.Domain {
	t.Helper()
	d, err := dns.ParseDomain(s)
	tcheck(t, err, "parsing domain")
	return d
}

// openTestEngine opens a fresh Engine over freshly constructed, empty
// in-memory components, in a temporary directory.
func openTestEngine(t *testing.T) (*Engine, string) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "spfbl.db")

	spfReg := spf.NewRegistry(nil, "neutral", false, true)
	rep := reputation.NewStore(reputation.FloodClassTimes{}, nil)
	led := ledger.New()
	pol := policy.NewEngine(nil)

	e, err := Open(ctxbg, path, mlog.New("store", nil), spfReg, rep, led, pol)
	tcheck(t, err, "open engine")
	return e, path
}

func TestEngineSaveRestoreSPFCache(t *testing.T) {
	e, path := openTestEngine(t)

	rec, _, err := spf.ParseRecord("v=spf1 a mx -all")
	tcheck(t, err, "parsing spf record")
	d := testDomain(t, "example.com")
	e.SPF.Restore([]spf.CacheEntry{{
		Domain:      d.ASCII,
		RecordText:  mustRecordText(t, rec),
		Queries:     3,
		LastRefresh: time.Now().Add(-time.Hour).Truncate(time.Second),
		LastUse:     time.Now().Truncate(time.Second),
	}})
	tcheck(t, e.Save(ctxbg), "save")
	tcheck(t, e.Close(), "close")

	spfReg := spf.NewRegistry(nil, "neutral", false, true)
	rep := reputation.NewStore(reputation.FloodClassTimes{}, nil)
	led := ledger.New()
	pol := policy.NewEngine(nil)
	e2, err := Open(ctxbg, path, mlog.New("store", nil), spfReg, rep, led, pol)
	tcheck(t, err, "reopen engine")
	defer e2.Close()

	tcheck(t, e2.Restore(ctxbg), "restore")
	if got := e2.SPF.Len(); got != 1 {
		t.Fatalf("spf cache len = %d, want 1", got)
	}
}

func mustRecordText(t *testing.T, rec *spf.Record) string {
	t.Helper()
	s, err := rec.Record()
	tcheck(t, err, "rendering spf record text")
	return s
}

func TestEngineSaveRestoreReputation(t *testing.T) {
	e, path := openTestEngine(t)

	tok := token.IP(net.ParseIP("203.0.113.4"))
	e.Reputation.AddQuery(tok)
	for i := 0; i < 5; i++ {
		e.Reputation.AddSpam(tok)
	}
	wantStatus := e.Reputation.Status(tok)

	tcheck(t, e.Save(ctxbg), "save")
	tcheck(t, e.Close(), "close")

	spfReg := spf.NewRegistry(nil, "neutral", false, true)
	rep := reputation.NewStore(reputation.FloodClassTimes{}, nil)
	led := ledger.New()
	pol := policy.NewEngine(nil)
	e2, err := Open(ctxbg, path, mlog.New("store", nil), spfReg, rep, led, pol)
	tcheck(t, err, "reopen engine")
	defer e2.Close()

	tcheck(t, e2.Restore(ctxbg), "restore")
	if got := e2.Reputation.Status(tok); got != wantStatus {
		t.Fatalf("restored status = %v, want %v", got, wantStatus)
	}
	if got, ok := e2.Reputation.Peek(tok); !ok || got.Complaints != 5 {
		t.Fatalf("restored complaints = %+v, want 5", got)
	}
}

func TestEngineSaveRestoreLedger(t *testing.T) {
	e, path := openTestEngine(t)

	tokens := []token.Token{token.Client("abc123")}
	res, _, _ := e.Ledger.AddComplaint("ticket-1", time.Now(), tokens, "user@example.com")
	if res != ledger.ResultOK {
		t.Fatalf("AddComplaint = %v, want OK", res)
	}

	tcheck(t, e.Save(ctxbg), "save")
	tcheck(t, e.Close(), "close")

	spfReg := spf.NewRegistry(nil, "neutral", false, true)
	rep := reputation.NewStore(reputation.FloodClassTimes{}, nil)
	led := ledger.New()
	pol := policy.NewEngine(nil)
	e2, err := Open(ctxbg, path, mlog.New("store", nil), spfReg, rep, led, pol)
	tcheck(t, err, "reopen engine")
	defer e2.Close()

	tcheck(t, e2.Restore(ctxbg), "restore")
	if got := e2.Ledger.Len(); got != 1 {
		t.Fatalf("ledger len = %d, want 1", got)
	}
	// A complaint already recorded before restore is a duplicate, not a fresh
	// AddComplaint, confirming the restored ticket round-tripped.
	res, _, _ = e2.Ledger.AddComplaint("ticket-1", time.Now(), tokens, "user@example.com")
	if res != ledger.ResultDuplicate {
		t.Fatalf("AddComplaint after restore = %v, want DUPLICATE", res)
	}
}

func TestEngineSaveRestorePolicyLists(t *testing.T) {
	e, path := openTestEngine(t)

	tcheck(t, e.Policy.Block.Add("spammer.example"), "add block pattern")
	tcheck(t, e.Policy.White.Add(".trusted.example"), "add white pattern")

	tcheck(t, e.Save(ctxbg), "save")
	tcheck(t, e.Close(), "close")

	spfReg := spf.NewRegistry(nil, "neutral", false, true)
	rep := reputation.NewStore(reputation.FloodClassTimes{}, nil)
	led := ledger.New()
	pol := policy.NewEngine(nil)
	e2, err := Open(ctxbg, path, mlog.New("store", nil), spfReg, rep, led, pol)
	tcheck(t, err, "reopen engine")
	defer e2.Close()

	tcheck(t, e2.Restore(ctxbg), "restore")
	if !e2.Policy.Block.Contains(token.Token("spammer.example")) {
		t.Fatalf("restored block list missing spammer.example")
	}
	if len(e2.Policy.White.Snapshot()) != 1 {
		t.Fatalf("restored white list len = %d, want 1", len(e2.Policy.White.Snapshot()))
	}
}

func TestEngineSaveIsIdempotentOverwrite(t *testing.T) {
	e, _ := openTestEngine(t)
	defer e.Close()

	tok := token.IP(net.ParseIP("198.51.100.9"))
	e.Reputation.AddSpam(tok)
	tcheck(t, e.Save(ctxbg), "save 1")
	tcheck(t, e.Save(ctxbg), "save 2")

	tcheck(t, e.Restore(ctxbg), "restore after double save")
	if got := e.Reputation.Len(); got != 1 {
		t.Fatalf("reputation len after double save+restore = %d, want 1", got)
	}
}
