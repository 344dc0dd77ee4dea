package ledger

import (
	"testing"
	"time"

	"github.com/spfbl-go/spfbl/token"
)

func TestAddRemoveComplaint(t *testing.T) {
	l := New()
	now := time.Unix(1700000000, 0)
	toks := []token.Token{token.Token("192.0.2.1"), token.Token("@example.com")}

	res, gotToks, recip := l.AddComplaint("t1", now, toks, ">rcpt@example.org")
	if res != ResultOK {
		t.Fatalf("first AddComplaint = %v, want OK", res)
	}
	if len(gotToks) != 2 || recip != ">rcpt@example.org" {
		t.Fatalf("unexpected payload: %v %v", gotToks, recip)
	}

	res, _, _ = l.AddComplaint("t1", now, toks, ">rcpt@example.org")
	if res != ResultDuplicate {
		t.Fatalf("second AddComplaint = %v, want DUPLICATE", res)
	}

	res, gotToks, _ = l.RemoveComplaint("t1")
	if res != ResultOK || len(gotToks) != 2 {
		t.Fatalf("RemoveComplaint = %v, %v, want OK with tokens", res, gotToks)
	}

	res, _, _ = l.RemoveComplaint("t1")
	if res != ResultAlreadyRemoved {
		t.Fatalf("second RemoveComplaint = %v, want ALREADY REMOVED", res)
	}

	res, _, _ = l.AddComplaint("t1", now, toks, "")
	if res != ResultAlreadyRemoved {
		t.Fatalf("AddComplaint after removal = %v, want ALREADY REMOVED", res)
	}
}

func TestRemoveUncomplained(t *testing.T) {
	l := New()
	res, _, _ := l.RemoveComplaint("never-seen")
	if res != ResultAlreadyRemoved {
		t.Fatalf("RemoveComplaint on unknown ticket = %v, want ALREADY REMOVED", res)
	}
}

func TestUniqueKeyBump(t *testing.T) {
	l := New()
	now := time.Unix(1700000000, 0)
	toks := []token.Token{token.Token("192.0.2.1")}

	l.AddComplaint("a", now, toks, "")
	l.AddComplaint("b", now, toks, "")
	l.AddComplaint("c", now, toks, "")

	if l.Len() != 3 {
		t.Fatalf("Len() = %d, want 3", l.Len())
	}
	if len(l.byTime) != 3 {
		t.Fatalf("byTime has %d entries, want 3 distinct timestamps", len(l.byTime))
	}
}

func TestExpire(t *testing.T) {
	l := New()
	old := time.Unix(1000000000, 0)
	recent := time.Now()
	toks := []token.Token{token.Token("192.0.2.1")}

	l.AddComplaint("old", old, toks, "")
	l.AddComplaint("recent", recent, toks, "")

	n := l.Expire(time.Now())
	if n != 1 {
		t.Fatalf("Expire removed %d, want 1", n)
	}
	if l.Len() != 1 {
		t.Fatalf("Len() after expire = %d, want 1", l.Len())
	}
}
