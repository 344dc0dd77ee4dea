package policy

import (
	"context"
	"testing"

	"github.com/spfbl-go/spfbl/dns"
	"github.com/spfbl-go/spfbl/token"
)

func TestExactAndSuffix(t *testing.T) {
	l := New(White, nil)
	if err := l.Add("@example.com"); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := l.Add(".mail.example.net"); err != nil {
		t.Fatalf("Add: %v", err)
	}

	if !l.Contains(token.Token("@example.com")) {
		t.Fatalf("exact token not found")
	}
	if l.Contains(token.Token("@other.com")) {
		t.Fatalf("unrelated exact token matched")
	}
	if !l.Contains(token.Token(".smtp.mail.example.net")) {
		t.Fatalf("subdomain of suffix entry not matched")
	}
	if l.Contains(token.Token(".example.net")) {
		t.Fatalf("parent of suffix entry incorrectly matched")
	}

	l.Remove("@example.com")
	if l.Contains(token.Token("@example.com")) {
		t.Fatalf("token still present after Remove")
	}
}

func TestCIDR(t *testing.T) {
	l := New(Block, nil)
	if err := l.Add("CIDR=192.0.2.0/24"); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if !l.Contains(token.Token("192.0.2.55")) {
		t.Fatalf("IP in CIDR range not matched")
	}
	if l.Contains(token.Token("203.0.113.1")) {
		t.Fatalf("IP outside CIDR range matched")
	}
}

func TestRegex(t *testing.T) {
	l := New(Generic, nil)
	if err := l.Add("REGEX=^\\.client-[0-9]+\\.dyn\\.isp\\.tld$"); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if !l.Contains(token.Token(".client-42.dyn.isp.tld")) {
		t.Fatalf("regex should match generic dynamic hostname pattern")
	}
	if l.Contains(token.Token(".mail.example.com")) {
		t.Fatalf("regex should not match unrelated hostname")
	}
}

type fakeWHOIS struct {
	attrs map[string]string
}

func (f fakeWHOIS) Lookup(ctx context.Context, key string) (map[string]string, error) {
	return f.attrs, nil
}

func TestWHOIS(t *testing.T) {
	l := New(Block, fakeWHOIS{attrs: map[string]string{"org": "Spammer LLC"}})
	if err := l.Add("WHOIS/org=Spammer LLC"); err != nil {
		t.Fatalf("Add: %v", err)
	}
	ok, err := l.LookupWHOIS(context.Background(), "192.0.2.1")
	if err != nil {
		t.Fatalf("LookupWHOIS: %v", err)
	}
	if !ok {
		t.Fatalf("expected WHOIS attribute match")
	}
}

func TestContainsDomain(t *testing.T) {
	l := New(Provider, nil)
	if err := l.Add(".gmail.com"); err != nil {
		t.Fatalf("Add: %v", err)
	}
	d, err := dns.ParseDomain("mx.gmail.com")
	if err != nil {
		t.Fatalf("ParseDomain: %v", err)
	}
	if !l.ContainsDomain(d) {
		t.Fatalf("ContainsDomain should match subdomain of provider suffix")
	}
}

func TestSnapshot(t *testing.T) {
	l := New(White, nil)
	l.Add("@example.com")
	l.Add(".example.net")
	l.Add("CIDR=192.0.2.0/24")

	snap := l.Snapshot()
	if len(snap) != 3 {
		t.Fatalf("Snapshot returned %d entries, want 3: %v", len(snap), snap)
	}
}
