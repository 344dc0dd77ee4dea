package dnslist

import (
	"context"
	"fmt"
	"net"
	"testing"

	"golang.org/x/net/dns/dnsmessage"

	"github.com/spfbl-go/spfbl/dns"
	"github.com/spfbl-go/spfbl/mlog"
	"github.com/spfbl-go/spfbl/policy"
	"github.com/spfbl-go/spfbl/reputation"
)

func mustSuffix(t *testing.T, s string) dns.Domain {
	t.Helper()
	d, err := dns.ParseDomain(s)
	if err != nil {
		t.Fatalf("ParseDomain(%q): %v", s, err)
	}
	return d
}

func newTestServer(t *testing.T) (*Server, *policy.Engine, *reputation.Store) {
	t.Helper()
	pol := policy.NewEngine(nil)
	rep := reputation.NewStore(reputation.FloodClassTimes{}, nil)
	zones := []Zone{
		{Suffix: mustSuffix(t, "bl.example.org"), Kind: KindDNSBL},
		{Suffix: mustSuffix(t, "wl.example.org"), Kind: KindDNSWL},
		{Suffix: mustSuffix(t, "uribl.example.org"), Kind: KindURIBL},
		{Suffix: mustSuffix(t, "score.example.org"), Kind: KindSCORE},
		{Suffix: mustSuffix(t, "al.example.org"), Kind: KindDNSAL},
	}
	s := NewServer(mlog.New("dnslist", nil), zones, pol, rep, nil)
	return s, pol, rep
}

// queryNameIPv4 builds the RFC 5782 query name for ip under suffix.
func queryNameIPv4(ip string, suffix string) string {
	v4 := net.ParseIP(ip).To4()
	return fmt.Sprintf("%d.%d.%d.%d.%s", v4[3], v4[2], v4[1], v4[0], suffix)
}

func TestMatchZoneLongestSuffix(t *testing.T) {
	zones := []Zone{
		{Suffix: mustSuffix(t, "bl.example.org"), Kind: KindDNSBL},
	}
	rest, zone, ok := matchZone("2.0.0.127.bl.example.org", zones)
	if !ok || zone.Kind != KindDNSBL || rest != "2.0.0.127" {
		t.Fatalf("matchZone = %q, %v, %v", rest, zone, ok)
	}
	if _, _, ok := matchZone("2.0.0.127.other.example.org", zones); ok {
		t.Fatalf("unrelated suffix matched")
	}
}

func TestParseReversedIPv4RoundTrip(t *testing.T) {
	rest := "1.2.0.192" // reversed labels for 192.0.2.1
	ip, ok := parseReversedIP(rest)
	if !ok || ip.String() != "192.0.2.1" {
		t.Fatalf("parseReversedIP(%q) = %v, %v", rest, ip, ok)
	}
}

func TestParseReversedHostRoundTrip(t *testing.T) {
	d, ok := parseReversedHost("com.example.mail")
	if !ok || d.Name() != "mail.example.com" {
		t.Fatalf("parseReversedHost = %v, %v", d, ok)
	}
}

func TestAnswerDNSBLBlockedIsCold(t *testing.T) {
	s, pol, _ := newTestServer(t)
	if err := pol.Block.Add("192.0.2.1"); err != nil {
		t.Fatalf("Add: %v", err)
	}
	ip, ttl, ok := s.answerDNSBL("1.2.0.192")
	if !ok || ip.String() != ipDNSBLCold.String() || ttl != ttlDefault {
		t.Fatalf("answerDNSBL = %v, %v, %v, want cold/default-ttl", ip, ttl, ok)
	}
}

func TestAnswerDNSBLRecentComplaintIsHot(t *testing.T) {
	s, _, rep := newTestServer(t)
	for i := 0; i < 10; i++ {
		rep.AddSpam("192.0.2.9")
	}
	if got := rep.Status("192.0.2.9"); got != reputation.StatusBlack {
		t.Fatalf("status = %v, want BLACK", got)
	}
	ip, ttl, ok := s.answerDNSBL("9.2.0.192")
	if !ok || ip.String() != ipDNSBLHot.String() || ttl != ttlHigh {
		t.Fatalf("answerDNSBL = %v, %v, %v, want hot/high-ttl", ip, ttl, ok)
	}
}

func TestAnswerDNSBLUnlisted(t *testing.T) {
	s, _, _ := newTestServer(t)
	_, _, ok := s.answerDNSBL("4.3.2.1")
	if ok {
		t.Fatalf("unlisted IP should be NXDOMAIN")
	}
}

func TestAnswerDNSWLTiers(t *testing.T) {
	s, pol, _ := newTestServer(t)
	if err := pol.Provider.Add(".good.example.com"); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := pol.Ignore.Add(".ignored.example.com"); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := pol.White.Add(".white.example.com"); err != nil {
		t.Fatalf("Add: %v", err)
	}

	cases := []struct {
		host string
		want net.IP
	}{
		{"mail.good.example.com", ipWLGood},
		{"mail.ignored.example.com", ipWLIgnore},
		{"mail.white.example.com", ipWLWhite},
	}
	for _, c := range cases {
		rest := reverseLabels(c.host)
		ip, _, ok := s.answerDNSWL(rest)
		if !ok || ip.String() != c.want.String() {
			t.Fatalf("answerDNSWL(%q) = %v, %v, want %v", c.host, ip, ok, c.want)
		}
	}

	if _, _, ok := s.answerDNSWL(reverseLabels("mail.unknown.example.com")); ok {
		t.Fatalf("unknown host should be NXDOMAIN")
	}
}

func TestAnswerURIBLTiers(t *testing.T) {
	s, pol, _ := newTestServer(t)
	if err := pol.Block.Add(".phish.example.com"); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := pol.Generic.Add(".dropper.example.com"); err != nil {
		t.Fatalf("Add: %v", err)
	}

	ip, _, ok := s.answerURIBL(reverseLabels("www.phish.example.com"))
	if !ok || ip.String() != ipURIHref.String() {
		t.Fatalf("answerURIBL href = %v, %v", ip, ok)
	}
	ip, _, ok = s.answerURIBL(reverseLabels("payload.dropper.example.com"))
	if !ok || ip.String() != ipURIExec.String() {
		t.Fatalf("answerURIBL exec = %v, %v", ip, ok)
	}
}

func TestAnswerSCOREReflectsProbability(t *testing.T) {
	s, _, rep := newTestServer(t)
	before, _, ok := s.answerSCORE("1.2.0.192")
	if !ok || before[3] != 100 {
		t.Fatalf("SCORE for an unknown token = %v, want byte 100", before)
	}

	for i := 0; i < 10; i++ {
		rep.AddSpam("192.0.2.1")
	}
	after, _, _ := s.answerSCORE("1.2.0.192")
	if after[3] >= before[3] {
		t.Fatalf("SCORE byte should drop once complaints accumulate, got %v -> %v", before, after)
	}
}

func TestAnswerDNSALUsesWHOISAttr(t *testing.T) {
	pol := policy.NewEngine(fakeAbuseWHOIS{})
	rep := reputation.NewStore(reputation.FloodClassTimes{}, nil)
	s := NewServer(mlog.New("dnslist", nil), []Zone{{Suffix: mustSuffix(t, "al.example.org"), Kind: KindDNSAL}}, pol, rep, nil)

	ip, _, ok := s.answerDNSAL(context.Background(), "1.2.0.192")
	if !ok || ip.String() != ipALExists.String() {
		t.Fatalf("answerDNSAL = %v, %v, want abuse contact found", ip, ok)
	}
}

type fakeAbuseWHOIS struct{}

func (fakeAbuseWHOIS) Lookup(ctx context.Context, key string) (map[string]string, error) {
	return map[string]string{"abuse": "abuse@example.com"}, nil
}

func reverseLabels(host string) string {
	labels := splitLabels(host)
	for i, j := 0, len(labels)-1; i < j; i, j = i+1, j-1 {
		labels[i], labels[j] = labels[j], labels[i]
	}
	out := ""
	for i, l := range labels {
		if i > 0 {
			out += "."
		}
		out += l
	}
	return out
}

func splitLabels(s string) []string {
	var out []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '.' {
			out = append(out, s[start:i])
			start = i + 1
		}
	}
	out = append(out, s[start:])
	return out
}

func TestAbuseThrottleBansAfterLimit(t *testing.T) {
	a, err := NewAbuseThrottle(nil)
	if err != nil {
		t.Fatalf("NewAbuseThrottle: %v", err)
	}
	ip := net.ParseIP("198.51.100.5")
	for i := 0; i < abuseEventLimit; i++ {
		if a.RecordAbuse(ip) {
			t.Fatalf("banned too early at event %d", i)
		}
	}
	if !a.RecordAbuse(ip) {
		t.Fatalf("expected ban on exceeding the limit")
	}
	if !a.Banned(ip) {
		t.Fatalf("subnet should be banned")
	}
	if a.Banned(net.ParseIP("203.0.113.9")) {
		t.Fatalf("unrelated subnet should not be banned")
	}
}

func TestAnswerPacketUnknownZoneIsNotAuth(t *testing.T) {
	s, _, _ := newTestServer(t)
	packet := buildQuery(t, "2.0.0.127.nosuchzone.example.org", dnsmessage.TypeA)
	resp, kind, rc := s.answerPacket(context.Background(), packet)
	if rc != rcodeNotAuth || kind != "" {
		t.Fatalf("rc/kind = %v/%v, want NOTAUTH/empty", rc, kind)
	}
	if resp == nil {
		t.Fatalf("expected a response for a parseable-but-unserved query")
	}
}

func TestAnswerPacketBlockedIP(t *testing.T) {
	s, pol, _ := newTestServer(t)
	if err := pol.Block.Add("192.0.2.1"); err != nil {
		t.Fatalf("Add: %v", err)
	}
	packet := buildQuery(t, queryNameIPv4("192.0.2.1", "bl.example.org"), dnsmessage.TypeA)
	resp, kind, rc := s.answerPacket(context.Background(), packet)
	if rc != rcodeSuccess || kind != KindDNSBL || resp == nil {
		t.Fatalf("rc/kind/resp = %v/%v/%v, want SUCCESS/dnsbl/non-nil", rc, kind, resp != nil)
	}
}

func TestAnswerPacketMalformedReturnsFormErr(t *testing.T) {
	s, _, _ := newTestServer(t)
	_, _, rc := s.answerPacket(context.Background(), []byte{0x00, 0x01})
	if rc != rcodeFormatError {
		t.Fatalf("rc = %v, want FORMERR", rc)
	}
}

func buildQuery(t *testing.T, name string, qtype dnsmessage.Type) []byte {
	t.Helper()
	n, err := dnsmessage.NewName(name + ".")
	if err != nil {
		t.Fatalf("NewName(%q): %v", name, err)
	}
	b := dnsmessage.NewBuilder(nil, dnsmessage.Header{ID: 42, RecursionDesired: true})
	if err := b.StartQuestions(); err != nil {
		t.Fatalf("StartQuestions: %v", err)
	}
	q := dnsmessage.Question{Name: n, Type: qtype, Class: dnsmessage.ClassINET}
	if err := b.Question(q); err != nil {
		t.Fatalf("Question: %v", err)
	}
	msg, err := b.Finish()
	if err != nil {
		t.Fatalf("Finish: %v", err)
	}
	return msg
}
