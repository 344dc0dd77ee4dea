// Package config holds the configuration file definition for spfbld.
package config

import (
	"crypto/x509"
	"time"

	"github.com/spfbl-go/spfbl/dns"
)

// Port returns port if non-zero, and fallback otherwise.
func Port(port, fallback int) int {
	if port == 0 {
		return fallback
	}
	return port
}

// Static is the parsed form of spfbl.conf.
type Static struct {
	DataDir          string            `sconf-doc:"NOTE: This config file is in 'sconf' format. Indent with tabs. Comments must be on their own line, they don't end a line. Do not escape or quote strings. Details: https://pkg.go.dev/github.com/mjl-/sconf.\n\n\nDirectory where the reputation database, ledger, ticket keys and DNS cache are stored. If this is a relative path, it is relative to the directory of spfbl.conf."`
	LogLevel         string            `sconf-doc:"Default log level, one of: error, info, debug, trace."`
	PackageLogLevels map[string]string `sconf:"optional" sconf-doc:"Overrides of log level per package, e.g. spf, dns, reputation, pipeline, dnslist, gossip."`
	Hostname         string            `sconf-doc:"Hostname of this server. Checked to be a valid domain name when the file is loaded; not otherwise used."`
	HostnameDomain   dns.Domain        `sconf:"-" json:"-"`

	TLS struct {
		CA *struct {
			AdditionalToSystem bool     `sconf:"optional"`
			CertFiles          []string `sconf:"optional"`
		} `sconf:"optional"`
		CertPool *x509.CertPool `sconf:"-" json:"-"`
	} `sconf:"optional" sconf-doc:"Additional trusted Certificate Authorities. Parsed but not used: gossip peers exchange HMAC-authenticated UDP packets, not TLS connections."`

	Control     ControlListener `sconf-doc:"TCP listener for the line-based control protocol: SPF, CHECK, HAM, SPAM and REFRESH verbs."`
	Policy      PolicyListener  `sconf-doc:"TCP listener speaking the Postfix policy delegation protocol, used to reject, defer or discard mail inline during the SMTP transaction."`
	DNSList     DNSListListener `sconf:"optional" sconf-doc:"UDP listener answering reversed-IP DNSBL/DNSWL/URIBL/SCORE/DNSAL queries against the local reputation database."`
	Gossip      GossipListener  `sconf:"optional" sconf-doc:"UDP listener for accepting reputation deltas pushed by trusted peers, and the list of peers this instance pushes its own deltas to."`
	MetricsHTTP struct {
		Enabled bool
		Port    int `sconf:"optional" sconf-doc:"Default 8011."`
	} `sconf:"optional" sconf-doc:"Serve Prometheus metrics. Should not be exposed publicly."`

	Ticket TicketConfig `sconf-doc:"Configuration of tickets: encrypted, time-limited tokens returned with a decision, so a later SPAM or HAM report can be attributed to that decision's tokens."`

	Reputation ReputationConfig `sconf:"optional" sconf-doc:"Tuning of the reputation Distribution: per-token-class flood intervals, and external DNS block lists consulted alongside it."`
	Defer_     DeferConfig      `sconf:"optional" sconf-doc:"TTLs for the greylist, flood and blocked-sender deferrals."`
	SPF        SPFConfig        `sconf:"optional" sconf-doc:"Tuning of SPF record evaluation and caching."`

	Zones []string `sconf:"optional" sconf-doc:"DNS zones this server answers DNSList queries under, as name or name:kind, kind one of dnsbl, dnswl, uribl, score, dnsal (default dnsbl), e.g. bl.example.org, wl.example.org:dnswl. Queries for names outside these zones are refused."`

	ReverseRequired bool `sconf:"optional" sconf-doc:"If set, a connecting IP whose HELO does not forward-confirm and that has no reverse DNS (PTR) record is automatically added to the Block list and answered INVALID."`
}

// ControlListener is the control-protocol TCP listener.
type ControlListener struct {
	Address string `sconf-doc:"Address to listen on, e.g. 127.0.0.1:9877. Should not be exposed publicly; the control protocol carries ham/spam feedback and has no authentication beyond network reachability."`
}

// PolicyListener is the Postfix policy delegation TCP listener.
type PolicyListener struct {
	Address string `sconf-doc:"Address to listen on, e.g. 127.0.0.1:9876. Configured in Postfix as a check_policy_service smtpd_recipient_restriction."`
}

// DNSListListener is the reversed-IP DNS-list UDP listener.
type DNSListListener struct {
	Enabled      bool
	Address      string             `sconf:"optional" sconf-doc:"Address to listen on, e.g. :53 or 127.0.0.1:5300."`
	AbuseLimiter AbuseLimiterConfig `sconf:"optional" sconf-doc:"Per-source query rate limiting, to avoid the DNS-list frontend being used to probe the reputation database at volume."`
}

// AbuseLimiterConfig tunes the per-querier-IP throttle in front of the
// DNS-list listener.
type AbuseLimiterConfig struct {
	MaxPerMinute int `sconf:"optional" sconf-doc:"Not read by the throttle, which counts abuse per /25 (IPv4) or /52 (IPv6) subnet against fixed limits and bans a subnet for one week. Default 60."`
}

// GossipListener is the peer reputation-delta push/receive configuration.
type GossipListener struct {
	Enabled bool
	Address string   `sconf:"optional" sconf-doc:"Address to listen for incoming peer deltas on, e.g. :9878."`
	Peers   []string `sconf:"optional" sconf-doc:"Addresses of peers to push local reputation deltas to, e.g. peer1.example.org:9878."`
	Secret  string   `sconf:"optional" sconf-doc:"Shared secret authenticating deltas exchanged with peers, hashed with the sending/receiving peer address to produce a per-peer MAC key."`
}

// TicketConfig configures ticket signing.
type TicketConfig struct {
	KeyFile string        `sconf-doc:"File with a 32 byte key, base64-encoded, used to encrypt/authenticate tickets. Generated on first start if the file does not exist."`
	TTL     time.Duration `sconf:"optional" sconf-doc:"Not read: tickets are accepted for a fixed 120h (5 days) after being issued. Default 120h."`
}

// ReputationConfig tunes the Distribution flood detection intervals and
// lists the external DNS block lists consulted alongside it.
type ReputationConfig struct {
	FloodTimeIP     time.Duration `sconf:"optional" sconf-doc:"Minimum interval between queries for the same IP token before it is considered a flood. Default 1s."`
	FloodTimeSender time.Duration `sconf:"optional" sconf-doc:"Minimum interval between queries for the same email/domain token before it is considered a flood. Default 30s."`
	FloodTimeHELO   time.Duration `sconf:"optional" sconf-doc:"Minimum interval between queries for the same HELO token before it is considered a flood. Default 5s."`

	ExternalDNSBL []string `sconf:"optional" sconf-doc:"Public DNS block list zones (e.g. zen.spamhaus.org) queried as a supplementary signal for the connecting IP whenever no token has a local BLACK/BLOCK status, folded into the same blacklist rule as such a status."`
}

// DeferConfig tunes the greylist/flood/block deferral TTLs.
type DeferConfig struct {
	GreylistTTL  time.Duration `sconf:"optional" sconf-doc:"How long a flow with a GRAY-status token is greylisted before being allowed through on retry. Default 10m."`
	FloodTTL     time.Duration `sconf:"optional" sconf-doc:"How long a detected flood is deferred for. Default 1h."`
	BlockTTL     time.Duration `sconf:"optional" sconf-doc:"How long a BLACK/BLOCK-status token is deferred for on each attempt, independent of the reputation record's own expiry. Default 1h."`
	SoftfailTTL  time.Duration `sconf:"optional" sconf-doc:"How long an SPF SoftFail result is greylisted for, for senders that are not a known mail provider. Default 1h."`
	MaxRetry     int           `sconf:"optional" sconf-doc:"Not read: escalation to a hard reject is governed by FloodMaxRetry. Default 3."`
	FloodMaxRetry int          `sconf:"optional" sconf-doc:"Number of deferrals issued for one flow, across all classes, before it is escalated straight to BLOCKED regardless of class. Default 10."`
}

// SPFConfig tunes SPF record evaluation, grounded on open questions left by
// spec.md section 9: the status returned for a bare/"+"-qualified "all"
// mechanism (the ground-truth source forces Neutral; RFC 7208 implies
// Pass), and whether a malformed record should fall through to SoftFail
// (the ground-truth source's choice, and the default here) or be escalated
// to the RFC-mandated PermError.
type SPFConfig struct {
	AllDefault           string        `sconf:"optional" sconf-doc:"Status returned for a bare or \"+\"-qualified \"all\" mechanism: neutral (matches the ground-truth source, never letting \"all\" permissively grant Pass) or rfc (RFC 7208's default). Default neutral."`
	SyntaxErrorPermerror bool          `sconf:"optional" sconf-doc:"If set, a malformed SPF record yields the RFC-mandated PermError instead of SoftFail."`
	CacheRefresh         time.Duration `sconf:"optional" sconf-doc:"Not read: a cached SPF record is refreshed after more than 4 queries since its last refresh, or once older than 7 days. Default 15m."`
	BestGuessEnabled     bool          `sconf:"optional" sconf-doc:"If set and a domain publishes no SPF record at all, a best-guess record derived from the domain's own MX/A records is evaluated instead of returning None."`
}
