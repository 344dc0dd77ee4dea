/*
Package config holds the configuration file definition.

spfbld uses a single static configuration file, spfbl.conf, read once at
startup. There is no dynamic/reloaded configuration: token policy lists,
peers and zones are data, kept in the reputation store, not in this file.

# sconf

The config file is in "sconf" format. Properties of sconf files:

  - Indentation with tabs only.
  - "#" as first non-whitespace character makes the line a comment. Lines with
    a value cannot also have a comment.
  - Values don't have syntax indicating their type. For example, strings are
    not quoted/escaped and can never span multiple lines.
  - Fields that are optional can be left out completely. But the value of an
    optional field may itself have required fields.

See https://pkg.go.dev/github.com/mjl-/sconf for details.

# spfbl.conf

	# NOTE: This config file is in 'sconf' format. Indent with tabs. Comments must be
	# on their own line, they don't end a line. Do not escape or quote strings.
	# Details: https://pkg.go.dev/github.com/mjl-/sconf.


	# Directory where the reputation database, ledger, ticket keys and DNS cache
	# are stored. If this is a relative path, it is relative to the directory of
	# spfbl.conf.
	DataDir:

	# Default log level, one of: error, info, debug, trace.
	LogLevel:

	# Overrides of log level per package, e.g. spf, dns, reputation, pipeline,
	# dnslist, gossip. (optional)
	PackageLogLevels:
		x:

	# Hostname of this server. Checked to be a valid domain name when the file is
	# loaded; not otherwise used.
	Hostname:

	# Additional trusted Certificate Authorities. Parsed but not used: gossip
	# peers exchange HMAC-authenticated UDP packets, not TLS connections.
	# (optional)
	TLS:

		# (optional)
		CA:

			# (optional)
			AdditionalToSystem: false

			# (optional)
			CertFiles:
				-

	# TCP listener for the line-based control protocol: SPF, CHECK, HAM, SPAM and
	# REFRESH verbs.
	Control:

		# Address to listen on, e.g. 127.0.0.1:9877. Should not be exposed
		# publicly; the control protocol carries ham/spam feedback and has no
		# authentication beyond network reachability.
		Address:

	# TCP listener speaking the Postfix policy delegation protocol, used to
	# reject, defer or discard mail inline during the SMTP transaction.
	Policy:

		# Address to listen on, e.g. 127.0.0.1:9876. Configured in Postfix as a
		# check_policy_service smtpd_recipient_restriction.
		Address:

	# UDP listener answering reversed-IP DNSBL/DNSWL/URIBL/SCORE/DNSAL queries
	# against the local reputation database. (optional)
	DNSList:
		Enabled: false

		# Address to listen on, e.g. :53 or 127.0.0.1:5300. (optional)
		Address:

		# Per-source query rate limiting, to avoid the DNS-list frontend being used
		# to probe the reputation database at volume. (optional)
		AbuseLimiter:

			# Not read by the throttle, which counts abuse per /25 (IPv4) or /52
			# (IPv6) subnet against fixed limits and bans a subnet for one week.
			# Default 60. (optional)
			MaxPerMinute: 0

	# UDP listener for accepting reputation deltas pushed by trusted peers, and
	# the list of peers this instance pushes its own deltas to. (optional)
	Gossip:
		Enabled: false

		# Address to listen for incoming peer deltas on, e.g. :9878. (optional)
		Address:

		# Addresses of peers to push local reputation deltas to, e.g.
		# peer1.example.org:9878. (optional)
		Peers:
			-

		# Shared secret authenticating deltas exchanged with peers, hashed with the
		# sending/receiving peer address to produce a per-peer MAC key. (optional)
		Secret:

	# Serve Prometheus metrics. Should not be exposed publicly. (optional)
	MetricsHTTP:
		Enabled: false

		# Default 8011. (optional)
		Port: 0

	# Configuration of tickets: encrypted, time-limited tokens returned with a
	# decision, so a later SPAM or HAM report can be attributed to that
	# decision's tokens.
	Ticket:

		# File with a 32 byte key, base64-encoded, used to encrypt/authenticate
		# tickets. Generated on first start if the file does not exist.
		KeyFile:

		# Not read: tickets are accepted for a fixed 120h (5 days) after being
		# issued. Default 120h. (optional)
		TTL: 0s

	# Tuning of the reputation Distribution: per-token-class flood intervals,
	# and external DNS block lists consulted alongside it. (optional)
	Reputation:

		# Minimum interval between queries for the same IP token before it is
		# considered a flood. Default 1s. (optional)
		FloodTimeIP: 0s

		# Minimum interval between queries for the same email/domain token before
		# it is considered a flood. Default 30s. (optional)
		FloodTimeSender: 0s

		# Minimum interval between queries for the same HELO token before it is
		# considered a flood. Default 5s. (optional)
		FloodTimeHELO: 0s

		# Public DNS block list zones (e.g. zen.spamhaus.org) queried as a
		# supplementary signal for the connecting IP whenever no token has a
		# local BLACK/BLOCK status, folded into the same blacklist rule as such
		# a status. (optional)
		ExternalDNSBL:
			-

	# TTLs for the greylist, flood and blocked-sender deferrals. (optional)
	Defer_:

		# How long a flow with a GRAY-status token is greylisted before being
		# allowed through on retry. Default 10m. (optional)
		GreylistTTL: 0s

		# How long a detected flood is deferred for. Default 1h. (optional)
		FloodTTL: 0s

		# How long a BLACK/BLOCK-status token is deferred for on each attempt,
		# independent of the reputation record's own expiry. Default 1h.
		# (optional)
		BlockTTL: 0s

		# How long an SPF SoftFail result is greylisted for, for senders that are
		# not a known mail provider. Default 1h. (optional)
		SoftfailTTL: 0s

		# Not read: escalation to a hard reject is governed by FloodMaxRetry.
		# Default 3. (optional)
		MaxRetry: 0

		# Number of deferrals issued for one flow, across all classes, before it
		# is escalated straight to BLOCKED regardless of class. Default 10.
		# (optional)
		FloodMaxRetry: 0

	# Tuning of SPF record evaluation and caching. (optional)
	SPF:

		# Status returned for a bare or "+"-qualified "all" mechanism: neutral
		# (matches the ground-truth source, never letting "all" permissively
		# grant Pass) or rfc (RFC 7208's default). Default neutral. (optional)
		AllDefault:

		# If set, a malformed SPF record yields the RFC-mandated PermError
		# instead of SoftFail. (optional)
		SyntaxErrorPermerror: false

		# Not read: a cached SPF record is refreshed after more than 4 queries
		# since its last refresh, or once older than 7 days. Default 15m.
		# (optional)
		CacheRefresh: 0s

		# If set and a domain publishes no SPF record at all, a best-guess record
		# derived from the domain's own MX/A records is evaluated instead of
		# returning None. (optional)
		BestGuessEnabled: false

	# DNS zones this server answers DNSList queries under, as name or
	# name:kind, kind one of dnsbl, dnswl, uribl, score, dnsal (default dnsbl),
	# e.g. bl.example.org, wl.example.org:dnswl. Queries for names outside these
	# zones are refused. (optional)
	Zones:
		-

	# If set, a connecting IP whose HELO does not forward-confirm and that has no
	# reverse DNS (PTR) record is automatically added to the Block list and
	# answered INVALID. (optional)
	ReverseRequired: false
*/
package config
