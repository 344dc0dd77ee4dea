// Package pipeline implements the decision pipeline of spec.md component
// C10: it orchestrates the SPF registry/evaluator (C2/C3), token expansion
// (C4), policy lists (C5), the reputation store (C6), the complaint ledger
// (C7), the ticket codec (C8) and the deferral controller (C9) into the
// single ordered rule table of spec.md section 4.4.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/spfbl-go/spfbl/config"
	"github.com/spfbl-go/spfbl/defer_"
	"github.com/spfbl-go/spfbl/dns"
	"github.com/spfbl-go/spfbl/dnsbl"
	"github.com/spfbl-go/spfbl/iprev"
	"github.com/spfbl-go/spfbl/ledger"
	"github.com/spfbl-go/spfbl/mlog"
	"github.com/spfbl-go/spfbl/policy"
	"github.com/spfbl-go/spfbl/reputation"
	"github.com/spfbl-go/spfbl/smtp"
	"github.com/spfbl-go/spfbl/spf"
	"github.com/spfbl-go/spfbl/ticket"
	"github.com/spfbl-go/spfbl/token"
)

// Action is the final verdict returned to the SMTP frontend, one of the
// RESULT values of spec.md section 6's SPF verb.
type Action string

const (
	ActionPass     Action = "PASS"
	ActionFail     Action = "FAIL"
	ActionSoftfail Action = "SOFTFAIL"
	ActionNeutral  Action = "NEUTRAL"
	ActionNone     Action = "NONE"
	ActionBlocked  Action = "BLOCKED"
	ActionListed   Action = "LISTED"
	ActionGreylist Action = "GREYLIST"
	ActionSpamtrap Action = "SPAMTRAP"
	ActionInvalid  Action = "INVALID"
	ActionNxdomain Action = "NXDOMAIN"
	ActionLan      Action = "LAN"
)

// Request is one SMTP transaction, the unit the pipeline decides on
// (spec.md section 1, "supplying the peer IP, HELO name, envelope sender
// and recipient").
type Request struct {
	IP          net.IP
	HasMailFrom bool
	MailFrom    smtp.Address
	Helo        dns.IPDomain
	Recipient   string // Full recipient address, "" if unknown/not given.
	Client      string // Tenant id, "" if none.
}

// flow is the origin>recipient fingerprint of spec.md GLOSSARY, used to key
// greylist/flood/block deferrals.
func (r Request) flow() string {
	origin := r.IP.String()
	if r.HasMailFrom {
		origin = r.MailFrom.Pack(true)
	}
	return origin + ">" + r.Recipient
}

// Decision is the pipeline's verdict for one Request.
type Decision struct {
	Action     Action
	Rule       int    // Which rule of spec.md section 4.4 fired, for CHECK/diagnostics.
	Ticket     string // Empty when the rule produces no ticket.
	UnblockURL string // Set for LISTED and some BLOCKED outcomes.
	Reason     string
}

// Engine bundles every component the pipeline orchestrates, constructed
// once at startup (spec.md section 9, "Global caches... Model the caches
// as an explicit Engine value").
type Engine struct {
	log       mlog.Log
	resolver  dns.Resolver
	cfg       *config.Static
	deferCfg  config.DeferConfig // cfg.Defer_, or its zero value if cfg is nil.

	SPF        *spf.Registry
	Policy     *policy.Engine
	Reputation *reputation.Store
	Ledger     *ledger.Ledger
	Defer      *defer_.Controller
	Ticket     *ticket.Codec

	unblockBaseURL string
	externalDNSBL  []dns.Domain
}

// NewEngine constructs a decision Engine from its already-constructed
// components.
func NewEngine(log mlog.Log, resolver dns.Resolver, cfg *config.Static, spfReg *spf.Registry, pol *policy.Engine, rep *reputation.Store, led *ledger.Ledger, def *defer_.Controller, tick *ticket.Codec, unblockBaseURL string) *Engine {
	var deferCfg config.DeferConfig
	var zones []dns.Domain
	if cfg != nil {
		deferCfg = cfg.Defer_
		for _, z := range cfg.Reputation.ExternalDNSBL {
			if d, err := dns.ParseDomain(z); err == nil {
				zones = append(zones, d)
			}
		}
	}
	return &Engine{
		log:            log,
		resolver:       resolver,
		cfg:            cfg,
		deferCfg:       deferCfg,
		SPF:            spfReg,
		Policy:         pol,
		Reputation:     rep,
		Ledger:         led,
		Defer:          def,
		Ticket:         tick,
		unblockBaseURL: unblockBaseURL,
		externalDNSBL:  zones,
	}
}

// anyExternalDNSBL queries the configured public DNS block list zones for
// ip, short-circuiting on the first hit. Temporary DNS errors are treated
// as a miss: an external list is a supplementary signal, not a dependency
// the pipeline can afford to block on.
func (e *Engine) anyExternalDNSBL(ctx context.Context, ip net.IP) bool {
	for _, zone := range e.externalDNSBL {
		status, _, err := dnsbl.Lookup(ctx, e.log.Logger, e.resolver, zone, ip)
		if err != nil {
			continue
		}
		if status == dnsbl.StatusFail {
			return true
		}
	}
	return false
}

// isLAN reports whether ip is not globally routable, spec.md section 4.4
// rule 1 and testable property 6 ("reserved-IP suppression").
func isLAN(ip net.IP) bool {
	return ip == nil || ip.IsPrivate() || ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsUnspecified()
}

// isProviderHelo reports whether req's confirmed HELO hostname, or its
// sender domain, is a registered mail Provider — the exemption several
// deferral rules carve out for large freemail/ESP senders (spec.md section
// 4.4 rules 14-15, "sender not provider-HELO").
func (e *Engine) isProviderHelo(heloConfirmed bool, hostname dns.Domain, req Request) bool {
	if heloConfirmed && e.Policy.Provider.ContainsDomain(hostname) {
		return true
	}
	if req.HasMailFrom && e.Policy.Provider.ContainsDomain(req.MailFromDomain()) {
		return true
	}
	return false
}

func (r Request) MailFromDomain() dns.Domain {
	return r.MailFrom.Domain
}

// Decide runs req through the ordered rule table of spec.md section 4.4 and
// returns the first matching Decision.
func (e *Engine) Decide(ctx context.Context, req Request) (Decision, error) {
	log := e.log.WithContext(ctx)
	now := time.Now()
	flow := req.flow()

	// Rule 1: reserved/LAN IP short-circuits everything, no ticket.
	if isLAN(req.IP) {
		return Decision{Action: ActionLan, Rule: 1}, nil
	}

	// C4: expand the transaction into its token set.
	expReq := token.Request{
		IP:          req.IP,
		HasMailFrom: req.HasMailFrom,
		Helo:        req.Helo,
		Client:      req.Client,
		Recipient:   req.Recipient,
	}
	var spfStatus spf.Status
	var spfErr error
	var spfInexistent bool

	if req.HasMailFrom {
		expReq.MailFromLocalpart = req.MailFrom.Localpart
		expReq.MailFromDomain = req.MailFrom.Domain

		spfStatus, spfInexistent, spfErr = e.evaluateSPF(ctx, log.Logger, req)
		expReq.SPFPass = spfStatus == spf.StatusPass
	}

	exp := token.Expand(ctx, e.resolver, e.Policy.ProviderChecker(), expReq)
	tokens := exp.Tokens

	// Record traffic for every token: flood stats and ham-rate baseline
	// accrue regardless of the eventual verdict.
	var anyFlood bool
	for _, t := range tokens {
		if e.Reputation.AddQuery(t) {
			anyFlood = true
		}
	}

	complaintAndTicket := func(action Action, rule int, unblockURL string) (Decision, error) {
		tok, err := e.issueTicket(now, tokens)
		if err != nil {
			return Decision{}, err
		}
		e.registerComplaint(tok, now, tokens, req.Recipient)
		return Decision{Action: action, Rule: rule, Ticket: tok, UnblockURL: unblockURL}, nil
	}

	// Rule 2: White lists clear a false-positive Block and pass outright.
	if policy.ContainsAny(e.Policy.White, tokens) {
		e.clearFalsePositiveBlock(tokens)
		tok, err := e.issueTicket(now, tokens)
		if err != nil {
			return Decision{}, err
		}
		return Decision{Action: ActionPass, Rule: 2, Ticket: tok}, nil
	}

	// Rule 3: explicit Block membership.
	if policy.ContainsAny(e.Policy.Block, tokens) {
		return complaintAndTicket(ActionBlocked, 3, e.unblockURL(tokens))
	}

	// Rule 4: SPF says the sender's domain is definitively inexistent.
	if req.HasMailFrom && spfInexistent {
		return complaintAndTicket(ActionNxdomain, 4, "")
	}

	// Rule 5: SPF fail.
	if req.HasMailFrom && spfStatus == spf.StatusFail {
		return complaintAndTicket(ActionFail, 5, "")
	}

	// Rule 6: sender present but domain invalid/reserved.
	if req.HasMailFrom && (req.MailFrom.Domain.IsZero() || isReservedDomain(req.MailFrom.Domain)) {
		return complaintAndTicket(ActionInvalid, 6, "")
	}

	// Rule 7: no sender and HELO does not forward-confirm.
	if !req.HasMailFrom && !exp.HostnameConfirmed {
		return complaintAndTicket(ActionInvalid, 7, "")
	}

	// Rule 8: no rDNS at all and reverse DNS is required by policy.
	if e.cfg != nil && e.cfg.ReverseRequired && !exp.HostnameConfirmed && !hasPTR(ctx, e.resolver, req.IP) {
		if err := e.Policy.Block.Add(req.IP.String()); err != nil {
			log.Errorx("auto-blocking IP with no reverse dns", err)
		}
		return Decision{Action: ActionInvalid, Rule: 8}, nil
	}

	// Rule 9: recipient is a spam trap.
	if req.Recipient != "" && e.Policy.Trap.Contains(token.Recipient(req.Recipient)) {
		return complaintAndTicket(ActionSpamtrap, 9, "")
	}

	floodMaxRetry := 10
	if e.cfg != nil && e.deferCfg.FloodMaxRetry > 0 {
		floodMaxRetry = e.deferCfg.FloodMaxRetry
	}
	// Rule 10: this flow has been deferred too many times already.
	if e.Defer.TotalCount(flow) > floodMaxRetry {
		return complaintAndTicket(ActionBlocked, 10, "")
	}

	// Rule 11: any expanded token is itself Blocked.
	if isBlocked, t := e.anyBlocked(tokens); isBlocked {
		log.Debug("token blocked", mlog.Field("token", string(t)))
		return complaintAndTicket(ActionBlocked, 11, e.unblockURL(tokens))
	}

	// Rule 12: any token is BLACK/BLOCK, or ip hits a configured public
	// DNSBL zone, and the black-list defer engages.
	if e.anyBlacklisted(tokens) || e.anyExternalDNSBL(ctx, req.IP) {
		if shouldDefer, _ := e.Defer.Defer(flow, defer_.ClassBlack, e.ttl(e.deferCfg.BlockTTL, time.Hour)); shouldDefer {
			url := ""
			if spfStatus == spf.StatusPass {
				url = e.unblockURL(tokens)
			}
			return Decision{Action: ActionListed, Rule: 12, UnblockURL: url}, nil
		}
	}

	// Rule 13: any token is GRAY and the greylist defer engages.
	if e.anyGraylisted(tokens) {
		if shouldDefer, _ := e.Defer.Defer(flow, defer_.ClassGreylist, e.ttl(e.deferCfg.GreylistTTL, 10*time.Minute)); shouldDefer {
			return Decision{Action: ActionGreylist, Rule: 13}, nil
		}
	}

	// Rule 14: flood detected and sender is not a known provider.
	origin := req.IP.String()
	if anyFlood && !e.isProviderHelo(exp.HostnameConfirmed, exp.Hostname, req) {
		if shouldDefer, _ := e.Defer.Defer(origin, defer_.ClassFlood, e.ttl(e.deferCfg.FloodTTL, time.Hour)); shouldDefer {
			return Decision{Action: ActionGreylist, Rule: 14}, nil
		}
	}

	// Rule 15: SPF softfail and sender is not a known provider.
	if req.HasMailFrom && spfStatus == spf.StatusSoftfail && !e.isProviderHelo(exp.HostnameConfirmed, exp.Hostname, req) {
		if shouldDefer, _ := e.Defer.Defer(flow, defer_.ClassSoftfail, e.ttl(e.deferCfg.SoftfailTTL, time.Hour)); shouldDefer {
			return Decision{Action: ActionSoftfail, Rule: 15}, nil
		}
	}

	// Rule 16: accept, mapping the SPF result (or NONE without a sender).
	e.Defer.Clear(flow)
	action := ActionNone
	if req.HasMailFrom {
		switch spfStatus {
		case spf.StatusPass:
			action = ActionPass
		case spf.StatusNeutral:
			action = ActionNeutral
		case spf.StatusNone, "":
			action = ActionNone
		default:
			action = ActionNeutral
		}
	}
	tok, err := e.issueTicket(now, tokens)
	if err != nil {
		return Decision{}, err
	}
	if spfErr != nil {
		log.Debugx("spf evaluation error on accept path", spfErr)
	}
	return Decision{Action: action, Rule: 16, Ticket: tok}, nil
}

// evaluateSPF looks up and evaluates the sender domain's SPF record,
// shared between Decide and Check so a CHECK diagnostic sees exactly the
// same SPF result Decide would have used.
func (e *Engine) evaluateSPF(ctx context.Context, logger *slog.Logger, req Request) (status spf.Status, inexistent bool, err error) {
	entry, lookupErr := e.SPF.Lookup(ctx, logger, req.MailFrom.Domain)
	if lookupErr != nil {
		return "", false, lookupErr
	}
	if entry.Record != nil {
		args := spf.Args{
			RemoteIP:             req.IP,
			MailFromLocalpart:    req.MailFrom.Localpart,
			MailFromDomain:       req.MailFrom.Domain,
			HelloDomain:          req.Helo,
			AllDefault:           e.SPF.AllDefault(),
			SyntaxErrorPermerror: e.SPF.SyntaxErrorPermerror(),
		}
		status, _, _, _, err = spf.Evaluate(ctx, logger, entry.Record, e.resolver, args)
	}
	return status, entry.Inexistent(), err
}

func (e *Engine) ttl(configured, fallback time.Duration) time.Duration {
	if configured > 0 {
		return configured
	}
	return fallback
}

func (e *Engine) issueTicket(now time.Time, tokens []token.Token) (string, error) {
	if e.Ticket == nil {
		return "", nil
	}
	s, err := e.Ticket.Encode(now, tokens)
	if err != nil {
		return "", fmt.Errorf("encoding ticket: %w", err)
	}
	return s, nil
}

// registerComplaint records tokens as spam for ticket, both in the ledger
// (so a later explicit SPAM/HAM on the same ticket is idempotent) and in
// the reputation store.
func (e *Engine) registerComplaint(tok string, now time.Time, tokens []token.Token, recipient string) {
	if tok == "" {
		return
	}
	if e.Ledger != nil {
		e.Ledger.AddComplaint(tok, now, tokens, recipient)
	}
	for _, t := range tokens {
		e.Reputation.AddSpam(t)
	}
}

func (e *Engine) clearFalsePositiveBlock(tokens []token.Token) {
	for _, t := range tokens {
		if e.Policy.Block.Contains(t) {
			e.Policy.Block.Remove(string(t))
			e.Reputation.Drop(t)
		}
	}
}

func (e *Engine) anyBlocked(tokens []token.Token) (bool, token.Token) {
	for _, t := range tokens {
		if e.Policy.Block.Contains(t) {
			return true, t
		}
		if !t.Scoreable() {
			continue
		}
		if e.Reputation.Status(t) == reputation.StatusBlock {
			return true, t
		}
	}
	return false, ""
}

func (e *Engine) anyBlacklisted(tokens []token.Token) bool {
	for _, t := range tokens {
		if !t.Scoreable() {
			continue
		}
		switch e.Reputation.Status(t) {
		case reputation.StatusBlack, reputation.StatusBlock:
			return true
		}
	}
	return false
}

func (e *Engine) anyGraylisted(tokens []token.Token) bool {
	for _, t := range tokens {
		if !t.Scoreable() {
			continue
		}
		if e.Reputation.Status(t) == reputation.StatusGray {
			return true
		}
	}
	return false
}

func (e *Engine) unblockURL(tokens []token.Token) string {
	if e.unblockBaseURL == "" || len(tokens) == 0 {
		return ""
	}
	return e.unblockBaseURL + "?token=" + string(tokens[0])
}

// isReservedDomain reports whether d is not a usable sending domain: a
// special-use TLD (an empty domain is checked separately by the caller) that can never appear in mail exchange (spec.md
// section 4.4 rule 6).
func isReservedDomain(d dns.Domain) bool {
	switch d.Name() {
	case "localhost", "invalid", "local", "example", "test":
		return true
	}
	return false
}

// hasPTR reports whether ip has any reverse DNS record at all, regardless
// of whether it forward-confirms (spec.md section 4.4 rule 8 is about
// absence of rDNS, not a failed forward-confirm, which rule 7 already
// covers for the no-sender case).
func hasPTR(ctx context.Context, resolver dns.Resolver, ip net.IP) bool {
	if ip == nil {
		return false
	}
	status, _, _, _, _ := iprev.Lookup(ctx, resolver, ip)
	// StatusPermerror means no PTR record at all. A transient DNS error
	// (StatusTemperror) is treated as "has a record" so a DNS outage never
	// triggers the auto-block of rule 8 (spec.md section 7, "Transient DNS...
	// never blocks a domain").
	return status != iprev.StatusPermerror
}
