package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/spfbl-go/spfbl/dns"
	"github.com/spfbl-go/spfbl/ledger"
	"github.com/spfbl-go/spfbl/token"
)

// errNoTicketCodec is returned by Spam/Ham when the Engine was built
// without a ticket.Codec (no Ticket config section), since neither verb can
// decode a ticket without one.
var errNoTicketCodec = errors.New("pipeline: no ticket codec configured")

// Spam records a SPAM feedback signal against ticket (spec.md section 6,
// "SPAM <ticket>"). The ticket is decrypted to recover its token set; the
// ticket string itself is the ledger's idempotence key, since the same
// ticket issued once by Decide may be replayed by SPAM at most once.
// Complaints are only added to the reputation store the first time a given
// ticket is registered, so a duplicate SPAM never double-counts.
func (e *Engine) Spam(ticket string, now time.Time) (ledger.Result, []token.Token, string, error) {
	if e.Ticket == nil {
		return "", nil, "", errNoTicketCodec
	}
	ts, tokens, err := e.Ticket.Decode(ticket, now)
	if err != nil {
		return "", nil, "", err
	}
	res, gotTokens, recipient := e.Ledger.AddComplaint(ticket, ts, tokens, "")
	if res == ledger.ResultOK {
		for _, t := range gotTokens {
			e.Reputation.AddSpam(t)
		}
	}
	return res, gotTokens, recipient, nil
}

// Ham reverses a previously registered complaint (spec.md section 6,
// "HAM <ticket>"). The ticket must still decode (same authentication and
// age check as SPAM); only its validity is used, not its token set, since
// RemoveComplaint looks up tokens from the ledger entry it created, which
// wins over anything an attacker could forge into a replayed ticket.
func (e *Engine) Ham(ticket string, now time.Time) (ledger.Result, []token.Token, string, error) {
	if e.Ticket == nil {
		return "", nil, "", errNoTicketCodec
	}
	if _, _, err := e.Ticket.Decode(ticket, now); err != nil {
		return "", nil, "", err
	}
	res, tokens, recipient := e.Ledger.RemoveComplaint(ticket)
	if res == ledger.ResultOK {
		for _, t := range tokens {
			e.Reputation.RemoveSpam(t)
		}
	}
	return res, tokens, recipient, nil
}

// Refresh forces an unconditional re-resolve of domain's cached SPF record
// (spec.md section 6, "REFRESH <domain>"), reporting whether the domain had
// a cached entry to refresh.
func (e *Engine) Refresh(ctx context.Context, domain string) (bool, error) {
	d, err := dns.ParseDomain(domain)
	if err != nil {
		return false, err
	}
	return e.SPF.RefreshDomain(ctx, d), nil
}
