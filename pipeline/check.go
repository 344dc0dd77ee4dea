package pipeline

import (
	"context"
	"fmt"
	"strings"

	"github.com/spfbl-go/spfbl/spf"
	"github.com/spfbl-go/spfbl/token"
)

// Check runs a CHECK '<ip>' '<sender>' '<helo>' '<recipient>' diagnostic
// (spec.md section 6), returning the multi-line explanation without
// issuing a ticket or registering a complaint: every statistic below is
// read-only, including the deferral controller, which Decide itself would
// otherwise advance.
func (e *Engine) Check(ctx context.Context, req Request) (string, error) {
	expReq := token.Request{
		IP:          req.IP,
		HasMailFrom: req.HasMailFrom,
		Helo:        req.Helo,
		Client:      req.Client,
		Recipient:   req.Recipient,
	}
	if req.HasMailFrom {
		expReq.MailFromLocalpart = req.MailFrom.Localpart
		expReq.MailFromDomain = req.MailFrom.Domain

		status, _, err := e.evaluateSPF(ctx, e.log.Logger, req)
		if err == nil {
			expReq.SPFPass = status == spf.StatusPass
		}
	}

	exp := token.Expand(ctx, e.resolver, e.Policy.ProviderChecker(), expReq)

	var b strings.Builder
	fmt.Fprintf(&b, "ip: %s\n", req.IP)
	fmt.Fprintf(&b, "helo-confirmed: %v\n", exp.HostnameConfirmed)
	if exp.HostnameConfirmed {
		fmt.Fprintf(&b, "helo-hostname: %s\n", exp.Hostname.Name())
	}
	for _, t := range exp.Tokens {
		status := e.Reputation.Status(t)
		var prob float64
		if d, ok := e.Reputation.Peek(t); ok {
			prob = d.Probability()
		}
		fmt.Fprintf(&b, "token: %-30s status=%-5s p=%.4f block=%v white=%v\n",
			t, status, prob, e.Policy.Block.Contains(t), e.Policy.White.Contains(t))
	}
	return b.String(), nil
}
