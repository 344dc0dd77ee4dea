package policy

import (
	"github.com/spfbl-go/spfbl/dns"
	"github.com/spfbl-go/spfbl/stub"
	"github.com/spfbl-go/spfbl/token"
)

// Engine bundles the seven lists of spec.md component C5 into the single
// explicit value the decision pipeline is constructed with, per spec.md
// section 9's "Global caches" design note: no process-wide singletons.
type Engine struct {
	Block    *List
	White    *List
	Ignore   *List
	Provider *List
	Generic  *List
	Trap     *List
	NoReply  *List
}

// NewEngine constructs an Engine with all seven lists empty.
func NewEngine(whois stub.WHOIS) *Engine {
	return &Engine{
		Block:    New(Block, whois),
		White:    New(White, nil),
		Ignore:   New(Ignore, nil),
		Provider: New(Provider, nil),
		Generic:  New(Generic, nil),
		Trap:     New(Trap, nil),
		NoReply:  New(NoReply, nil),
	}
}

// Lists returns every list in e keyed by name, for package store to
// snapshot and restore generically rather than naming each field.
func (e *Engine) Lists() map[Name]*List {
	return map[Name]*List{
		Block:    e.Block,
		White:    e.White,
		Ignore:   e.Ignore,
		Provider: e.Provider,
		Generic:  e.Generic,
		Trap:     e.Trap,
		NoReply:  e.NoReply,
	}
}

// ContainsAny reports whether any of tokens matches l.
func ContainsAny(l *List, tokens []token.Token) bool {
	for _, t := range tokens {
		if l.Contains(t) {
			return true
		}
	}
	return false
}

// providerChecker adapts *List to token.ProviderChecker, so token.Expand
// can ask "is this sender's domain a known provider" without importing
// package policy.
type providerChecker struct{ l *List }

func (p providerChecker) Contains(d dns.Domain) bool {
	return p.l.ContainsDomain(d) || p.l.Contains(token.SenderDomain(d))
}

// ProviderChecker returns e.Provider adapted to token.ProviderChecker.
func (e *Engine) ProviderChecker() token.ProviderChecker {
	return providerChecker{e.Provider}
}
