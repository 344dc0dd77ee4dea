// Package token derives the canonical set of accountable identifiers (C4)
// from an SMTP transaction: the unit the reputation store (C6) and policy
// lists (C5) key their state by. See spec.md sections 2-4.2 and GLOSSARY.
package token

import (
	"net"
	"strings"

	"golang.org/x/text/secure/precis"

	"github.com/spfbl-go/spfbl/dns"
	"github.com/spfbl-go/spfbl/smtp"
)

// Token is an identifier that can accumulate reputation, or a tag token
// that never does. Shapes, per spec.md section 3 ("Identifier token"):
//
//   - IPv4/IPv6 in canonical form: "192.0.2.1".
//   - ".hostname" — a rooted domain suffix, matches any subdomain.
//   - "@domain" — a sending domain.
//   - "email@domain" — a full mailbox.
//   - ">recipient" — recipient tag, never scored.
//   - "client:id" — tenant tag, never scored.
type Token string

// IP returns the canonical IP token.
func IP(ip net.IP) Token {
	return Token(ip.String())
}

// Host returns the rooted hostname token for d.
func Host(d dns.Domain) Token {
	return Token("." + d.Name())
}

// SenderDomain returns the "@domain" token for a sender whose mail hoster,
// not mailbox, is accountable.
func SenderDomain(d dns.Domain) Token {
	return Token("@" + d.Name())
}

// Email returns the full mailbox token, used when the sender's domain is
// itself a registered freemail Provider (spec.md section 4.2 step 4). The
// localpart is PRECIS-normalized first, so "Jane.Doe" and "jane.doe" at the
// same provider accumulate reputation under one token instead of two.
func Email(localpart smtp.Localpart, domain dns.Domain) Token {
	return Token(normalizeLocalpart(localpart) + "@" + domain.Name())
}

// normalizeLocalpart casefolds and width-maps a mailbox localpart per the
// PRECIS UsernameCaseMapped profile (RFC 8265). A localpart that fails the
// profile (disallowed code points) is kept as-is: tokenization must not drop
// a sender just because its address is unusual.
func normalizeLocalpart(lp smtp.Localpart) string {
	s, err := precis.UsernameCaseMapped.String(lp.String())
	if err != nil {
		return lp.String()
	}
	return s
}

// Recipient returns the recipient tag token, passed through the ticket but
// never contributing reputation.
func Recipient(addr string) Token {
	return Token(">" + addr)
}

// Client returns the tenant tag token, same treatment as Recipient.
func Client(id string) Token {
	return Token("client:" + id)
}

// IsIP reports whether t is shaped like an IP address token.
func (t Token) IsIP() bool {
	return net.ParseIP(string(t)) != nil
}

// IsHost reports whether t is a rooted hostname token.
func (t Token) IsHost() bool {
	return strings.HasPrefix(string(t), ".")
}

// IsSenderDomain reports whether t is an "@domain" token.
func (t Token) IsSenderDomain() bool {
	return strings.HasPrefix(string(t), "@")
}

// IsEmail reports whether t is a full mailbox token: contains "@" and is not
// itself an "@domain" token.
func (t Token) IsEmail() bool {
	s := string(t)
	return !strings.HasPrefix(s, "@") && !strings.HasPrefix(s, ">") && !strings.HasPrefix(s, "client:") && strings.Contains(s, "@")
}

// IsRecipientTag reports whether t is a ">recipient" tag.
func (t Token) IsRecipientTag() bool {
	return strings.HasPrefix(string(t), ">")
}

// IsClientTag reports whether t is a "client:" tag.
func (t Token) IsClientTag() bool {
	return strings.HasPrefix(string(t), "client:")
}

// Scoreable reports whether t can accumulate reputation at all (spec.md
// section 3: tag tokens never contribute reputation).
func (t Token) Scoreable() bool {
	return !t.IsRecipientTag() && !t.IsClientTag()
}

// Class buckets a scoreable token by the flood-detection class of spec.md
// section 4.3 ("IP, SENDER (email, @domain), or HELO"). Host tokens that are
// not IPs are treated as HELO-class.
type Class string

const (
	ClassIP     Class = "ip"
	ClassSender Class = "sender"
	ClassHELO   Class = "helo"
)

func (t Token) Class() Class {
	switch {
	case t.IsIP():
		return ClassIP
	case t.IsEmail(), t.IsSenderDomain():
		return ClassSender
	default:
		return ClassHELO
	}
}

// Domain extracts the hostname portion of a Host, SenderDomain or Email
// token, for registered-domain expansion. ok is false for IP and tag
// tokens.
func (t Token) Domain() (name string, ok bool) {
	s := string(t)
	switch {
	case strings.HasPrefix(s, "."):
		return s[1:], true
	case strings.HasPrefix(s, "@"):
		return s[1:], true
	case t.IsEmail():
		i := strings.LastIndexByte(s, '@')
		return s[i+1:], true
	default:
		return "", false
	}
}
