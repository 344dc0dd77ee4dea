package dnslist

import (
	"context"
	"time"

	"golang.org/x/net/dns/dnsmessage"
)

// rcode aliases dnsmessage.RCode so the rest of the package doesn't need to
// import it directly. RCode 9 (NOTAUTH) has no named constant in
// dnsmessage, since it is an extended code defined by RFC 2845/8945 rather
// than the base DNS RCODEs the package enumerates; spec.md section 4.6
// reuses it for "zone not served here".
type rcode = dnsmessage.RCode

const (
	rcodeSuccess     = dnsmessage.RCodeSuccess
	rcodeFormatError = dnsmessage.RCodeFormatError
	rcodeNameError   = dnsmessage.RCodeNameError
	rcodeNotAuth     = rcode(9)
	rcodeRefused     = dnsmessage.RCodeRefused
)

func rcodeName(rc rcode) string {
	switch rc {
	case rcodeSuccess:
		return "success"
	case rcodeFormatError:
		return "formerr"
	case rcodeNameError:
		return "nxdomain"
	case rcodeNotAuth:
		return "notauth"
	case rcodeRefused:
		return "refused"
	default:
		return "other"
	}
}

// answerPacket parses packet as a DNS query and returns the wire-format
// response to send back (nil if the packet was too malformed to even
// recover a header), the zone kind it was answered against (empty if none
// matched), and the response code, for the abuse-event accounting of
// spec.md section 4.6.
func (s *Server) answerPacket(ctx context.Context, packet []byte) (resp []byte, kind ZoneKind, rc rcode) {
	var p dnsmessage.Parser
	hdr, err := p.Start(packet)
	if err != nil {
		return nil, "", rcodeFormatError
	}

	q, err := p.Question()
	if err != nil {
		return s.build(hdr, dnsmessage.Question{}, rcodeFormatError, nil, 0), "", rcodeFormatError
	}

	name := q.Name.String()
	rest, zone, matched := matchZone(name, s.zones)
	if !matched {
		return s.build(hdr, q, rcodeNotAuth, nil, 0), "", rcodeNotAuth
	}
	kind = zone.Kind

	if q.Type != dnsmessage.TypeA {
		return s.build(hdr, q, rcodeSuccess, nil, 0), kind, rcodeSuccess
	}

	ip, ttl, ok := s.answer(ctx, zone, rest)
	if !ok {
		return s.build(hdr, q, rcodeNameError, nil, 0), kind, rcodeNameError
	}
	v4 := ip.To4()
	if v4 == nil {
		return s.build(hdr, q, rcodeFormatError, nil, 0), kind, rcodeFormatError
	}
	return s.build(hdr, q, rcodeSuccess, v4, ttl), kind, rcodeSuccess
}

func (s *Server) build(reqHdr dnsmessage.Header, q dnsmessage.Question, rc rcode, a4 []byte, ttl time.Duration) []byte {
	respHdr := dnsmessage.Header{
		ID:            reqHdr.ID,
		Response:      true,
		OpCode:        reqHdr.OpCode,
		Authoritative: rc == rcodeSuccess || rc == rcodeNameError,
		RCode:         rc,
	}
	b := dnsmessage.NewBuilder(nil, respHdr)
	b.EnableCompression()

	if q.Name.Length > 0 {
		if err := b.StartQuestions(); err != nil {
			return nil
		}
		if err := b.Question(q); err != nil {
			return nil
		}
	}

	if rc == rcodeSuccess && a4 != nil {
		if err := b.StartAnswers(); err != nil {
			return nil
		}
		rh := dnsmessage.ResourceHeader{
			Name:  q.Name,
			Type:  dnsmessage.TypeA,
			Class: dnsmessage.ClassINET,
			TTL:   uint32(ttl.Seconds()),
		}
		var rr dnsmessage.AResource
		copy(rr.A[:], a4)
		if err := b.AResource(rh, rr); err != nil {
			return nil
		}
	}

	msg, err := b.Finish()
	if err != nil {
		return nil
	}
	return msg
}
