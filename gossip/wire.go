package gossip

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spfbl-go/spfbl/reputation"
	"github.com/spfbl-go/spfbl/token"
)

// macSize is the length of the HMAC-SHA256 prepended to every packet.
const macSize = sha256.Size

// deltaWire is the wire form of a (token, distribution|null) push (spec.md
// section 4.7). Only the fields Store.ApplyDelta actually reads are
// carried; encoding/json is used rather than a binary codec since the
// payload is small, not performance sensitive, and the teacher's own CLI
// (main.go) already reaches for encoding/json for comparable ad hoc
// structures.
type deltaWire struct {
	Token      string `json:"t"`
	Drop       bool   `json:"x,omitempty"`
	Complaints int64  `json:"c,omitempty"`
	LastUnix   int64  `json:"l,omitempty"`
}

func encodeDelta(t token.Token, d *reputation.Distribution) []byte {
	w := deltaWire{Token: string(t)}
	if d == nil {
		w.Drop = true
	} else {
		w.Complaints = d.Complaints
		if !d.LastComplaint.IsZero() {
			w.LastUnix = d.LastComplaint.Unix()
		}
	}
	b, err := json.Marshal(w)
	if err != nil {
		// w holds only strings/ints/bools; Marshal cannot fail on it.
		panic(err)
	}
	return b
}

func decodeDelta(payload []byte) (token.Token, *reputation.Distribution, error) {
	var w deltaWire
	if err := json.Unmarshal(payload, &w); err != nil {
		return "", nil, fmt.Errorf("gossip: decode: %w", err)
	}
	if w.Token == "" {
		return "", nil, fmt.Errorf("gossip: decode: empty token")
	}
	t := token.Token(w.Token)
	if w.Drop {
		return t, nil, nil
	}
	var last time.Time
	if w.LastUnix != 0 {
		last = time.Unix(w.LastUnix, 0)
	}
	return t, reputation.PeerSnapshot(t, w.Complaints, last), nil
}

// macFor derives a per-peer MAC key by hashing secret with peer's address
// (config.GossipListener.Secret's documented "hashed with the
// sending/receiving peer address to produce a per-peer MAC key"), then MACs
// payload with it, mirroring the teacher's subjectpass.Generate HMAC
// construction (crypto/hmac + sha256, base-address-bound key material).
func macFor(secret []byte, peer string, payload []byte) []byte {
	keyMac := hmac.New(sha256.New, secret)
	keyMac.Write([]byte(peer))
	key := keyMac.Sum(nil)

	mac := hmac.New(sha256.New, key)
	mac.Write(payload)
	return mac.Sum(nil)
}

func hmacEqual(a, b []byte) bool {
	return hmac.Equal(a, b)
}
