// Package ticket implements the ticket codec of spec.md component C8: a
// symmetrically-encrypted, URL-safe string binding a decision to its token
// set, so a later complaint can be attributed without a durable per-request
// record. Grounded on the signed-token shape of subjectpass.Generate/Verify
// (timestamp packed with the signed payload, URL-safe base64 output) but
// using authenticated encryption rather than a bare HMAC, since the ticket
// must carry the token set itself, not just attest to it.
package ticket

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/nacl/secretbox"

	"github.com/spfbl-go/spfbl/token"
)

// TTL is the maximum ticket age accepted by Decode (spec.md section 9,
// "TICKET_TTL=5d").
const TTL = 5 * 24 * time.Hour

var (
	ErrMalformed = errors.New("ticket: malformed")
	ErrExpired   = errors.New("ticket: expired")
)

const nonceSize = 24

// Codec encrypts and decrypts tickets with a single process-wide key
// (spec.md section 4.5, "symmetric-encrypt with a process-wide key").
type Codec struct {
	key [32]byte
}

// NewCodec returns a Codec using key, which must be kept stable across
// restarts: a changed key invalidates every outstanding ticket.
func NewCodec(key [32]byte) *Codec {
	return &Codec{key: key}
}

// Encode packs ts and tokens into the plaintext form
// "timestamp_base32 token1 token2 ..." (spec.md section 4.5) and seals it
// with secretbox, returning a URL-safe string.
func (c *Codec) Encode(ts time.Time, tokens []token.Token) (string, error) {
	parts := make([]string, 0, len(tokens)+1)
	parts = append(parts, strconv.FormatInt(ts.Unix(), 32))
	for _, t := range tokens {
		s := string(t)
		if strings.ContainsAny(s, " \n") {
			return "", fmt.Errorf("%w: token %q contains whitespace", ErrMalformed, s)
		}
		parts = append(parts, s)
	}
	plain := []byte(strings.Join(parts, " "))

	var nonce [nonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return "", fmt.Errorf("generating nonce: %w", err)
	}

	sealed := secretbox.Seal(nonce[:], plain, &nonce, &c.key)
	return base64.RawURLEncoding.EncodeToString(sealed), nil
}

// Decode reverses Encode, rejecting tickets older than TTL as of now.
func (c *Codec) Decode(s string, now time.Time) (ts time.Time, tokens []token.Token, err error) {
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return ts, nil, fmt.Errorf("%w: base64: %v", ErrMalformed, err)
	}
	if len(raw) < nonceSize {
		return ts, nil, fmt.Errorf("%w: too short", ErrMalformed)
	}

	var nonce [nonceSize]byte
	copy(nonce[:], raw[:nonceSize])
	plain, ok := secretbox.Open(nil, raw[nonceSize:], &nonce, &c.key)
	if !ok {
		return ts, nil, fmt.Errorf("%w: authentication failed", ErrMalformed)
	}

	fields := strings.Fields(string(plain))
	if len(fields) < 1 {
		return ts, nil, fmt.Errorf("%w: empty payload", ErrMalformed)
	}
	unix, err := strconv.ParseInt(fields[0], 32, 64)
	if err != nil {
		return ts, nil, fmt.Errorf("%w: timestamp: %v", ErrMalformed, err)
	}
	ts = time.Unix(unix, 0)
	if now.Sub(ts) > TTL {
		return ts, nil, ErrExpired
	}

	tokens = make([]token.Token, 0, len(fields)-1)
	for _, f := range fields[1:] {
		tokens = append(tokens, token.Token(f))
	}
	return ts, tokens, nil
}
