package ticket

import (
	"errors"
	"testing"
	"time"

	"github.com/spfbl-go/spfbl/token"
)

func testKey() [32]byte {
	var k [32]byte
	copy(k[:], []byte("0123456789abcdef0123456789abcdef"))
	return k
}

func TestRoundtrip(t *testing.T) {
	c := NewCodec(testKey())
	now := time.Unix(1700000000, 0)
	toks := []token.Token{token.Token("192.0.2.1"), token.Token("@example.com"), token.Recipient("user@example.org")}

	s, err := c.Encode(now, toks)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	gotTs, gotToks, err := c.Decode(s, now.Add(time.Minute))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !gotTs.Equal(now) {
		t.Fatalf("decoded timestamp = %v, want %v", gotTs, now)
	}
	if len(gotToks) != len(toks) {
		t.Fatalf("decoded %d tokens, want %d", len(gotToks), len(toks))
	}
	for i := range toks {
		if gotToks[i] != toks[i] {
			t.Fatalf("token %d = %q, want %q", i, gotToks[i], toks[i])
		}
	}
}

func TestExpired(t *testing.T) {
	c := NewCodec(testKey())
	now := time.Unix(1700000000, 0)
	s, err := c.Encode(now, []token.Token{token.Token("192.0.2.1")})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	_, _, err = c.Decode(s, now.Add(TTL+time.Second))
	if !errors.Is(err, ErrExpired) {
		t.Fatalf("Decode past TTL = %v, want ErrExpired", err)
	}
}

func TestBadKey(t *testing.T) {
	c1 := NewCodec(testKey())
	var otherKey [32]byte
	copy(otherKey[:], []byte("zzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzz"))
	c2 := NewCodec(otherKey)

	now := time.Unix(1700000000, 0)
	s, err := c1.Encode(now, []token.Token{token.Token("192.0.2.1")})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if _, _, err := c2.Decode(s, now); !errors.Is(err, ErrMalformed) {
		t.Fatalf("Decode with wrong key = %v, want ErrMalformed", err)
	}
}
