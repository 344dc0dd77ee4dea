// Package spfbld holds process-global state: the active configuration,
// shutdown coordination and small helpers shared by the listeners and
// background jobs started from the spfbld main package.
package spfbld

import (
	cryptorand "crypto/rand"
	"encoding/binary"
	"fmt"
	mathrand "math/rand"
)

// NewRand returns a new PRNG seeded with random bytes from crypto/rand. Used
// for jitter in background refresh/gossip scheduling, never for anything
// security-sensitive.
func NewRand() *mathrand.Rand {
	return mathrand.New(mathrand.NewSource(CryptoRandInt()))
}

// CryptoRandInt returns a cryptographically random number.
func CryptoRandInt() int64 {
	buf := make([]byte, 8)
	_, err := cryptorand.Read(buf)
	if err != nil {
		panic(fmt.Errorf("reading random bytes: %v", err))
	}
	return int64(binary.LittleEndian.Uint64(buf))
}
