package relay

import (
	"math/rand/v2"
	"strings"
)

// CodeAlphabet is the set of characters a room code is drawn from.
const CodeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// DefaultCodeLength is the number of characters in a generated room code.
const DefaultCodeLength = 5

// CodeGenerator produces candidate room codes. Codes are shareable labels,
// not secrets, and are not guaranteed unique; the registry detects collisions.
type CodeGenerator interface {
	Next() string
}

// CodeFunc adapts a plain function into a CodeGenerator.
type CodeFunc func() string

// Next calls f.
func (f CodeFunc) Next() string { return f() }

// RandomCodes draws fixed-length codes from CodeAlphabet using a non-cryptographic PRNG.
type RandomCodes struct {
	length int
}

// NewRandomCodes returns a generator of codes with the given length.
// A non-positive length selects DefaultCodeLength.
func NewRandomCodes(length int) *RandomCodes {
	if length <= 0 {
		length = DefaultCodeLength
	}
	return &RandomCodes{length: length}
}

// Next returns a fresh code. Safe for concurrent use.
func (g *RandomCodes) Next() string {
	b := make([]byte, g.length)
	for i := range b {
		b[i] = CodeAlphabet[rand.IntN(len(CodeAlphabet))]
	}
	return string(b)
}

// NormalizeCode canonicalizes user-supplied room codes; matching is case-insensitive.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}
