package wpcrypto

import (
	"crypto/sha256"
	"hash"
	"io"
)

// newHash is the single hash function RFC 8291 specifies for all HKDF
// operations in this stack.
func newHash() hash.Hash { return sha256.New() }

// readFullHKDF drains n bytes from an HKDF expand reader into out.
func readFullHKDF(r io.Reader, out []byte) (int, error) {
	return io.ReadFull(r, out)
}
