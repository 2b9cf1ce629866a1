// Package integrity computes and checks BLAKE3 digests of ingested bytes.
package integrity

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/zeebo/blake3"
)

// ErrMismatch is wrapped when a computed digest differs from the expected one.
var ErrMismatch = errors.New("integrity hash mismatch")

// Digest accumulates a BLAKE3 hash over sequential writes.
type Digest struct {
	h *blake3.Hasher
	n uint64
}

// New returns an empty digest.
func New() *Digest { return &Digest{h: blake3.New()} }

// Write adds p to the hash. It never fails.
func (d *Digest) Write(p []byte) (int, error) {
	d.n += uint64(len(p))
	return d.h.Write(p)
}

// Bytes returns how many bytes have been hashed.
func (d *Digest) Bytes() uint64 { return d.n }

// Hex returns the lowercase hex digest of everything written so far.
func (d *Digest) Hex() string { return hex.EncodeToString(d.h.Sum(nil)) }

// Sum returns the hex BLAKE3 digest of data.
func Sum(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Normalize strips an optional "blake3:" prefix and lowercases the digest.
func Normalize(expected string) string {
	s := strings.ToLower(strings.TrimSpace(expected))
	return strings.TrimPrefix(s, "blake3:")
}

// Validate reports whether expected looks like a BLAKE3-256 hex digest.
func Validate(expected string) error {
	s := Normalize(expected)
	if len(s) != 64 {
		return fmt.Errorf("hash must be 64 hex characters, got %d", len(s))
	}
	if _, err := hex.DecodeString(s); err != nil {
		return fmt.Errorf("hash is not hex: %w", err)
	}
	return nil
}

// Verify compares an expected digest with an actual one.
func Verify(expected, actual string) error {
	if Normalize(expected) != Normalize(actual) {
		return fmt.Errorf("%w: expected %s, got %s", ErrMismatch, Normalize(expected), Normalize(actual))
	}
	return nil
}
