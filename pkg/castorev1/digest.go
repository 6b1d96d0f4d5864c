// Package castorev1 implements the digest, node and directory types of the
// content-addressed store (castore): the data model shared by the blob,
// directory and PathInfo services.
package castorev1

import (
	"encoding/hex"
	"fmt"
)

// DigestLength is the size in bytes of a B3Digest.
const DigestLength = 32

// B3Digest is the BLAKE3 digest of some byte sequence: a chunk, a blob or a
// directory's canonical encoding. It is always exactly 32 bytes.
type B3Digest [DigestLength]byte

// ErrInvalidDigestLength is returned when constructing a B3Digest from a
// byte slice that isn't exactly DigestLength bytes long.
type ErrInvalidDigestLength struct {
	Got int
}

func (e ErrInvalidDigestLength) Error() string {
	return fmt.Sprintf("invalid digest length: expected %d bytes, got %d", DigestLength, e.Got)
}

// NewB3Digest constructs a B3Digest from a byte slice, failing if it isn't
// exactly DigestLength bytes.
func NewB3Digest(b []byte) (B3Digest, error) {
	var d B3Digest
	if len(b) != DigestLength {
		return d, ErrInvalidDigestLength{Got: len(b)}
	}
	copy(d[:], b)
	return d, nil
}

// Bytes returns the digest as a newly allocated byte slice.
func (d B3Digest) Bytes() []byte {
	b := make([]byte, DigestLength)
	copy(b, d[:])
	return b
}

// String renders the digest as lowercase hex.
func (d B3Digest) String() string {
	return hex.EncodeToString(d[:])
}

// IsEmpty reports whether d is the all-zero digest. It is not a special
// value on its own; the empty blob's digest is SumB3(nil), the BLAKE3
// of zero bytes.
func (d B3Digest) IsEmpty() bool {
	return d == B3Digest{}
}
