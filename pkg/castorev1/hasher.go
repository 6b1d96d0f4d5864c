package castorev1

import (
	"errors"
	"fmt"
	"io"

	"lukechampine.com/blake3"
)

var _ io.Reader = &HashingReader{}

// HashingReader wraps an io.Reader, recording the BLAKE3 digest of every
// byte forwarded from the underlying reader. Once the underlying reader
// reaches EOF, Digest() returns the BLAKE3 of everything read so far.
//
// Computation is incremental: a single pass over the stream suffices, no
// buffering of the whole content is required.
type HashingReader struct {
	r         io.Reader
	h         *blake3.Hasher
	bytesRead uint64
}

// NewHashingReader wraps r with a BLAKE3-hashing tap.
func NewHashingReader(r io.Reader) *HashingReader {
	return &HashingReader{
		r: r,
		h: blake3.New(DigestLength, nil),
	}
}

func (h *HashingReader) Read(p []byte) (int, error) {
	n, rdErr := h.r.Read(p)

	// Write whatever bytes were actually read to the hash, regardless of
	// whether the underlying Read also returned an error.
	if n > 0 {
		nHash, hashErr := h.h.Write(p[:n])
		if hashErr != nil {
			return n, fmt.Errorf("hashing reader: unable to write to hash: %w", hashErr)
		}
		if nHash != n {
			return n, errors.New("hashing reader: hash did not accept the full write")
		}
		h.bytesRead += uint64(n)
	}

	if rdErr != nil {
		if errors.Is(rdErr, io.EOF) {
			return n, rdErr
		}
		return n, fmt.Errorf("hashing reader: error from underlying reader: %w", rdErr)
	}

	return n, nil
}

// BytesRead returns the number of bytes forwarded through the reader so far.
func (h *HashingReader) BytesRead() uint64 {
	return h.bytesRead
}

// Digest returns the BLAKE3 digest of all bytes read so far. It is only
// meaningful once the underlying reader has reached EOF.
func (h *HashingReader) Digest() B3Digest {
	var d B3Digest
	sum := h.h.Sum(nil)
	copy(d[:], sum)
	return d
}

var _ io.Writer = &HashingWriter{}

// HashingWriter accumulates a BLAKE3 digest over everything written to
// it, without forwarding the bytes anywhere. It's used on the writer
// side of blob ingestion, where chunks are hashed individually but the
// overall blob digest must also be tracked across all of them.
type HashingWriter struct {
	h *blake3.Hasher
}

// NewHashingWriter returns an empty HashingWriter.
func NewHashingWriter() *HashingWriter {
	return &HashingWriter{h: blake3.New(DigestLength, nil)}
}

func (h *HashingWriter) Write(p []byte) (int, error) {
	return h.h.Write(p)
}

// Digest returns the BLAKE3 digest of everything written so far.
func (h *HashingWriter) Digest() B3Digest {
	var d B3Digest
	copy(d[:], h.h.Sum(nil))
	return d
}

// SumB3 is a convenience helper returning the BLAKE3 digest of b directly.
func SumB3(b []byte) B3Digest {
	var d B3Digest
	h := blake3.New(DigestLength, nil)
	_, _ = h.Write(b)
	copy(d[:], h.Sum(nil))
	return d
}
