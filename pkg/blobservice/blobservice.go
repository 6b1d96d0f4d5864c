// Package blobservice implements the chunked, content-addressed blob
// store: FastCDC-based content-defined chunking, BLAKE3 verification,
// zstd at-rest compression, and streaming reader/writer interfaces, all
// backed by an arbitrary gocloud.dev/blob bucket (mem://, file://, s3://,
// ...).
package blobservice

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"code.tvl.fyi/tvix/castorefs/pkg/castorev1"
	"github.com/cenkalti/backoff/v4"
	"github.com/klauspost/compress/zstd"
	log "github.com/sirupsen/logrus"
	"gocloud.dev/blob"
)

// Default chunking parameters: FastCDC is configured with
// (min=avg/2, avg, max=avg*2).
const DefaultAvgChunkSize = 256 * 1024

// ChunkEntry is one (digest, size) tuple of a blob index.
type ChunkEntry struct {
	Digest castorev1.B3Digest
	Size   uint64
}

// ErrChunkContentsInvalid is returned when a fetched chunk's BLAKE3 does
// not match the digest it was stored under.
var ErrChunkContentsInvalid = errors.New("blobservice: chunk contents do not match expected digest")

// Service is the chunked blob store.
type Service struct {
	bucket       *blob.Bucket
	avgChunkSize int
}

// New wraps an already-opened bucket as a blob Service.
func New(bucket *blob.Bucket, avgChunkSize int) *Service {
	if avgChunkSize <= 0 {
		avgChunkSize = DefaultAvgChunkSize
	}
	return &Service{bucket: bucket, avgChunkSize: avgChunkSize}
}

func chunkKey(digest castorev1.B3Digest) string {
	hex := digest.String()
	return fmt.Sprintf("chunks/b3/%s/%s", hex[0:2], hex)
}

func blobKey(digest castorev1.B3Digest) string {
	hex := digest.String()
	return fmt.Sprintf("blobs/b3/%s/%s", hex[0:2], hex)
}

// Has reports whether digest is present, either as a single chunk or as a
// blob index.
func (s *Service) Has(ctx context.Context, digest castorev1.B3Digest) (bool, error) {
	if digest == emptyDigest {
		return true, nil
	}
	ok, err := s.exists(ctx, chunkKey(digest))
	if err != nil {
		return false, err
	}
	if ok {
		return true, nil
	}
	return s.exists(ctx, blobKey(digest))
}

func (s *Service) exists(ctx context.Context, key string) (bool, error) {
	var ok bool
	err := withRetry(ctx, func() error {
		var err error
		ok, err = s.bucket.Exists(ctx, key)
		return err
	})
	return ok, err
}

var emptyDigest = castorev1.SumB3(nil)

// emptyReader is returned for the empty blob without touching the
// backend.
type emptyReader struct{}

func (emptyReader) Read([]byte) (int, error) { return 0, io.EOF }
func (emptyReader) Close() error             { return nil }
func (emptyReader) Seek(offset int64, whence int) (int64, error) {
	if offset != 0 {
		return 0, fmt.Errorf("blobservice: seek out of range on empty blob")
	}
	return 0, nil
}

// Reader is a seekable, closeable reader over a blob's bytes.
type Reader interface {
	io.Reader
	io.Seeker
	io.Closer
}

// Open returns a seekable reader over the blob's bytes, or (nil, false)
// if it doesn't exist. It first tries the single-chunk fast path, then
// falls back to the blob-index + ChunkedReader path.
func (s *Service) Open(ctx context.Context, digest castorev1.B3Digest) (Reader, bool, error) {
	if digest == emptyDigest {
		return emptyReader{}, true, nil
	}

	chunkKey := chunkKey(digest)
	if ok, err := s.exists(ctx, chunkKey); err != nil {
		return nil, false, err
	} else if ok {
		data, err := s.getCompressed(ctx, chunkKey)
		if err != nil {
			return nil, false, err
		}
		if castorev1.SumB3(data) != digest {
			return nil, false, ErrChunkContentsInvalid
		}
		return &bytesReader{Reader: bytes.NewReader(data)}, true, nil
	}

	chunks, ok, err := s.Chunks(ctx, digest)
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}
	return NewChunkedReader(s, chunks), true, nil
}

type bytesReader struct{ *bytes.Reader }

func (bytesReader) Close() error { return nil }

// Chunks returns the blob's chunk list. An empty, non-nil slice means the
// blob is stored as a single chunk equal to the blob digest (with (false,
// nil) reserved for "absent").
func (s *Service) Chunks(ctx context.Context, digest castorev1.B3Digest) ([]ChunkEntry, bool, error) {
	if digest == emptyDigest {
		return []ChunkEntry{}, true, nil
	}

	key := blobKey(digest)
	ok, err := s.exists(ctx, key)
	if err != nil {
		return nil, false, err
	}
	if !ok {
		// Might still be the single-chunk case.
		if ok, err := s.exists(ctx, chunkKey(digest)); err != nil {
			return nil, false, err
		} else if ok {
			return []ChunkEntry{}, true, nil
		}
		return nil, false, nil
	}

	raw, err := s.getRaw(ctx, key)
	if err != nil {
		return nil, false, err
	}
	return unmarshalBlobIndex(raw)
}

func (s *Service) getCompressed(ctx context.Context, key string) ([]byte, error) {
	var compressed []byte
	err := withRetry(ctx, func() error {
		var err error
		compressed, err = s.bucket.ReadAll(ctx, key)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("blobservice: unable to read %s: %w", key, err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	defer dec.Close()
	return dec.DecodeAll(compressed, nil)
}

func (s *Service) getRaw(ctx context.Context, key string) ([]byte, error) {
	var data []byte
	err := withRetry(ctx, func() error {
		var err error
		data, err = s.bucket.ReadAll(ctx, key)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("blobservice: unable to read %s: %w", key, err)
	}
	return data, nil
}

func (s *Service) putIfAbsent(ctx context.Context, key string, data []byte) error {
	exists, err := s.exists(ctx, key)
	if err != nil {
		return err
	}
	if exists {
		// Content-addressed: last writer wins, but since the content is
		// identical there is nothing to redo.
		return nil
	}
	return withRetry(ctx, func() error {
		return s.bucket.WriteAll(ctx, key, data, nil)
	})
}

// withRetry wraps transient bucket I/O with a bounded exponential
// backoff. It never retries successful "not found" outcomes, only
// genuine transport errors bubbling out of the bucket operation.
func withRetry(ctx context.Context, op func() error) error {
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 4), ctx)
	return backoff.Retry(func() error {
		err := op()
		if err != nil {
			log.WithError(err).Debug("blobservice: transient storage error, retrying")
		}
		return err
	}, b)
}
