package blobservice

import (
	"context"
	"fmt"
	"io"

	"code.tvl.fyi/tvix/castorefs/pkg/castorev1"
	fastcdc "github.com/jotfs/fastcdc-go"
	"github.com/klauspost/compress/zstd"
)

// Writer is a streaming blob writer: bytes written to it are split into
// content-defined chunks as they arrive, each chunk independently
// BLAKE3-hashed, zstd-compressed and uploaded, and the resulting chunk
// list is only persisted as a blob index once Close succeeds.
type Writer struct {
	ctx context.Context
	s   *Service

	pw       *io.PipeWriter
	done     chan error
	digest   castorev1.B3Digest
	closed   bool
	closeErr error
}

// OpenWrite returns a Writer for streaming a new blob into the store.
// The blob only becomes visible to Has/Open/Chunks once Close returns
// without error.
func (s *Service) OpenWrite(ctx context.Context) *Writer {
	pr, pw := io.Pipe()
	w := &Writer{
		ctx:  ctx,
		s:    s,
		pw:   pw,
		done: make(chan error, 1),
	}

	go func() {
		w.done <- w.consume(pr)
	}()

	return w
}

func (w *Writer) Write(p []byte) (int, error) {
	return w.pw.Write(p)
}

// Close finalizes the blob: it waits for the chunker goroutine to drain,
// then (for multi-chunk blobs) uploads the blob index under the overall
// blob digest. It returns the blob's digest via Digest after a
// successful return. A second Close replays the same error (or nil) the
// first call returned, rather than silently reporting success.
func (w *Writer) Close() error {
	if w.closed {
		return w.closeErr
	}
	w.closed = true

	if err := w.pw.Close(); err != nil {
		w.closeErr = err
		return err
	}
	w.closeErr = <-w.done
	return w.closeErr
}

// Digest returns the digest of the fully-written blob. It is only valid
// after a successful Close.
func (w *Writer) Digest() castorev1.B3Digest {
	return w.digest
}

// consume runs in its own goroutine for the lifetime of the Writer: it
// reads from the pipe, feeds a FastCDC chunker, and uploads each chunk
// as soon as it's produced. The pipe provides backpressure so the
// producer can't run arbitrarily far ahead of the uploader.
func (w *Writer) consume(pr *io.PipeReader) error {
	opts := fastcdc.Options{
		AverageSize: w.s.avgChunkSize,
		MinSize:     w.s.avgChunkSize / 2,
		MaxSize:     w.s.avgChunkSize * 2,
	}
	chunker, err := fastcdc.NewChunker(pr, opts)
	if err != nil {
		pr.CloseWithError(err)
		return fmt.Errorf("blobservice: unable to initialize chunker: %w", err)
	}

	overall := castorev1.NewHashingWriter()
	var entries []ChunkEntry

	for {
		chunk, err := chunker.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			pr.CloseWithError(err)
			return fmt.Errorf("blobservice: chunking failed: %w", err)
		}

		if _, err := overall.Write(chunk.Data); err != nil {
			return err
		}

		digest := castorev1.SumB3(chunk.Data)
		if err := w.uploadChunk(digest, chunk.Data); err != nil {
			pr.CloseWithError(err)
			return err
		}
		entries = append(entries, ChunkEntry{Digest: digest, Size: uint64(len(chunk.Data))})
	}

	w.digest = overall.Digest()

	switch len(entries) {
	case 0:
		// Empty blob: nothing to persist, Has/Open special-case it.
	case 1:
		// Single-chunk fast path: the chunk is already stored keyed by
		// its own digest. If that digest also happens to equal the
		// overall blob digest (the common case for small blobs) no
		// further action is needed; store-level lookups fall back from
		// the blob index key to the chunk key for exactly this reason.
		if entries[0].Digest != w.digest {
			if err := w.uploadBlobIndex(w.digest, entries); err != nil {
				return err
			}
		}
	default:
		if err := w.uploadBlobIndex(w.digest, entries); err != nil {
			return err
		}
	}

	return nil
}

func (w *Writer) uploadChunk(digest castorev1.B3Digest, data []byte) error {
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return err
	}
	defer enc.Close()
	compressed := enc.EncodeAll(data, nil)
	return w.s.putIfAbsent(w.ctx, chunkKey(digest), compressed)
}

func (w *Writer) uploadBlobIndex(digest castorev1.B3Digest, entries []ChunkEntry) error {
	return w.s.putIfAbsent(w.ctx, blobKey(digest), marshalBlobIndex(entries))
}
