package blobservice

import (
	"context"
	"fmt"
	"io"
	"sort"

	"code.tvl.fyi/tvix/castorefs/pkg/castorev1"
)

// chunkedReader provides a seekable io.Reader over a blob stored as an
// ordered list of chunks, fetching (and verifying) chunks lazily as the
// read position crosses their boundaries.
type chunkedReader struct {
	ctx context.Context
	s   *Service

	chunks  []ChunkEntry
	offsets []uint64 // offsets[i] is the starting byte offset of chunks[i]
	size    uint64

	pos uint64

	curChunk int
	curData  []byte // decompressed, verified bytes of chunks[curChunk]
}

// NewChunkedReader returns a Reader over the concatenation of chunks,
// backed by s. Chunks are fetched and BLAKE3-verified on demand as Read
// crosses their boundaries.
func NewChunkedReader(s *Service, chunks []ChunkEntry) Reader {
	offsets := make([]uint64, len(chunks))
	var total uint64
	for i, c := range chunks {
		offsets[i] = total
		total += c.Size
	}
	return &chunkedReader{
		s:        s,
		ctx:      context.Background(),
		chunks:   chunks,
		offsets:  offsets,
		size:     total,
		curChunk: -1,
	}
}

func (r *chunkedReader) Read(p []byte) (int, error) {
	if r.pos >= r.size {
		return 0, io.EOF
	}

	chunkIdx := r.chunkForOffset(r.pos)
	if chunkIdx != r.curChunk {
		data, err := r.fetchChunk(chunkIdx)
		if err != nil {
			return 0, err
		}
		r.curData = data
		r.curChunk = chunkIdx
	}

	withinChunk := r.pos - r.offsets[chunkIdx]
	n := copy(p, r.curData[withinChunk:])
	r.pos += uint64(n)
	return n, nil
}

func (r *chunkedReader) Seek(offset int64, whence int) (int64, error) {
	var target int64
	switch whence {
	case io.SeekStart:
		target = offset
	case io.SeekCurrent:
		target = int64(r.pos) + offset
	case io.SeekEnd:
		target = int64(r.size) + offset
	default:
		return 0, fmt.Errorf("blobservice: invalid whence %d", whence)
	}
	if target < 0 {
		return 0, fmt.Errorf("blobservice: seek out of range")
	}
	// A target past size is allowed, matching io.Seeker's conventional
	// semantics (and os.File's): the error is deferred to the next Read,
	// which already returns io.EOF once pos >= size.
	r.pos = uint64(target)
	return target, nil
}

func (r *chunkedReader) Close() error {
	r.curData = nil
	return nil
}

// chunkForOffset returns the index of the chunk containing byte offset
// off, via binary search over the cumulative offset table.
func (r *chunkedReader) chunkForOffset(off uint64) int {
	return sort.Search(len(r.offsets), func(i int) bool {
		return r.offsets[i]+r.chunks[i].Size > off
	})
}

func (r *chunkedReader) fetchChunk(idx int) ([]byte, error) {
	digest := r.chunks[idx].Digest
	data, err := r.s.getCompressed(r.ctx, chunkKey(digest))
	if err != nil {
		return nil, err
	}
	if castorev1.SumB3(data) != digest {
		return nil, ErrChunkContentsInvalid
	}
	return data, nil
}
