package blobservice

import (
	"bytes"
	"context"
	"crypto/rand"
	"io"
	"testing"

	"code.tvl.fyi/tvix/castorefs/pkg/castorev1"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocloud.dev/blob/memblob"
)

func newTestService(t *testing.T, avgChunkSize int) *Service {
	t.Helper()
	bucket := memblob.OpenBucket(nil)
	t.Cleanup(func() { bucket.Close() })
	return New(bucket, avgChunkSize)
}

func writeBlob(t *testing.T, s *Service, data []byte) castorev1.B3Digest {
	t.Helper()
	w := s.OpenWrite(context.Background())
	_, err := io.Copy(w, bytes.NewReader(data))
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return w.Digest()
}

func TestEmptyBlob(t *testing.T) {
	s := newTestService(t, DefaultAvgChunkSize)
	ctx := context.Background()

	digest := writeBlob(t, s, nil)
	assert.Equal(t, castorev1.SumB3(nil), digest)

	ok, err := s.Has(ctx, digest)
	require.NoError(t, err)
	assert.True(t, ok)

	r, ok, err := s.Open(ctx, digest)
	require.NoError(t, err)
	require.True(t, ok)
	defer r.Close()

	out, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestSmallBlobRoundtrip(t *testing.T) {
	s := newTestService(t, DefaultAvgChunkSize)
	ctx := context.Background()

	data := []byte("hello, tvix")
	digest := writeBlob(t, s, data)
	assert.Equal(t, castorev1.SumB3(data), digest)

	ok, err := s.Has(ctx, digest)
	require.NoError(t, err)
	assert.True(t, ok)

	r, ok, err := s.Open(ctx, digest)
	require.NoError(t, err)
	require.True(t, ok)
	defer r.Close()

	out, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, data, out)

	chunks, ok, err := s.Chunks(ctx, digest)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Empty(t, chunks)
}

func TestLargeBlobChunksAndSeeks(t *testing.T) {
	s := newTestService(t, 4*1024)
	ctx := context.Background()

	data := make([]byte, 512*1024)
	_, err := rand.Read(data)
	require.NoError(t, err)

	digest := writeBlob(t, s, data)
	assert.Equal(t, castorev1.SumB3(data), digest)

	chunks, ok, err := s.Chunks(ctx, digest)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Greater(t, len(chunks), 1)

	var total uint64
	for _, c := range chunks {
		total += c.Size
	}
	assert.EqualValues(t, len(data), total)

	r, ok, err := s.Open(ctx, digest)
	require.NoError(t, err)
	require.True(t, ok)
	defer r.Close()

	out, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(data, out))

	// Seek to an offset in the middle of the blob and verify the tail
	// read matches.
	mid := int64(len(data) / 2)
	off, err := r.Seek(mid, io.SeekStart)
	require.NoError(t, err)
	assert.Equal(t, mid, off)

	tail, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, data[mid:], tail)
}

func TestOpenAbsentBlob(t *testing.T) {
	s := newTestService(t, DefaultAvgChunkSize)
	ctx := context.Background()

	digest := castorev1.SumB3([]byte("nonexistent"))
	r, ok, err := s.Open(ctx, digest)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, r)
}

func TestBlobIndexRoundtrip(t *testing.T) {
	entries := []ChunkEntry{
		{Digest: castorev1.SumB3([]byte("a")), Size: 1},
		{Digest: castorev1.SumB3([]byte("bb")), Size: 2},
	}
	raw := marshalBlobIndex(entries)

	got, ok, err := unmarshalBlobIndex(raw)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, entries, got)
}
