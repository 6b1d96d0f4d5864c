package directoryservice

import (
	"context"
	"testing"

	"code.tvl.fyi/tvix/castorefs/pkg/castorev1"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocloud.dev/blob/memblob"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	bucket := memblob.OpenBucket(nil)
	t.Cleanup(func() { bucket.Close() })
	return New(bucket)
}

func emptyDirDigest() castorev1.B3Digest {
	return (&castorev1.Directory{}).Digest()
}

func TestPutGetRoundtrip(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	empty := &castorev1.Directory{}
	emptyDigest, err := s.Put(ctx, empty)
	require.NoError(t, err)
	assert.Equal(t, emptyDirDigest(), emptyDigest)

	root := &castorev1.Directory{
		Directories: []*castorev1.DirectoryNode{
			{Name: []byte("keep"), Digest: emptyDigest.Bytes(), Size: empty.Size()},
		},
	}
	rootDigest, err := s.Put(ctx, root)
	require.NoError(t, err)

	got, ok, err := s.Get(ctx, rootDigest)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, root, got)
}

func TestGetAbsent(t *testing.T) {
	s := newTestService(t)
	_, ok, err := s.Get(context.Background(), castorev1.SumB3([]byte("nope")))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPutRejectsInvalidDirectory(t *testing.T) {
	s := newTestService(t)
	bad := &castorev1.Directory{
		Files: []*castorev1.FileNode{
			{Name: []byte("b"), Digest: make([]byte, castorev1.DigestLength)},
			{Name: []byte("a"), Digest: make([]byte, castorev1.DigestLength)},
		},
	}
	_, err := s.Put(context.Background(), bad)
	assert.Error(t, err)
}

func TestGetRecursive(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	leaf := &castorev1.Directory{}
	leafDigest, err := s.Put(ctx, leaf)
	require.NoError(t, err)

	root := &castorev1.Directory{
		Directories: []*castorev1.DirectoryNode{
			{Name: []byte("a"), Digest: leafDigest.Bytes(), Size: leaf.Size()},
		},
	}
	rootDigest, err := s.Put(ctx, root)
	require.NoError(t, err)

	g := s.GetRecursive(ctx, rootDigest)

	var got []*castorev1.Directory
	for {
		d, ok := g.Next()
		if !ok {
			break
		}
		got = append(got, d)
	}
	require.NoError(t, g.Err())
	require.Len(t, got, 2)
	assert.Equal(t, root, got[0])
	assert.Equal(t, leaf, got[1])
}

func TestPutterLeavesFirst(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	p := s.PutMultipleStart(ctx)

	leaf := &castorev1.Directory{}
	require.NoError(t, p.Put(leaf))

	root := &castorev1.Directory{
		Directories: []*castorev1.DirectoryNode{
			{Name: []byte("a"), Digest: leaf.Digest().Bytes(), Size: leaf.Size()},
		},
	}
	require.NoError(t, p.Put(root))

	digest, err := p.Close()
	require.NoError(t, err)
	assert.Equal(t, root.Digest(), digest)

	got, ok, err := s.Get(ctx, digest)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, root, got)
}

func TestPutterRejectsOutOfOrder(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	p := s.PutMultipleStart(ctx)

	leaf := &castorev1.Directory{}
	root := &castorev1.Directory{
		Directories: []*castorev1.DirectoryNode{
			{Name: []byte("a"), Digest: leaf.Digest().Bytes(), Size: leaf.Size()},
		},
	}

	err := p.Put(root)
	assert.ErrorIs(t, err, ErrPutterClosedByPeer)
	assert.True(t, p.IsClosed())
}

func TestPutterAlreadyClosed(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	p := s.PutMultipleStart(ctx)
	require.NoError(t, p.Put(&castorev1.Directory{}))
	_, err := p.Close()
	require.NoError(t, err)

	err = p.Put(&castorev1.Directory{})
	assert.ErrorIs(t, err, ErrPutterAlreadyClosed)

	_, err = p.Close()
	assert.ErrorIs(t, err, ErrPutterAlreadyClosed)
}
