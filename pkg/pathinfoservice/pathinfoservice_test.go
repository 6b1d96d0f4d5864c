package pathinfoservice

import (
	"context"
	"testing"

	"code.tvl.fyi/tvix/castorefs/pkg/castorev1"
	"code.tvl.fyi/tvix/castorefs/pkg/storev1"
	"github.com/nix-community/go-nix/pkg/storepath"
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

// a known-valid store-path basename, 32 nixbase32 chars + '-' + name.
const testBasename = "00bgd045z0d4icpbc2yyz4gx48ak44la-hello"

func testPathInfo(t *testing.T) *storev1.PathInfo {
	t.Helper()
	fileDigest := castorev1.SumB3([]byte("hello world"))
	return &storev1.PathInfo{
		Node: &castorev1.Node{
			File: &castorev1.FileNode{
				Name:   []byte(testBasename),
				Digest: fileDigest.Bytes(),
				Size:   11,
			},
		},
	}
}

func TestPutGetRoundtrip(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	pi := testPathInfo(t)
	stored, err := s.Put(ctx, pi)
	require.NoError(t, err)
	assert.Equal(t, pi, stored)

	sp, err := storepath.FromString(testBasename)
	require.NoError(t, err)

	var digestKey [storepath.PathHashSize]byte
	copy(digestKey[:], sp.Digest)

	got, ok, err := s.Get(ctx, digestKey)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, pi, got)
}

func TestGetAbsent(t *testing.T) {
	s := newTestService(t)
	var digestKey [storepath.PathHashSize]byte
	_, ok, err := s.Get(context.Background(), digestKey)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPutRejectsInvalid(t *testing.T) {
	s := newTestService(t)
	bad := &storev1.PathInfo{
		Node: &castorev1.Node{
			File: &castorev1.FileNode{Name: []byte("not-a-store-path"), Digest: make([]byte, castorev1.DigestLength)},
		},
	}
	_, err := s.Put(context.Background(), bad)
	assert.Error(t, err)
}

func TestList(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	pi := testPathInfo(t)
	_, err := s.Put(ctx, pi)
	require.NoError(t, err)

	all, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, pi, all[0])
}
