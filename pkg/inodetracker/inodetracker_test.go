package inodetracker

import (
	"testing"

	"code.tvl.fyi/tvix/castorefs/pkg/castorev1"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegularDedup(t *testing.T) {
	tr := New()
	d := castorev1.SumB3([]byte("hello"))

	ino1 := tr.PutRegular(d, 5, false)
	ino2 := tr.PutRegular(d, 5, false)
	assert.Equal(t, ino1, ino2)

	other := tr.PutRegular(castorev1.SumB3([]byte("world")), 5, false)
	assert.NotEqual(t, ino1, other)
}

func TestSymlinkDedup(t *testing.T) {
	tr := New()
	ino1 := tr.PutSymlink([]byte("../target"))
	ino2 := tr.PutSymlink([]byte("../target"))
	assert.Equal(t, ino1, ino2)
}

func TestSparseNeverDowngradesPopulated(t *testing.T) {
	tr := New()
	leaf := &castorev1.Directory{}
	leafDigest := leaf.Digest()

	tr.PutSparseDirectory(leafDigest, leaf.Size())
	populatedIno, err := tr.UpgradeDirectory(leafDigest, func(d castorev1.B3Digest) (*castorev1.Directory, error) {
		return leaf, nil
	})
	require.NoError(t, err)

	data, ok := tr.Get(populatedIno)
	require.True(t, ok)
	assert.Equal(t, Populated, data.State)

	// A subsequent Sparse reference to the same digest must return the
	// same inode, still Populated.
	sparseIno := tr.PutSparseDirectory(leafDigest, leaf.Size())
	assert.Equal(t, populatedIno, sparseIno)

	data, ok = tr.Get(sparseIno)
	require.True(t, ok)
	assert.Equal(t, Populated, data.State)
}

func TestUpgradeDirectoryAllocatesChildren(t *testing.T) {
	tr := New()

	fileDigest := castorev1.SumB3([]byte("contents"))
	root := &castorev1.Directory{
		Files: []*castorev1.FileNode{
			{Name: []byte("a.txt"), Digest: fileDigest.Bytes(), Size: 8},
		},
	}
	rootDigest := root.Digest()

	ino := tr.PutSparseDirectory(rootDigest, root.Size())
	data, ok := tr.Get(ino)
	require.True(t, ok)
	assert.Equal(t, Sparse, data.State)

	upgraded, err := tr.UpgradeDirectory(rootDigest, func(d castorev1.B3Digest) (*castorev1.Directory, error) {
		assert.Equal(t, rootDigest, d)
		return root, nil
	})
	require.NoError(t, err)
	assert.Equal(t, ino, upgraded)

	data, ok = tr.Get(ino)
	require.True(t, ok)
	require.Equal(t, Populated, data.State)
	require.Len(t, data.Children, 1)

	childIno := data.Children[0].Ino
	fileIno := tr.PutRegular(fileDigest, 8, false)
	assert.Equal(t, fileIno, childIno)
}

func TestTwoIdenticalSubtreesAlias(t *testing.T) {
	tr := New()

	emptyFileDigest := castorev1.SumB3(nil)
	keep := &castorev1.Directory{
		Files: []*castorev1.FileNode{
			{Name: []byte(".keep"), Digest: emptyFileDigest.Bytes(), Size: 0},
		},
	}
	keepDigest := keep.Digest()

	root := &castorev1.Directory{
		Directories: []*castorev1.DirectoryNode{
			{Name: []byte("keep"), Digest: keepDigest.Bytes(), Size: keep.Size()},
		},
		Files: []*castorev1.FileNode{
			{Name: []byte(".keep"), Digest: emptyFileDigest.Bytes(), Size: 0},
		},
	}
	rootDigest := root.Digest()

	fetch := func(d castorev1.B3Digest) (*castorev1.Directory, error) {
		if d == keepDigest {
			return keep, nil
		}
		return root, nil
	}

	rootIno := tr.PutSparseDirectory(rootDigest, root.Size())
	upgradedRoot, err := tr.UpgradeDirectory(rootDigest, fetch)
	require.NoError(t, err)
	assert.Equal(t, rootIno, upgradedRoot)

	data, ok := tr.Get(rootIno)
	require.True(t, ok)

	var subdirIno Ino
	var rootKeepFileIno Ino
	for _, c := range data.Children {
		if c.Node.Directory != nil {
			subdirIno = c.Ino
		}
		if c.Node.File != nil {
			rootKeepFileIno = c.Ino
		}
	}
	require.NotZero(t, subdirIno)
	require.NotZero(t, rootKeepFileIno)

	_, err = tr.UpgradeDirectory(keepDigest, fetch)
	require.NoError(t, err)

	subdirData, ok := tr.Get(subdirIno)
	require.True(t, ok)
	require.Len(t, subdirData.Children, 1)
	subdirFileIno := subdirData.Children[0].Ino

	// root/.keep and root/keep/.keep both reference the same empty-blob
	// file, so they must share an inode.
	assert.Equal(t, rootKeepFileIno, subdirFileIno)
}
