package castorev1_test

import (
	"testing"

	"code.tvl.fyi/tvix/castorefs/pkg/castorev1"
	"github.com/stretchr/testify/assert"
)

var dummyDigest = []byte{
	0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
	0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
	0x00, 0x00, 0x00, 0x00,
}

func TestDirectorySize(t *testing.T) {
	t.Run("empty", func(t *testing.T) {
		d := castorev1.Directory{}
		assert.Equal(t, uint64(0), d.Size())
	})

	t.Run("containing single empty directory", func(t *testing.T) {
		d := castorev1.Directory{
			Directories: []*castorev1.DirectoryNode{{Name: []byte("foo"), Digest: dummyDigest, Size: 0}},
		}
		assert.Equal(t, uint64(1), d.Size())
	})

	t.Run("containing single non-empty directory", func(t *testing.T) {
		d := castorev1.Directory{
			Directories: []*castorev1.DirectoryNode{{Name: []byte("foo"), Digest: dummyDigest, Size: 4}},
		}
		assert.Equal(t, uint64(5), d.Size())
	})

	t.Run("containing single file", func(t *testing.T) {
		d := castorev1.Directory{
			Files: []*castorev1.FileNode{{Name: []byte("foo"), Digest: dummyDigest, Size: 42}},
		}
		assert.Equal(t, uint64(1), d.Size())
	})

	t.Run("containing single symlink", func(t *testing.T) {
		d := castorev1.Directory{
			Symlinks: []*castorev1.SymlinkNode{{Name: []byte("foo"), Target: []byte("bar")}},
		}
		assert.Equal(t, uint64(1), d.Size())
	})
}

func TestDirectoryDigest(t *testing.T) {
	d := castorev1.Directory{}
	dgst := d.Digest()
	assert.Equal(t, "af1349b9f5f9a1a6a0404dea36dcc9499bcb25c9adc112b7cc9a93cae41f3262", dgst.String())
}

func TestDirectoryValidate(t *testing.T) {
	t.Run("empty", func(t *testing.T) {
		d := castorev1.Directory{}
		assert.NoError(t, d.Validate())
	})

	t.Run("invalid names", func(t *testing.T) {
		cases := []*castorev1.Directory{
			{Directories: []*castorev1.DirectoryNode{{Name: []byte{}, Digest: dummyDigest, Size: 42}}},
			{Directories: []*castorev1.DirectoryNode{{Name: []byte("."), Digest: dummyDigest, Size: 42}}},
			{Files: []*castorev1.FileNode{{Name: []byte(".."), Digest: dummyDigest, Size: 42}}},
			{Symlinks: []*castorev1.SymlinkNode{{Name: []byte("\x00"), Target: []byte("foo")}}},
			{Symlinks: []*castorev1.SymlinkNode{{Name: []byte("foo/bar"), Target: []byte("foo")}}},
		}
		for _, d := range cases {
			assert.ErrorContains(t, d.Validate(), "invalid node name")
		}
	})

	t.Run("invalid digest", func(t *testing.T) {
		d := castorev1.Directory{
			Directories: []*castorev1.DirectoryNode{{Name: []byte("foo"), Digest: nil, Size: 42}},
		}
		assert.ErrorContains(t, d.Validate(), "invalid digest length")
	})

	t.Run("invalid symlink targets", func(t *testing.T) {
		d1 := castorev1.Directory{Symlinks: []*castorev1.SymlinkNode{{Name: []byte("foo"), Target: []byte{}}}}
		assert.ErrorContains(t, d1.Validate(), "invalid symlink target")

		d2 := castorev1.Directory{Symlinks: []*castorev1.SymlinkNode{{Name: []byte("foo"), Target: []byte{0x66, 0x6f, 0x6f, 0}}}}
		assert.ErrorContains(t, d2.Validate(), "invalid symlink target")
	})

	t.Run("sorting", func(t *testing.T) {
		// "b" before "a": bad.
		d1 := castorev1.Directory{
			Directories: []*castorev1.DirectoryNode{
				{Name: []byte("b"), Digest: dummyDigest, Size: 42},
				{Name: []byte("a"), Digest: dummyDigest, Size: 42},
			},
		}
		assert.ErrorContains(t, d1.Validate(), "is not in sorted order")

		// "a" exists twice: bad.
		d2 := castorev1.Directory{
			Directories: []*castorev1.DirectoryNode{{Name: []byte("a"), Digest: dummyDigest, Size: 42}},
			Files:       []*castorev1.FileNode{{Name: []byte("a"), Digest: dummyDigest, Size: 42}},
		}
		assert.ErrorContains(t, d2.Validate(), "duplicate name")

		// "a" then "b": fine.
		d3 := castorev1.Directory{
			Directories: []*castorev1.DirectoryNode{
				{Name: []byte("a"), Digest: dummyDigest, Size: 42},
				{Name: []byte("b"), Digest: dummyDigest, Size: 42},
			},
		}
		assert.NoError(t, d3.Validate())

		// [b, c] directories and [a] symlinks are both properly sorted.
		d4 := castorev1.Directory{
			Directories: []*castorev1.DirectoryNode{
				{Name: []byte("b"), Digest: dummyDigest, Size: 42},
				{Name: []byte("c"), Digest: dummyDigest, Size: 42},
			},
			Symlinks: []*castorev1.SymlinkNode{{Name: []byte("a"), Target: []byte("foo")}},
		}
		assert.NoError(t, d4.Validate())
	})
}
