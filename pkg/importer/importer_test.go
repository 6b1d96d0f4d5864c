package importer_test

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"testing"

	"code.tvl.fyi/tvix/castorefs/pkg/blobservice"
	"code.tvl.fyi/tvix/castorefs/pkg/castorev1"
	"code.tvl.fyi/tvix/castorefs/pkg/directoryservice"
	"code.tvl.fyi/tvix/castorefs/pkg/importer"
	"code.tvl.fyi/tvix/castorefs/pkg/pathinfoservice"
	"github.com/nix-community/go-nix/pkg/nar"
	"github.com/stretchr/testify/require"
	"gocloud.dev/blob/memblob"
)

func newImporter(t *testing.T) *importer.Importer {
	t.Helper()
	im, _ := newImporterWithDirectories(t)
	return im
}

// newImporterWithDirectories additionally returns the directory service
// backing the importer, for tests that need to fetch and inspect the
// uploaded tree rather than just the returned root node.
func newImporterWithDirectories(t *testing.T) (*importer.Importer, *directoryservice.Service) {
	t.Helper()

	bucket := memblob.OpenBucket(nil)
	t.Cleanup(func() { _ = bucket.Close() })

	blobs := blobservice.New(bucket, 0)
	directories := directoryservice.New(bucket)
	pathInfos := pathinfoservice.New(bucket)

	return importer.New(blobs, directories, pathInfos), directories
}

// discoverHash runs ingest once with a hash that's certain to be wrong,
// recovers the actual content address from the resulting HashMismatch,
// and returns it. Used so these tests don't need a hand-computed BLAKE3
// constant for every fixture.
func discoverHash(t *testing.T, im *importer.Importer, body []byte, d importer.Descriptor) castorev1.B3Digest {
	t.Helper()
	d.WantedHash = castorev1.B3Digest{}
	_, _, err := im.Ingest(context.Background(), bytes.NewReader(body), d)
	var mismatch *importer.HashMismatch
	require.ErrorAs(t, err, &mismatch)
	return mismatch.Got
}

func TestIngestPlain(t *testing.T) {
	im := newImporter(t)
	body := []byte("hello, world\n")

	d := importer.Descriptor{URL: "file:///hello.txt", Name: "hello", Type: importer.Plain}
	d.WantedHash = discoverHash(t, im, body, d)

	basename, node, err := im.Ingest(context.Background(), bytes.NewReader(body), d)
	require.NoError(t, err)
	require.Contains(t, basename, "-hello")
	require.NotNil(t, node.File)
	require.Equal(t, uint64(len(body)), node.File.Size)
	require.False(t, node.File.Executable)
}

func TestIngestPlainHashMismatch(t *testing.T) {
	im := newImporter(t)
	body := []byte("hello, world\n")

	d := importer.Descriptor{URL: "file:///hello.txt", Name: "hello", Type: importer.Plain}
	_, _, err := im.Ingest(context.Background(), bytes.NewReader(body), d)

	var mismatch *importer.HashMismatch
	require.ErrorAs(t, err, &mismatch)
}

func TestIngestExecutableSetsBit(t *testing.T) {
	im := newImporter(t)
	body := []byte("#!/bin/sh\necho hi\n")

	d := importer.Descriptor{URL: "file:///run.sh", Name: "run", Type: importer.Executable}
	d.WantedHash = discoverHash(t, im, body, d)

	_, node, err := im.Ingest(context.Background(), bytes.NewReader(body), d)
	require.NoError(t, err)
	require.NotNil(t, node.File)
	require.True(t, node.File.Executable)
}

func buildNAR(t *testing.T, write func(w *nar.Writer)) []byte {
	t.Helper()
	var buf bytes.Buffer
	w, err := nar.NewWriter(&buf)
	require.NoError(t, err)
	write(w)
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func TestIngestNARSingleFile(t *testing.T) {
	im := newImporter(t)
	content := []byte{0xAA, 0xBB, 0xCC}

	body := buildNAR(t, func(w *nar.Writer) {
		require.NoError(t, w.WriteHeader(&nar.Header{Path: "/", Type: nar.TypeRegular, Size: int64(len(content))}))
		_, err := w.Write(content)
		require.NoError(t, err)
	})

	d := importer.Descriptor{URL: "file:///blob.bin", Name: "blob", Type: importer.NAR}
	d.WantedHash = discoverHash(t, im, body, d)

	basename, node, err := im.Ingest(context.Background(), bytes.NewReader(body), d)
	require.NoError(t, err)
	require.Contains(t, basename, "-blob")
	require.NotNil(t, node.File)
	require.Equal(t, uint64(len(content)), node.File.Size)
}

func TestIngestNARTree(t *testing.T) {
	im := newImporter(t)

	body := buildNAR(t, func(w *nar.Writer) {
		require.NoError(t, w.WriteHeader(&nar.Header{Path: "/", Type: nar.TypeDirectory}))
		require.NoError(t, w.WriteHeader(&nar.Header{Path: "/README", Type: nar.TypeSymlink, LinkTarget: "bin/hello"}))
		require.NoError(t, w.WriteHeader(&nar.Header{Path: "/bin", Type: nar.TypeDirectory}))
		require.NoError(t, w.WriteHeader(&nar.Header{Path: "/bin/hello", Type: nar.TypeRegular, Size: 5, Executable: true}))
		_, err := w.Write([]byte("howdy"))
		require.NoError(t, err)
	})

	d := importer.Descriptor{URL: "file:///tree.nar", Name: "tree", Type: importer.NAR}
	d.WantedHash = discoverHash(t, im, body, d)

	basename, node, err := im.Ingest(context.Background(), bytes.NewReader(body), d)
	require.NoError(t, err)
	require.Contains(t, basename, "-tree")
	require.NotNil(t, node.Directory)
}

func buildTarball(t *testing.T, write func(w *tar.Writer)) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := tar.NewWriter(&buf)
	write(w)
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func TestIngestTarballStripsComponent(t *testing.T) {
	im := newImporter(t)
	content := []byte("package main\n")

	body := buildTarball(t, func(w *tar.Writer) {
		require.NoError(t, w.WriteHeader(&tar.Header{Name: "pkg-1.0/", Typeflag: tar.TypeDir, Mode: 0o755}))
		require.NoError(t, w.WriteHeader(&tar.Header{Name: "pkg-1.0/main.go", Typeflag: tar.TypeReg, Size: int64(len(content)), Mode: 0o644}))
		_, err := w.Write(content)
		require.NoError(t, err)
	})

	d := importer.Descriptor{URL: "file:///pkg.tar", Name: "pkg", Type: importer.Tarball, StripComponents: 1}
	d.WantedHash = discoverHash(t, im, body, d)

	basename, node, err := im.Ingest(context.Background(), bytes.NewReader(body), d)
	require.NoError(t, err)
	require.Contains(t, basename, "-pkg")
	require.NotNil(t, node.Directory)
}

// TestIngestTarballTopLevelDirectory exercises a tarball whose single
// top-level entry (after stripping) is a directory with its own child
// directory, the shape that previously tied on slash-count-0 against the
// synthetic root path "" and could non-deterministically drop the
// subtree depending on map iteration order.
func TestIngestTarballTopLevelDirectory(t *testing.T) {
	im, directories := newImporterWithDirectories(t)
	content := []byte("#!/bin/sh\n")

	body := buildTarball(t, func(w *tar.Writer) {
		require.NoError(t, w.WriteHeader(&tar.Header{Name: "pkg-1.0/", Typeflag: tar.TypeDir, Mode: 0o755}))
		require.NoError(t, w.WriteHeader(&tar.Header{Name: "pkg-1.0/bin/", Typeflag: tar.TypeDir, Mode: 0o755}))
		require.NoError(t, w.WriteHeader(&tar.Header{Name: "pkg-1.0/bin/tool", Typeflag: tar.TypeReg, Size: int64(len(content)), Mode: 0o755}))
		_, err := w.Write(content)
		require.NoError(t, err)
	})

	d := importer.Descriptor{URL: "file:///pkg.tar", Name: "pkg", Type: importer.Tarball, StripComponents: 1}
	d.WantedHash = discoverHash(t, im, body, d)

	_, node, err := im.Ingest(context.Background(), bytes.NewReader(body), d)
	require.NoError(t, err)
	require.NotNil(t, node.Directory)

	rootDigest, err := castorev1.NewB3Digest(node.Directory.Digest)
	require.NoError(t, err)
	root, found, err := directories.Get(context.Background(), rootDigest)
	require.NoError(t, err)
	require.True(t, found)
	require.Len(t, root.Directories, 1, "root should contain the bin subdirectory, not be missing it due to a sibling ordering tie")
	require.Equal(t, []byte("bin"), root.Directories[0].Name)

	fileDigest := castorev1.SumB3(content)
	bin := &castorev1.Directory{
		Files: []*castorev1.FileNode{
			{Name: []byte("tool"), Digest: fileDigest.Bytes(), Size: uint64(len(content)), Executable: true},
		},
	}
	expectedRoot := &castorev1.Directory{
		Directories: []*castorev1.DirectoryNode{
			{Name: []byte("bin"), Digest: bin.Digest().Bytes(), Size: bin.Size()},
		},
	}
	require.Equal(t, expectedRoot.Digest(), rootDigest, "root digest should match a hand-built tree")
	require.Equal(t, bin.Digest().Bytes(), root.Directories[0].Digest)
}

func TestIngestTarballDefaultStripIsOne(t *testing.T) {
	im := newImporter(t)
	content := []byte("x")

	body := buildTarball(t, func(w *tar.Writer) {
		require.NoError(t, w.WriteHeader(&tar.Header{Name: "root/file.txt", Typeflag: tar.TypeReg, Size: 1, Mode: 0o644}))
		_, err := w.Write(content)
		require.NoError(t, err)
	})

	d := importer.Descriptor{URL: "file:///default-strip.tar", Name: "default-strip", Type: importer.Tarball}
	d.WantedHash = discoverHash(t, im, body, d)

	_, node, err := im.Ingest(context.Background(), bytes.NewReader(body), d)
	require.NoError(t, err)
	require.NotNil(t, node.Directory, "stripping the archive's single leading component should leave a directory tree, not the file itself")
}

func TestIngestUnknownTypeErrors(t *testing.T) {
	im := newImporter(t)
	d := importer.Descriptor{URL: "file:///x", Name: "x", Type: importer.Type(99)}
	_, _, err := im.Ingest(context.Background(), bytes.NewReader(nil), d)
	require.Error(t, err)
	require.False(t, errors.Is(err, importer.ErrIngestIO))
}
