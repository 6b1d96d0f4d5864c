package importer

import (
	"context"
	"fmt"
	"io"

	"code.tvl.fyi/tvix/castorefs/pkg/blobservice"
	"code.tvl.fyi/tvix/castorefs/pkg/castorev1"
	"code.tvl.fyi/tvix/castorefs/pkg/directoryservice"
	"code.tvl.fyi/tvix/castorefs/pkg/storev1"
)

// countingWriter counts bytes written to it without storing them.
type countingWriter struct{ n uint64 }

func (c *countingWriter) Write(p []byte) (int, error) {
	c.n += uint64(len(p))
	return len(p), nil
}

// exportHash synthesizes the canonical NAR serialization of node,
// resolving any blob reference against blobs, and returns its byte size
// and BLAKE3 digest without retaining the bytes themselves. node must
// not reference a subdirectory.
func exportHash(ctx context.Context, blobs *blobservice.Service, node *castorev1.Node) (uint64, castorev1.B3Digest, error) {
	return synthesizeNar(ctx, nil, blobs, node)
}

// synthesizeNarInfo is exportHash plus directory resolution, needed
// whenever node may reference a subdirectory tree. It returns the NAR
// byte size and the raw bytes of its BLAKE3 digest.
func synthesizeNarInfo(ctx context.Context, directories *directoryservice.Service, blobs *blobservice.Service, node *castorev1.Node) (uint64, []byte, error) {
	size, digest, err := synthesizeNar(ctx, directories, blobs, node)
	if err != nil {
		return 0, nil, err
	}
	return size, digest.Bytes(), nil
}

func synthesizeNar(ctx context.Context, directories *directoryservice.Service, blobs *blobservice.Service, node *castorev1.Node) (uint64, castorev1.B3Digest, error) {
	counter := &countingWriter{}
	hasher := castorev1.NewHashingWriter()
	w := io.MultiWriter(counter, hasher)

	directoryLookup := func(digest castorev1.B3Digest) (*castorev1.Directory, error) {
		if directories == nil {
			return nil, fmt.Errorf("importer: node references a directory but no directory service was given")
		}
		d, ok, err := directories.Get(ctx, digest)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("importer: directory %s referenced but not found", digest)
		}
		return d, nil
	}
	blobLookup := func(digest castorev1.B3Digest) (io.ReadCloser, error) {
		rdr, ok, err := blobs.Open(ctx, digest)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("importer: blob %s referenced but not found", digest)
		}
		return rdr, nil
	}

	if err := storev1.Export(w, node, directoryLookup, blobLookup); err != nil {
		return 0, castorev1.B3Digest{}, fmt.Errorf("importer: unable to synthesize NAR: %w", err)
	}

	return counter.n, hasher.Digest(), nil
}
