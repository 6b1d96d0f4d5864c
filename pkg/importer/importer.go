// Package importer ingests fetch descriptors — URLs with an expected
// content-address hash and a format (plain, NAR, tarball, executable) —
// into the core's blob, directory and pathinfo services, producing a
// store-path basename computed from the content address.
package importer

import (
	"context"
	"errors"
	"fmt"
	"io"

	"code.tvl.fyi/tvix/castorefs/pkg/blobservice"
	"code.tvl.fyi/tvix/castorefs/pkg/castorev1"
	"code.tvl.fyi/tvix/castorefs/pkg/directoryservice"
	"code.tvl.fyi/tvix/castorefs/pkg/pathinfoservice"
	"code.tvl.fyi/tvix/castorefs/pkg/storev1"
)

// Type names the four fetch formats a Descriptor can carry.
type Type int

const (
	// Plain ingests the fetched bytes directly as a single blob; the CA
	// is Flat(hash-of-bytes).
	Plain Type = iota
	// NAR ingests the fetched bytes as a Nix Archive, materializing its
	// tree into the directory and blob services; the CA is
	// Nar(hash-of-bytes).
	NAR
	// Tarball ingests the fetched bytes as a tar archive, stripping
	// StripComponents leading path elements, then synthesizes a NAR over
	// the resulting tree to compute the CA.
	Tarball
	// Executable ingests the fetched bytes as a single blob, marks it
	// executable, and synthesizes a single-file NAR over it to compute
	// the CA.
	Executable
)

// Descriptor describes one fetch to ingest: where it notionally came
// from (for error messages only — this package never performs the HTTP
// fetch itself), what store-path name to mint, what CA hash the result
// must match, and how to interpret the bytes.
type Descriptor struct {
	URL             string
	Name            string
	WantedHash      castorev1.B3Digest
	Type            Type
	StripComponents int
}

// HashMismatch is returned when ingested content doesn't hash to the
// descriptor's WantedHash.
type HashMismatch struct {
	URL    string
	Wanted castorev1.B3Digest
	Got    castorev1.B3Digest
}

func (e *HashMismatch) Error() string {
	return fmt.Sprintf("importer: hash mismatch fetching %s: wanted %s, got %s", e.URL, e.Wanted, e.Got)
}

// ErrIngestIO wraps any I/O error reading from the fetch's source
// reader, distinguishing it from hashing/parsing/storage failures.
var ErrIngestIO = errors.New("importer: unable to read source")

// Importer ingests fetch descriptors against a fixed set of backing
// services.
type Importer struct {
	blobs       *blobservice.Service
	directories *directoryservice.Service
	pathInfos   *pathinfoservice.Service
}

// New constructs an Importer over the given services.
func New(blobs *blobservice.Service, directories *directoryservice.Service, pathInfos *pathinfoservice.Service) *Importer {
	return &Importer{blobs: blobs, directories: directories, pathInfos: pathInfos}
}

// Ingest reads r per d's Type, verifies its content address, stores a
// PathInfo under the resulting store-path basename, and returns that
// basename along with the root node.
func (im *Importer) Ingest(ctx context.Context, r io.Reader, d Descriptor) (string, *castorev1.Node, error) {
	var (
		node *castorev1.Node
		ca   storev1.ContentAddress
		err  error
	)

	switch d.Type {
	case Plain:
		node, ca, err = im.ingestPlain(ctx, r, d)
	case NAR:
		node, ca, err = im.ingestNAR(ctx, r, d)
	case Tarball:
		strip := d.StripComponents
		if strip == 0 {
			strip = 1
		}
		node, ca, err = im.ingestTarball(ctx, r, d, strip)
	case Executable:
		node, ca, err = im.ingestExecutable(ctx, r, d)
	default:
		return "", nil, fmt.Errorf("importer: unknown fetch type %d", d.Type)
	}
	if err != nil {
		return "", nil, err
	}

	basename, err := storePathForCA(d.Name, ca)
	if err != nil {
		return "", nil, fmt.Errorf("importer: unable to derive store path for %s: %w", d.URL, err)
	}

	namedNode := castorev1.Renamed(node, basename)

	narSize, narSha256, err := synthesizeNarInfo(ctx, im.directories, im.blobs, namedNode)
	if err != nil {
		return "", nil, fmt.Errorf("importer: unable to synthesize NAR metadata for %s: %w", d.URL, err)
	}

	pathInfo := &storev1.PathInfo{
		Node: namedNode,
		Narinfo: &storev1.NARInfo{
			NarSize:   narSize,
			NarSha256: narSha256,
			CA:        &ca,
		},
	}
	if _, err := im.pathInfos.Put(ctx, pathInfo); err != nil {
		return "", nil, fmt.Errorf("importer: unable to persist pathinfo for %s: %w", d.URL, err)
	}

	return basename, namedNode, nil
}

// ingestPlain streams r straight into a blob writer. Since a blob's
// digest is already the BLAKE3 of its raw bytes, no separate hash tap is
// needed: the writer's own digest serves as both the blob key and the CA
// hash.
func (im *Importer) ingestPlain(ctx context.Context, r io.Reader, d Descriptor) (*castorev1.Node, storev1.ContentAddress, error) {
	w := im.blobs.OpenWrite(ctx)
	n, copyErr := io.Copy(w, r)
	if copyErr != nil {
		_ = w.Close()
		return nil, storev1.ContentAddress{}, fmt.Errorf("%w: %v", ErrIngestIO, copyErr)
	}
	if err := w.Close(); err != nil {
		return nil, storev1.ContentAddress{}, fmt.Errorf("importer: unable to finalize blob: %w", err)
	}

	digest := w.Digest()
	if digest != d.WantedHash {
		return nil, storev1.ContentAddress{}, &HashMismatch{URL: d.URL, Wanted: d.WantedHash, Got: digest}
	}

	node := &castorev1.Node{File: &castorev1.FileNode{
		Name:   []byte(d.Name),
		Digest: digest.Bytes(),
		Size:   uint64(n),
	}}
	return node, storev1.ContentAddress{Method: storev1.CAFlat, Hash: digest}, nil
}

// ingestExecutable is ingestPlain plus the executable bit and a
// Nar(hash) content address computed over the single-file NAR
// synthesized from the stored blob, per spec ("ingest as a single-file
// NAR synthesized after the fact").
func (im *Importer) ingestExecutable(ctx context.Context, r io.Reader, d Descriptor) (*castorev1.Node, storev1.ContentAddress, error) {
	w := im.blobs.OpenWrite(ctx)
	n, copyErr := io.Copy(w, r)
	if copyErr != nil {
		_ = w.Close()
		return nil, storev1.ContentAddress{}, fmt.Errorf("%w: %v", ErrIngestIO, copyErr)
	}
	if err := w.Close(); err != nil {
		return nil, storev1.ContentAddress{}, fmt.Errorf("importer: unable to finalize blob: %w", err)
	}
	digest := w.Digest()

	node := &castorev1.Node{File: &castorev1.FileNode{
		Name:       []byte(d.Name),
		Digest:     digest.Bytes(),
		Size:       uint64(n),
		Executable: true,
	}}

	_, narDigest, err := exportHash(ctx, im.blobs, node)
	if err != nil {
		return nil, storev1.ContentAddress{}, err
	}
	if narDigest != d.WantedHash {
		return nil, storev1.ContentAddress{}, &HashMismatch{URL: d.URL, Wanted: d.WantedHash, Got: narDigest}
	}

	return node, storev1.ContentAddress{Method: storev1.CANar, Hash: narDigest}, nil
}
