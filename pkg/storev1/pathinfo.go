// Package storev1 binds store-path basenames to root nodes and NAR
// metadata (PathInfo), and knows how to export a root node back into NAR
// form.
package storev1

import (
	"bytes"
	"crypto/sha256"
	"fmt"

	"code.tvl.fyi/tvix/castorefs/pkg/castorev1"
	"github.com/nix-community/go-nix/pkg/storepath"
)

// Signature is a single detached narinfo signature (name + base64 data).
// The core stores and round-trips these but never verifies them.
type Signature struct {
	Name string
	Data []byte
}

// NARInfo carries the NAR-specific metadata a PathInfo attaches to its
// root node: the size and digest of the NAR serialization, the store
// paths it references, and optional signatures.
type NARInfo struct {
	NarSize        uint64
	NarSha256      []byte
	ReferenceNames []string
	Signatures     []Signature
	Deriver        *storepath.StorePath
	CA             *ContentAddress
}

// ContentAddressMethod distinguishes the two ways a PathInfo's contents
// can be content-addressed.
type ContentAddressMethod int

const (
	// CAFlat is the content address of a single file's plain bytes.
	CAFlat ContentAddressMethod = iota
	// CANar is the content address of a NAR serialization.
	CANar
)

// ContentAddress is the optional content-addressing metadata of a
// PathInfo, when the store path's hash was derived directly from content
// rather than from a derivation.
type ContentAddress struct {
	Method ContentAddressMethod
	Hash   castorev1.B3Digest
}

// PathInfo binds a store-path basename (encoded in Node's name) to a root
// node plus NAR metadata.
type PathInfo struct {
	Node       *castorev1.Node
	References [][]byte
	Narinfo    *NARInfo
}

// Validate checks that References are well-formed store-path digests and
// that Narinfo, if present, carries a correctly sized NarSha256, returning
// the parsed StorePath of the root node on success.
func (p *PathInfo) Validate() (*storepath.StorePath, error) {
	for i, reference := range p.References {
		if len(reference) != storepath.PathHashSize {
			return nil, fmt.Errorf("invalid length of digest at position %d, expected %d, got %d", i, storepath.PathHashSize, len(reference))
		}
	}

	if ni := p.Narinfo; ni != nil {
		if len(ni.NarSha256) != sha256.Size {
			return nil, fmt.Errorf("invalid number of bytes for NarSha256: expected %d, got %d", sha256.Size, len(ni.NarSha256))
		}

		if len(ni.ReferenceNames) != len(p.References) {
			return nil, fmt.Errorf("inconsistent number of references: %d (references) vs %d (narinfo)", len(ni.ReferenceNames), len(p.References))
		}

		for i, referenceName := range ni.ReferenceNames {
			sp, err := storepath.FromString(referenceName)
			if err != nil {
				return nil, fmt.Errorf("invalid reference name at position %d: %w", i, err)
			}
			if !bytes.Equal(p.References[i], sp.Digest) {
				return nil, fmt.Errorf("digest in reference name at position %d does not match digest in PathInfo", i)
			}
		}

		if ni.Deriver != nil {
			if err := ni.Deriver.Validate(); err != nil {
				return nil, fmt.Errorf("invalid deriver field: %w", err)
			}
		}
	}

	if p.Node == nil {
		return nil, fmt.Errorf("root node must be set")
	}
	if err := p.Node.Validate(); err != nil {
		return nil, fmt.Errorf("root node failed validation: %w", err)
	}

	storePath, err := storepath.FromString(string(p.Node.Name()))
	if err != nil {
		return nil, fmt.Errorf("unable to parse root node name %s as store path: %w", p.Node.Name(), err)
	}

	// The root node's name must parse as a store-path basename (above);
	// a directory or file root must also carry a digest of exactly
	// DigestLength bytes. A file root's size is not checked here.
	switch {
	case p.Node.Directory != nil:
		if len(p.Node.Directory.Digest) != castorev1.DigestLength {
			return nil, fmt.Errorf("directory root node has invalid digest length")
		}
	case p.Node.File != nil:
		if len(p.Node.File.Digest) != castorev1.DigestLength {
			return nil, fmt.Errorf("file root node has invalid digest length")
		}
	}

	return storePath, nil
}
