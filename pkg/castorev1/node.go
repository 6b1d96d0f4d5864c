package castorev1

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Node is a tagged union of the three kinds of entries that can appear as a
// PathInfo's root, or as a child of a Directory: a directory, a regular
// file, or a symlink. Exactly one of Directory/File/Symlink is non-nil.
type Node struct {
	Directory *DirectoryNode
	File      *FileNode
	Symlink   *SymlinkNode
}

// Name returns the encoded name of whichever variant is set.
func (n *Node) Name() []byte {
	switch {
	case n.Directory != nil:
		return n.Directory.Name
	case n.File != nil:
		return n.File.Name
	case n.Symlink != nil:
		return n.Symlink.Name
	default:
		panic("castorev1: Node with no variant set")
	}
}

// Validate checks that exactly one variant is populated and that it passes
// its own Validate.
func (n *Node) Validate() error {
	set := 0
	if n.Directory != nil {
		set++
	}
	if n.File != nil {
		set++
	}
	if n.Symlink != nil {
		set++
	}
	if set != 1 {
		return fmt.Errorf("node must have exactly one variant set, got %d", set)
	}

	switch {
	case n.Directory != nil:
		return validateNodeName(n.Directory.Name)
	case n.File != nil:
		if len(n.File.Digest) != DigestLength {
			return fmt.Errorf("invalid digest length: expected %d, got %d", DigestLength, len(n.File.Digest))
		}
		return validateNodeName(n.File.Name)
	case n.Symlink != nil:
		return validateSymlinkNode(n.Symlink)
	}
	panic("unreachable")
}

// Renamed returns a copy of n with its name (whichever variant holds it)
// replaced by name. Used to bind a freshly-imported root node to the
// store-path basename it was ingested under.
func Renamed(n *Node, name string) *Node {
	switch {
	case n.Directory != nil:
		return &Node{Directory: &DirectoryNode{
			Name:   []byte(name),
			Digest: n.Directory.Digest,
			Size:   n.Directory.Size,
		}}
	case n.File != nil:
		return &Node{File: &FileNode{
			Name:       []byte(name),
			Digest:     n.File.Digest,
			Size:       n.File.Size,
			Executable: n.File.Executable,
		}}
	case n.Symlink != nil:
		return &Node{Symlink: &SymlinkNode{
			Name:   []byte(name),
			Target: n.Symlink.Target,
		}}
	default:
		panic("castorev1: Renamed called on Node with no variant set")
	}
}

// MarshalNode produces the canonical wire encoding of a standalone node
// (as opposed to one embedded as a Directory child): the same oneof
// shape, using the same field numbers as a Directory's child lists
// (directory=1, file=2, symlink=3), so it nests naturally wherever a
// PathInfo root node needs to be serialized.
func MarshalNode(n *Node) []byte {
	var b []byte
	switch {
	case n.Directory != nil:
		b = protowire.AppendTag(b, fieldDirectoryDirectories, protowire.BytesType)
		b = protowire.AppendBytes(b, marshalDirectoryNode(n.Directory))
	case n.File != nil:
		b = protowire.AppendTag(b, fieldDirectoryFiles, protowire.BytesType)
		b = protowire.AppendBytes(b, marshalFileNode(n.File))
	case n.Symlink != nil:
		b = protowire.AppendTag(b, fieldDirectorySymlinks, protowire.BytesType)
		b = protowire.AppendBytes(b, marshalSymlinkNode(n.Symlink))
	}
	return b
}

// UnmarshalNode parses the encoding produced by MarshalNode.
func UnmarshalNode(raw []byte) (*Node, error) {
	n := &Node{}
	for len(raw) > 0 {
		num, typ, consumed := protowire.ConsumeTag(raw)
		if consumed < 0 {
			return nil, fmt.Errorf("invalid node encoding: %w", protowire.ParseError(consumed))
		}
		raw = raw[consumed:]

		if typ != protowire.BytesType {
			c := protowire.ConsumeFieldValue(num, typ, raw)
			if c < 0 {
				return nil, fmt.Errorf("invalid node encoding: %w", protowire.ParseError(c))
			}
			raw = raw[c:]
			continue
		}

		field, c := protowire.ConsumeBytes(raw)
		if c < 0 {
			return nil, fmt.Errorf("invalid node encoding: %w", protowire.ParseError(c))
		}
		raw = raw[c:]

		switch num {
		case fieldDirectoryDirectories:
			dn, err := unmarshalDirectoryNode(field)
			if err != nil {
				return nil, err
			}
			n.Directory = dn
		case fieldDirectoryFiles:
			fn, err := unmarshalFileNode(field)
			if err != nil {
				return nil, err
			}
			n.File = fn
		case fieldDirectorySymlinks:
			sn, err := unmarshalSymlinkNode(field)
			if err != nil {
				return nil, err
			}
			n.Symlink = sn
		}
	}
	return n, nil
}
