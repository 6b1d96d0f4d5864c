package castorev1

import (
	"bytes"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Wire field numbers, stable across the whole tvix ecosystem: these are
// not ours to pick, they mirror the protobuf schema this store's wire
// format is defined to be.
const (
	fieldDirectoryDirectories protowire.Number = 1
	fieldDirectoryFiles       protowire.Number = 2
	fieldDirectorySymlinks    protowire.Number = 3

	fieldNodeName       protowire.Number = 1
	fieldNodeDigest     protowire.Number = 2
	fieldNodeSize       protowire.Number = 3
	fieldFileExecutable protowire.Number = 4
	fieldSymlinkTarget  protowire.Number = 2
)

// DirectoryNode is a subdirectory child: a name, the digest of the child
// Directory, and that child's recursive size (a tree-weight, see Size).
type DirectoryNode struct {
	Name   []byte
	Digest []byte
	Size   uint64
}

// FileNode is a regular-file child: a name, the digest of its blob, the
// blob's size, and whether it's executable.
type FileNode struct {
	Name       []byte
	Digest     []byte
	Size       uint64
	Executable bool
}

// SymlinkNode is a symlink child: a name and its target bytes.
type SymlinkNode struct {
	Name   []byte
	Target []byte
}

// Directory is a Merkle-DAG node: three disjoint, name-sorted child lists.
type Directory struct {
	Directories []*DirectoryNode
	Files       []*FileNode
	Symlinks    []*SymlinkNode
}

// Size returns the directory's recursive size: the count of file and
// symlink children plus, for each subdirectory, one plus that
// subdirectory's recursive size. It is a tree-weight used to bound traversals, not a
// byte count.
func (d *Directory) Size() uint64 {
	size := uint64(len(d.Files) + len(d.Symlinks))
	for _, sub := range d.Directories {
		size += 1 + sub.Size
	}
	return size
}

// MarshalCanonical produces the deterministic, length-delimited wire
// encoding of d: fields in ascending field-number order, each repeated
// list emitted in the order it's stored in (callers are expected to have
// already sorted it per Validate). BLAKE3 of this encoding is the
// directory's digest.
func (d *Directory) MarshalCanonical() []byte {
	var b []byte
	for _, sub := range d.Directories {
		b = protowire.AppendTag(b, fieldDirectoryDirectories, protowire.BytesType)
		b = protowire.AppendBytes(b, marshalDirectoryNode(sub))
	}
	for _, f := range d.Files {
		b = protowire.AppendTag(b, fieldDirectoryFiles, protowire.BytesType)
		b = protowire.AppendBytes(b, marshalFileNode(f))
	}
	for _, s := range d.Symlinks {
		b = protowire.AppendTag(b, fieldDirectorySymlinks, protowire.BytesType)
		b = protowire.AppendBytes(b, marshalSymlinkNode(s))
	}
	return b
}

func marshalDirectoryNode(n *DirectoryNode) []byte {
	var b []byte
	b = appendBytesField(b, fieldNodeName, n.Name)
	b = appendBytesField(b, fieldNodeDigest, n.Digest)
	b = appendVarintField(b, fieldNodeSize, n.Size)
	return b
}

func marshalFileNode(n *FileNode) []byte {
	var b []byte
	b = appendBytesField(b, fieldNodeName, n.Name)
	b = appendBytesField(b, fieldNodeDigest, n.Digest)
	b = appendVarintField(b, fieldNodeSize, n.Size)
	if n.Executable {
		b = protowire.AppendTag(b, fieldFileExecutable, protowire.VarintType)
		b = protowire.AppendVarint(b, 1)
	}
	return b
}

func marshalSymlinkNode(n *SymlinkNode) []byte {
	var b []byte
	b = appendBytesField(b, fieldNodeName, n.Name)
	b = appendBytesField(b, fieldSymlinkTarget, n.Target)
	return b
}

func appendBytesField(b []byte, num protowire.Number, v []byte) []byte {
	if len(v) == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func appendVarintField(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

// Digest returns the BLAKE3 digest of the directory's canonical encoding.
func (d *Directory) Digest() B3Digest {
	return SumB3(d.MarshalCanonical())
}

// UnmarshalDirectory parses the canonical wire encoding produced by
// MarshalCanonical. It does not run Validate; callers fetching a
// directory from storage are expected to validate it themselves.
func UnmarshalDirectory(raw []byte) (*Directory, error) {
	d := &Directory{}
	for len(raw) > 0 {
		num, typ, n := protowire.ConsumeTag(raw)
		if n < 0 {
			return nil, fmt.Errorf("invalid directory encoding: %w", protowire.ParseError(n))
		}
		raw = raw[n:]

		if typ != protowire.BytesType {
			n := protowire.ConsumeFieldValue(num, typ, raw)
			if n < 0 {
				return nil, fmt.Errorf("invalid directory encoding: %w", protowire.ParseError(n))
			}
			raw = raw[n:]
			continue
		}

		field, n := protowire.ConsumeBytes(raw)
		if n < 0 {
			return nil, fmt.Errorf("invalid directory encoding: %w", protowire.ParseError(n))
		}
		raw = raw[n:]

		switch num {
		case fieldDirectoryDirectories:
			node, err := unmarshalDirectoryNode(field)
			if err != nil {
				return nil, err
			}
			d.Directories = append(d.Directories, node)
		case fieldDirectoryFiles:
			node, err := unmarshalFileNode(field)
			if err != nil {
				return nil, err
			}
			d.Files = append(d.Files, node)
		case fieldDirectorySymlinks:
			node, err := unmarshalSymlinkNode(field)
			if err != nil {
				return nil, err
			}
			d.Symlinks = append(d.Symlinks, node)
		}
		// Unknown top-level field numbers are ignored, for forward
		// compatibility with the wider ecosystem's schema.
	}
	return d, nil
}

func unmarshalDirectoryNode(raw []byte) (*DirectoryNode, error) {
	n := &DirectoryNode{}
	for len(raw) > 0 {
		num, typ, consumed := protowire.ConsumeTag(raw)
		if consumed < 0 {
			return nil, fmt.Errorf("invalid directory node encoding: %w", protowire.ParseError(consumed))
		}
		raw = raw[consumed:]

		switch {
		case num == fieldNodeName && typ == protowire.BytesType:
			v, c := protowire.ConsumeBytes(raw)
			if c < 0 {
				return nil, fmt.Errorf("invalid directory node encoding: %w", protowire.ParseError(c))
			}
			n.Name = append([]byte(nil), v...)
			raw = raw[c:]
		case num == fieldNodeDigest && typ == protowire.BytesType:
			v, c := protowire.ConsumeBytes(raw)
			if c < 0 {
				return nil, fmt.Errorf("invalid directory node encoding: %w", protowire.ParseError(c))
			}
			n.Digest = append([]byte(nil), v...)
			raw = raw[c:]
		case num == fieldNodeSize && typ == protowire.VarintType:
			v, c := protowire.ConsumeVarint(raw)
			if c < 0 {
				return nil, fmt.Errorf("invalid directory node encoding: %w", protowire.ParseError(c))
			}
			n.Size = v
			raw = raw[c:]
		default:
			c := protowire.ConsumeFieldValue(num, typ, raw)
			if c < 0 {
				return nil, fmt.Errorf("invalid directory node encoding: %w", protowire.ParseError(c))
			}
			raw = raw[c:]
		}
	}
	return n, nil
}

func unmarshalFileNode(raw []byte) (*FileNode, error) {
	n := &FileNode{}
	for len(raw) > 0 {
		num, typ, consumed := protowire.ConsumeTag(raw)
		if consumed < 0 {
			return nil, fmt.Errorf("invalid file node encoding: %w", protowire.ParseError(consumed))
		}
		raw = raw[consumed:]

		switch {
		case num == fieldNodeName && typ == protowire.BytesType:
			v, c := protowire.ConsumeBytes(raw)
			if c < 0 {
				return nil, fmt.Errorf("invalid file node encoding: %w", protowire.ParseError(c))
			}
			n.Name = append([]byte(nil), v...)
			raw = raw[c:]
		case num == fieldNodeDigest && typ == protowire.BytesType:
			v, c := protowire.ConsumeBytes(raw)
			if c < 0 {
				return nil, fmt.Errorf("invalid file node encoding: %w", protowire.ParseError(c))
			}
			n.Digest = append([]byte(nil), v...)
			raw = raw[c:]
		case num == fieldNodeSize && typ == protowire.VarintType:
			v, c := protowire.ConsumeVarint(raw)
			if c < 0 {
				return nil, fmt.Errorf("invalid file node encoding: %w", protowire.ParseError(c))
			}
			n.Size = v
			raw = raw[c:]
		case num == fieldFileExecutable && typ == protowire.VarintType:
			v, c := protowire.ConsumeVarint(raw)
			if c < 0 {
				return nil, fmt.Errorf("invalid file node encoding: %w", protowire.ParseError(c))
			}
			n.Executable = v != 0
			raw = raw[c:]
		default:
			c := protowire.ConsumeFieldValue(num, typ, raw)
			if c < 0 {
				return nil, fmt.Errorf("invalid file node encoding: %w", protowire.ParseError(c))
			}
			raw = raw[c:]
		}
	}
	return n, nil
}

func unmarshalSymlinkNode(raw []byte) (*SymlinkNode, error) {
	n := &SymlinkNode{}
	for len(raw) > 0 {
		num, typ, consumed := protowire.ConsumeTag(raw)
		if consumed < 0 {
			return nil, fmt.Errorf("invalid symlink node encoding: %w", protowire.ParseError(consumed))
		}
		raw = raw[consumed:]

		switch {
		case num == fieldNodeName && typ == protowire.BytesType:
			v, c := protowire.ConsumeBytes(raw)
			if c < 0 {
				return nil, fmt.Errorf("invalid symlink node encoding: %w", protowire.ParseError(c))
			}
			n.Name = append([]byte(nil), v...)
			raw = raw[c:]
		case num == fieldSymlinkTarget && typ == protowire.BytesType:
			v, c := protowire.ConsumeBytes(raw)
			if c < 0 {
				return nil, fmt.Errorf("invalid symlink node encoding: %w", protowire.ParseError(c))
			}
			n.Target = append([]byte(nil), v...)
			raw = raw[c:]
		default:
			c := protowire.ConsumeFieldValue(num, typ, raw)
			if c < 0 {
				return nil, fmt.Errorf("invalid symlink node encoding: %w", protowire.ParseError(c))
			}
			raw = raw[c:]
		}
	}
	return n, nil
}

// Validate checks every Directory invariant: nonempty names without '/'
// or NUL, not "." or "..", strict ascending order across the union of
// all three child lists, and 32-byte digests.
func (d *Directory) Validate() error {
	type entry struct {
		name []byte
	}

	var prev []byte
	havePrev := false

	check := func(name []byte) error {
		if err := validateNodeName(name); err != nil {
			return err
		}
		if havePrev {
			switch bytes.Compare(prev, name) {
			case 0:
				return fmt.Errorf("duplicate name: %q", name)
			case 1:
				return fmt.Errorf("%q is not in sorted order", name)
			}
		}
		prev = name
		havePrev = true
		return nil
	}

	// Merge-walk the three already-sorted-within-themselves lists so we
	// validate the union ordering in one linear pass, the same way the
	// directory was meant to be produced.
	di, fi, si := 0, 0, 0
	for di < len(d.Directories) || fi < len(d.Files) || si < len(d.Symlinks) {
		// pick whichever of the three current heads sorts first
		var nextName []byte
		which := -1
		if di < len(d.Directories) {
			nextName = d.Directories[di].Name
			which = 0
		}
		if fi < len(d.Files) && (which == -1 || bytes.Compare(d.Files[fi].Name, nextName) < 0) {
			nextName = d.Files[fi].Name
			which = 1
		}
		if si < len(d.Symlinks) && (which == -1 || bytes.Compare(d.Symlinks[si].Name, nextName) < 0) {
			nextName = d.Symlinks[si].Name
			which = 2
		}

		switch which {
		case 0:
			if err := check(d.Directories[di].Name); err != nil {
				return err
			}
			if len(d.Directories[di].Digest) != DigestLength {
				return fmt.Errorf("invalid digest length: expected %d, got %d", DigestLength, len(d.Directories[di].Digest))
			}
			di++
		case 1:
			if err := check(d.Files[fi].Name); err != nil {
				return err
			}
			if len(d.Files[fi].Digest) != DigestLength {
				return fmt.Errorf("invalid digest length: expected %d, got %d", DigestLength, len(d.Files[fi].Digest))
			}
			fi++
		case 2:
			if err := check(d.Symlinks[si].Name); err != nil {
				return err
			}
			if err := validateSymlinkTarget(d.Symlinks[si].Target); err != nil {
				return err
			}
			si++
		}
	}

	return nil
}

func validateNodeName(name []byte) error {
	if len(name) == 0 {
		return fmt.Errorf("invalid node name: must not be empty")
	}
	for _, c := range name {
		if c == '/' || c == 0 {
			return fmt.Errorf("invalid node name: must not contain '/' or NUL")
		}
	}
	if string(name) == "." || string(name) == ".." {
		return fmt.Errorf("invalid node name: must not be '.' or '..'")
	}
	return nil
}

func validateSymlinkTarget(target []byte) error {
	if len(target) == 0 {
		return fmt.Errorf("invalid symlink target: must not be empty")
	}
	for _, c := range target {
		if c == 0 {
			return fmt.Errorf("invalid symlink target: must not contain NUL")
		}
	}
	return nil
}

func validateSymlinkNode(n *SymlinkNode) error {
	if err := validateNodeName(n.Name); err != nil {
		return err
	}
	return validateSymlinkTarget(n.Target)
}
