package importer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"code.tvl.fyi/tvix/castorefs/pkg/castorev1"
	"code.tvl.fyi/tvix/castorefs/pkg/storev1"
	"github.com/nix-community/go-nix/pkg/nar"
)

// narStackItem is one entry on the directory stack while walking a NAR:
// the directory accumulated so far, and the NAR path it came from (used
// to compute the basename it's stored under in its parent).
type narStackItem struct {
	path      string
	directory *castorev1.Directory
}

// ingestNAR streams r through a NAR parser, materializing every
// directory/file/symlink it encounters into the directory and blob
// services as it goes, while independently tracking the BLAKE3 digest of
// the raw NAR bytes for the Nar(hash) content address. Grounded on
// nar-bridge's stack-based importer walk: parents are popped off the
// stack (and persisted) once the NAR moves on to a sibling or back up a
// level, never buffering the whole tree in memory at once.
func (im *Importer) ingestNAR(ctx context.Context, r io.Reader, d Descriptor) (*castorev1.Node, storev1.ContentAddress, error) {
	hasher := castorev1.NewHashingWriter()
	narReader, err := nar.NewReader(io.TeeReader(r, hasher))
	if err != nil {
		return nil, storev1.ContentAddress{}, fmt.Errorf("%w: %v", ErrIngestIO, err)
	}
	defer narReader.Close()

	var rootSymlink *castorev1.SymlinkNode
	var rootFile *castorev1.FileNode
	var rootDirectory *castorev1.Directory

	var stack []narStackItem

	popFromStack := func() error {
		top := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		digest, err := im.directories.Put(ctx, top.directory)
		if err != nil {
			return fmt.Errorf("unable to store directory %s: %w", top.path, err)
		}

		if len(stack) > 0 {
			parent := stack[len(stack)-1].directory
			parent.Directories = append(parent.Directories, &castorev1.DirectoryNode{
				Name:   []byte(path.Base(top.path)),
				Digest: digest.Bytes(),
				Size:   top.directory.Size(),
			})
		}
		rootDirectory = top.directory
		return nil
	}

	basename := func(p string) string {
		b := path.Base(p)
		if b == "/" {
			return ""
		}
		return b
	}

	for {
		hdr, err := narReader.Next()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				return nil, storev1.ContentAddress{}, fmt.Errorf("%w: %v", ErrIngestIO, err)
			}
			break
		}

		for len(stack) > 1 && !strings.HasPrefix(hdr.Path, stack[len(stack)-1].path+"/") {
			if err := popFromStack(); err != nil {
				return nil, storev1.ContentAddress{}, err
			}
		}

		switch hdr.Type {
		case nar.TypeSymlink:
			symlink := &castorev1.SymlinkNode{Name: []byte(basename(hdr.Path)), Target: []byte(hdr.LinkTarget)}
			if len(stack) > 0 {
				stack[len(stack)-1].directory.Symlinks = append(stack[len(stack)-1].directory.Symlinks, symlink)
			} else {
				rootSymlink = symlink
			}
		case nar.TypeRegular:
			w := im.blobs.OpenWrite(ctx)
			if _, err := io.Copy(w, narReader); err != nil {
				_ = w.Close()
				return nil, storev1.ContentAddress{}, fmt.Errorf("%w: %v", ErrIngestIO, err)
			}
			if err := w.Close(); err != nil {
				return nil, storev1.ContentAddress{}, fmt.Errorf("unable to store blob for %s: %w", hdr.Path, err)
			}
			file := &castorev1.FileNode{
				Name:       []byte(basename(hdr.Path)),
				Digest:     w.Digest().Bytes(),
				Size:       uint64(hdr.Size),
				Executable: hdr.Executable,
			}
			if len(stack) > 0 {
				stack[len(stack)-1].directory.Files = append(stack[len(stack)-1].directory.Files, file)
			} else {
				rootFile = file
			}
		case nar.TypeDirectory:
			stack = append(stack, narStackItem{path: hdr.Path, directory: &castorev1.Directory{}})
		}
	}

	if err := narReader.Close(); err != nil {
		return nil, storev1.ContentAddress{}, fmt.Errorf("%w: %v", ErrIngestIO, err)
	}
	for len(stack) > 0 {
		if err := popFromStack(); err != nil {
			return nil, storev1.ContentAddress{}, err
		}
	}

	narDigest := hasher.Digest()
	if narDigest != d.WantedHash {
		return nil, storev1.ContentAddress{}, &HashMismatch{URL: d.URL, Wanted: d.WantedHash, Got: narDigest}
	}
	ca := storev1.ContentAddress{Method: storev1.CANar, Hash: narDigest}

	switch {
	case rootFile != nil:
		return &castorev1.Node{File: rootFile}, ca, nil
	case rootSymlink != nil:
		return &castorev1.Node{Symlink: rootSymlink}, ca, nil
	case rootDirectory != nil:
		digest := rootDirectory.Digest()
		return &castorev1.Node{Directory: &castorev1.DirectoryNode{
			Name:   []byte{},
			Digest: digest.Bytes(),
			Size:   rootDirectory.Size(),
		}}, ca, nil
	default:
		return nil, storev1.ContentAddress{}, fmt.Errorf("importer: empty NAR from %s", d.URL)
	}
}
