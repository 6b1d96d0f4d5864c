package importer

import (
	"archive/tar"
	"bytes"
	"context"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"

	"code.tvl.fyi/tvix/castorefs/pkg/castorev1"
	"code.tvl.fyi/tvix/castorefs/pkg/storev1"
)

// tarEntry is one stripped, cleaned path extracted from a tarball, with
// its node payload if it's a leaf (file or symlink); directories are
// synthesized on demand from the leaves' paths, since tar doesn't
// guarantee a directory header precedes its children, or that entries
// arrive in any particular order.
type tarEntry struct {
	file    *castorev1.FileNode
	symlink *castorev1.SymlinkNode
}

// ingestTarball reads r as a tar archive, strips the leading
// strip path components off every entry, and builds a directory tree
// from what remains. Unlike ingestNAR, tar gives no ordering or
// prefix-nesting guarantee, so entries are first collected into a flat
// map keyed by cleaned path and only assembled into Directory messages
// afterwards, deepest paths first, so that every subdirectory is known
// before the directory referencing it is uploaded (the putter's
// leaves-first contract).
func (im *Importer) ingestTarball(ctx context.Context, r io.Reader, d Descriptor, strip int) (*castorev1.Node, storev1.ContentAddress, error) {
	tr := tar.NewReader(r)

	entries := make(map[string]tarEntry)
	dirPaths := make(map[string]struct{})
	var rootFile *castorev1.FileNode
	var rootSymlink *castorev1.SymlinkNode

	for {
		hdr, err := tr.Next()
		if err != nil {
			if err == io.EOF {
				break
			}
			return nil, storev1.ContentAddress{}, fmt.Errorf("%w: %v", ErrIngestIO, err)
		}

		p, ok := stripPath(hdr.Name, strip)
		if !ok {
			continue
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if p != "" {
				dirPaths[p] = struct{}{}
			}
		case tar.TypeReg, tar.TypeRegA:
			w := im.blobs.OpenWrite(ctx)
			if _, err := io.Copy(w, tr); err != nil {
				_ = w.Close()
				return nil, storev1.ContentAddress{}, fmt.Errorf("%w: %v", ErrIngestIO, err)
			}
			if err := w.Close(); err != nil {
				return nil, storev1.ContentAddress{}, fmt.Errorf("unable to store blob for %s: %w", hdr.Name, err)
			}
			file := &castorev1.FileNode{
				Name:       []byte(path.Base(p)),
				Digest:     w.Digest().Bytes(),
				Size:       uint64(hdr.Size),
				Executable: hdr.Mode&0o111 != 0,
			}
			if p == "" {
				rootFile = file
			} else {
				entries[p] = tarEntry{file: file}
				registerParents(dirPaths, p)
			}
		case tar.TypeSymlink:
			symlink := &castorev1.SymlinkNode{Name: []byte(path.Base(p)), Target: []byte(hdr.Linkname)}
			if p == "" {
				rootSymlink = symlink
			} else {
				entries[p] = tarEntry{symlink: symlink}
				registerParents(dirPaths, p)
			}
		}
	}

	if rootFile != nil {
		return im.finishTarball(ctx, &castorev1.Node{File: rootFile}, d)
	}
	if rootSymlink != nil {
		return im.finishTarball(ctx, &castorev1.Node{Symlink: rootSymlink}, d)
	}

	root, err := im.uploadTarballTree(ctx, entries, dirPaths)
	if err != nil {
		return nil, storev1.ContentAddress{}, err
	}
	return im.finishTarball(ctx, root, d)
}

// finishTarball computes the Nar(hash) content address over the
// assembled tree and compares it against the descriptor's wanted hash.
func (im *Importer) finishTarball(ctx context.Context, node *castorev1.Node, d Descriptor) (*castorev1.Node, storev1.ContentAddress, error) {
	_, narDigest, err := synthesizeNar(ctx, im.directories, im.blobs, node)
	if err != nil {
		return nil, storev1.ContentAddress{}, err
	}
	if narDigest != d.WantedHash {
		return nil, storev1.ContentAddress{}, &HashMismatch{URL: d.URL, Wanted: d.WantedHash, Got: narDigest}
	}
	return node, storev1.ContentAddress{Method: storev1.CANar, Hash: narDigest}, nil
}

// stripPath cleans a tar entry name and removes its leading n path
// components, returning ok=false for an entry that strips away to
// nothing (or climbs above the root).
func stripPath(name string, n int) (string, bool) {
	p := path.Clean("/" + name)
	p = strings.TrimPrefix(p, "/")
	if p == "." {
		p = ""
	}
	parts := strings.Split(p, "/")
	if p == "" {
		parts = nil
	}
	if len(parts) < n {
		return "", false
	}
	parts = parts[n:]
	if len(parts) == 0 {
		return "", true
	}
	return strings.Join(parts, "/"), true
}

// sortDirectory orders each of a directory's three child lists by name,
// the precondition Directory.Validate (and thus Digest) requires; unlike
// a NAR, a tar archive gives no such ordering for free.
func sortDirectory(d *castorev1.Directory) {
	sort.Slice(d.Directories, func(i, j int) bool { return bytes.Compare(d.Directories[i].Name, d.Directories[j].Name) < 0 })
	sort.Slice(d.Files, func(i, j int) bool { return bytes.Compare(d.Files[i].Name, d.Files[j].Name) < 0 })
	sort.Slice(d.Symlinks, func(i, j int) bool { return bytes.Compare(d.Symlinks[i].Name, d.Symlinks[j].Name) < 0 })
}

// registerParents records every ancestor directory of p so that
// directories containing only subdirectories (no direct leaves of
// their own at this level) still get built.
func registerParents(dirPaths map[string]struct{}, p string) {
	for dir := path.Dir(p); dir != "." && dir != "/"; dir = path.Dir(dir) {
		dirPaths[dir] = struct{}{}
	}
}

// uploadTarballTree assembles entries and dirPaths into nested
// Directory messages, uploading deepest-first through a Putter so every
// subdirectory reference is already known by the time its parent is
// sent, and returns the root node.
func (im *Importer) uploadTarballTree(ctx context.Context, entries map[string]tarEntry, dirPaths map[string]struct{}) (*castorev1.Node, error) {
	all := make(map[string]struct{}, len(dirPaths)+1)
	for p := range dirPaths {
		all[p] = struct{}{}
	}
	all[""] = struct{}{}

	ordered := make([]string, 0, len(all))
	for p := range all {
		ordered = append(ordered, p)
	}
	depth := func(p string) int {
		if p == "" {
			return 0
		}
		return strings.Count(p, "/") + 1
	}
	sort.Slice(ordered, func(i, j int) bool {
		return depth(ordered[i]) > depth(ordered[j])
	})

	built := make(map[string]*castorev1.Directory, len(ordered))
	for _, p := range ordered {
		built[p] = &castorev1.Directory{}
	}
	for p, e := range entries {
		parent := path.Dir(p)
		if parent == "." {
			parent = ""
		}
		dir, ok := built[parent]
		if !ok {
			return nil, fmt.Errorf("importer: tarball entry %s has no parent directory", p)
		}
		switch {
		case e.file != nil:
			dir.Files = append(dir.Files, e.file)
		case e.symlink != nil:
			dir.Symlinks = append(dir.Symlinks, e.symlink)
		}
	}

	putter := im.directories.PutMultipleStart(ctx)
	var rootDigest castorev1.B3Digest
	for _, p := range ordered {
		dir := built[p]
		sortDirectory(dir)
		if p != "" {
			parent := path.Dir(p)
			if parent == "." {
				parent = ""
			}
			digest := dir.Digest()
			built[parent].Directories = append(built[parent].Directories, &castorev1.DirectoryNode{
				Name:   []byte(path.Base(p)),
				Digest: digest.Bytes(),
				Size:   dir.Size(),
			})
		}
		if err := putter.Put(dir); err != nil {
			return nil, fmt.Errorf("unable to store directory %s: %w", p, err)
		}
		if p == "" {
			rootDigest = dir.Digest()
		}
	}
	if _, err := putter.Close(); err != nil {
		return nil, fmt.Errorf("unable to finalize tarball tree upload: %w", err)
	}

	root := built[""]
	return &castorev1.Node{Directory: &castorev1.DirectoryNode{
		Name:   []byte{},
		Digest: rootDigest.Bytes(),
		Size:   root.Size(),
	}}, nil
}
