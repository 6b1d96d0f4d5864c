package storefs

import (
	"context"
	"sort"

	"code.tvl.fyi/tvix/castorefs/pkg/castorev1"
	"code.tvl.fyi/tvix/castorefs/pkg/inodetracker"
	"github.com/jacobsa/fuse"
	"github.com/jacobsa/fuse/fuseops"
	"github.com/jacobsa/fuse/fuseutil"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// OpenDir tells the kernel not to bother sending a dedicated open, since
// a directory handle carries no state here; every ReadDir recomputes its
// listing from the inode tracker.
func (fs *FileSystem) OpenDir(ctx context.Context, op *fuseops.OpenDirOp) error {
	return fuse.ENOSYS
}

func direntType(n *castorev1.Node) fuseutil.DirentType {
	switch {
	case n.Directory != nil:
		return fuseutil.DT_Directory
	case n.Symlink != nil:
		return fuseutil.DT_Link
	default:
		return fuseutil.DT_File
	}
}

// ReadDir implements readdir for both the store root and for ordinary
// populated directories.
func (fs *FileSystem) ReadDir(ctx context.Context, op *fuseops.ReadDirOp) error {
	var entries []fuseutil.Dirent

	if op.Inode == toFuseIno(inodetracker.RootIno) {
		var err error
		entries, err = fs.rootEntries(ctx)
		if err != nil {
			log.WithError(err).Error("storefs: failed to list root")
			return fuse.EIO
		}
	} else {
		data, ok := fs.inodes.Get(toTrackerIno(op.Inode))
		if !ok {
			return fuse.ENOENT
		}
		if !data.Directory {
			return fuse.ENOTDIR
		}
		if data.State == inodetracker.Sparse {
			upgraded, err := fs.inodes.UpgradeDirectory(data.DirDigest, fs.fetchDirectory(ctx))
			if err != nil {
				log.WithError(err).Error("storefs: failed to hydrate directory")
				return fuse.EIO
			}
			data, ok = fs.inodes.Get(upgraded)
			if !ok {
				return fuse.EIO
			}
		}
		for _, c := range data.Children {
			entries = append(entries, fuseutil.Dirent{
				Offset: fuseops.DirOffset(len(entries) + 1),
				Inode:  toFuseIno(c.Ino),
				Name:   string(c.Node.Name()),
				Type:   direntType(c.Node),
			})
		}
	}

	if op.Offset > fuseops.DirOffset(len(entries)) {
		return fuse.EIO
	}

	for _, e := range entries[op.Offset:] {
		n := fuseutil.WriteDirent(op.Dst[op.BytesRead:], e)
		if n == 0 {
			break
		}
		op.BytesRead += n
	}
	return nil
}

// rootEntries lists every known store path as a root directory entry. It
// is only ever populated when Options.ListRoot is set. The PathInfo
// listing is loaded in full by pathinfoservice.List and handed through a
// bounded channel to the loop that allocates inodes; the final entries
// slice (needed for offset-stable pagination across repeated ReadDir
// calls) is also materialized in full.
func (fs *FileSystem) rootEntries(ctx context.Context) ([]fuseutil.Dirent, error) {
	if !fs.opts.ListRoot {
		return nil, nil
	}

	g, ctx := errgroup.WithContext(ctx)
	names := make(chan *castorev1.Node, 64)

	g.Go(func() error {
		defer close(names)
		pathInfos, err := fs.pathInfos.List(ctx)
		if err != nil {
			return err
		}
		for _, pi := range pathInfos {
			select {
			case names <- pi.Node:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return nil
	})

	var entries []fuseutil.Dirent
	for n := range names {
		name := string(n.Name())

		fs.rootNamesMu.Lock()
		ino, ok := fs.rootNames[name]
		if !ok {
			var err error
			ino, err = fs.allocateRootNode(n)
			if err != nil {
				fs.rootNamesMu.Unlock()
				return nil, err
			}
			fs.rootNames[name] = ino
		}
		fs.rootNamesMu.Unlock()

		entries = append(entries, fuseutil.Dirent{
			Offset: fuseops.DirOffset(len(entries) + 1),
			Inode:  toFuseIno(ino),
			Name:   name,
			Type:   direntType(n),
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	for i := range entries {
		entries[i].Offset = fuseops.DirOffset(i + 1)
	}
	return entries, nil
}
