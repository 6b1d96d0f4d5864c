package storefs

import (
	"context"
	"syscall"

	"code.tvl.fyi/tvix/castorefs/pkg/inodetracker"
	"github.com/jacobsa/fuse/fuseops"
)

// xattrValue returns the single xattr value exposed for ino, or (nil,
// false) if ino carries none (symlinks, or ShowXattr disabled).
func (fs *FileSystem) xattrValue(ino fuseops.InodeID, name string) ([]byte, bool) {
	if !fs.opts.ShowXattr {
		return nil, false
	}

	data, ok := fs.inodes.Get(toTrackerIno(ino))
	if !ok {
		return nil, false
	}

	switch {
	case data.Directory && name == xattrDirectoryDigest:
		return []byte(data.DirDigest.String()), true
	case data.Regular != nil && name == xattrBlobDigest:
		return []byte(data.Regular.Digest.String()), true
	default:
		return nil, false
	}
}

func (fs *FileSystem) xattrNames(ino fuseops.InodeID) []string {
	if !fs.opts.ShowXattr {
		return nil
	}
	data, ok := fs.inodes.Get(toTrackerIno(ino))
	if !ok {
		return nil
	}
	switch {
	case data.Directory:
		return []string{xattrDirectoryDigest}
	case data.Regular != nil:
		return []string{xattrBlobDigest}
	default:
		return nil
	}
}

// ListXattr implements listxattr: a NUL-separated list of attribute
// names, per the xattr(7) wire convention.
func (fs *FileSystem) ListXattr(ctx context.Context, op *fuseops.ListXattrOp) error {
	if op.Inode == toFuseIno(inodetracker.RootIno) {
		return nil
	}

	names := fs.xattrNames(op.Inode)
	for _, n := range names {
		op.BytesRead += len(n) + 1
	}
	if op.BytesRead > len(op.Dst) {
		if len(op.Dst) == 0 {
			return nil
		}
		return syscall.ERANGE
	}

	copied := 0
	for _, n := range names {
		copy(op.Dst[copied:], n)
		copied += len(n) + 1
		op.Dst[copied-1] = 0
	}
	return nil
}

// GetXattr implements getxattr for the two recognized attribute names;
// anything else yields ENODATA.
func (fs *FileSystem) GetXattr(ctx context.Context, op *fuseops.GetXattrOp) error {
	val, ok := fs.xattrValue(op.Inode, op.Name)
	if !ok {
		return syscall.ENODATA
	}

	op.BytesRead = len(val)
	if len(val) > len(op.Dst) {
		if len(op.Dst) == 0 {
			return nil
		}
		return syscall.ERANGE
	}
	copy(op.Dst, val)
	return nil
}
