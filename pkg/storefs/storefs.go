// Package storefs exposes the store's content-addressed namespace as a
// read-only FUSE filesystem: inode 1 is the store root, and every other
// inode is allocated on demand by the inode tracker as paths are
// traversed.
package storefs

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"code.tvl.fyi/tvix/castorefs/pkg/blobservice"
	"code.tvl.fyi/tvix/castorefs/pkg/castorev1"
	"code.tvl.fyi/tvix/castorefs/pkg/directoryservice"
	"code.tvl.fyi/tvix/castorefs/pkg/inodetracker"
	"code.tvl.fyi/tvix/castorefs/pkg/pathinfoservice"
	"github.com/jacobsa/fuse"
	"github.com/jacobsa/fuse/fuseops"
	"github.com/jacobsa/fuse/fuseutil"
	"github.com/nix-community/go-nix/pkg/storepath"
	log "github.com/sirupsen/logrus"
)

// Extended-attribute names exposed when ShowXattr is enabled: the
// "user." namespace, one name per node kind.
const (
	xattrDirectoryDigest = "user.tvix.castore.directory_digest"
	xattrBlobDigest      = "user.tvix.castore.blob_digest"
)

// Options configures a FileSystem at mount time.
type Options struct {
	// ListRoot enables opendir/readdir on the store root, streaming all
	// known PathInfos. Disabled by default since it can be expensive on
	// a large store.
	ListRoot bool
	// ShowXattr enables getxattr/listxattr of the underlying content
	// digest on directories and regular files.
	ShowXattr bool
}

// FileSystem bridges FUSE's synchronous POSIX operations to the core's
// services. It implements fuseutil.FileSystem.
type FileSystem struct {
	fuseutil.NotImplementedFileSystem

	blobs       *blobservice.Service
	directories *directoryservice.Service
	pathInfos   *pathinfoservice.Service
	inodes      *inodetracker.Tracker
	opts        Options

	rootNamesMu sync.Mutex
	rootNames   map[string]inodetracker.Ino

	handlesMu   sync.RWMutex
	fileHandles map[fuseops.InodeID]*fileHandle
}

type fileHandle struct {
	mu     sync.Mutex
	reader blobservice.Reader
}

// New constructs a FileSystem over the given services.
func New(blobs *blobservice.Service, directories *directoryservice.Service, pathInfos *pathinfoservice.Service, opts Options) *FileSystem {
	return &FileSystem{
		blobs:       blobs,
		directories: directories,
		pathInfos:   pathInfos,
		inodes:      inodetracker.New(),
		opts:        opts,
		rootNames:   make(map[string]inodetracker.Ino),
		fileHandles: make(map[fuseops.InodeID]*fileHandle),
	}
}

func toFuseIno(i inodetracker.Ino) fuseops.InodeID { return fuseops.InodeID(i) }
func toTrackerIno(i fuseops.InodeID) inodetracker.Ino { return inodetracker.Ino(i) }

// attributesFor derives POSIX attributes for an inode's data: files get
// mode 0444 or 0555 by the executable bit, directories 0555, symlinks
// 0444; uid/gid 0, all timestamps zero.
func attributesFor(data *inodetracker.Data) fuseops.InodeAttributes {
	switch {
	case data.Regular != nil:
		mode := os.FileMode(0o444)
		if data.Regular.Executable {
			mode = 0o555
		}
		return fuseops.InodeAttributes{Size: data.Regular.Size, Nlink: 1, Mode: mode}
	case data.Symlink != nil:
		return fuseops.InodeAttributes{
			Size:  uint64(len(data.Symlink.Target)),
			Nlink: 1,
			Mode:  os.ModeSymlink | 0o444,
		}
	case data.Directory:
		return fuseops.InodeAttributes{Size: data.DirSize, Nlink: 1, Mode: os.ModeDir | 0o555}
	default:
		panic("storefs: inode data with no variant set")
	}
}

var rootAttributes = fuseops.InodeAttributes{Nlink: 1, Mode: os.ModeDir | 0o555}

func (fs *FileSystem) StatFS(ctx context.Context, op *fuseops.StatFSOp) error {
	op.BlockSize = 4096
	op.IoSize = 65536
	return nil
}

// GetInodeAttributes implements getattr: infinite expiration for
// everything, since the store is immutable.
func (fs *FileSystem) GetInodeAttributes(ctx context.Context, op *fuseops.GetInodeAttributesOp) error {
	op.AttributesExpiration = neverExpire()

	if op.Inode == toFuseIno(inodetracker.RootIno) {
		op.Attributes = rootAttributes
		return nil
	}

	data, ok := fs.inodes.Get(toTrackerIno(op.Inode))
	if !ok {
		return fuse.ENOENT
	}
	op.Attributes = attributesFor(data)
	return nil
}

// LookUpInode implements lookup.
func (fs *FileSystem) LookUpInode(ctx context.Context, op *fuseops.LookUpInodeOp) error {
	if op.Parent == toFuseIno(inodetracker.RootIno) {
		return fs.lookupRoot(ctx, op)
	}

	data, ok := fs.inodes.Get(toTrackerIno(op.Parent))
	if !ok {
		return fuse.ENOENT
	}
	if !data.Directory {
		return fuse.ENOTDIR
	}

	if data.State == inodetracker.Sparse {
		ino, err := fs.inodes.UpgradeDirectory(data.DirDigest, fs.fetchDirectory(ctx))
		if err != nil {
			log.WithError(err).Error("storefs: failed to hydrate directory")
			return fuse.EIO
		}
		data, ok = fs.inodes.Get(ino)
		if !ok {
			return fuse.EIO
		}
	}

	for _, c := range data.Children {
		if bytes.Equal(c.Node.Name(), []byte(op.Name)) {
			childData, ok := fs.inodes.Get(c.Ino)
			if !ok {
				return fuse.EIO
			}
			op.Entry.Child = toFuseIno(c.Ino)
			op.Entry.Attributes = attributesFor(childData)
			op.Entry.AttributesExpiration = neverExpire()
			op.Entry.EntryExpiration = neverExpire()
			return nil
		}
	}
	return fuse.ENOENT
}

func (fs *FileSystem) lookupRoot(ctx context.Context, op *fuseops.LookUpInodeOp) error {
	fs.rootNamesMu.Lock()
	if ino, ok := fs.rootNames[op.Name]; ok {
		fs.rootNamesMu.Unlock()
		data, ok := fs.inodes.Get(ino)
		if !ok {
			return fuse.EIO
		}
		op.Entry.Child = toFuseIno(ino)
		op.Entry.Attributes = attributesFor(data)
		op.Entry.AttributesExpiration = neverExpire()
		op.Entry.EntryExpiration = neverExpire()
		return nil
	}
	fs.rootNamesMu.Unlock()

	sp, err := storepath.FromString(op.Name)
	if err != nil {
		// A stat of something that isn't a store-path basename is not
		// an error condition for the filesystem as a whole.
		return fuse.ENOENT
	}

	var digestKey [storepath.PathHashSize]byte
	copy(digestKey[:], sp.Digest)

	pathInfo, ok, err := fs.pathInfos.Get(ctx, digestKey)
	if err != nil {
		log.WithError(err).Error("storefs: pathinfo lookup failed")
		return fuse.EIO
	}
	if !ok {
		return fuse.ENOENT
	}
	if string(pathInfo.Node.Name()) != op.Name {
		return fuse.ENOENT
	}

	ino, err := fs.allocateRootNode(pathInfo.Node)
	if err != nil {
		log.WithError(err).Error("storefs: invalid root node")
		return fuse.EIO
	}

	fs.rootNamesMu.Lock()
	fs.rootNames[op.Name] = ino
	fs.rootNamesMu.Unlock()

	data, ok := fs.inodes.Get(ino)
	if !ok {
		return fuse.EIO
	}
	op.Entry.Child = toFuseIno(ino)
	op.Entry.Attributes = attributesFor(data)
	op.Entry.AttributesExpiration = neverExpire()
	op.Entry.EntryExpiration = neverExpire()
	return nil
}

func (fs *FileSystem) allocateRootNode(n *castorev1.Node) (inodetracker.Ino, error) {
	switch {
	case n.Directory != nil:
		digest, err := castorev1.NewB3Digest(n.Directory.Digest)
		if err != nil {
			return 0, fmt.Errorf("storefs: root node: %w", err)
		}
		return fs.inodes.PutSparseDirectory(digest, n.Directory.Size), nil
	case n.File != nil:
		digest, err := castorev1.NewB3Digest(n.File.Digest)
		if err != nil {
			return 0, fmt.Errorf("storefs: root node: %w", err)
		}
		return fs.inodes.PutRegular(digest, n.File.Size, n.File.Executable), nil
	case n.Symlink != nil:
		return fs.inodes.PutSymlink(n.Symlink.Target), nil
	default:
		panic("storefs: root node with no variant set")
	}
}

func (fs *FileSystem) fetchDirectory(ctx context.Context) inodetracker.DirectoryFetchFunc {
	return func(digest castorev1.B3Digest) (*castorev1.Directory, error) {
		d, ok, err := fs.directories.Get(ctx, digest)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("directory %s not found", digest)
		}
		return d, nil
	}
}

// ReadSymlink implements readlink.
func (fs *FileSystem) ReadSymlink(ctx context.Context, op *fuseops.ReadSymlinkOp) error {
	data, ok := fs.inodes.Get(toTrackerIno(op.Inode))
	if !ok || data.Symlink == nil {
		return fuse.EINVAL
	}
	op.Target = string(data.Symlink.Target)
	return nil
}

// never is the cache-expiration timestamp handed back for every
// attribute and directory entry: the store is immutable for the life of
// the mount, so nothing the kernel caches ever needs to be revalidated.
var never = time.Now().Add(365 * 24 * time.Hour)

func neverExpire() time.Time {
	return never
}
