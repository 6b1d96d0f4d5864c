// Package inodetracker allocates and deduplicates FUSE inode numbers by
// content digest: identical content (same blob, same symlink target,
// same directory) always maps to the same inode for the life of the
// process.
package inodetracker

import (
	"fmt"
	"sync"

	"code.tvl.fyi/tvix/castorefs/pkg/castorev1"
)

// Ino is a FUSE inode number. 1 is reserved for the filesystem root;
// allocation starts at 2.
type Ino uint64

const RootIno Ino = 1

const firstAllocatable Ino = 2

// DirectoryState distinguishes a directory inode that's known to exist
// but whose children haven't been fetched yet (Sparse) from one whose
// children are fully materialized (Populated). Upgrade is one-way.
type DirectoryState int

const (
	Sparse DirectoryState = iota
	Populated
)

// Child pairs an already-allocated inode with the Node describing it,
// as stored in a Populated directory.
type Child struct {
	Ino  Ino
	Node *castorev1.Node
}

// Data is the process-local data associated with an inode: exactly one
// of Regular/Symlink/Directory is populated.
type Data struct {
	Regular *RegularData
	Symlink *SymlinkData

	// Directory fields. State distinguishes which of the two are valid:
	// Sparse only sets DirDigest/DirSize; Populated also sets Children.
	Directory bool
	State     DirectoryState
	DirDigest castorev1.B3Digest
	DirSize   uint64
	Children  []Child
}

// RegularData is a regular-file inode's content.
type RegularData struct {
	Digest     castorev1.B3Digest
	Size       uint64
	Executable bool
}

// SymlinkData is a symlink inode's content.
type SymlinkData struct {
	Target []byte
}

// DirectoryFetchFunc fetches a directory by digest, used to hydrate a
// Sparse directory on upgrade. It must return an error if the directory
// cannot be found; there's no separate "not found" signal because an
// upgrade always refers to a digest previously observed as a
// subdirectory child.
type DirectoryFetchFunc func(castorev1.B3Digest) (*castorev1.Directory, error)

// Tracker is the inode table: a monotonically increasing counter, a map
// from inode to its Data, and three reverse indices for dedup.
type Tracker struct {
	mu      sync.RWMutex
	nextIno Ino
	data    map[Ino]*Data

	byBlobDigest map[castorev1.B3Digest]Ino
	bySymlink    map[string]Ino
	byDirDigest  map[castorev1.B3Digest]Ino
}

// New returns an empty Tracker, with inode allocation starting at 2.
func New() *Tracker {
	return &Tracker{
		nextIno:      firstAllocatable,
		data:         make(map[Ino]*Data),
		byBlobDigest: make(map[castorev1.B3Digest]Ino),
		bySymlink:    make(map[string]Ino),
		byDirDigest:  make(map[castorev1.B3Digest]Ino),
	}
}

// Get returns the Data for ino, or (nil, false) if unallocated.
func (t *Tracker) Get(ino Ino) (*Data, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	d, ok := t.data[ino]
	return d, ok
}

func (t *Tracker) allocateLocked() Ino {
	ino := t.nextIno
	t.nextIno++
	return ino
}

// PutRegular returns the inode for a regular file with the given blob
// digest, allocating one on first reference.
func (t *Tracker) PutRegular(digest castorev1.B3Digest, size uint64, executable bool) Ino {
	t.mu.Lock()
	defer t.mu.Unlock()

	if ino, ok := t.byBlobDigest[digest]; ok {
		return ino
	}

	ino := t.allocateLocked()
	t.data[ino] = &Data{Regular: &RegularData{Digest: digest, Size: size, Executable: executable}}
	t.byBlobDigest[digest] = ino
	return ino
}

// PutSymlink returns the inode for a symlink with the given target,
// allocating one on first reference.
func (t *Tracker) PutSymlink(target []byte) Ino {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := string(target)
	if ino, ok := t.bySymlink[key]; ok {
		return ino
	}

	ino := t.allocateLocked()
	t.data[ino] = &Data{Symlink: &SymlinkData{Target: append([]byte(nil), target...)}}
	t.bySymlink[key] = ino
	return ino
}

// PutSparseDirectory returns the inode for a directory known to exist
// by digest, whose children have not yet been fetched. If the digest
// has already been seen — even as a Populated directory — its existing
// inode is returned unchanged; Sparse never downgrades a Populated
// entry.
func (t *Tracker) PutSparseDirectory(digest castorev1.B3Digest, size uint64) Ino {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.putSparseLocked(digest, size)
}

func (t *Tracker) putSparseLocked(digest castorev1.B3Digest, size uint64) Ino {
	if ino, ok := t.byDirDigest[digest]; ok {
		return ino
	}

	ino := t.allocateLocked()
	t.data[ino] = &Data{Directory: true, State: Sparse, DirDigest: digest, DirSize: size}
	t.byDirDigest[digest] = ino
	return ino
}

// UpgradeDirectory upgrades the Sparse directory inode for digest to
// Populated, staged to avoid recursive-lock deadlock: the directory is
// fetched with no lock held, its children
// are allocated one at a time (each call taking the write lock
// briefly), and only the final swap from Sparse to Populated holds the
// lock. If digest is already Populated, its inode is returned
// unchanged without calling fetch again.
func (t *Tracker) UpgradeDirectory(digest castorev1.B3Digest, fetch DirectoryFetchFunc) (Ino, error) {
	t.mu.RLock()
	ino, ok := t.byDirDigest[digest]
	var alreadyPopulated bool
	if ok {
		alreadyPopulated = t.data[ino].State == Populated
	}
	t.mu.RUnlock()

	if ok && alreadyPopulated {
		return ino, nil
	}

	directory, err := fetch(digest)
	if err != nil {
		return 0, fmt.Errorf("inodetracker: unable to fetch directory %s: %w", digest, err)
	}

	children, err := t.allocateChildren(directory)
	if err != nil {
		return 0, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	// Re-resolve under the write lock: another goroutine may have
	// allocated or upgraded this digest while fetch/allocateChildren ran
	// without the lock held.
	if curIno, ok := t.byDirDigest[digest]; ok {
		existing := t.data[curIno]
		if existing.State == Populated {
			return curIno, nil
		}
		existing.Directory = true
		existing.State = Populated
		existing.DirDigest = digest
		existing.DirSize = directory.Size()
		existing.Children = children
		return curIno, nil
	}

	newIno := t.allocateLocked()
	t.data[newIno] = &Data{
		Directory: true,
		State:     Populated,
		DirDigest: digest,
		DirSize:   directory.Size(),
		Children:  children,
	}
	t.byDirDigest[digest] = newIno
	return newIno, nil
}

// allocateChildren allocates (or dedups) an inode for every child of
// directory, without holding the tracker lock across the whole
// operation: each child acquires the lock independently via
// PutRegular/PutSymlink/PutSparseDirectory.
func (t *Tracker) allocateChildren(directory *castorev1.Directory) ([]Child, error) {
	children := make([]Child, 0, len(directory.Directories)+len(directory.Files)+len(directory.Symlinks))

	for _, sub := range directory.Directories {
		digest, err := castorev1.NewB3Digest(sub.Digest)
		if err != nil {
			return nil, fmt.Errorf("inodetracker: invalid subdirectory digest: %w", err)
		}
		ino := t.PutSparseDirectory(digest, sub.Size)
		children = append(children, Child{Ino: ino, Node: &castorev1.Node{Directory: sub}})
	}
	for _, f := range directory.Files {
		digest, err := castorev1.NewB3Digest(f.Digest)
		if err != nil {
			return nil, fmt.Errorf("inodetracker: invalid file digest: %w", err)
		}
		ino := t.PutRegular(digest, f.Size, f.Executable)
		children = append(children, Child{Ino: ino, Node: &castorev1.Node{File: f}})
	}
	for _, s := range directory.Symlinks {
		ino := t.PutSymlink(s.Target)
		children = append(children, Child{Ino: ino, Node: &castorev1.Node{Symlink: s}})
	}

	return children, nil
}
