package storev1

import (
	"fmt"
	"io"
	"path"

	"code.tvl.fyi/tvix/castorefs/pkg/castorev1"
	"github.com/nix-community/go-nix/pkg/nar"
)

// DirectoryLookupFn resolves a directory digest to its Directory message.
type DirectoryLookupFn func(castorev1.B3Digest) (*castorev1.Directory, error)

// BlobLookupFn resolves a blob digest to a reader over its contents.
type BlobLookupFn func(castorev1.B3Digest) (io.ReadCloser, error)

// Export traverses rootNode and writes its contents in NAR format to w,
// using directoryLookupFn and blobLookupFn to resolve references on
// demand. This is the inverse of the fetcher's NAR ingestion path.
func Export(
	w io.Writer,
	rootNode *castorev1.Node,
	directoryLookupFn DirectoryLookupFn,
	blobLookupFn BlobLookupFn,
) error {
	narWriter, err := nar.NewWriter(w)
	if err != nil {
		return fmt.Errorf("unable to initialize nar writer: %w", err)
	}
	defer narWriter.Close()

	rootHeader := &nar.Header{Path: "/"}

	var stackPaths []string
	var stackDirectories []*castorev1.Directory

	switch {
	case rootNode.File != nil:
		fileNode := rootNode.File
		rootHeader.Type = nar.TypeRegular
		rootHeader.Size = int64(fileNode.Size)
		rootHeader.Executable = fileNode.Executable
		if err := narWriter.WriteHeader(rootHeader); err != nil {
			return fmt.Errorf("unable to write root header: %w", err)
		}

		digest, err := castorev1.NewB3Digest(fileNode.Digest)
		if err != nil {
			return fmt.Errorf("invalid file digest: %w", err)
		}
		blobReader, err := blobLookupFn(digest)
		if err != nil {
			return fmt.Errorf("unable to lookup blob: %w", err)
		}
		defer blobReader.Close()

		if _, err := io.Copy(narWriter, blobReader); err != nil {
			return fmt.Errorf("unable to read from blob reader: %w", err)
		}
		return narWriter.Close()

	case rootNode.Symlink != nil:
		rootHeader.Type = nar.TypeSymlink
		rootHeader.LinkTarget = string(rootNode.Symlink.Target)
		if err := narWriter.WriteHeader(rootHeader); err != nil {
			return fmt.Errorf("unable to write root header: %w", err)
		}
		return narWriter.Close()

	case rootNode.Directory != nil:
		digest, err := castorev1.NewB3Digest(rootNode.Directory.Digest)
		if err != nil {
			return fmt.Errorf("invalid directory digest: %w", err)
		}
		directory, err := directoryLookupFn(digest)
		if err != nil {
			return fmt.Errorf("unable to lookup directory: %w", err)
		}
		stackDirectories = append(stackDirectories, directory)
		stackPaths = append(stackPaths, "/")

		if err := narWriter.WriteHeader(&nar.Header{Path: "/", Type: nar.TypeDirectory}); err != nil {
			return fmt.Errorf("error writing header: %w", err)
		}
	default:
		return fmt.Errorf("node has no variant set")
	}

	for len(stackDirectories) > 0 {
		topOfStack := stackDirectories[len(stackDirectories)-1]
		topOfStackPath := stackPaths[len(stackPaths)-1]

		nextNode := drainNextNode(topOfStack)
		if nextNode == nil {
			stackDirectories = stackDirectories[:len(stackDirectories)-1]
			stackPaths = stackPaths[:len(stackPaths)-1]
			continue
		}

		switch n := nextNode.(type) {
		case *castorev1.DirectoryNode:
			childPath := path.Join(topOfStackPath, string(n.Name))
			if err := narWriter.WriteHeader(&nar.Header{Path: childPath, Type: nar.TypeDirectory}); err != nil {
				return fmt.Errorf("unable to write nar header: %w", err)
			}

			digest, err := castorev1.NewB3Digest(n.Digest)
			if err != nil {
				return fmt.Errorf("invalid directory digest: %w", err)
			}
			d, err := directoryLookupFn(digest)
			if err != nil {
				return fmt.Errorf("unable to lookup directory: %w", err)
			}
			stackDirectories = append(stackDirectories, d)
			stackPaths = append(stackPaths, childPath)

		case *castorev1.FileNode:
			childPath := path.Join(topOfStackPath, string(n.Name))
			if err := narWriter.WriteHeader(&nar.Header{
				Path:       childPath,
				Type:       nar.TypeRegular,
				Size:       int64(n.Size),
				Executable: n.Executable,
			}); err != nil {
				return fmt.Errorf("unable to write nar header: %w", err)
			}

			digest, err := castorev1.NewB3Digest(n.Digest)
			if err != nil {
				return fmt.Errorf("invalid file digest: %w", err)
			}
			contentReader, err := blobLookupFn(digest)
			if err != nil {
				return fmt.Errorf("unable to get blob: %w", err)
			}
			if _, err := io.Copy(narWriter, contentReader); err != nil {
				contentReader.Close()
				return fmt.Errorf("unable to copy contents from content reader: %w", err)
			}
			contentReader.Close()

		case *castorev1.SymlinkNode:
			childPath := path.Join(topOfStackPath, string(n.Name))
			if err := narWriter.WriteHeader(&nar.Header{
				Path:       childPath,
				Type:       nar.TypeSymlink,
				LinkTarget: string(n.Target),
			}); err != nil {
				return fmt.Errorf("unable to write nar header: %w", err)
			}
		}
	}

	return nil
}

// drainNextNode removes and returns whichever child of d sorts first
// alphabetically, or nil once d is empty.
func drainNextNode(d *castorev1.Directory) interface{} {
	switch v := smallestNode(d).(type) {
	case *castorev1.DirectoryNode:
		d.Directories = d.Directories[1:]
		return v
	case *castorev1.FileNode:
		d.Files = d.Files[1:]
		return v
	case *castorev1.SymlinkNode:
		d.Symlinks = d.Symlinks[1:]
		return v
	default:
		return nil
	}
}

func smallestNode(d *castorev1.Directory) interface{} {
	var candidates []interface{ GetName() []byte }
	if len(d.Directories) > 0 {
		candidates = append(candidates, directoryNodeName{d.Directories[0]})
	}
	if len(d.Files) > 0 {
		candidates = append(candidates, fileNodeName{d.Files[0]})
	}
	if len(d.Symlinks) > 0 {
		candidates = append(candidates, symlinkNodeName{d.Symlinks[0]})
	}
	if len(candidates) == 0 {
		return nil
	}
	smallest := candidates[0]
	for _, c := range candidates[1:] {
		if string(c.GetName()) < string(smallest.GetName()) {
			smallest = c
		}
	}
	switch v := smallest.(type) {
	case directoryNodeName:
		return v.DirectoryNode
	case fileNodeName:
		return v.FileNode
	case symlinkNodeName:
		return v.SymlinkNode
	default:
		return nil
	}
}

type directoryNodeName struct{ *castorev1.DirectoryNode }
type fileNodeName struct{ *castorev1.FileNode }
type symlinkNodeName struct{ *castorev1.SymlinkNode }

func (n directoryNodeName) GetName() []byte { return n.Name }
func (n fileNodeName) GetName() []byte      { return n.Name }
func (n symlinkNodeName) GetName() []byte   { return n.Name }
