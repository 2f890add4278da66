package chunker

import (
	"os"
	"path/filepath"
	"time"
)

// Listing is one immediate child entry of a directory, as returned by
// a Lister — the same shape the copy tool's dry-run listing mode
// would report (spec §4.2: "uses the copy tool's dry-run listing mode
// for enumeration so permissions and path semantics match the real
// copy").
type Listing struct {
	Name    string
	IsDir   bool
	Size    int64
	ModTime time.Time
}

// Lister enumerates the immediate children of a directory.
// FilesystemLister is the only implementation in this module; it is
// the default, and the production binary and every test in this
// package use it. No implementation enumerates through the copy
// tool's list-only mode, so discovery reads the filesystem directly.
type Lister interface {
	List(dirPath string) ([]Listing, error)
}

// FilesystemLister walks the local filesystem directly with
// os.ReadDir/os.Lstat.
type FilesystemLister struct{}

// List returns the immediate children of dirPath.
func (FilesystemLister) List(dirPath string) ([]Listing, error) {
	entries, err := os.ReadDir(dirPath)
	if err != nil {
		return nil, err
	}

	out := make([]Listing, 0, len(entries))
	for _, e := range entries {
		info, err := os.Lstat(filepath.Join(dirPath, e.Name()))
		if err != nil {
			return nil, err
		}
		out = append(out, Listing{
			Name:    e.Name(),
			IsDir:   info.IsDir(),
			Size:    info.Size(),
			ModTime: info.ModTime(),
		})
	}
	return out, nil
}
