// Package chunker implements the Directory Profiler & Chunker from
// spec §4.2: it walks a source subtree into a TreeNode, then
// partitions that tree into Chunks no larger than a profile's
// configured thresholds.
package chunker

import (
	"fmt"
	"path/filepath"
	"sort"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/cuemby/robocurse/pkg/roerr"
	"github.com/cuemby/robocurse/pkg/types"
)

type cacheEntry struct {
	node       *types.TreeNode
	profiledAt time.Time
}

// Chunker profiles and partitions one profile's source tree at a
// time. Chunk ids are allocated from an atomic counter local to the
// Chunker, monotonic within a run and reset only at run boundaries
// (spec §4.2: "resettable only at run boundary").
type Chunker struct {
	lister   Lister
	cache    *lru.Cache[string, cacheEntry]
	cacheTTL time.Duration
	nextID   atomic.Uint64
}

// Option configures a Chunker.
type Option func(*Chunker)

// WithLister overrides the default FilesystemLister, e.g. to back
// profiling with the copy tool's own dry-run listing mode.
func WithLister(l Lister) Option {
	return func(c *Chunker) { c.lister = l }
}

// WithCacheTTL overrides how long a cached per-path profile remains
// valid before ProfileTree re-walks it.
func WithCacheTTL(ttl time.Duration) Option {
	return func(c *Chunker) { c.cacheTTL = ttl }
}

// New returns a Chunker with a bounded LRU profile cache of the given
// size (entries, not bytes).
func New(cacheSize int, opts ...Option) *Chunker {
	cache, err := lru.New[string, cacheEntry](cacheSize)
	if err != nil {
		// Only returns an error for cacheSize <= 0.
		cache, _ = lru.New[string, cacheEntry](1)
	}
	c := &Chunker{
		lister:   FilesystemLister{},
		cache:    cache,
		cacheTTL: 5 * time.Minute,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ResetChunkIDs resets the chunk-id counter to zero. Callers invoke
// this once per run, never mid-run.
func (c *Chunker) ResetChunkIDs() {
	c.nextID.Store(0)
}

// ProfileTree walks path up to maxDepth levels deep, returning a root
// TreeNode with per-directory byte/file totals accumulated
// bottom-up. Per-path results are cached in a bounded LRU and reused
// until they age past the configured TTL.
func (c *Chunker) ProfileTree(path string, maxDepth int) (*types.TreeNode, error) {
	node, err := c.profileNode(path, 0, maxDepth)
	if err != nil {
		return nil, roerr.Wrap(roerr.KindPreFlight, fmt.Errorf("profile %s: %w", path, err))
	}
	return node, nil
}

func (c *Chunker) profileNode(path string, depth, maxDepth int) (*types.TreeNode, error) {
	if entry, ok := c.cache.Get(path); ok {
		if time.Since(entry.profiledAt) < c.cacheTTL {
			return entry.node, nil
		}
		c.cache.Remove(path)
	}

	listings, err := c.lister.List(path)
	if err != nil {
		return nil, err
	}

	node := &types.TreeNode{Path: path, IsDir: true}

	sort.Slice(listings, func(i, j int) bool { return listings[i].Name < listings[j].Name })

	for _, l := range listings {
		childPath := filepath.Join(path, l.Name)
		if !l.IsDir {
			child := &types.TreeNode{
				Path:       childPath,
				IsDir:      false,
				SizeBytes:  l.Size,
				FileCount:  1,
				ModifiedAt: l.ModTime,
			}
			node.Children = append(node.Children, child)
			node.SizeBytes += child.SizeBytes
			node.FileCount++
			continue
		}

		if depth+1 >= maxDepth {
			// At max depth: count the subdirectory as an opaque leaf
			// without recursing further, still attributing its name so
			// the chunker can target it as a whole-subtree chunk.
			leaf := &types.TreeNode{Path: childPath, IsDir: true, ModifiedAt: l.ModTime}
			node.Children = append(node.Children, leaf)
			continue
		}

		child, err := c.profileNode(childPath, depth+1, maxDepth)
		if err != nil {
			return nil, err
		}
		node.Children = append(node.Children, child)
		node.SizeBytes += child.SizeBytes
		node.FileCount += child.FileCount
	}

	if node.ModifiedAt.IsZero() {
		node.ModifiedAt = time.Now()
	}

	c.cache.Add(path, cacheEntry{node: node, profiledAt: time.Now()})
	return node, nil
}

// Chunk partitions tree into Chunks per mode, none exceeding maxBytes
// or maxFiles, none recursing past maxDepth. Each Chunk's paths are
// relative to tree's root ("" for the root itself); Chunk takes no
// destination root — the copy worker joins each Chunk's relative path
// onto both roots independently so the destination never gets the
// source root concatenated into it.
func (c *Chunker) Chunk(profileID, runID string, tree *types.TreeNode, maxBytes int64, maxFiles int, maxDepth int, mode types.ChunkStrategy) ([]types.Chunk, error) {
	var out []types.Chunk
	switch mode {
	case types.ChunkStrategyFlat:
		c.chunkFlat(tree, "", profileID, runID, &out)
	default:
		c.chunkSmart(tree, "", 0, maxBytes, maxFiles, maxDepth, profileID, runID, &out)
	}
	return out, nil
}

func (c *Chunker) chunkSmart(node *types.TreeNode, relPath string, depth int, maxBytes int64, maxFiles int, maxDepth int, profileID, runID string, out *[]types.Chunk) {
	if (node.SizeBytes <= maxBytes && node.FileCount <= maxFiles) || depth >= maxDepth {
		*out = append(*out, c.newChunk(profileID, runID, relPath, false, node.SizeBytes, node.FileCount))
		return
	}

	var directFiles []*types.TreeNode
	var childDirs []*types.TreeNode
	for _, child := range node.Children {
		if child.IsDir {
			childDirs = append(childDirs, child)
		} else {
			directFiles = append(directFiles, child)
		}
	}

	if len(directFiles) > 0 {
		paths := []string{relPath}
		var bytes int64
		sort.Slice(directFiles, func(i, j int) bool { return directFiles[i].Path < directFiles[j].Path })
		for _, f := range directFiles {
			paths = append(paths, filepath.Base(f.Path))
			bytes += f.SizeBytes
		}
		chunk := c.newChunk(profileID, runID, relPath, true, bytes, len(directFiles))
		chunk.Paths = paths
		*out = append(*out, chunk)
	}

	sort.Slice(childDirs, func(i, j int) bool { return childDirs[i].Path < childDirs[j].Path })
	for _, child := range childDirs {
		childRel := filepath.Join(relPath, filepath.Base(child.Path))
		c.chunkSmart(child, childRel, depth+1, maxBytes, maxFiles, maxDepth, profileID, runID, out)
	}
}

func (c *Chunker) chunkFlat(node *types.TreeNode, relPath string, profileID, runID string, out *[]types.Chunk) {
	var directFiles []*types.TreeNode
	var childDirs []*types.TreeNode
	for _, child := range node.Children {
		if child.IsDir {
			childDirs = append(childDirs, child)
		} else {
			directFiles = append(directFiles, child)
		}
	}

	if len(directFiles) > 0 {
		paths := []string{relPath}
		var bytes int64
		sort.Slice(directFiles, func(i, j int) bool { return directFiles[i].Path < directFiles[j].Path })
		for _, f := range directFiles {
			paths = append(paths, filepath.Base(f.Path))
			bytes += f.SizeBytes
		}
		chunk := c.newChunk(profileID, runID, relPath, true, bytes, len(directFiles))
		chunk.Paths = paths
		*out = append(*out, chunk)
	}

	sort.Slice(childDirs, func(i, j int) bool { return childDirs[i].Path < childDirs[j].Path })
	for _, child := range childDirs {
		childRel := filepath.Join(relPath, filepath.Base(child.Path))
		*out = append(*out, c.newChunk(profileID, runID, childRel, false, child.SizeBytes, child.FileCount))
	}
}

func (c *Chunker) newChunk(profileID, runID, relPath string, filesOnly bool, sizeBytes int64, fileCount int) types.Chunk {
	return types.Chunk{
		ID:        c.nextID.Add(1),
		ProfileID: profileID,
		RunID:     runID,
		Paths:     []string{relPath},
		FilesOnly: filesOnly,
		SizeBytes: sizeBytes,
		FileCount: fileCount,
		Status:    types.ChunkStatusPending,
	}
}
