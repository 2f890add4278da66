package chunker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/robocurse/pkg/types"
)

// fakeLister serves a fixed in-memory directory tree, keyed by path,
// so tests don't touch the real filesystem.
type fakeLister struct {
	children map[string][]Listing
}

func (f *fakeLister) List(path string) ([]Listing, error) {
	return f.children[path], nil
}

func TestProfileTreeAccumulatesBottomUp(t *testing.T) {
	fl := &fakeLister{children: map[string][]Listing{
		"root": {
			{Name: "a.txt", Size: 10},
			{Name: "sub", IsDir: true},
		},
		"root/sub": {
			{Name: "b.txt", Size: 20},
			{Name: "c.txt", Size: 30},
		},
	}}

	c := New(100, WithLister(fl))
	tree, err := c.ProfileTree("root", 10)
	require.NoError(t, err)

	assert.Equal(t, int64(60), tree.SizeBytes)
	assert.Equal(t, 3, tree.FileCount)
	require.Len(t, tree.Children, 2)
}

func TestProfileTreeUsesCacheUntilTTLExpires(t *testing.T) {
	calls := 0
	fl := &countingLister{base: &fakeLister{children: map[string][]Listing{
		"root": {{Name: "a.txt", Size: 5}},
	}}, calls: &calls}

	c := New(100, WithLister(fl), WithCacheTTL(20*time.Millisecond))
	_, err := c.ProfileTree("root", 5)
	require.NoError(t, err)
	assert.Equal(t, 1, calls)

	_, err = c.ProfileTree("root", 5)
	require.NoError(t, err)
	assert.Equal(t, 1, calls, "second call within TTL should hit cache")

	time.Sleep(30 * time.Millisecond)
	_, err = c.ProfileTree("root", 5)
	require.NoError(t, err)
	assert.Equal(t, 2, calls, "call after TTL expiry should re-walk")
}

type countingLister struct {
	base  Lister
	calls *int
}

func (c *countingLister) List(path string) ([]Listing, error) {
	*c.calls++
	return c.base.List(path)
}

func TestChunkSmallTreeNoSplitSingleChunk(t *testing.T) {
	fl := &fakeLister{children: map[string][]Listing{
		"root": {
			{Name: "a.txt", Size: 10},
			{Name: "b.txt", Size: 20},
		},
	}}
	c := New(100, WithLister(fl))
	tree, err := c.ProfileTree("root", 10)
	require.NoError(t, err)

	chunks, err := c.Chunk("p1", "r1", tree, 1<<30, 1000, 10, types.ChunkStrategySmart)
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.False(t, chunks[0].FilesOnly)
	assert.Equal(t, int64(30), chunks[0].SizeBytes)
}

func TestChunkSmartSplitsFilesOnlyFirst(t *testing.T) {
	fl := &fakeLister{children: map[string][]Listing{
		"root": {
			{Name: "a.txt", Size: 1 << 20},
			{Name: "big", IsDir: true},
		},
		"root/big": {
			{Name: "huge.bin", Size: 10 << 20},
		},
	}}
	c := New(100, WithLister(fl))
	tree, err := c.ProfileTree("root", 10)
	require.NoError(t, err)

	// root's total (11MB) exceeds maxBytes so it must split; "big"'s
	// own subtree total (10MB) fits exactly, so it is emitted whole
	// rather than split again into its own files-only chunk.
	chunks, err := c.Chunk("p1", "r1", tree, 10<<20, 1000, 10, types.ChunkStrategySmart)
	require.NoError(t, err)
	require.Len(t, chunks, 2)

	assert.True(t, chunks[0].FilesOnly, "files-only chunk emitted first")
	assert.Equal(t, []string{"", "a.txt"}, chunks[0].Paths)
	assert.False(t, chunks[1].FilesOnly)
	assert.Equal(t, []string{"big"}, chunks[1].Paths)
}

func TestChunkIDsAreMonotonicAndResettable(t *testing.T) {
	fl := &fakeLister{children: map[string][]Listing{
		"root": {
			{Name: "a.txt", Size: 1},
			{Name: "dir1", IsDir: true},
			{Name: "dir2", IsDir: true},
		},
		"root/dir1": {{Name: "x.txt", Size: 1}},
		"root/dir2": {{Name: "y.txt", Size: 1}},
	}}
	c := New(100, WithLister(fl))
	tree, err := c.ProfileTree("root", 10)
	require.NoError(t, err)

	chunks, err := c.Chunk("p1", "r1", tree, 0, 0, 10, types.ChunkStrategySmart)
	require.NoError(t, err)
	require.NotEmpty(t, chunks)
	for i := 1; i < len(chunks); i++ {
		assert.Greater(t, chunks[i].ID, chunks[i-1].ID)
	}

	c.ResetChunkIDs()
	chunks2, err := c.Chunk("p1", "r2", tree, 0, 0, 10, types.ChunkStrategySmart)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), chunks2[0].ID)
}

func TestChunkFlatModeOneChunkPerImmediateDir(t *testing.T) {
	fl := &fakeLister{children: map[string][]Listing{
		"root": {
			{Name: "dir1", IsDir: true},
			{Name: "dir2", IsDir: true},
			{Name: "root.txt", Size: 5},
		},
		"root/dir1": {{Name: "x.txt", Size: 1000}},
		"root/dir2": {{Name: "y.txt", Size: 2000}},
	}}
	c := New(100, WithLister(fl))
	tree, err := c.ProfileTree("root", 10)
	require.NoError(t, err)

	chunks, err := c.Chunk("p1", "r1", tree, 1, 1, 10, types.ChunkStrategyFlat)
	require.NoError(t, err)
	require.Len(t, chunks, 3) // files-only root chunk + dir1 + dir2

	assert.True(t, chunks[0].FilesOnly)
	for _, ch := range chunks[1:] {
		assert.False(t, ch.FilesOnly)
	}
}

func TestProfileTreeStopsAtMaxDepth(t *testing.T) {
	fl := &fakeLister{children: map[string][]Listing{
		"root":          {{Name: "sub", IsDir: true}},
		"root/sub":      {{Name: "deep.txt", Size: 99}},
	}}
	c := New(100, WithLister(fl))

	// maxDepth=1 means the "sub" directory itself is profiled as an
	// opaque leaf without descending into it.
	tree, err := c.ProfileTree("root", 1)
	require.NoError(t, err)
	require.Len(t, tree.Children, 1)
	assert.Empty(t, tree.Children[0].Children)
}
