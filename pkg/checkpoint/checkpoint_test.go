package checkpoint

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileReturnsNilNoError(t *testing.T) {
	s := NewStore(filepath.Join(t.TempDir(), "checkpoint.json"))
	state, err := s.Load()
	require.NoError(t, err)
	assert.Nil(t, state)
}

func TestSaveThenLoadRoundTrips(t *testing.T) {
	s := NewStore(filepath.Join(t.TempDir(), "checkpoint.json"))
	in := State{
		RunID:     "run-1",
		ProfileID: "profile-1",
		StartedAt: time.Now().Truncate(time.Second),
		Completed: []ChunkRecord{{ChunkID: 1, Path: "a", BytesCopied: 100, FilesCopied: 2}},
		Failed:    []ChunkRecord{{ChunkID: 2, Path: "b"}},
	}
	require.NoError(t, s.Save(in))

	out, err := s.Load()
	require.NoError(t, err)
	require.NotNil(t, out)
	assert.Equal(t, in.RunID, out.RunID)
	assert.Equal(t, in.Completed, out.Completed)
	assert.False(t, out.SavedAt.IsZero())
}

func TestLoadCorruptFileReturnsNilNoError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "checkpoint.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0644))

	s := NewStore(path)
	state, err := s.Load()
	require.NoError(t, err)
	assert.Nil(t, state)
}

func TestClearRemovesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "checkpoint.json")
	s := NewStore(path)
	require.NoError(t, s.Save(State{RunID: "run-1"}))

	require.NoError(t, s.Clear())
	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err))

	// clearing an already-absent checkpoint is a no-op, not an error
	require.NoError(t, s.Clear())
}

func TestIsCompletedChecksPath(t *testing.T) {
	state := &State{Completed: []ChunkRecord{{ChunkID: 1, Path: "dir/a"}}}
	assert.True(t, IsCompleted("dir/a", state))
	assert.False(t, IsCompleted("dir/b", state))
	assert.False(t, IsCompleted("dir/a", nil))
}

func TestResumeTotalsSumsCompletedOnly(t *testing.T) {
	state := &State{
		Completed: []ChunkRecord{
			{BytesCopied: 100, FilesCopied: 1},
			{BytesCopied: 200, FilesCopied: 3},
		},
		Failed: []ChunkRecord{{BytesCopied: 999, FilesCopied: 99}},
	}
	bytes, files := ResumeTotals(state)
	assert.Equal(t, int64(300), bytes)
	assert.Equal(t, int64(4), files)
}
