package lockedfile

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteAtomicThenReadFileRoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.txt")
	f := New(path)

	require.NoError(t, f.WriteAtomic([]byte("hello"), 0644))

	got, err := f.ReadFile()
	require.NoError(t, err)
	assert.Equal(t, "hello", string(got))
}

func TestWriteAtomicOverwritesExistingContent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.txt")
	f := New(path)

	require.NoError(t, f.WriteAtomic([]byte("first"), 0644))
	require.NoError(t, f.WriteAtomic([]byte("second"), 0644))

	got, err := f.ReadFile()
	require.NoError(t, err)
	assert.Equal(t, "second", string(got))
}

func TestRemoveDeletesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.txt")
	f := New(path)
	require.NoError(t, f.WriteAtomic([]byte("x"), 0644))

	require.NoError(t, f.Remove())

	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestReadFileMissingReturnsNotExist(t *testing.T) {
	path := filepath.Join(t.TempDir(), "absent.txt")
	f := New(path)

	_, err := f.ReadFile()
	require.Error(t, err)
	assert.True(t, os.IsNotExist(err))
}
