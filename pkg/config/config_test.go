package config

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/robocurse/pkg/types"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(filepath.Join(dir, "robocurse.yaml"))

	doc, err := s.Load()
	require.NoError(t, err)
	assert.Equal(t, DefaultGlobal(), doc.Global)
	assert.Empty(t, doc.Profiles)
}

func TestSaveThenLoadRoundTrips(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(filepath.Join(dir, "robocurse.yaml"))

	doc := &Document{
		Global: Global{
			MaxWorkers:      8,
			LogRoot:         "/var/log/robocurse",
			HealthInterval:  2 * time.Second,
			HealthPath:      "/tmp/health.json",
			CheckpointEvery: 5,
			CopyToolPath:    "robocopy",
		},
		Profiles: []*types.Profile{
			{
				ID:            "p1",
				Name:          "nightly",
				Source:        `\\fs01\share`,
				Destination:   `\\fs02\share`,
				ChunkStrategy: types.ChunkStrategySmart,
				MaxChunkFiles: 1000,
				MaxChunkBytes: 1 << 30,
			},
		},
	}

	require.NoError(t, s.Save(doc))

	loaded, err := s.Load()
	require.NoError(t, err)
	require.Len(t, loaded.Profiles, 1)
	assert.Equal(t, "nightly", loaded.Profiles[0].Name)
	assert.Equal(t, 8, loaded.Global.MaxWorkers)
}

func TestApplyDefaultsFillsProfileGaps(t *testing.T) {
	doc := &Document{
		Profiles: []*types.Profile{
			{ID: "p1", Name: "bare"},
		},
	}

	applyDefaults(doc)

	p := doc.Profiles[0]
	assert.Equal(t, types.ChunkStrategySmart, p.ChunkStrategy)
	assert.Equal(t, 50000, p.MaxChunkFiles)
	assert.EqualValues(t, 10<<30, p.MaxChunkBytes)
	require.NotNil(t, p.Retry)
	assert.Equal(t, 3, p.Retry.MaxAttempts)
	assert.Equal(t, 2.0, p.Retry.Multiplier)
}

func TestUpsertSnapshotRegistryInsertsAndUpdates(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(filepath.Join(dir, "robocurse.yaml"))

	require.NoError(t, s.UpsertSnapshotRegistry("vol-c", []string{"shadow-1"}))
	doc, err := s.Load()
	require.NoError(t, err)
	require.Len(t, doc.SnapshotReg, 1)
	assert.Equal(t, []string{"shadow-1"}, doc.SnapshotReg[0].ShadowIDs)

	require.NoError(t, s.UpsertSnapshotRegistry("vol-c", []string{"shadow-1", "shadow-2"}))
	doc, err = s.Load()
	require.NoError(t, err)
	require.Len(t, doc.SnapshotReg, 1)
	assert.Equal(t, []string{"shadow-1", "shadow-2"}, doc.SnapshotReg[0].ShadowIDs)
}
