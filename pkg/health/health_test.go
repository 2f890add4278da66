package health

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishThenReadRoundTrips(t *testing.T) {
	dir := t.TempDir()
	p := NewPublisher(filepath.Join(dir, "health.json"))

	want := Status{
		Phase:          "copying",
		Profile:        "nightly",
		TotalChunks:    10,
		CompletedCount: 4,
		FailedCount:    1,
		BytesComplete:  4096,
		TotalBytes:     40960,
		Timestamp:      time.Now().Truncate(time.Second),
		StopRequested:  false,
	}

	require.NoError(t, p.Publish(want))

	got, err := p.Read()
	require.NoError(t, err)
	assert.Equal(t, want.Phase, got.Phase)
	assert.Equal(t, want.Profile, got.Profile)
	assert.Equal(t, want.TotalChunks, got.TotalChunks)
	assert.Equal(t, want.CompletedCount, got.CompletedCount)
	assert.Equal(t, want.FailedCount, got.FailedCount)
	assert.Equal(t, want.BytesComplete, got.BytesComplete)
	assert.Equal(t, want.TotalBytes, got.TotalBytes)
	assert.True(t, want.Timestamp.Equal(got.Timestamp))
	assert.Equal(t, want.StopRequested, got.StopRequested)
}

func TestPublishOverwritesPreviousStatus(t *testing.T) {
	dir := t.TempDir()
	p := NewPublisher(filepath.Join(dir, "health.json"))

	require.NoError(t, p.Publish(Status{Phase: "profiling", CompletedCount: 0}))
	require.NoError(t, p.Publish(Status{Phase: "succeeded", CompletedCount: 10}))

	got, err := p.Read()
	require.NoError(t, err)
	assert.Equal(t, "succeeded", got.Phase)
	assert.Equal(t, 10, got.CompletedCount)
}

func TestReadMissingFileErrors(t *testing.T) {
	dir := t.TempDir()
	p := NewPublisher(filepath.Join(dir, "missing.json"))

	_, err := p.Read()
	assert.Error(t, err)
}
