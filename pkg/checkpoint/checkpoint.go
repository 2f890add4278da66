// Package checkpoint implements the Checkpoint Store of section 4.4:
// atomically persisting a run's completed/failed chunk sets and byte
// totals so an interrupted run can resume without re-copying finished
// work. Grounded on a Store/FileStore shape (Save/Load, goccy/go-json
// marshaling, missing file reads as empty state), generalized here to
// use pkg/lockedfile's atomic write rather than a bare os.WriteFile,
// since robocurse's checkpoint competes with the orchestrator's own
// periodic saves.
package checkpoint

import (
	"errors"
	"os"
	"time"

	json "github.com/goccy/go-json"

	"github.com/cuemby/robocurse/pkg/lockedfile"
	"github.com/cuemby/robocurse/pkg/log"
	"github.com/cuemby/robocurse/pkg/roerr"
)

// ChunkRecord is the persisted outcome of one chunk, enough to skip
// re-running it (or to report it as a failure) on resume.
type ChunkRecord struct {
	ChunkID     uint64 `json:"chunkId"`
	Path        string `json:"path"`
	BytesCopied int64  `json:"bytesCopied"`
	FilesCopied int64  `json:"filesCopied"`
}

// State is the full on-disk checkpoint for one profile run.
type State struct {
	RunID       string        `json:"runId"`
	ProfileID   string        `json:"profileId"`
	StartedAt   time.Time     `json:"startedAt"`
	SavedAt     time.Time     `json:"savedAt"`
	Completed   []ChunkRecord `json:"completed"`
	Failed      []ChunkRecord `json:"failed"`
	BytesTotal  int64         `json:"bytesTotal"`
	FilesTotal  int64         `json:"filesTotal"`
	SnapshotIDs []string      `json:"snapshotIds"`
}

// Store persists a State at a fixed path via an atomic write.
type Store struct {
	lf *lockedfile.LockedFile
}

// NewStore returns a Store backed by path.
func NewStore(path string) *Store {
	return &Store{lf: lockedfile.New(path)}
}

// Save atomically writes state, called by the orchestrator every N
// chunk completions (config's CheckpointEvery) and on every chunk
// failure, per spec §4.4.
func (s *Store) Save(state State) error {
	state.SavedAt = time.Now()
	data, err := json.Marshal(state)
	if err != nil {
		return roerr.Wrap(roerr.KindCheckpointIO, err)
	}
	if err := s.lf.WriteAtomic(data, 0644); err != nil {
		return roerr.Wrap(roerr.KindCheckpointIO, err)
	}
	return nil
}

// Load reads the checkpoint. A missing or corrupt file yields a nil
// state and no error — corruption is logged at Warning, never thrown,
// per spec §4.4's "never throws" requirement; the run simply starts
// fresh.
func (s *Store) Load() (*State, error) {
	data, err := s.lf.ReadFile()
	if err != nil {
		if isNotExist(err) {
			return nil, nil
		}
		return nil, roerr.Wrap(roerr.KindCheckpointIO, err)
	}

	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		log.Warn("checkpoint file corrupt, starting fresh: " + err.Error())
		return nil, nil
	}
	return &state, nil
}

// Clear removes the checkpoint file, called after a run completes
// successfully.
func (s *Store) Clear() error {
	if err := s.lf.Remove(); err != nil {
		if isNotExist(err) {
			return nil
		}
		return roerr.Wrap(roerr.KindCheckpointIO, err)
	}
	return nil
}

// IsCompleted reports whether chunkPath was already copied in a prior
// attempt recorded by checkpoint, so the orchestrator can mark it
// Complete on resume without re-running it.
func IsCompleted(chunkPath string, state *State) bool {
	if state == nil {
		return false
	}
	for _, c := range state.Completed {
		if c.Path == chunkPath {
			return true
		}
	}
	return false
}

// ResumeTotals reconstructs the byte/file counters a progress
// aggregator should start from when resuming, summing every completed
// chunk's contribution.
func ResumeTotals(state *State) (bytesCopied, filesCopied int64) {
	if state == nil {
		return 0, 0
	}
	for _, c := range state.Completed {
		bytesCopied += c.BytesCopied
		filesCopied += c.FilesCopied
	}
	return bytesCopied, filesCopied
}

func isNotExist(err error) bool {
	return errors.Is(err, os.ErrNotExist)
}
