package types

import "time"

// Profile describes one source/destination pair to replicate and the
// policy that governs how it is chunked, retried and snapshotted.
type Profile struct {
	ID            string
	Name          string
	Source        string
	Destination   string
	Excludes      []string
	ChunkStrategy ChunkStrategy
	MaxChunkFiles int
	MaxChunkBytes int64
	Snapshot      *SnapshotPolicy
	Retry         *RetryPolicy
	Labels        map[string]string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// ChunkStrategy selects how a profile's directory tree is partitioned
// into chunks for parallel copy.
type ChunkStrategy string

const (
	ChunkStrategySmart ChunkStrategy = "smart"
	ChunkStrategyFlat  ChunkStrategy = "flat"
)

// SnapshotPolicy controls whether and how a volume snapshot is taken
// before a profile's run begins.
type SnapshotPolicy struct {
	Enabled   bool
	Driver    string // "local", "remote"
	KeepCount int    // snapshots retained per volume after a successful run
	HardCap   int    // maxTotalSnapshots; ours+external count against this
}

// RetryPolicy controls the backoff applied to failed chunks.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
}

// TreeNode is one directory or file discovered while profiling a
// source tree, annotated with size and modification time.
type TreeNode struct {
	Path       string
	IsDir      bool
	SizeBytes  int64
	FileCount  int
	ModifiedAt time.Time
	Children   []*TreeNode
}

// Chunk is a unit of work handed to a copy worker: a set of source
// paths, relative to a profile's source root, to be mirrored under the
// profile's destination root.
type Chunk struct {
	ID          uint64
	ProfileID   string
	RunID       string
	Paths       []string
	FilesOnly   bool
	SizeBytes   int64
	FileCount   int
	Status      ChunkStatus
	Attempt     int
	LastError   string
	Classify    ExitClassification
	StartedAt   time.Time
	FinishedAt  time.Time
	BytesCopied int64
	FilesCopied int64
	// ExtraFiles and FailedFiles are the copy tool's mismatch counts for
	// this chunk's last attempt (files present only at the destination,
	// and files the tool reported but could not copy), used to tell a
	// clean success apart from a success with leftover mismatches.
	ExtraFiles  int64
	FailedFiles int64
	// NextAttemptAt is the earliest time a retrying chunk may be
	// re-admitted, set by the orchestrator from the retry policy's
	// backoff curve. Zero means immediately eligible.
	NextAttemptAt time.Time
}

// ChunkStatus is the lifecycle state of a chunk within a run.
type ChunkStatus string

const (
	ChunkStatusPending   ChunkStatus = "pending"
	ChunkStatusRunning   ChunkStatus = "running"
	ChunkStatusSucceeded ChunkStatus = "succeeded"
	ChunkStatusRetrying  ChunkStatus = "retrying"
	ChunkStatusFailed    ChunkStatus = "failed"
	ChunkStatusSkipped   ChunkStatus = "skipped"
)

// ExitClassification buckets a copy worker's exit code into the
// categories the orchestrator acts on: whether the chunk's data is
// trustworthy, and whether the chunk should be retried.
type ExitClassification struct {
	Code         int
	Fatal        bool
	Retryable    bool
	MismatchOnly bool
	Description  string
}

// SnapshotRecord is a point-in-time volume snapshot taken for a
// profile's source (or destination) root, tracked across its
// create/active/delete lifecycle.
type SnapshotRecord struct {
	ID         string
	VolumeKey  string
	ProfileID  string
	RunID      string
	Driver     string
	TargetPath string
	MountPath  string
	State      SnapshotState
	CreatedAt  time.Time
	ExpiresAt  time.Time
	Error      string
}

// SnapshotState is the snapshot lifecycle state.
type SnapshotState string

const (
	SnapshotStateNone     SnapshotState = "none"
	SnapshotStateCreating SnapshotState = "creating"
	SnapshotStateActive   SnapshotState = "active"
	SnapshotStateDeleting SnapshotState = "deleting"
	SnapshotStateGone     SnapshotState = "gone"
	SnapshotStateExternal SnapshotState = "external"
)

// RunState is the live, in-memory state of one orchestrator run
// across all of a profile's chunks.
type RunState struct {
	RunID       string
	ProfileID   string
	Phase       RunPhase
	TotalChunks int
	ActiveJobs  int
	StartedAt   time.Time
	FinishedAt  time.Time
	Error       string
}

// RunPhase is the coarse lifecycle state of a run.
type RunPhase string

const (
	RunPhasePending    RunPhase = "pending"
	RunPhaseProfiling  RunPhase = "profiling"
	RunPhaseSnapshot   RunPhase = "snapshot"
	RunPhaseCopying    RunPhase = "copying"
	RunPhasePaused     RunPhase = "paused"
	RunPhaseDraining   RunPhase = "draining"
	RunPhaseSucceeded  RunPhase = "succeeded"
	RunPhaseWarning    RunPhase = "warning"
	RunPhaseFailed     RunPhase = "failed"
	RunPhaseCanceled   RunPhase = "canceled"
)

// Job is a chunk handed to a copy worker together with the process
// bookkeeping the orchestrator needs to poll and tear it down.
type Job struct {
	Chunk     *Chunk
	PID       int
	StartedAt time.Time
}

// CircuitBreaker tracks consecutive chunk failures for a run and
// trips when a run is failing too fast to be worth continuing.
type CircuitBreaker struct {
	ConsecutiveFailures int
	Threshold           int
	Tripped             bool
	TrippedAt           time.Time
	CooldownUntil       time.Time
}

// RecordFailure increments the failure streak and trips the breaker
// once the threshold is reached.
func (cb *CircuitBreaker) RecordFailure(now time.Time, cooldown time.Duration) {
	cb.ConsecutiveFailures++
	if cb.Tripped {
		return
	}
	if cb.ConsecutiveFailures >= cb.Threshold {
		cb.Tripped = true
		cb.TrippedAt = now
		cb.CooldownUntil = now.Add(cooldown)
	}
}

// RecordSuccess resets the failure streak.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.ConsecutiveFailures = 0
}

// Reset clears a tripped breaker and its failure streak. It does not
// check CooldownUntil; it clears the breaker whenever it is called.
func (cb *CircuitBreaker) Reset() {
	cb.Tripped = false
	cb.ConsecutiveFailures = 0
}
