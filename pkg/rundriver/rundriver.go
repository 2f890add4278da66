// Package rundriver implements the Run Driver of section 4.7: the
// top-level entry point that iterates a set of profiles, and for each
// one runs pre-flight validation, acquires a snapshot and rewrites
// paths onto it, chunks the source tree, hands the chunk queue to the
// Orchestrator Core, then classifies the outcome and retires the
// snapshot. Grounded on pkg/manager's role as the component that
// iterates cluster resources and drives their state transitions,
// generalized here to profile iteration instead of node/container
// reconciliation.
package rundriver

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cuemby/robocurse/pkg/checkpoint"
	"github.com/cuemby/robocurse/pkg/chunker"
	"github.com/cuemby/robocurse/pkg/config"
	"github.com/cuemby/robocurse/pkg/copyworker"
	"github.com/cuemby/robocurse/pkg/health"
	"github.com/cuemby/robocurse/pkg/log"
	"github.com/cuemby/robocurse/pkg/notify"
	"github.com/cuemby/robocurse/pkg/orchestrator"
	"github.com/cuemby/robocurse/pkg/retry"
	"github.com/cuemby/robocurse/pkg/roerr"
	"github.com/cuemby/robocurse/pkg/snapshot"
	"github.com/cuemby/robocurse/pkg/types"
)

// Exit codes for the driver process, per spec §6.
const (
	ExitSuccess        = 0
	ExitGenericFailure = 1
	ExitPreFlight      = 2
	ExitSnapshotCap    = 3
)

// defaultMaxProfileDepth bounds how deep ProfileTree recurses before
// treating a subdirectory as an opaque leaf chunk.
const defaultMaxProfileDepth = 16

// errRunAborted marks a profile error that ends the whole run rather
// than only that profile (a snapshot hard-cap failure).
var errRunAborted = errors.New("run aborted")

// ProfileOutcome records one profile's result within a run.
type ProfileOutcome struct {
	Profile   types.Profile
	RunID     string
	Phase     types.RunPhase
	Completed []*types.Chunk
	Failed    []*types.Chunk
	Skipped   []*types.Chunk
	Summary   notify.Summary
	Err       error
}

// Options configures a Driver.
type Options struct {
	ConfigStore     *config.Store
	SnapshotManager *snapshot.Manager
	Chunker         *chunker.Chunker
	Hook            *notify.Hook
	MaxProfileDepth int
}

// Driver runs profiles to completion, one at a time, wiring the
// chunker, snapshot manager, orchestrator and notification hook
// together per spec §4.7's control flow.
type Driver struct {
	opts Options

	mu      sync.Mutex
	current *orchestrator.Orchestrator
}

// New returns a Driver. Any Options.* field left nil falls back to a
// workable default (a fresh chunker, no snapshotting, a no-op hook).
func New(opts Options) *Driver {
	if opts.Chunker == nil {
		opts.Chunker = chunker.New(256)
	}
	if opts.Hook == nil {
		opts.Hook = notify.NewHook()
	}
	if opts.MaxProfileDepth <= 0 {
		opts.MaxProfileDepth = defaultMaxProfileDepth
	}
	return &Driver{opts: opts}
}

// StartRun iterates profiles in order, running each to a terminal
// phase. A Configuration-class error aborts the whole run before any
// profile starts; a Snapshot-class hard-cap error aborts the run after
// whichever profiles already ran. Any other per-profile failure is
// recorded in that profile's ProfileOutcome and iteration continues.
func (d *Driver) StartRun(ctx context.Context, global config.Global, profiles []*types.Profile, maxWorkers int) ([]ProfileOutcome, error) {
	if len(profiles) == 0 {
		return nil, roerr.Wrap(roerr.KindConfiguration, fmt.Errorf("no profiles configured"))
	}
	if maxWorkers <= 0 {
		maxWorkers = global.MaxWorkers
	}

	healthPublisher := health.NewPublisher(global.HealthPath)

	var outcomes []ProfileOutcome
	for _, profile := range profiles {
		outcome := d.runProfile(ctx, global, *profile, maxWorkers, healthPublisher)
		outcomes = append(outcomes, outcome)

		d.opts.Hook.Publish(eventForPhase(outcome.Phase), outcome.Summary)

		if errors.Is(outcome.Err, errRunAborted) {
			return outcomes, outcome.Err
		}
	}

	return outcomes, nil
}

func (d *Driver) runProfile(ctx context.Context, global config.Global, profile types.Profile, maxWorkers int, healthPublisher *health.Publisher) ProfileOutcome {
	runID := uuid.NewString()
	outcome := ProfileOutcome{Profile: profile, RunID: runID}

	if err := preflight(profile); err != nil {
		outcome.Err = roerr.Wrap(roerr.KindPreFlight, err)
		outcome.Phase = types.RunPhaseFailed
		outcome.Summary = summaryFor(profile, runID, time.Now(), time.Now(), nil, nil, nil, false, []string{err.Error()})
		log.WithProfile(profile.Name).Error().Err(err).Msg("pre-flight failed, aborting profile")
		return outcome
	}

	sourceRoot, destRoot, snapRec, err := d.acquireSnapshot(ctx, profile, runID)
	if err != nil {
		outcome.Err = err
		outcome.Phase = types.RunPhaseFailed
		outcome.Summary = summaryFor(profile, runID, time.Now(), time.Now(), nil, nil, nil, false, []string{err.Error()})
		return outcome
	}
	if snapRec != nil {
		defer d.releaseSnapshot(ctx, profile, snapRec)
	}

	tree, err := d.opts.Chunker.ProfileTree(sourceRoot, d.opts.MaxProfileDepth)
	if err != nil {
		outcome.Err = err
		outcome.Phase = types.RunPhaseFailed
		outcome.Summary = summaryFor(profile, runID, time.Now(), time.Now(), nil, nil, nil, false, []string{err.Error()})
		return outcome
	}

	d.opts.Chunker.ResetChunkIDs()
	chunks, err := d.opts.Chunker.Chunk(profile.ID, runID, tree, profile.MaxChunkBytes, profile.MaxChunkFiles, d.opts.MaxProfileDepth, profile.ChunkStrategy)
	if err != nil {
		outcome.Err = err
		outcome.Phase = types.RunPhaseFailed
		outcome.Summary = summaryFor(profile, runID, time.Now(), time.Now(), nil, nil, nil, false, []string{err.Error()})
		return outcome
	}

	checkpointStore := checkpoint.NewStore(checkpointPath(global, profile))
	pending, completedFromCheckpoint := applyCheckpoint(chunks, checkpointStore)

	var bytesTotal, filesTotal int64
	for i := range chunks {
		bytesTotal += chunks[i].SizeBytes
		filesTotal += int64(chunks[i].FileCount)
	}

	var snapshotIDs []string
	if snapRec != nil {
		snapshotIDs = []string{snapRec.ID}
	}

	orch := orchestrator.New(orchestrator.Options{
		MaxWorkers:       maxWorkers,
		SourceRoot:       sourceRoot,
		DestRoot:         destRoot,
		LogRoot:          global.LogRoot,
		CopyOptions:      copyworker.Options{CopyToolPath: global.CopyToolPath, GracePeriod: 5 * time.Second},
		RetryPolicy:      retryPolicyFor(profile),
		BreakerThreshold: 5,
		BreakerCooldown:  time.Minute,
		CheckpointEvery:  global.CheckpointEvery,
		CheckpointStore:  checkpointStore,
		SnapshotIDs:      snapshotIDs,
		HealthPublisher:  healthPublisher,
		WaitTimeout:      time.Hour,
		StopGrace:        5 * time.Second,
	}, types.RunState{RunID: runID, ProfileID: profile.ID, TotalChunks: len(chunks)}, bytesTotal, filesTotal)

	d.setCurrent(orch)
	orch.Enqueue(pending...)
	startedAt := time.Now()
	runState := orch.Run(ctx)
	d.setCurrent(nil)

	completed := append(completedFromCheckpoint, orch.Completed()...)
	failed := orch.Failed()
	skipped := orch.Skipped()

	outcome.Phase = runState.Phase
	outcome.Completed = completed
	outcome.Failed = failed
	outcome.Skipped = skipped

	// Success becomes Warning when everything copied but some chunks
	// reported leftover mismatches (extras present, nothing failed or
	// skipped), per spec §4.7 step 5's three-way classification.
	if outcome.Phase == types.RunPhaseSucceeded && extrasPresent(completed) {
		outcome.Phase = types.RunPhaseWarning
	}

	if outcome.Phase == types.RunPhaseSucceeded || outcome.Phase == types.RunPhaseWarning {
		checkpointStore.Clear()
		if d.opts.SnapshotManager != nil && profile.Snapshot != nil && profile.Snapshot.Enabled && profile.Snapshot.KeepCount > 0 {
			if err := d.opts.SnapshotManager.RetainAfterSuccess(ctx, profile.Snapshot.Driver, profile.Source, profile.Snapshot.KeepCount); err != nil {
				log.WithProfile(profile.Name).Warn().Err(err).Msg("post-success snapshot retention failed")
			}
		}
	}

	digest := failureDigest(failed, 10)
	outcome.Summary = summaryFor(profile, runID, startedAt, runState.FinishedAt, completed, failed, skipped, outcome.Phase == types.RunPhaseCanceled, digest)
	return outcome
}

// RequestStop forwards to the orchestrator currently running a
// profile, if any.
func (d *Driver) RequestStop() {
	if o := d.getCurrent(); o != nil {
		o.RequestStop()
	}
}

// RequestPause forwards to the orchestrator currently running a
// profile, if any.
func (d *Driver) RequestPause() {
	if o := d.getCurrent(); o != nil {
		o.RequestPause()
	}
}

// RequestResume forwards to the orchestrator currently running a
// profile, if any.
func (d *Driver) RequestResume() {
	if o := d.getCurrent(); o != nil {
		o.RequestResume()
	}
}

// RetryChunk forwards a manual retry request to the orchestrator
// currently running a profile. It errors if no profile is running or
// chunkID isn't in that profile's failed set.
func (d *Driver) RetryChunk(chunkID uint64) error {
	o := d.getCurrent()
	if o == nil {
		return fmt.Errorf("no profile currently running")
	}
	return o.RetryChunk(chunkID)
}

// SkipChunk forwards a manual skip request to the orchestrator
// currently running a profile. It errors if no profile is running or
// chunkID isn't in that profile's failed set.
func (d *Driver) SkipChunk(chunkID uint64) error {
	o := d.getCurrent()
	if o == nil {
		return fmt.Errorf("no profile currently running")
	}
	return o.SkipChunk(chunkID)
}

func (d *Driver) setCurrent(o *orchestrator.Orchestrator) {
	d.mu.Lock()
	d.current = o
	d.mu.Unlock()
}

func (d *Driver) getCurrent() *orchestrator.Orchestrator {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.current
}

// acquireSnapshot takes a snapshot for profile if its policy enables
// one, enforcing the volume's hard cap first, and returns the
// (possibly rewritten) source/destination roots the chunker and copy
// worker should use. When no snapshot is requested it returns the
// profile's own paths unchanged.
func (d *Driver) acquireSnapshot(ctx context.Context, profile types.Profile, runID string) (sourceRoot, destRoot string, rec *types.SnapshotRecord, err error) {
	pol := profile.Snapshot
	if pol == nil || !pol.Enabled || d.opts.SnapshotManager == nil {
		return profile.Source, profile.Destination, nil, nil
	}

	volumeKey := profile.Source
	if err := d.opts.SnapshotManager.EnforceHardCap(ctx, pol.Driver, volumeKey, pol.HardCap); err != nil {
		return "", "", nil, roerr.Wrap(roerr.KindSnapshot, fmt.Errorf("%w: %w", errRunAborted, err))
	}

	rec, err = d.opts.SnapshotManager.Create(ctx, pol.Driver, volumeKey, profile.Source, profile.ID, runID)
	if err != nil {
		return "", "", nil, roerr.Wrap(roerr.KindSnapshot, err)
	}

	return snapshot.RewritePath(profile.Source, profile.Source, rec.MountPath), profile.Destination, rec, nil
}

// releaseSnapshot deletes the snapshot taken for this profile's run,
// unless its policy is configured to retain snapshots (KeepCount > 0),
// in which case retention is handled separately by RetainAfterSuccess
// after a successful run.
func (d *Driver) releaseSnapshot(ctx context.Context, profile types.Profile, rec *types.SnapshotRecord) {
	if profile.Snapshot != nil && profile.Snapshot.KeepCount > 0 {
		return
	}
	if err := d.opts.SnapshotManager.Delete(ctx, rec); err != nil {
		log.WithProfile(profile.Name).Warn().Err(err).Str("shadowId", rec.ID).Msg("failed to release snapshot")
	}
}

// preflight validates a profile's source and destination per spec
// §4.7 step 1: source must exist and be readable, destination must
// exist or be creatable and writable.
func preflight(profile types.Profile) error {
	srcInfo, err := os.Stat(profile.Source)
	if err != nil {
		return fmt.Errorf("source %s: %w", profile.Source, err)
	}
	if !srcInfo.IsDir() {
		return fmt.Errorf("source %s is not a directory", profile.Source)
	}

	if _, err := os.Stat(profile.Destination); err != nil {
		if !os.IsNotExist(err) {
			return fmt.Errorf("destination %s: %w", profile.Destination, err)
		}
		if err := os.MkdirAll(profile.Destination, 0755); err != nil {
			return fmt.Errorf("create destination %s: %w", profile.Destination, err)
		}
	}

	probe := filepath.Join(profile.Destination, ".robocurse-write-test")
	f, err := os.Create(probe)
	if err != nil {
		return fmt.Errorf("destination %s is not writable: %w", profile.Destination, err)
	}
	f.Close()
	os.Remove(probe)

	return nil
}

// applyCheckpoint loads a prior checkpoint (if any) for this profile
// and splits chunks into the still-pending set and the set already
// marked complete, whose totals are reconstructed rather than
// re-copied, per spec §4.4's resume semantics.
func applyCheckpoint(chunks []types.Chunk, store *checkpoint.Store) (pending []*types.Chunk, completed []*types.Chunk) {
	state, err := store.Load()
	if err != nil || state == nil {
		for i := range chunks {
			pending = append(pending, &chunks[i])
		}
		return pending, nil
	}

	for i := range chunks {
		c := &chunks[i]
		path := ""
		if len(c.Paths) > 0 {
			path = c.Paths[0]
		}
		if checkpoint.IsCompleted(path, state) {
			c.Status = types.ChunkStatusSucceeded
			bytesCopied, filesCopied := recordTotalsFor(state, path)
			c.BytesCopied = bytesCopied
			c.FilesCopied = filesCopied
			completed = append(completed, c)
			continue
		}
		pending = append(pending, c)
	}
	return pending, completed
}

func recordTotalsFor(state *checkpoint.State, path string) (bytesCopied, filesCopied int64) {
	for _, r := range state.Completed {
		if r.Path == path {
			return r.BytesCopied, r.FilesCopied
		}
	}
	return 0, 0
}

func checkpointPath(global config.Global, profile types.Profile) string {
	return CheckpointPath(global, profile.ID)
}

// CheckpointPath returns the on-disk path StartRun uses for a
// profile's checkpoint, exposed so CLI commands inspecting or
// clearing a checkpoint agree with the driver on where to look.
func CheckpointPath(global config.Global, profileID string) string {
	return filepath.Join(global.LogRoot, "checkpoints", profileID+".json")
}

func retryPolicyFor(profile types.Profile) retry.Policy {
	if profile.Retry == nil {
		return retry.DefaultPolicy()
	}
	return retry.Policy{
		MaxAttempts: profile.Retry.MaxAttempts,
		BaseDelay:   profile.Retry.BaseDelay,
		MaxDelay:    profile.Retry.MaxDelay,
		Multiplier:  profile.Retry.Multiplier,
	}
}

func failureDigest(failed []*types.Chunk, limit int) []string {
	var digest []string
	for _, c := range failed {
		if len(digest) >= limit {
			break
		}
		path := ""
		if len(c.Paths) > 0 {
			path = c.Paths[0]
		}
		digest = append(digest, fmt.Sprintf("%s: %s (exit %d)", path, c.LastError, c.Classify.Code))
	}
	return digest
}

// extrasPresent reports whether any completed chunk found files at the
// destination that the copy tool didn't expect there (extras), per the
// mismatch counts copyworker parses from the tool's summary log.
func extrasPresent(completed []*types.Chunk) bool {
	for _, c := range completed {
		if c.ExtraFiles > 0 {
			return true
		}
	}
	return false
}

func summaryFor(profile types.Profile, runID string, startedAt, finishedAt time.Time, completed, failed, skipped []*types.Chunk, canceled bool, digest []string) notify.Summary {
	var bytesCopied, filesCopied, extraFiles int64
	var chunksExtras int
	for _, c := range completed {
		bytesCopied += c.BytesCopied
		filesCopied += c.FilesCopied
		if c.ExtraFiles > 0 {
			extraFiles += c.ExtraFiles
			chunksExtras++
		}
	}
	return notify.Summary{
		RunID:         runID,
		ProfileID:     profile.ID,
		ProfileName:   profile.Name,
		StartedAt:     startedAt,
		FinishedAt:    finishedAt,
		Duration:      finishedAt.Sub(startedAt),
		ChunksTotal:   len(completed) + len(failed) + len(skipped),
		ChunksOK:      len(completed),
		ChunksFailed:  len(failed),
		ChunksSkipped: len(skipped),
		ChunksExtras:  chunksExtras,
		ExtraFiles:    extraFiles,
		BytesCopied:   bytesCopied,
		FilesCopied:   filesCopied,
		FailureDigest: digest,
	}
}

func eventForPhase(phase types.RunPhase) notify.EventType {
	switch phase {
	case types.RunPhaseSucceeded:
		return notify.EventRunSucceeded
	case types.RunPhaseWarning:
		return notify.EventRunWarning
	case types.RunPhaseCanceled:
		return notify.EventRunCanceled
	default:
		return notify.EventRunFailed
	}
}

// ExitCode maps a StartRun result to the driver process exit code of
// spec §6: 0 success, 1 generic failure, 2 config/pre-flight failure,
// 3 snapshot hard-cap failure.
func ExitCode(outcomes []ProfileOutcome, err error) int {
	if err != nil {
		if roerr.Is(err, roerr.KindSnapshot) {
			return ExitSnapshotCap
		}
		if roerr.Is(err, roerr.KindConfiguration) {
			return ExitPreFlight
		}
		return ExitGenericFailure
	}
	for _, o := range outcomes {
		if o.Phase == types.RunPhaseFailed {
			if roerr.Is(o.Err, roerr.KindPreFlight) {
				return ExitPreFlight
			}
			return ExitGenericFailure
		}
	}
	return ExitSuccess
}
