// Package orchestrator implements the Orchestrator Core of section
// 4.5: the bounded worker-pool tick loop that admits pending chunks,
// polls running jobs, retires finished ones (classifying success vs.
// retry vs. terminal failure), checks the circuit breaker, saves
// checkpoints, publishes health, and tears down on stop. Grounded on
// pkg/reconciler's Start/Stop/run ticker-loop shape, generalized from
// a single reconcile() pass over cluster state to an 8-step tick over
// one run's chunk queue.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"syscall"
	"time"

	"github.com/cuemby/robocurse/pkg/checkpoint"
	"github.com/cuemby/robocurse/pkg/copyworker"
	"github.com/cuemby/robocurse/pkg/health"
	"github.com/cuemby/robocurse/pkg/log"
	"github.com/cuemby/robocurse/pkg/metrics"
	"github.com/cuemby/robocurse/pkg/procregistry"
	"github.com/cuemby/robocurse/pkg/progress"
	"github.com/cuemby/robocurse/pkg/retry"
	"github.com/cuemby/robocurse/pkg/types"
)

// TickInterval is the baseline period between orchestrator ticks.
const TickInterval = 500 * time.Millisecond

// Options configures an Orchestrator run.
type Options struct {
	MaxWorkers       int
	SourceRoot       string
	DestRoot         string
	LogRoot          string
	CopyOptions      copyworker.Options
	RetryPolicy      retry.Policy
	BreakerThreshold int
	BreakerCooldown  time.Duration
	CheckpointEvery  int
	CheckpointStore  *checkpoint.Store
	// SnapshotIDs are the shadow ids created for this run, persisted
	// into every checkpoint so a crash mid-run doesn't lose track of
	// what snapshots belong to the session (spec §3 Checkpoint model).
	SnapshotIDs     []string
	HealthPublisher *health.Publisher
	WaitTimeout     time.Duration
	StopGrace       time.Duration
}

// waitResult carries a job's classified outcome from the background
// goroutine that blocks on copyworker.Wait back to the tick loop.
type waitResult struct {
	info copyworker.ExitInfo
	err  error
}

type runningChunk struct {
	chunk  *types.Chunk
	job    *copyworker.Job
	doneCh chan waitResult
}

// Orchestrator drives one profile run's chunks from pending through
// completion, bounded by MaxWorkers concurrent copy-tool processes.
type Orchestrator struct {
	opts    Options
	procs   *procregistry.Registry
	breaker *types.CircuitBreaker

	mu        sync.Mutex
	pending   []*types.Chunk
	running   map[uint64]*runningChunk
	completed []*types.Chunk
	failed    []*types.Chunk
	skipped   []*types.Chunk
	paused    bool

	checkpointBaseline int
	failedBaseline     int

	stopCh chan struct{}

	runState   types.RunState
	aggregator *progress.Aggregator
}

// New returns an Orchestrator ready to run chunks against opts. The
// caller populates pending chunks via Enqueue before calling Run.
func New(opts Options, runState types.RunState, bytesTotal, filesTotal int64) *Orchestrator {
	if opts.MaxWorkers <= 0 {
		opts.MaxWorkers = 4
	}
	if opts.WaitTimeout <= 0 {
		opts.WaitTimeout = time.Hour
	}
	if opts.StopGrace <= 0 {
		opts.StopGrace = 5 * time.Second
	}
	if opts.BreakerThreshold <= 0 {
		opts.BreakerThreshold = 5
	}
	if opts.BreakerCooldown <= 0 {
		opts.BreakerCooldown = time.Minute
	}
	if opts.CheckpointEvery <= 0 {
		opts.CheckpointEvery = 10
	}

	return &Orchestrator{
		opts:       opts,
		procs:      procregistry.New(),
		breaker:    &types.CircuitBreaker{Threshold: opts.BreakerThreshold},
		running:    make(map[uint64]*runningChunk),
		stopCh:     make(chan struct{}),
		runState:   runState,
		aggregator: progress.NewAggregator(bytesTotal, filesTotal, 30*time.Second),
	}
}

// Enqueue adds chunks to the pending queue, e.g. from the chunker's
// output or from a checkpoint's unfinished set on resume.
func (o *Orchestrator) Enqueue(chunks ...*types.Chunk) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.pending = append(o.pending, chunks...)
}

// Run drives the tick loop until every chunk reaches a terminal state,
// the circuit breaker trips, or ctx is canceled. It blocks until the
// run ends and returns the final RunState.
func (o *Orchestrator) Run(ctx context.Context) types.RunState {
	ticker := time.NewTicker(TickInterval)
	defer ticker.Stop()

	o.runState.Phase = types.RunPhaseCopying
	o.runState.StartedAt = time.Now()

	for {
		select {
		case <-ticker.C:
			timer := metrics.NewTimer()
			done := o.tick()
			timer.ObserveDuration(metrics.TickDuration)
			if done {
				return o.finish()
			}
		case <-o.stopCh:
			o.drainAndTerminate(ctx)
			o.runState.Phase = types.RunPhaseCanceled
			return o.finish()
		case <-ctx.Done():
			o.drainAndTerminate(ctx)
			o.runState.Phase = types.RunPhaseCanceled
			return o.finish()
		}
	}
}

// RequestStop asks the orchestrator to terminate active jobs and
// return from Run at the next opportunity.
func (o *Orchestrator) RequestStop() {
	select {
	case <-o.stopCh:
	default:
		close(o.stopCh)
	}
}

// RequestPause stops admitting new chunks without disturbing jobs
// already running.
func (o *Orchestrator) RequestPause() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.paused = true
	o.runState.Phase = types.RunPhasePaused
}

// RequestResume resumes admission after a pause.
func (o *Orchestrator) RequestResume() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.paused = false
	o.runState.Phase = types.RunPhaseCopying
}

// tick runs one cycle: admit, poll, retire, trip-check, checkpoint,
// health, and reports whether the run is complete.
func (o *Orchestrator) tick() bool {
	o.admit()
	exited := o.poll()
	o.retire(exited)
	o.checkpointIfDue()
	o.publishHealth()

	if o.breaker.Tripped {
		metrics.CircuitBreakerTripsTotal.Inc()
		log.WithRun(o.runState.RunID).Warn().Msg("circuit breaker tripped, halting run")
		o.drainAndTerminate(context.Background())
		return true
	}
	return o.isDrained()
}

// admit starts new copy jobs for pending chunks up to MaxWorkers,
// unless paused. A chunk awaiting its retry backoff (NextAttemptAt in
// the future) is skipped in place rather than started, so a later
// pending chunk that's already eligible can still fill an idle worker
// slot. Each started job's Wait call runs in its own goroutine so poll
// can check for completion without blocking.
func (o *Orchestrator) admit() {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.paused {
		return
	}

	now := time.Now()
	i := 0
	for len(o.running) < o.opts.MaxWorkers && i < len(o.pending) {
		chunk := o.pending[i]
		if !chunk.NextAttemptAt.IsZero() && chunk.NextAttemptAt.After(now) {
			i++
			continue
		}
		o.pending = append(o.pending[:i], o.pending[i+1:]...)

		logPath := chunkLogPath(o.opts.LogRoot, chunk.ID, chunk.Attempt+1)
		job, err := copyworker.StartJob(chunk, o.opts.SourceRoot, o.opts.DestRoot, logPath, o.opts.CopyOptions)
		if err != nil {
			chunk.Status = types.ChunkStatusFailed
			chunk.LastError = err.Error()
			o.failed = append(o.failed, chunk)
			o.breaker.RecordFailure(time.Now(), o.opts.BreakerCooldown)
			continue
		}

		chunk.Status = types.ChunkStatusRunning
		chunk.StartedAt = time.Now()
		chunk.Attempt++

		done := make(chan waitResult, 1)
		go func(job *copyworker.Job, done chan waitResult) {
			info, err := copyworker.Wait(context.Background(), job, o.opts.WaitTimeout)
			done <- waitResult{info: info, err: err}
		}(job, done)

		o.procs.Register(chunk.ID, job.PID(),
			func(sig syscall.Signal) error { return job.Signal(sig) },
			func() error {
				r := <-done
				done <- r
				return r.err
			},
		)

		o.running[chunk.ID] = &runningChunk{chunk: chunk, job: job, doneCh: done}
	}
}

// poll returns the running jobs whose Wait goroutine has already
// delivered a result, without blocking on the ones still in flight. It
// also folds every job's live progress snapshot into the aggregator.
func (o *Orchestrator) poll() []*runningChunk {
	o.mu.Lock()
	running := make([]*runningChunk, 0, len(o.running))
	for _, rc := range o.running {
		running = append(running, rc)
	}
	completedSoFar := append([]*types.Chunk(nil), o.completed...)
	o.mu.Unlock()

	var bytesCopied, filesCopied int64
	for _, c := range completedSoFar {
		bytesCopied += c.BytesCopied
		filesCopied += c.FilesCopied
	}

	var exited []*runningChunk
	for _, rc := range running {
		snap := copyworker.Poll(rc.job)
		bytesCopied += snap.BytesCopied
		filesCopied += snap.FilesCopied

		select {
		case res := <-rc.doneCh:
			rc.doneCh <- res // retire drains it; keeps poll safe if called again before retire runs
			exited = append(exited, rc)
		default:
		}
	}

	o.aggregator.Update(bytesCopied, filesCopied)
	return exited
}

// retire classifies each exited job's outcome: success resets the
// breaker and moves the chunk to completed; a retryable error
// re-enqueues it with a backoff-scheduled retry time; anything else is
// a terminal failure.
func (o *Orchestrator) retire(exited []*runningChunk) {
	for _, rc := range exited {
		result := <-rc.doneCh

		o.mu.Lock()
		delete(o.running, rc.chunk.ID)
		o.mu.Unlock()
		o.procs.Unregister(rc.chunk.ID)

		chunk := rc.chunk
		chunk.FinishedAt = time.Now()

		if result.err != nil {
			o.failChunk(chunk, result.err.Error())
			continue
		}

		info := result.info
		chunk.Classify = info.Classification
		chunk.BytesCopied = info.BytesCopied
		chunk.FilesCopied = info.FilesCopied
		chunk.ExtraFiles = info.ExtraFiles
		chunk.FailedFiles = info.FailedFiles

		switch {
		case copyworker.IsSuccess(info.Classification):
			chunk.Status = types.ChunkStatusSucceeded
			o.breaker.RecordSuccess()
			o.mu.Lock()
			o.completed = append(o.completed, chunk)
			o.mu.Unlock()

		case copyworker.ShouldRetry(info.Classification) && o.opts.RetryPolicy.ShouldRetry(chunk.Attempt):
			chunk.Status = types.ChunkStatusRetrying
			chunk.LastError = classificationReason(info)
			metrics.ChunksRetriedTotal.Inc()
			delay := o.opts.RetryPolicy.NextDelay(chunk.Attempt)
			chunk.NextAttemptAt = time.Now().Add(delay)
			log.WithChunk(chunk.ID).Info().Dur("retryAfter", delay).Msg("chunk scheduled for retry")
			o.mu.Lock()
			o.pending = append(o.pending, chunk)
			o.mu.Unlock()

		default:
			o.failChunk(chunk, classificationReason(info))
		}
	}
}

func classificationReason(info copyworker.ExitInfo) string {
	if info.Classification.Description != "" {
		return info.Classification.Description
	}
	if info.LogParseError != nil {
		return info.LogParseError.Error()
	}
	return "copy tool exited with an unclassified error"
}

// RetryChunk is the manual retry hook of spec §4.6: it pulls chunkID
// out of the failed set, resets its attempt count and backoff state,
// and re-enqueues it at the tail of pending. It reports an error if
// chunkID isn't currently in the failed set.
func (o *Orchestrator) RetryChunk(chunkID uint64) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	for i, c := range o.failed {
		if c.ID != chunkID {
			continue
		}
		o.failed = append(o.failed[:i], o.failed[i+1:]...)
		c.Attempt = 0
		c.NextAttemptAt = time.Time{}
		c.LastError = ""
		c.Status = types.ChunkStatusPending
		o.pending = append(o.pending, c)
		log.WithChunk(chunkID).Info().Msg("chunk manually retried")
		return nil
	}
	return fmt.Errorf("chunk %d not found in failed set", chunkID)
}

// SkipChunk is the manual skip hook of spec §4.6: it pulls chunkID out
// of the failed set and marks it Skipped, so it no longer counts
// toward the run's failure classification.
func (o *Orchestrator) SkipChunk(chunkID uint64) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	for i, c := range o.failed {
		if c.ID != chunkID {
			continue
		}
		o.failed = append(o.failed[:i], o.failed[i+1:]...)
		c.Status = types.ChunkStatusSkipped
		o.skipped = append(o.skipped, c)
		log.WithChunk(chunkID).Info().Msg("chunk manually skipped")
		return nil
	}
	return fmt.Errorf("chunk %d not found in failed set", chunkID)
}

func (o *Orchestrator) failChunk(chunk *types.Chunk, reason string) {
	chunk.Status = types.ChunkStatusFailed
	chunk.LastError = reason
	o.breaker.RecordFailure(time.Now(), o.opts.BreakerCooldown)
	o.mu.Lock()
	o.failed = append(o.failed, chunk)
	o.mu.Unlock()
	log.WithChunk(chunk.ID).Error().Str("reason", reason).Msg("chunk failed")
}

// checkpointIfDue saves a checkpoint every CheckpointEvery completions,
// and whenever the failed set has changed since the last save, per
// spec §4.4.
func (o *Orchestrator) checkpointIfDue() {
	if o.opts.CheckpointStore == nil {
		return
	}

	o.mu.Lock()
	completed, failed := len(o.completed), len(o.failed)
	due := completed-o.checkpointBaseline >= o.opts.CheckpointEvery || failed != o.failedBaseline
	if due {
		o.checkpointBaseline = completed
		o.failedBaseline = failed
	}
	o.mu.Unlock()

	if !due {
		return
	}
	o.saveCheckpoint()
}

func (o *Orchestrator) saveCheckpoint() {
	o.mu.Lock()
	state := checkpoint.State{
		RunID:       o.runState.RunID,
		ProfileID:   o.runState.ProfileID,
		StartedAt:   o.runState.StartedAt,
		SnapshotIDs: o.opts.SnapshotIDs,
	}
	for _, c := range o.completed {
		state.Completed = append(state.Completed, checkpoint.ChunkRecord{
			ChunkID: c.ID, Path: chunkPath(c), BytesCopied: c.BytesCopied, FilesCopied: c.FilesCopied,
		})
	}
	for _, c := range o.failed {
		state.Failed = append(state.Failed, checkpoint.ChunkRecord{
			ChunkID: c.ID, Path: chunkPath(c), BytesCopied: c.BytesCopied, FilesCopied: c.FilesCopied,
		})
	}
	o.mu.Unlock()

	timer := metrics.NewTimer()
	if err := o.opts.CheckpointStore.Save(state); err != nil {
		log.WithRun(o.runState.RunID).Error().Err(err).Msg("checkpoint save failed")
	}
	timer.ObserveDuration(metrics.CheckpointSaveDuration)
}

func (o *Orchestrator) publishHealth() {
	if o.opts.HealthPublisher == nil {
		return
	}
	snap := o.aggregator.Snapshot()

	o.mu.Lock()
	status := health.Status{
		Phase:          string(o.runState.Phase),
		Profile:        o.runState.ProfileID,
		TotalChunks:    o.runState.TotalChunks,
		CompletedCount: len(o.completed),
		FailedCount:    len(o.failed),
		BytesComplete:  snap.BytesCopied,
		TotalBytes:     snap.BytesTotal,
		Timestamp:      time.Now(),
		StopRequested:  o.isStopRequestedLocked(),
	}
	o.mu.Unlock()

	if err := o.opts.HealthPublisher.Publish(status); err != nil {
		log.WithRun(o.runState.RunID).Warn().Err(err).Msg("health publish failed")
	}
}

func (o *Orchestrator) isStopRequestedLocked() bool {
	select {
	case <-o.stopCh:
		return true
	default:
		return false
	}
}

func (o *Orchestrator) isDrained() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.pending) == 0 && len(o.running) == 0
}

func (o *Orchestrator) drainAndTerminate(ctx context.Context) {
	o.mu.Lock()
	ids := make([]uint64, 0, len(o.running))
	for id := range o.running {
		ids = append(ids, id)
	}
	o.mu.Unlock()

	for _, id := range ids {
		if err := o.procs.Terminate(ctx, id, o.opts.StopGrace); err != nil {
			log.WithChunk(id).Warn().Err(err).Msg("failed to terminate copy worker on stop")
		}
	}
}

func (o *Orchestrator) finish() types.RunState {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.runState.FinishedAt = time.Now()
	if o.runState.Phase == types.RunPhaseCopying {
		switch {
		case len(o.failed) > 0:
			o.runState.Phase = types.RunPhaseFailed
		case len(o.skipped) > 0:
			// a manually skipped chunk means the run didn't copy
			// everything it set out to, even though nothing failed.
			o.runState.Phase = types.RunPhaseWarning
		default:
			o.runState.Phase = types.RunPhaseSucceeded
		}
	}
	return o.runState
}

// Completed returns the chunks that finished successfully.
func (o *Orchestrator) Completed() []*types.Chunk {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]*types.Chunk(nil), o.completed...)
}

// Failed returns the chunks that reached a terminal failure.
func (o *Orchestrator) Failed() []*types.Chunk {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]*types.Chunk(nil), o.failed...)
}

// Skipped returns the chunks manually skipped via SkipChunk.
func (o *Orchestrator) Skipped() []*types.Chunk {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]*types.Chunk(nil), o.skipped...)
}

func chunkPath(c *types.Chunk) string {
	if len(c.Paths) == 0 {
		return ""
	}
	return c.Paths[0]
}
