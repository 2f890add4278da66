package orchestrator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/robocurse/pkg/checkpoint"
	"github.com/cuemby/robocurse/pkg/copyworker"
	"github.com/cuemby/robocurse/pkg/health"
	"github.com/cuemby/robocurse/pkg/retry"
	"github.com/cuemby/robocurse/pkg/types"
)

// fakeCopyTool writes a minimal robocopy-style summary log and exits
// with exitCode, mirroring copyworker's own test fixture so chunk
// outcomes classify the same way here as they do there.
func fakeCopyTool(t *testing.T, exitCode int, sleep time.Duration) string {
	t.Helper()
	dir := t.TempDir()
	script := filepath.Join(dir, "fakecopy.sh")
	body := `#!/bin/sh
logpath=""
for arg in "$@"; do
  case "$arg" in
    /LOG:*) logpath="${arg#/LOG:}" ;;
  esac
done
if [ -n "$logpath" ]; then
  cat > "$logpath" <<'EOF'
   Dirs :         1         1         0         0         0         0
   Files :        2         2         0         0         0         0
   Bytes :   10         10         0         0         0         0
EOF
fi
sleep ` + fmt.Sprintf("%.2f", sleep.Seconds()) + `
exit ` + strconv.Itoa(exitCode) + `
`
	require.NoError(t, os.WriteFile(script, []byte(body), 0755))
	return script
}

func newTestOrchestrator(t *testing.T, toolPath string, maxWorkers int) *Orchestrator {
	t.Helper()
	dir := t.TempDir()

	opts := Options{
		MaxWorkers:       maxWorkers,
		SourceRoot:       dir,
		DestRoot:         dir,
		LogRoot:          dir,
		CopyOptions:      copyworker.DefaultOptions(toolPath),
		RetryPolicy:      retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Multiplier: 2},
		BreakerThreshold: 3,
		BreakerCooldown:  time.Minute,
		CheckpointEvery:  1,
		CheckpointStore:  checkpoint.NewStore(filepath.Join(dir, "checkpoint.json")),
		HealthPublisher:  health.NewPublisher(filepath.Join(dir, "health.json")),
		WaitTimeout:      5 * time.Second,
		StopGrace:        time.Second,
	}

	runState := types.RunState{RunID: "run-1", ProfileID: "profile-1", TotalChunks: 1}
	return New(opts, runState, 0, 0)
}

func chunkWith(id uint64) *types.Chunk {
	return &types.Chunk{ID: id, Paths: []string{"sub"}, SizeBytes: 10, FileCount: 2}
}

func TestRunDrainsAllChunksOnSuccess(t *testing.T) {
	script := fakeCopyTool(t, 0, 10*time.Millisecond)
	o := newTestOrchestrator(t, script, 2)
	o.Enqueue(chunkWith(1), chunkWith(2), chunkWith(3))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	state := o.Run(ctx)

	assert.Equal(t, types.RunPhaseSucceeded, state.Phase)
	assert.Len(t, o.Completed(), 3)
	assert.Empty(t, o.Failed())
}

func TestRunRetriesTransientFailureUntilExhausted(t *testing.T) {
	// exit code 8 classifies as retryable; run a tool that always fails
	// to confirm the chunk exhausts retries and ends up failed, not
	// stuck in an infinite retry loop.
	script := fakeCopyTool(t, 8, time.Millisecond)
	o := newTestOrchestrator(t, script, 1)
	o.Enqueue(chunkWith(1))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	state := o.Run(ctx)

	assert.Equal(t, types.RunPhaseFailed, state.Phase)
	require.Len(t, o.Failed(), 1)
	assert.Equal(t, 3, o.Failed()[0].Attempt)
}

func TestRunTripsCircuitBreakerOnFatalFailures(t *testing.T) {
	script := fakeCopyTool(t, 16, time.Millisecond)
	o := newTestOrchestrator(t, script, 1)
	o.opts.BreakerThreshold = 2
	o.breaker.Threshold = 2
	o.Enqueue(chunkWith(1), chunkWith(2), chunkWith(3))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	o.Run(ctx)

	assert.True(t, o.breaker.Tripped)
}

func TestRequestStopTerminatesRun(t *testing.T) {
	script := fakeCopyTool(t, 0, time.Second)
	o := newTestOrchestrator(t, script, 1)
	o.Enqueue(chunkWith(1))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	go func() {
		time.Sleep(50 * time.Millisecond)
		o.RequestStop()
	}()

	state := o.Run(ctx)
	assert.Equal(t, types.RunPhaseCanceled, state.Phase)
}

func TestRequestPauseStopsAdmission(t *testing.T) {
	script := fakeCopyTool(t, 0, 5*time.Millisecond)
	o := newTestOrchestrator(t, script, 1)
	o.RequestPause()
	o.Enqueue(chunkWith(1))

	o.admit()
	assert.Empty(t, o.running)

	o.RequestResume()
	o.admit()
	assert.Len(t, o.running, 1)
}

func TestRetireSchedulesBackoffBeforeReadmission(t *testing.T) {
	// exit code 8 is the retryable class; a long base delay means the
	// chunk must still be sitting out its backoff when we check pending
	// immediately after retire, not already back in a running slot.
	script := fakeCopyTool(t, 8, time.Millisecond)
	o := newTestOrchestrator(t, script, 1)
	o.opts.RetryPolicy = retry.Policy{MaxAttempts: 3, BaseDelay: time.Hour, MaxDelay: time.Hour, Multiplier: 2}
	chunk := chunkWith(1)
	o.Enqueue(chunk)

	o.admit()
	require.Eventually(t, func() bool {
		exited := o.poll()
		if len(exited) == 0 {
			return false
		}
		o.retire(exited)
		return true
	}, 5*time.Second, 5*time.Millisecond)

	assert.True(t, chunk.NextAttemptAt.After(time.Now()))

	o.admit()
	assert.Empty(t, o.running, "chunk still in backoff should not be re-admitted")
	o.mu.Lock()
	pendingLen := len(o.pending)
	o.mu.Unlock()
	assert.Equal(t, 1, pendingLen, "chunk should remain queued, not dropped")
}

func TestAdmitSkipsChunkInBackoffButAdmitsLaterEligibleChunk(t *testing.T) {
	script := fakeCopyTool(t, 0, time.Millisecond)
	o := newTestOrchestrator(t, script, 1)

	waiting := chunkWith(1)
	waiting.NextAttemptAt = time.Now().Add(time.Hour)
	ready := chunkWith(2)
	o.Enqueue(waiting, ready)

	o.admit()

	assert.NotContains(t, o.running, uint64(1))
	require.Contains(t, o.running, uint64(2))
	o.mu.Lock()
	require.Len(t, o.pending, 1)
	assert.Equal(t, uint64(1), o.pending[0].ID)
	o.mu.Unlock()
}

func TestRetryChunkResetsAndReenqueues(t *testing.T) {
	script := fakeCopyTool(t, 0, time.Millisecond)
	o := newTestOrchestrator(t, script, 1)
	chunk := chunkWith(1)
	chunk.Attempt = 2
	chunk.NextAttemptAt = time.Now().Add(time.Hour)
	chunk.LastError = "boom"
	o.failed = append(o.failed, chunk)

	require.NoError(t, o.RetryChunk(1))

	assert.Empty(t, o.failed)
	require.Len(t, o.pending, 1)
	assert.Equal(t, 0, o.pending[0].Attempt)
	assert.True(t, o.pending[0].NextAttemptAt.IsZero())
	assert.Empty(t, o.pending[0].LastError)
	assert.Equal(t, types.ChunkStatusPending, o.pending[0].Status)
}

func TestRetryChunkErrorsWhenNotFailed(t *testing.T) {
	o := newTestOrchestrator(t, "", 1)
	assert.Error(t, o.RetryChunk(99))
}

func TestSkipChunkMarksSkippedAndClearsFailed(t *testing.T) {
	o := newTestOrchestrator(t, "", 1)
	chunk := chunkWith(1)
	o.failed = append(o.failed, chunk)

	require.NoError(t, o.SkipChunk(1))

	assert.Empty(t, o.failed)
	require.Len(t, o.Skipped(), 1)
	assert.Equal(t, types.ChunkStatusSkipped, o.Skipped()[0].Status)
}

func TestSkipChunkErrorsWhenNotFailed(t *testing.T) {
	o := newTestOrchestrator(t, "", 1)
	assert.Error(t, o.SkipChunk(99))
}

func TestSaveCheckpointRecordsCompletedChunks(t *testing.T) {
	script := fakeCopyTool(t, 0, 5*time.Millisecond)
	o := newTestOrchestrator(t, script, 1)
	o.Enqueue(chunkWith(1))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	o.Run(ctx)

	state, err := o.opts.CheckpointStore.Load()
	require.NoError(t, err)
	require.NotNil(t, state)
	assert.Len(t, state.Completed, 1)
}
