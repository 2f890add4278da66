/*
Package types defines the core data structures shared across robocurse's
packages: profiles, chunks, snapshots, runs and the circuit breaker.
The checkpoint record lives in pkg/checkpoint, not here.

# Core Types

Profile Definition:
  - Profile: a source/destination pair and its chunking, retry and
    snapshot policy
  - ChunkStrategy: smart (tree-aware) or flat partitioning
  - SnapshotPolicy: whether to snapshot before copying, and retention
  - RetryPolicy: attempts, base delay, cap, multiplier

Chunking:
  - TreeNode: one directory/file discovered while profiling a source tree
  - Chunk: a unit of work handed to a copy worker
  - ChunkStatus: pending, running, succeeded, retrying, failed, skipped
  - ExitClassification: how a copy worker's exit code should be acted on

Snapshots:
  - SnapshotRecord: a volume snapshot tracked across its lifecycle
  - SnapshotState: none, creating, active, deleting, gone, external

Runs:
  - RunState: live state of one orchestrator run across all chunks
  - RunPhase: pending, profiling, snapshot, copying, paused, draining,
    succeeded, warning, failed, canceled
  - Job: a chunk plus the process bookkeeping needed to poll/kill it
  - CircuitBreaker: trips a run that is failing too fast to continue

# Thread Safety

These are plain data types; callers (pkg/orchestrator in particular)
are responsible for synchronizing mutation. CircuitBreaker's methods
assume the caller already holds whatever lock guards the run.
*/
package types
