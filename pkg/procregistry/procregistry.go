// Package procregistry implements the External Process Registry from
// spec §4.11: every copy-worker process the orchestrator spawns is
// registered here, so a top-level Stop, a canceled context, or a tripped
// circuit breaker can always find and terminate every live child
// instead of leaking orphans.
package procregistry

import (
	"context"
	"fmt"
	"sync"
	"syscall"
	"time"

	"github.com/cuemby/robocurse/pkg/log"
)

// Entry describes one registered child process.
type Entry struct {
	ChunkID   uint64
	PID       int
	StartedAt time.Time
	process   *processHandle
}

// processHandle is the minimal surface procregistry needs from
// os.Process, so tests can substitute a fake without spawning a real
// process.
type processHandle struct {
	signal func(syscall.Signal) error
	wait   func() error
}

// Registry tracks live copy-worker processes by chunk id.
type Registry struct {
	mu      sync.Mutex
	entries map[uint64]*Entry
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{entries: make(map[uint64]*Entry)}
}

// Register records a spawned process under chunkID. Callers pass
// signal/wait closures; the orchestrator passes a copyworker.Job's
// Signal and a wait on that job's completion.
func (r *Registry) Register(chunkID uint64, pid int, signal func(syscall.Signal) error, wait func() error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[chunkID] = &Entry{
		ChunkID:   chunkID,
		PID:       pid,
		StartedAt: time.Now(),
		process:   &processHandle{signal: signal, wait: wait},
	}
}

// Unregister drops chunkID's entry, called once a chunk's copy worker
// has exited (spec §4.1's StartJob/Wait contract).
func (r *Registry) Unregister(chunkID uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, chunkID)
}

// Snapshot returns the currently registered entries, for status
// reporting and tests.
func (r *Registry) Snapshot() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Entry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, *e)
	}
	return out
}

// Len reports the number of registered processes.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Terminate sends SIGTERM to chunkID's process, waits up to grace for
// it to exit, then sends SIGKILL. This is the graceful-then-forceful
// sequence the orchestrator runs on Stop, context cancellation and a
// tripped circuit breaker (spec §4.5's "terminate" tick step).
func (r *Registry) Terminate(ctx context.Context, chunkID uint64, grace time.Duration) error {
	r.mu.Lock()
	entry, ok := r.entries[chunkID]
	r.mu.Unlock()
	if !ok {
		return nil
	}

	if err := entry.process.signal(syscall.SIGTERM); err != nil {
		log.WithChunk(chunkID).Debug().Err(err).Msg("sigterm failed, process likely already gone")
	}

	done := make(chan error, 1)
	go func() { done <- entry.process.wait() }()

	graceCtx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()

	select {
	case <-done:
		r.Unregister(chunkID)
		return nil
	case <-graceCtx.Done():
		if err := entry.process.signal(syscall.SIGKILL); err != nil {
			r.Unregister(chunkID)
			return fmt.Errorf("sigkill chunk %d: %w", chunkID, err)
		}
		<-done
		r.Unregister(chunkID)
		return nil
	}
}

// TerminateAll drains every registered process. The orchestrator
// terminates its jobs one at a time through Terminate; nothing else in
// this module calls TerminateAll.
func (r *Registry) TerminateAll(ctx context.Context, grace time.Duration) {
	for _, e := range r.Snapshot() {
		if err := r.Terminate(ctx, e.ChunkID, grace); err != nil {
			log.WithChunk(e.ChunkID).Warn().Err(err).Msg("failed to terminate copy worker")
		}
	}
}
