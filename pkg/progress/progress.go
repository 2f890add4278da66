// Package progress implements the Progress Aggregator of section 4.8:
// tracking bytes/files copied across all active chunks, smoothing
// throughput over a trailing window rather than an instantaneous
// delta, and projecting an ETA capped at a sane ceiling so a stalled
// run never reports an ETA of years. Grounded on pkg/metrics's
// Prometheus gauge/counter conventions for the exported series, and on
// a periodic-report ticker-loop shape for reporting snapshots on an
// interval.
package progress

import (
	"context"
	"sync"
	"time"

	"github.com/cuemby/robocurse/pkg/metrics"
)

// maxETA caps a projected ETA so near-zero throughput never reports
// an absurd duration.
const maxETA = 365 * 24 * time.Hour

// sample is one throughput observation used to smooth the rate.
type sample struct {
	at    time.Time
	bytes int64
}

// Snapshot is a point-in-time read of aggregate progress.
type Snapshot struct {
	BytesCopied int64
	FilesCopied int64
	BytesTotal  int64
	FilesTotal  int64
	// BytesPerSec is the smoothed throughput over the trailing window.
	BytesPerSec float64
	// ETA is the projected time to completion, capped at maxETA.
	ETA time.Duration
}

// Aggregator accumulates bytes/files copied across all of a run's
// chunks and reports a windowed throughput and ETA.
type Aggregator struct {
	window time.Duration

	mu          sync.Mutex
	bytesTotal  int64
	filesTotal  int64
	bytesCopied int64
	filesCopied int64
	samples     []sample
}

// NewAggregator returns an Aggregator for a run whose total size is
// known up front (from the directory profiler), smoothing throughput
// over the trailing window.
func NewAggregator(bytesTotal, filesTotal int64, window time.Duration) *Aggregator {
	if window <= 0 {
		window = 30 * time.Second
	}
	return &Aggregator{
		window:     window,
		bytesTotal: bytesTotal,
		filesTotal: filesTotal,
	}
}

// Update records the current absolute bytes/files copied across all
// chunks, incrementing the matching Prometheus counters by the delta
// since the last update.
func (a *Aggregator) Update(bytesCopied, filesCopied int64) {
	a.mu.Lock()
	defer a.mu.Unlock()

	deltaBytes := bytesCopied - a.bytesCopied
	deltaFiles := filesCopied - a.filesCopied
	if deltaBytes > 0 {
		metrics.BytesCopiedTotal.Add(float64(deltaBytes))
	}
	if deltaFiles > 0 {
		metrics.FilesCopiedTotal.Add(float64(deltaFiles))
	}

	a.bytesCopied = bytesCopied
	a.filesCopied = filesCopied
	a.samples = append(a.samples, sample{at: time.Now(), bytes: bytesCopied})
	a.trimLocked()
}

func (a *Aggregator) trimLocked() {
	cutoff := time.Now().Add(-a.window)
	i := 0
	for i < len(a.samples) && a.samples[i].at.Before(cutoff) {
		i++
	}
	// always keep at least one sample before the cutoff as the window's
	// left edge, so a sparse update stream still has a baseline to
	// compute a rate against.
	if i > 0 {
		i--
	}
	a.samples = a.samples[i:]
}

// Snapshot computes the current bytes/files totals, windowed
// throughput, and capped ETA.
func (a *Aggregator) Snapshot() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()

	snap := Snapshot{
		BytesCopied: a.bytesCopied,
		FilesCopied: a.filesCopied,
		BytesTotal:  a.bytesTotal,
		FilesTotal:  a.filesTotal,
	}

	if len(a.samples) >= 2 {
		oldest := a.samples[0]
		newest := a.samples[len(a.samples)-1]
		elapsed := newest.at.Sub(oldest.at).Seconds()
		if elapsed > 0 {
			snap.BytesPerSec = float64(newest.bytes-oldest.bytes) / elapsed
		}
	}

	remaining := a.bytesTotal - a.bytesCopied
	switch {
	case remaining <= 0:
		snap.ETA = 0
	case snap.BytesPerSec <= 0:
		snap.ETA = maxETA
	default:
		eta := time.Duration(float64(remaining) / snap.BytesPerSec * float64(time.Second))
		if eta > maxETA {
			eta = maxETA
		}
		snap.ETA = eta
	}

	return snap
}

// Run periodically invokes onTick with the current snapshot until ctx
// is canceled.
func (a *Aggregator) Run(ctx context.Context, interval time.Duration, onTick func(Snapshot)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			onTick(a.Snapshot())
		case <-ctx.Done():
			return
		}
	}
}
