// Package health publishes the run-status file described in spec
// §4.9: a small JSON document, rewritten atomically on a fixed
// interval, that lets an external watchdog or dashboard answer "is
// this run still making progress" without parsing log output.
package health

import (
	"time"

	json "github.com/goccy/go-json"

	"github.com/cuemby/robocurse/pkg/lockedfile"
	"github.com/cuemby/robocurse/pkg/roerr"
)

// Status is the JSON schema written to the health path, matching
// §4.9's {phase, profile, totalChunks, completedCount, failedCount,
// bytesComplete, totalBytes, timestamp, stopRequested} contract.
type Status struct {
	Phase          string    `json:"phase"`
	Profile        string    `json:"profile"`
	TotalChunks    int       `json:"totalChunks"`
	CompletedCount int       `json:"completedCount"`
	FailedCount    int       `json:"failedCount"`
	BytesComplete  int64     `json:"bytesComplete"`
	TotalBytes     int64     `json:"totalBytes"`
	Timestamp      time.Time `json:"timestamp"`
	StopRequested  bool      `json:"stopRequested"`
}

// Config describes a publish interval. Publisher does not read it:
// Publish rewrites the status file each time it is called, and the
// orchestrator calls it once per tick.
type Config struct {
	// Interval is the time between status file rewrites.
	Interval time.Duration
}

// DefaultConfig returns the baseline publish interval (spec §4.9: tied
// to the orchestrator's tick cadence, not a separate poll loop).
func DefaultConfig() Config {
	return Config{Interval: 500 * time.Millisecond}
}

// Publisher rewrites a Status to a fixed path on demand, through
// lockedfile so a reader never observes a half-written document.
type Publisher struct {
	lf *lockedfile.LockedFile
}

// NewPublisher returns a Publisher that writes to path.
func NewPublisher(path string) *Publisher {
	return &Publisher{lf: lockedfile.New(path)}
}

// Publish marshals status and atomically rewrites the health file.
func (p *Publisher) Publish(status Status) error {
	data, err := json.Marshal(status)
	if err != nil {
		return roerr.Wrap(roerr.KindHealthIO, err)
	}
	if err := p.lf.WriteAtomic(data, 0644); err != nil {
		return roerr.Wrap(roerr.KindHealthIO, err)
	}
	return nil
}

// Read loads the most recently published Status, for status-reporting
// CLI subcommands (robocurse status) that run in a separate process
// from the orchestrator.
func (p *Publisher) Read() (Status, error) {
	var status Status
	data, err := p.lf.ReadFile()
	if err != nil {
		return status, roerr.Wrap(roerr.KindHealthIO, err)
	}
	if err := json.Unmarshal(data, &status); err != nil {
		return status, roerr.Wrap(roerr.KindHealthIO, err)
	}
	return status, nil
}
