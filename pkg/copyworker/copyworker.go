// Package copyworker wraps an external copy-tool invocation for one
// chunk (spec §4.1): it builds the argument vector, streams stdout
// into a progress buffer, and classifies the exit code once the
// process terminates.
package copyworker

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/cuemby/robocurse/pkg/roerr"
	"github.com/cuemby/robocurse/pkg/types"
)

// Options configures how StartJob builds and runs the copy tool.
type Options struct {
	// CopyToolPath is the executable to invoke (e.g. "robocopy").
	CopyToolPath string
	// ExtraArgs are appended verbatim after the built-in flags, for
	// site-specific tuning (e.g. "/MT:16").
	ExtraArgs []string
	// GracePeriod is how long Stop waits after requesting graceful
	// termination before force-killing (spec default ≈5s).
	GracePeriod time.Duration
}

// DefaultOptions returns the baseline copy tool invocation settings.
func DefaultOptions(toolPath string) Options {
	return Options{
		CopyToolPath: toolPath,
		GracePeriod:  5 * time.Second,
	}
}

// Job is a live or finished copy-tool invocation for one chunk. The
// zero value is not usable; obtain one from StartJob.
type Job struct {
	Chunk   *types.Chunk
	LogPath string

	cmd      *exec.Cmd
	buffer   *progressBuffer
	stdout   io.ReadCloser
	mu       sync.Mutex
	waited   bool
	waitErr  error
	exitCode int
}

// ExitInfo is the result of Wait: the classified outcome of a
// finished job plus authoritative totals parsed from its log file.
type ExitInfo struct {
	ExitCode       int
	Classification types.ExitClassification
	BytesCopied    int64
	FilesCopied    int64
	DirsCopied     int64
	FailedFiles    int64
	ExtraFiles     int64
	LogParseError  error
}

// StartJob spawns the copy tool for chunk under sourceRoot/destRoot,
// writing its own summary log to logPath, and begins asynchronous
// stdout capture. It fails only if the process itself cannot be
// launched.
func StartJob(chunk *types.Chunk, sourceRoot, destRoot, logPath string, opts Options) (*Job, error) {
	args := buildArgs(chunk, sourceRoot, destRoot, logPath, opts)

	cmd := exec.Command(opts.CopyToolPath, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, roerr.Wrap(roerr.KindTransientWorker, fmt.Errorf("pipe stdout for chunk %d: %w", chunk.ID, err))
	}
	cmd.Stderr = cmd.Stdout

	if err := cmd.Start(); err != nil {
		return nil, roerr.Wrap(roerr.KindTransientWorker, fmt.Errorf("start copy tool for chunk %d: %w", chunk.ID, err))
	}

	job := &Job{
		Chunk:   chunk,
		LogPath: logPath,
		cmd:     cmd,
		buffer:  newProgressBuffer(),
		stdout:  stdout,
	}
	go job.buffer.consume(stdout)

	return job, nil
}

// Poll returns a non-blocking snapshot of the job's aggregated
// progress buffer.
func Poll(job *Job) ProgressSnapshot {
	return job.buffer.snapshot()
}

// PID returns the OS process id of job's copy-tool invocation, for
// registering the job with procregistry.
func (j *Job) PID() int {
	if j.cmd.Process == nil {
		return 0
	}
	return j.cmd.Process.Pid
}

// Signal delivers sig to job's process, for procregistry's
// terminate-on-stop path.
func (j *Job) Signal(sig syscall.Signal) error {
	if j.cmd.Process == nil {
		return nil
	}
	return j.cmd.Process.Signal(sig)
}

// Wait blocks until the job exits or timeout elapses, then classifies
// the exit code and parses the log file for authoritative totals.
func Wait(ctx context.Context, job *Job, timeout time.Duration) (ExitInfo, error) {
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	job.mu.Lock()
	alreadyWaited := job.waited
	job.mu.Unlock()

	if !alreadyWaited {
		go func() {
			err := job.cmd.Wait()
			job.mu.Lock()
			job.waited = true
			job.waitErr = err
			if job.cmd.ProcessState != nil {
				job.exitCode = job.cmd.ProcessState.ExitCode()
			}
			job.mu.Unlock()
			done <- err
		}()
	} else {
		done <- job.waitErr
	}

	select {
	case <-done:
	case <-waitCtx.Done():
		return ExitInfo{}, roerr.Wrap(roerr.KindTransientWorker, fmt.Errorf("chunk %d: wait timed out after %s", job.Chunk.ID, timeout))
	}

	job.mu.Lock()
	exitCode := job.exitCode
	job.mu.Unlock()

	classification := Classify(exitCode)

	info := ExitInfo{
		ExitCode:       exitCode,
		Classification: classification,
	}

	summary, err := parseLogSummary(job.LogPath)
	if err != nil {
		info.LogParseError = err
	} else {
		info.BytesCopied = summary.bytesCopied
		info.FilesCopied = summary.filesCopied
		info.DirsCopied = summary.dirsCopied
		info.FailedFiles = summary.failed
		info.ExtraFiles = summary.extras
	}

	return info, nil
}

// Stop requests graceful termination of job's process; after grace it
// force-kills that process. Only the process itself is signalled; its
// descendants are not. Idempotent — calling Stop on an already-exited
// job is a no-op.
func Stop(ctx context.Context, job *Job, grace time.Duration) error {
	job.mu.Lock()
	alreadyWaited := job.waited
	proc := job.cmd.Process
	job.mu.Unlock()

	if alreadyWaited || proc == nil {
		return nil
	}

	if err := proc.Signal(syscall.SIGTERM); err != nil {
		return nil // process likely already gone
	}

	graceCtx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()

	done := make(chan struct{})
	go func() {
		_, _ = Wait(context.Background(), job, grace+time.Second)
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-graceCtx.Done():
		if err := proc.Kill(); err != nil {
			return roerr.Wrap(roerr.KindTransientWorker, fmt.Errorf("force kill chunk %d: %w", job.Chunk.ID, err))
		}
		<-done
		return nil
	}
}

func buildArgs(chunk *types.Chunk, sourceRoot, destRoot, logPath string, opts Options) []string {
	if len(chunk.Paths) == 0 {
		return nil
	}

	relDir := chunk.Paths[0]
	src := filepath.Join(sourceRoot, relDir)
	dst := filepath.Join(destRoot, relDir)

	args := []string{src, dst}
	if chunk.FilesOnly {
		if len(chunk.Paths) > 1 {
			args = append(args, chunk.Paths[1:]...)
		}
	} else {
		args = append(args, "*.*", "/E")
	}

	args = append(args,
		"/LOG:"+logPath,
		"/NP",
		"/NDL",
		"/R:0",
		"/W:0",
	)
	args = append(args, opts.ExtraArgs...)
	return args
}

type logSummary struct {
	dirsCopied  int64
	filesCopied int64
	bytesCopied int64
	failed      int64
	extras      int64
}

var (
	summaryLabelRe = regexp.MustCompile(`(?i)^\s*(Dirs|Files|Bytes)\s*:\s*(.*)$`)
	unitSuffixRe   = regexp.MustCompile(`(?i)^[kmgt]$`)
)

// parseLogSummary extracts the "Copied" column from the copy tool's
// Dirs/Files/Bytes summary rows, e.g.:
//
//	   Dirs :         5         2         3         0         0         0
//	  Files :        20        15         5         0         0         2
//	  Bytes :   123.4 m   100.0 m    23.4 m         0         0         0
//
// The Bytes row's human-scaled values ("100.0 m") are two
// whitespace-separated tokens; summaryColumns merges each value with
// its trailing unit letter before picking out the Copied column.
func parseLogSummary(logPath string) (logSummary, error) {
	var summary logSummary

	f, err := os.Open(logPath)
	if err != nil {
		return summary, roerr.Wrap(roerr.KindTransientWorker, fmt.Errorf("open log %s: %w", logPath, err))
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		m := summaryLabelRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		columns := summaryColumns(m[2])
		if len(columns) < 2 {
			continue
		}
		copied := parseByteOrCount(columns[1])
		switch strings.ToLower(m[1]) {
		case "dirs":
			summary.dirsCopied = int64(copied)
		case "files":
			summary.filesCopied = int64(copied)
			// columns are Total, Copied, Skipped, Mismatch, FAILED,
			// Extras; only the Files row's failed/extras counts drive
			// chunk-level mismatch classification.
			if len(columns) > 4 {
				summary.failed = int64(parseByteOrCount(columns[4]))
			}
			if len(columns) > 5 {
				summary.extras = int64(parseByteOrCount(columns[5]))
			}
		case "bytes":
			summary.bytesCopied = int64(copied)
		}
	}

	return summary, scanner.Err()
}

// summaryColumns splits a summary row's value portion into columns,
// re-joining a bare unit letter (k/m/g/t) with the numeric token that
// precedes it.
func summaryColumns(rest string) []string {
	fields := strings.Fields(rest)
	var columns []string
	for i := 0; i < len(fields); i++ {
		if i+1 < len(fields) && unitSuffixRe.MatchString(fields[i+1]) {
			columns = append(columns, fields[i]+fields[i+1])
			i++
			continue
		}
		columns = append(columns, fields[i])
	}
	return columns
}

// parseByteOrCount parses either a bare integer ("15") or a
// human-scaled size ("100.0 m") into a raw float value. Bytes rows use
// k/m/g suffixes; dirs/files rows are plain integers.
func parseByteOrCount(token string) float64 {
	mult := 1.0
	lower := strings.ToLower(strings.TrimSpace(token))
	if lower == "" {
		return 0
	}
	suffix := lower[len(lower)-1:]
	switch suffix {
	case "k":
		mult = 1 << 10
		lower = lower[:len(lower)-1]
	case "m":
		mult = 1 << 20
		lower = lower[:len(lower)-1]
	case "g":
		mult = 1 << 30
		lower = lower[:len(lower)-1]
	case "t":
		mult = 1 << 40
		lower = lower[:len(lower)-1]
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(lower), 64)
	if err != nil {
		return 0
	}
	return v * mult
}
