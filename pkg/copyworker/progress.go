package copyworker

import (
	"bufio"
	"io"
	"regexp"
	"strconv"
	"strings"
	"sync"
)

// ProgressSnapshot is the non-blocking read returned by Poll, per
// spec §4.1.
type ProgressSnapshot struct {
	BytesCopied      int64
	FilesCopied      int64
	CurrentFile      string
	CurrentFileBytes int64
	LineCount        int64
	ParseSuccess     bool
}

var (
	// Matches a robocopy-style file entry line: leading whitespace/tab,
	// a byte size, then the path. e.g. "\t\t1234\tpath\to\file.txt" or
	// "  New File  \t\t1234\tpath\to\file.txt".
	fileEntryRe = regexp.MustCompile(`^[\t ]+(?:\S.*?\s{2,})?(\d+)\s+(\S.*)$`)

	// Matches a bare percentage-in-progress line for the current file.
	percentOnlyRe = regexp.MustCompile(`^\s*(\d{1,3})%\s*$`)
)

// progressBuffer is the thread-safe aggregation target the streaming
// parser writes into and Poll reads from. completedBytes only ever
// grows when a file entry line finalizes the previous file, so the
// aggregate (completedBytes + currentFileBytes) is monotonically
// non-decreasing even as the current file changes — the contract
// spec §4.1 requires.
type progressBuffer struct {
	mu sync.Mutex

	completedBytes int64
	filesCopied    int64
	currentFile    string
	currentSize    int64
	currentBytes   int64
	lineCount      int64
	parseSuccess   bool
}

func newProgressBuffer() *progressBuffer {
	return &progressBuffer{parseSuccess: true}
}

func (p *progressBuffer) snapshot() ProgressSnapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return ProgressSnapshot{
		BytesCopied:      p.completedBytes + p.currentBytes,
		FilesCopied:      p.filesCopied,
		CurrentFile:      p.currentFile,
		CurrentFileBytes: p.currentBytes,
		LineCount:        p.lineCount,
		ParseSuccess:     p.parseSuccess,
	}
}

// consume scans r line by line until EOF or the reader errors,
// updating the buffer as it goes. It runs on its own goroutine per
// job, started by StartJob.
func (p *progressBuffer) consume(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		p.consumeLine(scanner.Text())
	}
}

func (p *progressBuffer) consumeLine(line string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lineCount++

	if m := percentOnlyRe.FindStringSubmatch(line); m != nil {
		pct, err := strconv.Atoi(m[1])
		if err != nil || p.currentSize == 0 {
			return
		}
		p.currentBytes = p.currentSize * int64(pct) / 100
		return
	}

	if m := fileEntryRe.FindStringSubmatch(line); m != nil {
		size, err := strconv.ParseInt(m[1], 10, 64)
		if err != nil {
			p.parseSuccess = false
			return
		}
		// A new file entry line means the previous current file, if
		// any, finished copying in full — fold its whole size into the
		// completed total rather than whatever partial percentage was
		// last observed.
		if p.currentFile != "" {
			p.completedBytes += p.currentSize
		}
		p.currentFile = strings.TrimSpace(m[2])
		p.currentSize = size
		p.currentBytes = 0
		p.filesCopied++
	}
}
