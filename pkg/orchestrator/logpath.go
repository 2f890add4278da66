package orchestrator

import (
	"path/filepath"
	"strconv"
)

// chunkLogPath builds the per-attempt copy-tool log path for chunkID
// under logRoot, e.g. "<logRoot>/chunk-42-attempt-1.log".
func chunkLogPath(logRoot string, chunkID uint64, attempt int) string {
	name := "chunk-" + strconv.FormatUint(chunkID, 10) + "-attempt-" + strconv.Itoa(attempt) + ".log"
	return filepath.Join(logRoot, name)
}
