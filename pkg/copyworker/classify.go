package copyworker

import "github.com/cuemby/robocurse/pkg/types"

// Classify maps a copy tool's bitmask exit code to an
// ExitClassification, per spec §4.1's severity table. It is a pure
// function: same exit code always yields the same classification,
// which is what lets the orchestrator's Retire step and the testable
// property "exit code with bit 16 set classifies Fatal regardless of
// other bits" hold without touching a live process.
//
// Bit layout (classic robust-copy semantics):
//
//	0  - success, no-op (nothing to copy)
//	1  - success, files copied
//	2  - extra files/dirs present at destination (configurable severity)
//	4  - mismatched files/dirs (configurable severity, default warning)
//	8  - copy failures occurred (error, transient classes retryable)
//	16 - fatal error, copy tool aborted
//
// Fatal dominates error dominates warning dominates success; when two
// bits in the same severity band are set, the table's listed severity
// for the higher bit wins.
func Classify(exitCode int) types.ExitClassification {
	switch {
	case exitCode&16 != 0:
		return types.ExitClassification{
			Code:        exitCode,
			Fatal:       true,
			Retryable:   false,
			Description: "fatal error reported by copy tool",
		}
	case exitCode&8 != 0:
		return types.ExitClassification{
			Code:        exitCode,
			Fatal:       false,
			Retryable:   true,
			Description: "copy failures reported, transient retry class",
		}
	case exitCode&4 != 0:
		return types.ExitClassification{
			Code:         exitCode,
			Fatal:        false,
			Retryable:    false,
			MismatchOnly: true,
			Description:  "mismatched files or directories, default warning severity",
		}
	case exitCode&2 != 0:
		return types.ExitClassification{
			Code:        exitCode,
			Fatal:       false,
			Retryable:   false,
			Description: "extra files present at destination",
		}
	default:
		return types.ExitClassification{
			Code:        exitCode,
			Fatal:       false,
			Retryable:   false,
			Description: "success",
		}
	}
}

// ShouldRetry reports whether a chunk with this classification should
// be retried, independent of retryCount — the orchestrator's Retire
// step combines this with the retry budget (spec §4.6).
func ShouldRetry(c types.ExitClassification) bool {
	return !c.Fatal && c.Retryable
}

// IsSuccess reports whether the exit code represents a terminal
// success state (bits 0, 1, or 2 — extras never fail a chunk).
func IsSuccess(c types.ExitClassification) bool {
	return !c.Fatal && !c.Retryable && !c.MismatchOnly
}
