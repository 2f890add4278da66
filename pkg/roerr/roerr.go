// Package roerr defines the error-kind taxonomy from section 7 of the
// design: sentinel errors that fallible operations attach with Wrap,
// which keeps the original error unwrappable, so callers can classify
// a failure with errors.Is without string matching.
package roerr

import "errors"

// Kind classifies why an operation failed, matching the propagation
// policy's {ok, value, errorMessage, errorKind} result shape.
type Kind string

const (
	KindConfiguration   Kind = "configuration"
	KindPreFlight       Kind = "pre-flight"
	KindTransientWorker Kind = "transient-worker"
	KindPersistentWorker Kind = "persistent-worker"
	KindSnapshot        Kind = "snapshot"
	KindCircuitBreaker  Kind = "circuit-breaker"
	KindCheckpointIO    Kind = "checkpoint-io"
	KindHealthIO        Kind = "health-io"
)

// Sentinel errors, one per Kind, wrapped by concrete errors via %w.
var (
	ErrConfiguration    = errors.New("configuration error")
	ErrPreFlight        = errors.New("pre-flight check failed")
	ErrTransientWorker  = errors.New("transient worker failure")
	ErrPersistentWorker = errors.New("persistent worker failure")
	ErrSnapshot         = errors.New("snapshot operation failed")
	ErrCircuitBreaker   = errors.New("circuit breaker tripped")
	ErrCheckpointIO     = errors.New("checkpoint I/O failed")
	ErrHealthIO         = errors.New("health I/O failed")
)

var sentinelByKind = map[Kind]error{
	KindConfiguration:    ErrConfiguration,
	KindPreFlight:        ErrPreFlight,
	KindTransientWorker:  ErrTransientWorker,
	KindPersistentWorker: ErrPersistentWorker,
	KindSnapshot:         ErrSnapshot,
	KindCircuitBreaker:   ErrCircuitBreaker,
	KindCheckpointIO:     ErrCheckpointIO,
	KindHealthIO:         ErrHealthIO,
}

// Wrap annotates err with the sentinel for kind so later errors.Is
// checks can classify it, e.g. roerr.Wrap(roerr.KindSnapshot, err).
func Wrap(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	sentinel, ok := sentinelByKind[kind]
	if !ok {
		return err
	}
	return &kindError{kind: kind, sentinel: sentinel, err: err}
}

// Is reports whether err is classified under kind.
func Is(err error, kind Kind) bool {
	sentinel, ok := sentinelByKind[kind]
	if !ok {
		return false
	}
	return errors.Is(err, sentinel)
}

type kindError struct {
	kind     Kind
	sentinel error
	err      error
}

func (e *kindError) Error() string { return e.sentinel.Error() + ": " + e.err.Error() }
func (e *kindError) Unwrap() error { return e.err }
func (e *kindError) Is(target error) bool { return target == e.sentinel }
