package page

import (
	"errors"
	"fmt"
)

// Kind classifies a storage error for callers that need to branch on
// failure mode rather than string-match an error.
type Kind uint8

const (
	// KindNotFound means the page_id is absent, surfaced only by callers
	// that opted into throw-on-not-exist semantics.
	KindNotFound Kind = iota
	// KindCorruption means a checksum mismatch or a structurally invalid
	// record was detected. Never retried.
	KindCorruption
	// KindIoFailure means a local disk error occurred on blob or
	// manifest I/O.
	KindIoFailure
	// KindRemoteFailure means a transient object-store failure occurred;
	// retryable.
	KindRemoteFailure
	// KindRemoteGone means the object store reports the referenced data
	// is absent; non-retryable, indicates protocol-level inconsistency.
	KindRemoteGone
	// KindLockFailure means lock creation failed; the write batch is
	// aborted.
	KindLockFailure
	// KindPreconditionViolation means a store_id-requiring API was used
	// before init_store_info completed.
	KindPreconditionViolation
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindCorruption:
		return "corruption"
	case KindIoFailure:
		return "io_failure"
	case KindRemoteFailure:
		return "remote_failure"
	case KindRemoteGone:
		return "remote_gone"
	case KindLockFailure:
		return "lock_failure"
	case KindPreconditionViolation:
		return "precondition_violation"
	default:
		return "unknown"
	}
}

// Error wraps an underlying cause with the operation and typed kind that
// produced it, so callers can both errors.Is against a sentinel and
// branch on Kind.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("page: %s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("page: %s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is allows errors.Is(err, ErrNotFound) etc. to match any *Error carrying
// the corresponding sentinel, without requiring exact wrapping depth.
func (e *Error) Is(target error) bool {
	switch e.Kind {
	case KindNotFound:
		return target == ErrNotFound
	case KindCorruption:
		return target == ErrCorruption
	case KindIoFailure:
		return target == ErrIoFailure
	case KindRemoteFailure:
		return target == ErrRemoteFailure
	case KindRemoteGone:
		return target == ErrRemoteGone
	case KindLockFailure:
		return target == ErrLockFailure
	case KindPreconditionViolation:
		return target == ErrPreconditionViolation
	}
	return false
}

var (
	// ErrNotFound indicates the page_id is absent.
	ErrNotFound = errors.New("page: not found")
	// ErrCorruption indicates checksum mismatch or a structurally
	// invalid record.
	ErrCorruption = errors.New("page: corruption detected")
	// ErrIoFailure indicates a local disk error on blob or manifest I/O.
	ErrIoFailure = errors.New("page: io failure")
	// ErrRemoteFailure indicates a transient, retryable object-store
	// failure.
	ErrRemoteFailure = errors.New("page: remote failure")
	// ErrRemoteGone indicates the object store reports the referenced
	// data is absent.
	ErrRemoteGone = errors.New("page: remote data gone")
	// ErrLockFailure indicates lock creation failed.
	ErrLockFailure = errors.New("page: lock failure")
	// ErrPreconditionViolation indicates a store_id-requiring API was
	// used before init_store_info completed.
	ErrPreconditionViolation = errors.New("page: precondition violation")
	// ErrClosed indicates the component has been closed.
	ErrClosed = errors.New("page: closed")
)

// Wrap produces an *Error of the given kind, attributing it to op.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}
