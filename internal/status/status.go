// Package status carries the wire-level error kinds MeterMaid's original
// firmware returned from every public operation (spec.md §6/§7), recast as
// Go errors instead of integer return codes.
package status

import "fmt"

// Kind identifies the class of failure behind an Error. Values mirror the
// ERR_* constants retained for consumer compatibility.
type Kind int

const (
	// InvalidArgument covers a null handle-out, a zero/negative capacity,
	// or an out-of-range index (ERR_PARAM).
	InvalidArgument Kind = iota
	// OutOfMemory covers a storage allocation request that can never be
	// satisfied (ERR_MEMORY). No operation in this module returns it; a
	// zero/negative capacity is reported as InvalidArgument.
	OutOfMemory
	// InvalidHandle marks a signature mismatch on a public op, the
	// use-after-free/use-after-close detector (ERR_POINTER).
	InvalidHandle
	// WorkerStartFailed covers a worker goroutine that could not be
	// started (ERR_PROCESS).
	WorkerStartFailed
	// NoFreeSlot covers a full subscriber list (ERR_NOFREESLOT).
	NoFreeSlot
	// NotFound covers a subscriber removal target that isn't registered
	// (ERR_NOTFOUND).
	NotFound
	// DoubleInit covers re-initialization of a singleton subsystem, i.e.
	// WallClock (ERR_2NDINIT).
	DoubleInit
)

func (k Kind) String() string {
	switch k {
	case InvalidArgument:
		return "invalid argument"
	case OutOfMemory:
		return "out of memory"
	case InvalidHandle:
		return "invalid handle"
	case WorkerStartFailed:
		return "worker start failed"
	case NoFreeSlot:
		return "no free slot"
	case NotFound:
		return "not found"
	case DoubleInit:
		return "double init"
	default:
		return "unknown"
	}
}

// Error is the status returned by every public MeterMaid operation.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is an *Error with the same Kind, so callers can
// do errors.Is(err, status.ErrInvalidHandle) against the sentinel errors
// below.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// New builds an *Error for the given op/kind, optionally wrapping a cause.
func New(op string, kind Kind, cause error) *Error {
	return &Error{Op: op, Kind: kind, Err: cause}
}

// sentinel returns a bare Error of the given kind, usable with errors.Is.
func sentinel(kind Kind) *Error { return &Error{Kind: kind} }

var (
	// ErrInvalidArgument is the sentinel for errors.Is(err, status.ErrInvalidArgument).
	ErrInvalidArgument = sentinel(InvalidArgument)
	ErrOutOfMemory     = sentinel(OutOfMemory)
	ErrInvalidHandle   = sentinel(InvalidHandle)
	ErrWorkerStart     = sentinel(WorkerStartFailed)
	ErrNoFreeSlot      = sentinel(NoFreeSlot)
	ErrNotFound        = sentinel(NotFound)
	ErrDoubleInit      = sentinel(DoubleInit)
)
