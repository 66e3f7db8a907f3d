// Package syncerr defines the error taxonomy shared by every sync component.
//
// Errors coming out of a collaborator (the local task store, the remote API,
// the file system) are wrapped into one of a small set of kinds at the
// boundary. Callers then decide what to do from the kind alone:
//
//	if syncerr.IsRetryable(err) {
//	    // queue the event for a later drain
//	}
package syncerr

import (
	"errors"
	"fmt"
)

// Kind classifies a failure by what the caller should do about it.
type Kind int

const (
	// KindUnknown is reported for errors that were never wrapped.
	KindUnknown Kind = iota

	// KindConfig is a missing or unreadable credential, URL or path.
	// Fatal, surfaced immediately, never retried.
	KindConfig

	// KindValidation is a malformed event payload. Logged and discarded;
	// replaying it would not help.
	KindValidation

	// KindTransient is a 5xx, network error or timeout. Queued for retry.
	KindTransient

	// KindCircuitOpen means the breaker refused the call without touching
	// the network. Queued for retry, reported separately from KindTransient.
	KindCircuitOpen

	// KindPermanent is a rejected request (4xx other than 404 on read).
	// Logged and surfaced, never queued.
	KindPermanent

	// KindLocal is a failed local-store command (non-zero exit).
	KindLocal

	// KindConflict is a correlation that would break the 1:1 invariant.
	KindConflict
)

// String returns the kind name used in logs and the journal.
func (k Kind) String() string {
	switch k {
	case KindConfig:
		return "config"
	case KindValidation:
		return "validation"
	case KindTransient:
		return "transient"
	case KindCircuitOpen:
		return "circuit_open"
	case KindPermanent:
		return "permanent"
	case KindLocal:
		return "local"
	case KindConflict:
		return "conflict"
	default:
		return "unknown"
	}
}

// ErrNotFound is returned by lookups whose target does not exist.
var ErrNotFound = errors.New("not found")

// Error is a classified failure of a single operation.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Wrap classifies err as kind. A nil err stays nil. An error that already
// carries a kind keeps it; only the operation name is added.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	var se *Error
	if errors.As(err, &se) {
		return &Error{Kind: se.Kind, Op: op, Err: err}
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// New creates a classified error from a message.
func New(kind Kind, op, msg string) error {
	return &Error{Kind: kind, Op: op, Err: errors.New(msg)}
}

// Errorf creates a classified error from a format string.
func Errorf(kind Kind, op, format string, args ...any) error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the kind of the outermost classified error in err's chain.
func KindOf(err error) Kind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	return KindUnknown
}

// IsRetryable returns true if replaying the event later may succeed.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	switch KindOf(err) {
	case KindTransient, KindCircuitOpen, KindLocal:
		return true
	}
	return false
}

// IsFatal returns true for failures that need operator action before any
// further sync can work.
func IsFatal(err error) bool {
	return err != nil && KindOf(err) == KindConfig
}

// IsCircuitOpen returns true if err was produced by an open breaker.
func IsCircuitOpen(err error) bool {
	return err != nil && KindOf(err) == KindCircuitOpen
}
