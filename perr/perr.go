// Package perr defines the error taxonomy shared by every ParqueDB component.
// Errors are classified by Kind so that callers (HTTP handlers, coordinator
// dispatch loops, retry wrappers) can make policy decisions without string
// matching, in the same spirit as the status-code mapping in
// http.CustomHTTPErrorHandler.
package perr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for routing and status-code mapping purposes.
type Kind string

const (
	// KindValidation marks a caller error: missing required attribute,
	// unknown mutation operator, malformed filter. No state is mutated.
	KindValidation Kind = "validation"
	// KindNotFound marks a missing entity, relationship endpoint, or file.
	KindNotFound Kind = "not_found"
	// KindVersionMismatch marks a failed optimistic-concurrency check.
	KindVersionMismatch Kind = "version_mismatch"
	// KindConflict marks a rejected coordinator state transition.
	KindConflict Kind = "conflict"
	// KindStorage marks an object-store or embedded-SQL failure.
	KindStorage Kind = "storage"
	// KindTimeout marks a deadline exceeded against storage or the object store.
	KindTimeout Kind = "timeout"
	// KindInternal marks an invariant violation; KindOf also reports it for
	// errors that were never classified.
	KindInternal Kind = "internal"
)

// Error is the typed error carried across package boundaries.
type Error struct {
	Kind    Kind
	Op      string // operation that failed, e.g. "shard.update"
	Target  string // ns:id, windowKey or object key this error concerns
	Err     error  // wrapped cause, may be nil
	Message string
}

func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a typed error.
func New(kind Kind, op, message string) *Error {
	return &Error{Kind: kind, Op: op, Message: message}
}

// Wrap attaches a kind and operation to an underlying error.
func Wrap(kind Kind, op string, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// WithTarget returns a copy of e with Target set, used to identify the
// affected entity, window or object key.
func (e *Error) WithTarget(target string) *Error {
	cp := *e
	cp.Target = target
	return &cp
}

// KindOf extracts the Kind of err, defaulting to KindInternal for errors
// that were never classified.
func KindOf(err error) Kind {
	var perrErr *Error
	if errors.As(err, &perrErr) {
		return perrErr.Kind
	}
	return KindInternal
}

// Is reports whether err (or a wrapped cause) has the given Kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

func Validation(op, message string) *Error      { return New(KindValidation, op, message) }
func NotFound(op, message string) *Error        { return New(KindNotFound, op, message) }
func VersionMismatch(op, message string) *Error { return New(KindVersionMismatch, op, message) }
func Conflict(op, message string) *Error        { return New(KindConflict, op, message) }
func Storage(op string, err error) *Error       { return Wrap(KindStorage, op, err) }
func Timeout(op string, err error) *Error       { return Wrap(KindTimeout, op, err) }
func Internal(op, message string) *Error        { return New(KindInternal, op, message) }
