package bootstrap

import (
	"github.com/pkg/errors"

	"github.com/sochinpub/nccl-bootstrap/socket"
)

// Error taxonomy per spec.md §7. Success is the absence of an error.
var (
	// ErrInvalidArgument marks a malformed COMM_ID or other caller input.
	ErrInvalidArgument = errors.New("bootstrap: invalid argument")
	// ErrSystemError marks an OS/network failure (no interface, bind,
	// connect, accept).
	ErrSystemError = errors.New("bootstrap: system error")
	// ErrInternalError marks an invariant violation: rank-count mismatch,
	// duplicate rank, message truncation, non-empty unexpected queue at
	// Close.
	ErrInternalError = errors.New("bootstrap: internal error")
	// ErrAbort marks a blocking call that unblocked because the
	// communicator's abort flag was set.
	ErrAbort = errors.New("bootstrap: aborted")
)

// wrap attaches msg to cause and tags it with the given taxonomy member so
// that errors.Is(result, kind) still succeeds after wrapping.
func wrap(kind error, cause error, msg string) error {
	if cause == nil {
		return nil
	}
	if socket.IsAbort(cause) {
		kind = ErrAbort
	}
	return &taxonomyError{kind: kind, cause: errors.Wrap(cause, msg)}
}

type taxonomyError struct {
	kind  error
	cause error
}

func (e *taxonomyError) Error() string { return e.cause.Error() }
func (e *taxonomyError) Unwrap() error { return e.cause }
func (e *taxonomyError) Cause() error  { return e.cause }
func (e *taxonomyError) Is(target error) bool {
	return target == e.kind
}
