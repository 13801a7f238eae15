package controller

import (
	"errors"
	"fmt"
)

// ErrInvariant is the base of errors that assert an integration bug
// upstream, not a runtime condition. They should never reach end users.
var ErrInvariant = errors.New("invariant violation")

var (
	// ErrDisposed reports an operation against a torn-down session.
	ErrDisposed = fmt.Errorf("%w: operation on disposed session", ErrInvariant)

	// ErrEmptyMessage reports a send with no text and no images.
	ErrEmptyMessage = errors.New("message has no text and no images")

	// ErrInvalidModel reports a missing or malformed model identifier.
	ErrInvalidModel = errors.New("missing or malformed model identifier")

	// ErrWorkspaceID reports an empty workspace identifier.
	ErrWorkspaceID = fmt.Errorf("%w: workspace id must not be empty", ErrInvariant)
)

// PersistenceError wraps a history or partial-store write failure. The
// send is aborted before a response starts, so no in-flight state is
// orphaned.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence failure during %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }
