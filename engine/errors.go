package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/crestline/approvald/approval"
	"github.com/crestline/approvald/comments"
	"github.com/crestline/approvald/docstore"
	"github.com/crestline/approvald/identity"
)

// ErrorKind classifies an engine failure for callers that render or
// route on it.
type ErrorKind string

// Engine error kinds.
const (
	KindUnknownUser       ErrorKind = "UNKNOWN_USER"
	KindNotFound          ErrorKind = "NOT_FOUND"
	KindIllegalTransition ErrorKind = "ILLEGAL_TRANSITION"
	KindForbidden         ErrorKind = "FORBIDDEN"
	KindBadInput          ErrorKind = "BAD_INPUT"
	KindStoreUnavailable  ErrorKind = "STORE_UNAVAILABLE"
	KindCorrupt           ErrorKind = "CORRUPT"
	KindDeadline          ErrorKind = "DEADLINE"
	KindInternal          ErrorKind = "INTERNAL"
)

// ErrForbidden marks an operation the actor's role or team does not
// permit.
var ErrForbidden = errors.New("operation not permitted for actor")

// Error is the engine's boundary error: the underlying cause wrapped
// with its classification and the operation that raised it.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf extracts the classification from an engine error, or INTERNAL.
func KindOf(err error) ErrorKind {
	var engineErr *Error
	if errors.As(err, &engineErr) {
		return engineErr.Kind
	}
	return KindInternal
}

// classify maps a cause to its boundary kind.
func classify(err error) ErrorKind {
	switch {
	case errors.Is(err, identity.ErrUnknownUser):
		return KindUnknownUser
	case errors.Is(err, approval.ErrNotFound), errors.Is(err, docstore.ErrNotFound):
		return KindNotFound
	case errors.Is(err, approval.ErrIllegalTransition):
		return KindIllegalTransition
	case errors.Is(err, ErrForbidden):
		return KindForbidden
	case errors.Is(err, approval.ErrInvalidFilename),
		errors.Is(err, approval.ErrInvalidTeam),
		errors.Is(err, approval.ErrReasonRequired),
		errors.Is(err, comments.ErrEmptyBody):
		return KindBadInput
	case errors.Is(err, docstore.ErrUnavailable):
		return KindStoreUnavailable
	case errors.Is(err, docstore.ErrCorrupt):
		return KindCorrupt
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return KindDeadline
	default:
		return KindInternal
	}
}

// wrap classifies err as an *Error for the named operation. Already
// classified errors pass through so kinds survive layering.
func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	var engineErr *Error
	if errors.As(err, &engineErr) {
		return err
	}
	return &Error{Kind: classify(err), Op: op, Err: err}
}
