package realtime

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned by a backend when an update or delete targets
	// an id that no longer exists.
	ErrNotFound = errors.New("record not found")

	// ErrUnavailable wraps network and transport failures of the backend.
	ErrUnavailable = errors.New("backend unavailable")

	// ErrTimedOut is reported to subscribers when the transport gives up
	// waiting for the subscription acknowledgement.
	ErrTimedOut = errors.New("subscription timed out")

	// ErrChannel is reported to subscribers when the transport signals a
	// channel error without a more specific cause.
	ErrChannel = errors.New("channel error")
)

// ConstraintError is a backend constraint violation. Message is the
// backend's own message, Hint an optional remediation.
type ConstraintError struct {
	Table   string
	Message string
	Hint    string
	Err     error
}

func (e *ConstraintError) Error() string {
	if e.Hint != "" {
		return fmt.Sprintf("%s: constraint violation: %s (hint: %s)", e.Table, e.Message, e.Hint)
	}
	return fmt.Sprintf("%s: constraint violation: %s", e.Table, e.Message)
}

func (e *ConstraintError) Unwrap() error {
	return e.Err
}

// IsConstraint reports whether err is, or wraps, a ConstraintError.
func IsConstraint(err error) bool {
	var ce *ConstraintError
	return errors.As(err, &ce)
}
