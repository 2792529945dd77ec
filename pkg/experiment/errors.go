package experiment

import (
	"context"
	"errors"
	"fmt"
)

// Sentinel errors. Callers wrap them with fmt.Errorf("...: %w", err) and
// match with errors.Is.
var (
	// ErrNotFound means the experiment, campaign or record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrInvalidState means the operation is not allowed in the current
	// lifecycle state, e.g. assigning into an ended experiment.
	ErrInvalidState = errors.New("invalid state")

	// ErrInvalidConfiguration means the input violates a domain invariant.
	ErrInvalidConfiguration = errors.New("invalid configuration")

	// ErrTransientIO means an upstream store failed; retrying may succeed.
	ErrTransientIO = errors.New("transient io failure")
)

// Transient wraps an upstream failure with ErrTransientIO. Errors that
// already carry a sentinel, and context cancellation, keep their meaning
// and are only prefixed with op.
func Transient(op string, err error) error {
	if errors.Is(err, ErrTransientIO) || errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrInvalidState) || errors.Is(err, ErrInvalidConfiguration) ||
		errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %w", op, ErrTransientIO, err)
}
