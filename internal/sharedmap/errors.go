package sharedmap

import (
	"errors"
	"fmt"
)

// Sentinel errors. InvalidKey and UnknownValueKind are ordinary, recoverable
// failures: the kernel rejects the call and is left unchanged.
// InvariantViolation and UsageError are promoted to a FatalError by fatal()
// below: a broken protocol invariant is not something the kernel can recover
// from on its own.
var (
	ErrInvalidKey         = errors.New("sharedmap: invalid key")
	ErrUnknownValueKind   = errors.New("sharedmap: unknown value kind")
	ErrUnknownOpKind      = errors.New("sharedmap: unknown op kind")
	ErrInvariantViolation = errors.New("sharedmap: invariant violation")
	ErrUsageError         = errors.New("sharedmap: usage error")
)

// FatalError wraps an error that left the kernel in an unusable state. Once a
// Map has failed, every subsequent Set, Delete, Clear, TrySubmit, TryProcess,
// TryApplyStashed and Rollback returns the same FatalError; the read methods,
// Serialize and Populate do not check it. The transport is expected to close
// the session.
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("sharedmap: fatal: %v", e.Err)
}

func (e *FatalError) Unwrap() error {
	return e.Err
}

// fatal records err as the reason this Map can no longer be used and returns
// the FatalError to give back to the caller. Idempotent: the first fatal error
// wins, later ones are folded away since the kernel is already unusable.
func (m *Map) fatal(err error) error {
	if m.failure == nil {
		m.failure = &FatalError{Err: err}
	}
	return m.failure
}

// checkAlive returns the kernel's fatal error, if any, so the op-issuing and
// op-processing entry points can refuse to run against a kernel that has
// already broken an invariant.
func (m *Map) checkAlive() error {
	if m.failure != nil {
		return m.failure
	}
	return nil
}
