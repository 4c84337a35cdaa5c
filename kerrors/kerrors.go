// Package kerrors implements the error taxonomy shared by every subsystem:
// Invalid, OutOfMemory, NotFound, InvalidState, and Critical, per the
// specification's error handling design. Structural invariant violations
// are not represented here: those panic, they are never returned.
package kerrors

import (
	"errors"
	"fmt"
)

// Kind identifies which branch of the taxonomy an error belongs to, so
// callers can use errors.Is(err, kerrors.Invalid) etc.
type Kind error

var (
	// Invalid marks a bad argument: an out-of-range order, an unknown
	// priority, a malformed region.
	Invalid Kind = errors.New("invalid argument")
	// OutOfMemory marks exhaustion: no block, region, or slab available.
	OutOfMemory Kind = errors.New("out of memory")
	// NotFound marks a lookup miss: no task by id, no mapping covers an
	// address, an object not owned by any slab.
	NotFound Kind = errors.New("not found")
	// InvalidState marks an operation illegal in the target's current
	// state: killing the idle task, purging a non-killed task.
	InvalidState Kind = errors.New("invalid state")
	// Critical marks an attempt to free a kernel-owned or
	// page-structure-area page.
	Critical Kind = errors.New("critical page")
)

// E wraps kind with a component-specific message, preserving errors.Is
// compatibility with the sentinel kinds above.
func E(kind Kind, format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), kind)
}

// Is reports whether err belongs to kind.
func Is(err error, kind Kind) bool {
	return errors.Is(err, kind)
}
