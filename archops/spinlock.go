// Package archops names the architecture-specific collaborators the
// memory and scheduling substrate depends on but does not implement:
// interrupt register save/restore, the context-switch routine, and TLB
// invalidation (spec.md §1 "out of scope", §9 "per-CPU current task").
// It also provides the one primitive every in-scope component shares
// regardless of architecture: the spinlock described in spec.md §5.
package archops

import (
	"runtime"
	"sync/atomic"
)

// Spinlock is a test-and-set lock with acquire/release ordering, matching
// spec.md §5: "acquired by a test-and-set with acquire memory ordering and
// released with release memory ordering; on an architecture with a hint
// instruction, the spin loop emits it." Go has no PAUSE intrinsic; a
// runtime.Gosched() call stands in for the architectural hint so a spinning
// goroutine yields to others on the host scheduler instead of starving it.
//
// Grounded on the teacher's use of sync.Mutex/atomic across mem.go and
// vm/as.go for exactly this kind of short-critical-section protection; this
// type exists instead of a bare sync.Mutex because the specification
// describes the primitive at the test-and-set level (free-list and
// per-page-order mutation locks, the task list lock, and per-slab-cache
// locks all name this primitive explicitly), and because "never held across
// a context switch" is an invariant worth encoding in a dedicated type
// rather than relying on sync.Mutex's looser contract.
type Spinlock struct {
	state atomic.Bool
}

// Lock spins until the lock is acquired.
func (s *Spinlock) Lock() {
	for !s.state.CompareAndSwap(false, true) {
		runtime.Gosched()
	}
}

// Unlock releases the lock. Panics if the lock was not held, which would
// indicate a structural bug (double-unlock) rather than a recoverable
// error.
func (s *Spinlock) Unlock() {
	if !s.state.CompareAndSwap(true, false) {
		panic("archops: Spinlock.Unlock of unlocked lock")
	}
}

// TryLock attempts to acquire the lock without spinning, used by the
// scheduler's purge pass which must not block in interrupt context
// (spec.md §4.7 "Concurrency").
func (s *Spinlock) TryLock() bool {
	return s.state.CompareAndSwap(false, true)
}
