// Package sim provides a reference implementation of the archops
// collaborator interfaces for running the substrate hosted, without a real
// CPU beneath it. It encodes frames as plain byte layouts and records
// switches/invalidations instead of performing them, which is sufficient to
// exercise task creation and the scheduler end-to-end in tests.
package sim

import (
	"encoding/binary"
	"sync"

	"nucleus/archops"
)

// interruptFrame is a flat, architecture-neutral stand-in for the
// pushed-register frame an ISR return path expects: entry point, the
// selectors/flags chosen for the task's privilege level, and (for user
// tasks) the stack to resume on.
type interruptFrame struct {
	Entry     uint64
	Kind      uint32
	Flags     uint32
	UserStack uint64
}

const interruptFrameSize = 8 + 4 + 4 + 8

// contextFrame is the saved-context frame a switch restores into: just the
// address execution resumes at.
type contextFrame struct {
	ResumeRoutine uint64
}

const contextFrameSize = 8

// StackBuilder is the sim archops.StackBuilder implementation.
type StackBuilder struct{}

func (StackBuilder) InterruptFrameSize() int { return interruptFrameSize }
func (StackBuilder) ContextFrameSize() int   { return contextFrameSize }

func (StackBuilder) WriteInterruptFrame(dst []byte, entry uintptr, kind archops.TaskKind, userStack uintptr) {
	if len(dst) < interruptFrameSize {
		panic("sim: interrupt frame buffer too small")
	}
	binary.LittleEndian.PutUint64(dst[0:8], uint64(entry))
	binary.LittleEndian.PutUint32(dst[8:12], uint32(kind))
	flags := uint32(0x202) // IF set, reserved bit set; mirrors a freshly-entered task's EFLAGS
	binary.LittleEndian.PutUint32(dst[12:16], flags)
	binary.LittleEndian.PutUint64(dst[16:24], uint64(userStack))
}

func (StackBuilder) WriteContextFrame(dst []byte, resumeRoutine uintptr) {
	if len(dst) < contextFrameSize {
		panic("sim: context frame buffer too small")
	}
	binary.LittleEndian.PutUint64(dst[0:8], uint64(resumeRoutine))
}

// Switcher is the sim archops.Switcher implementation: it has nowhere to
// transfer control to (there is no second hosted stack to resume), so it
// just records the switch for callers/tests that want to assert it happened.
type Switcher struct {
	mu      sync.Mutex
	History []Switch
}

// Switch records one requested context switch.
type Switch struct {
	PrevStackTop uintptr
	NextStackTop uintptr
}

func (s *Switcher) Switch(prevStackTop, nextStackTop uintptr) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.History = append(s.History, Switch{PrevStackTop: prevStackTop, NextStackTop: nextStackTop})
}

// Count returns the number of switches recorded so far.
func (s *Switcher) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.History)
}

// TLB is the sim archops.TLBInvalidator implementation: it counts
// invalidations rather than performing them, for tests that want to assert
// pgtbl/vmspace call it on unmap.
type TLB struct {
	mu         sync.Mutex
	pages      int
	ranges     int
	lastVA     uintptr
	lastExtent int
}

func (t *TLB) InvalidatePage(va uintptr) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pages++
	t.lastVA = va
}

func (t *TLB) InvalidateRange(va uintptr, pageCount int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ranges++
	t.lastVA = va
	t.lastExtent = pageCount
}

// Stats returns (single-page invalidations, range invalidations).
func (t *TLB) Stats() (pages, ranges int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pages, t.ranges
}

var (
	_ archops.StackBuilder   = StackBuilder{}
	_ archops.Switcher       = (*Switcher)(nil)
	_ archops.TLBInvalidator = (*TLB)(nil)
)
