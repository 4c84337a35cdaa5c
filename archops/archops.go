package archops

// TaskKind distinguishes kernel-mode from user-mode tasks, which affects
// which segment selectors / privilege flags a StackBuilder seeds into a new
// task's initial interrupt-return frame.
type TaskKind int

const (
	KindKernel TaskKind = iota
	KindUser
)

// StackBuilder seeds a new task's kernel stack with the two frames
// described in spec.md §4.7 step 5: an "interrupt-return" frame (as if the
// task had been interrupted right at entry) and, above it, a context frame
// whose saved return address resumes into the code that pops the
// interrupt-return frame. Together these let the scheduler's first
// switch-in "return" into the task exactly as if resuming from a timer
// interrupt.
//
// This is named here rather than implemented for a real CPU because
// register save/restore and interrupt dispatch are explicitly out-of-scope
// external collaborators (spec.md §1); arch/x86/kernel/task.c's
// arch_task_create() is the concrete behaviour this interface generalises.
type StackBuilder interface {
	// InterruptFrameSize returns the size in bytes of the interrupt-return
	// frame this builder writes.
	InterruptFrameSize() int
	// ContextFrameSize returns the size in bytes of the context-switch
	// frame this builder writes.
	ContextFrameSize() int
	// WriteInterruptFrame encodes an interrupt-return frame for a task of
	// the given kind starting execution at entry (with userStack used only
	// when kind == KindUser) into dst, which must be at least
	// InterruptFrameSize() bytes.
	WriteInterruptFrame(dst []byte, entry uintptr, kind TaskKind, userStack uintptr)
	// WriteContextFrame encodes a context-switch frame whose saved return
	// address is resumeRoutine (the architecture's equivalent of
	// isr_exit()) into dst, which must be at least ContextFrameSize()
	// bytes.
	WriteContextFrame(dst []byte, resumeRoutine uintptr)
}

// Switcher performs the architecture-specific context switch: saving the
// current stack pointer and restoring the next task's, per
// arch_task_switch(). It is a named external collaborator; this substrate
// only needs to know a switch was requested and record it, since actual
// control-flow transfer onto another stack is not something a hosted Go
// process can do for a simulated guest task.
type Switcher interface {
	Switch(prevStackTop, nextStackTop uintptr)
}

// TLBInvalidator performs TLB shootdown/invalidation, per ptable.c's
// paging_inval_tlb_entry() and vm.c's TLB shootdown path. Named only: real
// invalidation requires the MMU.
type TLBInvalidator interface {
	InvalidatePage(va uintptr)
	InvalidateRange(va uintptr, pageCount int)
}
