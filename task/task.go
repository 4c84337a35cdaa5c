// Package task implements task records, the {INVALID,RUNNING,WAITING,
// PAUSED,KILLED} state machine, kernel-stack seeding, and a single-CPU
// round-robin scheduler (C7).
//
// Grounded on original_source/kernel/sched/task.c (task_create,
// task_create_kernel_stack, task_kill, task_purge, task_exit_current,
// task_schedule, task_get_from_id) and arch/x86/kernel/task.c
// (arch_task_create's two-frame kernel-stack seeding, arch_task_switch's
// TSS esp0 update generalised into archops.Switcher).
package task

import (
	"fmt"
	"strings"

	"nucleus/archops"
	"nucleus/internal/klog"
	"nucleus/kerrors"
	"nucleus/palloc"
	"nucleus/pgtbl"
	"nucleus/vmspace"
)

// NameMax matches TASK_NAME_LENGTH_MAX, the name buffer size including its
// terminator: a task's name is capped at NameMax-1 bytes. A longer name is
// truncated, never rejected.
const NameMax = 16

// KernelStackOrder is the buddy order of the kernel stack allocation: 2^4
// = 16 pages, matching TASK_KERNEL_STACK_ORDER.
const KernelStackOrder = 4

// PriorityMin and PriorityMax bound a task's scheduling priority. Priority
// is recorded but not yet consulted by the scheduler, matching
// task_schedule()'s "naive round-robin... to be updated with priority
// support" comment.
const (
	PriorityMin = 1
	PriorityMax = 5
)

// State is a task's position in the state machine.
type State int

const (
	Invalid State = iota
	Running
	Waiting
	Paused
	Killed
)

func (s State) String() string {
	switch s {
	case Invalid:
		return "INVALID"
	case Running:
		return "RUNNING"
	case Waiting:
		return "WAITING"
	case Paused:
		return "PAUSED"
	case Killed:
		return "KILLED"
	default:
		return "UNKNOWN"
	}
}

// Task is one schedulable unit: a kernel or user thread of execution, its
// kernel stack, and the VM space it runs in. Matches struct task, minus
// the intrusive list_node (the Scheduler keeps tasks in a plain slice) and
// arch_data (folded into archops.StackBuilder's frame encoding).
type Task struct {
	ID       uint32
	Kind     archops.TaskKind
	State    State
	Priority uint32
	Ticks    uint32

	Entry uintptr
	Name  string

	Space *vmspace.Space

	kstackPage *palloc.Page
	kstackTop  uintptr
	kstackBot  uintptr
	kstackSize uintptr
}

// KStackTop returns the current saved stack pointer, for
// archops.Switcher.Switch.
func (t *Task) KStackTop() uintptr { return t.kstackTop }

// String renders one task's line of task_print()'s listing: id, name,
// state, priority, and accumulated ticks.
func (t *Task) String() string {
	return fmt.Sprintf("task %d: %-15s state=%-7s priority=%d ticks=%d", t.ID, t.Name, t.State, t.Priority, t.Ticks)
}

// Scheduler owns the task list, the currently running task, and the
// architecture collaborators needed to create and switch between tasks.
// Matches the free functions operating on the global task_head/task_lock
// in task.c, collected into a value instead of package-level globals.
type Scheduler struct {
	lock    archops.Spinlock
	tasks   []*Task
	current int // index into tasks of the currently running task
	nextID  uint32
	enabled bool

	pages    *palloc.Allocator
	pgtblOps *pgtbl.Ops
	stack    archops.StackBuilder
	switcher archops.Switcher
	log      *klog.Logger
}

// New creates a scheduler and its idle task (id=0), matching task_init():
// the idle task continues the already-running thread of execution, owns a
// VM space seeded with the kernel mapping, and is added to the scheduler
// disabled — callers enable it once the rest of boot has completed.
func New(pages *palloc.Allocator, ops *pgtbl.Ops, stack archops.StackBuilder, switcher archops.Switcher, log *klog.Logger) (*Scheduler, error) {
	if log == nil {
		log = klog.Default
	}
	space, err := vmspace.New(ops, pages, log)
	if err != nil {
		return nil, kerrors.E(kerrors.OutOfMemory, "task: failed to create idle task's VM space: %v", err)
	}

	idle := &Task{
		ID:    0,
		Kind:  archops.KindKernel,
		State: Running,
		Name:  "kernel_idle",
		Space: space,
	}

	s := &Scheduler{
		tasks:    []*Task{idle},
		current:  0,
		nextID:   1,
		pages:    pages,
		pgtblOps: ops,
		stack:    stack,
		switcher: switcher,
		log:      log,
	}
	return s, nil
}

// Enable turns on the scheduler, matching task_enable_scheduler(). Tick is
// a no-op until this is called.
func (s *Scheduler) Enable() { s.enabled = true }

// Disable turns off the scheduler, matching task_disable_scheduler().
func (s *Scheduler) Disable() { s.enabled = false }

// Current returns the currently running task.
func (s *Scheduler) Current() *Task {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.tasks[s.current]
}

// ByID returns the task with the given id, matching task_get_from_id().
func (s *Scheduler) ByID(id uint32) (*Task, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	for _, t := range s.tasks {
		if t.ID == id {
			return t, nil
		}
	}
	return nil, kerrors.E(kerrors.NotFound, "task: no task with id %d", id)
}

// Create allocates and links a new task, matching task_create(): validates
// state and priority, allocates and seeds the kernel stack, allocates a VM
// space, then links the task into the scheduler's list. Any failure after
// partial progress tears down everything already allocated and returns an
// error, matching "Task creation performs full teardown... on any failure
// after partial progress."
func (s *Scheduler) Create(name string, kind archops.TaskKind, entry uintptr, priority uint32, initial State) (*Task, error) {
	if initial != Waiting && initial != Paused {
		return nil, kerrors.E(kerrors.Invalid, "task: initial state must be WAITING or PAUSED, got %s", initial)
	}
	if priority < PriorityMin || priority > PriorityMax {
		return nil, kerrors.E(kerrors.Invalid, "task: priority %d out of range [%d,%d]", priority, PriorityMin, PriorityMax)
	}
	if len(name) > NameMax-1 {
		name = name[:NameMax-1]
	}

	s.lock.Lock()
	id := s.nextID
	s.nextID++
	s.lock.Unlock()

	kstackPage, kstackBot, kstackSize, err := s.allocKernelStack()
	if err != nil {
		return nil, kerrors.E(kerrors.OutOfMemory, "task: failed to allocate kernel stack for '%s': %v", name, err)
	}

	space, err := vmspace.New(s.pgtblOps, s.pages, s.log)
	if err != nil {
		s.freeKernelStack(kstackPage)
		return nil, kerrors.E(kerrors.OutOfMemory, "task: failed to create VM space for '%s': %v", name, err)
	}

	t := &Task{
		ID:         id,
		Kind:       kind,
		State:      initial,
		Priority:   priority,
		Entry:      entry,
		Name:       name,
		Space:      space,
		kstackPage: kstackPage,
		kstackTop:  kstackBot,
		kstackBot:  kstackBot,
		kstackSize: kstackSize,
	}
	s.seedStack(t)

	s.lock.Lock()
	s.tasks = append(s.tasks, t)
	s.lock.Unlock()

	s.log.Trace("task", "Create('%s', id=%d, kind=%d, priority=%d)", name, id, kind, priority)
	return t, nil
}

// allocKernelStack allocates 2^KernelStackOrder pages and zeroes them,
// matching task_create_kernel_stack(). The returned bottom/size describe
// the stack exactly as kstack_bot/kstack_size do: bottom is the
// highest address, growth proceeds downward.
func (s *Scheduler) allocKernelStack() (*palloc.Page, uintptr, uintptr, error) {
	page, err := s.pages.Alloc(KernelStackOrder)
	if err != nil {
		return nil, 0, 0, err
	}
	size := uintptr(1<<KernelStackOrder) * palloc.PageSize
	base := palloc.AddrOf(page.PFN)
	clearBuf := s.pages.Pool().At(base, size)
	for i := range clearBuf {
		clearBuf[i] = 0
	}
	bottom := uintptr(base) + size
	return page, bottom, size, nil
}

func (s *Scheduler) freeKernelStack(page *palloc.Page) {
	_ = s.pages.Free(page, KernelStackOrder)
}

// seedStack writes the interrupt-return frame and, above it, the context
// frame, in arch_task_create()'s order. The context frame's saved resume
// address is the task's entry point: no routine that pops the
// interrupt-return frame exists in this tree, so its address is not written.
func (s *Scheduler) seedStack(t *Task) {
	top := t.kstackTop

	top -= uintptr(s.stack.InterruptFrameSize())
	frameBuf := s.pages.Pool().At(palloc.Pa(top), uintptr(s.stack.InterruptFrameSize()))
	var userStack uintptr
	if t.Kind == archops.KindUser {
		userStack = 0x440000 // matches arch_task_create()'s fixed initial user_esp
	}
	s.stack.WriteInterruptFrame(frameBuf, t.Entry, t.Kind, userStack)

	top -= uintptr(s.stack.ContextFrameSize())
	ctxBuf := s.pages.Pool().At(palloc.Pa(top), uintptr(s.stack.ContextFrameSize()))
	s.stack.WriteContextFrame(ctxBuf, t.Entry) // resumeRoutine: sim has no isr_exit to point at, entry stands in as the resume target

	t.kstackTop = top
}

// Kill marks a task as KILLED, matching task_kill(): the idle task (id 0)
// can never be killed, and only RUNNING/WAITING/PAUSED tasks are killable.
// Purging happens later, in the scheduler's next Tick.
func (s *Scheduler) Kill(id uint32) error {
	if id == 0 {
		return kerrors.E(kerrors.InvalidState, "task: cannot kill the idle task")
	}

	s.lock.Lock()
	defer s.lock.Unlock()
	for _, t := range s.tasks {
		if t.ID != id {
			continue
		}
		if t.State != Running && t.State != Waiting && t.State != Paused {
			return kerrors.E(kerrors.InvalidState, "task: id %d is not in a killable state (%s)", id, t.State)
		}
		t.State = Killed
		s.log.Trace("task", "Kill(%d)", id)
		return nil
	}
	return kerrors.E(kerrors.NotFound, "task: no task with id %d", id)
}

// ExitCurrent marks the currently running task KILLED, matching
// task_exit_current().
func (s *Scheduler) ExitCurrent() {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.tasks[s.current].State = Killed
	s.log.Trace("task", "ExitCurrent(id=%d)", s.tasks[s.current].ID)
}

// purge drops every KILLED task from the list, destroying its VM space and
// kernel stack, matching task_purge() as invoked from task_schedule()'s
// scan. Runs under TryLock since the scheduler executes in interrupt
// context and must not block (spec.md §4.7 "Concurrency"); if the lock is
// already held, purge is skipped this tick and retried next time.
func (s *Scheduler) purge() {
	if !s.lock.TryLock() {
		return
	}
	defer s.lock.Unlock()

	running := s.tasks[s.current]

	kept := s.tasks[:0]
	for _, t := range s.tasks {
		if t.State != Killed || t.ID == 0 {
			kept = append(kept, t)
			continue
		}
		s.log.Trace("task", "purge(%d)", t.ID)
		if err := t.Space.Release(); err != nil {
			s.log.Warn("task", "purge(%d): failed to release VM space: %v", t.ID, err)
		}
		s.freeKernelStack(t.kstackPage)
	}
	s.tasks = kept

	// running survives purge unless it was itself the killed, non-idle
	// task removed above, in which case the idle task (always kept, always
	// first) takes over, matching task_purge()'s fallback to the idle task.
	s.current = 0
	for i, t := range s.tasks {
		if t == running {
			s.current = i
			break
		}
	}
}

// Tick drives one scheduler pass, matching task_schedule(): a no-op if
// disabled, otherwise increments the current task's tick count, purges
// KILLED tasks, then picks the next runnable task starting at the
// current task's successor and wrapping the circular list, skipping any
// task not in {WAITING, RUNNING}. The scan always terminates because the
// idle task is always eligible.
func (s *Scheduler) Tick() {
	if !s.enabled {
		return
	}

	s.lock.Lock()
	s.tasks[s.current].Ticks++
	s.lock.Unlock()

	s.purge()

	s.lock.Lock()
	n := len(s.tasks)
	prevIdx := s.current
	nextIdx := prevIdx
	for i := 1; i <= n; i++ {
		cand := (prevIdx + i) % n
		st := s.tasks[cand].State
		if st == Waiting || st == Running {
			nextIdx = cand
			break
		}
	}

	prev := s.tasks[prevIdx]
	next := s.tasks[nextIdx]
	s.current = nextIdx
	if prev.State == Running {
		prev.State = Waiting
	}
	next.State = Running
	s.lock.Unlock()

	s.switcher.Switch(prev.KStackTop(), next.KStackTop())
}

// Tasks returns a snapshot of the current task list, for the metrics
// package and debug printing (task_print()).
func (s *Scheduler) Tasks() []*Task {
	s.lock.Lock()
	defer s.lock.Unlock()
	out := make([]*Task, len(s.tasks))
	copy(out, s.tasks)
	return out
}

// Dump renders every task's state, matching task_print()'s listing — kept
// for operator tooling and test assertions now that the original's
// commented-out descriptor/TTY wiring has no replacement in this tree.
func (s *Scheduler) Dump() string {
	tasks := s.Tasks()
	var b strings.Builder
	b.WriteString("Task List\n")
	b.WriteString("-----------------------------\n")
	for _, t := range tasks {
		b.WriteString(t.String())
		b.WriteByte('\n')
	}
	return b.String()
}
