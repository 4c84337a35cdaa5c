package task

import (
	"testing"

	"github.com/stretchr/testify/require"

	"nucleus/archops"
	"nucleus/archops/sim"
	"nucleus/bootmem"
	"nucleus/palloc"
	"nucleus/pgtbl"
)

const kernelBoundary = 0xC0000000

func newTestScheduler(t *testing.T) (*Scheduler, *sim.Switcher) {
	t.Helper()
	pages := palloc.New(1024, bootmem.Image{Start: 0, End: 0}, nil)
	pages.MarkFree(0, palloc.AddrOf(palloc.PFN(1024)))

	tlb := &sim.TLB{}
	kernelPage, err := pages.Alloc(0)
	require.NoError(t, err)
	ops := pgtbl.NewOps(pages, tlb, kernelBoundary, palloc.AddrOf(kernelPage.PFN), nil)

	switcher := &sim.Switcher{}
	sched, err := New(pages, ops, sim.StackBuilder{}, switcher, nil)
	require.NoError(t, err)
	return sched, switcher
}

func TestNew_CreatesIdleTaskRunning(t *testing.T) {
	sched, _ := newTestScheduler(t)
	idle := sched.Current()
	require.EqualValues(t, 0, idle.ID)
	require.Equal(t, Running, idle.State)
	require.Equal(t, "kernel_idle", idle.Name)
}

func TestCreate_RejectsBadState(t *testing.T) {
	sched, _ := newTestScheduler(t)
	_, err := sched.Create("a", archops.KindKernel, 0x1000, 1, Running)
	require.Error(t, err)
}

func TestCreate_RejectsBadPriority(t *testing.T) {
	sched, _ := newTestScheduler(t)
	_, err := sched.Create("a", archops.KindKernel, 0x1000, 9, Waiting)
	require.Error(t, err)
}

func TestCreate_AssignsMonotonicIDs(t *testing.T) {
	sched, _ := newTestScheduler(t)
	a, err := sched.Create("a", archops.KindKernel, 0x1000, 3, Waiting)
	require.NoError(t, err)
	b, err := sched.Create("b", archops.KindKernel, 0x2000, 3, Waiting)
	require.NoError(t, err)
	require.EqualValues(t, 1, a.ID)
	require.EqualValues(t, 2, b.ID)
}

func TestCreate_TruncatesLongName(t *testing.T) {
	sched, _ := newTestScheduler(t)
	long := "this-name-is-definitely-too-long"
	tsk, err := sched.Create(long, archops.KindKernel, 0x1000, 1, Waiting)
	require.NoError(t, err)
	require.LessOrEqual(t, len(tsk.Name), NameMax-1)
}

func TestCreate_SeedsStackAboveInitialTop(t *testing.T) {
	sched, _ := newTestScheduler(t)
	tsk, err := sched.Create("worker", archops.KindKernel, 0x1000, 1, Waiting)
	require.NoError(t, err)

	frameBytes := sim.StackBuilder{}.InterruptFrameSize() + sim.StackBuilder{}.ContextFrameSize()
	require.EqualValues(t, tsk.kstackBot-uintptr(frameBytes), tsk.KStackTop())
}

func TestKill_RejectsIdleTask(t *testing.T) {
	sched, _ := newTestScheduler(t)
	require.Error(t, sched.Kill(0))
}

func TestKill_UnknownTask(t *testing.T) {
	sched, _ := newTestScheduler(t)
	require.Error(t, sched.Kill(42))
}

func TestKill_MarksTaskKilled(t *testing.T) {
	sched, _ := newTestScheduler(t)
	tsk, err := sched.Create("a", archops.KindKernel, 0x1000, 1, Waiting)
	require.NoError(t, err)
	require.NoError(t, sched.Kill(tsk.ID))
	require.Equal(t, Killed, tsk.State)
}

func TestTick_PurgesKilledTaskAndContinuesWithIdle(t *testing.T) {
	sched, switcher := newTestScheduler(t)
	sched.Enable()

	a, err := sched.Create("a", archops.KindKernel, 0x1000, 1, Waiting)
	require.NoError(t, err)
	require.NoError(t, sched.Kill(a.ID))

	sched.Tick()

	require.Equal(t, 1, switcher.Count(), "task_schedule() invokes the arch switch every tick, even idle-to-idle")
	_, err = sched.ByID(a.ID)
	require.Error(t, err, "killed task should have been purged from the list")

	require.EqualValues(t, 0, sched.Current().ID, "idle task should remain runnable after purge")
}

func TestTick_PurgeRederivesCurrentFromSurvivingTask(t *testing.T) {
	// idle(0,Waiting), a(1,Killed), b(2,Running), current==2 before purge:
	// compacting [idle, b] must leave s.current pointing at b (index 1),
	// not at whatever index survives a bounds clamp on the old value.
	sched, switcher := newTestScheduler(t)
	sched.Enable()

	a, err := sched.Create("a", archops.KindKernel, 0x1000, 1, Waiting)
	require.NoError(t, err)
	b, err := sched.Create("b", archops.KindKernel, 0x2000, 1, Waiting)
	require.NoError(t, err)

	sched.Tick() // idle -> a
	sched.Tick() // a -> b
	require.EqualValues(t, b.ID, sched.Current().ID)

	bStackTop := b.KStackTop()
	require.NoError(t, sched.Kill(a.ID))

	sched.Tick()

	require.Len(t, switcher.History, 3)
	lastSwitch := switcher.History[2]
	require.Equal(t, bStackTop, lastSwitch.PrevStackTop,
		"outgoing context must be b's, the task actually running when the tick fired, not idle's")

	_, err = sched.ByID(a.ID)
	require.Error(t, err, "killed task should have been purged from the list")
	require.Equal(t, Waiting, b.State, "b was running and must be saved to WAITING by this tick")
}

func TestTick_DisabledIsNoop(t *testing.T) {
	sched, switcher := newTestScheduler(t)
	sched.Tick()
	require.Equal(t, 0, switcher.Count())
}

func TestTick_RoundRobinsBetweenWaitingTasks(t *testing.T) {
	sched, switcher := newTestScheduler(t)
	sched.Enable()

	a, err := sched.Create("a", archops.KindKernel, 0x1000, 1, Waiting)
	require.NoError(t, err)
	b, err := sched.Create("b", archops.KindKernel, 0x2000, 1, Waiting)
	require.NoError(t, err)

	sched.Tick()
	require.EqualValues(t, a.ID, sched.Current().ID)
	require.Equal(t, Running, a.State)

	sched.Tick()
	require.EqualValues(t, b.ID, sched.Current().ID)
	require.Equal(t, Waiting, a.State)
	require.Equal(t, Running, b.State)

	require.Equal(t, 2, switcher.Count())
}

func TestExitCurrent_MarksCurrentKilled(t *testing.T) {
	sched, _ := newTestScheduler(t)
	sched.ExitCurrent()
	require.Equal(t, Killed, sched.Current().State)
}

func TestTasks_ReturnsSnapshot(t *testing.T) {
	sched, _ := newTestScheduler(t)
	_, err := sched.Create("a", archops.KindKernel, 0x1000, 1, Waiting)
	require.NoError(t, err)
	require.Len(t, sched.Tasks(), 2)
}

func TestDump_ListsEveryTask(t *testing.T) {
	sched, _ := newTestScheduler(t)
	_, err := sched.Create("worker", archops.KindKernel, 0x1000, 3, Waiting)
	require.NoError(t, err)

	out := sched.Dump()
	require.Contains(t, out, "kernel_idle")
	require.Contains(t, out, "worker")
	require.Contains(t, out, "RUNNING")
	require.Contains(t, out, "WAITING")
}
