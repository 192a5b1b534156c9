package proc

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"kcore/defs"
	"kcore/sched"
)

// newTestTable returns a Table_t whose scheduler is never started.
// finishExit/DoWaitpid's fast (already-dead) path never touches the
// scheduler's turn-channel handoff, only its plain, always-safe
// queue bookkeeping (MakeRunnable/BroadcastOn), so these tests never
// need a running idle loop.
func newTestTable() *Table_t {
	return NewTable(sched.New(sched.NewThread(0)))
}

func TestFirstProcessGetsPidOne(t *testing.T) {
	tb := newTestTable()
	p, kt := tb.Create(nil)
	assert.Equal(t, defs.Pid_t(1), p.Pid)
	assert.Equal(t, defs.Tid_t(0), kt.Tid)
}

func TestPidAllocationSkipsBusyPids(t *testing.T) {
	tb := newTestTable()
	p1, _ := tb.Create(nil)
	p2, _ := tb.Create(nil)
	assert.Equal(t, defs.Pid_t(1), p1.Pid)
	assert.Equal(t, defs.Pid_t(2), p2.Pid)

	// Simulate the counter wrapping back to the start: PIDs 1 and 2 are
	// still in use, so the next allocation must skip to 3.
	tb.nextPid = 0
	p3, _ := tb.Create(nil)
	assert.Equal(t, defs.Pid_t(3), p3.Pid)
}

func TestWaitpidReapsDeadChildAndRemovesFromTable(t *testing.T) {
	tb := newTestTable()
	init, _ := tb.Create(nil)
	child, _ := tb.Create(init)

	tb.finishExit(child)
	assert.Equal(t, PROC_DEAD, child.State())

	pid, status, err := tb.DoWaitpid(nil, init, child.Pid)
	assert.Equal(t, defs.Err_t(0), err)
	assert.Equal(t, child.Pid, pid)
	assert.Equal(t, 0, status)

	_, ok := tb.Lookup(child.Pid)
	assert.False(t, ok, "reaped child must be removed from the table")
}

func TestOrphanedChildrenReparentToInit(t *testing.T) {
	tb := newTestTable()
	init, _ := tb.Create(nil)
	parent, _ := tb.Create(init)
	grandchild, _ := tb.Create(parent)

	tb.finishExit(parent)

	assert.Equal(t, PROC_DEAD, parent.State())
	assert.Same(t, init, grandchild.parent, "orphan must be reparented to init")
	assert.Contains(t, init.children, grandchild.Pid)

	// init can now reap both the exited parent and, once it exits too,
	// the reparented grandchild.
	pid, _, err := tb.DoWaitpid(nil, init, parent.Pid)
	assert.Equal(t, defs.Err_t(0), err)
	assert.Equal(t, parent.Pid, pid)

	tb.finishExit(grandchild)
	pid, _, err = tb.DoWaitpid(nil, init, grandchild.Pid)
	assert.Equal(t, defs.Err_t(0), err)
	assert.Equal(t, grandchild.Pid, pid)
}

func TestWaitpidEChildWhenNoChildren(t *testing.T) {
	tb := newTestTable()
	p, _ := tb.Create(nil)

	_, _, err := tb.DoWaitpid(nil, p, -1)
	assert.Equal(t, defs.ECHILD.Neg(), err)
}

func TestWaitpidEChildForUnknownPid(t *testing.T) {
	tb := newTestTable()
	init, _ := tb.Create(nil)
	tb.Create(init)

	_, _, err := tb.DoWaitpid(nil, init, 999)
	assert.Equal(t, defs.ECHILD.Neg(), err)
}

func TestWaitpidRejectsNonAnyNonPositivePid(t *testing.T) {
	tb := newTestTable()
	init, _ := tb.Create(nil)
	tb.Create(init)

	_, _, err := tb.DoWaitpid(nil, init, 0)
	assert.Equal(t, defs.EINVAL.Neg(), err)

	_, _, err = tb.DoWaitpid(nil, init, -2)
	assert.Equal(t, defs.EINVAL.Neg(), err)
}
