// Package proc implements process and thread lifecycle: Proc_t,
// Thread_t, creation, exit and the waitpid reaping protocol of
// spec.md §4.2, built on top of kcore/sched's cooperative scheduler
// primitives. Grounded on the teacher's tinfo.Tnote_t (per-thread
// doomed/killed bookkeeping) and accnt.Accnt_t (per-process resource
// accounting), generalized from a bare-metal kernel's single global
// process table to an explicit Table_t the way the rest of this port
// threads state explicitly rather than through package globals.
package proc

import (
	"sync"

	"kcore/defs"
	"kcore/klog"
	"kcore/kmetrics"
	"kcore/kpanic"
	"kcore/sched"
	"kcore/vmm"
)

var log = klog.For("proc")

// ProcState_t enumerates the lifecycle states of spec.md §3 "Process".
type ProcState_t int

const (
	PROC_RUNNING ProcState_t = iota
	PROC_DYING   // do_exit has run; waiting for every thread to finish unwinding
	PROC_DEAD    // zombie, waiting to be reaped by waitpid
)

// Thread_t is one schedulable thread of execution within a Proc_t. It
// embeds the generic kthread primitive from sched and adds the
// process back-reference spec.md's "Thread" type describes.
type Thread_t struct {
	*sched.Thread_t
	Proc   *Proc_t
	Retval int

	mu     sync.Mutex
	doomed bool // set by do_exit/kill so the thread unwinds at its next check
}

// Doomed reports whether this thread's process has begun exiting and
// the thread should unwind rather than continue its syscall.
func (t *Thread_t) Doomed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.doomed
}

func (t *Thread_t) markDoomed() {
	t.mu.Lock()
	t.doomed = true
	t.mu.Unlock()
}

// Proc_t is one process: an address space, an open-file table owner
// (vfs.FdTable_t lives one layer up and is attached by the syscall
// layer), and the parent/child/exit-status bookkeeping spec.md §4.2
// describes.
type Proc_t struct {
	mu sync.Mutex

	Pid    defs.Pid_t
	Vm     *vmm.Vm_t
	state  ProcState_t
	status int // exit status, valid once state == PROC_DEAD

	parent   *Proc_t
	children map[defs.Pid_t]*Proc_t
	threads  map[defs.Tid_t]*Thread_t
	nextTid  defs.Tid_t

	// deadq delivers a reapable PID to exactly one waiter of a
	// matching waitpid call. init (pid 1) drains it for re-parented
	// orphans as spec.md's "init inherits orphaned children" requires.
	deadq     []defs.Pid_t
	deadwait  *sched.WaitQueue_t
	schedRef  *sched.Sched_t
}

// State returns the process's current lifecycle state.
func (p *Proc_t) State() ProcState_t {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Table_t is the system-wide process table: PID allocation and
// lookup, grounded on the teacher's single global proctable (kernel
// package) but kept as an explicit instance rather than package
// globals so tests can run several independent kernels.
type Table_t struct {
	mu      sync.Mutex
	sched   *sched.Sched_t
	procs   map[defs.Pid_t]*Proc_t
	nextPid defs.Pid_t
	init    *Proc_t
	metrics *kmetrics.Registry
}

// NewTable returns an empty process table driven by sc.
func NewTable(sc *sched.Sched_t) *Table_t {
	return &Table_t{sched: sc, procs: make(map[defs.Pid_t]*Proc_t), nextPid: 0}
}

// SetMetrics attaches a kmetrics.Registry that process/thread
// creation and reaping report to. Optional; nil disables metrics.
func (tb *Table_t) SetMetrics(m *kmetrics.Registry) {
	tb.mu.Lock()
	tb.metrics = m
	tb.mu.Unlock()
}

// allocPid implements the teacher's PID allocator: scan upward from
// the last-issued PID, wrapping around, skipping PIDs still in use
// (spec.md §4.2 "PID allocation wraps... skipping PIDs still in the
// process table").
func (tb *Table_t) allocPid() defs.Pid_t {
	for i := 0; i < 1<<20; i++ {
		tb.nextPid++
		if tb.nextPid <= 0 {
			tb.nextPid = 1
		}
		if _, busy := tb.procs[tb.nextPid]; !busy {
			return tb.nextPid
		}
	}
	panic("proc: PID space exhausted")
}

// Create implements proc_create: allocate a PID, an address space and
// the process's first thread, and link it under parent (nil for the
// very first process, conventionally PID 1 / init).
func (tb *Table_t) Create(parent *Proc_t) (*Proc_t, *Thread_t) {
	tb.mu.Lock()
	pid := tb.allocPid()
	p := &Proc_t{
		Pid:      pid,
		Vm:       vmm.NewVm(),
		children: make(map[defs.Pid_t]*Proc_t),
		threads:  make(map[defs.Tid_t]*Thread_t),
		parent:   parent,
		deadwait: sched.NewWaitQueue(),
		schedRef: tb.sched,
	}
	p.Vm.SetMetrics(tb.metrics)
	tb.procs[pid] = p
	if parent != nil {
		parent.mu.Lock()
		parent.children[pid] = p
		parent.mu.Unlock()
	} else if tb.init == nil {
		tb.init = p
	}
	tb.mu.Unlock()

	if tb.metrics != nil {
		tb.metrics.ProcsCreated.Inc()
	}
	t := tb.newThread(p)
	log.Infof("created pid %d tid %d", pid, t.Tid)
	return p, t
}

// DoFork implements do_fork's process half: clone parent's address
// space (mem.Shadow_t COW, per vmm.Vm_t.Fork) into a brand-new Proc_t
// with one thread, whose goroutine begins executing via entry --
// conventionally a trampoline that returns the child's syscall return
// value (0) in place of the parent's.
func (tb *Table_t) DoFork(parent *Proc_t, entry func(*Thread_t)) (*Proc_t, *Thread_t) {
	tb.mu.Lock()
	pid := tb.allocPid()
	child := &Proc_t{
		Pid:      pid,
		Vm:       parent.Vm.Fork(),
		children: make(map[defs.Pid_t]*Proc_t),
		threads:  make(map[defs.Tid_t]*Thread_t),
		parent:   parent,
		deadwait: sched.NewWaitQueue(),
		schedRef: tb.sched,
	}
	child.Vm.SetMetrics(tb.metrics)
	tb.procs[pid] = child
	tb.mu.Unlock()

	parent.mu.Lock()
	parent.children[pid] = child
	parent.mu.Unlock()

	if tb.metrics != nil {
		tb.metrics.ProcsCreated.Inc()
	}
	kt := tb.newThread(child)
	go func() {
		kt.Await()
		entry(kt)
		tb.ThreadExit(kt, 0)
	}()
	tb.sched.MakeRunnable(kt.Thread_t)

	log.Infof("forked pid %d -> pid %d", parent.Pid, pid)
	return child, kt
}

func (tb *Table_t) newThread(p *Proc_t) *Thread_t {
	p.mu.Lock()
	tid := p.nextTid
	p.nextTid++
	p.mu.Unlock()

	kt := &Thread_t{Thread_t: sched.NewThread(tid), Proc: p}
	p.mu.Lock()
	p.threads[tid] = kt
	p.mu.Unlock()
	if tb.metrics != nil {
		tb.metrics.ThreadsCreated.Inc()
	}
	return kt
}

// KthreadCreate implements kthread_create: spawn an additional thread
// in p and start its goroutine, which blocks until the scheduler gives
// it a turn, then runs entry(arg) and calls ThreadExit on return.
func (tb *Table_t) KthreadCreate(p *Proc_t, entry func(*Thread_t)) *Thread_t {
	kt := tb.newThread(p)
	go func() {
		kt.Await()
		entry(kt)
		tb.ThreadExit(kt, 0)
	}()
	tb.sched.MakeRunnable(kt.Thread_t)
	return kt
}

// ThreadExit implements kthread_exit: remove the thread from its
// process, and if it was the last thread, finish the process's exit
// (reparent children to init, record status, make it reapable). Like
// the teacher's kthread_exit, this never returns to the caller: it
// hands the CPU to the next runnable thread and parks this goroutine
// forever, since an EXITED thread's turn channel is never signaled
// again.
func (tb *Table_t) ThreadExit(kt *Thread_t, retval int) {
	if kt.State() == sched.EXITED {
		kpanic.Panic("proc: double-exit of tid %d", kt.Tid)
	}
	kt.Retval = retval
	p := kt.Proc

	p.mu.Lock()
	delete(p.threads, kt.Tid)
	remaining := len(p.threads)
	p.mu.Unlock()

	kt.Exit()
	if remaining == 0 {
		tb.finishExit(p)
	}
	tb.sched.Switch(kt.Thread_t)
}

// DoExit implements do_exit: mark every thread of p doomed so each
// unwinds out of whatever syscall it is in, then wait (via
// ThreadExit bookkeeping, driven by each thread's own unwind) for the
// last one to call ThreadExit. The calling thread is expected to be
// one of p's own threads and to itself return from its entry function
// immediately after this call, exactly like kthread_exit.
func (tb *Table_t) DoExit(p *Proc_t, status int) {
	p.mu.Lock()
	if p.state != PROC_RUNNING {
		p.mu.Unlock()
		return
	}
	p.state = PROC_DYING
	p.status = status
	threads := make([]*Thread_t, 0, len(p.threads))
	for _, kt := range p.threads {
		threads = append(threads, kt)
	}
	p.mu.Unlock()

	for _, kt := range threads {
		kt.markDoomed()
		if kt.Cancelled() {
			continue
		}
		tb.sched.Cancel(kt.Thread_t)
	}
}

// finishExit implements the second half of do_exit: transition to
// PROC_DEAD, reparent every surviving child to init, and wake whatever
// ancestor is blocked in waitpid.
func (tb *Table_t) finishExit(p *Proc_t) {
	p.mu.Lock()
	p.state = PROC_DEAD
	children := make([]*Proc_t, 0, len(p.children))
	for _, c := range p.children {
		children = append(children, c)
	}
	p.children = nil
	parent := p.parent
	p.mu.Unlock()

	tb.mu.Lock()
	init := tb.init
	tb.mu.Unlock()
	if init != nil && init != p {
		for _, c := range children {
			c.mu.Lock()
			c.parent = init
			c.mu.Unlock()
			init.mu.Lock()
			init.children[c.Pid] = c
			init.mu.Unlock()
		}
	}

	if parent == nil {
		return
	}
	parent.mu.Lock()
	parent.deadq = append(parent.deadq, p.Pid)
	parent.mu.Unlock()
	tb.sched.BroadcastOn(parent.deadwait)
}

// DoWaitpid implements do_waitpid: block (on the calling thread) until
// a child matching pid (or any child, if pid == -1) has reached
// PROC_DEAD, then reap it: detach it from p's children and from the
// table and return its PID
// and exit status. Returns ECHILD if the process has no children at
// all matching the request, and EINVAL for any pid value other than a
// specific positive pid or -1 ("any"), per spec.md's "other values...
// are unspecified (reject with EINVAL)".
func (tb *Table_t) DoWaitpid(caller *Thread_t, p *Proc_t, pid defs.Pid_t) (defs.Pid_t, int, defs.Err_t) {
	if pid != -1 && pid <= 0 {
		return 0, 0, defs.EINVAL.Neg()
	}
	for {
		p.mu.Lock()
		if len(p.children) == 0 && len(p.deadq) == 0 {
			p.mu.Unlock()
			return 0, 0, defs.ECHILD.Neg()
		}
		idx := -1
		for i, dp := range p.deadq {
			if pid == -1 || dp == pid {
				idx = i
				break
			}
		}
		if idx >= 0 {
			dead := p.deadq[idx]
			p.deadq = append(p.deadq[:idx], p.deadq[idx+1:]...)
			delete(p.children, dead)
			p.mu.Unlock()
			return tb.reap(dead)
		}
		if pid > 0 {
			if _, exists := p.children[pid]; !exists {
				p.mu.Unlock()
				return 0, 0, defs.ECHILD.Neg()
			}
		}
		p.mu.Unlock()

		tb.sched.SleepOn(caller.Thread_t, p.deadwait)
	}
}

func (tb *Table_t) reap(pid defs.Pid_t) (defs.Pid_t, int, defs.Err_t) {
	tb.mu.Lock()
	dead, ok := tb.procs[pid]
	if ok {
		delete(tb.procs, pid)
	}
	tb.mu.Unlock()
	if !ok {
		return 0, 0, defs.ECHILD.Neg()
	}

	dead.mu.Lock()
	status := dead.status
	dead.mu.Unlock()

	dead.Vm.Destroy()
	if tb.metrics != nil {
		tb.metrics.ProcsReaped.Inc()
	}
	log.Infof("reaped pid %d status %d", pid, status)
	return pid, status, 0
}

// Lookup returns the process for pid, if it is still in the table.
func (tb *Table_t) Lookup(pid defs.Pid_t) (*Proc_t, bool) {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	p, ok := tb.procs[pid]
	return p, ok
}
