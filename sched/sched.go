// Package sched implements the cooperative, single-CPU scheduler of
// spec.md §4.1/§5: a FIFO run queue, FIFO wait channels, a
// non-recursive mutex, and cancellable sleep. There is no timer-driven
// preemption; a thread runs until it calls Switch (directly or via
// SleepOn/SleepOnCancellable) to hand the CPU to the next runnable
// thread. Real hardware context_switch is modeled with a per-thread
// handoff channel: at most one goroutine is ever unblocked at a time,
// which is exactly spec.md's "at most one RUNNING thread" invariant.
package sched

import (
	"sync"

	"kcore/defs"
	"kcore/klog"
	"kcore/kmetrics"
)

var log = klog.For("sched")

// State_t enumerates the thread states of spec.md §3.
type State_t int

const (
	RUNNABLE State_t = iota
	RUNNING
	SLEEPING
	SLEEPING_CANCELLABLE
	EXITED
)

// Thread_t is the low-level schedulable unit (the teacher's kthread):
// a kernel-stack-equivalent goroutine plus saved state. proc.Thread_t
// embeds one of these and adds the process back-reference.
type Thread_t struct {
	mu    sync.Mutex
	Tid   defs.Tid_t
	state State_t
	waitq *WaitQueue_t

	cancelled  bool
	interrupted bool

	turn chan struct{} // dispatcher sends here to give this thread the CPU
}

// NewThread allocates a fresh thread in the RUNNABLE state, not yet
// enqueued anywhere. Callers enqueue it with MakeRunnable once its
// goroutine is ready to receive its first turn.
func NewThread(tid defs.Tid_t) *Thread_t {
	return &Thread_t{Tid: tid, state: RUNNABLE, turn: make(chan struct{}, 1)}
}

// State returns the thread's current state.
func (t *Thread_t) State() State_t {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// WaitQueue_t is an ordered FIFO set of threads blocked on a
// condition (spec.md §3 "Wait queue"). A thread is on at most one
// queue at a time.
type WaitQueue_t struct {
	mu sync.Mutex
	q  []*Thread_t
}

// NewWaitQueue returns an empty wait channel.
func NewWaitQueue() *WaitQueue_t {
	return &WaitQueue_t{}
}

// Len reports the number of threads currently queued.
func (wq *WaitQueue_t) Len() int {
	wq.mu.Lock()
	defer wq.mu.Unlock()
	return len(wq.q)
}

// Sched_t is the single run-queue scheduler. One Sched_t models one
// (single-)CPU kernel instance.
type Sched_t struct {
	mu      sync.Mutex
	runq    []*Thread_t
	idle    *Thread_t
	current *Thread_t
	metrics *kmetrics.Registry
}

// New returns a scheduler with idle as its always-runnable idle
// thread (PID 0 in proc.Proc_t terms), matching spec.md's "pick the
// next runnable thread (or idle)".
func New(idle *Thread_t) *Sched_t {
	return &Sched_t{idle: idle}
}

// SetMetrics attaches a kmetrics.Registry that Switch reports
// dispatch counts and run-queue depth to. Optional; nil (the default)
// disables metrics entirely.
func (s *Sched_t) SetMetrics(m *kmetrics.Registry) {
	s.mu.Lock()
	s.metrics = m
	s.mu.Unlock()
}

// Current returns the thread presently holding the CPU. Valid only
// when called from the code path of that thread itself (there is, by
// construction, never more than one such path running at a time).
func (s *Sched_t) Current() *Thread_t {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// MakeRunnable implements sched_make_runnable: enqueue t on the FIFO
// run queue.
func (s *Sched_t) MakeRunnable(t *Thread_t) {
	t.mu.Lock()
	t.state = RUNNABLE
	t.waitq = nil
	t.mu.Unlock()

	s.mu.Lock()
	s.runq = append(s.runq, t)
	s.mu.Unlock()
}

// Switch implements sched_switch: pick the next runnable thread (or
// idle), dispatch it, and block the caller until it is next given the
// CPU. `from` must already be in its final pre-switch state (made
// runnable, or recorded on a wait queue) by the caller.
func (s *Sched_t) Switch(from *Thread_t) {
	s.mu.Lock()
	var next *Thread_t
	if len(s.runq) > 0 {
		next = s.runq[0]
		s.runq = s.runq[1:]
	} else {
		next = s.idle
	}
	next.mu.Lock()
	next.state = RUNNING
	next.mu.Unlock()
	s.current = next
	if s.metrics != nil {
		s.metrics.SchedSwitches.Inc()
		s.metrics.SchedRunnable.Set(float64(len(s.runq)))
	}
	s.mu.Unlock()

	log.Debugf("switch -> tid %d", next.Tid)
	next.turn <- struct{}{}

	<-from.turn
}

// Start gives the scheduler's very first thread the CPU without a
// `from` to block; used once at boot to enter the idle thread.
func (s *Sched_t) Start(first *Thread_t) {
	s.mu.Lock()
	first.mu.Lock()
	first.state = RUNNING
	first.mu.Unlock()
	s.current = first
	s.mu.Unlock()
	first.turn <- struct{}{}
}

// Yield is a voluntary cooperative yield: re-enqueue the caller and
// hand the CPU to the next runnable thread.
func (s *Sched_t) Yield(t *Thread_t) {
	s.MakeRunnable(t)
	s.Switch(t)
}

// SleepOn implements sched_sleep_on: enqueue t on q, mark it
// SLEEPING, and switch away. Returns once woken.
func (s *Sched_t) SleepOn(t *Thread_t, q *WaitQueue_t) {
	t.mu.Lock()
	t.state = SLEEPING
	t.waitq = q
	t.mu.Unlock()

	q.mu.Lock()
	q.q = append(q.q, t)
	q.mu.Unlock()

	s.Switch(t)
}

// SleepOnCancellable implements sched_cancellable_sleep_on. It
// returns true if the sleep was interrupted by kthread_cancel rather
// than woken normally.
func (s *Sched_t) SleepOnCancellable(t *Thread_t, q *WaitQueue_t) bool {
	t.mu.Lock()
	t.state = SLEEPING_CANCELLABLE
	t.waitq = q
	t.interrupted = false
	t.mu.Unlock()

	q.mu.Lock()
	q.q = append(q.q, t)
	q.mu.Unlock()

	s.Switch(t)

	t.mu.Lock()
	defer t.mu.Unlock()
	return t.interrupted
}

// WakeupOn implements sched_wakeup_on: dequeue one waiter (FIFO) and
// make it runnable. Returns the woken thread, or nil if q was empty.
func (s *Sched_t) WakeupOn(q *WaitQueue_t) *Thread_t {
	q.mu.Lock()
	if len(q.q) == 0 {
		q.mu.Unlock()
		return nil
	}
	t := q.q[0]
	q.q = q.q[1:]
	q.mu.Unlock()

	s.MakeRunnable(t)
	return t
}

// BroadcastOn implements sched_broadcast_on: wake every waiter on q.
func (s *Sched_t) BroadcastOn(q *WaitQueue_t) {
	q.mu.Lock()
	waiters := q.q
	q.q = nil
	q.mu.Unlock()

	for _, t := range waiters {
		s.MakeRunnable(t)
	}
}

// Cancel implements kthread_cancel: mark t cancelled, and if it is
// presently in a cancellable sleep, wake it with the interrupted
// sentinel. Non-cancellable sleeps are not disturbed; cancellation
// takes effect at the thread's next cancellation point.
func (s *Sched_t) Cancel(t *Thread_t) {
	t.mu.Lock()
	t.cancelled = true
	state := t.state
	q := t.waitq
	t.mu.Unlock()

	if state != SLEEPING_CANCELLABLE || q == nil {
		return
	}

	q.mu.Lock()
	idx := -1
	for i, w := range q.q {
		if w == t {
			idx = i
			break
		}
	}
	if idx >= 0 {
		q.q = append(q.q[:idx], q.q[idx+1:]...)
	}
	q.mu.Unlock()

	if idx < 0 {
		// already dequeued by a racing wake; nothing to do.
		return
	}

	t.mu.Lock()
	t.interrupted = true
	t.mu.Unlock()

	s.MakeRunnable(t)
}

// Cancelled reports whether kthread_cancel has been called on t.
func (t *Thread_t) Cancelled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cancelled
}

// Exit marks t EXITED and returns; it does not switch away itself.
// Its caller, proc.Table_t.ThreadExit, then hands the CPU on with
// Switch, and nothing makes an EXITED thread runnable again.
func (t *Thread_t) Exit() {
	t.mu.Lock()
	t.state = EXITED
	t.mu.Unlock()
}

// Await blocks the calling goroutine until the scheduler gives this
// thread its first turn. kthread_create's entry-point goroutine calls
// this exactly once, immediately on start.
func (t *Thread_t) Await() {
	<-t.turn
}
