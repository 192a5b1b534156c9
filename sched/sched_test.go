package sched

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kcore/defs"
)

// bootPair returns a scheduler with an idle thread whose goroutine
// loops forever handing the CPU back, the same boot idiom cmd/kcore
// uses.
func bootPair(t *testing.T) (*Sched_t, *Thread_t) {
	t.Helper()
	idle := NewThread(0)
	sc := New(idle)
	go func() {
		idle.Await()
		for {
			sc.Switch(idle)
		}
	}()
	return sc, idle
}

func TestSwitchHandsOffToRunnableThread(t *testing.T) {
	sc, idle := bootPair(t)

	kt := NewThread(1)
	ran := make(chan struct{})
	go func() {
		kt.Await()
		close(ran)
		sc.Switch(kt)
	}()
	sc.MakeRunnable(kt)
	sc.Start(idle)

	<-ran
}

func TestAtMostOneThreadRunningAtOnce(t *testing.T) {
	sc, idle := bootPair(t)

	const n = 8
	done := make(chan struct{})
	seen := make(chan int, n)
	var mu sync.Mutex
	running, maxRunning := 0, 0

	for i := 1; i <= n; i++ {
		kt := NewThread(defs.Tid_t(i))
		go func(id int, kt *Thread_t) {
			kt.Await()
			mu.Lock()
			running++
			if running > maxRunning {
				maxRunning = running
			}
			mu.Unlock()
			seen <- id
			mu.Lock()
			running--
			mu.Unlock()
			sc.Switch(kt)
		}(i, kt)
		sc.MakeRunnable(kt)
	}
	var ids []int
	go func() {
		for i := 0; i < n; i++ {
			ids = append(ids, <-seen)
		}
		close(done)
	}()

	sc.Start(idle)
	<-done
	assert.Len(t, ids, n)
	mu.Lock()
	assert.Equal(t, 1, maxRunning)
	mu.Unlock()
}

func TestWaitQueueFIFOWakeup(t *testing.T) {
	sc, idle := bootPair(t)
	q := NewWaitQueue()

	kt1 := NewThread(1)
	kt2 := NewThread(2)
	woke := make(chan int, 2)

	go func() {
		kt1.Await()
		sc.SleepOn(kt1, q)
		woke <- 1
		sc.Switch(kt1)
	}()
	go func() {
		kt2.Await()
		sc.SleepOn(kt2, q)
		woke <- 2
		sc.Switch(kt2)
	}()
	sc.MakeRunnable(kt1)
	sc.MakeRunnable(kt2)
	go sc.Start(idle)

	require.Eventually(t, func() bool { return q.Len() == 2 }, 2*time.Second, 5*time.Millisecond)
	w1 := sc.WakeupOn(q)
	assert.Equal(t, kt1, w1)
	assert.Equal(t, 1, <-woke)
	w2 := sc.WakeupOn(q)
	assert.Equal(t, kt2, w2)
	assert.Equal(t, 2, <-woke)
}

func TestCancelInterruptsCancellableSleep(t *testing.T) {
	sc, idle := bootPair(t)
	q := NewWaitQueue()
	kt := NewThread(1)
	result := make(chan bool, 1)

	go func() {
		kt.Await()
		result <- sc.SleepOnCancellable(kt, q)
		sc.Switch(kt)
	}()
	sc.MakeRunnable(kt)
	go sc.Start(idle)

	require.Eventually(t, func() bool { return q.Len() == 1 }, 2*time.Second, 5*time.Millisecond)
	sc.Cancel(kt)
	assert.True(t, <-result)
	assert.True(t, kt.Cancelled())
}
