package sched

import (
	"sync"
	"time"

	uatomic "go.uber.org/atomic"
)

// Cause identifies why a blocked thread woke up.
type Cause int

const (
	CauseWoken Cause = iota
	CauseTimeout
	CauseCancelled
)

// waitItem is one thread's ticket on a WaitQueue.
type waitItem struct {
	tid    ThreadID
	woken  uatomic.Bool
	result chan Cause
}

// WaitQueue is the shared blocking/wakeup primitive
// describes ("All paths are non-racy under a per-wait-queue spinlock plus
// atomic `woken` flag") and which §4.E (fusion ring flow control) and the
// futex implementation (§4.E) both build on, matching the dependency
// IPC and futex waits both block through this same queue.
type WaitQueue struct {
	mu    sync.Mutex
	items []*waitItem
}

// NewWaitQueue constructs an empty wait queue.
func NewWaitQueue() *WaitQueue { return &WaitQueue{} }

func (wq *WaitQueue) enqueue(tid ThreadID) *waitItem {
	it := &waitItem{tid: tid, result: make(chan Cause, 1)}
	wq.mu.Lock()
	wq.items = append(wq.items, it)
	wq.mu.Unlock()
	return it
}

func (wq *WaitQueue) remove(it *waitItem) {
	wq.mu.Lock()
	defer wq.mu.Unlock()
	for i, other := range wq.items {
		if other == it {
			wq.items = append(wq.items[:i], wq.items[i+1:]...)
			return
		}
	}
}

// wake resolves a waiter exactly once: the first of {explicit wake,
// timeout, cancel} to CAS the woken flag wins and the rest become no-ops,
// satisfying the single-resolution guarantee: a waiter is woken at most once.
func (it *waitItem) wake(cause Cause) bool {
	if !it.woken.CompareAndSwap(false, true) {
		return false
	}
	it.result <- cause
	return true
}

// WakeOne wakes the oldest waiter (FIFO, matching "Futex wake orders
// wakers by wait-queue insertion"), returning true if a waiter was woken.
func (wq *WaitQueue) WakeOne() bool {
	return wq.WakeN(1) == 1
}

// WakeN wakes up to n waiters FIFO, returning how many were actually woken.
func (wq *WaitQueue) WakeN(n int) int {
	wq.mu.Lock()
	var candidates []*waitItem
	woke := 0
	remaining := wq.items[:0:0]
	for _, it := range wq.items {
		if woke < n {
			candidates = append(candidates, it)
			woke++
		} else {
			remaining = append(remaining, it)
		}
	}
	wq.items = remaining
	wq.mu.Unlock()

	actual := 0
	for _, it := range candidates {
		if it.wake(CauseWoken) {
			actual++
		}
	}
	return actual
}

// Len reports the number of threads currently queued.
func (wq *WaitQueue) Len() int {
	wq.mu.Lock()
	defer wq.mu.Unlock()
	return len(wq.items)
}

// waitQueues is the scheduler's private bookkeeping placeholder; callers
// that need address-keyed wait queues (fusion rings, futexes) construct
// and own their own *WaitQueue instances via NewWaitQueue, block on them
// with Scheduler.Block and wake them with WakeOne/WakeN/Cancel.
type waitQueues struct{}

func (w *waitQueues) init() {}

// Block transitions t to Blocked (or Sleeping, for timer-only waits),
// registers it on wq, and waits for a wake, the deadline, or a
// WaitQueue.Cancel of its ticket -- these are the suspension points, and
// "Cancellation & timeouts". deadline <= 0 means wait forever. t must be
// Running: the state table admits Blocked and Sleeping only from Running.
func (s *Scheduler) Block(t *TCB, wq *WaitQueue, deadline time.Duration, sleep bool) (Cause, error) {
	target := Blocked
	if sleep {
		target = Sleeping
	}
	if err := t.transition(target); err != nil {
		return CauseCancelled, err
	}

	it := wq.enqueue(t.ID)

	var timer *time.Timer
	if deadline > 0 {
		timer = time.AfterFunc(deadline, func() { it.wake(CauseTimeout) })
	}

	cause := <-it.result
	if timer != nil {
		timer.Stop()
	}
	wq.remove(it)

	if err := t.transition(Ready); err != nil {
		return cause, err
	}
	s.queues[t.Class].push(t)
	return cause, nil
}

// Cancel forcibly wakes a specific thread's ticket with CauseCancelled,
// used by async task cancellation.
func (wq *WaitQueue) Cancel(tid ThreadID) bool {
	wq.mu.Lock()
	var target *waitItem
	for _, it := range wq.items {
		if it.tid == tid {
			target = it
			break
		}
	}
	wq.mu.Unlock()
	if target == nil {
		return false
	}
	return target.wake(CauseCancelled)
}
