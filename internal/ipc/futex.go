package ipc

import (
	uatomic "go.uber.org/atomic"

	"github.com/darkfireeee/Exo-OS-sub002/internal/sched"
)

// futexBuckets is the size of the address-hashed wait-queue table.
const futexBuckets = 256

// Futex is a fast userspace-style mutex/condvar primitive: Wait blocks a
// thread on a 32-bit word only if it still holds an expected value, Wake
// wakes up to n waiters on that word. Grounded on the same WaitQueue
// (internal/sched) the ring's flow control uses, keeping
// "E depends on ... D's wait primitive".
type Futex struct {
	sched  *sched.Scheduler
	table  [futexBuckets]*sched.WaitQueue
}

// NewFutex constructs a futex table bound to a scheduler.
func NewFutex(s *sched.Scheduler) *Futex {
	f := &Futex{sched: s}
	for i := range f.table {
		f.table[i] = sched.NewWaitQueue()
	}
	return f
}

// bucket hashes a word's address into the table. Go cannot take the
// address of an arbitrary atomic value and treat it as a plain integer
// the way freestanding code treats raw pointers, so callers identify a
// futex word by a caller-chosen uint64 key (typically the word's
// logical address in the simulated address space) rather than a real
// *uint32.
func (f *Futex) bucket(key uint64) *sched.WaitQueue {
	// Fibonacci hashing spreads sequential keys (adjacent words) across
	// buckets instead of clustering them, same rationale as the ring's
	// cache-line slot sizing: avoid false contention between unrelated
	// waiters.
	h := (key * 11400714819323198485) >> 56
	return f.table[h%futexBuckets]
}

// Wait blocks the calling thread on key if *word == expected, atomically
// from the caller's perspective: word is read once, and if it has already
// changed Wait returns immediately without blocking.
func (f *Futex) Wait(t *sched.TCB, key uint64, word *uatomic.Uint32, expected uint32) (sched.Cause, error) {
	if word.Load() != expected {
		return sched.CauseWoken, nil
	}
	return f.sched.Block(t, f.bucket(key), 0, false)
}

// Wake wakes up to n threads waiting on key, returning how many were
// actually woken (FUTEX_WAKE).
func (f *Futex) Wake(key uint64, n int) int {
	return f.bucket(key).WakeN(n)
}
