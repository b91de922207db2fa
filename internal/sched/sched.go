// Package sched implements the thread control block, the atomic state
// machine, and the 3-queue predictive scheduler with windowed context
// switching.
//
// TCB manages its own thread abstraction rather than delegating
// scheduling to the Go runtime: explicit stack bounds, an atomic status
// enum, and a thread table the kernel owns directly. Dispatch() and
// EndRun() are called by an external driver rather than happening implicitly,
// since this hosted build has no interrupt controller to drive real
// preemption — hardware timer interrupts are out of scope here.
package sched

import (
	"sync"
	"time"

	uatomic "go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/darkfireeee/Exo-OS-sub002/internal/addr"
)

// State is a thread's lifecycle state.
type State int

const (
	Creating State = iota
	Ready
	Running
	Blocked
	Sleeping
	Suspended
	Terminated
)

func (s State) String() string {
	switch s {
	case Creating:
		return "creating"
	case Ready:
		return "ready"
	case Running:
		return "running"
	case Blocked:
		return "blocked"
	case Sleeping:
		return "sleeping"
	case Suspended:
		return "suspended"
	case Terminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// legalTransitions encodes the thread lifecycle's adjacency table:
// "Creating→Ready; Ready↔Running; Running→{Blocked,Sleeping,Terminated};
// Blocked→Ready; ...".
var legalTransitions = map[State]map[State]bool{
	Creating:  {Ready: true},
	Ready:     {Running: true, Suspended: true, Terminated: true},
	Running:   {Ready: true, Blocked: true, Sleeping: true, Suspended: true, Terminated: true},
	Blocked:   {Ready: true, Terminated: true},
	Sleeping:  {Ready: true, Terminated: true},
	Suspended: {Ready: true, Terminated: true},
	Terminated: {},
}

// ErrInvalidTransition is the Scheduler error taxonomy entry.
type ErrInvalidTransition struct {
	From, To State
}

func (e *ErrInvalidTransition) Error() string {
	return "sched: illegal state transition " + e.From.String() + " -> " + e.To.String()
}

// Class is the priority/classification queue a thread belongs to.
type Class int

const (
	System Class = iota
	Interactive
	Batch
	numClasses
)

func (c Class) String() string {
	switch c {
	case System:
		return "system"
	case Interactive:
		return "interactive"
	case Batch:
		return "batch"
	default:
		return "unknown"
	}
}

// WindowedContext is the minimal saved state for a windowed context
// switch: only RSP/RIP. FullContext additionally carries the six
// callee-saved registers, used "at the boundary where ABI is not
// guaranteed".
type WindowedContext struct {
	RSP, RIP uint64
}

// FullContext is the windowed context plus explicit callee-saved
// registers (RBX, RBP, R12-R15).
type FullContext struct {
	WindowedContext
	RBX, RBP, R12, R13, R14, R15 uint64
}

// SwitchMode selects which context variant a thread's switches use.
type SwitchMode int

const (
	ModeWindowed SwitchMode = iota
	ModeFull
)

// ThreadID is a monotonically assigned thread identity.
type ThreadID uint64

// TCB is a thread control block.
type TCB struct {
	ID    ThreadID
	Name  string
	Class Class // kernel-marked System threads never get reclassified by the predictor

	state uatomic.Int32 // State, atomic for concurrency-safe transition checks

	emaMu    sync.Mutex
	emaNs    float64 // exponential moving average of runtime, nanoseconds
	hasEMA   bool

	// ForeignCallBoundary marks that the next switch away from this
	// thread must use the full-context variant because control is about
	// to cross into code that cannot be assumed to honor the Go
	// callee-saved ABI.
	ForeignCallBoundary bool

	Windowed WindowedContext
	Full     FullContext

	StackLo, StackHi addr.VirtAddr

	KernelThread bool // System-class threads the predictor must never touch
}

// InStack reports whether an address lies within this TCB's stack range,
// the other half of the invariant that every Running thread has
// context.rsp in its allocated stack range").
func (t *TCB) InStack(rsp addr.VirtAddr) bool {
	return rsp >= t.StackLo && rsp < t.StackHi
}

// State returns the thread's current lifecycle state.
func (t *TCB) State() State { return State(t.state.Load()) }

// transition validates and performs a state change, returning
// ErrInvalidTransition for illegal moves.
func (t *TCB) transition(to State) error {
	for {
		from := State(t.state.Load())
		if !legalTransitions[from][to] {
			return &ErrInvalidTransition{From: from, To: to}
		}
		if t.state.CompareAndSwap(int32(from), int32(to)) {
			return nil
		}
	}
}

// recordRun updates the thread's EMA runtime estimate:
// "ema ← α·actual + (1−α)·ema") and returns the resulting classification.
func (t *TCB) recordRun(actualNs float64, alpha, interactiveCeilUs, batchCeilUs float64) Class {
	t.emaMu.Lock()
	defer t.emaMu.Unlock()
	if !t.hasEMA {
		t.emaNs = actualNs
		t.hasEMA = true
	} else {
		t.emaNs = alpha*actualNs + (1-alpha)*t.emaNs
	}
	if t.KernelThread {
		return System
	}
	emaUs := t.emaNs / 1000
	switch {
	case emaUs < interactiveCeilUs:
		return Interactive
	default:
		return Batch
	}
}

// EMA returns the thread's current EMA runtime estimate in nanoseconds.
func (t *TCB) EMA() float64 {
	t.emaMu.Lock()
	defer t.emaMu.Unlock()
	return t.emaNs
}

// readyQueue is a simple FIFO, tie-broken by insertion order.
type readyQueue struct {
	mu    sync.Mutex
	items []*TCB
}

func (q *readyQueue) push(t *TCB) {
	q.mu.Lock()
	q.items = append(q.items, t)
	q.mu.Unlock()
}

func (q *readyQueue) pop() *TCB {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil
	}
	t := q.items[0]
	q.items = q.items[1:]
	return t
}

func (q *readyQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Quanta holds per-class time slices.
type Quanta struct {
	System, Interactive, Batch time.Duration
}

// Stats tracks scheduler-wide switch, preemption, yield and idle counters
// and switch-cost extremes.
type Stats struct {
	Switches     uatomic.Uint64
	Preemptions  uatomic.Uint64
	Yields       uatomic.Uint64
	IdleCycles   uatomic.Uint64
	MinCycles    uatomic.Uint64
	MaxCycles    uatomic.Uint64
	totalCycles  uatomic.Uint64
}

// Snapshot is an immutable view of Stats for callers (e.g. internal/audit).
type Snapshot struct {
	Switches, Preemptions, Yields, IdleCycles, MinCycles, MaxCycles uint64
	AvgCycles                                                       float64
}

func (s *Stats) snapshot() Snapshot {
	sw := s.Switches.Load()
	var avg float64
	if sw > 0 {
		avg = float64(s.totalCycles.Load()) / float64(sw)
	}
	return Snapshot{
		Switches:    sw,
		Preemptions: s.Preemptions.Load(),
		Yields:      s.Yields.Load(),
		IdleCycles:  s.IdleCycles.Load(),
		MinCycles:   s.MinCycles.Load(),
		MaxCycles:   s.MaxCycles.Load(),
		AvgCycles:   avg,
	}
}

// Scheduler is the 3-queue predictive scheduler.
type Scheduler struct {
	log *zap.Logger

	quanta Quanta
	alpha  float64
	iCeil  float64
	bCeil  float64
	mode   SwitchMode

	queues [numClasses]readyQueue

	mu      sync.Mutex
	threads map[ThreadID]*TCB
	nextID  ThreadID

	running *TCB

	waitQ waitQueues

	Stats Stats
}

// New builds a scheduler with the given quanta, EMA parameters, and
// default windowed-switch mode.
func New(log *zap.Logger, quanta Quanta, alpha, interactiveCeilUs, batchCeilUs float64) *Scheduler {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Scheduler{
		log:     log,
		quanta:  quanta,
		alpha:   alpha,
		iCeil:   interactiveCeilUs,
		bCeil:   batchCeilUs,
		mode:    ModeWindowed,
		threads: make(map[ThreadID]*TCB),
	}
	s.waitQ.init()
	return s
}

// CreateThread allocates a new TCB in the Creating state and immediately
// enqueues it as Ready, per the thread lifecycle ("Creating → Ready
// (enqueue)").
func (s *Scheduler) CreateThread(name string, class Class, stackLo, stackHi addr.VirtAddr, kernelThread bool) (*TCB, error) {
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.mu.Unlock()

	t := &TCB{ID: id, Name: name, Class: class, StackLo: stackLo, StackHi: stackHi, KernelThread: kernelThread}
	t.state.Store(int32(Creating))
	if err := t.transition(Ready); err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.threads[id] = t
	s.mu.Unlock()
	s.queues[class].push(t)
	return t, nil
}

// Dispatch picks the next thread to run: the highest non-empty queue,
// FIFO within it. Returns nil if every queue is empty.
func (s *Scheduler) Dispatch() *TCB {
	for c := System; c < numClasses; c++ {
		if next := s.queues[c].pop(); next != nil {
			if err := next.transition(Running); err != nil {
				s.log.Error("illegal dispatch transition", zap.Error(err))
				continue
			}
			s.mu.Lock()
			s.running = next
			s.mu.Unlock()
			return next
		}
	}
	s.Stats.IdleCycles.Inc()
	return nil
}

// quantumFor returns the time slice for a class.
func (s *Scheduler) quantumFor(c Class) time.Duration {
	switch c {
	case System:
		return s.quanta.System
	case Interactive:
		return s.quanta.Interactive
	default:
		return s.quanta.Batch
	}
}

// EndRun is called when a thread's quantum expires, it yields, or it
// otherwise stops running. actualRun is how long it actually ran;
// switchCycles is the measured context-switch cost recorded into Stats.
// The thread is reclassified
// by its EMA and re-enqueued as Ready unless it is terminating.
func (s *Scheduler) EndRun(t *TCB, actualRun time.Duration, switchCycles uint64, preempted bool, next State) error {
	newClass := t.recordRun(float64(actualRun.Nanoseconds()), s.alpha, s.iCeil, s.bCeil)
	if !t.KernelThread {
		t.Class = newClass
	}

	s.Stats.Switches.Inc()
	s.Stats.totalCycles.Add(switchCycles)
	for {
		cur := s.Stats.MinCycles.Load()
		if cur != 0 && cur <= switchCycles {
			break
		}
		if s.Stats.MinCycles.CompareAndSwap(cur, switchCycles) {
			break
		}
	}
	for {
		cur := s.Stats.MaxCycles.Load()
		if cur >= switchCycles {
			break
		}
		if s.Stats.MaxCycles.CompareAndSwap(cur, switchCycles) {
			break
		}
	}
	if preempted {
		s.Stats.Preemptions.Inc()
	}

	if err := t.transition(next); err != nil {
		return err
	}
	s.mu.Lock()
	if s.running == t {
		s.running = nil
	}
	s.mu.Unlock()

	if next == Ready {
		s.queues[t.Class].push(t)
	}
	return nil
}

// Yield is the cooperative-yield path:
// the thread voluntarily gives up the CPU and re-enters Ready.
func (s *Scheduler) Yield(t *TCB, actualRun time.Duration, switchCycles uint64) error {
	s.Stats.Yields.Inc()
	return s.EndRun(t, actualRun, switchCycles, false, Ready)
}

// SwitchCost estimates context-switch cycles for a thread given the
// scheduler's current mode and any foreign-call-boundary override.
func (s *Scheduler) SwitchCost(t *TCB) uint64 {
	if s.mode == ModeFull || t.ForeignCallBoundary {
		return 75
	}
	return 15
}

// Mode returns the scheduler's current default switch mode.
func (s *Scheduler) Mode() SwitchMode { return s.mode }

// SetMode overrides the default switch mode (e.g. for SMP-safety testing).
func (s *Scheduler) SetMode(m SwitchMode) { s.mode = m }

// Running returns the currently dispatched thread, if any.
func (s *Scheduler) Running() *TCB {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// QueueLen reports how many threads sit in a given class's ready queue.
func (s *Scheduler) QueueLen(c Class) int { return s.queues[c].len() }

// StatsSnapshot returns the scheduler's counters.
func (s *Scheduler) StatsSnapshot() Snapshot { return s.Stats.snapshot() }
