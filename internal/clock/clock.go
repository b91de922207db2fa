// Package clock implements the time half of Component I:
// a monotonic/wall clock abstraction, a software one-shot/periodic timer
// subsystem, and the boot-time CPU feature probe that gates calibration.
//
// Built on klauspost/cpuid/v2 for feature detection rather than
// hand-rolling CPUID parsing, in the same "ask the library, don't
// reinvent it" spirit the rest of this codebase follows.
package clock

import (
	"sync"
	"time"

	"github.com/klauspost/cpuid/v2"
	"go.uber.org/zap"
)

// Features summarizes the boot-time CPU probe.
type Features struct {
	VendorID        string
	InvariantTSC    bool
	HasAPIC         bool
	PhysicalCores   int
	LogicalCores    int
}

// Probe runs the CPU feature detection once at boot.
func Probe(log *zap.Logger) Features {
	f := Features{
		VendorID:      cpuid.CPU.VendorString,
		InvariantTSC:  cpuid.CPU.Supports(cpuid.TSCINV),
		HasAPIC:       cpuid.CPU.Supports(cpuid.APIC),
		PhysicalCores: cpuid.CPU.PhysicalCores,
		LogicalCores:  cpuid.CPU.LogicalCores,
	}
	if log != nil {
		log.Info("cpu feature probe",
			zap.String("vendor", f.VendorID),
			zap.Bool("invariant_tsc", f.InvariantTSC),
			zap.Bool("apic", f.HasAPIC),
			zap.Int("physical_cores", f.PhysicalCores),
			zap.Int("logical_cores", f.LogicalCores))
	}
	return f
}

// Clock provides monotonic and wall-clock readings, always from Go's
// runtime clock. The probed Features are stored but do not change the
// time source; there is no TSC calibration in this hosted build.
type Clock struct {
	features Features
	start    time.Time
}

// New constructs a Clock, stamping its monotonic epoch at construction.
func New(features Features) *Clock {
	return &Clock{features: features, start: time.Now()}
}

// Monotonic returns elapsed time since the clock's epoch.
func (c *Clock) Monotonic() time.Duration { return time.Since(c.start) }

// Wall returns the current wall-clock time.
func (c *Clock) Wall() time.Time { return time.Now() }

// TimerID identifies a scheduled timer.
type TimerID uint64

// timerEntry is one registered timer.
type timerEntry struct {
	id       TimerID
	fire     time.Time
	period   time.Duration // 0 for one-shot
	callback func()
	cancelled bool
}

// TimerWheel is the software timer subsystem: callers
// register one-shot or periodic callbacks; Tick drives them forward. This
// is driven externally rather than by a hardware interrupt, consistent
// with the hosted simulation model the scheduler and VM layers already
// use.
type TimerWheel struct {
	mu      sync.Mutex
	timers  map[TimerID]*timerEntry
	nextID  uint64
	clock   *Clock
}

// NewTimerWheel constructs an empty timer wheel bound to clock.
func NewTimerWheel(clock *Clock) *TimerWheel {
	return &TimerWheel{timers: make(map[TimerID]*timerEntry), clock: clock}
}

// After schedules a one-shot callback to fire once at least d has
// elapsed, on a future Tick.
func (tw *TimerWheel) After(d time.Duration, cb func()) TimerID {
	return tw.schedule(d, 0, cb)
}

// Every schedules a periodic callback firing roughly every d, re-armed
// automatically after each Tick that fires it.
func (tw *TimerWheel) Every(d time.Duration, cb func()) TimerID {
	return tw.schedule(d, d, cb)
}

func (tw *TimerWheel) schedule(delay, period time.Duration, cb func()) TimerID {
	tw.mu.Lock()
	defer tw.mu.Unlock()
	tw.nextID++
	id := TimerID(tw.nextID)
	tw.timers[id] = &timerEntry{
		id:       id,
		fire:     tw.clock.Wall().Add(delay),
		period:   period,
		callback: cb,
	}
	return id
}

// Cancel prevents a pending timer from firing. Returns false if the timer
// is unknown or already cancelled.
func (tw *TimerWheel) Cancel(id TimerID) bool {
	tw.mu.Lock()
	defer tw.mu.Unlock()
	t, ok := tw.timers[id]
	if !ok || t.cancelled {
		return false
	}
	t.cancelled = true
	delete(tw.timers, id)
	return true
}

// Tick advances the wheel, firing (synchronously, in registration order)
// every timer whose deadline has passed, and re-arming periodic ones.
func (tw *TimerWheel) Tick() int {
	now := tw.clock.Wall()
	var due []*timerEntry

	tw.mu.Lock()
	for id, t := range tw.timers {
		if t.cancelled {
			continue
		}
		if !now.Before(t.fire) {
			due = append(due, t)
			if t.period > 0 {
				t.fire = now.Add(t.period)
			} else {
				delete(tw.timers, id)
			}
		}
	}
	tw.mu.Unlock()

	// Ids grow with registration, so sorting by id restores registration
	// order after the map walk.
	for i := 1; i < len(due); i++ {
		for j := i; j > 0 && due[j].id < due[j-1].id; j-- {
			due[j], due[j-1] = due[j-1], due[j]
		}
	}
	for _, t := range due {
		t.callback()
	}
	return len(due)
}

// Pending returns the number of timers still registered.
func (tw *TimerWheel) Pending() int {
	tw.mu.Lock()
	defer tw.mu.Unlock()
	return len(tw.timers)
}
