package sched

import (
	"testing"
	"time"

	"go.uber.org/zap"
)

func newTestScheduler() *Scheduler {
	return New(zap.NewNop(), Quanta{
		System:      500 * time.Microsecond,
		Interactive: 1 * time.Millisecond,
		Batch:       10 * time.Millisecond,
	}, 0.5, 10, 100)
}

func TestStateMachineLegality(t *testing.T) {
	s := newTestScheduler()
	tcb, err := s.CreateThread("t1", Interactive, 0, 0x10000, false)
	if err != nil {
		t.Fatalf("CreateThread: %v", err)
	}
	if tcb.State() != Ready {
		t.Fatalf("expected Ready after creation, got %v", tcb.State())
	}
	// Ready -> Terminated is a legal direct jump (a queued thread can be
	// killed before it ever runs).
	if err := tcb.transition(Terminated); err != nil {
		t.Fatalf("expected Ready->Terminated to be legal, got %v", err)
	}

	// Blocked threads may only return to Ready or Terminated, never
	// straight back to Running.
	tcb2, _ := s.CreateThread("t2", Interactive, 0, 0x10000, false)
	if err := tcb2.transition(Running); err != nil {
		t.Fatalf("Ready->Running: %v", err)
	}
	if err := tcb2.transition(Blocked); err != nil {
		t.Fatalf("Running->Blocked: %v", err)
	}
	if err := tcb2.transition(Running); err == nil {
		t.Fatalf("expected Blocked->Running to be rejected as illegal")
	}
}

func TestDispatchPriorityOrder(t *testing.T) {
	s := newTestScheduler()
	batch, _ := s.CreateThread("batch", Batch, 0, 0x1000, false)
	sysT, _ := s.CreateThread("sys", System, 0, 0x1000, true)
	_ = batch

	picked := s.Dispatch()
	if picked == nil || picked.ID != sysT.ID {
		t.Fatalf("expected System-class thread dispatched first, got %v", picked)
	}
}

func TestPredictiveClassification(t *testing.T) {
	s := newTestScheduler()
	fast, _ := s.CreateThread("fast", Batch, 0, 0x1000, false)
	slow, _ := s.CreateThread("slow", Batch, 0, 0x1000, false)

	for i := 0; i < 10; i++ {
		if err := fast.transition(Running); err != nil {
			t.Fatalf("run fast: %v", err)
		}
		if err := s.EndRun(fast, 2*time.Microsecond, 15, false, Ready); err != nil {
			t.Fatalf("EndRun fast: %v", err)
		}
		if err := slow.transition(Running); err != nil {
			t.Fatalf("run slow: %v", err)
		}
		if err := s.EndRun(slow, 50*time.Millisecond, 15, false, Ready); err != nil {
			t.Fatalf("EndRun slow: %v", err)
		}
	}
	if fast.Class != Interactive {
		t.Fatalf("expected fast thread classified Interactive, got %v (ema=%f)", fast.Class, fast.EMA())
	}
	if slow.Class != Batch {
		t.Fatalf("expected slow thread classified Batch, got %v", slow.Class)
	}
}

func TestBlockWakeSingleResolution(t *testing.T) {
	s := newTestScheduler()
	t1, _ := s.CreateThread("blocker", Interactive, 0, 0x1000, false)
	if s.Dispatch() != t1 {
		t.Fatalf("expected blocker dispatched before it blocks")
	}
	wq := NewWaitQueue()

	resultCh := make(chan Cause, 1)
	go func() {
		cause, err := s.Block(t1, wq, 50*time.Millisecond, false)
		if err != nil {
			t.Errorf("Block: %v", err)
		}
		resultCh <- cause
	}()

	time.Sleep(5 * time.Millisecond)
	if !wq.WakeOne() {
		t.Fatalf("expected WakeOne to find the blocked thread")
	}
	select {
	case cause := <-resultCh:
		if cause != CauseWoken {
			t.Fatalf("expected CauseWoken, got %v", cause)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for wake")
	}
	if t1.State() != Ready {
		t.Fatalf("expected thread back in Ready after wake, got %v", t1.State())
	}
}

func TestBlockTimeout(t *testing.T) {
	s := newTestScheduler()
	t1, _ := s.CreateThread("sleeper", Interactive, 0, 0x1000, false)
	if s.Dispatch() != t1 {
		t.Fatalf("expected sleeper dispatched before it sleeps")
	}
	wq := NewWaitQueue()
	cause, err := s.Block(t1, wq, 5*time.Millisecond, true)
	if err != nil {
		t.Fatalf("Block: %v", err)
	}
	if cause != CauseTimeout {
		t.Fatalf("expected CauseTimeout, got %v", cause)
	}
}

func TestStackRangeInvariant(t *testing.T) {
	s := newTestScheduler()
	tcb, _ := s.CreateThread("t", Interactive, 0x1000, 0x2000, false)
	s.Dispatch()
	if !tcb.InStack(0x1500) {
		t.Fatalf("expected 0x1500 within [0x1000,0x2000)")
	}
	if tcb.InStack(0x3000) {
		t.Fatalf("expected 0x3000 outside stack range")
	}
}
