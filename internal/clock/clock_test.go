package clock

import (
	"testing"
	"time"
)

func TestTimerWheelFiresOneShot(t *testing.T) {
	c := New(Features{})
	tw := NewTimerWheel(c)
	fired := false
	tw.After(0, func() { fired = true })
	time.Sleep(time.Millisecond)
	if n := tw.Tick(); n != 1 {
		t.Fatalf("expected 1 timer to fire, got %d", n)
	}
	if !fired {
		t.Fatalf("expected callback to run")
	}
	if tw.Pending() != 0 {
		t.Fatalf("expected one-shot timer removed after firing, pending=%d", tw.Pending())
	}
}

func TestTimerWheelPeriodicReArms(t *testing.T) {
	c := New(Features{})
	tw := NewTimerWheel(c)
	count := 0
	tw.Every(0, func() { count++ })
	time.Sleep(time.Millisecond)
	tw.Tick()
	time.Sleep(time.Millisecond)
	tw.Tick()
	if count != 2 {
		t.Fatalf("expected periodic timer to fire twice, got %d", count)
	}
	if tw.Pending() != 1 {
		t.Fatalf("expected periodic timer to remain pending, got %d", tw.Pending())
	}
}

func TestCancelPreventsFiring(t *testing.T) {
	c := New(Features{})
	tw := NewTimerWheel(c)
	fired := false
	id := tw.After(0, func() { fired = true })
	if !tw.Cancel(id) {
		t.Fatalf("expected Cancel to succeed")
	}
	time.Sleep(time.Millisecond)
	tw.Tick()
	if fired {
		t.Fatalf("expected cancelled timer not to fire")
	}
}
