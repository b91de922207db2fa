package heap

import (
	"testing"

	"go.uber.org/zap"

	"github.com/darkfireeee/Exo-OS-sub002/internal/memory"
)

func newTestHeap(t *testing.T) *Allocator {
	t.Helper()
	buddy, err := memory.New(zap.NewNop(), 256, 0)
	if err != nil {
		t.Fatalf("memory.New: %v", err)
	}
	t.Cleanup(func() { _ = buddy.Close() })
	return New(zap.NewNop(), buddy, 2)
}

func TestTierSelection(t *testing.T) {
	h := newTestHeap(t)
	cases := []struct {
		size int
		want Tier
	}{
		{8, TierThreadLocal},
		{256, TierThreadLocal},
		{257, TierSlab},
		{4096, TierSlab},
		{4097, TierBuddy},
		{1 << 20, TierBuddy},
	}
	for _, c := range cases {
		al, err := h.Alloc(c.size)
		if err != nil {
			t.Fatalf("Alloc(%d): %v", c.size, err)
		}
		if al.tier != c.want {
			t.Fatalf("Alloc(%d) served from %s, want %s", c.size, al.tier, c.want)
		}
		if len(al.Buf) != c.size {
			t.Fatalf("Alloc(%d) returned buffer of length %d", c.size, len(al.Buf))
		}
		if err := h.Free(al); err != nil {
			t.Fatalf("Free: %v", err)
		}
	}
}

func TestThreadLocalReuse(t *testing.T) {
	h := newTestHeap(t)
	al, err := h.Alloc(64)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if err := h.Free(al); err != nil {
		t.Fatalf("Free: %v", err)
	}
	al2, err := h.Alloc(64)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	stats := h.Stats()[TierThreadLocal.String()]
	if stats.Hits != 1 {
		t.Fatalf("expected 1 thread-local hit (reuse), got %d", stats.Hits)
	}
	_ = h.Free(al2)
}

func TestReclaimUnderPressureRestoresFullCapacity(t *testing.T) {
	// An 8-frame pool: carve one frame into the thread-local tier and
	// free it back (idle, but not yet returned to the buddy allocator),
	// then ask for the entire pool as one contiguous buddy-tier
	// allocation. That request only succeeds if the idle thread-local
	// page gets reclaimed first.
	buddy, err := memory.New(zap.NewNop(), 8, 0)
	if err != nil {
		t.Fatalf("memory.New: %v", err)
	}
	t.Cleanup(func() { _ = buddy.Close() })
	h := New(zap.NewNop(), buddy, 2)

	al, err := h.Alloc(8)
	if err != nil {
		t.Fatalf("Alloc(8): %v", err)
	}
	if al.tier != TierThreadLocal {
		t.Fatalf("expected thread-local tier, got %s", al.tier)
	}
	if err := h.Free(al); err != nil {
		t.Fatalf("Free: %v", err)
	}

	full, err := h.Alloc(8 * 4096)
	if err != nil {
		t.Fatalf("Alloc(full pool) after idle thread-local carve: %v", err)
	}
	if full.tier != TierBuddy {
		t.Fatalf("expected buddy tier for full-pool request, got %s", full.tier)
	}
	if len(full.Buf) != 8*4096 {
		t.Fatalf("expected full pool buffer, got %d bytes", len(full.Buf))
	}
}

func TestSlabConcurrentAllocFree(t *testing.T) {
	h := newTestHeap(t)
	done := make(chan struct{})
	for i := 0; i < 8; i++ {
		go func() {
			defer func() { done <- struct{}{} }()
			for j := 0; j < 50; j++ {
				al, err := h.Alloc(1024)
				if err != nil {
					t.Errorf("Alloc: %v", err)
					return
				}
				if err := h.Free(al); err != nil {
					t.Errorf("Free: %v", err)
					return
				}
			}
		}()
	}
	for i := 0; i < 8; i++ {
		<-done
	}
}
