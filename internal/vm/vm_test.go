package vm

import (
	"testing"

	"go.uber.org/zap"

	"github.com/darkfireeee/Exo-OS-sub002/internal/addr"
	"github.com/darkfireeee/Exo-OS-sub002/internal/memory"
)

func newTestManager(t *testing.T) (*Manager, *memory.Allocator) {
	t.Helper()
	frames, err := memory.New(zap.NewNop(), 64, 0)
	if err != nil {
		t.Fatalf("memory.New: %v", err)
	}
	t.Cleanup(func() { _ = frames.Close() })
	return New(zap.NewNop(), frames), frames
}

func TestMapTranslateUnmap(t *testing.T) {
	m, frames := newTestManager(t)
	as := m.NewAddressSpace()
	p, err := frames.AllocContiguous(1)
	if err != nil {
		t.Fatalf("AllocContiguous: %v", err)
	}
	v := addr.VirtAddr(0x1000)
	if err := as.Map(v, p, FlagWrite|FlagUser); err != nil {
		t.Fatalf("Map: %v", err)
	}
	if err := as.Map(v, p, FlagWrite); err != ErrAlreadyMapped {
		t.Fatalf("expected ErrAlreadyMapped, got %v", err)
	}
	got, flags, err := as.Translate(v + 0x10)
	if err != nil {
		t.Fatalf("Translate: %v", err)
	}
	if got != p+0x10 {
		t.Fatalf("Translate offset wrong: got %v want %v", got, p+0x10)
	}
	if flags&FlagUser == 0 {
		t.Fatalf("expected FlagUser preserved")
	}
	if err := as.Unmap(v); err != nil {
		t.Fatalf("Unmap: %v", err)
	}
	if _, _, err := as.Translate(v); err != ErrNotMapped {
		t.Fatalf("expected ErrNotMapped after unmap, got %v", err)
	}
}

func TestCOWWriteFault(t *testing.T) {
	m, frames := newTestManager(t)
	parent := m.NewAddressSpace()
	child := m.NewAddressSpace()

	p, err := frames.AllocContiguous(1)
	if err != nil {
		t.Fatalf("AllocContiguous: %v", err)
	}
	v := addr.VirtAddr(0x2000)
	if err := parent.Map(v, p, FlagWrite|FlagUser); err != nil {
		t.Fatalf("Map: %v", err)
	}
	buf, _ := frames.Bytes(p, addr.PageSize)
	buf[0] = 0xAB

	if err := m.ShareCOW(parent, child, v); err != nil {
		t.Fatalf("ShareCOW: %v", err)
	}
	if frames.Refcount(p) != 2 {
		t.Fatalf("expected refcount 2 after sharing, got %d", frames.Refcount(p))
	}

	if err := m.HandleWriteFault(child, v); err != nil {
		t.Fatalf("HandleWriteFault: %v", err)
	}
	childPhys, childFlags, err := child.Translate(v)
	if err != nil {
		t.Fatalf("Translate: %v", err)
	}
	if childPhys == p {
		t.Fatalf("expected child to be remapped to a new frame after COW fault")
	}
	if childFlags&FlagWrite == 0 {
		t.Fatalf("expected child mapping writable after COW fault")
	}
	childBuf, _ := frames.Bytes(childPhys, addr.PageSize)
	if childBuf[0] != 0xAB {
		t.Fatalf("expected COW copy to preserve content, got %x", childBuf[0])
	}
	if frames.Refcount(p) != 1 {
		t.Fatalf("expected original frame refcount back to 1, got %d", frames.Refcount(p))
	}
}

func TestTLBShootdownEscalation(t *testing.T) {
	m, _ := newTestManager(t)
	m.InvalidateRange(0, 8)
	m.InvalidateRange(0, 100)
	st := m.ShootdownStats()
	if st.Range != 1 || st.FullReloads != 1 {
		t.Fatalf("unexpected shootdown stats: %+v", st)
	}
}
