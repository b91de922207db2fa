// Package vm implements the 4-level virtual memory layer:
// page table walks, TLB shootdown accounting, temporary/MMIO mappings,
// and copy-on-write fault resolution.
//
// A real amd64 MMU hand-builds PML4/PDP/PD/PT tables with unsafe.Pointer
// arithmetic over identity-mapped physical memory. Exo-OS instead keeps
// each address space's entries in one flat Go map keyed by page-aligned
// virtual address rather than a pointer-walked table hierarchy
// (internal/addr's PageTableIndices decomposition is not used here), since
// the hosted build has no identity-mapped physical pointer space to walk.
package vm

import (
	"sync"

	"go.uber.org/zap"

	"github.com/darkfireeee/Exo-OS-sub002/internal/addr"
	"github.com/darkfireeee/Exo-OS-sub002/internal/memory"
)

// Error is the VM error taxonomy, mirroring internal/memory's error values.
type Error string

func (e Error) Error() string { return string(e) }

const (
	ErrNotMapped        Error = "vm: not mapped"
	ErrAlreadyMapped    Error = "vm: already mapped"
	ErrPermissionDenied Error = "vm: permission denied"
	ErrInvalidAddress   Error = "vm: invalid address"
)

// Flags are page protection/attribute bits, a small bitfield
// generalized to amd64 PTE semantics.
type Flags uint32

const (
	FlagWrite Flags = 1 << iota
	FlagUser
	FlagExecute
	FlagCopyOnWrite
	FlagNoCache   // MMIO: non-cacheable
	FlagWriteThru // MMIO: write-through
	FlagLargePage
)

// pte is one page-table-entry equivalent: a mapping from a page-aligned
// virtual page to a physical frame plus flags.
type pte struct {
	phys  addr.PhysAddr
	flags Flags
}

// AddressSpace is one process's (or the kernel's) page tables.
type AddressSpace struct {
	mu      sync.RWMutex
	entries map[addr.VirtAddr]pte // keyed by page-aligned VA
	frames  *memory.Allocator
}

// Manager owns every address space plus the shared temporary/MMIO mapping
// window and TLB shootdown accounting.
type Manager struct {
	log    *zap.Logger
	frames *memory.Allocator

	tmpMu  sync.Mutex
	tmpMap map[addr.VirtAddr]addr.PhysAddr
	tmpNxt addr.VirtAddr

	shootdowns struct {
		mu          sync.Mutex
		single      uint64
		rangeCount  uint64
		fullReloads uint64
	}
}

// rangeShootdownThreshold is the page count above which a range
// invalidation becomes a full reload.
const rangeShootdownThreshold = 64

// temporaryWindowBase is an arbitrary high kernel address used for the
// transient MMIO/temporary-mapping window.
const temporaryWindowBase addr.VirtAddr = 0xFFFF_C000_0000_0000

// New builds a VM manager over the given physical frame allocator.
func New(log *zap.Logger, frames *memory.Allocator) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{
		log:    log,
		frames: frames,
		tmpMap: make(map[addr.VirtAddr]addr.PhysAddr),
		tmpNxt: temporaryWindowBase,
	}
}

// NewAddressSpace creates a fresh, empty address space.
func (m *Manager) NewAddressSpace() *AddressSpace {
	return &AddressSpace{entries: make(map[addr.VirtAddr]pte), frames: m.frames}
}

// Map installs a virtual->physical mapping.
func (as *AddressSpace) Map(v addr.VirtAddr, p addr.PhysAddr, flags Flags) error {
	if !v.PageAligned() || !p.PageAligned() {
		return ErrInvalidAddress
	}
	as.mu.Lock()
	defer as.mu.Unlock()
	if _, exists := as.entries[v]; exists {
		return ErrAlreadyMapped
	}
	as.entries[v] = pte{phys: p, flags: flags}
	return nil
}

// Unmap removes a mapping.
func (as *AddressSpace) Unmap(v addr.VirtAddr) error {
	v = v.AlignDown()
	as.mu.Lock()
	defer as.mu.Unlock()
	if _, exists := as.entries[v]; !exists {
		return ErrNotMapped
	}
	delete(as.entries, v)
	return nil
}

// Translate walks the (simulated) page tables for a virtual address,
// Translate resolves a virtual address to its backing physical frame.
func (as *AddressSpace) Translate(v addr.VirtAddr) (addr.PhysAddr, Flags, error) {
	page := v.AlignDown()
	offset := addr.PhysAddr(v - page)
	as.mu.RLock()
	defer as.mu.RUnlock()
	e, exists := as.entries[page]
	if !exists {
		return 0, 0, ErrNotMapped
	}
	return e.phys + offset, e.flags, nil
}

// Protect changes a mapping's flags.
func (as *AddressSpace) Protect(v addr.VirtAddr, flags Flags) error {
	v = v.AlignDown()
	as.mu.Lock()
	defer as.mu.Unlock()
	e, exists := as.entries[v]
	if !exists {
		return ErrNotMapped
	}
	e.flags = flags
	as.entries[v] = e
	return nil
}

// MapTemporary returns a transient VA mapped to the given physical
// address, used for short-lived MMIO or bring-up access. The window
// records only the VA->PA pair: the mmio argument is accepted but not
// stored, and no FlagNoCache/FlagWriteThru attributes are applied.
func (m *Manager) MapTemporary(p addr.PhysAddr, mmio bool) addr.VirtAddr {
	m.tmpMu.Lock()
	defer m.tmpMu.Unlock()
	v := m.tmpNxt
	m.tmpNxt += addr.PageSize
	m.tmpMap[v] = p
	_ = mmio
	return v
}

// UnmapTemporary releases a transient mapping.
func (m *Manager) UnmapTemporary(v addr.VirtAddr) {
	m.tmpMu.Lock()
	defer m.tmpMu.Unlock()
	delete(m.tmpMap, v)
}

// InvalidateTLB models a single-page TLB shootdown.
func (m *Manager) InvalidateTLB(v addr.VirtAddr) {
	m.shootdowns.mu.Lock()
	m.shootdowns.single++
	m.shootdowns.mu.Unlock()
}

// InvalidateRange models a range shootdown, switching to a full-CR3-reload
// equivalent above rangeShootdownThreshold pages.
func (m *Manager) InvalidateRange(start addr.VirtAddr, pages int) {
	m.shootdowns.mu.Lock()
	defer m.shootdowns.mu.Unlock()
	if pages > rangeShootdownThreshold {
		m.shootdowns.fullReloads++
		return
	}
	m.shootdowns.rangeCount++
}

// ShootdownStats reports TLB invalidation counters.
type ShootdownStats struct {
	Single      uint64
	Range       uint64
	FullReloads uint64
}

func (m *Manager) ShootdownStats() ShootdownStats {
	m.shootdowns.mu.Lock()
	defer m.shootdowns.mu.Unlock()
	return ShootdownStats{m.shootdowns.single, m.shootdowns.rangeCount, m.shootdowns.fullReloads}
}

// ForkCOW builds a new address space that shares every mapping currently
// in from as copy-on-write, the bulk form of ShareCOW that fork()
// needs: the child starts out aliasing the parent's frames read-only,
// and HandleWriteFault splits a frame the first time either side writes
// to it.
func (m *Manager) ForkCOW(from *AddressSpace) *AddressSpace {
	to := m.NewAddressSpace()
	from.mu.RLock()
	vas := make([]addr.VirtAddr, 0, len(from.entries))
	for v := range from.entries {
		vas = append(vas, v)
	}
	from.mu.RUnlock()
	for _, v := range vas {
		_ = m.ShareCOW(from, to, v)
	}
	return to
}

// ShareCOW marks a page read-only and copy-on-write in both address
// spaces, incrementing the frame's refcount.
func (m *Manager) ShareCOW(from, to *AddressSpace, v addr.VirtAddr) error {
	from.mu.Lock()
	e, exists := from.entries[v]
	if !exists {
		from.mu.Unlock()
		return ErrNotMapped
	}
	e.flags = (e.flags &^ FlagWrite) | FlagCopyOnWrite
	from.entries[v] = e
	from.mu.Unlock()

	m.frames.Ref(e.phys)

	to.mu.Lock()
	to.entries[v] = e
	to.mu.Unlock()
	return nil
}

// HandleWriteFault resolves a write fault on a copy-on-write page: if the
// frame is still shared (refcount > 1) it allocates a fresh frame, copies
// the content, remaps writable, and drops the old reference; if the frame
// is no longer shared it simply remaps writable in place.
func (m *Manager) HandleWriteFault(as *AddressSpace, v addr.VirtAddr) error {
	page := v.AlignDown()
	as.mu.Lock()
	e, exists := as.entries[page]
	if !exists {
		as.mu.Unlock()
		return ErrNotMapped
	}
	if e.flags&FlagCopyOnWrite == 0 {
		as.mu.Unlock()
		return ErrPermissionDenied
	}
	as.mu.Unlock()

	if m.frames.Refcount(e.phys) <= 1 {
		e.flags = (e.flags &^ FlagCopyOnWrite) | FlagWrite
		as.mu.Lock()
		as.entries[page] = e
		as.mu.Unlock()
		m.InvalidateTLB(page)
		return nil
	}

	newPhys, err := m.frames.AllocContiguous(1)
	if err != nil {
		return err
	}
	oldBuf, err := m.frames.Bytes(e.phys, addr.PageSize)
	if err != nil {
		return err
	}
	newBuf, err := m.frames.Bytes(newPhys, addr.PageSize)
	if err != nil {
		return err
	}
	copy(newBuf, oldBuf)

	e2 := pte{phys: newPhys, flags: (e.flags &^ FlagCopyOnWrite) | FlagWrite}
	as.mu.Lock()
	as.entries[page] = e2
	as.mu.Unlock()

	if _, err := m.frames.Unref(e.phys); err != nil {
		return err
	}
	m.InvalidateTLB(page)
	return nil
}
