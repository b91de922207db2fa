// Package memory implements the physical frame allocator:
// a buddy allocator over simulated RAM, orders 0..=10 (4 KiB .. 4 MiB),
// refcount-tracked frames for copy-on-write sharing, and a NUMA node list.
//
// A simple physical-page allocator manages pages as a doubly-linked
// free list walked with unsafe.Pointer arithmetic. Exo-OS keeps that
// free-list-of-metadata-records shape but layers it per order, the buddy structure
// the allocator needs, and backs "physical RAM" with a real anonymous
// mmap (golang.org/x/sys/unix) instead of a linker-symbol offset, since
// this kernel runs hosted rather than freestanding.
package memory

import (
	"fmt"
	"sync"

	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/darkfireeee/Exo-OS-sub002/internal/addr"
)

// MaxOrder is the largest buddy order the allocator manages (order 10 ==
// 4 MiB contiguous runs).
const MaxOrder = 10

// Error is the Memory error taxonomy.
type Error string

func (e Error) Error() string { return string(e) }

const (
	ErrOutOfMemory     Error = "memory: out of memory"
	ErrInvalidAddress  Error = "memory: invalid address"
	ErrNotMapped       Error = "memory: not mapped"
	ErrAlreadyMapped   Error = "memory: already mapped"
	ErrPermissionDenied Error = "memory: permission denied"
)

// frameNode is one entry in an order's free list. Frames are identified by
// their index into the flat frame-descriptor array, not by pointer, since
// Exo-OS's "physical memory" is a single mmap'd byte slice rather than
// kernel-addressable heap objects.
type frameNode struct {
	next, prev int32 // frame index, or -1
}

// NUMANode describes one NUMA node's physical range.
type NUMANode struct {
	Base       addr.PhysAddr
	SizeFrames int
	FreeFrames atomic.Int64
}

// Allocator is the buddy-structured physical frame allocator.
type Allocator struct {
	log *zap.Logger

	ram []byte // simulated physical RAM, mmap-backed

	totalFrames int
	refcount    []atomic.Int32 // per-frame refcount; 0 == unowned
	order       []int8         // per-frame: order of the block it heads, -1 if not a block head
	inUse       []bool         // per-frame: allocated (true) vs free (false)

	mu        [MaxOrder + 1]sync.Mutex
	freeHead  [MaxOrder + 1]int32 // head frame index of each order's free list, -1 if empty
	nodes     []frameNode         // parallel doubly-linked list storage, indexed by frame

	nodesList []NUMANode
}

// New allocates totalFrames worth of simulated RAM (via anonymous mmap)
// and initializes the buddy free lists so that the whole region is one
// maximal run of free blocks at the highest order it divides into evenly.
func New(log *zap.Logger, totalFrames int, reserved int) (*Allocator, error) {
	if totalFrames <= 0 {
		return nil, fmt.Errorf("memory: totalFrames must be positive, got %d", totalFrames)
	}
	size := totalFrames * addr.PageSize
	ram, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("memory: mmap %d bytes of simulated RAM: %w", size, err)
	}

	a := &Allocator{
		log:         klogOrNop(log),
		ram:         ram,
		totalFrames: totalFrames,
		refcount:    make([]atomic.Int32, totalFrames),
		order:       make([]int8, totalFrames),
		inUse:       make([]bool, totalFrames),
		nodes:       make([]frameNode, totalFrames),
	}
	for i := range a.freeHead {
		a.freeHead[i] = -1
	}
	for i := range a.order {
		a.order[i] = -1
	}

	if reserved < 0 || reserved > totalFrames {
		reserved = 0
	}
	for i := 0; i < reserved; i++ {
		a.inUse[i] = true
		a.refcount[i].Store(1)
	}
	a.buildInitialFreeList(reserved)

	a.nodesList = []NUMANode{{Base: 0, SizeFrames: totalFrames}}
	a.nodesList[0].FreeFrames.Store(int64(totalFrames - reserved))

	a.log.Info("frame allocator initialized",
		zap.Int("total_frames", totalFrames),
		zap.Int("reserved_frames", reserved))
	return a, nil
}

// klogOrNop guards against a nil logger so unit tests can construct an
// Allocator without wiring the full zap stack.
func klogOrNop(l *zap.Logger) *zap.Logger {
	if l == nil {
		return zap.NewNop()
	}
	return l
}

// buildInitialFreeList carves [start, totalFrames) into maximal
// power-of-two-aligned buddy blocks and threads each onto its order's
// free list, largest blocks first.
func (a *Allocator) buildInitialFreeList(start int) {
	frame := start
	for frame < a.totalFrames {
		order := MaxOrder
		for order > 0 {
			sz := 1 << order
			if frame%sz == 0 && frame+sz <= a.totalFrames {
				break
			}
			order--
		}
		a.pushFree(order, int32(frame))
		frame += 1 << order
	}
}

func (a *Allocator) pushFree(order int, frameIdx int32) {
	a.order[frameIdx] = int8(order)
	a.inUse[frameIdx] = false
	head := a.freeHead[order]
	a.nodes[frameIdx] = frameNode{next: head, prev: -1}
	if head != -1 {
		a.nodes[head].prev = frameIdx
	}
	a.freeHead[order] = frameIdx
}

func (a *Allocator) popFree(order int, frameIdx int32) {
	n := a.nodes[frameIdx]
	if n.prev != -1 {
		a.nodes[n.prev].next = n.next
	} else {
		a.freeHead[order] = n.next
	}
	if n.next != -1 {
		a.nodes[n.next].prev = n.prev
	}
	a.order[frameIdx] = -1
}

func orderFor(frames int) int {
	order := 0
	for (1 << order) < frames {
		order++
	}
	return order
}

func buddyOf(frameIdx int32, order int) int32 {
	return frameIdx ^ (1 << order)
}

// AllocContiguous returns the physical address of the first frame of a
// run of physically contiguous frames, the smallest power-of-two block
// >= frames requested. It takes no NUMA node preference: this hosted
// build has a single node, whose free-frame count it updates.
func (a *Allocator) AllocContiguous(frames int) (addr.PhysAddr, error) {
	order := orderFor(frames)
	if order > MaxOrder {
		return 0, ErrOutOfMemory
	}
	frameIdx, err := a.allocOrder(order)
	if err != nil {
		return 0, err
	}
	a.refcount[frameIdx].Store(1)
	a.nodesList[0].FreeFrames.Sub(int64(1 << order))
	return addr.PhysAddr(int(frameIdx) * addr.PageSize), nil
}

// allocOrder finds a free block at `order`, splitting a larger block down
// if none exists at that exact order (classic buddy split).
func (a *Allocator) allocOrder(order int) (int32, error) {
	a.mu[order].Lock()
	if a.freeHead[order] != -1 {
		frameIdx := a.freeHead[order]
		a.popFree(order, frameIdx)
		a.inUse[frameIdx] = true
		a.mu[order].Unlock()
		return frameIdx, nil
	}
	a.mu[order].Unlock()

	if order == MaxOrder {
		return 0, ErrOutOfMemory
	}
	parent, err := a.allocOrder(order + 1)
	if err != nil {
		return 0, err
	}
	// Split the (order+1) block into two (order) buddies; keep the low
	// half, return the high half to the free list.
	buddy := parent + (1 << order)
	a.mu[order].Lock()
	a.pushFree(order, buddy)
	a.mu[order].Unlock()
	a.inUse[parent] = true
	return parent, nil
}

// FreeContiguous reinserts a previously allocated run and coalesces with
// its buddy when possible.
func (a *Allocator) FreeContiguous(p addr.PhysAddr, frames int) error {
	order := orderFor(frames)
	frameIdx := int32(p.PageIndex())
	if int(frameIdx) >= a.totalFrames {
		return ErrInvalidAddress
	}
	a.nodesList[0].FreeFrames.Add(int64(1 << order))
	a.freeOrder(frameIdx, order)
	return nil
}

func (a *Allocator) freeOrder(frameIdx int32, order int) {
	for order < MaxOrder {
		buddy := buddyOf(frameIdx, order)
		if int(buddy) >= a.totalFrames {
			break
		}
		a.mu[order].Lock()
		canMerge := !a.inUse[buddy] && a.order[buddy] == int8(order)
		if canMerge {
			a.popFree(order, buddy)
		}
		a.mu[order].Unlock()
		if !canMerge {
			break
		}
		if buddy < frameIdx {
			frameIdx = buddy
		}
		order++
	}
	a.mu[order].Lock()
	a.pushFree(order, frameIdx)
	a.mu[order].Unlock()
}

// Ref increments a frame's sharing refcount (copy-on-write: §4.C).
func (a *Allocator) Ref(p addr.PhysAddr) int32 {
	return a.refcount[p.PageIndex()].Add(1)
}

// Unref decrements a frame's refcount, returning the frame to the buddy
// pool and reporting true when it reaches zero.
func (a *Allocator) Unref(p addr.PhysAddr) (freed bool, err error) {
	idx := p.PageIndex()
	if int(idx) >= a.totalFrames {
		return false, ErrInvalidAddress
	}
	n := a.refcount[idx].Add(-1)
	if n < 0 {
		a.refcount[idx].Store(0)
		return false, fmt.Errorf("memory: refcount underflow on frame %d", idx)
	}
	if n == 0 {
		if err := a.FreeContiguous(p, 1); err != nil {
			return false, err
		}
		return true, nil
	}
	return false, nil
}

// Refcount returns the current sharing refcount of a frame.
func (a *Allocator) Refcount(p addr.PhysAddr) int32 {
	return a.refcount[p.PageIndex()].Load()
}

// Bytes returns a slice view onto the simulated RAM at a physical
// address, the hosted-build equivalent of an identity-mapped pointer
// cast in a bare-metal allocator.
func (a *Allocator) Bytes(p addr.PhysAddr, length int) ([]byte, error) {
	start := int(p)
	if start < 0 || start+length > len(a.ram) {
		return nil, ErrInvalidAddress
	}
	return a.ram[start : start+length], nil
}

// Stats is a frame-conservation snapshot.
type Stats struct {
	TotalFrames     int
	AllocatedFrames int
	FreeFrames      int
}

// Stats derives the snapshot from the node's free-frame counter, which
// AllocContiguous and FreeContiguous adjust by the whole block size, so a
// multi-frame block counts every frame it covers.
func (a *Allocator) Stats() Stats {
	free := int(a.nodesList[0].FreeFrames.Load())
	return Stats{TotalFrames: a.totalFrames, AllocatedFrames: a.totalFrames - free, FreeFrames: free}
}

// Nodes returns the NUMA node descriptors.
func (a *Allocator) Nodes() []NUMANode { return a.nodesList }

// Close releases the simulated RAM mapping. Exo-OS has no kernel teardown
// story; Close exists only for
// test hygiene.
func (a *Allocator) Close() error {
	if a.ram == nil {
		return nil
	}
	err := unix.Munmap(a.ram)
	a.ram = nil
	return err
}
