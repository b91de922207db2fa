// Package heap implements the three-tier kernel allocator:
// a per-CPU thread-local bin for sizes <= 256 B, a CAS-updated
// per-size-class slab for 257..4096 B, and the buddy frame allocator
// (internal/memory) as fallback for anything larger.
//
// The slab free list is a CAS stack (sync/atomic.Pointer), but pop/push
// still take a per-class mutex: reclaimIdle drains and rebuilds the
// whole stack non-atomically under memory pressure, and a concurrent
// lock-free push/pop during that drain could tear it, so the mutex
// trades a little uncontended-path overhead for never needing a
// lock-free multi-word drain.
//
// Each tier carves its free list lazily from the buddy allocator in
// batches (refillBatch nodes at a time) the first time it misses, and
// keeps the carved pages around for warm reuse rather than returning
// them immediately. Memory only goes back to the buddy allocator when a
// large buddy-tier request can't find a contiguous block -- reclaimIdle
// then hands back any tier page that is sitting completely idle and
// retries, so a burst of small-object traffic doesn't permanently
// fragment the pool a later large allocation needs.
//
// This generalizes a single best-fit free-list allocator (kmalloc/kfree
// walking a heapSegment doubly-linked list) into a tiered design: each
// tier keeps an intrusive free list of node records (singly linked
// here), while the thread-local tier adds the unsynchronized
// per-CPU fast path the allocator needs. Exo-OS runs hosted, so there
// is no real CPU-affinity primitive to pin a goroutine to; the
// thread-local tier is modeled as a per-size-class cache guarded by a
// narrow mutex instead of true lock-freedom, and that tradeoff is
// called out here rather than silently claimed away.
package heap

import (
	"context"
	"sync"
	"sync/atomic"

	uatomic "go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/darkfireeee/Exo-OS-sub002/internal/addr"
	"github.com/darkfireeee/Exo-OS-sub002/internal/memory"
)

const (
	// ThreadLocalMax is the largest request the thread-local bin serves.
	ThreadLocalMax = 256
	// SlabMax is the largest request the per-CPU slab serves.
	SlabMax = 4096
)

var slabSizes = [...]int{512, 1024, 2048, 3072, 4096}

// refillBatch is how many objects a tier carves out of one buddy refill,
// the same "prime a handful of slots rather than one at a time" shape a
// real per-CPU cache uses to amortize the slow-path cost.
const refillBatch = 8

// Tier identifies which allocator level served a request.
type Tier int

const (
	TierThreadLocal Tier = iota
	TierSlab
	TierBuddy
)

func (t Tier) String() string {
	switch t {
	case TierThreadLocal:
		return "thread_local"
	case TierSlab:
		return "slab"
	case TierBuddy:
		return "buddy"
	default:
		return "unknown"
	}
}

// TierStats tracks hit/alloc counters for one tier.
type TierStats struct {
	Allocations int64
	Hits        int64
	Flushes     int64
}

// carvedPage is the buddy-backed memory behind one refill batch. total is
// the node count the batch was sliced into; parked is how many of those
// nodes currently sit idle in a tier's free list rather than checked out
// by a caller. A page is only safe to hand back to the buddy allocator
// once parked reaches total -- reclaimIdle uses exactly that condition.
type carvedPage struct {
	phys   addr.PhysAddr
	frames int
	total  int32
	parked uatomic.Int32
}

// freeNode is a node in a tier's intrusive free list.
type freeNode struct {
	next *freeNode
	buf  []byte
	page *carvedPage
}

// bin is one thread-local cache.
type bin struct {
	mu      sync.Mutex
	free    *freeNode
	count   int
	maxSize int
	pages   []*carvedPage
}

// slabClass is one per-size-class free list: a CAS stack
// (sync/atomic.Pointer) guarded by reclaimMu, which alloc/free hold
// across their whole CAS loop and reclaimIdle holds while draining and
// rebuilding the stack.
type slabClass struct {
	size      int
	head      atomic.Pointer[freeNode]
	reclaimMu sync.Mutex
	pagesMu   sync.Mutex
	pages     []*carvedPage
}

// Allocation is a handle to memory served by the heap, carrying enough
// bookkeeping for Free to return it to the tier that served it.
type Allocation struct {
	Buf  []byte
	tier Tier
	size int
	// phys/frames populated only for TierBuddy allocations.
	phys   addr.PhysAddr
	frames int
	// page is populated only for TierThreadLocal/TierSlab allocations,
	// tracking the carved buddy batch this node came from.
	page *carvedPage
}

// Allocator is the three-tier heap.
type Allocator struct {
	log   *zap.Logger
	buddy *memory.Allocator

	binsMu sync.Mutex
	bins   map[int]*bin

	slabs [len(slabSizes)]*slabClass
	sem   *semaphore.Weighted

	ThreadLocal, Slab, Buddy statCounters
}

type statCounters struct {
	allocations uatomic.Int64
	hits        uatomic.Int64
	flushes     uatomic.Int64
}

func (c *statCounters) snapshot() TierStats {
	return TierStats{Allocations: c.allocations.Load(), Hits: c.hits.Load(), Flushes: c.flushes.Load()}
}

// New builds a tiered allocator over the given buddy frame allocator.
func New(log *zap.Logger, buddy *memory.Allocator, cpus int) *Allocator {
	if log == nil {
		log = zap.NewNop()
	}
	if cpus < 1 {
		cpus = 1
	}
	a := &Allocator{
		log:   log,
		buddy: buddy,
		bins:  make(map[int]*bin),
		sem:   semaphore.NewWeighted(int64(cpus)),
	}
	for i, sz := range slabSizes {
		a.slabs[i] = &slabClass{size: sz}
	}
	return a
}

func classFor(size int) int {
	for i, sz := range slabSizes {
		if size <= sz {
			return i
		}
	}
	return -1
}

// Alloc serves size bytes from the tier matching the request, falling through to the next tier on a miss.
func (a *Allocator) Alloc(size int) (*Allocation, error) {
	if size <= 0 {
		size = 1
	}
	if size <= ThreadLocalMax {
		if al, ok, warm := a.allocThreadLocal(size); ok {
			if warm {
				a.ThreadLocal.hits.Inc()
			}
			a.ThreadLocal.allocations.Inc()
			return al, nil
		}
	}
	if size <= SlabMax {
		if al, ok, warm := a.allocSlab(size); ok {
			if warm {
				a.Slab.hits.Inc()
			}
			a.Slab.allocations.Inc()
			return al, nil
		}
	}
	al, err := a.allocBuddy(size)
	if err != nil {
		return nil, err
	}
	a.Buddy.allocations.Inc()
	return al, nil
}

// Free returns memory to the tier that served it.
func (a *Allocator) Free(al *Allocation) error {
	switch al.tier {
	case TierThreadLocal:
		a.freeThreadLocal(al)
	case TierSlab:
		a.freeSlab(al)
	case TierBuddy:
		return a.buddy.FreeContiguous(al.phys, al.frames)
	}
	return nil
}

func (a *Allocator) getBin(size int) *bin {
	a.binsMu.Lock()
	defer a.binsMu.Unlock()
	b, ok := a.bins[size]
	if !ok {
		b = &bin{maxSize: 64}
		a.bins[size] = b
	}
	return b
}

// allocThreadLocal pops a free node from the bin, refilling it from the
// buddy allocator first if it is empty. warm reports whether the node
// came from a pre-existing free list entry (a true cache hit) rather
// than a freshly carved refill.
func (a *Allocator) allocThreadLocal(size int) (al *Allocation, ok bool, warm bool) {
	b := a.getBin(size)
	b.mu.Lock()
	defer b.mu.Unlock()
	warm = b.free != nil
	if b.free == nil {
		if err := a.refillBin(b, size); err != nil {
			return nil, false, false
		}
	}
	if b.free == nil {
		return nil, false, false
	}
	n := b.free
	b.free = n.next
	b.count--
	n.page.parked.Dec()
	return &Allocation{Buf: n.buf[:size], tier: TierThreadLocal, size: size, page: n.page}, true, warm
}

// refillBin carves a batch of size-byte free nodes out of one buddy
// allocation and pushes them onto b's free list. Caller holds b.mu.
func (a *Allocator) refillBin(b *bin, size int) error {
	buf, phys, frames, err := a.carveBuddy(size * refillBatch)
	if err != nil {
		return err
	}
	n := int32(len(buf) / size)
	page := &carvedPage{phys: phys, frames: frames, total: n}
	page.parked.Store(n)
	for off := 0; off+size <= len(buf); off += size {
		b.free = &freeNode{next: b.free, buf: buf[off : off+size], page: page}
		b.count++
	}
	b.pages = append(b.pages, page)
	return nil
}

func (a *Allocator) freeThreadLocal(al *Allocation) {
	b := a.getBin(al.size)
	b.mu.Lock()
	saturated := b.count >= b.maxSize
	if !saturated {
		b.free = &freeNode{next: b.free, buf: al.Buf[:cap(al.Buf)], page: al.page}
		b.count++
		al.page.parked.Inc()
	}
	b.mu.Unlock()

	if saturated {
		// Bin saturated: flush the incoming object one tier down instead
		// of growing further.
		a.ThreadLocal.flushes.Inc()
		a.freeSlab(&Allocation{Buf: al.Buf[:cap(al.Buf)], tier: TierSlab, size: roundToClassSize(al.size), page: al.page})
	}
}

// reclaimBin hands back to the buddy allocator any carved page whose
// nodes are all currently idle in b's free list, pruning those nodes
// out of the list first. Used only under buddy memory pressure.
func (a *Allocator) reclaimBin(b *bin) {
	b.mu.Lock()
	var idle []*carvedPage
	kept := b.pages[:0:0]
	for _, p := range b.pages {
		if p.parked.Load() >= p.total {
			idle = append(idle, p)
		} else {
			kept = append(kept, p)
		}
	}
	b.pages = kept
	if len(idle) > 0 {
		idleSet := make(map[*carvedPage]bool, len(idle))
		for _, p := range idle {
			idleSet[p] = true
		}
		var head *freeNode
		count := 0
		for n := b.free; n != nil; n = n.next {
			if idleSet[n.page] {
				continue
			}
			head = &freeNode{next: head, buf: n.buf, page: n.page}
			count++
		}
		b.free = head
		b.count = count
	}
	b.mu.Unlock()
	for _, p := range idle {
		a.buddy.FreeContiguous(p.phys, p.frames)
	}
}

func roundToClassSize(size int) int {
	if c := classFor(size); c >= 0 {
		return slabSizes[c]
	}
	return size
}

// allocSlab pops a free node from the size-class's lock-free stack,
// refilling it from the buddy allocator first if it is empty. warm
// reports whether the node came from a pre-existing stack entry (a true
// cache hit) rather than a freshly carved refill.
func (a *Allocator) allocSlab(size int) (al *Allocation, ok bool, warm bool) {
	class := classFor(size)
	if class < 0 {
		return nil, false, false
	}
	sc := a.slabs[class]
	sc.reclaimMu.Lock()
	defer sc.reclaimMu.Unlock()
	for {
		head := sc.head.Load()
		warm = head != nil
		if head == nil {
			if err := a.refillSlab(sc); err != nil {
				return nil, false, false
			}
			head = sc.head.Load()
			if head == nil {
				return nil, false, false
			}
		}
		if sc.head.CompareAndSwap(head, head.next) {
			head.page.parked.Dec()
			return &Allocation{Buf: head.buf[:size], tier: TierSlab, size: size, page: head.page}, true, warm
		}
	}
}

// refillSlab carves a batch of sc.size-byte free nodes out of one buddy
// allocation and pushes them onto sc's lock-free stack.
func (a *Allocator) refillSlab(sc *slabClass) error {
	buf, phys, frames, err := a.carveBuddy(sc.size * refillBatch)
	if err != nil {
		return err
	}
	n := int32(len(buf) / sc.size)
	page := &carvedPage{phys: phys, frames: frames, total: n}
	page.parked.Store(n)
	for off := 0; off+sc.size <= len(buf); off += sc.size {
		node := &freeNode{buf: buf[off : off+sc.size], page: page}
		for {
			head := sc.head.Load()
			node.next = head
			if sc.head.CompareAndSwap(head, node) {
				break
			}
		}
	}
	sc.pagesMu.Lock()
	sc.pages = append(sc.pages, page)
	sc.pagesMu.Unlock()
	return nil
}

func (a *Allocator) freeSlab(al *Allocation) {
	class := classFor(al.size)
	if class < 0 {
		class = len(slabSizes) - 1
	}
	sc := a.slabs[class]
	sc.reclaimMu.Lock()
	defer sc.reclaimMu.Unlock()
	n := &freeNode{buf: al.Buf[:cap(al.Buf)], page: al.page}
	for {
		head := sc.head.Load()
		n.next = head
		if sc.head.CompareAndSwap(head, n) {
			al.page.parked.Inc()
			return
		}
	}
}

// reclaimSlabClass hands back to the buddy allocator any carved page
// whose nodes are all currently idle on sc's stack. Drains the whole
// stack under reclaimMu (excluding concurrent alloc/free, which also
// take reclaimMu) and rebuilds it without the idle pages' nodes.
func (a *Allocator) reclaimSlabClass(sc *slabClass) {
	sc.reclaimMu.Lock()
	sc.pagesMu.Lock()
	var idle []*carvedPage
	kept := sc.pages[:0:0]
	for _, p := range sc.pages {
		if p.parked.Load() >= p.total {
			idle = append(idle, p)
		} else {
			kept = append(kept, p)
		}
	}
	sc.pages = kept
	sc.pagesMu.Unlock()

	if len(idle) > 0 {
		idleSet := make(map[*carvedPage]bool, len(idle))
		for _, p := range idle {
			idleSet[p] = true
		}
		var head *freeNode
		for n := sc.head.Swap(nil); n != nil; n = n.next {
			if idleSet[n.page] {
				continue
			}
			head = &freeNode{next: head, buf: n.buf, page: n.page}
		}
		sc.head.Store(head)
	}
	sc.reclaimMu.Unlock()

	for _, p := range idle {
		a.buddy.FreeContiguous(p.phys, p.frames)
	}
}

func (a *Allocator) allocBuddy(size int) (*Allocation, error) {
	frames := (size + addr.PageSize - 1) / addr.PageSize
	if frames < 1 {
		frames = 1
	}
	p, err := a.allocContiguousWithReclaim(frames)
	if err != nil {
		return nil, err
	}
	buf, err := a.buddy.Bytes(p, frames*addr.PageSize)
	if err != nil {
		return nil, err
	}
	return &Allocation{Buf: buf[:size], tier: TierBuddy, size: size, phys: p, frames: frames}, nil
}

// allocContiguousWithReclaim acquires frames from the buddy allocator,
// retrying once via reclaimIdle on OOM. The semaphore is only ever held
// for the AllocContiguous call itself, never across reclaimIdle: a
// refillBin/refillSlab caller can be blocked on this same semaphore
// while holding its bin/slabClass lock, and reclaimIdle needs that same
// lock, so holding the semaphore through a reclaim pass would deadlock.
func (a *Allocator) allocContiguousWithReclaim(frames int) (addr.PhysAddr, error) {
	// Large requests rarely come from more than one goroutine per CPU
	// shard at a time in practice; bound concurrent buddy refills so a
	// burst of big allocations cannot starve the per-order spinlocks in
	// internal/memory.
	if err := a.sem.Acquire(context.Background(), 1); err != nil {
		return 0, err
	}
	p, err := a.buddy.AllocContiguous(frames)
	a.sem.Release(1)
	if err != memory.ErrOutOfMemory {
		return p, err
	}

	a.reclaimIdle()

	if err := a.sem.Acquire(context.Background(), 1); err != nil {
		return 0, err
	}
	defer a.sem.Release(1)
	return a.buddy.AllocContiguous(frames)
}

// carveBuddy acquires enough whole pages from the buddy allocator to
// hold at least minBytes and returns a byte slice over them plus the
// physical address and frame count backing it, so a tier can slice the
// batch into same-size free nodes and later hand the whole page back
// via reclaimIdle once every node cut from it is idle again.
//
// This deliberately does NOT retry through reclaimIdle on OOM the way
// allocBuddy does: refillBin/refillSlab call carveBuddy while already
// holding their own bin/slabClass lock, and reclaimIdle walks every
// bin/slabClass including the caller's -- retrying here would deadlock
// reacquiring a lock the caller already holds. A small-object refill
// that can't find buddy memory simply fails and falls through to the
// buddy tier directly, which does reclaim.
func (a *Allocator) carveBuddy(minBytes int) ([]byte, addr.PhysAddr, int, error) {
	frames := (minBytes + addr.PageSize - 1) / addr.PageSize
	if frames < 1 {
		frames = 1
	}
	if err := a.sem.Acquire(context.Background(), 1); err != nil {
		return nil, 0, 0, err
	}
	defer a.sem.Release(1)

	p, err := a.buddy.AllocContiguous(frames)
	if err != nil {
		return nil, 0, 0, err
	}
	buf, err := a.buddy.Bytes(p, frames*addr.PageSize)
	if err != nil {
		return nil, 0, 0, err
	}
	return buf, p, frames, nil
}

// reclaimIdle hands back to the buddy allocator any per-size-class
// carved page, thread-local or slab, that is currently sitting
// completely idle (every node cut from it is back in its free list).
// Called when a buddy-tier allocation fails to find a contiguous block,
// so traffic through the small-object tiers cannot permanently fragment
// memory a later large allocation needs.
func (a *Allocator) reclaimIdle() {
	a.binsMu.Lock()
	bins := make([]*bin, 0, len(a.bins))
	for _, b := range a.bins {
		bins = append(bins, b)
	}
	a.binsMu.Unlock()
	for _, b := range bins {
		a.reclaimBin(b)
	}
	for _, sc := range a.slabs {
		a.reclaimSlabClass(sc)
	}
}

// Stats returns a snapshot of every tier's counters.
func (a *Allocator) Stats() map[string]TierStats {
	return map[string]TierStats{
		TierThreadLocal.String(): a.ThreadLocal.snapshot(),
		TierSlab.String():        a.Slab.snapshot(),
		TierBuddy.String():       a.Buddy.snapshot(),
	}
}
