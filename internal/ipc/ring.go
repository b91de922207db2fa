// Package ipc implements the Fusion Ring: a lock-free SPSC
// ring of fixed-size slots (see slot) supporting an inline payload path and a
// zero-copy shared-memory path, plus the futex and higher-level channel
// primitives built on top of it.
//
// The ring's slot-state CAS machinery and its producer/consumer cursor
// layout are original to this component; the surrounding idiom --
// atomic cursors, //-commented state machine, explicit power-of-two
// capacity checks -- stays close to the allocator's free-list style:
// plain structs manipulated with atomics and bit tricks, no
// channel-of-channel abstraction layered on top where a flat array
// suffices.
package ipc

import (
	"fmt"
	"sync"
	"time"

	uatomic "go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/darkfireeee/Exo-OS-sub002/internal/addr"
	"github.com/darkfireeee/Exo-OS-sub002/internal/memory"
	"github.com/darkfireeee/Exo-OS-sub002/internal/sched"
)

// Error is the IPC error taxonomy.
type Error string

func (e Error) Error() string { return string(e) }

const (
	ErrQueueFull         Error = "ipc: queue full"
	ErrQueueEmpty        Error = "ipc: queue empty"
	ErrWouldBlock        Error = "ipc: would block"
	ErrInvalidDescriptor Error = "ipc: invalid descriptor"
	ErrCancelled         Error = "ipc: cancelled"
)

// InlineMaxBytes is the largest payload that fits in a slot directly.
const InlineMaxBytes = 56

// slotState is the per-slot lifecycle.
type slotState int32

const (
	stateEmpty slotState = iota
	stateWriteReserved
	stateCommitted
	stateReadReserved
)

// Header is a message header as stored in a slot beside the inline
// payload area: Size, Flags, Type and SourceID, plus DestID and ReplyID
// for addressing and request/reply routing (16 bytes in all). On the
// inline path Size is set to the number of payload bytes copied in.
type Header struct {
	Size     uint16
	Flags    uint8
	Type     uint8
	SourceID uint32
	DestID   uint32
	ReplyID  uint32 // used by request/reply round-trips
}

// FlagZeroCopy marks that the slot payload is a ZeroCopyDescriptor rather
// than inline bytes.
const FlagZeroCopy uint8 = 1 << 0

// ZeroCopyDescriptor points at a shared-memory region backing a payload
// too large to inline.
type ZeroCopyDescriptor struct {
	Phys   addr.PhysAddr
	Length uint32
	Rights uint32
}

// slot is one ring entry: a state word, a Header and the 56-byte inline
// area. It is not padded to, and is larger than, a 64-byte cache line.
type slot struct {
	state   uatomic.Int32
	header  Header
	payload [InlineMaxBytes]byte
}

// Message is a received (or about-to-be-sent) message: either inline
// bytes or a zero-copy descriptor, mutually exclusive per Header.Flags.
type Message struct {
	Header  Header
	Payload []byte              // valid when Header.Flags&FlagZeroCopy == 0
	ZeroCopy *ZeroCopyDescriptor // valid when Header.Flags&FlagZeroCopy != 0
}

// Ring is a single-producer/single-consumer lock-free ring of power-of-two
// capacity.
type Ring struct {
	log   *zap.Logger
	slots []slot
	mask  uint64

	// head/tail sit on independent cache lines conceptually; the Go allocator doesn't let us pad to that
	// precisely without platform-specific cache-line constants, so each
	// is kept in its own uatomic.Uint64 and separated by the padding
	// fields below.
	head uatomic.Uint64
	_    [7]uint64
	tail uatomic.Uint64
	_    [7]uint64

	frames     *memory.Allocator
	spinBudget int

	sendWaiters *sched.WaitQueue
	recvWaiters *sched.WaitQueue

	zcMu      sync.Mutex
	zcRegions map[addr.PhysAddr]int // refcount per zero-copy region this ring has outstanding
}

// NewRing constructs a ring. capacity must be a power of two.
func NewRing(log *zap.Logger, capacity int, spinBudget int, frames *memory.Allocator) (*Ring, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if capacity <= 0 || capacity&(capacity-1) != 0 {
		return nil, fmt.Errorf("ipc: capacity %d must be a positive power of two", capacity)
	}
	return &Ring{
		log:         log,
		slots:       make([]slot, capacity),
		mask:        uint64(capacity - 1),
		frames:      frames,
		spinBudget:  spinBudget,
		sendWaiters: sched.NewWaitQueue(),
		recvWaiters: sched.NewWaitQueue(),
		zcRegions:   make(map[addr.PhysAddr]int),
	}, nil
}

// Capacity returns the ring's slot count.
func (r *Ring) Capacity() int { return len(r.slots) }

// Len returns the current number of enqueued-but-undequeued messages
// ("(enqueued) − (dequeued) = current length").
func (r *Ring) Len() int {
	return int(r.tail.Load() - r.head.Load())
}

// trySend attempts one non-blocking enqueue; returns ErrQueueFull if the
// ring has no free slot.
func (r *Ring) trySend(h Header, payload []byte, zc *ZeroCopyDescriptor) error {
	tail := r.tail.Load()
	head := r.head.Load()
	if tail-head >= uint64(len(r.slots)) {
		return ErrQueueFull
	}
	idx := tail & r.mask
	s := &r.slots[idx]
	if !s.state.CompareAndSwap(int32(stateEmpty), int32(stateWriteReserved)) {
		return ErrQueueFull
	}

	s.header = h
	if zc != nil {
		s.header.Flags |= FlagZeroCopy
		// Encode the descriptor into the payload area: phys(8) | length(4) | rights(4).
		putU64(s.payload[0:8], uint64(zc.Phys))
		putU32(s.payload[8:12], zc.Length)
		putU32(s.payload[12:16], zc.Rights)
	} else {
		s.header.Size = uint16(copy(s.payload[:], payload))
	}

	s.state.Store(int32(stateCommitted)) // release publish
	r.tail.Store(tail + 1)

	r.recvWaiters.WakeOne()
	return nil
}

// Send enqueues an inline message; a payload over InlineMaxBytes is
// rejected with an error (SendZeroCopy carries those). A full ring is
// retried spinBudget times; after that, blocking controls whether Send
// sleeps on the ring's wait queue or returns ErrQueueFull.
func (r *Ring) Send(sched_ *sched.Scheduler, t *sched.TCB, h Header, payload []byte, blocking bool) error {
	if len(payload) > InlineMaxBytes {
		return fmt.Errorf("ipc: inline payload %d exceeds %d bytes; use SendZeroCopy", len(payload), InlineMaxBytes)
	}
	return r.sendWithBlocking(sched_, t, func() error { return r.trySend(h, payload, nil) }, blocking)
}

// SendZeroCopy enqueues a payload too large to inline: it allocates a
// shared-memory region from the physical frame allocator, copies data in,
// and places a descriptor in the slot.
func (r *Ring) SendZeroCopy(sched_ *sched.Scheduler, t *sched.TCB, h Header, data []byte, blocking bool) error {
	frames := (len(data) + addr.PageSize - 1) / addr.PageSize
	if frames < 1 {
		frames = 1
	}
	p, err := r.frames.AllocContiguous(frames)
	if err != nil {
		return err
	}
	buf, err := r.frames.Bytes(p, frames*addr.PageSize)
	if err != nil {
		return err
	}
	copy(buf, data)

	desc := &ZeroCopyDescriptor{Phys: p, Length: uint32(len(data))}
	err = r.sendWithBlocking(sched_, t, func() error { return r.trySend(h, nil, desc) }, blocking)
	if err != nil {
		_, _ = r.frames.Unref(p) // undo the allocation on failure to enqueue
		return err
	}
	r.zcMu.Lock()
	r.zcRegions[p]++
	r.zcMu.Unlock()
	return nil
}

func (r *Ring) sendWithBlocking(s *sched.Scheduler, t *sched.TCB, attempt func() error, blocking bool) error {
	for i := 0; i < r.spinBudget; i++ {
		if err := attempt(); err != ErrQueueFull {
			return err
		}
	}
	if !blocking {
		return ErrQueueFull
	}
	for {
		if err := attempt(); err != ErrQueueFull {
			return err
		}
		if s == nil || t == nil {
			return ErrWouldBlock
		}
		if _, err := s.Block(t, r.sendWaiters, 0, false); err != nil {
			return err
		}
	}
}

// tryRecv attempts one non-blocking dequeue; returns ErrQueueEmpty if
// nothing is committed.
func (r *Ring) tryRecv() (Message, error) {
	head := r.head.Load()
	tail := r.tail.Load()
	if head >= tail {
		return Message{}, ErrQueueEmpty
	}
	idx := head & r.mask
	s := &r.slots[idx]
	if !s.state.CompareAndSwap(int32(stateCommitted), int32(stateReadReserved)) {
		return Message{}, ErrQueueEmpty
	}

	msg := Message{Header: s.header}
	if s.header.Flags&FlagZeroCopy != 0 {
		phys := addr.PhysAddr(getU64(s.payload[0:8]))
		length := getU32(s.payload[8:12])
		rights := getU32(s.payload[12:16])
		msg.ZeroCopy = &ZeroCopyDescriptor{Phys: phys, Length: length, Rights: rights}
	} else {
		msg.Payload = append([]byte(nil), s.payload[:s.header.Size]...)
	}

	s.state.Store(int32(stateEmpty))
	r.head.Store(head + 1)

	r.sendWaiters.WakeOne()
	return msg, nil
}

// Recv dequeues the next message, spinning then optionally blocking when
// the ring is empty.
func (r *Ring) Recv(s *sched.Scheduler, t *sched.TCB, blocking bool) (Message, error) {
	for i := 0; i < r.spinBudget; i++ {
		msg, err := r.tryRecv()
		if err != ErrQueueEmpty {
			return msg, err
		}
	}
	if !blocking {
		return Message{}, ErrQueueEmpty
	}
	for {
		msg, err := r.tryRecv()
		if err != ErrQueueEmpty {
			return msg, err
		}
		if s == nil || t == nil {
			return Message{}, ErrWouldBlock
		}
		if _, err := s.Block(t, r.recvWaiters, 0, false); err != nil {
			return Message{}, err
		}
	}
}

// MapZeroCopy returns the bytes backing a zero-copy descriptor.
func (r *Ring) MapZeroCopy(d *ZeroCopyDescriptor) ([]byte, error) {
	return r.frames.Bytes(d.Phys, int(d.Length))
}

// UnmapZeroCopy decrements a zero-copy region's refcount, freeing the
// frame(s) once the last mapping drops.
func (r *Ring) UnmapZeroCopy(d *ZeroCopyDescriptor) error {
	r.zcMu.Lock()
	n := r.zcRegions[d.Phys]
	if n > 0 {
		n--
		if n == 0 {
			delete(r.zcRegions, d.Phys)
		} else {
			r.zcRegions[d.Phys] = n
		}
	}
	r.zcMu.Unlock()
	_, err := r.frames.Unref(d.Phys)
	return err
}

func putU64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
}
func getU64(b []byte) uint64 {
	var v uint64
	for i := 0; i < 8; i++ {
		v |= uint64(b[i]) << (8 * i)
	}
	return v
}
func putU32(b []byte, v uint32) {
	for i := 0; i < 4; i++ {
		b[i] = byte(v >> (8 * i))
	}
}
func getU32(b []byte) uint32 {
	var v uint32
	for i := 0; i < 4; i++ {
		v |= uint32(b[i]) << (8 * i)
	}
	return v
}

// WaitDuration is a convenience type alias used by callers composing
// timeouts for Send/Recv via the lower-level Scheduler.Block API.
type WaitDuration = time.Duration
