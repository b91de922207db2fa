package ipc

import (
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/darkfireeee/Exo-OS-sub002/internal/memory"
	"github.com/darkfireeee/Exo-OS-sub002/internal/sched"
)

// TypedChannel wraps a Ring with JSON encode/decode so callers exchange Go
// values instead of raw bytes.
type TypedChannel[T any] struct {
	ring *Ring
}

// NewTypedChannel constructs a typed channel over a fresh ring.
func NewTypedChannel[T any](log *zap.Logger, capacity, spinBudget int, frames *memory.Allocator) (*TypedChannel[T], error) {
	r, err := NewRing(log, capacity, spinBudget, frames)
	if err != nil {
		return nil, err
	}
	return &TypedChannel[T]{ring: r}, nil
}

// Send encodes v and enqueues it, falling back to the zero-copy path when
// the encoded form doesn't fit inline.
func (c *TypedChannel[T]) Send(s *sched.Scheduler, t *sched.TCB, v T, blocking bool) error {
	buf, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("ipc: encode typed message: %w", err)
	}
	h := Header{Size: uint16(len(buf))}
	if len(buf) <= InlineMaxBytes {
		return c.ring.Send(s, t, h, buf, blocking)
	}
	return c.ring.SendZeroCopy(s, t, h, buf, blocking)
}

// Recv dequeues and decodes the next value.
func (c *TypedChannel[T]) Recv(s *sched.Scheduler, t *sched.TCB, blocking bool) (T, error) {
	var zero T
	msg, err := c.ring.Recv(s, t, blocking)
	if err != nil {
		return zero, err
	}
	var buf []byte
	if msg.ZeroCopy != nil {
		mapped, err := c.ring.MapZeroCopy(msg.ZeroCopy)
		if err != nil {
			return zero, err
		}
		buf = mapped
		defer c.ring.UnmapZeroCopy(msg.ZeroCopy)
	} else {
		buf = msg.Payload
	}
	var v T
	if err := json.Unmarshal(buf, &v); err != nil {
		return zero, fmt.Errorf("ipc: decode typed message: %w", err)
	}
	return v, nil
}

// BroadcastChannel fans a single logical send out to N independent rings,
// one per subscriber, since the ring itself is strictly SPSC.
type BroadcastChannel struct {
	mu          sync.RWMutex
	subscribers map[uint32]*Ring
	nextID      uint32
	log         *zap.Logger
	capacity    int
	spinBudget  int
	frames      *memory.Allocator
}

// NewBroadcastChannel constructs an empty broadcast channel; subscribers
// attach with Subscribe.
func NewBroadcastChannel(log *zap.Logger, capacity, spinBudget int, frames *memory.Allocator) *BroadcastChannel {
	return &BroadcastChannel{
		subscribers: make(map[uint32]*Ring),
		log:         log,
		capacity:    capacity,
		spinBudget:  spinBudget,
		frames:      frames,
	}
}

// Subscribe attaches a new receiver ring and returns its id for later
// Unsubscribe.
func (b *BroadcastChannel) Subscribe() (uint32, *Ring, error) {
	r, err := NewRing(b.log, b.capacity, b.spinBudget, b.frames)
	if err != nil {
		return 0, nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.subscribers[id] = r
	return id, r, nil
}

// Unsubscribe detaches a subscriber; its ring is abandoned for the caller
// to drain or discard.
func (b *BroadcastChannel) Unsubscribe(id uint32) {
	b.mu.Lock()
	delete(b.subscribers, id)
	b.mu.Unlock()
}

// Broadcast enqueues h/payload into every subscriber's ring non-blocking;
// a subscriber whose ring is full is skipped and counted, never allowed to
// stall the other subscribers.
func (b *BroadcastChannel) Broadcast(h Header, payload []byte) (delivered, dropped int) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, r := range b.subscribers {
		if err := r.trySend(h, payload, nil); err != nil {
			dropped++
			continue
		}
		delivered++
	}
	return delivered, dropped
}

// PriorityChannel is N priority-lane rings served strictly high-to-low, a
// lower lane is only drained once every higher lane is empty.
type PriorityChannel struct {
	lanes []*Ring
}

// NewPriorityChannel constructs lanes rings of equal capacity, lane 0
// being highest priority.
func NewPriorityChannel(log *zap.Logger, lanes, capacity, spinBudget int, frames *memory.Allocator) (*PriorityChannel, error) {
	if lanes < 1 {
		return nil, fmt.Errorf("ipc: priority channel needs at least one lane")
	}
	pc := &PriorityChannel{lanes: make([]*Ring, lanes)}
	for i := range pc.lanes {
		r, err := NewRing(log, capacity, spinBudget, frames)
		if err != nil {
			return nil, err
		}
		pc.lanes[i] = r
	}
	return pc, nil
}

// SendLane enqueues onto a specific lane.
func (p *PriorityChannel) SendLane(lane int, s *sched.Scheduler, t *sched.TCB, h Header, payload []byte, blocking bool) error {
	if lane < 0 || lane >= len(p.lanes) {
		return fmt.Errorf("ipc: lane %d out of range [0,%d)", lane, len(p.lanes))
	}
	return p.lanes[lane].Send(s, t, h, payload, blocking)
}

// Recv drains the highest-priority non-empty lane.
func (p *PriorityChannel) Recv() (Message, int, error) {
	for i, r := range p.lanes {
		msg, err := r.tryRecv()
		if err == nil {
			return msg, i, nil
		}
	}
	return Message{}, -1, ErrQueueEmpty
}

// AsyncTask is a cancellable future backed by a one-element buffered channel,
// resolved either by its producer completing the request/reply round
// trip or by Cancel.
type AsyncTask struct {
	done     uint32 // atomic: 0 = pending, 1 = resolved, 2 = cancelled
	resultCh chan Message
}

// NewAsyncTask constructs a pending task.
func NewAsyncTask() *AsyncTask {
	return &AsyncTask{resultCh: make(chan Message, 1)}
}

// Resolve completes the task with msg; a no-op if already resolved or
// cancelled.
func (a *AsyncTask) Resolve(msg Message) bool {
	if !atomic.CompareAndSwapUint32(&a.done, 0, 1) {
		return false
	}
	a.resultCh <- msg
	return true
}

// Cancel marks the task cancelled; a no-op if already resolved.
func (a *AsyncTask) Cancel() bool {
	return atomic.CompareAndSwapUint32(&a.done, 0, 2)
}

// Poll reports whether the task has resolved (with its message) or been
// cancelled, without blocking.
func (a *AsyncTask) Poll() (msg Message, resolved bool, cancelled bool) {
	switch atomic.LoadUint32(&a.done) {
	case 1:
		select {
		case m := <-a.resultCh:
			return m, true, false
		default:
			return Message{}, true, false
		}
	case 2:
		return Message{}, false, true
	default:
		return Message{}, false, false
	}
}
