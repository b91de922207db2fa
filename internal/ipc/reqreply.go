package ipc

import (
	"sync"
	"sync/atomic"

	"github.com/darkfireeee/Exo-OS-sub002/internal/sched"
)

// ReplyID identifies an in-flight request/reply round trip, carried in
// Header.ReplyID.
type ReplyID uint32

// ReplyRouter correlates replies to pending requests by ReplyID, the way
// the POSIX shim's synchronous channel I/O needs a request to block the
// caller until its matching reply arrives rather than the next message on
// the ring, which may belong to someone else entirely.
type ReplyRouter struct {
	mu      sync.Mutex
	nextID  uint32
	pending map[ReplyID]chan Message
}

// NewReplyRouter constructs an empty router.
func NewReplyRouter() *ReplyRouter {
	return &ReplyRouter{pending: make(map[ReplyID]chan Message)}
}

// newReplyID allocates a fresh id.
func (rr *ReplyRouter) newReplyID() ReplyID {
	return ReplyID(atomic.AddUint32(&rr.nextID, 1))
}

// SendRequest enqueues h/payload on the ring with a fresh ReplyID and
// registers a waiter for the matching reply.
func (rr *ReplyRouter) SendRequest(r *Ring, s *sched.Scheduler, t *sched.TCB, h Header, payload []byte, blocking bool) (ReplyID, error) {
	id := rr.newReplyID()
	h.ReplyID = uint32(id)
	ch := make(chan Message, 1)
	rr.mu.Lock()
	rr.pending[id] = ch
	rr.mu.Unlock()

	if err := r.Send(s, t, h, payload, blocking); err != nil {
		rr.mu.Lock()
		delete(rr.pending, id)
		rr.mu.Unlock()
		return 0, err
	}
	return id, nil
}

// RecvReply blocks (via the channel, not the ring) until the reply
// matching id has been handed to Route, whether before or after this
// call, then forgets the request. Callers typically run one goroutine
// pumping Ring.Recv into Route so multiple pending requests can share a
// single receiver. An unknown id returns an empty Message.
func (rr *ReplyRouter) RecvReply(id ReplyID) Message {
	rr.mu.Lock()
	ch := rr.pending[id]
	rr.mu.Unlock()
	if ch == nil {
		return Message{}
	}
	msg := <-ch
	rr.mu.Lock()
	delete(rr.pending, id)
	rr.mu.Unlock()
	return msg
}

// Route delivers msg to the waiter registered for msg.Header.ReplyID, if
// any; messages with ReplyID 0 (or no matching waiter) are not requests
// and should be handled by the caller's normal receive path instead.
func (rr *ReplyRouter) Route(msg Message) bool {
	id := ReplyID(msg.Header.ReplyID)
	if id == 0 {
		return false
	}
	rr.mu.Lock()
	ch, ok := rr.pending[id]
	rr.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case ch <- msg:
		return true
	default:
		return false // a reply for id is already waiting
	}
}
