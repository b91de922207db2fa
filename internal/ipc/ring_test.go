package ipc

import (
	"testing"
	"time"

	"go.uber.org/zap"

	uatomic "go.uber.org/atomic"

	"github.com/darkfireeee/Exo-OS-sub002/internal/memory"
	"github.com/darkfireeee/Exo-OS-sub002/internal/sched"
)

func newTestRing(t *testing.T, capacity int) (*Ring, *memory.Allocator) {
	t.Helper()
	frames, err := memory.New(zap.NewNop(), 64, 0)
	if err != nil {
		t.Fatalf("memory.New: %v", err)
	}
	t.Cleanup(func() { _ = frames.Close() })
	r, err := NewRing(zap.NewNop(), capacity, 4, frames)
	if err != nil {
		t.Fatalf("NewRing: %v", err)
	}
	return r, frames
}

func TestRingSendRecvInline(t *testing.T) {
	r, _ := newTestRing(t, 4)
	h := Header{Size: 5, Type: 1}
	if err := r.Send(nil, nil, h, []byte("hello"), false); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if r.Len() != 1 {
		t.Fatalf("expected Len 1, got %d", r.Len())
	}
	msg, err := r.Recv(nil, nil, false)
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if string(msg.Payload) != "hello" {
		t.Fatalf("expected payload 'hello', got %q", msg.Payload)
	}
	if r.Len() != 0 {
		t.Fatalf("expected Len 0 after drain, got %d", r.Len())
	}
}

func TestRingZeroCopy(t *testing.T) {
	r, frames := newTestRing(t, 4)
	big := make([]byte, 4096)
	for i := range big {
		big[i] = byte(i)
	}
	if err := r.SendZeroCopy(nil, nil, Header{}, big, false); err != nil {
		t.Fatalf("SendZeroCopy: %v", err)
	}
	msg, err := r.Recv(nil, nil, false)
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if msg.ZeroCopy == nil {
		t.Fatalf("expected zero-copy descriptor")
	}
	mapped, err := r.MapZeroCopy(msg.ZeroCopy)
	if err != nil {
		t.Fatalf("MapZeroCopy: %v", err)
	}
	for i := 0; i < 4096; i++ {
		if mapped[i] != byte(i) {
			t.Fatalf("zero-copy content mismatch at %d", i)
		}
	}
	before := frames.Refcount(msg.ZeroCopy.Phys)
	if before != 1 {
		t.Fatalf("expected refcount 1 before unmap, got %d", before)
	}
	if err := r.UnmapZeroCopy(msg.ZeroCopy); err != nil {
		t.Fatalf("UnmapZeroCopy: %v", err)
	}
}

func TestRingFullBlocksUntilDrained(t *testing.T) {
	r, _ := newTestRing(t, 2)
	s := sched.New(zap.NewNop(), sched.Quanta{System: time.Millisecond, Interactive: time.Millisecond, Batch: time.Millisecond}, 0.5, 10, 100)
	producer, _ := s.CreateThread("producer", sched.Interactive, 0, 0x1000, false)
	if s.Dispatch() != producer {
		t.Fatalf("expected producer dispatched before it blocks")
	}

	if err := r.Send(nil, nil, Header{}, []byte("a"), false); err != nil {
		t.Fatalf("Send 1: %v", err)
	}
	if err := r.Send(nil, nil, Header{}, []byte("b"), false); err != nil {
		t.Fatalf("Send 2: %v", err)
	}
	if err := r.Send(nil, nil, Header{}, []byte("c"), false); err != ErrQueueFull {
		t.Fatalf("expected ErrQueueFull on non-blocking send to full ring, got %v", err)
	}

	done := make(chan error, 1)
	go func() {
		done <- r.Send(s, producer, Header{}, []byte("c"), true)
	}()

	time.Sleep(5 * time.Millisecond)
	if _, err := r.Recv(nil, nil, false); err != nil {
		t.Fatalf("Recv to free a slot: %v", err)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("blocked Send: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("blocked Send never woke after a slot freed")
	}
}

func TestFutexWaitWake(t *testing.T) {
	s := sched.New(zap.NewNop(), sched.Quanta{System: time.Millisecond, Interactive: time.Millisecond, Batch: time.Millisecond}, 0.5, 10, 100)
	f := NewFutex(s)
	waiter, _ := s.CreateThread("waiter", sched.Interactive, 0, 0x1000, false)
	if s.Dispatch() != waiter {
		t.Fatalf("expected waiter dispatched before it blocks")
	}

	word := uatomic.NewUint32(0)
	resultCh := make(chan sched.Cause, 1)
	go func() {
		cause, err := f.Wait(waiter, 0x1000, word, 0)
		if err != nil {
			t.Errorf("Wait: %v", err)
		}
		resultCh <- cause
	}()

	time.Sleep(5 * time.Millisecond)
	word.Store(1)
	if woken := f.Wake(0x1000, 1); woken != 1 {
		t.Fatalf("expected to wake 1 waiter, woke %d", woken)
	}

	select {
	case cause := <-resultCh:
		if cause != sched.CauseWoken {
			t.Fatalf("expected CauseWoken, got %v", cause)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for futex wake")
	}
}

func TestFutexWaitStaleValueReturnsImmediately(t *testing.T) {
	s := sched.New(zap.NewNop(), sched.Quanta{System: time.Millisecond, Interactive: time.Millisecond, Batch: time.Millisecond}, 0.5, 10, 100)
	f := NewFutex(s)
	waiter, _ := s.CreateThread("waiter", sched.Interactive, 0, 0x1000, false)

	word := uatomic.NewUint32(7)
	cause, err := f.Wait(waiter, 0x2000, word, 0) // expected 0, actual 7: already changed
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if cause != sched.CauseWoken {
		t.Fatalf("expected immediate CauseWoken on stale expectation, got %v", cause)
	}
}

func TestBroadcastDropsSlowSubscriberIndependently(t *testing.T) {
	frames, err := memory.New(zap.NewNop(), 64, 0)
	if err != nil {
		t.Fatalf("memory.New: %v", err)
	}
	defer frames.Close()
	bc := NewBroadcastChannel(zap.NewNop(), 1, 4, frames)

	_, fast, err := bc.Subscribe()
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	_, slow, err := bc.Subscribe()
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	// Fill the slow subscriber's ring so the next broadcast must drop it.
	if err := slow.trySend(Header{}, []byte("x"), nil); err != nil {
		t.Fatalf("pre-fill slow subscriber: %v", err)
	}

	delivered, dropped := bc.Broadcast(Header{}, []byte("hi"))
	if delivered != 1 || dropped != 1 {
		t.Fatalf("expected 1 delivered, 1 dropped, got delivered=%d dropped=%d", delivered, dropped)
	}
	if fast.Len() != 1 {
		t.Fatalf("expected fast subscriber to receive the broadcast, Len=%d", fast.Len())
	}
}

func TestPriorityChannelDrainsHighLaneFirst(t *testing.T) {
	frames, err := memory.New(zap.NewNop(), 64, 0)
	if err != nil {
		t.Fatalf("memory.New: %v", err)
	}
	defer frames.Close()
	pc, err := NewPriorityChannel(zap.NewNop(), 3, 4, 4, frames)
	if err != nil {
		t.Fatalf("NewPriorityChannel: %v", err)
	}
	if err := pc.SendLane(2, nil, nil, Header{Type: 2}, []byte("low"), false); err != nil {
		t.Fatalf("SendLane 2: %v", err)
	}
	if err := pc.SendLane(0, nil, nil, Header{Type: 0}, []byte("high"), false); err != nil {
		t.Fatalf("SendLane 0: %v", err)
	}
	msg, lane, err := pc.Recv()
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if lane != 0 || string(msg.Payload) != "high" {
		t.Fatalf("expected high-priority lane drained first, got lane=%d payload=%q", lane, msg.Payload)
	}
}

func TestAsyncTaskCancelThenResolveNoop(t *testing.T) {
	task := NewAsyncTask()
	if !task.Cancel() {
		t.Fatalf("expected first Cancel to succeed")
	}
	if task.Resolve(Message{Header: Header{Type: 9}}) {
		t.Fatalf("expected Resolve after Cancel to be a no-op")
	}
	_, resolved, cancelled := task.Poll()
	if resolved || !cancelled {
		t.Fatalf("expected Poll to report cancelled, got resolved=%v cancelled=%v", resolved, cancelled)
	}
}
