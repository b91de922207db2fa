// Package posix implements the POSIX compatibility shim:
// a syscall dispatch table, errno translation, fork/execve/signal
// translation into the kernel's native primitives, and the adaptive
// syscall optimizer that classifies each I/O call as Direct, Batched,
// ZeroCopy, or Async.
//
// Errno translation reuses golang.org/x/sys/unix's errno constants
// directly rather than a hand-rolled table.
package posix

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/darkfireeee/Exo-OS-sub002/internal/capability"
	"github.com/darkfireeee/Exo-OS-sub002/internal/config"
	"github.com/darkfireeee/Exo-OS-sub002/internal/heap"
	"github.com/darkfireeee/Exo-OS-sub002/internal/ipc"
	"github.com/darkfireeee/Exo-OS-sub002/internal/sched"
	"github.com/darkfireeee/Exo-OS-sub002/internal/vfs"
	"github.com/darkfireeee/Exo-OS-sub002/internal/vm"
)

// Errno wraps a unix errno so syscall results carry the same values a
// real POSIX caller expects.
type Errno = unix.Errno

const (
	EBADF   = unix.EBADF
	EACCES  = unix.EACCES
	ENOENT  = unix.ENOENT
	EEXIST  = unix.EEXIST
	ENOTDIR = unix.ENOTDIR
	EISDIR  = unix.EISDIR
	ENOSYS  = unix.ENOSYS
	EAGAIN  = unix.EAGAIN
	EINVAL  = unix.EINVAL
	ENOTEMPTY = unix.ENOTEMPTY
)

// translate maps internal component errors onto the nearest POSIX errno.
func translate(err error) Errno {
	switch err {
	case nil:
		return 0
	case vfs.ErrNotFound:
		return ENOENT
	case vfs.ErrNotDirectory:
		return ENOTDIR
	case vfs.ErrIsDirectory:
		return EISDIR
	case vfs.ErrExists:
		return EEXIST
	case vfs.ErrNotEmpty:
		return ENOTEMPTY
	case capability.ErrPermissionDenied, capability.ErrRevoked:
		return EACCES
	case capability.ErrDescriptorFull, capability.ErrNotFound:
		return EBADF
	case ipc.ErrQueueFull, ipc.ErrQueueEmpty, ipc.ErrWouldBlock:
		return EAGAIN
	default:
		return EINVAL
	}
}

// Process is the POSIX-facing view of a scheduled thread: a descriptor
// table, a working directory, and the capability/thread identity needed
// to service syscalls on its behalf.
type Process struct {
	PID    int
	Thread *sched.TCB
	Descriptors *capability.DescriptorTable
	Cwd    string
	// AddressSpace is this process's page-table view, cloned COW by Fork.
	AddressSpace *vm.AddressSpace

	mu      sync.Mutex
	offsets map[int]int64 // per-fd read/write cursor
}

func (p *Process) offset(fd int) int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.offsets[fd]
}

func (p *Process) advance(fd int, n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.offsets == nil {
		p.offsets = make(map[int]int64)
	}
	p.offsets[fd] += int64(n)
}

// binding is what a descriptor's capability object resolves to: either a
// VFS inode (regular files and directories) or an IPC ring (channels).
type binding struct {
	inode vfs.Inode
	ring  *ipc.Ring
}

// Kernel bundles the components the syscall table dispatches into.
type Kernel struct {
	log       *zap.Logger
	cfg       config.Optimizer
	sched     *sched.Scheduler
	objects   *capability.ObjectTable
	checker   *capability.Checker
	resolver  *vfs.Resolver
	optimizer *Optimizer
	heap      *heap.Allocator
	vmMgr     *vm.Manager

	mu        sync.Mutex
	processes map[int]*Process
	nextPID   int

	bindMu   sync.RWMutex
	bindings map[capability.ObjectId]binding
}

// NewKernel wires the POSIX shim to the already-constructed lower layers.
// heapAlloc and vmMgr back Write's batched staging buffer and Fork's
// copy-on-write address-space duplication; either may be nil in builds
// that don't need them (tests constructing a bare Kernel).
func NewKernel(log *zap.Logger, cfg config.Optimizer, s *sched.Scheduler, objects *capability.ObjectTable, checker *capability.Checker, resolver *vfs.Resolver, heapAlloc *heap.Allocator, vmMgr *vm.Manager) *Kernel {
	if log == nil {
		log = zap.NewNop()
	}
	return &Kernel{
		log:       log,
		cfg:       cfg,
		sched:     s,
		objects:   objects,
		checker:   checker,
		resolver:  resolver,
		optimizer: NewOptimizer(cfg),
		heap:      heapAlloc,
		vmMgr:     vmMgr,
		processes: make(map[int]*Process),
		bindings:  make(map[capability.ObjectId]binding),
	}
}

func (k *Kernel) bind(id capability.ObjectId, b binding) {
	k.bindMu.Lock()
	k.bindings[id] = b
	k.bindMu.Unlock()
}

func (k *Kernel) lookupBinding(id capability.ObjectId) (binding, bool) {
	k.bindMu.RLock()
	defer k.bindMu.RUnlock()
	b, ok := k.bindings[id]
	return b, ok
}

func (k *Kernel) unbind(id capability.ObjectId) {
	k.bindMu.Lock()
	delete(k.bindings, id)
	k.bindMu.Unlock()
}

// Spawn creates a new Process with a fresh descriptor table: a
// scheduler thread-creation bootstrap plus a POSIX-facing wrapper.
func (k *Kernel) Spawn(name string, class sched.Class) (*Process, error) {
	k.mu.Lock()
	k.nextPID++
	pid := k.nextPID
	k.mu.Unlock()

	t, err := k.sched.CreateThread(name, class, 0, 0x100000, false)
	if err != nil {
		return nil, err
	}
	var as *vm.AddressSpace
	if k.vmMgr != nil {
		as = k.vmMgr.NewAddressSpace()
	}
	p := &Process{PID: pid, Thread: t, Descriptors: capability.NewDescriptorTable(256), Cwd: "/", AddressSpace: as}
	k.mu.Lock()
	k.processes[pid] = p
	k.mu.Unlock()
	return p, nil
}

// Open resolves path against the VFS, creates a capability object for it
// with mode 0o644 owned by the calling process, checks want against that
// object's mode bits, and only then installs a descriptor in the calling
// process's table. The resolved inode carries no permission bits, so its
// own permissions are not consulted.
func (k *Kernel) Open(p *Process, path string, want capability.RightSet) (fd int, errno Errno) {
	in, err := k.resolver.Resolve(path)
	if err != nil {
		return -1, translate(err)
	}
	id := k.objects.Create(capability.KindFile, 0o644, uint32(p.PID))
	// A freshly opened file has no capability of its own yet -- the bare
	// (zero-rights) capability forces Check through the POSIX mode-bit
	// fallback against the object just created (mode 0o644, owned by the
	// caller), before a descriptor exists to hold rights.
	bare := capability.Capability{Object: id, Rights: 0}
	if err := k.checker.Check(bare, want, uint32(p.PID)); err != nil {
		_ = k.objects.Revoke(id)
		return -1, translate(err)
	}
	cap := capability.Capability{Object: id, Rights: want}
	fd, err = p.Descriptors.Install(cap)
	if err != nil {
		_ = k.objects.Revoke(id)
		return -1, translate(err)
	}
	k.bind(id, binding{inode: in})
	return fd, 0
}

// BindChannel installs a descriptor over an already-constructed IPC ring
// (e.g. a process's signal ring, or a boot-time ring handed to init),
// going through the same capability check Open performs for files.
func (k *Kernel) BindChannel(p *Process, ring *ipc.Ring, want capability.RightSet) (fd int, errno Errno) {
	id := k.objects.Create(capability.KindChannel, 0o600, uint32(p.PID))
	bare := capability.Capability{Object: id, Rights: 0}
	if err := k.checker.Check(bare, want, uint32(p.PID)); err != nil {
		_ = k.objects.Revoke(id)
		return -1, translate(err)
	}
	cap := capability.Capability{Object: id, Rights: want}
	fd, err := p.Descriptors.Install(cap)
	if err != nil {
		_ = k.objects.Revoke(id)
		return -1, translate(err)
	}
	k.bind(id, binding{ring: ring})
	return fd, 0
}

// Read services a read(2) against a descriptor's bound VFS inode or IPC
// ring: it re-checks the descriptor's capability, classifies the
// request through the adaptive syscall optimizer, and dispatches to
// whichever backing the descriptor's object resolves to.
func (k *Kernel) Read(p *Process, fd int, buf []byte) (n int, errno Errno) {
	cap, err := p.Descriptors.Lookup(fd)
	if err != nil {
		return 0, translate(err)
	}
	if err := k.checker.Check(cap, capability.RightRead, uint32(p.PID)); err != nil {
		return 0, translate(err)
	}
	b, ok := k.lookupBinding(cap.Object)
	if !ok {
		return 0, EBADF
	}
	strategy := k.optimizer.Classify(len(buf), 0)
	k.log.Debug("posix read", zap.Int("fd", fd), zap.Int("size", len(buf)), zap.String("strategy", strategy.String()))

	switch {
	case b.inode != nil:
		off := p.offset(fd)
		n, err := b.inode.ReadAt(buf, off)
		if err != nil {
			return n, translate(err)
		}
		p.advance(fd, n)
		return n, 0
	case b.ring != nil:
		msg, err := b.ring.Recv(k.sched, p.Thread, strategy != StrategyAsync)
		if err != nil {
			return 0, translate(err)
		}
		return copy(buf, msg.Payload), 0
	default:
		return 0, EBADF
	}
}

// Write services a write(2), symmetric to Read.
func (k *Kernel) Write(p *Process, fd int, buf []byte) (n int, errno Errno) {
	cap, err := p.Descriptors.Lookup(fd)
	if err != nil {
		return 0, translate(err)
	}
	if err := k.checker.Check(cap, capability.RightWrite, uint32(p.PID)); err != nil {
		return 0, translate(err)
	}
	b, ok := k.lookupBinding(cap.Object)
	if !ok {
		return 0, EBADF
	}
	strategy := k.optimizer.Classify(len(buf), 0)
	k.log.Debug("posix write", zap.Int("fd", fd), zap.Int("size", len(buf)), zap.String("strategy", strategy.String()))

	switch {
	case b.inode != nil:
		off := p.offset(fd)
		if strategy == StrategyBatched && k.heap != nil {
			n, err := k.writeBatched(b.inode, buf, off)
			if err != nil {
				return n, translate(err)
			}
			p.advance(fd, n)
			return n, 0
		}
		n, err := b.inode.WriteAt(buf, off)
		if err != nil {
			return n, translate(err)
		}
		p.advance(fd, n)
		return n, 0
	case b.ring != nil:
		h := ipc.Header{DestID: uint32(p.PID)}
		if strategy == StrategyZeroCopy {
			if err := b.ring.SendZeroCopy(k.sched, p.Thread, h, buf, strategy != StrategyAsync); err != nil {
				return 0, translate(err)
			}
			return len(buf), 0
		}
		if err := b.ring.Send(k.sched, p.Thread, h, buf, strategy != StrategyAsync); err != nil {
			return 0, translate(err)
		}
		return len(buf), 0
	default:
		return 0, EBADF
	}
}

// writeBatched stages a write through a kernel-owned heap buffer instead
// of handing the caller's slice straight to the inode -- the batched
// strategy's whole point is amortizing small writes into one kernel-side
// buffer rather than one syscall round trip per write.
func (k *Kernel) writeBatched(in vfs.Inode, buf []byte, off int64) (int, error) {
	al, err := k.heap.Alloc(len(buf))
	if err != nil {
		return 0, err
	}
	defer k.heap.Free(al)
	copy(al.Buf, buf)
	return in.WriteAt(al.Buf[:len(buf)], off)
}

// Close releases a descriptor.
func (k *Kernel) Close(p *Process, fd int) Errno {
	err := p.Descriptors.Close(fd)
	p.mu.Lock()
	delete(p.offsets, fd)
	p.mu.Unlock()
	return translate(err)
}

// Fork duplicates a process: its descriptor table (shared-capability
// semantics, the POSIX dup model), a cloned scheduler thread, and a
// child address space built by ForkCOW so every page the parent had
// mapped starts out shared copy-on-write with the child -- the split
// happens lazily, the first time either side's HandleWriteFault fires.
func (k *Kernel) Fork(parent *Process) (*Process, error) {
	k.mu.Lock()
	k.nextPID++
	pid := k.nextPID
	k.mu.Unlock()

	child, err := k.sched.CreateThread(fmt.Sprintf("pid-%d", pid), parent.Thread.Class, parent.Thread.StackLo, parent.Thread.StackHi, false)
	if err != nil {
		return nil, err
	}

	childDesc := capability.NewDescriptorTable(256)
	parent.mu.Lock()
	snapshot := parent.Descriptors.Snapshot()
	parent.mu.Unlock()
	maxFD := -1
	for fd := range snapshot {
		if fd > maxFD {
			maxFD = fd
		}
	}
	// Install in descriptor order, filling gaps with placeholders that are
	// closed again, so every descriptor keeps its number in the child.
	for fd := 0; fd <= maxFD; fd++ {
		cap, live := snapshot[fd]
		got, err := childDesc.Install(cap)
		if err != nil {
			k.log.Warn("fork: failed to duplicate a descriptor", zap.Int("fd", fd), zap.Error(err))
			continue
		}
		if !live {
			_ = childDesc.Close(got)
		}
	}

	var childAS *vm.AddressSpace
	if k.vmMgr != nil && parent.AddressSpace != nil {
		childAS = k.vmMgr.ForkCOW(parent.AddressSpace)
	}

	cp := &Process{PID: pid, Thread: child, Descriptors: childDesc, Cwd: parent.Cwd, AddressSpace: childAS}
	k.mu.Lock()
	k.processes[pid] = cp
	k.mu.Unlock()
	return cp, nil
}

// Execve replaces a process's identity in place: a new name and a fresh
// descriptor table layout decision is left to the caller (close-on-exec
// handling), keeping execve's scope to identity
// replacement rather than a full ELF loader (original_source has a real
// ELF64 parser; the hosted build has no binary format to load, so this
// models only the process-table side effect execve has).
func (k *Kernel) Execve(p *Process, name string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Thread.Name = name
	return nil
}

// Signal posts a message to a process's thread standing in for a POSIX
// signal, translated into the kernel's native IPC rather than a
// hardware-style interrupt: the process's signal ring receives an empty
// message whose Type is the signal number, for the trampoline to poll
// for at its next syscall return.
func (k *Kernel) Signal(p *Process, sig int, signalRing *ipc.Ring) error {
	h := ipc.Header{Type: uint8(sig), DestID: uint32(p.PID)}
	return signalRing.Send(k.sched, p.Thread, h, nil, false)
}

// Shmget and Msgget are present-but-unimplemented System V IPC entry
// points.
func (k *Kernel) Shmget(key int, size int, flags int) (int, Errno) { return -1, ENOSYS }
func (k *Kernel) Msgget(key int, flags int) (int, Errno)          { return -1, ENOSYS }
