package posix

import (
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/darkfireeee/Exo-OS-sub002/internal/capability"
	"github.com/darkfireeee/Exo-OS-sub002/internal/config"
	"github.com/darkfireeee/Exo-OS-sub002/internal/sched"
	"github.com/darkfireeee/Exo-OS-sub002/internal/tmpfs"
	"github.com/darkfireeee/Exo-OS-sub002/internal/vfs"
)

func newTestKernel(t *testing.T) *Kernel {
	t.Helper()
	s := sched.New(zap.NewNop(), sched.Quanta{System: time.Millisecond, Interactive: time.Millisecond, Batch: time.Millisecond}, 0.5, 10, 100)
	objects := capability.NewObjectTable()
	checker := capability.NewChecker(zap.NewNop(), objects, nil)
	fs := tmpfs.New()
	resolver, err := vfs.NewResolver(zap.NewNop(), fs, 16, 16, 40)
	if err != nil {
		t.Fatalf("NewResolver: %v", err)
	}
	return NewKernel(zap.NewNop(), config.Default().Optimizer, s, objects, checker, resolver, nil, nil)
}

func TestOpenCloseRoundTrip(t *testing.T) {
	k := newTestKernel(t)
	p, err := k.Spawn("init", sched.Interactive)
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	fd, errno := k.Open(p, "/", capability.RightRead)
	if errno != 0 {
		t.Fatalf("Open: errno %v", errno)
	}
	if errno := k.Close(p, fd); errno != 0 {
		t.Fatalf("Close: errno %v", errno)
	}
	if errno := k.Close(p, fd); errno != EBADF {
		t.Fatalf("expected EBADF on double close, got %v", errno)
	}
}

func TestOpenMissingPathReturnsENOENT(t *testing.T) {
	k := newTestKernel(t)
	p, _ := k.Spawn("init", sched.Interactive)
	if _, errno := k.Open(p, "/nope", capability.RightRead); errno != ENOENT {
		t.Fatalf("expected ENOENT, got %v", errno)
	}
}

func TestForkDuplicatesDescriptors(t *testing.T) {
	k := newTestKernel(t)
	parent, _ := k.Spawn("parent", sched.Interactive)
	if _, errno := k.Open(parent, "/", capability.RightRead); errno != 0 {
		t.Fatalf("Open: errno %v", errno)
	}
	child, err := k.Fork(parent)
	if err != nil {
		t.Fatalf("Fork: %v", err)
	}
	if len(child.Descriptors.Snapshot()) != 1 {
		t.Fatalf("expected child to inherit 1 descriptor, got %d", len(child.Descriptors.Snapshot()))
	}
	if child.PID == parent.PID {
		t.Fatalf("expected child to have a distinct PID")
	}
}

func TestOptimizerClassifiesBySize(t *testing.T) {
	cfg := config.Default().Optimizer
	o := NewOptimizer(cfg)
	if got := o.Classify(cfg.ZeroCopyMinBytes, 0); got != StrategyZeroCopy {
		t.Fatalf("expected StrategyZeroCopy, got %v", got)
	}
	if got := o.Classify(4, 0); got != StrategyAsync {
		t.Fatalf("expected StrategyAsync for a small low-pressure request, got %v", got)
	}
}

func TestShmgetIsUnimplemented(t *testing.T) {
	k := newTestKernel(t)
	if _, errno := k.Shmget(1, 4096, 0); errno != ENOSYS {
		t.Fatalf("expected ENOSYS, got %v", errno)
	}
}
