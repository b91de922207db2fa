// Command exokernel boots Exo-OS Core's hosted simulation kernel: it
// wires every subsystem singleton in dependency order and
// then idles, driving the scheduler and timer wheel forward the way an
// external test harness or REPL would.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/darkfireeee/Exo-OS-sub002/internal/audit"
	"github.com/darkfireeee/Exo-OS-sub002/internal/capability"
	"github.com/darkfireeee/Exo-OS-sub002/internal/clock"
	"github.com/darkfireeee/Exo-OS-sub002/internal/config"
	"github.com/darkfireeee/Exo-OS-sub002/internal/heap"
	"github.com/darkfireeee/Exo-OS-sub002/internal/ipc"
	"github.com/darkfireeee/Exo-OS-sub002/internal/klog"
	"github.com/darkfireeee/Exo-OS-sub002/internal/memory"
	"github.com/darkfireeee/Exo-OS-sub002/internal/posix"
	"github.com/darkfireeee/Exo-OS-sub002/internal/sched"
	"github.com/darkfireeee/Exo-OS-sub002/internal/tmpfs"
	"github.com/darkfireeee/Exo-OS-sub002/internal/vfs"
	"github.com/darkfireeee/Exo-OS-sub002/internal/vm"
)

func main() {
	cfgPath := flag.String("config", "", "path to exokernel.toml (optional; defaults are used if empty)")
	dev := flag.Bool("dev", false, "use a human-readable console logger instead of JSON")
	flag.Parse()

	if err := run(*cfgPath, *dev); err != nil {
		panic(err)
	}
}

func run(cfgPath string, dev bool) error {
	log := klog.New(dev)
	defer log.Sync()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return errors.Wrap(err, "loading boot configuration")
	}

	features := clock.Probe(klog.Component(log, "clock"))
	clk := clock.New(features)
	timers := clock.NewTimerWheel(clk)

	auditLog := audit.New(cfg.Audit.RingCapacity, nil)

	frames, err := memory.New(klog.Component(log, "memory"), cfg.Memory.TotalFrames, 0)
	if err != nil {
		return errors.Wrap(err, "initializing frame allocator")
	}
	defer frames.Close()

	heapAlloc := heap.New(klog.Component(log, "heap"), frames, runtime.NumCPU())

	vmMgr := vm.New(klog.Component(log, "vm"), frames)

	s := sched.New(klog.Component(log, "sched"), sched.Quanta{
		System:      time.Duration(cfg.Scheduler.SystemQuantumUs) * time.Microsecond,
		Interactive: time.Duration(cfg.Scheduler.InteractiveQuantumUs) * time.Microsecond,
		Batch:       time.Duration(cfg.Scheduler.BatchQuantumUs) * time.Microsecond,
	}, cfg.Scheduler.EMAAlpha, cfg.Scheduler.InteractiveCeilUs, cfg.Scheduler.BatchCeilUs)

	bootRing, err := ipc.NewRing(klog.Component(log, "ipc"), cfg.IPC.DefaultCapacity, cfg.IPC.SpinBudget, frames)
	if err != nil {
		return errors.Wrap(err, "initializing boot IPC ring")
	}

	rootFS := tmpfs.New()
	resolver, err := vfs.NewResolver(klog.Component(log, "vfs"), rootFS, cfg.VFS.InodeCacheSize, cfg.VFS.DentryCacheSize, cfg.VFS.MaxSymlinks)
	if err != nil {
		return errors.Wrap(err, "initializing VFS resolver")
	}

	objects := capability.NewObjectTable()
	checker := capability.NewChecker(klog.Component(log, "capability"), objects, auditLog)

	kernel := posix.NewKernel(klog.Component(log, "posix"), cfg.Optimizer, s, objects, checker, resolver, heapAlloc, vmMgr)

	initProc, err := kernel.Spawn("init", sched.System)
	if err != nil {
		return errors.Wrap(err, "spawning init process")
	}

	// init's signal/control channel: a descriptor over the boot ring, the
	// same capability-checked path every other channel descriptor goes
	// through.
	if _, errno := kernel.BindChannel(initProc, bootRing, capability.RightSend|capability.RightReceive); errno != 0 {
		return errors.Errorf("binding init's boot ring: errno %d", errno)
	}

	log.Info("exokernel booted",
		zap.String("boot_session", klog.BootSession),
		zap.Int("total_frames", cfg.Memory.TotalFrames),
		zap.Int("init_pid", initProc.PID))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// The timer/dispatch tick and the audit log's periodic flush run as a
	// supervised group: if
	// either background loop returns a non-nil error the other is
	// cancelled via ctx rather than leaking a goroutine.
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return tickLoop(gctx, timers, s) })
	g.Go(func() error { return auditFlushLoop(gctx, auditLog, log) })

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		return errors.Wrap(err, "background worker loop")
	}
	log.Info("exokernel shutting down")
	return nil
}

func tickLoop(ctx context.Context, timers *clock.TimerWheel, s *sched.Scheduler) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			timers.Tick()
			s.Dispatch()
		}
	}
}

func auditFlushLoop(ctx context.Context, auditLog *audit.Log, log *zap.Logger) error {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			for _, e := range auditLog.Recent(8) {
				log.Debug("audit event", zap.Stringer("kind", e.Kind), zap.String("subject", e.Subject))
			}
		}
	}
}
