// Package config loads the kernel's boot-time configuration.
package config

import (
	"fmt"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
)

// Memory holds physical/heap tuning knobs.
type Memory struct {
	TotalFrames     int `toml:"total_frames"`
	MaxOrder        int `toml:"max_order"`
	ThreadLocalMax  int `toml:"thread_local_max_bytes"`
	SlabMax         int `toml:"slab_max_bytes"`
}

// Scheduler holds the 3-queue predictive scheduler's tuning knobs (§4.D).
type Scheduler struct {
	SystemQuantumUs      int     `toml:"system_quantum_us"`
	InteractiveQuantumUs int     `toml:"interactive_quantum_us"`
	BatchQuantumUs       int     `toml:"batch_quantum_us"`
	EMAAlpha             float64 `toml:"ema_alpha"`
	InteractiveCeilUs    float64 `toml:"interactive_ceiling_us"`
	BatchCeilUs          float64 `toml:"batch_ceiling_us"`
	FullSwitchOnForeign  bool    `toml:"full_switch_on_foreign_call"`
}

// IPC holds fusion-ring tuning knobs (§4.E).
type IPC struct {
	DefaultCapacity int `toml:"default_capacity"`
	SpinBudget      int `toml:"spin_budget"`
	InlineMaxBytes  int `toml:"inline_max_bytes"`
}

// Optimizer holds the adaptive syscall optimizer's thresholds (§4.H, §9 open question).
type Optimizer struct {
	Enabled          bool `toml:"enabled"`
	DirectMaxBytes   int  `toml:"direct_max_bytes"`
	BatchWindowUs    int  `toml:"batch_window_us"`
	ZeroCopyMinBytes int  `toml:"zerocopy_min_bytes"`
	AsyncQueueDepth  int  `toml:"async_queue_depth"`
}

// VFS holds cache sizing knobs (§4.G).
type VFS struct {
	InodeCacheSize  int `toml:"inode_cache_size"`
	DentryCacheSize int `toml:"dentry_cache_size"`
	MaxSymlinks     int `toml:"max_symlinks"`
}

// Audit holds the audit ring and anomaly-analyzer knobs (§4.I).
type Audit struct {
	RingCapacity        int     `toml:"ring_capacity"`
	BruteForceRatePerSec float64 `toml:"brute_force_rate_per_sec"`
	BruteForceBurst      int     `toml:"brute_force_burst"`
}

// Config is the top-level boot configuration, loaded from exokernel.toml.
type Config struct {
	Memory    Memory    `toml:"memory"`
	Scheduler Scheduler `toml:"scheduler"`
	IPC       IPC       `toml:"ipc"`
	Optimizer Optimizer `toml:"optimizer"`
	VFS       VFS       `toml:"vfs"`
	Audit     Audit     `toml:"audit"`
}

// Default returns the configuration the kernel boots with absent an
// exokernel.toml on disk: the same boot constants (heap size, page
// size, ...) a fixed build would hardcode, but made overridable.
func Default() Config {
	return Config{
		Memory: Memory{
			TotalFrames:    1 << 16, // 256 MiB of 4 KiB frames
			MaxOrder:       10,      // up to 4 MiB contiguous runs
			ThreadLocalMax: 256,
			SlabMax:        4096,
		},
		Scheduler: Scheduler{
			SystemQuantumUs:      500,
			InteractiveQuantumUs: 1000,
			BatchQuantumUs:       10000,
			EMAAlpha:             0.5,
			InteractiveCeilUs:    10,
			BatchCeilUs:          100,
			FullSwitchOnForeign:  true,
		},
		IPC: IPC{
			DefaultCapacity: 256,
			SpinBudget:      100,
			InlineMaxBytes:  56,
		},
		Optimizer: Optimizer{
			Enabled:          true,
			DirectMaxBytes:   4096,
			BatchWindowUs:    200,
			ZeroCopyMinBytes: 57,
			AsyncQueueDepth:  64,
		},
		VFS: VFS{
			InodeCacheSize:  1024,
			DentryCacheSize: 2048,
			MaxSymlinks:     40,
		},
		Audit: Audit{
			RingCapacity:         16 * 1024,
			BruteForceRatePerSec: 5,
			BruteForceBurst:      10,
		},
	}
}

// Load reads a TOML configuration file, overlaying it on Default().
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return Config{}, errors.Wrapf(err, "decoding boot configuration %q", path)
	}
	if cfg.Memory.MaxOrder < 0 || cfg.Memory.MaxOrder > 20 {
		return Config{}, fmt.Errorf("config: memory.max_order %d out of range", cfg.Memory.MaxOrder)
	}
	return cfg, nil
}
