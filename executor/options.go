package executor

import (
	"io"
	"time"

	"go.uber.org/zap"
)

// ExecutorOption configures the Executor at creation time.
type ExecutorOption func(*executorConfig)

type executorConfig struct {
	diskCache        bool
	cacheDir         string
	memoryLimitPages uint32 // Max memory pages (each page = 64KB), 0 = default (4GB)
	logger           *zap.Logger
}

func defaultExecutorConfig() executorConfig {
	return executorConfig{
		diskCache:        false,
		memoryLimitPages: 0, // 0 means use wazero default (65536 pages = 4GB)
	}
}

// WithDiskCache enables persistent compilation cache for faster startup.
// Optionally provide a custom directory; otherwise uses ~/.cache/wapps or
// XDG_CACHE_HOME/wapps.
//
// Examples:
//
//	executor.New(executor.WithDiskCache())             // default dir
//	executor.New(executor.WithDiskCache("/tmp/cache")) // custom dir
func WithDiskCache(dir ...string) ExecutorOption {
	return func(c *executorConfig) {
		c.diskCache = true
		if len(dir) > 0 && dir[0] != "" {
			c.cacheDir = dir[0]
		}
	}
}

// WithMemoryLimit sets the maximum memory available to guest modules.
// Each page is 64KB. Examples:
//   - WithMemoryLimit(16) = 1MB max
//   - WithMemoryLimit(256) = 16MB max
//   - WithMemoryLimit(1024) = 64MB max
//   - WithMemoryLimit(4096) = 256MB max
//
// Default is 0 (no limit, up to 4GB).
func WithMemoryLimit(pages uint32) ExecutorOption {
	return func(c *executorConfig) {
		c.memoryLimitPages = pages
	}
}

// Memory limit constants for convenience.
const (
	MemoryLimit1MB   uint32 = 16    // 1 MB
	MemoryLimit16MB  uint32 = 256   // 16 MB
	MemoryLimit64MB  uint32 = 1024  // 64 MB
	MemoryLimit256MB uint32 = 4096  // 256 MB
	MemoryLimit1GB   uint32 = 16384 // 1 GB
)

// WithLogger sets the logger shared by the executor and its sessions.
// Default is a no-op logger.
func WithLogger(logger *zap.Logger) ExecutorOption {
	return func(c *executorConfig) {
		c.logger = logger
	}
}

// SessionOption configures a session at load time.
type SessionOption func(*sessionConfig)

type sessionConfig struct {
	fallbackTitle string
	stdout        io.Writer
	stderr        io.Writer
	clock         func() time.Time
	maxDelta      float64
	deterministic bool
	seed          int64
}

func defaultSessionConfig() sessionConfig {
	return sessionConfig{
		fallbackTitle: "wapps",
		clock:         time.Now,
		maxDelta:      0.25,
	}
}

// WithFallbackTitle sets the title used when the manifest has no name.
// Callers typically pass the package's filename stem.
func WithFallbackTitle(title string) SessionOption {
	return func(c *sessionConfig) {
		c.fallbackTitle = title
	}
}

// WithStdout routes the guest's standard output. Default discards it.
func WithStdout(w io.Writer) SessionOption {
	return func(c *sessionConfig) {
		c.stdout = w
	}
}

// WithStderr routes the guest's standard error. Default discards it.
func WithStderr(w io.Writer) SessionOption {
	return func(c *sessionConfig) {
		c.stderr = w
	}
}

// WithClock injects the time source Tick uses to compute delta times.
// Default is time.Now.
func WithClock(now func() time.Time) SessionOption {
	return func(c *sessionConfig) {
		c.clock = now
	}
}

// WithMaxDelta clamps the per-tick delta time, in seconds. A stalled or
// suspended host then resumes with one bounded step instead of a huge
// one. Default is 0.25.
func WithMaxDelta(seconds float64) SessionOption {
	return func(c *sessionConfig) {
		if seconds > 0 {
			c.maxDelta = seconds
		}
	}
}

// WithDeterministic gives the guest a fixed clock and a seeded random
// source instead of the real ones, so recorded runs replay bit-for-bit.
func WithDeterministic(seed int64) SessionOption {
	return func(c *sessionConfig) {
		c.deterministic = true
		c.seed = seed
	}
}
