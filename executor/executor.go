package executor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/tetratelabs/wazero"
	"go.uber.org/zap"
)

// Executor creates sessions from parsed packages.
//
// It owns the compilation cache shared across sessions; each session
// gets its own wazero runtime, so host state and guest instances never
// cross sessions. An Executor is safe for concurrent use.
type Executor struct {
	cache  wazero.CompilationCache
	cfg    executorConfig
	logger *zap.Logger

	mu     sync.Mutex
	closed bool
}

// New creates an Executor.
func New(opts ...ExecutorOption) (*Executor, error) {
	cfg := defaultExecutorConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	var cache wazero.CompilationCache
	if cfg.diskCache {
		cacheDir := cfg.cacheDir
		if cacheDir == "" {
			cacheDir = defaultCacheDir()
		}
		var err error
		cache, err = wazero.NewCompilationCacheWithDir(cacheDir)
		if err != nil {
			return nil, fmt.Errorf("create disk cache: %w", err)
		}
	}

	logger := cfg.logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Executor{cache: cache, cfg: cfg, logger: logger}, nil
}

// runtimeConfig builds the configuration for one session's runtime.
func (e *Executor) runtimeConfig() wazero.RuntimeConfig {
	rtConfig := wazero.NewRuntimeConfig().WithCloseOnContextDone(true)
	if e.cache != nil {
		rtConfig = rtConfig.WithCompilationCache(e.cache)
	}
	if e.cfg.memoryLimitPages > 0 {
		rtConfig = rtConfig.WithMemoryLimitPages(e.cfg.memoryLimitPages)
	}
	return rtConfig
}

// Close releases the compilation cache. Live sessions hold their own
// runtimes and stay usable until closed individually, but no new
// session can be loaded.
func (e *Executor) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil
	}
	e.closed = true

	if e.cache != nil {
		if err := e.cache.Close(context.Background()); err != nil {
			return err
		}
	}
	return nil
}

func defaultCacheDir() string {
	if dir := os.Getenv("XDG_CACHE_HOME"); dir != "" {
		return filepath.Join(dir, "wapps")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".cache", "wapps")
	}
	return filepath.Join(os.TempDir(), "wapps-cache")
}
