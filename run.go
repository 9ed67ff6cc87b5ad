package wapps

import (
	"context"
	"errors"
	"fmt"
	"image"
	"os"
	"time"

	"github.com/nathsou/wapps/executor"
	"github.com/nathsou/wapps/framebuffer"
	"github.com/nathsou/wapps/wapp"
)

// Open reads and parses a package file.
func Open(path string) (*wapp.Package, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	pkg, err := wapp.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return pkg, nil
}

// Result summarizes a headless run.
type Result struct {
	// Ticks is the number of guest updates that completed.
	Ticks uint64
	// Presented counts ticks that produced a frame.
	Presented int
	// Skipped counts frames dropped for bad descriptors.
	Skipped int
	// LastFrame is the most recent presented frame, nil if the guest
	// never published one. The run's session no longer touches it.
	LastFrame *image.RGBA
	// Duration is the wall time of the run.
	Duration time.Duration
	// Err is the terminal error. It is nil when the run completed its
	// ticks or the guest exited cleanly.
	Err error
}

// RunConfig configures a headless run.
type RunConfig struct {
	// Ticks is the number of updates to drive. Zero means 60.
	Ticks int
	// FPS fixes the per-tick delta time at 1/FPS seconds. Zero means 60.
	FPS int
	// ExecutorOptions configure the executor Run builds internally.
	// RunWith ignores them.
	ExecutorOptions []executor.ExecutorOption
	// SessionOptions configure the session.
	SessionOptions []executor.SessionOption
}

// DefaultRunConfig drives one second of frames at 60 FPS.
func DefaultRunConfig() RunConfig {
	return RunConfig{Ticks: 60, FPS: 60}
}

// Run executes a package headless with a throwaway executor. Hosts
// running more than one package should build an executor once and call
// RunWith so the packages share a compilation cache.
func Run(ctx context.Context, pkg *wapp.Package, cfg RunConfig) Result {
	exec, err := executor.New(cfg.ExecutorOptions...)
	if err != nil {
		return Result{Err: err}
	}
	defer exec.Close()
	return RunWith(ctx, exec, pkg, cfg)
}

// RunWith executes a package headless on an existing executor.
func RunWith(ctx context.Context, exec *executor.Executor, pkg *wapp.Package, cfg RunConfig) Result {
	start := time.Now()

	if cfg.Ticks <= 0 {
		cfg.Ticks = 60
	}
	if cfg.FPS <= 0 {
		cfg.FPS = 60
	}

	var res Result
	session, err := exec.Load(ctx, pkg, cfg.SessionOptions...)
	if err != nil {
		res.Err = err
		res.Duration = time.Since(start)
		return res
	}
	defer session.Close()

	dt := 1.0 / float64(cfg.FPS)
	for i := 0; i < cfg.Ticks; i++ {
		frame, err := session.Step(ctx, dt)
		if err != nil {
			if errors.Is(err, executor.ErrClosed) {
				break
			}
			var oob *framebuffer.OutOfBoundsError
			if errors.As(err, &oob) {
				res.Skipped++
				continue
			}
			res.Err = err
			break
		}
		if frame != nil {
			res.Presented++
			res.LastFrame = frame
		}
	}

	res.Ticks = session.Ticks()
	res.Duration = time.Since(start)
	return res
}
