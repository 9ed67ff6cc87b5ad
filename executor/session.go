package executor

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"image"
	mathrand "math/rand"
	"sync"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"github.com/tetratelabs/wazero/sys"
	"go.uber.org/zap"

	"github.com/nathsou/wapps/framebuffer"
	"github.com/nathsou/wapps/hostfunc"
	"github.com/nathsou/wapps/input"
	"github.com/nathsou/wapps/wapp"
)

var (
	// ErrClosed is returned for operations on a stopped or closed
	// session, and by Load after the executor itself is closed.
	ErrClosed = errors.New("session closed")

	// ErrFaulted is returned for operations on a session whose guest
	// trapped. The trap itself is surfaced once, by the call that hit
	// it; see Session.Err.
	ErrFaulted = errors.New("session faulted")

	// ErrNoUpdate is returned by Load when the guest does not export
	// the per-frame entry point.
	ErrNoUpdate = errors.New(`guest does not export "update"`)

	// ErrNoMemory is returned by Load when the guest does not export
	// its linear memory.
	ErrNoMemory = errors.New(`guest does not export "memory"`)
)

// TrapError reports an abnormal abort of a guest call: an unreachable,
// a memory fault, a stack overflow, a cancelled context, or a nonzero
// exit. Traps are terminal; the session faults and releases its
// instance.
type TrapError struct {
	Entry string // the export the guest was executing
	Err   error
}

func (e *TrapError) Error() string {
	return fmt.Sprintf("guest trapped in %s: %v", e.Entry, e.Err)
}

func (e *TrapError) Unwrap() error { return e.Err }

// State is a session's position in its lifecycle.
type State int

const (
	// StateIdle is the zero value; sessions returned by Load are past it.
	StateIdle State = iota
	// StateLoading covers compile and instantiate.
	StateLoading
	// StateRunning accepts ticks and input.
	StateRunning
	// StateFaulted is terminal: the guest trapped.
	StateFaulted
	// StateStopped is terminal: the session was closed or the guest
	// exited cleanly.
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateLoading:
		return "loading"
	case StateRunning:
		return "running"
	case StateFaulted:
		return "faulted"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Session is one loaded package and its frame scheduler.
//
// All guest calls happen synchronously inside Tick or Step, and at most
// one tick runs at a time. Enqueue, Resize, State and Close are safe to
// call from other goroutines.
type Session struct {
	cfg    sessionConfig
	logger *zap.Logger
	pkg    *wapp.Package
	title  string

	runtime wazero.Runtime
	module  api.Module
	memory  api.Memory
	update  api.Function
	on      handlerSet

	board  *framebuffer.Board
	bridge *framebuffer.Bridge
	queue  input.Queue

	execMu sync.Mutex // serializes guest execution

	mu            sync.Mutex // guards the fields below
	state         State
	trap          error
	lastTick      time.Time
	ticks         uint64
	resizeW       int32
	resizeH       int32
	resizePending bool
}

// handlerSet is the guest's optional entry points, resolved once at
// instantiate time. Nil means the guest ignores that event.
type handlerSet struct {
	resize      api.Function
	pointerMove api.Function
	pointerDown api.Function
	pointerUp   api.Function
	keyDown     api.Function
	keyUp       api.Function
}

// Load compiles a package's module and instantiates it as a running
// session. The guest must export update(f64) and its memory; optional
// event handlers are resolved here, once, and _initialize runs if the
// guest exports it. On success the session is Running and ready to
// tick.
func (e *Executor) Load(ctx context.Context, pkg *wapp.Package, opts ...SessionOption) (*Session, error) {
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}

	cfg := defaultSessionConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	s := &Session{
		cfg:    cfg,
		logger: e.logger,
		pkg:    pkg,
		title:  pkg.Title(cfg.fallbackTitle),
		board:  framebuffer.NewBoard(),
		bridge: framebuffer.NewBridge(),
		state:  StateLoading,
	}

	start := time.Now()
	if err := s.instantiate(ctx, e.runtimeConfig()); err != nil {
		s.release()
		return nil, err
	}

	s.mu.Lock()
	s.state = StateRunning
	s.mu.Unlock()

	e.logger.Info("package loaded",
		zap.String("title", s.title),
		zap.Int("payload_bytes", len(pkg.Payload)),
		zap.Duration("duration", time.Since(start)),
	)
	return s, nil
}

func (s *Session) instantiate(ctx context.Context, rtConfig wazero.RuntimeConfig) error {
	s.runtime = wazero.NewRuntimeWithConfig(ctx, rtConfig)

	if _, err := wasi_snapshot_preview1.Instantiate(ctx, s.runtime); err != nil {
		return fmt.Errorf("instantiate WASI: %w", err)
	}
	if err := hostfunc.Instantiate(ctx, s.runtime, s.board); err != nil {
		return err
	}

	compiled, err := s.runtime.CompileModule(ctx, s.pkg.Payload)
	if err != nil {
		return fmt.Errorf("compile guest: %w", err)
	}

	// Guests are reactors: _start never runs, _initialize runs below if
	// present. The capability surface is granted here and nowhere else.
	// Clock, randomness and console output only; no filesystem, no
	// environment, no arguments. wazero's defaults are a fake clock and
	// a fixed random source, which is exactly deterministic mode.
	modConfig := wazero.NewModuleConfig().WithStartFunctions()
	if s.cfg.deterministic {
		modConfig = modConfig.WithRandSource(mathrand.New(mathrand.NewSource(s.cfg.seed)))
	} else {
		modConfig = modConfig.
			WithSysWalltime().
			WithSysNanotime().
			WithRandSource(rand.Reader)
	}
	if s.cfg.stdout != nil {
		modConfig = modConfig.WithStdout(s.cfg.stdout)
	}
	if s.cfg.stderr != nil {
		modConfig = modConfig.WithStderr(s.cfg.stderr)
	}

	mod, err := s.runtime.InstantiateModule(ctx, compiled, modConfig)
	if err != nil {
		return fmt.Errorf("instantiate guest: %w", err)
	}
	s.module = mod

	s.update = mod.ExportedFunction("update")
	if s.update == nil {
		return ErrNoUpdate
	}
	s.memory = mod.ExportedMemory("memory")
	if s.memory == nil {
		return ErrNoMemory
	}

	s.on = handlerSet{
		resize:      mod.ExportedFunction("on_resize"),
		pointerMove: mod.ExportedFunction("on_pointer_move"),
		pointerDown: mod.ExportedFunction("on_pointer_down"),
		pointerUp:   mod.ExportedFunction("on_pointer_up"),
		keyDown:     mod.ExportedFunction("on_key_down"),
		keyUp:       mod.ExportedFunction("on_key_up"),
	}

	if initialize := mod.ExportedFunction("_initialize"); initialize != nil {
		if _, err := initialize.Call(ctx); err != nil {
			return fmt.Errorf("guest _initialize: %w", err)
		}
	}
	return nil
}

// Tick advances the session one frame, deriving the delta time from
// the session clock. The first tick has a delta time of zero.
func (s *Session) Tick(ctx context.Context) (*image.RGBA, error) {
	now := s.cfg.clock()

	s.mu.Lock()
	var dt float64
	if !s.lastTick.IsZero() {
		dt = now.Sub(s.lastTick).Seconds()
	}
	s.lastTick = now
	s.mu.Unlock()

	return s.Step(ctx, dt)
}

// Step advances the session one frame with an explicit delta time in
// seconds: pending resize first, then queued input in arrival order,
// then update(dt), then the frame present.
//
// The returned image is owned by the session and rewritten by the next
// step; callers keeping a frame must copy it. A nil image with a nil
// error means the guest has not published a frame yet. A
// *framebuffer.OutOfBoundsError means this frame was skipped; the
// session keeps running.
func (s *Session) Step(ctx context.Context, dt float64) (*image.RGBA, error) {
	s.execMu.Lock()
	defer s.execMu.Unlock()

	if err := s.runnable(); err != nil {
		return nil, err
	}

	switch {
	case dt < 0:
		dt = 0
	case dt > s.cfg.maxDelta:
		dt = s.cfg.maxDelta
	}

	if w, h, ok := s.takeResize(); ok {
		if err := s.call(ctx, s.on.resize, "on_resize", api.EncodeI32(w), api.EncodeI32(h)); err != nil {
			return nil, err
		}
	}

	for _, ev := range s.queue.Drain() {
		if err := s.deliver(ctx, ev); err != nil {
			return nil, err
		}
	}

	if err := s.call(ctx, s.update, "update", api.EncodeF64(dt)); err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.ticks++
	s.mu.Unlock()

	frame, err := s.bridge.Present(s.memory, s.board.Snapshot())
	if err != nil {
		s.logger.Warn("frame skipped", zap.String("title", s.title), zap.Error(err))
		return nil, err
	}
	return frame, nil
}

func (s *Session) runnable() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case StateRunning:
		return nil
	case StateFaulted:
		return ErrFaulted
	default:
		return ErrClosed
	}
}

// call invokes one guest export, treating errors as terminal. Nil
// functions (events the guest ignores) are skipped.
func (s *Session) call(ctx context.Context, fn api.Function, entry string, params ...uint64) error {
	if fn == nil {
		return nil
	}

	_, err := fn.Call(ctx, params...)
	// Any guest call may grow and relocate its memory.
	s.board.Bump()
	if err == nil {
		return nil
	}

	var exitErr *sys.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() == 0 {
		s.logger.Info("guest exited", zap.String("title", s.title), zap.String("entry", entry))
		s.terminate(StateStopped, nil)
		return ErrClosed
	}

	trap := &TrapError{Entry: entry, Err: err}
	s.logger.Error("guest trapped",
		zap.String("title", s.title),
		zap.String("entry", entry),
		zap.Error(err),
	)
	s.terminate(StateFaulted, trap)
	return trap
}

// deliver forwards one queued event. Guests may export any subset of
// the handlers; events without a handler are dropped.
func (s *Session) deliver(ctx context.Context, ev input.Event) error {
	switch ev := ev.(type) {
	case input.PointerMove:
		return s.call(ctx, s.on.pointerMove, "on_pointer_move",
			api.EncodeI32(ev.X), api.EncodeI32(ev.Y))
	case input.PointerDown:
		return s.call(ctx, s.on.pointerDown, "on_pointer_down",
			api.EncodeI32(ev.X), api.EncodeI32(ev.Y), api.EncodeI32(ev.Button))
	case input.PointerUp:
		return s.call(ctx, s.on.pointerUp, "on_pointer_up",
			api.EncodeI32(ev.X), api.EncodeI32(ev.Y), api.EncodeI32(ev.Button))
	case input.KeyDown:
		return s.call(ctx, s.on.keyDown, "on_key_down", api.EncodeI32(ev.Code))
	case input.KeyUp:
		return s.call(ctx, s.on.keyUp, "on_key_up", api.EncodeI32(ev.Code))
	default:
		return nil
	}
}

// terminate moves to a terminal state and releases the instance.
// Called only from the tick path, with execMu held.
func (s *Session) terminate(st State, trap error) {
	s.mu.Lock()
	if s.state == StateFaulted || s.state == StateStopped {
		s.mu.Unlock()
		return
	}
	s.state = st
	s.trap = trap
	s.mu.Unlock()

	s.release()
}

// release closes the guest instance and its runtime. Safe on a
// partially constructed session.
func (s *Session) release() {
	ctx := context.Background()
	if s.module != nil {
		s.module.Close(ctx)
	}
	if s.runtime != nil {
		s.runtime.Close(ctx)
	}
}

// Close stops the session and releases the guest instance. It waits
// for an in-flight tick to finish, is idempotent, and never touches
// other sessions.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.state == StateStopped || s.state == StateFaulted {
		s.mu.Unlock()
		return nil
	}
	s.state = StateStopped
	s.mu.Unlock()

	s.execMu.Lock()
	defer s.execMu.Unlock()
	s.release()

	s.logger.Info("session closed", zap.String("title", s.title))
	return nil
}

// Enqueue queues an input event for the next tick. Arrival order is
// preserved.
func (s *Session) Enqueue(ev input.Event) {
	s.queue.Push(ev)
}

// Resize records a presentation surface resize, delivered to on_resize
// at the start of the next tick. Only the most recent size is
// delivered.
func (s *Session) Resize(width, height int32) {
	s.mu.Lock()
	s.resizeW, s.resizeH, s.resizePending = width, height, true
	s.mu.Unlock()
}

func (s *Session) takeResize() (int32, int32, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.resizePending {
		return 0, 0, false
	}
	s.resizePending = false
	return s.resizeW, s.resizeH, true
}

// Title returns the display title: the manifest name, or the fallback.
func (s *Session) Title() string {
	return s.title
}

// Manifest returns the loaded package's manifest.
func (s *Session) Manifest() wapp.Manifest {
	return s.pkg.Manifest
}

// State returns the lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns the trap that faulted the session, or nil.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.trap
}

// Ticks returns the number of completed frame cycles.
func (s *Session) Ticks() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ticks
}

// Frame returns the most recently published frame descriptor.
func (s *Session) Frame() framebuffer.Descriptor {
	return s.board.Snapshot()
}
