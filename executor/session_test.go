package executor_test

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"image"
	"testing"
	"time"

	"github.com/nathsou/wapps/executor"
	"github.com/nathsou/wapps/framebuffer"
	"github.com/nathsou/wapps/input"
	"github.com/nathsou/wapps/internal/testwasm"
	"github.com/nathsou/wapps/wapp"
)

// pix32 reads the i-th pixel of a frame as a little-endian u32, the
// layout guests use when storing i32 values into their pixel buffer.
func pix32(t *testing.T, img *image.RGBA, i int) uint32 {
	t.Helper()
	if img == nil {
		t.Fatal("no frame")
	}
	if len(img.Pix) < (i+1)*4 {
		t.Fatalf("frame has %d bytes, no pixel %d", len(img.Pix), i)
	}
	return binary.LittleEndian.Uint32(img.Pix[i*4:])
}

// dtProbe builds a guest whose update stores trunc(dt * 1000) into its
// first pixel and publishes a 1x1 frame.
func dtProbe() []byte {
	b := testwasm.New()
	publish := b.Import(testwasm.HostModule, testwasm.PublishFrame, testwasm.PublishType)
	b.Memory(1, "memory")
	b.Func(testwasm.UpdateType, "update",
		testwasm.I32Const(16),
		testwasm.LocalGet(0),
		testwasm.F64Const(1000),
		testwasm.F64Mul(),
		testwasm.I32TruncF64S(),
		testwasm.I32Store(0),
		testwasm.I32Const(1), testwasm.I32Const(1), testwasm.I32Const(16),
		testwasm.Call(publish),
	)
	return b.Build()
}

// keyRecorder builds a guest that appends each on_key_down code into a
// 4x1 frame, so dispatch order is visible in the published pixels.
func keyRecorder() []byte {
	b := testwasm.New()
	publish := b.Import(testwasm.HostModule, testwasm.PublishFrame, testwasm.PublishType)
	b.Memory(1, "memory")
	b.Func(testwasm.UpdateType, "update",
		testwasm.I32Const(4), testwasm.I32Const(1), testwasm.I32Const(16),
		testwasm.Call(publish),
	)
	// mem[16 + count*4] = code; count lives at mem[12]
	b.Func(testwasm.FuncType{Params: []byte{testwasm.I32}}, "on_key_down",
		testwasm.I32Const(12), testwasm.I32Load(0),
		testwasm.I32Const(4), testwasm.I32Mul(),
		testwasm.I32Const(16), testwasm.I32Add(),
		testwasm.LocalGet(0),
		testwasm.I32Store(0),
		testwasm.I32Const(12),
		testwasm.I32Const(12), testwasm.I32Load(0),
		testwasm.I32Const(1), testwasm.I32Add(),
		testwasm.I32Store(0),
	)
	return b.Build()
}

// ============================================================================
// Frame cycle
// ============================================================================

func TestSessionPublishesFrame(t *testing.T) {
	exec := newTestExecutor(t)
	guest := testwasm.Publisher(2, 2, 16, testwasm.SolidPixels(4, 255, 0, 0, 255))

	pkg := packFor(t, "Demo", guest)
	session, err := exec.Load(context.Background(), pkg)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	defer session.Close()

	if session.Title() != "Demo" {
		t.Errorf("Title() = %q, want %q", session.Title(), "Demo")
	}
	if session.State() != executor.StateRunning {
		t.Errorf("State() = %v, want running", session.State())
	}

	frame, err := session.Step(context.Background(), 0.016)
	if err != nil {
		t.Fatalf("Step: %v", err)
	}
	if frame == nil {
		t.Fatal("Step returned no frame")
	}
	if frame.Rect.Dx() != 2 || frame.Rect.Dy() != 2 {
		t.Fatalf("frame is %dx%d, want 2x2", frame.Rect.Dx(), frame.Rect.Dy())
	}

	want := testwasm.SolidPixels(4, 255, 0, 0, 255)
	if !bytes.Equal(frame.Pix, want) {
		t.Errorf("frame pixels = %v, want solid red", frame.Pix)
	}
	if session.Ticks() != 1 {
		t.Errorf("Ticks() = %d, want 1", session.Ticks())
	}
}

func TestSessionNoFrameYet(t *testing.T) {
	exec := newTestExecutor(t)

	b := testwasm.New()
	b.Memory(1, "memory")
	b.Func(testwasm.UpdateType, "update")
	session := loadGuest(t, exec, b.Build())

	frame, err := session.Step(context.Background(), 0.016)
	if err != nil {
		t.Fatalf("Step: %v", err)
	}
	if frame != nil {
		t.Errorf("Step returned a frame %v from a guest that never published", frame.Rect)
	}
}

func TestStepForwardsDeltaTime(t *testing.T) {
	exec := newTestExecutor(t)
	session := loadGuest(t, exec, dtProbe())

	frame, err := session.Step(context.Background(), 0.5)
	if err != nil {
		t.Fatalf("Step: %v", err)
	}
	if got := pix32(t, frame, 0); got != 250 {
		// 0.5 is over the default 0.25 clamp
		t.Errorf("guest saw dt*1000 = %d, want 250", got)
	}

	frame, err = session.Step(context.Background(), 0.125)
	if err != nil {
		t.Fatalf("Step: %v", err)
	}
	if got := pix32(t, frame, 0); got != 125 {
		t.Errorf("guest saw dt*1000 = %d, want 125", got)
	}
}

func TestStepClampsNegativeDelta(t *testing.T) {
	exec := newTestExecutor(t)
	session := loadGuest(t, exec, dtProbe())

	frame, err := session.Step(context.Background(), -3)
	if err != nil {
		t.Fatalf("Step: %v", err)
	}
	if got := pix32(t, frame, 0); got != 0 {
		t.Errorf("guest saw dt*1000 = %d, want 0", got)
	}
}

func TestStepMaxDeltaOption(t *testing.T) {
	exec := newTestExecutor(t)
	session := loadGuest(t, exec, dtProbe(), executor.WithMaxDelta(1))

	frame, err := session.Step(context.Background(), 0.5)
	if err != nil {
		t.Fatalf("Step: %v", err)
	}
	if got := pix32(t, frame, 0); got != 500 {
		t.Errorf("guest saw dt*1000 = %d, want 500 with a 1s clamp", got)
	}
}

func TestTickDerivesDeltaFromClock(t *testing.T) {
	exec := newTestExecutor(t)

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	times := []time.Time{base, base.Add(125 * time.Millisecond)}
	idx := 0
	clock := func() time.Time {
		now := times[idx]
		if idx < len(times)-1 {
			idx++
		}
		return now
	}

	session := loadGuest(t, exec, dtProbe(), executor.WithClock(clock))

	frame, err := session.Tick(context.Background())
	if err != nil {
		t.Fatalf("first Tick: %v", err)
	}
	if got := pix32(t, frame, 0); got != 0 {
		t.Errorf("first tick dt*1000 = %d, want 0", got)
	}

	frame, err = session.Tick(context.Background())
	if err != nil {
		t.Fatalf("second Tick: %v", err)
	}
	if got := pix32(t, frame, 0); got != 125 {
		t.Errorf("second tick dt*1000 = %d, want 125", got)
	}
}

// ============================================================================
// Input dispatch
// ============================================================================

func TestInputDispatchOrder(t *testing.T) {
	exec := newTestExecutor(t)
	session := loadGuest(t, exec, keyRecorder())

	session.Enqueue(input.KeyDown{Code: 44})
	session.Enqueue(input.KeyDown{Code: 21})
	session.Enqueue(input.KeyDown{Code: 6})

	frame, err := session.Step(context.Background(), 0.016)
	if err != nil {
		t.Fatalf("Step: %v", err)
	}

	for i, want := range []uint32{44, 21, 6, 0} {
		if got := pix32(t, frame, i); got != want {
			t.Errorf("slot %d = %d, want %d", i, got, want)
		}
	}
}

func TestMissingHandlerDropsEvent(t *testing.T) {
	exec := newTestExecutor(t)
	session := loadGuest(t, exec, keyRecorder())

	// keyRecorder has no on_key_up and no pointer handlers.
	session.Enqueue(input.KeyUp{Code: 44})
	session.Enqueue(input.PointerDown{X: 1, Y: 2, Button: input.ButtonPrimary})
	session.Enqueue(input.KeyDown{Code: 21})

	frame, err := session.Step(context.Background(), 0.016)
	if err != nil {
		t.Fatalf("Step: %v", err)
	}
	if got := pix32(t, frame, 0); got != 21 {
		t.Errorf("slot 0 = %d, want 21 (dropped events must not shift order)", got)
	}
	if session.State() != executor.StateRunning {
		t.Errorf("State() = %v, want running", session.State())
	}
}

func TestEventsDrainOncePerTick(t *testing.T) {
	exec := newTestExecutor(t)
	session := loadGuest(t, exec, keyRecorder())

	session.Enqueue(input.KeyDown{Code: 44})
	if _, err := session.Step(context.Background(), 0.016); err != nil {
		t.Fatalf("Step: %v", err)
	}

	frame, err := session.Step(context.Background(), 0.016)
	if err != nil {
		t.Fatalf("Step: %v", err)
	}
	if got := pix32(t, frame, 1); got != 0 {
		t.Errorf("slot 1 = %d, want 0 (event delivered twice)", got)
	}
}

func TestPointerDispatch(t *testing.T) {
	exec := newTestExecutor(t)

	b := testwasm.New()
	publish := b.Import(testwasm.HostModule, testwasm.PublishFrame, testwasm.PublishType)
	b.Memory(1, "memory")
	b.Func(testwasm.UpdateType, "update",
		testwasm.I32Const(3), testwasm.I32Const(1), testwasm.I32Const(16),
		testwasm.Call(publish),
	)
	b.Func(testwasm.FuncType{Params: []byte{testwasm.I32, testwasm.I32, testwasm.I32}}, "on_pointer_down",
		testwasm.I32Const(16), testwasm.LocalGet(0), testwasm.I32Store(0),
		testwasm.I32Const(20), testwasm.LocalGet(1), testwasm.I32Store(0),
		testwasm.I32Const(24), testwasm.LocalGet(2), testwasm.I32Store(0),
	)
	session := loadGuest(t, exec, b.Build())

	session.Enqueue(input.PointerDown{X: 100, Y: 50, Button: input.ButtonSecondary})
	frame, err := session.Step(context.Background(), 0.016)
	if err != nil {
		t.Fatalf("Step: %v", err)
	}

	if x := pix32(t, frame, 0); x != 100 {
		t.Errorf("x = %d, want 100", x)
	}
	if y := pix32(t, frame, 1); y != 50 {
		t.Errorf("y = %d, want 50", y)
	}
	if btn := pix32(t, frame, 2); btn != 3 {
		t.Errorf("button = %d, want 3", btn)
	}
}

// ============================================================================
// Resize
// ============================================================================

func TestResizeCoalescesToLatest(t *testing.T) {
	exec := newTestExecutor(t)

	b := testwasm.New()
	publish := b.Import(testwasm.HostModule, testwasm.PublishFrame, testwasm.PublishType)
	b.Memory(1, "memory")
	b.Func(testwasm.UpdateType, "update",
		testwasm.I32Const(3), testwasm.I32Const(1), testwasm.I32Const(16),
		testwasm.Call(publish),
	)
	// mem[16]=w, mem[20]=h, mem[24]++ per call
	b.Func(testwasm.FuncType{Params: []byte{testwasm.I32, testwasm.I32}}, "on_resize",
		testwasm.I32Const(16), testwasm.LocalGet(0), testwasm.I32Store(0),
		testwasm.I32Const(20), testwasm.LocalGet(1), testwasm.I32Store(0),
		testwasm.I32Const(24),
		testwasm.I32Const(24), testwasm.I32Load(0),
		testwasm.I32Const(1), testwasm.I32Add(),
		testwasm.I32Store(0),
	)
	session := loadGuest(t, exec, b.Build())

	session.Resize(640, 400)
	session.Resize(320, 200)

	frame, err := session.Step(context.Background(), 0.016)
	if err != nil {
		t.Fatalf("Step: %v", err)
	}
	if w := pix32(t, frame, 0); w != 320 {
		t.Errorf("width = %d, want 320", w)
	}
	if h := pix32(t, frame, 1); h != 200 {
		t.Errorf("height = %d, want 200", h)
	}
	if calls := pix32(t, frame, 2); calls != 1 {
		t.Errorf("on_resize ran %d times, want 1", calls)
	}

	frame, err = session.Step(context.Background(), 0.016)
	if err != nil {
		t.Fatalf("second Step: %v", err)
	}
	if calls := pix32(t, frame, 2); calls != 1 {
		t.Errorf("on_resize ran %d times after a tick with no resize, want 1", calls)
	}
}

func TestResizeWithoutHandler(t *testing.T) {
	exec := newTestExecutor(t)
	session := loadGuest(t, exec, testwasm.Publisher(2, 2, 16, testwasm.SolidPixels(4, 255, 0, 0, 255)))

	session.Resize(640, 400)
	if _, err := session.Step(context.Background(), 0.016); err != nil {
		t.Errorf("Step with undeliverable resize: %v", err)
	}
}

// ============================================================================
// Initialization
// ============================================================================

func TestInitializeRunsBeforeFirstTick(t *testing.T) {
	exec := newTestExecutor(t)

	b := testwasm.New()
	publish := b.Import(testwasm.HostModule, testwasm.PublishFrame, testwasm.PublishType)
	b.Memory(1, "memory")
	b.Func(testwasm.FuncType{}, "_initialize",
		testwasm.I32Const(16), testwasm.I32Const(7), testwasm.I32Store(0),
	)
	b.Func(testwasm.UpdateType, "update",
		testwasm.I32Const(1), testwasm.I32Const(1), testwasm.I32Const(16),
		testwasm.Call(publish),
	)
	session := loadGuest(t, exec, b.Build())

	frame, err := session.Step(context.Background(), 0.016)
	if err != nil {
		t.Fatalf("Step: %v", err)
	}
	if got := pix32(t, frame, 0); got != 7 {
		t.Errorf("pixel = %d, want the value _initialize stored", got)
	}
}

func TestInitializeTrapFailsLoad(t *testing.T) {
	exec := newTestExecutor(t)

	b := testwasm.New()
	b.Memory(1, "memory")
	b.Func(testwasm.FuncType{}, "_initialize", testwasm.Unreachable())
	b.Func(testwasm.UpdateType, "update")

	if _, err := exec.Load(context.Background(), packFor(t, "", b.Build())); err == nil {
		t.Error("Load succeeded despite _initialize trapping")
	}
}

// ============================================================================
// Memory growth
// ============================================================================

func TestPresentAfterMemoryGrowth(t *testing.T) {
	exec := newTestExecutor(t)

	redBits := uint32(0xFF0000FF) // bytes 255,0,0,255 little-endian
	red := int32(redBits)

	b := testwasm.New()
	publish := b.Import(testwasm.HostModule, testwasm.PublishFrame, testwasm.PublishType)
	b.Memory(1, "memory")
	b.Func(testwasm.UpdateType, "update",
		testwasm.I32Const(1), testwasm.MemoryGrow(), testwasm.Drop(),
		testwasm.I32Const(65536), testwasm.I32Const(red), testwasm.I32Store(0),
		testwasm.I32Const(65540), testwasm.I32Const(red), testwasm.I32Store(0),
		testwasm.I32Const(65544), testwasm.I32Const(red), testwasm.I32Store(0),
		testwasm.I32Const(65548), testwasm.I32Const(red), testwasm.I32Store(0),
		testwasm.I32Const(2), testwasm.I32Const(2), testwasm.I32Const(65536),
		testwasm.Call(publish),
	)
	session := loadGuest(t, exec, b.Build())

	// The frame lives in memory that did not exist before this tick.
	for i := 0; i < 2; i++ {
		frame, err := session.Step(context.Background(), 0.016)
		if err != nil {
			t.Fatalf("Step %d: %v", i, err)
		}
		if !bytes.Equal(frame.Pix, testwasm.SolidPixels(4, 255, 0, 0, 255)) {
			t.Errorf("Step %d pixels = %v, want solid red from the grown region", i, frame.Pix)
		}
	}
}

func TestPresentOutOfBoundsSkipsFrame(t *testing.T) {
	exec := newTestExecutor(t)

	// 256x256 needs 256 KiB; the guest only has one 64 KiB page.
	b := testwasm.New()
	publish := b.Import(testwasm.HostModule, testwasm.PublishFrame, testwasm.PublishType)
	b.Memory(1, "memory")
	b.Func(testwasm.UpdateType, "update",
		testwasm.I32Const(256), testwasm.I32Const(256), testwasm.I32Const(16),
		testwasm.Call(publish),
	)
	session := loadGuest(t, exec, b.Build())

	for i := 0; i < 3; i++ {
		frame, err := session.Step(context.Background(), 0.016)
		var oob *framebuffer.OutOfBoundsError
		if !errors.As(err, &oob) {
			t.Fatalf("Step %d error = %v, want *OutOfBoundsError", i, err)
		}
		if frame != nil {
			t.Errorf("Step %d returned a frame alongside the error", i)
		}
		if session.State() != executor.StateRunning {
			t.Fatalf("State() = %v after skipped frame, want running", session.State())
		}
	}
	if session.Ticks() != 3 {
		t.Errorf("Ticks() = %d, want 3; skipped frames still tick", session.Ticks())
	}
}

// ============================================================================
// Faults and termination
// ============================================================================

func TestTrapFaultsSession(t *testing.T) {
	exec := newTestExecutor(t)
	session := loadGuest(t, exec, testwasm.Trapper())

	_, err := session.Step(context.Background(), 0.016)
	var trap *executor.TrapError
	if !errors.As(err, &trap) {
		t.Fatalf("Step error = %v, want *TrapError", err)
	}
	if trap.Entry != "update" {
		t.Errorf("TrapError.Entry = %q, want %q", trap.Entry, "update")
	}
	if session.State() != executor.StateFaulted {
		t.Errorf("State() = %v, want faulted", session.State())
	}
	if session.Err() == nil {
		t.Error("Err() = nil after a trap")
	}

	// The trap surfaces once; later ticks report the faulted state.
	for i := 0; i < 2; i++ {
		if _, err := session.Step(context.Background(), 0.016); !errors.Is(err, executor.ErrFaulted) {
			t.Errorf("Step after fault = %v, want ErrFaulted", err)
		}
	}
}

func TestTrapInHandlerFaultsSession(t *testing.T) {
	exec := newTestExecutor(t)

	b := testwasm.New()
	publish := b.Import(testwasm.HostModule, testwasm.PublishFrame, testwasm.PublishType)
	b.Memory(1, "memory")
	b.Func(testwasm.UpdateType, "update",
		testwasm.I32Const(1), testwasm.I32Const(1), testwasm.I32Const(16),
		testwasm.Call(publish),
	)
	b.Func(testwasm.FuncType{Params: []byte{testwasm.I32}}, "on_key_down", testwasm.Unreachable())
	session := loadGuest(t, exec, b.Build())

	if _, err := session.Step(context.Background(), 0.016); err != nil {
		t.Fatalf("Step: %v", err)
	}

	session.Enqueue(input.KeyDown{Code: 44})
	_, err := session.Step(context.Background(), 0.016)
	var trap *executor.TrapError
	if !errors.As(err, &trap) {
		t.Fatalf("Step error = %v, want *TrapError", err)
	}
	if trap.Entry != "on_key_down" {
		t.Errorf("TrapError.Entry = %q, want %q", trap.Entry, "on_key_down")
	}
}

func TestGuestExitStopsSession(t *testing.T) {
	exec := newTestExecutor(t)

	b := testwasm.New()
	procExit := b.Import("wasi_snapshot_preview1", "proc_exit", testwasm.FuncType{Params: []byte{testwasm.I32}})
	b.Memory(1, "memory")
	b.Func(testwasm.UpdateType, "update",
		testwasm.I32Const(0), testwasm.Call(procExit),
	)
	session := loadGuest(t, exec, b.Build())

	if _, err := session.Step(context.Background(), 0.016); !errors.Is(err, executor.ErrClosed) {
		t.Fatalf("Step error = %v, want ErrClosed for a clean exit", err)
	}
	if session.State() != executor.StateStopped {
		t.Errorf("State() = %v, want stopped", session.State())
	}
	if session.Err() != nil {
		t.Errorf("Err() = %v, want nil for a clean exit", session.Err())
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	exec := newTestExecutor(t)
	session := loadGuest(t, exec, testwasm.Publisher(2, 2, 16, testwasm.SolidPixels(4, 255, 0, 0, 255)))

	if err := session.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := session.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
	if session.State() != executor.StateStopped {
		t.Errorf("State() = %v, want stopped", session.State())
	}
	if _, err := session.Step(context.Background(), 0.016); !errors.Is(err, executor.ErrClosed) {
		t.Errorf("Step after Close = %v, want ErrClosed", err)
	}
}

// ============================================================================
// Determinism
// ============================================================================

func TestDeterministicRandomness(t *testing.T) {
	exec := newTestExecutor(t)

	b := testwasm.New()
	randomGet := b.Import("wasi_snapshot_preview1", "random_get",
		testwasm.FuncType{Params: []byte{testwasm.I32, testwasm.I32}, Results: []byte{testwasm.I32}})
	publish := b.Import(testwasm.HostModule, testwasm.PublishFrame, testwasm.PublishType)
	b.Memory(1, "memory")
	b.Func(testwasm.UpdateType, "update",
		testwasm.I32Const(16), testwasm.I32Const(4), testwasm.Call(randomGet), testwasm.Drop(),
		testwasm.I32Const(1), testwasm.I32Const(1), testwasm.I32Const(16),
		testwasm.Call(publish),
	)
	guest := b.Build()

	sample := func(seed int64) uint32 {
		session := loadGuest(t, exec, guest, executor.WithDeterministic(seed))
		frame, err := session.Step(context.Background(), 0.016)
		if err != nil {
			t.Fatalf("Step: %v", err)
		}
		session.Close()
		return pix32(t, frame, 0)
	}

	first, second := sample(42), sample(42)
	if first != second {
		t.Errorf("same seed produced different random bytes: %d vs %d", first, second)
	}
}

// ============================================================================
// Manifest access
// ============================================================================

func TestSessionManifestAndFallbackTitle(t *testing.T) {
	exec := newTestExecutor(t)
	guest := testwasm.Publisher(2, 2, 16, testwasm.SolidPixels(4, 255, 0, 0, 255))

	data, err := wapp.Serialize(wapp.Manifest{Author: "kit"}, guest)
	if err != nil {
		t.Fatalf("Serialize: %v", err)
	}
	pkg, err := wapp.Parse(data)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	session, err := exec.Load(context.Background(), pkg, executor.WithFallbackTitle("demo-file"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	defer session.Close()

	if session.Title() != "demo-file" {
		t.Errorf("Title() = %q, want fallback %q", session.Title(), "demo-file")
	}
	if session.Manifest().Author != "kit" {
		t.Errorf("Manifest().Author = %q, want %q", session.Manifest().Author, "kit")
	}
}
