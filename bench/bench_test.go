// Package bench measures the wapps hot paths.
//
// Run with: go test -bench=. ./bench/
// The session benchmarks compile a real wasm guest; give them a few
// iterations to warm the compilation cache.
package bench

import (
	"bytes"
	"context"
	"testing"

	"github.com/nathsou/wapps/executor"
	"github.com/nathsou/wapps/framebuffer"
	"github.com/nathsou/wapps/input"
	"github.com/nathsou/wapps/internal/testwasm"
	"github.com/nathsou/wapps/replay"
	"github.com/nathsou/wapps/wapp"
)

// benchGuest publishes a 64x64 frame every update. It fits in one
// memory page, pixels at offset 1024.
func benchGuest(b *testing.B) []byte {
	b.Helper()
	return testwasm.Publisher(64, 64, 1024, testwasm.SolidPixels(64*64, 0x20, 0x40, 0x80, 0xFF))
}

func benchPackage(b *testing.B) []byte {
	b.Helper()
	data, err := wapp.Serialize(wapp.Manifest{Name: "bench", Author: "bench"}, benchGuest(b))
	if err != nil {
		b.Fatalf("Serialize: %v", err)
	}
	return data
}

// =============================================================================
// Container
// =============================================================================

func BenchmarkParse(b *testing.B) {
	data := benchPackage(b)
	b.SetBytes(int64(len(data)))
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := wapp.Parse(data); err != nil {
			b.Fatalf("Parse: %v", err)
		}
	}
}

func BenchmarkSerialize(b *testing.B) {
	payload := benchGuest(b)
	m := wapp.Manifest{Name: "bench", Author: "bench"}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := wapp.Serialize(m, payload); err != nil {
			b.Fatalf("Serialize: %v", err)
		}
	}
}

// =============================================================================
// Frame presentation
// =============================================================================

type benchMemory struct {
	data []byte
}

func (m *benchMemory) Read(offset, byteCount uint32) ([]byte, bool) {
	if uint64(offset)+uint64(byteCount) > uint64(len(m.data)) {
		return nil, false
	}
	return m.data[offset : offset+byteCount], true
}

func (m *benchMemory) Size() uint32 { return uint32(len(m.data)) }

func BenchmarkPresent(b *testing.B) {
	const w, h = 256, 256
	mem := &benchMemory{data: make([]byte, w*h*4)}
	bridge := framebuffer.NewBridge()
	d := framebuffer.Descriptor{Pointer: 0, Width: w, Height: h, Generation: 1}

	b.SetBytes(w * h * 4)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		d.Generation++
		if _, err := bridge.Present(mem, d); err != nil {
			b.Fatalf("Present: %v", err)
		}
	}
}

// =============================================================================
// Sessions
// =============================================================================

func BenchmarkSessionLoad_Cold(b *testing.B) {
	pkg, err := wapp.Parse(benchPackage(b))
	if err != nil {
		b.Fatalf("Parse: %v", err)
	}
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		exec, err := executor.New()
		if err != nil {
			b.Fatalf("New: %v", err)
		}
		session, err := exec.Load(ctx, pkg)
		if err != nil {
			b.Fatalf("Load: %v", err)
		}
		session.Close()
		exec.Close()
	}
}

func BenchmarkSessionLoad_Warm(b *testing.B) {
	pkg, err := wapp.Parse(benchPackage(b))
	if err != nil {
		b.Fatalf("Parse: %v", err)
	}
	exec, err := executor.New(executor.WithDiskCache(b.TempDir()))
	if err != nil {
		b.Fatalf("New: %v", err)
	}
	defer exec.Close()
	ctx := context.Background()

	// Prime the compilation cache.
	session, err := exec.Load(ctx, pkg)
	if err != nil {
		b.Fatalf("Load: %v", err)
	}
	session.Close()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		session, err := exec.Load(ctx, pkg)
		if err != nil {
			b.Fatalf("Load: %v", err)
		}
		session.Close()
	}
}

func BenchmarkSessionStep(b *testing.B) {
	pkg, err := wapp.Parse(benchPackage(b))
	if err != nil {
		b.Fatalf("Parse: %v", err)
	}
	exec, err := executor.New()
	if err != nil {
		b.Fatalf("New: %v", err)
	}
	defer exec.Close()

	ctx := context.Background()
	session, err := exec.Load(ctx, pkg)
	if err != nil {
		b.Fatalf("Load: %v", err)
	}
	defer session.Close()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := session.Step(ctx, 1.0/60); err != nil {
			b.Fatalf("Step: %v", err)
		}
	}
}

// =============================================================================
// Replay framing
// =============================================================================

func BenchmarkReplayWriteTick(b *testing.B) {
	var buf bytes.Buffer
	w := replay.NewWriter(&buf)
	rec := replay.TickRecord{
		Dt: 1.0 / 60,
		Events: []replay.EventRecord{
			replay.FromEvent(input.PointerMove{X: 10, Y: 20}),
			replay.FromEvent(input.KeyDown{Code: 44}),
		},
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		buf.Reset()
		if err := w.WriteTick(rec); err != nil {
			b.Fatalf("WriteTick: %v", err)
		}
	}
}
