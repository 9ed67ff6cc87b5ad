// Package testwasm assembles small WebAssembly binaries for tests, so
// the repository carries no compiled fixtures and no guest toolchain.
//
// The builder covers just enough of the binary format for guest
// fixtures: function imports, flat function bodies without locals, one
// linear memory, and active data segments.
package testwasm

import (
	"encoding/binary"
	"math"
)

// Value type bytes.
const (
	I32 byte = 0x7F
	F64 byte = 0x7C
)

// FuncType describes a function signature by raw value type bytes.
type FuncType struct {
	Params  []byte
	Results []byte
}

type importedFunc struct {
	module  string
	name    string
	typeIdx uint32
}

type localFunc struct {
	typeIdx uint32
	body    []byte
	export  string
}

type dataSegment struct {
	offset uint32
	bytes  []byte
}

// Builder accumulates module contents and emits the binary with Build.
type Builder struct {
	types     []FuncType
	imports   []importedFunc
	funcs     []localFunc
	hasMemory bool
	memMin    uint32
	memExport string
	data      []dataSegment
}

func New() *Builder {
	return &Builder{}
}

// Import declares a host function import and returns its index in the
// function index space. Imports occupy the low indices, so they must
// all be declared before Func.
func (b *Builder) Import(module, name string, t FuncType) uint32 {
	if len(b.funcs) > 0 {
		panic("testwasm: imports must be declared before functions")
	}
	b.types = append(b.types, t)
	b.imports = append(b.imports, importedFunc{module: module, name: name, typeIdx: uint32(len(b.types) - 1)})
	return uint32(len(b.imports) - 1)
}

// Func declares a function from raw instruction fragments (the
// trailing end opcode is appended automatically) and returns its index
// in the function index space. A non-empty export name exports it.
func (b *Builder) Func(t FuncType, export string, instrs ...[]byte) uint32 {
	b.types = append(b.types, t)
	var body []byte
	for _, ins := range instrs {
		body = append(body, ins...)
	}
	b.funcs = append(b.funcs, localFunc{typeIdx: uint32(len(b.types) - 1), body: body, export: export})
	return uint32(len(b.imports) + len(b.funcs) - 1)
}

// Memory declares a linear memory of minPages 64 KiB pages with no
// maximum. A non-empty export name exports it.
func (b *Builder) Memory(minPages uint32, export string) *Builder {
	b.hasMemory = true
	b.memMin = minPages
	b.memExport = export
	return b
}

// Data initializes memory with raw bytes at offset when the module is
// instantiated.
func (b *Builder) Data(offset uint32, data []byte) *Builder {
	b.data = append(b.data, dataSegment{offset: offset, bytes: data})
	return b
}

// Build emits the module binary.
func (b *Builder) Build() []byte {
	out := []byte{0x00, 0x61, 0x73, 0x6D, 0x01, 0x00, 0x00, 0x00}

	var types []byte
	types = append(types, uleb(uint32(len(b.types)))...)
	for _, t := range b.types {
		types = append(types, 0x60)
		types = append(types, uleb(uint32(len(t.Params)))...)
		types = append(types, t.Params...)
		types = append(types, uleb(uint32(len(t.Results)))...)
		types = append(types, t.Results...)
	}
	out = append(out, section(0x01, types)...)

	if len(b.imports) > 0 {
		var imports []byte
		imports = append(imports, uleb(uint32(len(b.imports)))...)
		for _, imp := range b.imports {
			imports = append(imports, name(imp.module)...)
			imports = append(imports, name(imp.name)...)
			imports = append(imports, 0x00)
			imports = append(imports, uleb(imp.typeIdx)...)
		}
		out = append(out, section(0x02, imports)...)
	}

	if len(b.funcs) > 0 {
		var funcs []byte
		funcs = append(funcs, uleb(uint32(len(b.funcs)))...)
		for _, fn := range b.funcs {
			funcs = append(funcs, uleb(fn.typeIdx)...)
		}
		out = append(out, section(0x03, funcs)...)
	}

	if b.hasMemory {
		var mem []byte
		mem = append(mem, uleb(1)...)
		mem = append(mem, 0x00)
		mem = append(mem, uleb(b.memMin)...)
		out = append(out, section(0x05, mem)...)
	}

	var exports []byte
	var exportCount uint32
	for i, fn := range b.funcs {
		if fn.export == "" {
			continue
		}
		exportCount++
		exports = append(exports, name(fn.export)...)
		exports = append(exports, 0x00)
		exports = append(exports, uleb(uint32(len(b.imports)+i))...)
	}
	if b.hasMemory && b.memExport != "" {
		exportCount++
		exports = append(exports, name(b.memExport)...)
		exports = append(exports, 0x02)
		exports = append(exports, uleb(0)...)
	}
	if exportCount > 0 {
		out = append(out, section(0x07, append(uleb(exportCount), exports...))...)
	}

	if len(b.funcs) > 0 {
		var code []byte
		code = append(code, uleb(uint32(len(b.funcs)))...)
		for _, fn := range b.funcs {
			var body []byte
			body = append(body, uleb(0)...)
			body = append(body, fn.body...)
			body = append(body, 0x0B)
			code = append(code, uleb(uint32(len(body)))...)
			code = append(code, body...)
		}
		out = append(out, section(0x0A, code)...)
	}

	if len(b.data) > 0 {
		var data []byte
		data = append(data, uleb(uint32(len(b.data)))...)
		for _, seg := range b.data {
			data = append(data, 0x00)
			data = append(data, I32Const(int32(seg.offset))...)
			data = append(data, 0x0B)
			data = append(data, uleb(uint32(len(seg.bytes)))...)
			data = append(data, seg.bytes...)
		}
		out = append(out, section(0x0B, data)...)
	}

	return out
}

func section(id byte, contents []byte) []byte {
	sec := []byte{id}
	sec = append(sec, uleb(uint32(len(contents)))...)
	return append(sec, contents...)
}

func name(s string) []byte {
	return append(uleb(uint32(len(s))), s...)
}

func uleb(v uint32) []byte {
	var out []byte
	for {
		b := byte(v & 0x7F)
		v >>= 7
		if v != 0 {
			b |= 0x80
		}
		out = append(out, b)
		if v == 0 {
			return out
		}
	}
}

func sleb(v int32) []byte {
	var out []byte
	for {
		b := byte(v & 0x7F)
		v >>= 7
		if (v == 0 && b&0x40 == 0) || (v == -1 && b&0x40 != 0) {
			return append(out, b)
		}
		out = append(out, b|0x80)
	}
}

// ============================================================================
// Instructions
// ============================================================================

// Each helper returns one encoded instruction. Loads and stores take
// their address from the stack and add the static offset; alignment is
// the type's natural alignment.

func I32Const(v int32) []byte {
	return append([]byte{0x41}, sleb(v)...)
}

func F64Const(v float64) []byte {
	out := []byte{0x44}
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], math.Float64bits(v))
	return append(out, buf[:]...)
}

func LocalGet(idx uint32) []byte {
	return append([]byte{0x20}, uleb(idx)...)
}

func Call(funcIdx uint32) []byte {
	return append([]byte{0x10}, uleb(funcIdx)...)
}

func Drop() []byte {
	return []byte{0x1A}
}

func Unreachable() []byte {
	return []byte{0x00}
}

func MemoryGrow() []byte {
	return []byte{0x40, 0x00}
}

func I32Load(offset uint32) []byte {
	return append([]byte{0x28, 0x02}, uleb(offset)...)
}

func I32Store(offset uint32) []byte {
	return append([]byte{0x36, 0x02}, uleb(offset)...)
}

func F64Store(offset uint32) []byte {
	return append([]byte{0x39, 0x03}, uleb(offset)...)
}

func I32Add() []byte {
	return []byte{0x6A}
}

func I32Mul() []byte {
	return []byte{0x6C}
}

func F64Mul() []byte {
	return []byte{0xA2}
}

func I32TruncF64S() []byte {
	return []byte{0xAA}
}

// ============================================================================
// Common fixtures
// ============================================================================

// HostModule and PublishFrame name the frame publication import every
// graphical guest links against.
const (
	HostModule   = "wapps"
	PublishFrame = "publish_frame"
)

// PublishType is the publish_frame signature: width, height, pointer.
var PublishType = FuncType{Params: []byte{I32, I32, I32}}

// UpdateType is the per-frame entry point signature: delta time seconds.
var UpdateType = FuncType{Params: []byte{F64}}

// Publisher returns a guest that publishes a width x height frame at
// pointer every update, with the pixel bytes pre-loaded from a data
// segment.
func Publisher(width, height, pointer uint32, pixels []byte) []byte {
	b := New()
	publish := b.Import(HostModule, PublishFrame, PublishType)
	b.Memory(1, "memory")
	b.Data(pointer, pixels)
	b.Func(UpdateType, "update",
		I32Const(int32(width)),
		I32Const(int32(height)),
		I32Const(int32(pointer)),
		Call(publish),
	)
	return b.Build()
}

// Trapper returns a guest whose update traps immediately.
func Trapper() []byte {
	b := New()
	b.Memory(1, "memory")
	b.Func(UpdateType, "update", Unreachable())
	return b.Build()
}

// SolidPixels returns count copies of the given RGBA pixel.
func SolidPixels(count int, r, g, bl, a byte) []byte {
	out := make([]byte, 0, count*4)
	for i := 0; i < count; i++ {
		out = append(out, r, g, bl, a)
	}
	return out
}
