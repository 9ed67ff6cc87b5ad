package framebuffer

import (
	"fmt"
	"image"
	"sync"
)

// Descriptor records where the guest's current pixel buffer lives:
// a byte offset into guest memory and the frame dimensions in pixels.
// Generation increments whenever the descriptor is rewritten or the
// guest's memory may have relocated, invalidating any cached view.
type Descriptor struct {
	Pointer    uint32
	Width      uint32
	Height     uint32
	Generation uint64
}

// Empty reports whether the guest has published anything presentable.
func (d Descriptor) Empty() bool {
	return d.Pointer == 0 || d.Width == 0 || d.Height == 0
}

// ByteLength is the size of the described region: width * height * 4
// bytes of RGBA pixels.
func (d Descriptor) ByteLength() uint64 {
	return uint64(d.Width) * uint64(d.Height) * 4
}

// Board is the single slot a guest publishes frame descriptors into.
// The guest writes it (through the publish import) during its own
// calls; the bridge reads it at present time. Writes record values as
// given, even nonsensical ones: validity is judged when the frame is
// presented, which keeps the publish path allocation-free and
// trap-free.
type Board struct {
	mu sync.Mutex
	d  Descriptor
}

func NewBoard() *Board {
	return &Board{}
}

// Publish overwrites the descriptor. The last publish before a present
// wins.
func (b *Board) Publish(width, height, pointer uint32) {
	b.mu.Lock()
	b.d.Width = width
	b.d.Height = height
	b.d.Pointer = pointer
	b.d.Generation++
	b.mu.Unlock()
}

// Bump invalidates cached views without changing the published region.
// Sessions call it after every guest call, since any guest call may
// grow and relocate the module's memory.
func (b *Board) Bump() {
	b.mu.Lock()
	b.d.Generation++
	b.mu.Unlock()
}

// Snapshot returns the current descriptor.
func (b *Board) Snapshot() Descriptor {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.d
}

// Memory is the read-only view of guest linear memory the bridge
// needs. wazero's api.Memory satisfies it.
type Memory interface {
	// Read returns a view of byteCount bytes at offset, or false when
	// the range is out of bounds. The view is only valid until the
	// memory grows.
	Read(offset, byteCount uint32) ([]byte, bool)
	// Size returns the current memory size in bytes.
	Size() uint32
}

// OutOfBoundsError reports a published frame region that does not fit
// the guest's current memory. It is a per-frame error: the frame is
// skipped and the session keeps running.
type OutOfBoundsError struct {
	Pointer    uint32
	ByteLength uint64
	MemorySize uint32
}

func (e *OutOfBoundsError) Error() string {
	return fmt.Sprintf("frame region [%d, %d) out of bounds: memory is %d bytes",
		e.Pointer, uint64(e.Pointer)+e.ByteLength, e.MemorySize)
}

// Bridge copies published guest pixel regions into host-owned images.
//
// Guest memory is resizable and may relocate between calls, so the
// bridge never holds a raw view across presents: every present reads
// through the live Memory handle and copies the bytes out before the
// guest can run again. Only the destination image is reused, and only
// while the frame dimensions are unchanged.
type Bridge struct {
	img *image.RGBA
}

func NewBridge() *Bridge {
	return &Bridge{}
}

// Present snapshots the descriptor's region of mem into an RGBA image,
// row-major, d.Width pixels per row.
//
// A nil image with a nil error means the guest has not published a
// presentable frame yet; render nothing. An *OutOfBoundsError means
// this frame is skipped; nothing was read.
//
// The returned image is owned by the bridge and reused by the next
// Present. Callers keeping a frame across ticks must copy it.
func (b *Bridge) Present(mem Memory, d Descriptor) (*image.RGBA, error) {
	if d.Empty() {
		return nil, nil
	}

	byteLen := d.ByteLength()
	if uint64(d.Pointer)+byteLen > uint64(mem.Size()) {
		return nil, &OutOfBoundsError{Pointer: d.Pointer, ByteLength: byteLen, MemorySize: mem.Size()}
	}

	pixels, ok := mem.Read(d.Pointer, uint32(byteLen))
	if !ok {
		// Size and Read disagree only if the memory changed under us;
		// skip the frame rather than read through a stale view.
		return nil, &OutOfBoundsError{Pointer: d.Pointer, ByteLength: byteLen, MemorySize: mem.Size()}
	}

	w, h := int(d.Width), int(d.Height)
	if b.img == nil || b.img.Rect.Dx() != w || b.img.Rect.Dy() != h {
		b.img = image.NewRGBA(image.Rect(0, 0, w, h))
	}
	copy(b.img.Pix, pixels)
	return b.img, nil
}
