// Package replay records and plays back session input streams.
//
// A replay is a header followed by one record per tick, each carrying
// the delta time and the input events delivered that tick. Frames on
// the wire are length-prefixed msgpack messages. Played back against
// the same package in deterministic mode, a recording reproduces the
// run tick for tick.
package replay

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/nathsou/wapps/input"
)

const (
	// Format identifies a replay stream in its header.
	Format = "wapps-replay"
	// FormatVersion is the stream layout version.
	FormatVersion = 1

	// MaxFrameSize caps one length-prefixed frame (16 MiB). A stream
	// claiming more is corrupt or hostile.
	MaxFrameSize = 16 * 1024 * 1024
	// LengthPrefixSize is the byte length of the frame length prefix.
	LengthPrefixSize = 4
	// MaxPayloadSize is the maximum msgpack payload in a frame.
	MaxPayloadSize = MaxFrameSize - LengthPrefixSize
)

// ErrFormat is returned by ReadHeader when the stream is not a replay
// or its version is unknown.
var ErrFormat = errors.New("not a wapps replay stream")

// FrameErrorKind classifies frame-level failures.
type FrameErrorKind int

const (
	// FrameErrPartial means the stream ended mid-frame.
	FrameErrPartial FrameErrorKind = iota
	// FrameErrTooLarge means a frame exceeded MaxFrameSize.
	FrameErrTooLarge
	// FrameErrDecode means a frame's payload failed to decode.
	FrameErrDecode
)

func (k FrameErrorKind) String() string {
	switch k {
	case FrameErrPartial:
		return "partial frame"
	case FrameErrTooLarge:
		return "frame too large"
	case FrameErrDecode:
		return "decode error"
	default:
		return "unknown"
	}
}

// FrameError describes a failure reading or writing one frame.
type FrameError struct {
	Kind FrameErrorKind
	Msg  string
	Err  error
}

func (e *FrameError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *FrameError) Unwrap() error { return e.Err }

// IsFatal reports whether the stream is unusable past this error.
// Partial and oversized frames desynchronize the framing; a decode
// failure leaves the framing intact.
func (e *FrameError) IsFatal() bool {
	return e.Kind == FrameErrPartial || e.Kind == FrameErrTooLarge
}

// Header opens every replay stream.
type Header struct {
	Format  string    `msgpack:"format"`
	Version int       `msgpack:"version"`
	Title   string    `msgpack:"title"`
	Created time.Time `msgpack:"created"`
	Seed    int64     `msgpack:"seed"`
}

// EventKind tags recorded input events.
type EventKind int8

const (
	KindPointerMove EventKind = iota + 1
	KindPointerDown
	KindPointerUp
	KindKeyDown
	KindKeyUp
)

// EventRecord is one input event in guest coordinate space.
type EventRecord struct {
	Kind   EventKind `msgpack:"kind"`
	X      int32     `msgpack:"x,omitempty"`
	Y      int32     `msgpack:"y,omitempty"`
	Button int32     `msgpack:"button,omitempty"`
	Code   int32     `msgpack:"code,omitempty"`
}

// TickRecord is one scheduler tick: its delta time in seconds and the
// events delivered before the guest's update ran.
type TickRecord struct {
	Dt     float64       `msgpack:"dt"`
	Events []EventRecord `msgpack:"events,omitempty"`
}

// FromEvent converts a queued input event to its record form.
func FromEvent(ev input.Event) EventRecord {
	switch ev := ev.(type) {
	case input.PointerMove:
		return EventRecord{Kind: KindPointerMove, X: ev.X, Y: ev.Y}
	case input.PointerDown:
		return EventRecord{Kind: KindPointerDown, X: ev.X, Y: ev.Y, Button: ev.Button}
	case input.PointerUp:
		return EventRecord{Kind: KindPointerUp, X: ev.X, Y: ev.Y, Button: ev.Button}
	case input.KeyDown:
		return EventRecord{Kind: KindKeyDown, Code: ev.Code}
	case input.KeyUp:
		return EventRecord{Kind: KindKeyUp, Code: ev.Code}
	default:
		return EventRecord{}
	}
}

// Event converts a record back to an input event. The second result is
// false for kinds this host does not know, which lets newer recordings
// degrade instead of failing.
func (r EventRecord) Event() (input.Event, bool) {
	switch r.Kind {
	case KindPointerMove:
		return input.PointerMove{X: r.X, Y: r.Y}, true
	case KindPointerDown:
		return input.PointerDown{X: r.X, Y: r.Y, Button: r.Button}, true
	case KindPointerUp:
		return input.PointerUp{X: r.X, Y: r.Y, Button: r.Button}, true
	case KindKeyDown:
		return input.KeyDown{Code: r.Code}, true
	case KindKeyUp:
		return input.KeyUp{Code: r.Code}, true
	default:
		return nil, false
	}
}

// Writer writes a replay stream. Not safe for concurrent use.
type Writer struct {
	w io.Writer
}

func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// WriteHeader writes the stream header. Format and Version are filled
// in when empty; call it once, before any tick.
func (w *Writer) WriteHeader(h Header) error {
	if h.Format == "" {
		h.Format = Format
	}
	if h.Version == 0 {
		h.Version = FormatVersion
	}
	return w.writeFrame(h)
}

// WriteTick appends one tick record.
func (w *Writer) WriteTick(rec TickRecord) error {
	return w.writeFrame(rec)
}

func (w *Writer) writeFrame(v any) error {
	payload, err := msgpack.Marshal(v)
	if err != nil {
		return &FrameError{Kind: FrameErrDecode, Msg: "encode frame", Err: err}
	}
	if len(payload) > MaxPayloadSize {
		return &FrameError{
			Kind: FrameErrTooLarge,
			Msg:  fmt.Sprintf("frame is %d bytes, limit %d", len(payload), MaxPayloadSize),
		}
	}

	var prefix [LengthPrefixSize]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(len(payload)))
	if _, err := w.w.Write(prefix[:]); err != nil {
		return fmt.Errorf("write frame prefix: %w", err)
	}
	if _, err := w.w.Write(payload); err != nil {
		return fmt.Errorf("write frame payload: %w", err)
	}
	return nil
}

// Reader reads a replay stream. Not safe for concurrent use.
type Reader struct {
	r io.Reader
}

func NewReader(r io.Reader) *Reader {
	return &Reader{r: r}
}

// ReadHeader reads and validates the stream header. Call it once,
// before any tick.
func (r *Reader) ReadHeader() (Header, error) {
	var h Header
	payload, err := r.readFrame()
	if err != nil {
		return h, err
	}
	if err := msgpack.Unmarshal(payload, &h); err != nil {
		return h, &FrameError{Kind: FrameErrDecode, Msg: "decode header", Err: err}
	}
	if h.Format != Format {
		return h, fmt.Errorf("%w: format %q", ErrFormat, h.Format)
	}
	if h.Version != FormatVersion {
		return h, fmt.Errorf("%w: version %d, only %d is supported", ErrFormat, h.Version, FormatVersion)
	}
	return h, nil
}

// ReadTick reads the next tick record. It returns io.EOF at a clean
// end of stream.
func (r *Reader) ReadTick() (TickRecord, error) {
	var rec TickRecord
	payload, err := r.readFrame()
	if err != nil {
		return rec, err
	}
	if err := msgpack.Unmarshal(payload, &rec); err != nil {
		return rec, &FrameError{Kind: FrameErrDecode, Msg: "decode tick", Err: err}
	}
	return rec, nil
}

func (r *Reader) readFrame() ([]byte, error) {
	var prefix [LengthPrefixSize]byte
	if _, err := io.ReadFull(r.r, prefix[:]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, &FrameError{Kind: FrameErrPartial, Msg: "stream ended inside a frame prefix", Err: err}
	}

	length := binary.BigEndian.Uint32(prefix[:])
	if length > MaxPayloadSize {
		return nil, &FrameError{
			Kind: FrameErrTooLarge,
			Msg:  fmt.Sprintf("frame claims %d bytes, limit %d", length, MaxPayloadSize),
		}
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r.r, payload); err != nil {
		return nil, &FrameError{Kind: FrameErrPartial, Msg: "stream ended inside a frame payload", Err: err}
	}
	return payload, nil
}
