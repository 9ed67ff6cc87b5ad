// Package input defines the host-to-guest input events and the queue
// that buffers them between frames.
//
// Coordinates are in the guest frame's pixel space; the presentation
// surface translates its own coordinates before enqueueing. Events are
// delivered to the guest once per tick, in arrival order, before its
// update runs.
package input

import "sync"

// Pointer button codes forwarded to guest handlers. Buttons outside
// this set are not forwarded.
const (
	ButtonPrimary   int32 = 1
	ButtonMiddle    int32 = 2
	ButtonSecondary int32 = 3
)

// Event is one input event bound for the guest.
type Event interface {
	isEvent()
}

// PointerMove reports pointer motion.
type PointerMove struct {
	X, Y int32
}

// PointerDown reports a button press.
type PointerDown struct {
	X, Y   int32
	Button int32
}

// PointerUp reports a button release.
type PointerUp struct {
	X, Y   int32
	Button int32
}

// KeyDown reports a key press. Code is a platform-independent key code
// from the table in this package.
type KeyDown struct {
	Code int32
}

// KeyUp reports a key release.
type KeyUp struct {
	Code int32
}

func (PointerMove) isEvent() {}
func (PointerDown) isEvent() {}
func (PointerUp) isEvent()   {}
func (KeyDown) isEvent()     {}
func (KeyUp) isEvent()       {}

// Queue buffers events between ticks, preserving arrival order. The
// zero value is ready to use.
type Queue struct {
	mu  sync.Mutex
	evs []Event
}

// Push appends an event.
func (q *Queue) Push(ev Event) {
	q.mu.Lock()
	q.evs = append(q.evs, ev)
	q.mu.Unlock()
}

// Drain returns all queued events in arrival order and empties the
// queue.
func (q *Queue) Drain() []Event {
	q.mu.Lock()
	defer q.mu.Unlock()
	evs := q.evs
	q.evs = nil
	return evs
}

// Len returns the number of queued events.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.evs)
}
