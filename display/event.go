package display

import (
	"encoding/binary"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// Signaled is the single observable bit this package's Event exposes —
// the Go port's stand-in for Zircon's ZX_EVENT_SIGNALED.
const Signaled uint32 = 1 << 0

// Event is a handle supporting atomic clear-then-set bit updates and
// edge-triggered completion delivery to a Dispatcher, mirroring
// fence.cpp's use of zx::event ("event_.signal(clear_mask, set_mask)").
//
// It is backed by a Linux eventfd: signalling Signaled bumps the
// eventfd's counter so a Dispatcher's epoll loop observes it as
// readable, and observing (draining) the counter is how a Dispatcher
// edge-re-arms the wait.
type Event struct {
	fd    int
	state atomic.Uint32
}

// NewEvent creates an Event backed by a fresh, non-blocking eventfd.
func NewEvent() (*Event, error) {
	fd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		return nil, err
	}
	return &Event{fd: fd}, nil
}

// Signal atomically clears clearMask then sets setMask in the event's
// bit state. If this causes Signaled to transition from 0 to 1, the
// backing eventfd's counter is bumped so a registered Dispatcher wait
// wakes.
func (e *Event) Signal(clearMask, setMask uint32) {
	for {
		old := e.state.Load()
		next := (old &^ clearMask) | setMask
		if e.state.CompareAndSwap(old, next) {
			if next&Signaled != 0 && old&Signaled == 0 {
				e.bump()
			}
			return
		}
	}
}

// Observed returns the event's current bit state.
func (e *Event) Observed() uint32 {
	return e.state.Load()
}

// descriptor returns the eventfd backing this event, for Dispatcher registration.
func (e *Event) descriptor() int {
	return e.fd
}

func (e *Event) bump() {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], 1)
	_, _ = unix.Write(e.fd, buf[:])
}

// Close releases the underlying eventfd. An Event must not be used
// after Close.
func (e *Event) Close() error {
	return unix.Close(e.fd)
}
