package display

import (
	"errors"
	"fmt"
	"runtime"
	"sync"

	"golang.org/x/sys/unix"
)

// ErrDispatcherClosed is returned by Register once the dispatcher has
// been closed.
var ErrDispatcherClosed = errors.New("display: dispatcher closed")

// waitEntry is the bookkeeping a Dispatcher keeps for one outstanding
// registration. It mirrors the role of async::WaitOnce in fence.cpp's
// ready_wait_ member: a one-shot wait that, once it fires, must be
// explicitly re-Begin'd (re-registered) to fire again.
type waitEntry struct {
	fd       int
	callback func(error)
}

// Dispatcher is a single-threaded async wait loop, the Go port's
// equivalent of the async_dispatcher_t the original fence.cpp schedules
// zx::event waits against. All completion callbacks registered with
// Register are delivered serially, from the single goroutine Dispatcher
// pins to its own OS thread — so a FenceCallback sink never needs its
// own locking to serialize OnReady deliveries against each other.
type Dispatcher struct {
	epfd   int
	wakeFD int

	mu      sync.Mutex
	pending map[int]*waitEntry
	closed  bool

	done chan struct{}
}

// NewDispatcher starts a Dispatcher's run loop on a dedicated OS thread
// and returns once it is ready to accept registrations.
func NewDispatcher() (*Dispatcher, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("display: epoll_create1: %w", err)
	}
	wakeFD, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		unix.Close(epfd)
		return nil, fmt.Errorf("display: eventfd: %w", err)
	}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, wakeFD, &unix.EpollEvent{
		Events: unix.EPOLLIN,
		Fd:     int32(wakeFD),
	}); err != nil {
		unix.Close(wakeFD)
		unix.Close(epfd)
		return nil, fmt.Errorf("display: epoll_ctl(wake): %w", err)
	}

	d := &Dispatcher{
		epfd:    epfd,
		wakeFD:  wakeFD,
		pending: make(map[int]*waitEntry),
		done:    make(chan struct{}),
	}
	go d.loop()
	return d, nil
}

// Register arms a one-shot wait: once e's Signaled bit transitions to
// set, callback is invoked exactly once on the dispatcher's own
// goroutine with a nil error, and the registration is consumed — firing
// again requires another Register call. This is OnRefArmed's
// ready_wait_.Begin(), generalized to an arbitrary Event/callback pair.
//
// callback is invoked with a non-nil error only if the underlying epoll
// wait itself fails, which this package treats as a fatal invariant
// violation rather than a condition callers are expected to recover
// from.
func (d *Dispatcher) Register(e *Event, callback func(error)) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrDispatcherClosed
	}
	fd := e.descriptor()
	if _, already := d.pending[fd]; already {
		// A wait on this fd is already registered with epoll — for
		// example a callback re-arming the same fence reentrantly,
		// before this call's own post-callback re-registration runs.
		// Just retarget the pending callback; epoll_ctl needs no
		// second ADD.
		d.pending[fd] = &waitEntry{fd: fd, callback: callback}
		return nil
	}
	d.pending[fd] = &waitEntry{fd: fd, callback: callback}
	err := unix.EpollCtl(d.epfd, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{
		Events: unix.EPOLLIN,
		Fd:     int32(fd),
	})
	if err != nil {
		delete(d.pending, fd)
		return fmt.Errorf("display: epoll_ctl(add): %w", err)
	}
	return nil
}

// loop is the dispatcher's run loop. It owns the one OS thread it runs
// on for its entire lifetime, the way the original's dispatcher thread
// owns the async loop driving ready_wait_ callbacks.
func (d *Dispatcher) loop() {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer close(d.done)

	events := make([]unix.EpollEvent, 16)
	for {
		n, err := unix.EpollWait(d.epfd, events, -1)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			d.mu.Lock()
			failed := make([]*waitEntry, 0, len(d.pending))
			for fd, entry := range d.pending {
				delete(d.pending, fd)
				failed = append(failed, entry)
			}
			d.mu.Unlock()
			for _, entry := range failed {
				entry.callback(err)
			}
			return
		}
		for _, ev := range events[:n] {
			fd := int(ev.Fd)
			if fd == d.wakeFD {
				return
			}
			d.mu.Lock()
			entry, ok := d.pending[fd]
			if ok {
				delete(d.pending, fd)
				unix.EpollCtl(d.epfd, unix.EPOLL_CTL_DEL, fd, nil)
			}
			d.mu.Unlock()
			if !ok {
				continue
			}
			drainFD(fd)
			entry.callback(nil)
		}
	}
}

func drainFD(fd int) {
	var buf [8]byte
	_, _ = unix.Read(fd, buf[:])
}

// Close stops the dispatcher's run loop and waits for it to exit.
// Pending registrations are abandoned without their callbacks firing.
func (d *Dispatcher) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.mu.Unlock()

	var buf [8]byte
	buf[0] = 1
	if _, err := unix.Write(d.wakeFD, buf[:]); err != nil {
		return err
	}
	<-d.done
	unix.Close(d.wakeFD)
	return unix.Close(d.epfd)
}
