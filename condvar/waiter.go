package condvar

import (
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/amirhosseinghadimizadeh/zircon/internal/spinlock"
)

// waiter states. A waiter moves WAITING -> SIGNALED when a concurrent
// Signal claims it, or WAITING -> LEAVING when it times out first; the
// loser of that race observes the winner's state.
const (
	waiting int32 = iota
	signaled
	leaving
)

// notifyCounter is the rendezvous counter a Signal call uses to wait for
// any concurrently-timing-out waiters it observed in LEAVING to finish
// unlinking themselves.
type notifyCounter = atomic.Int32

// waiter is a condition variable queue node. It is allocated on the
// waiting goroutine's stack (conceptually — Go will heap-allocate it
// since its address is retained by the list) and lives only for the
// duration of TimedWait.
type waiter struct {
	prev, next *waiter

	// state is the handoff token between this waiter and a concurrent
	// Signal: only whichever side wins the state CAS may touch prev/
	// next outside the spinlock afterward.
	state atomic.Int32

	// barrier is this waiter's private futex word. It starts in the
	// LOCKED_MAYBE_WAITERS state; the waiter parks on it, and whichever
	// thread wakes this waiter transitions it to UNLOCKED via Release
	// or ReleaseRequeue.
	barrier spinlock.Lock

	// notify points at a concurrent Signal's rendezvous counter, set
	// only by a Signal that observed this waiter already in LEAVING.
	notify *notifyCounter
}

// waiterPool recycles waiter nodes across TimedWait calls. A waiter's
// lifetime is short and strictly scoped to one TimedWait, making it a
// good fit for sync.Pool rather than the teacher's own hand-rolled Pool
// (tinygo/sync/pool.go exists only because tinygo's runtime lacks the
// GC hooks the standard library's sync.Pool depends on; this module
// targets the standard runtime, so it uses that Pool directly).
var waiterPool = sync.Pool{New: func() any { return &waiter{} }}

func newWaiter() *waiter {
	w := waiterPool.Get().(*waiter)
	w.prev, w.next, w.notify = nil, nil, nil
	w.state.Store(waiting)
	w.barrier.InitLockedMaybeWaiters()
	return w
}

// releaseWaiter returns w to the pool once TimedWait is done with it.
// The caller must guarantee nothing else can still observe w — true of
// TimedWait's own node once both timeoutPath and wokenPath have
// returned.
func releaseWaiter(w *waiter) {
	waiterPool.Put(w)
}

// notifyAddr returns the raw address of a notifyCounter, for use as a
// futex key.
func notifyAddr(c *notifyCounter) *uint32 {
	return (*uint32)(unsafe.Pointer(c))
}
