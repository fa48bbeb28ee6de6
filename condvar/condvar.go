// Package condvar implements a condition variable queued on a kernel
// futex and parameterized over a caller-supplied mutex capability —
// the Go counterpart of condvar-template.h's
// `template <typename Mutex> struct MutexOps`.
//
// The queue of waiters is an intrusive doubly-linked list of stack-local
// nodes, protected by a short-hold spinlock (internal/spinlock). Signal
// and Broadcast claim waiters from the oldest end of the list and hand
// them off to the caller's mutex by requeueing directly onto its futex,
// avoiding a wake-then-immediately-reblock step.
package condvar

import (
	"errors"
	"time"

	"github.com/amirhosseinghadimizadeh/zircon/internal/futex"
	"github.com/amirhosseinghadimizadeh/zircon/internal/spinlock"
)

// ErrTimedOut is returned by TimedWait when deadline passes before the
// waiter is claimed by a Signal or Broadcast.
var ErrTimedOut = errors.New("condvar: timed out")

// ErrBadState is returned by TimedWait when re-acquiring the caller's
// mutex fails after a signal or a timeout. The mutex's own state is then
// unspecified; an implementation may report more detail out of band.
var ErrBadState = errors.New("condvar: mutex re-acquisition failed")

// Forever is the zero time.Time, used as a deadline meaning "wait with
// no timeout".
var Forever time.Time

// Mutex is the capability TimedWait requires from the lock the caller
// holds. It is this package's equivalent of the C++ template's
// MutexOps<Mutex> specialization.
type Mutex interface {
	// Futex returns the address of the futex word this mutex blocks
	// waiters on. TimedWait's cascading handoff requeues a waiter
	// directly onto this address, so it must be the same word the
	// mutex implementation itself waits on.
	Futex() *uint32

	// Lock acquires the mutex. A non-nil error is surfaced to the
	// caller as ErrBadState.
	Lock() error

	// LockWithWaiters acquires the mutex while adjusting its waiter
	// accounting by delta — or, for an implementation that only
	// tracks a sticky "maybe has waiters" bit rather than an exact
	// count, simply ensuring that bit ends up set.
	LockWithWaiters(delta int) error

	// Unlock releases the mutex.
	Unlock()
}

// Cond is a condition variable associated with waiters that hold a
// Mutex of type M. The zero value is a valid, empty condition variable.
type Cond[M Mutex] struct {
	listLock spinlock.Lock
	head     *waiter // newest waiter
	tail     *waiter // oldest waiter, next to be signalled
}

// New returns a new, empty condition variable parameterized over mutex
// type M.
func New[M Mutex]() *Cond[M] {
	return &Cond[M]{}
}

// TimedWait unlocks mu, suspends the calling goroutine until woken by
// Signal or Broadcast or until deadline passes, and relocks mu before
// returning. The caller must hold mu on entry.
//
// On return with a nil error or ErrTimedOut, the caller again holds mu.
// On ErrBadState, mu's state is unspecified.
func (c *Cond[M]) TimedWait(mu M, deadline time.Time) error {
	w := newWaiter()
	defer releaseWaiter(w)

	c.listLock.Acquire()
	c.pushHead(w)
	c.listLock.Release()

	mu.Unlock()

	// Wait to be signalled. This can return because of:
	//  1. being woken directly by Signal/Broadcast (via w.barrier.Release);
	//  2. being woken by a mutex unlock, after this node's predecessor
	//     requeued it from the condvar's barrier onto the mutex's futex;
	//  3. a timeout.
	w.barrier.Park(deadline)

	if w.state.CompareAndSwap(waiting, leaving) {
		return c.timeoutPath(w, mu)
	}
	return c.wokenPath(w, mu)
}

// timeoutPath runs when this waiter won the race to mark itself LEAVING
// before any Signal claimed it. It must remove itself from the list, and
// if a concurrent Signal had already observed it in LEAVING and is
// waiting on a notify counter, wake that Signal once it is done.
func (c *Cond[M]) timeoutPath(w *waiter, mu M) error {
	c.listLock.Acquire()
	c.unlink(w)
	c.listLock.Release()

	// A concurrent Signal may have raced us: it saw this node still in
	// WAITING, failed its CAS to SIGNALED (because we'd already moved
	// to LEAVING), and is now waiting for us to finish unlinking.
	if w.notify != nil {
		if w.notify.Add(-1) == 0 {
			futex.Wake(notifyAddr(w.notify), 1)
		}
	}

	// We were never signalled, so we cannot have been woken via a
	// requeue + mutex unlock either; a plain Lock suffices.
	if err := mu.Lock(); err != nil {
		return ErrBadState
	}
	return ErrTimedOut
}

// wokenPath runs when a concurrent Signal claimed this waiter (or raced
// the timeout and lost). By this point the waiter's position in the
// detached, signalled sub-chain is fixed, so its prev/next links can be
// read without the spinlock.
func (c *Cond[M]) wokenPath(w *waiter, mu M) error {
	// Re-lock our own barrier first, mirroring the original algorithm's
	// "lock barrier first to control wake order": it documents the
	// point past which node.prev/node.next are stable, and, when this
	// waiter's timeout raced a Signal that claimed it, blocks until
	// Signal or the older neighbour in the chain releases the barrier.
	w.barrier.Acquire()

	waitersDelta := 0
	if w.prev == nil {
		waitersDelta++
	}
	if w.next == nil {
		waitersDelta--
	}

	// The mutex must be left in the "locked with waiters" state here:
	// if we requeue our predecessor below, it needs to be woken by a
	// future mutex unlock; and if we ourselves arrived via a requeue,
	// there may be another waiter queued behind us on the mutex futex
	// that also needs a future wake.
	lockErr := mu.LockWithWaiters(waitersDelta)

	if w.prev != nil {
		w.prev.barrier.ReleaseRequeue(mu.Futex())
	}

	if lockErr != nil {
		return ErrBadState
	}
	return nil
}

// Signal wakes up to n waiters, oldest-enqueued first. n == -1 wakes
// every waiter currently queued. It reports the number of waiters
// actually claimed, which may be fewer than n if fewer were queued.
//
// Signal does not block waiting for those waiters to run, but it does
// rendezvous with any waiter that is concurrently timing out and has not
// yet finished unlinking itself — this keeps the handoff below race-free.
func (c *Cond[M]) Signal(n int) int {
	var first *waiter
	var ref notifyCounter
	claimed := 0

	c.listLock.Acquire()
	p := c.tail
	for p != nil && n != 0 {
		if p.state.CompareAndSwap(waiting, signaled) {
			n--
			claimed++
			if first == nil {
				first = p
			}
		} else {
			// p has already moved to LEAVING; it hasn't unlinked
			// itself yet because we got the spinlock first. Track it
			// via the notify counter instead of claiming it.
			ref.Add(1)
			p.notify = &ref
		}
		p = p.prev
	}
	c.splitAt(p)
	c.listLock.Release()

	// Wait for every LEAVING waiter we observed to finish unlinking and
	// notifying us before letting the claimed chain proceed.
	for cur := ref.Load(); cur != 0; cur = ref.Load() {
		_ = futex.Wait(notifyAddr(&ref), uint32(cur), futex.Infinite)
	}

	if first != nil {
		first.barrier.Release()
	}
	return claimed
}

// Broadcast wakes every waiter currently queued.
func (c *Cond[M]) Broadcast() int {
	return c.Signal(-1)
}

// Len reports the number of goroutines currently queued in TimedWait.
func (c *Cond[M]) Len() int {
	c.listLock.Acquire()
	n := 0
	for w := c.head; w != nil; w = w.next {
		n++
	}
	c.listLock.Release()
	return n
}

// pushHead inserts w as the newest waiter. Must be called with listLock
// held.
func (c *Cond[M]) pushHead(w *waiter) {
	w.next = c.head
	c.head = w
	if c.tail == nil {
		c.tail = w
	} else {
		w.next.prev = w
	}
}

// unlink removes w from the list. Must be called with listLock held.
func (c *Cond[M]) unlink(w *waiter) {
	if c.head == w {
		c.head = w.next
	} else if w.prev != nil {
		w.prev.next = w.next
	}
	if c.tail == w {
		c.tail = w.prev
	} else if w.next != nil {
		w.next.prev = w.prev
	}
}

// splitAt detaches everything from c.tail through p (exclusive of p)
// from the list, leaving only the prefix ending at p (p included) on the
// condition variable. Must be called with listLock held.
func (c *Cond[M]) splitAt(p *waiter) {
	if p != nil {
		if p.next != nil {
			p.next.prev = nil
		}
		p.next = nil
	} else {
		c.head = nil
	}
	c.tail = p
}
