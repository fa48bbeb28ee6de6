// Package spinlock implements the three-state futex spinlock used to
// protect the condition variable's waiter list. It is a short-hold lock:
// callers must never block a caller-supplied mutex operation while holding
// it.
package spinlock

import (
	"errors"
	"runtime"
	"sync/atomic"
	"time"
	"unsafe"

	"golang.org/x/sys/cpu"

	"github.com/amirhosseinghadimizadeh/zircon/internal/futex"
)

// States of the lock word. LOCKED_MAYBE_WAITERS governs whether Release
// must issue a futex wake: it is a sticky "someone might be sleeping on
// this word" bit, not an exact waiter count.
const (
	unlocked           uint32 = 0
	lockedNoWaiters    uint32 = 1
	lockedMaybeWaiters uint32 = 2
)

// spinIterations is the number of busy-spin attempts before falling back
// to a futex wait, matching the ~100 iterations in the original musl-
// derived algorithm.
const spinIterations = 100

// Lock is a three-state spinlock: UNLOCKED, LOCKED_NO_WAITERS, and
// LOCKED_MAYBE_WAITERS. The zero value is unlocked.
type Lock struct {
	word atomic.Uint32
}

// Acquire takes the lock, spinning briefly before blocking on the futex.
func (l *Lock) Acquire() {
	if l.word.CompareAndSwap(unlocked, lockedNoWaiters) {
		return
	}
	for {
		old := l.word.Swap(lockedMaybeWaiters)
		if old == unlocked {
			return
		}
		wait(&l.word, lockedMaybeWaiters)
	}
}

// AcquireMaybeWaiters is like Acquire, but always leaves the lock in the
// LOCKED_MAYBE_WAITERS state, even along the uncontended fast path. It
// backs mutex implementations that track only a sticky "maybe has
// waiters" bit rather than an exact waiter count: once set, the bit
// guarantees the next Release wakes, which is required whenever a
// condition variable handoff might requeue a waiter onto this word
// between now and that Release.
func (l *Lock) AcquireMaybeWaiters() {
	if l.word.CompareAndSwap(unlocked, lockedMaybeWaiters) {
		return
	}
	for {
		old := l.word.Swap(lockedMaybeWaiters)
		if old == unlocked {
			return
		}
		wait(&l.word, lockedMaybeWaiters)
	}
}

// Release drops the lock, waking exactly one waiter if the lock word
// indicated there might be one.
func (l *Lock) Release() {
	if l.word.Swap(unlocked) == lockedMaybeWaiters {
		futex.Wake(addrOf(&l.word), 1)
	}
}

// ReleaseRequeue atomically unlocks l and requeues up to one thread
// blocked on l onto dst, so that thread is woken by a future wake on dst
// rather than on l. This is the primitive behind the condition variable's
// cascading wake: a claimed waiter hands its successor directly to the
// caller-mutex's futex instead of waking it only to have it immediately
// block again.
func (l *Lock) ReleaseRequeue(dst *uint32) {
	l.word.Store(unlocked)
	futex.Requeue(addrOf(&l.word), 0, unlocked, dst, 1)
}

// InitLockedMaybeWaiters sets a freshly constructed Lock directly into the
// LOCKED_MAYBE_WAITERS state. Condition variable waiter nodes use a Lock
// this way as their wake barrier: the owning thread parks on it with
// Park, and whichever thread is responsible for waking it calls Release
// or ReleaseRequeue.
func (l *Lock) InitLockedMaybeWaiters() {
	l.word.Store(lockedMaybeWaiters)
}

// Park blocks while the lock word is LOCKED_MAYBE_WAITERS, returning once
// Release or ReleaseRequeue transitions it to UNLOCKED, or once deadline
// passes (a zero deadline blocks forever). It reports whether it returned
// because of a timeout; the caller must still treat the underlying state
// transition — not this return value — as authoritative, since a wake and
// a timeout can race.
func (l *Lock) Park(deadline time.Time) (timedOut bool) {
	for {
		err := futex.Wait(addrOf(&l.word), lockedMaybeWaiters, deadline)
		if errors.Is(err, futex.ErrTimedOut) {
			return true
		}
		if l.word.Load() != lockedMaybeWaiters {
			return false
		}
	}
}

// Addr returns the raw address of the lock word, for use as a futex key
// by a collaborator that needs to requeue waiters onto it (for example, a
// Mutex built on top of Lock exposing it as its MutexOps futex word).
func (l *Lock) Addr() *uint32 {
	return addrOf(&l.word)
}

// spinYield is the per-iteration back-off used while spinning for the
// lock. On an x86 core with SSE2 (i.e. anything amd64 actually runs on)
// the short PAUSE-equivalent busy recheck below is cheaper than
// descheduling the goroutine; elsewhere runtime.Gosched gives the
// platform's scheduler a chance to run something else instead.
var spinYield = chooseSpinYield()

func chooseSpinYield() func() {
	if cpu.X86.HasSSE2 {
		return func() {}
	}
	return runtime.Gosched
}

// wait spins for spinIterations iterations before parking on the futex,
// re-checking the lock word between the spin phase and the block phase so
// a lock that was released during the spin is not missed.
func wait(word *atomic.Uint32, want uint32) {
	for i := 0; i < spinIterations; i++ {
		if word.Load() != want {
			return
		}
		spinYield()
	}
	for word.Load() == want {
		_ = futex.Wait(addrOf(word), want, futex.Infinite)
	}
}

// addrOf returns the raw address backing an atomic.Uint32, for use as a
// futex key. This is safe because atomic.Uint32's only field is the
// uint32 word itself; the same unsafe.Pointer conversion is how the
// teacher's own Futex type reaches the kernel primitive
// ("(*uint32)(unsafe.Pointer(&f.Uint32))").
func addrOf(word *atomic.Uint32) *uint32 {
	return (*uint32)(unsafe.Pointer(word))
}
