// Package futexmutex provides a default futex-backed mutex implementing
// the condvar.Mutex capability. It is grounded on the tinygo runtime's
// PMutex (internal/task's preemptive-scheduler mutex: a CompareAndSwap
// fast path, a Swap-to-contended slow path, and a futex Wake on unlock),
// generalized here with a sticky "maybe has waiters" bit so it can also
// serve as the mutex half of a condvar.Cond's cascading handoff.
package futexmutex

import "github.com/amirhosseinghadimizadeh/zircon/internal/spinlock"

// Mutex is a straightforward futex-backed mutual exclusion lock. The
// zero value is unlocked and ready to use.
type Mutex struct {
	lock spinlock.Lock
}

// Futex returns the address of the futex word this mutex blocks on,
// satisfying condvar.Mutex so a condition variable's cascading handoff
// can requeue a waiter directly onto it.
func (m *Mutex) Futex() *uint32 {
	return m.lock.Addr()
}

// Lock acquires the mutex. It never fails: Mutex has no notion of a bad
// internal state, so this always returns nil.
func (m *Mutex) Lock() error {
	m.lock.Acquire()
	return nil
}

// LockWithWaiters acquires the mutex, leaving it in the state that
// guarantees the next Unlock wakes a waiter.
//
// This implementation tracks only a sticky "maybe has waiters" bit
// rather than delta's exact count — one of the two strategies the
// condvar.Mutex contract explicitly allows — because the underlying
// three-state spinlock word already has no room for a count. A mutex
// that needs the precision (for example, to avoid a spurious wake when
// it knows there are truly zero waiters) should track delta itself and
// call Lock or AcquireMaybeWaiters directly instead of embedding
// spinlock.Lock.
func (m *Mutex) LockWithWaiters(delta int) error {
	_ = delta
	m.lock.AcquireMaybeWaiters()
	return nil
}

// Unlock releases the mutex, waking one waiter if the lock word
// indicates there might be one.
func (m *Mutex) Unlock() {
	m.lock.Release()
}
