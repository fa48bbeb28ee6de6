// Package futex wraps the Linux futex(2) syscall as the three primitives
// the condition variable and spinlock cores are built on: Wait, Wake, and
// Requeue.
//
// A futex is a way for userspace to wait with a memory address as the key,
// and for another thread to wake one or all waiters keyed on that same
// address. A futex does not change the underlying value; it only reads it
// before going to sleep (atomically, from the kernel's point of view) to
// prevent lost wake-ups.
package futex

import (
	"errors"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Linux futex(2) operation constants. golang.org/x/sys/unix does not
// export these (they are op-codes, not errno-style values), so they are
// defined here with their fixed kernel ABI values.
const (
	futexWait         = 0
	futexWake         = 1
	futexCmpRequeue   = 4
	futexPrivateFlag  = 128
)

// ErrTimedOut is returned by Wait when the deadline passes before a
// matching Wake or Requeue arrives.
var ErrTimedOut = errors.New("futex: timed out")

// Infinite is the zero time.Time, used as a deadline meaning "wait
// forever". It mirrors ZX_TIME_INFINITE in the original condvar template.
var Infinite time.Time

// Wait atomically checks that *addr still equals expected and, if so,
// sleeps until woken by Wake/Requeue on addr or until deadline passes.
// A zero deadline (Infinite) waits with no timeout.
//
// If *addr has already changed away from expected, Wait returns
// immediately with a nil error: the caller is expected to re-check state
// itself, per standard futex usage.
func Wait(addr *uint32, expected uint32, deadline time.Time) error {
	var ts *unix.Timespec
	if !deadline.IsZero() {
		d := time.Until(deadline)
		if d < 0 {
			d = 0
		}
		spec := unix.NsecToTimespec(d.Nanoseconds())
		ts = &spec
	}

	_, _, errno := unix.Syscall6(
		unix.SYS_FUTEX,
		uintptr(unsafe.Pointer(addr)),
		uintptr(futexWait|futexPrivateFlag),
		uintptr(expected),
		uintptr(unsafe.Pointer(ts)),
		0, 0,
	)
	switch errno {
	case 0, unix.EAGAIN, unix.EINTR:
		return nil
	case unix.ETIMEDOUT:
		return ErrTimedOut
	default:
		return errno
	}
}

// Wake wakes up to n waiters blocked in Wait on addr, returning the number
// actually woken. n == -1 is not a valid argument to the raw syscall; pass
// math.MaxInt32 (or any large count) to wake everyone.
func Wake(addr *uint32, n int32) int32 {
	woken, _, _ := unix.Syscall6(
		unix.SYS_FUTEX,
		uintptr(unsafe.Pointer(addr)),
		uintptr(futexWake|futexPrivateFlag),
		uintptr(n),
		0, 0, 0,
	)
	return int32(woken)
}

// Requeue atomically wakes up to wakeCount waiters on src (if *src still
// equals srcExpected) and moves up to requeueCount of the remaining
// src-waiters to instead wait on dst. It returns the total number of
// threads woken plus requeued.
//
// This is the primitive the condition variable's cascading handoff relies
// on: instead of waking a waiter only to have it immediately contend on
// the caller-mutex's futex, the waiter is moved directly onto that futex's
// wait queue.
func Requeue(src *uint32, wakeCount int32, srcExpected uint32, dst *uint32, requeueCount int32) int32 {
	n, _, _ := unix.Syscall6(
		unix.SYS_FUTEX,
		uintptr(unsafe.Pointer(src)),
		uintptr(futexCmpRequeue|futexPrivateFlag),
		uintptr(wakeCount),
		uintptr(requeueCount),
		uintptr(unsafe.Pointer(dst)),
		uintptr(srcExpected),
	)
	return int32(n)
}
