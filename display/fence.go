// Package display implements a reference-counted, one-shot fence
// object used to sequence display updates against external completion
// signals (buffer-ready, vsync-acknowledged, and the like).
//
// It is grounded on system/dev/display/display/fence.cpp's Fence and
// FenceReference classes: a Fence owns a zx::event-equivalent Event and
// a FIFO queue of FenceReferences currently armed to wait on it, and
// dispatches ready notifications through a single Dispatcher thread so
// a FenceCallback sink never has to synchronize deliveries itself.
//
// fbl::RefPtr's destructor-driven release is replaced with an explicit
// Acquire/Release pair on FenceReference, since Go has no destructors:
// callers that hold a *FenceReference past the call that produced it
// must call Release when done with it.
package display

import (
	"fmt"
	"sync/atomic"
)

// FenceID identifies a Fence for logging and for a FenceCallback sink
// to correlate completions against its own bookkeeping.
type FenceID uint64

// FenceCallback is the sink a Fence reports to. Every method is invoked
// from the Fence's Dispatcher goroutine, except OnRefForFenceDead,
// which can run on whichever goroutine drops a FenceReference's last
// strong reference.
type FenceCallback interface {
	// OnFenceFired is called when ref's wait completes: ref is the
	// reference that was armed, already popped from the fence's armed
	// queue. The callback does not own a reference to ref past this
	// call; it must Acquire its own if it needs to retain it.
	OnFenceFired(ref *FenceReference)

	// OnRefForFenceDead is called once for every FenceReference
	// destruction (its last strong reference dropping), identifying
	// the owning fence so the sink can maintain its own bookkeeping
	// (e.g. a per-client table of live fences).
	OnRefForFenceDead(f *Fence)
}

// Fence is a one-shot completion signal shared by one or more
// FenceReferences. Its arm/disarm/reference-creation operations are
// deliberately not internally synchronized, mirroring fence.cpp: the
// owning collaborator (typically a single client-serializing mutex) is
// responsible for serializing calls into a Fence and its References
// with respect to each other. The one exception is FenceReference's
// strong-count bookkeeping and the Dispatcher-delivered OnReady path,
// both of which use atomics/queue ownership safe to run concurrently
// with that external serialization.
type Fence struct {
	id         FenceID
	cb         FenceCallback
	dispatcher *Dispatcher
	event      *Event

	refCount int64 // outstanding strong FenceReferences, maintained under the caller's external serialization
	curRef   *FenceReference
	armed    refQueue
}

// NewFence creates a Fence reporting to cb and dispatching ready
// notifications on d. The caller owns event's lifetime; closing it
// while the fence is armed is a usage error.
func NewFence(id FenceID, cb FenceCallback, d *Dispatcher, event *Event) *Fence {
	return &Fence{id: id, cb: cb, dispatcher: d, event: event}
}

// ID returns the identifier this fence was constructed with.
func (f *Fence) ID() FenceID {
	return f.id
}

// CreateRef replaces the fence's current reference (cur_ref) with a
// freshly created one and returns it. The previous cur_ref, if any, is
// dropped from the "current" slot — if nothing else holds it, this may
// synchronously run the last-reference teardown path.
//
// The bool result mirrors fence.cpp's fbl::AllocChecker-gated failure
// mode; this Go port's allocator cannot itself observe allocation
// failure, so CreateRef here always succeeds. The signature is kept for
// parity with callers written against that contract.
func (f *Fence) CreateRef() (*FenceReference, bool) {
	ref := &FenceReference{fence: f}
	ref.refs.Store(1)
	f.refCount++

	old := f.curRef
	f.curRef = ref
	if old != nil {
		old.Release()
	}
	return ref, true
}

// ClearRef drops the fence's own handle to its current reference.
// External holders of that reference, if any, are unaffected.
func (f *Fence) ClearRef() {
	if f.curRef == nil {
		return
	}
	old := f.curRef
	f.curRef = nil
	old.Release()
}

// GetReference returns a new strong handle to the fence's current
// reference, or (nil, false) if the fence has none.
func (f *Fence) GetReference() (*FenceReference, bool) {
	if f.curRef == nil {
		return nil, false
	}
	f.curRef.refs.Add(1)
	return f.curRef, true
}

// Signal sets the fence's Signaled bit, completing any wait currently
// armed against it.
func (f *Fence) Signal() {
	f.event.Signal(0, Signaled)
}

// arm registers ref to be notified the next time this fence fires. If
// the armed queue was empty, this also (re-)registers the fence's
// underlying wait with its dispatcher — the direct counterpart of
// OnRefArmed's conditional ready_wait_.Begin() call.
func (f *Fence) arm(ref *FenceReference) error {
	wasEmpty := f.armed.empty()
	if wasEmpty {
		if err := f.dispatcher.Register(f.event, f.onReady); err != nil {
			return fmt.Errorf("display: fence %d: arm: %w", f.id, err)
		}
	}
	ref.refs.Add(1) // the armed queue now holds a strong reference to ref
	f.armed.pushBack(ref)
	return nil
}

// disarm removes ref from the armed queue if it is present there,
// dropping the strong reference the queue held on it. It is a no-op if
// ref is not currently armed (for example because it already fired).
func (f *Fence) disarm(ref *FenceReference) {
	if f.armed.remove(ref) {
		ref.Release()
	}
}

// onReady is the Dispatcher-delivered completion handler for this
// fence's event, the counterpart of FenceReference::OnReady /
// Fence::OnReady in the original. It fires once, delivers exactly one
// queued reference to the callback sink, and re-arms the dispatcher
// wait if more references remain queued.
func (f *Fence) onReady(err error) {
	if err != nil {
		// The dispatcher contract promises only successful
		// completions; anything else means the wait machinery itself
		// is broken, not that this fence has bad input to recover
		// from.
		panic(fmt.Sprintf("display: fence %d: dispatcher delivered a failed wait: %v", f.id, err))
	}

	f.event.Signal(Signaled, 0)

	ref := f.armed.popFront()
	if ref == nil {
		return
	}
	ref.fireReleaseChain()
	f.cb.OnFenceFired(ref)
	ref.Release() // drop the reference the armed queue was holding

	if !f.armed.empty() {
		// The original ignores this Begin call's status too: a
		// failure here means a subsequent wait never fires rather
		// than aborting the one that just did.
		_ = f.dispatcher.Register(f.event, f.onReady)
	}
}

// onRefDead runs once for every FenceReference whose last strong
// reference drops. It reports to the callback sink unconditionally (one
// call per reference, not one per fence) and maintains this fence's own
// ref_count, asserting the destruction invariant once it reaches zero.
func (f *Fence) onRefDead() {
	f.cb.OnRefForFenceDead(f)
	f.refCount--
	if f.refCount == 0 && !f.armed.empty() {
		panic(fmt.Sprintf("display: fence %d: last reference dropped with a non-empty armed queue", f.id))
	}
}

// FenceReference is a reference-counted handle sharing ownership of its
// parent Fence. Multiple FenceReferences may exist for the same fence
// (for example, one per pending frame that must wait on the same
// completion); each is independently armed, waited on, and released.
type FenceReference struct {
	fence *Fence
	refs  atomic.Int64

	armed                bool
	armedPrev, armedNext *FenceReference

	release1, release2 *FenceReference
}

// Acquire increments r's strong count and returns r, for the common
// "take another owning handle to the same reference" pattern.
func (r *FenceReference) Acquire() *FenceReference {
	r.refs.Add(1)
	return r
}

// Release drops one strong handle to r. Once the last one drops, this
// notifies the owning fence's callback sink and decrements the fence's
// own ref_count, mirroring FenceReference's destructor.
func (r *FenceReference) Release() {
	if r.refs.Add(-1) != 0 {
		return
	}
	r.fence.onRefDead()
}

// StartReadyWait arms r against its fence's completion event.
func (r *FenceReference) StartReadyWait() error {
	return r.fence.arm(r)
}

// ResetReadyWait disarms r if it is currently armed, discarding any
// wait in progress without delivering a completion.
func (r *FenceReference) ResetReadyWait() {
	r.fence.disarm(r)
}

// SetImmediateRelease installs up to either argument as a release-chain
// target: the next time r fires, each installed target is Signaled and
// then released. Either argument may be nil to install no target in
// that slot.
//
// SetImmediateRelease takes ownership of a and b: the caller must not
// retain or separately Release them afterward. Any previously installed
// targets are replaced without being signalled or released — callers
// that need that must drain the chain themselves first.
func (r *FenceReference) SetImmediateRelease(a, b *FenceReference) {
	r.release1 = a
	r.release2 = b
}

// Signal sets the Signaled bit on r's underlying fence.
func (r *FenceReference) Signal() {
	r.fence.Signal()
}

// fireReleaseChain signals and releases any release-chain targets
// installed via SetImmediateRelease, then clears them so firing again
// is a no-op.
func (r *FenceReference) fireReleaseChain() {
	if r.release1 != nil {
		r.release1.Signal()
		r.release1.Release()
		r.release1 = nil
	}
	if r.release2 != nil {
		r.release2.Signal()
		r.release2.Release()
		r.release2 = nil
	}
}
