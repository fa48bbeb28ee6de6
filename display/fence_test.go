package display_test

import (
	"sync"
	"testing"
	"time"

	"github.com/amirhosseinghadimizadeh/zircon/display"
)

// fireLog is a FenceCallback that records every fired reference and
// every fence whose last reference died, and lets a test block for the
// next firing.
type fireLog struct {
	mu      sync.Mutex
	fired   []*display.FenceReference
	firedCh chan *display.FenceReference
	dead    []*display.Fence
}

func newFireLog() *fireLog {
	return &fireLog{firedCh: make(chan *display.FenceReference, 16)}
}

func (l *fireLog) OnFenceFired(ref *display.FenceReference) {
	l.mu.Lock()
	l.fired = append(l.fired, ref)
	l.mu.Unlock()
	l.firedCh <- ref
}

func (l *fireLog) OnRefForFenceDead(f *display.Fence) {
	l.mu.Lock()
	l.dead = append(l.dead, f)
	l.mu.Unlock()
}

func (l *fireLog) waitFired(t *testing.T) *display.FenceReference {
	t.Helper()
	select {
	case ref := <-l.firedCh:
		return ref
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a fired reference")
		return nil
	}
}

func newTestFence(t *testing.T, cb display.FenceCallback) (*display.Fence, *display.Event) {
	t.Helper()
	d, err := display.NewDispatcher()
	if err != nil {
		t.Fatalf("NewDispatcher: %v", err)
	}
	t.Cleanup(func() { d.Close() })

	ev, err := display.NewEvent()
	if err != nil {
		t.Fatalf("NewEvent: %v", err)
	}
	t.Cleanup(func() { ev.Close() })

	return display.NewFence(display.FenceID(1), cb, d, ev), ev
}

// TestFenceFIFOFiring covers spec scenario 4: arm R1, R2, R3 in order;
// three successive event signals deliver them in that same order, and
// the armed queue drains to empty.
func TestFenceFIFOFiring(t *testing.T) {
	log := newFireLog()
	f, ev := newTestFence(t, log)

	var refs []*display.FenceReference
	for i := 0; i < 3; i++ {
		f.ClearRef()
		ref, ok := f.CreateRef()
		if !ok {
			t.Fatalf("CreateRef failed")
		}
		if err := ref.StartReadyWait(); err != nil {
			t.Fatalf("StartReadyWait: %v", err)
		}
		refs = append(refs, ref)
	}

	for i, want := range refs {
		ev.Signal(0, display.Signaled)
		if got := log.waitFired(t); got != want {
			t.Fatalf("firing %d: got ref %p, want %p (FIFO arming order)", i, got, want)
		}
	}
}

// TestFenceReleaseChain covers spec scenario 5: a reference configured
// with two release-chain targets signals both before its own
// OnFenceFired delivery returns.
func TestFenceReleaseChain(t *testing.T) {
	log := newFireLog()

	fA, evA := newTestFence(t, log)
	refA, _ := fA.CreateRef()

	fB, evB := newTestFence(t, log)
	refB, _ := fB.CreateRef()

	main, evMain := newTestFence(t, log)
	r, _ := main.CreateRef()
	r.SetImmediateRelease(refA, refB)
	if err := r.StartReadyWait(); err != nil {
		t.Fatalf("StartReadyWait: %v", err)
	}

	evMain.Signal(0, display.Signaled)
	if fired := log.waitFired(t); fired != r {
		t.Fatalf("fired %p, want %p", fired, r)
	}

	if evA.Observed()&display.Signaled == 0 {
		t.Fatal("chain target A was not signalled")
	}
	if evB.Observed()&display.Signaled == 0 {
		t.Fatal("chain target B was not signalled")
	}
}

// armFromCallback arms a second reference from within OnFenceFired,
// covering spec scenario 6.
type armFromCallback struct {
	*fireLog
	second *display.FenceReference
	mu     sync.Mutex
	armed  bool
}

func (c *armFromCallback) OnFenceFired(ref *display.FenceReference) {
	c.mu.Lock()
	if !c.armed {
		c.armed = true
		if err := c.second.StartReadyWait(); err != nil {
			c.mu.Unlock()
			panic(err)
		}
	}
	c.mu.Unlock()
	c.fireLog.OnFenceFired(ref)
}

func TestArmFromWithinCallback(t *testing.T) {
	log := newFireLog()

	cb := &armFromCallback{fireLog: log}
	d, err := display.NewDispatcher()
	if err != nil {
		t.Fatalf("NewDispatcher: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	ev, err := display.NewEvent()
	if err != nil {
		t.Fatalf("NewEvent: %v", err)
	}
	t.Cleanup(func() { ev.Close() })

	f := display.NewFence(display.FenceID(1), cb, d, ev)
	r1, _ := f.CreateRef()
	if err := r1.StartReadyWait(); err != nil {
		t.Fatalf("StartReadyWait: %v", err)
	}
	f.ClearRef()
	r2, _ := f.CreateRef()
	cb.second = r2

	ev.Signal(0, display.Signaled)
	first := log.waitFired(t)
	if first != r1 {
		t.Fatalf("first fired = %p, want r1 %p", first, r1)
	}

	ev.Signal(0, display.Signaled)
	second := log.waitFired(t)
	if second != r2 {
		t.Fatalf("second fired = %p, want r2 %p", second, r2)
	}
}

func TestFenceRefAccounting(t *testing.T) {
	log := newFireLog()
	f, _ := newTestFence(t, log)

	ref, _ := f.CreateRef()
	ref.Acquire()
	ref.Release()
	ref.Release()

	if len(log.dead) != 1 {
		t.Fatalf("OnRefForFenceDead called %d times, want 1", len(log.dead))
	}
	if log.dead[0] != f {
		t.Fatalf("OnRefForFenceDead reported wrong fence")
	}
}
