package condvar_test

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/amirhosseinghadimizadeh/zircon/condvar"
	"github.com/amirhosseinghadimizadeh/zircon/condvar/futexmutex"
)

// newCond returns a condition variable paired with a fresh mutex of the
// package's default futex-backed implementation.
func newCond() (*condvar.Cond[*futexmutex.Mutex], *futexmutex.Mutex) {
	return condvar.New[*futexmutex.Mutex](), &futexmutex.Mutex{}
}

// waitForLen blocks until cv reports n queued waiters, failing the test
// if that doesn't happen within a reasonable bound.
func waitForLen(t *testing.T, cv *condvar.Cond[*futexmutex.Mutex], n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cv.Len() == n {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d queued waiters, got %d", n, cv.Len())
}

func TestSingleSignalSingleWaiter(t *testing.T) {
	cv, mu := newCond()

	done := make(chan error, 1)
	go func() {
		mu.Lock()
		defer mu.Unlock()
		done <- cv.TimedWait(mu, condvar.Forever)
	}()

	waitForLen(t, cv, 1)

	if woken := cv.Signal(1); woken != 1 {
		t.Fatalf("Signal(1) claimed %d waiters, want 1", woken)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("TimedWait returned %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("waiter never returned from TimedWait")
	}
}

func TestBroadcastWakesInEnqueueOrder(t *testing.T) {
	cv, mu := newCond()

	var order []string
	var orderMu sync.Mutex
	record := func(name string) {
		orderMu.Lock()
		order = append(order, name)
		orderMu.Unlock()
	}

	done := make(chan struct{}, 3)
	names := []string{"A", "B", "C"}
	for i, name := range names {
		name := name
		go func() {
			mu.Lock()
			defer mu.Unlock()
			if err := cv.TimedWait(mu, condvar.Forever); err != nil {
				t.Errorf("TimedWait: %v", err)
			}
			record(name)
			done <- struct{}{}
		}()
		// Wait for this goroutine to have enqueued before starting the
		// next one, so the enqueue order matches names' order.
		waitForLen(t, cv, i+1)
	}

	if woken := cv.Broadcast(); woken != 3 {
		t.Fatalf("Broadcast claimed %d waiters, want 3", woken)
	}

	for i := 0; i < 3; i++ {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("not all waiters returned")
		}
	}

	orderMu.Lock()
	defer orderMu.Unlock()
	want := []string{"A", "B", "C"}
	for i, name := range want {
		if order[i] != name {
			t.Fatalf("return order = %v, want oldest-enqueued-first %v", order, want)
		}
	}
}

func TestTimeoutRaceNeverDoubleCounts(t *testing.T) {
	for i := 0; i < 50; i++ {
		cv, mu := newCond()

		result := make(chan error, 1)
		go func() {
			mu.Lock()
			defer mu.Unlock()
			result <- cv.TimedWait(mu, time.Now().Add(time.Millisecond))
		}()

		waitForLen(t, cv, 1)
		woken := cv.Signal(1)

		err := <-result
		switch {
		case err == nil && woken == 1:
			// Signal won the race.
		case errors.Is(err, condvar.ErrTimedOut) && woken == 0:
			// The timeout won the race.
		default:
			t.Fatalf("inconsistent outcome: err=%v woken=%d", err, woken)
		}
	}
}

func TestLenTracksQueueDepth(t *testing.T) {
	cv, mu := newCond()
	if got := cv.Len(); got != 0 {
		t.Fatalf("Len() = %d on empty condvar, want 0", got)
	}

	done := make(chan struct{})
	go func() {
		mu.Lock()
		defer mu.Unlock()
		_ = cv.TimedWait(mu, condvar.Forever)
		close(done)
	}()

	waitForLen(t, cv, 1)
	cv.Signal(1)
	<-done
	waitForLen(t, cv, 0)
}
