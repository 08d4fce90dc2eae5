package wake

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestSleepNoWorkReturnsFalse(t *testing.T) {
	p := New()
	ok, err := p.Sleep(context.Background(), false)
	if err != nil {
		t.Fatalf("Sleep returned error: %v", err)
	}
	if ok {
		t.Error("Sleep(false) with no pending work should return false")
	}
	if p.Pending() != -1 {
		t.Errorf("Pending() = %d, want -1 (sleeping)", p.Pending())
	}
}

func TestWakeThenSleepSeesWork(t *testing.T) {
	p := New()
	p.Wake()
	ok, err := p.Sleep(context.Background(), false)
	if err != nil {
		t.Fatalf("Sleep returned error: %v", err)
	}
	if !ok {
		t.Error("Sleep should report work available after Wake")
	}
}

func TestSleepBlocksUntilWake(t *testing.T) {
	p := New()

	// First drain to sleeping state.
	ok, err := p.Sleep(context.Background(), false)
	if err != nil || ok {
		t.Fatalf("setup Sleep() = (%v, %v), want (false, nil)", ok, err)
	}

	done := make(chan bool, 1)
	go func() {
		ok, err := p.Sleep(context.Background(), true)
		if err != nil {
			t.Error(err)
		}
		done <- ok
	}()

	select {
	case <-done:
		t.Fatal("Sleep(allowSleep=true) returned before Wake was called")
	case <-time.After(50 * time.Millisecond):
	}

	p.Wake()

	select {
	case ok := <-done:
		if !ok {
			t.Error("Sleep should report work available after being woken")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Sleep never woke up after Wake")
	}
}

func TestSyncReturnsImmediatelyWhenAlreadySleeping(t *testing.T) {
	p := New()
	// Put the consumer to sleep first.
	p.Sleep(context.Background(), false)

	done := make(chan error, 1)
	go func() { done <- p.Sync(context.Background(), false) }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Sync returned error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Sync should return immediately when the consumer is already sleeping")
	}
}

func TestSyncWaitsForSleepTransition(t *testing.T) {
	p := New()
	p.Wake() // pending work, consumer not sleeping.

	done := make(chan error, 1)
	go func() { done <- p.Sync(context.Background(), false) }()

	select {
	case <-done:
		t.Fatal("Sync returned before the consumer acknowledged drain")
	case <-time.After(50 * time.Millisecond):
	}

	if !p.IsCPUWaiting() {
		t.Error("expected cpuWaiting flag to be set while Sync is blocked")
	}

	// Consumer drains and goes back to sleep, which must post doneSem
	// exactly once because cpuWaiting was observed set.
	ok, err := p.Sleep(context.Background(), false)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("Sleep should report no pending work once drained")
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Sync returned error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Sync never returned after the consumer went back to sleep")
	}
}

func TestWakeRaceNoLostWakeup(t *testing.T) {
	p := New()
	const n = 10000

	var dispatched atomic.Int64
	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			ok, err := p.Sleep(context.Background(), true)
			if err != nil {
				t.Error(err)
				return
			}
			if ok {
				dispatched.Add(1)
			}
			select {
			case <-stop:
				return
			default:
			}
			if dispatched.Load() >= n {
				return
			}
		}
	}()

	for i := 0; i < n; i++ {
		p.Wake()
	}

	// Sleep clears the whole pending count at once, so the consumer
	// observes far fewer than n separate wakes; stop it explicitly, with one
	// more Wake in case it is blocked in Sleep.
	close(stop)
	p.Wake()
	wg.Wait()

	if got := dispatched.Load(); got < 1 {
		t.Errorf("consumer never observed any work, dispatched=%d", got)
	}
}

func TestPendingCountEncoding(t *testing.T) {
	p := New()
	if p.Pending() != 0 {
		t.Fatalf("fresh Protocol Pending() = %d, want 0", p.Pending())
	}
	p.Wake()
	if p.Pending() != 2 {
		t.Fatalf("after one Wake, Pending() = %d, want 2", p.Pending())
	}
	p.Wake()
	if p.Pending() != 4 {
		t.Fatalf("after two Wakes, Pending() = %d, want 4", p.Pending())
	}
}
