// Package wake implements the sleep/wake/sync signaling protocol between a
// single producer goroutine and the consumer goroutine it feeds through a
// [github.com/gogpu/gputhread/ring.Ring].
//
// The protocol is built around one packed atomic integer: the low bits hold
// a pending-work count (negative means the consumer is asleep), and a single
// flag bit records that a producer is blocked in Sync waiting for the
// consumer to drain. Two counting semaphores carry the actual OS-level
// wakeups in each direction.
package wake

import (
	"context"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
)

// cpuWaiting marks that a producer has called Sync and is blocked on
// doneSem, waiting for the consumer to acknowledge it has drained
// everything published before the sync point.
const cpuWaiting int32 = 0x40000000

// sleeping is the sentinel pending-work value that means the consumer has
// gone to sleep on wakeSem.
const sleeping int32 = -1

// semCapacity bounds how many outstanding posts a semaphore can accumulate
// before a matching wait drains them. It is sized generously since the
// protocol's own CAS loops are what actually prevent unbounded queuing.
const semCapacity = 1 << 30

// DefaultSpinDuration is how long Sync spins checking the wake state before
// falling back to blocking on the done semaphore.
const DefaultSpinDuration = 30 * time.Microsecond

// Protocol coordinates one producer goroutine and one consumer goroutine.
// The zero value is not usable; construct with [New].
type Protocol struct {
	state atomic.Int32

	// wakeSem carries producer-to-consumer wakeups; wakeSem is posted
	// exactly once per Wake call that observes the consumer sleeping.
	wakeSem *semaphore.Weighted
	// doneSem carries consumer-to-producer sync acknowledgements; posted
	// exactly once per transition from "running with a waiting producer"
	// to "sleeping".
	doneSem *semaphore.Weighted

	// SpinDuration bounds how long Sync spins before blocking. Defaults to
	// DefaultSpinDuration; exported so callers can tune it or disable
	// spinning entirely (0) in tests.
	SpinDuration time.Duration
}

// New creates a Protocol with both semaphores fully held, so the first
// Acquire on either blocks until a matching Release — exactly the counting
// semaphore behavior the protocol needs from a semaphore type that is
// normally used to bound concurrency rather than to signal.
func New() *Protocol {
	p := &Protocol{
		wakeSem:      semaphore.NewWeighted(semCapacity),
		doneSem:      semaphore.NewWeighted(semCapacity),
		SpinDuration: DefaultSpinDuration,
	}
	if !p.wakeSem.TryAcquire(semCapacity) || !p.doneSem.TryAcquire(semCapacity) {
		panic("wake: failed to pre-acquire semaphore capacity")
	}
	return p
}

// Wake is called by the producer after publishing work. It atomically adds
// 2 to the pending-work count (never 1: the increment must stay even so it
// never collides with the cpuWaiting flag bit) and, if the consumer was
// sleeping, posts wakeSem exactly once.
func (p *Protocol) Wake() {
	newState := p.state.Add(2)
	if newState-2 < 0 {
		p.wakeSem.Release(1)
	}
}

// Sleep is called by the consumer when it has drained the ring. It clears
// the pending-work count while preserving the cpuWaiting flag if set. If
// there was work already queued by the time Sleep observed the state, it
// returns true immediately ("work available", the caller should re-check
// the ring rather than actually sleeping). Otherwise it transitions to the
// sleeping sentinel, wakes any producer blocked in Sync, and — if
// allowSleep — blocks on wakeSem until the next Wake before returning true.
// If !allowSleep, it returns false ("no work") instead of blocking, letting
// the caller present an idle frame and loop.
func (p *Protocol) Sleep(ctx context.Context, allowSleep bool) (bool, error) {
	for {
		old := p.state.Load()
		pending := old &^ cpuWaiting

		var next int32
		if pending > 0 {
			next = old & cpuWaiting
		} else {
			next = sleeping
		}

		if !p.state.CompareAndSwap(old, next) {
			continue
		}

		if pending > 0 {
			return true, nil
		}

		if old&cpuWaiting != 0 {
			p.doneSem.Release(1)
		}

		if !allowSleep {
			return false, nil
		}

		if err := p.wakeSem.Acquire(ctx, 1); err != nil {
			return false, err
		}
		// Woken: loop and re-evaluate, absorbing spurious over-posts.
	}
}

// Sync is called by the producer after a push it wants to wait on. If spin
// is true, it first busy-checks the state for up to SpinDuration, avoiding a
// semaphore round-trip for commands the consumer dispatches quickly. It then
// sets cpuWaiting via CAS and blocks on doneSem, unless the CAS loop
// observes the consumer has already gone to sleep (meaning everything
// published before this call has already been drained), in which case it
// returns immediately.
func (p *Protocol) Sync(ctx context.Context, spin bool) error {
	if spin && p.SpinDuration > 0 {
		deadline := time.Now().Add(p.SpinDuration)
		for time.Now().Before(deadline) {
			if p.state.Load()&^cpuWaiting < 0 {
				return nil
			}
		}
	}

	for {
		val := p.state.Load()
		if val&^cpuWaiting < 0 {
			return nil
		}
		if p.state.CompareAndSwap(val, val|cpuWaiting) {
			break
		}
	}

	return p.doneSem.Acquire(ctx, 1)
}

// Pending reports the current pending-work count, or -1 if the consumer is
// currently sleeping. It is a diagnostic snapshot only; callers must not
// make correctness decisions from it.
func (p *Protocol) Pending() int32 {
	state := p.state.Load()
	if state == sleeping {
		return -1
	}
	return state &^ cpuWaiting
}

// IsCPUWaiting reports whether a producer is currently blocked in Sync. It
// is a diagnostic snapshot only, used by tests to assert on the protocol's
// internal state without races on the outcome of a concurrent Sleep/Wake.
func (p *Protocol) IsCPUWaiting() bool {
	return p.state.Load()&cpuWaiting != 0
}
