// Package ring implements the fixed-capacity, single-producer/single-consumer
// byte ring that carries the GPU thread's variable-length typed commands.
//
// The ring never splits a slot across its tail: when an allocation would
// cross the end of the buffer, the producer writes a [TagWraparound] header
// describing the unused remainder and restarts the allocation at offset 0.
// The consumer's Drain treats Wraparound as a no-op cursor reset and never
// hands it to the dispatcher.
package ring

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync/atomic"
)

// DefaultCapacity is the ring size used when a caller does not need a
// smaller buffer for testing. It matches the 4 MiB command queue size of
// the system this engine coordinates.
const DefaultCapacity = 4 * 1024 * 1024

// headerSize is the encoded size of a slot header: a 4-byte tag plus a
// 4-byte length, matching the "4-byte aligned" requirement for slot sizes.
const headerSize = 8

// cachePad is sized so that two uint32 fields separated by it fall on
// different cache lines, preventing the producer's writes to write from
// invalidating the consumer's cache line holding read, and vice versa.
const cachePad = 64 - 4

// CommandTag identifies the kind of command stored in a slot.
type CommandTag uint32

const (
	// TagWraparound pads the tail of the ring; it tells the consumer to
	// restart its read cursor at offset 0. Never dispatched to a backend.
	TagWraparound CommandTag = iota
	// TagAsyncCall carries a zero-argument thunk the consumer invokes and
	// discards.
	TagAsyncCall
	// TagUpdateVSync tells the consumer to re-read the requested vsync
	// mode and present-throttle flag.
	TagUpdateVSync
	// TagChangeBackend tells the consumer to re-read the requested
	// renderer and adjust the backend/device accordingly.
	TagChangeBackend
	// TagBackendBase is the first tag value available to backend-specific
	// commands. Values below it are reserved by this package.
	TagBackendBase
)

// String returns a human-readable name for the tag, useful in logs and
// test failure messages.
func (t CommandTag) String() string {
	switch t {
	case TagWraparound:
		return "Wraparound"
	case TagAsyncCall:
		return "AsyncCall"
	case TagUpdateVSync:
		return "UpdateVSync"
	case TagChangeBackend:
		return "ChangeBackend"
	default:
		if t >= TagBackendBase {
			return fmt.Sprintf("Backend(%d)", uint32(t)-uint32(TagBackendBase))
		}
		return "Unknown"
	}
}

var (
	// ErrPayloadTooLarge is returned (via OnProgrammerError) when a
	// requested allocation cannot fit in the ring even when empty.
	ErrPayloadTooLarge = errors.New("ring: payload too large for capacity")
	// ErrDoubleAllocate is returned when Allocate is called again before
	// the previous slot was published.
	ErrDoubleAllocate = errors.New("ring: allocate called without publishing the previous slot")
	// ErrPublishWithoutAllocate is returned when Publish is called
	// without a matching prior Allocate.
	ErrPublishWithoutAllocate = errors.New("ring: publish called without a matching allocate")
	// ErrForeignSlot is returned when Publish is called with a Slot that
	// did not originate from this Ring.
	ErrForeignSlot = errors.New("ring: slot does not belong to this ring")
)

// align4 rounds size up to the next multiple of 4.
func align4(size uint32) uint32 {
	return (size + 3) &^ 3
}

// Ring is a fixed-capacity SPSC byte ring for variable-length commands.
//
// Allocate and Publish must only ever be called from the producer; Drain
// must only ever be called from the consumer. Ring itself holds no lock:
// safety comes entirely from the single-writer/single-reader discipline
// and the acquire/release pairing on read/write.
type Ring struct {
	buf      []byte
	capacity uint32

	// read is advanced by the consumer, observed by the producer.
	read atomic.Uint32
	_    [cachePad]byte

	// write is advanced by the producer, observed by the consumer. Kept
	// on its own cache line so the two threads never contend for the
	// same line.
	write atomic.Uint32
	_     [cachePad]byte

	// wake is invoked by Allocate while busy-waiting for space to free
	// up. It is normally bound to a WakeProtocol's Wake method by the
	// owning facade; it must never block.
	wake func()

	// pendingAllocation guards against misuse (double allocate, publish
	// without allocate). Touched only by the producer, so it needs no
	// synchronization of its own.
	pendingAllocation bool
	pendingOffset     uint32
	pendingSize       uint32

	// OnProgrammerError is invoked for ring misuse and oversized payloads,
	// matching spec.md's "programmer error (fatal assertion)" language.
	// Defaults to panicking; tests may override it to observe the error
	// instead of crashing the test binary.
	OnProgrammerError func(error)
}

// New creates a Ring with the given capacity. wake is called whenever
// Allocate must busy-wait for space; it is typically bound to a
// WakeProtocol's Wake method. wake may be nil, in which case Allocate spins
// without attempting to wake anyone (only useful in tests with a draining
// consumer on another goroutine).
func New(capacity uint32, wake func()) *Ring {
	if capacity == 0 {
		capacity = DefaultCapacity
	}
	if wake == nil {
		wake = func() {}
	}
	return &Ring{
		buf:               make([]byte, capacity),
		capacity:          capacity,
		wake:              wake,
		OnProgrammerError: defaultFatal,
	}
}

func defaultFatal(err error) { panic(err) }

// Capacity returns the ring's fixed byte capacity.
func (r *Ring) Capacity() uint32 { return r.capacity }

// Empty reports whether the ring currently has no undispatched slots. It
// is a point-in-time snapshot; the consumer should prefer Drain's own
// internal check when deciding whether to sleep.
func (r *Ring) Empty() bool {
	return r.read.Load() == r.write.Load()
}

// Pending returns the number of undispatched bytes currently in the ring,
// accounting for wraparound.
func (r *Ring) Pending() uint32 {
	read := r.read.Load()
	write := r.write.Load()
	if write >= read {
		return write - read
	}
	return r.capacity - read + write
}

// Slot is a reserved, not-yet-published region of the ring. Exactly one
// Publish call must follow each Allocate call, in allocation order.
type Slot struct {
	ring    *Ring
	Tag     CommandTag
	Payload []byte
	size    uint32
}

// Allocate reserves size bytes (rounded up to a 4-byte multiple, header
// included) for a command of the given tag. If there isn't enough
// contiguous space, Allocate busy-waits, poking the consumer via wake and
// re-checking read until space frees up or a wraparound slot is inserted.
func (r *Ring) Allocate(tag CommandTag, payloadSize uint32) Slot {
	if r.pendingAllocation {
		r.fatal(ErrDoubleAllocate)
	}

	size := align4(headerSize + payloadSize)
	if size > r.capacity-headerSize {
		r.fatal(fmt.Errorf("%w: requested %d bytes, capacity %d", ErrPayloadTooLarge, size, r.capacity))
		return Slot{}
	}

	for {
		writePtr := r.write.Load()
		readPtr := r.read.Load()

		if readPtr > writePtr {
			available := readPtr - writePtr
			// Require headerSize of slack beyond size so a fully-packed
			// allocation can never advance write to land exactly on read,
			// which would be indistinguishable from the empty state.
			for available < size+headerSize {
				r.wake()
				readPtr = r.read.Load()
				if readPtr > writePtr {
					available = readPtr - writePtr
				} else {
					// The consumer wrapped around while we were waiting;
					// re-evaluate from the top-of-buffer case below.
					break
				}
			}
			if readPtr <= writePtr {
				continue
			}
		} else {
			available := r.capacity - writePtr
			// Require headerSize of slack beyond size so write can never
			// land exactly on capacity: the next Allocate must always have
			// room to write at least a wraparound header before the end of
			// the buffer.
			if size+headerSize > available {
				if readPtr == 0 {
					// Wrapping now would move write onto read, which reads
					// as empty: wait for the consumer to move read first.
					r.wake()
					continue
				}
				// Not enough room before the end of the buffer: write a
				// wraparound sentinel for the remainder and restart the
				// allocation at offset 0. The sentinel is visible to the
				// consumer immediately, not on the next Publish.
				r.writeHeader(writePtr, TagWraparound, available)
				r.write.Store(0)
				continue
			}
		}

		r.writeHeader(writePtr, tag, size)
		r.pendingAllocation = true
		r.pendingOffset = writePtr
		r.pendingSize = size

		payloadStart := writePtr + headerSize
		return Slot{
			ring:    r,
			Tag:     tag,
			Payload: r.buf[payloadStart : writePtr+size],
			size:    size,
		}
	}
}

// Publish advances the write offset past slot with release semantics,
// making its bytes visible to the consumer. It must be called exactly
// once per Allocate, in allocation order. Publish returns the number of
// undispatched bytes now pending, which callers use to decide whether to
// wake the consumer.
func (r *Ring) Publish(slot Slot) uint32 {
	if slot.ring != r {
		r.fatal(ErrForeignSlot)
	}
	if !r.pendingAllocation || slot.size != r.pendingSize {
		r.fatal(ErrPublishWithoutAllocate)
	}
	r.pendingAllocation = false
	r.write.Add(slot.size)
	return r.Pending()
}

// Drain dispatches every currently-published slot once, in publication
// order. Wraparound slots are handled internally and never reach dispatch.
// It returns the number of non-wraparound slots dispatched; zero means the
// ring was empty when Drain was called.
func (r *Ring) Drain(dispatch func(tag CommandTag, payload []byte)) int {
	writePtr := r.write.Load()
	readPtr := r.read.Load()
	if readPtr == writePtr {
		return 0
	}

	effectiveWrite := writePtr
	if effectiveWrite < readPtr {
		effectiveWrite = r.capacity
	}

	dispatched := 0
	for readPtr < effectiveWrite {
		tag, size := r.readHeader(readPtr)
		readPtr += size

		if tag == TagWraparound {
			if readPtr != effectiveWrite {
				r.fatal(fmt.Errorf("ring: wraparound slot did not end at capacity (%d != %d)", readPtr, effectiveWrite))
			}
			r.read.Store(0)
			effectiveWrite = r.write.Load()
			readPtr = 0
			continue
		}

		payload := r.buf[readPtr-size+headerSize : readPtr]
		dispatch(tag, payload)
		dispatched++
	}

	r.read.Store(readPtr)
	return dispatched
}

func (r *Ring) writeHeader(offset uint32, tag CommandTag, size uint32) {
	binary.LittleEndian.PutUint32(r.buf[offset:offset+4], uint32(tag))
	binary.LittleEndian.PutUint32(r.buf[offset+4:offset+8], size)
}

func (r *Ring) readHeader(offset uint32) (CommandTag, uint32) {
	tag := CommandTag(binary.LittleEndian.Uint32(r.buf[offset : offset+4]))
	size := binary.LittleEndian.Uint32(r.buf[offset+4 : offset+8])
	return tag, size
}

func (r *Ring) fatal(err error) {
	if r.OnProgrammerError != nil {
		r.OnProgrammerError(err)
		return
	}
	panic(err)
}
