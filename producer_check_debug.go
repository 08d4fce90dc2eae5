//go:build gputhread_checkproducer

package gputhread

import (
	"bytes"
	"runtime"
	"strconv"
	"sync/atomic"
)

// producerGuard asserts, in builds tagged gputhread_checkproducer, that
// every facade method is called from the same goroutine that called Start.
// It is a real check only in that debug build; the default build below
// compiles it away to nothing.
type producerGuard struct {
	id atomic.Int64
}

func (p *producerGuard) bind() {
	p.id.Store(goroutineID())
}

func (p *producerGuard) check() {
	if id := p.id.Load(); id != 0 && id != goroutineID() {
		panic("gputhread: facade method called from a goroutine other than the producer")
	}
}

// goroutineID parses the numeric id out of the current goroutine's stack
// trace header ("goroutine 17 [running]: ..."). It exists only for this
// debug build's assertion and is never on a hot path outside it.
func goroutineID() int64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	b := bytes.TrimPrefix(buf[:n], []byte("goroutine "))
	if i := bytes.IndexByte(b, ' '); i > 0 {
		if id, err := strconv.ParseInt(string(b[:i]), 10, 64); err == nil {
			return id
		}
	}
	return 0
}
