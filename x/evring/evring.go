// x/evring/evring.go
package evring

import (
	"sync/atomic"
	"time"
)

// Event is one input edge captured in interrupt context.
type Event struct {
	Code  uint8 // input identifier (button index, encoder, ...)
	Level bool  // logical level after inversion
	TS    time.Time
}

// Ring is a single-producer, single-consumer event ring. The producer
// is an ISR-context trigger: Push never blocks and never allocates; on
// a full ring the event is dropped and counted. The consumer is the UI
// task, woken through Readable on the empty-to-non-empty edge.
type Ring struct {
	buf  []Event
	mask uint32
	rd   atomic.Uint32 // consumer index (monotonic)
	wr   atomic.Uint32 // producer index (monotonic)

	readable chan struct{} // 0 -> >0 available edge
	drops    atomic.Uint32
}

func New(size int) *Ring {
	if size < 2 || (size&(size-1)) != 0 {
		panic("evring: size must be power of two >= 2")
	}
	return &Ring{
		buf:      make([]Event, size),
		mask:     uint32(size - 1),
		readable: make(chan struct{}, 1),
	}
}

func (r *Ring) size() uint32 { return uint32(len(r.buf)) }

// Available reports how many events are queued.
func (r *Ring) Available() int {
	return int(r.wr.Load() - r.rd.Load())
}

// Push appends one event. Producer side only. Returns false and counts
// a drop when the ring is full.
func (r *Ring) Push(ev Event) bool {
	rd := r.rd.Load()
	wr := r.wr.Load()
	beforeAvail := wr - rd
	if beforeAvail >= r.size() {
		r.drops.Add(1)
		return false
	}

	r.buf[wr&r.mask] = ev
	r.wr.Store(wr + 1) // release

	// Wake the consumer on the empty-to-non-empty transition.
	if beforeAvail == 0 {
		select {
		case r.readable <- struct{}{}:
		default:
		}
	}
	return true
}

// Pop removes the oldest event. Consumer side only.
func (r *Ring) Pop() (Event, bool) {
	rd := r.rd.Load()
	wr := r.wr.Load() // acquire
	if wr == rd {
		return Event{}, false
	}
	ev := r.buf[rd&r.mask]
	r.rd.Store(rd + 1) // release
	return ev, true
}

// Drain pops into dst and returns the count. Consumer side only.
func (r *Ring) Drain(dst []Event) int {
	n := 0
	for n < len(dst) {
		ev, ok := r.Pop()
		if !ok {
			break
		}
		dst[n] = ev
		n++
	}
	return n
}

// Readable signals the empty-to-non-empty edge. Consumers must drain
// fully after each wakeup; intermediate pushes do not re-signal.
func (r *Ring) Readable() <-chan struct{} { return r.readable }

// Drops counts events rejected on a full ring.
func (r *Ring) Drops() uint32 { return r.drops.Load() }
