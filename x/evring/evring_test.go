// x/evring/evring_test.go
package evring

import (
	"testing"
	"time"
)

func TestPushPopOrder(t *testing.T) {
	r := New(8)

	for i := 0; i < 5; i++ {
		if !r.Push(Event{Code: uint8(i)}) {
			t.Fatalf("push %d rejected", i)
		}
	}
	if r.Available() != 5 {
		t.Fatalf("Available() = %d, want 5", r.Available())
	}
	for i := 0; i < 5; i++ {
		ev, ok := r.Pop()
		if !ok || ev.Code != uint8(i) {
			t.Fatalf("pop %d: got (%v, %v)", i, ev, ok)
		}
	}
	if _, ok := r.Pop(); ok {
		t.Fatal("pop on empty ring succeeded")
	}
}

func TestFullRingDrops(t *testing.T) {
	r := New(4)

	for i := 0; i < 4; i++ {
		if !r.Push(Event{Code: uint8(i)}) {
			t.Fatalf("push %d rejected before full", i)
		}
	}
	if r.Push(Event{Code: 99}) {
		t.Fatal("push on full ring accepted")
	}
	if r.Drops() != 1 {
		t.Fatalf("Drops() = %d, want 1", r.Drops())
	}
	// Existing events are intact.
	ev, ok := r.Pop()
	if !ok || ev.Code != 0 {
		t.Fatalf("oldest event = (%v, %v), want code 0", ev, ok)
	}
}

func TestWrapAround(t *testing.T) {
	r := New(4)

	for round := 0; round < 10; round++ {
		for i := 0; i < 3; i++ {
			if !r.Push(Event{Code: uint8(round*3 + i)}) {
				t.Fatalf("round %d push %d rejected", round, i)
			}
		}
		for i := 0; i < 3; i++ {
			ev, ok := r.Pop()
			if !ok || ev.Code != uint8(round*3+i) {
				t.Fatalf("round %d pop %d: got (%v, %v)", round, i, ev, ok)
			}
		}
	}
}

func TestReadableEdgeSignal(t *testing.T) {
	r := New(8)

	select {
	case <-r.Readable():
		t.Fatal("readable signalled on empty ring")
	default:
	}

	r.Push(Event{Code: 1})
	select {
	case <-r.Readable():
	case <-time.After(100 * time.Millisecond):
		t.Fatal("no readable signal after empty-to-non-empty push")
	}

	// Second push while non-empty: no second signal guaranteed, but the
	// edge must fire again after draining to empty.
	r.Push(Event{Code: 2})
	var buf [8]Event
	if n := r.Drain(buf[:]); n != 2 {
		t.Fatalf("Drain = %d, want 2", n)
	}

	r.Push(Event{Code: 3})
	select {
	case <-r.Readable():
	case <-time.After(100 * time.Millisecond):
		t.Fatal("no readable signal after drain and re-push")
	}
}

func TestConcurrentProducerConsumer(t *testing.T) {
	r := New(64)
	const total = 10000

	done := make(chan int)
	go func() {
		seen := 0
		var last int32 = -1
		for seen < total {
			ev, ok := r.Pop()
			if !ok {
				select {
				case <-r.Readable():
				case <-time.After(time.Millisecond):
				}
				continue
			}
			// Codes wrap at 256; check monotonic sequence modulo 256.
			want := uint8(last + 1)
			if ev.Code != want {
				t.Errorf("event %d: code = %d, want %d", seen, ev.Code, want)
				done <- seen
				return
			}
			last = int32(want)
			if last == 255 {
				last = -1
			}
			seen++
		}
		done <- seen
	}()

	sent := 0
	for sent < total {
		if r.Push(Event{Code: uint8(sent % 256)}) {
			sent++
		}
	}

	if got := <-done; got != total {
		t.Fatalf("consumer saw %d events, want %d", got, total)
	}
}

func TestNewPanicsOnBadSize(t *testing.T) {
	for _, size := range []int{0, 1, 3, 6, 100} {
		func() {
			defer func() {
				if recover() == nil {
					t.Errorf("New(%d) did not panic", size)
				}
			}()
			New(size)
		}()
	}
}
