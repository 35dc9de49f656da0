// arbiter/arbiter.go
package arbiter

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"chimera-node/errcode"
	"chimera-node/types"
)

// DefaultMaxHold is the advisory bound on how long a lock should be
// held. Exceeding it is logged on release, never enforced.
const DefaultMaxHold = 100 * time.Millisecond

// Config configures an Arbiter. Zero values take defaults.
type Config struct {
	MaxHold time.Duration
	Log     zerolog.Logger
}

// Arbiter grants exclusive, priority-ordered access to the physical
// buses. The SPI bus is shared by the sub-GHz radio and the display;
// I2C belongs to the NFC reader. When both buses are needed the fixed
// global order is SPI before I2C: acquiring SPI while holding I2C is
// rejected outright, which makes circular wait impossible.
type Arbiter struct {
	maxHold time.Duration
	log     zerolog.Logger

	mu       sync.Mutex
	buses    map[types.BusID]*busState
	holdings map[types.TaskID]map[types.BusID]*Lock

	// Raised by the radio task during high-rate capture. The display
	// path polls this and skips or coalesces drawing instead of
	// queueing behind a priority-favoured radio acquisition.
	captureActive atomic.Bool
}

type busState struct {
	holder  *Lock
	waiters []*waiter
}

type waiter struct {
	task  types.TaskID
	grant chan *Lock
}

// Lock represents held ownership of one bus by one task.
type Lock struct {
	arb      *Arbiter
	bus      types.BusID
	task     types.TaskID
	acquired time.Time
	released bool // guarded by arb.mu
}

func (l *Lock) Bus() types.BusID   { return l.bus }
func (l *Lock) Task() types.TaskID { return l.task }

func New(cfg Config) *Arbiter {
	if cfg.MaxHold <= 0 {
		cfg.MaxHold = DefaultMaxHold
	}
	return &Arbiter{
		maxHold: cfg.MaxHold,
		log:     cfg.Log,
		buses: map[types.BusID]*busState{
			types.BusSPI: {},
			types.BusI2C: {},
		},
		holdings: map[types.TaskID]map[types.BusID]*Lock{},
	}
}

// Acquire blocks the calling goroutine until the bus is granted or ctx
// expires. Contending tasks are served in static-priority order, not
// arrival order; a lower-priority task can be starved by a fast
// reacquiring higher-priority one, which is the accepted trade-off for
// radio timing.
func (a *Arbiter) Acquire(ctx context.Context, bus types.BusID, task types.TaskID) (*Lock, error) {
	a.mu.Lock()

	st, ok := a.buses[bus]
	if !ok {
		a.mu.Unlock()
		return nil, &errcode.E{C: errcode.UnknownBus, Op: "arbiter.acquire", Msg: bus.String()}
	}

	// Lock-order check: never wait on a lower-ordered bus while
	// holding a higher-ordered one.
	for held := range a.holdings[task] {
		if held.Order() > bus.Order() {
			a.mu.Unlock()
			return nil, &errcode.E{
				C: errcode.LockOrder, Op: "arbiter.acquire",
				Msg: task.String() + " holds " + held.String() + ", cannot acquire " + bus.String(),
			}
		}
	}

	if st.holder == nil && len(st.waiters) == 0 {
		l := a.grantLocked(st, bus, task)
		a.mu.Unlock()
		return l, nil
	}

	w := &waiter{task: task, grant: make(chan *Lock, 1)}
	st.insertWaiter(w)
	a.mu.Unlock()

	select {
	case l := <-w.grant:
		return l, nil
	case <-ctx.Done():
		a.mu.Lock()
		// The grant may have raced the timeout; if so, hand it back.
		select {
		case l := <-w.grant:
			a.releaseLocked(l)
		default:
			st.removeWaiter(w)
		}
		a.mu.Unlock()
		return nil, &errcode.E{C: errcode.BusTimeout, Op: "arbiter.acquire", Msg: bus.String(), Err: ctx.Err()}
	}
}

// Release frees the bus and grants it to the highest-priority waiter.
func (a *Arbiter) Release(l *Lock) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.releaseLocked(l)
}

func (a *Arbiter) releaseLocked(l *Lock) {
	if l == nil || l.released {
		return
	}
	l.released = true

	if held := time.Since(l.acquired); held > a.maxHold {
		a.log.Warn().
			Str("bus", l.bus.String()).
			Str("task", l.task.String()).
			Dur("held", held).
			Dur("max_hold", a.maxHold).
			Msg("bus lock held past advisory bound")
	}

	delete(a.holdings[l.task], l.bus)

	st := a.buses[l.bus]
	st.holder = nil
	if len(st.waiters) > 0 {
		w := st.waiters[0]
		st.waiters = st.waiters[1:]
		w.grant <- a.grantLocked(st, l.bus, w.task)
	}
}

func (a *Arbiter) grantLocked(st *busState, bus types.BusID, task types.TaskID) *Lock {
	l := &Lock{arb: a, bus: bus, task: task, acquired: time.Now()}
	st.holder = l
	if a.holdings[task] == nil {
		a.holdings[task] = map[types.BusID]*Lock{}
	}
	a.holdings[task][bus] = l
	return l
}

// insertWaiter keeps waiters ordered by descending priority, FIFO
// among equals.
func (st *busState) insertWaiter(w *waiter) {
	i := len(st.waiters)
	for i > 0 && st.waiters[i-1].task.Priority() < w.task.Priority() {
		i--
	}
	st.waiters = append(st.waiters, nil)
	copy(st.waiters[i+1:], st.waiters[i:])
	st.waiters[i] = w
}

func (st *busState) removeWaiter(w *waiter) {
	for i, x := range st.waiters {
		if x == w {
			st.waiters = append(st.waiters[:i], st.waiters[i+1:]...)
			return
		}
	}
}

// Release frees the lock via its arbiter. Safe to call once per lock;
// extra calls are no-ops.
func (l *Lock) Release() {
	if l != nil && l.arb != nil {
		l.arb.Release(l)
	}
}

// SetCaptureActive marks the start or end of a high-rate radio capture.
func (a *Arbiter) SetCaptureActive(active bool) { a.captureActive.Store(active) }

// CaptureActive reports whether a high-rate capture is running. Display
// code must poll this before SPI-bound drawing and defer rather than
// block: a dropped UI frame is acceptable, a dropped radio sample is not.
func (a *Arbiter) CaptureActive() bool { return a.captureActive.Load() }
