// critical/critical.go
package critical

import (
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// DefaultBudget is the firing-latency budget: condition observed to
// callback complete. Exceeding it is counted and logged, not recovered.
const DefaultBudget = 10 * time.Millisecond

// Condition identifies a trigger source, e.g. a button combination.
type Condition string

// Event is a condition observed while no matching action was armed. It
// is queued for the owning task's normal dispatch instead of firing.
type Event struct {
	Cond Condition
	TS   time.Time
}

// Action binds a condition to a callback. Fn runs synchronously in the
// trigger context: it must be minimal and must never block on bus
// acquisition or publish-with-backpressure.
type Action struct {
	Cond Condition
	Fn   func()
}

type Config struct {
	Budget   time.Duration
	QueueLen int
	Log      zerolog.Logger
}

// Armer holds at most one armed action and fires it on the trigger's
// goroutine, bypassing queued dispatch. Firing is single-shot: the
// armed slot is consumed atomically as part of firing, so concurrent
// triggers run the callback exactly once.
type Armer struct {
	budget time.Duration
	log    zerolog.Logger

	armed atomic.Pointer[Action]
	queue chan Event

	fired   atomic.Uint32
	misses  atomic.Uint32
	dropped atomic.Uint32
}

func New(cfg Config) *Armer {
	if cfg.Budget <= 0 {
		cfg.Budget = DefaultBudget
	}
	if cfg.QueueLen <= 0 {
		cfg.QueueLen = 16
	}
	return &Armer{
		budget: cfg.Budget,
		log:    cfg.Log,
		queue:  make(chan Event, cfg.QueueLen),
	}
}

// Arm installs the action, replacing any previously armed one.
func (a *Armer) Arm(act Action) {
	if act.Fn == nil {
		panic("critical: armed action requires a callback")
	}
	a.armed.Store(&act)
}

// Disarm clears the armed slot. Safe to call when nothing is armed.
func (a *Armer) Disarm() { a.armed.Store(nil) }

// Armed reports whether an action is currently armed.
func (a *Armer) Armed() bool { return a.armed.Load() != nil }

// TriggerFromISR is the interrupt-context entry point. If an action is
// armed for cond it fires synchronously, here, before anything queued,
// and reports true. Otherwise cond becomes a queued Event for the
// owning task; a full queue drops the event and counts it rather than
// blocking the trigger context.
func (a *Armer) TriggerFromISR(cond Condition) bool {
	if act := a.armed.Load(); act != nil && act.Cond == cond {
		if a.armed.CompareAndSwap(act, nil) {
			start := time.Now()
			act.Fn()
			a.fired.Add(1)
			if elapsed := time.Since(start); elapsed > a.budget {
				a.misses.Add(1)
				a.log.Warn().Str("cond", string(cond)).
					Dur("elapsed", elapsed).Dur("budget", a.budget).
					Msg("critical action missed latency budget")
			}
			return true
		}
		// Lost the consume race: another trigger is firing this action.
	}

	select {
	case a.queue <- Event{Cond: cond, TS: time.Now()}:
	default:
		a.dropped.Add(1)
	}
	return false
}

// Events is the queued-dispatch path for conditions seen while unarmed.
func (a *Armer) Events() <-chan Event { return a.queue }

func (a *Armer) Fired() uint32          { return a.fired.Load() }
func (a *Armer) DeadlineMisses() uint32 { return a.misses.Load() }
func (a *Armer) Dropped() uint32        { return a.dropped.Load() }
