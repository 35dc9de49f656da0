// radiomode/radiomode.go
package radiomode

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"chimera-node/errcode"
	"chimera-node/types"
)

// Driver performs the hardware side of a mode transition. Enter is never
// called for ModeOff; Leave is never called for ModeOff. Hooks must be
// synchronous and honour ctx.
type Driver interface {
	Enter(ctx context.Context, m types.RadioMode) error
	Leave(ctx context.Context, m types.RadioMode) error
}

// Controller owns the single radio mode. All transitions go through it;
// nothing else touches the radio's operating configuration. A transition
// is teardown-then-setup: the old mode is fully left before the new one
// is entered, and the observable mode only changes once setup succeeds.
type Controller struct {
	drv Driver
	log zerolog.Logger

	mu   sync.Mutex
	mode types.RadioMode
}

func New(drv Driver, log zerolog.Logger) *Controller {
	return &Controller{drv: drv, log: log, mode: types.ModeOff}
}

// Mode returns the current observable mode.
func (c *Controller) Mode() types.RadioMode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode
}

// SetMode transitions to the requested mode and persists it. Requesting
// the current mode is a no-op. Any hook failure leaves the radio Off —
// a half-configured radio is worse than a dead one — and returns a
// mode-transition error.
func (c *Controller) SetMode(ctx context.Context, next types.RadioMode) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.setModeLocked(ctx, next)
}

func (c *Controller) setModeLocked(ctx context.Context, next types.RadioMode) error {
	if next == c.mode {
		return nil
	}
	prev := c.mode

	if prev != types.ModeOff {
		if err := c.drv.Leave(ctx, prev); err != nil {
			c.mode = types.ModeOff
			c.log.Error().Str("from", prev.String()).Str("to", next.String()).
				Err(err).Msg("mode teardown failed, radio off")
			return &errcode.E{C: errcode.ModeTransition, Op: "radiomode.set",
				Msg: "teardown of " + prev.String(), Err: err}
		}
	}

	if next == types.ModeOff {
		c.mode = types.ModeOff
		c.log.Debug().Str("from", prev.String()).Msg("radio off")
		return nil
	}

	if err := c.drv.Enter(ctx, next); err != nil {
		c.mode = types.ModeOff
		c.log.Error().Str("from", prev.String()).Str("to", next.String()).
			Err(err).Msg("mode setup failed, radio off")
		return &errcode.E{C: errcode.ModeTransition, Op: "radiomode.set",
			Msg: "setup of " + next.String(), Err: err}
	}

	c.mode = next
	c.log.Debug().Str("from", prev.String()).Str("to", next.String()).Msg("radio mode changed")
	return nil
}

// WithMode runs fn in the requested mode, then restores the mode that
// was active before the call. The restore-vs-persist choice is made at
// the call site: transient operations (scan, spectrum sweep) use
// WithMode, long-running captures use SetMode. fn's error wins over a
// restore error; a failed restore leaves the radio Off per SetMode.
//
// The controller stays locked for the duration of fn, so concurrent
// transitions cannot interleave with a transient operation.
func (c *Controller) WithMode(ctx context.Context, m types.RadioMode, fn func(ctx context.Context) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	prev := c.mode
	if err := c.setModeLocked(ctx, m); err != nil {
		return err
	}

	fnErr := fn(ctx)
	restoreErr := c.setModeLocked(ctx, prev)
	if fnErr != nil {
		return fnErr
	}
	return restoreErr
}
