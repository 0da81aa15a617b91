// Package worker runs a tile: a hot path executed every iteration and a
// housekeeping pass executed at a jittered, bounded minimum rate.
package worker

import (
	"math/rand/v2"
	"runtime"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"starTango/cnc"
	"starTango/pkg/timer"
)

// Tile is one unit of work owned by a single worker.
type Tile interface {
	// Boot validates configuration and primes state. It runs with the
	// register in BOOT; an error leaves nothing running.
	Boot(ctx *Context) error
	// Housekeep runs at least once per lazy interval, before the signal
	// is checked.
	Housekeep(now int64)
	// Run is one iteration of the hot path. It must not block. An error
	// terminates the worker.
	Run(now int64) error
	// Halt runs once after the loop exits, on success or failure.
	Halt()
}

// Context is everything a tile gets from its worker.
type Context struct {
	Cnc   *cnc.Cnc
	Rng   *rand.Rand
	Lazy  time.Duration
	Clock timer.Clock
	// CPU pins the worker thread when >= 0.
	CPU int
	Log *log.Entry
}

// NewContext fills in a clock, logger and seeded random source.
func NewContext(c *cnc.Cnc, name string, seed uint64, lazy time.Duration) *Context {
	return &Context{
		Cnc:   c,
		Rng:   rand.New(rand.NewPCG(seed, uint64(c.Type()))),
		Lazy:  lazy,
		Clock: timer.Now,
		CPU:   -1,
		Log:   log.WithField("module", name),
	}
}

// Run executes t until the supervisor raises HALT or the hot path fails.
// It returns nil after a clean halt, leaving the register in BOOT.
func Run(ctx *Context, t Tile) error {
	if ctx == nil || ctx.Cnc == nil {
		return errors.New("worker needs a cnc")
	}
	if ctx.Rng == nil || ctx.Clock == nil || ctx.Log == nil {
		return errors.New("incomplete worker context")
	}
	l := ctx.Log

	if s := ctx.Cnc.Query(); s != cnc.SignalBoot {
		l.Warnf("cnc not in boot (%s)", s)
		return errors.Wrapf(cnc.ErrAlreadyBooted, "signal %s", s)
	}

	asyncMin := timer.AsyncMin(ctx.Lazy, 1)
	if asyncMin == 0 {
		l.Warnf("bad lazy %s", ctx.Lazy)
		return errors.Errorf("bad lazy %s", ctx.Lazy)
	}

	if ctx.CPU >= 0 {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
		if err := Pin(ctx.CPU); err != nil {
			l.Warnf("pin to cpu %d failed: %v", ctx.CPU, err)
			return err
		}
	}

	if err := t.Boot(ctx); err != nil {
		l.Warnf("boot failed: %v", err)
		return err
	}
	if err := ctx.Cnc.Start(); err != nil {
		t.Halt()
		l.Warnf("start failed: %v", err)
		return err
	}
	l.Infof("running (lazy %s)", ctx.Lazy)

	now := ctx.Clock()
	hk := timer.NewHousekeeper(ctx.Rng, asyncMin, now)
	for {
		if hk.Due(now) {
			t.Housekeep(now)
			ctx.Cnc.Heartbeat(now)

			s := ctx.Cnc.Query()
			if s != cnc.SignalRun {
				if s == cnc.SignalHalt {
					break
				}
				l.Warnf("unexpected signal %s, resuming", s)
				ctx.Cnc.Resume()
			}
			hk.Reload(now)
		}

		if err := t.Run(now); err != nil {
			l.Errorf("hot path failed: %v", err)
			t.Halt()
			ctx.Cnc.Fail()
			return err
		}
		now = ctx.Clock()
	}

	t.Halt()
	l.Info("halted")
	ctx.Cnc.Stop()
	return nil
}
