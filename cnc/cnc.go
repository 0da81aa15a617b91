// Package cnc implements the command and control register shared between a
// worker and its supervisor.
package cnc

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
)

// Signal is the value of the control word. Values past SignalFail are user
// defined.
type Signal uint64

const (
	SignalBoot Signal = iota
	SignalRun
	SignalHalt
	SignalFail
)

func (s Signal) String() string {
	switch s {
	case SignalBoot:
		return "boot"
	case SignalRun:
		return "run"
	case SignalHalt:
		return "halt"
	case SignalFail:
		return "fail"
	}
	return fmt.Sprintf("%d", uint64(s))
}

// ParseSignal accepts the names printed by Signal.String.
func ParseSignal(s string) (Signal, error) {
	for _, sig := range []Signal{SignalBoot, SignalRun, SignalHalt, SignalFail} {
		if s == sig.String() {
			return sig, nil
		}
	}
	var v uint64
	if _, err := fmt.Sscanf(s, "%d", &v); err != nil {
		return 0, errors.Errorf("unknown signal %q", s)
	}
	return Signal(v), nil
}

var (
	ErrAlreadyBooted = errors.New("cnc already booted")
	ErrNotBooted     = errors.New("cnc not booted")
	ErrNotRunning    = errors.New("cnc not running")
	ErrNotFailed     = errors.New("cnc not failed")
)

// AppCntMin is the smallest diagnostic region New accepts.
const AppCntMin = DiagCnt

// Cnc is a control register. The worker owns the transitions out of BOOT
// and back into it, the supervisor requests everything else with Raise.
type Cnc struct {
	signal     atomic.Uint64
	_          [7]uint64
	heartbeat  atomic.Int64
	heartbeat0 int64
	typ        uint64
	app        []atomic.Uint64
}

// New creates a register in BOOT.
func New(typ uint64, appCnt int, now int64) (*Cnc, error) {
	if appCnt < AppCntMin {
		return nil, errors.Errorf("cnc diag region of %d slots too small (min %d)", appCnt, AppCntMin)
	}
	c := &Cnc{typ: typ, heartbeat0: now, app: make([]atomic.Uint64, appCnt)}
	c.heartbeat.Store(now)
	c.signal.Store(uint64(SignalBoot))
	return c, nil
}

func (c *Cnc) Type() uint64 { return c.typ }

func (c *Cnc) Query() Signal { return Signal(c.signal.Load()) }

// Start moves BOOT to RUN. It is the only way into RUN from BOOT and is
// called by the worker once it finished initializing.
func (c *Cnc) Start() error {
	if !c.signal.CompareAndSwap(uint64(SignalBoot), uint64(SignalRun)) {
		return errors.Wrapf(ErrAlreadyBooted, "signal %s", c.Query())
	}
	return nil
}

// Resume puts a running worker back in RUN after it saw a signal it does
// not handle.
func (c *Cnc) Resume() { c.signal.Store(uint64(SignalRun)) }

// Stop returns the register to BOOT once the worker left its loop.
func (c *Cnc) Stop() { c.signal.Store(uint64(SignalBoot)) }

// Fail marks the worker as terminated by an error.
func (c *Cnc) Fail() { c.signal.Store(uint64(SignalFail)) }

// Raise is the supervisor side write. Raising the current value again is a
// no-op. RUN cannot be raised out of BOOT or FAIL, that transition belongs
// to a freshly initialized worker.
func (c *Cnc) Raise(s Signal) error {
	for {
		cur := c.Query()
		if cur == s {
			return nil
		}
		switch s {
		case SignalRun:
			if cur == SignalBoot || cur == SignalFail {
				return errors.Wrapf(ErrNotBooted, "raise run from %s", cur)
			}
		case SignalBoot:
			if cur != SignalFail {
				return errors.Wrapf(ErrNotFailed, "raise boot from %s", cur)
			}
		case SignalFail:
			return errors.New("fail is raised by the worker only")
		default:
			if cur == SignalBoot || cur == SignalFail {
				return errors.Wrapf(ErrNotRunning, "raise %s from %s", s, cur)
			}
		}
		if c.signal.CompareAndSwap(uint64(cur), uint64(s)) {
			return nil
		}
	}
}

// Wait blocks until the signal differs from test, the timeout elapses or
// ctx is done. It returns the last observed signal. A zero timeout waits
// without a deadline.
func (c *Cnc) Wait(ctx context.Context, test Signal, timeout time.Duration) (Signal, error) {
	var deadline <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		deadline = t.C
	}
	tick := time.NewTicker(100 * time.Microsecond)
	defer tick.Stop()
	for {
		if s := c.Query(); s != test {
			return s, nil
		}
		select {
		case <-ctx.Done():
			return c.Query(), ctx.Err()
		case <-deadline:
			return c.Query(), errors.Errorf("cnc still %s after %s", test, timeout)
		case <-tick.C:
		}
	}
}

// Heartbeat records that the worker is alive at now.
func (c *Cnc) Heartbeat(now int64) { c.heartbeat.Store(now) }

func (c *Cnc) HeartbeatQuery() int64 { return c.heartbeat.Load() }

// Heartbeat0 is the heartbeat at creation.
func (c *Cnc) Heartbeat0() int64 { return c.heartbeat0 }

func (c *Cnc) AppCnt() int { return len(c.app) }

func (c *Cnc) Diag(i int) uint64 { return c.app[i].Load() }

func (c *Cnc) SetDiag(i int, v uint64) { c.app[i].Store(v) }

func (c *Cnc) AddDiag(i int, v uint64) { c.app[i].Add(v) }
