package worker

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"

	"starTango/cnc"
)

type member struct {
	ctx  *Context
	done chan struct{}
	err  error
}

// Group supervises a set of workers, each running on its own goroutine.
// Go and Halt may be called from any goroutine.
type Group struct {
	mu      sync.Mutex
	members []*member
	failed  chan error
	once    sync.Once
}

func (g *Group) init() {
	g.once.Do(func() { g.failed = make(chan error, 1) })
}

// Go starts a worker running t.
func (g *Group) Go(ctx *Context, t Tile) {
	g.init()
	m := &member{ctx: ctx, done: make(chan struct{})}
	g.mu.Lock()
	g.members = append(g.members, m)
	g.mu.Unlock()
	go func() {
		m.err = Run(ctx, t)
		if m.err != nil {
			select {
			case g.failed <- m.err:
			default:
			}
		}
		close(m.done)
	}()
}

// Failed delivers the first error a worker returned.
func (g *Group) Failed() <-chan error {
	g.init()
	return g.failed
}

// Halt stops the workers one after the other, in the order they were
// started, and returns the first error any of them returned.
func (g *Group) Halt(ctx context.Context) error {
	g.mu.Lock()
	members := append([]*member(nil), g.members...)
	g.mu.Unlock()

	var first error
	for _, m := range members {
		if err := m.halt(ctx); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (m *member) halt(ctx context.Context) error {
	tick := time.NewTicker(100 * time.Microsecond)
	defer tick.Stop()
	for {
		// still booting until it leaves BOOT
		if m.ctx.Cnc.Query() == cnc.SignalRun {
			_ = m.ctx.Cnc.Raise(cnc.SignalHalt)
		}
		select {
		case <-m.done:
			return m.err
		case <-ctx.Done():
			return errors.Wrapf(ctx.Err(), "halting %s", m.ctx.Log.Data["module"])
		case <-tick.C:
		}
	}
}
