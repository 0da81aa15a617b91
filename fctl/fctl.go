// Package fctl implements credit based flow control between one producer
// and a bounded set of consumers that publish their progress through a
// sequence cursor.
package fctl

import (
	"math"
	"sync/atomic"

	"github.com/pkg/errors"

	"starTango/tango"
)

// Cursor is a consumer's published progress.
type Cursor interface {
	Query() uint64
}

type rx struct {
	lagMax uint64
	cursor Cursor
	slow   *atomic.Uint64
}

// Fctl computes how many fragments a producer may publish before one of
// its consumers could be overrun.
type Fctl struct {
	rx     []rx
	rxMax  int
	burst  uint64
	max    uint64
	resume uint64
	refill uint64

	inRefill bool
	done     bool
}

func New(rxMax int) *Fctl {
	return &Fctl{rxMax: rxMax, rx: make([]rx, 0, rxMax)}
}

// AddRx registers a consumer that tolerates lagging at most lagMax
// fragments behind the producer. slow may be nil.
func (f *Fctl) AddRx(lagMax uint64, cursor Cursor, slow *atomic.Uint64) error {
	if f.done {
		return errors.New("fctl already configured")
	}
	if len(f.rx) >= f.rxMax {
		return errors.Errorf("too many consumers (max %d)", f.rxMax)
	}
	if cursor == nil {
		return errors.New("nil consumer cursor")
	}
	if lagMax == 0 || lagMax > math.MaxInt64 {
		return errors.Errorf("bad lag_max %d", lagMax)
	}
	f.rx = append(f.rx, rx{lagMax: lagMax, cursor: cursor, slow: slow})
	return nil
}

// Configure finishes setup. Zero max, resume or refill select defaults:
// max is the smallest consumer lag, resume sits two thirds of the way from
// burst to max and refill halfway from burst to resume.
func (f *Fctl) Configure(burst, max, resume, refill uint64) error {
	if f.done {
		return errors.New("fctl already configured")
	}
	burstMax := uint64(math.MaxInt64)
	for _, r := range f.rx {
		if r.lagMax < burstMax {
			burstMax = r.lagMax
		}
	}
	if burst == 0 || burst > burstMax {
		return errors.Errorf("bad cr_burst %d (want 1..%d)", burst, burstMax)
	}
	if max == 0 {
		max = burstMax
	}
	if max < burst {
		return errors.Errorf("cr_max %d below cr_burst %d", max, burst)
	}
	if resume == 0 {
		resume = burst + 2*(max-burst)/3
	}
	if refill == 0 {
		refill = burst + (resume-burst)/2
	}
	if !(burst <= refill && refill <= resume && resume <= max) {
		return errors.Errorf("want cr_burst %d <= cr_refill %d <= cr_resume %d <= cr_max %d",
			burst, refill, resume, max)
	}
	f.burst, f.max, f.resume, f.refill = burst, max, resume, refill
	f.done = true
	return nil
}

func (f *Fctl) Burst() uint64  { return f.burst }
func (f *Fctl) Max() uint64    { return f.max }
func (f *Fctl) Resume() uint64 { return f.resume }
func (f *Fctl) Refill() uint64 { return f.refill }
func (f *Fctl) RxCnt() int     { return len(f.rx) }

// Query returns the credits available to a producer about to publish seq:
// the smallest remaining slack over all consumers, clamped to [0, max].
// When that falls below burst the consumer responsible is charged a slow
// event.
func (f *Fctl) Query(seq uint64) uint64 {
	cr := int64(f.max)
	slowest := -1
	for i, r := range f.rx {
		slack := int64(r.lagMax) - tango.SeqDiff(seq, r.cursor.Query())
		if slack < cr {
			cr = slack
			slowest = i
		}
	}
	if cr < 0 {
		cr = 0
	}
	if uint64(cr) < f.burst && slowest >= 0 && f.rx[slowest].slow != nil {
		f.rx[slowest].slow.Add(1)
	}
	return uint64(cr)
}

// Refresh is called from housekeeping with the producer's remaining
// credits. Credits are recomputed once they drop below refill and keep
// being recomputed until they climb back to resume.
func (f *Fctl) Refresh(avail, seq uint64) uint64 {
	if avail >= f.refill && !f.inRefill {
		return avail
	}
	cr := f.Query(seq)
	f.inRefill = cr < f.resume
	return cr
}

// InRefill reports whether the last refresh left the producer below the
// resume threshold.
func (f *Fctl) InRefill() bool { return f.inRefill }
