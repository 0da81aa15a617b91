// Package monitor periodically prints the state of a set of workers from
// their control registers.
package monitor

import (
	"context"
	"io"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"starTango/cnc"
	"starTango/pkg/timer"
	"starTango/tango"
)

// Source is one monitored worker. Ring, when set, is the ring the worker
// produces into.
type Source struct {
	Name string
	Cnc  *cnc.Cnc
	Ring *tango.Ring
}

type sample struct {
	snap cnc.Snapshot
	seq  uint64
}

type Monitor struct {
	w       io.Writer
	p       *message.Printer
	clock   timer.Clock
	sources []Source
	prev    []sample
	then    int64
}

func New(w io.Writer, clock timer.Clock, sources ...Source) *Monitor {
	m := &Monitor{
		w:       w,
		p:       message.NewPrinter(language.English),
		clock:   clock,
		sources: sources,
		prev:    make([]sample, len(sources)),
	}
	m.then = clock()
	for i, s := range sources {
		m.prev[i] = m.take(s)
	}
	return m
}

func (m *Monitor) take(s Source) sample {
	smp := sample{snap: s.Cnc.Snapshot()}
	if s.Ring != nil {
		smp.seq = s.Ring.SeqSync()
	}
	return smp
}

// Report prints one line per source with the rates since the previous
// report.
func (m *Monitor) Report() error {
	now := m.clock()
	dt := float64(now-m.then) / 1e9
	if dt <= 0 {
		dt = 1e-9
	}
	m.then = now

	if _, err := m.p.Fprintf(m.w, "uptime %ds\n", timer.Seconds()); err != nil {
		return errors.Wrap(err, "monitor")
	}
	for i, s := range m.sources {
		cur := m.take(s)
		prev := m.prev[i]
		m.prev[i] = cur

		d := func(slot int) uint64 { return cur.snap.Diag[slot] - prev.snap.Diag[slot] }
		age := time.Duration(now - cur.snap.Heartbeat)
		pubRate := uint64(float64(d(cnc.DiagPubCnt)) / dt)
		byteRate := uint64(float64(d(cnc.DiagPubSz)) / dt)

		_, err := m.p.Fprintf(m.w,
			"  %-8s %-5s hb %-10s pub %d/s (%s/s total %s) backp %d(%d) filt %d ovrnp %d ovrnr %d",
			s.Name, cur.snap.Signal, age.Truncate(time.Microsecond),
			pubRate, humanize.Bytes(byteRate), humanize.Bytes(cur.snap.Diag[cnc.DiagPubSz]),
			d(cnc.DiagBackpCnt), cur.snap.Diag[cnc.DiagInBackp],
			d(cnc.DiagFiltCnt), d(cnc.DiagOvrnpCnt), d(cnc.DiagOvrnrCnt))
		if err == nil && s.Ring != nil {
			_, err = m.p.Fprintf(m.w, " seq %d (+%s)", cur.seq, humanize.Comma(int64(cur.seq-prev.seq)))
		}
		if err == nil {
			_, err = io.WriteString(m.w, "\n")
		}
		if err != nil {
			return errors.Wrap(err, "monitor")
		}
	}
	return nil
}

// Run reports every interval until ctx is done.
func (m *Monitor) Run(ctx context.Context, interval time.Duration) error {
	timer.StartTimer()
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if err := m.Report(); err != nil {
				return err
			}
		}
	}
}
