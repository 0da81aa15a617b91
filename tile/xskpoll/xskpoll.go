// Package xskpoll drives busy polling for sockets whose data path workers
// leave the kicking to someone else.
package xskpoll

import (
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"starTango/cnc"
	"starTango/worker"
	"starTango/xsk"
)

// Poller is the part of an xsk.Socket the tile needs.
type Poller interface {
	Poll(timeout int) (int, error)
}

// StatsReader is implemented by pollers that expose kernel statistics.
type StatsReader interface {
	Stats() (xsk.Stats, error)
}

type Tile struct {
	sockets []Poller
	cnc     *cnc.Cnc
	log     *log.Entry

	polls  uint64
	events uint64
}

func New(sockets ...Poller) *Tile {
	return &Tile{sockets: sockets}
}

func (t *Tile) Boot(ctx *worker.Context) error {
	t.cnc = ctx.Cnc
	t.log = ctx.Log.WithField("tile", "xskpoll")
	if len(t.sockets) == 0 {
		return errors.New("xskpoll: no sockets")
	}
	t.log.Infof("booted (%d sockets)", len(t.sockets))
	return nil
}

func (t *Tile) Run(now int64) error {
	for _, s := range t.sockets {
		n, err := s.Poll(0)
		if err != nil {
			return errors.Wrap(err, "xskpoll: poll failed")
		}
		t.polls++
		t.events += uint64(n)
	}
	return nil
}

// Housekeep publishes the kernel drop counters summed over all sockets.
func (t *Tile) Housekeep(now int64) {
	var k [6]uint64
	for _, s := range t.sockets {
		r, ok := s.(StatsReader)
		if !ok {
			continue
		}
		st, err := r.Stats()
		if err != nil {
			t.log.Warnf("xdp statistics: %v", err)
			continue
		}
		ks := st.KernelStats
		k[0] += ks.Rx_dropped
		k[1] += ks.Rx_invalid_descs
		k[2] += ks.Tx_invalid_descs
		k[3] += ks.Rx_ring_full
		k[4] += ks.Rx_fill_ring_empty_descs
		k[5] += ks.Tx_ring_empty_descs
	}
	for i, v := range k {
		t.cnc.SetDiag(cnc.DiagKernRxDropped+i, v)
	}
	// readable sockets seen
	t.cnc.AddDiag(cnc.DiagPubCnt, t.events)
	t.events = 0
}

func (t *Tile) Halt() {
	t.log.Infof("halted after %d polls", t.polls)
}
