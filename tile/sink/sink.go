// Package sink consumes a ring and reports its progress back to the
// producer through an fseq.
package sink

import (
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"starTango/cnc"
	"starTango/tango"
	"starTango/worker"
)

// Handler receives a private copy of every fragment read intact. It runs
// on the worker goroutine and must not block.
type Handler func(meta tango.FragMeta, payload []byte)

type Config struct {
	In *tango.Ring
	// Frames, when set, is where fragment payloads live. Without it only
	// the metadata is consumed.
	Frames *tango.FrameBuffer
	MTU    uint64
	Fseq   *tango.Fseq
	OnFrag Handler
}

type Tile struct {
	cfg     Config
	cnc     *cnc.Cnc
	log     *log.Entry
	scratch []byte

	seq uint64

	pubCnt   uint64
	pubSz    uint64
	ovrnpCnt uint64
	ovrnrCnt uint64
}

func New(cfg Config) *Tile {
	return &Tile{cfg: cfg}
}

func (t *Tile) Boot(ctx *worker.Context) error {
	c := &t.cfg
	t.cnc = ctx.Cnc
	t.log = ctx.Log.WithField("tile", "sink")
	if c.In == nil || c.Fseq == nil {
		return errors.New("sink: missing ring or fseq")
	}
	if c.Frames != nil {
		if c.MTU == 0 {
			c.MTU = c.Frames.FrameSize()
		}
		t.scratch = make([]byte, c.MTU)
	}
	t.seq = c.Fseq.Query()
	t.log.Infof("booted at seq %d", t.seq)
	return nil
}

func (t *Tile) Run(now int64) error {
	c := &t.cfg
	meta := c.In.Poll(t.seq)
	switch diff := tango.SeqDiff(meta.Seq, t.seq); {
	case diff < 0:
		return nil
	case diff > 0:
		t.ovrnpCnt++
		t.seq = meta.Seq
		return nil
	}

	var payload []byte
	if c.Frames != nil {
		sz := min(uint64(meta.Sz), c.MTU)
		payload = t.scratch[:copy(t.scratch[:sz], c.Frames.Slice(meta.Chunk, sz))]
	}
	if found := c.In.SeqQuery(t.seq); found != t.seq {
		t.ovrnrCnt++
		if tango.SeqGT(found, t.seq) {
			t.seq = found
		}
		return nil
	}
	if c.OnFrag != nil {
		c.OnFrag(meta, payload)
	}
	t.seq++
	t.pubCnt++
	t.pubSz += uint64(meta.Sz)
	return nil
}

func (t *Tile) Housekeep(now int64) {
	f := t.cfg.Fseq
	f.Update(t.seq)
	f.AddDiag(tango.FseqDiagPubCnt, t.pubCnt)
	f.AddDiag(tango.FseqDiagPubSz, t.pubSz)
	f.AddDiag(tango.FseqDiagOvrnpCnt, t.ovrnpCnt)
	f.AddDiag(tango.FseqDiagOvrnrCnt, t.ovrnrCnt)

	t.cnc.AddDiag(cnc.DiagPubCnt, t.pubCnt)
	t.cnc.AddDiag(cnc.DiagPubSz, t.pubSz)
	t.cnc.AddDiag(cnc.DiagOvrnpCnt, t.ovrnpCnt)
	t.cnc.AddDiag(cnc.DiagOvrnrCnt, t.ovrnrCnt)
	t.pubCnt, t.pubSz, t.ovrnpCnt, t.ovrnrCnt = 0, 0, 0, 0
}

func (t *Tile) Halt() {
	t.cfg.Fseq.Update(t.seq)
	t.log.Infof("halted at seq %d", t.seq)
}

func (t *Tile) Seq() uint64 { return t.seq }
