// Package xsktx sends the fragments of a ring out of an AF_XDP socket.
// Every fragment is validated and copied into a frame of the socket's
// UMEM; frames come back through the completion ring.
package xsktx

import (
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"starTango/cnc"
	"starTango/layers"
	"starTango/tango"
	"starTango/worker"
	"starTango/xsk"
)

type Config struct {
	MTU      uint64
	Burst    uint32
	PollMode xsk.PollMode

	// In is read at the producer's pace. Fragments point into InFrames.
	In       *tango.Ring
	InFrames *tango.FrameBuffer
	// Fseq, when set, receives the cursor and counters at housekeeping
	// so a reliable producer can be credited.
	Fseq *tango.Fseq

	// Frames [Frame0, Frame0+FrameCnt) of the socket UMEM are used for
	// transmission.
	Frames     *tango.FrameBuffer
	Frame0     uint64
	FrameCnt   uint64
	Tx         *xsk.TxRing
	Completion *xsk.CompletionRing
	Waker      xsk.Waker

	Ledger *tango.Ledger
}

type Tile struct {
	cfg Config
	cnc *cnc.Cnc
	log *log.Entry

	seq    uint64
	free   []uint64
	primed bool

	txProd    uint32
	txCons    uint32
	complCons uint32
	complProd uint32
	batch     uint32

	inBackp  bool
	backpCnt uint64
	pubCnt   uint64
	pubSz    uint64
	filtCnt  uint64
	filtSz   uint64
	ovrnpCnt uint64
	ovrnrCnt uint64
}

func New(cfg Config) *Tile {
	return &Tile{cfg: cfg}
}

func (t *Tile) Boot(ctx *worker.Context) error {
	c := &t.cfg
	t.cnc = ctx.Cnc
	t.log = ctx.Log.WithField("tile", "xsktx")

	if c.In == nil || c.InFrames == nil || c.Frames == nil || c.Tx == nil || c.Completion == nil {
		return errors.New("xsktx: missing ring, frame buffer or xsk rings")
	}
	if c.Waker == nil && c.PollMode != xsk.PollModeBusyExt {
		return errors.Errorf("xsktx: poll mode %s needs a waker", c.PollMode)
	}
	if c.MTU == 0 || c.MTU > c.Frames.FrameSize() {
		return errors.Errorf("xsktx: bad mtu %d for %d byte frames", c.MTU, c.Frames.FrameSize())
	}
	if c.FrameCnt == 0 || c.Frame0+c.FrameCnt > c.Frames.FrameCount() {
		return errors.Errorf("xsktx: frames [%d,%d) outside buffer of %d",
			c.Frame0, c.Frame0+c.FrameCnt, c.Frames.FrameCount())
	}
	// with no more frames than ring slots neither ring can overflow
	if c.FrameCnt > uint64(c.Tx.Depth()) || c.FrameCnt > uint64(c.Completion.Depth()) {
		return errors.Errorf("xsktx: %d frames exceed tx depth %d or completion depth %d",
			c.FrameCnt, c.Tx.Depth(), c.Completion.Depth())
	}
	if c.Burst == 0 || uint64(c.Burst) > c.FrameCnt {
		return errors.Errorf("xsktx: burst %d not in [1,%d]", c.Burst, c.FrameCnt)
	}

	t.txProd = c.Tx.Prod.Load()
	t.txCons = c.Tx.Cons.Load()
	t.complCons = c.Completion.Cons.Load()
	t.complProd = c.Completion.Prod.Load()
	t.batch = 0

	if t.primed {
		// frames still on the tx or completion ring stay out of the pool
		// and resume where the last Halt stopped
		t.complete()
	} else {
		t.free = make([]uint64, 0, c.FrameCnt)
		for i := c.FrameCnt; i > 0; i-- {
			t.free = append(t.free, c.Frame0+i-1)
		}
		t.seq = c.In.SeqSync()
		t.primed = true
	}
	if c.Fseq != nil {
		c.Fseq.Update(t.seq)
	}
	t.log.Infof("booted (frames %d, tx %d, burst %d, seq %d)", c.FrameCnt, c.Tx.Depth(), c.Burst, t.seq)
	return nil
}

func (t *Tile) kick() error {
	switch t.cfg.PollMode {
	case xsk.PollModeBusyExt:
		return nil
	case xsk.PollModeWakeup:
		if !t.cfg.Tx.NeedsWakeup() {
			return nil
		}
	}
	return t.cfg.Waker.WakeupTx()
}

// flush hands the batched descriptors to the kernel.
func (t *Tile) flush() error {
	if t.batch == 0 {
		return nil
	}
	t.cfg.Tx.Prod.Store(t.txProd)
	t.batch = 0
	return t.kick()
}

// complete takes back the frames the kernel is done with.
func (t *Tile) complete() {
	c := &t.cfg
	t.complProd = c.Completion.Prod.Load()
	if t.complCons == t.complProd {
		return
	}
	for ; t.complCons != t.complProd; t.complCons++ {
		off := c.Frames.FrameAlign(c.Completion.Descs[t.complCons&c.Completion.Mask])
		chunk := c.Frames.UmemToChunk(off)
		if c.Ledger != nil {
			c.Ledger.Move(chunk, tango.FrameInTransit, tango.FrameFree)
		}
		t.free = append(t.free, c.Frames.FrameIndex(chunk))
	}
	c.Completion.Cons.Store(t.complCons)
	t.txCons = c.Tx.Cons.Load()
}

func (t *Tile) Run(now int64) error {
	c := &t.cfg
	if len(t.free) == 0 {
		t.complete()
		if len(t.free) == 0 {
			if !t.inBackp {
				t.backpCnt++
			}
			t.inBackp = true
			return t.flush()
		}
	}
	t.inBackp = false

	meta := c.In.Poll(t.seq)
	switch diff := tango.SeqDiff(meta.Seq, t.seq); {
	case diff < 0:
		// caught up, don't sit on a partial batch
		return t.flush()
	case diff > 0:
		t.ovrnpCnt++
		t.seq = meta.Seq
		return nil
	}

	sz := uint64(meta.Sz)
	src := c.InFrames.Slice(meta.Chunk, sz)
	if _, ok := layers.CheckUDP4(src, sz, c.MTU); !ok || meta.Ctl.Err() {
		t.filtCnt++
		t.filtSz += sz
		t.seq++
		return nil
	}

	idx := t.free[len(t.free)-1]
	chunk := c.Frames.FrameChunk(idx)
	copy(c.Frames.Slice(chunk, sz), src)
	if found := c.In.SeqQuery(t.seq); found != t.seq {
		// overwritten while copying
		t.ovrnrCnt++
		if tango.SeqGT(found, t.seq) {
			t.seq = found
		}
		return nil
	}
	t.free = t.free[:len(t.free)-1]

	c.Tx.Descs[t.txProd&c.Tx.Mask] = xsk.Desc{Addr: c.Frames.ChunkToUmem(chunk), Len: meta.Sz}
	if c.Ledger != nil {
		c.Ledger.Move(chunk, tango.FrameFree, tango.FrameInTransit)
	}
	t.txProd++
	t.batch++
	t.seq++
	t.pubCnt++
	t.pubSz += sz

	if t.batch >= c.Burst {
		return t.flush()
	}
	return nil
}

func (t *Tile) Housekeep(now int64) {
	c := &t.cfg
	if err := t.flush(); err != nil {
		t.log.Warnf("tx wakeup failed: %v", err)
	}
	t.complete()

	if l := c.Ledger; l != nil {
		if err := l.Check(); err != nil {
			panic(err)
		}
		if n := l.Count(tango.FrameInTransit) + uint64(len(t.free)); n != c.FrameCnt {
			panic(errors.Errorf("xsktx: %d frames free or in flight, own %d", n, c.FrameCnt))
		}
	}

	var inBackp uint64
	if t.inBackp {
		inBackp = 1
	}
	t.cnc.SetDiag(cnc.DiagInBackp, inBackp)
	t.cnc.AddDiag(cnc.DiagBackpCnt, t.backpCnt)
	t.cnc.AddDiag(cnc.DiagPubCnt, t.pubCnt)
	t.cnc.AddDiag(cnc.DiagPubSz, t.pubSz)
	t.cnc.AddDiag(cnc.DiagFiltCnt, t.filtCnt)
	t.cnc.AddDiag(cnc.DiagFiltSz, t.filtSz)
	t.cnc.AddDiag(cnc.DiagOvrnpCnt, t.ovrnpCnt)
	t.cnc.AddDiag(cnc.DiagOvrnrCnt, t.ovrnrCnt)
	t.cnc.SetDiag(cnc.DiagRingProd, uint64(t.txProd))
	t.cnc.SetDiag(cnc.DiagRingCons, uint64(t.txCons))
	t.cnc.SetDiag(cnc.DiagComplProd, uint64(t.complProd))
	t.cnc.SetDiag(cnc.DiagComplCons, uint64(t.complCons))

	if f := c.Fseq; f != nil {
		f.Update(t.seq)
		f.AddDiag(tango.FseqDiagPubCnt, t.pubCnt)
		f.AddDiag(tango.FseqDiagPubSz, t.pubSz)
		f.AddDiag(tango.FseqDiagFiltCnt, t.filtCnt)
		f.AddDiag(tango.FseqDiagFiltSz, t.filtSz)
		f.AddDiag(tango.FseqDiagOvrnpCnt, t.ovrnpCnt)
		f.AddDiag(tango.FseqDiagOvrnrCnt, t.ovrnrCnt)
	}
	t.backpCnt, t.pubCnt, t.pubSz = 0, 0, 0
	t.filtCnt, t.filtSz, t.ovrnpCnt, t.ovrnrCnt = 0, 0, 0, 0
}

func (t *Tile) Halt() {
	if err := t.flush(); err != nil {
		t.log.Warnf("tx wakeup failed: %v", err)
	}
	if t.cfg.Fseq != nil {
		t.cfg.Fseq.Update(t.seq)
	}
	t.log.Infof("halted at seq %d", t.seq)
}

// Seq returns the next sequence the tile will read.
func (t *Tile) Seq() uint64 { return t.seq }

// Free returns the number of tx frames not lent to the kernel.
func (t *Tile) Free() int { return len(t.free) }
