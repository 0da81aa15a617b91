// Package xskrx publishes frames received on an AF_XDP socket into a
// fragment ring without copying them. Each received frame takes the ring
// slot of the oldest published one, whose frame goes back to the kernel
// through the fill ring.
package xskrx

import (
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"starTango/cnc"
	"starTango/tango"
	"starTango/worker"
	"starTango/xsk"
)

// Config wires the tile. Frames must hold at least Ring.Depth() +
// Fill.Depth() frames of MTU bytes; they are all lent out at the first
// boot and stay in circulation across Halt and later boots.
type Config struct {
	Orig     uint8
	MTU      uint64
	XskBurst uint32
	PollMode xsk.PollMode

	Ring   *tango.Ring
	Frames *tango.FrameBuffer
	Fill   *xsk.FillRing
	Rx     *xsk.RxRing
	Waker  xsk.Waker

	// Ledger, when set, tracks the owner of every frame and panics on
	// the first frame found with two owners.
	Ledger *tango.Ledger
}

// Tile is the receive side of the kernel bypass adapter.
type Tile struct {
	cfg      Config
	cnc      *cnc.Cnc
	log      *log.Entry
	ctl      tango.Ctl
	lowWater int32

	seq       uint64
	seqFlush  uint64
	burstSync bool
	primed    bool

	// locally owned indices and cached kernel ones
	fillProd uint32
	fillCons uint32
	rxCons   uint32
	rxProd   uint32
	rxSeen   uint32

	inBackp  bool
	backpCnt uint64
	pubCnt   uint64
	pubSz    uint64
}

func New(cfg Config) *Tile {
	return &Tile{cfg: cfg}
}

func (t *Tile) Boot(ctx *worker.Context) error {
	c := &t.cfg
	t.cnc = ctx.Cnc
	t.log = ctx.Log.WithField("tile", "xskrx")

	if c.Ring == nil || c.Frames == nil || c.Fill == nil || c.Rx == nil {
		return errors.New("xskrx: missing ring, frame buffer or xsk rings")
	}
	needWaker := c.PollMode == xsk.PollModeWakeup || c.PollMode == xsk.PollModeBusy
	if needWaker && c.Waker == nil {
		return errors.Errorf("xskrx: poll mode %s needs a waker", c.PollMode)
	}
	if c.MTU == 0 || c.MTU%tango.FrameSzMin != 0 || c.MTU > c.Frames.FrameSize() {
		return errors.Errorf("xskrx: bad mtu %d", c.MTU)
	}
	if c.Orig > tango.CtlOrigMax {
		return errors.Errorf("xskrx: bad orig %d", c.Orig)
	}
	fillDepth := c.Fill.Depth()
	if c.XskBurst == 0 || c.XskBurst > fillDepth/2 {
		return errors.Errorf("xskrx: xsk burst %d not in [1,%d]", c.XskBurst, fillDepth/2)
	}
	depth := c.Ring.Depth()
	if need := depth + uint64(fillDepth); c.Frames.FrameCount() < need {
		return errors.Errorf("xskrx: frame buffer holds %d frames, need %d", c.Frames.FrameCount(), need)
	}

	t.ctl = tango.MakeCtl(c.Orig, true, true, false)
	t.lowWater = int32(fillDepth >> 3)
	// busy polling syncs only once rx runs dry
	t.burstSync = c.PollMode != xsk.PollModeBusy
	if t.primed {
		t.loadRings()
	} else {
		t.initRings()
		t.primed = true
	}
	t.seq = c.Ring.SeqSync()
	t.seqFlush = t.seq
	t.log.Infof("booted (depth %d, fill %d, rx %d, burst %d, poll %s)",
		depth, fillDepth, c.Rx.Depth(), c.XskBurst, c.PollMode)
	return nil
}

// initRings lends the first Ring.Depth() frames to the ring slots, which
// treat them as already consumed, and the next Fill.Depth()-1 frames to
// the kernel.
func (t *Tile) initRings() {
	c := &t.cfg
	depth := c.Ring.Depth()
	seq0 := c.Ring.SeqSync()
	for i := uint64(0); i < depth; i++ {
		chunk := c.Frames.FrameChunk(i)
		c.Ring.Prime(c.Ring.Line(seq0+i), chunk)
		if c.Ledger != nil {
			c.Ledger.Move(chunk, tango.FrameFree, tango.FrameConsumerVisible)
		}
	}

	t.fillProd = c.Fill.Prod.Load()
	n := c.Fill.Depth() - 1
	for i := uint32(0); i < n; i++ {
		chunk := c.Frames.FrameChunk(depth + uint64(i))
		c.Fill.Descs[(t.fillProd+i)&c.Fill.Mask] = c.Frames.ChunkToUmem(chunk)
		if c.Ledger != nil {
			c.Ledger.Move(chunk, tango.FrameFree, tango.FrameKernelOwned)
		}
	}
	t.fillProd += n
	c.Fill.Prod.Store(t.fillProd)

	t.fillCons = c.Fill.Cons.Load()
	t.rxCons = c.Rx.Cons.Load()
	t.rxProd = c.Rx.Prod.Load()
	t.rxSeen = t.rxCons
}

// loadRings picks up the rings as the last Halt left them. The frames
// lent at the first boot are still in circulation.
func (t *Tile) loadRings() {
	c := &t.cfg
	t.fillProd = c.Fill.Prod.Load()
	t.fillCons = c.Fill.Cons.Load()
	t.rxCons = c.Rx.Cons.Load()
	t.rxProd = c.Rx.Prod.Load()
	t.track()
}

// sync publishes the indices owned here and refreshes the kernel's.
func (t *Tile) sync() {
	t.cfg.Rx.Cons.Store(t.rxCons)
	t.cfg.Fill.Prod.Store(t.fillProd)
	t.fillCons = t.cfg.Fill.Cons.Load()
	t.rxProd = t.cfg.Rx.Prod.Load()
	t.track()
}

// track moves frames the kernel posted on the rx ring since the last call
// out of the kernel's hands in the ledger.
func (t *Tile) track() {
	l := t.cfg.Ledger
	if l == nil {
		return
	}
	rx := t.cfg.Rx
	for ; t.rxSeen != t.rxProd; t.rxSeen++ {
		l.MoveUmem(rx.Descs[t.rxSeen&rx.Mask].Addr, tango.FrameKernelOwned, tango.FrameInTransit)
	}
}

func (t *Tile) kick() error {
	if t.cfg.PollMode == xsk.PollModeWakeup && !t.cfg.Fill.NeedsWakeup() {
		return nil
	}
	return t.cfg.Waker.WakeupRx()
}

func (t *Tile) Run(now int64) error {
	c := &t.cfg
	if t.burstSync && tango.SeqGE(t.seq, t.seqFlush) {
		t.sync()
		t.seqFlush = t.seq + uint64(c.XskBurst)
	}

	avail := int32(t.rxProd - t.rxCons)
	if c.PollMode == xsk.PollModeWakeup || c.PollMode == xsk.PollModeBusy {
		if avail < t.lowWater {
			if err := t.kick(); err != nil {
				return err
			}
		}
	}
	if avail <= 0 {
		t.sync()
		if !t.inBackp {
			t.backpCnt++
		}
		t.inBackp = true
		return nil
	}
	t.inBackp = false

	if t.fillProd-t.fillCons >= c.Fill.Depth() {
		t.sync()
		return nil
	}

	// frame exchange
	desc := c.Rx.Descs[t.rxCons&c.Rx.Mask]
	freeChunk := c.Ring.ChunkAt(t.seq)
	freeUmem := c.Frames.FrameAlign(c.Frames.ChunkToUmem(freeChunk))
	chunk := c.Frames.UmemToChunk(desc.Addr)

	ts := uint64(now)
	c.Ring.Publish(t.seq, 0, chunk, desc.Len, t.ctl, ts, ts)
	c.Fill.Descs[t.fillProd&c.Fill.Mask] = freeUmem

	if l := c.Ledger; l != nil {
		l.MoveUmem(desc.Addr, tango.FrameInTransit, tango.FrameConsumerVisible)
		l.MoveUmem(freeUmem, tango.FrameConsumerVisible, tango.FrameKernelOwned)
	}

	t.rxCons++
	t.fillProd++
	t.seq++
	t.pubCnt++
	t.pubSz += uint64(desc.Len)
	return nil
}

func (t *Tile) Housekeep(now int64) {
	c := &t.cfg
	t.fillCons = c.Fill.Cons.Load()
	t.rxProd = c.Rx.Prod.Load()
	t.track()

	fillAvail := t.fillProd - t.fillCons
	rxAvail := t.rxProd - t.rxCons
	if uint64(fillAvail)+uint64(rxAvail) > uint64(c.Fill.Depth())+1 {
		panic(errors.Errorf("xskrx: frames spawned out of thin air (fill %d + rx %d > %d)",
			fillAvail, rxAvail, c.Fill.Depth()+1))
	}
	if l := c.Ledger; l != nil {
		if err := l.Check(); err != nil {
			panic(err)
		}
		if v := l.Count(tango.FrameConsumerVisible); v != c.Ring.Depth() {
			panic(errors.Errorf("xskrx: %d frames visible through a ring of depth %d", v, c.Ring.Depth()))
		}
	}

	c.Ring.Advertise(t.seq)

	var inBackp uint64
	if t.inBackp {
		inBackp = 1
	}
	t.cnc.SetDiag(cnc.DiagInBackp, inBackp)
	t.cnc.AddDiag(cnc.DiagBackpCnt, t.backpCnt)
	t.cnc.AddDiag(cnc.DiagPubCnt, t.pubCnt)
	t.cnc.AddDiag(cnc.DiagPubSz, t.pubSz)
	t.cnc.SetDiag(cnc.DiagFillProd, uint64(t.fillProd))
	t.cnc.SetDiag(cnc.DiagFillCons, uint64(t.fillCons))
	t.cnc.SetDiag(cnc.DiagRingProd, uint64(t.rxProd))
	t.cnc.SetDiag(cnc.DiagRingCons, uint64(t.rxCons))
	t.backpCnt, t.pubCnt, t.pubSz = 0, 0, 0
}

func (t *Tile) Halt() {
	t.sync()
	t.cfg.Ring.Advertise(t.seq)
	t.log.Infof("halted at seq %d", t.seq)
}

// Seq returns the next sequence the tile will publish. Only meaningful
// from the worker goroutine or after it returned.
func (t *Tile) Seq() uint64 { return t.seq }
