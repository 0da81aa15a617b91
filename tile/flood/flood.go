// Package flood is a reliable producer of UDP frames. It writes frames
// into a compact region of a frame buffer and publishes them into a ring
// only as fast as its slowest consumer's credits allow.
package flood

import (
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"starTango/cnc"
	"starTango/fctl"
	"starTango/tango"
	"starTango/worker"
)

type Config struct {
	Orig      uint8
	Header    Header
	PayloadSz uint64

	Ring   *tango.Ring
	Frames *tango.FrameBuffer
	// Chunk0 and Chunk1 bound the region frames are written to. Both
	// zero selects the whole buffer.
	Chunk0, Chunk1 uint64

	// Consumers each lag at most the ring depth.
	Consumers []*tango.Fseq
	// CrMax caps the credits; 0 selects the ring depth.
	CrMax uint64
}

type Tile struct {
	cfg Config
	cnc *cnc.Cnc
	log *log.Entry

	tmpl    []byte
	ctl     tango.Ctl
	compact tango.Compact
	fctl    *fctl.Fctl

	seq     uint64
	chunk   uint64
	crAvail uint64

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
	t.log = ctx.Log.WithField("tile", "flood")

	if c.Ring == nil || c.Frames == nil {
		return errors.New("flood: missing ring or frame buffer")
	}
	if c.Orig > tango.CtlOrigMax {
		return errors.Errorf("flood: bad orig %d", c.Orig)
	}
	tmpl, err := Template(c.Header, c.PayloadSz)
	if err != nil {
		return err
	}
	if uint64(len(tmpl)) > c.Frames.FrameSize() {
		return errors.Errorf("flood: %d byte frame exceeds mtu %d", len(tmpl), c.Frames.FrameSize())
	}
	t.tmpl = tmpl
	t.ctl = tango.MakeCtl(c.Orig, true, true, false)

	chunk0, chunk1 := c.Chunk0, c.Chunk1
	if chunk0 == 0 && chunk1 == 0 {
		chunk0 = c.Frames.FrameChunk(0)
		chunk1 = chunk0 + c.Frames.ChunkCount()
	}
	sz := uint64(len(tmpl))
	footprint := (sz + tango.ChunkSz - 1) >> tango.LgChunkSz
	if need := (c.Ring.Depth() + 1) * footprint; chunk1 < chunk0 || chunk1-chunk0 < need {
		return errors.Errorf("flood: region [%d,%d) holds fewer than depth+1 frames (%d chunks)",
			chunk0, chunk1, need)
	}
	t.compact, err = tango.NewCompact(chunk0, chunk1, sz)
	if err != nil {
		return errors.Wrap(err, "flood")
	}

	t.fctl = fctl.New(len(c.Consumers))
	for i, fs := range c.Consumers {
		if err := t.fctl.AddRx(c.Ring.Depth(), fs, fs.SlowCounter()); err != nil {
			return errors.Wrapf(err, "flood: consumer %d", i)
		}
	}
	if err := t.fctl.Configure(1, c.CrMax, 0, 0); err != nil {
		return errors.Wrap(err, "flood")
	}
	if t.fctl.RxCnt() == 0 && c.CrMax == 0 {
		return errors.New("flood: cr max required without consumers")
	}

	// pick up where a previous run left the region
	t.chunk = t.compact.Chunk0
	if ci := t.cnc.Diag(cnc.DiagChunkIdx); t.compact.Contains(ci) {
		t.chunk = ci
	}
	t.seq = c.Ring.SeqSync()
	t.crAvail = 0
	t.log.Infof("booted (frame %d bytes, %d consumers, cr max %d, chunk %d)",
		sz, t.fctl.RxCnt(), t.fctl.Max(), t.chunk)
	return nil
}

func (t *Tile) Run(now int64) error {
	if t.crAvail == 0 {
		if !t.inBackp {
			t.backpCnt++
		}
		t.inBackp = true
		return nil
	}
	t.inBackp = false

	c := &t.cfg
	sz := uint64(len(t.tmpl))
	frame := c.Frames.Slice(t.chunk, sz)
	copy(frame, t.tmpl)
	Stamp(frame, uint16(t.seq))

	ts := uint64(now)
	c.Ring.Publish(t.seq, t.seq, t.chunk, uint32(sz), t.ctl, ts, ts)
	t.chunk = t.compact.Next(t.chunk, sz)
	t.seq++
	t.crAvail--
	t.pubCnt++
	t.pubSz += sz
	return nil
}

func (t *Tile) Housekeep(now int64) {
	t.cfg.Ring.Advertise(t.seq)
	t.crAvail = t.fctl.Refresh(t.crAvail, t.seq)

	var inBackp uint64
	if t.inBackp {
		inBackp = 1
	}
	t.cnc.SetDiag(cnc.DiagInBackp, inBackp)
	t.cnc.AddDiag(cnc.DiagBackpCnt, t.backpCnt)
	t.cnc.AddDiag(cnc.DiagPubCnt, t.pubCnt)
	t.cnc.AddDiag(cnc.DiagPubSz, t.pubSz)
	t.cnc.SetDiag(cnc.DiagChunkIdx, t.chunk)
	t.backpCnt, t.pubCnt, t.pubSz = 0, 0, 0
}

func (t *Tile) Halt() {
	t.cfg.Ring.Advertise(t.seq)
	t.cnc.SetDiag(cnc.DiagChunkIdx, t.chunk)
	t.log.Infof("halted at seq %d", t.seq)
}

func (t *Tile) Seq() uint64 { return t.seq }

// Credits returns the fragments the tile may still publish before the
// next refresh.
func (t *Tile) Credits() uint64 { return t.crAvail }
