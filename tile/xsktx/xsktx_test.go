package xsktx

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"starTango/cnc"
	"starTango/layers"
	"starTango/tango"
	"starTango/worker"
	"starTango/xsk"
	"starTango/xsk/xsktest"
)

// producer publishes frames into a ring backed by depth+1 frames, so a
// frame is only rewritten after its slot was overwritten.
type producer struct {
	ring *tango.Ring
	fb   *tango.FrameBuffer
	seq  uint64
}

func newProducer(t *testing.T, depth uint64) *producer {
	ring, err := tango.NewRing(depth, 0)
	require.NoError(t, err)
	fb, err := tango.NewFrameBuffer(2048, depth+1, false)
	require.NoError(t, err)
	t.Cleanup(func() { fb.Close() })
	return &producer{ring: ring, fb: fb}
}

func (p *producer) publish(frame []byte) {
	chunk := p.fb.FrameChunk(p.seq % p.fb.FrameCount())
	copy(p.fb.Slice(chunk, uint64(len(frame))), frame)
	p.ring.Publish(p.seq, 0, chunk, uint32(len(frame)), tango.MakeCtl(1, true, true, false), 0, 0)
	p.seq++
}

// udpFrame is a minimal Ethernet/IPv4/UDP frame carrying id.
func udpFrame(id uint64, payload int) []byte {
	b := make([]byte, layers.LengthUDP4Headers+payload)
	b[12], b[13] = 0x08, 0x00
	b[14] = 0x45
	b[23] = layers.IPProtocolUDP
	if payload >= 8 {
		binary.LittleEndian.PutUint64(b[layers.LengthUDP4Headers:], id)
	}
	return b
}

type fixture struct {
	prod   *producer
	fb     *tango.FrameBuffer
	kern   *xsktest.Kernel
	ledger *tango.Ledger
	fseq   *tango.Fseq
	ctx    *worker.Context
	tile   *Tile
}

func newFixture(t *testing.T, frameCnt uint64, burst uint32) *fixture {
	fb, err := tango.NewFrameBuffer(2048, 8, false)
	require.NoError(t, err)
	t.Cleanup(func() { fb.Close() })
	c, err := cnc.New(2, cnc.DiagCnt, 0)
	require.NoError(t, err)

	f := &fixture{
		prod:   newProducer(t, 8),
		fb:     fb,
		kern:   xsktest.NewKernel(fb.Umem(), 4, 4, 8, 8),
		ledger: tango.NewLedger(fb),
		fseq:   tango.NewFseq(0),
		ctx:    worker.NewContext(c, "xsktx-test", 1, time.Millisecond),
	}
	r := f.kern.Rings()
	f.tile = New(Config{
		MTU:        1500,
		Burst:      burst,
		In:         f.prod.ring,
		InFrames:   f.prod.fb,
		Fseq:       f.fseq,
		Frames:     fb,
		FrameCnt:   frameCnt,
		Tx:         r.Tx,
		Completion: r.Completion,
		Waker:      f.kern,
		Ledger:     f.ledger,
	})
	return f
}

func (f *fixture) run(t *testing.T, n int) {
	for i := 0; i < n; i++ {
		require.NoError(t, f.tile.Run(int64(i)))
	}
}

func TestSendsFrames(t *testing.T) {
	f := newFixture(t, 8, 4)
	require.NoError(t, f.tile.Boot(f.ctx))

	var want [][]byte
	for i := 0; i < 5; i++ {
		b := udpFrame(uint64(i), 16+i)
		want = append(want, b)
		f.prod.publish(b)
	}

	f.run(t, 4)
	// a full batch is flushed right away
	assert.Equal(t, uint64(1), f.kern.TxKicks())
	f.run(t, 3)
	// the partial one once the ring runs dry
	assert.Equal(t, uint64(2), f.kern.TxKicks())
	assert.Equal(t, uint64(5), f.tile.Seq())
	assert.Equal(t, 3, f.tile.Free())

	sent := f.kern.Transmit()
	require.Len(t, sent, 5)
	for i, fr := range sent {
		assert.Equal(t, want[i], fr.Data)
	}

	f.tile.Housekeep(100)
	assert.Equal(t, 8, f.tile.Free())
	assert.Equal(t, uint64(8), f.ledger.Count(tango.FrameFree))
	assert.Equal(t, uint64(5), f.ctx.Cnc.Diag(cnc.DiagPubCnt))
	assert.Equal(t, uint64(5), f.fseq.Query())
	assert.Equal(t, uint64(5), f.fseq.Diag(tango.FseqDiagPubCnt))
	assert.Equal(t, uint64(5), f.ctx.Cnc.Diag(cnc.DiagComplCons))
}

func TestFiltersBadFrames(t *testing.T) {
	f := newFixture(t, 8, 1)
	f.tile.cfg.MTU = 1024
	require.NoError(t, f.tile.Boot(f.ctx))

	big := udpFrame(0, 1100-layers.LengthUDP4Headers)
	f.prod.publish(big)
	f.run(t, 1)
	assert.Equal(t, uint64(1), f.tile.Seq())
	assert.Equal(t, 8, f.tile.Free())

	notIP := udpFrame(1, 18)
	notIP[12] = 0x86
	f.prod.publish(notIP)
	f.prod.publish(udpFrame(2, 58))
	f.run(t, 4)

	f.tile.Housekeep(0)
	assert.Equal(t, uint64(3), f.tile.Seq())
	assert.Equal(t, uint64(2), f.ctx.Cnc.Diag(cnc.DiagFiltCnt))
	assert.Equal(t, uint64(1100+60), f.ctx.Cnc.Diag(cnc.DiagFiltSz))
	assert.Equal(t, uint64(1), f.ctx.Cnc.Diag(cnc.DiagPubCnt))
	assert.Equal(t, uint64(100), f.ctx.Cnc.Diag(cnc.DiagPubSz))
	assert.Equal(t, uint64(2), f.fseq.Diag(tango.FseqDiagFiltCnt))

	sent := f.kern.Transmit()
	require.Len(t, sent, 1)
	assert.Equal(t, uint64(2), binary.LittleEndian.Uint64(sent[0].Data[layers.LengthUDP4Headers:]))
}

func TestBackpressureAndReclaim(t *testing.T) {
	f := newFixture(t, 4, 1)
	require.NoError(t, f.tile.Boot(f.ctx))

	for i := 0; i < 6; i++ {
		f.prod.publish(udpFrame(uint64(i), 8))
	}
	f.run(t, 8)
	assert.Equal(t, uint64(4), f.tile.Seq())
	assert.Zero(t, f.tile.Free())
	assert.Equal(t, uint64(4), f.ledger.Count(tango.FrameInTransit))

	f.tile.Housekeep(0)
	assert.Equal(t, uint64(1), f.ctx.Cnc.Diag(cnc.DiagInBackp))
	assert.Equal(t, uint64(1), f.ctx.Cnc.Diag(cnc.DiagBackpCnt))

	require.Len(t, f.kern.Transmit(), 4)
	f.run(t, 4)
	assert.Equal(t, uint64(6), f.tile.Seq())
	require.Len(t, f.kern.Transmit(), 2)

	f.tile.Housekeep(0)
	assert.Zero(t, f.ctx.Cnc.Diag(cnc.DiagInBackp))
	assert.Equal(t, uint64(6), f.ctx.Cnc.Diag(cnc.DiagPubCnt))
	assert.Equal(t, 4, f.tile.Free())
	assert.Equal(t, uint64(8), f.ledger.Count(tango.FrameFree))
}

func TestOverrunWhilePolling(t *testing.T) {
	f := newFixture(t, 8, 8)
	require.NoError(t, f.tile.Boot(f.ctx))

	for i := 0; i < 20; i++ {
		f.prod.publish(udpFrame(uint64(i), 8))
	}
	f.run(t, 10)
	assert.Equal(t, uint64(20), f.tile.Seq())

	sent := f.kern.Transmit()
	require.Len(t, sent, 4)
	for i, fr := range sent {
		assert.Equal(t, uint64(16+i), binary.LittleEndian.Uint64(fr.Data[layers.LengthUDP4Headers:]))
	}
	f.tile.Housekeep(0)
	assert.Equal(t, uint64(1), f.ctx.Cnc.Diag(cnc.DiagOvrnpCnt))
	assert.Equal(t, uint64(1), f.fseq.Diag(tango.FseqDiagOvrnpCnt))
}

func TestWakeupMode(t *testing.T) {
	f := newFixture(t, 8, 1)
	f.tile.cfg.PollMode = xsk.PollModeWakeup
	require.NoError(t, f.tile.Boot(f.ctx))

	f.prod.publish(udpFrame(0, 8))
	f.run(t, 1)
	assert.Zero(t, f.kern.TxKicks())

	f.kern.SetNeedWakeup(true)
	f.prod.publish(udpFrame(1, 8))
	f.run(t, 1)
	assert.Equal(t, uint64(1), f.kern.TxKicks())

	f.kern.FailKicks(errors.New("ENXIO"))
	f.prod.publish(udpFrame(2, 8))
	assert.Error(t, f.tile.Run(0))
}

func TestRebootKeepsFramesInFlight(t *testing.T) {
	f := newFixture(t, 8, 4)
	require.NoError(t, f.tile.Boot(f.ctx))

	for i := 0; i < 3; i++ {
		f.prod.publish(udpFrame(uint64(i), 8))
	}
	f.run(t, 4)
	f.tile.Halt()
	require.Equal(t, uint64(3), f.tile.Seq())

	require.NoError(t, f.tile.Boot(f.ctx))
	assert.Equal(t, uint64(3), f.tile.Seq())
	assert.Equal(t, 5, f.tile.Free())
	assert.Equal(t, uint64(3), f.ledger.Count(tango.FrameInTransit))

	sent := f.kern.Transmit()
	require.Len(t, sent, 3)
	for i := 3; i < 5; i++ {
		f.prod.publish(udpFrame(uint64(i), 8))
	}
	f.run(t, 4)
	require.NotPanics(t, func() { f.tile.Housekeep(0) })
	assert.Equal(t, uint64(5), f.tile.Seq())
	assert.Equal(t, 6, f.tile.Free())

	sent = f.kern.Transmit()
	require.Len(t, sent, 2)
	for i, fr := range sent {
		assert.Equal(t, uint64(3+i), binary.LittleEndian.Uint64(fr.Data[layers.LengthUDP4Headers:]))
	}
	f.tile.Housekeep(0)
	assert.Equal(t, 8, f.tile.Free())
	assert.Equal(t, uint64(8), f.ledger.Count(tango.FrameFree))
}

func TestBootValidation(t *testing.T) {
	for name, mod := range map[string]func(*Config){
		"no ring":      func(c *Config) { c.In = nil },
		"no waker":     func(c *Config) { c.Waker = nil },
		"mtu":          func(c *Config) { c.MTU = 4096 },
		"no frames":    func(c *Config) { c.FrameCnt = 0 },
		"frame range":  func(c *Config) { c.Frame0 = 4; c.FrameCnt = 8 },
		"zero burst":   func(c *Config) { c.Burst = 0 },
		"burst > pool": func(c *Config) { c.FrameCnt = 2; c.Burst = 4 },
	} {
		f := newFixture(t, 8, 4)
		mod(&f.tile.cfg)
		assert.Error(t, f.tile.Boot(f.ctx), name)
	}

	f := newFixture(t, 8, 4)
	f.tile.cfg.Waker = nil
	f.tile.cfg.PollMode = xsk.PollModeBusyExt
	assert.NoError(t, f.tile.Boot(f.ctx))
}

func TestRunUnderWorker(t *testing.T) {
	f := newFixture(t, 8, 4)
	f.tile.cfg.Ledger = nil
	for i := 0; i < 8; i++ {
		f.prod.publish(udpFrame(uint64(i), 8))
	}

	done := make(chan error, 1)
	go func() { done <- worker.Run(f.ctx, f.tile) }()

	var sent []xsktest.Frame
	require.Eventually(t, func() bool {
		sent = append(sent, f.kern.Transmit()...)
		return len(sent) == 8
	}, 5*time.Second, time.Millisecond)

	require.NoError(t, f.ctx.Cnc.Raise(cnc.SignalHalt))
	require.NoError(t, <-done)
	assert.Equal(t, uint64(8), f.fseq.Query())
	for i, fr := range sent {
		assert.Equal(t, uint64(i), binary.LittleEndian.Uint64(fr.Data[layers.LengthUDP4Headers:]))
	}
}
