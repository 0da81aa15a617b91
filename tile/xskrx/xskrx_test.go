package xskrx

import (
	"encoding/binary"
	"testing"
	"time"
	"unsafe"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"starTango/cnc"
	"starTango/tango"
	"starTango/worker"
	"starTango/xsk"
	"starTango/xsk/xsktest"
)

const (
	ringDepth = 8
	fillDepth = 16
	rxDepth   = 16
)

type fixture struct {
	fb     *tango.FrameBuffer
	ring   *tango.Ring
	kern   *xsktest.Kernel
	ledger *tango.Ledger
	ctx    *worker.Context
	tile   *Tile
}

func newFixture(t *testing.T, mode xsk.PollMode, burst uint32) *fixture {
	fb, err := tango.NewFrameBuffer(2048, ringDepth+fillDepth, false)
	require.NoError(t, err)
	t.Cleanup(func() { fb.Close() })
	ring, err := tango.NewRing(ringDepth, 0)
	require.NoError(t, err)
	c, err := cnc.New(1, cnc.DiagCnt, 0)
	require.NoError(t, err)

	f := &fixture{
		fb:     fb,
		ring:   ring,
		kern:   xsktest.NewKernel(fb.Umem(), fillDepth, rxDepth, 4, 4),
		ledger: tango.NewLedger(fb),
		ctx:    worker.NewContext(c, "xskrx-test", 1, time.Millisecond),
	}
	r := f.kern.Rings()
	f.tile = New(Config{
		Orig:     2,
		MTU:      2048,
		XskBurst: burst,
		PollMode: mode,
		Ring:     ring,
		Frames:   fb,
		Fill:     r.Fill,
		Rx:       r.Rx,
		Waker:    f.kern,
		Ledger:   f.ledger,
	})
	return f
}

func payload(i int) []byte {
	b := make([]byte, 60+i%200)
	binary.LittleEndian.PutUint64(b, uint64(i))
	return b
}

func (f *fixture) checkLedger(t *testing.T) {
	require.NoError(t, f.ledger.Check())
	assert.Equal(t, uint64(ringDepth), f.ledger.Count(tango.FrameConsumerVisible))
	assert.Equal(t, uint64(1), f.ledger.Count(tango.FrameFree))
	inFlight := f.ledger.Count(tango.FrameKernelOwned) + f.ledger.Count(tango.FrameInTransit)
	assert.Equal(t, uint64(fillDepth-1), inFlight)
}

func TestBootPrimesRings(t *testing.T) {
	f := newFixture(t, xsk.PollModeNone, 4)
	require.NoError(t, f.tile.Boot(f.ctx))

	assert.Len(t, f.kern.FillAddrs(), fillDepth-1)
	assert.Empty(t, f.kern.RxAddrs())
	assert.Equal(t, uint64(fillDepth-1), f.ledger.Count(tango.FrameKernelOwned))
	f.checkLedger(t)

	for s := uint64(0); s < ringDepth; s++ {
		m := f.ring.Poll(s)
		assert.True(t, tango.SeqLT(m.Seq, s))
		assert.Equal(t, tango.FrameConsumerVisible, f.ledger.State(m.Chunk))
	}
}

func TestReceivePublishesFrames(t *testing.T) {
	f := newFixture(t, xsk.PollModeNone, 4)
	require.NoError(t, f.tile.Boot(f.ctx))

	for i := 0; i < 5; i++ {
		require.True(t, f.kern.Deliver(payload(i)))
	}
	for i := 0; i < 20; i++ {
		require.NoError(t, f.tile.Run(int64(1000+i)))
	}
	require.Equal(t, uint64(5), f.tile.Seq())

	for s := uint64(0); s < 5; s++ {
		m := f.ring.Poll(s)
		require.Equal(t, s, m.Seq)
		want := payload(int(s))
		assert.Equal(t, uint32(len(want)), m.Sz)
		assert.Equal(t, want, f.fb.Slice(m.Chunk, uint64(m.Sz)))
		assert.Equal(t, uint8(2), m.Ctl.Orig())
		assert.True(t, m.Ctl.SOM() && m.Ctl.EOM() && !m.Ctl.Err())
		assert.Equal(t, m.TsOrig, m.TsPub)
	}
	f.checkLedger(t)

	f.tile.Housekeep(5000)
	assert.Equal(t, uint64(5), f.ring.SeqSync())
	assert.Equal(t, uint64(5), f.ctx.Cnc.Diag(cnc.DiagPubCnt))
	var sz uint64
	for i := 0; i < 5; i++ {
		sz += uint64(len(payload(i)))
	}
	assert.Equal(t, sz, f.ctx.Cnc.Diag(cnc.DiagPubSz))
}

// Frames circulate between the kernel and the ring window forever without
// any being lost or duplicated.
func TestFrameConservation(t *testing.T) {
	f := newFixture(t, xsk.PollModeNone, 4)
	require.NoError(t, f.tile.Boot(f.ctx))

	delivered := 0
	for iter := 0; iter < 5000; iter++ {
		if iter%3 != 0 && f.kern.Deliver(payload(delivered)) {
			delivered++
		}
		require.NoError(t, f.tile.Run(int64(iter)))
		if iter%50 == 0 {
			f.tile.Housekeep(int64(iter))
			f.checkLedger(t)
		}
	}
	for i := 0; i < 100; i++ {
		require.NoError(t, f.tile.Run(int64(i)))
	}
	f.tile.Halt()
	f.checkLedger(t)

	require.Greater(t, delivered, 1000)
	assert.Equal(t, uint64(delivered), f.tile.Seq())
	// everything is back in the fill ring or visible through the ring
	assert.Len(t, f.kern.FillAddrs(), fillDepth-1)
	assert.Empty(t, f.kern.RxAddrs())

	seq := f.tile.Seq()
	for s := seq - ringDepth; s < seq; s++ {
		m := f.ring.Poll(s)
		require.Equal(t, s, m.Seq)
		got := f.fb.Slice(m.Chunk, uint64(m.Sz))
		assert.Equal(t, s, binary.LittleEndian.Uint64(got))
	}
}

func TestBackpressure(t *testing.T) {
	f := newFixture(t, xsk.PollModeNone, 4)
	require.NoError(t, f.tile.Boot(f.ctx))

	for i := 0; i < 10; i++ {
		require.NoError(t, f.tile.Run(int64(i)))
	}
	f.tile.Housekeep(10)
	assert.Equal(t, uint64(1), f.ctx.Cnc.Diag(cnc.DiagInBackp))
	assert.Equal(t, uint64(1), f.ctx.Cnc.Diag(cnc.DiagBackpCnt))

	require.True(t, f.kern.Deliver(payload(0)))
	for i := 0; i < 10; i++ {
		require.NoError(t, f.tile.Run(int64(i)))
	}
	f.tile.Housekeep(20)
	assert.Equal(t, uint64(1), f.ctx.Cnc.Diag(cnc.DiagInBackp))
	assert.Equal(t, uint64(2), f.ctx.Cnc.Diag(cnc.DiagBackpCnt))
	assert.Equal(t, uint64(1), f.ctx.Cnc.Diag(cnc.DiagPubCnt))
}

func TestWakeupMode(t *testing.T) {
	f := newFixture(t, xsk.PollModeWakeup, 4)
	require.NoError(t, f.tile.Boot(f.ctx))

	require.NoError(t, f.tile.Run(0))
	assert.Zero(t, f.kern.RxKicks())

	f.kern.SetNeedWakeup(true)
	require.NoError(t, f.tile.Run(1))
	assert.Equal(t, uint64(1), f.kern.RxKicks())

	f.kern.FailKicks(errors.New("ENXIO"))
	assert.Error(t, f.tile.Run(2))
}

func TestBusyModeKicksWhenLow(t *testing.T) {
	f := newFixture(t, xsk.PollModeBusy, 8)
	require.NoError(t, f.tile.Boot(f.ctx))

	require.NoError(t, f.tile.Run(0))
	assert.Equal(t, uint64(1), f.kern.RxKicks())

	// busy-ext leaves kicking to the poll tile
	g := newFixture(t, xsk.PollModeBusyExt, 8)
	require.NoError(t, g.tile.Boot(g.ctx))
	require.NoError(t, g.tile.Run(0))
	assert.Zero(t, g.kern.RxKicks())
}

func TestBusyModeSyncsWhenDry(t *testing.T) {
	f := newFixture(t, xsk.PollModeBusy, 8)
	require.NoError(t, f.tile.Boot(f.ctx))
	rx := f.kern.Rings().Rx

	for i := 0; i < 12; i++ {
		require.True(t, f.kern.Deliver(payload(i)))
	}
	// the first run finds rx empty and syncs
	require.NoError(t, f.tile.Run(0))
	for i := 0; i < 12; i++ {
		require.NoError(t, f.tile.Run(int64(i)))
	}
	require.Equal(t, uint64(12), f.tile.Seq())
	// past the burst without giving back rx entries
	assert.Zero(t, rx.Cons.Load())

	require.NoError(t, f.tile.Run(13))
	assert.Equal(t, uint32(12), rx.Cons.Load())

	// other modes sync every burst
	g := newFixture(t, xsk.PollModeNone, 8)
	require.NoError(t, g.tile.Boot(g.ctx))
	for i := 0; i < 12; i++ {
		require.True(t, g.kern.Deliver(payload(i)))
	}
	for i := 0; i < 10; i++ {
		require.NoError(t, g.tile.Run(int64(i)))
	}
	assert.Equal(t, uint32(8), g.kern.Rings().Rx.Cons.Load())
}

func TestRebootKeepsFramesInCirculation(t *testing.T) {
	f := newFixture(t, xsk.PollModeNone, 4)
	require.NoError(t, f.tile.Boot(f.ctx))

	for i := 0; i < 5; i++ {
		require.True(t, f.kern.Deliver(payload(i)))
	}
	for i := 0; i < 10; i++ {
		require.NoError(t, f.tile.Run(int64(i)))
	}
	// one frame still waiting on rx
	require.True(t, f.kern.Deliver(payload(5)))
	f.tile.Halt()

	require.NoError(t, f.tile.Boot(f.ctx))
	assert.Equal(t, uint64(5), f.tile.Seq())
	f.checkLedger(t)
	assert.Len(t, f.kern.FillAddrs(), fillDepth-2)
	assert.Len(t, f.kern.RxAddrs(), 1)

	for i := 6; i < 9; i++ {
		require.True(t, f.kern.Deliver(payload(i)))
	}
	for i := 0; i < 10; i++ {
		require.NoError(t, f.tile.Run(int64(i)))
	}
	require.NotPanics(t, func() { f.tile.Housekeep(100) })
	f.checkLedger(t)
	require.Equal(t, uint64(9), f.tile.Seq())
	for s := uint64(1); s < 9; s++ {
		m := f.ring.Poll(s)
		require.Equal(t, s, m.Seq)
		assert.Equal(t, s, binary.LittleEndian.Uint64(f.fb.Slice(m.Chunk, uint64(m.Sz))))
	}
}

func TestBootValidation(t *testing.T) {
	for name, mod := range map[string]func(*Config){
		"mtu":         func(c *Config) { c.MTU = 1500 },
		"zero burst":  func(c *Config) { c.XskBurst = 0 },
		"large burst": func(c *Config) { c.XskBurst = fillDepth },
		"no ring":     func(c *Config) { c.Ring = nil },
		"no waker":    func(c *Config) { c.Waker = nil; c.PollMode = xsk.PollModeWakeup },
		"orig":        func(c *Config) { c.Orig = 40 },
		"too few frames": func(c *Config) {
			r, _ := tango.NewRing(64, 0)
			c.Ring = r
		},
	} {
		f := newFixture(t, xsk.PollModeNone, 4)
		mod(&f.tile.cfg)
		assert.Error(t, f.tile.Boot(f.ctx), name)
	}

	// neither mode ever kicks from this tile
	for _, mode := range []xsk.PollMode{xsk.PollModeNone, xsk.PollModeBusyExt} {
		f := newFixture(t, mode, 4)
		f.tile.cfg.Waker = nil
		assert.NoError(t, f.tile.Boot(f.ctx), mode.String())
	}
}

func TestFramesOutOfThinAir(t *testing.T) {
	f := newFixture(t, xsk.PollModeNone, 4)

	var prod, cons uint32
	descs := make([]xsk.Desc, rxDepth)
	f.tile.cfg.Rx = xsk.NewRxRing(xsk.RingMem{
		Producer: &prod,
		Consumer: &cons,
		Descs:    unsafe.Pointer(&descs[0]),
		Depth:    rxDepth,
	})
	f.tile.cfg.Ledger = nil
	require.NoError(t, f.tile.Boot(f.ctx))

	prod = 10
	assert.Panics(t, func() { f.tile.Housekeep(0) })
}

func TestRunUnderWorker(t *testing.T) {
	f := newFixture(t, xsk.PollModeNone, 4)
	f.tile.cfg.Ledger = nil

	done := make(chan error, 1)
	go func() { done <- worker.Run(f.ctx, f.tile) }()
	_, err := f.ctx.Cnc.Wait(t.Context(), cnc.SignalBoot, 5*time.Second)
	require.NoError(t, err)

	delivered := 0
	deadline := time.Now().Add(5 * time.Second)
	for delivered < 200 && time.Now().Before(deadline) {
		if f.kern.Deliver(payload(delivered)) {
			delivered++
		}
	}
	require.Equal(t, 200, delivered)
	require.Eventually(t, func() bool { return f.ring.SeqSync() == 200 }, 5*time.Second, time.Millisecond)

	require.NoError(t, f.ctx.Cnc.Raise(cnc.SignalHalt))
	require.NoError(t, <-done)
	assert.Equal(t, cnc.SignalBoot, f.ctx.Cnc.Query())
	assert.Equal(t, uint64(200), f.ctx.Cnc.Diag(cnc.DiagPubCnt))
}
