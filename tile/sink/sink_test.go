package sink

import (
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"starTango/cnc"
	"starTango/layers"
	"starTango/tango"
	"starTango/tile/flood"
	"starTango/utils/binary"
	"starTango/utils/checksum"
	"starTango/worker"
)

func newContext(t *testing.T, typ uint64, name string) *worker.Context {
	c, err := cnc.New(typ, cnc.DiagCnt, 0)
	require.NoError(t, err)
	return worker.NewContext(c, name, typ, time.Millisecond)
}

func publish(ring *tango.Ring, fb *tango.FrameBuffer, seq uint64, data []byte) {
	chunk := fb.FrameChunk(seq % fb.FrameCount())
	copy(fb.Slice(chunk, uint64(len(data))), data)
	ring.Publish(seq, seq, chunk, uint32(len(data)), tango.MakeCtl(0, true, true, false), 0, 0)
}

func TestConsumes(t *testing.T) {
	ring, err := tango.NewRing(4, 0)
	require.NoError(t, err)
	fb, err := tango.NewFrameBuffer(2048, 5, false)
	require.NoError(t, err)
	t.Cleanup(func() { fb.Close() })

	var got [][]byte
	fseq := tango.NewFseq(0)
	s := New(Config{
		In:     ring,
		Frames: fb,
		Fseq:   fseq,
		OnFrag: func(meta tango.FragMeta, payload []byte) {
			got = append(got, append([]byte(nil), payload...))
		},
	})
	ctx := newContext(t, 1, "sink-test")
	require.NoError(t, s.Boot(ctx))

	for i := uint64(0); i < 3; i++ {
		publish(ring, fb, i, []byte{byte(i), byte(i + 1), byte(i + 2)})
	}
	for i := 0; i < 5; i++ {
		require.NoError(t, s.Run(0))
	}
	require.Len(t, got, 3)
	assert.Equal(t, []byte{2, 3, 4}, got[2])

	s.Housekeep(0)
	assert.Equal(t, uint64(3), fseq.Query())
	assert.Equal(t, uint64(3), fseq.Diag(tango.FseqDiagPubCnt))
	assert.Equal(t, uint64(9), ctx.Cnc.Diag(cnc.DiagPubSz))

	// lapped by the producer
	for i := uint64(3); i < 12; i++ {
		publish(ring, fb, i, []byte{byte(i)})
	}
	for i := 0; i < 10; i++ {
		require.NoError(t, s.Run(0))
	}
	assert.Equal(t, uint64(12), s.Seq())
	s.Housekeep(1)
	assert.Equal(t, uint64(1), fseq.Diag(tango.FseqDiagOvrnpCnt))
	assert.Equal(t, uint64(1), ctx.Cnc.Diag(cnc.DiagOvrnpCnt))
	assert.Len(t, got, 4)
}

func TestMetadataOnly(t *testing.T) {
	ring, err := tango.NewRing(4, 100)
	require.NoError(t, err)
	fseq := tango.NewFseq(100)
	var n int
	s := New(Config{In: ring, Fseq: fseq, OnFrag: func(meta tango.FragMeta, payload []byte) {
		assert.Nil(t, payload)
		n++
	}})
	require.NoError(t, s.Boot(newContext(t, 1, "sink-test")))

	ring.Publish(100, 0, 0, 64, tango.MakeCtl(0, true, true, false), 0, 0)
	require.NoError(t, s.Run(0))
	require.NoError(t, s.Run(0))
	assert.Equal(t, 1, n)
	s.Halt()
	assert.Equal(t, uint64(101), fseq.Query())
}

func TestBootErrors(t *testing.T) {
	assert.Error(t, New(Config{}).Boot(newContext(t, 1, "sink-test")))
}

// A flood producer gated by the sink's cursor never laps it.
func TestReliablePipeline(t *testing.T) {
	ring, err := tango.NewRing(16, 0)
	require.NoError(t, err)
	fb, err := tango.NewFrameBuffer(2048, 4, false)
	require.NoError(t, err)
	t.Cleanup(func() { fb.Close() })

	src, _ := net.ParseMAC("52:54:00:00:00:01")
	dst, _ := net.ParseMAC("52:54:00:00:00:02")
	fseq := tango.NewFseq(0)
	producer := flood.New(flood.Config{
		Header: flood.Header{
			SrcMAC: src, DstMAC: dst,
			SrcIP: net.ParseIP("10.0.0.1"), DstIP: net.ParseIP("10.0.0.2"),
			SrcPort: 1, DstPort: 2,
		},
		PayloadSz: 100,
		Ring:      ring,
		Frames:    fb,
		Consumers: []*tango.Fseq{fseq},
	})

	var received, bad atomic.Uint64
	consumer := New(Config{
		In:     ring,
		Frames: fb,
		Fseq:   fseq,
		OnFrag: func(meta tango.FragMeta, payload []byte) {
			ip4 := layers.IPv4(payload[layers.LengthEthernet:])
			hdr := payload[layers.LengthEthernet : layers.LengthEthernet+layers.LengthIPv4Min]
			if binary.Swap16(ip4.GetID()) != uint16(meta.Seq) || checksum.TCPIPChecksum(hdr, 0) != 0 {
				bad.Add(1)
			}
			received.Add(1)
		},
	})

	pctx := newContext(t, 1, "flood")
	cctx := newContext(t, 2, "sink")
	pdone := make(chan error, 1)
	cdone := make(chan error, 1)
	go func() { pdone <- worker.Run(pctx, producer) }()
	go func() { cdone <- worker.Run(cctx, consumer) }()

	require.Eventually(t, func() bool { return received.Load() >= 2000 }, 10*time.Second, time.Millisecond)

	require.NoError(t, pctx.Cnc.Raise(cnc.SignalHalt))
	require.NoError(t, <-pdone)
	require.NoError(t, cctx.Cnc.Raise(cnc.SignalHalt))
	require.NoError(t, <-cdone)

	assert.Zero(t, bad.Load())
	assert.Zero(t, cctx.Cnc.Diag(cnc.DiagOvrnpCnt))
	assert.Zero(t, cctx.Cnc.Diag(cnc.DiagOvrnrCnt))
	assert.LessOrEqual(t, producer.Seq()-consumer.Seq(), ring.Depth())
}
