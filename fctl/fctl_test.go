package fctl

import (
	"math/rand/v2"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"starTango/tango"
)

func TestConfigureDefaults(t *testing.T) {
	f := New(2)
	require.NoError(t, f.AddRx(64, tango.NewFseq(0), nil))
	require.NoError(t, f.AddRx(32, tango.NewFseq(0), nil))
	require.NoError(t, f.Configure(1, 0, 0, 0))

	assert.Equal(t, uint64(32), f.Max())
	assert.Equal(t, uint64(1+2*31/3), f.Resume())
	assert.Equal(t, uint64(1+(f.Resume()-1)/2), f.Refill())
	assert.Error(t, f.Configure(1, 0, 0, 0))
}

func TestConfigureErrors(t *testing.T) {
	f := New(1)
	require.NoError(t, f.AddRx(10, tango.NewFseq(0), nil))
	assert.Error(t, f.AddRx(10, tango.NewFseq(0), nil))
	assert.Error(t, f.Configure(0, 0, 0, 0))
	assert.Error(t, f.Configure(11, 0, 0, 0))
	assert.Error(t, f.Configure(2, 10, 3, 5))

	g := New(1)
	assert.Error(t, g.AddRx(0, tango.NewFseq(0), nil))
	assert.Error(t, g.AddRx(5, nil, nil))
}

func TestNoConsumers(t *testing.T) {
	f := New(0)
	require.NoError(t, f.Configure(1, 1000, 0, 0))
	assert.Equal(t, uint64(1000), f.Query(123456))
}

// A consumer stuck at sequence 0 stalls the producer after lag_max
// fragments until it moves again.
func TestStalledConsumer(t *testing.T) {
	cursor := tango.NewFseq(0)
	f := New(1)
	require.NoError(t, f.AddRx(50, cursor, cursor.SlowCounter()))
	require.NoError(t, f.Configure(1, 100, 0, 0))

	seq := uint64(0)
	cr := f.Refresh(0, seq)
	assert.Equal(t, uint64(50), cr)

	for cr > 0 {
		seq++
		cr--
		cr = f.Refresh(cr, seq)
	}
	assert.Equal(t, uint64(50), seq)
	assert.Equal(t, uint64(0), f.Refresh(cr, seq))
	assert.Positive(t, cursor.Diag(tango.FseqDiagSlowCnt))

	cursor.Update(10)
	assert.Equal(t, uint64(10), f.Refresh(0, seq))
	cursor.Update(50)
	assert.Equal(t, uint64(50), f.Refresh(10, seq))
	// 50 credits is still under resume (67), so the next refresh recomputes
	assert.True(t, f.InRefill())
}

func TestCreditsNeverExceedSlack(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	cursors := []*tango.Fseq{tango.NewFseq(0), tango.NewFseq(0), tango.NewFseq(0)}
	lags := []uint64{40, 25, 90}

	f := New(len(cursors))
	for i, c := range cursors {
		require.NoError(t, f.AddRx(lags[i], c, nil))
	}
	require.NoError(t, f.Configure(1, 64, 0, 0))

	seq, cr := uint64(0), uint64(0)
	for iter := 0; iter < 20000; iter++ {
		switch rng.IntN(3) {
		case 0:
			if cr > 0 {
				seq++
				cr--
			}
		case 1:
			c := cursors[rng.IntN(len(cursors))]
			if cur := c.Query(); cur < seq {
				c.Update(cur + 1 + rng.Uint64N(seq-cur))
			}
		case 2:
			cr = f.Refresh(cr, seq)
		}

		bound := int64(64)
		for i, c := range cursors {
			if s := int64(lags[i]) - tango.SeqDiff(seq, c.Query()); s < bound {
				bound = s
			}
		}
		require.LessOrEqual(t, int64(cr), bound)
	}
}

type fixedCursor uint64

func (c fixedCursor) Query() uint64 { return uint64(c) }

func TestQueryClamps(t *testing.T) {
	var slow atomic.Uint64
	f := New(1)
	require.NoError(t, f.AddRx(8, fixedCursor(100), &slow))
	require.NoError(t, f.Configure(2, 16, 0, 0))

	assert.Equal(t, uint64(0), f.Query(200))
	assert.Equal(t, uint64(1), slow.Load())
	// a cursor ahead of the producer is still bounded by max
	assert.Equal(t, uint64(16), f.Query(50))
}
