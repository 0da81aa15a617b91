package tango

import (
	"sync/atomic"

	"github.com/pkg/errors"
)

// DepthMin is the smallest ring depth accepted by NewRing.
const DepthMin = 2

// Ring is a fixed depth ring of fragment descriptors. A single producer
// publishes in strictly increasing sequence order, any number of readers
// poll it without coordination and detect when they were overrun.
type Ring struct {
	depth uint64
	mask  uint64
	sync  atomic.Uint64
	_     [7]uint64
	frags []frag
}

// NewRing creates a ring whose first published sequence will be seq0.
func NewRing(depth, seq0 uint64) (*Ring, error) {
	if depth < DepthMin || depth&(depth-1) != 0 {
		return nil, errors.Errorf("bad ring depth %d (want power of two >= %d)", depth, DepthMin)
	}
	r := &Ring{
		depth: depth,
		mask:  depth - 1,
		frags: make([]frag, depth),
	}
	init := SeqDec(seq0, 1)
	for i := range r.frags {
		r.frags[i].seq.Store(init)
		r.frags[i].szCtl.Store(packSzCtl(0, CtlErr))
	}
	r.sync.Store(seq0)
	return r, nil
}

func (r *Ring) Depth() uint64 { return r.depth }

// Line returns the slot index used by seq.
func (r *Ring) Line(seq uint64) uint64 { return seq & r.mask }

// Publish writes the descriptor for seq. Only the producer owning the ring
// may call it. Readers that load seq and then re-check it after reading the
// payload are guaranteed not to accept a half written slot.
func (r *Ring) Publish(seq, sig, chunk uint64, sz uint32, ctl Ctl, tsOrig, tsPub uint64) {
	f := &r.frags[seq&r.mask]
	f.seq.Store(SeqDec(seq, 1))
	f.sig.Store(sig)
	f.chunk.Store(chunk)
	f.szCtl.Store(packSzCtl(sz, ctl))
	f.tsOrig.Store(tsOrig)
	f.tsPub.Store(tsPub)
	f.seq.Store(seq)
}

// Poll reads the slot of seq. The returned meta.Seq is the sequence stored
// in the slot before the other fields were read:
//
//	meta.Seq == seq  fresh, read the payload then confirm with SeqQuery
//	meta.Seq >  seq  overrun, resume from meta.Seq
//	meta.Seq <  seq  not published yet
func (r *Ring) Poll(seq uint64) FragMeta {
	f := &r.frags[seq&r.mask]
	var m FragMeta
	m.Seq = f.seq.Load()
	m.Sig = f.sig.Load()
	m.Chunk = f.chunk.Load()
	m.Sz, m.Ctl = unpackSzCtl(f.szCtl.Load())
	m.TsOrig = f.tsOrig.Load()
	m.TsPub = f.tsPub.Load()
	return m
}

// SeqQuery returns the sequence currently stored in the slot of seq.
func (r *Ring) SeqQuery(seq uint64) uint64 {
	return r.frags[seq&r.mask].seq.Load()
}

// ChunkAt returns the chunk currently referenced by the slot of seq.
func (r *Ring) ChunkAt(seq uint64) uint64 {
	return r.frags[seq&r.mask].chunk.Load()
}

// Prime sets the chunk of a slot that has not been published yet. It is
// used to hand the ring its initial set of frames before the producer runs.
func (r *Ring) Prime(line, chunk uint64) {
	r.frags[line&r.mask].chunk.Store(chunk)
}

// Advertise records how far the producer has gotten.
func (r *Ring) Advertise(seq uint64) { r.sync.Store(seq) }

// SeqSync returns the last advertised sequence. Late joining readers start
// polling from here.
func (r *Ring) SeqSync() uint64 { return r.sync.Load() }
