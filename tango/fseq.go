package tango

import "sync/atomic"

// Fseq diagnostic slots.
const (
	FseqDiagPubCnt = iota
	FseqDiagPubSz
	FseqDiagFiltCnt
	FseqDiagFiltSz
	FseqDiagOvrnpCnt
	FseqDiagOvrnrCnt
	FseqDiagSlowCnt
	FseqDiagCnt
)

// Fseq is the cursor a consumer publishes back to a reliable producer,
// with the consumer's counters next to it.
type Fseq struct {
	seq  atomic.Uint64
	_    [7]uint64
	diag [FseqDiagCnt]atomic.Uint64
}

func NewFseq(seq0 uint64) *Fseq {
	f := &Fseq{}
	f.seq.Store(seq0)
	return f
}

// Query returns the next sequence the consumer expects.
func (f *Fseq) Query() uint64 { return f.seq.Load() }

// Update is called by the owning consumer.
func (f *Fseq) Update(seq uint64) { f.seq.Store(seq) }

func (f *Fseq) Diag(i int) uint64 { return f.diag[i].Load() }

func (f *Fseq) AddDiag(i int, v uint64) { f.diag[i].Add(v) }

// SlowCounter returns the slot a flow controller bumps when this consumer
// is the one holding the producer back.
func (f *Fseq) SlowCounter() *atomic.Uint64 { return &f.diag[FseqDiagSlowCnt] }
