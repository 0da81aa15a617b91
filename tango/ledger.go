package tango

import (
	"fmt"

	"github.com/pkg/errors"
)

// FrameState says who may touch a frame.
type FrameState uint8

const (
	// FrameFree is idle in a userspace pool.
	FrameFree FrameState = iota
	// FrameKernelOwned sits in a fill or tx ring.
	FrameKernelOwned
	// FrameInTransit was handed over by one side and not yet claimed by
	// the other (rx ring entries, tx frames awaiting completion).
	FrameInTransit
	// FrameConsumerVisible is referenced by a live ring slot.
	FrameConsumerVisible

	frameStateCnt
)

func (s FrameState) String() string {
	switch s {
	case FrameFree:
		return "free"
	case FrameKernelOwned:
		return "kernel"
	case FrameInTransit:
		return "transit"
	case FrameConsumerVisible:
		return "visible"
	}
	return fmt.Sprintf("state(%d)", uint8(s))
}

// Ledger tracks the state of every frame of a FrameBuffer. It is not safe
// for concurrent use; each ledger belongs to the worker that owns the
// frames.
type Ledger struct {
	buf    *FrameBuffer
	tags   []FrameState
	counts [frameStateCnt]uint64
}

func NewLedger(buf *FrameBuffer) *Ledger {
	l := &Ledger{buf: buf, tags: make([]FrameState, buf.FrameCount())}
	l.counts[FrameFree] = buf.FrameCount()
	return l
}

// Move transitions the frame containing chunk. A frame found in any state
// other than from means two owners believe they hold it, which is fatal.
func (l *Ledger) Move(chunk uint64, from, to FrameState) {
	i := l.buf.FrameIndex(chunk)
	if i >= uint64(len(l.tags)) {
		panic(errors.Errorf("frame ledger: chunk %d outside buffer", chunk))
	}
	if l.tags[i] != from {
		panic(errors.Errorf("frame ledger: frame %d is %s, expected %s", i, l.tags[i], from))
	}
	l.tags[i] = to
	l.counts[from]--
	l.counts[to]++
}

// MoveUmem is Move for a kernel buffer offset.
func (l *Ledger) MoveUmem(off uint64, from, to FrameState) {
	l.Move(l.buf.UmemToChunk(l.buf.FrameAlign(off)), from, to)
}

func (l *Ledger) State(chunk uint64) FrameState {
	return l.tags[l.buf.FrameIndex(chunk)]
}

func (l *Ledger) Count(s FrameState) uint64 { return l.counts[s] }

func (l *Ledger) Total() uint64 { return uint64(len(l.tags)) }

// Check verifies the per state counts still add up to the frame count.
func (l *Ledger) Check() error {
	var sum uint64
	for _, c := range l.counts {
		sum += c
	}
	if sum != l.Total() {
		return errors.Errorf("frame ledger: %d frames accounted, buffer has %d", sum, l.Total())
	}
	return nil
}
