package tango

import "sync/atomic"

// Ctl is the control byte of a fragment.
//
//	bit 0    start of message
//	bit 1    end of message
//	bit 2    error
//	bit 3..7 origin id
type Ctl uint8

const (
	CtlSOM Ctl = 1 << 0
	CtlEOM Ctl = 1 << 1
	CtlErr Ctl = 1 << 2

	CtlOrigMax = 31
)

// MakeCtl packs a control byte. orig is truncated to CtlOrigMax.
func MakeCtl(orig uint8, som, eom, err bool) Ctl {
	c := Ctl(orig&CtlOrigMax) << 3
	if som {
		c |= CtlSOM
	}
	if eom {
		c |= CtlEOM
	}
	if err {
		c |= CtlErr
	}
	return c
}

func (c Ctl) Orig() uint8 { return uint8(c >> 3) }
func (c Ctl) SOM() bool   { return c&CtlSOM != 0 }
func (c Ctl) EOM() bool   { return c&CtlEOM != 0 }
func (c Ctl) Err() bool   { return c&CtlErr != 0 }

// SeqInc returns seq advanced by n, wrapping.
func SeqInc(seq, n uint64) uint64 { return seq + n }

// SeqDec returns seq moved back by n, wrapping.
func SeqDec(seq, n uint64) uint64 { return seq - n }

// SeqDiff returns a-b as a signed distance. It is exact as long as the
// two sequence numbers are within 2^63 of each other.
func SeqDiff(a, b uint64) int64 { return int64(a - b) }

func SeqLT(a, b uint64) bool { return SeqDiff(a, b) < 0 }
func SeqLE(a, b uint64) bool { return SeqDiff(a, b) <= 0 }
func SeqGT(a, b uint64) bool { return SeqDiff(a, b) > 0 }
func SeqGE(a, b uint64) bool { return SeqDiff(a, b) >= 0 }

// FragMeta is a copy of one ring slot as seen by a reader.
type FragMeta struct {
	Seq    uint64
	Sig    uint64
	Chunk  uint64
	Sz     uint32
	Ctl    Ctl
	TsOrig uint64
	TsPub  uint64
}

// frag is one ring slot. Every word is accessed atomically since readers
// race with the producer by construction; seq is the guard word.
type frag struct {
	seq    atomic.Uint64
	sig    atomic.Uint64
	chunk  atomic.Uint64
	szCtl  atomic.Uint64 // sz | ctl<<32
	tsOrig atomic.Uint64
	tsPub  atomic.Uint64
	_      [2]uint64
}

func packSzCtl(sz uint32, ctl Ctl) uint64 { return uint64(sz) | uint64(ctl)<<32 }

func unpackSzCtl(v uint64) (uint32, Ctl) { return uint32(v), Ctl(v >> 32) }
