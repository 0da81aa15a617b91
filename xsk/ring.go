// Copyright 2019 Asavie Technologies Ltd. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE file in the root of the source
// tree.

package xsk

import (
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Desc represents an XDP Rx/Tx descriptor.
type Desc unix.XDPDesc

// OwnedIndex is a ring index written by the holder of the view. Store
// publishes every descriptor written before it.
type OwnedIndex struct{ p *uint32 }

func (i OwnedIndex) Load() uint32   { return atomic.LoadUint32(i.p) }
func (i OwnedIndex) Store(v uint32) { atomic.StoreUint32(i.p, v) }

// PeerIndex is a ring index written by the other side. Descriptors below
// a loaded value are safe to read.
type PeerIndex struct{ p *uint32 }

func (i PeerIndex) Load() uint32 { return atomic.LoadUint32(i.p) }

// RingMem locates the shared fields of one ring.
type RingMem struct {
	Producer *uint32
	Consumer *uint32
	Flags    *uint32
	Descs    unsafe.Pointer
	Depth    uint32
}

func (m RingMem) flags() PeerIndex {
	if m.Flags == nil {
		var zero uint32
		return PeerIndex{&zero}
	}
	return PeerIndex{m.Flags}
}

// FillRing lends empty frames to the kernel. Userspace produces.
type FillRing struct {
	Prod  OwnedIndex
	Cons  PeerIndex
	Flags PeerIndex
	Descs []uint64
	Mask  uint32
}

// RxRing hands received frames to userspace. The kernel produces.
type RxRing struct {
	Prod  PeerIndex
	Cons  OwnedIndex
	Flags PeerIndex
	Descs []Desc
	Mask  uint32
}

// TxRing hands frames to send to the kernel. Userspace produces.
type TxRing struct {
	Prod  OwnedIndex
	Cons  PeerIndex
	Flags PeerIndex
	Descs []Desc
	Mask  uint32
}

// CompletionRing returns sent frames to userspace. The kernel produces.
type CompletionRing struct {
	Prod  PeerIndex
	Cons  OwnedIndex
	Flags PeerIndex
	Descs []uint64
	Mask  uint32
}

func NewFillRing(m RingMem) *FillRing {
	return &FillRing{
		Prod:  OwnedIndex{m.Producer},
		Cons:  PeerIndex{m.Consumer},
		Flags: m.flags(),
		Descs: unsafe.Slice((*uint64)(m.Descs), m.Depth),
		Mask:  m.Depth - 1,
	}
}

func NewRxRing(m RingMem) *RxRing {
	return &RxRing{
		Prod:  PeerIndex{m.Producer},
		Cons:  OwnedIndex{m.Consumer},
		Flags: m.flags(),
		Descs: unsafe.Slice((*Desc)(m.Descs), m.Depth),
		Mask:  m.Depth - 1,
	}
}

func NewTxRing(m RingMem) *TxRing {
	return &TxRing{
		Prod:  OwnedIndex{m.Producer},
		Cons:  PeerIndex{m.Consumer},
		Flags: m.flags(),
		Descs: unsafe.Slice((*Desc)(m.Descs), m.Depth),
		Mask:  m.Depth - 1,
	}
}

func NewCompletionRing(m RingMem) *CompletionRing {
	return &CompletionRing{
		Prod:  PeerIndex{m.Producer},
		Cons:  OwnedIndex{m.Consumer},
		Flags: m.flags(),
		Descs: unsafe.Slice((*uint64)(m.Descs), m.Depth),
		Mask:  m.Depth - 1,
	}
}

func (r *FillRing) Depth() uint32       { return r.Mask + 1 }
func (r *RxRing) Depth() uint32         { return r.Mask + 1 }
func (r *TxRing) Depth() uint32         { return r.Mask + 1 }
func (r *CompletionRing) Depth() uint32 { return r.Mask + 1 }

// NeedsWakeup reports whether the kernel asked to be kicked before it
// looks at the fill ring again.
func (r *FillRing) NeedsWakeup() bool { return r.Flags.Load()&unix.XDP_RING_NEED_WAKEUP != 0 }

// NeedsWakeup reports whether the kernel asked to be kicked before it
// looks at the tx ring again.
func (r *TxRing) NeedsWakeup() bool { return r.Flags.Load()&unix.XDP_RING_NEED_WAKEUP != 0 }

// Rings is the set of four rings of one socket.
type Rings struct {
	Fill       *FillRing
	Rx         *RxRing
	Tx         *TxRing
	Completion *CompletionRing
}

// Waker prompts the kernel to process a ring. Implementations must not
// block and must treat would-block as success.
type Waker interface {
	WakeupRx() error
	WakeupTx() error
}
