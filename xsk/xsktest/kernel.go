// Package xsktest provides an in-memory stand-in for the kernel side of an
// AF_XDP socket.
package xsktest

import (
	"sync"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"

	"starTango/xsk"
)

// ring is the shared memory of one ring.
type ring struct {
	prod  uint32
	cons  uint32
	flags uint32
	addrs []uint64
	descs []xsk.Desc
}

func (r *ring) mem(depth uint32, desc bool) xsk.RingMem {
	m := xsk.RingMem{Producer: &r.prod, Consumer: &r.cons, Flags: &r.flags, Depth: depth}
	if desc {
		r.descs = make([]xsk.Desc, depth)
		m.Descs = unsafe.Pointer(&r.descs[0])
	} else {
		r.addrs = make([]uint64, depth)
		m.Descs = unsafe.Pointer(&r.addrs[0])
	}
	return m
}

func load(p *uint32) uint32     { return atomic.LoadUint32(p) }
func store(p *uint32, v uint32) { atomic.StoreUint32(p, v) }

// Kernel plays the kernel for the four rings of one socket over umem.
// Its methods may be called from a goroutine other than the one driving
// the userspace side of the rings.
type Kernel struct {
	mu    sync.Mutex
	umem  []byte
	fill  ring
	rx    ring
	tx    ring
	compl ring
	rings xsk.Rings

	rxKicks  atomic.Uint64
	txKicks  atomic.Uint64
	kickErr  error
	dropped  uint64
	received uint64
}

// NewKernel creates the rings with the given depths.
func NewKernel(umem []byte, fillDepth, rxDepth, txDepth, complDepth uint32) *Kernel {
	k := &Kernel{umem: umem}
	k.rings = xsk.Rings{
		Fill:       xsk.NewFillRing(k.fill.mem(fillDepth, false)),
		Rx:         xsk.NewRxRing(k.rx.mem(rxDepth, true)),
		Tx:         xsk.NewTxRing(k.tx.mem(txDepth, true)),
		Completion: xsk.NewCompletionRing(k.compl.mem(complDepth, false)),
	}
	return k
}

// Rings returns the userspace view of the rings.
func (k *Kernel) Rings() xsk.Rings { return k.rings }

// Deliver receives one frame: it takes a buffer from the fill ring, copies
// payload into it and posts it on the rx ring. It reports false, counting
// a drop, when either ring has no room.
func (k *Kernel) Deliver(payload []byte) bool {
	k.mu.Lock()
	defer k.mu.Unlock()

	fillMask := uint32(len(k.fill.addrs) - 1)
	rxDepth := uint32(len(k.rx.descs))
	if k.fill.cons == load(&k.fill.prod) || k.rx.prod-load(&k.rx.cons) >= rxDepth {
		k.dropped++
		return false
	}
	addr := k.fill.addrs[k.fill.cons&fillMask]
	store(&k.fill.cons, k.fill.cons+1)

	n := copy(k.umem[addr:], payload)
	k.rx.descs[k.rx.prod&(rxDepth-1)] = xsk.Desc{Addr: addr, Len: uint32(n)}
	store(&k.rx.prod, k.rx.prod+1)
	k.received++
	return true
}

// Frame is one transmitted frame.
type Frame struct {
	Addr uint64
	Data []byte
}

// Transmit consumes everything queued on the tx ring, returns copies of the
// frames and, room permitting, completes them.
func (k *Kernel) Transmit() []Frame {
	k.mu.Lock()
	defer k.mu.Unlock()

	var out []Frame
	txMask := uint32(len(k.tx.descs) - 1)
	complDepth := uint32(len(k.compl.addrs))
	prod := load(&k.tx.prod)
	for k.tx.cons != prod {
		if k.compl.prod-load(&k.compl.cons) >= complDepth {
			break
		}
		d := k.tx.descs[k.tx.cons&txMask]
		data := make([]byte, d.Len)
		copy(data, k.umem[d.Addr:d.Addr+uint64(d.Len)])
		out = append(out, Frame{Addr: d.Addr, Data: data})

		k.compl.addrs[k.compl.prod&(complDepth-1)] = d.Addr
		store(&k.tx.cons, k.tx.cons+1)
		store(&k.compl.prod, k.compl.prod+1)
	}
	return out
}

// SetNeedWakeup sets or clears the need-wakeup flag on the fill and tx
// rings.
func (k *Kernel) SetNeedWakeup(on bool) {
	var v uint32
	if on {
		v = unix.XDP_RING_NEED_WAKEUP
	}
	store(&k.fill.flags, v)
	store(&k.tx.flags, v)
}

// FailKicks makes every following wakeup return err.
func (k *Kernel) FailKicks(err error) {
	k.mu.Lock()
	k.kickErr = err
	k.mu.Unlock()
}

func (k *Kernel) WakeupRx() error {
	k.rxKicks.Add(1)
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.kickErr
}

func (k *Kernel) WakeupTx() error {
	k.txKicks.Add(1)
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.kickErr
}

func (k *Kernel) RxKicks() uint64 { return k.rxKicks.Load() }
func (k *Kernel) TxKicks() uint64 { return k.txKicks.Load() }

// FillAddrs returns the buffers currently lent to the kernel through the
// fill ring, i.e. between its consumer and producer index.
func (k *Kernel) FillAddrs() []uint64 {
	k.mu.Lock()
	defer k.mu.Unlock()
	var out []uint64
	mask := uint32(len(k.fill.addrs) - 1)
	for i, prod := k.fill.cons, load(&k.fill.prod); i != prod; i++ {
		out = append(out, k.fill.addrs[i&mask])
	}
	return out
}

// RxAddrs returns the buffers posted on the rx ring and not yet consumed.
func (k *Kernel) RxAddrs() []uint64 {
	k.mu.Lock()
	defer k.mu.Unlock()
	var out []uint64
	mask := uint32(len(k.rx.descs) - 1)
	for i := load(&k.rx.cons); i != k.rx.prod; i++ {
		out = append(out, k.rx.descs[i&mask].Addr)
	}
	return out
}

// Counters returns the frames delivered and dropped so far.
func (k *Kernel) Counters() (received, dropped uint64) {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.received, k.dropped
}

var _ xsk.Waker = (*Kernel)(nil)
