// Copyright 2019 Asavie Technologies Ltd. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE file in the root of the source
// tree.

package xsk

import (
	"syscall"
	"unsafe"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// DefaultSocketOptions is used by NewSocket when no options are given.
var DefaultSocketOptions = SocketOptions{
	FrameSize:             2048,
	NumFillRingDesc:       8192,
	NumCompletionRingDesc: 64,
	NumRxRingDesc:         4096,
	NumTxRingDesc:         64,
	PollMode:              PollModeWakeup,
	BusyPollUsecs:         50,
	BusyPollBudget:        2048,
}

// SocketOptions are configuration settings used to bind an XDP socket.
type SocketOptions struct {
	FrameSize             int
	Headroom              int
	NumFillRingDesc       int
	NumCompletionRingDesc int
	NumRxRingDesc         int
	NumTxRingDesc         int

	// BindFlags is or'ed into DefaultSocketFlags, e.g. unix.XDP_ZEROCOPY.
	BindFlags uint16

	PollMode       PollMode
	BusyPollUsecs  int
	BusyPollBudget int
}

// DefaultSocketFlags are the flags which are passed to bind(2) system call
// when the XDP socket is bound, possible values include unix.XDP_SHARED_UMEM,
// unix.XDP_COPY, unix.XDP_ZEROCOPY.
var DefaultSocketFlags uint16 = 0

// Stats contains the ring positions and the in-kernel statistics of the
// socket.
type Stats struct {
	Filled      uint64
	Received    uint64
	Transmitted uint64
	Completed   uint64
	KernelStats unix.XDPStatistics
}

// A Socket is an AF_XDP socket bound to one queue of a device, moving
// frames of a UMEM owned by the caller.
type Socket struct {
	fd       int
	ifindex  int
	queueID  int
	options  SocketOptions
	rings    Rings
	mappings [][]byte
	log      *log.Entry
}

func isPow2(v int) bool { return v > 0 && v&(v-1) == 0 }

func (o *SocketOptions) validate() error {
	if !isPow2(o.FrameSize) || o.FrameSize < 2048 {
		return errors.Errorf("bad frame size %d", o.FrameSize)
	}
	for _, d := range []struct {
		name string
		n    int
	}{
		{"fill", o.NumFillRingDesc},
		{"completion", o.NumCompletionRingDesc},
		{"rx", o.NumRxRingDesc},
		{"tx", o.NumTxRingDesc},
	} {
		if !isPow2(d.n) {
			return errors.Errorf("%s ring depth %d not a power of two", d.name, d.n)
		}
	}
	if o.PollMode.Busy() && (o.BusyPollUsecs <= 0 || o.BusyPollBudget <= 0) {
		return errors.New("busy polling needs positive usecs and budget")
	}
	return nil
}

// NewSocket registers umem with a new AF_XDP socket and binds it to the
// given queue of the interface. umem must be UMEM aligned and a multiple of
// the frame size.
func NewSocket(ifindex int, queueID int, umem []byte, options *SocketOptions) (xsk *Socket, err error) {
	if options == nil {
		options = &DefaultSocketOptions
	}
	if err = options.validate(); err != nil {
		return nil, err
	}
	if len(umem) == 0 || uintptr(unsafe.Pointer(&umem[0]))%4096 != 0 {
		return nil, errors.New("umem must be non empty and 4096 byte aligned")
	}
	if len(umem)%options.FrameSize != 0 {
		return nil, errors.Errorf("umem size %d not a multiple of frame size %d", len(umem), options.FrameSize)
	}

	xsk = &Socket{
		fd:      -1,
		ifindex: ifindex,
		queueID: queueID,
		options: *options,
		log:     log.WithFields(log.Fields{"module": "xsk", "ifindex": ifindex, "queue": queueID}),
	}

	xsk.fd, err = syscall.Socket(unix.AF_XDP, syscall.SOCK_RAW, 0)
	if err != nil {
		return nil, errors.Wrap(err, "syscall.Socket failed")
	}

	xdpUmemReg := unix.XDPUmemReg{
		Addr:     uint64(uintptr(unsafe.Pointer(&umem[0]))),
		Len:      uint64(len(umem)),
		Size:     uint32(options.FrameSize),
		Headroom: uint32(options.Headroom),
	}

	rc, _, errno := unix.Syscall6(syscall.SYS_SETSOCKOPT, uintptr(xsk.fd),
		unix.SOL_XDP, unix.XDP_UMEM_REG,
		uintptr(unsafe.Pointer(&xdpUmemReg)),
		unsafe.Sizeof(xdpUmemReg), 0)
	if rc != 0 {
		xsk.Close()
		return nil, errors.Wrap(errno, "setsockopt XDP_UMEM_REG failed")
	}

	for _, o := range []struct {
		opt  int
		n    int
		name string
	}{
		{unix.XDP_UMEM_FILL_RING, options.NumFillRingDesc, "XDP_UMEM_FILL_RING"},
		{unix.XDP_UMEM_COMPLETION_RING, options.NumCompletionRingDesc, "XDP_UMEM_COMPLETION_RING"},
		{unix.XDP_RX_RING, options.NumRxRingDesc, "XDP_RX_RING"},
		{unix.XDP_TX_RING, options.NumTxRingDesc, "XDP_TX_RING"},
	} {
		if err = unix.SetsockoptInt(xsk.fd, unix.SOL_XDP, o.opt, o.n); err != nil {
			xsk.Close()
			return nil, errors.Wrapf(err, "setsockopt %s failed", o.name)
		}
	}

	var offsets unix.XDPMmapOffsets
	vallen := uint32(unsafe.Sizeof(offsets))
	rc, _, errno = unix.Syscall6(syscall.SYS_GETSOCKOPT, uintptr(xsk.fd),
		unix.SOL_XDP, unix.XDP_MMAP_OFFSETS,
		uintptr(unsafe.Pointer(&offsets)),
		uintptr(unsafe.Pointer(&vallen)), 0)
	if rc != 0 {
		xsk.Close()
		return nil, errors.Wrap(errno, "getsockopt XDP_MMAP_OFFSETS failed")
	}

	fill, err := xsk.mapRing(unix.XDP_UMEM_PGOFF_FILL_RING, offsets.Fr, options.NumFillRingDesc, 8)
	if err != nil {
		xsk.Close()
		return nil, errors.Wrap(err, "mmap fill ring failed")
	}
	completion, err := xsk.mapRing(unix.XDP_UMEM_PGOFF_COMPLETION_RING, offsets.Cr, options.NumCompletionRingDesc, 8)
	if err != nil {
		xsk.Close()
		return nil, errors.Wrap(err, "mmap completion ring failed")
	}
	rx, err := xsk.mapRing(unix.XDP_PGOFF_RX_RING, offsets.Rx, options.NumRxRingDesc, int(unsafe.Sizeof(Desc{})))
	if err != nil {
		xsk.Close()
		return nil, errors.Wrap(err, "mmap rx ring failed")
	}
	tx, err := xsk.mapRing(unix.XDP_PGOFF_TX_RING, offsets.Tx, options.NumTxRingDesc, int(unsafe.Sizeof(Desc{})))
	if err != nil {
		xsk.Close()
		return nil, errors.Wrap(err, "mmap tx ring failed")
	}
	xsk.rings = Rings{
		Fill:       NewFillRing(fill),
		Rx:         NewRxRing(rx),
		Tx:         NewTxRing(tx),
		Completion: NewCompletionRing(completion),
	}

	if options.PollMode.Busy() {
		if err = xsk.setBusyPoll(); err != nil {
			xsk.Close()
			return nil, err
		}
	}

	flags := DefaultSocketFlags | options.BindFlags
	if options.PollMode == PollModeWakeup {
		flags |= unix.XDP_USE_NEED_WAKEUP
	}
	sa := unix.SockaddrXDP{
		Flags:   flags,
		Ifindex: uint32(ifindex),
		QueueID: uint32(queueID),
	}
	if err = unix.Bind(xsk.fd, &sa); err != nil {
		xsk.Close()
		return nil, errors.Wrap(err, "bind SockaddrXDP failed")
	}

	xsk.log.Infof("bound (poll mode %s, flags %#x, umem %d frames)", options.PollMode, flags, len(umem)/options.FrameSize)
	return xsk, nil
}

func (xsk *Socket) mapRing(pgoff int64, off unix.XDPRingOffset, depth int, descSz int) (RingMem, error) {
	b, err := syscall.Mmap(xsk.fd, pgoff,
		int(off.Desc+uint64(depth*descSz)),
		syscall.PROT_READ|syscall.PROT_WRITE,
		syscall.MAP_SHARED|syscall.MAP_POPULATE)
	if err != nil {
		return RingMem{}, err
	}
	xsk.mappings = append(xsk.mappings, b)

	base := unsafe.Pointer(&b[0])
	return RingMem{
		Producer: (*uint32)(unsafe.Add(base, off.Producer)),
		Consumer: (*uint32)(unsafe.Add(base, off.Consumer)),
		Flags:    (*uint32)(unsafe.Add(base, off.Flags)),
		Descs:    unsafe.Add(base, off.Desc),
		Depth:    uint32(depth),
	}, nil
}

func (xsk *Socket) setBusyPoll() error {
	for _, o := range []struct {
		opt  int
		v    int
		name string
	}{
		{unix.SO_PREFER_BUSY_POLL, 1, "SO_PREFER_BUSY_POLL"},
		{unix.SO_BUSY_POLL, xsk.options.BusyPollUsecs, "SO_BUSY_POLL"},
		{unix.SO_BUSY_POLL_BUDGET, xsk.options.BusyPollBudget, "SO_BUSY_POLL_BUDGET"},
	} {
		if err := unix.SetsockoptInt(xsk.fd, unix.SOL_SOCKET, o.opt, o.v); err != nil {
			return errors.Wrapf(err, "setsockopt %s failed", o.name)
		}
	}
	return nil
}

// Rings returns the mapped rings.
func (xsk *Socket) Rings() Rings { return xsk.rings }

// FD returns the file descriptor associated with this Socket which can be
// used e.g. to do polling.
func (xsk *Socket) FD() int { return xsk.fd }

func (xsk *Socket) QueueID() int { return xsk.queueID }

func (xsk *Socket) Options() SocketOptions { return xsk.options }

// WakeupRx asks the kernel to service the fill and rx rings.
func (xsk *Socket) WakeupRx() error {
	var msg unix.Msghdr
	for {
		_, _, errno := unix.Syscall(unix.SYS_RECVMSG, uintptr(xsk.fd),
			uintptr(unsafe.Pointer(&msg)), unix.MSG_DONTWAIT)
		switch errno {
		case 0, unix.EAGAIN, unix.EBUSY, unix.ENETDOWN:
			return nil
		case unix.EINTR:
			continue
		}
		xsk.log.Warnf("recvmsg failed: %v", errno)
		return errors.Wrap(errno, "recvmsg failed")
	}
}

// WakeupTx asks the kernel to send what was queued on the tx ring.
func (xsk *Socket) WakeupTx() error {
	for {
		rc, _, errno := unix.Syscall6(syscall.SYS_SENDTO,
			uintptr(xsk.fd),
			0, 0,
			uintptr(unix.MSG_DONTWAIT),
			0, 0)
		if rc == 0 {
			return nil
		}
		switch errno {
		case unix.EINTR:
			// try again
		case unix.EAGAIN, unix.ENOBUFS:
			return nil
		case unix.EBUSY: // "completed but not sent"
			return nil
		default:
			xsk.log.Warnf("sendto failed: %v", errno)
			return errors.Wrap(errno, "sendto failed")
		}
	}
}

// Poll waits up to timeout milliseconds for the socket to become readable.
// A zero timeout only prompts the kernel.
func (xsk *Socket) Poll(timeout int) (n int, err error) {
	var pfds [1]unix.PollFd
	pfds[0].Fd = int32(xsk.fd)
	pfds[0].Events = unix.POLLIN
	for err = unix.EINTR; err == unix.EINTR; {
		n, err = unix.Poll(pfds[:], timeout)
	}
	if err != nil {
		return 0, errors.WithStack(err)
	}
	return n, nil
}

// Stats returns various statistics for this XDP socket.
func (xsk *Socket) Stats() (Stats, error) {
	var stats Stats
	var size uint64

	r := xsk.rings
	stats.Filled = uint64(r.Fill.Cons.Load())
	stats.Received = uint64(r.Rx.Cons.Load())
	stats.Transmitted = uint64(r.Tx.Cons.Load())
	stats.Completed = uint64(r.Completion.Cons.Load())

	size = uint64(unsafe.Sizeof(stats.KernelStats))
	rc, _, errno := unix.Syscall6(syscall.SYS_GETSOCKOPT,
		uintptr(xsk.fd),
		unix.SOL_XDP, unix.XDP_STATISTICS,
		uintptr(unsafe.Pointer(&stats.KernelStats)),
		uintptr(unsafe.Pointer(&size)), 0)
	if rc != 0 {
		return stats, errors.Wrap(errno, "getsockopt XDP_STATISTICS failed")
	}
	return stats, nil
}

// Close unmaps the rings and closes the socket. The UMEM stays with its
// owner.
func (xsk *Socket) Close() error {
	var first error
	for _, b := range xsk.mappings {
		if err := syscall.Munmap(b); err != nil && first == nil {
			first = errors.Wrap(err, "failed to unmap ring")
		}
	}
	xsk.mappings = nil
	xsk.rings = Rings{}

	if xsk.fd != -1 {
		if err := unix.Close(xsk.fd); err != nil && first == nil {
			first = errors.Wrap(err, "failed to close XDP socket")
		}
		xsk.fd = -1
	}
	return first
}
