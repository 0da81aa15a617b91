// Copyright 2019 Asavie Technologies Ltd. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE file in the root of the source
// tree.

package xsk

import (
	"net"
	"time"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/link"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"
)

// DefaultXdpFlags are the flags which are passed when the XDP program is
// attached to the network link, possible values include
// unix.XDP_FLAGS_DRV_MODE, unix.XDP_FLAGS_HW_MODE, unix.XDP_FLAGS_SKB_MODE,
// unix.XDP_FLAGS_UPDATE_IF_NOEXIST.
var DefaultXdpFlags uint32 = 0

// Program redirects matching UDP traffic to the AF_XDP socket registered
// for the rx queue it arrived on.
type Program struct {
	program    *ebpf.Program
	mapSockets *ebpf.Map
	link       link.Link
	ifindex    int
	legacy     bool
	ports      PortRange
}

// NewProgram loads a redirect program for up to maxQueues queues. A nil
// dst matches any destination address.
func NewProgram(maxQueues int, dst net.IP, ports PortRange) (*Program, error) {
	if maxQueues <= 0 {
		return nil, errors.Errorf("bad queue count %d", maxQueues)
	}
	m, err := ebpf.NewMap(&ebpf.MapSpec{
		Name:       "xsks_map",
		Type:       ebpf.XSKMap,
		KeySize:    4,
		ValueSize:  4,
		MaxEntries: uint32(maxQueues),
	})
	if err != nil {
		return nil, errors.Wrap(err, "create xsks map failed")
	}

	insns, err := redirectInstructions(m.FD(), dst, ports)
	if err != nil {
		m.Close()
		return nil, err
	}
	prog, err := ebpf.NewProgram(&ebpf.ProgramSpec{
		Name:         "xsk_redirect",
		Type:         ebpf.XDP,
		License:      "Dual BSD/GPL",
		Instructions: insns,
	})
	if err != nil {
		m.Close()
		return nil, errors.Wrap(err, "load redirect program failed")
	}

	return &Program{program: prog, mapSockets: m, ifindex: -1, ports: ports}, nil
}

// Attach the XDP Program to an interface. Any program already attached
// through netlink is removed first. Kernels without XDP bpf links fall back
// to a netlink attach.
func (p *Program) Attach(ifindex int) error {
	if p.link != nil || p.legacy {
		return errors.New("program already attached")
	}
	if err := removeProgram(ifindex); err != nil {
		return err
	}

	l, err := link.AttachXDP(link.XDPOptions{
		Program:   p.program,
		Interface: ifindex,
		Flags:     link.XDPAttachFlags(DefaultXdpFlags),
	})
	switch {
	case err == nil:
		p.link = l
	case errors.Is(err, ebpf.ErrNotSupported) || errors.Is(err, unix.EINVAL):
		log.WithField("module", "xsk").Infof("bpf link attach unavailable (%v), using netlink", err)
		if err = attachProgram(ifindex, p.program); err != nil {
			return err
		}
		p.legacy = true
	default:
		return errors.Wrap(err, "attach xdp failed")
	}
	p.ifindex = ifindex
	return nil
}

// Detach the XDP Program from its interface.
func (p *Program) Detach() error {
	defer func() { p.ifindex = -1 }()
	if p.link != nil {
		err := p.link.Close()
		p.link = nil
		return errors.Wrap(err, "close xdp link failed")
	}
	if p.legacy {
		p.legacy = false
		return removeProgram(p.ifindex)
	}
	return nil
}

// Register adds the socket file descriptor to map.
func (p *Program) Register(queueID int, fd int) error {
	return errors.Wrapf(p.mapSockets.Update(uint32(queueID), uint32(fd), ebpf.UpdateAny),
		"register queue %d", queueID)
}

// Unregister removes the socket file descriptor from map.
func (p *Program) Unregister(queueID int) error {
	return errors.Wrapf(p.mapSockets.Delete(uint32(queueID)), "unregister queue %d", queueID)
}

// Ports returns the redirected destination port range.
func (p *Program) Ports() PortRange { return p.ports }

func (p *Program) Close() error {
	var first error
	if p.link != nil || p.legacy {
		first = p.Detach()
	}
	if p.mapSockets != nil {
		if err := p.mapSockets.Close(); err != nil && first == nil {
			first = err
		}
		p.mapSockets = nil
	}
	if p.program != nil {
		if err := p.program.Close(); err != nil && first == nil {
			first = err
		}
		p.program = nil
	}
	return first
}

// removeProgram removes an existing XDP program from the given network interface.
func removeProgram(Ifindex int) error {
	var link netlink.Link
	var err error
	link, err = netlink.LinkByIndex(Ifindex)
	if err != nil {
		return errors.Wrap(err, "get link by index failed")
	}
	if !isXdpAttached(link) {
		return nil
	}
	if err = netlink.LinkSetXdpFd(link, -1); err != nil {
		return errors.Wrap(err, "netlink.LinkSetXdpFd(link, -1) failed")
	}
	for i := 0; ; i++ {
		link, err = netlink.LinkByIndex(Ifindex)
		if err != nil {
			return errors.Wrap(err, "get link by index failed")
		}
		if !isXdpAttached(link) {
			return nil
		}
		if i == 50 {
			return errors.Errorf("xdp program still attached to ifindex %d", Ifindex)
		}
		time.Sleep(100 * time.Millisecond)
	}
}

func isXdpAttached(link netlink.Link) bool {
	if link.Attrs() != nil && link.Attrs().Xdp != nil && link.Attrs().Xdp.Attached {
		return true
	}
	return false
}

// attachProgram attaches the given XDP program to the network interface.
func attachProgram(Ifindex int, program *ebpf.Program) error {
	link, err := netlink.LinkByIndex(Ifindex)
	if err != nil {
		return errors.Wrap(err, "get link by index failed")
	}

	if err = netlink.LinkSetXdpFdWithFlags(link, program.FD(), int(DefaultXdpFlags)); err != nil {
		return errors.Wrap(err, "netlink.LinkSetXdpFdWithFlags set failed")
	}

	return nil
}
