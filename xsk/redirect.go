package xsk

import (
	"net"

	"github.com/cilium/ebpf/asm"
	"github.com/pkg/errors"

	"starTango/utils/binary"
)

// xdp_md field offsets
const (
	xdpMdData         = 0
	xdpMdDataEnd      = 4
	xdpMdRxQueueIndex = 16
)

const (
	xdpPass = 2

	// Ethernet + minimal IPv4 + UDP ports, everything the filter reads
	// before the IPv4 options are known.
	redirectHeaderSz = 14 + 20 + 8
)

// redirectInstructions assembles a program redirecting IPv4/UDP frames
// whose destination port falls in ports (and whose destination address is
// dst, unless dst is nil) to the socket registered for their rx queue in
// the map with file descriptor xsksFD. Everything else is passed to the
// kernel stack.
func redirectInstructions(xsksFD int, dst net.IP, ports PortRange) (asm.Instructions, error) {
	if ports.Lo == 0 || uint32(ports.Lo) >= ports.Hi || ports.Hi > 1<<16 {
		return nil, errors.Errorf("bad port range %s", ports)
	}
	var dst4 net.IP
	if dst != nil {
		if dst4 = dst.To4(); dst4 == nil {
			return nil, errors.Errorf("redirect address %s is not IPv4", dst)
		}
	}

	insns := asm.Instructions{
		asm.Mov.Reg(asm.R6, asm.R1),
		asm.LoadMem(asm.R2, asm.R6, xdpMdData, asm.Word),
		asm.LoadMem(asm.R3, asm.R6, xdpMdDataEnd, asm.Word),

		// headers in bounds
		asm.Mov.Reg(asm.R4, asm.R2),
		asm.Add.Imm(asm.R4, redirectHeaderSz),
		asm.JGT.Reg(asm.R4, asm.R3, "pass"),

		// ethertype 0x0800
		asm.LoadMem(asm.R5, asm.R2, 12, asm.Byte),
		asm.JNE.Imm(asm.R5, 0x08, "pass"),
		asm.LoadMem(asm.R5, asm.R2, 13, asm.Byte),
		asm.JNE.Imm(asm.R5, 0x00, "pass"),

		// ip protocol UDP
		asm.LoadMem(asm.R5, asm.R2, 14+9, asm.Byte),
		asm.JNE.Imm(asm.R5, 17, "pass"),
	}

	if dst4 != nil {
		// the register holds the address in memory order
		want := uint32(dst4[0]) | uint32(dst4[1])<<8 | uint32(dst4[2])<<16 | uint32(dst4[3])<<24
		if binary.IsBigEndian() {
			want = binary.Swap32(want)
		}
		insns = append(insns,
			asm.LoadMem(asm.R5, asm.R2, 14+16, asm.Word),
			asm.LoadImm(asm.R4, int64(want), asm.DWord),
			asm.JNE.Reg(asm.R5, asm.R4, "pass"),
		)
	}

	insns = append(insns,
		// udp header at data + 14 + ihl*4
		asm.LoadMem(asm.R5, asm.R2, 14, asm.Byte),
		asm.And.Imm(asm.R5, 0x0f),
		asm.LSh.Imm(asm.R5, 2),
		asm.Mov.Reg(asm.R4, asm.R2),
		asm.Add.Reg(asm.R4, asm.R5),
		asm.Add.Imm(asm.R4, 14),
		asm.Mov.Reg(asm.R5, asm.R4),
		asm.Add.Imm(asm.R5, 8),
		asm.JGT.Reg(asm.R5, asm.R3, "pass"),

		// destination port, big endian
		asm.LoadMem(asm.R5, asm.R4, 2, asm.Byte),
		asm.LSh.Imm(asm.R5, 8),
		asm.LoadMem(asm.R0, asm.R4, 3, asm.Byte),
		asm.Or.Reg(asm.R5, asm.R0),
		asm.JLT.Imm(asm.R5, int32(ports.Lo), "pass"),
		asm.JGE.Imm(asm.R5, int32(ports.Hi), "pass"),

		// bpf_redirect_map(&xsks, rx_queue_index, XDP_PASS)
		asm.LoadMapPtr(asm.R1, xsksFD),
		asm.LoadMem(asm.R2, asm.R6, xdpMdRxQueueIndex, asm.Word),
		asm.Mov.Imm(asm.R3, xdpPass),
		asm.FnRedirectMap.Call(),
		asm.Return(),

		asm.Mov.Imm(asm.R0, xdpPass).WithSymbol("pass"),
		asm.Return(),
	)
	return insns, nil
}
