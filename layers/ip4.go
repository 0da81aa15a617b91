package layers

import (
	"net"
	"unsafe"
)

const (
	IPProtocolICMPv4 uint8 = 1
	IPProtocolTCP    uint8 = 6
	IPProtocolUDP    uint8 = 17
)

// IPv4 is the header of an IP packet.
//
//	struct iphdr {
//		__u8	ihl:4,
//			version:4;
//		__u8	tos;
//		__be16	tot_len;
//		__be16	id;
//		__be16	frag_off;
//		__u8	ttl;
//		__u8	protocol;
//		__sum16	check;
//		__be32	saddr;
//		__be32	daddr;
//	};
//
// 16 bit getters and setters take raw network order values.
type IPv4 []byte

const (
	LengthIPv4Min = 20
	LengthIPv4Max = 60
)

func (p *IPv4) GetVersion() uint8 {
	return (*p)[0] >> 4
}

// GetIHL returns the header length in bytes.
func (p *IPv4) GetIHL() uint8 {
	return ((*p)[0] & 0x0f) * 4
}

// SetVersionIHL sets both nibbles of the first byte; ihl is in bytes.
func (p *IPv4) SetVersionIHL(version, ihl uint8) {
	(*p)[0] = version<<4 | (ihl/4)&0x0f
}

func (p *IPv4) GetTOS() uint8 {
	return (*p)[1]
}

func (p *IPv4) SetTOS(i uint8) {
	(*p)[1] = i
}

func (p *IPv4) GetTotalLen() uint16 {
	return *(*uint16)(unsafe.Pointer(&(*p)[2]))
}

func (p *IPv4) SetTotalLen(i uint16) {
	*(*uint16)(unsafe.Pointer(&(*p)[2])) = i
}

func (p *IPv4) GetID() uint16 {
	return *(*uint16)(unsafe.Pointer(&(*p)[4]))
}

func (p *IPv4) SetID(i uint16) {
	*(*uint16)(unsafe.Pointer(&(*p)[4])) = i
}

func (p *IPv4) IsFlagDontFrag() bool {
	return (*p)[6]&64 == 64
}

func (p *IPv4) SetFlagDontFrag(b bool) {
	if b {
		(*p)[6] |= 64
	} else {
		(*p)[6] &^= 64
	}
}

func (p *IPv4) GetTTL() uint8 {
	return (*p)[8]
}

func (p *IPv4) SetTTL(i uint8) {
	(*p)[8] = i
}

func (p *IPv4) GetProtocol() uint8 {
	return (*p)[9]
}

func (p *IPv4) SetProtocol(i uint8) {
	(*p)[9] = i
}

func (p *IPv4) GetChecksum() uint16 {
	return *(*uint16)(unsafe.Pointer(&(*p)[10]))
}

func (p *IPv4) SetChecksum(i uint16) {
	*(*uint16)(unsafe.Pointer(&(*p)[10])) = i
}

func (p *IPv4) GetSrcAddr() net.IP {
	t := (*p)[12:16]
	return *(*net.IP)(&t)
}

func (p *IPv4) SetSrcAddr(i net.IP) {
	copy((*p)[12:16], i.To4())
}

func (p *IPv4) GetDstAddr() net.IP {
	t := (*p)[16:20]
	return *(*net.IP)(&t)
}

func (p *IPv4) SetDstAddr(i net.IP) {
	copy((*p)[16:20], i.To4())
}
