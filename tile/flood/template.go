package flood

import (
	"net"

	"github.com/pkg/errors"

	"starTango/layers"
	"starTango/utils/binary"
	"starTango/utils/checksum"
)

// Header is the addressing of generated frames.
type Header struct {
	SrcMAC  net.HardwareAddr
	DstMAC  net.HardwareAddr
	SrcIP   net.IP
	DstIP   net.IP
	SrcPort uint16
	DstPort uint16
}

func hton16(v uint16) uint16 {
	if binary.IsBigEndian() {
		return v
	}
	return binary.Swap16(v)
}

// Template builds an Ethernet/IPv4/UDP frame carrying payloadSz zero
// bytes. The IP id and checksum are left for Stamp.
func Template(h Header, payloadSz uint64) ([]byte, error) {
	if len(h.SrcMAC) != 6 || len(h.DstMAC) != 6 {
		return nil, errors.New("flood: need 48 bit source and destination MACs")
	}
	if h.SrcIP.To4() == nil || h.DstIP.To4() == nil {
		return nil, errors.Errorf("flood: %s -> %s is not IPv4", h.SrcIP, h.DstIP)
	}
	ipLen := layers.LengthIPv4Min + layers.LengthUDP + payloadSz
	if ipLen > 0xffff {
		return nil, errors.Errorf("flood: payload of %d bytes too large", payloadSz)
	}

	b := make([]byte, layers.LengthEthernet+ipLen)
	eth := layers.Ethernet(b[:layers.LengthEthernet])
	eth.SetDstAddress(h.DstMAC)
	eth.SetSrcAddress(h.SrcMAC)
	eth.SetEthernetType(hton16(uint16(layers.EthernetTypeIPv4)))

	ip4 := layers.IPv4(b[layers.LengthEthernet:])
	ip4.SetVersionIHL(4, layers.LengthIPv4Min)
	ip4.SetTotalLen(hton16(uint16(ipLen)))
	ip4.SetFlagDontFrag(true)
	ip4.SetTTL(64)
	ip4.SetProtocol(layers.IPProtocolUDP)
	ip4.SetSrcAddr(h.SrcIP)
	ip4.SetDstAddr(h.DstIP)

	udp := layers.UDP(b[layers.LengthEthernet+layers.LengthIPv4Min:])
	udp.SetSrcPort(hton16(h.SrcPort))
	udp.SetDstPort(hton16(h.DstPort))
	udp.SetLen(hton16(uint16(layers.LengthUDP + payloadSz)))
	// zero UDP checksum: none computed
	return b, nil
}

// Stamp sets the IP id of a frame built by Template and recomputes the
// header checksum.
func Stamp(frame []byte, id uint16) {
	ip4 := layers.IPv4(frame[layers.LengthEthernet : layers.LengthEthernet+layers.LengthIPv4Min])
	ip4.SetID(hton16(id))
	ip4.SetChecksum(0)
	ip4.SetChecksum(hton16(checksum.TCPIPChecksum(ip4, 0)))
}
