package layers

import "starTango/utils/binary"

// LengthUDP4Headers is the smallest Ethernet/IPv4/UDP frame.
const LengthUDP4Headers = LengthEthernet + LengthIPv4Min + LengthUDP

var ethernetTypeIPv4Net = binary.Swap16(uint16(EthernetTypeIPv4))

// CheckUDP4 is the stateless check applied to outgoing frames: the first
// sz bytes of frame must be no larger than mtu and carry an Ethernet, IPv4
// and UDP header. It returns the offset of the UDP payload.
//
// Nothing is trusted about frame: it may be concurrently overwritten, so
// each field is read once and callers confirm afterwards that the frame
// was stable.
func CheckUDP4(frame []byte, sz, mtu uint64) (uint64, bool) {
	if sz > mtu || sz < LengthUDP4Headers || uint64(len(frame)) < sz {
		return 0, false
	}
	eth := Ethernet(frame[:LengthEthernet])
	if eth.GetEthernetType() != ethernetTypeIPv4Net {
		return 0, false
	}
	ip4 := IPv4(frame[LengthEthernet:sz])
	if ip4.GetVersion() != 4 {
		return 0, false
	}
	ihl := uint64(ip4.GetIHL())
	if ihl < LengthIPv4Min {
		return 0, false
	}
	off := LengthEthernet + ihl + LengthUDP
	if off > sz {
		return 0, false
	}
	return off, true
}
