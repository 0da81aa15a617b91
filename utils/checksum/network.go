package checksum

// TCPIPChecksum calculates the checksum defined in rfc1071 over data, in
// host order. baseCSum is any partial sum already computed, e.g. over a
// pseudo header.
func TCPIPChecksum(data []byte, baseCSum uint32) uint16 {
	length := len(data)
	for i := 0; i < length>>1; i++ {
		baseCSum += uint32(data[i*2])<<8 + uint32(data[i*2+1])
	}
	// odd trailing byte is padded with a zero
	if length&0x01 == 0x01 {
		baseCSum += uint32(data[length-1]) << 8
	}
	for baseCSum > 0xffff {
		baseCSum = (baseCSum >> 16) + (baseCSum & 0xffff)
	}
	return ^uint16(baseCSum)
}
