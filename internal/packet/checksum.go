package packet

import (
	"encoding/binary"
	"net/netip"
)

// Checksum calculates the Internet Checksum (RFC 1071).
func Checksum(data []byte) uint16 {
	return ^fold(sum16(0, data))
}

// ValidateChecksum reports whether data, including its checksum field,
// sums to all ones.
func ValidateChecksum(data []byte) bool {
	return fold(sum16(0, data)) == 0xffff
}

// sum16 adds the big-endian 16-bit words of data to acc. An odd trailing
// byte is padded with zero, so only the last chunk of a multi-part sum may
// have odd length.
func sum16(acc uint32, data []byte) uint32 {
	for i := 0; i+1 < len(data); i += 2 {
		acc += uint32(data[i])<<8 | uint32(data[i+1])
	}
	if len(data)%2 == 1 {
		acc += uint32(data[len(data)-1]) << 8
	}
	return acc
}

func fold(acc uint32) uint16 {
	for acc > 0xffff {
		acc = (acc >> 16) + (acc & 0xffff)
	}
	return uint16(acc)
}

// onesAdd adds two 16-bit values in one's complement arithmetic.
func onesAdd(a, b uint16) uint16 {
	return fold(uint32(a) + uint32(b))
}

// pseudoHeaderSum returns the partial sum of the IPv6 upper-layer pseudo
// header (RFC 8200 section 8.1). IPv4 ICMP has no pseudo header.
func pseudoHeaderSum(src, dst netip.Addr, proto uint8, length int) uint32 {
	if !src.Is6() || src.Is4In6() {
		return 0
	}
	s := src.As16()
	d := dst.As16()
	acc := sum16(0, s[:])
	acc = sum16(acc, d[:])
	var tail [8]byte
	binary.BigEndian.PutUint32(tail[0:4], uint32(length))
	tail[7] = proto
	return sum16(acc, tail[:])
}

// compensate returns the 16-bit word that, placed into a zeroed aligned
// slot of a message whose checksum is sum, makes the checksum equal want.
// This is the Paris traceroute trick: the checksum is part of what load
// balancers hash on, so it is held constant per flow while the sequence
// number varies.
func compensate(sum, want uint16) uint16 {
	return onesAdd(^want, sum)
}
