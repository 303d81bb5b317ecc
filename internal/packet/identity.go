package packet

// SeqWindow is the number of distinct wire sequence numbers per TTL.
const SeqWindow = 20

// EncodeTTLAndSeq packs a TTL and a probe sequence number into one value.
//
// As some operating systems still use the historic RFC 792 format for ICMP
// error messages, the identity has to live within the first 64 bit of the
// probe's transport header:
//
//   - ICMP: the 16-bit echo sequence number
//   - TCP: the 32-bit sequence number that follows the ports
//   - UDP: the 16-bit length field, by sizing the payload to the value
//
// TTL is multiplied by SeqWindow and the sequence number (modulo SeqWindow)
// added, which keeps a UDP probe at TTL 64 below a 1500 byte MTU:
//
//	64*20 + 19 + 8 (UDP header) + 40 (IPv6 header) == 1347
//
// TTL 0 never leaves the local host and marks PMTUD probes.
func EncodeTTLAndSeq(ttl uint8, seq uint) uint32 {
	return uint32(ttl)*SeqWindow + uint32(seq%SeqWindow)
}

// DecodeTTLAndSeq reverses EncodeTTLAndSeq.
func DecodeTTLAndSeq(v uint32) (ttl uint8, seq uint) {
	return uint8(v / SeqWindow), uint(v % SeqWindow)
}

// MaxUDPTTL is the highest TTL whose UDP identity still fits a 1500 byte
// MTU over IPv6.
const MaxUDPTTL = 64
