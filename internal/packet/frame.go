package packet

import (
	"time"

	"github.com/google/gopacket"
)

// Frame is an inbound packet as delivered by a transport.
type Frame struct {
	Data []byte
	// First decodes the outermost layer of Data, typically the capture
	// handle's link type or layers.LayerTypeIPv4/IPv6 for raw IP.
	First      gopacket.Decoder
	ReceivedAt time.Time
}

// Decode decodes the frame with Decode.
func (f Frame) Decode() (*Reply, error) {
	return Decode(f.Data, f.First, f.ReceivedAt)
}
