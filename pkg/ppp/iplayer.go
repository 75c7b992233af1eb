package ppp

import (
	"fmt"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// classifyDataProto picks the PPP protocol number for an outbound IP
// datagram from its version nibble: 6 means IPv6, anything else is
// sent as IPv4.
func classifyDataProto(payload []byte) uint16 {
	if len(payload) > 0 && payload[0]>>4 == 6 {
		return ProtoIPv6
	}
	return ProtoIP
}

// ipPacketSummary renders a one-line src/dst/len summary of a tunneled
// IP datagram for debug traces. Decode errors are reported inline
// rather than returned; this is log decoration, never a parse gate.
func ipPacketSummary(payload []byte) string {
	if len(payload) == 0 {
		return "empty"
	}
	switch payload[0] >> 4 {
	case 4:
		pkt := gopacket.NewPacket(payload, layers.LayerTypeIPv4, gopacket.NoCopy)
		if ip, ok := pkt.NetworkLayer().(*layers.IPv4); ok {
			return fmt.Sprintf("v4 %s > %s len=%d proto=%s", ip.SrcIP, ip.DstIP, len(payload), ip.Protocol)
		}
	case 6:
		pkt := gopacket.NewPacket(payload, layers.LayerTypeIPv6, gopacket.NoCopy)
		if ip, ok := pkt.NetworkLayer().(*layers.IPv6); ok {
			return fmt.Sprintf("v6 %s > %s len=%d next=%s", ip.SrcIP, ip.DstIP, len(payload), ip.NextHeader)
		}
	}
	return fmt.Sprintf("unparsed len=%d", len(payload))
}
