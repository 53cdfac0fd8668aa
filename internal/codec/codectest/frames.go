// Package codectest builds header stacks and frames for tests.
package codectest

import (
	"net"

	"github.com/google/gopacket/layers"

	"firestige.xyz/inlineesp/internal/codec"
)

var (
	SrcMAC = net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x01}
	DstMAC = net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x02}
	SrcIP  = net.IP{10, 0, 0, 1}
	DstIP  = net.IP{10, 0, 1, 2}
)

// Ethernet returns an IPv4 Ethernet header.
func Ethernet() layers.Ethernet {
	return layers.Ethernet{
		SrcMAC:       SrcMAC,
		DstMAC:       DstMAC,
		EthernetType: codec.EtherTypeIPv4,
	}
}

// IPv4 returns an option-less IPv4 header with the given total length and protocol.
func IPv4(totalLen uint16, proto layers.IPProtocol) layers.IPv4 {
	return layers.IPv4{
		Version:  4,
		IHL:      5,
		TOS:      0x10,
		Length:   totalLen,
		Id:       0x1c46,
		Flags:    layers.IPv4DontFragment,
		TTL:      64,
		Protocol: proto,
		Checksum: 0xbeef,
		SrcIP:    SrcIP,
		DstIP:    DstIP,
	}
}

// UDPHeaders returns Ethernet + IPv4 + UDP headers for a datagram carrying n
// payload bytes.
func UDPHeaders(n int) codec.Headers {
	return codec.Headers{
		HasEthernet: true,
		Ethernet:    Ethernet(),
		HasOuter:    true,
		Outer:       IPv4(uint16(codec.IPv4Len+codec.UDPLen+n), codec.ProtoUDP),
		HasUDP:      true,
		UDP: layers.UDP{
			SrcPort:  4500,
			DstPort:  53,
			Length:   uint16(codec.UDPLen + n),
			Checksum: 0x1234,
		},
	}
}

// TCPHeaders returns Ethernet + IPv4 + TCP headers for a segment carrying n
// payload bytes.
func TCPHeaders(n int) codec.Headers {
	return codec.Headers{
		HasEthernet: true,
		Ethernet:    Ethernet(),
		HasOuter:    true,
		Outer:       IPv4(uint16(codec.IPv4Len+codec.TCPLen+n), codec.ProtoTCP),
		HasTCP:      true,
		TCP: layers.TCP{
			SrcPort:    40000,
			DstPort:    443,
			Seq:        1000,
			Ack:        2000,
			DataOffset: 5,
			ACK:        true,
			PSH:        true,
			Window:     512,
			Checksum:   0x4321,
		},
	}
}

// Payload returns n deterministic bytes.
func Payload(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i*7 + 3)
	}
	return b
}

// Frame encodes headers and payload, panicking on error.
func Frame(h codec.Headers, payload []byte) []byte {
	out, err := codec.Encode(&h, payload)
	if err != nil {
		panic(err)
	}
	return out
}
