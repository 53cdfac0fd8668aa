package codec

import (
	"fmt"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// Headers is the fixed layer stack. Every layer is optional and carries its own
// presence bit; absent layers are skipped on encode.
type Headers struct {
	HasContinuation bool
	Continuation    Continuation

	HasEthernet bool
	Ethernet    layers.Ethernet

	HasOuter bool
	Outer    layers.IPv4

	HasTCP bool
	TCP    layers.TCP

	HasUDP bool
	UDP    layers.UDP

	HasESP bool
	ESP    ESP

	HasESPIV bool
	ESPIV    ESPIV

	HasInner bool
	Inner    layers.IPv4
}

// LinkLen is the length of the link layer on the wire, 0 when absent.
func (h *Headers) LinkLen() int {
	if !h.HasEthernet {
		return 0
	}
	return EthernetLen
}

// OuterLen is the length of the outer network header on the wire, 0 when absent.
func (h *Headers) OuterLen() int {
	if !h.HasOuter {
		return 0
	}
	return IPv4Len
}

// Encode emits the present layers in canonical order followed by payload:
// continuation, link, outer network, ESP, ESP-IV, inner network, transport.
func Encode(h *Headers, payload []byte) ([]byte, error) {
	stack := make([]gopacket.SerializableLayer, 0, 8)
	if h.HasContinuation {
		stack = append(stack, &h.Continuation)
	}
	if h.HasEthernet {
		stack = append(stack, link{eth: &h.Ethernet})
	}
	if h.HasOuter {
		stack = append(stack, &h.Outer)
	}
	if h.HasESP {
		stack = append(stack, &h.ESP)
	}
	if h.HasESPIV {
		stack = append(stack, &h.ESPIV)
	}
	if h.HasInner {
		stack = append(stack, &h.Inner)
	}
	if h.HasTCP {
		stack = append(stack, &h.TCP)
	}
	if h.HasUDP {
		stack = append(stack, &h.UDP)
	}
	if len(payload) > 0 {
		stack = append(stack, gopacket.Payload(payload))
	}

	buf := gopacket.NewSerializeBuffer()
	if err := gopacket.SerializeLayers(buf, gopacket.SerializeOptions{}, stack...); err != nil {
		return nil, fmt.Errorf("encode headers: %w", err)
	}
	out := make([]byte, len(buf.Bytes()))
	copy(out, buf.Bytes())
	return out, nil
}
