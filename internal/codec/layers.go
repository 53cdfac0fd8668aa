// Package codec decodes and encodes the fixed header stack carried through the
// ESP pipeline: continuation marker, Ethernet, outer IPv4, ESP, ESP-IV, inner
// IPv4 and TCP/UDP.
package codec

import (
	"encoding/binary"
	"fmt"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// Wire constants.
const (
	EtherTypeIPv4 layers.EthernetType = 0x0800

	ProtoTCP layers.IPProtocol = 0x06
	ProtoUDP layers.IPProtocol = 0x11
	ProtoESP layers.IPProtocol = 0x50

	ContinuationLen = 3
	EthernetLen     = 14
	IPv4Len         = 20
	TCPLen          = 20
	UDPLen          = 8
	ESPLen          = 8
	ESPIVLen        = 8
)

// Op is the operation code carried by the continuation marker.
type Op uint8

const (
	OpNone    Op = 0
	OpEncrypt Op = 1
	OpDecrypt Op = 2
)

func (o Op) String() string {
	switch o {
	case OpNone:
		return "none"
	case OpEncrypt:
		return "encrypt"
	case OpDecrypt:
		return "decrypt"
	default:
		return fmt.Sprintf("op(%d)", uint8(o))
	}
}

var (
	LayerTypeContinuation = gopacket.RegisterLayerType(2150, gopacket.LayerTypeMetadata{
		Name: "Continuation", Decoder: gopacket.DecodeFunc(decodeContinuation)})
	LayerTypeESPHeader = gopacket.RegisterLayerType(2151, gopacket.LayerTypeMetadata{
		Name: "ESPHeader", Decoder: gopacket.DecodeFunc(decodeESP)})
	LayerTypeESPIV = gopacket.RegisterLayerType(2152, gopacket.LayerTypeMetadata{
		Name: "ESPIV", Decoder: gopacket.DecodeFunc(decodeESPIV)})
)

// Continuation is the pipeline-internal side header that carries state from the
// first pass of a decrypt to the second. Layout: op(2) reserved(6) length(16).
type Continuation struct {
	layers.BaseLayer
	Op            Op
	Reserved      uint8
	PayloadLength uint16
}

func (c *Continuation) LayerType() gopacket.LayerType { return LayerTypeContinuation }

func (c *Continuation) DecodeFromBytes(data []byte, df gopacket.DecodeFeedback) error {
	if len(data) < ContinuationLen {
		df.SetTruncated()
		return fmt.Errorf("continuation marker: %w", ErrTruncated)
	}
	c.Op = Op(data[0] >> 6)
	c.Reserved = data[0] & 0x3f
	c.PayloadLength = binary.BigEndian.Uint16(data[1:3])
	c.BaseLayer = layers.BaseLayer{Contents: data[:ContinuationLen], Payload: data[ContinuationLen:]}
	return nil
}

func (c *Continuation) SerializeTo(b gopacket.SerializeBuffer, opts gopacket.SerializeOptions) error {
	bytes, err := b.PrependBytes(ContinuationLen)
	if err != nil {
		return err
	}
	bytes[0] = uint8(c.Op)<<6 | c.Reserved&0x3f
	binary.BigEndian.PutUint16(bytes[1:], c.PayloadLength)
	return nil
}

// ESP is the fixed part of the ESP header.
type ESP struct {
	layers.BaseLayer
	SPI uint32
	Seq uint32
}

func (e *ESP) LayerType() gopacket.LayerType { return LayerTypeESPHeader }

func (e *ESP) DecodeFromBytes(data []byte, df gopacket.DecodeFeedback) error {
	if len(data) < ESPLen {
		df.SetTruncated()
		return fmt.Errorf("esp header: %w", ErrTruncated)
	}
	e.SPI = binary.BigEndian.Uint32(data[0:4])
	e.Seq = binary.BigEndian.Uint32(data[4:8])
	e.BaseLayer = layers.BaseLayer{Contents: data[:ESPLen], Payload: data[ESPLen:]}
	return nil
}

func (e *ESP) SerializeTo(b gopacket.SerializeBuffer, opts gopacket.SerializeOptions) error {
	bytes, err := b.PrependBytes(ESPLen)
	if err != nil {
		return err
	}
	binary.BigEndian.PutUint32(bytes[0:], e.SPI)
	binary.BigEndian.PutUint32(bytes[4:], e.Seq)
	return nil
}

// ESPIV is the 64-bit explicit IV that follows the ESP header.
type ESPIV struct {
	layers.BaseLayer
	IV uint64
}

func (v *ESPIV) LayerType() gopacket.LayerType { return LayerTypeESPIV }

func (v *ESPIV) DecodeFromBytes(data []byte, df gopacket.DecodeFeedback) error {
	if len(data) < ESPIVLen {
		df.SetTruncated()
		return fmt.Errorf("esp iv: %w", ErrTruncated)
	}
	v.IV = binary.BigEndian.Uint64(data[:ESPIVLen])
	v.BaseLayer = layers.BaseLayer{Contents: data[:ESPIVLen], Payload: data[ESPIVLen:]}
	return nil
}

func (v *ESPIV) SerializeTo(b gopacket.SerializeBuffer, opts gopacket.SerializeOptions) error {
	bytes, err := b.PrependBytes(ESPIVLen)
	if err != nil {
		return err
	}
	binary.BigEndian.PutUint64(bytes, v.IV)
	return nil
}

func decodeContinuation(data []byte, p gopacket.PacketBuilder) error {
	c := &Continuation{}
	if err := c.DecodeFromBytes(data, p); err != nil {
		return err
	}
	p.AddLayer(c)
	return p.NextDecoder(layers.LayerTypeEthernet)
}

func decodeESP(data []byte, p gopacket.PacketBuilder) error {
	e := &ESP{}
	if err := e.DecodeFromBytes(data, p); err != nil {
		return err
	}
	p.AddLayer(e)
	return p.NextDecoder(LayerTypeESPIV)
}

func decodeESPIV(data []byte, p gopacket.PacketBuilder) error {
	v := &ESPIV{}
	if err := v.DecodeFromBytes(data, p); err != nil {
		return err
	}
	p.AddLayer(v)
	return p.NextDecoder(gopacket.LayerTypePayload)
}

// link serializes an Ethernet header without the runt padding that
// layers.Ethernet applies, so encoded frames keep their exact length.
type link struct {
	eth *layers.Ethernet
}

func (l link) LayerType() gopacket.LayerType { return layers.LayerTypeEthernet }

func (l link) SerializeTo(b gopacket.SerializeBuffer, opts gopacket.SerializeOptions) error {
	if len(l.eth.DstMAC) != 6 || len(l.eth.SrcMAC) != 6 {
		return fmt.Errorf("invalid ethernet addresses %v -> %v", l.eth.SrcMAC, l.eth.DstMAC)
	}
	bytes, err := b.PrependBytes(EthernetLen)
	if err != nil {
		return err
	}
	copy(bytes, l.eth.DstMAC)
	copy(bytes[6:], l.eth.SrcMAC)
	binary.BigEndian.PutUint16(bytes[12:], uint16(l.eth.EthernetType))
	return nil
}
