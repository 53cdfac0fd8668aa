package codec

import (
	"errors"
	"fmt"

	"github.com/google/gopacket"
)

var (
	// ErrMalformedContinuation rejects a packet whose continuation marker does
	// not describe a resubmitted post-decrypt packet.
	ErrMalformedContinuation = errors.New("malformed continuation state")
	// ErrTruncated reports a layer whose bytes are only partially present.
	ErrTruncated = errors.New("truncated header")
	// ErrUnsupportedOptions rejects IPv4 headers carrying options.
	ErrUnsupportedOptions = errors.New("ipv4 options not supported")
)

// Meta is the pipeline-input metadata that accompanies a frame.
type Meta struct {
	// ContinuationPresent is set on resubmitted frames: a continuation marker
	// precedes the link layer.
	ContinuationPresent bool
	// AssociationIndex pre-selects an SA for outbound traffic when HasAssociation
	// is set.
	AssociationIndex uint32
	HasAssociation   bool
}

// Result is the outcome of a successful parse.
type Result struct {
	Headers Headers
	// Payload is every byte after the last decoded header.
	Payload []byte
	// DecryptDone marks the second pass of a decrypt: continuation present with
	// op=decrypt and the inner packet parsed behind the ESP layers.
	DecryptDone bool

	AssociationIndex uint32
	HasAssociation   bool
}

type state int

const (
	stateStart state = iota
	stateContinuation
	stateLink
	stateNetwork
	stateTCP
	stateUDP
	stateESP
	stateAccept
)

var stateNames = map[state]string{
	stateStart:        "start",
	stateContinuation: "continuation",
	stateLink:         "link",
	stateNetwork:      "network",
	stateTCP:          "tcp",
	stateUDP:          "udp",
	stateESP:          "esp",
	stateAccept:       "accept",
}

func (s state) String() string { return stateNames[s] }

type parser struct {
	data []byte
	off  int
	meta Meta
	res  *Result
}

// Parse classifies and decodes one frame.
//
// Decoding stops without error when the frame ends right after a complete
// layer, and when the link type or IP protocol is not one the stack carries.
// A continuation marker is accepted only in front of an ESP packet and only
// with op=decrypt; every other combination is ErrMalformedContinuation.
func Parse(data []byte, meta Meta) (*Result, error) {
	p := &parser{
		data: data,
		meta: meta,
		res: &Result{
			AssociationIndex: meta.AssociationIndex,
			HasAssociation:   meta.HasAssociation,
		},
	}

	st := stateStart
	for st != stateAccept {
		next, err := p.step(st)
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", st, err)
		}
		st = next
	}

	if p.res.Headers.HasContinuation && !p.res.DecryptDone {
		return nil, fmt.Errorf("continuation without esp: %w", ErrMalformedContinuation)
	}
	p.res.Payload = data[p.off:]
	return p.res, nil
}

func (p *parser) remaining() int { return len(p.data) - p.off }

func (p *parser) step(st state) (state, error) {
	h := &p.res.Headers
	switch st {
	case stateStart:
		if p.meta.ContinuationPresent {
			return stateContinuation, nil
		}
		return stateLink, nil

	case stateContinuation:
		if err := h.Continuation.DecodeFromBytes(p.data[p.off:], gopacket.NilDecodeFeedback); err != nil {
			return stateAccept, err
		}
		h.HasContinuation = true
		p.off += ContinuationLen
		if h.Continuation.Op != OpDecrypt {
			return stateAccept, fmt.Errorf("operation %s: %w", h.Continuation.Op, ErrMalformedContinuation)
		}
		return stateLink, nil

	case stateLink:
		if p.remaining() == 0 {
			return stateAccept, nil
		}
		if p.remaining() < EthernetLen {
			return stateAccept, ErrTruncated
		}
		if err := h.Ethernet.DecodeFromBytes(p.data[p.off:], gopacket.NilDecodeFeedback); err != nil {
			return stateAccept, err
		}
		h.HasEthernet = true
		p.off += EthernetLen
		if h.Ethernet.EthernetType != EtherTypeIPv4 {
			return stateAccept, nil
		}
		return stateNetwork, nil

	case stateNetwork:
		return p.network()

	case stateTCP:
		if p.remaining() == 0 {
			return stateAccept, nil
		}
		if p.remaining() < TCPLen {
			return stateAccept, ErrTruncated
		}
		if err := h.TCP.DecodeFromBytes(p.data[p.off:], gopacket.NilDecodeFeedback); err != nil {
			return stateAccept, err
		}
		h.HasTCP = true
		p.off += len(h.TCP.Contents)
		return stateAccept, nil

	case stateUDP:
		if p.remaining() == 0 {
			return stateAccept, nil
		}
		if p.remaining() < UDPLen {
			return stateAccept, ErrTruncated
		}
		if err := h.UDP.DecodeFromBytes(p.data[p.off:], gopacket.NilDecodeFeedback); err != nil {
			return stateAccept, err
		}
		h.HasUDP = true
		p.off += UDPLen
		return stateAccept, nil

	case stateESP:
		return p.esp()
	}
	return stateAccept, fmt.Errorf("unknown parser state %d", int(st))
}

// network decodes the outer header on the first visit and the inner (tunnelled)
// header when parsing recurses from the post-decrypt ESP branch.
func (p *parser) network() (state, error) {
	h := &p.res.Headers
	if p.remaining() == 0 {
		return stateAccept, nil
	}
	if p.remaining() < IPv4Len {
		return stateAccept, ErrTruncated
	}

	if p.data[p.off]&0x0f != IPv4Len/4 {
		return stateAccept, ErrUnsupportedOptions
	}

	inner := h.HasOuter
	ip := &h.Outer
	if inner {
		ip = &h.Inner
	}
	if err := ip.DecodeFromBytes(p.data[p.off:], gopacket.NilDecodeFeedback); err != nil {
		return stateAccept, err
	}
	if inner {
		h.HasInner = true
	} else {
		h.HasOuter = true
	}
	p.off += IPv4Len

	switch ip.Protocol {
	case ProtoTCP:
		return stateTCP, nil
	case ProtoUDP:
		return stateUDP, nil
	case ProtoESP:
		if inner {
			// nested tunnels are not followed
			return stateAccept, nil
		}
		return stateESP, nil
	}
	return stateAccept, nil
}

func (p *parser) esp() (state, error) {
	h := &p.res.Headers
	if p.remaining() == 0 {
		return stateAccept, nil
	}
	if err := h.ESP.DecodeFromBytes(p.data[p.off:], gopacket.NilDecodeFeedback); err != nil {
		return stateAccept, err
	}
	h.HasESP = true
	p.off += ESPLen

	if !h.HasContinuation {
		// ciphertext awaiting decryption; the SPI selects the SA
		p.res.AssociationIndex = h.ESP.SPI
		p.res.HasAssociation = true
		if p.remaining() == 0 {
			return stateAccept, nil
		}
	}
	if err := h.ESPIV.DecodeFromBytes(p.data[p.off:], gopacket.NilDecodeFeedback); err != nil {
		return stateAccept, err
	}
	h.HasESPIV = true
	p.off += ESPIVLen

	switch {
	case !h.HasContinuation:
		return stateAccept, nil
	case h.Continuation.Op == OpDecrypt:
		p.res.DecryptDone = true
		return stateNetwork, nil
	}
	return stateAccept, fmt.Errorf("esp with operation %s: %w", h.Continuation.Op, ErrMalformedContinuation)
}
