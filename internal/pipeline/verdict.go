package pipeline

import (
	"fmt"
	"time"

	"github.com/google/gopacket"

	"firestige.xyz/inlineesp/internal/esp"
)

// Action is what happens to a packet at the end of a pass.
type Action uint8

const (
	Forward Action = iota
	Drop
	Resubmit
)

func (a Action) String() string {
	switch a {
	case Forward:
		return "forward"
	case Drop:
		return "drop"
	case Resubmit:
		return "resubmit"
	}
	return fmt.Sprintf("action(%d)", uint8(a))
}

// Verdict reasons. Drops for crypto failures use the accel.Result name.
const (
	ReasonEncrypted             = "encrypted"
	ReasonDecrypted             = "decrypted"
	ReasonInvalidSA             = "invalid_sa"
	ReasonNotIPv4               = "not_ipv4"
	ReasonDecryptDispatched     = "decrypt_dispatched"
	ReasonMalformedContinuation = "malformed_continuation"
	ReasonParseError            = "parse_error"
	ReasonBadLength             = "bad_length"
	ReasonEncodeError           = "encode_error"
	ReasonResubmitRefused       = "resubmit_refused"
)

// Verdict is the outcome of one pass.
type Verdict struct {
	Action Action
	Reason string
	// Frame is the frame to emit on Forward, or the marked frame on Resubmit.
	Frame []byte

	AssociationIndex uint32
	HasAssociation   bool
	Direction        esp.Direction
}

func (v Verdict) drop(reason string) Verdict {
	v.Action = Drop
	v.Reason = reason
	v.Frame = nil
	return v
}

// Event is the reporter view of a final verdict.
type Event struct {
	Timestamp        time.Time `json:"timestamp"`
	Action           string    `json:"action"`
	Reason           string    `json:"reason"`
	Direction        string    `json:"direction,omitempty"`
	AssociationIndex uint32    `json:"sa_index"`
	HasAssociation   bool      `json:"has_sa"`
	Length           int       `json:"length"`
}

func newEvent(ci gopacket.CaptureInfo, v Verdict) *Event {
	ev := &Event{
		Timestamp:        ci.Timestamp,
		Action:           v.Action.String(),
		Reason:           v.Reason,
		AssociationIndex: v.AssociationIndex,
		HasAssociation:   v.HasAssociation,
		Length:           len(v.Frame),
	}
	if v.Direction != esp.Skip {
		ev.Direction = v.Direction.String()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	return ev
}
