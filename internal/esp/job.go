// Package esp builds the per-packet crypto jobs for tunnel-mode ESP and
// rewrites the header stack around them.
package esp

import (
	"errors"
	"fmt"
	"math"

	"github.com/google/gopacket/layers"

	"firestige.xyz/inlineesp/internal/accel"
	"firestige.xyz/inlineesp/internal/codec"
	"firestige.xyz/inlineesp/internal/resubmit"
	"firestige.xyz/inlineesp/internal/sa"
)

// ICVLen is the integrity check value length requested from the accelerator.
const ICVLen = 4

var (
	ErrShortPayload  = errors.New("esp payload shorter than its headers")
	ErrOversize      = errors.New("encapsulated packet exceeds ipv4 total length")
	ErrCryptoFailure = errors.New("crypto failure")
	ErrMarkerLength  = errors.New("continuation payload length does not match the frame")
)

// Direction is the action chosen for a first-pass packet.
type Direction uint8

const (
	Skip Direction = iota
	Encrypt
	Decrypt
)

func (d Direction) String() string {
	switch d {
	case Encrypt:
		return "encrypt"
	case Decrypt:
		return "decrypt"
	}
	return "skip"
}

// Classify picks the direction for a first-pass packet. An invalid association
// is always Skip; otherwise ESP presence decides.
func Classify(h *codec.Headers, rec sa.Record) Direction {
	switch {
	case !rec.Valid, !h.HasOuter, h.HasContinuation:
		return Skip
	case h.HasESP:
		return Decrypt
	}
	return Encrypt
}

// Window is a byte range of the frame, measured from the link layer.
type Window struct {
	Offset int
	Length int
}

// Job is the crypto job descriptor for one packet.
type Job struct {
	Op               codec.Op
	AssociationIndex uint32
	IV               [16]byte
	Key              []byte
	KeySize          sa.KeySize
	AAD              Window
	Payload          Window
	// ICV.Offset may be accel.ICVAfterPayload.
	ICV         Window
	AuthEnabled bool
}

// iv widens salt||value to 128 bits, right aligned.
func iv(salt uint32, value uint64) [16]byte {
	var b [16]byte
	b[4], b[5], b[6], b[7] = byte(salt>>24), byte(salt>>16), byte(salt>>8), byte(salt)
	for i := 0; i < 8; i++ {
		b[15-i] = byte(value >> (8 * i))
	}
	return b
}

func aadWindow(h *codec.Headers) Window {
	return Window{Offset: h.LinkLen() + h.OuterLen(), Length: codec.ESPLen}
}

// BuildEncrypt wraps the cleartext packet in ESP tunnel headers and describes
// the encrypt job. h is not modified.
func BuildEncrypt(h codec.Headers, rec sa.Record) (codec.Headers, Job, error) {
	if int(h.Outer.Length)+codec.ESPLen+codec.ESPIVLen > math.MaxUint16 {
		return h, Job{}, fmt.Errorf("inner length %d: %w", h.Outer.Length, ErrOversize)
	}

	h.Inner = h.Outer
	h.HasInner = true

	h.HasESP = true
	h.ESP = codec.ESP{SPI: rec.SPI, Seq: uint32(rec.Seq)}
	h.HasESPIV = true
	h.ESPIV = codec.ESPIV{IV: rec.Seq}

	h.Outer.Length = h.Inner.Length + codec.ESPLen + codec.ESPIVLen
	h.Outer.Protocol = codec.ProtoESP

	aad := aadWindow(&h)
	return h, Job{
		Op:               codec.OpEncrypt,
		AssociationIndex: rec.Index,
		IV:               iv(rec.Salt, rec.Seq),
		Key:              rec.KeyBytes(),
		KeySize:          rec.KeySize,
		AAD:              aad,
		Payload:          Window{Offset: aad.Offset + aad.Length, Length: int(h.Inner.Length)},
		ICV:              Window{Offset: accel.ICVAfterPayload, Length: ICVLen},
		AuthEnabled:      rec.AuthEnabled,
	}, nil
}

// BuildDecrypt normalises the ESP sequence number, describes the decrypt job
// and marks the headers for resubmission. h is not modified.
func BuildDecrypt(h codec.Headers, rec sa.Record) (codec.Headers, Job, error) {
	h.ESP.Seq = uint32(rec.Seq)

	aad := aadWindow(&h)
	payloadLen := decryptPayloadLen(&h)
	if payloadLen < 0 {
		return h, Job{}, fmt.Errorf("outer length %d: %w", h.Outer.Length, ErrShortPayload)
	}
	if err := resubmit.Mark(&h, payloadLen); err != nil {
		return h, Job{}, err
	}

	return h, Job{
		Op:               codec.OpDecrypt,
		AssociationIndex: rec.Index,
		IV:               iv(rec.Salt, h.ESPIV.IV),
		Key:              rec.KeyBytes(),
		KeySize:          rec.KeySize,
		AAD:              aad,
		Payload:          Window{Offset: aad.Offset + aad.Length + codec.ESPIVLen, Length: payloadLen},
		ICV:              Window{Offset: accel.ICVAfterPayload, Length: ICVLen},
		AuthEnabled:      rec.AuthEnabled,
	}, nil
}

func decryptPayloadLen(h *codec.Headers) int {
	return int(h.Outer.Length) - codec.IPv4Len - codec.ESPLen - codec.ESPIVLen
}

// VerifyMarker checks that the continuation read back on the second pass
// describes the payload window of the frame it arrived with.
func VerifyMarker(h codec.Headers) error {
	if !h.HasContinuation {
		return nil
	}
	if want := decryptPayloadLen(&h); int(h.Continuation.PayloadLength) != want {
		return fmt.Errorf("marker %d, frame %d: %w", h.Continuation.PayloadLength, want, ErrMarkerLength)
	}
	return nil
}

// Dispatch programs every accelerator field from j and starts the job.
func Dispatch(a accel.Accelerator, j Job) {
	a.SetAssociationIndex(j.AssociationIndex)
	a.SetIV(j.IV)
	a.SetKey(j.Key, int(j.KeySize))
	a.SetAAD(j.AAD.Offset, j.AAD.Length)
	a.SetICV(j.ICV.Offset, j.ICV.Length)
	a.SetPayload(j.Payload.Offset, j.Payload.Length)
	switch j.Op {
	case codec.OpEncrypt:
		a.Encrypt(j.AuthEnabled)
	case codec.OpDecrypt:
		a.Decrypt(j.AuthEnabled)
	default:
		a.Disable()
	}
}

// Repair removes the tunnel encapsulation from a decrypted packet. Any result
// other than Success is a failure and the headers must not be emitted.
func Repair(h codec.Headers, r accel.Result) (codec.Headers, error) {
	if r != accel.Success {
		return h, fmt.Errorf("%w: %s", ErrCryptoFailure, r)
	}
	if h.HasInner {
		h.Outer = h.Inner
		h.HasOuter = true
		h.Inner = layers.IPv4{}
		h.HasInner = false
	}
	h.HasESP = false
	h.HasESPIV = false
	h.HasContinuation = false
	return h, nil
}
