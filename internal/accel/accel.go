// Package accel defines the crypto accelerator contract used by the ESP job
// builder and provides a software engine that honours it.
package accel

import (
	"errors"
	"fmt"
)

// ICVAfterPayload is the ICV offset sentinel: the ICV sits immediately after
// the payload window.
const ICVAfterPayload = -1

// MaxICVLen is the longest ICV the engines can produce.
const MaxICVLen = 16

var ErrUnknownAlgorithm = errors.New("unknown algorithm")

// Result is the outcome of one dispatched job.
type Result uint8

const (
	Success Result = iota
	AuthFailure
	HWError
)

func (r Result) String() string {
	switch r {
	case Success:
		return "success"
	case AuthFailure:
		return "auth_failure"
	case HWError:
		return "hw_error"
	default:
		return fmt.Sprintf("result(%d)", uint8(r))
	}
}

// Algorithm names a transform supported by the software engine.
type Algorithm string

const (
	AESGCM           Algorithm = "aes-gcm"
	AESGMAC          Algorithm = "aes-gmac"
	ChaCha20Poly1305 Algorithm = "chacha20-poly1305"
)

// Accelerator is configured field by field for every packet, then dispatched
// with Encrypt or Decrypt. Nothing carries over between packets: each dispatch
// must set every field again.
//
// Offsets are measured from the first byte of the link layer. The job runs
// when the emitted frame is handed to Apply; Results reports its outcome.
type Accelerator interface {
	SetAssociationIndex(index uint32)
	SetIV(iv [16]byte)
	SetKey(key []byte, keyBits int)
	// SetAAD and AppendAAD are mutually exclusive ways to supply the
	// authenticated data.
	SetAAD(offset, length int)
	AppendAAD(b []byte)
	SetICV(offset, length int)
	SetPayload(offset, length int)

	Encrypt(authEnabled bool)
	Decrypt(authEnabled bool)
	Disable()

	// Apply executes the dispatched job against the emitted frame and returns
	// the transformed frame, which may grow or shrink by the ICV length.
	Apply(frame []byte) []byte
	// Results reports the outcome of the last applied job once. Reading it
	// again, or reading it when no job ran, yields HWError.
	Results() Result
}
