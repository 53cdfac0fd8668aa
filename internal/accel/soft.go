package accel

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/subtle"
	"encoding/binary"
	"fmt"
	"strings"

	"golang.org/x/crypto/chacha20"
	"golang.org/x/crypto/chacha20poly1305"

	"firestige.xyz/inlineesp/internal/log"
)

type op uint8

const (
	opNone op = iota
	opEncrypt
	opDecrypt
)

// job is the per-packet staging area. It is zeroed after every Apply.
type job struct {
	index    uint32
	iv       [16]byte
	key      []byte
	keyBits  int
	aadOff   int
	aadLen   int
	aadBytes []byte
	icvOff   int
	icvLen   int
	payOff   int
	payLen   int
	op       op
	auth     bool
}

// Soft executes jobs in software. It stands in for the hardware engine in
// tests and offline runs.
type Soft struct {
	alg    Algorithm
	job    job
	result Result
	// done is set by an applied job and cleared when Results reads it.
	done bool
}

// ParseAlgorithm maps a configured name to an Algorithm.
func ParseAlgorithm(name string) (Algorithm, error) {
	switch a := Algorithm(strings.ToLower(name)); a {
	case AESGCM, AESGMAC, ChaCha20Poly1305:
		return a, nil
	}
	return "", fmt.Errorf("%q: %w", name, ErrUnknownAlgorithm)
}

// NewSoft creates a software engine for the named algorithm.
func NewSoft(name string) (*Soft, error) {
	alg, err := ParseAlgorithm(name)
	if err != nil {
		return nil, err
	}
	return &Soft{alg: alg}, nil
}

// Algorithm returns the configured algorithm.
func (s *Soft) Algorithm() Algorithm { return s.alg }

func (s *Soft) SetAssociationIndex(index uint32) { s.job.index = index }
func (s *Soft) SetIV(iv [16]byte)                { s.job.iv = iv }

func (s *Soft) SetKey(key []byte, keyBits int) {
	s.job.key = append(s.job.key[:0], key...)
	s.job.keyBits = keyBits
}

func (s *Soft) SetAAD(offset, length int) {
	s.job.aadOff, s.job.aadLen = offset, length
	s.job.aadBytes = nil
}

func (s *Soft) AppendAAD(b []byte) {
	s.job.aadBytes = append(s.job.aadBytes, b...)
	s.job.aadOff, s.job.aadLen = 0, 0
}

func (s *Soft) SetICV(offset, length int)     { s.job.icvOff, s.job.icvLen = offset, length }
func (s *Soft) SetPayload(offset, length int) { s.job.payOff, s.job.payLen = offset, length }

func (s *Soft) Encrypt(authEnabled bool) { s.job.op, s.job.auth = opEncrypt, authEnabled }
func (s *Soft) Decrypt(authEnabled bool) { s.job.op, s.job.auth = opDecrypt, authEnabled }
func (s *Soft) Disable()                 { s.job.op = opNone }

// Results reports the outcome of the last applied job and consumes it.
func (s *Soft) Results() Result {
	if !s.done {
		return HWError
	}
	s.done = false
	return s.result
}

// Apply runs the dispatched job on frame. Without a dispatched job the frame
// is returned untouched. A job that cannot run leaves the frame untouched and
// records HWError.
func (s *Soft) Apply(frame []byte) []byte {
	j := s.job
	s.job = job{key: s.job.key[:0]}
	s.done = false
	if j.op == opNone {
		return frame
	}

	out, res := s.run(&j, frame)
	s.result, s.done = res, true
	if res != Success {
		log.GetLogger().WithFields(map[string]interface{}{
			"sa":        j.index,
			"algorithm": s.alg,
			"result":    res,
		}).Debug("accelerator job failed")
		return frame
	}
	return out
}

func (s *Soft) run(j *job, frame []byte) ([]byte, Result) {
	t, err := s.transform(j)
	if err != nil {
		return nil, HWError
	}
	if j.payOff < 0 || j.payLen < 0 || j.payOff+j.payLen > len(frame) {
		return nil, HWError
	}
	if j.auth && (j.icvLen <= 0 || j.icvLen > MaxICVLen) {
		return nil, HWError
	}

	aad := j.aadBytes
	if aad == nil {
		if j.aadOff < 0 || j.aadLen < 0 || j.aadOff+j.aadLen > len(frame) {
			return nil, HWError
		}
		aad = append([]byte(nil), frame[j.aadOff:j.aadOff+j.aadLen]...)
	}

	nonce := j.iv[4:]
	icvPos := j.icvOff
	if icvPos == ICVAfterPayload {
		icvPos = j.payOff + j.payLen
	}

	out := append([]byte(nil), frame...)
	payload := out[j.payOff : j.payOff+j.payLen]

	switch j.op {
	case opEncrypt:
		plain := append([]byte(nil), payload...)
		ct, tag := t.seal(nonce, plain, aad)
		copy(payload, ct)
		if !j.auth {
			return out, Success
		}
		if icvPos < 0 || icvPos > len(out) {
			return nil, HWError
		}
		return insert(out, icvPos, tag[:j.icvLen]), Success

	case opDecrypt:
		plain := t.open(nonce, payload)
		if j.auth {
			if icvPos < 0 || icvPos+j.icvLen > len(out) {
				return nil, HWError
			}
			_, tag := t.seal(nonce, plain, aad)
			if subtle.ConstantTimeCompare(tag[:j.icvLen], out[icvPos:icvPos+j.icvLen]) != 1 {
				return nil, AuthFailure
			}
		}
		copy(payload, plain)
		if j.auth {
			out = append(out[:icvPos], out[icvPos+j.icvLen:]...)
		}
		return out, Success
	}
	return nil, HWError
}

func insert(b []byte, at int, v []byte) []byte {
	out := make([]byte, 0, len(b)+len(v))
	out = append(out, b[:at]...)
	out = append(out, v...)
	return append(out, b[at:]...)
}

// transform is one keyed algorithm instance. seal returns the ciphertext and
// the full-length tag; open recovers plaintext without verifying.
type transform interface {
	seal(nonce, plaintext, aad []byte) (ciphertext, tag []byte)
	open(nonce, ciphertext []byte) []byte
}

func (s *Soft) transform(j *job) (transform, error) {
	if len(j.key)*8 != j.keyBits {
		return nil, fmt.Errorf("key length %d does not match %d bits", len(j.key), j.keyBits)
	}
	switch s.alg {
	case AESGCM, AESGMAC:
		block, err := aes.NewCipher(j.key)
		if err != nil {
			return nil, err
		}
		aead, err := cipher.NewGCM(block)
		if err != nil {
			return nil, err
		}
		if s.alg == AESGMAC {
			return gmac{aead: aead}, nil
		}
		return gcm{block: block, aead: aead}, nil
	case ChaCha20Poly1305:
		aead, err := chacha20poly1305.New(j.key)
		if err != nil {
			return nil, err
		}
		return chacha{key: j.key, aead: aead}, nil
	}
	return nil, ErrUnknownAlgorithm
}

type gcm struct {
	block cipher.Block
	aead  cipher.AEAD
}

func (g gcm) seal(nonce, plaintext, aad []byte) ([]byte, []byte) {
	sealed := g.aead.Seal(nil, nonce, plaintext, aad)
	n := len(plaintext)
	return sealed[:n], sealed[n:]
}

// open runs the GCM keystream, which starts at counter block nonce||2.
func (g gcm) open(nonce, ciphertext []byte) []byte {
	var ctr [aes.BlockSize]byte
	copy(ctr[:], nonce)
	binary.BigEndian.PutUint32(ctr[12:], 2)
	out := make([]byte, len(ciphertext))
	cipher.NewCTR(g.block, ctr[:]).XORKeyStream(out, ciphertext)
	return out
}

// gmac authenticates aad||payload and leaves the payload in the clear.
type gmac struct {
	aead cipher.AEAD
}

func (g gmac) seal(nonce, plaintext, aad []byte) ([]byte, []byte) {
	covered := append(append([]byte(nil), aad...), plaintext...)
	return append([]byte(nil), plaintext...), g.aead.Seal(nil, nonce, nil, covered)
}

func (g gmac) open(_, ciphertext []byte) []byte {
	return append([]byte(nil), ciphertext...)
}

type chacha struct {
	key  []byte
	aead cipher.AEAD
}

func (c chacha) seal(nonce, plaintext, aad []byte) ([]byte, []byte) {
	sealed := c.aead.Seal(nil, nonce, plaintext, aad)
	n := len(plaintext)
	return sealed[:n], sealed[n:]
}

// open runs the RFC 8439 keystream from block counter 1.
func (c chacha) open(nonce, ciphertext []byte) []byte {
	out := make([]byte, len(ciphertext))
	s, err := chacha20.NewUnauthenticatedCipher(c.key, nonce)
	if err != nil {
		return out
	}
	s.SetCounter(1)
	s.XORKeyStream(out, ciphertext)
	return out
}
