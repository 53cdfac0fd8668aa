package esp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"firestige.xyz/inlineesp/internal/accel"
	"firestige.xyz/inlineesp/internal/accel/acceltest"
	"firestige.xyz/inlineesp/internal/codec"
	"firestige.xyz/inlineesp/internal/codec/codectest"
	"firestige.xyz/inlineesp/internal/sa"
)

func testRecord() sa.Record {
	r := sa.Record{
		Index:       0x100,
		SPI:         0x100,
		Salt:        0xdeadbeef,
		KeySize:     sa.KeySize128,
		AuthEnabled: true,
		Valid:       true,
		Seq:         5,
	}
	copy(r.Key[:], []byte{0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15})
	return r
}

func TestClassify(t *testing.T) {
	valid := testRecord()
	invalid := sa.Record{}

	cleartext := codectest.UDPHeaders(0)
	ciphertext := codectest.UDPHeaders(0)
	ciphertext.HasESP = true
	noNetwork := codec.Headers{HasEthernet: true}
	marked := ciphertext
	marked.HasContinuation = true

	tests := []struct {
		name string
		h    codec.Headers
		rec  sa.Record
		want Direction
	}{
		{"cleartext", cleartext, valid, Encrypt},
		{"ciphertext", ciphertext, valid, Decrypt},
		{"invalid sa cleartext", cleartext, invalid, Skip},
		{"invalid sa ciphertext", ciphertext, invalid, Skip},
		{"no network layer", noNetwork, valid, Skip},
		{"continuation", marked, valid, Skip},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(&tt.h, tt.rec))
		})
	}
}

func TestBuildEncryptExample(t *testing.T) {
	in := codectest.UDPHeaders(0)
	require.Equal(t, uint16(28), in.Outer.Length)

	h, job, err := BuildEncrypt(in, testRecord())
	require.NoError(t, err)

	assert.Equal(t, codec.ProtoESP, h.Outer.Protocol)
	assert.Equal(t, uint16(44), h.Outer.Length)
	assert.True(t, h.HasESP)
	assert.Equal(t, codec.ESP{SPI: 0x100, Seq: 5}, h.ESP)
	assert.True(t, h.HasESPIV)
	assert.Equal(t, uint64(5), h.ESPIV.IV)
	assert.True(t, h.HasInner)
	assert.Equal(t, uint16(28), h.Inner.Length)
	assert.Equal(t, codec.ProtoUDP, h.Inner.Protocol)

	assert.Equal(t, codec.OpEncrypt, job.Op)
	assert.Equal(t, Window{Offset: 34, Length: 8}, job.AAD)
	assert.Equal(t, Window{Offset: 42, Length: 28}, job.Payload)
	assert.Equal(t, Window{Offset: accel.ICVAfterPayload, Length: 4}, job.ICV)
	assert.True(t, job.AuthEnabled)
	assert.Equal(t, [16]byte{0, 0, 0, 0, 0xde, 0xad, 0xbe, 0xef, 0, 0, 0, 0, 0, 0, 0, 5}, job.IV)
	assert.Len(t, job.Key, 16)

	assert.Equal(t, uint16(28), in.Outer.Length, "input headers untouched")
	assert.False(t, in.HasESP)
}

func TestBuildEncryptUsesLowSequenceBits(t *testing.T) {
	rec := testRecord()
	rec.Seq = 0x0000000700000009
	rec.ExtSeqEnabled = true

	h, job, err := BuildEncrypt(codectest.TCPHeaders(10), rec)
	require.NoError(t, err)
	assert.Equal(t, uint32(9), h.ESP.Seq)
	assert.Equal(t, uint64(0x0000000700000009), h.ESPIV.IV)
	assert.Equal(t, byte(7), job.IV[11])
	assert.Equal(t, byte(9), job.IV[15])
}

func TestBuildEncryptOversize(t *testing.T) {
	in := codectest.UDPHeaders(0)
	in.Outer.Length = 65530

	_, _, err := BuildEncrypt(in, testRecord())
	assert.ErrorIs(t, err, ErrOversize)
}

func TestBuildDecrypt(t *testing.T) {
	in := codectest.UDPHeaders(0)
	in.HasUDP = false
	in.Outer.Protocol = codec.ProtoESP
	in.Outer.Length = 64
	in.HasESP = true
	in.ESP = codec.ESP{SPI: 0x100, Seq: 99}
	in.HasESPIV = true
	in.ESPIV = codec.ESPIV{IV: 0x0102030405060708}

	h, job, err := BuildDecrypt(in, testRecord())
	require.NoError(t, err)

	assert.Equal(t, uint32(5), h.ESP.Seq, "sequence normalised from the SA")
	assert.Equal(t, uint32(99), in.ESP.Seq, "input headers untouched")

	assert.Equal(t, codec.OpDecrypt, job.Op)
	assert.Equal(t, Window{Offset: 34, Length: 8}, job.AAD)
	assert.Equal(t, Window{Offset: 50, Length: 64 - 20 - 8 - 8}, job.Payload)
	assert.Equal(t, Window{Offset: accel.ICVAfterPayload, Length: 4}, job.ICV)
	assert.Equal(t, [16]byte{0, 0, 0, 0, 0xde, 0xad, 0xbe, 0xef, 1, 2, 3, 4, 5, 6, 7, 8}, job.IV)

	require.True(t, h.HasContinuation)
	assert.Equal(t, codec.OpDecrypt, h.Continuation.Op)
	assert.Equal(t, uint16(job.Payload.Length), h.Continuation.PayloadLength)
}

func TestBuildDecryptShortPayload(t *testing.T) {
	in := codectest.UDPHeaders(0)
	in.Outer.Length = 30
	in.HasESP = true

	_, _, err := BuildDecrypt(in, testRecord())
	assert.ErrorIs(t, err, ErrShortPayload)
}

func TestAADMatchesAcrossDirections(t *testing.T) {
	for _, n := range []int{0, 1, 17, 512} {
		enc, encJob, err := BuildEncrypt(codectest.UDPHeaders(n), testRecord())
		require.NoError(t, err)

		frame := codectest.Frame(enc, codectest.Payload(n))
		res, err := codec.Parse(frame, codec.Meta{})
		require.NoError(t, err)
		require.True(t, res.Headers.HasESP)

		_, decJob, err := BuildDecrypt(res.Headers, testRecord())
		require.NoError(t, err)
		assert.Equal(t, encJob.AAD, decJob.AAD, "payload %d", n)
	}
}

func TestMarkerLengthMatchesPayloadWindow(t *testing.T) {
	for _, total := range []uint16{36, 37, 100, 1500} {
		in := codectest.UDPHeaders(0)
		in.Outer.Length = total
		in.HasESP = true
		in.HasESPIV = true

		h, job, err := BuildDecrypt(in, testRecord())
		require.NoError(t, err)
		assert.Equal(t, job.Payload.Length, int(h.Continuation.PayloadLength))
	}
}

func TestVerifyMarker(t *testing.T) {
	in := codectest.UDPHeaders(0)
	in.Outer.Length = 100
	in.HasESP = true
	in.HasESPIV = true

	h, _, err := BuildDecrypt(in, testRecord())
	require.NoError(t, err)
	assert.NoError(t, VerifyMarker(h))
	assert.NoError(t, VerifyMarker(in), "no marker, nothing to check")

	h.Continuation.PayloadLength++
	assert.ErrorIs(t, VerifyMarker(h), ErrMarkerLength)
}

func TestDispatchProgramsEveryField(t *testing.T) {
	_, job, err := BuildEncrypt(codectest.UDPHeaders(0), testRecord())
	require.NoError(t, err)

	m := new(acceltest.MockAccelerator)
	m.On("SetAssociationIndex", uint32(0x100)).Once()
	m.On("SetIV", job.IV).Once()
	m.On("SetKey", job.Key, 128).Once()
	m.On("SetAAD", 34, 8).Once()
	m.On("SetICV", accel.ICVAfterPayload, 4).Once()
	m.On("SetPayload", 42, 28).Once()
	m.On("Encrypt", true).Once()

	Dispatch(m, job)

	m.AssertExpectations(t)
	m.AssertNotCalled(t, "AppendAAD", mock.Anything)
	m.AssertNotCalled(t, "Decrypt", mock.Anything)
}

func TestDispatchDecryptAndDisable(t *testing.T) {
	m := acceltest.NewMock()
	m.On("Decrypt", false).Once()
	m.On("Disable").Once()

	Dispatch(m, Job{Op: codec.OpDecrypt})
	Dispatch(m, Job{Op: codec.OpNone})

	m.AssertExpectations(t)
}

func TestRepair(t *testing.T) {
	enc, _, err := BuildEncrypt(codectest.UDPHeaders(0), testRecord())
	require.NoError(t, err)
	enc.HasContinuation = true

	h, err := Repair(enc, accel.Success)
	require.NoError(t, err)
	assert.True(t, h.HasOuter)
	assert.Equal(t, uint16(28), h.Outer.Length)
	assert.Equal(t, codec.ProtoUDP, h.Outer.Protocol)
	assert.False(t, h.HasInner)
	assert.False(t, h.HasESP)
	assert.False(t, h.HasESPIV)
	assert.False(t, h.HasContinuation)
	assert.True(t, h.HasUDP)

	assert.Equal(t, codectest.Frame(codectest.UDPHeaders(0), nil), codectest.Frame(h, nil))
}

func TestRepairRefusesFailedResults(t *testing.T) {
	for _, r := range []accel.Result{accel.AuthFailure, accel.HWError} {
		_, err := Repair(codectest.UDPHeaders(0), r)
		assert.ErrorIs(t, err, ErrCryptoFailure)
		assert.Contains(t, err.Error(), r.String())
	}
}

func TestDirectionString(t *testing.T) {
	assert.Equal(t, "encrypt", Encrypt.String())
	assert.Equal(t, "skip", Skip.String())
}
