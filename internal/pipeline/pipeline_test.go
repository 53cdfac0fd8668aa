package pipeline

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"net/netip"
	"testing"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"firestige.xyz/inlineesp/internal/accel"
	"firestige.xyz/inlineesp/internal/accel/acceltest"
	"firestige.xyz/inlineesp/internal/codec"
	"firestige.xyz/inlineesp/internal/codec/codectest"
	"firestige.xyz/inlineesp/internal/esp"
	"firestige.xyz/inlineesp/internal/sa"
)

// Mock implementations for testing

type recordingSink struct {
	frames [][]byte
	infos  []gopacket.CaptureInfo
}

func (s *recordingSink) WritePacket(ci gopacket.CaptureInfo, data []byte) error {
	s.frames = append(s.frames, append([]byte(nil), data...))
	s.infos = append(s.infos, ci)
	return nil
}

type MockReporter struct {
	mock.Mock
}

func (m *MockReporter) Name() string { return "mock" }

func (m *MockReporter) Report(ctx context.Context, ev *Event) error {
	return m.Called(ctx, ev).Error(0)
}

type sliceSource struct {
	frames [][]byte
}

func (s *sliceSource) ReadPacket() ([]byte, gopacket.CaptureInfo, error) {
	if len(s.frames) == 0 {
		return nil, gopacket.CaptureInfo{}, io.EOF
	}
	f := s.frames[0]
	s.frames = s.frames[1:]
	return f, gopacket.CaptureInfo{CaptureLength: len(f), Length: len(f)}, nil
}

const testIndex = 0x100

func testRecord(auth bool) sa.Record {
	r := sa.Record{
		Index:       testIndex,
		SPI:         testIndex,
		Salt:        0xdeadbeef,
		KeySize:     sa.KeySize128,
		AuthEnabled: auth,
		Valid:       true,
		Seq:         5,
	}
	copy(r.Key[:], []byte{0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15})
	return r
}

func testTable(t *testing.T, auth bool, selectors ...sa.Selector) *sa.Table {
	t.Helper()
	table := sa.NewTable()
	require.NoError(t, table.Replace([]sa.Record{testRecord(auth)}, selectors))
	return table
}

// ciphertextHeaders wraps a UDP datagram of n bytes in ESP tunnel headers
// whose outer length covers the whole inner packet.
func ciphertextHeaders(n int) codec.Headers {
	inner := codectest.UDPHeaders(n)
	h := inner
	h.HasInner = true
	h.Inner = inner.Outer
	h.Outer = codectest.IPv4(uint16(codec.IPv4Len+codec.ESPLen+codec.ESPIVLen)+inner.Outer.Length, codec.ProtoESP)
	h.HasESP = true
	h.ESP = codec.ESP{SPI: testIndex, Seq: 5}
	h.HasESPIV = true
	h.ESPIV = codec.ESPIV{IV: 77}
	return h
}

func callArgs(m *acceltest.MockAccelerator, method string) mock.Arguments {
	for _, c := range m.Calls {
		if c.Method == method {
			return c.Arguments
		}
	}
	return nil
}

func TestInvalidSAPassesThroughUntouched(t *testing.T) {
	frames := map[string][]byte{
		"cleartext":  codectest.Frame(codectest.UDPHeaders(6), codectest.Payload(6)),
		"ciphertext": codectest.Frame(ciphertextHeaders(6), codectest.Payload(6)),
	}
	for name, frame := range frames {
		t.Run(name, func(t *testing.T) {
			acc := new(acceltest.MockAccelerator)
			p := New(Config{Store: sa.NewTable(), Accelerator: acc})
			before := append([]byte(nil), frame...)

			v := p.Process(frame, codec.Meta{})

			assert.Equal(t, Forward, v.Action)
			assert.Equal(t, ReasonInvalidSA, v.Reason)
			assert.Equal(t, before, v.Frame)
			assert.Equal(t, before, frame)
			assert.Empty(t, acc.Calls, "no dispatch for an invalid association")
		})
	}
}

func TestEncryptExampleScenario(t *testing.T) {
	acc := acceltest.NewMock()
	acc.On("Encrypt", true).Once()
	acc.On("Apply", mock.Anything).Return(acceltest.Identity)
	acc.On("Results").Return(accel.Success)

	p := New(Config{Store: testTable(t, true), DefaultIndex: testIndex, Accelerator: acc})
	frame := codectest.Frame(codectest.UDPHeaders(0), nil)

	v := p.Process(frame, codec.Meta{})
	require.Equal(t, Forward, v.Action)
	assert.Equal(t, ReasonEncrypted, v.Reason)
	assert.Equal(t, esp.Encrypt, v.Direction)

	res, err := codec.Parse(v.Frame, codec.Meta{})
	require.NoError(t, err)
	h := res.Headers
	assert.Equal(t, codec.ProtoESP, h.Outer.Protocol)
	assert.Equal(t, uint16(44), h.Outer.Length)
	assert.Equal(t, uint32(0x100), h.ESP.SPI)
	assert.Equal(t, uint32(5), h.ESP.Seq)
	assert.Equal(t, uint64(5), h.ESPIV.IV)
	assert.Equal(t, frame[codec.EthernetLen:], v.Frame[50:], "inner header and transport follow the esp headers")

	acc.AssertCalled(t, "SetAAD", 34, 8)
	acc.AssertCalled(t, "SetPayload", 42, 28)
	acc.AssertCalled(t, "SetICV", accel.ICVAfterPayload, 4)
	acc.AssertExpectations(t)
}

func TestEncryptFailureDrops(t *testing.T) {
	acc := acceltest.NewMock()
	acc.On("Encrypt", false)
	acc.On("Apply", mock.Anything).Return(acceltest.Identity)
	acc.On("Results").Return(accel.HWError)

	p := New(Config{Store: testTable(t, false), DefaultIndex: testIndex, Accelerator: acc})
	v := p.Process(codectest.Frame(codectest.UDPHeaders(0), nil), codec.Meta{})

	assert.Equal(t, Drop, v.Action)
	assert.Equal(t, "hw_error", v.Reason)
	assert.Nil(t, v.Frame)
}

func TestDecryptResubmitsWithMarker(t *testing.T) {
	for _, n := range []int{0, 9, 300} {
		acc := acceltest.NewMock()
		acc.On("Decrypt", true).Once()
		acc.On("Apply", mock.Anything).Return(acceltest.Identity)

		h := ciphertextHeaders(n)
		h.ESP.Seq = 1234
		frame := codectest.Frame(h, codectest.Payload(n))

		p := New(Config{Store: testTable(t, true), Accelerator: acc})
		v := p.Process(frame, codec.Meta{})

		require.Equal(t, Resubmit, v.Action)
		assert.Equal(t, uint32(testIndex), v.AssociationIndex, "sa seeded from the spi")
		assert.Equal(t, byte(0x80), v.Frame[0], "decrypt op")

		args := callArgs(acc, "SetPayload")
		require.NotNil(t, args)
		assert.Equal(t, 50, args.Int(0))
		assert.Equal(t, args.Int(1), int(binary.BigEndian.Uint16(v.Frame[1:3])))

		body := v.Frame[codec.ContinuationLen:]
		assert.Equal(t, uint32(5), binary.BigEndian.Uint32(body[38:]), "sequence normalised")
		assert.Equal(t, frame[42:], body[42:])
		acc.AssertExpectations(t)
	}
}

func TestSecondPassFailureDrops(t *testing.T) {
	for _, r := range []accel.Result{accel.AuthFailure, accel.HWError} {
		t.Run(r.String(), func(t *testing.T) {
			acc := acceltest.NewMock()
			acc.On("Decrypt", true)
			acc.On("Apply", mock.Anything).Return(acceltest.Identity)
			acc.On("Results").Return(r)

			sink := &recordingSink{}
			rep := new(MockReporter)
			rep.On("Report", mock.Anything, mock.MatchedBy(func(ev *Event) bool {
				return ev.Action == "drop" && ev.Reason == r.String() && ev.Direction == "decrypt"
			})).Return(nil).Once()

			p := New(Config{Store: testTable(t, true), Accelerator: acc, Sinks: []Sink{sink}, Reporters: []Reporter{rep}})
			p.Handle(context.Background(), Packet{Data: codectest.Frame(ciphertextHeaders(4), codectest.Payload(4))})

			assert.Empty(t, sink.frames)
			s := p.Stats()
			assert.Equal(t, uint64(1), s.Received)
			assert.Equal(t, uint64(1), s.Resubmitted)
			assert.Equal(t, uint64(1), s.Dropped)
			assert.Zero(t, s.Decrypted)
			rep.AssertExpectations(t)
		})
	}
}

func TestMalformedContinuationRejected(t *testing.T) {
	for _, op := range []codec.Op{codec.OpNone, codec.OpEncrypt, codec.Op(3)} {
		t.Run(op.String(), func(t *testing.T) {
			h := ciphertextHeaders(0)
			h.HasContinuation = true
			h.Continuation = codec.Continuation{Op: op, PayloadLength: 28}
			frame := codectest.Frame(h, nil)

			acc := new(acceltest.MockAccelerator)
			p := New(Config{Store: testTable(t, true), Accelerator: acc})
			p.pending = true
			v := p.Process(frame, codec.Meta{ContinuationPresent: true})

			assert.Equal(t, Drop, v.Action)
			assert.Equal(t, ReasonMalformedContinuation, v.Reason)
			assert.Empty(t, acc.Calls, "rejected before reading results")
			assert.False(t, p.pending)
		})
	}
}

// markedFrame is a ciphertext frame carrying a decrypt continuation, as if it
// had already made its first pass.
func markedFrame(n int) []byte {
	h := ciphertextHeaders(n)
	h.HasContinuation = true
	h.Continuation = codec.Continuation{
		Op:            codec.OpDecrypt,
		PayloadLength: h.Outer.Length - codec.IPv4Len - codec.ESPLen - codec.ESPIVLen,
	}
	return codectest.Frame(h, codectest.Payload(n))
}

func TestContinuationWithoutDispatchDrops(t *testing.T) {
	soft, err := accel.NewSoft("aes-gcm")
	require.NoError(t, err)
	sink := &recordingSink{}
	rep := new(MockReporter)
	rep.On("Report", mock.Anything, mock.Anything).Return(nil)
	p := New(Config{
		Store:        testTable(t, true),
		DefaultIndex: testIndex,
		Accelerator:  soft,
		Sinks:        []Sink{sink},
		Reporters:    []Reporter{rep},
	})

	// a successful encrypt leaves a result behind in a stateful engine
	p.Handle(context.Background(), Packet{Data: codectest.Frame(codectest.UDPHeaders(8), codectest.Payload(8))})
	require.Len(t, sink.frames, 1)

	p.Handle(context.Background(), Packet{Data: markedFrame(8), Meta: codec.Meta{ContinuationPresent: true}})

	assert.Len(t, sink.frames, 1, "unsolicited continuation not forwarded")
	s := p.Stats()
	assert.Equal(t, uint64(1), s.Encrypted)
	assert.Zero(t, s.Decrypted)
	assert.Equal(t, uint64(1), s.Dropped)
	assert.Zero(t, s.Resubmitted)
	rep.AssertCalled(t, "Report", mock.Anything, mock.MatchedBy(func(ev *Event) bool {
		return ev.Action == "drop" && ev.Reason == ReasonMalformedContinuation
	}))
}

func TestSecondPassOnlyOncePerDispatch(t *testing.T) {
	acc := acceltest.NewMock()
	acc.On("Decrypt", true).Once()
	acc.On("Apply", mock.Anything).Return(acceltest.Identity)
	acc.On("Results").Return(accel.Success).Once()

	p := New(Config{Store: testTable(t, true), Accelerator: acc})
	first := p.Process(codectest.Frame(ciphertextHeaders(4), codectest.Payload(4)), codec.Meta{})
	require.Equal(t, Resubmit, first.Action)

	second := p.Process(first.Frame, codec.Meta{ContinuationPresent: true})
	assert.Equal(t, Forward, second.Action)
	assert.Equal(t, ReasonDecrypted, second.Reason)

	replay := p.Process(first.Frame, codec.Meta{ContinuationPresent: true})
	assert.Equal(t, Drop, replay.Action)
	assert.Equal(t, ReasonMalformedContinuation, replay.Reason)
	acc.AssertExpectations(t)
}

func TestMarkerLengthMismatchDrops(t *testing.T) {
	acc := acceltest.NewMock()
	acc.On("Results").Return(accel.Success).Once()

	frame := markedFrame(4)
	binary.BigEndian.PutUint16(frame[1:3], binary.BigEndian.Uint16(frame[1:3])+1)

	p := New(Config{Store: testTable(t, true), Accelerator: acc})
	p.pending = true
	v := p.Process(frame, codec.Meta{ContinuationPresent: true})

	assert.Equal(t, Drop, v.Action)
	assert.Equal(t, ReasonMalformedContinuation, v.Reason)
	assert.Equal(t, esp.Decrypt, v.Direction)
	acc.AssertExpectations(t)
}

func TestRoundTripThroughSoftEngine(t *testing.T) {
	for _, n := range []int{0, 1, 13, 200} {
		soft, err := accel.NewSoft("aes-gmac")
		require.NoError(t, err)
		sink := &recordingSink{}
		p := New(Config{
			Store:        testTable(t, false),
			DefaultIndex: testIndex,
			Accelerator:  soft,
			Sinks:        []Sink{sink},
		})

		original := codectest.Frame(codectest.UDPHeaders(n), codectest.Payload(n))
		p.Handle(context.Background(), Packet{Data: original})
		require.Len(t, sink.frames, 1)
		assert.NotEqual(t, original, sink.frames[0])

		p.Handle(context.Background(), Packet{Data: sink.frames[0]})
		require.Len(t, sink.frames, 2)
		assert.Equal(t, original, sink.frames[1], "payload %d", n)
		assert.Equal(t, len(original), sink.infos[1].CaptureLength)

		s := p.Stats()
		assert.Equal(t, uint64(1), s.Encrypted)
		assert.Equal(t, uint64(1), s.Decrypted)
		assert.Equal(t, uint64(1), s.Resubmitted)
	}
}

// sealForDecrypt encrypts a tunnel frame over the decrypt windows, producing
// what a peer would send.
func sealForDecrypt(t *testing.T, alg string, h codec.Headers, payload []byte) []byte {
	t.Helper()
	_, job, err := esp.BuildDecrypt(h, testRecord(true))
	require.NoError(t, err)
	job.Op = codec.OpEncrypt

	s, err := accel.NewSoft(alg)
	require.NoError(t, err)
	esp.Dispatch(s, job)
	sealed := s.Apply(codectest.Frame(h, payload))
	require.Equal(t, accel.Success, s.Results())
	return sealed
}

func TestAuthenticatedDecrypt(t *testing.T) {
	for _, alg := range []string{"aes-gcm", "aes-gmac"} {
		t.Run(alg, func(t *testing.T) {
			payload := codectest.Payload(21)
			sealed := sealForDecrypt(t, alg, ciphertextHeaders(len(payload)), payload)

			soft, err := accel.NewSoft(alg)
			require.NoError(t, err)
			sink := &recordingSink{}
			p := New(Config{Store: testTable(t, true), Accelerator: soft, Sinks: []Sink{sink}})

			p.Handle(context.Background(), Packet{Data: sealed})
			require.Len(t, sink.frames, 1)
			assert.Equal(t, codectest.Frame(codectest.UDPHeaders(len(payload)), payload), sink.frames[0])

			tampered := append([]byte(nil), sealed...)
			tampered[60] ^= 0xff
			rep := new(MockReporter)
			rep.On("Report", mock.Anything, mock.MatchedBy(func(ev *Event) bool {
				return ev.Action == "drop" && ev.Reason == "auth_failure"
			})).Return(nil).Once()
			p.reporters = []Reporter{rep}

			p.Handle(context.Background(), Packet{Data: tampered})
			assert.Len(t, sink.frames, 1, "tampered packet dropped")
			assert.Equal(t, uint64(1), p.Stats().Dropped)
			rep.AssertExpectations(t)
		})
	}
}

func TestOutboundSelection(t *testing.T) {
	table := testTable(t, false, sa.Selector{Destination: netip.MustParsePrefix("10.0.1.0/24"), Index: testIndex})
	soft, err := accel.NewSoft("aes-gmac")
	require.NoError(t, err)
	p := NewBuilder().
		WithStore(table).
		WithSelector(table).
		WithAccelerator(soft).
		Build()

	v := p.Process(codectest.Frame(codectest.UDPHeaders(0), nil), codec.Meta{})
	assert.Equal(t, ReasonEncrypted, v.Reason)
	assert.Equal(t, uint32(testIndex), v.AssociationIndex)

	other := codectest.UDPHeaders(0)
	other.Outer.DstIP = net.IP{192, 168, 1, 1}
	v = p.Process(codectest.Frame(other, nil), codec.Meta{})
	assert.Equal(t, ReasonInvalidSA, v.Reason)
	assert.Equal(t, uint32(0), v.AssociationIndex)

	v = p.Process(codectest.Frame(codectest.UDPHeaders(0), nil), codec.Meta{AssociationIndex: 7, HasAssociation: true})
	assert.Equal(t, ReasonInvalidSA, v.Reason, "metadata wins over selectors")
	assert.Equal(t, uint32(7), v.AssociationIndex)
}

func TestNonIPv4Forwarded(t *testing.T) {
	h := codec.Headers{HasEthernet: true, Ethernet: codectest.Ethernet()}
	h.Ethernet.EthernetType = layers.EthernetTypeARP
	frame := codectest.Frame(h, codectest.Payload(28))

	p := New(Config{Accelerator: new(acceltest.MockAccelerator)})
	v := p.Process(frame, codec.Meta{})
	assert.Equal(t, Forward, v.Action)
	assert.Equal(t, ReasonNotIPv4, v.Reason)
	assert.Equal(t, frame, v.Frame)
}

func TestParseErrorDrops(t *testing.T) {
	frame := codectest.Frame(codectest.UDPHeaders(0), nil)
	p := New(Config{Accelerator: new(acceltest.MockAccelerator)})

	v := p.Process(frame[:codec.EthernetLen+7], codec.Meta{})
	assert.Equal(t, Drop, v.Action)
	assert.Equal(t, ReasonParseError, v.Reason)
}

func TestRun(t *testing.T) {
	soft, err := accel.NewSoft("aes-gmac")
	require.NoError(t, err)
	src := &sliceSource{frames: [][]byte{
		codectest.Frame(codectest.UDPHeaders(3), codectest.Payload(3)),
		codectest.Frame(codectest.TCPHeaders(3), codectest.Payload(3)),
		codectest.Frame(ciphertextHeaders(3), codectest.Payload(3)),
	}}
	sink := &recordingSink{}
	p := NewBuilder().
		WithStore(testTable(t, false)).
		WithDefaultIndex(testIndex).
		WithAccelerator(soft).
		WithSource(src).
		WithSinks(sink).
		Build()

	require.NoError(t, p.Run(context.Background()))

	s := p.Stats()
	assert.Equal(t, uint64(3), s.Received)
	assert.Equal(t, uint64(2), s.Encrypted)
	assert.Equal(t, uint64(1), s.Decrypted)
	assert.Len(t, sink.frames, 3)
}

func TestRunStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p := New(Config{Source: &sliceSource{}})
	assert.ErrorIs(t, p.Run(ctx), context.Canceled)

	assert.Error(t, New(Config{}).Run(context.Background()))
}

func TestActionString(t *testing.T) {
	assert.Equal(t, "resubmit", Resubmit.String())
	assert.Equal(t, "action(9)", Action(9).String())
}
