// Package acceltest provides a testify mock of accel.Accelerator.
package acceltest

import (
	"github.com/stretchr/testify/mock"

	"firestige.xyz/inlineesp/internal/accel"
)

// MockAccelerator records every call. Apply and Results must be given
// expectations when the code under test calls them.
type MockAccelerator struct {
	mock.Mock
}

var _ accel.Accelerator = (*MockAccelerator)(nil)

// NewMock returns a mock that accepts any configuration call.
func NewMock() *MockAccelerator {
	m := new(MockAccelerator)
	for _, method := range []string{"SetAssociationIndex", "SetIV", "AppendAAD"} {
		m.On(method, mock.Anything).Maybe()
	}
	for _, method := range []string{"SetKey", "SetAAD", "SetICV", "SetPayload"} {
		m.On(method, mock.Anything, mock.Anything).Maybe()
	}
	return m
}

func (m *MockAccelerator) SetAssociationIndex(index uint32) { m.Called(index) }
func (m *MockAccelerator) SetIV(iv [16]byte)                { m.Called(iv) }
func (m *MockAccelerator) SetKey(key []byte, keyBits int)   { m.Called(key, keyBits) }
func (m *MockAccelerator) SetAAD(offset, length int)        { m.Called(offset, length) }
func (m *MockAccelerator) AppendAAD(b []byte)               { m.Called(b) }
func (m *MockAccelerator) SetICV(offset, length int)        { m.Called(offset, length) }
func (m *MockAccelerator) SetPayload(offset, length int)    { m.Called(offset, length) }
func (m *MockAccelerator) Encrypt(authEnabled bool)         { m.Called(authEnabled) }
func (m *MockAccelerator) Decrypt(authEnabled bool)         { m.Called(authEnabled) }
func (m *MockAccelerator) Disable()                         { m.Called() }

func (m *MockAccelerator) Apply(frame []byte) []byte {
	args := m.Called(frame)
	if fn, ok := args.Get(0).(func([]byte) []byte); ok {
		return fn(frame)
	}
	return args.Get(0).([]byte)
}

func (m *MockAccelerator) Results() accel.Result {
	return m.Called().Get(0).(accel.Result)
}

// Identity is an Apply return value that hands the frame back unchanged.
func Identity(frame []byte) []byte { return frame }
