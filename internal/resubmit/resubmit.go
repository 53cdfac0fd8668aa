// Package resubmit carries the continuation state of a decrypt across its two
// passes through the pipeline.
//
// A packet leaving the first decrypt pass is tagged with a continuation marker
// (operation and payload length) and queued. The pipeline drains the queue
// before it accepts the next fresh packet, so the second pass observes the
// accelerator result of its own dispatch.
package resubmit

import (
	"errors"
	"fmt"
	"math"

	"github.com/google/gopacket"

	"firestige.xyz/inlineesp/internal/codec"
)

var (
	ErrQueueFull           = errors.New("resubmission queue full")
	ErrAlreadyResubmitted  = errors.New("packet already resubmitted")
	ErrPayloadLengthBounds = errors.New("payload length out of range")
)

// Mark tags h with a decrypt continuation carrying payloadLen.
func Mark(h *codec.Headers, payloadLen int) error {
	if payloadLen < 0 || payloadLen > math.MaxUint16 {
		return fmt.Errorf("mark %d: %w", payloadLen, ErrPayloadLengthBounds)
	}
	h.HasContinuation = true
	h.Continuation = codec.Continuation{
		Op:            codec.OpDecrypt,
		PayloadLength: uint16(payloadLen),
	}
	return nil
}

// Entry is a packet waiting for its next pass.
type Entry struct {
	Frame []byte
	Info  gopacket.CaptureInfo
	// Resubmits counts earlier trips through the queue.
	Resubmits int
}

// Meta is the pipeline-input metadata for the entry's next pass.
func (e Entry) Meta() codec.Meta {
	return codec.Meta{ContinuationPresent: e.Resubmits > 0}
}

// Queue is a bounded FIFO. It is owned by a single pipeline goroutine.
type Queue struct {
	buf  []Entry
	head int
	size int
}

// NewQueue creates a queue holding at most capacity entries.
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = 1
	}
	return &Queue{buf: make([]Entry, capacity)}
}

// Push enqueues a packet for its second pass. A packet that already made the
// trip is refused.
func (q *Queue) Push(e Entry) error {
	if e.Resubmits > 0 {
		return ErrAlreadyResubmitted
	}
	if q.size == len(q.buf) {
		return ErrQueueFull
	}
	e.Resubmits++
	q.buf[(q.head+q.size)%len(q.buf)] = e
	q.size++
	return nil
}

// Pop dequeues the oldest entry.
func (q *Queue) Pop() (Entry, bool) {
	if q.size == 0 {
		return Entry{}, false
	}
	e := q.buf[q.head]
	q.buf[q.head] = Entry{}
	q.head = (q.head + 1) % len(q.buf)
	q.size--
	return e, true
}

func (q *Queue) Len() int { return q.size }
func (q *Queue) Cap() int { return len(q.buf) }
