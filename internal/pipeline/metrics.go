package pipeline

import (
	"sync/atomic"
)

// Metrics contains per-pipeline counters.
type Metrics struct {
	Received     atomic.Uint64
	Encrypted    atomic.Uint64
	Decrypted    atomic.Uint64
	Passed       atomic.Uint64
	Dropped      atomic.Uint64
	Resubmitted  atomic.Uint64
	SinkErrors   atomic.Uint64
	ReportErrors atomic.Uint64
}

// NewMetrics creates a new metrics instance.
func NewMetrics() *Metrics {
	return &Metrics{}
}

func (m *Metrics) count(v Verdict) {
	switch {
	case v.Action == Drop:
		m.Dropped.Add(1)
	case v.Reason == ReasonEncrypted:
		m.Encrypted.Add(1)
	case v.Reason == ReasonDecrypted:
		m.Decrypted.Add(1)
	default:
		m.Passed.Add(1)
	}
}

func (m *Metrics) snapshot() Stats {
	return Stats{
		Received:     m.Received.Load(),
		Encrypted:    m.Encrypted.Load(),
		Decrypted:    m.Decrypted.Load(),
		Passed:       m.Passed.Load(),
		Dropped:      m.Dropped.Load(),
		Resubmitted:  m.Resubmitted.Load(),
		SinkErrors:   m.SinkErrors.Load(),
		ReportErrors: m.ReportErrors.Load(),
	}
}

// Stats represents pipeline statistics.
type Stats struct {
	Received     uint64
	Encrypted    uint64
	Decrypted    uint64
	Passed       uint64
	Dropped      uint64
	Resubmitted  uint64
	SinkErrors   uint64
	ReportErrors uint64
}
