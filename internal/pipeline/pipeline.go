// Package pipeline implements the ESP packet processing pipeline engine.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/netip"
	"time"

	"github.com/google/gopacket"

	"firestige.xyz/inlineesp/internal/accel"
	"firestige.xyz/inlineesp/internal/codec"
	"firestige.xyz/inlineesp/internal/esp"
	"firestige.xyz/inlineesp/internal/log"
	"firestige.xyz/inlineesp/internal/metrics"
	"firestige.xyz/inlineesp/internal/resubmit"
	"firestige.xyz/inlineesp/internal/sa"
)

// Source yields raw link-layer frames; io.EOF ends the run.
type Source interface {
	ReadPacket() ([]byte, gopacket.CaptureInfo, error)
}

// Sink receives forwarded frames.
type Sink interface {
	WritePacket(ci gopacket.CaptureInfo, data []byte) error
}

// Reporter receives one event per final verdict.
type Reporter interface {
	Name() string
	Report(ctx context.Context, ev *Event) error
}

// OutboundSelector picks an association for cleartext traffic.
type OutboundSelector interface {
	SelectOutbound(dst netip.Addr) (uint32, bool)
}

// Pipeline runs packets one at a time through parse, classify, SA lookup, job
// build, dispatch and encode. Decrypts take a second pass through the
// resubmission queue before the next fresh packet is admitted.
type Pipeline struct {
	store        sa.Store
	selector     OutboundSelector
	defaultIndex uint32
	acc          accel.Accelerator
	queue        *resubmit.Queue
	// pending is set while a dispatched decrypt awaits its second pass.
	pending      bool

	source    Source
	sinks     []Sink
	reporters []Reporter

	metrics *Metrics
}

// Config contains pipeline configuration.
type Config struct {
	Store    sa.Store
	Selector OutboundSelector // optional
	// DefaultIndex is used for cleartext packets no selector claims.
	DefaultIndex  uint32
	Accelerator   accel.Accelerator
	ResubmitQueue int

	Source    Source
	Sinks     []Sink
	Reporters []Reporter
}

// New creates a new pipeline.
func New(cfg Config) *Pipeline {
	if cfg.ResubmitQueue <= 0 {
		cfg.ResubmitQueue = 64
	}
	if cfg.Store == nil {
		cfg.Store = sa.NewTable()
	}
	return &Pipeline{
		store:        cfg.Store,
		selector:     cfg.Selector,
		defaultIndex: cfg.DefaultIndex,
		acc:          cfg.Accelerator,
		queue:        resubmit.NewQueue(cfg.ResubmitQueue),
		source:       cfg.Source,
		sinks:        cfg.Sinks,
		reporters:    cfg.Reporters,
		metrics:      NewMetrics(),
	}
}

// Run feeds every packet of the source through Handle until the source is
// exhausted or ctx is cancelled.
func (p *Pipeline) Run(ctx context.Context) error {
	if p.source == nil {
		return errors.New("pipeline has no source")
	}
	log.GetLogger().Info("pipeline starting")

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		data, ci, err := p.source.ReadPacket()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("read packet: %w", err)
		}
		p.Handle(ctx, Packet{Data: data, Info: ci})
	}

	s := p.Stats()
	log.GetLogger().WithFields(map[string]interface{}{
		"received":    s.Received,
		"encrypted":   s.Encrypted,
		"decrypted":   s.Decrypted,
		"passed":      s.Passed,
		"dropped":     s.Dropped,
		"resubmitted": s.Resubmitted,
	}).Info("pipeline finished")
	return nil
}

// Packet is a fresh frame entering the pipeline.
type Packet struct {
	Data []byte
	Info gopacket.CaptureInfo
	Meta codec.Meta
}

// Handle processes one fresh packet, draining any resubmission it causes
// before returning.
func (p *Pipeline) Handle(ctx context.Context, pkt Packet) {
	p.metrics.Received.Add(1)

	entry := resubmit.Entry{Frame: pkt.Data, Info: pkt.Info}
	meta := pkt.Meta
	for {
		v := p.Process(entry.Frame, meta)
		if v.Action == Resubmit {
			next := entry
			next.Frame = v.Frame
			if err := p.queue.Push(next); err != nil {
				log.GetLogger().WithError(err).Warn("resubmission refused")
				p.pending = false
				v = Verdict{Action: Drop, Reason: ReasonResubmitRefused, AssociationIndex: v.AssociationIndex, Direction: v.Direction}
			} else {
				p.metrics.Resubmitted.Add(1)
				metrics.ResubmissionsTotal.Inc()
			}
		}
		if v.Action != Resubmit {
			p.emit(ctx, entry.Info, v)
		}

		var ok bool
		if entry, ok = p.queue.Pop(); !ok {
			return
		}
		meta = entry.Meta()
	}
}

// Process runs a single pass. Resubmit verdicts carry the marked frame the
// caller must feed back with ContinuationPresent set. A continuation is
// accepted only once after each dispatched decrypt.
func (p *Pipeline) Process(frame []byte, meta codec.Meta) Verdict {
	start := time.Now()
	pass := "first"
	if meta.ContinuationPresent {
		pass = "second"
	}
	defer func() {
		metrics.ProcessingLatencySeconds.WithLabelValues(pass).Observe(time.Since(start).Seconds())
	}()

	if meta.ContinuationPresent {
		if !p.pending {
			log.GetLogger().Debug("continuation without a dispatched decrypt")
			return Verdict{Action: Drop, Reason: ReasonMalformedContinuation}
		}
		p.pending = false
	}

	res, err := codec.Parse(frame, meta)
	if err != nil {
		reason := ReasonParseError
		switch {
		case errors.Is(err, codec.ErrMalformedContinuation):
			reason = ReasonMalformedContinuation
		case meta.ContinuationPresent:
			// a failed job leaves ciphertext where the inner header should be
			if r := p.acc.Results(); r != accel.Success {
				metrics.CryptoResultsTotal.WithLabelValues("decrypt", r.String()).Inc()
				reason = r.String()
			}
		}
		log.GetLogger().WithError(err).Debug("parse failed")
		return Verdict{Action: Drop, Reason: reason}
	}

	if res.DecryptDone {
		return p.completeDecrypt(res)
	}
	if !res.Headers.HasOuter {
		return Verdict{Action: Forward, Reason: ReasonNotIPv4, Frame: frame}
	}

	index := p.associationFor(res)
	rec := p.store.Lookup(index)
	dir := esp.Classify(&res.Headers, rec)
	switch dir {
	case esp.Encrypt:
		return p.encrypt(res, rec)
	case esp.Decrypt:
		return p.decrypt(res, rec)
	}
	return Verdict{Action: Forward, Reason: ReasonInvalidSA, Frame: frame, AssociationIndex: index, HasAssociation: true}
}

func (p *Pipeline) associationFor(res *codec.Result) uint32 {
	if res.HasAssociation {
		return res.AssociationIndex
	}
	if p.selector != nil {
		if dst, ok := netip.AddrFromSlice(res.Headers.Outer.DstIP); ok {
			if index, ok := p.selector.SelectOutbound(dst.Unmap()); ok {
				return index
			}
		}
	}
	return p.defaultIndex
}

func (p *Pipeline) encrypt(res *codec.Result, rec sa.Record) Verdict {
	v := Verdict{AssociationIndex: rec.Index, HasAssociation: true, Direction: esp.Encrypt}

	h, job, err := esp.BuildEncrypt(res.Headers, rec)
	if err != nil {
		log.GetLogger().WithError(err).WithField("sa", rec.Index).Debug("encrypt build failed")
		return v.drop(ReasonBadLength)
	}
	out, err := codec.Encode(&h, res.Payload)
	if err != nil {
		return v.drop(ReasonEncodeError)
	}

	esp.Dispatch(p.acc, job)
	metrics.DispatchesTotal.WithLabelValues("encrypt").Inc()
	out = p.acc.Apply(out)

	r := p.acc.Results()
	metrics.CryptoResultsTotal.WithLabelValues("encrypt", r.String()).Inc()
	if r != accel.Success {
		return v.drop(r.String())
	}
	v.Action, v.Reason, v.Frame = Forward, ReasonEncrypted, out
	return v
}

func (p *Pipeline) decrypt(res *codec.Result, rec sa.Record) Verdict {
	v := Verdict{AssociationIndex: rec.Index, HasAssociation: true, Direction: esp.Decrypt}

	h, job, err := esp.BuildDecrypt(res.Headers, rec)
	if err != nil {
		log.GetLogger().WithError(err).WithField("sa", rec.Index).Debug("decrypt build failed")
		return v.drop(ReasonBadLength)
	}
	out, err := codec.Encode(&h, res.Payload)
	if err != nil {
		return v.drop(ReasonEncodeError)
	}

	esp.Dispatch(p.acc, job)
	metrics.DispatchesTotal.WithLabelValues("decrypt").Inc()
	// job offsets start at the link layer, behind the marker
	body := p.acc.Apply(out[codec.ContinuationLen:])
	p.pending = true
	v.Action, v.Reason = Resubmit, ReasonDecryptDispatched
	v.Frame = append(out[:codec.ContinuationLen:codec.ContinuationLen], body...)
	return v
}

func (p *Pipeline) completeDecrypt(res *codec.Result) Verdict {
	h := res.Headers
	v := Verdict{AssociationIndex: h.ESP.SPI, HasAssociation: true, Direction: esp.Decrypt}

	r := p.acc.Results()
	metrics.CryptoResultsTotal.WithLabelValues("decrypt", r.String()).Inc()
	if err := esp.VerifyMarker(h); err != nil {
		log.GetLogger().WithError(err).WithField("spi", h.ESP.SPI).Debug("continuation rejected")
		return v.drop(ReasonMalformedContinuation)
	}
	repaired, err := esp.Repair(h, r)
	if err != nil {
		// TODO: count AUTH_FAILURE per SA once replay auditing exists; both results drop today.
		log.GetLogger().WithError(err).WithField("spi", h.ESP.SPI).Debug("decrypt failed")
		return v.drop(r.String())
	}

	out, err := codec.Encode(&repaired, res.Payload)
	if err != nil {
		return v.drop(ReasonEncodeError)
	}
	v.Action, v.Reason, v.Frame = Forward, ReasonDecrypted, out
	return v
}

func (p *Pipeline) emit(ctx context.Context, ci gopacket.CaptureInfo, v Verdict) {
	p.metrics.count(v)
	metrics.PacketsTotal.WithLabelValues(v.Action.String(), v.Reason).Inc()

	if v.Action == Forward {
		ci.CaptureLength = len(v.Frame)
		ci.Length = len(v.Frame)
		for _, s := range p.sinks {
			if err := s.WritePacket(ci, v.Frame); err != nil {
				p.metrics.SinkErrors.Add(1)
				log.GetLogger().WithError(err).Error("sink write failed")
			}
		}
	}

	if len(p.reporters) == 0 {
		return
	}
	ev := newEvent(ci, v)
	for _, r := range p.reporters {
		if err := r.Report(ctx, ev); err != nil {
			p.metrics.ReportErrors.Add(1)
			metrics.ReporterErrorsTotal.WithLabelValues(r.Name()).Inc()
			log.GetLogger().WithError(err).WithField("reporter", r.Name()).Error("reporter failed")
		}
	}
}

// Stats returns pipeline statistics.
func (p *Pipeline) Stats() Stats {
	return p.metrics.snapshot()
}
