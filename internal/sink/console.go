package sink

import (
	"context"
	"errors"
	"sync/atomic"

	"firestige.xyz/inlineesp/internal/log"
	"firestige.xyz/inlineesp/internal/pipeline"
)

// ConsoleReporter logs each verdict through the global logger.
type ConsoleReporter struct {
	reportedCount atomic.Uint64
}

func NewConsoleReporter() *ConsoleReporter {
	return &ConsoleReporter{}
}

func (r *ConsoleReporter) Name() string { return "console" }

// Report logs forwards at debug level and drops at info level.
func (r *ConsoleReporter) Report(_ context.Context, ev *pipeline.Event) error {
	if ev == nil {
		return errors.New("nil event")
	}
	r.reportedCount.Add(1)

	l := log.GetLogger().WithFields(map[string]interface{}{
		"action":    ev.Action,
		"reason":    ev.Reason,
		"direction": ev.Direction,
		"sa":        ev.AssociationIndex,
		"length":    ev.Length,
	})
	if ev.Action == pipeline.Drop.String() {
		l.Info("packet dropped")
	} else {
		l.Debug("packet forwarded")
	}
	return nil
}

// Reported is the number of events seen.
func (r *ConsoleReporter) Reported() uint64 { return r.reportedCount.Load() }
