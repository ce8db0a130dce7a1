// Package pipeline runs the read→decode→dispatch loop: lines from the
// serial source, packets from the decoder, fan-out to every configured
// sink. One sequential loop; sinks observe packets in exact wire order.
package pipeline

import (
	"context"
	"strings"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Rylan-Meilutis/sedsprintf-ingest/internal/decoder"
	"github.com/Rylan-Meilutis/sedsprintf-ingest/internal/sink"
)

// LineSource produces the raw line stream. Satisfied by
// *serialsource.Source.
type LineSource interface {
	Lines(ctx context.Context) <-chan string
}

// Config holds the pipeline knobs.
type Config struct {
	// Prefix, when non-empty, discards lines without it before the
	// decoder runs. The firmware labels telemetry lines with
	// "on_radio_packet:", so this cheaply skips debug chatter.
	Prefix string
}

// Stats is a snapshot of the pipeline counters.
type Stats struct {
	Lines      uint64 `json:"lines"`
	Filtered   uint64 `json:"filtered"`
	Rejected   uint64 `json:"rejected"`
	Packets    uint64 `json:"packets"`
	SinkErrors uint64 `json:"sink_errors"`
}

// Pipeline owns the ingest loop. Construct with New, then call Run
// once; Run returns only after cancellation, with the in-flight packet
// fully dispatched.
type Pipeline struct {
	source LineSource
	sinks  []sink.Sink
	cfg    Config
	log    *logrus.Logger
	now    func() time.Time

	lines      atomic.Uint64
	filtered   atomic.Uint64
	rejected   atomic.Uint64
	packets    atomic.Uint64
	sinkErrors atomic.Uint64
}

// New wires the pipeline. Sinks are dispatched in the given order, so
// callers put the persistence sink first and mirrors after it.
func New(source LineSource, sinks []sink.Sink, cfg Config, log *logrus.Logger) *Pipeline {
	return &Pipeline{
		source: source,
		sinks:  sinks,
		cfg:    cfg,
		log:    log,
		now:    time.Now,
	}
}

// Run consumes the line stream until ctx is cancelled. Connectivity
// failures, rejected lines and sink failures are all absorbed here;
// nothing in the loop is fatal.
func (p *Pipeline) Run(ctx context.Context) {
	p.log.WithField("sinks", len(p.sinks)).Info("pipeline started")

	for line := range p.source.Lines(ctx) {
		p.lines.Add(1)

		if p.cfg.Prefix != "" && !strings.HasPrefix(line, p.cfg.Prefix) {
			p.filtered.Add(1)
			continue
		}

		pkt, err := decoder.Decode(line)
		if err != nil {
			p.rejected.Add(1)
			p.log.WithError(err).WithField("line", line).Debug("line rejected")
			continue
		}
		pkt.ReceivedAt = p.now()

		for _, s := range p.sinks {
			if err := s.Accept(ctx, pkt); err != nil {
				p.sinkErrors.Add(1)
				p.log.WithError(err).WithFields(logrus.Fields{
					"sink": s.Name(),
					"type": pkt.Type,
				}).Warn("sink write failed")
			}
		}
		p.packets.Add(1)
	}

	stats := p.Stats()
	p.log.WithFields(logrus.Fields{
		"lines":    stats.Lines,
		"packets":  stats.Packets,
		"rejected": stats.Rejected,
	}).Info("pipeline stopped")
}

// Stats returns a snapshot of the counters. Safe to call from another
// goroutine while Run is looping.
func (p *Pipeline) Stats() Stats {
	return Stats{
		Lines:      p.lines.Load(),
		Filtered:   p.filtered.Load(),
		Rejected:   p.rejected.Load(),
		Packets:    p.packets.Load(),
		SinkErrors: p.sinkErrors.Load(),
	}
}
