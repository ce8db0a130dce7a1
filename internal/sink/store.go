package sink

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/Rylan-Meilutis/sedsprintf-ingest/internal/models"
)

// Persister is the transactional write contract the store sink needs.
// Satisfied by *storage.Store.
type Persister interface {
	WritePacket(ctx context.Context, pkt *models.Packet) (int64, error)
}

const defaultBufferCap = 1024

// StoreSink writes packets to the relational store. A failed write
// does not lose the packet: it stays in a bounded in-memory buffer and
// is retried, in arrival order, ahead of every later packet so the
// store observes packets in wire order. When the buffer overflows the
// oldest packet is dropped with a warning.
type StoreSink struct {
	store     Persister
	log       *logrus.Logger
	pending   []*models.Packet
	bufferCap int
}

func NewStore(store Persister, bufferCap int, log *logrus.Logger) *StoreSink {
	if bufferCap <= 0 {
		bufferCap = defaultBufferCap
	}
	return &StoreSink{store: store, log: log, bufferCap: bufferCap}
}

func (s *StoreSink) Name() string { return "sqlite" }

func (s *StoreSink) Accept(ctx context.Context, pkt *models.Packet) error {
	s.pending = append(s.pending, pkt)
	for len(s.pending) > s.bufferCap {
		dropped := s.pending[0]
		s.pending = s.pending[1:]
		s.log.WithFields(logrus.Fields{
			"type":    dropped.Type,
			"pending": len(s.pending),
		}).Warn("store buffer full, dropping oldest packet")
	}

	for len(s.pending) > 0 {
		head := s.pending[0]
		if _, err := s.store.WritePacket(ctx, head); err != nil {
			return fmt.Errorf("store sink: %d packet(s) buffered: %w", len(s.pending), err)
		}
		s.pending = s.pending[1:]
	}
	return nil
}

// Pending reports how many packets are buffered awaiting retry.
func (s *StoreSink) Pending() int {
	return len(s.pending)
}
