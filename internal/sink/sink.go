// Package sink holds the persistence and mirroring targets a decoded
// packet fans out to. Each sink accepts one packet at a time; failures
// are reported to the caller and never shared between sinks.
package sink

import (
	"context"
	"time"

	"github.com/Rylan-Meilutis/sedsprintf-ingest/internal/models"
)

// Sink accepts one decoded packet. Implementations must be safe to
// call sequentially from the pipeline loop; they do not need to be
// concurrency-safe.
type Sink interface {
	Name() string
	Accept(ctx context.Context, pkt *models.Packet) error
}

// Record is the wire-independent JSON projection of a packet, shared
// by the JSONL mirror, the MQTT mirror and the live stream. A missing
// value is encoded as null so channel indices stay aligned.
type Record struct {
	Type           string     `json:"type"`
	SizeBytes      int        `json:"size_bytes"`
	Sender         string     `json:"sender"`
	Endpoints      []string   `json:"endpoints"`
	TimestampMS    int64      `json:"timestamp_ms"`
	TimestampHuman string     `json:"timestamp_human"`
	Values         []*float64 `json:"values"`
	ReceivedAt     string     `json:"received_at"`
	Flag           string     `json:"flag,omitempty"`
}

// NewRecord projects a packet for JSON output. flag is the optional
// caller-supplied tag; empty means omitted.
func NewRecord(pkt *models.Packet, flag string) Record {
	endpoints := pkt.Endpoints
	if endpoints == nil {
		endpoints = []string{}
	}
	values := make([]*float64, len(pkt.Values))
	for i := range pkt.Values {
		if models.IsMissing(pkt.Values[i]) {
			continue
		}
		v := pkt.Values[i]
		values[i] = &v
	}
	return Record{
		Type:           pkt.Type,
		SizeBytes:      pkt.SizeBytes,
		Sender:         pkt.Sender,
		Endpoints:      endpoints,
		TimestampMS:    pkt.TimestampMS,
		TimestampHuman: pkt.TimestampHuman,
		Values:         values,
		ReceivedAt:     pkt.ReceivedAt.UTC().Format(time.RFC3339),
		Flag:           flag,
	}
}
