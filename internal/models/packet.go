package models

import (
	"math"
	"time"
)

// Packet is one decoded telemetry record from a single wire line. It is
// never mutated after the decoder returns it.
type Packet struct {
	// Type is the packet type identifier, always uppercase. The
	// vocabulary is open-ended; firmware adds new types without any
	// change on this side.
	Type string

	// SizeBytes is the payload size reported by the device. It is
	// informational only and is not validated against Values.
	SizeBytes int

	// Sender identifies the board that produced the packet.
	Sender string

	// Endpoints are the destination tags attached to the packet, in
	// wire order, duplicates preserved. May be empty.
	Endpoints []string

	// TimestampMS is the device-clock timestamp in milliseconds.
	TimestampMS int64

	// TimestampHuman is the optional human-readable timestamp
	// annotation from the wire, empty if absent.
	TimestampHuman string

	// Values are the numeric payload channels in wire order. A token
	// that failed to parse as a float is kept as NaN so the channel
	// index of every following value stays aligned with the wire.
	Values []float64

	// ReceivedAt is the host-clock time the packet was ingested.
	ReceivedAt time.Time
}

// IsMissing reports whether a payload value is the placeholder for a
// token that could not be parsed.
func IsMissing(v float64) bool {
	return math.IsNaN(v)
}

// Missing is the placeholder stored in Values for an unparseable token.
func Missing() float64 {
	return math.NaN()
}
