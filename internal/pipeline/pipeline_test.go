package pipeline

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Rylan-Meilutis/sedsprintf-ingest/internal/models"
	"github.com/Rylan-Meilutis/sedsprintf-ingest/internal/sink"
)

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

// chanSource feeds a fixed set of lines, then closes like the serial
// source does on shutdown.
type chanSource struct {
	lines []string
}

func (s *chanSource) Lines(ctx context.Context) <-chan string {
	out := make(chan string)
	go func() {
		defer close(out)
		for _, line := range s.lines {
			select {
			case out <- line:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

type recordingSink struct {
	name     string
	accepted []*models.Packet
	err      error
}

func (s *recordingSink) Name() string { return s.name }

func (s *recordingSink) Accept(_ context.Context, pkt *models.Packet) error {
	if s.err != nil {
		return s.err
	}
	s.accepted = append(s.accepted, pkt)
	return nil
}

const goodLine = "on_radio_packet: {Type: BAROMETER_DATA, Size: 12, Sender: CrashNBurn, " +
	"Endpoints: [SD_CARD, RADIO], Timestamp: 3076 (3s 076ms), Data: 1.5, 2.5}"

func TestRun_DispatchesToAllSinksInOrder(t *testing.T) {
	src := &chanSource{lines: []string{goodLine, goodLine}}
	store := &recordingSink{name: "sqlite"}
	mirror := &recordingSink{name: "jsonl-mirror"}

	p := New(src, []sink.Sink{store, mirror}, Config{}, testLogger())
	before := time.Now()
	p.Run(context.Background())

	require.Len(t, store.accepted, 2)
	require.Len(t, mirror.accepted, 2)
	assert.Same(t, store.accepted[0], mirror.accepted[0], "one decode, shared by every sink")

	pkt := store.accepted[0]
	assert.Equal(t, "BAROMETER_DATA", pkt.Type)
	assert.False(t, pkt.ReceivedAt.Before(before), "received_at is stamped at ingest time")

	stats := p.Stats()
	assert.Equal(t, uint64(2), stats.Lines)
	assert.Equal(t, uint64(2), stats.Packets)
	assert.Zero(t, stats.Rejected)
}

func TestRun_SinkFailureIsIsolated(t *testing.T) {
	src := &chanSource{lines: []string{goodLine, goodLine}}
	broken := &recordingSink{name: "sqlite", err: errors.New("disk full")}
	mirror := &recordingSink{name: "text-mirror"}

	p := New(src, []sink.Sink{broken, mirror}, Config{}, testLogger())
	p.Run(context.Background())

	assert.Len(t, mirror.accepted, 2, "later sinks still get every packet")
	stats := p.Stats()
	assert.Equal(t, uint64(2), stats.Packets)
	assert.Equal(t, uint64(2), stats.SinkErrors)
}

func TestRun_PrefixFilter(t *testing.T) {
	src := &chanSource{lines: []string{
		"[debug] boot complete",
		goodLine,
		"battery check ok",
	}}
	store := &recordingSink{name: "sqlite"}

	p := New(src, []sink.Sink{store}, Config{Prefix: "on_radio_packet:"}, testLogger())
	p.Run(context.Background())

	assert.Len(t, store.accepted, 1)
	stats := p.Stats()
	assert.Equal(t, uint64(3), stats.Lines)
	assert.Equal(t, uint64(2), stats.Filtered)
	assert.Zero(t, stats.Rejected, "filtered lines never reach the decoder")
}

func TestRun_RejectedLinesAreCountedNotFatal(t *testing.T) {
	src := &chanSource{lines: []string{
		"on_radio_packet: {Type: X, Size: 1, Sender: s, Endpoints: [], Timestamp: 1, Data: 1", // no brace
		goodLine,
	}}
	store := &recordingSink{name: "sqlite"}

	p := New(src, []sink.Sink{store}, Config{}, testLogger())
	p.Run(context.Background())

	assert.Len(t, store.accepted, 1, "a malformed line must not stop the loop")
	stats := p.Stats()
	assert.Equal(t, uint64(1), stats.Rejected)
	assert.Equal(t, uint64(1), stats.Packets)
}

// blockingSource yields lines forever until cancelled, like a chatty
// device.
type blockingSource struct{}

func (blockingSource) Lines(ctx context.Context) <-chan string {
	out := make(chan string)
	go func() {
		defer close(out)
		for {
			select {
			case out <- goodLine:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

func TestRun_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	store := &recordingSink{name: "sqlite"}
	p := New(blockingSource{}, []sink.Sink{store}, Config{}, testLogger())

	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("pipeline did not stop after cancellation")
	}
	assert.NotEmpty(t, store.accepted)
}
