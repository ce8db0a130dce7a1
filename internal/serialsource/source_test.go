package serialsource

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type step struct {
	data []byte
	err  error
}

// scriptedPort replays a fixed sequence of reads. Once the script is
// exhausted it behaves like a silent device: timed-out reads that
// deliver nothing.
type scriptedPort struct {
	mu     sync.Mutex
	steps  []step
	closed bool
}

func (p *scriptedPort) Read(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.steps) == 0 {
		time.Sleep(time.Millisecond)
		return 0, io.EOF
	}
	st := p.steps[0]
	p.steps = p.steps[1:]
	return copy(b, st.data), st.err
}

func (p *scriptedPort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *scriptedPort) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

// opener hands out the given ports in order, optionally failing a
// number of times first.
func opener(failures int, ports ...*scriptedPort) (OpenFunc, *int) {
	var mu sync.Mutex
	calls := 0
	fn := func(Config) (io.ReadCloser, error) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls <= failures {
			return nil, errors.New("no such device")
		}
		i := calls - failures - 1
		if i >= len(ports) {
			return nil, errors.New("script exhausted")
		}
		return ports[i], nil
	}
	return fn, &calls
}

func collect(t *testing.T, ch <-chan string, n int) []string {
	t.Helper()
	var lines []string
	timeout := time.After(5 * time.Second)
	for len(lines) < n {
		select {
		case line, ok := <-ch:
			require.True(t, ok, "line channel closed early")
			lines = append(lines, line)
		case <-timeout:
			t.Fatalf("timed out waiting for %d lines, got %v", n, lines)
		}
	}
	return lines
}

func TestLines_SplitsAndCleans(t *testing.T) {
	port := &scriptedPort{steps: []step{
		{data: []byte("alpha\r\nbe")},
		{data: nil, err: io.EOF}, // read timeout mid-line
		{data: []byte("ta\nbad\xffbyte\n")},
	}}
	open, _ := opener(0, port)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	src := New(Config{Port: "fake", Baud: 115200, ReconnectDelay: time.Millisecond, Open: open}, testLogger())
	lines := collect(t, src.Lines(ctx), 3)

	assert.Equal(t, "alpha", lines[0])
	assert.Equal(t, "beta", lines[1])
	assert.Equal(t, "bad�byte", lines[2], "invalid UTF-8 is replaced")
}

func TestLines_ReconnectAfterReadError(t *testing.T) {
	first := &scriptedPort{steps: []step{
		{data: []byte("one\n")},
		{data: nil, err: errors.New("device unplugged")},
	}}
	second := &scriptedPort{steps: []step{
		{data: []byte("two\n")},
	}}
	open, _ := opener(0, first, second)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	src := New(Config{Port: "fake", Baud: 115200, ReconnectDelay: time.Millisecond, Open: open}, testLogger())
	lines := collect(t, src.Lines(ctx), 2)

	assert.Equal(t, []string{"one", "two"}, lines)
	assert.True(t, first.isClosed(), "broken port must be closed before reconnecting")
}

func TestLines_RetriesOpenForever(t *testing.T) {
	port := &scriptedPort{steps: []step{{data: []byte("here\n")}}}
	open, calls := opener(3, port)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	src := New(Config{Port: "fake", Baud: 115200, ReconnectDelay: time.Millisecond, Open: open}, testLogger())
	lines := collect(t, src.Lines(ctx), 1)

	assert.Equal(t, []string{"here"}, lines)
	assert.GreaterOrEqual(t, *calls, 4, "open must be retried until it succeeds")
}

func TestLines_CancelClosesChannel(t *testing.T) {
	port := &scriptedPort{} // silent device, timeouts only
	open, _ := opener(0, port)

	ctx, cancel := context.WithCancel(context.Background())
	src := New(Config{Port: "fake", Baud: 115200, ReconnectDelay: time.Millisecond, Open: open}, testLogger())
	ch := src.Lines(ctx)

	cancel()
	select {
	case _, ok := <-ch:
		assert.False(t, ok, "channel must close on cancellation, not deliver")
	case <-time.After(5 * time.Second):
		t.Fatal("line channel did not close after cancel")
	}
}

func TestLines_CancelWhileDisconnected(t *testing.T) {
	open := func(Config) (io.ReadCloser, error) {
		return nil, errors.New("no such device")
	}

	ctx, cancel := context.WithCancel(context.Background())
	src := New(Config{Port: "fake", Baud: 115200, ReconnectDelay: time.Hour, Open: open}, testLogger())
	ch := src.Lines(ctx)

	time.Sleep(10 * time.Millisecond)
	cancel()
	select {
	case _, ok := <-ch:
		assert.False(t, ok)
	case <-time.After(5 * time.Second):
		t.Fatal("line channel did not close while in retry backoff")
	}
}
