// Package serialsource turns a physical serial port into a restartable
// stream of text lines. Disconnects and open failures are absorbed by
// an infinite reconnect loop; the only terminal condition is context
// cancellation.
package serialsource

import (
	"bytes"
	"context"
	"io"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/tarm/serial"
)

// OpenFunc opens the physical device. Tests substitute a scripted
// implementation to simulate disconnects and reconnects.
type OpenFunc func(cfg Config) (io.ReadCloser, error)

// Config holds the serial connection parameters.
type Config struct {
	// Port is the device path, e.g. /dev/tty.usbmodem207435A554301.
	Port string

	// Baud is the line rate, e.g. 115200.
	Baud int

	// ReconnectDelay is the pause between reopen attempts after an
	// open failure or a broken connection. Defaults to one second.
	ReconnectDelay time.Duration

	// ReadTimeout bounds each read so cancellation is observed while
	// the device is silent. Defaults to one second.
	ReadTimeout time.Duration

	// Open overrides how the device is opened. Nil means the real
	// serial port.
	Open OpenFunc
}

// Source produces complete text lines from a serial device. The port
// is opened lazily by Lines and reopened forever on failure.
type Source struct {
	cfg Config
	log *logrus.Logger
}

func New(cfg Config, log *logrus.Logger) *Source {
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = time.Second
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = time.Second
	}
	if cfg.Open == nil {
		cfg.Open = openSerial
	}
	return &Source{cfg: cfg, log: log}
}

func openSerial(cfg Config) (io.ReadCloser, error) {
	return serial.OpenPort(&serial.Config{
		Name:        cfg.Port,
		Baud:        cfg.Baud,
		ReadTimeout: cfg.ReadTimeout,
	})
}

// Lines starts the reader and returns the line channel. The channel is
// closed only when ctx is cancelled; connectivity failures are retried
// internally and never surface to the consumer.
func (s *Source) Lines(ctx context.Context) <-chan string {
	out := make(chan string)
	go s.run(ctx, out)
	return out
}

func (s *Source) run(ctx context.Context, out chan<- string) {
	defer close(out)
	for {
		port := s.connect(ctx)
		if port == nil {
			return
		}
		s.log.WithFields(logrus.Fields{
			"port": s.cfg.Port,
			"baud": s.cfg.Baud,
		}).Info("serial connected")

		s.readLines(ctx, port, out)
		port.Close()

		if ctx.Err() != nil {
			return
		}
		if !sleepCtx(ctx, s.cfg.ReconnectDelay) {
			return
		}
	}
}

// connect retries opening the device until it succeeds or ctx is
// cancelled. There is no unrecoverable open failure; the device may
// simply not be plugged in yet.
func (s *Source) connect(ctx context.Context) io.ReadCloser {
	for {
		if ctx.Err() != nil {
			return nil
		}
		port, err := s.cfg.Open(s.cfg)
		if err == nil {
			return port
		}
		s.log.WithError(err).WithField("port", s.cfg.Port).Warn("serial open failed, retrying")
		if !sleepCtx(ctx, s.cfg.ReconnectDelay) {
			return nil
		}
	}
}

// readLines pumps the open port until a read error or cancellation.
// A timed-out read delivers no bytes and io.EOF; that is the point
// where cancellation is observed, not an error.
func (s *Source) readLines(ctx context.Context, port io.Reader, out chan<- string) {
	buf := make([]byte, 4096)
	var pending []byte

	for {
		if ctx.Err() != nil {
			return
		}
		n, err := port.Read(buf)
		if n > 0 {
			pending = append(pending, buf[:n]...)
			for {
				i := bytes.IndexByte(pending, '\n')
				if i < 0 {
					break
				}
				line := cleanLine(pending[:i])
				pending = pending[i+1:]
				select {
				case out <- line:
				case <-ctx.Done():
					return
				}
			}
		}
		if err != nil && err != io.EOF {
			s.log.WithError(err).Warn("serial read error, reconnecting")
			return
		}
	}
}

// cleanLine strips the trailing carriage return and replaces invalid
// UTF-8 bytes.
func cleanLine(raw []byte) string {
	raw = bytes.TrimRight(raw, "\r")
	return strings.ToValidUTF8(string(raw), "�")
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
