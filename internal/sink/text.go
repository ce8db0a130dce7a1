package sink

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/Rylan-Meilutis/sedsprintf-ingest/internal/models"
)

// TextSink appends one human-readable key=value line per packet, meant
// for operator tailing. Append only; parent directory created on first
// use.
type TextSink struct {
	path string
	file *os.File
}

func NewText(path string) *TextSink {
	return &TextSink{path: path}
}

func (s *TextSink) Name() string { return "text-mirror" }

func (s *TextSink) Accept(_ context.Context, pkt *models.Packet) error {
	if err := s.ensureOpen(); err != nil {
		return err
	}
	line := fmt.Sprintf("[%s] type=%s size_bytes=%d sender=%s endpoints=%v timestamp_ms=%d timestamp_human=%q values=%v\n",
		pkt.ReceivedAt.UTC().Format(time.RFC3339),
		pkt.Type,
		pkt.SizeBytes,
		pkt.Sender,
		pkt.Endpoints,
		pkt.TimestampMS,
		pkt.TimestampHuman,
		pkt.Values,
	)
	if _, err := s.file.WriteString(line); err != nil {
		return fmt.Errorf("text mirror: append %s: %w", s.path, err)
	}
	return nil
}

func (s *TextSink) ensureOpen() error {
	if s.file != nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("text mirror: mkdir: %w", err)
	}
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("text mirror: open %s: %w", s.path, err)
	}
	s.file = f
	return nil
}

func (s *TextSink) Close() error {
	if s.file == nil {
		return nil
	}
	return s.file.Close()
}
