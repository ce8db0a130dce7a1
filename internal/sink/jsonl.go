package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/Rylan-Meilutis/sedsprintf-ingest/internal/models"
)

// JSONLSink appends one self-contained JSON object per packet to a
// file. It never rewrites prior lines. The parent directory is created
// on first use.
type JSONLSink struct {
	path string
	flag string
	file *os.File
}

// NewJSONL creates the mirror. flag, when non-empty, is added to every
// record as the "flag" field.
func NewJSONL(path, flag string) *JSONLSink {
	return &JSONLSink{path: path, flag: flag}
}

func (s *JSONLSink) Name() string { return "jsonl-mirror" }

func (s *JSONLSink) Accept(_ context.Context, pkt *models.Packet) error {
	if err := s.ensureOpen(); err != nil {
		return err
	}
	data, err := json.Marshal(NewRecord(pkt, s.flag))
	if err != nil {
		return fmt.Errorf("jsonl mirror: marshal: %w", err)
	}
	if _, err := s.file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("jsonl mirror: append %s: %w", s.path, err)
	}
	return nil
}

func (s *JSONLSink) ensureOpen() error {
	if s.file != nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("jsonl mirror: mkdir: %w", err)
	}
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("jsonl mirror: open %s: %w", s.path, err)
	}
	s.file = f
	return nil
}

func (s *JSONLSink) Close() error {
	if s.file == nil {
		return nil
	}
	return s.file.Close()
}
