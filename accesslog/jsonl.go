package accesslog

import (
	"bytes"
	"context"
	"encoding/json"
	"sync"

	"golang.org/x/xerrors"
	"gopkg.in/natefinch/lumberjack.v2"
)

// JSONLSink appends one JSON object per line to a size-rotated file.
type JSONLSink struct {
	mu sync.Mutex
	w  *lumberjack.Logger
}

var _ Sink = (*JSONLSink)(nil)

// NewJSONLSink writes to path, rotating at maxSizeMB and keeping maxBackups
// old files.
func NewJSONLSink(path string, maxSizeMB, maxBackups int) *JSONLSink {
	return &JSONLSink{
		w: &lumberjack.Logger{
			Filename:   path,
			MaxSize:    maxSizeMB,
			MaxBackups: maxBackups,
		},
	}
}

func (s *JSONLSink) WriteBatch(_ context.Context, entries []Entry) error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, e := range entries {
		if err := enc.Encode(e); err != nil {
			return xerrors.Errorf("encode entry: %w", err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.w.Write(buf.Bytes()); err != nil {
		return xerrors.Errorf("write entries: %w", err)
	}
	return nil
}

func (s *JSONLSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Close()
}
