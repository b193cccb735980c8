package queue

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/xkilldash9x/chromeherd/api/schemas"
)

// WriterSink writes results as JSON lines to an io.Writer (stdout or a
// results file). Writes are serialized so concurrent workers never
// interleave lines.
type WriterSink struct {
	mu sync.Mutex
	w  io.Writer
}

// NewWriterSink wraps a writer as a result sink.
func NewWriterSink(w io.Writer) *WriterSink {
	return &WriterSink{w: w}
}

// Publish appends one JSONL-encoded result.
func (s *WriterSink) Publish(_ context.Context, res schemas.TaskResult) error {
	data, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("failed to encode result: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.w.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write result: %w", err)
	}
	return nil
}
