package sink

import (
	"bufio"
	"context"
	"io"
	"sync"
	"sync/atomic"

	"github.com/stackdrift/gcsinventory/pkg/inventory"
	"github.com/stackdrift/gcsinventory/pkg/inverrors"
)

// LDJSON writes one newline-delimited JSON record per line, used when no
// destination table is configured (cat mode). There is no batching threshold:
// without a remote call per batch there is nothing to amortize.
type LDJSON struct {
	mu  sync.Mutex
	w   *bufio.Writer
	out Stats
}

// NewLDJSON creates a sink writing to w, typically os.Stdout.
func NewLDJSON(w io.Writer) *LDJSON {
	return &LDJSON{w: bufio.NewWriter(w)}
}

// Append serializes and writes one record line.
func (s *LDJSON) Append(_ context.Context, rec *inventory.Record) error {
	line, err := rec.EncodeLine()
	if err != nil {
		atomic.AddInt64(&s.out.RowsFailed, 1)
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.w.Write(line); err != nil {
		atomic.AddInt64(&s.out.RowsFailed, 1)
		return inverrors.Wrap(err, inverrors.ErrorTypeData, "failed to write record line")
	}
	atomic.AddInt64(&s.out.RowsAppended, 1)
	atomic.AddInt64(&s.out.RowsWritten, 1)
	return nil
}

// Flush drains the buffered writer.
func (s *LDJSON) Flush(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.w.Flush(); err != nil {
		return inverrors.Wrap(err, inverrors.ErrorTypeData, "failed to flush output")
	}
	return nil
}

// Stats reports cumulative counters.
func (s *LDJSON) Stats() Stats {
	return Stats{
		RowsAppended: atomic.LoadInt64(&s.out.RowsAppended),
		RowsWritten:  atomic.LoadInt64(&s.out.RowsWritten),
		RowsFailed:   atomic.LoadInt64(&s.out.RowsFailed),
	}
}
