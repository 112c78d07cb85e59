package sink

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"cloud.google.com/go/bigquery"
	"go.uber.org/zap"

	"github.com/stackdrift/gcsinventory/pkg/bq"
	"github.com/stackdrift/gcsinventory/pkg/inventory"
	"github.com/stackdrift/gcsinventory/pkg/inverrors"
	"github.com/stackdrift/gcsinventory/pkg/metrics"
	"github.com/stackdrift/gcsinventory/pkg/observability"
)

// inserter is the streaming-insert surface of a table, satisfied by
// *bigquery.Inserter.
type inserter interface {
	Put(ctx context.Context, src interface{}) error
}

// BigQuery streams record batches into an inventory table. Appends from many
// workers are guarded by a buffer mutex; the write path holds a separate lock
// so only one streaming insert per destination is in flight at a time.
type BigQuery struct {
	table    bq.Table
	inserter inserter
	log      *zap.Logger

	batchSize int
	backoff   BackoffPolicy

	mu   sync.Mutex
	rows []*inventory.Record

	writeMu sync.Mutex

	rowsAppended   int64
	rowsWritten    int64
	rowsFailed     int64
	batchesFlushed int64
}

// NewBigQuery creates a sink for the given table.
func NewBigQuery(client *bigquery.Client, table bq.Table, batchSize int, backoff BackoffPolicy, log *zap.Logger) *BigQuery {
	if batchSize <= 0 {
		batchSize = 100
	}
	return &BigQuery{
		table:     table,
		inserter:  client.DatasetInProject(table.Project, table.Dataset).Table(table.Name).Inserter(),
		log:       log.With(zap.String("table", table.FullyQualifiedName())),
		batchSize: batchSize,
		backoff:   backoff,
		rows:      make([]*inventory.Record, 0, batchSize),
	}
}

// newBigQueryForTest wires an arbitrary inserter, bypassing the client.
func newBigQueryForTest(ins inserter, batchSize int, backoff BackoffPolicy, log *zap.Logger) *BigQuery {
	return &BigQuery{
		table:     bq.Table{Project: "p", Dataset: "d", Name: "t"},
		inserter:  ins,
		log:       log,
		batchSize: batchSize,
		backoff:   backoff,
		rows:      make([]*inventory.Record, 0, batchSize),
	}
}

// Append adds a record to the current batch, flushing it when the threshold
// is reached. The flush happens outside the buffer lock, so other workers
// keep appending into the next batch while the write is in flight.
func (s *BigQuery) Append(ctx context.Context, rec *inventory.Record) error {
	atomic.AddInt64(&s.rowsAppended, 1)

	s.mu.Lock()
	s.rows = append(s.rows, rec)
	if len(s.rows) < s.batchSize {
		s.mu.Unlock()
		return nil
	}
	batch := s.rows
	s.rows = make([]*inventory.Record, 0, s.batchSize)
	s.mu.Unlock()

	return s.write(ctx, batch)
}

// Flush writes out the current partial batch.
func (s *BigQuery) Flush(ctx context.Context) error {
	s.mu.Lock()
	batch := s.rows
	s.rows = make([]*inventory.Record, 0, s.batchSize)
	s.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}
	return s.write(ctx, batch)
}

// Stats reports cumulative counters.
func (s *BigQuery) Stats() Stats {
	return Stats{
		RowsAppended:   atomic.LoadInt64(&s.rowsAppended),
		RowsWritten:    atomic.LoadInt64(&s.rowsWritten),
		RowsFailed:     atomic.LoadInt64(&s.rowsFailed),
		BatchesFlushed: atomic.LoadInt64(&s.batchesFlushed),
	}
}

// write performs one streaming insert for the batch, retrying transient
// failures with bounded backoff. Table-not-found during the creation
// consistency window is transient and retried. After retry exhaustion the
// batch's rows are counted as failed and the error is returned; callers in
// load mode keep going, the listener withholds acknowledgment.
func (s *BigQuery) write(ctx context.Context, batch []*inventory.Record) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	ctx, span := observability.StartSpan(ctx, "inventory.flush")
	defer span.End()

	start := time.Now()
	err := Retry(ctx, s.backoff, bq.IsTransient, func() error {
		return s.inserter.Put(ctx, batch)
	})
	metrics.FlushLatency.Observe(time.Since(start).Seconds())
	atomic.AddInt64(&s.batchesFlushed, 1)
	metrics.BatchesFlushed.Inc()

	if err == nil {
		atomic.AddInt64(&s.rowsWritten, int64(len(batch)))
		metrics.RowsWritten.Add(float64(len(batch)))
		s.log.Debug("flushed batch",
			zap.Int("rows", len(batch)),
			zap.Duration("latency", time.Since(start)))
		return nil
	}

	// Per-row insert errors: the remaining rows of the call succeeded.
	if multi, ok := err.(bigquery.PutMultiError); ok {
		failed := int64(len(multi))
		written := int64(len(batch)) - failed
		atomic.AddInt64(&s.rowsFailed, failed)
		atomic.AddInt64(&s.rowsWritten, written)
		metrics.RowsFailed.Add(float64(failed))
		metrics.RowsWritten.Add(float64(written))
		for i := range multi {
			if i >= 3 {
				s.log.Error("further insert errors suppressed", zap.Int("failed_rows", len(multi)))
				break
			}
			s.log.Error("row insert failed",
				zap.Int("row", multi[i].RowIndex),
				zap.Error(&multi[i]))
		}
		return inverrors.Wrap(err, inverrors.ErrorTypeData, "streaming insert rejected rows").
			WithDetail("failed_rows", len(multi))
	}

	atomic.AddInt64(&s.rowsFailed, int64(len(batch)))
	metrics.RowsFailed.Add(float64(len(batch)))
	s.log.Error("batch write failed after retries",
		zap.Int("rows", len(batch)),
		zap.Error(err))
	return inverrors.Wrap(err, inverrors.ErrorTypeConnection, "failed to write batch")
}
