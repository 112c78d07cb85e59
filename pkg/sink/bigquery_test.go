package sink

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"cloud.google.com/go/bigquery"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"google.golang.org/api/googleapi"

	"github.com/stackdrift/gcsinventory/pkg/inventory"
)

// fakeInserter records every Put and fails the first failN calls with err.
type fakeInserter struct {
	mu    sync.Mutex
	puts  [][]*inventory.Record
	failN int
	err   error
}

func (f *fakeInserter) Put(_ context.Context, src interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	batch := src.([]*inventory.Record)
	f.puts = append(f.puts, batch)
	if f.failN > 0 {
		f.failN--
		return f.err
	}
	return nil
}

func (f *fakeInserter) calls() [][]*inventory.Record {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]*inventory.Record(nil), f.puts...)
}

func fastBackoff() BackoffPolicy {
	return BackoffPolicy{MaxAttempts: 3, Delay: time.Millisecond, MaxDelay: 2 * time.Millisecond}
}

func rec(name string) *inventory.Record {
	return &inventory.Record{Bucket: "b", Name: name, Generation: 1}
}

func TestBigQueryAutoFlushAtThreshold(t *testing.T) {
	ins := &fakeInserter{}
	s := newBigQueryForTest(ins, 3, fastBackoff(), zap.NewNop())
	ctx := context.Background()

	require.NoError(t, s.Append(ctx, rec("a")))
	require.NoError(t, s.Append(ctx, rec("b")))
	assert.Empty(t, ins.calls(), "no write below the batch threshold")

	require.NoError(t, s.Append(ctx, rec("c")))
	calls := ins.calls()
	require.Len(t, calls, 1)
	assert.Len(t, calls[0], 3)

	stats := s.Stats()
	assert.Equal(t, int64(3), stats.RowsAppended)
	assert.Equal(t, int64(3), stats.RowsWritten)
	assert.Equal(t, int64(0), stats.RowsFailed)
	assert.Equal(t, int64(1), stats.BatchesFlushed)
}

func TestBigQueryFlushPartialBatch(t *testing.T) {
	ins := &fakeInserter{}
	s := newBigQueryForTest(ins, 100, fastBackoff(), zap.NewNop())
	ctx := context.Background()

	require.NoError(t, s.Append(ctx, rec("a")))
	require.NoError(t, s.Flush(ctx))

	calls := ins.calls()
	require.Len(t, calls, 1)
	assert.Len(t, calls[0], 1)

	require.NoError(t, s.Flush(ctx), "flushing an empty buffer is a no-op")
	assert.Len(t, ins.calls(), 1)
}

func TestBigQueryRetriesTransientFailure(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"service unavailable", &googleapi.Error{Code: http.StatusServiceUnavailable}},
		{"rate limited", &googleapi.Error{Code: http.StatusTooManyRequests}},
		{"table not visible yet", &googleapi.Error{Code: http.StatusNotFound}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ins := &fakeInserter{failN: 2, err: tt.err}
			s := newBigQueryForTest(ins, 1, fastBackoff(), zap.NewNop())

			require.NoError(t, s.Append(context.Background(), rec("a")))

			assert.Len(t, ins.calls(), 3, "two transient failures then success")
			stats := s.Stats()
			assert.Equal(t, int64(1), stats.RowsWritten)
			assert.Equal(t, int64(0), stats.RowsFailed)
		})
	}
}

func TestBigQueryPermanentFailureCountsAllRows(t *testing.T) {
	ins := &fakeInserter{failN: 1, err: &googleapi.Error{Code: http.StatusForbidden}}
	s := newBigQueryForTest(ins, 2, fastBackoff(), zap.NewNop())
	ctx := context.Background()

	require.NoError(t, s.Append(ctx, rec("a")))
	err := s.Append(ctx, rec("b"))
	require.Error(t, err)

	assert.Len(t, ins.calls(), 1, "permission errors are not retried")
	stats := s.Stats()
	assert.Equal(t, int64(0), stats.RowsWritten)
	assert.Equal(t, int64(2), stats.RowsFailed)
}

func TestBigQueryRetryExhaustion(t *testing.T) {
	ins := &fakeInserter{failN: 10, err: &googleapi.Error{Code: http.StatusServiceUnavailable}}
	s := newBigQueryForTest(ins, 1, fastBackoff(), zap.NewNop())

	err := s.Append(context.Background(), rec("a"))
	require.Error(t, err)

	assert.Len(t, ins.calls(), 3, "bounded by max attempts")
	assert.Equal(t, int64(1), s.Stats().RowsFailed)
}

func TestBigQueryPutMultiErrorCountsPerRow(t *testing.T) {
	multi := bigquery.PutMultiError{
		bigquery.RowInsertionError{RowIndex: 1},
	}
	ins := &fakeInserter{failN: 1, err: multi}
	s := newBigQueryForTest(ins, 3, fastBackoff(), zap.NewNop())
	ctx := context.Background()

	require.NoError(t, s.Append(ctx, rec("a")))
	require.NoError(t, s.Append(ctx, rec("b")))
	err := s.Append(ctx, rec("c"))
	require.Error(t, err)

	assert.Len(t, ins.calls(), 1, "row-level rejections are permanent")
	stats := s.Stats()
	assert.Equal(t, int64(1), stats.RowsFailed, "only the rejected row fails")
	assert.Equal(t, int64(2), stats.RowsWritten)
}

func TestRetryStopsOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	err := Retry(ctx, BackoffPolicy{MaxAttempts: 5, Delay: time.Minute, MaxDelay: time.Minute},
		func(error) bool { return true },
		func() error { calls++; return errors.New("transient") })

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls, "no retry sleeps through a canceled context")
}
