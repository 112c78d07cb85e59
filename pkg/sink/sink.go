// Package sink provides the batching write path to the destination. Records
// accumulate into bounded batches and are flushed with one streaming call per
// batch; a newline-delimited JSON sink covers cat mode.
package sink

import (
	"context"
	"math/rand"
	"time"

	"github.com/stackdrift/gcsinventory/pkg/inventory"
)

// Sink accumulates records and writes them out in batches. Append is safe for
// concurrent use; implementations serialize the actual writes per
// destination.
type Sink interface {
	// Append adds a record; when the batch threshold is reached it
	// triggers a blocking flush of the full batch.
	Append(ctx context.Context, rec *inventory.Record) error

	// Flush writes out any partial batch.
	Flush(ctx context.Context) error

	// Stats reports cumulative counters.
	Stats() Stats
}

// Stats are cumulative sink counters. RowsFailed counts rows surfaced as
// permanent failures after retry exhaustion; a non-zero value makes the
// process exit non-zero in load and cat modes.
type Stats struct {
	RowsAppended   int64
	RowsWritten    int64
	RowsFailed     int64
	BatchesFlushed int64
}

// BackoffPolicy bounds retries of transient failures with exponential
// backoff and jitter.
type BackoffPolicy struct {
	MaxAttempts int
	Delay       time.Duration
	MaxDelay    time.Duration
}

// DefaultBackoff matches the runtime configuration defaults.
func DefaultBackoff() BackoffPolicy {
	return BackoffPolicy{
		MaxAttempts: 5,
		Delay:       time.Second,
		MaxDelay:    30 * time.Second,
	}
}

// delay returns the wait before retry attempt (1-based), doubling each time
// up to the cap, with up to 25% jitter.
func (p BackoffPolicy) delay(attempt int) time.Duration {
	d := p.Delay
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= p.MaxDelay {
			d = p.MaxDelay
			break
		}
	}
	jitter := time.Duration(rand.Int63n(int64(d)/4 + 1))
	return d + jitter
}

// Retry invokes fn until it succeeds, fails permanently, or attempts are
// exhausted. retryable classifies errors; the last error is returned.
func Retry(ctx context.Context, policy BackoffPolicy, retryable func(error) bool, fn func() error) error {
	var err error
	for attempt := 1; ; attempt++ {
		err = fn()
		if err == nil || !retryable(err) || attempt >= policy.MaxAttempts {
			return err
		}
		select {
		case <-time.After(policy.delay(attempt)):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
