// Package pipeline wires the bulk-inventory run: bucket listing lanes produce
// pages onto a bounded work queue, a fixed worker pool expands pages into
// records, and records stream into the sink in batches.
//
// The queue is the system's backpressure mechanism: its capacity caps memory
// use when listing outpaces the destination's write throughput. End of work
// is signaled by closing the queue once every lane has drained, so workers
// terminate deterministically without shared flags.
package pipeline

import (
	"context"
	"sync"
	"sync/atomic"

	"cloud.google.com/go/storage"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/stackdrift/gcsinventory/pkg/gcs"
	"github.com/stackdrift/gcsinventory/pkg/inventory"
	"github.com/stackdrift/gcsinventory/pkg/inverrors"
	"github.com/stackdrift/gcsinventory/pkg/metrics"
	"github.com/stackdrift/gcsinventory/pkg/observability"
	"github.com/stackdrift/gcsinventory/pkg/sink"
)

// Page is one work item: a single page of a bucket's object listing, plus the
// bucket's uniform-access status so workers can decide whether to fetch ACLs.
// Pages live only inside the work queue between production and consumption.
type Page struct {
	Bucket        string
	UniformAccess bool
	Objects       []*storage.ObjectAttrs
}

// Config tunes one pipeline run.
type Config struct {
	// Buckets restricts the run to explicitly named buckets. Empty means
	// every bucket in the configured project.
	Buckets []string
	// BucketPrefix filters the project-wide bucket enumeration.
	BucketPrefix string
	// Prefix filters object names within each bucket.
	Prefix string
	// FetchACLs enables the per-object ACL sub-fetch for buckets without
	// uniform bucket-level access.
	FetchACLs bool

	Workers      int
	ListingLanes int
	QueueSize    int

	Backoff sink.BackoffPolicy
}

// Stats summarize a completed run.
type Stats struct {
	BucketsListed  int64
	BucketsFailed  int64
	BucketsSkipped int64
	PagesProduced  int64
	ObjectsSeen    int64
	PerBucket      map[string]int64
	Sink           sink.Stats
}

// Pipeline coordinates one load or cat run.
type Pipeline struct {
	api gcs.API
	out sink.Sink
	cfg Config
	log *zap.Logger

	bucketsListed  int64
	bucketsFailed  int64
	bucketsSkipped int64
	pagesProduced  int64
	objectsSeen    int64

	statsMu   sync.Mutex
	perBucket map[string]int64
}

// New creates a pipeline. The sink's destination must already exist (or have
// been requested) before Run starts producing.
func New(api gcs.API, out sink.Sink, cfg Config, log *zap.Logger) *Pipeline {
	if cfg.ListingLanes <= 0 {
		cfg.ListingLanes = 2
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1000
	}
	if cfg.Backoff.MaxAttempts <= 0 {
		cfg.Backoff = sink.DefaultBackoff()
	}
	return &Pipeline{
		api:       api,
		out:       out,
		cfg:       cfg,
		log:       log,
		perBucket: make(map[string]int64),
	}
}

// Run lists the selected buckets, expands every page into records and streams
// them into the sink, then drains and flushes. A bucket whose listing fails
// after retries is reported and skipped; Run returns an error only for
// failures that prevent the run from starting.
func (p *Pipeline) Run(ctx context.Context) (Stats, error) {
	ctx, span := observability.StartSpan(ctx, "inventory.run")
	defer span.End()

	buckets, err := p.resolveBuckets(ctx)
	if err != nil {
		return p.stats(), err
	}

	p.log.Info("starting inventory run",
		zap.Int("buckets", len(buckets)),
		zap.Int("listing_lanes", p.cfg.ListingLanes),
		zap.Int("workers", p.cfg.Workers),
		zap.Int("queue_size", p.cfg.QueueSize))

	if len(buckets) == 0 {
		p.log.Info("no buckets matched, nothing to do")
		return p.stats(), p.out.Flush(ctx)
	}

	queue := make(chan Page, p.cfg.QueueSize)
	feed := make(chan gcs.BucketInfo)

	var lanes sync.WaitGroup
	for i := 0; i < p.cfg.ListingLanes; i++ {
		lanes.Add(1)
		go func(lane int) {
			defer lanes.Done()
			for bucket := range feed {
				p.listBucket(ctx, bucket, queue)
			}
		}(i)
	}

	var workers sync.WaitGroup
	for i := 0; i < p.cfg.Workers; i++ {
		workers.Add(1)
		go func() {
			defer workers.Done()
			p.worker(ctx, queue)
		}()
	}

	total := len(buckets)
	for i, bucket := range buckets {
		p.log.Info("listing bucket",
			zap.String("bucket", bucket.Name),
			zap.Int("number", i+1),
			zap.Int("total", total))
		select {
		case feed <- bucket:
		case <-ctx.Done():
		}
		if ctx.Err() != nil {
			break
		}
	}
	close(feed)

	lanes.Wait()
	close(queue)
	workers.Wait()

	if err := p.out.Flush(ctx); err != nil {
		p.log.Error("final flush failed", zap.Error(err))
	}

	stats := p.stats()
	p.log.Info("inventory run complete",
		zap.Int64("buckets_listed", stats.BucketsListed),
		zap.Int64("buckets_failed", stats.BucketsFailed),
		zap.Int64("pages", stats.PagesProduced),
		zap.Int64("objects", stats.ObjectsSeen),
		zap.Int64("rows_written", stats.Sink.RowsWritten),
		zap.Int64("rows_failed", stats.Sink.RowsFailed),
		zap.Any("per_bucket", stats.PerBucket))
	return stats, ctx.Err()
}

// resolveBuckets picks the buckets to list: the explicit list when given,
// otherwise the project-wide enumeration. An explicitly named bucket that
// cannot be described is skipped with a warning rather than failing the run.
func (p *Pipeline) resolveBuckets(ctx context.Context) ([]gcs.BucketInfo, error) {
	if len(p.cfg.Buckets) == 0 {
		buckets, err := p.api.ListBuckets(ctx, p.cfg.BucketPrefix)
		if err != nil {
			return nil, inverrors.Wrap(err, inverrors.ErrorTypeConnection, "failed to enumerate buckets")
		}
		return buckets, nil
	}

	var buckets []gcs.BucketInfo
	for _, name := range p.cfg.Buckets {
		info, err := p.api.Bucket(ctx, name)
		if err != nil {
			atomic.AddInt64(&p.bucketsSkipped, 1)
			p.log.Warn("skipping bucket", zap.String("bucket", name), zap.Error(err))
			continue
		}
		buckets = append(buckets, info)
	}
	return buckets, nil
}

// listBucket pages through one bucket's object listing and puts each page on
// the queue, blocking when the queue is full. Page fetches are retried with
// bounded backoff; exhausting retries abandons this bucket only.
func (p *Pipeline) listBucket(ctx context.Context, bucket gcs.BucketInfo, queue chan<- Page) {
	ctx, span := observability.StartSpan(ctx, "inventory.list_bucket")
	span.SetAttributes(attribute.String("bucket", bucket.Name))
	defer span.End()

	pageToken := ""
	for {
		var objects []*storage.ObjectAttrs
		var next string
		err := sink.Retry(ctx, p.cfg.Backoff, retryableListing, func() error {
			var ferr error
			objects, next, ferr = p.api.ListObjects(ctx, bucket.Name, p.cfg.Prefix, pageToken)
			return ferr
		})
		if err != nil {
			atomic.AddInt64(&p.bucketsFailed, 1)
			metrics.BucketsListed.WithLabelValues("failed").Inc()
			p.log.Error("abandoning bucket after listing failures",
				zap.String("bucket", bucket.Name),
				zap.Error(err))
			return
		}

		if len(objects) > 0 {
			page := Page{
				Bucket:        bucket.Name,
				UniformAccess: bucket.UniformAccess,
				Objects:       objects,
			}
			select {
			case queue <- page:
				atomic.AddInt64(&p.pagesProduced, 1)
				metrics.PagesProduced.Inc()
				metrics.QueueDepth.Set(float64(len(queue)))
			case <-ctx.Done():
				return
			}
		}

		if next == "" {
			break
		}
		pageToken = next
	}

	atomic.AddInt64(&p.bucketsListed, 1)
	metrics.BucketsListed.WithLabelValues("ok").Inc()
}

// worker consumes pages until the queue closes, expanding every listing
// entry into a record. The optional ACL sub-fetch is synchronous here and is
// the dominant latency source, which is why many workers run in parallel. A
// bad entry or failed append never stops the worker: failures are counted at
// the sink and surfaced at shutdown.
func (p *Pipeline) worker(ctx context.Context, queue <-chan Page) {
	for page := range queue {
		metrics.QueueDepth.Set(float64(len(queue)))
		count := int64(0)
		for _, attrs := range page.Objects {
			rec := inventory.FromObjectAttrs(attrs)
			if p.cfg.FetchACLs && !page.UniformAccess && len(rec.ACL) == 0 {
				rules, err := p.api.ObjectACL(ctx, page.Bucket, rec.Name)
				if err != nil {
					p.log.Warn("failed to fetch object ACL",
						zap.String("bucket", page.Bucket),
						zap.String("object", rec.Name),
						zap.Error(err))
				} else {
					rec.ACL = inventory.FromACLRules(rules)
				}
			}
			if err := p.out.Append(ctx, rec); err != nil {
				p.log.Error("failed to append record",
					zap.String("key", rec.Key()),
					zap.Error(err))
			}
			count++
		}
		atomic.AddInt64(&p.objectsSeen, count)
		metrics.ObjectsSeen.Add(float64(count))

		p.statsMu.Lock()
		p.perBucket[page.Bucket] += count
		p.statsMu.Unlock()

		if ctx.Err() != nil {
			// Keep draining so producers blocked on a full queue
			// can observe cancellation, but stop doing work.
			continue
		}
	}
}

func (p *Pipeline) stats() Stats {
	p.statsMu.Lock()
	perBucket := make(map[string]int64, len(p.perBucket))
	for k, v := range p.perBucket {
		perBucket[k] = v
	}
	p.statsMu.Unlock()

	return Stats{
		BucketsListed:  atomic.LoadInt64(&p.bucketsListed),
		BucketsFailed:  atomic.LoadInt64(&p.bucketsFailed),
		BucketsSkipped: atomic.LoadInt64(&p.bucketsSkipped),
		PagesProduced:  atomic.LoadInt64(&p.pagesProduced),
		ObjectsSeen:    atomic.LoadInt64(&p.objectsSeen),
		PerBucket:      perBucket,
		Sink:           p.out.Stats(),
	}
}

// retryableListing classifies listing errors: connection, timeout and
// rate-limit failures are retried; a missing bucket is not.
func retryableListing(err error) bool {
	return inverrors.IsRetryable(err) && !inverrors.IsType(err, inverrors.ErrorTypeNotFound)
}
