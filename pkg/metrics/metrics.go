// Package metrics provides Prometheus instrumentation for the inventory
// loader. Metrics are registered once at package load and shared by the
// pipeline, sink and listener.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

var (
	// BucketsListed counts buckets whose listing completed, by outcome.
	BucketsListed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gcsinventory",
		Name:      "buckets_listed_total",
		Help:      "Buckets whose object listing completed, by outcome.",
	}, []string{"outcome"})

	// PagesProduced counts listing pages placed on the work queue.
	PagesProduced = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "gcsinventory",
		Name:      "pages_produced_total",
		Help:      "Listing pages placed on the work queue.",
	})

	// ObjectsSeen counts listing entries expanded into records.
	ObjectsSeen = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "gcsinventory",
		Name:      "objects_seen_total",
		Help:      "Listing entries expanded into inventory records.",
	})

	// RowsWritten counts rows durably written to the destination.
	RowsWritten = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "gcsinventory",
		Name:      "rows_written_total",
		Help:      "Rows successfully written to the destination.",
	})

	// RowsFailed counts rows surfaced as permanent write failures.
	RowsFailed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "gcsinventory",
		Name:      "rows_failed_total",
		Help:      "Rows that permanently failed to write after retries.",
	})

	// BatchesFlushed counts streaming-insert calls.
	BatchesFlushed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "gcsinventory",
		Name:      "batches_flushed_total",
		Help:      "Streaming write calls issued to the destination.",
	})

	// FlushLatency observes streaming-insert latency.
	FlushLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "gcsinventory",
		Name:      "flush_latency_seconds",
		Help:      "Latency of streaming write calls.",
		Buckets:   prometheus.DefBuckets,
	})

	// QueueDepth gauges work-queue occupancy.
	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "gcsinventory",
		Name:      "work_queue_depth",
		Help:      "Pages currently buffered in the work queue.",
	})

	// MessagesProcessed counts change-notification messages, by outcome.
	MessagesProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gcsinventory",
		Name:      "messages_processed_total",
		Help:      "Change-notification messages processed, by outcome (ack, nack).",
	}, []string{"outcome"})
)

// Serve exposes /metrics on addr until ctx is cancelled. A closed listener on
// shutdown is normal and not reported as an error.
func Serve(ctx context.Context, addr string, log *zap.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info("serving metrics", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error("metrics server failed", zap.Error(err))
	}
}
