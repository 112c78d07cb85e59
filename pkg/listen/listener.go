// Package listen consumes object change notifications and applies them to the
// inventory table, keeping it current between bulk loads.
//
// Delivery is at least once. A message is acknowledged only after the batch
// containing its row has been flushed to the destination, so a crash between
// receipt and flush redelivers the message instead of losing the change.
package listen

import (
	"context"
	"sync"
	"time"

	"cloud.google.com/go/bigquery"
	"cloud.google.com/go/pubsub"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/stackdrift/gcsinventory/pkg/bq"
	"github.com/stackdrift/gcsinventory/pkg/inventory"
	"github.com/stackdrift/gcsinventory/pkg/inverrors"
	"github.com/stackdrift/gcsinventory/pkg/metrics"
	"github.com/stackdrift/gcsinventory/pkg/sink"
)

// Attribute names set by GCS on change-notification messages.
const (
	attrEventType = "eventType"
	attrObjectID  = "objectId"
)

const ackDeadline = 60 * time.Second

// Message is one change notification. It abstracts the broker message so the
// grouping and acknowledgment logic is testable without a broker.
type Message interface {
	Data() []byte
	Attribute(key string) string
	PublishTime() time.Time
	Ack()
	Nack()
}

type pubsubMessage struct {
	m *pubsub.Message
}

func (p pubsubMessage) Data() []byte                { return p.m.Data }
func (p pubsubMessage) Attribute(key string) string { return p.m.Attributes[key] }
func (p pubsubMessage) PublishTime() time.Time      { return p.m.PublishTime }
func (p pubsubMessage) Ack()                        { p.m.Ack() }
func (p pubsubMessage) Nack()                       { p.m.Nack() }

// DMLRunner executes the row-level metadata rewrite for metadata-update
// events, which streaming inserts cannot express.
type DMLRunner interface {
	UpdateMetadata(ctx context.Context, id string, md inventory.KVList) error
}

// BigQueryDML runs metadata updates as parameterized DML against the
// inventory table.
type BigQueryDML struct {
	client  *bigquery.Client
	table   bq.Table
	backoff sink.BackoffPolicy
}

// NewBigQueryDML returns a DML runner bound to one destination table.
func NewBigQueryDML(client *bigquery.Client, table bq.Table, backoff sink.BackoffPolicy) *BigQueryDML {
	return &BigQueryDML{client: client, table: table, backoff: backoff}
}

// UpdateMetadata replaces the metadata column of the row identified by id.
// A row that does not exist yet matches nothing, which is fine: the next bulk
// load or finalize event carries the metadata anyway.
func (d *BigQueryDML) UpdateMetadata(ctx context.Context, id string, md inventory.KVList) error {
	return sink.Retry(ctx, d.backoff, bq.IsTransient, func() error {
		q := d.client.Query(d.table.MetadataUpdateQuery(md))
		q.Parameters = bq.MetadataUpdateParams(id, md)
		job, err := q.Run(ctx)
		if err != nil {
			return err
		}
		st, err := job.Wait(ctx)
		if err != nil {
			return err
		}
		return st.Err()
	})
}

// EnsureSubscription creates the change-notification subscription on the
// configured topic if it does not already exist. The ack deadline leaves room
// for a slow flush before the broker redelivers.
func EnsureSubscription(ctx context.Context, client *pubsub.Client, topicID, subID string) (*pubsub.Subscription, error) {
	sub, err := client.CreateSubscription(ctx, subID, pubsub.SubscriptionConfig{
		Topic:       client.Topic(topicID),
		AckDeadline: ackDeadline,
	})
	if err != nil {
		if status.Code(err) != codes.AlreadyExists {
			return nil, inverrors.Wrap(err, inverrors.ErrorTypeConnection, "failed to create subscription").
				WithDetail("subscription", subID)
		}
		sub = client.Subscription(subID)
	}
	return sub, nil
}

// Config tunes the listener's grouping behavior.
type Config struct {
	// BatchSize triggers a flush once this many messages are pending.
	BatchSize int
	// WaitTimeout flushes whatever is pending when no flush has happened
	// for this long, bounding the staleness of a quiet subscription.
	WaitTimeout time.Duration
	// MaxOutstanding caps unacknowledged messages held at once.
	MaxOutstanding int
}

// Listener groups change notifications into sink batches and acknowledges
// each message only after its batch reaches the destination.
type Listener struct {
	out sink.Sink
	dml DMLRunner
	cfg Config
	log *zap.Logger

	mu      sync.Mutex
	pending []Message
	// failedBase is the sink's failed-row count at the last flush
	// boundary. A flush that grows it had rows rejected, so the pending
	// messages are redelivered rather than silently dropped.
	failedBase int64
}

// New creates a listener writing through out. dml may be nil when
// metadata-update events should be treated as unsupported and redelivered.
func New(out sink.Sink, dml DMLRunner, cfg Config, log *zap.Logger) *Listener {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.WaitTimeout <= 0 {
		cfg.WaitTimeout = 10 * time.Second
	}
	return &Listener{out: out, dml: dml, cfg: cfg, log: log, failedBase: out.Stats().RowsFailed}
}

// Run consumes the subscription until ctx is canceled, then flushes whatever
// is still pending so shutdown does not strand unacknowledged messages.
func (l *Listener) Run(ctx context.Context, sub *pubsub.Subscription) error {
	if l.cfg.MaxOutstanding > 0 {
		sub.ReceiveSettings.MaxOutstandingMessages = l.cfg.MaxOutstanding
	}

	tick := time.NewTicker(l.cfg.WaitTimeout)
	defer tick.Stop()
	done := make(chan struct{})
	defer close(done)
	go func() {
		for {
			select {
			case <-tick.C:
				l.FlushPending(context.Background())
			case <-done:
				return
			}
		}
	}()

	l.log.Info("listening for change notifications",
		zap.String("subscription", sub.ID()),
		zap.Int("batch_size", l.cfg.BatchSize),
		zap.Duration("wait_timeout", l.cfg.WaitTimeout))

	err := sub.Receive(ctx, func(ctx context.Context, m *pubsub.Message) {
		l.Process(ctx, pubsubMessage{m: m})
	})

	// Receive has returned, so no new messages arrive; the final flush
	// acks or nacks whatever the last partial batch holds.
	l.FlushPending(context.Background())

	if err != nil && ctx.Err() == nil {
		return inverrors.Wrap(err, inverrors.ErrorTypeConnection, "subscription receive failed")
	}
	return nil
}

// Process handles one change notification: metadata updates run as DML and
// are acknowledged individually, every other event becomes a pending row that
// is acknowledged at the next flush. An unparseable message is redelivered.
func (l *Listener) Process(ctx context.Context, msg Message) {
	eventType := msg.Attribute(attrEventType)

	if eventType == inventory.EventObjectMetadataUpdate {
		l.processMetadataUpdate(ctx, msg)
		return
	}

	rec, err := inventory.FromChangePayload(msg.Data(), eventType, msg.PublishTime())
	if err != nil {
		metrics.MessagesProcessed.WithLabelValues("parse_error").Inc()
		l.log.Error("failed to parse change notification",
			zap.String("event_type", eventType),
			zap.String("object_id", msg.Attribute(attrObjectID)),
			zap.Error(err))
		msg.Nack()
		return
	}

	l.log.Debug("change notification",
		zap.String("event_type", eventType),
		zap.String("key", rec.Key()))

	l.mu.Lock()
	if err := l.out.Append(ctx, rec); err != nil {
		l.log.Error("failed to append change", zap.String("key", rec.Key()), zap.Error(err))
	}
	l.pending = append(l.pending, msg)
	full := len(l.pending) >= l.cfg.BatchSize
	if full {
		l.flushLocked(ctx)
	}
	l.mu.Unlock()
}

// processMetadataUpdate rewrites the metadata column of the stored row. The
// row is addressed by the payload's resource id, which is what the id column
// holds; a payload without one cannot be applied and is redelivered.
func (l *Listener) processMetadataUpdate(ctx context.Context, msg Message) {
	rec, err := inventory.FromChangePayload(msg.Data(), inventory.EventObjectMetadataUpdate, msg.PublishTime())
	if err != nil {
		metrics.MessagesProcessed.WithLabelValues("parse_error").Inc()
		l.log.Error("failed to parse metadata-update notification", zap.Error(err))
		msg.Nack()
		return
	}
	if rec.ID == "" {
		metrics.MessagesProcessed.WithLabelValues("parse_error").Inc()
		l.log.Error("metadata-update notification missing resource id", zap.String("key", rec.Key()))
		msg.Nack()
		return
	}
	if l.dml == nil {
		metrics.MessagesProcessed.WithLabelValues("unsupported").Inc()
		msg.Nack()
		return
	}
	if err := l.dml.UpdateMetadata(ctx, rec.ID, rec.Metadata); err != nil {
		metrics.MessagesProcessed.WithLabelValues("update_failed").Inc()
		l.log.Error("metadata update failed", zap.String("id", rec.ID), zap.Error(err))
		msg.Nack()
		return
	}
	metrics.MessagesProcessed.WithLabelValues("updated").Inc()
	msg.Ack()
}

// FlushPending flushes the sink and settles every pending message.
func (l *Listener) FlushPending(ctx context.Context) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.pending) == 0 {
		return
	}
	l.flushLocked(ctx)
}

// flushLocked writes the pending batch and acks its messages only when every
// row reached the destination. Any rejected row nacks the whole group: the
// redelivered inserts are deduplicated downstream by the row id.
func (l *Listener) flushLocked(ctx context.Context) {
	err := l.out.Flush(ctx)
	failed := l.out.Stats().RowsFailed
	ok := err == nil && failed == l.failedBase
	l.failedBase = failed

	for _, msg := range l.pending {
		if ok {
			msg.Ack()
		} else {
			msg.Nack()
		}
	}
	n := len(l.pending)
	l.pending = l.pending[:0]

	if ok {
		metrics.MessagesProcessed.WithLabelValues("ok").Add(float64(n))
		l.log.Debug("flushed change batch", zap.Int("messages", n))
	} else {
		metrics.MessagesProcessed.WithLabelValues("flush_failed").Add(float64(n))
		l.log.Error("change batch not durable, redelivering",
			zap.Int("messages", n),
			zap.Error(err))
	}
}
