// Package deadletter publishes rows and batches that cannot be processed
// to the dead-letter stream, with enough context in the envelope and the
// log line for an operator to diagnose and replay them.
package deadletter

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/pointstream/errors"
	"github.com/c360/pointstream/metric"
	"github.com/c360/pointstream/point"
)

// Stream topology for dead-lettered payloads
const (
	StreamName    = "POINTS_DLQ"
	SubjectPrefix = "points.deadletter"
)

// DefaultRetention bounds how long dead-lettered payloads are kept for
// manual replay.
const DefaultRetention = 7 * 24 * time.Hour

// Kind distinguishes a single bad row from a whole failed batch.
type Kind string

const (
	KindRow   Kind = "row"
	KindBatch Kind = "batch"

	// KindMalformed marks an envelope that never decoded; its payload
	// is the original bytes, base64-encoded.
	KindMalformed Kind = "malformed"
)

// Envelope is the dead-letter message payload.
type Envelope struct {
	Kind      Kind            `json:"kind"`
	BatchID   string          `json:"batch_id"`
	Partition int             `json:"partition"`
	Class     string          `json:"class"`
	Reason    string          `json:"reason"`
	Payload   json.RawMessage `json:"payload"`
	Time      time.Time       `json:"time"`
}

// StreamPublisher is the stream surface the dead-letter path needs.
// Satisfied by *natsclient.Client.
type StreamPublisher interface {
	PublishToStream(ctx context.Context, subject string, data []byte) error
}

// Publisher ships poison rows and batches to the dead-letter stream.
type Publisher struct {
	client StreamPublisher
	logger *slog.Logger
	now    func() time.Time

	published *prometheus.CounterVec
}

// NewPublisher creates a dead-letter publisher.
func NewPublisher(client StreamPublisher, logger *slog.Logger, registry *metric.Registry) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Publisher{
		client: client,
		logger: logger,
		now:    time.Now,
	}
	p.published = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pointstream", Subsystem: "deadletter",
		Name: "published_total",
		Help: "Dead-lettered payloads by kind",
	}, []string{"kind"})
	if registry != nil {
		_ = registry.RegisterCounterVec("deadletter", "published_total", p.published)
	}
	return p
}

// StreamConfig returns the dead-letter stream definition, provisioned at
// startup alongside the ingest stream.
func StreamConfig(retention time.Duration) jetstream.StreamConfig {
	if retention == 0 {
		retention = DefaultRetention
	}
	return jetstream.StreamConfig{
		Name:        StreamName,
		Description: "Rows and batches that failed ingestion",
		Subjects:    []string{SubjectPrefix + ".>"},
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      retention,
		Storage:     jetstream.FileStorage,
	}
}

func subject(partition int) string {
	return fmt.Sprintf("%s.%d", SubjectPrefix, partition)
}

// Row dead-letters a single data point.
func (p *Publisher) Row(ctx context.Context, partition int, batchID string, dp point.DataPoint, cause error) error {
	payload, err := json.Marshal(dp)
	if err != nil {
		return errors.WrapInvalid(err, "Publisher", "Row", "marshal row")
	}
	return p.publish(ctx, Envelope{
		Kind:      KindRow,
		BatchID:   batchID,
		Partition: partition,
		Class:     errors.Classify(cause).String(),
		Reason:    causeReason(cause),
		Payload:   payload,
		Time:      p.now().UTC(),
	}, dp.Name)
}

// Batch dead-letters a whole batch.
func (p *Publisher) Batch(ctx context.Context, partition int, batch point.Batch, cause error) error {
	payload, err := json.Marshal(batch)
	if err != nil {
		return errors.WrapInvalid(err, "Publisher", "Batch", "marshal batch")
	}
	return p.publish(ctx, Envelope{
		Kind:      KindBatch,
		BatchID:   batch.ID,
		Partition: partition,
		Class:     errors.Classify(cause).String(),
		Reason:    causeReason(cause),
		Payload:   payload,
		Time:      p.now().UTC(),
	}, "")
}

// Malformed dead-letters an envelope that failed to decode. The original
// bytes travel in the payload so the delivery can be replayed by hand.
func (p *Publisher) Malformed(ctx context.Context, partition int, raw []byte, cause error) error {
	payload, err := json.Marshal(raw)
	if err != nil {
		return errors.WrapInvalid(err, "Publisher", "Malformed", "marshal payload")
	}
	return p.publish(ctx, Envelope{
		Kind:      KindMalformed,
		Partition: partition,
		Class:     errors.Classify(cause).String(),
		Reason:    causeReason(cause),
		Payload:   payload,
		Time:      p.now().UTC(),
	}, "")
}

func (p *Publisher) publish(ctx context.Context, env Envelope, pointName string) error {
	data, err := json.Marshal(env)
	if err != nil {
		return errors.WrapInvalid(err, "Publisher", "publish", "marshal envelope")
	}

	if err := p.client.PublishToStream(ctx, subject(env.Partition), data); err != nil {
		return errors.WrapTransient(err, "Publisher", "publish", "publish envelope")
	}

	p.published.WithLabelValues(string(env.Kind)).Inc()
	p.logger.Warn("dead-lettered payload",
		"kind", env.Kind,
		"batch_id", env.BatchID,
		"partition", env.Partition,
		"point", pointName,
		"class", env.Class,
		"reason", env.Reason)
	return nil
}

func causeReason(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
