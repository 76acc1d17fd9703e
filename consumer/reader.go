package consumer

import (
	"context"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360/pointstream/errors"
	"github.com/c360/pointstream/point"
)

// Fetcher is the pull surface of a JetStream consumer. Satisfied by
// jetstream.Consumer.
type Fetcher interface {
	Fetch(batch int, opts ...jetstream.FetchOpt) (jetstream.MessageBatch, error)
}

// Delivery is one fetched batch envelope. Err is set when the payload
// did not decode; the caller dead-letters and commits such deliveries so
// a malformed envelope cannot stall the partition.
type Delivery struct {
	Partition int
	Batch     point.Batch
	Err       error

	// Raw holds the original envelope bytes when Err is set, so an
	// undecodable delivery can still be dead-lettered with its payload
	// intact for manual replay.
	Raw []byte

	// Received is when the envelope was stored on the stream, zero when
	// the server did not report metadata.
	Received time.Time

	msg jetstream.Msg
}

// PartitionReader fetches batch envelopes from one partition's durable
// consumer. Commit acks the delivery; with the AckAll policy that acks
// every earlier delivery on the partition too, which is the offset
// commit. Release naks for redelivery.
type PartitionReader struct {
	partition int
	consumer  Fetcher
	maxWait   time.Duration
	logger    *slog.Logger
}

// EnsureConsumer creates or updates the partition's durable consumer on
// the ingest stream.
func EnsureConsumer(ctx context.Context, stream jetstream.Stream, partition int) (jetstream.Consumer, error) {
	cons, err := stream.CreateOrUpdateConsumer(ctx, ConsumerConfig(partition))
	if err != nil {
		return nil, errors.WrapTransient(err, "PartitionReader", "EnsureConsumer",
			"create consumer "+DurableName(partition))
	}
	return cons, nil
}

// NewPartitionReader creates a reader over an existing durable consumer.
func NewPartitionReader(partition int, consumer Fetcher, maxWait time.Duration, logger *slog.Logger) *PartitionReader {
	if maxWait == 0 {
		maxWait = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &PartitionReader{
		partition: partition,
		consumer:  consumer,
		maxWait:   maxWait,
		logger:    logger.With("partition", partition),
	}
}

// Partition returns the partition this reader serves.
func (r *PartitionReader) Partition() int {
	return r.partition
}

// Fetch pulls up to max deliveries in partition order. An empty slice
// with a nil error means the wait elapsed with nothing pending.
func (r *PartitionReader) Fetch(ctx context.Context, max int) ([]Delivery, error) {
	if max <= 0 {
		max = 1
	}

	msgs, err := r.consumer.Fetch(max, jetstream.FetchMaxWait(r.maxWait))
	if err != nil {
		return nil, errors.WrapTransient(err, "PartitionReader", "Fetch", "fetch messages")
	}

	var out []Delivery
	for msg := range msgs.Messages() {
		if ctx.Err() != nil {
			// Shutdown mid-fetch: nak what we will not process
			if err := msg.Nak(); err != nil {
				r.logger.Warn("nak failed during shutdown", "error", err)
			}
			continue
		}

		d := Delivery{Partition: r.partition, msg: msg}
		if meta, metaErr := msg.Metadata(); metaErr == nil {
			d.Received = meta.Timestamp
		}
		batch, decErr := point.DecodeBatch(msg.Data())
		if decErr != nil {
			d.Err = decErr
			d.Raw = msg.Data()
		} else {
			d.Batch = batch
		}
		out = append(out, d)
	}

	if err := msgs.Error(); err != nil {
		return out, errors.WrapTransient(err, "PartitionReader", "Fetch", "drain batch")
	}
	return out, nil
}

// Commit acks the delivery, committing the partition offset through it.
func (r *PartitionReader) Commit(d Delivery) error {
	if d.msg == nil {
		return errors.WrapInvalid(errors.ErrInvalidData, "PartitionReader", "Commit", "empty delivery")
	}
	if err := d.msg.Ack(); err != nil {
		return errors.WrapTransient(err, "PartitionReader", "Commit", "ack delivery")
	}
	return nil
}

// Release naks the delivery for redelivery after the backoff the server
// applies.
func (r *PartitionReader) Release(d Delivery) error {
	if d.msg == nil {
		return errors.WrapInvalid(errors.ErrInvalidData, "PartitionReader", "Release", "empty delivery")
	}
	if err := d.msg.Nak(); err != nil {
		return errors.WrapTransient(err, "PartitionReader", "Release", "nak delivery")
	}
	return nil
}
