// Package consumer owns the ingest side of the queue: stream topology,
// partition claims, and the per-partition pull readers with manual
// commit semantics.
package consumer

import (
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

// Ingest stream topology. Producers hash a point name to a partition and
// publish batch envelopes to that partition's subject.
const (
	StreamName    = "POINTS"
	SubjectPrefix = "points.data"

	// DefaultPartitions is the fixed partition count. Changing it
	// requires redeploying producers and consumers together.
	DefaultPartitions = 8
)

// DataSubject returns the subject for one partition.
func DataSubject(partition int) string {
	return fmt.Sprintf("%s.%d", SubjectPrefix, partition)
}

// DurableName returns the durable consumer name for one partition.
func DurableName(partition int) string {
	return fmt.Sprintf("pointstream-p%d", partition)
}

// StreamConfig returns the ingest stream definition.
func StreamConfig(maxAge time.Duration) jetstream.StreamConfig {
	return jetstream.StreamConfig{
		Name:        StreamName,
		Description: "Telemetry batch envelopes, one subject per partition",
		Subjects:    []string{SubjectPrefix + ".>"},
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      maxAge,
		Storage:     jetstream.FileStorage,
	}
}

// ConsumerConfig returns the durable pull consumer definition for one
// partition. AckAll gives offset semantics: acking a message implicitly
// acks everything before it on the partition, and redelivery resumes
// from the first unacked message.
func ConsumerConfig(partition int) jetstream.ConsumerConfig {
	return jetstream.ConsumerConfig{
		Durable:       DurableName(partition),
		FilterSubject: DataSubject(partition),
		AckPolicy:     jetstream.AckAllPolicy,
		DeliverPolicy: jetstream.DeliverAllPolicy,
		AckWait:       2 * time.Minute,
		MaxAckPending: 1,
	}
}
