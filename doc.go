// Package pointstream ingests high-rate telemetry from NATS JetStream,
// resolves point identity, deduplicates redelivered batches, and persists
// the result to a QuestDB time-series store while keeping a current-value
// cache warm.
//
// # Architecture
//
// Data flows through a per-partition pipeline:
//
//	┌─────────────────────────────────────┐
//	│        JetStream (POINTS)           │  Partitioned subjects
//	│        points.data.<n>              │  At-least-once delivery
//	└──────────────────┬──────────────────┘
//	                   ↓ pull consumer per owned partition
//	┌─────────────────────────────────────┐
//	│            Pipeline                 │  Resolve → dedupe →
//	│  (resolver, idempotency, sink)      │  write → cache → commit
//	└──────────────────┬──────────────────┘
//	                   ↓ one flush per batch
//	┌─────────────────────────────────────┐
//	│        QuestDB (ILP over HTTP)      │  point_data table
//	└─────────────────────────────────────┘
//
// Partition ownership is coordinated through a NATS KV claims bucket so
// multiple instances can share a stream without double-processing.
// Idempotency marks and current values live in KV buckets as well, which
// keeps the whole state surface on the same transport as the data.
//
// # Packages
//
//   - point: the shared data model (points, data point messages, batches)
//   - resolver: multi-keyed in-memory resolution cache with auto-registration
//   - directory: the durable point registry backed by Postgres
//   - consumer: stream topology, partition claims, pull readers
//   - pipeline: the per-batch state machine tying everything together
//   - kvstate: idempotency and current-value stores over NATS KV
//   - sink/questdb: ILP encoding and the buffered HTTP writer
//   - deadletter: the poison-row and poison-batch publisher
//
// # Delivery Guarantees
//
// Offsets advance only after a batch is fully written and marked in the
// idempotency store, so a crash replays the batch and the mark
// short-circuits it to committed. Per-row failures never fail a batch;
// whole-batch failures never partially commit.
package pointstream
