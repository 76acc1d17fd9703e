// Package kvstate holds the pipeline's durable side state: the batch
// idempotency store and the current-value cache. Both live in JetStream
// KV buckets so replicas share them and restarts do not lose them.
package kvstate

import (
	"context"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360/pointstream/natsclient"
)

// Bucket names
const (
	IdempotencyBucket  = "POINTSTREAM_IDEMPOTENCY"
	CurrentValueBucket = "POINTSTREAM_CURRENT_VALUES"
)

// DefaultIdempotencyTTL bounds how long a completed batch id is
// remembered. Replays older than this are not deduplicated, which is
// acceptable because the sink writes are append-only and downstream
// queries take the latest row per timestamp.
const DefaultIdempotencyTTL = 24 * time.Hour

// DefaultCurrentValueTTL expires current values for points that have
// gone quiet, so the cache never serves a reading from a
// decommissioned point indefinitely.
const DefaultCurrentValueTTL = 7 * 24 * time.Hour

// Bucket is the KV surface the state stores need. Satisfied by
// *natsclient.KVStore.
type Bucket interface {
	Get(ctx context.Context, key string) (*natsclient.KVEntry, error)
	Create(ctx context.Context, key string, value []byte) (uint64, error)
	UpdateWithRetry(ctx context.Context, key string, updateFn func(current []byte) ([]byte, error)) error
}

// ProvisionIdempotency creates (or reuses) the idempotency bucket and
// returns a store over it.
func ProvisionIdempotency(ctx context.Context, client *natsclient.Client, ttl time.Duration) (*IdempotencyStore, error) {
	if ttl == 0 {
		ttl = DefaultIdempotencyTTL
	}
	bucket, err := client.CreateKeyValueBucket(ctx, jetstream.KeyValueConfig{
		Bucket:      IdempotencyBucket,
		Description: "Completed batch ids for duplicate suppression",
		TTL:         ttl,
		History:     1,
	})
	if err != nil {
		return nil, err
	}
	return NewIdempotencyStore(client.NewKVStore(bucket)), nil
}

// ProvisionCurrentValues creates (or reuses) the current-value bucket and
// returns a store over it.
func ProvisionCurrentValues(ctx context.Context, client *natsclient.Client, ttl time.Duration) (*CurrentValueStore, error) {
	if ttl == 0 {
		ttl = DefaultCurrentValueTTL
	}
	bucket, err := client.CreateKeyValueBucket(ctx, jetstream.KeyValueConfig{
		Bucket:      CurrentValueBucket,
		Description: "Latest observed value per point sequence id",
		TTL:         ttl,
		History:     1,
	})
	if err != nil {
		return nil, err
	}
	return NewCurrentValueStore(client.NewKVStore(bucket)), nil
}
