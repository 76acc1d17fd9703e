package kvstate

import (
	"context"
	"fmt"

	"github.com/c360/pointstream/errors"
	"github.com/c360/pointstream/natsclient"
)

// IdempotencyStore records batch ids that have completed the write stage.
// A redelivered batch whose id is already present skips straight to
// commit without touching the sink again.
type IdempotencyStore struct {
	kv Bucket
}

// NewIdempotencyStore creates a store over the given bucket.
func NewIdempotencyStore(kv Bucket) *IdempotencyStore {
	return &IdempotencyStore{kv: kv}
}

func batchKey(partition int, batchID string) string {
	return fmt.Sprintf("p%d.%s", partition, batchID)
}

// Seen reports whether the batch id has already been marked complete.
func (s *IdempotencyStore) Seen(ctx context.Context, partition int, batchID string) (bool, error) {
	if batchID == "" {
		return false, errors.WrapInvalid(errors.ErrInvalidData,
			"IdempotencyStore", "Seen", "empty batch id")
	}

	_, err := s.kv.Get(ctx, batchKey(partition, batchID))
	if err != nil {
		if natsclient.IsKVNotFoundError(err) {
			return false, nil
		}
		return false, errors.WrapTransient(err, "IdempotencyStore", "Seen", "get batch key")
	}
	return true, nil
}

// Mark records the batch id as complete. Marking an already-marked batch
// is a no-op so crash-between-mark-and-ack replays stay idempotent.
func (s *IdempotencyStore) Mark(ctx context.Context, partition int, batchID string) error {
	if batchID == "" {
		return errors.WrapInvalid(errors.ErrInvalidData,
			"IdempotencyStore", "Mark", "empty batch id")
	}

	_, err := s.kv.Create(ctx, batchKey(partition, batchID), []byte{1})
	if err != nil {
		if natsclient.IsKVConflictError(err) {
			return nil
		}
		return errors.WrapTransient(err, "IdempotencyStore", "Mark", "create batch key")
	}
	return nil
}
