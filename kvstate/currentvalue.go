package kvstate

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/c360/pointstream/errors"
	"github.com/c360/pointstream/natsclient"
	"github.com/c360/pointstream/point"
)

// CurrentValue is the latest observation for a point.
type CurrentValue struct {
	Value     float64       `json:"value"`
	Quality   point.Quality `json:"quality"`
	Timestamp time.Time     `json:"timestamp"`
}

// CurrentValueStore keeps the newest observation per sequence id. Writes
// carrying a timestamp older than the stored one are dropped, so
// out-of-order delivery and batch replays never regress the cache.
type CurrentValueStore struct {
	kv Bucket
}

// NewCurrentValueStore creates a store over the given bucket.
func NewCurrentValueStore(kv Bucket) *CurrentValueStore {
	return &CurrentValueStore{kv: kv}
}

func sequenceKey(seq int64) string {
	return "seq." + strconv.FormatInt(seq, 10)
}

// Set updates the current value for a sequence id if the observation is
// at least as new as the stored one.
func (s *CurrentValueStore) Set(ctx context.Context, seq point.SequenceID, cv CurrentValue) error {
	id, ok := seq.Value()
	if !ok {
		return errors.WrapInvalid(errors.ErrUnresolvedWrite,
			"CurrentValueStore", "Set", "unresolved sequence id")
	}

	next, err := json.Marshal(cv)
	if err != nil {
		return errors.WrapInvalid(err, "CurrentValueStore", "Set", "marshal value")
	}

	err = s.kv.UpdateWithRetry(ctx, sequenceKey(id), func(current []byte) ([]byte, error) {
		if len(current) == 0 {
			return next, nil
		}
		var stored CurrentValue
		if err := json.Unmarshal(current, &stored); err != nil {
			// Corrupt entry, overwrite it
			return next, nil
		}
		if stored.Timestamp.After(cv.Timestamp) {
			return current, nil
		}
		return next, nil
	})
	if err != nil {
		return errors.WrapTransient(err, "CurrentValueStore", "Set", "update current value")
	}
	return nil
}

// Get returns the current value for a sequence id. The second return is
// false when no observation has been recorded.
func (s *CurrentValueStore) Get(ctx context.Context, seq point.SequenceID) (CurrentValue, bool, error) {
	id, ok := seq.Value()
	if !ok {
		return CurrentValue{}, false, errors.WrapInvalid(errors.ErrUnresolvedWrite,
			"CurrentValueStore", "Get", "unresolved sequence id")
	}

	entry, err := s.kv.Get(ctx, sequenceKey(id))
	if err != nil {
		if natsclient.IsKVNotFoundError(err) {
			return CurrentValue{}, false, nil
		}
		return CurrentValue{}, false, errors.WrapTransient(err, "CurrentValueStore", "Get", "get current value")
	}

	var cv CurrentValue
	if err := json.Unmarshal(entry.Value, &cv); err != nil {
		return CurrentValue{}, false, errors.WrapInvalid(err, "CurrentValueStore", "Get", "unmarshal value")
	}
	return cv, true, nil
}
