// Package point defines the telemetry data model shared by the ingestion
// pipeline: points, data point messages, and delivery batches.
package point

import (
	"encoding/json"
	"fmt"
	"time"
)

// Quality is the enumerated quality flag carried by every data point.
type Quality int

// Quality values use the historian convention: good data is zero.
const (
	QualityGood      Quality = 0
	QualityBad       Quality = 1
	QualityUncertain Quality = 2
)

// String returns the string representation of Quality
func (q Quality) String() string {
	switch q {
	case QualityGood:
		return "good"
	case QualityBad:
		return "bad"
	case QualityUncertain:
		return "uncertain"
	default:
		return "unknown"
	}
}

// Valid reports whether q is one of the defined quality values.
func (q Quality) Valid() bool {
	return q == QualityGood || q == QualityBad || q == QualityUncertain
}

// ParseQuality converts a string form back to a Quality value.
func ParseQuality(s string) (Quality, error) {
	switch s {
	case "good":
		return QualityGood, nil
	case "bad":
		return QualityBad, nil
	case "uncertain":
		return QualityUncertain, nil
	default:
		return QualityBad, fmt.Errorf("unknown quality %q", s)
	}
}

// Point is the durable identity record for a telemetry point. A point
// always has a stable ID; the sequence id may be unresolved until the
// directory assigns one.
type Point struct {
	// ID is the stable, opaque identifier assigned at creation.
	ID string `json:"id"`

	// Sequence is the dense integer identity assigned by the point
	// directory, used as the join key with the time-series store.
	Sequence SequenceID `json:"sequence"`

	// Name is the human-assigned tag, unique within a source group.
	Name string `json:"name"`

	// SourceGroup identifies the upstream data source the point
	// belongs to.
	SourceGroup string `json:"source_group"`

	// ValueType describes the engineering value type (e.g. "float64").
	ValueType string `json:"value_type,omitempty"`

	// Unit is the engineering unit (e.g. "kW", "m/s").
	Unit string `json:"unit,omitempty"`
}

// Validate checks the point's invariants.
func (p Point) Validate() error {
	if p.ID == "" {
		return fmt.Errorf("point %q: missing stable id", p.Name)
	}
	if p.Name == "" {
		return fmt.Errorf("point %s: missing name", p.ID)
	}
	return nil
}

// DataPoint is one telemetry update as delivered by the message queue.
// It is immutable once decoded; the pipeline owns it exclusively for the
// duration of processing.
type DataPoint struct {
	// Sequence is the resolved identity, unresolved when the producer
	// only knows the point name.
	Sequence SequenceID `json:"sequence"`

	// Name is the point tag, optional when Sequence is already resolved.
	Name string `json:"name,omitempty"`

	Value     float64   `json:"value"`
	Quality   Quality   `json:"quality"`
	Timestamp time.Time `json:"timestamp"`
}

// NeedsResolution reports whether the message must be resolved by name
// before it can be written.
func (dp DataPoint) NeedsResolution() bool {
	return !dp.Sequence.Resolved()
}

// Batch is one delivery unit from the message queue: an ordered sequence
// of data point messages sharing a single idempotency key. It is the unit
// of dedup and the unit of commit.
type Batch struct {
	// ID is the idempotency key identifying this delivery unit.
	ID string `json:"batch_id"`

	// SourceGroup is the producing data source, used to scope name
	// resolution.
	SourceGroup string `json:"source_group"`

	Points []DataPoint `json:"points"`
}

// Validate checks the batch envelope before processing.
func (b Batch) Validate() error {
	if b.ID == "" {
		return fmt.Errorf("batch: missing batch_id")
	}
	if len(b.Points) == 0 {
		return fmt.Errorf("batch %s: no points", b.ID)
	}
	return nil
}

// EncodeBatch serializes a batch envelope to its wire form.
func EncodeBatch(b Batch) ([]byte, error) {
	return json.Marshal(b)
}

// DecodeBatch parses a batch envelope from its wire form.
func DecodeBatch(data []byte) (Batch, error) {
	var b Batch
	if err := json.Unmarshal(data, &b); err != nil {
		return Batch{}, fmt.Errorf("decode batch envelope: %w", err)
	}
	return b, nil
}
