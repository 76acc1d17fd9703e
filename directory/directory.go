// Package directory provides access to the point directory: the
// authoritative relational store of point identity. The directory assigns
// each point its sequence id, a dense integer that is unique, never
// reused, and allocated atomically even under concurrent creation of the
// same name.
package directory

import (
	"context"

	"github.com/c360/pointstream/point"
)

// Directory is the interface the resolution cache consumes. All not-found
// conditions are reported via errors.ErrPointNotFound so callers can
// distinguish a miss from a transport failure.
type Directory interface {
	// FindByName returns the point with the given name within a source
	// group.
	FindByName(ctx context.Context, sourceGroup, name string) (point.Point, error)

	// FindBySequence returns the point with the given sequence id.
	FindBySequence(ctx context.Context, id int64) (point.Point, error)

	// CreatePoint creates a point, allocating a sequence id atomically.
	// Creating a name that already exists returns the existing point
	// ("insert or return existing"); the sequence id is assigned at most
	// once per point.
	CreatePoint(ctx context.Context, sourceGroup, name, valueType, unit string) (point.Point, error)

	// ListAll returns the full point set, used by the cache refresh.
	ListAll(ctx context.Context) ([]point.Point, error)
}
