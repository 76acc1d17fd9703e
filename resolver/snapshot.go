package resolver

import (
	"github.com/c360/pointstream/point"
)

// snapshot is one immutable, fully-built copy of the resolution indices.
// A snapshot is never mutated after publication; refresh and registration
// build a replacement and swap it atomically, so concurrent readers never
// observe a half-updated state.
type snapshot struct {
	bySequence map[int64]point.Point
	byID       map[string]point.Point
	byName     map[string]point.Point
	byGroup    map[string][]point.Point
}

func nameKey(sourceGroup, name string) string {
	return sourceGroup + "\x00" + name
}

// buildSnapshot indexes the full point set four ways.
func buildSnapshot(points []point.Point) *snapshot {
	s := &snapshot{
		bySequence: make(map[int64]point.Point, len(points)),
		byID:       make(map[string]point.Point, len(points)),
		byName:     make(map[string]point.Point, len(points)),
		byGroup:    make(map[string][]point.Point),
	}
	for _, p := range points {
		s.insert(p)
	}
	return s
}

// insert indexes one point. Only called while the snapshot is still
// private to its builder.
func (s *snapshot) insert(p point.Point) {
	if seq, ok := p.Sequence.Value(); ok {
		s.bySequence[seq] = p
	}
	s.byID[p.ID] = p
	s.byName[nameKey(p.SourceGroup, p.Name)] = p
	s.byGroup[p.SourceGroup] = append(s.byGroup[p.SourceGroup], p)
}

// withPoint returns a copy of the snapshot extended by one point: the
// additive merge used when a new point is registered between refreshes.
func (s *snapshot) withPoint(p point.Point) *snapshot {
	next := &snapshot{
		bySequence: make(map[int64]point.Point, len(s.bySequence)+1),
		byID:       make(map[string]point.Point, len(s.byID)+1),
		byName:     make(map[string]point.Point, len(s.byName)+1),
		byGroup:    make(map[string][]point.Point, len(s.byGroup)),
	}
	for k, v := range s.bySequence {
		next.bySequence[k] = v
	}
	for k, v := range s.byID {
		next.byID[k] = v
	}
	for k, v := range s.byName {
		next.byName[k] = v
	}
	for k, v := range s.byGroup {
		group := make([]point.Point, len(v))
		copy(group, v)
		next.byGroup[k] = group
	}
	next.insert(p)
	return next
}

func (s *snapshot) size() int {
	return len(s.byID)
}
