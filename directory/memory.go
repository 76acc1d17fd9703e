package directory

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/c360/pointstream/errors"
	"github.com/c360/pointstream/point"
)

// Memory is an in-process Directory used by unit tests and local
// development. It mirrors the production upsert semantics: creating an
// existing name returns the existing point.
type Memory struct {
	mu      sync.Mutex
	byName  map[string]point.Point // key: sourceGroup + "\x00" + name
	nextSeq int64

	// CreateCalls counts CreatePoint invocations, for tests asserting
	// exactly-once registration.
	CreateCalls int

	// FailList forces ListAll to fail, for tests exercising refresh
	// failure behavior.
	FailList bool
}

// NewMemory creates an empty in-memory directory. Sequence ids start at
// 100, matching the production seed.
func NewMemory() *Memory {
	return &Memory{
		byName:  make(map[string]point.Point),
		nextSeq: 100,
	}
}

func nameKey(sourceGroup, name string) string {
	return sourceGroup + "\x00" + name
}

// FindByName returns the point with the given name within a source group
func (m *Memory) FindByName(_ context.Context, sourceGroup, name string) (point.Point, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.byName[nameKey(sourceGroup, name)]
	if !ok {
		return point.Point{}, errors.ErrPointNotFound
	}
	return p, nil
}

// FindBySequence returns the point with the given sequence id
func (m *Memory) FindBySequence(_ context.Context, id int64) (point.Point, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, p := range m.byName {
		if got, ok := p.Sequence.Value(); ok && got == id {
			return p, nil
		}
	}
	return point.Point{}, errors.ErrPointNotFound
}

// CreatePoint creates a point or returns the existing one
func (m *Memory) CreatePoint(_ context.Context, sourceGroup, name, valueType, unit string) (point.Point, error) {
	if name == "" {
		return point.Point{}, errors.WrapInvalid(errors.ErrUnresolvedName, "Memory", "CreatePoint", "validate name")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.CreateCalls++

	key := nameKey(sourceGroup, name)
	if p, ok := m.byName[key]; ok {
		if !p.Sequence.Resolved() {
			p.Sequence = point.ResolvedSequence(m.nextSeq)
			m.nextSeq++
			m.byName[key] = p
		}
		return p, nil
	}

	p := point.Point{
		ID:          uuid.NewString(),
		Sequence:    point.ResolvedSequence(m.nextSeq),
		Name:        name,
		SourceGroup: sourceGroup,
		ValueType:   valueType,
		Unit:        unit,
	}
	m.nextSeq++
	m.byName[key] = p
	return p, nil
}

// ListAll returns the full point set
func (m *Memory) ListAll(_ context.Context) ([]point.Point, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.FailList {
		return nil, errors.WrapTransient(errors.ErrStorageUnavailable, "Memory", "ListAll", "list points")
	}

	points := make([]point.Point, 0, len(m.byName))
	for _, p := range m.byName {
		points = append(points, p)
	}
	return points, nil
}

// Seed inserts a point directly, bypassing sequence allocation. Intended
// for test setup.
func (m *Memory) Seed(p point.Point) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byName[nameKey(p.SourceGroup, p.Name)] = p
	if seq, ok := p.Sequence.Value(); ok && seq >= m.nextSeq {
		m.nextSeq = seq + 1
	}
}
