package point

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// SequenceID is the dense integer identity assigned once per point by the
// point directory. A freshly created point has no sequence id until its
// first write; SequenceID models that explicitly instead of reserving a
// sentinel value, so a legitimately-zero id stays unambiguous.
type SequenceID struct {
	id       int64
	resolved bool
}

// ResolvedSequence returns a resolved sequence id.
func ResolvedSequence(id int64) SequenceID {
	return SequenceID{id: id, resolved: true}
}

// UnresolvedSequence returns the unresolved sentinel.
func UnresolvedSequence() SequenceID {
	return SequenceID{}
}

// Resolved reports whether a sequence id has been assigned.
func (s SequenceID) Resolved() bool {
	return s.resolved
}

// Value returns the sequence id and whether it is resolved.
func (s SequenceID) Value() (int64, bool) {
	return s.id, s.resolved
}

// String returns the decimal form, or "unresolved".
func (s SequenceID) String() string {
	if !s.resolved {
		return "unresolved"
	}
	return strconv.FormatInt(s.id, 10)
}

// MarshalJSON encodes a resolved id as a JSON number and an unresolved id
// as null.
func (s SequenceID) MarshalJSON() ([]byte, error) {
	if !s.resolved {
		return []byte("null"), nil
	}
	return json.Marshal(s.id)
}

// UnmarshalJSON accepts a JSON number or null. Zero is a valid resolved
// id; only null (or an absent field) means unresolved.
func (s *SequenceID) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*s = SequenceID{}
		return nil
	}
	var id int64
	if err := json.Unmarshal(data, &id); err != nil {
		return fmt.Errorf("sequence id: %w", err)
	}
	if id < 0 {
		return fmt.Errorf("sequence id: negative value %d", id)
	}
	*s = SequenceID{id: id, resolved: true}
	return nil
}
