// Package document holds the in-memory authoritative state of one document:
// a field map with per-field last-writer-wins records and a per-document
// vector clock. It is pure data plus merge rules; all I/O and concurrency
// control live in the sync coordinator that owns a State.
package document

import (
	"encoding/json"
)

// FieldRecord is the stored LWW winner for one field path.
type FieldRecord struct {
	Value     json.RawMessage `json:"value"`
	Timestamp int64           `json:"timestamp"`
	Clock     int64           `json:"clock"`
	Writer    string          `json:"clientId"`
}

// Supersedes reports whether candidate c beats the existing record under the
// total LWW order: timestamp, then writer counter, then lexicographic writer
// id. A full tie (same writer, same clock, same timestamp) is "no change",
// which is what makes re-delivery from the bus idempotent.
func (c FieldRecord) Supersedes(existing FieldRecord) bool {
	if c.Timestamp != existing.Timestamp {
		return c.Timestamp > existing.Timestamp
	}
	if c.Clock != existing.Clock {
		return c.Clock > existing.Clock
	}
	return c.Writer > existing.Writer
}

// VectorClock maps writer (client) ids to the highest counter observed from
// each. Entries only ever grow.
type VectorClock map[string]int64

// Get returns the counter for writer w, 0 when never seen.
func (vc VectorClock) Get(w string) int64 { return vc[w] }

// Observe raises the entry for w to at least counter.
func (vc VectorClock) Observe(w string, counter int64) {
	if counter > vc[w] {
		vc[w] = counter
	}
}

// Merge folds every entry of other into vc, component-wise max.
func (vc VectorClock) Merge(other VectorClock) {
	for w, c := range other {
		vc.Observe(w, c)
	}
}

// Clone returns an independent copy.
func (vc VectorClock) Clone() VectorClock {
	out := make(VectorClock, len(vc))
	for w, c := range vc {
		out[w] = c
	}
	return out
}

// State is the authoritative value of one document.
type State struct {
	DocID  string
	Fields map[string]FieldRecord
	Clock  VectorClock
}

// NewState returns an empty document state.
func NewState(docID string) *State {
	return &State{
		DocID:  docID,
		Fields: make(map[string]FieldRecord),
		Clock:  make(VectorClock),
	}
}

// Apply merges one candidate record into the field map and reports whether
// the stored record changed. The vector clock is not touched here; callers
// fold the sender's clock in once per batch via ObserveDelta.
func (s *State) Apply(field string, candidate FieldRecord) bool {
	existing, ok := s.Fields[field]
	if ok && !candidate.Supersedes(existing) {
		return false
	}
	s.Fields[field] = candidate
	return true
}

// ObserveDelta folds the sender's vector clock into the document clock and
// bumps the authoritative node's own entry once, giving sync responses a
// monotone anchor even when every field lost its LWW race.
func (s *State) ObserveDelta(remote VectorClock, nodeID string) {
	s.Clock.Merge(remote)
	s.Clock[nodeID]++
}

// DiffSince returns the field records the caller has not seen: every record
// whose writer counter is strictly greater than the caller's clock entry for
// that writer. An empty clock means everything.
func (s *State) DiffSince(since VectorClock) map[string]FieldRecord {
	out := make(map[string]FieldRecord)
	for path, rec := range s.Fields {
		if rec.Clock > since.Get(rec.Writer) {
			out[path] = rec
		}
	}
	return out
}

// Snapshot returns deep copies of the field map and clock, safe to hand to
// another goroutine.
func (s *State) Snapshot() (map[string]FieldRecord, VectorClock) {
	fields := make(map[string]FieldRecord, len(s.Fields))
	for path, rec := range s.Fields {
		fields[path] = rec
	}
	return fields, s.Clock.Clone()
}
