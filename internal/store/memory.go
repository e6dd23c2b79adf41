package store

import (
	"context"
	"sync"

	"github.com/matthewcorven/synckit-sub003/internal/document"
)

// MemoryStore is a process-local DocumentStore. The default for tests and
// single-node development runs; production deployments use RedisStore.
type MemoryStore struct {
	mu   sync.RWMutex
	docs map[string]*document.State
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{docs: make(map[string]*document.State)}
}

func (m *MemoryStore) Load(_ context.Context, docID string) (*document.State, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	st, ok := m.docs[docID]
	if !ok {
		return nil, ErrNotFound
	}
	out := document.NewState(docID)
	fields, clock := st.Snapshot()
	out.Fields = fields
	out.Clock = clock
	return out, nil
}

func (m *MemoryStore) ApplyDelta(_ context.Context, docID string, fields map[string]document.FieldRecord, vc document.VectorClock) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.docs[docID]
	if !ok {
		st = document.NewState(docID)
		m.docs[docID] = st
	}
	for path, rec := range fields {
		st.Fields[path] = rec
	}
	st.Clock.Merge(vc)
	return nil
}

func (m *MemoryStore) ListDocuments(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]string, 0, len(m.docs))
	for id := range m.docs {
		out = append(out, id)
	}
	return out, nil
}
