package sync

import (
	"context"
	"errors"
	"fmt"
	stdsync "sync"

	"github.com/rs/zerolog"

	"github.com/matthewcorven/synckit-sub003/internal/bus"
	"github.com/matthewcorven/synckit-sub003/internal/document"
	"github.com/matthewcorven/synckit-sub003/internal/store"
)

// Manager owns the coordinator-per-document map: it loads state on first
// subscription and unloads coordinators that have been idle past their
// grace period.
type Manager struct {
	store  store.DocumentStore
	bus    bus.Bus
	chans  bus.Channels
	sender Sender
	logger zerolog.Logger
	opts   Options

	mu    stdsync.Mutex
	coord map[string]*Coordinator
}

// NewManager builds an empty manager. The Sender is usually the server's
// connection registry.
func NewManager(docStore store.DocumentStore, b bus.Bus, chans bus.Channels, sender Sender, logger zerolog.Logger, opts Options) *Manager {
	return &Manager{
		store:  docStore,
		bus:    b,
		chans:  chans,
		sender: sender,
		logger: logger,
		opts:   opts,
		coord:  make(map[string]*Coordinator),
	}
}

// Get returns the coordinator for docID, loading persisted state and
// starting a worker on first use.
func (m *Manager) Get(ctx context.Context, docID string) (*Coordinator, error) {
	m.mu.Lock()
	if c, ok := m.coord[docID]; ok {
		m.mu.Unlock()
		return c, nil
	}
	m.mu.Unlock()

	// Load outside the lock; a concurrent Get for the same doc may load
	// twice but only one coordinator wins the map slot.
	st, err := m.store.Load(ctx, docID)
	if errors.Is(err, store.ErrNotFound) {
		st = document.NewState(docID)
	} else if err != nil {
		return nil, fmt.Errorf("load document %s: %w", docID, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.coord[docID]; ok {
		return c, nil
	}
	c := NewCoordinator(st, m.store, m.bus, m.chans, m.sender, m.logger, m.opts, m.unload)
	m.coord[docID] = c
	return c, nil
}

// Lookup returns an already-running coordinator or nil. Used on paths that
// must not load documents (unsubscribe, connection close).
func (m *Manager) Lookup(docID string) *Coordinator {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.coord[docID]
}

// ConnectionClosed detaches a connection from every coordinator it was
// subscribed to. docIDs comes from the registry's per-connection view.
func (m *Manager) ConnectionClosed(connID string, docIDs []string) {
	for _, docID := range docIDs {
		if c := m.Lookup(docID); c != nil {
			// Queue-full here only delays the unsubscribe; the idle
			// sweep catches up.
			_ = c.Unsubscribe(connID)
		}
	}
}

// unload is the coordinator idle callback. Runs on the coordinator's own
// worker goroutine, so Stop is deferred to a fresh goroutine.
func (m *Manager) unload(docID string) {
	m.mu.Lock()
	c, ok := m.coord[docID]
	if !ok || c.SubscriberCount() > 0 {
		m.mu.Unlock()
		return
	}
	delete(m.coord, docID)
	m.mu.Unlock()

	m.logger.Debug().Str("doc_id", docID).Msg("unloading idle document")
	go c.Stop()
}

// DocumentCount reports the number of live coordinators.
func (m *Manager) DocumentCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.coord)
}

// Shutdown stops every coordinator.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	coords := make([]*Coordinator, 0, len(m.coord))
	for _, c := range m.coord {
		coords = append(coords, c)
	}
	m.coord = make(map[string]*Coordinator)
	m.mu.Unlock()

	for _, c := range coords {
		c.Stop()
	}
}
