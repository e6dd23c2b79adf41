// Package awareness tracks ephemeral per-client presence state (cursors,
// selections, user info) for each document. Nothing here is persisted:
// entries live only as long as their client keeps refreshing them.
package awareness

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/matthewcorven/synckit-sub003/internal/protocol"
)

// DefaultTimeout is how long an entry survives without a refresh.
const DefaultTimeout = 30 * time.Second

// DefaultSweepInterval is how often expired entries are collected.
const DefaultSweepInterval = 5 * time.Second

type entry struct {
	state     json.RawMessage
	clock     int64
	updatedAt time.Time
}

// Expired describes an entry removed by the sweeper or a disconnect. The
// Clock is already incremented past the entry's last value so the leave
// broadcast wins against stale updates still in flight.
type Expired struct {
	DocID    string
	ClientID string
	Clock    int64
}

// Tracker holds awareness entries for every document on this node.
type Tracker struct {
	mu      sync.RWMutex
	docs    map[string]map[string]entry
	timeout time.Duration
	logger  zerolog.Logger

	now func() time.Time
}

// NewTracker returns a tracker with the given entry timeout. A zero
// timeout uses DefaultTimeout.
func NewTracker(timeout time.Duration, logger zerolog.Logger) *Tracker {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Tracker{
		docs:    make(map[string]map[string]entry),
		timeout: timeout,
		logger:  logger,
		now:     time.Now,
	}
}

// Apply merges a remote awareness update. An update replaces the stored
// entry only when its clock is strictly greater; equal or older clocks are
// stale echoes and are dropped. A null state is a leave and removes the
// entry. The returned bool reports whether anything changed (and therefore
// whether the update should be rebroadcast).
func (t *Tracker) Apply(docID, clientID string, state json.RawMessage, clock int64) bool {
	isLeave := len(state) == 0 || string(state) == "null"

	t.mu.Lock()
	defer t.mu.Unlock()

	clients := t.docs[docID]
	cur, exists := clients[clientID]
	if exists && clock <= cur.clock {
		return false
	}

	if isLeave {
		if !exists {
			return false
		}
		delete(clients, clientID)
		if len(clients) == 0 {
			delete(t.docs, docID)
		}
		return true
	}

	if clients == nil {
		clients = make(map[string]entry)
		t.docs[docID] = clients
	}
	clients[clientID] = entry{state: state, clock: clock, updatedAt: t.now()}
	return true
}

// Clock returns the stored clock for a client on a document, or 0. Clients
// that reconnect use it as a floor so their next update is not dropped as
// stale.
func (t *Tracker) Clock(docID, clientID string) int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.docs[docID][clientID].clock
}

// Entries returns a snapshot of every live entry for a document, ordered
// by client id for stable output.
func (t *Tracker) Entries(docID string) []protocol.AwarenessEntry {
	t.mu.RLock()
	defer t.mu.RUnlock()

	clients := t.docs[docID]
	if len(clients) == 0 {
		return nil
	}
	out := make([]protocol.AwarenessEntry, 0, len(clients))
	for id, e := range clients {
		out = append(out, protocol.AwarenessEntry{
			ClientID: id,
			State:    e.state,
			Clock:    e.clock,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ClientID < out[j].ClientID })
	return out
}

// Leave removes a client's entry from one document and returns the leave
// record to broadcast. ok is false when the client had no entry.
func (t *Tracker) Leave(docID, clientID string) (Expired, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.removeLocked(docID, clientID)
}

// Disconnect removes a client's entries from every document and returns
// the leave records to broadcast. Called when a connection drops without
// sending explicit leaves.
func (t *Tracker) Disconnect(clientID string) []Expired {
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []Expired
	for docID := range t.docs {
		if exp, ok := t.removeLocked(docID, clientID); ok {
			out = append(out, exp)
		}
	}
	return out
}

func (t *Tracker) removeLocked(docID, clientID string) (Expired, bool) {
	clients := t.docs[docID]
	cur, ok := clients[clientID]
	if !ok {
		return Expired{}, false
	}
	delete(clients, clientID)
	if len(clients) == 0 {
		delete(t.docs, docID)
	}
	return Expired{DocID: docID, ClientID: clientID, Clock: cur.clock + 1}, true
}

// SweepExpired removes every entry older than the timeout and returns the
// leave records for them.
func (t *Tracker) SweepExpired() []Expired {
	cutoff := t.now().Add(-t.timeout)

	t.mu.Lock()
	defer t.mu.Unlock()

	var out []Expired
	for docID, clients := range t.docs {
		for clientID, e := range clients {
			if e.updatedAt.Before(cutoff) {
				delete(clients, clientID)
				out = append(out, Expired{DocID: docID, ClientID: clientID, Clock: e.clock + 1})
			}
		}
		if len(clients) == 0 {
			delete(t.docs, docID)
		}
	}
	return out
}

// RunSweeper sweeps on the given interval until ctx is cancelled, passing
// expired entries to onExpire for broadcast.
func (t *Tracker) RunSweeper(ctx context.Context, interval time.Duration, onExpire func([]Expired)) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			expired := t.SweepExpired()
			if len(expired) > 0 {
				t.logger.Debug().Int("count", len(expired)).Msg("expired awareness entries")
				onExpire(expired)
			}
		}
	}
}
