package server

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/matthewcorven/synckit-sub003/internal/metrics"
	"github.com/matthewcorven/synckit-sub003/internal/protocol"
)

// ErrCapacity is returned by Register when the live-connection cap is
// reached.
var ErrCapacity = errors.New("connection capacity reached")

// docIndex is a copy-on-write reverse index from document id to
// subscriber snapshot. Reads are a lock-free atomic load, so broadcast
// never holds a lock while enqueueing.
type docIndex struct {
	mu   sync.RWMutex
	subs map[string]*atomic.Value // docID → []*Conn snapshot
}

func newDocIndex() *docIndex {
	return &docIndex{subs: make(map[string]*atomic.Value)}
}

func (idx *docIndex) add(docID string, c *Conn) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	val := idx.subs[docID]
	if val == nil {
		val = &atomic.Value{}
		idx.subs[docID] = val
	}
	var cur []*Conn
	if v := val.Load(); v != nil {
		cur = v.([]*Conn)
	}
	for _, existing := range cur {
		if existing == c {
			return
		}
	}
	next := make([]*Conn, len(cur)+1)
	copy(next, cur)
	next[len(cur)] = c
	val.Store(next)
}

func (idx *docIndex) remove(docID string, c *Conn) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.removeLocked(docID, c)
}

func (idx *docIndex) removeLocked(docID string, c *Conn) {
	val, ok := idx.subs[docID]
	if !ok {
		return
	}
	v := val.Load()
	if v == nil {
		return
	}
	cur := v.([]*Conn)
	for i, existing := range cur {
		if existing == c {
			next := make([]*Conn, len(cur)-1)
			copy(next, cur[:i])
			copy(next[i:], cur[i+1:])
			if len(next) == 0 {
				delete(idx.subs, docID)
			} else {
				val.Store(next)
			}
			return
		}
	}
}

// get returns the immutable subscriber snapshot. Safe to iterate, must
// not be modified.
func (idx *docIndex) get(docID string) []*Conn {
	idx.mu.RLock()
	val, ok := idx.subs[docID]
	idx.mu.RUnlock()
	if !ok {
		return nil
	}
	v := val.Load()
	if v == nil {
		return nil
	}
	return v.([]*Conn)
}

// Registry is the process-wide connection directory: by connection id, by
// authenticated user id, and by subscribed document id. It implements the
// Sender interfaces the coordinators and awareness hub fan out through.
type Registry struct {
	maxConns int
	logger   zerolog.Logger

	mu         sync.RWMutex
	conns      map[string]*Conn
	byUser     map[string]map[string]*Conn
	docsByConn map[string]map[string]struct{}

	docs *docIndex
}

// NewRegistry returns an empty registry with the given connection cap.
func NewRegistry(maxConns int, logger zerolog.Logger) *Registry {
	return &Registry{
		maxConns:   maxConns,
		logger:     logger,
		conns:      make(map[string]*Conn),
		byUser:     make(map[string]map[string]*Conn),
		docsByConn: make(map[string]map[string]struct{}),
		docs:       newDocIndex(),
	}
}

// Register adds a new connection, enforcing the capacity cap.
func (r *Registry) Register(c *Conn) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.conns) >= r.maxConns {
		return ErrCapacity
	}
	r.conns[c.ID()] = c
	return nil
}

// Authenticated indexes a connection under its user id once auth
// completes.
func (r *Registry) Authenticated(c *Conn, userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.byUser[userID] == nil {
		r.byUser[userID] = make(map[string]*Conn)
	}
	r.byUser[userID][c.ID()] = c
}

// Unregister removes a connection from every index and returns the
// documents it was subscribed to. Idempotent.
func (r *Registry) Unregister(connID string) []string {
	r.mu.Lock()
	c, ok := r.conns[connID]
	if !ok {
		r.mu.Unlock()
		return nil
	}
	delete(r.conns, connID)
	if sub := c.Subject(); sub != nil {
		delete(r.byUser[sub.UserID], connID)
		if len(r.byUser[sub.UserID]) == 0 {
			delete(r.byUser, sub.UserID)
		}
	}
	docIDs := make([]string, 0, len(r.docsByConn[connID]))
	for docID := range r.docsByConn[connID] {
		docIDs = append(docIDs, docID)
	}
	delete(r.docsByConn, connID)
	r.mu.Unlock()

	for _, docID := range docIDs {
		r.docs.remove(docID, c)
	}
	return docIDs
}

// Subscribe adds a connection to a document's subscriber index.
func (r *Registry) Subscribe(connID, docID string) {
	r.mu.Lock()
	c, ok := r.conns[connID]
	if ok {
		if r.docsByConn[connID] == nil {
			r.docsByConn[connID] = make(map[string]struct{})
		}
		r.docsByConn[connID][docID] = struct{}{}
	}
	r.mu.Unlock()
	if ok {
		r.docs.add(docID, c)
	}
}

// Unsubscribe removes a connection from a document's subscriber index.
func (r *Registry) Unsubscribe(connID, docID string) {
	r.mu.Lock()
	c, ok := r.conns[connID]
	if ok {
		delete(r.docsByConn[connID], docID)
	}
	r.mu.Unlock()
	if ok {
		r.docs.remove(docID, c)
	}
}

// Get returns a connection by id, nil when gone.
func (r *Registry) Get(connID string) *Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.conns[connID]
}

// Count returns the number of live connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// UserConns returns the connections of one authenticated user.
func (r *Registry) UserConns(userID string) []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Conn, 0, len(r.byUser[userID]))
	for _, c := range r.byUser[userID] {
		out = append(out, c)
	}
	return out
}

// SubscribersOf returns the immutable subscriber snapshot for a document.
func (r *Registry) SubscribersOf(docID string) []*Conn {
	return r.docs.get(docID)
}

// All returns a snapshot of every live connection (shutdown drain).
func (r *Registry) All() []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Conn, 0, len(r.conns))
	for _, c := range r.conns {
		out = append(out, c)
	}
	return out
}

// Send enqueues a frame on one connection, disconnecting slow consumers
// on overflow.
func (r *Registry) Send(connID string, msg *protocol.Message) bool {
	c := r.Get(connID)
	if c == nil {
		return false
	}
	return r.sendConn(c, msg)
}

// Broadcast enqueues a frame on every subscriber of docID except
// excludeConnID.
func (r *Registry) Broadcast(docID string, msg *protocol.Message, excludeConnID string) {
	for _, c := range r.docs.get(docID) {
		if c.ID() == excludeConnID {
			continue
		}
		r.sendConn(c, msg)
	}
}

// CloseConn closes one connection with a transport close code.
func (r *Registry) CloseConn(connID string, code protocol.CloseCode, reason string) {
	if c := r.Get(connID); c != nil {
		c.close(code, reason)
	}
}

// sendConn enqueues on one connection. Overflow means the peer is not
// reading: the connection is closed immediately rather than left silently
// stale, and a reconnect with sync_request repairs whatever was dropped.
func (r *Registry) sendConn(c *Conn, msg *protocol.Message) bool {
	if c.trySend(msg) {
		return true
	}
	if c.State() == stateDisconnected {
		return false
	}
	r.logger.Warn().
		Str("conn_id", c.ID()).
		Int("queue_depth", cap(c.send)).
		Msg("disconnecting slow consumer")
	metrics.IncrementSlowClientDisconnect()
	// No drain grace: the queue is full because the peer is not reading.
	c.closeNow(protocol.ClosePolicyViolation, "slow consumer")
	return false
}
