package awareness

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/matthewcorven/synckit-sub003/internal/bus"
	"github.com/matthewcorven/synckit-sub003/internal/metrics"
	"github.com/matthewcorven/synckit-sub003/internal/protocol"
)

// Sender delivers awareness frames to connections. Implemented by the
// server registry.
type Sender interface {
	Send(connID string, msg *protocol.Message) bool
}

// Hub owns the awareness subscriber index and connects the tracker to
// local fan-out and the cross-node bus.
type Hub struct {
	tracker *Tracker
	sender  Sender
	bus     bus.Bus
	chans   bus.Channels
	nodeID  string
	logger  zerolog.Logger

	mu sync.Mutex
	// docID → connID → clientID
	subs map[string]map[string]string
	// connID → set of docIDs, for connection close
	conns    map[string]map[string]struct{}
	busUnsub map[string]func()
}

// NewHub wires a tracker to a sender and bus.
func NewHub(tracker *Tracker, sender Sender, b bus.Bus, chans bus.Channels, nodeID string, logger zerolog.Logger) *Hub {
	return &Hub{
		tracker:  tracker,
		sender:   sender,
		bus:      b,
		chans:    chans,
		nodeID:   nodeID,
		logger:   logger,
		subs:     make(map[string]map[string]string),
		conns:    make(map[string]map[string]struct{}),
		busUnsub: make(map[string]func()),
	}
}

// Subscribe registers a connection for awareness on a document and replies
// with a snapshot of every live entry.
func (h *Hub) Subscribe(connID, clientID, docID string) {
	h.mu.Lock()
	if h.subs[docID] == nil {
		h.subs[docID] = make(map[string]string)
		unsub, err := h.bus.Subscribe(h.chans.Awareness(docID), h.handleEnvelope)
		if err != nil {
			h.logger.Error().Err(err).Str("doc_id", docID).Msg("awareness bus subscribe failed")
		} else {
			h.busUnsub[docID] = unsub
		}
	}
	h.subs[docID][connID] = clientID
	if h.conns[connID] == nil {
		h.conns[connID] = make(map[string]struct{})
	}
	h.conns[connID][docID] = struct{}{}
	h.mu.Unlock()

	msg := &protocol.Message{Type: protocol.KindAwarenessState, Timestamp: nowMillis()}
	msg.DocID = docID
	msg.Entries = h.tracker.Entries(docID)
	h.sender.Send(connID, msg)
}

// Update merges one client's awareness state and fans the result out. The
// originating connection does not get its own update echoed back.
func (h *Hub) Update(ctx context.Context, connID, clientID, docID string, state json.RawMessage, clock int64) {
	if !h.tracker.Apply(docID, clientID, state, clock) {
		return
	}
	metrics.IncrementAwarenessUpdates()

	h.broadcast(docID, clientID, state, clock, connID)

	env := &bus.Envelope{
		Origin:    h.nodeID,
		DocID:     docID,
		Kind:      string(protocol.KindAwarenessUpdate),
		ClientID:  clientID,
		State:     state,
		Clock:     clock,
		Timestamp: nowMillis(),
	}
	if err := h.bus.Publish(ctx, h.chans.Awareness(docID), env); err != nil {
		metrics.IncrementBusPublishErrors()
		h.logger.Warn().Err(err).Str("doc_id", docID).Msg("awareness bus publish failed")
	}
}

// ConnectionClosed emits leaves for the connection's client on every
// document it was awareness-subscribed to, then drops the subscription.
func (h *Hub) ConnectionClosed(ctx context.Context, connID string) {
	h.mu.Lock()
	docs := h.conns[connID]
	delete(h.conns, connID)
	var clientID string
	for docID := range docs {
		if id, ok := h.subs[docID][connID]; ok {
			clientID = id
		}
		delete(h.subs[docID], connID)
		if len(h.subs[docID]) == 0 {
			delete(h.subs, docID)
			if unsub := h.busUnsub[docID]; unsub != nil {
				unsub()
			}
			delete(h.busUnsub, docID)
		}
	}
	h.mu.Unlock()

	if clientID == "" {
		return
	}
	for _, exp := range h.tracker.Disconnect(clientID) {
		h.emitLeave(ctx, exp, true)
	}
}

// RunSweeper expires stale entries until ctx is cancelled, broadcasting a
// leave for each. Expiry is local: every node runs its own sweep, so
// leaves are not republished to the bus.
func (h *Hub) RunSweeper(ctx context.Context, interval time.Duration) {
	h.tracker.RunSweeper(ctx, interval, func(expired []Expired) {
		for _, exp := range expired {
			h.emitLeave(ctx, exp, false)
		}
	})
}

func (h *Hub) emitLeave(ctx context.Context, exp Expired, publish bool) {
	h.broadcast(exp.DocID, exp.ClientID, json.RawMessage(`null`), exp.Clock, "")
	if !publish {
		return
	}
	env := &bus.Envelope{
		Origin:    h.nodeID,
		DocID:     exp.DocID,
		Kind:      string(protocol.KindAwarenessUpdate),
		ClientID:  exp.ClientID,
		State:     json.RawMessage(`null`),
		Clock:     exp.Clock,
		Timestamp: nowMillis(),
	}
	if err := h.bus.Publish(ctx, h.chans.Awareness(exp.DocID), env); err != nil {
		metrics.IncrementBusPublishErrors()
		h.logger.Warn().Err(err).Str("doc_id", exp.DocID).Msg("awareness leave publish failed")
	}
}

func (h *Hub) handleEnvelope(env *bus.Envelope) {
	if env.Origin == h.nodeID {
		return
	}
	if !h.tracker.Apply(env.DocID, env.ClientID, env.State, env.Clock) {
		return
	}
	h.broadcast(env.DocID, env.ClientID, env.State, env.Clock, "")
}

func (h *Hub) broadcast(docID, clientID string, state json.RawMessage, clock int64, excludeConnID string) {
	msg := &protocol.Message{Type: protocol.KindAwarenessUpdate, Timestamp: nowMillis()}
	msg.DocID = docID
	msg.ClientID = clientID
	msg.State = state
	msg.SetAwarenessClock(clock)

	h.mu.Lock()
	targets := make([]string, 0, len(h.subs[docID]))
	for connID := range h.subs[docID] {
		if connID != excludeConnID {
			targets = append(targets, connID)
		}
	}
	h.mu.Unlock()

	for _, connID := range targets {
		h.sender.Send(connID, msg)
	}
}

// ClientClock exposes the stored clock for reconnect floors.
func (h *Hub) ClientClock(docID, clientID string) int64 {
	return h.tracker.Clock(docID, clientID)
}

func nowMillis() int64 { return time.Now().UnixMilli() }
