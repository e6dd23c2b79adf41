// Package sync owns the per-document coordinators: one goroutine per live
// document that serializes every mutation, persists winners, and fans the
// results out to local subscribers and the cross-node bus.
package sync

import (
	"context"
	"encoding/json"
	"errors"
	stdsync "sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/matthewcorven/synckit-sub003/internal/bus"
	"github.com/matthewcorven/synckit-sub003/internal/document"
	"github.com/matthewcorven/synckit-sub003/internal/metrics"
	"github.com/matthewcorven/synckit-sub003/internal/protocol"
	"github.com/matthewcorven/synckit-sub003/internal/store"
)

// Sender is how coordinators reach connections. Implemented by the server
// registry; kept as an interface so coordinator tests run without sockets.
type Sender interface {
	// Send enqueues a frame on one connection. Returns false when the
	// connection is gone or its queue overflowed.
	Send(connID string, msg *protocol.Message) bool

	// Broadcast enqueues a frame on every subscriber of docID except
	// excludeConnID (empty string excludes nobody).
	Broadcast(docID string, msg *protocol.Message, excludeConnID string)

	// CloseConn closes one connection with a transport close code.
	CloseConn(connID string, code protocol.CloseCode, reason string)
}

// ErrBusy is returned when a coordinator's input queue is full. Callers
// close the originating connection with a server-busy code.
var ErrBusy = errors.New("coordinator queue full")

// ErrStopped is returned when the coordinator has shut down. An idle
// unload can race an enqueue; callers retry against a fresh coordinator.
var ErrStopped = errors.New("coordinator stopped")

// DefaultQueueDepth bounds each coordinator's input channel.
const DefaultQueueDepth = 1024

// DefaultBatchSize caps how many fields a coalescing window accumulates
// before it flushes early.
const DefaultBatchSize = 100

const (
	persistMaxAttempts = 5
	persistBaseBackoff = 100 * time.Millisecond
	persistMaxBackoff  = 2 * time.Second

	// stopDrainGrace bounds how long Stop spends handling ops that were
	// queued before the stop landed.
	stopDrainGrace = 2 * time.Second
)

// Options tunes one coordinator. Zero values pick the defaults.
type Options struct {
	NodeID     string
	QueueDepth int
	// BatchDelay coalesces outbound delta broadcasts for up to this long.
	// Zero disables coalescing (every applied delta broadcasts
	// immediately).
	BatchDelay time.Duration
	// BatchSize flushes a coalescing window early once this many fields
	// are pending. Zero picks DefaultBatchSize.
	BatchSize int
	// UnloadGrace is how long an empty coordinator lingers before asking
	// to be unloaded.
	UnloadGrace time.Duration
}

type opSubscribe struct{ connID string }

type opUnsubscribe struct{ connID string }

type opDelta struct {
	connID      string
	clientID    string
	msgID       string
	timestamp   int64
	delta       map[string]json.RawMessage
	remoteClock document.VectorClock
}

type opSyncRequest struct {
	connID string
	msgID  string
	since  document.VectorClock
}

type opEnvelope struct{ env *bus.Envelope }

// Coordinator serializes all mutations of one document. Every public
// method enqueues onto the input channel; the single worker goroutine is
// the only code that touches state.
type Coordinator struct {
	docID  string
	opts   Options
	state  *document.State
	store  store.DocumentStore
	bus    bus.Bus
	chans  bus.Channels
	sender Sender
	logger zerolog.Logger

	input       chan any
	subscribers map[string]struct{}
	subCount    atomic.Int32
	unsubBus    func()

	// stopMu fences enqueue against Stop: once stopped is set no op can
	// land in input, so Stop's final drain sees everything.
	stopMu  stdsync.RWMutex
	stopped bool

	// pending broadcast batch, only touched by the worker
	pendingFields map[string]protocol.FieldState
	batchTimer    *time.Timer

	onIdle func(docID string)
	cancel context.CancelFunc
	done   chan struct{}
}

// NewCoordinator builds a coordinator around already-loaded state and
// starts its worker. onIdle is called (from the worker) once the
// subscriber set has been empty for the unload grace period.
func NewCoordinator(
	st *document.State,
	docStore store.DocumentStore,
	b bus.Bus,
	chans bus.Channels,
	sender Sender,
	logger zerolog.Logger,
	opts Options,
	onIdle func(docID string),
) *Coordinator {
	if opts.QueueDepth <= 0 {
		opts.QueueDepth = DefaultQueueDepth
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.UnloadGrace <= 0 {
		opts.UnloadGrace = 30 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		docID:       st.DocID,
		opts:        opts,
		state:       st,
		store:       docStore,
		bus:         b,
		chans:       chans,
		sender:      sender,
		logger:      logger.With().Str("doc_id", st.DocID).Logger(),
		input:       make(chan any, opts.QueueDepth),
		subscribers: make(map[string]struct{}),
		onIdle:      onIdle,
		cancel:      cancel,
		done:        make(chan struct{}),
	}

	unsub, err := b.Subscribe(chans.Doc(c.docID), c.handleBusEnvelope)
	if err != nil {
		c.logger.Error().Err(err).Msg("bus subscribe failed; cross-node sync disabled for document")
	} else {
		c.unsubBus = unsub
	}

	go c.run(ctx)
	return c
}

// Stop cancels the worker, detaches from the bus, and drains ops that were
// queued before the stop landed (a subscribe racing an idle unload still
// gets its snapshot). Idempotent.
func (c *Coordinator) Stop() {
	c.cancel()
	<-c.done
	c.stopMu.Lock()
	c.stopped = true
	c.stopMu.Unlock()
	c.drain()
}

func (c *Coordinator) enqueue(op any) error {
	c.stopMu.RLock()
	defer c.stopMu.RUnlock()
	if c.stopped {
		return ErrStopped
	}
	select {
	case c.input <- op:
		return nil
	default:
		metrics.IncrementCoordinatorOverflow()
		return ErrBusy
	}
}

// Subscribe adds a connection and replies with a full sync_response
// snapshot.
func (c *Coordinator) Subscribe(connID string) error {
	return c.enqueue(opSubscribe{connID: connID})
}

// Unsubscribe removes a connection; also used for connection close.
func (c *Coordinator) Unsubscribe(connID string) error {
	return c.enqueue(opUnsubscribe{connID: connID})
}

// ApplyDelta enqueues a client delta for merge.
func (c *Coordinator) ApplyDelta(connID, clientID, msgID string, timestamp int64, delta map[string]json.RawMessage, remoteClock document.VectorClock) error {
	return c.enqueue(opDelta{
		connID:      connID,
		clientID:    clientID,
		msgID:       msgID,
		timestamp:   timestamp,
		delta:       delta,
		remoteClock: remoteClock,
	})
}

// SyncRequest enqueues a catch-up request; the reply carries only records
// the sender has not seen.
func (c *Coordinator) SyncRequest(connID, msgID string, since document.VectorClock) error {
	return c.enqueue(opSyncRequest{connID: connID, msgID: msgID, since: since})
}

func (c *Coordinator) handleBusEnvelope(env *bus.Envelope) {
	if env.Origin == c.opts.NodeID {
		return
	}
	if err := c.enqueue(opEnvelope{env: env}); err != nil {
		c.logger.Warn().Err(err).Str("origin", env.Origin).Msg("dropping bus envelope")
	}
}

func (c *Coordinator) run(ctx context.Context) {
	defer close(c.done)

	idle := time.NewTimer(c.opts.UnloadGrace)
	defer idle.Stop()

	var batchC <-chan time.Time

	for {
		if c.batchTimer != nil {
			batchC = c.batchTimer.C
		} else {
			batchC = nil
		}

		select {
		case <-ctx.Done():
			if c.unsubBus != nil {
				c.unsubBus()
			}
			return

		case <-idle.C:
			if len(c.subscribers) == 0 && len(c.input) == 0 && c.onIdle != nil {
				c.onIdle(c.docID)
			}
			idle.Reset(c.opts.UnloadGrace)

		case <-batchC:
			c.flushBatch()

		case op := <-c.input:
			idle.Reset(c.opts.UnloadGrace)
			c.handleOp(ctx, op)
		}
	}
}

func (c *Coordinator) handleOp(ctx context.Context, op any) {
	switch v := op.(type) {
	case opSubscribe:
		c.handleSubscribe(v)
	case opUnsubscribe:
		c.handleUnsubscribe(v)
	case opDelta:
		c.handleDelta(ctx, v)
	case opSyncRequest:
		c.handleSyncRequest(v)
	case opEnvelope:
		c.handleRemote(ctx, v.env)
	}
}

// drain handles whatever landed in the queue before the stopped flag went
// up. Runs after the worker has exited, so touching state is safe.
func (c *Coordinator) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), stopDrainGrace)
	defer cancel()
	for {
		select {
		case op := <-c.input:
			c.handleOp(ctx, op)
		default:
			c.flushBatch()
			return
		}
	}
}

func (c *Coordinator) handleSubscribe(op opSubscribe) {
	c.subscribers[op.connID] = struct{}{}
	c.subCount.Store(int32(len(c.subscribers)))
	c.sender.Send(op.connID, c.syncResponse("", c.state.Fields))
	metrics.SetDocumentSubscribers(c.docID, len(c.subscribers))
}

func (c *Coordinator) handleUnsubscribe(op opUnsubscribe) {
	delete(c.subscribers, op.connID)
	c.subCount.Store(int32(len(c.subscribers)))
	metrics.SetDocumentSubscribers(c.docID, len(c.subscribers))
}

// SubscriberCount is a point-in-time read used by tests and the manager.
func (c *Coordinator) SubscriberCount() int {
	return int(c.subCount.Load())
}

func (c *Coordinator) handleDelta(ctx context.Context, op opDelta) {
	winners := make(map[string]document.FieldRecord, len(op.delta))
	changed := make(map[string]document.FieldRecord)

	counter := op.remoteClock.Get(op.clientID)
	for path, value := range op.delta {
		candidate := document.FieldRecord{
			Value:     value,
			Timestamp: op.timestamp,
			Clock:     counter,
			Writer:    op.clientID,
		}
		if c.state.Apply(path, candidate) {
			changed[path] = candidate
		}
		winners[path] = c.state.Fields[path]
	}

	c.state.ObserveDelta(op.remoteClock, c.opts.NodeID)

	if len(changed) > 0 {
		if err := c.persist(ctx, changed); err != nil {
			c.logger.Error().Err(err).Int("fields", len(changed)).Msg("persist failed after retries")
			c.sender.CloseConn(op.connID, protocol.CloseServerError, "storage failure")
			return
		}
	}
	metrics.IncrementDeltasApplied()

	c.queueBroadcast(winners, op.connID)
	c.publishEnvelope(ctx, op.clientID, changed)

	ack := &protocol.Message{Type: protocol.KindAck, Timestamp: now()}
	ack.ID = op.msgID
	ack.DocID = c.docID
	ack.VectorClock = c.state.Clock.Clone()
	c.sender.Send(op.connID, ack)
}

func (c *Coordinator) handleSyncRequest(op opSyncRequest) {
	metrics.IncrementSyncRequests()
	c.sender.Send(op.connID, c.syncResponse(op.msgID, c.state.DiffSince(op.since)))
}

func (c *Coordinator) handleRemote(ctx context.Context, env *bus.Envelope) {
	changed := make(map[string]document.FieldRecord)
	winners := make(map[string]document.FieldRecord, len(env.Fields))
	for path, rec := range env.Fields {
		if c.state.Apply(path, rec) {
			changed[path] = rec
		}
		winners[path] = c.state.Fields[path]
	}
	c.state.Clock.Merge(env.VectorClock)

	if len(changed) == 0 {
		return
	}
	if err := c.persist(ctx, changed); err != nil {
		// Local state stays authoritative; the shared store already has
		// these records from the origin node in the common case.
		c.logger.Warn().Err(err).Msg("persist of remote delta failed")
	}
	metrics.IncrementBusEnvelopesApplied()
	c.queueBroadcast(winners, "")
}

func (c *Coordinator) persist(ctx context.Context, fields map[string]document.FieldRecord) error {
	backoff := persistBaseBackoff
	var err error
	for attempt := 1; attempt <= persistMaxAttempts; attempt++ {
		err = c.store.ApplyDelta(ctx, c.docID, fields, c.state.Clock)
		if err == nil {
			return nil
		}
		if attempt == persistMaxAttempts {
			break
		}
		c.logger.Warn().Err(err).Int("attempt", attempt).Msg("store write failed, retrying")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > persistMaxBackoff {
			backoff = persistMaxBackoff
		}
	}
	return err
}

// queueBroadcast stages winning records for broadcast. With no batch delay
// the flush is immediate; otherwise updates within the window coalesce
// into one frame, later records overwriting earlier ones per field, and
// the window flushes early once it holds BatchSize fields.
func (c *Coordinator) queueBroadcast(winners map[string]document.FieldRecord, excludeConnID string) {
	if len(winners) == 0 {
		return
	}
	if c.opts.BatchDelay <= 0 {
		c.broadcastFields(toFieldStates(winners), excludeConnID)
		return
	}

	// Coalesced frames go to every subscriber: with multiple writers in
	// one window there is no single originator to exclude.
	if c.pendingFields == nil {
		c.pendingFields = make(map[string]protocol.FieldState)
		c.batchTimer = time.NewTimer(c.opts.BatchDelay)
	}
	for path, rec := range winners {
		c.pendingFields[path] = fieldState(rec)
	}
	if len(c.pendingFields) >= c.opts.BatchSize {
		c.flushBatch()
	}
}

func (c *Coordinator) flushBatch() {
	if c.batchTimer != nil {
		c.batchTimer.Stop()
	}
	if len(c.pendingFields) > 0 {
		c.broadcastFields(c.pendingFields, "")
	}
	c.pendingFields = nil
	c.batchTimer = nil
}

func (c *Coordinator) broadcastFields(fields map[string]protocol.FieldState, excludeConnID string) {
	msg := &protocol.Message{Type: protocol.KindDelta, Timestamp: now()}
	msg.DocID = c.docID
	msg.Fields = fields
	msg.VectorClock = c.state.Clock.Clone()
	c.sender.Broadcast(c.docID, msg, excludeConnID)
	metrics.IncrementBroadcasts()
}

func (c *Coordinator) publishEnvelope(ctx context.Context, clientID string, changed map[string]document.FieldRecord) {
	if len(changed) == 0 {
		return
	}
	env := &bus.Envelope{
		Origin:      c.opts.NodeID,
		DocID:       c.docID,
		Kind:        string(protocol.KindDelta),
		ClientID:    clientID,
		Fields:      changed,
		VectorClock: c.state.Clock.Clone(),
		Timestamp:   now(),
	}
	if err := c.bus.Publish(ctx, c.chans.Doc(c.docID), env); err != nil {
		// Non-fatal: local fan-out already happened and peers repair via
		// sync_request.
		metrics.IncrementBusPublishErrors()
		c.logger.Warn().Err(err).Msg("bus publish failed")
	}
}

func (c *Coordinator) syncResponse(msgID string, fields map[string]document.FieldRecord) *protocol.Message {
	msg := &protocol.Message{Type: protocol.KindSyncResponse, Timestamp: now()}
	msg.ID = msgID
	msg.DocID = c.docID
	msg.Fields = toFieldStates(fields)
	msg.VectorClock = c.state.Clock.Clone()
	return msg
}

func fieldState(rec document.FieldRecord) protocol.FieldState {
	return protocol.FieldState{
		Value:     rec.Value,
		Timestamp: rec.Timestamp,
		Clock:     rec.Clock,
		ClientID:  rec.Writer,
	}
}

func toFieldStates(fields map[string]document.FieldRecord) map[string]protocol.FieldState {
	out := make(map[string]protocol.FieldState, len(fields))
	for path, rec := range fields {
		out[path] = fieldState(rec)
	}
	return out
}

func now() int64 { return time.Now().UnixMilli() }
