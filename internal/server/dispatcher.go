package server

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/matthewcorven/synckit-sub003/internal/auth"
	"github.com/matthewcorven/synckit-sub003/internal/awareness"
	"github.com/matthewcorven/synckit-sub003/internal/metrics"
	"github.com/matthewcorven/synckit-sub003/internal/protocol"
	docsync "github.com/matthewcorven/synckit-sub003/internal/sync"
)

// Dispatcher routes parsed frames to their handlers. It never blocks the
// read pump: document work is handed to the owning coordinator's queue.
type Dispatcher struct {
	guard    *auth.Guard
	manager  *docsync.Manager
	hub      *awareness.Hub
	registry *Registry
	logger   zerolog.Logger
}

// NewDispatcher wires the routing table's targets together.
func NewDispatcher(guard *auth.Guard, manager *docsync.Manager, hub *awareness.Hub, registry *Registry, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		guard:    guard,
		manager:  manager,
		hub:      hub,
		registry: registry,
		logger:   logger,
	}
}

// Dispatch handles one inbound frame for a connection.
func (d *Dispatcher) Dispatch(ctx context.Context, c *Conn, msg *protocol.Message) {
	metrics.IncrementReceived(string(msg.Type))

	if c.State() == stateAuthenticating {
		if msg.Type == protocol.KindAuth {
			d.handleAuth(ctx, c, msg)
			return
		}
		if d.guard.Required() {
			d.sendError(c, msg.ID, protocol.ErrCodeUnauthenticated, "authenticate first")
			return
		}
		// Auth is optional: the first frame of any kind promotes the
		// connection with the implicit subject.
		d.promote(c, d.guard.Anonymous(c.ID()))
	}

	if c.State() != stateAuthenticated {
		d.sendError(c, msg.ID, protocol.ErrCodeUnauthenticated, "not authenticated")
		return
	}

	sub := c.Subject()
	switch msg.Type {
	case protocol.KindAuth:
		// Re-auth on a live connection is a no-op; the original subject
		// stands.
		d.sendError(c, msg.ID, protocol.ErrCodeBadRequest, "already authenticated")

	case protocol.KindPing:
		pong := &protocol.Message{Type: protocol.KindPong, Timestamp: nowMillis()}
		pong.ID = msg.ID
		c.trySend(pong)

	case protocol.KindPong:
		// Heartbeat bookkeeping happened in the read pump.

	case protocol.KindSubscribe:
		if msg.DocID == "" {
			d.sendError(c, msg.ID, protocol.ErrCodeBadRequest, "subscribe requires docId")
			return
		}
		if !d.guard.CanRead(sub, msg.DocID) {
			d.sendError(c, msg.ID, protocol.ErrCodePermissionDenied, "no read access to document")
			return
		}
		d.registry.Subscribe(c.ID(), msg.DocID)
		err := d.withCoordinator(ctx, msg.DocID, func(coord *docsync.Coordinator) error {
			return coord.Subscribe(c.ID())
		})
		d.coordinatorResult(c, msg, err)

	case protocol.KindUnsubscribe:
		d.registry.Unsubscribe(c.ID(), msg.DocID)
		if coord := d.manager.Lookup(msg.DocID); coord != nil {
			_ = coord.Unsubscribe(c.ID())
		}

	case protocol.KindSyncRequest:
		if msg.DocID == "" {
			d.sendError(c, msg.ID, protocol.ErrCodeBadRequest, "sync_request requires docId")
			return
		}
		if !d.guard.CanRead(sub, msg.DocID) {
			d.sendError(c, msg.ID, protocol.ErrCodePermissionDenied, "no read access to document")
			return
		}
		err := d.withCoordinator(ctx, msg.DocID, func(coord *docsync.Coordinator) error {
			return coord.SyncRequest(c.ID(), msg.ID, msg.VectorClock)
		})
		d.coordinatorResult(c, msg, err)

	case protocol.KindDelta:
		if msg.DocID == "" {
			d.sendError(c, msg.ID, protocol.ErrCodeBadRequest, "delta requires docId")
			return
		}
		if !d.guard.CanWrite(sub, msg.DocID) {
			d.sendError(c, msg.ID, protocol.ErrCodePermissionDenied, "no write access to document")
			return
		}
		if len(msg.Delta) == 0 {
			d.sendError(c, msg.ID, protocol.ErrCodeBadRequest, "delta carries no fields")
			return
		}
		err := d.withCoordinator(ctx, msg.DocID, func(coord *docsync.Coordinator) error {
			return coord.ApplyDelta(c.ID(), sub.ClientID, msg.ID, msg.Timestamp, msg.Delta, msg.VectorClock)
		})
		d.coordinatorResult(c, msg, err)

	case protocol.KindAwarenessSubscribe:
		if msg.DocID == "" {
			d.sendError(c, msg.ID, protocol.ErrCodeBadRequest, "awareness_subscribe requires docId")
			return
		}
		if !d.guard.CanRead(sub, msg.DocID) {
			d.sendError(c, msg.ID, protocol.ErrCodePermissionDenied, "no read access to document")
			return
		}
		d.hub.Subscribe(c.ID(), sub.ClientID, msg.DocID)

	case protocol.KindAwarenessUpdate:
		if msg.DocID == "" {
			d.sendError(c, msg.ID, protocol.ErrCodeBadRequest, "awareness_update requires docId")
			return
		}
		d.hub.Update(ctx, c.ID(), sub.ClientID, msg.DocID, msg.State, msg.AwarenessClock())

	default:
		d.sendError(c, msg.ID, protocol.ErrCodeBadRequest, "unexpected message type")
	}
}

func (d *Dispatcher) handleAuth(ctx context.Context, c *Conn, msg *protocol.Message) {
	sub, err := d.guard.Authenticate(ctx, msg)
	if err != nil {
		d.logger.Info().Err(err).Str("conn_id", c.ID()).Msg("authentication failed")
		reply := &protocol.Message{Type: protocol.KindAuthError, Timestamp: nowMillis()}
		reply.ID = msg.ID
		reply.ErrorCode = protocol.ErrCodeAuthFailed
		reply.ErrorMessage = "invalid credentials"
		c.trySend(reply)
		c.close(protocol.ClosePolicyViolation, "authentication failed")
		return
	}
	if sub.ClientID == "" {
		sub.ClientID = c.ID()
	}
	d.promote(c, sub)

	reply := &protocol.Message{Type: protocol.KindAuthSuccess, Timestamp: nowMillis()}
	reply.ID = msg.ID
	reply.UserID = sub.UserID
	reply.ClientID = sub.ClientID
	reply.Permissions = sub.Permissions.Wire()
	c.trySend(reply)
}

func (d *Dispatcher) promote(c *Conn, sub *auth.Subject) {
	c.setSubject(sub)
	c.setState(stateAuthenticated)
	d.registry.Authenticated(c, sub.UserID)
	d.logger.Debug().
		Str("conn_id", c.ID()).
		Str("user_id", sub.UserID).
		Str("client_id", sub.ClientID).
		Msg("connection authenticated")
}

// withCoordinator runs fn against the document's coordinator, retrying once
// when an idle unload stopped the coordinator between lookup and enqueue.
func (d *Dispatcher) withCoordinator(ctx context.Context, docID string, fn func(*docsync.Coordinator) error) error {
	var err error
	for attempt := 0; attempt < 2; attempt++ {
		var coord *docsync.Coordinator
		coord, err = d.manager.Get(ctx, docID)
		if err != nil {
			return err
		}
		err = fn(coord)
		if !errors.Is(err, docsync.ErrStopped) {
			return err
		}
	}
	return err
}

// coordinatorResult maps a coordinator enqueue result onto the connection.
// A full document queue closes the originator; it reconnects and resyncs
// rather than silently missing ordered work.
func (d *Dispatcher) coordinatorResult(c *Conn, msg *protocol.Message, err error) {
	switch {
	case err == nil:
	case errors.Is(err, docsync.ErrBusy):
		d.logger.Warn().Str("conn_id", c.ID()).Str("doc_id", msg.DocID).Msg("document queue full, closing originator")
		c.close(protocol.CloseServerBusy, "document queue full")
	default:
		d.logger.Error().Err(err).Str("doc_id", msg.DocID).Msg("coordinator load failed")
		d.sendError(c, msg.ID, protocol.ErrCodeInternal, "document unavailable")
	}
}

// connectionClosed tears a connection out of every component. Called once
// per connection from the read pump's cleanup.
func (d *Dispatcher) connectionClosed(ctx context.Context, c *Conn) {
	docIDs := d.registry.Unregister(c.ID())
	d.manager.ConnectionClosed(c.ID(), docIDs)
	d.hub.ConnectionClosed(ctx, c.ID())
}

func (d *Dispatcher) sendError(c *Conn, msgID, code, message string) {
	msg := &protocol.Message{Type: protocol.KindError, Timestamp: nowMillis()}
	msg.ID = msgID
	msg.ErrorCode = code
	msg.ErrorMessage = message
	c.trySend(msg)
}

func nowMillis() int64 { return time.Now().UnixMilli() }
