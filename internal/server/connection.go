package server

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/matthewcorven/synckit-sub003/internal/auth"
	"github.com/matthewcorven/synckit-sub003/internal/protocol"
)

// Connection lifecycle states.
type connState int32

const (
	stateAuthenticating connState = iota
	stateAuthenticated
	stateDisconnected
)

// Conn is one live WebSocket connection. The read pump is the only reader
// of the socket and the write pump the only writer; everyone else talks to
// the connection through the bounded send channel.
type Conn struct {
	id      string
	netConn net.Conn

	state   atomic.Int32
	subject atomic.Pointer[auth.Subject]
	// format is fixed by the first frame and never rotates.
	format atomic.Int32

	send chan *protocol.Message
	// done is closed exactly once on teardown; the write pump selects on it.
	done      chan struct{}
	closeOnce sync.Once

	// Inbound rate limiting and heartbeat bookkeeping.
	limiter     *rate.Limiter
	lastInbound atomic.Int64

	connectedAt time.Time
}

func newConn(netConn net.Conn, queueDepth int, msgRate float64, msgBurst int) *Conn {
	c := &Conn{
		id:          uuid.NewString(),
		netConn:     netConn,
		send:        make(chan *protocol.Message, queueDepth),
		done:        make(chan struct{}),
		limiter:     rate.NewLimiter(rate.Limit(msgRate), msgBurst),
		connectedAt: time.Now(),
	}
	c.state.Store(int32(stateAuthenticating))
	c.lastInbound.Store(time.Now().UnixNano())
	return c
}

// ID returns the connection's unique id.
func (c *Conn) ID() string { return c.id }

// State returns the current lifecycle state.
func (c *Conn) State() connState { return connState(c.state.Load()) }

func (c *Conn) setState(s connState) { c.state.Store(int32(s)) }

// Subject returns the authenticated subject, nil before auth completes.
func (c *Conn) Subject() *auth.Subject { return c.subject.Load() }

func (c *Conn) setSubject(s *auth.Subject) { c.subject.Store(s) }

// Format returns the negotiated wire format.
func (c *Conn) Format() protocol.Format { return protocol.Format(c.format.Load()) }

// lockFormat fixes the wire format on the first frame and reports whether
// a later frame matches it.
func (c *Conn) lockFormat(f protocol.Format) bool {
	if c.format.CompareAndSwap(int32(protocol.FormatUnknown), int32(f)) {
		return true
	}
	return c.Format() == f
}

func (c *Conn) touchInbound() { c.lastInbound.Store(time.Now().UnixNano()) }

func (c *Conn) sinceInbound() time.Duration {
	return time.Duration(time.Now().UnixNano() - c.lastInbound.Load())
}

// trySend enqueues a frame without blocking. A full queue means the peer
// is not keeping up; the caller decides whether that disconnects it.
func (c *Conn) trySend(msg *protocol.Message) bool {
	if c.State() == stateDisconnected {
		return false
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

// wsStatus maps transport-independent close codes onto WebSocket status
// codes.
func wsStatus(code protocol.CloseCode) ws.StatusCode {
	switch code {
	case protocol.CloseNormal:
		return ws.StatusNormalClosure
	case protocol.CloseGoingAway:
		return ws.StatusGoingAway
	case protocol.ClosePolicyViolation:
		return ws.StatusPolicyViolation
	case protocol.CloseProtocolError:
		return ws.StatusProtocolError
	case protocol.CloseServerBusy:
		// RFC 6455 Try Again Later; gobwas/ws defines no constant for it.
		return ws.StatusCode(1013)
	default:
		return ws.StatusInternalServerError
	}
}

// closeDrainGrace bounds how long close waits for the write pump to drain
// queued frames before the close frame goes out.
const closeDrainGrace = time.Second

// close writes a close frame with the mapped status and tears down the
// socket. Queued frames get a bounded grace period to flush first.
// Idempotent.
func (c *Conn) close(code protocol.CloseCode, reason string) {
	c.closeOnce.Do(func() {
		c.setState(stateDisconnected)
		deadline := time.Now().Add(closeDrainGrace)
		for len(c.send) > 0 && time.Now().Before(deadline) {
			time.Sleep(5 * time.Millisecond)
		}
		// The pump may still be flushing the last frame it picked up.
		time.Sleep(10 * time.Millisecond)
		c.closeFrame(code, reason)
	})
}

// closeNow skips the drain grace. Used by the pumps once the transport is
// already known dead.
func (c *Conn) closeNow(code protocol.CloseCode, reason string) {
	c.closeOnce.Do(func() {
		c.setState(stateDisconnected)
		c.closeFrame(code, reason)
	})
}

func (c *Conn) closeFrame(code protocol.CloseCode, reason string) {
	body := ws.NewCloseFrameBody(wsStatus(code), reason)
	c.netConn.SetWriteDeadline(time.Now().Add(time.Second))
	ws.WriteFrame(c.netConn, ws.NewCloseFrame(body))
	c.netConn.Close()
	close(c.done)
}
