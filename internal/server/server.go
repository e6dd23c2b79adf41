// Package server owns the transport: WebSocket accept/upgrade, the
// per-connection pumps, the connection registry, and the HTTP side
// surface (health, metrics, token verification).
package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"

	"github.com/matthewcorven/synckit-sub003/internal/auth"
	"github.com/matthewcorven/synckit-sub003/internal/awareness"
	"github.com/matthewcorven/synckit-sub003/internal/config"
	"github.com/matthewcorven/synckit-sub003/internal/metrics"
	"github.com/matthewcorven/synckit-sub003/internal/protocol"
	docsync "github.com/matthewcorven/synckit-sub003/internal/sync"
)

const writeWait = 10 * time.Second

// Server accepts WebSocket connections and runs them through the
// dispatcher.
type Server struct {
	cfg        *config.Config
	logger     zerolog.Logger
	codec      *protocol.Codec
	registry   *Registry
	dispatcher *Dispatcher
	manager    *docsync.Manager
	hub        *awareness.Hub
	guard      *auth.Guard
	validator  auth.TokenValidator

	httpServer *http.Server
	startedAt  time.Time

	rootCtx context.Context
	cancel  context.CancelFunc
}

// New assembles a server from its already-constructed parts.
func New(
	cfg *config.Config,
	logger zerolog.Logger,
	registry *Registry,
	manager *docsync.Manager,
	hub *awareness.Hub,
	guard *auth.Guard,
	validator auth.TokenValidator,
) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:       cfg,
		logger:    logger,
		codec:     protocol.NewCodec(cfg.MaxFrameBytes),
		registry:  registry,
		manager:   manager,
		hub:       hub,
		guard:     guard,
		validator: validator,
		startedAt: time.Now(),
		rootCtx:   ctx,
		cancel:    cancel,
	}
	s.dispatcher = NewDispatcher(guard, manager, hub, registry, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("/sync", s.handleSync)
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/auth/verify", s.handleAuthVerify)
	s.httpServer = &http.Server{Addr: cfg.Addr, Handler: mux}

	return s
}

// Start listens and serves until Shutdown. Blocks.
func (s *Server) Start() error {
	go s.hub.RunSweeper(s.rootCtx, s.cfg.AwarenessSweep)

	s.logger.Info().Str("addr", s.cfg.Addr).Msg("server listening")
	if err := s.httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains connections with going-away and stops every component.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info().Int("connections", s.registry.Count()).Msg("shutting down")
	s.cancel()

	var wg sync.WaitGroup
	for _, c := range s.registry.All() {
		wg.Add(1)
		go func(c *Conn) {
			defer wg.Done()
			c.close(protocol.CloseGoingAway, "server shutting down")
		}(c)
	}
	wg.Wait()
	s.manager.Shutdown()
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	netConn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		s.logger.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}

	c := newConn(netConn, s.cfg.SendQueueDepth, s.cfg.MessageRate, s.cfg.MessageBurst)
	if err := s.registry.Register(c); err != nil {
		metrics.IncrementRejected("capacity")
		s.logger.Warn().Int("max_connections", s.cfg.MaxConnections).Msg("rejecting connection at capacity")
		c.close(protocol.ClosePolicyViolation, "server at connection capacity")
		return
	}
	metrics.IncrementConnections()
	s.logger.Debug().Str("conn_id", c.ID()).Str("remote", netConn.RemoteAddr().String()).Msg("connection accepted")

	if s.guard.Required() {
		authTimer := time.AfterFunc(s.cfg.AuthTimeout, func() {
			if c.State() != stateAuthenticated {
				s.logger.Info().Str("conn_id", c.ID()).Msg("authentication timeout")
				c.close(protocol.ClosePolicyViolation, "authentication timeout")
			}
		})
		defer authTimer.Stop()
	}

	go s.writePump(c)
	s.readPump(c)
}

// readPump is the only reader of the socket. It runs on the upgrade
// handler's goroutine and returns when the connection dies.
func (s *Server) readPump(c *Conn) {
	defer func() {
		c.closeNow(protocol.CloseNormal, "")
		s.dispatcher.connectionClosed(s.rootCtx, c)
		metrics.DecrementConnections()
		s.logger.Debug().Str("conn_id", c.ID()).Msg("connection closed")
	}()

	for {
		c.netConn.SetReadDeadline(time.Now().Add(s.cfg.HeartbeatTimeout))
		data, op, err := wsutil.ReadClientData(c.netConn)
		if err != nil {
			return
		}
		c.touchInbound()

		switch op {
		case ws.OpText, ws.OpBinary:
		case ws.OpClose:
			return
		default:
			continue
		}

		if !c.limiter.Allow() {
			metrics.IncrementRateLimited()
			s.dispatcher.sendError(c, "", protocol.ErrCodeRateLimited, "too many messages, slow down")
			continue
		}

		format, err := s.codec.DetectFormat(data)
		if err != nil {
			metrics.IncrementMalformed()
			c.close(protocol.CloseProtocolError, "unrecognized frame")
			return
		}
		if !c.lockFormat(format) {
			c.close(protocol.CloseProtocolError, "wire format switched mid-session")
			return
		}

		msg, err := s.codec.Parse(data, format)
		if err != nil {
			if errors.Is(err, protocol.ErrUnknownKind) {
				s.dispatcher.sendError(c, "", protocol.ErrCodeBadRequest, "unknown message type")
				continue
			}
			metrics.IncrementMalformed()
			s.logger.Debug().Err(err).Str("conn_id", c.ID()).Msg("malformed frame")
			c.close(protocol.CloseProtocolError, "malformed frame")
			return
		}

		s.dispatcher.Dispatch(s.rootCtx, c, msg)
	}
}

// writePump is the only writer of the socket: it drains the send queue,
// batching flushes, and drives the heartbeat.
func (s *Server) writePump(c *Conn) {
	writer := bufio.NewWriter(c.netConn)
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer func() {
		ticker.Stop()
		c.closeNow(protocol.CloseNormal, "")
	}()

	for {
		select {
		case <-c.done:
			return

		case msg := <-c.send:
			c.netConn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.writeFrame(writer, c, msg); err != nil {
				s.logger.Debug().Err(err).Str("conn_id", c.ID()).Msg("write failed")
				return
			}
			// Batch whatever else is already queued into one flush.
			n := len(c.send)
			for i := 0; i < n; i++ {
				if err := s.writeFrame(writer, c, <-c.send); err != nil {
					s.logger.Debug().Err(err).Str("conn_id", c.ID()).Msg("write failed")
					return
				}
			}
			if err := writer.Flush(); err != nil {
				return
			}

		case <-ticker.C:
			if c.State() != stateAuthenticated {
				continue
			}
			if c.sinceInbound() > s.cfg.HeartbeatTimeout {
				s.logger.Info().Str("conn_id", c.ID()).Msg("heartbeat timeout")
				// The pump cannot drain its own queue while closing.
				c.closeNow(protocol.CloseGoingAway, "heartbeat timeout")
				return
			}
			ping := &protocol.Message{Type: protocol.KindPing, Timestamp: time.Now().UnixMilli()}
			c.netConn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.writeFrame(writer, c, ping); err != nil {
				return
			}
			if err := writer.Flush(); err != nil {
				return
			}
		}
	}
}

func (s *Server) writeFrame(w *bufio.Writer, c *Conn, msg *protocol.Message) error {
	format := c.Format()
	if format == protocol.FormatUnknown {
		format = protocol.FormatText
	}
	data, err := s.codec.Encode(msg, format)
	if err != nil {
		s.logger.Error().Err(err).Str("kind", string(msg.Type)).Msg("encode failed")
		return nil
	}
	op := ws.OpText
	if format == protocol.FormatBinary {
		op = ws.OpBinary
	}
	if err := wsutil.WriteServerMessage(w, op, data); err != nil {
		return err
	}
	metrics.IncrementSent()
	return nil
}

type healthResponse struct {
	Status      string  `json:"status"`
	UptimeSec   float64 `json:"uptimeSec"`
	Connections int     `json:"connections"`
	Documents   int     `json:"documents"`
	Goroutines  int     `json:"goroutines"`
	HeapBytes   uint64  `json:"heapBytes"`
	CPUPercent  float64 `json:"cpuPercent"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	var cpuPct float64
	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		cpuPct = percents[0]
	}

	resp := healthResponse{
		Status:      "ok",
		UptimeSec:   time.Since(s.startedAt).Seconds(),
		Connections: s.registry.Count(),
		Documents:   s.manager.DocumentCount(),
		Goroutines:  runtime.NumGoroutine(),
		HeapBytes:   mem.Alloc,
		CPUPercent:  cpuPct,
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// handleAuthVerify lets external services check a token without opening a
// WebSocket. POST {"token":"..."} returns the resolved subject.
func (s *Server) handleAuthVerify(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Token == "" {
		http.Error(w, "token required", http.StatusBadRequest)
		return
	}
	sub, err := s.validator.ValidateToken(r.Context(), req.Token)
	if err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		json.NewEncoder(w).Encode(map[string]string{"error": "invalid token"})
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"userId":      sub.UserID,
		"clientId":    sub.ClientID,
		"permissions": sub.Permissions.Wire(),
		"expiresAt":   sub.ExpiresAt.UnixMilli(),
	})
}

// Listener-based start for tests: serve on an existing listener.
func (s *Server) Serve(ln net.Listener) error {
	go s.hub.RunSweeper(s.rootCtx, s.cfg.AwarenessSweep)
	if err := s.httpServer.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
