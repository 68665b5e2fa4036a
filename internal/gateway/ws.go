package gateway

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	apperrors "portfolio-realtime/internal/errors"
	"portfolio-realtime/internal/events"
	"portfolio-realtime/internal/logging"
	"portfolio-realtime/internal/models"
	"portfolio-realtime/internal/protocol"
	"portfolio-realtime/internal/security"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// handleWebSocket admits a connection and upgrades it. Rejections happen
// before the upgrade so a refused client never sees a welcome.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ip := s.clientIP(r)
	origin := r.Header.Get("Origin")

	if err := s.deps.Auth.VerifyConnectionRequest(origin, s.isSecure(r), r.Header, ip); err != nil {
		s.writeError(w, r, err)
		return
	}

	if s.active.Add(1) > int64(s.cfg.MaxConnections) {
		s.active.Add(-1)
		s.writeError(w, r, apperrors.NewResourceError("connections", "connection limit reached", apperrors.ErrConnectionLimit))
		return
	}

	var auth *security.TokenResult
	if token := handshakeToken(r); token != "" {
		result := s.deps.Auth.ValidateToken(token, ip)
		if !result.Valid {
			s.active.Add(-1)
			s.writeError(w, r, result.Err())
			return
		}
		auth = &result
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader has already replied.
		s.active.Add(-1)
		logger := logging.FromContext(r.Context())
		logger.Debug().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	c := s.newClient(ws, ip, map[string]string{
		"ip":         ip,
		"origin":     origin,
		"user_agent": security.SanitizeText(r.Header.Get("User-Agent")),
	})
	s.track(c)
	s.pumps.Go(c.writePump)
	s.pumps.Go(func() { c.readPump(auth) })
}

// handshakeToken reads the token from the query string or the
// Authorization header.
func handshakeToken(r *http.Request) string {
	if token := strings.TrimSpace(r.URL.Query().Get("token")); token != "" {
		return token
	}
	return bearerToken(r)
}

func (s *Server) track(c *client) {
	s.clientsMu.Lock()
	s.clients[c] = struct{}{}
	s.clientsMu.Unlock()
}

func (s *Server) untrack(c *client) {
	s.clientsMu.Lock()
	delete(s.clients, c)
	s.clientsMu.Unlock()
}

// closeClients closes every open socket, authenticated or not.
func (s *Server) closeClients(code int, reason string) int {
	s.clientsMu.Lock()
	list := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		list = append(list, c)
	}
	s.clientsMu.Unlock()

	for _, c := range list {
		c.Close(code, reason)
	}
	return len(list)
}

// ============================================================================
// Client
// ============================================================================

// client is one WebSocket connection. It implements stream.Conn: Send never
// blocks, and a full buffer closes the connection as a slow consumer.
type client struct {
	s      *Server
	id     string
	ip     string
	meta   map[string]string
	ws     *websocket.Conn
	ctx    context.Context
	logger zerolog.Logger

	send      chan interface{}
	done      chan struct{}
	closeOnce sync.Once
	// Written once before done is closed.
	closeCode   int
	closeReason string

	mu        sync.RWMutex
	userID    string
	scopes    []string
	topics    map[events.Topic]events.Filter
	authTimer *time.Timer

	// Owned by the read loop.
	eventsCancel func()
}

func (s *Server) newClient(ws *websocket.Conn, ip string, meta map[string]string) *client {
	id := uuid.NewString()
	logger := logging.WithConnection(s.logger, id, ip)
	return &client{
		s:      s,
		id:     id,
		ip:     ip,
		meta:   meta,
		ws:     ws,
		ctx:    logging.WithLogger(context.Background(), logger),
		logger: logger,
		send:   make(chan interface{}, s.cfg.SendBuffer),
		done:   make(chan struct{}),
		topics: make(map[events.Topic]events.Filter),
	}
}

// Send queues msg for the write loop.
func (c *client) Send(msg interface{}) error {
	select {
	case <-c.done:
		return apperrors.ErrConnectionClosed
	default:
	}
	select {
	case c.send <- msg:
		return nil
	default:
		c.Close(protocol.CloseTryAgainLater, "slow consumer")
		return apperrors.ErrSlowConsumer
	}
}

// Close asks the write loop to flush queued messages and send a close frame.
// Only the first call has an effect.
func (c *client) Close(code int, reason string) {
	c.closeOnce.Do(func() {
		c.closeCode = code
		c.closeReason = reason
		close(c.done)
	})
}

func (c *client) user() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.userID
}

func (c *client) now() time.Time {
	return c.s.now().UTC()
}

func (c *client) sendError(err error) {
	_ = c.Send(protocol.NewError(err, c.now()))
}

// ============================================================================
// Write loop
// ============================================================================

func (c *client) writePump() {
	ticker := time.NewTicker(c.s.cfg.HeartbeatInterval)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()

	for {
		select {
		case msg := <-c.send:
			if err := c.write(msg); err != nil {
				c.logger.Debug().Err(err).Msg("WebSocket write failed")
				c.Close(protocol.CloseNormal, "")
				return
			}
		case <-ticker.C:
			deadline := time.Now().Add(c.s.cfg.WriteTimeout)
			if err := c.ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				c.logger.Debug().Err(err).Msg("WebSocket ping failed")
				c.Close(protocol.CloseNormal, "")
				return
			}
		case <-c.done:
			c.drain()
			deadline := time.Now().Add(c.s.cfg.WriteTimeout)
			_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(c.closeCode, c.closeReason), deadline)
			return
		}
	}
}

func (c *client) write(msg interface{}) error {
	_ = c.ws.SetWriteDeadline(time.Now().Add(c.s.cfg.WriteTimeout))
	return c.ws.WriteJSON(msg)
}

// drain flushes what was queued before the close.
func (c *client) drain() {
	for {
		select {
		case msg := <-c.send:
			if err := c.write(msg); err != nil {
				return
			}
		default:
			return
		}
	}
}

// ============================================================================
// Read loop
// ============================================================================

func (c *client) readPump(auth *security.TokenResult) {
	defer c.cleanup()

	c.ws.SetReadLimit(c.s.cfg.ReadLimit)
	c.extendDeadline()
	// Pongs keep the socket open but are not activity; only inbound
	// messages delay the inactivity sweep.
	c.ws.SetPongHandler(func(string) error {
		c.extendDeadline()
		return nil
	})

	if auth != nil {
		_ = c.Send(protocol.NewWelcome(true, c.now()))
		c.admit(auth.UserID, auth.Scopes)
	} else {
		_ = c.Send(protocol.NewWelcome(false, c.now()))
		c.mu.Lock()
		c.authTimer = time.AfterFunc(c.s.cfg.AuthGracePeriod, c.authTimeout)
		c.mu.Unlock()
	}

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Debug().Err(err).Msg("WebSocket read failed")
			}
			c.Close(protocol.CloseNormal, "")
			return
		}
		c.extendDeadline()

		if !c.s.messages.TryRequest(c.id) {
			c.reject(apperrors.NewResourceError("messages", "message rate limit exceeded", apperrors.ErrRateLimited))
			continue
		}
		msg, err := c.s.decoder.Decode(data)
		if err != nil {
			c.reject(err)
			continue
		}
		c.dispatch(msg)
	}
}

// extendDeadline allows two heartbeat intervals of silence.
func (c *client) extendDeadline() {
	_ = c.ws.SetReadDeadline(time.Now().Add(2 * c.s.cfg.HeartbeatInterval))
}

func (c *client) touch() {
	if c.user() != "" {
		c.s.deps.Registry.Touch(c.ctx, c.id)
	}
}

// reject answers a refused message and closes the connection once the
// violation budget is spent.
func (c *client) reject(err error) {
	c.sendError(err)
	if !c.s.violations.TryRequest(c.id) {
		c.logger.Warn().Str("user_id", c.user()).Msg("Protocol violation limit reached")
		c.Close(protocol.CloseRateLimited, "too many invalid messages")
	}
}

func (c *client) dispatch(msg protocol.Inbound) {
	if _, ok := msg.(protocol.Heartbeat); ok {
		c.touch()
		_ = c.Send(protocol.NewHeartbeatAck(c.now()))
		return
	}
	if a, ok := msg.(protocol.Authenticate); ok {
		c.authenticate(a.Token)
		return
	}

	if c.user() == "" {
		c.reject(apperrors.ErrNotAuthenticated)
		return
	}
	c.touch()

	switch m := msg.(type) {
	case protocol.Subscribe:
		added, count, err := c.s.deps.Registry.Subscribe(c.ctx, c.id, m.Symbols)
		if err != nil {
			c.sendError(err)
			return
		}
		c.logger.Debug().Strs("added", added).Int("count", count).Msg("Symbols subscribed")
		_ = c.Send(protocol.NewSubscribed(m.Symbols, count, c.now()))
	case protocol.Unsubscribe:
		_, remaining, err := c.s.deps.Registry.Unsubscribe(c.ctx, c.id, m.Symbols)
		if err != nil {
			c.sendError(err)
			return
		}
		_ = c.Send(protocol.NewUnsubscribed(m.Symbols, remaining, c.now()))
	case protocol.SubscribeEvents:
		c.subscribeEvents(m.Topics, m.Filter)
	case protocol.UnsubscribeEvents:
		c.unsubscribeEvents(m.Topics)
	}
}

// ============================================================================
// Authentication
// ============================================================================

func (c *client) authenticate(token string) {
	if c.user() != "" {
		c.sendError(apperrors.NewProtocolError("already_authenticated", "connection is already authenticated", nil))
		return
	}

	result := c.s.deps.Auth.ValidateToken(token, c.ip)
	if !result.Valid {
		c.sendError(result.Err())
		code := protocol.CloseAuthFailed
		if result.Reason == security.ReasonRateLimited {
			code = protocol.CloseRateLimited
		}
		c.logger.Info().Str("reason", result.Reason).Float64("risk_score", result.RiskScore).Msg("WebSocket authentication failed")
		c.Close(code, "authentication failed")
		return
	}
	c.admit(result.UserID, result.Scopes)
}

// admit binds the connection to userID and registers it.
func (c *client) admit(userID string, scopes []string) {
	c.mu.Lock()
	c.userID = userID
	c.scopes = scopes
	if c.authTimer != nil {
		c.authTimer.Stop()
		c.authTimer = nil
	}
	c.mu.Unlock()

	c.s.deps.Registry.RegisterConnection(c.ctx, userID, models.ConnectionInfo{
		ConnectionID: c.id,
		Metadata:     c.meta,
	}, c)
	_ = c.Send(protocol.NewAuthenticated(userID, c.now()))

	c.logger.Info().Str("user_id", userID).Msg("WebSocket authenticated")
}

func (c *client) authTimeout() {
	if c.user() != "" {
		return
	}
	c.sendError(apperrors.ErrNotAuthenticated)
	c.Close(protocol.CloseAuthTimeout, "authentication timeout")
}

// cleanup runs once the read loop exits.
func (c *client) cleanup() {
	c.mu.Lock()
	if c.authTimer != nil {
		c.authTimer.Stop()
	}
	userID := c.userID
	c.mu.Unlock()

	c.cancelEvents()
	if userID != "" {
		c.s.deps.Registry.RemoveConnection(c.ctx, userID, c.id)
	}
	c.s.messages.Reset(c.id)
	c.s.violations.Reset(c.id)
	c.s.untrack(c)
	c.s.active.Add(-1)

	c.logger.Debug().Int("close_code", c.closeCode).Msg("WebSocket closed")
}
