package server

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/NicolasHaas/typeduel/pkg/protocol"
)

var (
	errClientClosed  = errors.New("server: connection closed")
	errSendQueueFull = errors.New("server: send queue full")
)

// client is one authenticated WebSocket connection.
type client struct {
	id     string
	userID string
	ws     *websocket.Conn
	send   chan []byte
	srv    *Server

	closeOnce sync.Once
	done      chan struct{}
}

func (c *client) ID() string     { return c.id }
func (c *client) UserID() string { return c.userID }

// Send queues a frame for the write pump. A client that cannot keep up is
// disconnected rather than blocking the sender.
func (c *client) Send(frame []byte) error {
	select {
	case <-c.done:
		return errClientClosed
	default:
	}
	select {
	case c.send <- frame:
		return nil
	default:
		c.srv.metrics.SendQueueDropped.Add(1)
		c.close()
		return errSendQueueFull
	}
}

func (c *client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.ws.Close()
	})
}

// bearerToken extracts the credential from the Authorization header or the
// token query parameter.
func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	}
	return r.URL.Query().Get("token")
}

// handleWS authenticates the request, upgrades it and runs the connection
// until the peer goes away.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	userID, err := s.verifier.Verify(bearerToken(r))
	if err != nil {
		s.metrics.FailedAuths.Add(1)
		slog.Warn("connection refused", "remote", r.RemoteAddr, "err", err)
		writeError(w, UnauthorizedError{Msg: "authentication failed"})
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("websocket upgrade failed", "remote", r.RemoteAddr, "err", err)
		return
	}

	c := &client{
		id:     uuid.NewString(),
		userID: userID,
		ws:     ws,
		send:   make(chan []byte, s.cfg.SendQueueSize),
		srv:    s,
		done:   make(chan struct{}),
	}
	if !s.addClient(c) {
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(s.cfg.WriteWait))
		_ = ws.Close()
		return
	}
	defer s.conns.Done()
	s.metrics.TotalConnections.Add(1)
	s.metrics.ActiveConnections.Add(1)
	slog.Info("client connected", "conn", c.id, "user", userID, "remote", r.RemoteAddr)

	go s.writePump(c)
	s.readPump(c)

	c.close()
	s.removeClient(c)
	s.coord.Disconnect(s.ctx, c)
	s.metrics.ActiveConnections.Add(-1)
	s.metrics.TotalDisconnects.Add(1)
	slog.Info("client disconnected", "conn", c.id, "user", userID)
}

// readPump reads frames until the connection fails or misses a pong.
func (s *Server) readPump(c *client) {
	c.ws.SetReadLimit(protocol.MaxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(s.cfg.PongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(s.cfg.PongWait))
	})

	for {
		msgType, frame, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Debug("read failed", "conn", c.id, "err", err)
			}
			return
		}
		if msgType != websocket.TextMessage {
			s.metrics.IgnoredEvents.Add(1)
			continue
		}
		s.dispatch(c, frame)
	}
}

// writePump drains the send queue and pings the peer.
func (s *Server) writePump(c *client) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case <-c.done:
			return
		case frame := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(s.cfg.WriteWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				slog.Debug("write failed", "conn", c.id, "err", err)
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(s.cfg.WriteWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// dispatch routes one inbound frame. Malformed frames and unknown events are
// dropped; rejected events are logged and never reach the client.
func (s *Server) dispatch(c *client, frame []byte) {
	env, err := protocol.Decode(frame)
	if err != nil {
		s.metrics.IgnoredEvents.Add(1)
		slog.Debug("malformed frame ignored", "conn", c.id, "err", err)
		return
	}

	switch env.Event {
	case protocol.EventFindMatch:
		err = s.coord.FindMatch(s.ctx, c)
	case protocol.EventProgressUpdate:
		var msg protocol.ProgressUpdate
		if err = env.Bind(&msg); err == nil {
			err = s.coord.Progress(c, msg)
		}
	case protocol.EventWinnerCompletion:
		var msg protocol.WinnerCompletion
		if err = env.Bind(&msg); err == nil {
			err = s.coord.WinnerCompletion(s.ctx, c, msg)
		}
	case protocol.EventLoserCompletion:
		var msg protocol.LoserCompletion
		if err = env.Bind(&msg); err == nil {
			err = s.coord.LoserCompletion(s.ctx, c, msg)
		}
	default:
		s.metrics.IgnoredEvents.Add(1)
		slog.Debug("unknown event ignored", "conn", c.id, "event", env.Event)
		return
	}

	if err != nil {
		if errors.Is(err, protocol.ErrMalformed) {
			s.metrics.IgnoredEvents.Add(1)
		}
		slog.Debug("event rejected", "conn", c.id, "user", c.userID, "event", env.Event, "err", err)
	}
}
