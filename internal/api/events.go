package api

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"

	"github.com/Iron-Ham/pipesearch/internal/event"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512
)

// requireUpgrade admits websocket handshakes for registered sessions.
func (s *Server) requireUpgrade(c *fiber.Ctx) error {
	if s.bridge == nil {
		return fiber.NewError(fiber.StatusServiceUnavailable, "event streaming is disabled")
	}
	if _, err := s.svc.SessionStatus(c.Params("id")); err != nil {
		return err
	}
	if !websocket.IsWebSocketUpgrade(c) {
		return fiber.ErrUpgradeRequired
	}
	return c.Next()
}

// streamEvents writes the session's events as JSON envelopes until the
// session finishes or the client goes away.
func (s *Server) streamEvents(conn *websocket.Conn) {
	sessionID := conn.Params("id")
	logger := s.logger.WithSession(sessionID)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events, err := s.bridge.Subscribe(ctx, sessionID)
	if err != nil {
		logger.Warn("event subscription failed", "error", err)
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, err.Error()))
		return
	}

	logger.Debug("event stream opened")
	defer logger.Debug("event stream closed")

	go readPump(conn, cancel)

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case env, ok := <-events:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
				return
			}
			if err := conn.WriteJSON(env); err != nil {
				return
			}
			if env.Event == event.FinishSession {
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session finished"))
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump drains client frames so pongs and close frames are processed,
// and cancels the stream when the connection fails.
func readPump(conn *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()
	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
