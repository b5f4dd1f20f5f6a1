// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel

package server

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kadirpekel/priam/pkg/eventbus"
	"github.com/kadirpekel/priam/pkg/protocol"
	"github.com/kadirpekel/priam/pkg/session"
)

// wsConn is one client connection bound to one session. The write pump
// owns the socket for writes; session frames arrive via the bus
// subscription, connection-local frames (ack, decode rejections) via the
// direct channel.
type wsConn struct {
	server *Server
	conn   *websocket.Conn
	key    session.Key
	sub    *eventbus.Subscription

	direct chan *protocol.Envelope

	closeOnce sync.Once
	closed    chan struct{}

	pongWait   time.Duration
	writeWait  time.Duration
	pingPeriod time.Duration
}

func newWSConn(s *Server, conn *websocket.Conn, key session.Key, sub *eventbus.Subscription) *wsConn {
	pongWait := time.Duration(s.cfg.Server.PongWait)
	return &wsConn{
		server:     s,
		conn:       conn,
		key:        key,
		sub:        sub,
		direct:     make(chan *protocol.Envelope, 16),
		closed:     make(chan struct{}),
		pongWait:   pongWait,
		writeWait:  time.Duration(s.cfg.Server.WriteTimeout),
		pingPeriod: pongWait * 9 / 10,
	}
}

// greet queues a connection-local frame before the pumps start.
func (c *wsConn) greet(env *protocol.Envelope) {
	select {
	case c.direct <- env:
	default:
	}
}

func (c *wsConn) run() {
	go c.writePump()
	c.readPump()
}

func (c *wsConn) close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.sub.Unsubscribe()
		_ = c.conn.Close()
	})
}

// readPump decodes inbound frames and hands them to the session mailbox.
// A close control or any read error ends the connection; the session
// itself lives on.
func (c *wsConn) readPump() {
	defer c.close()

	c.conn.SetReadLimit(c.server.cfg.Server.ReadLimit)
	_ = c.conn.SetReadDeadline(time.Now().Add(c.pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.pongWait))
	})

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Debug("WebSocket read ended",
					"session", c.key.String(),
					"error", err)
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		ev, err := protocol.DecodeClientEvent(data)
		if err != nil {
			c.reject(err)
			continue
		}
		if ev.Kind == protocol.ClientControl && ev.Control != nil && ev.Control.Action == protocol.ControlClose {
			// The mailbox destroys the session; closing the topic lets
			// the write pump say goodbye.
			if err := c.server.orc.Deliver(context.Background(), c.key, ev); err != nil {
				slog.Warn("Failed to deliver close control",
					"session", c.key.String(),
					"error", err)
			}
			return
		}

		if err := c.server.orc.Deliver(context.Background(), c.key, ev); err != nil {
			slog.Warn("Failed to deliver client event",
				"session", c.key.String(),
				"kind", ev.Kind,
				"error", err)
			c.reject(err)
		}
	}
}

// writePump forwards session frames and keeps the connection alive with
// pings at 9/10 of the pong window.
func (c *wsConn) writePump() {
	ticker := time.NewTicker(c.pingPeriod)
	defer ticker.Stop()
	defer c.close()

	for {
		select {
		case <-c.closed:
			return

		case env := <-c.direct:
			if !c.write(env) {
				return
			}

		case ev, ok := <-c.sub.Events():
			if !ok {
				// The session topic closed underneath us (destroyed or
				// shutting down).
				_ = c.conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "session closed"),
					time.Now().Add(c.writeWait))
				return
			}
			if !c.write(ev.Envelope) {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *wsConn) write(env *protocol.Envelope) bool {
	data, err := env.Encode()
	if err != nil {
		slog.Error("Failed to encode outbound frame",
			"session", c.key.String(),
			"type", env.Type,
			"error", err)
		return true
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, data) == nil
}

// reject answers a bad inbound frame without touching the session.
func (c *wsConn) reject(err error) {
	env := protocol.NewMarkdown("That request could not be processed: " + err.Error())
	select {
	case c.direct <- env:
	case <-c.closed:
	}
}
