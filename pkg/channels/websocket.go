package channels

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/dotsetgreg/dotchat/pkg/bus"
	"github.com/dotsetgreg/dotchat/pkg/config"
	"github.com/dotsetgreg/dotchat/pkg/logger"
	"github.com/dotsetgreg/dotchat/pkg/protocol"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	WebSocketChannelName = "websocket"

	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingPeriod   = (pongWait * 9) / 10
	maxFrameSize = 64 * 1024
)

// WebSocketChannel serves browser clients. Every socket is one connection
// with its own session; frames are protocol envelopes.
type WebSocketChannel struct {
	*BaseChannel
	upgrader   websocket.Upgrader
	sendBuffer int
	conns      map[string]*wsConn
	mu         sync.RWMutex
}

type wsConn struct {
	id        string
	ws        *websocket.Conn
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func (c *wsConn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.ws.Close()
	})
}

func NewWebSocketChannel(cfg config.ServerConfig, lifecycle Lifecycle) *WebSocketChannel {
	sendBuffer := cfg.SendBuffer
	if sendBuffer <= 0 {
		sendBuffer = 32
	}
	c := &WebSocketChannel{
		BaseChannel: NewBaseChannel(WebSocketChannelName, lifecycle, nil),
		sendBuffer:  sendBuffer,
		conns:       make(map[string]*wsConn),
	}
	c.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     originChecker(cfg.AllowedOrigins),
	}
	return c
}

func originChecker(allowed []string) func(r *http.Request) bool {
	allowAll := len(allowed) == 0
	set := make(map[string]struct{}, len(allowed))
	for _, origin := range allowed {
		origin = strings.TrimRight(strings.ToLower(strings.TrimSpace(origin)), "/")
		if origin == "*" {
			allowAll = true
		}
		set[origin] = struct{}{}
	}
	return func(r *http.Request) bool {
		if allowAll {
			return true
		}
		origin := r.Header.Get("Origin")
		if origin == "" {
			// Non-browser clients do not send an Origin header.
			return true
		}
		_, ok := set[strings.TrimRight(strings.ToLower(origin), "/")]
		return ok
	}
}

func (c *WebSocketChannel) Start(ctx context.Context) error {
	c.setRunning(true)
	logger.InfoC("websocket", "WebSocket channel ready")
	return nil
}

func (c *WebSocketChannel) Stop(ctx context.Context) error {
	c.setRunning(false)

	c.mu.Lock()
	open := make([]*wsConn, 0, len(c.conns))
	for id, conn := range c.conns {
		open = append(open, conn)
		delete(c.conns, id)
	}
	c.mu.Unlock()

	for _, conn := range open {
		conn.close()
		c.lifecycle.Disconnect(conn.id)
	}

	logger.InfoCF("websocket", "WebSocket channel stopped", map[string]interface{}{
		"closed_connections": len(open),
	})
	return nil
}

func (c *WebSocketChannel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	if !c.IsRunning() {
		return fmt.Errorf("websocket channel not running")
	}

	frame, err := protocol.Encode(msg.Event, msg.Payload)
	if err != nil {
		return err
	}

	if msg.Broadcast {
		c.mu.RLock()
		targets := make([]*wsConn, 0, len(c.conns))
		for _, conn := range c.conns {
			targets = append(targets, conn)
		}
		c.mu.RUnlock()
		for _, conn := range targets {
			_ = c.enqueue(conn, frame)
		}
		return nil
	}

	c.mu.RLock()
	conn, ok := c.conns[msg.ConnectionID]
	c.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%s: %w", msg.ConnectionID, ErrConnectionClosed)
	}
	return c.enqueue(conn, frame)
}

func (c *WebSocketChannel) enqueue(conn *wsConn, frame []byte) error {
	select {
	case <-conn.done:
		return fmt.Errorf("%s: %w", conn.id, ErrConnectionClosed)
	default:
	}

	select {
	case conn.send <- frame:
		return nil
	default:
		return fmt.Errorf("connection %s send buffer full", conn.id)
	}
}

// Connections reports the number of open sockets.
func (c *WebSocketChannel) Connections() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.conns)
}

// ServeHTTP upgrades the request and serves the socket until it closes.
func (c *WebSocketChannel) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !c.IsRunning() {
		http.Error(w, "websocket channel not running", http.StatusServiceUnavailable)
		return
	}

	ws, err := c.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		logger.WarnCF("websocket", "Upgrade failed", map[string]interface{}{
			"remote": r.RemoteAddr,
			"error":  err.Error(),
		})
		return
	}

	conn := &wsConn{
		id:   uuid.NewString(),
		ws:   ws,
		send: make(chan []byte, c.sendBuffer),
		done: make(chan struct{}),
	}

	c.mu.Lock()
	c.conns[conn.id] = conn
	c.mu.Unlock()

	go c.writePump(conn)

	if err := c.lifecycle.Connect(c.Name(), conn.id); err != nil {
		logger.ErrorCF("websocket", "Connection setup failed", map[string]interface{}{
			"connection_id": conn.id,
			"error":         err.Error(),
		})
		c.unregister(conn)
		conn.close()
		return
	}

	c.readPump(conn)
}

func (c *WebSocketChannel) unregister(conn *wsConn) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if current, ok := c.conns[conn.id]; ok && current == conn {
		delete(c.conns, conn.id)
		return true
	}
	return false
}

func (c *WebSocketChannel) readPump(conn *wsConn) {
	defer func() {
		c.unregister(conn)
		conn.close()
		c.lifecycle.Disconnect(conn.id)
	}()

	conn.ws.SetReadLimit(maxFrameSize)
	_ = conn.ws.SetReadDeadline(time.Now().Add(pongWait))
	conn.ws.SetPongHandler(func(string) error {
		return conn.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, frame, err := conn.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.DebugCF("websocket", "Connection closed unexpectedly", map[string]interface{}{
					"connection_id": conn.id,
					"error":         err.Error(),
				})
			}
			return
		}

		env, err := protocol.Decode(frame)
		if err != nil {
			c.replyError(conn, "Malformed frame.")
			continue
		}

		if err := c.lifecycle.Receive(conn.id, env); err != nil {
			switch {
			case errors.Is(err, ErrUnknownEvent):
				c.replyError(conn, fmt.Sprintf("Unknown event %q.", env.Event))
			case errors.Is(err, ErrMalformedFrame):
				c.replyError(conn, "Malformed frame.")
			default:
				logger.WarnCF("websocket", "Dropping connection after receive error", map[string]interface{}{
					"connection_id": conn.id,
					"error":         err.Error(),
				})
				return
			}
		}
	}
}

func (c *WebSocketChannel) replyError(conn *wsConn, text string) {
	frame, err := protocol.Encode(protocol.EventError, protocol.ErrorEvent{Message: text})
	if err != nil {
		return
	}
	if err := c.enqueue(conn, frame); err != nil {
		logger.DebugCF("websocket", "Could not deliver error event", map[string]interface{}{
			"connection_id": conn.id,
			"error":         err.Error(),
		})
	}
}

func (c *WebSocketChannel) writePump(conn *wsConn) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case frame := <-conn.send:
			_ = conn.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				conn.close()
				return
			}
		case <-ticker.C:
			_ = conn.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				conn.close()
				return
			}
		case <-conn.done:
			return
		}
	}
}
