// DotChat - conversational chat server
// License: MIT
//
// Copyright (c) 2026 DotChat contributors

package channels

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dotsetgreg/dotchat/pkg/bus"
	"github.com/dotsetgreg/dotchat/pkg/config"
	"github.com/dotsetgreg/dotchat/pkg/logger"
	"github.com/dotsetgreg/dotchat/pkg/protocol"
	"github.com/dotsetgreg/dotchat/pkg/session"
)

const busyReply = "Server is busy. Please try again in a moment."

// Manager owns the transports and the connection lifecycle: it creates and
// destroys sessions, turns client events into bus traffic and routes
// outbound events back to the right connection.
type Manager struct {
	channels        map[string]Channel
	connections     map[string]string
	bus             *bus.MessageBus
	config          *config.Config
	sessions        *session.Store
	dialect         protocol.Dialect
	broadcastTyping bool
	dispatchTask    *asyncTask
	mu              sync.RWMutex
}

type asyncTask struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func NewManager(cfg *config.Config, messageBus *bus.MessageBus, sessions *session.Store) (*Manager, error) {
	dialect, err := protocol.NewDialect(cfg.Server.Dialect)
	if err != nil {
		return nil, fmt.Errorf("channels: %w", err)
	}

	m := &Manager{
		channels:        make(map[string]Channel),
		connections:     make(map[string]string),
		bus:             messageBus,
		config:          cfg,
		sessions:        sessions,
		dialect:         dialect,
		broadcastTyping: cfg.Server.BroadcastTyping,
	}

	if err := m.initChannels(); err != nil {
		return nil, err
	}

	return m, nil
}

func (m *Manager) initChannels() error {
	logger.InfoC("channels", "Initializing channel manager")

	m.channels[WebSocketChannelName] = NewWebSocketChannel(m.config.Server, m)

	if m.config.Channels.Discord.Enabled {
		if strings.TrimSpace(m.config.Channels.Discord.Token) == "" {
			return fmt.Errorf("channels.discord.token is required")
		}
		logger.DebugC("channels", "Attempting to initialize Discord channel")
		discord, err := NewDiscordChannel(m.config.Channels.Discord, m)
		if err != nil {
			return fmt.Errorf("initialize Discord channel: %w", err)
		}
		m.channels[DiscordChannelName] = discord
		logger.InfoC("channels", "Discord channel initialized successfully")
	}

	logger.InfoCF("channels", "Channel initialization completed", map[string]interface{}{
		"enabled_channels": len(m.channels),
	})

	return nil
}

// Connect opens a session for connID and acknowledges it to that connection.
func (m *Manager) Connect(channel, connID string) error {
	if err := m.sessions.Create(connID); err != nil {
		return fmt.Errorf("connect %s: %w", connID, err)
	}

	m.mu.Lock()
	m.connections[connID] = channel
	m.mu.Unlock()

	logger.InfoCF("channels", "Client connected", map[string]interface{}{
		"channel":       channel,
		"connection_id": connID,
	})

	assistant := strings.TrimSpace(m.config.Assistant.Name)
	if assistant == "" {
		assistant = "AI ChatBot"
	}
	m.bus.PublishOutbound(bus.OutboundMessage{
		Channel:      channel,
		ConnectionID: connID,
		Event:        m.dialect.AckEvent(),
		Payload:      m.dialect.Ack(fmt.Sprintf("Connected to %s!", assistant)),
	})
	return nil
}

// Disconnect drops the session. Replies still being generated for connID are
// discarded by the agent loop. Calling it twice is harmless.
func (m *Manager) Disconnect(connID string) {
	m.mu.Lock()
	channel, ok := m.connections[connID]
	delete(m.connections, connID)
	m.mu.Unlock()

	if !ok {
		return
	}
	turns := m.sessions.Len(connID)
	m.sessions.Destroy(connID)

	logger.InfoCF("channels", "Client disconnected", map[string]interface{}{
		"channel":       channel,
		"connection_id": connID,
		"turns":         turns,
	})

	m.bus.PublishInbound(bus.InboundMessage{
		Kind:         bus.KindDisconnect,
		Channel:      channel,
		ConnectionID: connID,
		ReceivedAt:   time.Now(),
	})
}

// Receive handles one client event.
func (m *Manager) Receive(connID string, env protocol.Envelope) error {
	m.mu.RLock()
	channel, ok := m.connections[connID]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("receive on %s: %w", connID, session.ErrUnknownSession)
	}

	switch env.Event {
	case protocol.EventUserMessage:
		var um protocol.UserMessage
		if err := protocol.DecodeData(env, &um); err != nil {
			return fmt.Errorf("%w: %v", ErrMalformedFrame, err)
		}
		queued := m.bus.PublishInbound(bus.InboundMessage{
			Kind:         bus.KindMessage,
			Channel:      channel,
			ConnectionID: connID,
			Content:      um.Message,
			Type:         um.Type,
			ReceivedAt:   time.Now(),
		})
		if !queued {
			m.bus.PublishOutbound(bus.OutboundMessage{
				Channel:      channel,
				ConnectionID: connID,
				Event:        protocol.EventError,
				Payload:      protocol.ErrorEvent{Message: busyReply},
			})
		}
		return nil

	case protocol.EventTyping:
		m.bus.PublishOutbound(bus.OutboundMessage{
			Channel:      channel,
			ConnectionID: connID,
			Event:        protocol.EventBotTyping,
			Payload:      protocol.BotTyping{Typing: true},
			Broadcast:    m.broadcastTyping,
		})
		return nil

	case protocol.EventPreferences:
		var prefs protocol.Preferences
		if err := protocol.DecodeData(env, &prefs); err != nil {
			return fmt.Errorf("%w: %v", ErrMalformedFrame, err)
		}
		return m.applyPreferences(connID, prefs)

	default:
		return fmt.Errorf("%w: %q", ErrUnknownEvent, env.Event)
	}
}

func (m *Manager) applyPreferences(connID string, prefs protocol.Preferences) error {
	if name := strings.TrimSpace(prefs.DisplayName); name != "" {
		if err := m.sessions.SetDisplayName(connID, name); err != nil {
			return err
		}
	}
	for key, value := range prefs.Preferences {
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		if err := m.sessions.SetPreference(connID, key, strings.TrimSpace(value)); err != nil {
			return err
		}
	}
	logger.DebugCF("channels", "Preferences updated", map[string]interface{}{
		"connection_id": connID,
		"keys":          len(prefs.Preferences),
	})
	return nil
}

// Connections reports the number of open connections.
func (m *Manager) Connections() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.connections)
}

func (m *Manager) StartAll(ctx context.Context) error {
	m.mu.RLock()
	channelsCopy := make(map[string]Channel, len(m.channels))
	for name, channel := range m.channels {
		channelsCopy[name] = channel
	}
	m.mu.RUnlock()

	logger.InfoC("channels", "Starting all channels")

	var started []string
	var startErrors []string
	for name, channel := range channelsCopy {
		logger.InfoCF("channels", "Starting channel", map[string]interface{}{"channel": name})
		if err := channel.Start(ctx); err != nil {
			logger.ErrorCF("channels", "Failed to start channel", map[string]interface{}{
				"channel": name,
				"error":   err.Error(),
			})
			startErrors = append(startErrors, fmt.Sprintf("%s: %v", name, err))
			continue
		}
		started = append(started, name)
	}

	if len(startErrors) > 0 {
		for _, name := range started {
			channel := channelsCopy[name]
			if err := channel.Stop(ctx); err != nil {
				logger.WarnCF("channels", "Failed to stop partially-started channel", map[string]interface{}{
					"channel": name,
					"error":   err.Error(),
				})
			}
		}
		return fmt.Errorf("failed to start channels: %s", strings.Join(startErrors, "; "))
	}

	// The dispatcher outlives the caller's ctx; StopAll ends it.
	dispatchCtx, cancel := context.WithCancel(context.Background())
	task := &asyncTask{cancel: cancel, done: make(chan struct{})}
	m.mu.Lock()
	if m.dispatchTask != nil {
		m.dispatchTask.cancel()
	}
	m.dispatchTask = task
	m.mu.Unlock()

	go func() {
		defer close(task.done)
		m.dispatchOutbound(dispatchCtx)
	}()

	logger.InfoCF("channels", "All channels started", map[string]interface{}{
		"count": len(started),
	})
	return nil
}

func (m *Manager) StopAll(ctx context.Context) error {
	m.mu.Lock()
	task := m.dispatchTask
	m.dispatchTask = nil
	channelsCopy := make(map[string]Channel, len(m.channels))
	for name, channel := range m.channels {
		channelsCopy[name] = channel
	}
	m.mu.Unlock()

	logger.InfoC("channels", "Stopping all channels")

	// Channels close their connections first so pending disconnects are
	// published before the dispatcher goes away.
	for name, channel := range channelsCopy {
		logger.InfoCF("channels", "Stopping channel", map[string]interface{}{
			"channel": name,
		})
		if err := channel.Stop(ctx); err != nil {
			logger.ErrorCF("channels", "Error stopping channel", map[string]interface{}{
				"channel": name,
				"error":   err.Error(),
			})
		}
	}

	if task != nil {
		task.cancel()
		select {
		case <-task.done:
		case <-ctx.Done():
		}
	}

	logger.InfoC("channels", "All channels stopped")
	return nil
}

func (m *Manager) dispatchOutbound(ctx context.Context) {
	logger.InfoC("channels", "Outbound dispatcher started")

	for {
		msg, ok := m.bus.SubscribeOutbound(ctx)
		if !ok {
			logger.InfoC("channels", "Outbound dispatcher stopped")
			return
		}

		if msg.Broadcast {
			m.broadcast(ctx, msg)
			continue
		}

		m.mu.RLock()
		channel, exists := m.channels[msg.Channel]
		m.mu.RUnlock()

		if !exists {
			logger.WarnCF("channels", "Unknown channel for outbound message", map[string]interface{}{
				"channel": msg.Channel,
			})
			continue
		}

		m.deliver(ctx, channel, msg)
	}
}

func (m *Manager) broadcast(ctx context.Context, msg bus.OutboundMessage) {
	m.mu.RLock()
	channelsCopy := make([]Channel, 0, len(m.channels))
	for _, channel := range m.channels {
		channelsCopy = append(channelsCopy, channel)
	}
	m.mu.RUnlock()

	for _, channel := range channelsCopy {
		m.deliver(ctx, channel, msg)
	}
}

func (m *Manager) deliver(ctx context.Context, channel Channel, msg bus.OutboundMessage) {
	err := channel.Send(ctx, msg)
	switch {
	case err == nil:
	case errors.Is(err, ErrConnectionClosed):
		logger.DebugCF("channels", "Dropping event for closed connection", map[string]interface{}{
			"channel":       channel.Name(),
			"connection_id": msg.ConnectionID,
			"event":         msg.Event,
		})
	default:
		logger.ErrorCF("channels", "Error sending message to channel", map[string]interface{}{
			"channel": channel.Name(),
			"event":   msg.Event,
			"error":   err.Error(),
		})
	}
}

// GetStatus reports each channel's running state for /api/status.
func (m *Manager) GetStatus() map[string]interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()

	status := make(map[string]interface{})
	for name, channel := range m.channels {
		status[name] = map[string]interface{}{
			"enabled": true,
			"running": channel.IsRunning(),
		}
	}
	return status
}

func (m *Manager) GetEnabledChannels() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.channels))
	for name := range m.channels {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// WebSocket returns the websocket transport, which is always present.
func (m *Manager) WebSocket() *WebSocketChannel {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ws, _ := m.channels[WebSocketChannelName].(*WebSocketChannel)
	return ws
}
