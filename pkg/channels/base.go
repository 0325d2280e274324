package channels

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/dotsetgreg/dotchat/pkg/bus"
	"github.com/dotsetgreg/dotchat/pkg/protocol"
)

var (
	// ErrConnectionClosed is returned by Send when the target connection is
	// gone. The dispatcher treats it as a silent drop.
	ErrConnectionClosed = errors.New("connection closed")
	ErrUnknownEvent     = errors.New("unknown event")
	ErrMalformedFrame   = errors.New("malformed frame")
)

type Channel interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Send(ctx context.Context, msg bus.OutboundMessage) error
	IsRunning() bool
	IsAllowed(senderID string) bool
}

// Lifecycle is what a transport reports connection events to.
type Lifecycle interface {
	Connect(channel, connID string) error
	Disconnect(connID string)
	Receive(connID string, env protocol.Envelope) error
}

type BaseChannel struct {
	lifecycle Lifecycle
	running   atomic.Bool
	name      string
	allowList []string
}

func NewBaseChannel(name string, lifecycle Lifecycle, allowList []string) *BaseChannel {
	return &BaseChannel{
		lifecycle: lifecycle,
		name:      name,
		allowList: allowList,
	}
}

func (c *BaseChannel) Name() string {
	return c.name
}

func (c *BaseChannel) IsRunning() bool {
	return c.running.Load()
}

func (c *BaseChannel) IsAllowed(senderID string) bool {
	if len(c.allowList) == 0 {
		return true
	}

	// Extract parts from compound senderID like "123456|username"
	idPart := senderID
	userPart := ""
	if idx := strings.Index(senderID, "|"); idx > 0 {
		idPart = senderID[:idx]
		userPart = senderID[idx+1:]
	}

	for _, allowed := range c.allowList {
		candidate := strings.TrimSpace(strings.TrimPrefix(allowed, "@"))
		if candidate == "" {
			continue
		}
		if candidate == senderID || candidate == idPart || (userPart != "" && candidate == userPart) {
			return true
		}
	}

	return false
}

// Deliver wraps payload in an envelope and hands it to the lifecycle.
func (c *BaseChannel) Deliver(connID, event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", event, err)
	}
	return c.lifecycle.Receive(connID, protocol.Envelope{Event: event, Data: data})
}

func (c *BaseChannel) setRunning(running bool) {
	c.running.Store(running)
}
