package bus

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// MessageBus decouples channels from the agent loop. Publishing never blocks
// for longer than publishTimeout; messages that cannot be queued in time are
// dropped and counted.
type MessageBus struct {
	inbound  chan InboundMessage
	outbound chan OutboundMessage

	droppedInbound  atomic.Uint64
	droppedOutbound atomic.Uint64

	mu     sync.RWMutex
	closed bool
}

const (
	publishTimeout    = 100 * time.Millisecond
	defaultBufferSize = 100
)

func NewMessageBus() *MessageBus {
	return NewMessageBusWithBuffer(defaultBufferSize)
}

func NewMessageBusWithBuffer(size int) *MessageBus {
	if size <= 0 {
		size = defaultBufferSize
	}
	return &MessageBus{
		inbound:  make(chan InboundMessage, size),
		outbound: make(chan OutboundMessage, size),
	}
}

// PublishInbound reports whether msg was queued.
func (mb *MessageBus) PublishInbound(msg InboundMessage) bool {
	return publish(mb, mb.inbound, msg, &mb.droppedInbound)
}

func (mb *MessageBus) ConsumeInbound(ctx context.Context) (InboundMessage, bool) {
	return receive(ctx, mb.inbound)
}

// PublishOutbound reports whether msg was queued.
func (mb *MessageBus) PublishOutbound(msg OutboundMessage) bool {
	return publish(mb, mb.outbound, msg, &mb.droppedOutbound)
}

func (mb *MessageBus) SubscribeOutbound(ctx context.Context) (OutboundMessage, bool) {
	return receive(ctx, mb.outbound)
}

// Close ends both directions. Consumers drain what is queued, then see !ok.
func (mb *MessageBus) Close() {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	if mb.closed {
		return
	}
	mb.closed = true
	close(mb.inbound)
	close(mb.outbound)
}

func (mb *MessageBus) DroppedInbound() uint64  { return mb.droppedInbound.Load() }
func (mb *MessageBus) DroppedOutbound() uint64 { return mb.droppedOutbound.Load() }

// publish holds the read lock so Close cannot close ch mid-send.
func publish[T any](mb *MessageBus, ch chan T, msg T, dropped *atomic.Uint64) bool {
	mb.mu.RLock()
	defer mb.mu.RUnlock()
	if mb.closed {
		return false
	}

	select {
	case ch <- msg:
		return true
	default:
	}

	timer := time.NewTimer(publishTimeout)
	defer timer.Stop()
	select {
	case ch <- msg:
		return true
	case <-timer.C:
		dropped.Add(1)
		return false
	}
}

func receive[T any](ctx context.Context, ch <-chan T) (T, bool) {
	var zero T
	select {
	case msg, ok := <-ch:
		if !ok {
			return zero, false
		}
		return msg, true
	case <-ctx.Done():
		return zero, false
	}
}
