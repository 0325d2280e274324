package bus

import (
	"context"
	"testing"
	"time"
)

func TestMessageBus_PublishInboundDropsWhenBufferFull(t *testing.T) {
	mb := NewMessageBus()
	defer mb.Close()

	for i := 0; i < cap(mb.inbound); i++ {
		if !mb.PublishInbound(InboundMessage{Kind: KindMessage, Channel: "test", ConnectionID: "c", Content: "msg"}) {
			t.Fatalf("publish %d should have been queued", i)
		}
	}

	if mb.PublishInbound(InboundMessage{Kind: KindMessage, Channel: "test", ConnectionID: "c", Content: "overflow"}) {
		t.Fatalf("overflow publish should report false")
	}
	if mb.DroppedInbound() != 1 {
		t.Fatalf("expected dropped inbound count 1, got %d", mb.DroppedInbound())
	}
}

func TestMessageBus_PublishOutboundDropsWhenBufferFull(t *testing.T) {
	mb := NewMessageBusWithBuffer(4)
	defer mb.Close()

	for i := 0; i < cap(mb.outbound); i++ {
		mb.PublishOutbound(OutboundMessage{Channel: "test", ConnectionID: "c", Event: "bot_response"})
	}

	mb.PublishOutbound(OutboundMessage{Channel: "test", ConnectionID: "c", Event: "bot_response"})
	if mb.DroppedOutbound() != 1 {
		t.Fatalf("expected dropped outbound count 1, got %d", mb.DroppedOutbound())
	}
}

func TestMessageBus_PreservesOrder(t *testing.T) {
	mb := NewMessageBus()
	defer mb.Close()

	for _, content := range []string{"first", "second", "third"} {
		mb.PublishInbound(InboundMessage{Kind: KindMessage, ConnectionID: "c", Content: content})
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	for _, want := range []string{"first", "second", "third"} {
		msg, ok := mb.ConsumeInbound(ctx)
		if !ok {
			t.Fatalf("ConsumeInbound returned ok=false")
		}
		if msg.Content != want {
			t.Fatalf("got %q, want %q", msg.Content, want)
		}
	}
}

func TestMessageBus_ClosedChannelsReturnFalse(t *testing.T) {
	mb := NewMessageBus()
	mb.Close()
	mb.Close()

	if _, ok := mb.ConsumeInbound(context.Background()); ok {
		t.Fatalf("expected closed inbound consume to return ok=false")
	}
	if _, ok := mb.SubscribeOutbound(context.Background()); ok {
		t.Fatalf("expected closed outbound subscribe to return ok=false")
	}
	if mb.PublishInbound(InboundMessage{Kind: KindDisconnect}) {
		t.Fatalf("publish after close should report false")
	}
}

func TestMessageBus_ConsumeRespectsContext(t *testing.T) {
	mb := NewMessageBus()
	defer mb.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, ok := mb.ConsumeInbound(ctx); ok {
		t.Fatalf("expected canceled consume to return ok=false")
	}
}
