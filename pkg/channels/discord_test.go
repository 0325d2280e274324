package channels

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/dotsetgreg/dotchat/pkg/bus"
	"github.com/dotsetgreg/dotchat/pkg/config"
	"github.com/dotsetgreg/dotchat/pkg/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingLifecycle struct {
	mu           sync.Mutex
	connected    []string
	disconnected []string
	received     map[string][]protocol.Envelope
	connectErr   error
}

func newRecordingLifecycle() *recordingLifecycle {
	return &recordingLifecycle{received: make(map[string][]protocol.Envelope)}
}

func (l *recordingLifecycle) Connect(channel, connID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.connectErr != nil {
		return l.connectErr
	}
	l.connected = append(l.connected, connID)
	return nil
}

func (l *recordingLifecycle) Disconnect(connID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.disconnected = append(l.disconnected, connID)
}

func (l *recordingLifecycle) Receive(connID string, env protocol.Envelope) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.received[connID] = append(l.received[connID], env)
	return nil
}

func newOfflineDiscord(t *testing.T, lifecycle Lifecycle) *DiscordChannel {
	t.Helper()
	ch, err := NewDiscordChannel(config.DiscordConfig{Enabled: true, Token: "test-token"}, lifecycle)
	require.NoError(t, err)
	return ch
}

func TestDiscordConnectionFor_ReusesConnectionPerChannel(t *testing.T) {
	lc := newRecordingLifecycle()
	ch := newOfflineDiscord(t, lc)

	first, err := ch.connectionFor("chan-1", "ada")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(first, "discord:chan-1:"), first)

	again, err := ch.connectionFor("chan-1", "ada")
	require.NoError(t, err)
	assert.Equal(t, first, again)

	other, err := ch.connectionFor("chan-2", "")
	require.NoError(t, err)
	assert.NotEqual(t, first, other)

	assert.Equal(t, []string{first, other}, lc.connected)

	// The display name travels as a preferences event on first contact only.
	require.Len(t, lc.received[first], 1)
	var prefs protocol.Preferences
	require.NoError(t, protocol.DecodeData(lc.received[first][0], &prefs))
	assert.Equal(t, protocol.EventPreferences, lc.received[first][0].Event)
	assert.Equal(t, "ada", prefs.DisplayName)
	assert.Empty(t, lc.received[other])
}

func TestDiscordConnectionFor_RollsBackOnConnectFailure(t *testing.T) {
	lc := newRecordingLifecycle()
	lc.connectErr = errors.New("session exists")
	ch := newOfflineDiscord(t, lc)

	_, err := ch.connectionFor("chan-1", "ada")
	require.Error(t, err)
	assert.Empty(t, ch.byChat)
	assert.Empty(t, ch.byConn)

	lc.connectErr = nil
	connID, err := ch.connectionFor("chan-1", "ada")
	require.NoError(t, err)
	assert.Equal(t, []string{connID}, lc.connected)
}

func TestDiscordSend_RoutesByPayload(t *testing.T) {
	lc := newRecordingLifecycle()
	ch := newOfflineDiscord(t, lc)
	ctx := context.Background()

	err := ch.Send(ctx, bus.OutboundMessage{ConnectionID: "discord:x:1", Payload: protocol.BotResponse{Message: "hi"}})
	require.Error(t, err, "a stopped channel must refuse sends")

	ch.setRunning(true)
	defer ch.setRunning(false)

	err = ch.Send(ctx, bus.OutboundMessage{ConnectionID: "discord:missing:1", Payload: protocol.BotResponse{Message: "hi"}})
	assert.ErrorIs(t, err, ErrConnectionClosed)

	connID, err := ch.connectionFor("chan-1", "")
	require.NoError(t, err)

	// Acknowledgements have no Discord form and never reach the API.
	assert.NoError(t, ch.Send(ctx, bus.OutboundMessage{ConnectionID: connID, Event: protocol.EventConnected, Payload: protocol.Ack{Message: "Connected to AI ChatBot!"}}))
	// Blank replies are dropped without a request.
	assert.NoError(t, ch.Send(ctx, bus.OutboundMessage{ConnectionID: connID, Event: protocol.EventBotResponse, Payload: protocol.BotResponse{Message: "   "}}))
	assert.NoError(t, ch.Send(ctx, bus.OutboundMessage{ConnectionID: connID, Event: protocol.EventError, Payload: protocol.ErrorEvent{}}))
}

func TestDiscordStop_DisconnectsEveryConnection(t *testing.T) {
	lc := newRecordingLifecycle()
	ch := newOfflineDiscord(t, lc)

	var opened []string
	for _, chat := range []string{"chan-1", "chan-2", "chan-3"} {
		connID, err := ch.connectionFor(chat, "")
		require.NoError(t, err)
		opened = append(opened, connID)
	}

	_ = ch.Stop(context.Background())

	disconnected := append([]string(nil), lc.disconnected...)
	sort.Strings(disconnected)
	sort.Strings(opened)
	assert.Equal(t, opened, disconnected)
	assert.Empty(t, ch.byConn)
	assert.False(t, ch.IsRunning())
}

func TestSplitMessage_ShortMessageUnchanged(t *testing.T) {
	chunks := splitMessage("hello", 1500)
	if len(chunks) != 1 || chunks[0] != "hello" {
		t.Fatalf("unexpected chunks: %#v", chunks)
	}
}

func TestSplitMessage_SplitsOnNewline(t *testing.T) {
	line := strings.Repeat("a", 90) + "\n"
	content := strings.Repeat(line, 30)

	chunks := splitMessage(content, 1000)
	if len(chunks) < 2 {
		t.Fatalf("expected multiple chunks, got %d", len(chunks))
	}
	for i, chunk := range chunks {
		if len(chunk) > 1000 {
			t.Fatalf("chunk %d too long: %d", i, len(chunk))
		}
	}
	if strings.Join(chunks, "") == "" {
		t.Fatalf("chunks lost content")
	}
}

func TestSplitMessage_KeepsCodeBlockTogether(t *testing.T) {
	content := strings.Repeat("word ", 150) + "```go\n" + strings.Repeat("x := 1\n", 40) + "```\n" + strings.Repeat("tail ", 300)

	for _, chunk := range splitMessage(content, 1000) {
		if strings.Count(chunk, "```")%2 != 0 {
			t.Fatalf("chunk splits a code block:\n%s", chunk)
		}
	}
}

func TestFindLastUnclosedCodeBlock(t *testing.T) {
	if idx := findLastUnclosedCodeBlock("a ```x``` b"); idx != -1 {
		t.Fatalf("closed block reported unclosed at %d", idx)
	}
	if idx := findLastUnclosedCodeBlock("a ```x"); idx != 2 {
		t.Fatalf("expected 2, got %d", idx)
	}
}
