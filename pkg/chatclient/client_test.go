package chatclient

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/dotsetgreg/dotchat/pkg/agent"
	"github.com/dotsetgreg/dotchat/pkg/bus"
	"github.com/dotsetgreg/dotchat/pkg/channels"
	"github.com/dotsetgreg/dotchat/pkg/config"
	"github.com/dotsetgreg/dotchat/pkg/protocol"
	"github.com/dotsetgreg/dotchat/pkg/providers"
	"github.com/dotsetgreg/dotchat/pkg/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startServer(t *testing.T, dialect string) (string, *session.Store) {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.Assistant.Personality = false
	cfg.Server.Dialect = dialect

	sessions := session.NewStore()
	msgBus := bus.NewMessageBus()
	manager, err := channels.NewManager(cfg, msgBus, sessions)
	require.NoError(t, err)
	loop, err := agent.NewAgentLoop(cfg, msgBus, providers.NewEchoProvider(), sessions)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go loop.Run(ctx)
	require.NoError(t, manager.StartAll(ctx))

	srv := httptest.NewServer(manager.WebSocket())
	t.Cleanup(func() {
		srv.Close()
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer stopCancel()
		_ = manager.StopAll(stopCtx)
		cancel()
		loop.Stop()
		msgBus.Close()
	})

	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws", sessions
}

func TestClient_AskRoundTrip(t *testing.T) {
	for _, dialect := range []string{protocol.DialectClassic, protocol.DialectGroq} {
		t.Run(dialect, func(t *testing.T) {
			url, sessions := startServer(t, dialect)
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			client, err := Dial(ctx, url)
			require.NoError(t, err)
			defer client.Close()
			assert.Equal(t, "Connected to AI ChatBot!", client.Greeting())

			reply, err := client.Ask(ctx, "ping")
			require.NoError(t, err)
			assert.Equal(t, "You said: ping", reply.Message)

			reply, err = client.Ask(ctx, "pong")
			require.NoError(t, err)
			assert.Equal(t, "You said: pong", reply.Message)

			snap := sessions.Snapshot()
			require.Len(t, snap, 1)
			assert.Equal(t, 2, snap[0].Turns)
		})
	}
}

func TestClient_ServerErrorEvent(t *testing.T) {
	url, _ := startServer(t, protocol.DialectClassic)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client, err := Dial(ctx, url)
	require.NoError(t, err)
	defer client.Close()

	_, err = client.Ask(ctx, "   ")
	var serverErr *ServerError
	require.True(t, errors.As(err, &serverErr), "got %v", err)
	assert.Equal(t, "Message cannot be empty.", serverErr.Message)
}

func TestDial_Unreachable(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := Dial(ctx, "ws://127.0.0.1:1/ws")
	assert.Error(t, err)
}
