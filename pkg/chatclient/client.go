// Package chatclient talks to a running chat server over its websocket
// endpoint. It understands both event dialects.
package chatclient

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dotsetgreg/dotchat/pkg/protocol"
	"github.com/gorilla/websocket"
)

var ErrClosed = errors.New("chatclient: connection closed")

// ServerError is an error event sent by the server.
type ServerError struct {
	Message string
}

func (e *ServerError) Error() string { return "server: " + e.Message }

type Reply struct {
	Message   string
	Sentiment string
	Timestamp string
}

type Client struct {
	conn     *websocket.Conn
	events   chan protocol.Envelope
	greeting string
	writeMu  sync.Mutex
	readErr  error
	done     chan struct{}
}

// Dial connects and waits for the server's connection acknowledgement.
func Dial(ctx context.Context, url string) (*Client, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}

	c := &Client{
		conn:   conn,
		events: make(chan protocol.Envelope, 16),
		done:   make(chan struct{}),
	}
	go c.readLoop()

	for {
		env, err := c.next(ctx)
		if err != nil {
			_ = conn.Close()
			return nil, err
		}
		if env.Event == protocol.EventConnected || env.Event == protocol.EventStatus {
			var ack protocol.Ack
			if err := protocol.DecodeData(env, &ack); err != nil {
				_ = conn.Close()
				return nil, err
			}
			c.greeting = ack.Message
			if c.greeting == "" {
				c.greeting = ack.Msg
			}
			return c, nil
		}
	}
}

// Greeting is the text of the connection acknowledgement.
func (c *Client) Greeting() string {
	return c.greeting
}

// SetPreferences sends a preferences event. The server does not answer it.
func (c *Client) SetPreferences(prefs protocol.Preferences) error {
	return c.send(protocol.EventPreferences, prefs)
}

// Ask sends one message and waits for its reply. Typing indicators are
// skipped; an error event comes back as *ServerError.
func (c *Client) Ask(ctx context.Context, text string) (Reply, error) {
	if err := c.send(protocol.EventUserMessage, protocol.UserMessage{
		Message: text,
		Type:    protocol.MessageTypeText,
	}); err != nil {
		return Reply{}, err
	}

	for {
		env, err := c.next(ctx)
		if err != nil {
			return Reply{}, err
		}
		switch env.Event {
		case protocol.EventBotResponse, protocol.EventAIResponse:
			var resp protocol.BotResponse
			if err := protocol.DecodeData(env, &resp); err != nil {
				return Reply{}, err
			}
			return Reply{Message: resp.Message, Sentiment: resp.Sentiment, Timestamp: resp.Timestamp}, nil
		case protocol.EventError:
			var serverErr protocol.ErrorEvent
			if err := protocol.DecodeData(env, &serverErr); err != nil {
				return Reply{}, err
			}
			return Reply{}, &ServerError{Message: serverErr.Message}
		}
	}
}

func (c *Client) Close() error {
	c.writeMu.Lock()
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()
	return c.conn.Close()
}

func (c *Client) send(event string, payload any) error {
	frame, err := protocol.Encode(event, payload)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		return fmt.Errorf("send %s: %w", event, err)
	}
	return nil
}

func (c *Client) next(ctx context.Context) (protocol.Envelope, error) {
	select {
	case env := <-c.events:
		return env, nil
	case <-c.done:
		// Drain anything that arrived before the socket closed.
		select {
		case env := <-c.events:
			return env, nil
		default:
		}
		if c.readErr != nil {
			return protocol.Envelope{}, fmt.Errorf("%w: %v", ErrClosed, c.readErr)
		}
		return protocol.Envelope{}, ErrClosed
	case <-ctx.Done():
		return protocol.Envelope{}, ctx.Err()
	}
}

func (c *Client) readLoop() {
	defer close(c.done)
	for {
		_, frame, err := c.conn.ReadMessage()
		if err != nil {
			c.readErr = err
			return
		}
		env, err := protocol.Decode(frame)
		if err != nil {
			continue
		}
		c.events <- env
	}
}
