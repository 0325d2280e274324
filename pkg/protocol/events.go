// Package protocol defines the JSON events exchanged with chat clients.
//
// Every websocket frame carries one Envelope. Event names come in two
// dialects: "classic" (connected, bot_response) and "groq" (status,
// ai_response) so both generations of the browser client keep working.
package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

const (
	EventUserMessage = "user_message"
	EventTyping      = "typing"
	EventPreferences = "preferences"

	EventConnected   = "connected"
	EventStatus      = "status"
	EventBotResponse = "bot_response"
	EventAIResponse  = "ai_response"
	EventBotTyping   = "bot_typing"
	EventError       = "error"
)

const (
	DialectClassic = "classic"
	DialectGroq    = "groq"

	MessageTypeText  = "text"
	MessageTypeVoice = "voice"

	TimestampLayout = "15:04:05"
)

type Envelope struct {
	Event string          `json:"event" jsonschema:"required"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type UserMessage struct {
	Message string `json:"message" jsonschema:"required"`
	Type    string `json:"type,omitempty" jsonschema:"enum=text,enum=voice"`
}

type Typing struct{}

type Preferences struct {
	DisplayName string            `json:"display_name,omitempty"`
	Preferences map[string]string `json:"preferences,omitempty"`
}

// Ack acknowledges a new connection. Exactly one of Message or Msg is set,
// depending on the dialect.
type Ack struct {
	Message string `json:"message,omitempty"`
	Msg     string `json:"msg,omitempty"`
}

type BotResponse struct {
	Message   string `json:"message" jsonschema:"required"`
	Sentiment string `json:"sentiment,omitempty" jsonschema:"enum=positive,enum=negative,enum=neutral"`
	Timestamp string `json:"timestamp,omitempty"`
	Typing    bool   `json:"typing"`
}

type BotTyping struct {
	Typing bool `json:"typing"`
}

type ErrorEvent struct {
	Message string `json:"message" jsonschema:"required"`
}

// Dialect resolves event names and payload shapes for one client generation.
type Dialect struct {
	name string
}

func NewDialect(name string) (Dialect, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", DialectClassic:
		return Dialect{name: DialectClassic}, nil
	case DialectGroq:
		return Dialect{name: DialectGroq}, nil
	default:
		return Dialect{}, fmt.Errorf("unknown dialect %q", name)
	}
}

func (d Dialect) Name() string {
	if d.name == "" {
		return DialectClassic
	}
	return d.name
}

func (d Dialect) AckEvent() string {
	if d.name == DialectGroq {
		return EventStatus
	}
	return EventConnected
}

func (d Dialect) ResponseEvent() string {
	if d.name == DialectGroq {
		return EventAIResponse
	}
	return EventBotResponse
}

func (d Dialect) Ack(text string) Ack {
	if d.name == DialectGroq {
		return Ack{Msg: text}
	}
	return Ack{Message: text}
}

func (d Dialect) Response(text, sentiment string, at time.Time) BotResponse {
	resp := BotResponse{Message: text, Sentiment: sentiment}
	if !at.IsZero() {
		resp.Timestamp = at.Format(TimestampLayout)
	}
	return resp
}

// IsTextType reports whether a user_message type carries plain text. Voice
// messages arrive already transcribed by the client.
func IsTextType(t string) bool {
	switch strings.ToLower(strings.TrimSpace(t)) {
	case "", MessageTypeText, MessageTypeVoice:
		return true
	default:
		return false
	}
}

// Encode wraps payload into an envelope frame.
func Encode(event string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", event, err)
	}
	return json.Marshal(Envelope{Event: event, Data: data})
}

func Decode(frame []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if strings.TrimSpace(env.Event) == "" {
		return Envelope{}, fmt.Errorf("decode envelope: missing event name")
	}
	return env, nil
}

// DecodeData unmarshals the envelope payload. An absent payload leaves v zeroed.
func DecodeData(env Envelope, v any) error {
	if len(env.Data) == 0 || string(env.Data) == "null" {
		return nil
	}
	if err := json.Unmarshal(env.Data, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", env.Event, err)
	}
	return nil
}
