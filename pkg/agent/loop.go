// DotChat - conversational chat server
// License: MIT
//
// Copyright (c) 2026 DotChat contributors

package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dotsetgreg/dotchat/pkg/bus"
	"github.com/dotsetgreg/dotchat/pkg/config"
	"github.com/dotsetgreg/dotchat/pkg/history"
	"github.com/dotsetgreg/dotchat/pkg/logger"
	"github.com/dotsetgreg/dotchat/pkg/protocol"
	"github.com/dotsetgreg/dotchat/pkg/providers"
	"github.com/dotsetgreg/dotchat/pkg/sentiment"
	"github.com/dotsetgreg/dotchat/pkg/session"
	"github.com/dotsetgreg/dotchat/pkg/utils"
	"github.com/google/uuid"
)

var ErrEmptyMessage = errors.New("agent: empty message")

// Stage names the step a message reached; it only appears in logs.
type Stage string

const (
	StageReceived     Stage = "received"
	StageContextBuilt Stage = "context_built"
	StageGenerating   Stage = "generating"
	StageCompleted    Stage = "completed"
	StageFailed       Stage = "failed"
)

const laneIdleTimeout = 2 * time.Minute

// TurnRecorder receives completed turns for persistence. Implementations
// must not block and must not report errors back.
type TurnRecorder interface {
	Record(rec history.Record)
}

// Reply is the outcome of one processed message.
type Reply struct {
	Text      string
	Sentiment session.Sentiment
	Timestamp time.Time
	Fallback  bool
	Failure   providers.FailureKind
}

type AgentLoop struct {
	bus            *bus.MessageBus
	provider       providers.LLMProvider
	sessions       *session.Store
	contextBuilder *ContextBuilder
	classifier     sentiment.Classifier
	recorder       TurnRecorder
	dialect        protocol.Dialect
	model          string
	maxTokens      int
	temperature    float64
	contextTurns   int
	personality    bool
	laneBuffer     int
	now            func() time.Time
	running        atomic.Bool
	lanes          map[string]*lane
	lanesMu        sync.Mutex
	lanesWG        sync.WaitGroup
	processed      atomic.Uint64
	fallbacks      atomic.Uint64
}

// lane serializes the messages of one connection.
type lane struct {
	queue chan bus.InboundMessage
}

func NewAgentLoop(cfg *config.Config, msgBus *bus.MessageBus, provider providers.LLMProvider, sessions *session.Store) (*AgentLoop, error) {
	if provider == nil {
		return nil, fmt.Errorf("agent: provider is required")
	}
	if sessions == nil {
		return nil, fmt.Errorf("agent: session store is required")
	}
	dialect, err := protocol.NewDialect(cfg.Server.Dialect)
	if err != nil {
		return nil, fmt.Errorf("agent: %w", err)
	}

	laneBuffer := cfg.Session.LaneBuffer
	if laneBuffer <= 0 {
		laneBuffer = 16
	}

	return &AgentLoop{
		bus:            msgBus,
		provider:       provider,
		sessions:       sessions,
		contextBuilder: NewContextBuilder(cfg),
		dialect:        dialect,
		model:          strings.TrimSpace(cfg.Provider.Model),
		maxTokens:      cfg.Provider.MaxTokens,
		temperature:    cfg.Provider.Temperature,
		contextTurns:   cfg.Session.ContextTurns,
		personality:    cfg.Assistant.Personality,
		laneBuffer:     laneBuffer,
		now:            time.Now,
		lanes:          make(map[string]*lane),
	}, nil
}

func (al *AgentLoop) SetClassifier(c sentiment.Classifier) {
	al.classifier = c
}

func (al *AgentLoop) SetRecorder(r TurnRecorder) {
	al.recorder = r
}

// Run consumes inbound messages until ctx ends or the bus closes. Each
// connection gets its own lane so one slow backend call never delays other
// clients, while messages of a single connection stay strictly ordered.
func (al *AgentLoop) Run(ctx context.Context) error {
	al.running.Store(true)
	defer al.closeLanes()

	for al.running.Load() {
		msg, ok := al.bus.ConsumeInbound(ctx)
		if !ok {
			// Either ctx ended or the bus was closed; both mean shutdown.
			return nil
		}

		switch msg.Kind {
		case bus.KindDisconnect:
			al.retireLane(msg.ConnectionID)
		default:
			al.dispatch(ctx, msg)
		}
	}

	return nil
}

// Stop ends Run and waits for in-flight messages to finish.
func (al *AgentLoop) Stop() {
	al.lanesMu.Lock()
	al.running.Store(false)
	al.lanesMu.Unlock()
	al.closeLanes()
	al.lanesWG.Wait()
}

func (al *AgentLoop) dispatch(ctx context.Context, msg bus.InboundMessage) {
	if !al.enqueue(ctx, msg) {
		al.publishError(msg, "Too many pending messages. Please wait for a reply.")
	}
}

// enqueue reports false only when the connection's lane is full. Messages
// that arrive after Stop are dropped silently so no lane outlives the loop.
func (al *AgentLoop) enqueue(ctx context.Context, msg bus.InboundMessage) bool {
	al.lanesMu.Lock()
	defer al.lanesMu.Unlock()

	if !al.running.Load() {
		return true
	}

	l, ok := al.lanes[msg.ConnectionID]
	if !ok {
		l = &lane{queue: make(chan bus.InboundMessage, al.laneBuffer)}
		al.lanes[msg.ConnectionID] = l
		al.lanesWG.Add(1)
		go al.runLane(ctx, msg.ConnectionID, l)
	}

	select {
	case l.queue <- msg:
		return true
	default:
		logger.WarnCF("agent", "Connection lane full, dropping message",
			map[string]interface{}{
				"connection_id": msg.ConnectionID,
				"pending":       len(l.queue),
			})
		return false
	}
}

func (al *AgentLoop) runLane(ctx context.Context, connID string, l *lane) {
	defer al.lanesWG.Done()

	idle := time.NewTimer(laneIdleTimeout)
	defer idle.Stop()

	for {
		select {
		case msg, ok := <-l.queue:
			if !ok {
				return
			}
			al.handleInbound(ctx, msg)
			idle.Reset(laneIdleTimeout)
		case <-idle.C:
			al.retireIfAbandoned(connID, l)
			idle.Reset(laneIdleTimeout)
		case <-ctx.Done():
			return
		}
	}
}

func (al *AgentLoop) retireLane(connID string) {
	al.lanesMu.Lock()
	defer al.lanesMu.Unlock()

	if l, ok := al.lanes[connID]; ok {
		delete(al.lanes, connID)
		close(l.queue)
		logger.DebugCF("agent", "Connection lane retired",
			map[string]interface{}{"connection_id": connID})
	}
}

// retireIfAbandoned covers a disconnect notice that was dropped by the bus.
func (al *AgentLoop) retireIfAbandoned(connID string, l *lane) {
	if al.sessions.Exists(connID) {
		return
	}
	al.lanesMu.Lock()
	defer al.lanesMu.Unlock()
	if al.lanes[connID] == l && len(l.queue) == 0 {
		delete(al.lanes, connID)
		close(l.queue)
	}
}

func (al *AgentLoop) closeLanes() {
	al.lanesMu.Lock()
	defer al.lanesMu.Unlock()
	for id, l := range al.lanes {
		delete(al.lanes, id)
		close(l.queue)
	}
}

// ActiveLanes reports how many connections currently have a lane.
func (al *AgentLoop) ActiveLanes() int {
	al.lanesMu.Lock()
	defer al.lanesMu.Unlock()
	return len(al.lanes)
}

func (al *AgentLoop) handleInbound(ctx context.Context, msg bus.InboundMessage) {
	if !al.sessions.Exists(msg.ConnectionID) {
		logger.DebugCF("agent", "Session gone before processing, dropping message",
			map[string]interface{}{"connection_id": msg.ConnectionID})
		return
	}
	if !protocol.IsTextType(msg.Type) {
		al.publishError(msg, unsupportedTypeReply)
		return
	}

	reply, err := al.ProcessMessage(ctx, msg.ConnectionID, msg.Content)
	switch {
	case errors.Is(err, ErrEmptyMessage):
		al.publishError(msg, emptyMessageReply)
		return
	case errors.Is(err, session.ErrUnknownSession):
		// The client disconnected while the backend was generating.
		logger.DebugCF("agent", "Dropping reply for closed connection",
			map[string]interface{}{"connection_id": msg.ConnectionID})
		return
	case err != nil:
		logger.ErrorCF("agent", "Message processing failed",
			map[string]interface{}{
				"connection_id": msg.ConnectionID,
				"error":         err.Error(),
			})
		return
	}

	al.bus.PublishOutbound(bus.OutboundMessage{
		Channel:      msg.Channel,
		ConnectionID: msg.ConnectionID,
		Event:        al.dialect.ResponseEvent(),
		Payload:      al.dialect.Response(reply.Text, string(reply.Sentiment), reply.Timestamp),
	})
}

func (al *AgentLoop) publishError(msg bus.InboundMessage, text string) {
	al.bus.PublishOutbound(bus.OutboundMessage{
		Channel:      msg.Channel,
		ConnectionID: msg.ConnectionID,
		Event:        protocol.EventError,
		Payload:      protocol.ErrorEvent{Message: text},
	})
}

// ProcessMessage runs one user message through classification, context
// assembly and generation, and appends the resulting turn to the session.
// Backend failures are not errors: they come back as a fallback Reply.
// The only errors are ErrEmptyMessage and session.ErrUnknownSession.
func (al *AgentLoop) ProcessMessage(ctx context.Context, connID, content string) (Reply, error) {
	content = strings.TrimSpace(content)
	fields := map[string]interface{}{
		"connection_id": connID,
		"stage":         StageReceived,
		"preview":       utils.Truncate(content, 80),
	}
	logger.InfoCF("agent", "Processing message", fields)

	if content == "" {
		logStage(connID, StageFailed, map[string]interface{}{"error": ErrEmptyMessage.Error()})
		return Reply{}, ErrEmptyMessage
	}

	pc := PromptContext{
		DisplayName: al.sessions.DisplayName(connID),
		Preferences: al.sessions.Preferences(connID),
	}
	if al.classifier != nil {
		result, err := al.classifier.Classify(ctx, content)
		if err != nil {
			logger.WarnCF("agent", "Sentiment classification failed, continuing without label",
				map[string]interface{}{
					"connection_id": connID,
					"error":         err.Error(),
				})
		} else {
			pc.Sentiment = result.Label
			pc.Tone = result.Tone
		}
	}

	recent := al.sessions.GetRecent(connID, al.contextTurns)
	messages := al.contextBuilder.BuildMessages(pc, recent, content)
	logStage(connID, StageContextBuilt, map[string]interface{}{
		"segments":  len(messages),
		"sentiment": string(pc.Sentiment),
	})

	logStage(connID, StageGenerating, nil)
	resp, err := al.provider.Chat(ctx, messages, al.model, map[string]interface{}{
		"max_tokens":  al.maxTokens,
		"temperature": al.temperature,
	})
	now := al.now()
	if err != nil {
		kind := providers.ClassifyError(err)
		al.fallbacks.Add(1)
		logStage(connID, StageFailed, map[string]interface{}{
			"failure": kind.String(),
			"error":   err.Error(),
		})
		return Reply{
			Text:      FallbackMessage(kind),
			Sentiment: pc.Sentiment,
			Timestamp: now,
			Fallback:  true,
			Failure:   kind,
		}, nil
	}

	text := strings.TrimSpace(resp.Content)
	if text == "" {
		text = emptyGenerationReply
	}
	if al.personality {
		text = applyPersonality(text, pc.Sentiment)
	}

	turn := session.Turn{
		ID:          uuid.NewString(),
		UserMessage: content,
		Response:    text,
		Sentiment:   pc.Sentiment,
		CreatedAt:   now,
	}
	// Append before the reply leaves so the client's next message sees it.
	if err := al.sessions.AppendTurn(connID, turn); err != nil {
		logStage(connID, StageFailed, map[string]interface{}{"error": err.Error()})
		return Reply{}, err
	}
	al.processed.Add(1)

	if al.recorder != nil {
		al.recorder.Record(history.Record{
			SessionID:   connID,
			UserMessage: turn.UserMessage,
			BotResponse: turn.Response,
			Sentiment:   string(turn.Sentiment),
			Timestamp:   turn.CreatedAt,
		})
	}

	logStage(connID, StageCompleted, map[string]interface{}{
		"turn_id":       turn.ID,
		"response_len":  len(text),
		"history_turns": len(recent),
	})

	return Reply{
		Text:      text,
		Sentiment: pc.Sentiment,
		Timestamp: now,
	}, nil
}

// Stats reports counters for the heartbeat log.
func (al *AgentLoop) Stats() map[string]interface{} {
	return map[string]interface{}{
		"processed":    al.processed.Load(),
		"fallbacks":    al.fallbacks.Load(),
		"active_lanes": al.ActiveLanes(),
	}
}

func logStage(connID string, stage Stage, extra map[string]interface{}) {
	fields := map[string]interface{}{
		"connection_id": connID,
		"stage":         stage,
	}
	for k, v := range extra {
		fields[k] = v
	}
	logger.DebugCF("agent", "Message stage", fields)
}
