package agent

import (
	"fmt"
	"sort"
	"strings"

	"github.com/dotsetgreg/dotchat/pkg/config"
	"github.com/dotsetgreg/dotchat/pkg/logger"
	"github.com/dotsetgreg/dotchat/pkg/providers"
	"github.com/dotsetgreg/dotchat/pkg/session"
)

const defaultInstructions = `*** Do not tell time until asked, do not talk too much, just answer the question. ***
*** Do not provide notes in the output and never mention your training data. ***
Instructions:
- Maintain context from previous messages in this conversation
- Adapt your tone based on the user's sentiment
- Ask follow-up questions when appropriate`

// PromptContext carries the per-message facts that shape the system preamble.
type PromptContext struct {
	DisplayName string
	Sentiment   session.Sentiment
	Tone        string
	Preferences map[string]string
}

type ContextBuilder struct {
	assistantName string
	userName      string
	instructions  string
}

func NewContextBuilder(cfg *config.Config) *ContextBuilder {
	instructions := strings.TrimSpace(cfg.Assistant.SystemPrompt)
	if instructions == "" {
		instructions = defaultInstructions
	}
	name := strings.TrimSpace(cfg.Assistant.Name)
	if name == "" {
		name = "AI ChatBot"
	}
	return &ContextBuilder{
		assistantName: name,
		userName:      strings.TrimSpace(cfg.Assistant.UserName),
		instructions:  instructions,
	}
}

func (cb *ContextBuilder) AssistantName() string {
	return cb.assistantName
}

// BuildSystemPrompt renders the system preamble. It is a pure function of
// the builder configuration and pc.
func (cb *ContextBuilder) BuildSystemPrompt(pc PromptContext) string {
	var sb strings.Builder

	userName := strings.TrimSpace(pc.DisplayName)
	if userName == "" {
		userName = cb.userName
	}
	if userName != "" {
		fmt.Fprintf(&sb, "Hello, I am %s. ", userName)
	}
	fmt.Fprintf(&sb, "You are a very accurate and advanced AI chatbot named %s.\n\n", cb.assistantName)

	sentiment := string(pc.Sentiment)
	if sentiment == "" {
		sentiment = string(session.SentimentNeutral)
	}
	fmt.Fprintf(&sb, "Current user sentiment: %s\n", sentiment)
	if pc.Tone != "" {
		fmt.Fprintf(&sb, "Suggested tone: %s\n", pc.Tone)
	}

	if len(pc.Preferences) > 0 {
		keys := make([]string, 0, len(pc.Preferences))
		for k := range pc.Preferences {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		sb.WriteString("User preferences:\n")
		for _, k := range keys {
			fmt.Fprintf(&sb, "- %s: %s\n", k, pc.Preferences[k])
		}
	}

	sb.WriteString("\n")
	sb.WriteString(cb.instructions)
	return sb.String()
}

// BuildMessages renders the preamble for pc and shapes the context window.
func (cb *ContextBuilder) BuildMessages(pc PromptContext, recent []session.Turn, currentMessage string) []providers.Message {
	systemPrompt := cb.BuildSystemPrompt(pc)

	logger.DebugCF("agent", "System prompt built",
		map[string]interface{}{
			"total_chars":  len(systemPrompt),
			"recent_turns": len(recent),
		})

	return BuildContextWindow(systemPrompt, recent, currentMessage)
}

// BuildContextWindow shapes a transcript for the generation backend:
// one system segment, then a user/assistant pair per turn oldest first,
// then the new user message. It never truncates; the caller picks how many
// turns to pass.
func BuildContextWindow(systemPreamble string, recent []session.Turn, newMessage string) []providers.Message {
	messages := make([]providers.Message, 0, 2*len(recent)+2)
	messages = append(messages, providers.Message{
		Role:    providers.RoleSystem,
		Content: systemPreamble,
	})
	for _, turn := range recent {
		messages = append(messages,
			providers.Message{Role: providers.RoleUser, Content: turn.UserMessage},
			providers.Message{Role: providers.RoleAssistant, Content: turn.Response},
		)
	}
	messages = append(messages, providers.Message{
		Role:    providers.RoleUser,
		Content: newMessage,
	})
	return messages
}
