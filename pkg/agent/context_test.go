package agent

import (
	"fmt"
	"strings"
	"testing"

	"github.com/dotsetgreg/dotchat/pkg/config"
	"github.com/dotsetgreg/dotchat/pkg/providers"
	"github.com/dotsetgreg/dotchat/pkg/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildContextWindow_Shape(t *testing.T) {
	for n := 0; n <= 5; n++ {
		turns := make([]session.Turn, n)
		for i := range turns {
			turns[i] = session.Turn{
				UserMessage: fmt.Sprintf("q%d", i),
				Response:    fmt.Sprintf("a%d", i),
			}
		}

		msgs := BuildContextWindow("preamble", turns, "now")
		require.Len(t, msgs, 2*n+2, "n=%d", n)

		assert.Equal(t, providers.RoleSystem, msgs[0].Role)
		assert.Equal(t, "preamble", msgs[0].Content)
		for i := 0; i < n; i++ {
			assert.Equal(t, providers.RoleUser, msgs[1+2*i].Role)
			assert.Equal(t, fmt.Sprintf("q%d", i), msgs[1+2*i].Content)
			assert.Equal(t, providers.RoleAssistant, msgs[2+2*i].Role)
			assert.Equal(t, fmt.Sprintf("a%d", i), msgs[2+2*i].Content)
		}
		last := msgs[len(msgs)-1]
		assert.Equal(t, providers.RoleUser, last.Role)
		assert.Equal(t, "now", last.Content)
	}
}

func TestBuildContextWindow_DoesNotTruncate(t *testing.T) {
	turns := make([]session.Turn, 40)
	msgs := BuildContextWindow("p", turns, "x")
	if len(msgs) != 82 {
		t.Fatalf("expected 82 segments, got %d", len(msgs))
	}
}

func TestBuildSystemPrompt_IncludesNamesSentimentAndPreferences(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Assistant.Name = "Nova"
	cfg.Assistant.UserName = "Sam"
	cb := NewContextBuilder(cfg)

	prompt := cb.BuildSystemPrompt(PromptContext{
		Sentiment:   session.SentimentNegative,
		Tone:        "empathetic and supportive",
		Preferences: map[string]string{"units": "metric", "language": "en"},
	})

	assert.Contains(t, prompt, "Hello, I am Sam. ")
	assert.Contains(t, prompt, "chatbot named Nova.")
	assert.Contains(t, prompt, "Current user sentiment: negative")
	assert.Contains(t, prompt, "Suggested tone: empathetic and supportive")
	assert.Less(t, strings.Index(prompt, "- language: en"), strings.Index(prompt, "- units: metric"))
	assert.Contains(t, prompt, "Maintain context from previous messages")
}

func TestBuildSystemPrompt_DisplayNameOverridesConfiguredUser(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Assistant.UserName = "Sam"
	cb := NewContextBuilder(cfg)

	prompt := cb.BuildSystemPrompt(PromptContext{DisplayName: "Alex"})
	assert.Contains(t, prompt, "Hello, I am Alex. ")
	assert.NotContains(t, prompt, "Sam")
	assert.Contains(t, prompt, "Current user sentiment: neutral")
}

func TestBuildSystemPrompt_NoUserName(t *testing.T) {
	cb := NewContextBuilder(config.DefaultConfig())
	prompt := cb.BuildSystemPrompt(PromptContext{})
	assert.True(t, strings.HasPrefix(prompt, "You are a very accurate and advanced AI chatbot named AI ChatBot."))
}

func TestBuildSystemPrompt_CustomInstructions(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Assistant.SystemPrompt = "Answer in haiku."
	cb := NewContextBuilder(cfg)

	prompt := cb.BuildSystemPrompt(PromptContext{})
	assert.True(t, strings.HasSuffix(prompt, "Answer in haiku."))
	assert.NotContains(t, prompt, "follow-up questions")
}
