package agent

import (
	"github.com/dotsetgreg/dotchat/pkg/providers"
	"github.com/dotsetgreg/dotchat/pkg/session"
)

// Fallback replies are sent in place of a generated answer. Clients render
// them like any other reply.
const (
	FallbackRateLimited   = "⏰ Rate limit exceeded. Please wait and try again."
	FallbackQuotaExceeded = "💳 API quota exceeded. Please check your account."
	FallbackAuth          = "🔑 API key error. Please check your configuration."
	FallbackUnknown       = "❌ Sorry, there was an error processing your message. Please try again."

	emptyGenerationReply = "I'm not sure how to respond to that. Could you rephrase?"
	emptyMessageReply    = "Message cannot be empty."
	unsupportedTypeReply = "Only text messages are supported."
)

func FallbackMessage(kind providers.FailureKind) string {
	switch kind {
	case providers.FailureRateLimited:
		return FallbackRateLimited
	case providers.FailureQuotaExceeded:
		return FallbackQuotaExceeded
	case providers.FailureAuth:
		return FallbackAuth
	default:
		return FallbackUnknown
	}
}

func applyPersonality(response string, sentiment session.Sentiment) string {
	switch sentiment {
	case session.SentimentNegative:
		return "I understand you might be feeling frustrated. " + response
	case session.SentimentPositive:
		return "I'm glad you're feeling positive! " + response
	default:
		return response
	}
}
